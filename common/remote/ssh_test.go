package remote

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

var _ = Describe("SSH authentication", func() {
	writeKey := func(dir string) string {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		Expect(err).ToNot(HaveOccurred())

		block, err := ssh.MarshalPrivateKey(priv, "")
		Expect(err).ToNot(HaveOccurred())

		path := filepath.Join(dir, "id_ed25519")
		Expect(os.WriteFile(path, pem.EncodeToMemory(block), 0600)).To(Succeed())
		return path
	}

	It("should use the configured private key when one is set", func() {
		path := writeKey(GinkgoT().TempDir())

		auth, err := authMethod(ClientConfig{PrivateKeyPath: path})
		Expect(err).ToNot(HaveOccurred())
		Expect(auth).ToNot(BeNil())
	})

	It("should reject unparseable key files", func() {
		path := filepath.Join(GinkgoT().TempDir(), "garbage")
		Expect(os.WriteFile(path, []byte("not a key"), 0600)).To(Succeed())

		_, err := authMethod(ClientConfig{PrivateKeyPath: path})
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("parsing private key"))
	})

	It("should explain the missing agent when no key is configured", func() {
		GinkgoT().Setenv("SSH_AUTH_SOCK", "")

		_, err := authMethod(ClientConfig{})
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("SSH_AUTH_SOCK"))
	})

	It("should fall back to the agent socket named by SSH_AUTH_SOCK", func() {
		sock := filepath.Join(GinkgoT().TempDir(), "agent.sock")
		listener, err := net.Listen("unix", sock)
		Expect(err).ToNot(HaveOccurred())
		defer func() { _ = listener.Close() }()

		go func() {
			conn, acceptErr := listener.Accept()
			if acceptErr == nil {
				_ = agent.ServeAgent(agent.NewKeyring(), conn)
			}
		}()

		GinkgoT().Setenv("SSH_AUTH_SOCK", sock)

		auth, err := authMethod(ClientConfig{})
		Expect(err).ToNot(HaveOccurred())
		Expect(auth).ToNot(BeNil())
	})
})
