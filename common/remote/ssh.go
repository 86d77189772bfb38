package remote

import (
	"context"
	"fmt"
	"net"
	"os"
	"path"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/abejgonzalez/firesim/common/metrics"
	"github.com/pkg/errors"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

const (
	DefaultSSHPort = 22

	// dialTimeout bounds the TCP + handshake phase; remote commands
	// themselves are bounded by the caller's context.
	dialTimeout = 30 * time.Second
)

// ClientConfig describes how to reach a run farm host.
type ClientConfig struct {
	Addr           string // Hostname or IP address of the run farm host.
	Port           int    // SSH port; DefaultSSHPort if zero.
	User           string // Remote user, typically 'centos' or 'ubuntu'.
	PrivateKeyPath string // Path to the PEM-encoded private key.
}

// Client is an Executor backed by a shared SSH connection. Sessions are
// created per command, mirroring fabric's one-command-per-channel behavior.
type Client struct {
	log logger.Logger

	conn *ssh.Client
	cfg  ClientConfig
}

// authMethod loads the configured private key, or falls back to the
// running SSH agent when no key path is set.
func authMethod(cfg ClientConfig) (ssh.AuthMethod, error) {
	if cfg.PrivateKeyPath != "" {
		keyBytes, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, errors.Wrapf(err, "reading private key %s", cfg.PrivateKeyPath)
		}
		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing private key %s", cfg.PrivateKeyPath)
		}
		return ssh.PublicKeys(signer), nil
	}

	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, errors.New("no private key configured and no SSH agent found (SSH_AUTH_SOCK is unset)")
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to the SSH agent at %s", sock)
	}
	return ssh.PublicKeysCallback(agent.NewClient(conn).Signers), nil
}

// Dial connects to the host described by cfg.
func Dial(cfg ClientConfig) (*Client, error) {
	auth, err := authMethod(cfg)
	if err != nil {
		return nil, err
	}

	port := cfg.Port
	if port == 0 {
		port = DefaultSSHPort
	}

	sshConfig := &ssh.ClientConfig{
		User: cfg.User,
		Auth: []ssh.AuthMethod{auth},
		// The original manager passes '-o StrictHostKeyChecking=no' to
		// every rsync/ssh invocation; run farm hosts are ephemeral.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	}

	conn, err := ssh.Dial("tcp", net.JoinHostPort(cfg.Addr, fmt.Sprintf("%d", port)), sshConfig)
	if err != nil {
		return nil, errors.Wrapf(err, "dialing %s", cfg.Addr)
	}

	return &Client{
		log:  config.GetLogger(fmt.Sprintf("Remote %s ", cfg.Addr)),
		conn: conn,
		cfg:  cfg,
	}, nil
}

func (c *Client) Host() string {
	return c.cfg.Addr
}

func (c *Client) Run(ctx context.Context, cmd string) (Result, error) {
	res, err := c.run(ctx, cmd)
	if err != nil {
		return res, err
	}
	if res.Failed() {
		return res, fmt.Errorf("command %q on %s exited with status %d: %s",
			cmd, c.cfg.Addr, res.ExitCode, res.Stderr)
	}
	return res, nil
}

func (c *Client) RunWarnOnly(ctx context.Context, cmd string) (Result, error) {
	res, err := c.run(ctx, cmd)
	if err != nil {
		return res, err
	}
	if res.Failed() {
		c.log.Warn("Command %q exited with status %d (continuing): %s", cmd, res.ExitCode, res.Stderr)
	}
	return res, nil
}

func (c *Client) run(ctx context.Context, cmd string) (Result, error) {
	if c.conn == nil {
		return Result{}, ErrNotConnected
	}

	session, err := c.conn.NewSession()
	if err != nil {
		return Result{}, errors.Wrapf(err, "opening session on %s", c.cfg.Addr)
	}
	defer func() { _ = session.Close() }()

	metrics.RemoteCommandsExecuted.WithLabelValues(c.cfg.Addr).Inc()

	var stdout, stderr safeBuffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: -1}, ctx.Err()
	case err = <-done:
	}

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			metrics.RemoteCommandFailures.WithLabelValues(c.cfg.Addr).Inc()
			return res, nil
		}
		return res, errors.Wrapf(err, "running %q on %s", cmd, c.cfg.Addr)
	}
	return res, nil
}

func (c *Client) Put(ctx context.Context, localPath string, remotePath string, mode os.FileMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	client, err := sftp.NewClient(c.conn)
	if err != nil {
		return errors.Wrapf(err, "opening sftp session on %s", c.cfg.Addr)
	}
	defer func() { _ = client.Close() }()

	if err = client.MkdirAll(path.Dir(remotePath)); err != nil {
		return errors.Wrapf(err, "creating %s on %s", path.Dir(remotePath), c.cfg.Addr)
	}

	src, err := os.Open(localPath)
	if err != nil {
		return errors.Wrapf(err, "opening %s", localPath)
	}
	defer func() { _ = src.Close() }()

	dst, err := client.Create(remotePath)
	if err != nil {
		return errors.Wrapf(err, "creating %s on %s", remotePath, c.cfg.Addr)
	}
	defer func() { _ = dst.Close() }()

	if _, err = dst.ReadFrom(src); err != nil {
		return errors.Wrapf(err, "copying %s to %s:%s", localPath, c.cfg.Addr, remotePath)
	}

	if err = client.Chmod(remotePath, mode); err != nil {
		return errors.Wrapf(err, "chmod %s on %s", remotePath, c.cfg.Addr)
	}

	metrics.FilesCopied.WithLabelValues(c.cfg.Addr, "put").Inc()
	return nil
}

func (c *Client) PutContent(ctx context.Context, data []byte, remotePath string, mode os.FileMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	client, err := sftp.NewClient(c.conn)
	if err != nil {
		return errors.Wrapf(err, "opening sftp session on %s", c.cfg.Addr)
	}
	defer func() { _ = client.Close() }()

	if err = client.MkdirAll(path.Dir(remotePath)); err != nil {
		return errors.Wrapf(err, "creating %s on %s", path.Dir(remotePath), c.cfg.Addr)
	}

	dst, err := client.Create(remotePath)
	if err != nil {
		return errors.Wrapf(err, "creating %s on %s", remotePath, c.cfg.Addr)
	}
	defer func() { _ = dst.Close() }()

	if _, err = dst.Write(data); err != nil {
		return errors.Wrapf(err, "writing %s on %s", remotePath, c.cfg.Addr)
	}

	if err = client.Chmod(remotePath, mode); err != nil {
		return errors.Wrapf(err, "chmod %s on %s", remotePath, c.cfg.Addr)
	}

	metrics.FilesCopied.WithLabelValues(c.cfg.Addr, "put").Inc()
	return nil
}

func (c *Client) Get(ctx context.Context, remotePath string, localPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	client, err := sftp.NewClient(c.conn)
	if err != nil {
		return errors.Wrapf(err, "opening sftp session on %s", c.cfg.Addr)
	}
	defer func() { _ = client.Close() }()

	src, err := client.Open(remotePath)
	if err != nil {
		return errors.Wrapf(err, "opening %s on %s", remotePath, c.cfg.Addr)
	}
	defer func() { _ = src.Close() }()

	if err = os.MkdirAll(path.Dir(localPath), 0755); err != nil {
		return errors.Wrapf(err, "creating %s", path.Dir(localPath))
	}

	dst, err := os.Create(localPath)
	if err != nil {
		return errors.Wrapf(err, "creating %s", localPath)
	}
	defer func() { _ = dst.Close() }()

	if _, err = src.WriteTo(dst); err != nil {
		return errors.Wrapf(err, "copying %s:%s to %s", c.cfg.Addr, remotePath, localPath)
	}

	metrics.FilesCopied.WithLabelValues(c.cfg.Addr, "get").Inc()
	return nil
}

func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
