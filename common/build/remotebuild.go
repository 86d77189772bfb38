package build

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"io"
	"os"
	osexec "os/exec"
	"path/filepath"
	"strings"

	"github.com/Scusemua/go-utils/logger"
	"github.com/abejgonzalez/firesim/common/remote"
	pkgerrors "github.com/pkg/errors"
)

// errorTailLines bounds how much toolchain output gets echoed on failure.
const errorTailLines = 100

// runBuildScript runs a toolchain build command warn-only so the tail of
// its output can be surfaced before the failure is returned.
func runBuildScript(ctx context.Context, log logger.Logger, exec remote.Executor, cmd string) error {
	res, err := exec.RunWarnOnly(ctx, cmd)
	if err != nil {
		return err
	}
	if res.Failed() {
		log.Info("Printing error output:")
		lines := strings.Split(res.Stdout, "\n")
		if len(lines) > errorTailLines {
			lines = lines[len(lines)-errorTailLines:]
		}
		for _, line := range lines {
			log.Info("%s", line)
		}
		return pkgerrors.Errorf("build command exited with status %d: %s", res.ExitCode, cmd)
	}
	return nil
}

// runPostBuildHook runs the user's post-build script locally against the
// results dir. Hook failures are warnings.
func runPostBuildHook(log logger.Logger, hook string, resultsDir string) {
	if hook == "" {
		return
	}
	output, err := osexec.Command("bash", "-c", hook+" "+resultsDir).CombinedOutput()
	log.Debug("[localhost] %s", string(output))
	if err != nil {
		log.Warn("Post-build hook failed: %v", err)
	}
}

// packBitstreamTar assembles the deployable firesim.tar.gz: the given
// files plus a metadata file, all under a top-level platform/ directory so
// deploy managers can untar it next to the driver.
func packBitstreamTar(tarPath string, platform string, metadata string, files map[string]string) error {
	out, err := os.Create(tarPath)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	writeFile := func(name string, content io.Reader, size int64) error {
		header := &tar.Header{
			Name: filepath.ToSlash(filepath.Join(platform, name)),
			Mode: 0644,
			Size: size,
		}
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		_, err := io.Copy(tw, content)
		return err
	}

	for name, localPath := range files {
		src, err := os.Open(localPath)
		if err != nil {
			return pkgerrors.Wrapf(err, "packing %s", localPath)
		}
		info, err := src.Stat()
		if err != nil {
			_ = src.Close()
			return err
		}
		err = writeFile(name, src, info.Size())
		_ = src.Close()
		if err != nil {
			return err
		}
	}

	if err := writeFile("metadata", strings.NewReader(metadata+"\n"), int64(len(metadata)+1)); err != nil {
		return err
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}
