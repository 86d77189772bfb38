package remote

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

var (
	ErrNotConnected = errors.New("remote executor is not connected")
)

// Result is the outcome of a single remote command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Failed returns true if the command exited with a non-zero status.
func (r Result) Failed() bool {
	return r.ExitCode != 0
}

func (r Result) String() string {
	return fmt.Sprintf("exit=%d stdout=%q stderr=%q", r.ExitCode, r.Stdout, r.Stderr)
}

// Executor dispatches commands and file transfers to a single run farm host.
// It fills the role fabric's run/put/get operations play in the original
// manager: commands are executed serially, and "warn only" failures are
// logged by the caller rather than aborting a pass.
type Executor interface {
	// Host returns the address of the host this Executor is bound to.
	Host() string

	// Run executes the given shell command on the remote host. A non-zero
	// exit status is returned as an error alongside the captured Result.
	Run(ctx context.Context, cmd string) (Result, error)

	// RunWarnOnly executes the given shell command, returning the Result
	// even on failure. Errors establishing the session are still returned.
	RunWarnOnly(ctx context.Context, cmd string) (Result, error)

	// Put copies a local file to the remote path, creating parent
	// directories as needed.
	Put(ctx context.Context, localPath string, remotePath string, mode os.FileMode) error

	// PutContent writes data to the remote path, creating parent
	// directories as needed. Used for generated scripts.
	PutContent(ctx context.Context, data []byte, remotePath string, mode os.FileMode) error

	// Get copies a remote file to the local path.
	Get(ctx context.Context, remotePath string, localPath string) error

	// Close releases the underlying connection.
	Close() error
}

// InDir wraps cmd so it executes inside dir, the equivalent of fabric's
// `with cd(dir):` context manager.
func InDir(dir string, cmd string) string {
	return fmt.Sprintf("cd %s && %s", dir, cmd)
}

// Sudo prefixes cmd with sudo unless it already carries one.
func Sudo(cmd string) string {
	if strings.HasPrefix(cmd, "sudo ") {
		return cmd
	}
	return "sudo " + cmd
}
