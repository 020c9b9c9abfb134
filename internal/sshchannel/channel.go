// Package sshchannel implements the SSH Channel component (§4.1): a
// narrow, mockable abstraction over "connect to the target host, run one
// command, return exit code/stdout/stderr" plus small file read/write
// helpers. Grounded on src/ssh.go and src/ssh_exec.go's connect/exec
// shape, generalized from the teacher's package-global config into a
// reusable value so the orchestrator, migration engine, backup protocol,
// and compose driver can each hold a Channel without import cycles.
package sshchannel

import (
	"context"
	"time"

	"github.com/modelingevolution/autoupdater/internal/errkind"
)

// AuthMethod enumerates the SSH authentication strategies of §4.1.
type AuthMethod int

const (
	Password AuthMethod = iota
	PrivateKey
	PrivateKeyWithPassphrase
	KeyWithPasswordFallback
)

// Options configures a Channel. It intentionally does not import
// internal/config: the channel is meant to stay a narrow abstraction
// that any caller can construct directly, including tests.
type Options struct {
	Host              string
	Port              int
	User              string
	Password          string
	KeyPath           string
	KeyPassphrase     string
	AuthMethod        AuthMethod
	ConnectTimeout    time.Duration
	KeepAlive         time.Duration
	EnableCompression bool
}

// DefaultConnectTimeout and DefaultKeepAlive match §4.1's stated
// defaults (30s / 30s).
const (
	DefaultConnectTimeout = 30 * time.Second
	DefaultKeepAlive      = 30 * time.Second
)

// ExecResult is the outcome of Execute: a non-zero ExitCode is data, not
// an error (§4.1).
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Elapsed  time.Duration
}

// Channel is the narrow interface every other component depends on,
// letting tests substitute a Mock without touching real SSH transport.
type Channel interface {
	// Execute runs command on the target host, optionally with a
	// working directory (via "cd <workingDir> && ..."). It fails with
	// an *errkind.Error of kind SshConnect/SshAuth/SshExec when the
	// transport itself could not carry out the command, and of kind
	// Timeout/Cancelled when ctx ends before the command does; a
	// non-zero ExitCode is returned, not an error.
	Execute(ctx context.Context, command string, workingDir string) (ExecResult, error)
	ReadFile(ctx context.Context, path string) (string, error)
	WriteFile(ctx context.Context, path string, content string) error
	// MakeExecutable chmods path +x in workingDir, matching the "cd
	// workingDir && ..." shape Execute uses — path is relative to
	// workingDir, never the SSH login's default directory.
	MakeExecutable(ctx context.Context, path string, workingDir string) error
	// Architecture reports "uname -m" normalized to one of
	// x86_64|aarch64|armv7l.
	Architecture(ctx context.Context) (string, error)
	// FetchArchive retrieves a remote file's full contents over a
	// transfer path suited to large binary artifacts (backup archives),
	// distinct from ReadFile's small-text-file SFTP path.
	FetchArchive(ctx context.Context, path string) ([]byte, error)
}

// NormalizeArchitecture maps a raw `uname -m` value to the canonical
// form used when selecting docker-compose.<arch>.yml overlays (§4.5).
func NormalizeArchitecture(raw string) string {
	switch raw {
	case "x86_64", "amd64":
		return "x86_64"
	case "aarch64", "arm64":
		return "aarch64"
	case "armv7l", "armv7":
		return "armv7l"
	default:
		return raw
	}
}

func connectError(cause error) error {
	return errkind.New(errkind.SshConnect, cause)
}

func authError(cause error) error {
	return errkind.New(errkind.SshAuth, cause)
}

func execError(cause error) error {
	return errkind.New(errkind.SshExec, cause)
}

func timeoutError(cause error) error {
	return errkind.New(errkind.Timeout, cause)
}

func cancelledError(cause error) error {
	return errkind.New(errkind.Cancelled, cause)
}
