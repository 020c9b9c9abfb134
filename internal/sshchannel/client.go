package sshchannel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/bramvdbogaerde/go-scp"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Client is the real Channel implementation, dialing the target host
// fresh for every high-level operation (§4.1: "a short-lived resource").
// Grounded on src/ssh.go's connectToSSH/setupSSHConfig and src/ssh_exec.go
// ("src/ssh.go" in the teacher tree)'s SSHexec.
type Client struct {
	opts Options
}

// NewClient returns a Channel backed by real SSH transport.
func NewClient(opts Options) *Client {
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.KeepAlive == 0 {
		opts.KeepAlive = DefaultKeepAlive
	}
	return &Client{opts: opts}
}

func (c *Client) clientConfig() (*ssh.ClientConfig, error) {
	var auths []ssh.AuthMethod

	switch c.opts.AuthMethod {
	case Password:
		auths = append(auths, ssh.Password(c.opts.Password))
	case PrivateKey:
		signer, err := loadPrivateKey(c.opts.KeyPath, "")
		if err != nil {
			return nil, authError(err)
		}
		auths = append(auths, ssh.PublicKeys(signer))
	case PrivateKeyWithPassphrase:
		signer, err := loadPrivateKey(c.opts.KeyPath, c.opts.KeyPassphrase)
		if err != nil {
			return nil, authError(err)
		}
		auths = append(auths, ssh.PublicKeys(signer))
	case KeyWithPasswordFallback:
		if signer, err := loadPrivateKey(c.opts.KeyPath, c.opts.KeyPassphrase); err == nil {
			auths = append(auths, ssh.PublicKeys(signer))
		}
		auths = append(auths, ssh.Password(c.opts.Password))
	default:
		return nil, authError(fmt.Errorf("unknown auth method %d", c.opts.AuthMethod))
	}

	return &ssh.ClientConfig{
		User:            c.opts.User,
		Auth:            auths,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         c.opts.ConnectTimeout,
	}, nil
}

// dial opens a fresh SSH connection, with a bounded retry against
// transient "no route to host" errors, grounded on src/ssh.go's
// checkConnection retry loop.
func (c *Client) dial() (*ssh.Client, error) {
	cfg, err := c.clientConfig()
	if err != nil {
		return nil, err
	}

	addr := fmt.Sprintf("%s:%d", c.opts.Host, c.opts.Port)

	const maxAttempts = 3
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		client, dialErr := ssh.Dial("tcp", addr, cfg)
		if dialErr == nil {
			return client, nil
		}
		lastErr = dialErr

		if strings.Contains(dialErr.Error(), "no route to host") {
			time.Sleep(200 * time.Millisecond)
			continue
		}

		if isAuthError(dialErr) {
			return nil, authError(dialErr)
		}
		return nil, connectError(dialErr)
	}

	return nil, connectError(lastErr)
}

func isAuthError(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate") ||
		strings.Contains(err.Error(), "no supported methods remain")
}

// Execute implements Channel.
func (c *Client) Execute(ctx context.Context, command string, workingDir string) (ExecResult, error) {
	start := time.Now()

	conn, err := c.dial()
	if err != nil {
		return ExecResult{}, err
	}
	defer conn.Close()

	session, err := conn.NewSession()
	if err != nil {
		return ExecResult{}, execError(fmt.Errorf("failed to create session: %v", err))
	}
	defer session.Close()

	fullCommand := command
	if workingDir != "" {
		fullCommand = fmt.Sprintf("cd %s && %s", shellQuote(workingDir), command)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	if err := session.Start(fullCommand); err != nil {
		return ExecResult{}, execError(fmt.Errorf("failed to start command: %v", err))
	}

	errCh := make(chan error, 1)
	go func() { errCh <- session.Wait() }()

	select {
	case waitErr := <-errCh:
		result := ExecResult{
			Stdout:  stdoutBuf.String(),
			Stderr:  stderrBuf.String(),
			Elapsed: time.Since(start),
		}
		if waitErr == nil {
			result.ExitCode = 0
			return result, nil
		}
		if exitErr, ok := waitErr.(*ssh.ExitError); ok {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		return ExecResult{}, execError(fmt.Errorf("error waiting on command %q: %v", command, waitErr))
	case <-ctx.Done():
		session.Signal(ssh.SIGTERM)
		session.Close()
		if ctx.Err() == context.DeadlineExceeded {
			return ExecResult{}, timeoutError(fmt.Errorf("command %q timed out: %v", command, ctx.Err()))
		}
		return ExecResult{}, cancelledError(fmt.Errorf("command %q cancelled: %v", command, ctx.Err()))
	}
}

// shellQuote wraps a path in single quotes for safe inclusion in a
// remote shell command line.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func (c *Client) sftpSession() (*ssh.Client, *sftp.Client, error) {
	conn, err := c.dial()
	if err != nil {
		return nil, nil, err
	}

	sftpClient, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, nil, execError(fmt.Errorf("failed to create sftp session: %v", err))
	}

	return conn, sftpClient, nil
}

// ReadFile implements Channel via SFTP, grounded on src/ssh.go's
// SCPDownload (same "small narrow file transfer" role, adapted to SFTP
// per pkg/sftp's role in the teacher's unprivileged-transfer path).
func (c *Client) ReadFile(ctx context.Context, path string) (string, error) {
	conn, sftpClient, err := c.sftpSession()
	if err != nil {
		return "", err
	}
	defer conn.Close()
	defer sftpClient.Close()

	remote, err := sftpClient.Open(path)
	if err != nil {
		return "", execError(fmt.Errorf("failed to open remote file %s: %v", path, err))
	}
	defer remote.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, remote); err != nil {
		return "", execError(fmt.Errorf("failed to read remote file %s: %v", path, err))
	}

	return buf.String(), nil
}

// FetchArchive implements Channel via SCP, grounded on src/ssh.go's
// SCPDownload: a dedicated transfer path for large binary artifacts
// (backup archives) kept separate from ReadFile's SFTP path.
func (c *Client) FetchArchive(ctx context.Context, path string) ([]byte, error) {
	conn, err := c.dial()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	transferClient, err := scp.NewClientBySSHWithTimeout(conn, 90*time.Second)
	if err != nil {
		return nil, execError(fmt.Errorf("failed to create scp session: %v", err))
	}
	defer transferClient.Close()

	var buf bytes.Buffer
	if _, err := transferClient.CopyFromRemoteFileInfos(ctx, &buf, path, nil); err != nil {
		return nil, execError(fmt.Errorf("scp transfer of %s: %v", path, err))
	}

	return buf.Bytes(), nil
}

// WriteFile implements Channel via SFTP.
func (c *Client) WriteFile(ctx context.Context, path string, content string) error {
	conn, sftpClient, err := c.sftpSession()
	if err != nil {
		return err
	}
	defer conn.Close()
	defer sftpClient.Close()

	remote, err := sftpClient.Create(path)
	if err != nil {
		return execError(fmt.Errorf("failed to create remote file %s: %v", path, err))
	}
	defer remote.Close()

	if _, err := remote.Write([]byte(content)); err != nil {
		return execError(fmt.Errorf("failed to write remote file %s: %v", path, err))
	}

	return nil
}

// MakeExecutable implements Channel.
func (c *Client) MakeExecutable(ctx context.Context, path string, workingDir string) error {
	result, err := c.Execute(ctx, fmt.Sprintf("chmod +x %s", shellQuote(path)), workingDir)
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return execError(fmt.Errorf("chmod +x %s failed: %s", path, result.Stderr))
	}
	return nil
}

// Architecture implements Channel.
func (c *Client) Architecture(ctx context.Context) (string, error) {
	result, err := c.Execute(ctx, "uname -m", "")
	if err != nil {
		return "", err
	}
	if result.ExitCode != 0 {
		return "", execError(fmt.Errorf("uname -m failed: %s", result.Stderr))
	}
	return NormalizeArchitecture(strings.TrimSpace(result.Stdout)), nil
}

// loadPrivateKey reads and parses a private key file, grounded on
// src/ssh_helpers.go's SSHIdentityToKey.
func loadPrivateKey(path string, passphrase string) (ssh.Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ssh identity file: %v", err)
	}

	if passphrase != "" {
		signer, err := ssh.ParsePrivateKeyWithPassphrase(raw, []byte(passphrase))
		if err != nil {
			return nil, fmt.Errorf("parsing encrypted private key: %v", err)
		}
		return signer, nil
	}

	signer, err := ssh.ParsePrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %v", err)
	}
	return signer, nil
}
