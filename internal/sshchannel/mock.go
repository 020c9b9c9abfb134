package sshchannel

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Mock is an in-memory Channel implementation for tests: a fake remote
// filesystem plus a programmable command responder. It exists because
// every other component in this module (migration engine, backup
// protocol, compose driver, orchestrator) depends only on the Channel
// interface, per §2's "narrow, mockable abstraction" requirement.
type Mock struct {
	mu sync.Mutex

	files   map[string]string
	execSet map[string]struct{}

	// Responder, if set, is consulted for every Execute call. It
	// returns (result, handled); when handled is false the Mock falls
	// back to its default script-execution/architecture behavior.
	Responder func(command, workingDir string) (ExecResult, bool)

	Arch string

	Commands []string // log of every command executed, in order
}

// NewMock returns a ready-to-use Mock with an empty fake filesystem.
func NewMock() *Mock {
	return &Mock{
		files:   make(map[string]string),
		execSet: make(map[string]struct{}),
		Arch:    "x86_64",
	}
}

// PutFile seeds the fake remote filesystem, as if WriteFile had already
// been called.
func (m *Mock) PutFile(path, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] = content
}

// Files returns a sorted snapshot of the fake filesystem's paths, for
// assertions.
func (m *Mock) Files() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	paths := make([]string, 0, len(m.files))
	for p := range m.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func (m *Mock) Execute(ctx context.Context, command string, workingDir string) (ExecResult, error) {
	m.mu.Lock()
	m.Commands = append(m.Commands, strings.TrimSpace(fmt.Sprintf("%s [%s]", command, workingDir)))
	responder := m.Responder
	m.mu.Unlock()

	if responder != nil {
		if result, handled := responder(command, workingDir); handled {
			return result, nil
		}
	}

	if strings.HasPrefix(command, "uname -m") {
		return ExecResult{ExitCode: 0, Stdout: m.Arch + "\n"}, nil
	}

	if strings.HasPrefix(command, "chmod +x ") {
		path := strings.TrimSpace(strings.TrimPrefix(command, "chmod +x "))
		path = strings.Trim(path, "'")
		m.mu.Lock()
		m.execSet[execKey(workingDir, path)] = struct{}{}
		m.mu.Unlock()
		return ExecResult{ExitCode: 0}, nil
	}

	if strings.HasPrefix(command, "test -x ") {
		path := strings.TrimSpace(strings.TrimPrefix(command, "test -x "))
		path = strings.Trim(path, "'")
		m.mu.Lock()
		_, ok := m.execSet[execKey(workingDir, path)]
		m.mu.Unlock()
		if ok {
			return ExecResult{ExitCode: 0}, nil
		}
		return ExecResult{ExitCode: 1}, nil
	}

	// Unhandled commands succeed silently by default so tests that
	// don't care about compose/docker output aren't forced to stub
	// every command.
	return ExecResult{ExitCode: 0}, nil
}

func (m *Mock) ReadFile(ctx context.Context, path string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	content, ok := m.files[path]
	if !ok {
		return "", execError(fmt.Errorf("no such file %s", path))
	}
	return content, nil
}

func (m *Mock) WriteFile(ctx context.Context, path string, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] = content
	return nil
}

func (m *Mock) MakeExecutable(ctx context.Context, path string, workingDir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execSet[execKey(workingDir, path)] = struct{}{}
	return nil
}

// execKey scopes the executable-bit bookkeeping to a directory, so
// chmod'ing a file in one workingDir doesn't satisfy a test -x check
// against the same relative path in a different workingDir.
func execKey(workingDir, path string) string {
	return workingDir + "\x00" + path
}

func (m *Mock) Architecture(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Arch, nil
}

// FetchArchive returns the fake filesystem's content for path, or nil
// if nothing was ever written there - unlike ReadFile it
// does not error on a miss, since callers use it as a best-effort
// archival mirror.
func (m *Mock) FetchArchive(ctx context.Context, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	content, ok := m.files[path]
	if !ok {
		return nil, nil
	}
	return []byte(content), nil
}

var _ Channel = (*Mock)(nil)
