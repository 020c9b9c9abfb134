package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/modelingevolution/autoupdater/internal/eventbus"
	"github.com/modelingevolution/autoupdater/internal/gitprovider"
	"github.com/modelingevolution/autoupdater/internal/logging"
	"github.com/modelingevolution/autoupdater/internal/registry"
	"github.com/modelingevolution/autoupdater/internal/sshchannel"
	"github.com/modelingevolution/autoupdater/internal/state"
	"github.com/modelingevolution/autoupdater/internal/version"
)

// newTaggedRepo builds a real git repository at dir with one commit per
// tag, so Orchestrator.Git.Checkout has real tags to resolve against.
func newTaggedRepo(t *testing.T, dir string, tags []string) {
	t.Helper()

	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("PlainInit: %v", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		t.Fatalf("Worktree: %v", err)
	}
	sig := &object.Signature{Name: "test", Email: "test@example.com", When: time.Unix(0, 0)}

	for i, tag := range tags {
		fileName := filepath.Join(dir, "VERSION")
		if err := os.WriteFile(fileName, []byte(tag), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
		if _, err := worktree.Add("VERSION"); err != nil {
			t.Fatalf("Add: %v", err)
		}
		commitSig := *sig
		commitSig.When = time.Unix(int64(i), 0)
		hash, err := worktree.Commit("commit "+tag, &git.CommitOptions{Author: &commitSig})
		if err != nil {
			t.Fatalf("Commit: %v", err)
		}
		if _, err := repo.CreateTag(tag, hash, nil); err != nil {
			t.Fatalf("CreateTag(%s): %v", tag, err)
		}
	}
}

func testPackage(repoDir string) registry.Package {
	return registry.Package{
		Name:               version.PackageName("acme"),
		RepositoryLocation: repoDir,
	}
}

func quickOrchestrator(channel sshchannel.Channel, bus *eventbus.Bus) *Orchestrator {
	o := New(channel, gitprovider.New(), bus, logging.New(logging.VerbosityNone, false))
	o.BackupTimeout = time.Second
	o.ComposeUpTimeout = time.Second
	// Zero so an unhealthy first pass times out immediately instead of
	// sleeping a full pollInterval before the deadline is next checked.
	o.HealthCheckTimeout = 0
	return o
}

func saveInitialState(t *testing.T, composeDir string, s state.DeploymentState) {
	t.Helper()
	if err := state.Save(composeDir, s); err != nil {
		t.Fatalf("saving initial state: %v", err)
	}
}

func TestRunCleanUpgradeNoBackup(t *testing.T) {
	dir := t.TempDir()
	newTaggedRepo(t, dir, []string{"1.0.0", "1.1.0"})
	pkg := testPackage(dir)
	saveInitialState(t, pkg.ComposeDir(), state.DeploymentState{
		Version: version.TryParse("1.0.0"),
		Up:      []version.PackageVersion{version.TryParse("1.0.0")},
	})

	mock := sshchannel.NewMock()
	mock.Responder = func(command, workingDir string) (sshchannel.ExecResult, bool) {
		if strings.HasPrefix(command, "ls -1") {
			return sshchannel.ExecResult{ExitCode: 0, Stdout: "docker-compose.yml\nup-1.1.0.sh\n"}, true
		}
		return sshchannel.ExecResult{}, false
	}

	o := quickOrchestrator(mock, nil)
	result := o.Run(context.Background(), pkg, version.TryParse("1.1.0"))

	if result.Kind != Success {
		t.Fatalf("Kind = %v, want Success (%+v)", result.Kind, result)
	}
	if result.FromVersion.String() != "1.0.0" || result.ToVersion.String() != "1.1.0" {
		t.Fatalf("unexpected from/to: %+v", result)
	}
	if len(result.ExecutedScripts) != 1 || result.ExecutedScripts[0] != "up-1.1.0.sh" {
		t.Fatalf("ExecutedScripts = %v, want [up-1.1.0.sh]", result.ExecutedScripts)
	}

	got, err := state.Load(pkg.ComposeDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Version.String() != "1.1.0" {
		t.Fatalf("persisted Version = %s, want 1.1.0", got.Version.String())
	}
	if !got.HasUp(version.TryParse("1.0.0")) || !got.HasUp(version.TryParse("1.1.0")) {
		t.Fatalf("persisted Up = %v, want both 1.0.0 and 1.1.0", got.Up)
	}
}

func TestRunFailingMigrationWithBackupRollsBack(t *testing.T) {
	dir := t.TempDir()
	newTaggedRepo(t, dir, []string{"1.0.0", "1.1.0"})
	pkg := testPackage(dir)
	saveInitialState(t, pkg.ComposeDir(), state.DeploymentState{
		Version: version.TryParse("1.0.0"),
		Up:      []version.PackageVersion{version.TryParse("1.0.0")},
	})

	mock := sshchannel.NewMock()
	mock.MakeExecutable(context.Background(), "./backup.sh", dir)
	mock.MakeExecutable(context.Background(), "./restore.sh", dir)
	mock.Responder = func(command, workingDir string) (sshchannel.ExecResult, bool) {
		switch {
		case strings.HasPrefix(command, "ls -1"):
			return sshchannel.ExecResult{ExitCode: 0, Stdout: "docker-compose.yml\nup-1.1.0.sh\ndown-1.1.0.sh\n"}, true
		case strings.HasPrefix(command, "./backup.sh"):
			return sshchannel.ExecResult{ExitCode: 0, Stdout: `{"file":"/b/1.tgz","success":true}`}, true
		case strings.HasPrefix(command, "./up-1.1.0.sh"):
			return sshchannel.ExecResult{ExitCode: 1, Stderr: "migration failed"}, true
		case strings.HasPrefix(command, "./restore.sh"):
			return sshchannel.ExecResult{ExitCode: 0, Stdout: `{"success":true}`}, true
		}
		return sshchannel.ExecResult{}, false
	}

	o := quickOrchestrator(mock, nil)
	result := o.Run(context.Background(), pkg, version.TryParse("1.1.0"))

	if result.Kind != Failed {
		t.Fatalf("Kind = %v, want Failed (%+v)", result.Kind, result)
	}
	if !result.RecoveryPerformed {
		t.Fatalf("expected RecoveryPerformed=true, got %+v", result)
	}
	if result.BackupId != "/b/1.tgz" {
		t.Fatalf("BackupId = %q, want /b/1.tgz", result.BackupId)
	}

	got, err := state.Load(pkg.ComposeDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Version.String() != "1.0.0" {
		t.Fatalf("persisted Version = %s, want 1.0.0 after rollback", got.Version.String())
	}
	if !got.HasUp(version.TryParse("1.0.0")) {
		t.Fatalf("expected 1.0.0 to remain applied, got Up=%v", got.Up)
	}
	foundFailed := false
	for _, v := range got.Failed {
		if v.String() == "1.1.0" {
			foundFailed = true
		}
	}
	if !foundFailed {
		t.Fatalf("expected 1.1.0 recorded in Failed, got %v", got.Failed)
	}
}

func TestRunNoopWhenCurrentEqualsTarget(t *testing.T) {
	dir := t.TempDir()
	newTaggedRepo(t, dir, []string{"1.0.0"})
	pkg := testPackage(dir)
	saveInitialState(t, pkg.ComposeDir(), state.DeploymentState{
		Version: version.TryParse("1.0.0"),
		Up:      []version.PackageVersion{version.TryParse("1.0.0")},
	})

	mock := sshchannel.NewMock()
	o := quickOrchestrator(mock, nil)
	result := o.Run(context.Background(), pkg, version.TryParse("1.0.0"))

	if result.Kind != Success {
		t.Fatalf("Kind = %v, want Success", result.Kind)
	}
	if len(result.ExecutedScripts) != 0 {
		t.Fatalf("expected no scripts executed for a no-op update, got %v", result.ExecutedScripts)
	}
	if len(mock.Commands) != 0 {
		t.Fatalf("expected no remote commands for a no-op update, got %v", mock.Commands)
	}
}

func TestRunPartialSuccessUnhealthyNoBackup(t *testing.T) {
	dir := t.TempDir()
	newTaggedRepo(t, dir, []string{"1.0.0", "1.1.0"})
	pkg := testPackage(dir)
	saveInitialState(t, pkg.ComposeDir(), state.DeploymentState{
		Version: version.TryParse("1.0.0"),
		Up:      []version.PackageVersion{version.TryParse("1.0.0")},
	})

	mock := sshchannel.NewMock()
	mock.Responder = func(command, workingDir string) (sshchannel.ExecResult, bool) {
		switch {
		case strings.HasPrefix(command, "ls -1"):
			return sshchannel.ExecResult{ExitCode: 0, Stdout: "docker-compose.yml\nup-1.1.0.sh\n"}, true
		case strings.Contains(command, "docker compose ps --format json"):
			return sshchannel.ExecResult{ExitCode: 0, Stdout: `{"Name":"worker","State":"running"}` + "\n"}, true
		case strings.Contains(command, "docker inspect --format '{{json .State.Health}}'"):
			return sshchannel.ExecResult{ExitCode: 0, Stdout: "null"}, true
		case strings.Contains(command, "docker inspect --format '{{.State.Status}}|{{.State.StartedAt}}'"):
			return sshchannel.ExecResult{ExitCode: 0, Stdout: "running|" + time.Now().Format(time.RFC3339Nano)}, true
		}
		return sshchannel.ExecResult{}, false
	}

	o := quickOrchestrator(mock, nil)
	result := o.Run(context.Background(), pkg, version.TryParse("1.1.0"))

	if result.Kind != PartialSuccess {
		t.Fatalf("Kind = %v, want PartialSuccess (%+v)", result.Kind, result)
	}
	if result.HealthCheck == nil || result.HealthCheck.AllHealthy {
		t.Fatalf("expected an unhealthy HealthCheck result, got %+v", result.HealthCheck)
	}
	if healthy := result.HealthCheck.Services["worker"]; healthy.Healthy {
		t.Fatalf("expected worker reported unhealthy, got %+v", healthy)
	}

	got, err := state.Load(pkg.ComposeDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Version.String() != "1.1.0" {
		t.Fatalf("expected state to advance to 1.1.0 despite partial health, got %s", got.Version.String())
	}
}

func TestRunCriticalUnhealthyWithBackupRollsBack(t *testing.T) {
	dir := t.TempDir()
	newTaggedRepo(t, dir, []string{"1.0.0", "1.1.0"})
	pkg := testPackage(dir)
	saveInitialState(t, pkg.ComposeDir(), state.DeploymentState{
		Version: version.TryParse("1.0.0"),
		Up:      []version.PackageVersion{version.TryParse("1.0.0")},
	})

	mock := sshchannel.NewMock()
	mock.MakeExecutable(context.Background(), "./backup.sh", dir)
	mock.MakeExecutable(context.Background(), "./restore.sh", dir)
	mock.Responder = func(command, workingDir string) (sshchannel.ExecResult, bool) {
		switch {
		case strings.HasPrefix(command, "ls -1"):
			return sshchannel.ExecResult{ExitCode: 0, Stdout: "docker-compose.yml\nup-1.1.0.sh\n"}, true
		case strings.HasPrefix(command, "./backup.sh"):
			return sshchannel.ExecResult{ExitCode: 0, Stdout: `{"file":"/b/2.tgz","success":true}`}, true
		case strings.HasPrefix(command, "./restore.sh"):
			return sshchannel.ExecResult{ExitCode: 0, Stdout: `{"success":true}`}, true
		case strings.Contains(command, "docker compose ps --format json"):
			return sshchannel.ExecResult{ExitCode: 0, Stdout: `{"Name":"api","State":"running"}` + "\n"}, true
		case strings.Contains(command, "docker inspect --format '{{json .State.Health}}'"):
			return sshchannel.ExecResult{ExitCode: 0, Stdout: `{"Status":"unhealthy"}`}, true
		}
		return sshchannel.ExecResult{}, false
	}

	o := quickOrchestrator(mock, nil)
	result := o.Run(context.Background(), pkg, version.TryParse("1.1.0"))

	if result.Kind != Failed {
		t.Fatalf("Kind = %v, want Failed (%+v)", result.Kind, result)
	}
	if !result.RecoveryPerformed {
		t.Fatalf("expected RecoveryPerformed=true, got %+v", result)
	}
	if !strings.Contains(result.ErrorMessage, "CriticalServicesUnhealthy") {
		t.Fatalf("expected ErrorMessage to carry the CriticalServicesUnhealthy kind, got %q", result.ErrorMessage)
	}

	got, err := state.Load(pkg.ComposeDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Version.String() != "1.0.0" {
		t.Fatalf("persisted Version = %s, want 1.0.0 after rollback", got.Version.String())
	}
}

func TestRunRestoreFailureDuringRollbackIsRecoverableFailure(t *testing.T) {
	dir := t.TempDir()
	newTaggedRepo(t, dir, []string{"1.0.0", "1.1.0"})
	pkg := testPackage(dir)
	saveInitialState(t, pkg.ComposeDir(), state.DeploymentState{
		Version: version.TryParse("1.0.0"),
		Up:      []version.PackageVersion{version.TryParse("1.0.0")},
	})

	mock := sshchannel.NewMock()
	mock.MakeExecutable(context.Background(), "./backup.sh", dir)
	mock.MakeExecutable(context.Background(), "./restore.sh", dir)
	mock.Responder = func(command, workingDir string) (sshchannel.ExecResult, bool) {
		switch {
		case strings.HasPrefix(command, "ls -1"):
			return sshchannel.ExecResult{ExitCode: 0, Stdout: "docker-compose.yml\nup-1.1.0.sh\n"}, true
		case strings.HasPrefix(command, "./backup.sh"):
			return sshchannel.ExecResult{ExitCode: 0, Stdout: `{"file":"/b/3.tgz","success":true}`}, true
		case strings.HasPrefix(command, "./up-1.1.0.sh"):
			return sshchannel.ExecResult{ExitCode: 1, Stderr: "migration failed"}, true
		case strings.HasPrefix(command, "./restore.sh"):
			return sshchannel.ExecResult{ExitCode: 0, Stdout: `{"success":false,"error":"disk full"}`}, true
		}
		return sshchannel.ExecResult{}, false
	}

	o := quickOrchestrator(mock, nil)
	result := o.Run(context.Background(), pkg, version.TryParse("1.1.0"))

	if result.Kind != RecoverableFailure {
		t.Fatalf("Kind = %v, want RecoverableFailure (%+v)", result.Kind, result)
	}
	if result.BackupId != "/b/3.tgz" {
		t.Fatalf("BackupId = %q, want /b/3.tgz", result.BackupId)
	}

	got, err := state.Load(pkg.ComposeDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Version.String() != "1.0.0" {
		t.Fatalf("persisted Version = %s, want unchanged 1.0.0 after a recoverable rollback failure", got.Version.String())
	}
}

func TestRunRollbackFailsRecoverablyWhenRestoreScriptMissing(t *testing.T) {
	dir := t.TempDir()
	newTaggedRepo(t, dir, []string{"1.0.0", "1.1.0"})
	pkg := testPackage(dir)
	saveInitialState(t, pkg.ComposeDir(), state.DeploymentState{
		Version: version.TryParse("1.0.0"),
		Up:      []version.PackageVersion{version.TryParse("1.0.0")},
	})

	mock := sshchannel.NewMock()
	mock.MakeExecutable(context.Background(), "./backup.sh", dir)
	// restore.sh deliberately left non-executable, as if it were absent.
	mock.Responder = func(command, workingDir string) (sshchannel.ExecResult, bool) {
		switch {
		case strings.HasPrefix(command, "ls -1"):
			return sshchannel.ExecResult{ExitCode: 0, Stdout: "docker-compose.yml\nup-1.1.0.sh\n"}, true
		case strings.HasPrefix(command, "./backup.sh"):
			return sshchannel.ExecResult{ExitCode: 0, Stdout: `{"file":"/b/4.tgz","success":true}`}, true
		case strings.HasPrefix(command, "./up-1.1.0.sh"):
			return sshchannel.ExecResult{ExitCode: 1, Stderr: "migration failed"}, true
		case strings.HasPrefix(command, "./restore.sh"):
			t.Fatalf("restore.sh should not run when it was never found executable")
		}
		return sshchannel.ExecResult{}, false
	}

	o := quickOrchestrator(mock, nil)
	result := o.Run(context.Background(), pkg, version.TryParse("1.1.0"))

	if result.Kind != RecoverableFailure {
		t.Fatalf("Kind = %v, want RecoverableFailure (%+v)", result.Kind, result)
	}
	if !strings.Contains(result.ErrorMessage, "restore.sh") {
		t.Fatalf("expected ErrorMessage to mention restore.sh, got %q", result.ErrorMessage)
	}
	if result.BackupId != "/b/4.tgz" {
		t.Fatalf("BackupId = %q, want /b/4.tgz", result.BackupId)
	}
}

func TestRunMirrorsBackupArchiveWhenArchiveDirConfigured(t *testing.T) {
	dir := t.TempDir()
	newTaggedRepo(t, dir, []string{"1.0.0", "1.1.0"})
	pkg := testPackage(dir)
	saveInitialState(t, pkg.ComposeDir(), state.DeploymentState{
		Version: version.TryParse("1.0.0"),
		Up:      []version.PackageVersion{version.TryParse("1.0.0")},
	})

	mock := sshchannel.NewMock()
	mock.MakeExecutable(context.Background(), "./backup.sh", dir)
	mock.PutFile("/b/9.tgz", "archive-contents")
	mock.Responder = func(command, workingDir string) (sshchannel.ExecResult, bool) {
		switch {
		case strings.HasPrefix(command, "ls -1"):
			return sshchannel.ExecResult{ExitCode: 0, Stdout: "docker-compose.yml\nup-1.1.0.sh\n"}, true
		case strings.HasPrefix(command, "./backup.sh"):
			return sshchannel.ExecResult{ExitCode: 0, Stdout: `{"file":"/b/9.tgz","success":true}`}, true
		}
		return sshchannel.ExecResult{}, false
	}

	o := quickOrchestrator(mock, nil)
	o.ArchiveDir = filepath.Join(t.TempDir(), "archives")
	result := o.Run(context.Background(), pkg, version.TryParse("1.1.0"))

	if result.Kind != Success {
		t.Fatalf("Kind = %v, want Success (%+v)", result.Kind, result)
	}

	mirrored, err := os.ReadFile(filepath.Join(o.ArchiveDir, "acme-9.tgz"))
	if err != nil {
		t.Fatalf("reading mirrored archive: %v", err)
	}
	if string(mirrored) != "archive-contents" {
		t.Fatalf("mirrored archive content = %q, want %q", mirrored, "archive-contents")
	}
}

func TestRunPublishesStartedAndCompletedEvents(t *testing.T) {
	dir := t.TempDir()
	newTaggedRepo(t, dir, []string{"1.0.0", "1.1.0"})
	pkg := testPackage(dir)
	saveInitialState(t, pkg.ComposeDir(), state.DeploymentState{
		Version: version.TryParse("1.0.0"),
		Up:      []version.PackageVersion{version.TryParse("1.0.0")},
	})

	mock := sshchannel.NewMock()
	mock.Responder = func(command, workingDir string) (sshchannel.ExecResult, bool) {
		if strings.HasPrefix(command, "ls -1") {
			return sshchannel.ExecResult{ExitCode: 0, Stdout: "docker-compose.yml\nup-1.1.0.sh\n"}, true
		}
		return sshchannel.ExecResult{}, false
	}

	bus := eventbus.New()
	var seen []eventbus.EventType
	done := make(chan struct{}, 2)
	bus.Subscribe(eventbus.UpdateStarted, func(e eventbus.Event) { seen = append(seen, e.Type); done <- struct{}{} })
	bus.Subscribe(eventbus.UpdateCompleted, func(e eventbus.Event) { seen = append(seen, e.Type); done <- struct{}{} })

	o := quickOrchestrator(mock, bus)
	result := o.Run(context.Background(), pkg, version.TryParse("1.1.0"))
	if result.Kind != Success {
		t.Fatalf("Kind = %v, want Success", result.Kind)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for published events, saw %v", seen)
		}
	}
}
