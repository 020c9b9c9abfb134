// Package orchestrator implements the Update Orchestrator (§4.7): the
// phase state machine that drives one package from its current version
// to a target version, backing up, stopping the old compose project,
// running migrations, checking out the new tag, starting the new
// compose project, health-checking it, and committing — or rolling
// back. Grounded on controller_src/exception_handling.go's treatment of
// rollback as a first-class operation and on
// The-Graft-Project-Graft/internal/deploy/engine.go's Sync/PerformBackup/
// RestoreRollback phase shape, since the primary teacher has no
// multi-phase deploy/rollback machinery of its own.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/modelingevolution/autoupdater/internal/backup"
	"github.com/modelingevolution/autoupdater/internal/compose"
	"github.com/modelingevolution/autoupdater/internal/errkind"
	"github.com/modelingevolution/autoupdater/internal/eventbus"
	"github.com/modelingevolution/autoupdater/internal/gitprovider"
	"github.com/modelingevolution/autoupdater/internal/logging"
	"github.com/modelingevolution/autoupdater/internal/migration"
	"github.com/modelingevolution/autoupdater/internal/registry"
	"github.com/modelingevolution/autoupdater/internal/sshchannel"
	"github.com/modelingevolution/autoupdater/internal/state"
	"github.com/modelingevolution/autoupdater/internal/version"
)

// Default timeouts per §5. Orchestrator carries its own copies of the
// Default* values (set by New) so callers - tests in particular - can
// tune them per instance without a global override. MigrationScriptTimeout
// is fixed and bounds each forward migration script separately.
const (
	DefaultBackupTimeout      = 600 * time.Second
	MigrationScriptTimeout    = 300 * time.Second
	DefaultComposeUpTimeout   = 300 * time.Second
	DefaultHealthCheckTimeout = 300 * time.Second
)

// ResultKind distinguishes the four branches of §3's UpdateResult union.
type ResultKind int

const (
	Success ResultKind = iota
	PartialSuccess
	Failed
	RecoverableFailure
)

func (k ResultKind) String() string {
	switch k {
	case Success:
		return "Success"
	case PartialSuccess:
		return "PartialSuccess"
	case Failed:
		return "Failed"
	case RecoverableFailure:
		return "RecoverableFailure"
	default:
		return "Unknown"
	}
}

// UpdateResult is §3's UpdateResult discriminated union, all branches
// collapsed into one struct with a Kind discriminator.
type UpdateResult struct {
	Kind              ResultKind
	FromVersion       version.PackageVersion
	ToVersion         version.PackageVersion
	ExecutedScripts   []string
	ErrorMessage      string
	HealthCheck       *compose.HealthCheckResult
	BackupId          string
	RecoveryPerformed bool
}

// Orchestrator drives one package's update. It holds no per-update
// state itself — Run constructs a fresh run for each call — mirroring
// §3's ownership note that in-flight BackupRecord/executedScripts
// belong to one update and are destroyed with its result.
type Orchestrator struct {
	Channel sshchannel.Channel
	Git     *gitprovider.Provider
	Bus     *eventbus.Bus
	Logger  *logging.Logger

	BackupTimeout      time.Duration
	ComposeUpTimeout   time.Duration
	HealthCheckTimeout time.Duration

	// ArchiveDir, if set, mirrors every successful backup archive to this
	// local directory after backup.Run, using the Channel's large-artifact
	// transfer path. A failure to mirror is logged and never fails the
	// update - it is a convenience copy, not part of the backup contract.
	ArchiveDir string
}

// New builds an Orchestrator from its collaborators, with timeouts set to
// the §5 defaults.
func New(channel sshchannel.Channel, git *gitprovider.Provider, bus *eventbus.Bus, logger *logging.Logger) *Orchestrator {
	return &Orchestrator{
		Channel:            channel,
		Git:                git,
		Bus:                bus,
		Logger:             logger,
		BackupTimeout:      DefaultBackupTimeout,
		ComposeUpTimeout:   DefaultComposeUpTimeout,
		HealthCheckTimeout: DefaultHealthCheckTimeout,
	}
}

// run carries the mutable bookkeeping for a single Run call: it is
// never shared across updates.
type run struct {
	o   *Orchestrator
	pkg registry.Package

	from version.PackageVersion
	to   version.PackageVersion

	composeDir string

	fileNames       []string
	backupPath      string
	scriptsThisPass []migration.Script       // every script executed this run, forward or rollback, for ExecutedScripts reporting
	appliedVersions []version.PackageVersion // Up-script versions that succeeded during Migrating, for Down-on-rollback
	allScripts      []migration.Script
	state           state.DeploymentState
}

// Run drives pkg from its currently-deployed version to target. If
// target equals the current version, Run is a no-op returning Success
// (§8 scenario 3).
func (o *Orchestrator) Run(ctx context.Context, pkg registry.Package, target version.PackageVersion) UpdateResult {
	composeDir := pkg.ComposeDir()

	current, err := state.Load(composeDir)
	if err != nil {
		return UpdateResult{Kind: Failed, ToVersion: target, ErrorMessage: err.Error()}
	}

	r := &run{o: o, pkg: pkg, from: current.Version, to: target, composeDir: composeDir, state: current}

	if current.Version.Equal(target) {
		return UpdateResult{Kind: Success, FromVersion: r.from, ToVersion: r.to}
	}

	o.publish(eventbus.Event{Type: eventbus.UpdateStarted, Package: pkg.Name.String()})
	result := r.execute(ctx)
	o.publish(eventbus.Event{
		Type:    eventbus.UpdateCompleted,
		Package: pkg.Name.String(),
		Success: result.Kind == Success || result.Kind == PartialSuccess,
		Error:   result.ErrorMessage,
	})
	return result
}

func (o *Orchestrator) publish(event eventbus.Event) {
	if o.Bus != nil {
		o.Bus.Publish(event)
	}
}

func (o *Orchestrator) progress(pkgName string, operation string, percent int) {
	o.publish(eventbus.Event{Type: eventbus.UpdateProgress, Package: pkgName, Operation: operation, Percent: percent})
}

// execute runs the forward phases in order, routing failures to
// rollback() or a FailedNoRecovery result per §4.7.
func (r *run) execute(ctx context.Context) UpdateResult {
	o := r.o

	fileNames, err := r.discoverWorkdirFiles(ctx)
	if err != nil {
		return r.failedNoRecovery(fmt.Errorf("listing compose directory: %w", err))
	}
	r.fileNames = fileNames
	r.allScripts = migration.Discover(fileNames)

	// Phase 1: BackingUp.
	r.o.progress(r.pkg.Name.String(), "backup", 5)
	hasBackupScript, err := backup.Available(ctx, o.Channel, r.composeDir)
	if err != nil {
		return r.failedNoRecovery(fmt.Errorf("checking backup.sh availability: %w", err))
	}
	if hasBackupScript {
		backupCtx, cancel := context.WithTimeout(ctx, o.BackupTimeout)
		path, err := backup.Run(backupCtx, o.Channel, r.composeDir)
		cancel()
		if err != nil {
			return r.failedNoRecovery(err)
		}
		r.backupPath = path
		r.mirrorBackupArchive(ctx)
	}

	// Phase 2: StoppingOld.
	r.o.progress(r.pkg.Name.String(), "stop-old", 15)
	oldFiles := compose.FilesFor(fileNames, r.archOrEmpty(ctx))
	if err := compose.Down(ctx, o.Channel, r.composeDir, oldFiles); err != nil {
		return r.routeFailure(ctx, err)
	}

	// Phase 3: Migrating.
	r.o.progress(r.pkg.Name.String(), "migrate", 35)
	selected := migration.Select(r.allScripts, r.from, r.to, r.state.AppliedSet())
	var outcome migration.Outcome
	for _, script := range selected {
		scriptCtx, cancel := context.WithTimeout(ctx, MigrationScriptTimeout)
		step := migration.Run(scriptCtx, o.Channel, r.composeDir, []migration.Script{script})
		cancel()
		outcome.Executed = append(outcome.Executed, step.Executed...)
		outcome.ToAdd = append(outcome.ToAdd, step.ToAdd...)
		outcome.ToRemove = append(outcome.ToRemove, step.ToRemove...)
		if step.Err != nil {
			outcome.Failed, outcome.Err = step.Failed, step.Err
			break
		}
	}
	r.scriptsThisPass = append(r.scriptsThisPass, outcome.Executed...)
	r.appliedVersions = append(r.appliedVersions, outcome.ToAdd...)
	r.state = r.state.WithUpAdded(outcome.ToAdd...).WithUpRemoved(outcome.ToRemove...)
	if outcome.Err != nil {
		if outcome.Failed != nil {
			r.state = r.state.WithFailedAdded(outcome.Failed.Version)
		}
		r.persistStateBestEffort()
		return r.routeFailure(ctx, outcome.Err)
	}

	// Phase 4: CheckingOut.
	r.o.progress(r.pkg.Name.String(), "checkout", 55)
	if err := o.Git.Checkout(r.pkg.RepositoryLocation, r.to); err != nil {
		return r.routeFailure(ctx, err)
	}

	// Phase 5: StartingNew.
	r.o.progress(r.pkg.Name.String(), "start-new", 70)
	arch, err := o.Channel.Architecture(ctx)
	if err != nil {
		return r.routeFailure(ctx, err)
	}
	newFiles := compose.FilesFor(fileNames, arch)
	upCtx, cancel := context.WithTimeout(ctx, o.ComposeUpTimeout)
	err = compose.Up(upCtx, o.Channel, r.composeDir, newFiles)
	cancel()
	if err != nil {
		return r.routeFailure(ctx, err)
	}

	// Phase 6: HealthChecking.
	r.o.progress(r.pkg.Name.String(), "health-check", 85)
	services, err := r.discoverServices(ctx)
	if err != nil {
		return r.routeFailure(ctx, err)
	}
	healthCtx, cancel := context.WithTimeout(ctx, o.HealthCheckTimeout)
	healthResult, err := compose.HealthCheck(healthCtx, o.Channel, r.composeDir, services, o.HealthCheckTimeout)
	cancel()
	if err != nil && errkind.As(err) != errkind.HealthTimeout {
		return r.routeFailure(ctx, err)
	}

	if healthResult.AllHealthy {
		return r.commit()
	}

	if healthResult.CriticalFailure && r.backupPath != "" {
		cause := errkind.New(errkind.CriticalServicesUnhealthy, fmt.Errorf("critical services unhealthy: %v", healthResult.Services))
		return r.rollback(ctx, cause)
	}

	return r.partialCommit(healthResult)
}

// routeFailure implements §4.7's uniform "Rollback if backup exists,
// else FailedNoRecovery" routing rule used by phases 2-6.
func (r *run) routeFailure(ctx context.Context, cause error) UpdateResult {
	if r.backupPath != "" {
		return r.rollback(ctx, cause)
	}
	return r.failedNoRecovery(cause)
}

func (r *run) failedNoRecovery(cause error) UpdateResult {
	r.o.Logger.Error(fmt.Sprintf("update of %s failed with no recovery available", r.pkg.Name), cause)
	return UpdateResult{
		Kind:         Failed,
		FromVersion:  r.from,
		ToVersion:    r.to,
		ErrorMessage: cause.Error(),
	}
}

// rollback implements the Rollback sub-machine: StoppingAll →
// DownScripts → Restoring → StartingOld → Rolled, per §4.7. cause is
// the forward-phase error that triggered the rollback and is carried
// into the final Failed result.
func (r *run) rollback(ctx context.Context, cause error) UpdateResult {
	o := r.o
	o.progress(r.pkg.Name.String(), "rollback", 90)

	// StoppingAll: best effort, logged but non-fatal to rollback
	// progress, per §4.7.
	if err := compose.Down(ctx, o.Channel, r.composeDir, nil); err != nil {
		o.Logger.Error("rollback: compose down failed, continuing", err)
	}

	// DownScripts: reverse order, for the versions applied during this
	// update's Migrating phase. Per-script failures are logged and
	// recorded in Failed, but rollback continues.
	downScripts := matchingDownScripts(r.allScripts, r.appliedVersions)
	downOutcome := migration.Run(ctx, o.Channel, r.composeDir, downScripts)
	r.scriptsThisPass = append(r.scriptsThisPass, downOutcome.Executed...)
	r.state = r.state.WithUpRemoved(downOutcome.ToRemove...)
	if downOutcome.Failed != nil {
		r.state = r.state.WithFailedAdded(downOutcome.Failed.Version)
		o.Logger.Error(fmt.Sprintf("rollback: down script for %s failed, continuing", downOutcome.Failed.Version), downOutcome.Err)
	}

	// Restoring.
	if r.backupPath == "" {
		// Only reachable if routeFailure's gate is bypassed by a direct
		// rollback() call; treat as the no-backup terminal state.
		r.persistStateBestEffort()
		return r.failedNoRecovery(cause)
	}
	restoreAvailable, err := backup.RestoreAvailable(ctx, o.Channel, r.composeDir)
	if err != nil {
		r.persistStateBestEffort()
		return UpdateResult{
			Kind:            RecoverableFailure,
			FromVersion:     r.from,
			ToVersion:       r.to,
			ExecutedScripts: scriptNames(r.scriptsThisPass),
			ErrorMessage:    err.Error(),
			BackupId:        r.backupPath,
		}
	}
	if !restoreAvailable {
		r.persistStateBestEffort()
		return UpdateResult{
			Kind:            RecoverableFailure,
			FromVersion:     r.from,
			ToVersion:       r.to,
			ExecutedScripts: scriptNames(r.scriptsThisPass),
			ErrorMessage:    "restore.sh is not present or executable",
			BackupId:        r.backupPath,
		}
	}
	if err := backup.Restore(ctx, o.Channel, r.composeDir, r.backupPath); err != nil {
		r.persistStateBestEffort()
		return UpdateResult{
			Kind:            RecoverableFailure,
			FromVersion:     r.from,
			ToVersion:       r.to,
			ExecutedScripts: scriptNames(r.scriptsThisPass),
			ErrorMessage:    err.Error(),
			BackupId:        r.backupPath,
		}
	}

	// StartingOld.
	if err := o.Git.Checkout(r.pkg.RepositoryLocation, r.from); err != nil {
		r.persistStateBestEffort()
		return UpdateResult{
			Kind:            RecoverableFailure,
			FromVersion:     r.from,
			ToVersion:       r.to,
			ExecutedScripts: scriptNames(r.scriptsThisPass),
			ErrorMessage:    err.Error(),
			BackupId:        r.backupPath,
		}
	}

	oldFiles := compose.FilesFor(r.fileNames, r.archOrEmpty(ctx))
	if err := compose.Up(ctx, o.Channel, r.composeDir, oldFiles); err != nil {
		r.persistStateBestEffort()
		return UpdateResult{
			Kind:            RecoverableFailure,
			FromVersion:     r.from,
			ToVersion:       r.to,
			ExecutedScripts: scriptNames(r.scriptsThisPass),
			ErrorMessage:    err.Error(),
			BackupId:        r.backupPath,
		}
	}

	r.state.Version = r.from
	r.state.Updated = time.Now().UTC()
	if err := state.Save(r.composeDir, r.state); err != nil {
		o.Logger.Error("failed to persist deployment state after rollback", err)
	}

	return UpdateResult{
		Kind:              Failed,
		FromVersion:       r.from,
		ToVersion:         r.to,
		ExecutedScripts:   scriptNames(r.scriptsThisPass),
		ErrorMessage:      cause.Error(),
		BackupId:          r.backupPath,
		RecoveryPerformed: true,
	}
}

// matchingDownScripts selects every Down script in scripts whose
// version is in applied, sorted descending — the order §4.7's
// DownScripts phase requires.
func matchingDownScripts(scripts []migration.Script, applied []version.PackageVersion) []migration.Script {
	appliedSet := make(map[string]bool, len(applied))
	for _, v := range applied {
		appliedSet[v.String()] = true
	}

	var selected []migration.Script
	for _, s := range scripts {
		if s.Direction == migration.Down && appliedSet[s.Version.String()] {
			selected = append(selected, s)
		}
	}
	sort.Slice(selected, func(i, j int) bool {
		return selected[j].Version.Less(selected[i].Version)
	})
	return selected
}

// commit implements Phase 7, Committing.
func (r *run) commit() UpdateResult {
	r.state.Version = r.to
	r.state.Updated = time.Now().UTC()
	if err := state.Save(r.composeDir, r.state); err != nil {
		r.o.Logger.Error("failed to persist committed deployment state", err)
	}

	if r.backupPath != "" {
		if err := backup.Cleanup(context.Background(), r.o.Channel, r.composeDir, r.backupPath); err != nil {
			r.o.Logger.Error("failed to clean up backup artifact after successful update", err)
		}
	}

	return UpdateResult{
		Kind:            Success,
		FromVersion:     r.from,
		ToVersion:       r.to,
		ExecutedScripts: scriptNames(r.scriptsThisPass),
		BackupId:        r.backupPath,
	}
}

// partialCommit implements Phase 6's "some unhealthy, no backup (or
// non-critical)" branch: the target version is persisted, services keep
// running, and the unhealthy set is surfaced.
func (r *run) partialCommit(health compose.HealthCheckResult) UpdateResult {
	r.state.Version = r.to
	r.state.Updated = time.Now().UTC()
	if err := state.Save(r.composeDir, r.state); err != nil {
		r.o.Logger.Error("failed to persist partial deployment state", err)
	}

	return UpdateResult{
		Kind:            PartialSuccess,
		FromVersion:     r.from,
		ToVersion:       r.to,
		ExecutedScripts: scriptNames(r.scriptsThisPass),
		HealthCheck:     &health,
		BackupId:        r.backupPath,
	}
}

func (r *run) persistStateBestEffort() {
	if err := state.Save(r.composeDir, r.state); err != nil {
		r.o.Logger.Error("failed to persist deployment state after migration failure", err)
	}
}

// mirrorBackupArchive copies the just-created backup archive into
// o.ArchiveDir, when configured. Best effort: a failure here never fails
// the update, since the remote archive (r.backupPath) remains the
// authoritative copy restore.sh reads from.
func (r *run) mirrorBackupArchive(ctx context.Context) {
	if r.o.ArchiveDir == "" || r.backupPath == "" {
		return
	}

	content, err := backup.Fetch(ctx, r.o.Channel, r.backupPath)
	if err != nil {
		r.o.Logger.Error("failed to mirror backup archive to local storage", err)
		return
	}

	localPath := filepath.Join(r.o.ArchiveDir, r.pkg.Name.String()+"-"+filepath.Base(r.backupPath))
	if err := os.MkdirAll(r.o.ArchiveDir, 0o755); err != nil {
		r.o.Logger.Error("failed to create archive directory", err)
		return
	}
	if err := os.WriteFile(localPath, content, 0o640); err != nil {
		r.o.Logger.Error("failed to write mirrored backup archive", err)
	}
}

func scriptNames(scripts []migration.Script) []string {
	names := make([]string, len(scripts))
	for i, s := range scripts {
		names[i] = s.FileName
	}
	return names
}

// discoverWorkdirFiles lists the compose directory's contents. The SSH
// Channel has no directory-listing primitive of its own (§4.1), so this
// shells `ls -1` through Execute, mirroring the teacher's habit of
// driving simple remote inspection through plain commands rather than a
// dedicated protocol extension.
func (r *run) discoverWorkdirFiles(ctx context.Context) ([]string, error) {
	result, err := r.o.Channel.Execute(ctx, "ls -1", r.composeDir)
	if err != nil {
		return nil, err
	}
	if result.ExitCode != 0 {
		return nil, errkind.New(errkind.Unexpected, fmt.Errorf("listing %s: %s", r.composeDir, result.Stderr))
	}
	return splitLines(result.Stdout), nil
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			if i > start {
				lines = append(lines, s[start:i])
			}
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

// archOrEmpty best-effort resolves the host architecture for selecting
// the old version's compose files in StoppingOld; an error here does not
// fail the phase since `docker compose down` does not require the
// overlay files to resolve correctly.
func (r *run) archOrEmpty(ctx context.Context) string {
	arch, err := r.o.Channel.Architecture(ctx)
	if err != nil {
		return ""
	}
	return arch
}

// discoverServices lists the running compose project's services and
// treats every discovered service as critical, since §4.7's
// PackageConfiguration carries no per-service criticality declaration;
// see DESIGN.md for this decision.
func (r *run) discoverServices(ctx context.Context) ([]compose.ServiceSpec, error) {
	names, err := compose.ServiceNames(ctx, r.o.Channel, r.composeDir)
	if err != nil {
		return nil, err
	}
	services := make([]compose.ServiceSpec, len(names))
	for i, name := range names {
		services[i] = compose.ServiceSpec{Name: name, Critical: true}
	}
	return services, nil
}
