// Package scheduler implements the Package Scheduler (§4.8): a
// time.Ticker-driven loop that, for every registered package, fetches
// tags, computes the newest available version, and hands the package to
// the Orchestrator when it is ahead of the deployed version. Grounded on
// controller_src/ssh_deploy.go's deployConfigs loop, generalized from
// "fan every host out to its own goroutine behind a semaphore" to "drive
// packages sequentially through the per-package lock," per §4.8's "MAY
// parallelize across distinct target hosts" being the exception rather
// than the rule.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/modelingevolution/autoupdater/internal/eventbus"
	"github.com/modelingevolution/autoupdater/internal/gitprovider"
	"github.com/modelingevolution/autoupdater/internal/logging"
	"github.com/modelingevolution/autoupdater/internal/orchestrator"
	"github.com/modelingevolution/autoupdater/internal/registry"
	"github.com/modelingevolution/autoupdater/internal/state"
	"github.com/modelingevolution/autoupdater/internal/version"
)

// DefaultInterval matches §4.8's stated default poll interval.
const DefaultInterval = 60 * time.Second

// Scheduler periodically checks every registered package for a newer
// tagged version and drives an update through Orchestrator when one is
// found.
type Scheduler struct {
	Registry     *registry.Registry
	Git          *gitprovider.Provider
	Orchestrator *orchestrator.Orchestrator
	Bus          *eventbus.Bus
	Logger       *logging.Logger
	Interval     time.Duration
}

// New builds a Scheduler. interval <= 0 falls back to DefaultInterval.
func New(reg *registry.Registry, git *gitprovider.Provider, orch *orchestrator.Orchestrator, bus *eventbus.Bus, logger *logging.Logger, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{Registry: reg, Git: git, Orchestrator: orch, Bus: bus, Logger: logger, Interval: interval}
}

// Run blocks, checking every registered package once per tick, until ctx
// is cancelled. Each package is isolated: one package's failure is
// logged and does not interrupt the loop or the other packages' checks
// (§4.8).
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick checks every registered package once, sequentially, per §4.8's
// "processed sequentially to avoid concurrent writes on the same target
// host."
func (s *Scheduler) Tick(ctx context.Context) {
	for _, pkg := range s.Registry.All() {
		if ctx.Err() != nil {
			return
		}
		s.checkPackage(ctx, pkg)
	}
}

func (s *Scheduler) checkPackage(ctx context.Context, pkg registry.Package) {
	if err := s.Git.EnsureCloned(pkg.RepositoryUrl, pkg.RepositoryLocation); err != nil {
		s.Logger.Error(fmt.Sprintf("scheduler: ensuring %s is cloned", pkg.Name), err)
		return
	}
	if err := s.Git.FetchTags(pkg.RepositoryLocation); err != nil {
		s.Logger.Error(fmt.Sprintf("scheduler: fetching tags for %s", pkg.Name), err)
		return
	}

	versions, err := s.Git.ListVersions(pkg.RepositoryLocation)
	if err != nil {
		s.Logger.Error(fmt.Sprintf("scheduler: listing versions for %s", pkg.Name), err)
		return
	}
	available := version.Max(versions)

	current, err := state.Load(pkg.ComposeDir())
	if err != nil {
		s.Logger.Error(fmt.Sprintf("scheduler: loading deployment state for %s", pkg.Name), err)
		return
	}

	s.publish(eventbus.Event{Type: eventbus.VersionCheckCompleted, Package: pkg.Name.String()})

	if !current.Version.Less(available) {
		return
	}

	lock := s.Registry.Lock(pkg.Name)
	lock.Lock()
	defer lock.Unlock()

	if ctx.Err() != nil {
		return
	}

	result := s.Orchestrator.Run(ctx, pkg, available)
	if result.ErrorMessage != "" {
		s.Logger.Printf(logging.VerbosityStandard, "scheduler: update of %s to %s finished as %s: %s\n", pkg.Name, available, result.Kind, result.ErrorMessage)
	} else {
		s.Logger.Printf(logging.VerbosityStandard, "scheduler: update of %s to %s finished as %s\n", pkg.Name, available, result.Kind)
	}
}

func (s *Scheduler) publish(event eventbus.Event) {
	if s.Bus != nil {
		s.Bus.Publish(event)
	}
}
