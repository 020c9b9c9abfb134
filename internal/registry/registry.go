// Package registry implements the Package Registry (§2 row 10): the set
// of configured packages loaded from configuration, plus the
// per-PackageName lock table that guarantees at most one orchestrator
// runs against a given package at a time (§5, §9's per-package lock
// design note). Grounded on controller_src/ssh_deploy.go's
// deployConfigs, which serializes per-host work via a semaphore rather
// than letting every host race; here the serialization key is
// PackageName rather than host.
package registry

import (
	"sync"

	"github.com/modelingevolution/autoupdater/internal/config"
	"github.com/modelingevolution/autoupdater/internal/version"
)

// Package is a loaded PackageConfiguration paired with the git working
// tree path the orchestrator will operate against.
type Package struct {
	Name                   version.PackageName
	RepositoryUrl          string
	RepositoryLocation     string
	DockerComposeDirectory string
	DockerAuth             string
	DockerRegistryUrl      string
	MergerName             string
	MergerEmail            string
}

// ComposeDir returns the absolute-or-relative compose directory for
// this package: RepositoryLocation joined with DockerComposeDirectory.
func (p Package) ComposeDir() string {
	if p.DockerComposeDirectory == "" {
		return p.RepositoryLocation
	}
	return p.RepositoryLocation + "/" + p.DockerComposeDirectory
}

// Registry holds every configured package plus a lock table keyed by
// PackageName. A map-of-mutexes was chosen over one global mutex per
// §9's design note, since the Scheduler (§4.8) is explicitly permitted
// to parallelize across distinct target hosts and a global lock would
// forbid that even when packages share nothing.
type Registry struct {
	mu       sync.RWMutex
	packages map[string]Package
	locks    map[string]*sync.Mutex
}

// New builds a Registry from loaded configuration.
func New(cfg config.Config) *Registry {
	r := &Registry{
		packages: make(map[string]Package),
		locks:    make(map[string]*sync.Mutex),
	}
	for _, pkgCfg := range cfg.Packages {
		name := version.PackageName(pkgCfg.Name)
		r.packages[name.Key()] = Package{
			Name:                   name,
			RepositoryUrl:          pkgCfg.RepositoryUrl,
			RepositoryLocation:     pkgCfg.RepositoryLocation,
			DockerComposeDirectory: pkgCfg.DockerComposeDirectory,
			DockerAuth:             pkgCfg.DockerAuth,
			DockerRegistryUrl:      pkgCfg.DockerRegistryUrl,
			MergerName:             pkgCfg.MergerName,
			MergerEmail:            pkgCfg.MergerEmail,
		}
		r.locks[name.Key()] = &sync.Mutex{}
	}
	return r
}

// All returns every configured package, in no particular order.
func (r *Registry) All() []Package {
	r.mu.RLock()
	defer r.mu.RUnlock()
	packages := make([]Package, 0, len(r.packages))
	for _, p := range r.packages {
		packages = append(packages, p)
	}
	return packages
}

// Get returns the named package and whether it was found.
func (r *Registry) Get(name version.PackageName) (Package, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.packages[name.Key()]
	return p, ok
}

// Lock returns the mutex guarding name's updates. Callers must hold it
// for the duration of an orchestrator run against this package.
func (r *Registry) Lock(name version.PackageName) *sync.Mutex {
	r.mu.RLock()
	lock, ok := r.locks[name.Key()]
	r.mu.RUnlock()
	if ok {
		return lock
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if lock, ok := r.locks[name.Key()]; ok {
		return lock
	}
	lock = &sync.Mutex{}
	r.locks[name.Key()] = lock
	return lock
}
