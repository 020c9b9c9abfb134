// Package state implements the Deployment State Store (§4.6): the
// per-package deployment.state.json file, loaded at the start of every
// update attempt and written atomically by the orchestrator on a
// committed or partial success, on a completed rollback, and best-effort
// after a failed migration or a failed rollback step. Grounded on the
// teacher's general caution around mutating shared files in place —
// exception_handling.go treats "undo" as a first-class operation, never
// an afterthought — generalized here into a write-temp-then-rename
// discipline for deployment.state.json itself.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/modelingevolution/autoupdater/internal/errkind"
	"github.com/modelingevolution/autoupdater/internal/version"
)

// FileName is the deployment state file's name within a compose
// directory, per §4.6.
const FileName = "deployment.state.json"

// DeploymentState is §3's DeploymentState record.
type DeploymentState struct {
	Version version.PackageVersion   `json:"Version"`
	Updated time.Time                `json:"Updated"`
	Up      []version.PackageVersion `json:"Up"`
	Failed  []version.PackageVersion `json:"Failed"`
}

// HasUp reports whether v is recorded as successfully applied.
func (s DeploymentState) HasUp(v version.PackageVersion) bool {
	for _, applied := range s.Up {
		if applied.Equal(v) {
			return true
		}
	}
	return false
}

// AppliedSet returns Up as a lookup keyed by PackageVersion.String, for
// use by the migration selector.
func (s DeploymentState) AppliedSet() map[string]bool {
	applied := make(map[string]bool, len(s.Up))
	for _, v := range s.Up {
		applied[v.String()] = true
	}
	return applied
}

// WithUpAdded returns a copy of s with versions added to Up (deduped,
// sorted ascending per §9).
func (s DeploymentState) WithUpAdded(versions ...version.PackageVersion) DeploymentState {
	next := s
	next.Up = mergeSorted(s.Up, versions)
	return next
}

// WithUpRemoved returns a copy of s with versions removed from Up.
func (s DeploymentState) WithUpRemoved(versions ...version.PackageVersion) DeploymentState {
	remove := make(map[string]bool, len(versions))
	for _, v := range versions {
		remove[v.String()] = true
	}

	var kept []version.PackageVersion
	for _, v := range s.Up {
		if !remove[v.String()] {
			kept = append(kept, v)
		}
	}
	sortAscending(kept)
	next := s
	next.Up = kept
	return next
}

// WithFailedAdded returns a copy of s with versions added to Failed
// (deduped, sorted ascending).
func (s DeploymentState) WithFailedAdded(versions ...version.PackageVersion) DeploymentState {
	next := s
	next.Failed = mergeSorted(s.Failed, versions)
	return next
}

func mergeSorted(existing []version.PackageVersion, additions []version.PackageVersion) []version.PackageVersion {
	seen := make(map[string]bool, len(existing))
	merged := make([]version.PackageVersion, 0, len(existing)+len(additions))
	for _, v := range existing {
		if !seen[v.String()] {
			seen[v.String()] = true
			merged = append(merged, v)
		}
	}
	for _, v := range additions {
		if !seen[v.String()] {
			seen[v.String()] = true
			merged = append(merged, v)
		}
	}
	sortAscending(merged)
	return merged
}

func sortAscending(versions []version.PackageVersion) {
	sort.Slice(versions, func(i, j int) bool {
		return versions[i].Less(versions[j])
	})
}

// Load reads deployment.state.json from composeDir. A missing file
// returns the zero-value state described in §4.6:
// {Version: Empty, Updated: epoch, Up: ∅, Failed: ∅}.
func Load(composeDir string) (DeploymentState, error) {
	path := filepath.Join(composeDir, FileName)

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DeploymentState{Version: version.Empty, Updated: time.Unix(0, 0).UTC()}, nil
	}
	if err != nil {
		return DeploymentState{}, errkind.New(errkind.StateIO, fmt.Errorf("reading %s: %v", path, err))
	}

	var s DeploymentState
	if err := json.Unmarshal(raw, &s); err != nil {
		return DeploymentState{}, errkind.New(errkind.StateIO, fmt.Errorf("parsing %s: %v", path, err))
	}

	return s, nil
}

// Save writes s to deployment.state.json atomically: serialize, write to
// a sibling .tmp file, fsync, rename over the destination, per §4.6.
// Up and Failed are sorted ascending before marshal for diff stability
// (§9).
func Save(composeDir string, s DeploymentState) error {
	s.Up = append([]version.PackageVersion(nil), s.Up...)
	s.Failed = append([]version.PackageVersion(nil), s.Failed...)
	sortAscending(s.Up)
	sortAscending(s.Failed)

	path := filepath.Join(composeDir, FileName)
	tmpPath := path + ".tmp"

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errkind.New(errkind.StateIO, fmt.Errorf("marshaling deployment state: %v", err))
	}

	file, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errkind.New(errkind.StateIO, fmt.Errorf("creating %s: %v", tmpPath, err))
	}

	if _, err := file.Write(data); err != nil {
		file.Close()
		return errkind.New(errkind.StateIO, fmt.Errorf("writing %s: %v", tmpPath, err))
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return errkind.New(errkind.StateIO, fmt.Errorf("fsyncing %s: %v", tmpPath, err))
	}
	if err := file.Close(); err != nil {
		return errkind.New(errkind.StateIO, fmt.Errorf("closing %s: %v", tmpPath, err))
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return errkind.New(errkind.StateIO, fmt.Errorf("renaming %s to %s: %v", tmpPath, path, err))
	}

	return nil
}
