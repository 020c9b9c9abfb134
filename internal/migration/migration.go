// Package migration implements the Migration Script Engine (§4.3):
// discovering up-X.Y.Z.sh / down-X.Y.Z.sh scripts in a compose directory,
// selecting the subset that applies to a version transition, and running
// them over an SSH Channel. Grounded on controller_src/parsing.go's
// plain regexp-driven filename parsing (no globbing library), and on
// src/ssh.go's chmod-then-run execution shape.
package migration

import (
	"context"
	"fmt"
	"regexp"
	"sort"

	"github.com/modelingevolution/autoupdater/internal/errkind"
	"github.com/modelingevolution/autoupdater/internal/sshchannel"
	"github.com/modelingevolution/autoupdater/internal/version"
)

// Direction distinguishes an up-*.sh script from a down-*.sh script.
type Direction int

const (
	Up Direction = iota
	Down
)

func (d Direction) String() string {
	if d == Up {
		return "up"
	}
	return "down"
}

// scriptPattern matches the filename convention of §3: "up-" or "down-"
// followed by a PackageVersion, ending in ".sh".
var scriptPattern = regexp.MustCompile(`^(up|down)-(v?\d+\.\d+\.\d+(?:-[A-Za-z0-9.\-]+)?)\.sh$`)

// Script is one discovered migration script.
type Script struct {
	FileName  string
	Version   version.PackageVersion
	Direction Direction
}

// Discover picks, from fileNames (the compose directory's listing,
// which the caller obtains itself since the SSH Channel has no
// directory-listing primitive of its own), the files matching the §3
// naming convention.
func Discover(fileNames []string) []Script {
	var scripts []Script
	for _, name := range fileNames {
		matches := scriptPattern.FindStringSubmatch(name)
		if matches == nil {
			continue
		}
		v := version.TryParse(matches[2])
		if v.IsEmpty() {
			continue
		}
		direction := Up
		if matches[1] == "down" {
			direction = Down
		}
		scripts = append(scripts, Script{FileName: name, Version: v, Direction: direction})
	}
	return scripts
}

// SelectUpgrade implements the §4.3 filtering rules for an upgrade
// (from < to): every Up script where from < script.version <= to and
// script.version is not already applied, ascending.
func SelectUpgrade(scripts []Script, from version.PackageVersion, to version.PackageVersion, alreadyApplied map[string]bool) []Script {
	var selected []Script
	for _, s := range scripts {
		if s.Direction != Up {
			continue
		}
		if !(from.Less(s.Version) && (s.Version.Less(to) || s.Version.Equal(to))) {
			continue
		}
		if alreadyApplied[s.Version.String()] {
			continue
		}
		selected = append(selected, s)
	}
	sortAscending(selected)
	return selected
}

// SelectDowngrade implements the §4.3 filtering rules for a downgrade
// (to < from): every Down script where to < script.version <= from and
// script.version is in alreadyApplied, descending.
func SelectDowngrade(scripts []Script, from version.PackageVersion, to version.PackageVersion, alreadyApplied map[string]bool) []Script {
	var selected []Script
	for _, s := range scripts {
		if s.Direction != Down {
			continue
		}
		if !(to.Less(s.Version) && (s.Version.Less(from) || s.Version.Equal(from))) {
			continue
		}
		if !alreadyApplied[s.Version.String()] {
			continue
		}
		selected = append(selected, s)
	}
	sortDescending(selected)
	return selected
}

// Select dispatches to SelectUpgrade, SelectDowngrade, or an empty
// result for an equal transition, per §4.3.
func Select(scripts []Script, from version.PackageVersion, to version.PackageVersion, alreadyApplied map[string]bool) []Script {
	switch {
	case from.Less(to):
		return SelectUpgrade(scripts, from, to, alreadyApplied)
	case to.Less(from):
		return SelectDowngrade(scripts, from, to, alreadyApplied)
	default:
		return nil
	}
}

func sortAscending(scripts []Script) {
	sort.Slice(scripts, func(i, j int) bool {
		return scripts[i].Version.Less(scripts[j].Version)
	})
}

func sortDescending(scripts []Script) {
	sort.Slice(scripts, func(i, j int) bool {
		return scripts[j].Version.Less(scripts[i].Version)
	})
}

// Outcome is the result of running a selected sequence of scripts: the
// scripts that executed successfully, in order, plus versions to add to
// or remove from state.Up (per §4.3 step 3/4), and the error from the
// first failing script, if any.
type Outcome struct {
	Executed []Script
	ToAdd    []version.PackageVersion // Up scripts that succeeded
	ToRemove []version.PackageVersion // Down scripts that succeeded
	Failed   *Script                  // the script that stopped the sequence, if any
	Err      error
}

// Run executes scripts in the given order over channel, stopping at the
// first failure per §4.3 step 4.
func Run(ctx context.Context, channel sshchannel.Channel, workingDir string, scripts []Script) Outcome {
	var outcome Outcome

	for i := range scripts {
		script := scripts[i]
		path := "./" + script.FileName

		if err := channel.MakeExecutable(ctx, path, workingDir); err != nil {
			outcome.Failed = &script
			outcome.Err = errkind.New(errkind.MigrationFailed, fmt.Errorf("making %s executable: %w", script.FileName, err))
			return outcome
		}

		result, err := channel.Execute(ctx, path, workingDir)
		if err != nil {
			outcome.Failed = &script
			outcome.Err = errkind.New(errkind.MigrationFailed, fmt.Errorf("running %s: %w", script.FileName, err))
			return outcome
		}

		if result.ExitCode != 0 {
			outcome.Failed = &script
			outcome.Err = errkind.New(errkind.MigrationFailed, fmt.Errorf("script %s exited %d: %s", script.FileName, result.ExitCode, result.Stderr))
			return outcome
		}

		outcome.Executed = append(outcome.Executed, script)
		if script.Direction == Up {
			outcome.ToAdd = append(outcome.ToAdd, script.Version)
		} else {
			outcome.ToRemove = append(outcome.ToRemove, script.Version)
		}
	}

	return outcome
}
