// Package compose implements the Compose Driver (§4.5): selecting
// compose files for a host architecture, running docker compose
// down/up/ps over an SSH Channel, and polling service health. Docker
// Compose invocation is shelled out over the Channel exactly as the
// teacher shells out remote commands, grounded secondarily on
// The-Graft-Project-Graft's internal/deploy/engine.go
// (client.RunCommand("... docker compose ...")) since the primary
// teacher has no compose equivalent.
package compose

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/modelingevolution/autoupdater/internal/errkind"
	"github.com/modelingevolution/autoupdater/internal/sshchannel"
)

// baseComposeFile is the primary compose file of §4.5's naming
// convention; FilesFor adds the arch-specific overlays and override
// files around it.
const (
	baseComposeFile = "docker-compose.yml"
)

// FilesFor returns the ordered list of compose files in fileNames that
// apply to architecture, per §4.5: the base file, any
// docker-compose.<arch>.yml matching architecture, and any
// docker-compose.override*.yml, sorted by filename length ascending
// (shorter = base, longer = overlay).
func FilesFor(fileNames []string, architecture string) []string {
	var selected []string
	archSuffix := fmt.Sprintf("docker-compose.%s.yml", architecture)

	for _, name := range fileNames {
		switch {
		case name == baseComposeFile:
			selected = append(selected, name)
		case name == archSuffix:
			selected = append(selected, name)
		case strings.HasPrefix(name, "docker-compose.override") && strings.HasSuffix(name, ".yml"):
			selected = append(selected, name)
		}
	}

	sort.SliceStable(selected, func(i, j int) bool {
		if len(selected[i]) != len(selected[j]) {
			return len(selected[i]) < len(selected[j])
		}
		return selected[i] < selected[j]
	})

	return selected
}

func fileFlags(files []string) string {
	var b strings.Builder
	for _, f := range files {
		b.WriteString(fmt.Sprintf("-f %s ", f))
	}
	return strings.TrimSpace(b.String())
}

// Down runs `docker compose down` synchronously in workingDir, against
// the given compose files (the old version's files, per §9's design
// note resolving the open question on which version's files to use).
// A nil/empty files list falls back to plain `docker compose down`,
// letting docker compose resolve the default docker-compose.yml itself.
func Down(ctx context.Context, channel sshchannel.Channel, workingDir string, files []string) error {
	command := "docker compose down"
	if len(files) > 0 {
		command = fmt.Sprintf("docker compose %s down", fileFlags(files))
	}
	result, err := channel.Execute(ctx, command, workingDir)
	if err != nil {
		return errkind.New(errkind.ComposeDown, err)
	}
	if result.ExitCode != 0 {
		return errkind.New(errkind.ComposeDown, fmt.Errorf("docker compose down exited %d: %s", result.ExitCode, result.Stderr))
	}
	return nil
}

// ServiceNames lists the service names of the running compose project
// via `docker compose ps --format json`.
func ServiceNames(ctx context.Context, channel sshchannel.Channel, workingDir string) ([]string, error) {
	result, err := channel.Execute(ctx, "docker compose ps --format json", workingDir)
	if err != nil {
		return nil, err
	}
	if result.ExitCode != 0 {
		return nil, errkind.New(errkind.Unexpected, fmt.Errorf("docker compose ps exited %d: %s", result.ExitCode, result.Stderr))
	}

	var names []string
	for _, line := range strings.Split(strings.TrimSpace(result.Stdout), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var svc composeServiceStatus
		if err := json.Unmarshal([]byte(line), &svc); err != nil {
			return nil, errkind.New(errkind.Unexpected, fmt.Errorf("parsing docker compose ps line %q: %v", line, err))
		}
		names = append(names, svc.Name)
	}
	return names, nil
}

// Up runs `docker compose -f ... -f ... up -d` in workingDir, per §4.5.
func Up(ctx context.Context, channel sshchannel.Channel, workingDir string, files []string) error {
	command := fmt.Sprintf("docker compose %s up -d", fileFlags(files))
	result, err := channel.Execute(ctx, command, workingDir)
	if err != nil {
		return errkind.New(errkind.ComposeUp, err)
	}
	if result.ExitCode != 0 {
		return errkind.New(errkind.ComposeUp, fmt.Errorf("docker compose up exited %d: %s", result.ExitCode, result.Stderr))
	}
	return nil
}

// ProjectStatus is §3's ComposeProjectStatus.
type ProjectStatus struct {
	Status          string
	ConfigFiles     []string
	RunningServices int
	TotalServices   int
}

type composeServiceStatus struct {
	Name  string `json:"Name"`
	State string `json:"State"`
}

// Status parses `docker compose ps --format json` output (one JSON
// object per line) into a ProjectStatus.
func Status(ctx context.Context, channel sshchannel.Channel, workingDir string) (ProjectStatus, error) {
	result, err := channel.Execute(ctx, "docker compose ps --format json", workingDir)
	if err != nil {
		return ProjectStatus{}, err
	}
	if result.ExitCode != 0 {
		return ProjectStatus{}, errkind.New(errkind.Unexpected, fmt.Errorf("docker compose ps exited %d: %s", result.ExitCode, result.Stderr))
	}

	var services []composeServiceStatus
	for _, line := range strings.Split(strings.TrimSpace(result.Stdout), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var svc composeServiceStatus
		if err := json.Unmarshal([]byte(line), &svc); err != nil {
			return ProjectStatus{}, errkind.New(errkind.Unexpected, fmt.Errorf("parsing docker compose ps line %q: %v", line, err))
		}
		services = append(services, svc)
	}

	status := ProjectStatus{TotalServices: len(services)}
	for _, svc := range services {
		if svc.State == "running" {
			status.RunningServices++
		}
	}
	if status.TotalServices > 0 && status.RunningServices == status.TotalServices {
		status.Status = "running"
	} else if status.RunningServices > 0 {
		status.Status = "partial"
	} else {
		status.Status = "stopped"
	}

	return status, nil
}

// ServiceHealth is one service's health-check observation within a
// HealthCheckResult.
type ServiceHealth struct {
	State    string
	Healthy  bool
	Critical bool
}

// HealthCheckResult is §4.5's HealthCheckResult.
type HealthCheckResult struct {
	AllHealthy      bool
	Services        map[string]ServiceHealth
	CriticalFailure bool
}

// pollInterval matches §4.5's "poll at 2s intervals."
const pollInterval = 2 * time.Second

// runningHealthyThreshold is the "running for at least 5 consecutive
// seconds" rule for services with no declared healthcheck, per §4.5.
const runningHealthyThreshold = 5 * time.Second

// ServiceSpec names a service and whether its unhealthiness is
// considered critical to the deployment, per §4.5/§4.7.
type ServiceSpec struct {
	Name     string
	Critical bool
}

// inspectProbe abstracts the two `docker inspect` invocations §4.5
// describes: one reading declared-healthcheck state, one reading
// running-since for services without a healthcheck. Passed as a
// parameter of healthCheckWithProbe so tests can substitute a
// deterministic probe without faking the SSH channel's output formatting.
type inspectProbe func(ctx context.Context, channel sshchannel.Channel, workingDir string, service string) (state string, hasHealthcheck bool, runningSince time.Time, err error)

// HealthCheck polls services until all report healthy or timeout
// elapses, per §4.5.
func HealthCheck(ctx context.Context, channel sshchannel.Channel, workingDir string, services []ServiceSpec, timeout time.Duration) (HealthCheckResult, error) {
	return healthCheckWithProbe(ctx, channel, workingDir, services, timeout, inspectContainer)
}

func healthCheckWithProbe(ctx context.Context, channel sshchannel.Channel, workingDir string, services []ServiceSpec, timeout time.Duration, probe inspectProbe) (HealthCheckResult, error) {
	deadline := time.Now().Add(timeout)

	for {
		result := HealthCheckResult{Services: make(map[string]ServiceHealth), AllHealthy: true}

		for _, spec := range services {
			state, hasHealthcheck, runningSince, err := probe(ctx, channel, workingDir, spec.Name)
			if err != nil {
				return HealthCheckResult{}, errkind.New(errkind.Unexpected, fmt.Errorf("inspecting service %s: %v", spec.Name, err))
			}

			healthy := false
			if hasHealthcheck {
				healthy = state == "healthy"
			} else {
				healthy = state == "running" && !runningSince.IsZero() && time.Since(runningSince) >= runningHealthyThreshold
			}

			result.Services[spec.Name] = ServiceHealth{State: state, Healthy: healthy, Critical: spec.Critical}
			if !healthy {
				result.AllHealthy = false
				if spec.Critical {
					result.CriticalFailure = true
				}
			}
		}

		if result.AllHealthy {
			return result, nil
		}
		if time.Now().After(deadline) {
			return result, errkind.New(errkind.HealthTimeout, fmt.Errorf("health check timed out after %s", timeout))
		}

		select {
		case <-ctx.Done():
			return result, errkind.New(errkind.Cancelled, ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}

// inspectContainer runs the real `docker inspect` probes described by
// §4.5 over the SSH Channel.
func inspectContainer(ctx context.Context, channel sshchannel.Channel, workingDir string, service string) (string, bool, time.Time, error) {
	healthResult, err := channel.Execute(ctx, fmt.Sprintf("docker inspect --format '{{json .State.Health}}' %s", service), workingDir)
	if err != nil {
		return "", false, time.Time{}, err
	}

	stdout := strings.TrimSpace(healthResult.Stdout)
	if healthResult.ExitCode == 0 && stdout != "" && stdout != "null" {
		var health struct {
			Status string `json:"Status"`
		}
		if err := json.Unmarshal([]byte(stdout), &health); err == nil {
			return health.Status, true, time.Time{}, nil
		}
	}

	stateResult, err := channel.Execute(ctx, fmt.Sprintf("docker inspect --format '{{.State.Status}}|{{.State.StartedAt}}' %s", service), workingDir)
	if err != nil {
		return "", false, time.Time{}, err
	}
	if stateResult.ExitCode != 0 {
		return "exited", false, time.Time{}, nil
	}

	parts := strings.SplitN(strings.TrimSpace(stateResult.Stdout), "|", 2)
	state := parts[0]
	var startedAt time.Time
	if len(parts) == 2 {
		if parsed, err := time.Parse(time.RFC3339Nano, parts[1]); err == nil {
			startedAt = parsed
		}
	}

	return state, false, startedAt, nil
}

// VolumeBind is one docker -v/--volume bind-mount entry, following the
// hostPath:containerPath[:mode] convention.
type VolumeBind struct {
	HostPath      string
	ContainerPath string
	Mode          string
}

// ParseVolumeBind parses a single "hostPath:containerPath[:mode]" bind
// specification.
func ParseVolumeBind(raw string) (VolumeBind, bool) {
	parts := strings.Split(raw, ":")
	if len(parts) < 2 {
		return VolumeBind{}, false
	}
	bind := VolumeBind{HostPath: parts[0], ContainerPath: parts[1]}
	if len(parts) >= 3 {
		bind.Mode = parts[2]
	}
	return bind, true
}

// TranslateContainerPath maps a path as seen inside the orchestrator's
// own container to the equivalent path on the target host, per §9's
// design note: kept a pure function, outside Orchestrator state, so it
// can be tested and reasoned about independently of any live session.
func TranslateContainerPath(containerPath string, binds []VolumeBind) (string, bool) {
	var best *VolumeBind
	for i := range binds {
		bind := binds[i]
		if bind.ContainerPath == "" {
			continue
		}
		if containerPath == bind.ContainerPath || strings.HasPrefix(containerPath, bind.ContainerPath+"/") {
			if best == nil || len(bind.ContainerPath) > len(best.ContainerPath) {
				best = &bind
			}
		}
	}
	if best == nil {
		return "", false
	}

	suffix := strings.TrimPrefix(containerPath, best.ContainerPath)
	return best.HostPath + suffix, true
}
