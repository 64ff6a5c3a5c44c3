package engine

import (
	"bytes"
	"strconv"
	"strings"
)

// Health conditions reported for a container.
const (
	ConditionHealthy   = "healthy"
	ConditionUp        = "up"
	ConditionStarting  = "starting"
	ConditionUnhealthy = "unhealthy"
	ConditionDown      = "down"
	ConditionUnknown   = "unknown"
)

// HealthLog is one healthcheck result as recorded by the engine.
type HealthLog struct {
	ExitCode int    `json:"ExitCode"`
	Output   string `json:"Output"`
}

// HealthState is the healthcheck block of an inspected container.
type HealthState struct {
	Status string      `json:"Status"`
	Log    []HealthLog `json:"Log"`
}

// ContainerState mirrors the .State object of `docker inspect`.
type ContainerState struct {
	Status  string       `json:"Status"`
	Running bool         `json:"Running"`
	Pid     int          `json:"Pid"`
	Health  *HealthState `json:"Health,omitempty"`
}

// Condition collapses the engine state into one health condition.
func (s ContainerState) Condition() string {
	if !s.Running {
		if s.Status == "restarting" {
			return ConditionStarting
		}
		return ConditionDown
	}
	if s.Health == nil || s.Health.Status == "" || s.Health.Status == "none" {
		return ConditionUp
	}
	switch s.Health.Status {
	case "healthy":
		return ConditionHealthy
	case "starting":
		return ConditionStarting
	case "unhealthy":
		return ConditionUnhealthy
	default:
		return ConditionUnknown
	}
}

// LastHealthOutput returns the output of the most recent healthcheck, if any.
func (s ContainerState) LastHealthOutput() string {
	if s.Health == nil || len(s.Health.Log) == 0 {
		return ""
	}
	return strings.TrimSpace(s.Health.Log[len(s.Health.Log)-1].Output)
}

// Container is one entry of the container listing.
type Container struct {
	ID       string `json:"id"`
	Hardened bool   `json:"hardened"`
}

// ContainerStats is a single CPU and memory sample. Memory is in MiB.
type ContainerStats struct {
	Name       string  `json:"name"`
	CPUPercent float64 `json:"cpu"`
	MemUsage   float64 `json:"mem"`
	MemLimit   float64 `json:"limit"`
}

const hardenedLabel = "io.dhi.hardened=true"

func parseContainerList(out, prefix string) map[string]Container {
	containers := make(map[string]Container)
	for _, line := range strings.Split(out, "\n") {
		parts := strings.Split(strings.TrimRight(line, "\r"), "\t")
		if len(parts) < 2 || strings.TrimSpace(parts[0]) == "" {
			continue
		}
		name := strings.TrimSpace(parts[0])
		if prefix != "" {
			name = strings.TrimPrefix(name, prefix)
		}
		labels := ""
		if len(parts) > 2 {
			labels = parts[2]
		}
		containers[name] = Container{
			ID:       strings.TrimSpace(parts[1]),
			Hardened: hasLabel(labels, hardenedLabel),
		}
	}
	return containers
}

func hasLabel(labels, want string) bool {
	for _, label := range strings.Split(labels, ",") {
		if strings.TrimSpace(label) == want {
			return true
		}
	}
	return false
}

func parseStats(out, prefix string) []ContainerStats {
	var stats []ContainerStats
	for _, line := range strings.Split(out, "\n") {
		parts := strings.Split(strings.TrimSpace(line), "\t")
		if len(parts) != 3 {
			continue
		}
		name := parts[0]
		if prefix != "" {
			name = strings.TrimPrefix(name, prefix)
		}
		cpu, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(parts[1]), "%"), 64)
		if err != nil {
			continue
		}
		usage, limit := parseMemUsage(parts[2])
		stats = append(stats, ContainerStats{Name: name, CPUPercent: cpu, MemUsage: usage, MemLimit: limit})
	}
	return stats
}

func parseMemUsage(raw string) (usage, limit float64) {
	parts := strings.SplitN(raw, "/", 2)
	usage = toMiB(parts[0])
	if len(parts) == 2 {
		limit = toMiB(parts[1])
	}
	return usage, limit
}

var memUnits = []struct {
	suffix string
	factor float64
}{
	{"GIB", 1024},
	{"MIB", 1},
	{"KIB", 1.0 / 1024},
	{"GB", 1000 * 1000 * 1000 / (1024.0 * 1024)},
	{"MB", 1000 * 1000 / (1024.0 * 1024)},
	{"KB", 1000 / (1024.0 * 1024)},
	{"B", 1 / (1024.0 * 1024)},
}

func toMiB(raw string) float64 {
	value := strings.ToUpper(strings.TrimSpace(raw))
	for _, unit := range memUnits {
		if strings.HasSuffix(value, unit.suffix) {
			n, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(value, unit.suffix)), 64)
			if err != nil {
				return 0
			}
			return n * unit.factor
		}
	}
	return 0
}

// lastJSONLine skips warnings the CLI may print before the JSON document.
func lastJSONLine(out []byte) []byte {
	lines := bytes.Split(bytes.TrimSpace(out), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) > 0 && line[0] == '{' {
			return line
		}
	}
	return bytes.TrimSpace(out)
}
