package telemetry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"

	"hub-api/internal/engine"
)

// Engine is the container engine surface telemetry reads from.
type Engine interface {
	State(ctx context.Context, service string) (engine.ContainerState, error)
	Exec(ctx context.Context, service string, cmd ...string) ([]byte, error)
}

// ErrNoInterface means none of the configured interfaces exist in the gateway.
var ErrNoInterface = errors.New("no tunnel interface found")

// NetDevReader reads the gateway's tunnel counters from inside its network namespace.
type NetDevReader struct {
	procRoot   string
	engine     Engine
	gateway    string
	interfaces []string
}

// NewNetDevReader creates a reader. interfaces are tried in order.
func NewNetDevReader(procRoot string, eng Engine, gateway string, interfaces []string) *NetDevReader {
	return &NetDevReader{
		procRoot:   procRoot,
		engine:     eng,
		gateway:    gateway,
		interfaces: append([]string(nil), interfaces...),
	}
}

// Read returns the raw counters of the first configured interface present in the
// gateway and the interface name. pid is the gateway's host PID, or 0 when unknown.
func (r *NetDevReader) Read(ctx context.Context, pid int) (Counters, string, error) {
	if pid > 0 && r.procRoot != "" {
		if counters, iface, err := r.readProcFS(pid); err == nil {
			return counters, iface, nil
		}
	}
	out, err := r.engine.Exec(ctx, r.gateway, "cat", "/proc/net/dev")
	if err != nil {
		return Counters{}, "", fmt.Errorf("read gateway net/dev: %w", err)
	}
	return r.pick(parseNetDev(string(out)))
}

func (r *NetDevReader) readProcFS(pid int) (Counters, string, error) {
	fs, err := procfs.NewFS(r.procRoot)
	if err != nil {
		return Counters{}, "", err
	}
	proc, err := fs.Proc(pid)
	if err != nil {
		return Counters{}, "", err
	}
	netDev, err := proc.NetDev()
	if err != nil {
		return Counters{}, "", err
	}
	devices := make(map[string]Counters, len(netDev))
	for name, line := range netDev {
		devices[name] = Counters{RX: line.RxBytes, TX: line.TxBytes}
	}
	return r.pick(devices)
}

func (r *NetDevReader) pick(devices map[string]Counters) (Counters, string, error) {
	for _, iface := range r.interfaces {
		if counters, ok := devices[iface]; ok {
			return counters, iface, nil
		}
	}
	return Counters{}, "", ErrNoInterface
}

// parseNetDev parses the text format of /proc/net/dev. Receive bytes is the first
// column after the colon and transmit bytes the ninth.
func parseNetDev(text string) map[string]Counters {
	devices := make(map[string]Counters)
	for _, line := range strings.Split(text, "\n") {
		name, rest, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) < 9 {
			continue
		}
		rx, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			continue
		}
		tx, err := strconv.ParseUint(fields[8], 10, 64)
		if err != nil {
			continue
		}
		devices[strings.TrimSpace(name)] = Counters{RX: rx, TX: tx}
	}
	return devices
}
