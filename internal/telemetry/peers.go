package telemetry

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// PeerStats summarizes the VPN server's peers.
type PeerStats struct {
	Clients   int
	Connected int
	Counters  Counters
}

// PeerSource reports peer statistics.
type PeerSource interface {
	Peers(ctx context.Context) (PeerStats, error)
}

// DumpPeerSource runs `wg show <iface> dump` inside the VPN server container.
type DumpPeerSource struct {
	engine    Engine
	container string
	iface     string
	window    time.Duration
	now       func() time.Time
}

// NewDumpPeerSource creates a source that execs into container.
func NewDumpPeerSource(eng Engine, container, iface string, window time.Duration) *DumpPeerSource {
	return &DumpPeerSource{engine: eng, container: container, iface: iface, window: window, now: time.Now}
}

// Peers implements PeerSource.
func (s *DumpPeerSource) Peers(ctx context.Context) (PeerStats, error) {
	out, err := s.engine.Exec(ctx, s.container, "wg", "show", s.iface, "dump")
	if err != nil {
		return PeerStats{}, fmt.Errorf("wg show dump: %w", err)
	}
	return parseDump(string(out), s.now(), s.window), nil
}

// parseDump reads `wg show dump` output. The first line describes the interface;
// each following line is a peer:
// pubkey psk endpoint allowed-ips latest-handshake rx tx keepalive.
func parseDump(text string, now time.Time, window time.Duration) PeerStats {
	var stats PeerStats
	lines := strings.Split(strings.TrimSpace(text), "\n")
	if len(lines) < 2 {
		return stats
	}
	for _, line := range lines[1:] {
		fields := strings.Split(strings.TrimSpace(line), "\t")
		if len(fields) < 8 {
			continue
		}
		stats.Clients++
		handshake, _ := strconv.ParseInt(fields[4], 10, 64)
		rx, _ := strconv.ParseUint(fields[5], 10, 64)
		tx, _ := strconv.ParseUint(fields[6], 10, 64)
		stats.Counters.RX += rx
		stats.Counters.TX += tx
		if handshake > 0 && isRecent(time.Unix(handshake, 0), now, window) {
			stats.Connected++
		}
	}
	return stats
}

func isRecent(handshake, now time.Time, window time.Duration) bool {
	if handshake.IsZero() {
		return false
	}
	return now.Sub(handshake) < window
}

type deviceReader interface {
	Device(name string) (*wgtypes.Device, error)
	Close() error
}

// WgctrlPeerSource reads peers through the kernel's WireGuard netlink API. It only
// works when the interface is visible in this process's network namespace.
type WgctrlPeerSource struct {
	iface  string
	window time.Duration
	now    func() time.Time
	open   func() (deviceReader, error)
}

// NewWgctrlPeerSource creates a wgctrl-backed source.
func NewWgctrlPeerSource(iface string, window time.Duration) *WgctrlPeerSource {
	return &WgctrlPeerSource{
		iface:  iface,
		window: window,
		now:    time.Now,
		open: func() (deviceReader, error) {
			client, err := wgctrl.New()
			if err != nil {
				return nil, err
			}
			return client, nil
		},
	}
}

// Peers implements PeerSource.
func (s *WgctrlPeerSource) Peers(ctx context.Context) (PeerStats, error) {
	if err := ctx.Err(); err != nil {
		return PeerStats{}, err
	}
	client, err := s.open()
	if err != nil {
		return PeerStats{}, fmt.Errorf("open wgctrl: %w", err)
	}
	defer client.Close()
	device, err := client.Device(s.iface)
	if err != nil {
		return PeerStats{}, fmt.Errorf("wgctrl device %s: %w", s.iface, err)
	}
	now := s.now()
	stats := PeerStats{Clients: len(device.Peers)}
	for _, peer := range device.Peers {
		if peer.ReceiveBytes > 0 {
			stats.Counters.RX += uint64(peer.ReceiveBytes)
		}
		if peer.TransmitBytes > 0 {
			stats.Counters.TX += uint64(peer.TransmitBytes)
		}
		if isRecent(peer.LastHandshakeTime, now, s.window) {
			stats.Connected++
		}
	}
	return stats, nil
}
