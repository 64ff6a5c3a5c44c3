package telemetry

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"hub-api/internal/engine"
)

func TestParseDumpCountsRecentHandshakes(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	dump := "privkey\tpubkey\t51820\toff\n" +
		fmt.Sprintf("peerA\t(none)\t1.2.3.4:5000\t10.8.0.2/32\t%d\t100\t200\t25\n", now.Add(-30*time.Second).Unix()) +
		fmt.Sprintf("peerB\t(none)\t(none)\t10.8.0.3/32\t%d\t300\t400\toff\n", now.Add(-10*time.Minute).Unix()) +
		"peerC\t(none)\t(none)\t10.8.0.4/32\t0\t0\t0\toff\n" +
		"short\tline\n"

	stats := parseDump(dump, now, 180*time.Second)
	assert.Equal(t, 3, stats.Clients)
	assert.Equal(t, 1, stats.Connected)
	assert.Equal(t, Counters{RX: 400, TX: 600}, stats.Counters)
}

func TestDumpPeerSourceExecsIntoContainer(t *testing.T) {
	eng := &engine.Mock{ExecFunc: func(_ context.Context, service string, cmd ...string) ([]byte, error) {
		assert.Equal(t, "wg-easy", service)
		assert.Equal(t, []string{"wg", "show", "wg0", "dump"}, cmd)
		return []byte("iface\n"), nil
	}}
	stats, err := NewDumpPeerSource(eng, "wg-easy", "wg0", time.Minute).Peers(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Clients)
}

type fakeDevice struct {
	device *wgtypes.Device
	closed bool
}

func (f *fakeDevice) Device(string) (*wgtypes.Device, error) { return f.device, nil }
func (f *fakeDevice) Close() error                          { f.closed = true; return nil }

func TestWgctrlPeerSourceSumsPeers(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	fake := &fakeDevice{device: &wgtypes.Device{
		Name: "wg0",
		Peers: []wgtypes.Peer{
			{ReceiveBytes: 10, TransmitBytes: 20, LastHandshakeTime: now.Add(-time.Minute), Endpoint: &net.UDPAddr{}},
			{ReceiveBytes: 5, TransmitBytes: 5},
		},
	}}
	source := NewWgctrlPeerSource("wg0", 3*time.Minute)
	source.now = func() time.Time { return now }
	source.open = func() (deviceReader, error) { return fake, nil }

	stats, err := source.Peers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Clients)
	assert.Equal(t, 1, stats.Connected)
	assert.Equal(t, Counters{RX: 15, TX: 25}, stats.Counters)
	assert.True(t, fake.closed)
}
