package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"hub-api/internal/engine"
)

type metrics struct {
	gatewayBytes   *prometheus.GaugeVec
	peerBytes      *prometheus.GaugeVec
	peersConnected prometheus.Gauge
	serviceUp      *prometheus.GaugeVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		gatewayBytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hub_gateway_bytes_total",
			Help: "All-time bytes through the VPN gateway tunnel, reconciled across restarts.",
		}, []string{"direction"}),
		peerBytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hub_peer_bytes_total",
			Help: "All-time bytes exchanged with VPN server peers, reconciled across restarts.",
		}, []string{"direction"}),
		peersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hub_peers_connected",
			Help: "Peers with a recent handshake.",
		}),
		serviceUp: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hub_service_up",
			Help: "1 when the service is healthy or reachable.",
		}, []string{"service"}),
	}
}

func (m *metrics) observe(s Snapshot) {
	m.gatewayBytes.WithLabelValues("rx").Set(float64(s.Gateway.TotalRX))
	m.gatewayBytes.WithLabelValues("tx").Set(float64(s.Gateway.TotalTX))
	m.peerBytes.WithLabelValues("rx").Set(float64(s.Peers.TotalRX))
	m.peerBytes.WithLabelValues("tx").Set(float64(s.Peers.TotalTX))
	m.peersConnected.Set(float64(s.Peers.Connected))
	for name, condition := range s.Services {
		up := 0.0
		if condition == engine.ConditionHealthy || condition == engine.ConditionUp {
			up = 1
		}
		m.serviceUp.WithLabelValues(name).Set(up)
	}
}
