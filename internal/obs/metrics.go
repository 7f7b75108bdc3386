package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveTunnels      = promauto.NewGauge(prometheus.GaugeOpts{Name: "tunnelclient_active_tunnels", Help: "Tunnels with an open local listener"})
	ActiveConnections  = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "tunnelclient_active_connections", Help: "Open local flows per tunnel"}, []string{"tunnel"})
	FlowsTotal         = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tunnelclient_flows_total", Help: "Flows opened"}, []string{"tunnel", "transport"})
	FlowErrorsTotal    = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tunnelclient_flow_errors_total", Help: "Flow transport errors by operation"}, []string{"tunnel", "op"})
	BytesTotal         = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tunnelclient_bytes_total", Help: "Bytes bridged by direction (up = local to remote)"}, []string{"tunnel", "direction"})
	AuthChecksTotal    = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tunnelclient_auth_checks_total", Help: "Identity checks by result"}, []string{"result"})
	RestartsTotal      = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tunnelclient_restarts_total", Help: "Restart actions executed per tunnel"}, []string{"tunnel"})
	ReconnectQueueSize = promauto.NewGauge(prometheus.GaugeOpts{Name: "tunnelclient_reconnect_queue_size", Help: "Pending restart actions"})
	FlowDurationSecs   = promauto.NewHistogram(prometheus.HistogramOpts{Name: "tunnelclient_flow_duration_seconds", Help: "Flow lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
)
