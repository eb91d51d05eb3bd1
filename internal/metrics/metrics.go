// Package metrics exposes session and bridge counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/gray-logic-replay/internal/replay"
)

const namespace = "graylogic_replay"

// StatsSource is satisfied by *replay.Session.
type StatsSource interface {
	Stats() replay.Stats
}

// Metrics holds the registry and the counters the driving layer updates.
// Session counters are read from the StatsSource at scrape time.
type Metrics struct {
	Registry *prometheus.Registry

	// CommandsSubmitted counts driving-layer submissions.
	// labels: source=mqtt|api, result=accepted|invalid|not_ready|failed
	CommandsSubmitted *prometheus.CounterVec
	Reconnects        prometheus.Counter
	StatePublished    prometheus.Counter
	WebSocketClients  prometheus.Gauge
}

// New registers the Go and process collectors, the session collectors
// backed by src, and the bridge counters.
func New(src StatsSource) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		Registry: reg,
		CommandsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_submitted_total",
			Help:      "Commands submitted by the driving layer.",
		}, []string{"source", "result"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts made by the supervisor.",
		}),
		StatePublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_published_total",
			Help:      "State snapshots published to MQTT.",
		}),
		WebSocketClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_clients",
			Help:      "Connected WebSocket clients.",
		}),
	}
	reg.MustRegister(m.CommandsSubmitted, m.Reconnects, m.StatePublished, m.WebSocketClients)

	if src != nil {
		reg.MustRegister(sessionCollectors(src)...)
	}
	return m
}

func sessionCollectors(src StatsSource) []prometheus.Collector {
	counter := func(name, help string, read func(replay.Stats) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(read(src.Stats())) })
	}
	gauge := func(name, help string, read func(replay.Stats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return read(src.Stats()) })
	}

	return []prometheus.Collector{
		counter("commands_transmitted_total", "Commands written to the appliance.",
			func(s replay.Stats) uint64 { return s.CommandsTransmitted }),
		counter("records_received_total", "Records decoded from the appliance.",
			func(s replay.Stats) uint64 { return s.RecordsReceived }),
		counter("bytes_received_total", "Bytes read from the appliance.",
			func(s replay.Stats) uint64 { return s.BytesReceived }),
		counter("rejections_total", "NAK rejections received.",
			func(s replay.Stats) uint64 { return s.Rejections }),
		counter("device_errors_total", "ERR records received.",
			func(s replay.Stats) uint64 { return s.DeviceErrors }),
		counter("malformed_records_total", "State records that failed to decode.",
			func(s replay.Stats) uint64 { return s.MalformedRecords }),
		counter("events_dropped_total", "Session events dropped on a full buffer.",
			func(s replay.Stats) uint64 { return s.EventsDropped }),
		counter("poll_ticks_total", "Poll batteries submitted.",
			func(s replay.Stats) uint64 { return s.PollTicks }),
		counter("poll_ticks_skipped_total", "Poll ticks skipped while the queue was busy.",
			func(s replay.Stats) uint64 { return s.PollTicksSkipped }),
		counter("connects_total", "Successful TCP connections to the appliance.",
			func(s replay.Stats) uint64 { return s.Connects }),
		gauge("queue_depth", "Commands waiting in the session queue.",
			func(s replay.Stats) float64 { return float64(s.QueueDepth) }),
		gauge("session_up", "1 while the session is ready.",
			func(s replay.Stats) float64 {
				if s.Status == replay.StatusReady {
					return 1
				}
				return 0
			}),
	}
}

// Handler returns the Prometheus exposition handler for the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
