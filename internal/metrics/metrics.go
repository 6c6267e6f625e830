// Package metrics owns the Prometheus collectors for the device daemon and the
// host command queue. Collectors are bound to a caller-supplied registry so
// tests can use a private one. A nil *Device or *Queue records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "genericocl"

// Device holds the device daemon collectors
type Device struct {
	Packets   *prometheus.CounterVec
	Naks      prometheus.Counter
	Sessions  prometheus.Counter
	Rejected  prometheus.Counter
	Items     prometheus.Counter
	NDRange   prometheus.Histogram
	BusyUnits prometheus.GaugeFunc
}

// NewDevice registers the device collectors. busy reports the number of
// units currently executing.
func NewDevice(reg prometheus.Registerer, busy func() float64) *Device {
	d := &Device{
		Packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "packets_total",
			Help:      "Control-link packets received, by command.",
		}, []string{"command"}),
		Naks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "naks_total",
			Help:      "NAK responses sent to the host.",
		}),
		Sessions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "sessions_total",
			Help:      "Host sessions accepted.",
		}),
		Rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "rejected_connections_total",
			Help:      "Connections refused by the accept throttle or because a session was active.",
		}),
		Items: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "items_total",
			Help:      "Work items dispatched to execution units.",
		}),
		NDRange: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "ndrange_seconds",
			Help:      "Wall time of complete NDRange executions.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
	}
	if busy == nil {
		busy = func() float64 { return 0 }
	}
	d.BusyUnits = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "busy_units",
		Help:      "Execution units currently assigned a work item.",
	}, busy)

	reg.MustRegister(d.Packets, d.Naks, d.Sessions, d.Rejected, d.Items, d.NDRange, d.BusyUnits)
	return d
}

func (d *Device) PacketReceived(command string) {
	if d == nil {
		return
	}
	d.Packets.WithLabelValues(command).Inc()
}

func (d *Device) NakSent() {
	if d == nil {
		return
	}
	d.Naks.Inc()
}

func (d *Device) SessionAccepted() {
	if d == nil {
		return
	}
	d.Sessions.Inc()
}

func (d *Device) ConnectionRejected() {
	if d == nil {
		return
	}
	d.Rejected.Inc()
}

// NDRangeFinished records one execution of items work items
func (d *Device) NDRangeFinished(items uint64, elapsed time.Duration) {
	if d == nil {
		return
	}
	d.Items.Add(float64(items))
	d.NDRange.Observe(elapsed.Seconds())
}

// Queue holds the host command queue collectors
type Queue struct {
	Commands *prometheus.CounterVec
	Depth    prometheus.Gauge
	Exchange prometheus.Histogram
}

// NewQueue registers the command queue collectors
func NewQueue(reg prometheus.Registerer) *Queue {
	q := &Queue{
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "commands_total",
			Help:      "Commands completed by the dispatcher, by type and outcome.",
		}, []string{"type", "outcome"}),
		Depth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Commands queued or in flight.",
		}),
		Exchange: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "exchange_seconds",
			Help:      "Round-trip time of single request/response exchanges.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(q.Commands, q.Depth, q.Exchange)
	return q
}

// CommandDone counts one completed command
func (q *Queue) CommandDone(kind string, err error) {
	if q == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	q.Commands.WithLabelValues(kind, outcome).Inc()
}

func (q *Queue) SetDepth(n int) {
	if q == nil {
		return
	}
	q.Depth.Set(float64(n))
}

func (q *Queue) ObserveExchange(d time.Duration) {
	if q == nil {
		return
	}
	q.Exchange.Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus text format
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
