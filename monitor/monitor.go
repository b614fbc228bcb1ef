// Package monitor provides the counter/gauge sinks that the core reports
// into (compression savings, call execution/TPS, worker pool
// size/active/rejected, socket bytes). Concrete metric names and labels
// are a concern of whoever wires monitor.Sinks into their Prometheus
// registry — the core only needs the narrow interfaces below, per
// spec.md §6's "monitor sinks are opaque counters and gauges" design
// note.
//
// The default implementation backs every sink with
// github.com/prometheus/client_golang counters and gauges, grounded in
// the pack's broader use of Prometheus-adjacent tooling (see
// SPEC_FULL.md's domain stack ledger) rather than a hand-rolled atomic
// counter set.
package monitor

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Sinks bundles every monitor a core component can report into. Any field
// left nil is treated as a no-op by the components that use it.
type Sinks struct {
	Compression CompressionSink
	Execution   ExecutionSink
	Pool        PoolSink
	Socket      SocketSink
	Cluster     ClusterSink
}

// CompressionSink receives bytes saved by compression (raw - compressed),
// only when compression actually fired.
type CompressionSink interface {
	ObserveSaved(bytesSaved int64)
}

// ExecutionSink receives a tally of completed calls and their durations,
// keyed by method, plus slow-call reports for calls that exceeded the
// configured threshold. The call's outcome is not reported.
type ExecutionSink interface {
	ObserveCall(method string, took float64Seconds)
	ObserveSlowCall(method string, took float64Seconds)
}

type float64Seconds = float64

// PoolSink receives worker-pool occupancy and rejection counts, keyed by
// pool name (e.g. "dispatcher", "broadcast").
type PoolSink interface {
	SetPoolSize(name string, size int)
	SetPoolActive(name string, active int)
	IncPoolRejected(name string)
}

// SocketSink receives raw bytes moved over the wire, keyed by channel
// direction.
type SocketSink interface {
	AddBytesRead(n int64)
	AddBytesWritten(n int64)
}

// ClusterSink receives a tally of cluster.Client dispatch failures where
// no healthy host could be found at all (spec.md §4.7: "notify a
// cluster unavailability counter and fail with IllegalState").
type ClusterSink interface {
	IncUnavailable()
}

// PrometheusSinks is the default Sinks implementation, backed by a
// prometheus.Registerer supplied by the embedding application.
type PrometheusSinks struct {
	compressionSaved prometheus.Counter
	callTotal        *prometheus.CounterVec
	callDuration     *prometheus.HistogramVec
	slowCallTotal    *prometheus.CounterVec
	poolSize         *prometheus.GaugeVec
	poolActive       *prometheus.GaugeVec
	poolRejected     *prometheus.CounterVec
	bytesRead        prometheus.Counter
	bytesWritten     prometheus.Counter
	clusterUnavail   prometheus.Counter
}

// NewPrometheusSinks registers the core's metrics with reg and returns a
// Sinks wired to them. Pass prometheus.NewRegistry() in tests to avoid
// colliding with the default global registry.
func NewPrometheusSinks(reg prometheus.Registerer) *PrometheusSinks {
	p := &PrometheusSinks{
		compressionSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "corerpc_compression_saved_bytes_total",
			Help: "Bytes saved by transcoder compression.",
		}),
		callTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corerpc_calls_total",
			Help: "Completed RPC calls.",
		}, []string{"method"}),
		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "corerpc_call_duration_seconds",
			Help:    "RPC call duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		slowCallTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corerpc_slow_calls_total",
			Help: "Calls that exceeded the slow-execution threshold.",
		}, []string{"method"}),
		poolSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "corerpc_pool_size",
			Help: "Configured worker pool size.",
		}, []string{"pool"}),
		poolActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "corerpc_pool_active",
			Help: "Currently busy workers.",
		}, []string{"pool"}),
		poolRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corerpc_pool_rejected_total",
			Help: "Submissions rejected because the pool was full (TOO_BUSY).",
		}, []string{"pool"}),
		bytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "corerpc_socket_bytes_read_total",
			Help: "Bytes read from channel sockets.",
		}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "corerpc_socket_bytes_written_total",
			Help: "Bytes written to channel sockets.",
		}),
		clusterUnavail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "corerpc_cluster_unavailable_total",
			Help: "Dispatches that found no healthy host anywhere in the fleet.",
		}),
	}
	reg.MustRegister(
		p.compressionSaved, p.callTotal, p.callDuration, p.slowCallTotal,
		p.poolSize, p.poolActive, p.poolRejected, p.bytesRead, p.bytesWritten,
		p.clusterUnavail,
	)
	return p
}

func (p *PrometheusSinks) ObserveSaved(n int64) { p.compressionSaved.Add(float64(n)) }

func (p *PrometheusSinks) ObserveCall(method string, took float64) {
	p.callTotal.WithLabelValues(method).Inc()
	p.callDuration.WithLabelValues(method).Observe(took)
}

func (p *PrometheusSinks) ObserveSlowCall(method string, took float64) {
	p.slowCallTotal.WithLabelValues(method).Inc()
}

func (p *PrometheusSinks) SetPoolSize(name string, size int)   { p.poolSize.WithLabelValues(name).Set(float64(size)) }
func (p *PrometheusSinks) SetPoolActive(name string, active int) {
	p.poolActive.WithLabelValues(name).Set(float64(active))
}
func (p *PrometheusSinks) IncPoolRejected(name string) { p.poolRejected.WithLabelValues(name).Inc() }

func (p *PrometheusSinks) AddBytesRead(n int64)    { p.bytesRead.Add(float64(n)) }
func (p *PrometheusSinks) AddBytesWritten(n int64) { p.bytesWritten.Add(float64(n)) }

func (p *PrometheusSinks) IncUnavailable() { p.clusterUnavail.Add(1) }

// AtomicRejectCounter is a lightweight PoolSink-compatible helper for code
// that wants a simple lock-free rejection counter without standing up a
// full Prometheus registry (e.g. unit tests).
type AtomicRejectCounter struct {
	rejected int64
}

func (c *AtomicRejectCounter) IncPoolRejected(string)     { atomic.AddInt64(&c.rejected, 1) }
func (c *AtomicRejectCounter) Rejected() int64             { return atomic.LoadInt64(&c.rejected) }
func (c *AtomicRejectCounter) SetPoolSize(string, int)     {}
func (c *AtomicRejectCounter) SetPoolActive(string, int)   {}
