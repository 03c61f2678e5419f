package transfer

import (
	"github.com/bitrise-io/go-transferbridge/transfer/upload"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "transferbridge"

// Tracker collects transfer metrics. A nil *Tracker records nothing.
type Tracker struct {
	transfers         *prometheus.CounterVec
	bytesSourced      prometheus.Counter
	bytesAcknowledged prometheus.Counter
	chunkRetries      prometheus.Counter
	driverStates      *prometheus.CounterVec
	duration          prometheus.Histogram
}

// NewTracker creates the collectors and registers them on reg.
func NewTracker(reg prometheus.Registerer) (*Tracker, error) {
	t := &Tracker{
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "transfers_total",
			Help:      "Finished transfers by status and failure reason.",
		}, []string{"status", "reason"}),
		bytesSourced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "bytes_sourced_total",
			Help:      "Bytes read from sources.",
		}),
		bytesAcknowledged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "bytes_acknowledged_total",
			Help:      "Bytes committed by destinations.",
		}),
		chunkRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "chunk_retries_total",
			Help:      "Chunk requests repeated after a transient failure.",
		}),
		driverStates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "upload_state_changes_total",
			Help:      "Upload driver state changes by target state.",
		}, []string{"state"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "transfer_duration_seconds",
			Help:      "Duration of finished transfers.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 14),
		}),
	}

	for _, c := range []prometheus.Collector{t.transfers, t.bytesSourced, t.bytesAcknowledged, t.chunkRetries, t.driverStates, t.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *Tracker) sourced(n int) {
	if t == nil {
		return
	}
	t.bytesSourced.Add(float64(n))
}

func (t *Tracker) acknowledged(delta int64) {
	if t == nil || delta <= 0 {
		return
	}
	t.bytesAcknowledged.Add(float64(delta))
}

func (t *Tracker) retried() {
	if t == nil {
		return
	}
	t.chunkRetries.Inc()
}

func (t *Tracker) driverState(state upload.State) {
	if t == nil {
		return
	}
	t.driverStates.WithLabelValues(string(state)).Inc()
}

func (t *Tracker) finished(s Snapshot) {
	if t == nil {
		return
	}
	status := "success"
	if s.State != StateDone {
		status = "failure"
	}
	t.transfers.WithLabelValues(status, string(s.Reason)).Inc()
	t.duration.Observe(s.FinishedAt.Sub(s.StartedAt).Seconds())
}
