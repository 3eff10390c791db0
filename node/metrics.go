package node

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/astram-project/astram-node/consensus"
)

// Process-wide operational metrics. Registered once per process; the status
// surface reads the same counters through FailureCounters so operators can
// distinguish background noise from a targeted attack without scraping.
var (
	prometheusValidationFailures *prometheus.CounterVec
	prometheusMempoolCount       prometheus.Gauge
	prometheusMempoolBytes       prometheus.Gauge

	prometheusMetricsInitOnce sync.Once
)

func initPrometheusMetrics() {
	prometheusMetricsInitOnce.Do(func() {
		prometheusValidationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "astram",
			Subsystem: "validation",
			Name:      "failures_total",
			Help:      "Block/tx rejections by error category",
		}, []string{"category"})
		prometheusMempoolCount = promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "astram",
			Subsystem: "mempool",
			Name:      "tx_count",
			Help:      "Admitted transactions currently in the mempool",
		})
		prometheusMempoolBytes = promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "astram",
			Subsystem: "mempool",
			Name:      "tx_bytes",
			Help:      "Serialized bytes of admitted mempool transactions",
		})
	})
}

// FailureCounters keeps the per-category rejection counts readable by the
// status endpoint; prometheus carries the same series for scraping.
type FailureCounters struct {
	mu     sync.Mutex
	counts map[consensus.ErrorCode]uint64
}

func NewFailureCounters() *FailureCounters {
	initPrometheusMetrics()
	return &FailureCounters{counts: make(map[consensus.ErrorCode]uint64)}
}

// Count records one rejection under err's category; non-consensus errors
// are counted under the storage category since that is the only untagged
// failure source the writer sees.
func (f *FailureCounters) Count(err error) {
	code, ok := consensus.CodeOf(err)
	if !ok {
		code = consensus.ErrStorageError
	}
	f.mu.Lock()
	f.counts[code]++
	f.mu.Unlock()
	prometheusValidationFailures.WithLabelValues(string(code)).Inc()
}

// Snapshot returns a copy of the per-category counts.
func (f *FailureCounters) Snapshot() map[consensus.ErrorCode]uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[consensus.ErrorCode]uint64, len(f.counts))
	for k, v := range f.counts {
		out[k] = v
	}
	return out
}

func setMempoolGauges(count int, bytes int64) {
	initPrometheusMetrics()
	prometheusMempoolCount.Set(float64(count))
	prometheusMempoolBytes.Set(float64(bytes))
}
