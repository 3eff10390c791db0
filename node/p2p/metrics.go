package p2p

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	prometheusSubnetDiversity *prometheus.GaugeVec
	prometheusPeerCount       prometheus.Gauge

	prometheusMetricsInitOnce sync.Once
)

func initPrometheusMetrics() {
	prometheusMetricsInitOnce.Do(func() {
		prometheusSubnetDiversity = promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "astram",
			Subsystem: "network",
			Name:      "subnet_diversity",
			Help:      "Distinct subnets among connected peers",
		}, []string{"prefix"})
		prometheusPeerCount = promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "astram",
			Subsystem: "network",
			Name:      "peer_count",
			Help:      "Currently connected peers",
		})
	})
}

func setSubnetDiversityGauges(v24, v16 int) {
	initPrometheusMetrics()
	prometheusSubnetDiversity.WithLabelValues("v24").Set(float64(v24))
	prometheusSubnetDiversity.WithLabelValues("v16").Set(float64(v16))
}

func setPeerCountGauge(n int) {
	initPrometheusMetrics()
	prometheusPeerCount.Set(float64(n))
}
