package observability

import (
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"nhbvault/native/vault"
)

// VaultMetricsRecorder implements vault.Observer on top of Prometheus.
type VaultMetricsRecorder struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	total      prometheus.Gauge
}

var (
	vaultMetricsOnce sync.Once
	vaultRegistry    *VaultMetricsRecorder
)

// VaultMetrics returns the singleton vault metrics registry.
func VaultMetrics() *VaultMetricsRecorder {
	vaultMetricsOnce.Do(func() {
		vaultRegistry = &VaultMetricsRecorder{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nhb",
				Subsystem: "vault",
				Name:      "operations_total",
				Help:      "Vault engine operations segmented by operation and failure kind.",
			}, []string{"operation", "outcome"}),
			duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "nhb",
				Subsystem: "vault",
				Name:      "operation_duration_seconds",
				Help:      "Wall-clock duration of vault operations including venue swaps.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			}, []string{"operation"}),
			total: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "nhb",
				Subsystem: "vault",
				Name:      "total_value",
				Help:      "Aggregate settlement units owed to depositors, in whole units.",
			}),
		}
		prometheus.MustRegister(vaultRegistry.operations, vaultRegistry.duration, vaultRegistry.total)
	})
	return vaultRegistry
}

// ObserveOperation records one engine call. Successful calls are labelled
// "success"; failures carry their vault.Kind.
func (m *VaultMetricsRecorder) ObserveOperation(operation string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	operation = strings.TrimSpace(operation)
	if operation == "" {
		operation = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = vault.KindOf(err).String()
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.duration.WithLabelValues(operation).Observe(duration.Seconds())
}

// ObserveTotal publishes the aggregate total after a successful mutation.
func (m *VaultMetricsRecorder) ObserveTotal(total *big.Int) {
	if m == nil || total == nil {
		return
	}
	m.total.Set(wholeUnits(total))
}

func wholeUnits(amount *big.Int) float64 {
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(vault.Decimals), nil))
	value, _ := new(big.Float).Quo(new(big.Float).SetInt(amount), scale).Float64()
	if math.IsInf(value, 0) || math.IsNaN(value) {
		return math.MaxFloat64
	}
	return value
}
