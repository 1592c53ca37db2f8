package observability

import (
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"

	"nhbvault/native/vault"
)

type typedEvent string

func (t typedEvent) EventType() string { return string(t) }

func TestVaultMetricsLabelsOutcomeByKind(t *testing.T) {
	m := VaultMetrics()
	m.ObserveOperation("deposit_settlement", nil, time.Millisecond)
	m.ObserveOperation("withdraw", fmt.Errorf("wrapped: %w", vault.ErrWithdrawLimitExceeded), time.Millisecond)
	m.ObserveOperation("withdraw", vault.ErrReentrancy, time.Millisecond)

	if got := testutil.ToFloat64(m.operations.WithLabelValues("deposit_settlement", "success")); got != 1 {
		t.Fatalf("expected one success, got %v", got)
	}
	if got := testutil.ToFloat64(m.operations.WithLabelValues("withdraw", "capacity")); got != 1 {
		t.Fatalf("expected one capacity failure, got %v", got)
	}
	if got := testutil.ToFloat64(m.operations.WithLabelValues("withdraw", "reentrancy")); got != 1 {
		t.Fatalf("expected one reentrancy failure, got %v", got)
	}
}

func durationSamples(t *testing.T, m *VaultMetricsRecorder, operation string) uint64 {
	t.Helper()
	var out dto.Metric
	if err := m.duration.WithLabelValues(operation).(prometheus.Metric).Write(&out); err != nil {
		t.Fatalf("write histogram: %v", err)
	}
	return out.GetHistogram().GetSampleCount()
}

func TestVaultMetricsRecordDuration(t *testing.T) {
	m := VaultMetrics()
	before := durationSamples(t, m, "recover_foreign")
	m.ObserveOperation("recover_foreign", nil, 3*time.Millisecond)
	m.ObserveOperation("recover_foreign", vault.ErrUnauthorized, time.Millisecond)
	if got := durationSamples(t, m, "recover_foreign") - before; got != 2 {
		t.Fatalf("expected 2 duration samples, got %d", got)
	}
}

func TestVaultMetricsTotalInWholeUnits(t *testing.T) {
	m := VaultMetrics()
	m.ObserveTotal(big.NewInt(2_500_000))
	if got := testutil.ToFloat64(m.total); got != 2.5 {
		t.Fatalf("expected 2.5, got %v", got)
	}
	var nilRecorder *VaultMetricsRecorder
	nilRecorder.ObserveOperation("noop", errors.New("ignored"), 0)
}

func TestEventMetricsCountByType(t *testing.T) {
	m := Events()
	m.Emit(typedEvent(vault.EventTypeDeposit))
	m.Emit(typedEvent(vault.EventTypeDeposit))
	m.Emit(typedEvent(""))
	if got := testutil.ToFloat64(m.emitted.WithLabelValues(vault.EventTypeDeposit)); got != 2 {
		t.Fatalf("expected 2 deposits, got %v", got)
	}
	if got := testutil.ToFloat64(m.emitted.WithLabelValues("unknown")); got != 1 {
		t.Fatalf("expected 1 unknown, got %v", got)
	}
}

func TestHTTPMetricsObserve(t *testing.T) {
	m := HTTPMetrics()
	m.Observe("vault.deposit", "POST", 409, time.Millisecond)
	m.RecordThrottle("vault.deposit", "")
	if got := testutil.ToFloat64(m.errors.WithLabelValues("vault.deposit", "POST", "409")); got != 1 {
		t.Fatalf("expected one 409, got %v", got)
	}
	if got := testutil.ToFloat64(m.throttles.WithLabelValues("vault.deposit", "unspecified")); got != 1 {
		t.Fatalf("expected one throttle, got %v", got)
	}
}
