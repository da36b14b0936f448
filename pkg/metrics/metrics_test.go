package metrics

import (
	"context"
	"testing"
	"time"

	core "github.com/cardguard/ruleengine/internal/app/core/service"
	dto "github.com/prometheus/client_model/go"
)

func Test_RecordDecisionIncrementsDecisionsCounter(t *testing.T) {
	RecordDecision("auth", "approve", "normal", 2, 5*time.Millisecond)

	metric := &dto.Metric{}
	if err := decisionsTotal.WithLabelValues("auth", "approve", "normal").Write(metric); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if metric.GetCounter().GetValue() < 1 {
		t.Fatalf("expected decisions_total to be incremented, got %v", metric.GetCounter().GetValue())
	}
}

func Test_RecordRegistryHotSwapOnlySetsGaugeOnSuccess(t *testing.T) {
	RecordRegistryHotSwap("US", "ok", 12)

	metric := &dto.Metric{}
	if err := registryActiveRulesets.WithLabelValues("US").Write(metric); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if metric.GetGauge().GetValue() != 12 {
		t.Fatalf("expected active ruleset gauge 12, got %v", metric.GetGauge().GetValue())
	}

	RecordRegistryHotSwap("US", "error", 999)
	metric = &dto.Metric{}
	if err := registryActiveRulesets.WithLabelValues("US").Write(metric); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if metric.GetGauge().GetValue() != 12 {
		t.Fatalf("expected gauge to remain at last successful swap, got %v", metric.GetGauge().GetValue())
	}
}

func Test_ObservationHooksReusesCollectorForSameKey(t *testing.T) {
	hooksA := ObservationHooks("ruleengine", "test", "widgets")
	hooksB := ObservationHooks("ruleengine", "test", "widgets")

	done := core.StartObservation(context.Background(), hooksA, map[string]string{"transaction_id": "tx-1"})
	done(nil)

	if _, ok := observationCollectors.Load("ruleengine:test:widgets"); !ok {
		t.Fatalf("expected a collector to be cached for the shared key")
	}
	_ = hooksB
}
