package registry

import (
	"testing"

	"github.com/cardguard/ruleengine/internal/app/domain/payment"
)

func Test_StagingLoaderResolvesStagedVersion(t *testing.T) {
	loader := NewStagingLoader()
	rs := &payment.Ruleset{Key: "CARD_AUTH", Country: "US", Version: 2}
	loader.Stage(rs)

	got, err := loader.Load("US", "CARD_AUTH", 2)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != rs {
		t.Fatalf("expected the staged ruleset back, got %+v", got)
	}
}

func Test_StagingLoaderFailsOnUnknownVersion(t *testing.T) {
	loader := NewStagingLoader()
	if _, err := loader.Load("US", "CARD_AUTH", 1); err == nil {
		t.Fatalf("expected an error for a never-staged version")
	}
}

func Test_HotSwapResolvesThroughStagingLoader(t *testing.T) {
	loader := NewStagingLoader()
	reg := New(loader)

	v1 := &payment.Ruleset{Key: "CARD_AUTH", Country: "US", Version: 1}
	loader.Stage(v1)
	reg.LoadAndRegister("US", "CARD_AUTH", v1)

	v2 := &payment.Ruleset{Key: "CARD_AUTH", Country: "US", Version: 2}
	loader.Stage(v2)

	result := reg.HotSwap("US", "CARD_AUTH", 2)
	if !result.Success || result.Status != StatusReplaced {
		t.Fatalf("expected a successful hot-swap, got %+v", result)
	}
	if got := reg.Get("US", "CARD_AUTH"); got != v2 {
		t.Fatalf("expected the registry to now serve v2, got %+v", got)
	}
}
