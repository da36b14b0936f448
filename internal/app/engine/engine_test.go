package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/cardguard/ruleengine/internal/app/domain/payment"
	"github.com/cardguard/ruleengine/internal/app/velocity"
)

type stubRegistry struct {
	rulesets map[string]*payment.Ruleset
}

func (r *stubRegistry) GetWithFallback(country, key string) *payment.Ruleset {
	return r.rulesets[key]
}

type stubVelocity struct {
	result payment.VelocityResult
	err    error
	calls  int
}

func (v *stubVelocity) Check(ctx context.Context, rulesetKey, ruleID string, cfg payment.VelocityConfig, tx *payment.Transaction) (payment.VelocityResult, error) {
	v.calls++
	return v.result, v.err
}

func (v *stubVelocity) CheckReadOnly(ctx context.Context, rulesetKey, ruleID string, cfg payment.VelocityConfig, tx *payment.Transaction) (payment.VelocityResult, error) {
	v.calls++
	return v.result, v.err
}

func highAmountRule(priority int, action payment.Action, threshold string) payment.Rule {
	return payment.Rule{
		ID:       "rule-amount",
		Name:     "high amount",
		Priority: priority,
		Enabled:  true,
		Action:   action,
		Conditions: []payment.Condition{
			{Field: "amount", Operator: payment.OpGt, Value: threshold},
		},
	}
}

func Test_EvaluateAuthFirstMatchWins(t *testing.T) {
	rs := &payment.Ruleset{
		Key:            "CARD_AUTH",
		Version:        1,
		EvaluationType: payment.EvaluationAuth,
		Rules: []payment.Rule{
			highAmountRule(10, payment.ActionDecline, "100.00"),
			{
				ID:       "rule-low",
				Name:     "any amount",
				Priority: 1,
				Enabled:  true,
				Action:   payment.ActionReview,
				Conditions: []payment.Condition{
					{Field: "amount", Operator: payment.OpGt, Value: "0"},
				},
			},
		},
	}
	reg := &stubRegistry{rulesets: map[string]*payment.Ruleset{"CARD_AUTH": rs}}
	eng := New(reg, &stubVelocity{}, nil)

	tx := &payment.Transaction{TransactionID: "tx-1", Amount: payment.DecimalFromFloat(150)}
	decision := eng.EvaluateAuth(context.Background(), tx, "CARD_AUTH")

	if decision.Decision != payment.ActionDecline {
		t.Fatalf("expected DECLINE from the higher-priority rule, got %s", decision.Decision)
	}
	if len(decision.MatchedRules) != 1 || decision.MatchedRules[0].RuleID != "rule-amount" {
		t.Fatalf("expected exactly one matched rule (rule-amount), got %+v", decision.MatchedRules)
	}
	if decision.EngineMode != payment.EngineModeNormal {
		t.Fatalf("expected NORMAL engine mode, got %s", decision.EngineMode)
	}
}

func Test_EvaluateAuthFallsThroughToApprove(t *testing.T) {
	rs := &payment.Ruleset{
		Key:            "CARD_AUTH",
		Version:        1,
		EvaluationType: payment.EvaluationAuth,
		Rules:          []payment.Rule{highAmountRule(10, payment.ActionDecline, "1000.00")},
	}
	reg := &stubRegistry{rulesets: map[string]*payment.Ruleset{"CARD_AUTH": rs}}
	eng := New(reg, &stubVelocity{}, nil)

	tx := &payment.Transaction{TransactionID: "tx-2", Amount: payment.DecimalFromFloat(10)}
	decision := eng.EvaluateAuth(context.Background(), tx, "CARD_AUTH")

	if decision.Decision != payment.ActionApprove {
		t.Fatalf("expected APPROVE when no rule matches, got %s", decision.Decision)
	}
	if len(decision.MatchedRules) != 0 {
		t.Fatalf("expected no matched rules, got %+v", decision.MatchedRules)
	}
}

func Test_EvaluateAuthRulesetNotLoadedFailsOpen(t *testing.T) {
	reg := &stubRegistry{rulesets: map[string]*payment.Ruleset{}}
	eng := New(reg, &stubVelocity{}, nil)

	tx := &payment.Transaction{TransactionID: "tx-3", Amount: payment.DecimalFromFloat(10)}
	decision := eng.EvaluateAuth(context.Background(), tx, "CARD_AUTH")

	if !decision.IsFailOpen() {
		t.Fatalf("expected FAIL_OPEN engine mode, got %s", decision.EngineMode)
	}
	if decision.Decision != payment.ActionApprove {
		t.Fatalf("fail-open must always approve, got %s", decision.Decision)
	}
	if decision.EngineErrorCode != payment.ErrCodeRulesetNotLoaded {
		t.Fatalf("expected RULESET_NOT_LOADED, got %s", decision.EngineErrorCode)
	}
}

func Test_EvaluateAuthDisabledRuleNeverMatches(t *testing.T) {
	rs := &payment.Ruleset{
		Key:            "CARD_AUTH",
		Version:        1,
		EvaluationType: payment.EvaluationAuth,
		Rules: []payment.Rule{
			{
				ID:       "rule-disabled",
				Priority: 10,
				Enabled:  false,
				Action:   payment.ActionDecline,
				Conditions: []payment.Condition{
					{Field: "amount", Operator: payment.OpGt, Value: "0"},
				},
			},
		},
	}
	reg := &stubRegistry{rulesets: map[string]*payment.Ruleset{"CARD_AUTH": rs}}
	eng := New(reg, &stubVelocity{}, nil)

	tx := &payment.Transaction{TransactionID: "tx-4", Amount: payment.DecimalFromFloat(100)}
	decision := eng.EvaluateAuth(context.Background(), tx, "CARD_AUTH")

	if decision.Decision != payment.ActionApprove {
		t.Fatalf("expected APPROVE since the only rule is disabled, got %s", decision.Decision)
	}
}

func Test_EvaluateAuthVelocityExceedanceSubstitutesAction(t *testing.T) {
	rs := &payment.Ruleset{
		Key:            "CARD_AUTH",
		Version:        1,
		EvaluationType: payment.EvaluationAuth,
		Rules: []payment.Rule{
			{
				ID:       "rule-velocity",
				Priority: 10,
				Enabled:  true,
				Action:   payment.ActionApprove,
				Conditions: []payment.Condition{
					{Field: "amount", Operator: payment.OpGt, Value: "0"},
				},
				Velocity: &payment.VelocityConfig{
					Dimension:     "card_hash",
					WindowSeconds: 60,
					Threshold:     3,
					Action:        payment.ActionDecline,
				},
			},
		},
	}
	reg := &stubRegistry{rulesets: map[string]*payment.Ruleset{"CARD_AUTH": rs}}
	vel := &stubVelocity{result: payment.VelocityResult{CurrentCount: 4, Threshold: 3}}
	eng := New(reg, vel, nil)

	tx := &payment.Transaction{TransactionID: "tx-5", Amount: payment.DecimalFromFloat(10), CardHash: "h1"}
	decision := eng.EvaluateAuth(context.Background(), tx, "CARD_AUTH")

	if decision.Decision != payment.ActionDecline {
		t.Fatalf("expected velocity exceedance to substitute DECLINE, got %s", decision.Decision)
	}
	if vel.calls != 1 {
		t.Fatalf("expected exactly one velocity check, got %d", vel.calls)
	}
	vr, ok := decision.VelocityResults["rule-velocity"]
	if !ok || !vr.Exceeded() {
		t.Fatalf("expected recorded exceeded velocity result, got %+v", decision.VelocityResults)
	}
}

func Test_EvaluateAuthVelocityUnavailableDegrades(t *testing.T) {
	rs := &payment.Ruleset{
		Key:            "CARD_AUTH",
		Version:        1,
		EvaluationType: payment.EvaluationAuth,
		Rules: []payment.Rule{
			{
				ID:       "rule-velocity",
				Priority: 10,
				Enabled:  true,
				Action:   payment.ActionDecline,
				Conditions: []payment.Condition{
					{Field: "amount", Operator: payment.OpGt, Value: "0"},
				},
				Velocity: &payment.VelocityConfig{
					Dimension:     "card_hash",
					WindowSeconds: 60,
					Threshold:     3,
					Action:        payment.ActionReview,
				},
			},
		},
	}
	reg := &stubRegistry{rulesets: map[string]*payment.Ruleset{"CARD_AUTH": rs}}
	vel := &stubVelocity{err: &velocity.Unavailable{Cause: errors.New("dial tcp: timeout")}}
	eng := New(reg, vel, nil)

	tx := &payment.Transaction{TransactionID: "tx-6", Amount: payment.DecimalFromFloat(10), CardHash: "h1"}
	decision := eng.EvaluateAuth(context.Background(), tx, "CARD_AUTH")

	if decision.EngineMode != payment.EngineModeDegraded {
		t.Fatalf("expected DEGRADED engine mode on velocity unavailability, got %s", decision.EngineMode)
	}
	if decision.EngineErrorCode != payment.ErrCodeRedisUnavailable {
		t.Fatalf("expected REDIS_UNAVAILABLE, got %s", decision.EngineErrorCode)
	}
	// The rule's own action still applies; velocity unavailability degrades
	// the mode but does not fail the request open.
	if decision.Decision != payment.ActionDecline {
		t.Fatalf("expected the rule's own action despite velocity unavailability, got %s", decision.Decision)
	}
}

func Test_EvaluateMonitoringMatchesAllRulesAndPreservesInputDecision(t *testing.T) {
	rs := &payment.Ruleset{
		Key:            "CARD_MONITORING",
		Version:        1,
		EvaluationType: payment.EvaluationMonitoring,
		Rules: []payment.Rule{
			highAmountRule(10, payment.ActionReview, "50.00"),
			{
				ID:       "rule-merchant",
				Priority: 5,
				Enabled:  true,
				Action:   payment.ActionReview,
				Conditions: []payment.Condition{
					{Field: "merchant_category_code", Operator: payment.OpEq, Value: "7995"},
				},
			},
		},
	}
	reg := &stubRegistry{rulesets: map[string]*payment.Ruleset{"CARD_MONITORING": rs}}
	eng := New(reg, &stubVelocity{}, nil)

	tx := &payment.Transaction{
		TransactionID:        "tx-7",
		Amount:               payment.DecimalFromFloat(100),
		MerchantCategoryCode: "7995",
		Decision:             "approve",
	}
	decision := eng.EvaluateMonitoring(context.Background(), tx, "CARD_MONITORING")

	if decision.Decision != payment.ActionApprove {
		t.Fatalf("monitoring must preserve the input decision, got %s", decision.Decision)
	}
	if len(decision.MatchedRules) != 2 {
		t.Fatalf("expected both rules to match in MONITORING mode, got %+v", decision.MatchedRules)
	}
}

func Test_EvaluateMonitoringMissingDecisionDegrades(t *testing.T) {
	reg := &stubRegistry{rulesets: map[string]*payment.Ruleset{}}
	eng := New(reg, &stubVelocity{}, nil)

	tx := &payment.Transaction{TransactionID: "tx-8", Amount: payment.DecimalFromFloat(10)}
	decision := eng.EvaluateMonitoring(context.Background(), tx, "CARD_MONITORING")

	if decision.EngineErrorCode != payment.ErrCodeMissingDecision {
		t.Fatalf("expected MISSING_DECISION, got %s", decision.EngineErrorCode)
	}
	if decision.EngineMode != payment.EngineModeDegraded {
		t.Fatalf("expected DEGRADED, got %s", decision.EngineMode)
	}
}

func Test_EvaluateMonitoringInvalidDecisionDegrades(t *testing.T) {
	reg := &stubRegistry{rulesets: map[string]*payment.Ruleset{}}
	eng := New(reg, &stubVelocity{}, nil)

	tx := &payment.Transaction{TransactionID: "tx-9", Amount: payment.DecimalFromFloat(10), Decision: "maybe"}
	decision := eng.EvaluateMonitoring(context.Background(), tx, "CARD_MONITORING")

	if decision.EngineErrorCode != payment.ErrCodeInvalidDecision {
		t.Fatalf("expected INVALID_DECISION, got %s", decision.EngineErrorCode)
	}
}

func Test_DebugCaptureRecordsConditionTracesWhenEnabled(t *testing.T) {
	rs := &payment.Ruleset{
		Key:            "CARD_AUTH",
		Version:        1,
		EvaluationType: payment.EvaluationAuth,
		Rules:          []payment.Rule{highAmountRule(10, payment.ActionDecline, "100.00")},
	}
	reg := &stubRegistry{rulesets: map[string]*payment.Ruleset{"CARD_AUTH": rs}}
	eng := New(reg, &stubVelocity{}, nil, WithDebugConfig(DebugConfig{
		Enabled:                 true,
		SampleRate:              1,
		MaxConditionEvaluations: 10,
		IncludeFieldValues:      true,
	}))

	tx := &payment.Transaction{TransactionID: "tx-10", Amount: payment.DecimalFromFloat(150)}
	decision := eng.EvaluateAuth(context.Background(), tx, "CARD_AUTH")

	if decision.Debug == nil || len(decision.Debug.Conditions) == 0 {
		t.Fatalf("expected debug info to be captured, got %+v", decision.Debug)
	}
	trace := decision.Debug.Conditions[0]
	if trace.FieldValue == nil {
		t.Fatalf("expected FieldValue populated when IncludeFieldValues is set")
	}
}

func Test_DebugCaptureDisabledByDefault(t *testing.T) {
	rs := &payment.Ruleset{
		Key:            "CARD_AUTH",
		Version:        1,
		EvaluationType: payment.EvaluationAuth,
		Rules:          []payment.Rule{highAmountRule(10, payment.ActionDecline, "100.00")},
	}
	reg := &stubRegistry{rulesets: map[string]*payment.Ruleset{"CARD_AUTH": rs}}
	eng := New(reg, &stubVelocity{}, nil)

	tx := &payment.Transaction{TransactionID: "tx-11", Amount: payment.DecimalFromFloat(150)}
	decision := eng.EvaluateAuth(context.Background(), tx, "CARD_AUTH")

	if decision.Debug != nil {
		t.Fatalf("expected no debug info when debug capture is disabled, got %+v", decision.Debug)
	}
}
