package payment

import "time"

// EngineMode tags the quality of a Decision: whether the evaluator ran to
// completion normally, ran with reduced fidelity, or fell back to the safe
// default because it could not evaluate at all.
type EngineMode string

const (
	EngineModeNormal   EngineMode = "NORMAL"
	EngineModeDegraded EngineMode = "DEGRADED"
	EngineModeFailOpen EngineMode = "FAIL_OPEN"
)

// Engine error codes. These are the only vocabulary a Decision uses to
// explain a non-NORMAL engine_mode. internal/app/engine produces the first
// five; internal/app/httpapi sets OUTBOX_UNAVAILABLE on an AUTH response
// while the outbox dispatcher is unavailable. No code path in this module
// sets EVENT_PUBLISH_FAILED.
const (
	ErrCodeRulesetNotLoaded  = "RULESET_NOT_LOADED"
	ErrCodeEvaluationError   = "EVALUATION_ERROR"
	ErrCodeRedisUnavailable  = "REDIS_UNAVAILABLE"
	ErrCodeMissingDecision   = "MISSING_DECISION"
	ErrCodeInvalidDecision   = "INVALID_DECISION"
	ErrCodeEventPublishFail  = "EVENT_PUBLISH_FAILED"
	ErrCodeOutboxUnavailable = "OUTBOX_UNAVAILABLE"
)

// VelocityResult is the outcome of a single velocity counter check.
// CurrentCount > Threshold means the counter exceeded its bound.
type VelocityResult struct {
	Dimension      string `json:"dimension"`
	KeyFingerprint string `json:"key_fingerprint"`
	CurrentCount   int64  `json:"current_count"`
	Threshold      int64  `json:"threshold"`
	WindowSeconds  int    `json:"window_seconds"`
	WindowBucket   int64  `json:"window_bucket,omitempty"`
}

// Exceeded reports whether the counter crossed its threshold.
func (v VelocityResult) Exceeded() bool {
	return v.CurrentCount > v.Threshold
}

// MatchedRule records one rule that matched during evaluation, carrying the
// action actually applied (which may differ from the rule's own Action if a
// velocity exceedance substituted its own).
type MatchedRule struct {
	RuleID         string          `json:"rule_id"`
	RuleName       string          `json:"rule_name"`
	Action         Action          `json:"action"`
	VelocityResult *VelocityResult `json:"velocity_result,omitempty"`
}

// TimingBreakdown captures per-phase latency for a single evaluation, in
// fractional milliseconds.
type TimingBreakdown struct {
	ConditionsMS float64 `json:"conditions_ms,omitempty"`
	VelocityMS   float64 `json:"velocity_ms,omitempty"`
	TotalMS      float64 `json:"total_ms"`
}

// ConditionTrace is one entry in DebugInfo.Conditions: a single condition
// evaluation's inputs and result.
type ConditionTrace struct {
	RuleID      string      `json:"rule_id"`
	Field       string      `json:"field"`
	Operator    Operator    `json:"operator"`
	FieldStatus FieldStatus `json:"field_status"`
	FieldValue  interface{} `json:"field_value,omitempty"` // only populated when IncludeFieldValues is set
	Result      bool        `json:"result"`
}

// DebugInfo is attached to a Decision when debug capture is enabled and the
// request was sampled in.
type DebugInfo struct {
	Conditions []ConditionTrace `json:"conditions"`
	Truncated  bool             `json:"truncated,omitempty"`
}

// DebugSink receives condition traces as they are produced. A nil sink means
// debug capture is disabled; callers must check for nil before invoking it
// so that the cost of debug capture is truly zero when off.
type DebugSink interface {
	Record(trace ConditionTrace)
}

// Decision is the result of a single evaluation against a Ruleset.
type Decision struct {
	Decision           Action                    `json:"decision"`
	EvaluationType     EvaluationType            `json:"evaluation_type"`
	RulesetKey         string                    `json:"ruleset_key"`
	RulesetVersion     int                       `json:"ruleset_version"`
	TransactionID      string                    `json:"transaction_id"`
	DecisionID         string                    `json:"decision_id"`
	EngineMode         EngineMode                `json:"engine_mode"`
	EngineErrorCode    string                    `json:"engine_error_code,omitempty"`
	EngineErrorMessage string                    `json:"engine_error_message,omitempty"`
	MatchedRules       []MatchedRule             `json:"matched_rules"`
	VelocityResults    map[string]VelocityResult `json:"velocity_results,omitempty"` // keyed by rule_id
	Timing             TimingBreakdown           `json:"timing_breakdown"`
	Debug              *DebugInfo                `json:"debug_info,omitempty"`
	EvaluatedAt        time.Time                 `json:"evaluated_at"`
}

// IsFailOpen reports whether this decision was produced under the fail-open
// contract, in which case Decision must equal ActionApprove.
func (d Decision) IsFailOpen() bool {
	return d.EngineMode == EngineModeFailOpen
}
