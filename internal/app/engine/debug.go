package engine

import (
	"hash/fnv"

	"github.com/cardguard/ruleengine/internal/app/domain/payment"
)

// DebugConfig controls debug capture. Capture must cost nothing when
// Enabled is false: callers check Enabled before ever constructing a sink.
type DebugConfig struct {
	Enabled                 bool
	SampleRate              int // "1 in N"; 0 or 1 means always sampled in
	MaxConditionEvaluations int
	IncludeFieldValues      bool
}

// sampledIn decides, deterministically from transaction_id, whether this
// request's evaluation should capture debug info. Hashing the id (rather
// than a per-request counter) keeps the decision stable across replicas,
// per the documented open question.
func (c DebugConfig) sampledIn(transactionID string) bool {
	if !c.Enabled {
		return false
	}
	if c.SampleRate <= 1 {
		return true
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(transactionID))
	return h.Sum32()%uint32(c.SampleRate) == 0
}

// debugSink accumulates condition traces up to a cap, then truncates
// silently. It implements payment.DebugSink.
type debugSink struct {
	cfg   DebugConfig
	ruleID string
	info  *payment.DebugInfo
}

func newDebugSink(cfg DebugConfig) *debugSink {
	return &debugSink{cfg: cfg, info: &payment.DebugInfo{}}
}

func (s *debugSink) withRule(ruleID string) *debugSink {
	return &debugSink{cfg: s.cfg, ruleID: ruleID, info: s.info}
}

func (s *debugSink) Record(trace payment.ConditionTrace) {
	max := s.cfg.MaxConditionEvaluations
	if max <= 0 {
		max = 500
	}
	if len(s.info.Conditions) >= max {
		s.info.Truncated = true
		return
	}
	trace.RuleID = s.ruleID
	if !s.cfg.IncludeFieldValues {
		trace.FieldValue = nil
	}
	s.info.Conditions = append(s.info.Conditions, trace)
}
