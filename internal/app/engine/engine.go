// Package engine implements the rule evaluator (C4): the AUTH and
// MONITORING variants that orchestrate condition evaluation, velocity
// checks, and decision assembly over a ruleset served by the registry.
package engine

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	core "github.com/cardguard/ruleengine/internal/app/core/service"
	"github.com/cardguard/ruleengine/internal/app/domain/payment"
	"github.com/cardguard/ruleengine/pkg/logger"
)

// Registry is the subset of the ruleset registry the evaluator depends on.
type Registry interface {
	GetWithFallback(country, key string) *payment.Ruleset
}

// VelocityChecker is the subset of the velocity service the evaluator
// depends on. Both Check and CheckReadOnly share this shape so AUTH and
// replay can be driven by the same evaluation code.
type VelocityChecker interface {
	Check(ctx context.Context, rulesetKey, ruleID string, cfg payment.VelocityConfig, tx *payment.Transaction) (payment.VelocityResult, error)
	CheckReadOnly(ctx context.Context, rulesetKey, ruleID string, cfg payment.VelocityConfig, tx *payment.Transaction) (payment.VelocityResult, error)
}

// Engine evaluates transactions against rulesets served by Registry,
// consulting VelocityChecker for rules that declare a velocity config.
type Engine struct {
	registry Registry
	velocity VelocityChecker
	log      *logger.Logger
	tracer   core.Tracer
	debug    DebugConfig
	newID    func() string
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithTracer attaches a tracer used to span evaluation and velocity calls.
func WithTracer(tracer core.Tracer) Option {
	return func(e *Engine) {
		if tracer != nil {
			e.tracer = tracer
		}
	}
}

// WithDebugConfig sets the debug-capture configuration.
func WithDebugConfig(cfg DebugConfig) Option {
	return func(e *Engine) { e.debug = cfg }
}

// New returns an Engine bound to reg and vel.
func New(reg Registry, vel VelocityChecker, log *logger.Logger, opts ...Option) *Engine {
	if log == nil {
		log = logger.NewDefault("engine")
	}
	e := &Engine{
		registry: reg,
		velocity: vel,
		log:      log,
		tracer:   core.NoopTracer,
		newID:    func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// evalState accumulates the mutable parts of a single evaluation: the
// engine mode/fault reached so far, matched rules, and an optional debug
// sink. It exists so the AUTH and MONITORING loops can share bookkeeping.
type evalState struct {
	mode        payment.EngineMode
	errorCode   string
	errorMsg    string
	matched     []payment.MatchedRule
	velocities  map[string]payment.VelocityResult
	debug       *debugSink
}

func newEvalState(debug *debugSink) *evalState {
	return &evalState{
		mode:       payment.EngineModeNormal,
		velocities: make(map[string]payment.VelocityResult),
		debug:      debug,
	}
}

// degrade records a DEGRADED outcome without clobbering an already-recorded
// fault — the first fault encountered wins, matching the evaluator's
// one-decision-per-request contract.
func (s *evalState) degrade(code, msg string) {
	if s.mode == payment.EngineModeFailOpen {
		return
	}
	s.mode = payment.EngineModeDegraded
	if s.errorCode == "" {
		s.errorCode = code
		s.errorMsg = msg
	}
}

// EvaluateAuth runs the first-match AUTH algorithm: rules are tried in
// descending priority, conditions short-circuit on first false, and
// evaluation stops at the first match.
func (e *Engine) EvaluateAuth(ctx context.Context, tx *payment.Transaction, rulesetKey string) *payment.Decision {
	start := time.Now()
	ctx, done := e.tracer.StartSpan(ctx, "engine.evaluate_auth", map[string]string{"transaction_id": tx.TransactionID})
	defer func() { done(nil) }()

	ruleset := e.registry.GetWithFallback(tx.CountryCode, rulesetKey)
	if ruleset == nil {
		return e.failOpenDecision(tx, payment.EvaluationAuth, rulesetKey, 0, payment.ErrCodeRulesetNotLoaded, "no ruleset registered for this country/key", start)
	}

	sink := e.newDebugSink(tx.TransactionID)
	state := newEvalState(sink)

	decision, faulted := e.runAuthLoop(ctx, tx, ruleset, state, false)
	if faulted {
		return e.failOpenDecision(tx, payment.EvaluationAuth, ruleset.Key, ruleset.Version, payment.ErrCodeEvaluationError, "panic during rule evaluation", start)
	}

	return e.assembleDecision(tx, payment.EvaluationAuth, ruleset, decision, state, start)
}

// EvaluateReplay runs the AUTH algorithm in read-only mode: velocity checks
// consult but never mutate counters, so replaying historical traffic never
// double-counts.
func (e *Engine) EvaluateReplay(ctx context.Context, tx *payment.Transaction, rulesetKey string) *payment.Decision {
	start := time.Now()
	ruleset := e.registry.GetWithFallback(tx.CountryCode, rulesetKey)
	if ruleset == nil {
		return e.failOpenDecision(tx, payment.EvaluationAuth, rulesetKey, 0, payment.ErrCodeRulesetNotLoaded, "no ruleset registered for this country/key", start)
	}

	sink := e.newDebugSink(tx.TransactionID)
	state := newEvalState(sink)

	decision, faulted := e.runAuthLoop(ctx, tx, ruleset, state, true)
	if faulted {
		return e.failOpenDecision(tx, payment.EvaluationAuth, ruleset.Key, ruleset.Version, payment.ErrCodeEvaluationError, "panic during rule evaluation", start)
	}
	return e.assembleDecision(tx, payment.EvaluationAuth, ruleset, decision, state, start)
}

func (e *Engine) runAuthLoop(ctx context.Context, tx *payment.Transaction, ruleset *payment.Ruleset, state *evalState, replay bool) (action payment.Action, faulted bool) {
	defer func() {
		if r := recover(); r != nil {
			faulted = true
			state.degrade(payment.ErrCodeEvaluationError, "recovered panic during evaluation")
		}
	}()

	for _, rule := range ruleset.OrderedRules() {
		var sink payment.DebugSink
		if state.debug != nil {
			ruleSink := state.debug.withRule(rule.ID)
			sink = ruleSink
		}
		if !rule.Matches(tx, sink) {
			continue
		}

		appliedAction := rule.Action
		var velResult *payment.VelocityResult
		if rule.Velocity != nil {
			vr, err := e.checkVelocity(ctx, ruleset.Key, rule.ID, *rule.Velocity, tx, replay)
			if err != nil {
				state.degrade(payment.ErrCodeRedisUnavailable, err.Error())
			} else {
				velResult = &vr
				state.velocities[rule.ID] = vr
				if vr.Exceeded() {
					appliedAction = rule.Velocity.Action
				}
			}
		}

		state.matched = append(state.matched, payment.MatchedRule{
			RuleID:         rule.ID,
			RuleName:       rule.Name,
			Action:         appliedAction,
			VelocityResult: velResult,
		})
		return appliedAction, false
	}

	return payment.ActionApprove, false
}

// EvaluateMonitoring runs the all-match MONITORING algorithm over a decision
// already taken upstream. The response decision always equals the input
// decision; rule matches are purely informational.
func (e *Engine) EvaluateMonitoring(ctx context.Context, tx *payment.Transaction, rulesetKey string) *payment.Decision {
	start := time.Now()
	ctx, done := e.tracer.StartSpan(ctx, "engine.evaluate_monitoring", map[string]string{"transaction_id": tx.TransactionID})
	defer func() { done(nil) }()

	normalizedDecision, valid := normalizeMonitoringDecision(tx.Decision)
	if strings.TrimSpace(tx.Decision) == "" {
		return e.degradedMonitoringDecision(tx, rulesetKey, payment.ErrCodeMissingDecision, "monitoring input is missing decision", start)
	}
	if !valid {
		return e.degradedMonitoringDecision(tx, rulesetKey, payment.ErrCodeInvalidDecision, "monitoring input decision must be APPROVE or DECLINE", start)
	}

	ruleset := e.registry.GetWithFallback(tx.CountryCode, rulesetKey)
	if ruleset == nil {
		d := e.failOpenDecision(tx, payment.EvaluationMonitoring, rulesetKey, 0, payment.ErrCodeRulesetNotLoaded, "no ruleset registered for this country/key", start)
		d.Decision = normalizedDecision
		d.EngineMode = payment.EngineModeDegraded
		return d
	}

	sink := e.newDebugSink(tx.TransactionID)
	state := newEvalState(sink)

	faulted := e.runMonitoringLoop(ctx, tx, ruleset, state)
	if faulted {
		state.degrade(payment.ErrCodeEvaluationError, "recovered panic during evaluation")
	}

	decision := e.assembleDecision(tx, payment.EvaluationMonitoring, ruleset, normalizedDecision, state, start)
	return decision
}

func (e *Engine) runMonitoringLoop(ctx context.Context, tx *payment.Transaction, ruleset *payment.Ruleset, state *evalState) (faulted bool) {
	defer func() {
		if r := recover(); r != nil {
			faulted = true
		}
	}()

	for _, rule := range ruleset.OrderedRules() {
		var sink payment.DebugSink
		if state.debug != nil {
			sink = state.debug.withRule(rule.ID)
		}
		if !rule.Matches(tx, sink) {
			continue
		}

		appliedAction := rule.Action
		var velResult *payment.VelocityResult
		if rule.Velocity != nil {
			vr, err := e.checkVelocity(ctx, ruleset.Key, rule.ID, *rule.Velocity, tx, true)
			if err != nil {
				state.degrade(payment.ErrCodeRedisUnavailable, err.Error())
			} else {
				velResult = &vr
				state.velocities[rule.ID] = vr
				if vr.Exceeded() {
					appliedAction = rule.Velocity.Action
				}
			}
		}

		state.matched = append(state.matched, payment.MatchedRule{
			RuleID:         rule.ID,
			RuleName:       rule.Name,
			Action:         appliedAction,
			VelocityResult: velResult,
		})
	}
	return false
}

func (e *Engine) checkVelocity(ctx context.Context, rulesetKey, ruleID string, cfg payment.VelocityConfig, tx *payment.Transaction, readOnly bool) (payment.VelocityResult, error) {
	if readOnly {
		return e.velocity.CheckReadOnly(ctx, rulesetKey, ruleID, cfg, tx)
	}
	return e.velocity.Check(ctx, rulesetKey, ruleID, cfg, tx)
}

func normalizeMonitoringDecision(raw string) (payment.Action, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case string(payment.ActionApprove):
		return payment.ActionApprove, true
	case string(payment.ActionDecline):
		return payment.ActionDecline, true
	default:
		return "", false
	}
}

func (e *Engine) newDebugSink(transactionID string) *debugSink {
	if !e.debug.sampledIn(transactionID) {
		return nil
	}
	return newDebugSink(e.debug)
}

func (e *Engine) failOpenDecision(tx *payment.Transaction, evalType payment.EvaluationType, rulesetKey string, rulesetVersion int, code, msg string, start time.Time) *payment.Decision {
	return &payment.Decision{
		Decision:           payment.ActionApprove,
		EvaluationType:     evalType,
		RulesetKey:         rulesetKey,
		RulesetVersion:     rulesetVersion,
		TransactionID:      tx.TransactionID,
		DecisionID:         e.newID(),
		EngineMode:         payment.EngineModeFailOpen,
		EngineErrorCode:    code,
		EngineErrorMessage: msg,
		VelocityResults:    map[string]payment.VelocityResult{},
		Timing:             payment.TimingBreakdown{TotalMS: elapsedMS(start)},
		EvaluatedAt:        time.Now().UTC(),
	}
}

func (e *Engine) degradedMonitoringDecision(tx *payment.Transaction, rulesetKey, code, msg string, start time.Time) *payment.Decision {
	return &payment.Decision{
		Decision:           payment.ActionApprove,
		EvaluationType:     payment.EvaluationMonitoring,
		RulesetKey:         rulesetKey,
		TransactionID:      tx.TransactionID,
		DecisionID:         e.newID(),
		EngineMode:         payment.EngineModeDegraded,
		EngineErrorCode:    code,
		EngineErrorMessage: msg,
		VelocityResults:    map[string]payment.VelocityResult{},
		Timing:             payment.TimingBreakdown{TotalMS: elapsedMS(start)},
		EvaluatedAt:        time.Now().UTC(),
	}
}

func (e *Engine) assembleDecision(tx *payment.Transaction, evalType payment.EvaluationType, ruleset *payment.Ruleset, action payment.Action, state *evalState, start time.Time) *payment.Decision {
	var debugInfo *payment.DebugInfo
	if state.debug != nil {
		debugInfo = state.debug.info
	}

	return &payment.Decision{
		Decision:           action,
		EvaluationType:     evalType,
		RulesetKey:         ruleset.Key,
		RulesetVersion:     ruleset.Version,
		TransactionID:      tx.TransactionID,
		DecisionID:         e.newID(),
		EngineMode:         state.mode,
		EngineErrorCode:    state.errorCode,
		EngineErrorMessage: state.errorMsg,
		MatchedRules:       state.matched,
		VelocityResults:    state.velocities,
		Timing:             payment.TimingBreakdown{TotalMS: elapsedMS(start)},
		Debug:              debugInfo,
		EvaluatedAt:        time.Now().UTC(),
	}
}

func elapsedMS(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
