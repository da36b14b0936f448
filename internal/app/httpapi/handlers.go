package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/cardguard/ruleengine/internal/app/domain/payment"
	"github.com/cardguard/ruleengine/internal/app/registry"
	"github.com/cardguard/ruleengine/internal/app/system"
)

// evaluator is the narrow surface handlers need from the rule evaluator.
// Defined locally so tests can substitute a stub without a registry or a
// velocity backend.
type evaluator interface {
	EvaluateAuth(ctx context.Context, tx *payment.Transaction, rulesetKey string) *payment.Decision
	EvaluateMonitoring(ctx context.Context, tx *payment.Transaction, rulesetKey string) *payment.Decision
}

// outboxEnqueuer is the narrow surface handlers need from the outbox
// dispatcher.
type outboxEnqueuer interface {
	EnqueueAuth(tx *payment.Transaction, decision *payment.Decision)
	Unavailable() bool
}

// registryAdmin is the narrow surface handlers need to manage rulesets.
type registryAdmin interface {
	LoadAndRegister(country, key string, rs *payment.Ruleset) bool
	BulkLoad(rulesets []*payment.Ruleset) int
	HotSwap(country, key string, newVersion int) registry.HotSwapResult
}

// staging is the narrow surface handlers need to stage a ruleset body ahead
// of a hot-swap by version number.
type staging interface {
	Stage(rs *payment.Ruleset)
}

type Handler struct {
	engine  evaluator
	outbox  outboxEnqueuer
	reg     registryAdmin
	staging staging
}

func NewHandler(engine evaluator, outbox outboxEnqueuer, reg registryAdmin, staging staging) *Handler {
	return &Handler{engine: engine, outbox: outbox, reg: reg, staging: staging}
}

type evaluateRequest struct {
	RulesetKey  string               `json:"ruleset_key" binding:"required"`
	Transaction *payment.Transaction `json:"transaction" binding:"required"`
}

// EvaluateAuth handles POST /v1/evaluate/auth. It always returns 200: a
// degraded or fail-open decision is still a decision, per the evaluator's
// fail-open contract. The one exception is the outbox: when the dispatcher
// reports that a stream append exhausted its retry budget, the decision is
// set to APPROVE / FAIL_OPEN with OUTBOX_UNAVAILABLE and returned with 503.
func (h *Handler) EvaluateAuth(c *gin.Context) {
	var req evaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeAPIError(c, errBadRequest("MALFORMED_REQUEST", err.Error()))
		return
	}

	decision := h.engine.EvaluateAuth(c.Request.Context(), req.Transaction, req.RulesetKey)
	outboxDown := h.outbox.Unavailable()
	if outboxDown {
		decision.Decision = payment.ActionApprove
		decision.EngineMode = payment.EngineModeFailOpen
		decision.EngineErrorCode = payment.ErrCodeOutboxUnavailable
		decision.EngineErrorMessage = "outbox stream append retry budget exhausted"
	}
	h.outbox.EnqueueAuth(req.Transaction, decision)

	if outboxDown {
		c.Header("X-Outbox-Status", "degraded")
		c.JSON(http.StatusServiceUnavailable, decision)
		return
	}

	c.JSON(http.StatusOK, decision)
}

// EvaluateMonitoring handles POST /v1/evaluate/monitoring. Unlike AUTH, a
// missing or invalid decision field is a caller error: it is rejected here
// at the boundary with 400 rather than reaching the evaluator's own
// MISSING_DECISION/INVALID_DECISION degradation path, which exists for
// non-HTTP callers that can't be validated up front. decision is
// case-insensitive and trimmed, matching the engine's own normalization, so
// "approve"/" Decline "/"DECLINE" are all accepted here the same way they
// would be by the evaluator.
func (h *Handler) EvaluateMonitoring(c *gin.Context) {
	var req evaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeAPIError(c, errBadRequest("MALFORMED_REQUEST", err.Error()))
		return
	}
	normalized := strings.ToUpper(strings.TrimSpace(req.Transaction.Decision))
	if normalized != string(payment.ActionApprove) && normalized != string(payment.ActionDecline) {
		writeAPIError(c, errBadRequest("INVALID_DECISION", "transaction.decision must be APPROVE or DECLINE"))
		return
	}

	decision := h.engine.EvaluateMonitoring(c.Request.Context(), req.Transaction, req.RulesetKey)
	c.JSON(http.StatusOK, decision)
}

// LoadRuleset handles POST /v1/rulesets/load: stage the posted ruleset body
// and register it immediately, regardless of whatever version currently
// occupies that (country, key) cell.
func (h *Handler) LoadRuleset(c *gin.Context) {
	var rs payment.Ruleset
	if err := c.ShouldBindJSON(&rs); err != nil {
		writeAPIError(c, errBadRequest("MALFORMED_REQUEST", err.Error()))
		return
	}
	h.staging.Stage(&rs)
	ok := h.reg.LoadAndRegister(rs.Country, rs.Key, &rs)
	c.JSON(http.StatusOK, gin.H{"loaded": ok, "version": rs.Version})
}

type bulkLoadRequest struct {
	Rulesets []*payment.Ruleset `json:"rulesets" binding:"required"`
}

// BulkLoadRulesets handles POST /v1/rulesets/bulk-load.
func (h *Handler) BulkLoadRulesets(c *gin.Context) {
	var req bulkLoadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeAPIError(c, errBadRequest("MALFORMED_REQUEST", err.Error()))
		return
	}
	for _, rs := range req.Rulesets {
		h.staging.Stage(rs)
	}
	loaded := h.reg.BulkLoad(req.Rulesets)
	c.JSON(http.StatusOK, gin.H{"loaded": loaded, "submitted": len(req.Rulesets)})
}

type hotSwapRequest struct {
	Country    string           `json:"country" binding:"required"`
	Key        string           `json:"key" binding:"required"`
	NewVersion int              `json:"new_version" binding:"required"`
	Ruleset    *payment.Ruleset `json:"ruleset,omitempty"`
}

// HotSwapRuleset handles POST /v1/rulesets/hotswap. If the request body
// carries a ruleset it is staged first so the hot-swap can resolve it by
// version; otherwise the swap assumes a prior /load or /bulk-load already
// staged that version.
func (h *Handler) HotSwapRuleset(c *gin.Context) {
	var req hotSwapRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeAPIError(c, errBadRequest("MALFORMED_REQUEST", err.Error()))
		return
	}
	if req.Ruleset != nil {
		h.staging.Stage(req.Ruleset)
	}
	result := h.reg.HotSwap(req.Country, req.Key, req.NewVersion)
	if !result.Success {
		writeAPIError(c, errBadRequest("HOT_SWAP_REJECTED", result.Message))
		return
	}
	c.JSON(http.StatusOK, result)
}

func writeAPIError(c *gin.Context, err apiError) {
	c.AbortWithStatusJSON(err.Status, err)
}

// ServicesHandler returns a diagnostics endpoint listing the running
// services' descriptors (layer, domain, capabilities), sorted for stable
// output. providers is fixed at construction time since the set of
// lifecycle-managed services never changes after startup.
func ServicesHandler(providers []system.DescriptorProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"services": system.CollectDescriptors(providers)})
	}
}
