// Package velocity implements the rolling-window counter service: an atomic
// "increment then return current count" per (ruleset_key, rule_id,
// dimension, dimension_value) over a window of W seconds, backed by Redis,
// plus a read-only variant for replay.
package velocity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/cardguard/ruleengine/internal/app/domain/payment"
	core "github.com/cardguard/ruleengine/internal/app/core/service"
	"github.com/cardguard/ruleengine/pkg/logger"
)

// incrAndExpireIfNew atomically increments key and, only if this increment
// created the key (the store's value was previously absent), sets its TTL
// to ttlSeconds. A single EVAL round-trip is what makes this atomic: a
// separate INCR followed by a conditional EXPIRE would let a concurrent
// reader observe the incremented value with no expiry yet attached.
const incrAndExpireIfNew = `
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return count
`

// Unavailable is returned when the backing store is unreachable or times
// out. The evaluator treats it as a DEGRADED signal, never an abort.
type Unavailable struct {
	Cause error
}

func (e *Unavailable) Error() string {
	return fmt.Sprintf("velocity store unavailable: %v", e.Cause)
}

func (e *Unavailable) Unwrap() error {
	return e.Cause
}

// Service is the velocity counter service. It is stateless beyond its Redis
// client: all counter state lives in the store.
type Service struct {
	client  *redis.Client
	timeout time.Duration
	log     *logger.Logger
	tracer  core.Tracer
}

// NewService returns a velocity service bound to client. A zero timeout
// defaults to 50ms, matching the latency budget a synchronous AUTH request
// can afford to spend waiting on the store.
func NewService(client *redis.Client, timeout time.Duration, log *logger.Logger) *Service {
	if timeout <= 0 {
		timeout = 50 * time.Millisecond
	}
	if log == nil {
		log = logger.NewDefault("velocity")
	}
	return &Service{client: client, timeout: timeout, log: log, tracer: core.NoopTracer}
}

// WithTracer attaches a tracer, returning the receiver for chaining.
func (s *Service) WithTracer(tracer core.Tracer) *Service {
	if tracer != nil {
		s.tracer = tracer
	}
	return s
}

// BuildKey returns the deterministic counter key for this (ruleset, rule,
// dimension, transaction) tuple at the current window bucket:
// vel:{ruleset_key}:{rule_id}:{dimension}:{dimension_value_hash}:{window_bucket}.
func BuildKey(rulesetKey, ruleID string, cfg payment.VelocityConfig, tx *payment.Transaction, now time.Time) (key string, bucket int64) {
	value, _ := payment.ExtractField(tx, cfg.Dimension)
	fingerprint := fingerprintValue(value)
	bucket = windowBucket(now, cfg.WindowSeconds)
	key = fmt.Sprintf("vel:%s:%s:%s:%s:%d", rulesetKey, ruleID, cfg.Dimension, fingerprint, bucket)
	return key, bucket
}

func windowBucket(now time.Time, windowSeconds int) int64 {
	if windowSeconds <= 0 {
		windowSeconds = 1
	}
	return now.Unix() / int64(windowSeconds)
}

// fingerprintValue hashes the raw dimension value so counter keys never
// carry a card hash or device id in the clear.
func fingerprintValue(value interface{}) string {
	sum := sha256.Sum256([]byte(fmt.Sprint(value)))
	return hex.EncodeToString(sum[:])[:16]
}

// Check constructs the counter key, atomically increments it, and returns
// the current count against threshold. It returns *Unavailable when the
// store cannot be reached within the configured timeout; the caller must
// never let that abort evaluation.
func (s *Service) Check(ctx context.Context, rulesetKey, ruleID string, cfg payment.VelocityConfig, tx *payment.Transaction) (payment.VelocityResult, error) {
	ctx, done := s.tracer.StartSpan(ctx, "velocity.check", map[string]string{"dimension": cfg.Dimension})
	defer func() { done(nil) }()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	key, bucket := BuildKey(rulesetKey, ruleID, cfg, tx, time.Now())
	ttlSeconds := 2 * cfg.WindowSeconds
	if ttlSeconds <= 0 {
		ttlSeconds = 2
	}

	result := s.client.Eval(ctx, incrAndExpireIfNew, []string{key}, ttlSeconds)
	count, err := result.Int64()
	if err != nil {
		s.log.WithField("key", key).WithError(err).Warn("velocity store unavailable")
		return payment.VelocityResult{}, &Unavailable{Cause: err}
	}

	return payment.VelocityResult{
		Dimension:      cfg.Dimension,
		KeyFingerprint: key,
		CurrentCount:   count,
		Threshold:      cfg.Threshold,
		WindowSeconds:  cfg.WindowSeconds,
		WindowBucket:   bucket,
	}, nil
}

// CheckReadOnly returns the current count without mutating the store,
// reporting zero when the key is absent. Replay uses this to re-derive a
// decision without double-counting.
func (s *Service) CheckReadOnly(ctx context.Context, rulesetKey, ruleID string, cfg payment.VelocityConfig, tx *payment.Transaction) (payment.VelocityResult, error) {
	ctx, done := s.tracer.StartSpan(ctx, "velocity.check_read_only", map[string]string{"dimension": cfg.Dimension})
	defer func() { done(nil) }()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	key, bucket := BuildKey(rulesetKey, ruleID, cfg, tx, time.Now())

	count, err := s.client.Get(ctx, key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			count = 0
		} else {
			s.log.WithField("key", key).WithError(err).Warn("velocity store unavailable (read-only)")
			return payment.VelocityResult{}, &Unavailable{Cause: err}
		}
	}

	return payment.VelocityResult{
		Dimension:      cfg.Dimension,
		KeyFingerprint: key,
		CurrentCount:   count,
		Threshold:      cfg.Threshold,
		WindowSeconds:  cfg.WindowSeconds,
		WindowBucket:   bucket,
	}, nil
}
