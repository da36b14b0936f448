// Package publisher implements the worker (C6): a tick-based consumer of the
// outbox stream that publishes each decision to the event bus and acks it,
// reclaiming entries abandoned by a crashed consumer.
package publisher

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	core "github.com/cardguard/ruleengine/internal/app/core/service"
	"github.com/cardguard/ruleengine/internal/app/outbox"
	"github.com/cardguard/ruleengine/internal/app/system"
	"github.com/cardguard/ruleengine/pkg/logger"
	"github.com/cardguard/ruleengine/pkg/metrics"
)

var _ system.Service = (*Worker)(nil)

// streamClient is the slice of *redis.Client the publisher needs for both
// the source (outbox) stream and the destination (bus) stream.
type streamClient interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XPendingExt(ctx context.Context, a *redis.XPendingExtArgs) *redis.XPendingExtCmd
	XClaim(ctx context.Context, a *redis.XClaimArgs) *redis.XClaimCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// Config bundles the worker's stream topology and timing knobs.
type Config struct {
	SourceStream            string
	BusStream                string
	ConsumerGroup            string
	ConsumerName             string
	PollInterval             time.Duration
	BatchSize                int64
	PendingMinIdle           time.Duration
	PendingClaimCount        int64
	PendingSummaryInterval   time.Duration
}

// Worker is the C6 publisher: it polls the outbox stream, republishes each
// entry to the bus stream, and acks on success.
type Worker struct {
	client streamClient
	cfg    Config
	log    *logger.Logger
	tracer core.Tracer

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool

	lastSummary time.Time
}

// New returns a Worker bound to client with the given Config. Zero-valued
// timing fields fall back to the spec defaults.
func New(client streamClient, cfg Config, log *logger.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.PendingMinIdle <= 0 {
		cfg.PendingMinIdle = 60 * time.Second
	}
	if cfg.PendingClaimCount <= 0 {
		cfg.PendingClaimCount = 50
	}
	if cfg.PendingSummaryInterval <= 0 {
		cfg.PendingSummaryInterval = 30 * time.Second
	}
	if log == nil {
		log = logger.NewDefault("publisher")
	}
	return &Worker{client: client, cfg: cfg, log: log, tracer: core.NoopTracer}
}

// WithTracer attaches a tracer, returning the receiver for chaining.
func (w *Worker) WithTracer(tracer core.Tracer) *Worker {
	if tracer != nil {
		w.tracer = tracer
	}
	return w
}

// Name identifies the service for lifecycle management.
func (w *Worker) Name() string { return "publisher-worker" }

// Descriptor advertises the worker's architectural placement.
func (w *Worker) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "publisher-worker",
		Domain:       "payment",
		Layer:        core.LayerData,
		Capabilities: []string{"bus-publish", "pending-reclaim"},
	}
}

// Start ensures the consumer group exists and launches the poll loop.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}

	// MKSTREAM creates the stream if absent; BUSYGROUP means another
	// replica already created the group, which is the expected steady state.
	if err := w.client.XGroupCreateMkStream(ctx, w.cfg.SourceStream, w.cfg.ConsumerGroup, "0").Err(); err != nil {
		if !isBusyGroup(err) {
			w.mu.Unlock()
			return err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.running = true
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				w.tick(runCtx)
			}
		}
	}()

	w.log.Info("publisher worker started")
	return nil
}

// Stop halts the poll loop.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	cancel := w.cancel
	w.running = false
	w.cancel = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	w.log.Info("publisher worker stopped")
	return nil
}

func (w *Worker) tick(ctx context.Context) {
	w.reclaim(ctx)
	entries := w.readBatch(ctx)
	for _, entry := range entries {
		w.process(ctx, entry)
	}
	w.maybeSummarize(ctx)
}

// reclaim claims entries idle longer than PendingMinIdle — previously
// delivered to a consumer that crashed before acking — and republishes them
// through the same processing path.
func (w *Worker) reclaim(ctx context.Context) {
	pending, err := w.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: w.cfg.SourceStream,
		Group:  w.cfg.ConsumerGroup,
		Start:  "-",
		End:    "+",
		Count:  w.cfg.PendingClaimCount,
	}).Result()
	if err != nil {
		w.log.WithError(err).Warn("publisher pending scan failed")
		return
	}

	var staleIDs []string
	for _, p := range pending {
		if p.Idle >= w.cfg.PendingMinIdle {
			staleIDs = append(staleIDs, p.ID)
		}
	}
	if len(staleIDs) == 0 {
		return
	}

	claimed, err := w.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   w.cfg.SourceStream,
		Group:    w.cfg.ConsumerGroup,
		Consumer: w.cfg.ConsumerName,
		MinIdle:  w.cfg.PendingMinIdle,
		Messages: staleIDs,
	}).Result()
	if err != nil {
		w.log.WithError(err).Warn("publisher reclaim failed")
		metrics.RecordPublisherReclaim("error", 0)
		return
	}

	metrics.RecordPublisherReclaim("ok", len(claimed))
	for _, entry := range claimed {
		w.process(ctx, entry)
	}
}

func (w *Worker) readBatch(ctx context.Context) []redis.XMessage {
	streams, err := w.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    w.cfg.ConsumerGroup,
		Consumer: w.cfg.ConsumerName,
		Streams:  []string{w.cfg.SourceStream, ">"},
		Count:    w.cfg.BatchSize,
		Block:    0,
		NoAck:    false,
	}).Result()
	if err != nil {
		if err != redis.Nil {
			w.log.WithError(err).Warn("publisher read failed")
		}
		return nil
	}
	if len(streams) == 0 {
		return nil
	}
	return streams[0].Messages
}

// process publishes a single reclaimed/fresh entry to the bus and acks the
// source entry on success. Failure leaves the entry unacked for the reclaim
// path to retry later.
func (w *Worker) process(ctx context.Context, entry redis.XMessage) {
	transactionID, _ := entry.Values["transaction_id"].(string)
	ctx, done := w.tracer.StartSpan(ctx, "publisher.process", map[string]string{"transaction_id": transactionID})
	var finalErr error
	defer func() { done(finalErr) }()

	payloadRaw, _ := entry.Values["payload"].(string)
	var rec outbox.Record
	if err := json.Unmarshal([]byte(payloadRaw), &rec); err != nil {
		w.log.WithError(err).WithField("entry_id", entry.ID).Warn("publisher could not decode outbox entry, acking to avoid poison loop")
		// A malformed payload can never be published; acking prevents it
		// from being reclaimed forever and starving real entries.
		_ = w.client.XAck(ctx, w.cfg.SourceStream, w.cfg.ConsumerGroup, entry.ID).Err()
		return
	}

	finalErr = w.client.XAdd(ctx, &redis.XAddArgs{
		Stream: w.cfg.BusStream,
		Values: map[string]interface{}{
			"transaction_id": transactionID,
			"decision_id":    rec.Decision.DecisionID,
			"payload":        payloadRaw,
		},
	}).Err()
	if finalErr != nil {
		w.log.WithError(finalErr).WithField("transaction_id", transactionID).Warn("publisher bus append failed, leaving unacked")
		metrics.RecordPublisherAck("error")
		return
	}

	if err := w.client.XAck(ctx, w.cfg.SourceStream, w.cfg.ConsumerGroup, entry.ID).Err(); err != nil {
		w.log.WithError(err).WithField("transaction_id", transactionID).Warn("publisher ack failed")
		metrics.RecordPublisherAck("error")
		return
	}

	metrics.RecordPublisherAck("ok")
	metrics.SetPublisherLag(time.Since(rec.EnqueuedAt))
}

func (w *Worker) maybeSummarize(ctx context.Context) {
	if time.Since(w.lastSummary) < w.cfg.PendingSummaryInterval {
		return
	}
	w.lastSummary = time.Now()

	pending, err := w.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: w.cfg.SourceStream,
		Group:  w.cfg.ConsumerGroup,
		Start:  "-",
		End:    "+",
		Count:  1000,
	}).Result()
	if err != nil {
		return
	}

	var oldestIdle time.Duration
	for _, p := range pending {
		if p.Idle > oldestIdle {
			oldestIdle = p.Idle
		}
	}
	w.log.WithField("total_pending", len(pending)).
		WithField("oldest_idle_ms", oldestIdle.Milliseconds()).
		Debug("publisher backlog summary")
}

func isBusyGroup(err error) bool {
	if err == nil {
		return false
	}
	return len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}
