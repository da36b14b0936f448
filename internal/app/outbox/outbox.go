// Package outbox implements the dispatcher (C5): a bounded in-process queue
// that removes AUTH durability from the synchronous request path. Enqueue is
// always non-blocking; a dedicated worker drains the queue and appends each
// record to a durable Redis stream with bounded retry.
package outbox

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"

	core "github.com/cardguard/ruleengine/internal/app/core/service"
	"github.com/cardguard/ruleengine/internal/app/domain/payment"
	"github.com/cardguard/ruleengine/internal/app/system"
	"github.com/cardguard/ruleengine/pkg/logger"
	"github.com/cardguard/ruleengine/pkg/metrics"
)

var _ system.Service = (*Dispatcher)(nil)

// streamAppender is the narrow slice of *redis.Client the dispatcher needs,
// so tests can substitute a fake without a live store.
type streamAppender interface {
	XAdd(ctx context.Context, args *redis.XAddArgs) *redis.StringCmd
}

// Record is a single queued (transaction, decision) pair awaiting durable
// append. EnqueuedAt feeds the publisher's lag gauge once the entry reaches
// the bus. It is the exact shape marshaled into the stream entry's "payload"
// field, so the publisher can decode it without redefining the wire format.
type Record struct {
	Transaction *payment.Transaction `json:"transaction"`
	Decision    *payment.Decision    `json:"decision"`
	EnqueuedAt  time.Time            `json:"enqueued_at"`
}

// Dispatcher is the C5 outbox: EnqueueAuth feeds a bounded channel, a single
// drainer goroutine appends entries to the stream named by streamKey.
type Dispatcher struct {
	client    streamAppender
	streamKey string
	maxLen    int64
	retry     core.RetryPolicy

	queue chan Record
	log   *logger.Logger
	tracer core.Tracer

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool

	unavailable atomic.Bool
}

// New returns a Dispatcher bound to client, appending to streamKey with a
// queue of the given capacity (default 4096 when capacity <= 0).
func New(client streamAppender, streamKey string, maxLen int64, capacity int, retry core.RetryPolicy, log *logger.Logger) *Dispatcher {
	if capacity <= 0 {
		capacity = 4096
	}
	if log == nil {
		log = logger.NewDefault("outbox")
	}
	return &Dispatcher{
		client:    client,
		streamKey: streamKey,
		maxLen:    maxLen,
		retry:     retry,
		queue:     make(chan Record, capacity),
		log:       log,
		tracer:    core.NoopTracer,
	}
}

// WithTracer attaches a tracer, returning the receiver for chaining.
func (d *Dispatcher) WithTracer(tracer core.Tracer) *Dispatcher {
	if tracer != nil {
		d.tracer = tracer
	}
	return d
}

// Name identifies the service for lifecycle management.
func (d *Dispatcher) Name() string { return "outbox-dispatcher" }

// Descriptor advertises the dispatcher's architectural placement.
func (d *Dispatcher) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "outbox-dispatcher",
		Domain:       "payment",
		Layer:        core.LayerData,
		Capabilities: []string{"durable-append"},
	}
}

// Unavailable reports whether the retry budget has been exhausted on the
// most recent append attempt. Callers use this to promote subsequent AUTH
// requests to OUTBOX_UNAVAILABLE / FAIL_OPEN / HTTP 503.
func (d *Dispatcher) Unavailable() bool {
	return d.unavailable.Load()
}

// EnqueueAuth is non-blocking and never returns an error the caller can
// observe: when the queue is full, the oldest pending record is dropped (and
// counted) to make room.
func (d *Dispatcher) EnqueueAuth(tx *payment.Transaction, decision *payment.Decision) {
	r := Record{Transaction: tx, Decision: decision, EnqueuedAt: time.Now()}

	select {
	case d.queue <- r:
		metrics.RecordOutboxEnqueue("ok")
	default:
		select {
		case <-d.queue:
			metrics.RecordOutboxEnqueue("dropped")
		default:
		}
		select {
		case d.queue <- r:
			metrics.RecordOutboxEnqueue("ok")
		default:
			metrics.RecordOutboxEnqueue("dropped")
		}
	}
	metrics.SetOutboxQueueDepth(len(d.queue))
}

// Start launches the drainer goroutine.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.drain(runCtx)
	}()

	d.log.Info("outbox dispatcher started")
	return nil
}

// Stop signals the drainer to exit and waits for it to finish draining the
// current entry. Queued-but-undrained entries are discarded: durability
// beyond process lifetime is not a goal of the in-process queue.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	cancel := d.cancel
	d.running = false
	d.cancel = nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	d.log.Info("outbox dispatcher stopped")
	return nil
}

func (d *Dispatcher) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-d.queue:
			metrics.SetOutboxQueueDepth(len(d.queue))
			d.append(ctx, r)
		}
	}
}

func (d *Dispatcher) append(ctx context.Context, r Record) {
	attrs := map[string]string{"transaction_id": r.Transaction.TransactionID}
	ctx, done := d.tracer.StartSpan(ctx, "outbox.append", attrs)
	var finalErr error
	defer func() { done(finalErr) }()

	payloadBytes, err := json.Marshal(r)
	if err != nil {
		d.log.WithError(err).Warn("outbox record not serializable, dropping")
		metrics.RecordOutboxAppend("error")
		return
	}

	finalErr = core.Retry(ctx, d.retry, func() error {
		return d.client.XAdd(ctx, &redis.XAddArgs{
			Stream: d.streamKey,
			MaxLen: d.maxLen,
			Approx: true,
			Values: map[string]interface{}{
				"transaction_id": r.Transaction.TransactionID,
				"enqueued_at_ms": r.EnqueuedAt.UnixMilli(),
				"payload":        string(payloadBytes),
			},
		}).Err()
	})

	if finalErr != nil {
		d.unavailable.Store(true)
		d.log.WithError(finalErr).
			WithField("transaction_id", r.Transaction.TransactionID).
			Warn("outbox append exhausted retry budget")
		metrics.RecordOutboxAppend("error")
		return
	}

	d.unavailable.Store(false)
	metrics.RecordOutboxAppend("ok")
}
