package publisher

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/cardguard/ruleengine/internal/app/domain/payment"
	"github.com/cardguard/ruleengine/internal/app/outbox"
)

// fakeStreamClient is an in-memory stand-in for *redis.Client covering only
// the commands the publisher touches.
type fakeStreamClient struct {
	groupCreated bool
	pending      []redis.XPendingExt
	unread       []redis.XMessage
	claimErr     error
	acked        []string
	busEntries   []map[string]interface{}
	addErr       error
	nextID       int
}

func (f *fakeStreamClient) XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd {
	f.groupCreated = true
	cmd := redis.NewStatusCmd(ctx)
	cmd.SetVal("OK")
	return cmd
}

func (f *fakeStreamClient) XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd {
	cmd := redis.NewXStreamSliceCmd(ctx)
	msgs := f.unread
	f.unread = nil
	if len(msgs) == 0 {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	cmd.SetVal([]redis.XStream{{Stream: a.Streams[0], Messages: msgs}})
	return cmd
}

func (f *fakeStreamClient) XPendingExt(ctx context.Context, a *redis.XPendingExtArgs) *redis.XPendingExtCmd {
	cmd := redis.NewXPendingExtCmd(ctx)
	cmd.SetVal(f.pending)
	return cmd
}

func (f *fakeStreamClient) XClaim(ctx context.Context, a *redis.XClaimArgs) *redis.XClaimCmd {
	cmd := redis.NewXClaimCmd(ctx)
	if f.claimErr != nil {
		cmd.SetErr(f.claimErr)
		return cmd
	}
	cmd.SetVal(f.unread)
	f.unread = nil
	return cmd
}

func (f *fakeStreamClient) XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd {
	f.acked = append(f.acked, ids...)
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(int64(len(ids)))
	return cmd
}

func (f *fakeStreamClient) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx)
	if f.addErr != nil {
		cmd.SetErr(f.addErr)
		return cmd
	}
	f.busEntries = append(f.busEntries, a.Values.(map[string]interface{}))
	cmd.SetVal("0-1")
	return cmd
}

func mustPayload(t *testing.T, txID string, enqueuedAt time.Time) string {
	t.Helper()
	rec := outbox.Record{
		Transaction: &payment.Transaction{TransactionID: txID},
		Decision:    &payment.Decision{DecisionID: "dec-" + txID, Decision: payment.ActionApprove},
		EnqueuedAt:  enqueuedAt,
	}
	b, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}

func Test_ProcessPublishesAndAcksOnSuccess(t *testing.T) {
	client := &fakeStreamClient{}
	w := New(client, Config{SourceStream: "ruleengine:outbox", BusStream: "fraud.card.decisions.v1", ConsumerGroup: "publisher", ConsumerName: "publisher-1"}, nil)

	entry := redis.XMessage{ID: "1-1", Values: map[string]interface{}{
		"transaction_id": "tx-1",
		"payload":        mustPayload(t, "tx-1", time.Now().Add(-5*time.Millisecond)),
	}}
	w.process(context.Background(), entry)

	if len(client.busEntries) != 1 {
		t.Fatalf("expected one bus publish, got %d", len(client.busEntries))
	}
	if len(client.acked) != 1 || client.acked[0] != "1-1" {
		t.Fatalf("expected entry 1-1 to be acked, got %+v", client.acked)
	}
}

func Test_ProcessLeavesUnackedOnBusFailure(t *testing.T) {
	client := &fakeStreamClient{addErr: redis.Nil}
	w := New(client, Config{SourceStream: "ruleengine:outbox", BusStream: "fraud.card.decisions.v1", ConsumerGroup: "publisher", ConsumerName: "publisher-1"}, nil)

	entry := redis.XMessage{ID: "1-2", Values: map[string]interface{}{
		"transaction_id": "tx-2",
		"payload":        mustPayload(t, "tx-2", time.Now()),
	}}
	w.process(context.Background(), entry)

	if len(client.busEntries) != 0 {
		t.Fatalf("expected no bus publish on failure, got %d", len(client.busEntries))
	}
	if len(client.acked) != 0 {
		t.Fatalf("expected entry to remain unacked on bus failure, got %+v", client.acked)
	}
}

func Test_ProcessAcksPoisonPayloadToAvoidInfiniteReclaim(t *testing.T) {
	client := &fakeStreamClient{}
	w := New(client, Config{SourceStream: "ruleengine:outbox", BusStream: "fraud.card.decisions.v1", ConsumerGroup: "publisher", ConsumerName: "publisher-1"}, nil)

	entry := redis.XMessage{ID: "1-3", Values: map[string]interface{}{
		"transaction_id": "tx-3",
		"payload":        "not valid json",
	}}
	w.process(context.Background(), entry)

	if len(client.acked) != 1 || client.acked[0] != "1-3" {
		t.Fatalf("expected poison entry to be acked to avoid an infinite reclaim loop, got %+v", client.acked)
	}
}

func Test_ReclaimClaimsIdleEntriesAndProcessesThem(t *testing.T) {
	client := &fakeStreamClient{
		pending: []redis.XPendingExt{
			{ID: "1-4", Consumer: "publisher-0", Idle: 2 * time.Minute, RetryCount: 1},
		},
		unread: []redis.XMessage{
			{ID: "1-4", Values: map[string]interface{}{
				"transaction_id": "tx-4",
				"payload":        mustPayload(t, "tx-4", time.Now()),
			}},
		},
	}
	w := New(client, Config{
		SourceStream:      "ruleengine:outbox",
		BusStream:         "fraud.card.decisions.v1",
		ConsumerGroup:     "publisher",
		ConsumerName:      "publisher-1",
		PendingMinIdle:    time.Minute,
		PendingClaimCount: 50,
	}, nil)

	w.reclaim(context.Background())

	if len(client.busEntries) != 1 {
		t.Fatalf("expected the reclaimed entry to be republished, got %d", len(client.busEntries))
	}
	if len(client.acked) != 1 || client.acked[0] != "1-4" {
		t.Fatalf("expected the reclaimed entry to be acked after successful publish, got %+v", client.acked)
	}
}

func Test_ReclaimSkipsEntriesBelowIdleThreshold(t *testing.T) {
	client := &fakeStreamClient{
		pending: []redis.XPendingExt{
			{ID: "1-5", Consumer: "publisher-0", Idle: 10 * time.Second},
		},
	}
	w := New(client, Config{
		SourceStream:      "ruleengine:outbox",
		BusStream:         "fraud.card.decisions.v1",
		ConsumerGroup:     "publisher",
		ConsumerName:      "publisher-1",
		PendingMinIdle:    time.Minute,
		PendingClaimCount: 50,
	}, nil)

	w.reclaim(context.Background())

	if len(client.busEntries) != 0 || len(client.acked) != 0 {
		t.Fatalf("expected no reclaim action for an entry below the idle threshold")
	}
}

func Test_StartCreatesConsumerGroup(t *testing.T) {
	client := &fakeStreamClient{}
	w := New(client, Config{SourceStream: "ruleengine:outbox", BusStream: "fraud.card.decisions.v1", ConsumerGroup: "publisher", ConsumerName: "publisher-1", PollInterval: time.Hour}, nil)

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop(context.Background())

	if !client.groupCreated {
		t.Fatalf("expected Start to create the consumer group")
	}
}
