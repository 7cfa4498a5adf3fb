package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"sns_server/server/realtime/domain"
)

type deliveryFixture struct {
	registry *Registry
	store    *memMessageStore
	mailbox  *memMailbox
	dedup    *memDeduper
	engine   *DeliveryEngine
}

func newDeliveryFixture(participants map[string][]string) *deliveryFixture {
	registry := NewRegistry(PolicyAllowDuplicates)
	store := newMemMessageStore()
	mailbox := newMemMailbox()
	dedup := newMemDeduper()
	engine := NewDeliveryEngine(store, mailbox, &memConversations{participants: participants}, registry, dedup)
	return &deliveryFixture{registry: registry, store: store, mailbox: mailbox, dedup: dedup, engine: engine}
}

func TestDelivery_SequenceIsGapFree(t *testing.T) {
	f := newDeliveryFixture(map[string][]string{"c1": {"alice", "bob"}})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		msg, err := f.engine.Send(ctx, "alice", "c1", json.RawMessage(`{"text":"hi"}`), "")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if msg.Seq != int64(i+1) {
			t.Fatalf("expected seq %d, got %d", i+1, msg.Seq)
		}
	}
}

func TestDelivery_SequenceSeedsFromStore(t *testing.T) {
	f := newDeliveryFixture(map[string][]string{"c1": {"alice", "bob"}})
	ctx := context.Background()
	f.store.messages["c1"] = []domain.Message{{ConversationID: "c1", Seq: 7, SenderID: "bob"}}

	msg, err := f.engine.Send(ctx, "alice", "c1", json.RawMessage(`{}`), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Seq != 8 {
		t.Fatalf("expected seq 8 after restart, got %d", msg.Seq)
	}
}

func TestDelivery_FailedAppendLeavesNoGap(t *testing.T) {
	f := newDeliveryFixture(map[string][]string{"c1": {"alice", "bob"}})
	ctx := context.Background()

	if _, err := f.engine.Send(ctx, "alice", "c1", json.RawMessage(`{}`), ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	f.store.failNext = true
	if _, err := f.engine.Send(ctx, "alice", "c1", json.RawMessage(`{}`), ""); err == nil {
		t.Fatal("expected append failure to surface")
	}

	msg, err := f.engine.Send(ctx, "alice", "c1", json.RawMessage(`{}`), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Seq != 2 {
		t.Fatalf("failed send must not burn a sequence number, got %d", msg.Seq)
	}
}

func TestDelivery_NonParticipantRejected(t *testing.T) {
	f := newDeliveryFixture(map[string][]string{"c1": {"alice", "bob"}})

	_, err := f.engine.Send(context.Background(), "mallory", "c1", json.RawMessage(`{}`), "")
	if !errors.Is(err, domain.ErrNotAParticipant) {
		t.Fatalf("expected ErrNotAParticipant, got %v", err)
	}
	if len(f.store.messages["c1"]) != 0 {
		t.Fatal("rejected send must not persist anything")
	}
}

func TestDelivery_FanoutToLiveConnections(t *testing.T) {
	f := newDeliveryFixture(map[string][]string{"c1": {"alice", "bob"}})
	ctx := context.Background()
	bobPhone := &fakeSink{}
	bobLaptop := &fakeSink{}
	if _, err := f.registry.Register("bob", "phone", bobPhone); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := f.registry.Register("bob", "laptop", bobLaptop); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := f.engine.Send(ctx, "alice", "c1", json.RawMessage(`{"text":"hi"}`), ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bobPhone.countType(EventMessageNew) != 1 || bobLaptop.countType(EventMessageNew) != 1 {
		t.Fatal("every live device of the recipient must get the message")
	}
	if f.mailbox.size("bob") != 0 {
		t.Fatal("online recipient must not get a mailbox entry")
	}
}

func TestDelivery_OfflineRecipientGetsMailbox(t *testing.T) {
	f := newDeliveryFixture(map[string][]string{"c1": {"alice", "bob"}})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := f.engine.Send(ctx, "alice", "c1", json.RawMessage(`{}`), ""); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if f.mailbox.size("bob") != 3 {
		t.Fatalf("expected 3 queued messages, got %d", f.mailbox.size("bob"))
	}

	msgs, err := f.engine.DrainMailbox(ctx, "bob")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 drained messages, got %d", len(msgs))
	}
	for i, m := range msgs {
		if m.Seq != int64(i+1) {
			t.Fatalf("drain must preserve send order, got seq %d at index %d", m.Seq, i)
		}
	}

	// Second drain is empty; delivery happens exactly once.
	msgs, err = f.engine.DrainMailbox(ctx, "bob")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("second drain must be empty, got %d", len(msgs))
	}
}

func TestDelivery_RetryWithClientMsgIDDeduplicated(t *testing.T) {
	f := newDeliveryFixture(map[string][]string{"c1": {"alice", "bob"}})
	ctx := context.Background()

	first, err := f.engine.Send(ctx, "alice", "c1", json.RawMessage(`{"text":"hi"}`), "client-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	retry, err := f.engine.Send(ctx, "alice", "c1", json.RawMessage(`{"text":"hi"}`), "client-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if retry.Seq != first.Seq {
		t.Fatalf("retry must return the original seq %d, got %d", first.Seq, retry.Seq)
	}
	if len(f.store.messages["c1"]) != 1 {
		t.Fatalf("retry must not persist a second row, got %d", len(f.store.messages["c1"]))
	}
}

func TestDelivery_FailedSendReleasesDedupKey(t *testing.T) {
	f := newDeliveryFixture(map[string][]string{"c1": {"alice", "bob"}})
	ctx := context.Background()

	f.store.failNext = true
	if _, err := f.engine.Send(ctx, "alice", "c1", json.RawMessage(`{}`), "client-1"); err == nil {
		t.Fatal("expected append failure to surface")
	}

	// The retry must not be short-circuited by a stale claim.
	msg, err := f.engine.Send(ctx, "alice", "c1", json.RawMessage(`{}`), "client-1")
	if err != nil {
		t.Fatalf("retry after failure must succeed: %v", err)
	}
	if msg.Seq != 1 {
		t.Fatalf("expected seq 1, got %d", msg.Seq)
	}
	if len(f.store.messages["c1"]) != 1 {
		t.Fatalf("expected exactly one persisted message, got %d", len(f.store.messages["c1"]))
	}
}

func TestDelivery_ConcurrentSendsObservedInOrder(t *testing.T) {
	f := newDeliveryFixture(map[string][]string{"c1": {"alice", "bob"}})
	ctx := context.Background()
	bobSink := &fakeSink{}
	if _, err := f.registry.Register("bob", "phone", bobSink); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	const senders = 8
	const perSender = 50
	var wg sync.WaitGroup
	errs := make(chan error, senders*perSender)
	for g := 0; g < senders; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				if _, err := f.engine.Send(ctx, "alice", "c1", json.RawMessage(`{}`), ""); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("unexpected error: %v", err)
	}

	var last int64
	seen := 0
	for _, env := range bobSink.recorded() {
		if env.Type != EventMessageNew {
			continue
		}
		var msg domain.Message
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if msg.Seq <= last {
			t.Fatalf("seq %d observed after %d", msg.Seq, last)
		}
		last = msg.Seq
		seen++
	}
	if seen != senders*perSender {
		t.Fatalf("expected %d deliveries, got %d", senders*perSender, seen)
	}
}

func TestDelivery_HistoryPagesBackwards(t *testing.T) {
	f := newDeliveryFixture(map[string][]string{"c1": {"alice", "bob"}})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := f.engine.Send(ctx, "alice", "c1", json.RawMessage(`{}`), ""); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	page, err := f.engine.History(ctx, "bob", "c1", 2, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(page) != 2 || page[0].Seq != 5 || page[1].Seq != 4 {
		t.Fatalf("expected [5 4], got %+v", page)
	}

	before := page[1].Seq
	page, err = f.engine.History(ctx, "bob", "c1", 2, &before)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(page) != 2 || page[0].Seq != 3 || page[1].Seq != 2 {
		t.Fatalf("expected [3 2], got %+v", page)
	}

	if _, err := f.engine.History(ctx, "mallory", "c1", 10, nil); !errors.Is(err, domain.ErrNotAParticipant) {
		t.Fatalf("expected ErrNotAParticipant, got %v", err)
	}
}

func TestDelivery_ReceiptAdvancesAndEchoes(t *testing.T) {
	f := newDeliveryFixture(map[string][]string{"c1": {"alice", "bob"}})
	ctx := context.Background()
	aliceSink := &fakeSink{}
	if _, err := f.registry.Register("alice", "phone", aliceSink); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg, err := f.engine.Send(ctx, "alice", "c1", json.RawMessage(`{}`), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := f.engine.AcknowledgeDelivered(ctx, "c1", msg.Seq, "bob"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := f.store.stateOf("c1", msg.Seq); got != domain.DeliveryDelivered {
		t.Fatalf("expected delivered, got %s", got)
	}
	if err := f.engine.AcknowledgeRead(ctx, "c1", msg.Seq, "bob"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := f.store.stateOf("c1", msg.Seq); got != domain.DeliveryRead {
		t.Fatalf("expected read, got %s", got)
	}
	if aliceSink.countType(EventMessageReceipt) != 2 {
		t.Fatal("sender must see both receipts")
	}
}

func TestDelivery_ReceiptsAreMonotonic(t *testing.T) {
	f := newDeliveryFixture(map[string][]string{"c1": {"alice", "bob"}})
	ctx := context.Background()
	aliceSink := &fakeSink{}
	if _, err := f.registry.Register("alice", "phone", aliceSink); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg, err := f.engine.Send(ctx, "alice", "c1", json.RawMessage(`{}`), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := f.engine.AcknowledgeRead(ctx, "c1", msg.Seq, "bob"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Duplicate and regressive receipts are silent no-ops.
	if err := f.engine.AcknowledgeRead(ctx, "c1", msg.Seq, "bob"); err != nil {
		t.Fatalf("duplicate read receipt must be a no-op: %v", err)
	}
	if err := f.engine.AcknowledgeDelivered(ctx, "c1", msg.Seq, "bob"); err != nil {
		t.Fatalf("late delivered receipt must be a no-op: %v", err)
	}
	if got := f.store.stateOf("c1", msg.Seq); got != domain.DeliveryRead {
		t.Fatalf("state must stay read, got %s", got)
	}
	if aliceSink.countType(EventMessageReceipt) != 1 {
		t.Fatal("no-op receipts must not be echoed")
	}
}
