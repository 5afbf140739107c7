package sync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"eegflow/api/internal/store"
)

const testChannel = "test:changes:exams"

func newTestBroadcaster(t *testing.T) (*Broadcaster, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	b := New(client, testChannel)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go b.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for !b.IsLive() {
		if time.Now().After(deadline) {
			t.Fatal("broadcaster never went live")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return b, client
}

func publishEvent(t *testing.T, client *redis.Client, event store.ChangeEvent) {
	t.Helper()
	payload, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	if err := client.Publish(context.Background(), testChannel, payload).Err(); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func waitFor(t *testing.T, ch <-chan Change) Change {
	t.Helper()
	select {
	case change := <-ch:
		return change
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change")
		return Change{}
	}
}

func TestSubscribeReceivesChange(t *testing.T) {
	b, client := newTestBroadcaster(t)

	got := make(chan Change, 1)
	sub := b.Subscribe("exam_1", func(c Change) { got <- c }, nil)
	defer sub.Close()

	publishEvent(t, client, store.ChangeEvent{
		EventID: "evt_1", Collection: "exams", DocID: "exam_1",
		Type: store.ChangeModified, Doc: map[string]any{"currentStage": "RECORDING"}, At: time.Now(),
	})

	change := waitFor(t, got)
	if change.DocID != "exam_1" || change.Type != store.ChangeModified {
		t.Fatalf("unexpected change: %+v", change)
	}
	if change.Doc["currentStage"] != "RECORDING" {
		t.Fatalf("document payload lost: %+v", change.Doc)
	}
}

func TestSubscribeIgnoresOtherDocs(t *testing.T) {
	b, client := newTestBroadcaster(t)

	got := make(chan Change, 1)
	sub := b.Subscribe("exam_1", func(c Change) { got <- c }, nil)
	defer sub.Close()

	publishEvent(t, client, store.ChangeEvent{EventID: "evt_other", DocID: "exam_2", Type: store.ChangeModified})
	publishEvent(t, client, store.ChangeEvent{EventID: "evt_mine", DocID: "exam_1", Type: store.ChangeModified})

	change := waitFor(t, got)
	if change.EventID != "evt_mine" {
		t.Fatalf("received change for the wrong document: %+v", change)
	}
}

func TestDuplicateEventsSuppressed(t *testing.T) {
	b, client := newTestBroadcaster(t)

	got := make(chan Change, 4)
	sub := b.Subscribe("exam_1", func(c Change) { got <- c }, nil)
	defer sub.Close()

	event := store.ChangeEvent{EventID: "evt_dup", DocID: "exam_1", Type: store.ChangeModified}
	publishEvent(t, client, event)
	publishEvent(t, client, event)
	publishEvent(t, client, store.ChangeEvent{EventID: "evt_next", DocID: "exam_1", Type: store.ChangeModified})

	first := waitFor(t, got)
	second := waitFor(t, got)
	if first.EventID != "evt_dup" || second.EventID != "evt_next" {
		t.Fatalf("expected the duplicate dropped, got %s then %s", first.EventID, second.EventID)
	}
}

func TestCollectionSubscriptionWithFilter(t *testing.T) {
	b, client := newTestBroadcaster(t)

	got := make(chan Change, 2)
	sub := b.SubscribeCollection(
		func(c Change) bool { return c.Type == store.ChangeCreated },
		func(c Change) { got <- c },
		nil,
	)
	defer sub.Close()

	publishEvent(t, client, store.ChangeEvent{EventID: "evt_mod", DocID: "exam_1", Type: store.ChangeModified})
	publishEvent(t, client, store.ChangeEvent{EventID: "evt_new", DocID: "exam_2", Type: store.ChangeCreated})

	change := waitFor(t, got)
	if change.EventID != "evt_new" {
		t.Fatalf("filter let the wrong event through: %+v", change)
	}
}

func TestLatestTracksMostRecentChange(t *testing.T) {
	b, client := newTestBroadcaster(t)

	got := make(chan Change, 2)
	sub := b.Subscribe("exam_1", func(c Change) { got <- c }, nil)
	defer sub.Close()

	publishEvent(t, client, store.ChangeEvent{EventID: "evt_1", DocID: "exam_1", Type: store.ChangeCreated})
	publishEvent(t, client, store.ChangeEvent{EventID: "evt_2", DocID: "exam_1", Type: store.ChangeModified})
	waitFor(t, got)
	waitFor(t, got)

	latest, ok := b.Latest("exam_1")
	if !ok || latest.EventID != "evt_2" {
		t.Fatalf("unexpected latest: %+v, %v", latest, ok)
	}
	if _, ok := b.Latest("exam_9"); ok {
		t.Fatal("unknown document must have no latest change")
	}
}

func TestClosedSubscriptionStopsCallbacks(t *testing.T) {
	b, client := newTestBroadcaster(t)

	got := make(chan Change, 2)
	sub := b.Subscribe("exam_1", func(c Change) { got <- c }, nil)

	publishEvent(t, client, store.ChangeEvent{EventID: "evt_1", DocID: "exam_1", Type: store.ChangeModified})
	waitFor(t, got)

	sub.Close()
	sub.Close() // idempotent

	publishEvent(t, client, store.ChangeEvent{EventID: "evt_2", DocID: "exam_1", Type: store.ChangeModified})
	time.Sleep(100 * time.Millisecond)
	select {
	case change := <-got:
		t.Fatalf("callback fired after close: %+v", change)
	default:
	}
}

func TestCloseFlipsLiveness(t *testing.T) {
	b, _ := newTestBroadcaster(t)

	status := make(chan bool, 2)
	sub := b.Subscribe("exam_1", func(Change) {}, func(live bool) { status <- live })
	defer sub.Close()

	b.Close()
	select {
	case live := <-status:
		if live {
			t.Fatal("expected a degraded status flip")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no status callback after close")
	}
	if b.IsLive() {
		t.Fatal("broadcaster still reports live after close")
	}
}

func TestMalformedPayloadDropped(t *testing.T) {
	b, client := newTestBroadcaster(t)

	got := make(chan Change, 1)
	sub := b.Subscribe("exam_1", func(c Change) { got <- c }, nil)
	defer sub.Close()

	if err := client.Publish(context.Background(), testChannel, "{not json").Err(); err != nil {
		t.Fatalf("publish: %v", err)
	}
	publishEvent(t, client, store.ChangeEvent{EventID: "evt_ok", DocID: "exam_1", Type: store.ChangeModified})

	change := waitFor(t, got)
	if change.EventID != "evt_ok" {
		t.Fatalf("expected only the valid event, got %+v", change)
	}
}
