// Package sync relays the store's change feed to in-process subscribers. One
// Broadcaster owns one collection namespace (one redis channel); views
// subscribe per record or collection-wide and receive ordered, de-duplicated
// change notifications until they close their subscription.
package sync

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"eegflow/api/internal/store"

	"github.com/redis/go-redis/v9"
)

// Change is one observed mutation of a document in the broadcaster's
// collection.
type Change struct {
	EventID string           `json:"eventId"`
	DocID   string           `json:"docId"`
	Type    store.ChangeType `json:"type"`
	Doc     map[string]any   `json:"doc,omitempty"`
	At      time.Time        `json:"at"`
}

// Subscription is the handle a view holds. Close is idempotent; after Close
// returns no further callbacks fire.
type Subscription struct {
	broadcaster *Broadcaster
	topic       string
	filter      func(Change) bool
	onChange    func(Change)
	onStatus    func(live bool)
	closed      atomic.Bool
}

func (s *Subscription) Close() {
	if s.closed.Swap(true) {
		return
	}
	s.broadcaster.remove(s)
}

const collectionTopic = ""

// recentCap bounds the de-duplication window.
const recentCap = 512

type Broadcaster struct {
	client  *redis.Client
	channel string

	mu          sync.Mutex
	topics      map[string]map[*Subscription]struct{}
	latest      map[string]Change
	recent      map[string]struct{}
	recentOrder []string
	live        bool

	pubsub *redis.PubSub
}

func New(client *redis.Client, channel string) *Broadcaster {
	return &Broadcaster{
		client:  client,
		channel: channel,
		topics:  make(map[string]map[*Subscription]struct{}),
		latest:  make(map[string]Change),
		recent:  make(map[string]struct{}),
	}
}

// Run consumes the change feed until ctx is cancelled or Close is called.
// Reconnecting a dropped redis connection is go-redis's responsibility; if
// the stream ends the broadcaster degrades rather than stalling silently.
func (b *Broadcaster) Run(ctx context.Context) {
	pubsub := b.client.Subscribe(ctx, b.channel)

	b.mu.Lock()
	b.pubsub = pubsub
	b.mu.Unlock()
	b.setLive(true)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			b.setLive(false)
			_ = pubsub.Close()
			return
		case msg, ok := <-ch:
			if !ok {
				b.setLive(false)
				return
			}
			b.dispatch(msg.Payload)
		}
	}
}

// Close tears the feed down and signals degraded mode to all subscribers.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	pubsub := b.pubsub
	b.mu.Unlock()
	if pubsub != nil {
		_ = pubsub.Close()
	}
	b.setLive(false)
}

func (b *Broadcaster) IsLive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.live
}

// Subscribe registers a callback for changes to one record. onStatus may be
// nil; when set it receives liveness flips.
func (b *Broadcaster) Subscribe(docID string, onChange func(Change), onStatus func(live bool)) *Subscription {
	return b.add(&Subscription{broadcaster: b, topic: docID, onChange: onChange, onStatus: onStatus})
}

// SubscribeCollection registers a callback for every change in the
// collection, optionally narrowed by a filter.
func (b *Broadcaster) SubscribeCollection(filter func(Change) bool, onChange func(Change), onStatus func(live bool)) *Subscription {
	return b.add(&Subscription{broadcaster: b, topic: collectionTopic, filter: filter, onChange: onChange, onStatus: onStatus})
}

// Latest returns the most recent known change for a record. A re-subscribing
// view starts from this instead of replayed history.
func (b *Broadcaster) Latest(docID string) (Change, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	change, ok := b.latest[docID]
	return change, ok
}

func (b *Broadcaster) add(sub *Subscription) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.topics[sub.topic]
	if !ok {
		subs = make(map[*Subscription]struct{})
		b.topics[sub.topic] = subs
	}
	subs[sub] = struct{}{}
	return sub
}

func (b *Broadcaster) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.topics[sub.topic]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.topics, sub.topic)
		}
	}
}

func (b *Broadcaster) dispatch(payload string) {
	var event store.ChangeEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		log.Printf("sync: drop malformed change event: %v", err)
		return
	}

	change := Change{
		EventID: event.EventID,
		DocID:   event.DocID,
		Type:    event.Type,
		Doc:     event.Doc,
		At:      event.At,
	}

	b.mu.Lock()
	if _, seen := b.recent[change.EventID]; seen {
		b.mu.Unlock()
		return
	}
	b.remember(change)
	targets := make([]*Subscription, 0)
	for sub := range b.topics[change.DocID] {
		targets = append(targets, sub)
	}
	for sub := range b.topics[collectionTopic] {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	for _, sub := range targets {
		if sub.closed.Load() {
			continue
		}
		if sub.filter != nil && !sub.filter(change) {
			continue
		}
		sub.onChange(change)
	}
}

// remember must be called with b.mu held.
func (b *Broadcaster) remember(change Change) {
	b.recent[change.EventID] = struct{}{}
	b.recentOrder = append(b.recentOrder, change.EventID)
	if len(b.recentOrder) > recentCap {
		delete(b.recent, b.recentOrder[0])
		b.recentOrder = b.recentOrder[1:]
	}
	b.latest[change.DocID] = change
}

func (b *Broadcaster) setLive(live bool) {
	b.mu.Lock()
	if b.live == live {
		b.mu.Unlock()
		return
	}
	b.live = live
	var targets []*Subscription
	for _, subs := range b.topics {
		for sub := range subs {
			if sub.onStatus != nil {
				targets = append(targets, sub)
			}
		}
	}
	b.mu.Unlock()

	for _, sub := range targets {
		if sub.closed.Load() {
			continue
		}
		sub.onStatus(live)
	}
}
