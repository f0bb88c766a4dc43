package ws

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/openclob/marketsync/internal/domain"
)

// memBus routes published payloads to pattern subscriptions the way Redis
// Pub/Sub does: the delivered signal names the concrete channel, not the
// pattern the subscriber used.
type memBus struct {
	mu   sync.Mutex
	subs map[string]chan domain.Signal
}

func newMemBus() *memBus {
	return &memBus{subs: make(map[string]chan domain.Signal)}
}

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for pattern, ch := range b.subs {
		if patternMatches(pattern, channel) {
			ch <- domain.Signal{Channel: channel, Payload: payload}
		}
	}
	return nil
}

func (b *memBus) Subscribe(_ context.Context, channel string) (<-chan domain.Signal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan domain.Signal, 8)
	b.subs[channel] = ch
	return ch, nil
}

func (b *memBus) subCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func patternMatches(pattern, channel string) bool {
	if n := len(pattern); n > 0 && pattern[n-1] == '*' {
		prefix := pattern[:n-1]
		return len(channel) >= len(prefix) && channel[:len(prefix)] == prefix
	}
	return pattern == channel
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(subs ...string) *client {
	c := &client{subs: make(map[string]bool)}
	for _, s := range subs {
		c.subs[s] = true
	}
	return c
}

func TestIsSubscribedExactMatch(t *testing.T) {
	c := newTestClient("ch:depth:0xabc")
	if !c.isSubscribed("ch:depth:0xabc") {
		t.Fatal("exact channel should match")
	}
	if c.isSubscribed("ch:depth:0xdef") {
		t.Fatal("other channel should not match")
	}
}

func TestIsSubscribedWildcard(t *testing.T) {
	c := newTestClient("ch:bar:*")
	for _, ch := range []string{"ch:bar:0xabc:1h", "ch:bar:0xdef:1m"} {
		if !c.isSubscribed(ch) {
			t.Errorf("%s should match ch:bar:*", ch)
		}
	}
	if c.isSubscribed("ch:ticker:0xabc") {
		t.Fatal("ticker channel should not match a bar wildcard")
	}
}

// A client narrowed to one market's channel must receive messages published
// on that channel even though the hub's own bus subscriptions use patterns.
func TestBroadcastCarriesConcreteChannel(t *testing.T) {
	bus := newMemBus()
	h := NewHub(bus, "serve", discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	deadline := time.Now().Add(3 * time.Second)
	for bus.subCount() < len(defaultChannels) {
		if time.Now().After(deadline) {
			t.Fatal("hub never subscribed to the bus")
		}
		time.Sleep(5 * time.Millisecond)
	}

	c := &client{hub: h, send: make(chan []byte, 4), subs: map[string]bool{"ch:ticker:0xabc": true}}
	h.register <- c

	// The other market's message goes through the same pattern subscription
	// first; if it leaked to this client it would arrive before ours.
	if err := bus.Publish(ctx, "ch:ticker:0xdef", []byte(`{"market":"0xdef"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := bus.Publish(ctx, "ch:ticker:0xabc", []byte(`{"market":"0xabc"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-c.send:
		if string(msg) != `{"market":"0xabc"}` {
			t.Fatalf("client got %s, want only its own market's payload", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("client subscribed to the concrete channel received nothing")
	}
	select {
	case msg := <-c.send:
		t.Fatalf("unexpected extra message %s", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandleSubscriptionAddsAndRemoves(t *testing.T) {
	c := newTestClient("ch:depth:*")

	c.handleSubscription(subscribeMsg{
		Subscribe:   []string{"ch:ticker:0xabc"},
		Unsubscribe: []string{"ch:depth:*"},
	})

	if !c.isSubscribed("ch:ticker:0xabc") {
		t.Fatal("subscribed channel missing")
	}
	if c.isSubscribed("ch:depth:0xabc") {
		t.Fatal("unsubscribed wildcard still matching")
	}
}
