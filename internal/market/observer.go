// Package market derives the queryable views from the synchronized event
// stream: OHLC price history, bounded orderbook depth, and the rolling
// 24-hour ticker. Every live view follows the lazy-activation contract: its
// background synchronization runs only while it has at least one observer.
package market

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/openclob/marketsync/internal/domain"
)

// ViewEvent names the notification kinds a view can raise.
type ViewEvent string

const (
	EventAdded   ViewEvent = "added"
	EventUpdated ViewEvent = "updated"
	EventRemoved ViewEvent = "removed"
	EventChanged ViewEvent = "changed"
)

// activator is implemented by views. onActivate is called when the observer
// count crosses 0 to 1 with a context derived from the view's lifetime;
// cancellation of that context is the view's signal to suspend all
// subscriptions. onDeactivate is called after the count returns to 0.
type activator interface {
	onActivate(ctx context.Context)
	onDeactivate()
}

// observers is the explicit observer-list used by every view in place of
// inheritance-based event dispatch. Subscribe/Unsubscribe adjust a reference
// count; crossing 0→1 or 1→0 invokes the view's activation hooks.
type observers struct {
	parent context.Context
	view   activator

	mu     sync.Mutex
	subs   map[ViewEvent]map[uuid.UUID]func(any)
	count  int
	cancel context.CancelCauseFunc
}

func newObservers(parent context.Context, view activator) *observers {
	return &observers{
		parent: parent,
		view:   view,
		subs:   make(map[ViewEvent]map[uuid.UUID]func(any)),
	}
}

// Subscribe registers a callback for one notification kind and returns its
// handle. The first subscription activates the view.
func (o *observers) Subscribe(kind ViewEvent, fn func(any)) uuid.UUID {
	o.mu.Lock()
	id := uuid.New()
	if o.subs[kind] == nil {
		o.subs[kind] = make(map[uuid.UUID]func(any))
	}
	o.subs[kind][id] = fn
	o.count++
	activate := o.count == 1
	var ctx context.Context
	if activate {
		ctx, o.cancel = context.WithCancelCause(o.parent)
	}
	o.mu.Unlock()

	if activate {
		o.view.onActivate(ctx)
	}
	return id
}

// Unsubscribe removes a callback. When the last observer leaves, the view's
// activation context is cancelled and the view suspends.
func (o *observers) Unsubscribe(kind ViewEvent, id uuid.UUID) {
	o.mu.Lock()
	m, ok := o.subs[kind]
	if !ok {
		o.mu.Unlock()
		return
	}
	if _, ok := m[id]; !ok {
		o.mu.Unlock()
		return
	}
	delete(m, id)
	o.count--
	deactivate := o.count == 0
	var cancel context.CancelCauseFunc
	if deactivate {
		cancel = o.cancel
		o.cancel = nil
	}
	o.mu.Unlock()

	if deactivate {
		if cancel != nil {
			cancel(domain.ErrViewClosed)
		}
		o.view.onDeactivate()
	}
}

// emit delivers a payload to every callback registered for the kind. The
// callback set is snapshotted so observers may unsubscribe from within a
// notification.
func (o *observers) emit(kind ViewEvent, payload any) {
	o.mu.Lock()
	fns := make([]func(any), 0, len(o.subs[kind]))
	for _, fn := range o.subs[kind] {
		fns = append(fns, fn)
	}
	o.mu.Unlock()

	for _, fn := range fns {
		fn(payload)
	}
}

// active reports whether the view currently has observers.
func (o *observers) active() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.count > 0
}
