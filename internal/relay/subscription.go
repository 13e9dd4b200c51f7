package relay

import (
	"sync"

	"github.com/openagents/core/internal/nostrtype"
)

// Subscription is one REQ this connection has open against the relay. Events
// matching it are delivered to Events until Close is called.
type Subscription struct {
	ID      string
	Filters []nostrtype.Filter
	Events  chan *nostrtype.Event
	EOSE    chan struct{}

	closeOnce sync.Once
}

func newSubscription(id string, filters []nostrtype.Filter) *Subscription {
	return &Subscription{
		ID:      id,
		Filters: filters,
		Events:  make(chan *nostrtype.Event, 64),
		EOSE:    make(chan struct{}),
	}
}

func (s *Subscription) deliver(ev *nostrtype.Event) {
	select {
	case s.Events <- ev:
	default:
		// Bounded channel: when a stalled consumer has let the buffer fill,
		// the incoming event is dropped rather than blocking the
		// connection's receive loop.
	}
}

func (s *Subscription) markEOSE() {
	s.closeOnce.Do(func() { close(s.EOSE) })
}

// Close stops delivery to this subscription. It does not send CLOSE to the
// relay — callers that want that should go through RelayConnection.Unsubscribe.
func (s *Subscription) Close() {
	close(s.Events)
}
