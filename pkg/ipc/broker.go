package ipc

import (
	"sync"

	"github.com/launcherd/launcherd/pkg/helpers/syncutil"
	"github.com/rs/zerolog/log"
)

// Broker fans event envelopes out to every subscribed peer connection using
// non-blocking sends, so a stalled client can never stall the orchestrator
// that is publishing them.
type Broker struct {
	mu          syncutil.RWMutex
	subscribers map[int]chan EventEnvelope
	nextID      int
	closeOnce   sync.Once
}

// NewBroker constructs an empty event broker.
func NewBroker() *Broker {
	return &Broker{subscribers: make(map[int]chan EventEnvelope)}
}

// Publish sends envelope to every current subscriber. A subscriber whose
// buffer is already full has fallen behind the broadcast rate and is
// disconnected rather than left with a silently growing backlog: Publish
// never blocks the caller waiting for a slow peer.
func (b *Broker) Publish(envelope EventEnvelope) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subscribers {
		select {
		case ch <- envelope:
		default:
			log.Warn().Int("subscriber_id", id).Msg("ipc: event subscriber fell behind, disconnecting")
			delete(b.subscribers, id)
			close(ch)
		}
	}
}

// Subscribe registers a new subscription and returns its channel and ID.
// bufferSize bounds how many undelivered events may queue before Publish
// disconnects this subscriber.
func (b *Broker) Subscribe(bufferSize int) (events <-chan EventEnvelope, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id = b.nextID
	b.nextID++
	ch := make(chan EventEnvelope, bufferSize)
	b.subscribers[id] = ch
	return ch, id
}

// Unsubscribe removes a subscription and closes its channel. Safe to call
// more than once with the same id.
func (b *Broker) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(ch)
	}
}

// Stop closes every subscriber channel, called once during orchestrator
// shutdown after the final shutdown event has been published.
func (b *Broker) Stop() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for id, ch := range b.subscribers {
			close(ch)
			delete(b.subscribers, id)
		}
	})
}
