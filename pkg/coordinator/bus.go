// Package coordinator implements the CONFIG_UPDATES channel: the single
// process-wide coordination primitive between the config watcher/supervisor
// and a service's autoscaler and rolling updater.
package coordinator

import (
	"sync"

	"github.com/cuemby/podyard/pkg/types"
)

// capacity matches the bounded channel capacity required by the concurrency
// model: senders may block briefly under backpressure, they never drop.
const capacity = 100

// Update is one message on the bus: a service name paired with the signal.
type Update struct {
	Service string
	Message types.ScaleMessage
}

// Subscription is a service's private view of the bus. Only the messages
// addressed to its service name arrive here, in publish order.
type Subscription <-chan types.ScaleMessage

// Bus is the CONFIG_UPDATES channel. A single Bus is constructed per running
// orchestrator and shared by the supervisor and rolling updater (publishers)
// and the autoscaler (each service's one subscriber) for every service.
//
// Unlike the broadcast pattern this is grounded on, delivery to a
// subscriber is never dropped on a full buffer: ConfigUpdate/Resume and
// RollingUpdate/RollingUpdateComplete are balanced pairs the receiving loop
// must observe in order, so a dropped half of a pair would leave a service
// suspended forever.
type Bus struct {
	in   chan Update
	stop chan struct{}

	mu   sync.RWMutex
	subs map[string]chan types.ScaleMessage
}

// New constructs an empty Bus and starts its dispatch loop.
func New() *Bus {
	b := &Bus{
		in:   make(chan Update, capacity),
		stop: make(chan struct{}),
		subs: make(map[string]chan types.ScaleMessage),
	}
	go b.run()
	return b
}

// Close stops the dispatch loop. Subscriptions are not closed; callers still
// holding one simply stop receiving further messages.
func (b *Bus) Close() {
	close(b.stop)
}

// Publish enqueues a message for a service's subscribers. Blocks if the bus's
// bounded internal buffer is full.
func (b *Bus) Publish(service string, msg types.ScaleMessage) {
	select {
	case b.in <- Update{Service: service, Message: msg}:
	case <-b.stop:
	}
}

// Subscribe registers a new per-service subscription. A service should hold
// at most one live subscription at a time; Supervisor.stop calls Unsubscribe
// before a service's tasks are aborted.
func (b *Bus) Subscribe(service string) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan types.ScaleMessage, 8)
	b.subs[service] = ch
	return ch
}

// Unsubscribe removes a service's subscription. The channel is not closed:
// the receiving control loop is expected to exit via its own context
// cancellation, not by observing a closed channel, so a delivery racing this
// call never panics sending on a closed channel.
func (b *Bus) Unsubscribe(service string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, service)
}

func (b *Bus) run() {
	for {
		select {
		case u := <-b.in:
			b.deliver(u)
		case <-b.stop:
			return
		}
	}
}

func (b *Bus) deliver(u Update) {
	b.mu.RLock()
	ch, ok := b.subs[u.Service]
	b.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case ch <- u.Message:
	case <-b.stop:
	}
}
