// Package events provides a fan-out pub/sub bus used to wake a stream
// writer when its agent's command queue gains entries, without the writer
// polling. It also defines a fleet-wide IOC version-bump signal that stream
// writers react to; no component in this repository publishes that signal.
package events

import "sync"

// EventType identifies the kind of internal signal carried on the bus.
type EventType string

const (
	// EventQueueChanged fires for a specific agent id (carried in AgentID)
	// whenever command.Queue.Enqueue appends a command for it. An UPDATE_IOCS
	// command dropped as a duplicate publishes nothing.
	EventQueueChanged EventType = "queue_changed"
	// EventIOCVersionBumped is a fleet-wide signal on which every stream
	// writer drains its queue. ioc.Store.CommitVersion does not publish it,
	// and neither does any other component in this repository.
	EventIOCVersionBumped EventType = "ioc_version_bumped"
)

// Signal is a single event published through the bus.
type Signal struct {
	Type    EventType
	AgentID string // only meaningful for EventQueueChanged
	Version int    // only meaningful for EventIOCVersionBumped
}

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 16

// Bus is a fan-out pub/sub event bus. Subscribers receive all events
// published after they subscribe. A slow subscriber has events dropped
// rather than blocking the publisher -- every consumer of this bus treats
// a missed signal as harmless because it only ever triggers a re-check of
// durable state (the queue, the IOC version), never carries a payload that
// must not be lost.
type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Signal
	next uint64
}

// New creates a ready-to-use Bus.
func New() *Bus {
	return &Bus{subs: make(map[uint64]chan Signal)}
}

// Publish sends a signal to all current subscribers, dropping it for any
// subscriber whose buffer is full.
func (b *Bus) Publish(s Signal) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- s:
		default:
		}
	}
}

// Subscribe returns a channel receiving future signals and a cancel
// function that unsubscribes and closes the channel. The caller must
// invoke cancel when done.
func (b *Bus) Subscribe() (<-chan Signal, func()) {
	ch := make(chan Signal, subscriberBufferSize)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}

	return ch, cancel
}
