package alter

import (
	"encoding/json"
	"sync"
	"time"
)

// Stream names for Bus subscriptions.
const (
	StreamThoughts = "thoughts"
	StreamTasks    = "tasks"
	StreamTimeline = "timeline"
)

// busBuffer is the per-subscriber channel depth. Slow subscribers drop
// messages rather than block publishers.
const busBuffer = 16

// busHeartbeatInterval paces keep-alive messages so idle subscribers can
// detect liveness.
const busHeartbeatInterval = 15 * time.Second

// BusMessage is the envelope delivered on Bus streams.
type BusMessage struct {
	Stream    string          `json:"stream"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"ts"`
}

// Bus fans live activity out to subscribers, one channel per subscription.
// It keeps no history: messages published with no subscribers are gone.
// The zero value is not usable; construct with NewBus and pass it by
// pointer to publishers and surfaces.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan BusMessage]struct{}
	closed      bool
	stopHB      chan struct{}
	hbOnce      sync.Once
	closeOnce   sync.Once
}

// NewBus creates a bus with no subscribers. The heartbeat ticker starts
// lazily on the first Subscribe.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string]map[chan BusMessage]struct{}),
		stopHB:      make(chan struct{}),
	}
}

// Subscribe registers a listener on stream and returns its channel plus a
// cancel func. Cancel detaches and closes the channel; it is safe to call
// more than once and after Close.
func (b *Bus) Subscribe(stream string) (<-chan BusMessage, func()) {
	ch := make(chan BusMessage, busBuffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	listeners := b.subscribers[stream]
	if listeners == nil {
		listeners = make(map[chan BusMessage]struct{})
		b.subscribers[stream] = listeners
	}
	listeners[ch] = struct{}{}
	b.mu.Unlock()

	b.hbOnce.Do(func() { go b.heartbeatLoop() })

	cancel := func() {
		b.mu.Lock()
		listeners := b.subscribers[stream]
		_, present := listeners[ch]
		if present {
			delete(listeners, ch)
			if len(listeners) == 0 {
				delete(b.subscribers, stream)
			}
		}
		b.mu.Unlock()
		if present {
			close(ch)
		}
	}
	return ch, cancel
}

// Publish delivers msg to every subscriber of msg.Stream without blocking:
// a full subscriber channel drops the message. A zero Timestamp is stamped
// with the current time.
func (b *Bus) Publish(msg BusMessage) {
	if b == nil {
		return
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	for ch := range b.subscribers[msg.Stream] {
		select {
		case ch <- msg:
		default:
		}
	}
	b.mu.RUnlock()
}

// PublishJSON marshals payload and publishes it on stream with the given
// message type. Marshal failures are silently dropped; payloads are
// caller-built structs that do not fail to encode.
func (b *Bus) PublishJSON(stream, msgType string, payload any) {
	if b == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	b.Publish(BusMessage{Stream: stream, Type: msgType, Payload: raw})
}

// Close detaches and closes all subscriber channels and stops the
// heartbeat. Safe to call multiple times.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		close(b.stopHB)
		b.mu.Lock()
		b.closed = true
		for _, listeners := range b.subscribers {
			for ch := range listeners {
				close(ch)
			}
		}
		b.subscribers = make(map[string]map[chan BusMessage]struct{})
		b.mu.Unlock()
	})
}

func (b *Bus) heartbeatLoop() {
	ticker := time.NewTicker(busHeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopHB:
			return
		case <-ticker.C:
			now := time.Now().UTC()
			b.mu.RLock()
			streams := make([]string, 0, len(b.subscribers))
			for stream := range b.subscribers {
				streams = append(streams, stream)
			}
			b.mu.RUnlock()
			for _, stream := range streams {
				b.Publish(BusMessage{Stream: stream, Type: "heartbeat", Timestamp: now})
			}
		}
	}
}
