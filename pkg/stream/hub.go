package stream

import (
	"encoding/json"
	"sync"
	"time"
)

// Event is a push hint delivered over the device stream. Hints carry no
// command payloads, only a nudge to poll.
type Event struct {
	Type string          `json:"type"`
	At   string          `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

const (
	EventCommandsPending = "commands_pending"
	EventKeyRotation     = "key_rotation"
)

func NewEvent(eventType string, data interface{}) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{Type: eventType, At: time.Now().UTC().Format(time.RFC3339Nano), Data: raw}
}

// Hub fans out push hints to connected devices, keyed by device id. A device
// may hold several concurrent connections; each gets its own channel.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: map[string]map[chan Event]struct{}{}}
}

func (h *Hub) Subscribe(deviceID string, buffer int) chan Event {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	set, ok := h.subs[deviceID]
	if !ok {
		set = map[chan Event]struct{}{}
		h.subs[deviceID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(deviceID string, ch chan Event) {
	h.mu.Lock()
	set, ok := h.subs[deviceID]
	exists := false
	if ok {
		_, exists = set[ch]
		if exists {
			delete(set, ch)
			if len(set) == 0 {
				delete(h.subs, deviceID)
			}
		}
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

// Notify delivers a hint to every connection of the target device. Slow
// consumers are skipped rather than blocking the publisher; the device will
// pick up its commands on the next poll regardless.
// Returns true if at least one connection accepted the hint.
func (h *Hub) Notify(deviceID string, evt Event) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := false
	for ch := range h.subs[deviceID] {
		select {
		case ch <- evt:
			delivered = true
		default:
		}
	}
	return delivered
}

// Connected reports whether the device has at least one live stream.
func (h *Hub) Connected(deviceID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[deviceID]) > 0
}
