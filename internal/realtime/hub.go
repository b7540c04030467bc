// Package realtime fans tree change events out to WebSocket subscribers,
// optionally across API instances through Redis pub/sub.
package realtime

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type EventType string

const (
	PersonUpserted EventType = "person.upserted"
	PersonDeleted  EventType = "person.deleted"
	MemoryUpserted EventType = "memory.upserted"
	MemoryDeleted  EventType = "memory.deleted"
	MessageCreated EventType = "message.created"
	MessageDeleted EventType = "message.deleted"
)

// Event is one change notification. A non-empty Audience restricts delivery
// to the named users, which keeps direct messages private.
type Event struct {
	Type        EventType `json:"type"`
	ProtocolKey string    `json:"protocolKey"`
	ID          string    `json:"id"`
	Revision    int64     `json:"revision"`
	Audience    []string  `json:"audience,omitempty"`
}

func (e Event) visibleTo(user string) bool {
	if len(e.Audience) == 0 {
		return true
	}
	for _, u := range e.Audience {
		if u == user {
			return true
		}
	}
	return false
}

const defaultBuffer = 32

// Subscriber is one registered connection.
type Subscriber struct {
	ID          string
	ProtocolKey string
	User        string

	send chan []byte
	done chan struct{}
	once sync.Once
}

// C delivers encoded events.
func (s *Subscriber) C() <-chan []byte { return s.send }

// Done is closed when the subscriber is removed from the hub, either by
// Unsubscribe or because it fell behind.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

func (s *Subscriber) close() {
	s.once.Do(func() { close(s.done) })
}

type Option func(*Hub)

// WithBuffer sets the per-subscriber send buffer.
func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithSubscriberGauge tracks the number of connected subscribers.
func WithSubscriberGauge(g prometheus.Gauge) Option {
	return func(h *Hub) { h.gauge = g }
}

// Hub holds the subscribers of every protocol key.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[*Subscriber]struct{}
	buffer int
	gauge  prometheus.Gauge
	logger *zap.Logger
}

func NewHub(logger *zap.Logger, opts ...Option) *Hub {
	h := &Hub{
		rooms:  make(map[string]map[*Subscriber]struct{}),
		buffer: defaultBuffer,
		logger: logger.Named("realtime"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Hub) Subscribe(protocolKey, user string) *Subscriber {
	s := &Subscriber{
		ID:          uuid.NewString(),
		ProtocolKey: protocolKey,
		User:        user,
		send:        make(chan []byte, h.buffer),
		done:        make(chan struct{}),
	}
	h.mu.Lock()
	room, ok := h.rooms[protocolKey]
	if !ok {
		room = make(map[*Subscriber]struct{})
		h.rooms[protocolKey] = room
	}
	room[s] = struct{}{}
	h.mu.Unlock()
	if h.gauge != nil {
		h.gauge.Inc()
	}
	return s
}

func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	removed := h.removeLocked(s)
	h.mu.Unlock()
	if removed && h.gauge != nil {
		h.gauge.Dec()
	}
	s.close()
}

func (h *Hub) removeLocked(s *Subscriber) bool {
	room, ok := h.rooms[s.ProtocolKey]
	if !ok {
		return false
	}
	if _, ok := room[s]; !ok {
		return false
	}
	delete(room, s)
	if len(room) == 0 {
		delete(h.rooms, s.ProtocolKey)
	}
	return true
}

// Deliver fans an event out to the local subscribers of its protocol key.
// Subscribers whose buffer is full are dropped; they are expected to
// reconnect and resync.
func (h *Hub) Deliver(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("encode event", zap.Error(err))
		return
	}

	var slow []*Subscriber
	h.mu.RLock()
	for s := range h.rooms[ev.ProtocolKey] {
		if !ev.visibleTo(s.User) {
			continue
		}
		select {
		case s.send <- payload:
		default:
			slow = append(slow, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range slow {
		h.logger.Warn("dropping slow subscriber",
			zap.String("subscriber", s.ID),
			zap.String("protocol_key", s.ProtocolKey),
			zap.String("user", s.User),
		)
		h.Unsubscribe(s)
	}
}

// Count returns the number of subscribers of protocolKey, or of every key
// when protocolKey is empty.
func (h *Hub) Count(protocolKey string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if protocolKey != "" {
		return len(h.rooms[protocolKey])
	}
	n := 0
	for _, room := range h.rooms {
		n += len(room)
	}
	return n
}

// Close removes every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	var all []*Subscriber
	for _, room := range h.rooms {
		for s := range room {
			all = append(all, s)
		}
	}
	h.rooms = make(map[string]map[*Subscriber]struct{})
	h.mu.Unlock()
	for _, s := range all {
		if h.gauge != nil {
			h.gauge.Dec()
		}
		s.close()
	}
}
