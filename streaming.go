package fieldsync

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// StreamConfig configures the live knock feed.
type StreamConfig struct {
	// Enabled turns on WebSocket streaming
	Enabled bool `yaml:"enabled"`
	// BufferSize is the channel buffer size per subscription
	BufferSize int `yaml:"buffer_size"`
	// WriteTimeout for WebSocket writes
	WriteTimeout time.Duration `yaml:"-"`
}

func (c *StreamConfig) normalize() {
	if c.BufferSize <= 0 {
		c.BufferSize = 256
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
}

// Subscription receives accepted knocks, optionally filtered by rep.
type Subscription struct {
	ID     string
	RepID  string
	ch     chan Knock
	done   chan struct{}
	closed bool
	mu     sync.Mutex
}

// C returns the channel for receiving knocks.
func (s *Subscription) C() <-chan Knock {
	return s.ch
}

// Close closes the subscription.
func (s *Subscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	close(s.ch)
}

// StreamHub fans accepted knocks out to live map subscribers.
type StreamHub struct {
	config StreamConfig
	mu     sync.RWMutex
	subs   map[string]*Subscription
	nextID uint64
}

// NewStreamHub creates a new hub.
func NewStreamHub(cfg StreamConfig) *StreamHub {
	cfg.normalize()
	return &StreamHub{
		config: cfg,
		subs:   make(map[string]*Subscription),
	}
}

// Subscribe creates a subscription. repID filters to one rep's knocks;
// empty receives everything.
func (h *StreamHub) Subscribe(repID string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &Subscription{
		ID:    fmt.Sprintf("sub-%d", h.nextID),
		RepID: repID,
		ch:    make(chan Knock, h.config.BufferSize),
		done:  make(chan struct{}),
	}
	h.subs[sub.ID] = sub
	return sub
}

// Unsubscribe removes a subscription.
func (h *StreamHub) Unsubscribe(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()

	if ok {
		sub.Close()
	}
}

// Broadcast sends an accepted knock to all matching subscriptions. Slow
// subscribers drop knocks rather than stall the sync path.
func (h *StreamHub) Broadcast(k Knock) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if sub.RepID != "" && sub.RepID != k.RepID {
			continue
		}
		select {
		case sub.ch <- k:
		default:
		}
	}
}

// Count returns the number of active subscriptions.
func (h *StreamHub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// CloseAll closes every subscription.
func (h *StreamHub) CloseAll() {
	h.mu.Lock()
	subs := make([]*Subscription, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.subs = make(map[string]*Subscription)
	h.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StreamMessage is the JSON format for WebSocket messages.
type StreamMessage struct {
	Type  string `json:"type"`
	SubID string `json:"sub_id,omitempty"`
	Knock *Knock `json:"knock,omitempty"`
	Error string `json:"error,omitempty"`
}

// WebSocketHandler upgrades the connection and streams accepted knocks.
// The rep filter comes from the repId query parameter.
func (h *StreamHub) WebSocketHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer func() { _ = conn.Close() }()

		sub := h.Subscribe(r.URL.Query().Get("repId"))
		defer h.Unsubscribe(sub.ID)

		if msg, err := json.Marshal(StreamMessage{Type: "subscribed", SubID: sub.ID}); err == nil {
			_ = conn.WriteMessage(websocket.TextMessage, msg)
		}

		// Drain client messages so pings and close frames are processed.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					h.Unsubscribe(sub.ID)
					return
				}
			}
		}()

		for {
			select {
			case <-sub.done:
				return
			case <-r.Context().Done():
				return
			case k, ok := <-sub.ch:
				if !ok {
					return
				}
				msg, err := json.Marshal(StreamMessage{Type: "knock", SubID: sub.ID, Knock: &k})
				if err != nil {
					continue
				}
				_ = conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			}
		}
	}
}
