package messenger

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/snaprelay/snaprelay/pkg/models"
)

// ErrNoReceiver indicates no selection UI is connected for the tab,
// typically because the overlay script has not loaded yet after a
// navigation.
var ErrNoReceiver = errors.New("no selection UI connected for tab")

const (
	// DefaultAttempts bounds delivery retries
	DefaultAttempts = 3
	// DefaultBackoff is the wait between delivery attempts
	DefaultBackoff = 200 * time.Millisecond
)

// Conn is the write side of a UI channel. *websocket.Conn satisfies it.
type Conn interface {
	WriteJSON(v interface{}) error
}

// channel serializes writes to a single UI connection
type channel struct {
	conn Conn
	mu   sync.Mutex
}

func (c *channel) write(msg models.UIMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(msg)
}

// Hub tracks the selection-UI channel of each tab and delivers
// orchestrator messages to them. It holds no workflow state.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]*channel
	backoff  time.Duration
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{
		channels: make(map[string]*channel),
		backoff:  DefaultBackoff,
	}
}

// Register binds a UI connection to a tab, replacing any previous one
func (h *Hub) Register(tabID string, conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.channels[tabID] = &channel{conn: conn}
}

// Unregister removes the tab's channel if it still points at conn
func (h *Hub) Unregister(tabID string, conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.channels[tabID]; ok && ch.conn == conn {
		delete(h.channels, tabID)
	}
}

// Send delivers one message to the tab's UI channel. Returns
// ErrNoReceiver when no channel is registered for the tab.
func (h *Hub) Send(tabID string, msg models.UIMessage) error {
	h.mu.RLock()
	ch, ok := h.channels[tabID]
	h.mu.RUnlock()

	if !ok {
		return ErrNoReceiver
	}
	return ch.write(msg)
}

// SendWithRetry attempts delivery up to attempts times, waiting a fixed
// backoff between failures. Returns false after exhausting attempts;
// it never returns an error, callers that require delivery must check
// the result.
func (h *Hub) SendWithRetry(ctx context.Context, tabID string, msg models.UIMessage, attempts int) bool {
	if attempts <= 0 {
		attempts = DefaultAttempts
	}

	for i := 0; i < attempts; i++ {
		if err := h.Send(tabID, msg); err == nil {
			return true
		}

		select {
		case <-time.After(h.backoff):
		case <-ctx.Done():
			return false
		}
	}
	return false
}

// Broadcast sends a message to every registered UI channel, ignoring
// delivery failures.
func (h *Hub) Broadcast(msg models.UIMessage) {
	h.mu.RLock()
	channels := make(map[string]*channel, len(h.channels))
	for id, ch := range h.channels {
		channels[id] = ch
	}
	h.mu.RUnlock()

	for id, ch := range channels {
		if err := ch.write(msg); err != nil {
			log.Printf("Broadcast to tab %s failed: %v", id, err)
		}
	}
}
