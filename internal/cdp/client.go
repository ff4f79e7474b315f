package cdp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event is a protocol notification pushed by the browser
type Event struct {
	Method string
	Params json.RawMessage
}

// Client speaks the DevTools protocol over a single websocket.
// Commands are id-correlated; notifications fan out to subscribers.
type Client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan inbound
	subs    map[int64]chan Event
	nextSub int64
	closed  bool
}

type outbound struct {
	ID     int64       `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params,omitempty"`
}

type inbound struct {
	ID     int64           `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *protocolError  `json:"error,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

type protocolError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Dial connects to a browser's DevTools websocket endpoint
func Dial(ctx context.Context, wsURL string) (*Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to browser at %s: %w", wsURL, err)
	}

	c := &Client{
		conn:    conn,
		pending: make(map[int64]chan inbound),
		subs:    make(map[int64]chan Event),
	}
	go c.readPump()
	return c, nil
}

// Call sends a protocol command and waits for its response
func (c *Client) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("browser connection closed")
	}
	c.nextID++
	id := c.nextID
	reply := make(chan inbound, 1)
	c.pending[id] = reply
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	err := c.conn.WriteJSON(outbound{ID: id, Method: method, Params: params})
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to send %s: %w", method, err)
	}

	select {
	case msg, ok := <-reply:
		if !ok {
			return nil, fmt.Errorf("browser connection closed during %s", method)
		}
		if msg.Error != nil {
			return nil, fmt.Errorf("%s failed: %s (code %d)", method, msg.Error.Message, msg.Error.Code)
		}
		return msg.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Subscribe returns a channel of protocol notifications. The cancel
// func releases the subscription; events arriving while the subscriber
// is slow are dropped rather than blocking the read pump.
func (c *Client) Subscribe() (<-chan Event, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextSub++
	id := c.nextSub
	ch := make(chan Event, 16)
	if c.closed {
		close(ch)
		return ch, func() {}
	}
	c.subs[id] = ch

	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
	}
}

// EnablePageEvents turns on Page-domain notifications for the tab
func (c *Client) EnablePageEvents(ctx context.Context) error {
	_, err := c.Call(ctx, "Page.enable", nil)
	return err
}

// Navigate issues the navigation command without waiting for the load
// to finish; completion arrives as a Page.loadEventFired notification.
func (c *Client) Navigate(ctx context.Context, url string) error {
	_, err := c.Call(ctx, "Page.navigate", map[string]string{"url": url})
	return err
}

// CaptureScreenshot captures the visible viewport as PNG bytes
func (c *Client) CaptureScreenshot(ctx context.Context) ([]byte, error) {
	result, err := c.Call(ctx, "Page.captureScreenshot", map[string]string{"format": "png"})
	if err != nil {
		return nil, err
	}

	var payload struct {
		Data string `json:"data"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, fmt.Errorf("invalid screenshot response: %w", err)
	}

	data, err := base64.StdEncoding.DecodeString(payload.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode screenshot data: %w", err)
	}
	return data, nil
}

// Close tears down the websocket; pending calls and subscriptions are
// released by the read pump as it exits.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) readPump() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("Browser connection error: %v", err)
			}
			c.shutdown()
			return
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("Discarding unparseable browser message: %v", err)
			continue
		}

		if msg.ID != 0 {
			c.mu.Lock()
			reply, ok := c.pending[msg.ID]
			c.mu.Unlock()
			if ok {
				reply <- msg
			}
			continue
		}

		if msg.Method != "" {
			c.mu.Lock()
			for _, sub := range c.subs {
				select {
				case sub <- Event{Method: msg.Method, Params: msg.Params}:
				default:
				}
			}
			c.mu.Unlock()
		}
	}
}

func (c *Client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for id, reply := range c.pending {
		close(reply)
		delete(c.pending, id)
	}
	for id, sub := range c.subs {
		close(sub)
		delete(c.subs, id)
	}
}
