package messenger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snaprelay/snaprelay/pkg/models"
)

// fakeConn records written messages and can be told to fail
type fakeConn struct {
	mu       sync.Mutex
	messages []models.UIMessage
	failures int
}

func (f *fakeConn) WriteJSON(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("write failed")
	}
	f.messages = append(f.messages, v.(models.UIMessage))
	return nil
}

func (f *fakeConn) sent() []models.UIMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.UIMessage(nil), f.messages...)
}

func fastHub() *Hub {
	h := NewHub()
	h.backoff = time.Millisecond
	return h
}

func TestSend_NoReceiver(t *testing.T) {
	h := fastHub()
	err := h.Send("tab-1", models.UIMessage{Type: models.MsgHide})
	assert.ErrorIs(t, err, ErrNoReceiver)
}

func TestSend_DeliversToRegisteredTab(t *testing.T) {
	h := fastHub()
	conn := &fakeConn{}
	h.Register("tab-1", conn)

	require.NoError(t, h.Send("tab-1", models.UIMessage{Type: models.MsgStartSelection, Message: "Select an area"}))

	msgs := conn.sent()
	require.Len(t, msgs, 1)
	assert.Equal(t, models.MsgStartSelection, msgs[0].Type)
}

func TestSendWithRetry_SucceedsAfterLateRegistration(t *testing.T) {
	h := fastHub()
	conn := &fakeConn{}

	go func() {
		time.Sleep(3 * time.Millisecond)
		h.Register("tab-1", conn)
	}()

	ok := h.SendWithRetry(context.Background(), "tab-1", models.UIMessage{Type: models.MsgHide}, 50)
	assert.True(t, ok)
	assert.Len(t, conn.sent(), 1)
}

func TestSendWithRetry_ExhaustsAttempts(t *testing.T) {
	h := fastHub()

	start := time.Now()
	ok := h.SendWithRetry(context.Background(), "tab-1", models.UIMessage{Type: models.MsgHide}, 3)
	assert.False(t, ok)
	// Three failed attempts wait out the backoff between each.
	assert.GreaterOrEqual(t, time.Since(start), 2*time.Millisecond)
}

func TestSendWithRetry_RetriesTransientWriteFailure(t *testing.T) {
	h := fastHub()
	conn := &fakeConn{failures: 2}
	h.Register("tab-1", conn)

	ok := h.SendWithRetry(context.Background(), "tab-1", models.UIMessage{Type: models.MsgHide}, 3)
	assert.True(t, ok)
	assert.Len(t, conn.sent(), 1)
}

func TestSendWithRetry_StopsOnContextCancel(t *testing.T) {
	h := fastHub()
	h.backoff = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan bool, 1)
	go func() {
		done <- h.SendWithRetry(ctx, "tab-1", models.UIMessage{Type: models.MsgHide}, 5)
	}()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("SendWithRetry did not honor context cancellation")
	}
}

func TestUnregister_OnlyRemovesMatchingConn(t *testing.T) {
	h := fastHub()
	old := &fakeConn{}
	replacement := &fakeConn{}

	h.Register("tab-1", old)
	h.Register("tab-1", replacement)

	// A straggling close of the replaced connection must not evict the
	// live one.
	h.Unregister("tab-1", old)
	require.NoError(t, h.Send("tab-1", models.UIMessage{Type: models.MsgHide}))
	assert.Len(t, replacement.sent(), 1)

	h.Unregister("tab-1", replacement)
	assert.ErrorIs(t, h.Send("tab-1", models.UIMessage{Type: models.MsgHide}), ErrNoReceiver)
}

func TestBroadcast_ReachesAllTabs(t *testing.T) {
	h := fastHub()
	a, b := &fakeConn{}, &fakeConn{}
	h.Register("tab-a", a)
	h.Register("tab-b", b)

	h.Broadcast(models.UIMessage{Type: models.MsgHide})

	assert.Len(t, a.sent(), 1)
	assert.Len(t, b.sent(), 1)
}

func TestBroadcast_IgnoresFailures(t *testing.T) {
	h := fastHub()
	broken := &fakeConn{failures: 1}
	healthy := &fakeConn{}
	h.Register("tab-a", broken)
	h.Register("tab-b", healthy)

	h.Broadcast(models.UIMessage{Type: models.MsgHide})
	assert.Len(t, healthy.sent(), 1)
}
