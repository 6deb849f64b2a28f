package client

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Callback interface for handling incoming WebSocket messages
type WebSocketCallback interface {
	OnMessage(message string)
	OnDisconnect(err error)
}

type WebSocketConnection struct {
	WebSocketURL string
	MaxRetry     int
	Callback     WebSocketCallback
	Dialer       websocket.Dialer

	// Exponential backoff configuration
	BaseDelay time.Duration // The initial delay, e.g., 1 second
	MaxDelay  time.Duration // The maximum delay, e.g., 1 minute

	mu          sync.Mutex // For thread-safe access to the WebSocket connection
	conn        *websocket.Conn
	isConnected bool
	retryCount  int
	closed      bool
}

// Connect dials the WebSocket, retrying with exponential backoff up to
// MaxRetry times. It gives up early when ctx is done.
func (w *WebSocketConnection) Connect(ctx context.Context) error {
	for attempt := 0; ; attempt++ {
		conn, _, err := w.Dialer.DialContext(ctx, w.WebSocketURL, nil)
		if err == nil {
			w.mu.Lock()
			w.conn = conn
			w.isConnected = true
			w.retryCount = 0
			w.mu.Unlock()
			return nil
		}
		slog.Debug("Connection attempt failed", "url", w.WebSocketURL, "attempt", attempt+1, "error", err)
		if attempt >= w.MaxRetry {
			return fmt.Errorf("maximum number of retries reached (%d): %w", w.MaxRetry, err)
		}

		timer := time.NewTimer(w.getReconnectDelay())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Connected returns true while the read loop has a live connection
func (w *WebSocketConnection) Connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.isConnected
}

// Run reads messages until the connection fails or is closed, handing each
// one to the Callback. It must be called after a successful Connect.
func (w *WebSocketConnection) Run() {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return
	}

	var readErr error
	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		// binary frames carry sampler previews
		if messageType != websocket.TextMessage {
			continue
		}
		if w.Callback != nil {
			w.Callback.OnMessage(string(message))
		}
	}

	w.mu.Lock()
	w.isConnected = false
	closed := w.closed
	w.mu.Unlock()
	conn.Close()

	if closed {
		readErr = nil
	}
	if w.Callback != nil {
		w.Callback.OnDisconnect(readErr)
	}
}

// Close ends the read loop. Callbacks see a nil disconnect error.
func (w *WebSocketConnection) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	if w.conn == nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return w.conn.Close()
}

// exponential backoff calculation
func (w *WebSocketConnection) getReconnectDelay() time.Duration {
	// Calculate the delay as BaseDelay * 2^(RetryCount), capped at MaxDelay
	delay := w.BaseDelay * time.Duration(math.Pow(2, float64(w.retryCount)))
	if w.MaxDelay > 0 && delay > w.MaxDelay {
		delay = w.MaxDelay
	}
	w.retryCount++ // Increment the retry counter for the next attempt
	return delay
}
