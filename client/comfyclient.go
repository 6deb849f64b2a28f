package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrStatusChannelClosed is reported to queued items when the websocket to
// the backend goes away before they finished.
var ErrStatusChannelClosed = errors.New("status channel closed")

type ComfyClientCallbacks struct {
	ClientQueueCountChanged func(*ComfyClient, int)
	QueuedItemStarted       func(*ComfyClient, *QueueItem)
	QueuedItemStopped       func(*ComfyClient, *QueueItem, QueuedItemStoppedReason)
}

type QueuedItemStoppedReason string

const (
	QueuedItemStoppedReasonFinished    QueuedItemStoppedReason = "finished"
	QueuedItemStoppedReasonInterrupted QueuedItemStoppedReason = "interrupted"
	QueuedItemStoppedReasonError       QueuedItemStoppedReason = "error"
)

// messageBuffer is how many undelivered messages a QueueItem holds before
// the reader starts dropping them.
const messageBuffer = 256

// ComfyClient is the top level object that allows for interaction with the ComfyUI backend
type ComfyClient struct {
	baseURL    *url.URL
	clientid   string
	httpclient *http.Client
	callbacks  *ComfyClientCallbacks

	mu          sync.Mutex
	webSocket   *WebSocketConnection
	queueditems map[string]*QueueItem
	queuecount  int
}

// NewComfyClient creates a client for the backend at baseURL, e.g. "http://localhost:8188".
func NewComfyClient(baseURL string, callbacks *ComfyClientCallbacks) (*ComfyClient, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid backend url %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid backend url %q: scheme must be http or https", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid backend url %q: missing host", baseURL)
	}
	return &ComfyClient{
		baseURL:     u,
		clientid:    uuid.New().String(),
		httpclient:  &http.Client{},
		callbacks:   callbacks,
		queueditems: make(map[string]*QueueItem),
	}, nil
}

// NewComfyClientWithTimeout creates a client whose HTTP requests give up after timeout
func NewComfyClientWithTimeout(baseURL string, callbacks *ComfyClientCallbacks, timeout time.Duration) (*ComfyClient, error) {
	c, err := NewComfyClient(baseURL, callbacks)
	if err != nil {
		return nil, err
	}
	c.httpclient.Timeout = timeout
	return c, nil
}

// ClientID returns the unique client ID for the connection to the ComfyUI backend
func (c *ComfyClient) ClientID() string {
	return c.clientid
}

// BaseURL returns the backend address the client talks to
func (c *ComfyClient) BaseURL() string {
	return c.baseURL.String()
}

// QueueCount returns the last queue size the backend pushed over the status channel.
func (c *ComfyClient) QueueCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queuecount
}

func (c *ComfyClient) endpoint(path string, query url.Values) string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (c *ComfyClient) websocketURL() string {
	u := *c.baseURL
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = url.Values{"clientId": {c.clientid}}.Encode()
	return u.String()
}

// ConnectStatusChannel opens the backend websocket used to push execution
// events to queued items. Items queued while the channel is open receive
// their messages on QueueItem.Messages.
func (c *ComfyClient) ConnectStatusChannel(ctx context.Context) error {
	c.mu.Lock()
	if c.webSocket != nil && c.webSocket.Connected() {
		c.mu.Unlock()
		return nil
	}
	ws := &WebSocketConnection{
		WebSocketURL: c.websocketURL(),
		MaxRetry:     3,
		BaseDelay:    500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Callback:     c,
	}
	c.webSocket = ws
	c.mu.Unlock()

	if err := ws.Connect(ctx); err != nil {
		c.mu.Lock()
		c.webSocket = nil
		c.mu.Unlock()
		return err
	}
	go ws.Run()
	return nil
}

// StatusChannelConnected returns true while the backend websocket is open
func (c *ComfyClient) StatusChannelConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.webSocket != nil && c.webSocket.Connected()
}

// Close shuts down the status channel, if any.
func (c *ComfyClient) Close() error {
	c.mu.Lock()
	ws := c.webSocket
	c.mu.Unlock()
	if ws == nil {
		return nil
	}
	return ws.Close()
}

// Forget stops routing status messages to the queued item with the given id.
func (c *ComfyClient) Forget(prompt_id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.queueditems, prompt_id)
}

// OnMessage processes each message received from the websocket connection to ComfyUI.
// The messages are parsed, and translated into PromptMessage structs and placed into the correct QueuedItem's message channel.
func (c *ComfyClient) OnMessage(msg string) {
	message := &WSStatusMessage{}
	if err := json.Unmarshal([]byte(msg), &message); err != nil {
		slog.Error("Deserializing Status Message:", "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch message.Type {
	case "status":
		s := message.Data.(*WSMessageDataStatus)
		c.queuecount = s.Status.ExecInfo.QueueRemaining
		if c.callbacks != nil && c.callbacks.ClientQueueCountChanged != nil {
			c.callbacks.ClientQueueCountChanged(c, s.Status.ExecInfo.QueueRemaining)
		}
	case "execution_start":
		s := message.Data.(*WSMessageDataExecutionStart)
		if qi := c.queueditems[s.PromptID]; qi != nil {
			if c.callbacks != nil && c.callbacks.QueuedItemStarted != nil {
				c.callbacks.QueuedItemStarted(c, qi)
			}
			qi.deliver(PromptMessage{Type: "started", Message: &PromptMessageStarted{PromptID: qi.PromptID}})
		}
	case "execution_cached":
		// this is probably not usefull for us
	case "executing":
		s := message.Data.(*WSMessageDataExecuting)
		qi := c.queueditems[s.PromptID]
		if qi == nil {
			return
		}
		if s.Node == nil {
			// final node was processed
			c.stop(qi, QueuedItemStoppedReasonFinished, nil)
			return
		}
		qi.deliver(PromptMessage{Type: "executing", Message: &PromptMessageExecuting{NodeID: *s.Node}})
	case "progress":
		s := message.Data.(*WSMessageDataProgress)
		if qi := c.queueditems[s.PromptID]; qi != nil {
			qi.deliver(PromptMessage{Type: "progress", Message: &PromptMessageProgress{Value: s.Value, Max: s.Max}})
		}
	case "executed":
		s := message.Data.(*WSMessageDataExecuted)
		if qi := c.queueditems[s.PromptID]; qi != nil {
			qi.deliver(PromptMessage{Type: "data", Message: &PromptMessageData{NodeID: s.Node, Data: s.Output}})
		}
	case "execution_success":
		s := message.Data.(*WSMessageDataExecutionSuccess)
		if qi := c.queueditems[s.PromptID]; qi != nil {
			c.stop(qi, QueuedItemStoppedReasonFinished, nil)
		}
	case "execution_interrupted":
		s := message.Data.(*WSMessageExecutionInterrupted)
		if qi := c.queueditems[s.PromptID]; qi != nil {
			c.stop(qi, QueuedItemStoppedReasonInterrupted, &PromptMessageStoppedException{
				NodeID:           s.Node,
				NodeType:         s.NodeType,
				ExceptionMessage: "execution interrupted",
				ExceptionType:    "interrupted",
			})
		}
	case "execution_error":
		s := message.Data.(*WSMessageExecutionError)
		if qi := c.queueditems[s.PromptID]; qi != nil {
			c.stop(qi, QueuedItemStoppedReasonError, &PromptMessageStoppedException{
				NodeID:           s.Node,
				NodeType:         s.NodeType,
				ExceptionMessage: s.ExceptionMessage,
				ExceptionType:    s.ExceptionType,
				Traceback:        s.Traceback,
			})
		}
	case "crystools.monitor":
	default:
		slog.Debug("Unhandled message type", "type", message.Type)
	}
}

// OnDisconnect tells every pending item that no further messages will arrive.
func (c *ComfyClient) OnDisconnect(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, qi := range c.queueditems {
		qi.deliver(PromptMessage{Type: "disconnected", Message: &PromptMessageDisconnected{Err: ErrStatusChannelClosed}})
		delete(c.queueditems, id)
	}
	if err != nil {
		slog.Warn("status channel closed", "error", err)
	}
}

// stop must be called with c.mu held. The item is removed from the routing
// table before the stopped message is sent; nothing follows it.
func (c *ComfyClient) stop(qi *QueueItem, reason QueuedItemStoppedReason, exception *PromptMessageStoppedException) {
	if c.callbacks != nil && c.callbacks.QueuedItemStopped != nil {
		c.callbacks.QueuedItemStopped(c, qi, reason)
	}
	delete(c.queueditems, qi.PromptID)
	qi.deliver(PromptMessage{
		Type: "stopped",
		Message: &PromptMessageStopped{
			QueueItem: qi,
			Reason:    reason,
			Exception: exception,
		},
	})
}
