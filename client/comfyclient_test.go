package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/richinsley/comfypanel/graphapi"
)

const historyTwoImages = `{
  "p-1": {
    "prompt": [1, "p-1", {}, {}, ["9"]],
    "outputs": {
      "9": {"images": [
        {"filename": "b_00001_.png", "subfolder": "", "type": "output"},
        {"filename": "a_00002_.png", "subfolder": "sub", "type": "output"}
      ]},
      "12": {"text": ["caption"]}
    },
    "status": {"status_str": "success", "completed": true, "messages": []}
  }
}`

func newTestClient(t *testing.T, handler http.Handler) *ComfyClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewComfyClient(srv.URL, nil)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	return c
}

func TestNewComfyClientRejectsBadURL(t *testing.T) {
	for _, u := range []string{"localhost:8188", "ftp://host", "http://", "::"} {
		if _, err := NewComfyClient(u, nil); err == nil {
			t.Errorf("Expected error for %q", u)
		}
	}
	c, err := NewComfyClient("http://example.com:8188/", nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got := c.websocketURL(); !strings.HasPrefix(got, "ws://example.com:8188/ws?clientId=") {
		t.Errorf("Unexpected websocket url %s", got)
	}
}

func TestQueuePrompt(t *testing.T) {
	var received map[string]interface{}
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/prompt" {
			t.Errorf("Unexpected request %s %s", r.Method, r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &received)
		w.Write([]byte(`{"prompt_id": "p-1", "number": 3, "node_errors": {}}`))
	}))

	prompt := graphapi.BuildPrompt(graphapi.DefaultModels()[0], graphapi.DefaultParams(), "")
	item, err := c.QueuePrompt(context.Background(), prompt)
	if err != nil {
		t.Fatalf("QueuePrompt failed: %v", err)
	}
	if item.PromptID != "p-1" || item.Number != 3 {
		t.Errorf("Unexpected queue item %+v", item)
	}
	if item.Watched() {
		t.Error("Item should not be watched without a status channel")
	}
	if received["client_id"] != c.ClientID() {
		t.Errorf("Expected client_id %s, got %v", c.ClientID(), received["client_id"])
	}
	if _, ok := received["prompt"].(map[string]interface{}); !ok {
		t.Error("Expected prompt object in request body")
	}
}

func TestQueuePromptErrorIsVerbatim(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": {"type": "prompt_outputs_failed_validation", "message": "Prompt outputs failed validation", "details": "", "extra_info": {}}, "node_errors": {"4": {}}}`))
	}))

	_, err := c.QueuePrompt(context.Background(), &graphapi.Prompt{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected APIError, got %v", err)
	}
	if apiErr.Error() != "Prompt outputs failed validation" {
		t.Errorf("Unexpected message %q", apiErr.Error())
	}
	if apiErr.StatusCode != http.StatusBadRequest || apiErr.Type != "prompt_outputs_failed_validation" {
		t.Errorf("Unexpected error fields %+v", apiErr)
	}

	plain := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	_, err = plain.QueuePrompt(context.Background(), &graphapi.Prompt{})
	if err == nil || err.Error() != "unexpected status 500 Internal Server Error" {
		t.Errorf("Unexpected error %v", err)
	}
}

func TestGetQueue(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"queue_running": [[1, "p-1", {}, {}, []]], "queue_pending": [[2, "p-2", {}, {}, []], [3, "p-3", {}, {}, []]]}`))
	}))
	q, err := c.GetQueue(context.Background())
	if err != nil {
		t.Fatalf("GetQueue failed: %v", err)
	}
	if q.Running != 1 || q.Pending != 2 || q.Empty() {
		t.Errorf("Unexpected queue status %+v", q)
	}
}

func TestGetHistoryKeepsOutputOrder(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/history/p-1" {
			w.Write([]byte(`{}`))
			return
		}
		w.Write([]byte(historyTwoImages))
	}))

	entry, ok, err := c.GetHistory(context.Background(), "p-1")
	if err != nil || !ok {
		t.Fatalf("GetHistory failed: ok=%v err=%v", ok, err)
	}
	if len(entry.Outputs) != 2 || entry.Outputs[0].NodeID != "9" || entry.Outputs[1].NodeID != "12" {
		t.Fatalf("Unexpected outputs %+v", entry.Outputs)
	}
	images := entry.Images()
	if len(images) != 2 {
		t.Fatalf("Expected 2 images, got %d", len(images))
	}
	if images[0].Filename != "b_00001_.png" || images[1].Filename != "a_00002_.png" || images[1].Subfolder != "sub" {
		t.Errorf("Images out of order: %+v", images)
	}
	if entry.Status.Failed() || !entry.Status.Completed {
		t.Errorf("Unexpected status %+v", entry.Status)
	}

	_, ok, err = c.GetHistory(context.Background(), "p-unknown")
	if err != nil || ok {
		t.Errorf("Expected missing entry, got ok=%v err=%v", ok, err)
	}
}

func TestHistoryErrorStatus(t *testing.T) {
	var entry HistoryEntry
	raw := `{"outputs": {}, "status": {"status_str": "error", "completed": false, "messages": [["execution_start", {"prompt_id": "p"}], ["execution_error", {"prompt_id": "p", "exception_message": "CUDA out of memory"}]]}}`
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if !entry.Status.Failed() {
		t.Error("Expected failed status")
	}
	if msg := entry.Status.ErrorMessage(); msg != "CUDA out of memory" {
		t.Errorf("Unexpected error message %q", msg)
	}
}

func TestImageURL(t *testing.T) {
	c, _ := NewComfyClient("http://gpu-box:8188", nil)
	got := c.ImageURL(DataOutput{Filename: "a b.png", Subfolder: "x", Type: "output"})
	want := "http://gpu-box:8188/view?filename=a+b.png&subfolder=x&type=output"
	if got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}
}

func TestStatusChannelRoutesMessages(t *testing.T) {
	upgrader := websocket.Upgrader{}
	wsConn := make(chan *websocket.Conn, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Upgrade failed: %v", err)
			return
		}
		wsConn <- conn
	})
	mux.HandleFunc("/prompt", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"prompt_id": "p-1", "number": 1, "node_errors": {}}`))
	})
	c := newTestClient(t, mux)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.ConnectStatusChannel(ctx); err != nil {
		t.Fatalf("ConnectStatusChannel failed: %v", err)
	}
	server := <-wsConn
	defer server.Close()

	item, err := c.QueuePrompt(ctx, &graphapi.Prompt{})
	if err != nil {
		t.Fatalf("QueuePrompt failed: %v", err)
	}
	if !item.Watched() {
		t.Fatal("Expected watched item")
	}

	for _, m := range []string{
		`{"type": "status", "data": {"status": {"exec_info": {"queue_remaining": 1}}}}`,
		`{"type": "execution_start", "data": {"prompt_id": "p-1"}}`,
		`{"type": "progress", "data": {"value": 5, "max": 20, "prompt_id": "p-1", "node": "3"}}`,
		`{"type": "executed", "data": {"node": "9", "output": {"images": [{"filename": "x.png", "subfolder": "", "type": "output"}]}, "prompt_id": "p-1"}}`,
		`{"type": "executing", "data": {"node": null, "prompt_id": "p-1"}}`,
	} {
		if err := server.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
			t.Fatalf("WriteMessage failed: %v", err)
		}
	}

	want := []string{"started", "progress", "data", "stopped"}
	for _, typ := range want {
		select {
		case msg := <-item.Messages:
			if msg.Type != typ {
				t.Fatalf("Expected %s message, got %s", typ, msg.Type)
			}
			if typ == "data" {
				d := msg.ToPromptMessageData()
				if d.NodeID != "9" || d.Data["images"][0].Filename != "x.png" {
					t.Errorf("Unexpected data message %+v", d)
				}
			}
			if typ == "stopped" && msg.ToPromptMessageStopped().Exception != nil {
				t.Error("Expected clean stop")
			}
		case <-ctx.Done():
			t.Fatalf("Timed out waiting for %s", typ)
		}
	}
	c.mu.Lock()
	_, routed := c.queueditems["p-1"]
	c.mu.Unlock()
	if routed {
		t.Error("Stopped item should be removed from the routing table")
	}
	if c.QueueCount() != 1 {
		t.Errorf("Expected queue count 1, got %d", c.QueueCount())
	}
}

func TestStatusChannelDisconnectNotifiesItems(t *testing.T) {
	upgrader := websocket.Upgrader{}
	wsConn := make(chan *websocket.Conn, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, _ := upgrader.Upgrade(w, r, nil)
		wsConn <- conn
	})
	mux.HandleFunc("/prompt", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"prompt_id": "p-2", "number": 1}`))
	})
	c := newTestClient(t, mux)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.ConnectStatusChannel(ctx); err != nil {
		t.Fatalf("ConnectStatusChannel failed: %v", err)
	}
	server := <-wsConn

	item, err := c.QueuePrompt(ctx, &graphapi.Prompt{})
	if err != nil {
		t.Fatalf("QueuePrompt failed: %v", err)
	}
	server.Close()

	select {
	case msg := <-item.Messages:
		if msg.Type != "disconnected" {
			t.Fatalf("Expected disconnected message, got %s", msg.Type)
		}
		if !errors.Is(msg.ToPromptMessageDisconnected().Err, ErrStatusChannelClosed) {
			t.Error("Expected ErrStatusChannelClosed")
		}
	case <-ctx.Done():
		t.Fatal("Timed out waiting for disconnect")
	}
}
