package generate

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/richinsley/comfypanel/client"
)

type response struct {
	status int
	body   string
}

func ok(body string) response { return response{status: http.StatusOK, body: body} }

const (
	emptyQueue   = `{"queue_running": [], "queue_pending": []}`
	busyQueue    = `{"queue_running": [[1, "other", {}, {}, []]], "queue_pending": [[2, "p-1", {}, {}, []]]}`
	emptyHistory = `{}`
)

func historyWith(promptID string, filenames ...string) string {
	images := ""
	for i, f := range filenames {
		if i > 0 {
			images += ","
		}
		images += fmt.Sprintf(`{"filename": %q, "subfolder": "", "type": "output"}`, f)
	}
	return fmt.Sprintf(`{%q: {"outputs": {"9": {"images": [%s]}}, "status": {"status_str": "success", "completed": true, "messages": []}}}`, promptID, images)
}

// fakeBackend is a scripted ComfyUI server. Each handler receives the
// 1-based count of requests it has served so far.
type fakeBackend struct {
	t   *testing.T
	srv *httptest.Server

	mu           sync.Mutex
	submits      int
	queueReads   int
	historyReads int
	lastPrompt   string

	submit  func(n int) response
	queue   func(n int) response
	history func(n int) response

	// ws, when set, is called with the server side of each status channel
	ws func(conn *websocket.Conn)
}

func newFakeBackend(t *testing.T) *fakeBackend {
	f := &fakeBackend{
		t:       t,
		submit:  func(int) response { return ok(`{"prompt_id": "p-1", "number": 1, "node_errors": {}}`) },
		queue:   func(int) response { return ok(emptyQueue) },
		history: func(int) response { return ok(emptyHistory) },
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/prompt", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.submits++
		f.lastPrompt = string(body)
		resp := f.submit(f.submits)
		f.mu.Unlock()
		write(w, resp)
	})
	mux.HandleFunc("/queue", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.queueReads++
		resp := f.queue(f.queueReads)
		f.mu.Unlock()
		write(w, resp)
	})
	mux.HandleFunc("/history/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.historyReads++
		resp := f.history(f.historyReads)
		f.mu.Unlock()
		write(w, resp)
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if f.ws == nil {
			http.NotFound(w, r)
			return
		}
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Upgrade failed: %v", err)
			return
		}
		go f.ws(conn)
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func write(w http.ResponseWriter, r response) {
	w.WriteHeader(r.status)
	w.Write([]byte(r.body))
}

func (f *fakeBackend) client() *client.ComfyClient {
	c, err := client.NewComfyClient(f.srv.URL, nil)
	if err != nil {
		f.t.Fatalf("Failed to create client: %v", err)
	}
	f.t.Cleanup(func() { c.Close() })
	return c
}

func (f *fakeBackend) submitted() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastPrompt
}

func (f *fakeBackend) counts() (submits, queueReads, historyReads int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits, f.queueReads, f.historyReads
}
