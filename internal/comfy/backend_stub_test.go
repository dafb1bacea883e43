// ABOUTME: In-process stub backend for connection and registry tests.
// ABOUTME: Serves the HTTP endpoints plus a websocket the tests push frames through.

package comfy

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
)

// stubBackend emulates one backend engine. Tests drive its websocket by
// pushing frames; the HTTP side records what the client sent.
type stubBackend struct {
	t   *testing.T
	srv *httptest.Server

	mu           sync.Mutex
	auth         []string
	workflow     json.RawMessage
	clientID     string
	viewQuery    string
	unauthorized bool
	promptID     string

	dials      atomic.Int32
	interrupts atomic.Int32

	conns chan *websocket.Conn
}

func newStubBackend(t *testing.T) *stubBackend {
	b := &stubBackend{
		t:        t,
		promptID: "prompt-1",
		conns:    make(chan *websocket.Conn, 8),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/history", b.handleHistory)
	mux.HandleFunc("/history/", b.handleHistory)
	mux.HandleFunc("/prompt", b.handlePrompt)
	mux.HandleFunc("/queue", b.handleQueue)
	mux.HandleFunc("/view", b.handleView)
	mux.HandleFunc("/interrupt", b.handleInterrupt)
	mux.HandleFunc("/ws", b.handleWS)

	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)
	return b
}

func (b *stubBackend) URL() string { return b.srv.URL }

func (b *stubBackend) recordAuth(r *http.Request) {
	b.mu.Lock()
	b.auth = append(b.auth, r.Header.Get("Authorization"))
	b.mu.Unlock()
}

func (b *stubBackend) authHeaders() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.auth...)
}

func (b *stubBackend) lastPrompt() (json.RawMessage, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.workflow, b.clientID
}

func (b *stubBackend) lastViewQuery() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.viewQuery
}

func (b *stubBackend) denyAuth() {
	b.mu.Lock()
	b.unauthorized = true
	b.mu.Unlock()
}

func (b *stubBackend) handleHistory(w http.ResponseWriter, r *http.Request) {
	b.recordAuth(r)
	b.mu.Lock()
	denied := b.unauthorized
	b.mu.Unlock()
	if denied {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	io.WriteString(w, `{}`)
}

func (b *stubBackend) handlePrompt(w http.ResponseWriter, r *http.Request) {
	b.recordAuth(r)
	var body struct {
		Prompt   json.RawMessage `json:"prompt"`
		ClientID string          `json:"client_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	b.mu.Lock()
	b.workflow = body.Prompt
	b.clientID = body.ClientID
	id := b.promptID
	b.mu.Unlock()

	json.NewEncoder(w).Encode(map[string]string{"prompt_id": id})
}

func (b *stubBackend) handleQueue(w http.ResponseWriter, r *http.Request) {
	b.recordAuth(r)
	io.WriteString(w, `{"queue_running":[["a"]],"queue_pending":[["b"],["c"]]}`)
}

func (b *stubBackend) handleView(w http.ResponseWriter, r *http.Request) {
	b.recordAuth(r)
	b.mu.Lock()
	b.viewQuery = r.URL.RawQuery
	b.mu.Unlock()
	w.Write([]byte("artifact-bytes"))
}

func (b *stubBackend) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	b.interrupts.Add(1)
	w.WriteHeader(http.StatusOK)
}

func (b *stubBackend) handleWS(w http.ResponseWriter, r *http.Request) {
	b.recordAuth(r)
	b.dials.Add(1)

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	b.conns <- ws

	// Hold the handler open until the client goes away.
	for {
		if _, _, err := ws.Read(r.Context()); err != nil {
			return
		}
	}
}

// waitConn blocks until the next websocket handshake completes.
func (b *stubBackend) waitConn() *websocket.Conn {
	b.t.Helper()
	select {
	case ws := <-b.conns:
		return ws
	case <-time.After(5 * time.Second):
		b.t.Fatal("timed out waiting for websocket connection")
		return nil
	}
}

// push writes one JSON message frame to the given websocket.
func (b *stubBackend) push(ws *websocket.Conn, msgType string, data any) {
	b.t.Helper()
	frame, err := json.Marshal(map[string]any{"type": msgType, "data": data})
	require.NoError(b.t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(b.t, ws.Write(ctx, websocket.MessageText, frame))
}

// pushBinary writes one binary frame to the given websocket.
func (b *stubBackend) pushBinary(ws *websocket.Conn, frame []byte) {
	b.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(b.t, ws.Write(ctx, websocket.MessageBinary, frame))
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recvMessage pulls the next routed message off a pending channel.
func recvMessage(t *testing.T, ch <-chan *Message) *Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "message channel closed")
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for routed message")
		return nil
	}
}
