// ABOUTME: Minimal fake ComfyUI backend serving the HTTP API and event stream for manual testing.
// ABOUTME: Usage: fake-comfy [-addr :8188] [-steps 4] [-delay 250ms] [-fail]

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

func main() {
	addr := flag.String("addr", ":8188", "listen address")
	steps := flag.Int("steps", 4, "progress steps per generation")
	delay := flag.Duration("delay", 250*time.Millisecond, "delay between stream events")
	fail := flag.Bool("fail", false, "report an execution error instead of completing")
	silent := flag.Bool("silent", false, "accept prompts but emit no events (timeout testing)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	backend := &fakeBackend{
		steps:  *steps,
		delay:  *delay,
		fail:   *fail,
		silent: *silent,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", backend.handleWS)
	mux.HandleFunc("/prompt", backend.handlePrompt)
	mux.HandleFunc("/history/", backend.handleHistory)
	mux.HandleFunc("/history", backend.handleHistory)
	mux.HandleFunc("/view", backend.handleView)
	mux.HandleFunc("/queue", backend.handleQueue)
	mux.HandleFunc("/interrupt", backend.handleInterrupt)

	server := &http.Server{Addr: *addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer shutdownCancel()
		server.Shutdown(shutdownCtx)
	}()

	fmt.Fprintf(os.Stderr, "fake-comfy listening on %s\n", *addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}

// fakeBackend runs one scripted generation per submitted prompt and
// broadcasts the event stream to every connected websocket client.
type fakeBackend struct {
	steps  int
	delay  time.Duration
	fail   bool
	silent bool

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
	history map[string]json.RawMessage
}

func (b *fakeBackend) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	b.mu.Lock()
	if b.clients == nil {
		b.clients = make(map[*websocket.Conn]struct{})
	}
	b.clients[conn] = struct{}{}
	b.mu.Unlock()

	b.broadcast(map[string]any{
		"type": "status",
		"data": map[string]any{"status": map[string]any{"exec_info": map[string]any{"queue_remaining": 0}}},
	})

	// Hold the connection open until the client goes away.
	ctx := r.Context()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			break
		}
	}

	b.mu.Lock()
	delete(b.clients, conn)
	b.mu.Unlock()
	conn.Close(websocket.StatusNormalClosure, "")
}

func (b *fakeBackend) handlePrompt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Prompt   json.RawMessage `json:"prompt"`
		ClientID string          `json:"client_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Prompt) == 0 {
		http.Error(w, "invalid prompt", http.StatusBadRequest)
		return
	}

	promptID := uuid.New().String()
	if !b.silent {
		go b.run(promptID)
	}

	json.NewEncoder(w).Encode(map[string]any{"prompt_id": promptID, "number": 1})
}

// run emits the scripted event sequence for one prompt.
func (b *fakeBackend) run(promptID string) {
	time.Sleep(b.delay)

	b.broadcast(map[string]any{
		"type": "execution_start",
		"data": map[string]any{"prompt_id": promptID},
	})

	node := "3"
	b.broadcast(map[string]any{
		"type": "executing",
		"data": map[string]any{"node": node, "prompt_id": promptID},
	})

	for i := 1; i <= b.steps; i++ {
		time.Sleep(b.delay)
		b.broadcast(map[string]any{
			"type": "progress",
			"data": map[string]any{"node": node, "prompt_id": promptID, "value": i, "max": b.steps},
		})
	}

	if b.fail {
		b.broadcast(map[string]any{
			"type": "execution_error",
			"data": map[string]any{
				"prompt_id":         promptID,
				"node_id":           node,
				"exception_message": "simulated failure",
			},
		})
		return
	}

	filename := "fake_" + promptID + ".png"
	output := map[string]any{
		"images": []map[string]any{{"filename": filename, "subfolder": "", "type": "output"}},
	}
	b.broadcast(map[string]any{
		"type": "executed",
		"data": map[string]any{"node": node, "prompt_id": promptID, "output": output},
	})

	record, _ := json.Marshal(map[string]any{
		promptID: map[string]any{"outputs": map[string]any{node: output}},
	})
	b.mu.Lock()
	if b.history == nil {
		b.history = make(map[string]json.RawMessage)
	}
	b.history[promptID] = record
	b.mu.Unlock()

	b.broadcast(map[string]any{
		"type": "executing",
		"data": map[string]any{"node": nil, "prompt_id": promptID},
	})
}

func (b *fakeBackend) broadcast(msg map[string]any) {
	frame, err := json.Marshal(msg)
	if err != nil {
		return
	}

	b.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(b.clients))
	for c := range b.clients {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		c.Write(ctx, websocket.MessageText, frame)
		cancel()
	}
}

func (b *fakeBackend) handleHistory(w http.ResponseWriter, r *http.Request) {
	promptID := strings.TrimPrefix(r.URL.Path, "/history")
	promptID = strings.TrimPrefix(promptID, "/")

	if promptID == "" {
		fmt.Fprint(w, "{}")
		return
	}

	b.mu.Lock()
	record, ok := b.history[promptID]
	b.mu.Unlock()

	if !ok {
		fmt.Fprint(w, "{}")
		return
	}
	w.Write(record)
}

func (b *fakeBackend) handleView(w http.ResponseWriter, r *http.Request) {
	filename := r.URL.Query().Get("filename")
	if filename == "" {
		http.Error(w, "filename required", http.StatusBadRequest)
		return
	}
	// A recognizable placeholder rather than a real image.
	w.Header().Set("Content-Type", "image/png")
	fmt.Fprintf(w, "PNG:%s", filename)
}

func (b *fakeBackend) handleQueue(w http.ResponseWriter, r *http.Request) {
	fmt.Fprint(w, `{"queue_running": [], "queue_pending": []}`)
}

func (b *fakeBackend) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
