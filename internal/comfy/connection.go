// ABOUTME: Connection owns one instance's HTTP client and long-lived websocket stream.
// ABOUTME: Routes incoming stream messages to per-prompt channels keyed by prompt id.

package comfy

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"sync"

	"github.com/coder/websocket"
)

// pendingBuffer is the per-prompt channel capacity. Sends never block: a full
// buffer drops the message with a warning rather than stalling the read loop.
const pendingBuffer = 64

// Connection is the live link to one backend instance. The websocket read
// loop is the only writer to the pending channels; consumers pull from the
// channel returned by Register.
type Connection struct {
	instance *Instance
	http     *http.Client
	ws       *websocket.Conn
	header   http.Header
	logger   *slog.Logger

	// onClose is invoked exactly once when the read loop exits, with the
	// connection that closed so the owner can ignore stale callbacks.
	onClose func(*Connection, error)

	mu        sync.RWMutex
	pending   map[string]chan *Message
	executing string
	queueLen  int
	closed    bool

	cancel context.CancelFunc
	done   chan struct{}
}

// Dial establishes a Connection to the instance: it probes the HTTP API,
// then opens the websocket with the same auth headers and TLS policy.
// onClose may be nil; when set it is called once the stream ends.
func Dial(ctx context.Context, inst *Instance, logger *slog.Logger, onClose func(*Connection, error)) (*Connection, error) {
	transport, err := newTransport(inst.TLS)
	if err != nil {
		return nil, err
	}

	c := &Connection{
		instance: inst,
		http:     &http.Client{Transport: transport},
		header:   authHeader(inst.Auth),
		logger:   logger.With("instance", inst.BaseURL),
		onClose:  onClose,
		pending:  make(map[string]chan *Message),
		done:     make(chan struct{}),
	}

	// Probe the HTTP API before committing to the websocket.
	resp, err := c.get(ctx, "/history")
	if err != nil {
		return nil, fmt.Errorf("probing %s: %w", inst.BaseURL, err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("probing %s: %w", inst.BaseURL, ErrAuthFailed)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("probing %s: unexpected status %d", inst.BaseURL, resp.StatusCode)
	}

	ws, _, err := websocket.Dial(ctx, inst.WSURL(), &websocket.DialOptions{
		HTTPClient: c.http,
		HTTPHeader: c.header,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting websocket %s: %w", inst.BaseURL, err)
	}
	ws.SetReadLimit(32 << 20) // preview frames carry whole images
	c.ws = ws

	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.readLoop(loopCtx)

	return c, nil
}

// authHeader resolves the auth precedence: bearer token if configured, else
// basic credentials, else none.
func authHeader(auth Auth) http.Header {
	header := http.Header{}
	switch {
	case auth.APIKey != "":
		header.Set("Authorization", "Bearer "+auth.APIKey)
	case auth.Username != "":
		cred := base64.StdEncoding.EncodeToString([]byte(auth.Username + ":" + auth.Password))
		header.Set("Authorization", "Basic "+cred)
	}
	return header
}

// newTransport builds an HTTP transport honoring the instance's TLS policy.
func newTransport(policy TLSPolicy) (*http.Transport, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	tlsCfg := &tls.Config{}
	if !policy.Verify {
		tlsCfg.InsecureSkipVerify = true
	}
	if policy.CertPath != "" {
		pem, err := os.ReadFile(policy.CertPath)
		if err != nil {
			return nil, fmt.Errorf("reading CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", policy.CertPath)
		}
		tlsCfg.RootCAs = pool
	}
	transport.TLSClientConfig = tlsCfg

	return transport, nil
}

// Register creates a pending entry for a prompt id and returns its message
// channel. The caller must eventually call Unregister.
func (c *Connection) Register(promptID string) <-chan *Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		ch := make(chan *Message)
		close(ch)
		return ch
	}

	ch := make(chan *Message, pendingBuffer)
	c.pending[promptID] = ch
	return ch
}

// Unregister removes and closes the pending channel for a prompt id.
func (c *Connection) Unregister(promptID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ch, ok := c.pending[promptID]; ok {
		close(ch)
		delete(c.pending, promptID)
	}
}

// QueueRemaining returns the backend's last reported queue depth.
func (c *Connection) QueueRemaining() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.queueLen
}

// readLoop reads frames until the socket closes, parses them, and routes
// messages to pending prompt channels.
func (c *Connection) readLoop(ctx context.Context) {
	var loopErr error
	defer func() {
		c.mu.Lock()
		c.closed = true
		// Wake consumers still waiting on this stream.
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.mu.Unlock()
		close(c.done)
		if c.onClose != nil {
			c.onClose(c, loopErr)
		}
	}()

	for {
		typ, frame, err := c.ws.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("websocket read failed", "error", err)
				loopErr = err
			}
			return
		}

		c.instance.MarkUsed()

		var msg *Message
		switch typ {
		case websocket.MessageText:
			msg, err = ParseText(frame)
		case websocket.MessageBinary:
			msg, err = ParseBinary(frame)
		}
		if err != nil {
			c.logger.Warn("dropping unparseable frame", "error", err)
			continue
		}
		if msg == nil {
			continue
		}

		c.route(msg)
	}
}

// route delivers a message to its prompt's channel. Global status messages
// update the queue gauge; preview frames are attributed to the prompt
// currently executing on this connection.
func (c *Connection) route(msg *Message) {
	c.mu.Lock()

	switch msg.Type {
	case MessageStatus:
		c.queueLen = msg.QueueRemaining
		c.mu.Unlock()
		return
	case MessageExecutionStart, MessageExecuting:
		if msg.PromptID != "" {
			c.executing = msg.PromptID
		}
	case MessagePreview:
		msg.PromptID = c.executing
	}

	ch, ok := c.pending[msg.PromptID]
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("dropping message for unknown prompt",
			"prompt_id", msg.PromptID,
			"type", string(msg.Type),
		)
		return
	}

	// Non-blocking send to avoid stalling the read loop
	select {
	case ch <- msg:
	default:
		c.logger.Warn("prompt channel full, dropping message",
			"prompt_id", msg.PromptID,
			"type", string(msg.Type),
		)
	}
}

// SubmitPrompt sends a workflow graph to the backend and returns the
// server-assigned prompt id. The graph is forwarded verbatim.
func (c *Connection) SubmitPrompt(ctx context.Context, workflow json.RawMessage) (string, error) {
	c.mu.RLock()
	dead := c.closed
	c.mu.RUnlock()
	if dead {
		return "", ErrNotConnected
	}

	body, err := json.Marshal(map[string]json.RawMessage{
		"prompt":    workflow,
		"client_id": json.RawMessage(`"` + c.instance.ClientID + `"`),
	})
	if err != nil {
		return "", fmt.Errorf("encoding prompt: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.instance.BaseURL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	c.applyHeader(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("submitting prompt: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("prompt rejected with status %d: %s", resp.StatusCode, text)
	}

	var result struct {
		PromptID string `json:"prompt_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decoding prompt response: %w", err)
	}
	if result.PromptID == "" {
		return "", fmt.Errorf("backend returned no prompt id")
	}

	c.instance.MarkUsed()
	return result.PromptID, nil
}

// History fetches the stored execution record for a prompt id. This is the
// artifact side channel: completed outputs remain fetchable here after the
// stream ends.
func (c *Connection) History(ctx context.Context, promptID string) (json.RawMessage, error) {
	resp, err := c.get(ctx, "/history/"+url.PathEscape(promptID))
	if err != nil {
		return nil, fmt.Errorf("fetching history: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("history lookup failed with status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// QueueStatus returns the backend's running and pending queue lengths.
func (c *Connection) QueueStatus(ctx context.Context) (running, queued int, err error) {
	resp, err := c.get(ctx, "/queue")
	if err != nil {
		return 0, 0, fmt.Errorf("fetching queue: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, 0, fmt.Errorf("queue lookup failed with status %d", resp.StatusCode)
	}

	var result struct {
		Running []json.RawMessage `json:"queue_running"`
		Pending []json.RawMessage `json:"queue_pending"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, 0, fmt.Errorf("decoding queue response: %w", err)
	}
	return len(result.Running), len(result.Pending), nil
}

// FetchArtifact downloads one produced file via the backend's view endpoint.
func (c *Connection) FetchArtifact(ctx context.Context, ref ArtifactRef) ([]byte, error) {
	resp, err := c.get(ctx, "/view?"+ref.query())
	if err != nil {
		return nil, fmt.Errorf("fetching artifact %s: %w", ref.Filename, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("artifact fetch failed with status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// Interrupt asks the backend to stop its current execution. Best effort.
func (c *Connection) Interrupt(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.instance.BaseURL+"/interrupt", nil)
	if err != nil {
		return err
	}
	c.applyHeader(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("interrupting: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}

// Close tears down the websocket and stops the read loop.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.cancel()
	err := c.ws.Close(websocket.StatusNormalClosure, "shutting down")
	<-c.done
	return err
}

func (c *Connection) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.instance.BaseURL+path, nil)
	if err != nil {
		return nil, err
	}
	c.applyHeader(req)
	return c.http.Do(req)
}

func (c *Connection) applyHeader(req *http.Request) {
	for k, vals := range c.header {
		for _, v := range vals {
			req.Header.Set(k, v)
		}
	}
}
