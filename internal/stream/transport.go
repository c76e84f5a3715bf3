package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// Frame is one discrete message delivered over the push stream: an opaque
// payload plus an optional resumption token.
type Frame struct {
	// Data is the raw event payload.
	Data string
	// Token is the resumption token attached to the frame, if any.
	Token string
}

// Conn is one open push connection.
type Conn interface {
	// Frames returns the channel of incoming frames. It is closed when the
	// connection terminates.
	Frames() <-chan Frame

	// Done delivers the terminal error exactly once and is then closed.
	// Any disconnect (network loss, server close, read failure) is terminal;
	// the transport never retries internally.
	Done() <-chan error

	// Close releases the connection. It is idempotent and safe to call
	// concurrently with reads.
	Close() error
}

// Transport establishes push connections to the sync event stream.
// Retry policy lives above the transport, in the watcher.
type Transport interface {
	Open(ctx context.Context) (Conn, error)
}

// frameBuffer bounds how far the reader may run ahead of the consumer.
const frameBuffer = 64

// ErrStreamClosed is the terminal error for a connection the server ended
// cleanly. The watcher treats it like any other disconnect.
var ErrStreamClosed = errors.New("stream closed by server")

// SSETransport connects to a Server-Sent Events endpoint. The endpoint emits
// one JSON event per "data:" field; "id:" fields carry the resumption token,
// which is replayed on the next Open via the Last-Event-ID header so the
// server can resume from the last delivered event.
type SSETransport struct {
	streamURL  string
	authToken  string
	httpClient *http.Client

	mu        sync.Mutex
	lastToken string
}

// SSEOption configures an SSETransport.
type SSEOption func(*SSETransport)

// WithAuthToken sets the bearer token sent on the stream handshake.
func WithAuthToken(token string) SSEOption {
	return func(t *SSETransport) {
		t.authToken = token
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) SSEOption {
	return func(t *SSETransport) {
		t.httpClient = client
	}
}

// NewSSETransport creates an SSETransport for the given stream URL.
func NewSSETransport(streamURL string, opts ...SSEOption) *SSETransport {
	t := &SSETransport{
		streamURL: strings.TrimSuffix(streamURL, "/"),
		httpClient: &http.Client{
			Timeout: 0, // No timeout for streaming connections.
		},
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// LastToken returns the most recent resumption token seen on any connection.
func (t *SSETransport) LastToken() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastToken
}

func (t *SSETransport) setLastToken(token string) {
	t.mu.Lock()
	t.lastToken = token
	t.mu.Unlock()
}

// Open performs the SSE handshake and starts reading frames.
// A non-2xx handshake is an error; nothing is retried here.
func (t *SSETransport) Open(ctx context.Context) (Conn, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.streamURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if t.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+t.authToken)
	}
	if token := t.LastToken(); token != "" {
		req.Header.Set("Last-Event-ID", token)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	conn := &sseConn{
		body:   resp.Body,
		frames: make(chan Frame, frameBuffer),
		done:   make(chan error, 1),
		quit:   make(chan struct{}),
	}
	go conn.readLoop(t)

	return conn, nil
}

// sseConn reads frames off one SSE response body.
type sseConn struct {
	body   io.ReadCloser
	frames chan Frame
	done   chan error
	quit   chan struct{}

	closeOnce sync.Once
	doneOnce  sync.Once
}

func (c *sseConn) Frames() <-chan Frame { return c.frames }

func (c *sseConn) Done() <-chan error { return c.done }

func (c *sseConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.quit)
		c.body.Close()
	})
	return nil
}

// terminate reports the terminal error and closes both channels.
// Only the read loop calls it, so no frame is ever sent after close.
func (c *sseConn) terminate(err error) {
	c.doneOnce.Do(func() {
		close(c.frames)
		c.done <- err
		close(c.done)
	})
}

func (c *sseConn) readLoop(t *SSETransport) {
	defer c.Close()

	scanner := bufio.NewScanner(c.body)
	// Allow for large event payloads.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var dataLines []string
	var token string

	for scanner.Scan() {
		line := scanner.Text()

		// An empty line dispatches the accumulated event.
		if line == "" {
			if len(dataLines) > 0 {
				fr := Frame{Data: strings.Join(dataLines, "\n"), Token: token}
				if token != "" {
					t.setLastToken(token)
				}
				select {
				case c.frames <- fr:
				case <-c.quit:
					return
				}
				dataLines = nil
				token = ""
			}
			continue
		}

		switch {
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case strings.HasPrefix(line, "id:"):
			token = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		}
		// Other SSE fields (event:, retry:, comments) are ignored.
	}

	if err := scanner.Err(); err != nil {
		c.terminate(fmt.Errorf("stream read error: %w", err))
		return
	}
	c.terminate(ErrStreamClosed)
}
