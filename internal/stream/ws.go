package stream

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to read the next frame before the connection is
	// considered dead. The server is expected to ping within this window.
	wsPongWait = 60 * time.Second

	// Maximum message size allowed from the server.
	wsMaxMessageSize = 512 * 1024 // 512KB
)

// WSTransport connects to a WebSocket endpoint pushing the same JSON events,
// one event per text message. Some deployments front the stream with a
// WebSocket gateway instead of SSE; both satisfy Transport, and the watcher
// does not care which is wired. WebSocket frames carry no resumption token;
// the snapshot reconciliation pass on reconnect covers the gap.
type WSTransport struct {
	streamURL string
	authToken string
	pongWait  time.Duration
}

// NewWSTransport creates a WSTransport for the given ws:// or wss:// URL.
// authToken may be empty.
func NewWSTransport(streamURL, authToken string) *WSTransport {
	return &WSTransport{
		streamURL: streamURL,
		authToken: authToken,
		pongWait:  wsPongWait,
	}
}

// Open dials the WebSocket endpoint and starts the read pump.
func (t *WSTransport) Open(ctx context.Context) (Conn, error) {
	header := http.Header{}
	if t.authToken != "" {
		header.Set("Authorization", "Bearer "+t.authToken)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, t.streamURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	wc := &wsConn{
		conn:     conn,
		frames:   make(chan Frame, frameBuffer),
		done:     make(chan error, 1),
		quit:     make(chan struct{}),
		pongWait: t.pongWait,
	}
	go wc.readLoop()

	return wc, nil
}

type wsConn struct {
	conn     *websocket.Conn
	frames   chan Frame
	done     chan error
	quit     chan struct{}
	pongWait time.Duration

	closeOnce sync.Once
	doneOnce  sync.Once
}

func (c *wsConn) Frames() <-chan Frame { return c.frames }

func (c *wsConn) Done() <-chan error { return c.done }

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.quit)
		c.conn.Close()
	})
	return nil
}

func (c *wsConn) terminate(err error) {
	c.doneOnce.Do(func() {
		close(c.frames)
		c.done <- err
		close(c.done)
	})
}

func (c *wsConn) readLoop() {
	defer c.Close()

	c.conn.SetReadLimit(wsMaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.terminate(ErrStreamClosed)
				return
			}
			c.terminate(fmt.Errorf("websocket read error: %w", err))
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.pongWait))

		select {
		case c.frames <- Frame{Data: string(message)}:
		case <-c.quit:
			return
		}
	}
}
