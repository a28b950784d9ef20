package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the duplex channel to the classification pipeline for one case.
type Conn struct {
	conn      *websocket.Conn
	writeLock sync.Mutex
	closeOnce sync.Once
}

// Dial opens the processing channel.
func Dial(ctx context.Context, url string, handshakeTimeout time.Duration, header http.Header) (*Conn, error) {
	if handshakeTimeout <= 0 {
		handshakeTimeout = 15 * time.Second
	}
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial pipeline: status=%d err=%w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial pipeline: %w", err)
	}
	return &Conn{conn: conn}, nil
}

// Send writes one JSON text frame.
func (c *Conn) Send(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// Read waits for the next frame. A zero idle disables the read deadline.
// Only one goroutine may call Read.
func (c *Conn) Read(idle time.Duration) ([]byte, error) {
	if idle > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(idle)); err != nil {
			return nil, err
		}
	}
	_, data, err := c.conn.ReadMessage()
	return data, err
}

// Close sends a normal close frame and releases the connection. Safe to call
// from any goroutine, any number of times.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}
