// Package transport wraps the WebSocket connection to the room server:
// dial, a serialized write path, and a read loop that hands every raw JSON
// message to the owner. The protocol itself lives elsewhere.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Config holds connection tuning. Zero value means defaults.
type Config struct {
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
}

// DefaultConfig returns the standard connection tuning.
func DefaultConfig() Config {
	return Config{
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		PingInterval:   30 * time.Second,
		MaxMessageSize: 64 * 1024,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.WriteTimeout == 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.PingInterval == 0 {
		c.PingInterval = d.PingInterval
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	return c
}

// Handler receives inbound messages and the close notification. OnMessage is
// called from the read loop, one message at a time, in arrival order.
type Handler interface {
	OnMessage(raw []byte)
	OnClose(err error)
}

// Client is one WebSocket connection. Create with Dial, dispose with Close.
type Client struct {
	conn    *websocket.Conn
	config  Config
	handler Handler

	sendCh    chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to url and starts the read/write pumps.
func Dial(ctx context.Context, url string, config Config, handler Handler) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &Client{
		conn:    conn,
		config:  config.withDefaults(),
		handler: handler,
		sendCh:  make(chan []byte, 256),
		done:    make(chan struct{}),
	}

	go c.writePump()
	go c.readPump()

	log.Info().Str("url", url).Msg("connected to room server")
	return c, nil
}

// Send marshals v and queues it for the write pump. Fails when the send
// buffer is full or the connection is closed.
func (c *Client) Send(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal outbound message: %w", err)
	}

	select {
	case <-c.done:
		return fmt.Errorf("connection closed")
	case c.sendCh <- data:
		return nil
	default:
		return fmt.Errorf("send buffer full")
	}
}

// Close tears the connection down. Idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case data := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Msg("failed to write message")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().Err(err).Msg("failed to send ping")
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer c.Close()

	c.conn.SetReadLimit(c.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Msg("unexpected connection close")
			}
			c.handler.OnClose(err)
			return
		}
		c.handler.OnMessage(message)
		c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	}
}
