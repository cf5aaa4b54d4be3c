package websocket

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	ErrClientClosed   = errors.New("websocket client closed")
	ErrSendBufferFull = errors.New("websocket send buffer full")
)

// Client owns one student socket. All writes go through a single pump goroutine.
type Client struct {
	conn      *websocket.Conn
	sessionID string
	send      chan interface{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient wraps conn and starts its write pump.
func NewClient(conn *websocket.Conn, sessionID string, bufferSize int) *Client {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	c := &Client{
		conn:      conn,
		sessionID: sessionID,
		send:      make(chan interface{}, bufferSize),
		done:      make(chan struct{}),
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.writePump()
	return c
}

// SessionID returns the transport session identifier of this socket.
func (c *Client) SessionID() string {
	return c.sessionID
}

// Done is closed once the client has been closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Send queues v for delivery without blocking.
func (c *Client) Send(v interface{}) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	select {
	case c.send <- v:
		return nil
	case <-c.done:
		return ErrClientClosed
	default:
		return ErrSendBufferFull
	}
}

// SendError queues a typed error envelope.
func (c *Client) SendError(msg string) error {
	return c.Send(ErrorResponse{Event: EventError, Error: msg})
}

// Forward queues a raw topic payload wrapped in a TopicMessage.
func (c *Client) Forward(topic string, payload []byte) error {
	return c.Send(TopicMessage{Event: EventMessage, Topic: topic, Data: json.RawMessage(payload)})
}

// ReadJSON reads the next inbound frame, also keeping the pong deadline alive.
func (c *Client) ReadJSON(v interface{}) error {
	return ReadJSON(c.conn, v)
}

// Close sends a normal close frame with reason and tears down the socket.
func (c *Client) Close(reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(time.Second)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), deadline)
		_ = c.conn.Close()
	})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case v := <-c.send:
			if err := WriteTyped(c.conn, v); err != nil {
				c.Close("write failed")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.Close("ping failed")
				return
			}
		case <-c.done:
			return
		}
	}
}
