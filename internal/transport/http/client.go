package http

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"live-quiz-service/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

// client is one websocket connection. It implements room.Sink; every write
// to the socket happens on the writePump goroutine.
type client struct {
	id         string
	accessCode string
	identity   string
	conn       *websocket.Conn
	send       chan any
	done       chan struct{}
	closeOnce  sync.Once
}

func newClient(id, accessCode, identity string, conn *websocket.Conn) *client {
	return &client{
		id:         id,
		accessCode: accessCode,
		identity:   identity,
		conn:       conn,
		send:       make(chan any, sendBuffer),
		done:       make(chan struct{}),
	}
}

func (c *client) ID() string { return c.id }

// Send queues a session event. It reports false if the buffer is full.
func (c *client) Send(ev domain.Event) bool {
	return c.enqueue(ev)
}

// reply queues a transport frame (ack or error) for this connection only.
func (c *client) reply(frame any) {
	if !c.enqueue(frame) {
		log.Warn().Str("connection_id", c.id).Msg("reply dropped, closing slow connection")
		c.Close()
	}
}

func (c *client) enqueue(frame any) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close stops the writer, which sends a close frame and closes the socket.
func (c *client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(frame); err != nil {
				log.Debug().Err(err).Str("connection_id", c.id).Msg("ws write failed")
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.flush()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush writes whatever is still queued, so a final ack or session-ended
// reaches the client before the close frame.
func (c *client) flush() {
	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}
