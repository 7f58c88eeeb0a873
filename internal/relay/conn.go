package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/outaqua/aquarium/internal/ratelimit"
	"github.com/outaqua/aquarium/internal/transfer"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 25 * time.Second
)

// message is one websocket frame queued for a connection.
type message struct {
	typ  int
	data []byte
}

// Conn is one client connection. gorilla/websocket allows a single
// concurrent writer, so every write goes through the send queue drained by
// writeLoop.
type Conn struct {
	id      string
	ws      *websocket.Conn
	send    chan []message
	done    chan struct{}
	once    sync.Once
	uploads *transfer.Store
	limiter *ratelimit.Limiter
	log     *zap.Logger
}

// enqueue queues frames to be written back to back. A connection whose
// queue is full is closed.
func (c *Conn) enqueue(frames ...message) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frames:
		return true
	case <-c.done:
		return false
	default:
		c.log.Warn("send queue full, dropping connection")
		c.close()
		return false
	}
}

func (c *Conn) sendEvent(k Kind, data any) bool {
	b, err := Encode(k, data)
	if err != nil {
		c.log.Error("encode event", zap.Stringer("event", k), zap.Error(err))
		return false
	}
	return c.enqueue(message{typ: websocket.TextMessage, data: b})
}

func (c *Conn) sendError(msg string) {
	c.sendEvent(KindError, ErrorPayload{Message: msg})
}

func (c *Conn) close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case frames := <-c.send:
			for _, m := range frames {
				c.ws.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.ws.WriteMessage(m.typ, m.data); err != nil {
					c.log.Debug("websocket write error", zap.Error(err))
					return
				}
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
