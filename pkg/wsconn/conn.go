// Package wsconn wraps a gorilla/websocket connection with the
// bounded-queue reader/writer goroutine pair spec.md §5 requires for
// every agent link: "each link is driven by two tasks (reader, writer)
// with bounded channels... routing between links never blocks across
// links."
package wsconn

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/jiascheduler/jiascheduler/pkg/protocol"
)

const (
	defaultQueueSize = 256
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = pongWait * 9 / 10
)

// Conn is a single bidirectional link. Out is buffered; Send drops the
// oldest behavior is intentionally NOT implemented (we drop the newest
// frame instead, see Send) matching "bounded per-direction queues; on
// overflow the slower side is dropped with a lagging event."
type Conn struct {
	ws *websocket.Conn

	out     chan protocol.Frame
	in      chan protocol.Frame
	lagging chan protocol.LaggingPayload

	closeOnce sync.Once
	closed    chan struct{}
}

// New wraps ws and starts its reader/writer goroutines.
func New(ws *websocket.Conn) *Conn {
	c := &Conn{
		ws:      ws,
		out:     make(chan protocol.Frame, defaultQueueSize),
		in:      make(chan protocol.Frame, defaultQueueSize),
		lagging: make(chan protocol.LaggingPayload, 8),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	go c.writeLoop()
	return c
}

// Send enqueues a frame for the writer goroutine. If the outbound queue
// is full, the frame is dropped and a lagging event is raised instead of
// blocking (no head-of-line blocking across links, spec.md §5).
func (c *Conn) Send(f protocol.Frame) bool {
	select {
	case c.out <- f:
		return true
	case <-c.closed:
		return false
	default:
		c.raiseLagging("out", 1)
		return false
	}
}

// Recv returns the channel of frames read from the peer.
func (c *Conn) Recv() <-chan protocol.Frame { return c.in }

// Lagging returns the channel of back-pressure events raised on this
// link.
func (c *Conn) Lagging() <-chan protocol.LaggingPayload { return c.lagging }

// Closed returns a channel closed once the link has terminated.
func (c *Conn) Closed() <-chan struct{} { return c.closed }

func (c *Conn) raiseLagging(direction string, dropped int) {
	select {
	case c.lagging <- protocol.LaggingPayload{Direction: direction, Dropped: dropped}:
	default:
	}
}

func (c *Conn) readLoop() {
	defer c.Close()
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			log.WithError(err).Debug("wsconn: read loop exiting")
			return
		}
		var f protocol.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.WithError(err).Warn("wsconn: dropping malformed frame")
			continue
		}
		select {
		case c.in <- f:
		case <-c.closed:
			return
		default:
			c.raiseLagging("in", 1)
		}
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.Close()

	for {
		select {
		case f, ok := <-c.out:
			if !ok {
				return
			}
			data, err := json.Marshal(f)
			if err != nil {
				log.WithError(err).Warn("wsconn: failed to marshal frame")
				continue
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

// Close tears down the link. Safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.ws.Close()
	})
	return nil
}
