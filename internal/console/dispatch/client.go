// Package dispatch implements the Console's Dispatcher (spec.md §4.C):
// resolving a schedule's target selector to concrete instances, fanning
// a command out to each target's Comet, and materializing running
// status and schedule history from the outcomes.
package dispatch

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/jiascheduler/jiascheduler/pkg/protocol"
	"github.com/jiascheduler/jiascheduler/pkg/wsconn"
)

// CometClient holds one persistent Console->Comet link and routes
// inbound frames to whichever caller is awaiting that correlation_id.
type CometClient struct {
	addr string
	conn *wsconn.Conn

	mu   sync.Mutex
	subs map[string]chan protocol.Frame
}

func dialComet(ctx context.Context, addr string) (*CometClient, error) {
	u := url.URL{Scheme: "ws", Host: addr, Path: "/console/ws"}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("link_closed: dial comet %s: %w", addr, err)
	}

	c := &CometClient{
		addr: addr,
		conn: wsconn.New(ws),
		subs: make(map[string]chan protocol.Frame),
	}
	go c.pump()
	return c, nil
}

func (c *CometClient) pump() {
	for f := range c.conn.Recv() {
		c.mu.Lock()
		ch, ok := c.subs[f.CorrelationID]
		c.mu.Unlock()
		if !ok {
			log.WithField("correlation_id", f.CorrelationID).Debug("dispatch: dropping frame for unknown or expired correlation")
			continue
		}
		select {
		case ch <- f:
		default:
			log.WithField("correlation_id", f.CorrelationID).Warn("dispatch: subscriber channel full, dropping frame")
		}
	}
}

// Subscribe registers a buffered channel for corrID and returns an
// unsubscribe func the caller must invoke once it stops reading.
func (c *CometClient) Subscribe(corrID string) (<-chan protocol.Frame, func()) {
	ch := make(chan protocol.Frame, 32)
	c.mu.Lock()
	c.subs[corrID] = ch
	c.mu.Unlock()
	return ch, func() {
		c.mu.Lock()
		delete(c.subs, corrID)
		c.mu.Unlock()
	}
}

func (c *CometClient) Send(f protocol.Frame) bool { return c.conn.Send(f) }

func (c *CometClient) Close() error { return c.conn.Close() }

// acceptTimeout is the default accept-timeout from spec.md §5: "every
// dispatch carries a correlation id with a default 30 s accept-timeout;
// late accepted frames for expired correlations are dropped and logged."
var acceptTimeout = 30 * time.Second
