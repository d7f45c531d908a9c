// Package relay implements the Comet (spec.md §4.B): a stateless
// ingress that accepts agent links, maintains an in-memory routing
// table, and forwards framed messages between Console and Agents.
package relay

import (
	"context"
	"crypto/subtle"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/jiascheduler/jiascheduler/pkg/protocol"
	"github.com/jiascheduler/jiascheduler/pkg/wsconn"
)

// IdentityResolver is the Console-side call the relay makes on agent
// hello (spec.md §4.B, "calls Console resolve_identity(...)").
type IdentityResolver interface {
	Resolve(ctx context.Context, hello protocol.HelloPayload) (instanceID string, err error)
}

// RouteIndex is the shared keyspace recording instance_id -> comet_id
// (spec.md §4.B, "via a shared index, e.g. a Redis-style keyspace").
type RouteIndex interface {
	SetRoute(ctx context.Context, instanceID, cometID string, ttl time.Duration) error
	DeleteRoute(ctx context.Context, instanceID string) error
}

// routeTTL spans three agent heartbeats; each heartbeat refreshes the
// route (pumpAgent), so only a link that stops heartbeating expires.
const routeTTL = 45 * time.Second

// AgentLink is one connected agent's routing entry.
type AgentLink struct {
	InstanceID string
	conn       *wsconn.Conn

	mu              sync.Mutex
	pendingCorrIDs  map[string]struct{}
}

func newAgentLink(instanceID string, conn *wsconn.Conn) *AgentLink {
	return &AgentLink{InstanceID: instanceID, conn: conn, pendingCorrIDs: make(map[string]struct{})}
}

func (l *AgentLink) trackPending(corrID string) {
	l.mu.Lock()
	l.pendingCorrIDs[corrID] = struct{}{}
	l.mu.Unlock()
}

func (l *AgentLink) untrackPending(corrID string) {
	l.mu.Lock()
	delete(l.pendingCorrIDs, corrID)
	l.mu.Unlock()
}

func (l *AgentLink) drainPending() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.pendingCorrIDs))
	for id := range l.pendingCorrIDs {
		out = append(out, id)
	}
	return out
}

// isTerminalKind reports whether an agent-originated frame kind
// concludes a correlation, so the link can stop tracking it for
// link_closed synthesis. A kill frame from the agent is its kill ack.
func isTerminalKind(k protocol.Kind) bool {
	switch k {
	case protocol.KindCompleted, protocol.KindDispatchFailed, protocol.KindSSHClose, protocol.KindKill:
		return true
	default:
		return false
	}
}

// isRequestKind reports whether a frame kind is a Console-originated
// request that expects a terminal reply, and so should be tracked.
func isRequestKind(k protocol.Kind) bool {
	switch k {
	case protocol.KindExec, protocol.KindKill, protocol.KindStartTimer, protocol.KindStopTimer, protocol.KindSSHOpen:
		return true
	default:
		return false
	}
}

// Relay owns the in-memory routing table for one Comet process.
type Relay struct {
	CometID     string
	secret      string
	resolver    IdentityResolver
	routeIndex  RouteIndex

	mu       sync.RWMutex
	agents   map[string]*AgentLink
	consoles map[string]*wsconn.Conn
}

func New(cometID, secret string, resolver IdentityResolver, routeIndex RouteIndex) *Relay {
	return &Relay{
		CometID:    cometID,
		secret:     secret,
		resolver:   resolver,
		routeIndex: routeIndex,
		agents:     make(map[string]*AgentLink),
		consoles:   make(map[string]*wsconn.Conn),
	}
}

func constantTimeEq(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ServeAgent handles one agent connection end to end: hello handshake,
// then forward agent-originated frames to every connected console and
// console-originated frames already routed to this link.
func (r *Relay) ServeAgent(ctx context.Context, conn *wsconn.Conn) {
	helloFrame, err := r.awaitHello(ctx, conn)
	if err != nil {
		log.WithError(err).Warn("comet: agent hello failed")
		conn.Close()
		return
	}

	var hello protocol.HelloPayload
	if err := helloFrame.Decode(&hello); err != nil || !constantTimeEq(hello.CometSecret, r.secret) {
		log.Warn("comet: auth_denied on agent hello")
		conn.Close()
		return
	}

	instanceID, err := r.resolver.Resolve(ctx, hello)
	if err != nil {
		log.WithError(err).Error("comet: resolve_identity failed")
		conn.Close()
		return
	}

	link := newAgentLink(instanceID, conn)
	r.registerAgent(instanceID, link)
	defer r.unregisterAgent(instanceID, link)

	if err := r.routeIndex.SetRoute(ctx, instanceID, r.CometID, routeTTL); err != nil {
		log.WithError(err).Warn("comet: failed to publish route")
	}

	welcome, _ := protocol.Encode(protocol.KindWelcome, helloFrame.CorrelationID, "", protocol.WelcomePayload{InstanceID: instanceID})
	conn.Send(welcome)

	r.pumpAgent(ctx, link)
}

// registerAgent evicts any prior link for the same instance_id
// (spec.md §4.B, "Duplicate hello ... evicts the prior link").
func (r *Relay) registerAgent(instanceID string, link *AgentLink) {
	r.mu.Lock()
	prior, existed := r.agents[instanceID]
	r.agents[instanceID] = link
	r.mu.Unlock()

	if existed {
		prior.conn.Close()
	}
}

func (r *Relay) unregisterAgent(instanceID string, link *AgentLink) {
	r.mu.Lock()
	if r.agents[instanceID] == link {
		delete(r.agents, instanceID)
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	r.routeIndex.DeleteRoute(ctx, instanceID)

	for _, corrID := range link.drainPending() {
		failed, _ := protocol.Encode(protocol.KindDispatchFailed, corrID, instanceID, protocol.DispatchFailedPayload{Reason: protocol.ReasonLinkClosed})
		r.broadcastToConsoles(failed)
	}
}

func (r *Relay) pumpAgent(ctx context.Context, link *AgentLink) {
	for {
		select {
		case <-ctx.Done():
			link.conn.Close()
			return
		case <-link.conn.Closed():
			return
		case f, ok := <-link.conn.Recv():
			if !ok {
				return
			}
			if isTerminalKind(f.Kind) {
				link.untrackPending(f.CorrelationID)
			}
			if f.Kind == protocol.KindHeartbeat {
				if err := r.routeIndex.SetRoute(ctx, link.InstanceID, r.CometID, routeTTL); err != nil {
					log.WithError(err).Warn("comet: failed to refresh route")
				}
			}
			r.broadcastToConsoles(f)
		case lag, ok := <-link.conn.Lagging():
			if !ok {
				continue
			}
			f, _ := protocol.Encode(protocol.KindLagging, "", link.InstanceID, lag)
			r.broadcastToConsoles(f)
		}
	}
}

// ServeConsole handles one Console connection: every inbound frame is
// routed by TargetInstanceID to the matching agent link.
func (r *Relay) ServeConsole(ctx context.Context, connID string, conn *wsconn.Conn) {
	r.mu.Lock()
	r.consoles[connID] = conn
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.consoles, connID)
		r.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			conn.Close()
			return
		case <-conn.Closed():
			return
		case f, ok := <-conn.Recv():
			if !ok {
				return
			}
			r.routeToAgent(f)
		}
	}
}

func (r *Relay) routeToAgent(f protocol.Frame) {
	r.mu.RLock()
	link, ok := r.agents[f.TargetInstanceID]
	r.mu.RUnlock()

	if !ok {
		failed, _ := protocol.Encode(protocol.KindDispatchFailed, f.CorrelationID, f.TargetInstanceID, protocol.DispatchFailedPayload{Reason: protocol.ReasonNotConnected})
		r.broadcastToConsoles(failed)
		return
	}

	if isRequestKind(f.Kind) {
		link.trackPending(f.CorrelationID)
	}
	if !link.conn.Send(f) {
		link.untrackPending(f.CorrelationID)
	}
}

func (r *Relay) broadcastToConsoles(f protocol.Frame) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.consoles {
		c.Send(f)
	}
}

const helloTimeout = 10 * time.Second

func (r *Relay) awaitHello(ctx context.Context, conn *wsconn.Conn) (protocol.Frame, error) {
	timer := time.NewTimer(helloTimeout)
	defer timer.Stop()

	select {
	case f := <-conn.Recv():
		if f.Kind != protocol.KindHello {
			return protocol.Frame{}, errNotHello
		}
		return f, nil
	case <-timer.C:
		return protocol.Frame{}, errHelloTimeout
	case <-ctx.Done():
		return protocol.Frame{}, ctx.Err()
	}
}
