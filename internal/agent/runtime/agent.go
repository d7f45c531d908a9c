// Package runtime is the Agent process (spec.md §4.A): dials its Comet,
// completes the hello/welcome handshake, then drives one frame-dispatch
// loop plus a heartbeat ticker, grounded on the teacher's
// internal/worker/agent.go Run/startHeartbeat shape but replacing the
// etcd job watch with frame-kind dispatch over a single ws link.
package runtime

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/jiascheduler/jiascheduler/internal/agent/config"
	"github.com/jiascheduler/jiascheduler/internal/agent/executor"
	sshmux "github.com/jiascheduler/jiascheduler/internal/agent/ssh"
	"github.com/jiascheduler/jiascheduler/pkg/protocol"
	"github.com/jiascheduler/jiascheduler/pkg/wsconn"
)

// heartbeatInterval is spec.md §4.A's default T_h.
const heartbeatInterval = 15 * time.Second

const reconnectBackoff = 5 * time.Second

// Agent owns one Comet link and every live run/ssh channel dispatched
// over it.
type Agent struct {
	cfg *config.Config
	exe *executor.Executor
	ssh *sshmux.Manager

	instanceID string
}

func New(cfg *config.Config) *Agent {
	return &Agent{
		cfg: cfg,
		exe: executor.New(cfg.MaxOutputBytes, cfg.KillGrace),
		ssh: sshmux.New(cfg.SSHPort, cfg.AssignUsername, cfg.AssignPassword),
	}
}

// Run dials Comet and serves frames until ctx is canceled, reconnecting
// on link loss (spec.md §4.A, "reconnects with backoff on link loss").
func (a *Agent) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := a.runOnce(ctx); err != nil {
			log.WithError(err).Warn("agent: link lost, reconnecting")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectBackoff):
		}
	}
}

func (a *Agent) runOnce(ctx context.Context) error {
	conn, welcome, err := a.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	a.instanceID = welcome.InstanceID
	log.WithField("instance_id", a.instanceID).Info("agent: connected")

	send := func(f protocol.Frame) { conn.Send(f) }

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go a.runHeartbeat(hbCtx, send)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-conn.Closed():
			return fmt.Errorf("link_closed")
		case f, ok := <-conn.Recv():
			if !ok {
				return fmt.Errorf("link_closed")
			}
			a.dispatch(ctx, f, send)
		}
	}
}

func (a *Agent) dial(ctx context.Context) (*wsconn.Conn, protocol.WelcomePayload, error) {
	u := url.URL{Scheme: "ws", Host: a.cfg.CometAddr, Path: "/agent/ws"}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, protocol.WelcomePayload{}, fmt.Errorf("dial comet %s: %w", a.cfg.CometAddr, err)
	}
	conn := wsconn.New(ws)

	hello, _ := protocol.Encode(protocol.KindHello, "", "", protocol.HelloPayload{
		Namespace:      a.cfg.Namespace,
		MacAddr:        a.cfg.MacAddr,
		IP:             a.cfg.IP,
		SysUser:        a.cfg.SysUser,
		SSHPort:        a.cfg.SSHPort,
		AssignUsername: a.cfg.AssignUsername,
		AssignPassword: a.cfg.AssignPassword,
		CometSecret:    a.cfg.CometSecret,
	})
	conn.Send(hello)

	select {
	case f, ok := <-conn.Recv():
		if !ok || f.Kind != protocol.KindWelcome {
			conn.Close()
			return nil, protocol.WelcomePayload{}, fmt.Errorf("auth_denied: no welcome from comet")
		}
		var welcome protocol.WelcomePayload
		if err := f.Decode(&welcome); err != nil {
			conn.Close()
			return nil, protocol.WelcomePayload{}, err
		}
		return conn, welcome, nil
	case <-time.After(10 * time.Second):
		conn.Close()
		return nil, protocol.WelcomePayload{}, fmt.Errorf("link_closed: welcome timeout")
	case <-ctx.Done():
		conn.Close()
		return nil, protocol.WelcomePayload{}, ctx.Err()
	}
}

func (a *Agent) runHeartbeat(ctx context.Context, send func(protocol.Frame)) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	a.sendHeartbeat(send)
	for {
		select {
		case <-ticker.C:
			a.sendHeartbeat(send)
		case <-ctx.Done():
			return
		}
	}
}

func (a *Agent) sendHeartbeat(send func(protocol.Frame)) {
	hb := protocol.HeartbeatPayload{InstanceID: a.instanceID}
	if avg, err := load.Avg(); err == nil {
		hb.LoadAverage = avg.Load1
	}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		hb.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		hb.MemPercent = vm.UsedPercent
	}
	f, _ := protocol.Encode(protocol.KindHeartbeat, "", "", hb)
	send(f)
}

func (a *Agent) dispatch(ctx context.Context, f protocol.Frame, send func(protocol.Frame)) {
	switch f.Kind {
	case protocol.KindExec:
		a.handleExec(ctx, f, send)
	case protocol.KindKill:
		a.handleKill(f, send)
	case protocol.KindSSHOpen:
		var p protocol.SSHOpenPayload
		if f.Decode(&p) == nil {
			go a.ssh.Open(p.ChannelID, p.User, p.Password, p.Rows, p.Cols, send)
		}
	case protocol.KindSSHData:
		var p protocol.SSHDataPayload
		if f.Decode(&p) == nil {
			a.ssh.Data(p.ChannelID, p.Bytes)
		}
	case protocol.KindSSHResize:
		var p protocol.SSHResizePayload
		if f.Decode(&p) == nil {
			a.ssh.Resize(p.ChannelID, p.Rows, p.Cols)
		}
	case protocol.KindSSHClose:
		var p protocol.SSHClosePayload
		if f.Decode(&p) == nil {
			a.ssh.Close(p.ChannelID)
		}
	default:
		log.WithField("kind", f.Kind).Debug("agent: ignoring frame of unhandled kind")
	}
}

func (a *Agent) handleExec(ctx context.Context, f protocol.Frame, send func(protocol.Frame)) {
	var payload protocol.ExecPayload
	if err := f.Decode(&payload); err != nil {
		log.WithError(err).Warn("agent: malformed exec payload")
		return
	}

	accepted := a.exe.TryAccept(payload.Eid, payload.MaxParallel)
	ack := protocol.ExecAck{Accepted: accepted}
	if !accepted {
		ack.Reason = protocol.ReasonParallelLimit
	}
	ackFrame, _ := protocol.Encode(protocol.KindExec, f.CorrelationID, "", ack)
	send(ackFrame)
	if !accepted {
		return
	}

	go a.exe.Exec(ctx, payload, func(out protocol.Frame) {
		out.CorrelationID = f.CorrelationID
		send(out)
	})
}

func (a *Agent) handleKill(f protocol.Frame, send func(protocol.Frame)) {
	var payload protocol.KillPayload
	if err := f.Decode(&payload); err != nil {
		log.WithError(err).Warn("agent: malformed kill payload")
		return
	}
	killed := a.exe.Kill(payload.Eid, payload.RunID)
	ack, _ := protocol.Encode(protocol.KindKill, f.CorrelationID, "", protocol.KillAck{Killed: killed})
	send(ack)
}
