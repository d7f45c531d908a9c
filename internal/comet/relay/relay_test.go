package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jiascheduler/jiascheduler/pkg/protocol"
	"github.com/jiascheduler/jiascheduler/pkg/wsconn"
)

// connPair returns two ends of a real loopback websocket, each wrapped
// in a wsconn.Conn, so relay routing can be exercised without faking
// wsconn's internals.
func connPair(t *testing.T) (a, b *wsconn.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srvCh := make(chan *websocket.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		srvCh <- ws
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	cliWS, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	srvWS := <-srvCh
	return wsconn.New(srvWS), wsconn.New(cliWS)
}

type fakeResolver struct {
	instanceID string
	err        error
}

func (f *fakeResolver) Resolve(ctx context.Context, hello protocol.HelloPayload) (string, error) {
	return f.instanceID, f.err
}

type fakeRouteIndex struct {
	set    map[string]string
	delete []string
}

func (f *fakeRouteIndex) SetRoute(ctx context.Context, instanceID, cometID string, ttl time.Duration) error {
	if f.set == nil {
		f.set = make(map[string]string)
	}
	f.set[instanceID] = cometID
	return nil
}

func (f *fakeRouteIndex) DeleteRoute(ctx context.Context, instanceID string) error {
	f.delete = append(f.delete, instanceID)
	return nil
}

func TestServeAgent_HelloEstablishesRouteAndWelcome(t *testing.T) {
	agentSide, relaySideOfAgent := connPair(t)
	defer agentSide.Close()

	ridx := &fakeRouteIndex{}
	r := New("comet-1", "s3cr3t", &fakeResolver{instanceID: "inst-a"}, ridx)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.ServeAgent(ctx, relaySideOfAgent)

	hello, err := protocol.Encode(protocol.KindHello, "c1", "", protocol.HelloPayload{CometSecret: "s3cr3t"})
	require.NoError(t, err)
	require.True(t, agentSide.Send(hello))

	select {
	case welcome := <-agentSide.Recv():
		require.Equal(t, protocol.KindWelcome, welcome.Kind)
		var w protocol.WelcomePayload
		require.NoError(t, welcome.Decode(&w))
		assert.Equal(t, "inst-a", w.InstanceID)
	case <-time.After(2 * time.Second):
		t.Fatal("never received welcome")
	}

	assert.Eventually(t, func() bool {
		return ridx.set["inst-a"] == "comet-1"
	}, time.Second, 10*time.Millisecond)
}

func TestServeAgent_WrongSecretClosesLink(t *testing.T) {
	agentSide, relaySideOfAgent := connPair(t)
	defer agentSide.Close()

	r := New("comet-1", "correct", &fakeResolver{instanceID: "inst-a"}, &fakeRouteIndex{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.ServeAgent(ctx, relaySideOfAgent)

	hello, _ := protocol.Encode(protocol.KindHello, "c1", "", protocol.HelloPayload{CometSecret: "wrong"})
	agentSide.Send(hello)

	select {
	case <-agentSide.Closed():
	case <-time.After(2 * time.Second):
		t.Fatal("link was not closed on bad secret")
	}
}

func TestRouteToAgent_UnknownInstanceSynthesizesDispatchFailed(t *testing.T) {
	r := New("comet-1", "secret", &fakeResolver{}, &fakeRouteIndex{})

	consoleSide, relaySideOfConsole := connPair(t)
	defer consoleSide.Close()
	r.mu.Lock()
	r.consoles["c1"] = relaySideOfConsole
	r.mu.Unlock()

	f, _ := protocol.Encode(protocol.KindExec, "corr-1", "missing-instance", protocol.ExecPayload{})
	r.routeToAgent(f)

	select {
	case got := <-consoleSide.Recv():
		assert.Equal(t, protocol.KindDispatchFailed, got.Kind)
		var failed protocol.DispatchFailedPayload
		require.NoError(t, got.Decode(&failed))
		assert.Equal(t, protocol.ReasonNotConnected, failed.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("never received dispatch_failed")
	}
}

func TestRouteToAgent_ForwardsToRegisteredLinkAndTracksPending(t *testing.T) {
	r := New("comet-1", "secret", &fakeResolver{}, &fakeRouteIndex{})

	agentConsumer, relaySideOfAgent := connPair(t)
	defer agentConsumer.Close()

	link := newAgentLink("inst-a", relaySideOfAgent)
	r.mu.Lock()
	r.agents["inst-a"] = link
	r.mu.Unlock()

	f, _ := protocol.Encode(protocol.KindExec, "corr-2", "inst-a", protocol.ExecPayload{Eid: "eid-1"})
	r.routeToAgent(f)

	select {
	case got := <-agentConsumer.Recv():
		assert.Equal(t, protocol.KindExec, got.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("frame never forwarded to agent link")
	}

	pending := link.drainPending()
	require.Len(t, pending, 1)
	assert.Equal(t, "corr-2", pending[0])
}

func TestUnregisterAgent_SynthesizesDispatchFailedForPendingCorrelations(t *testing.T) {
	r := New("comet-1", "secret", &fakeResolver{}, &fakeRouteIndex{})

	consoleSide, relaySideOfConsole := connPair(t)
	defer consoleSide.Close()
	r.mu.Lock()
	r.consoles["c1"] = relaySideOfConsole
	r.mu.Unlock()

	_, relaySideOfAgent := connPair(t)
	link := newAgentLink("inst-a", relaySideOfAgent)
	link.trackPending("corr-3")
	r.mu.Lock()
	r.agents["inst-a"] = link
	r.mu.Unlock()

	r.unregisterAgent("inst-a", link)

	select {
	case got := <-consoleSide.Recv():
		assert.Equal(t, protocol.KindDispatchFailed, got.Kind)
		var failed protocol.DispatchFailedPayload
		require.NoError(t, got.Decode(&failed))
		assert.Equal(t, protocol.ReasonLinkClosed, failed.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("never synthesized dispatch_failed on unregister")
	}

	r.mu.RLock()
	_, stillPresent := r.agents["inst-a"]
	r.mu.RUnlock()
	assert.False(t, stillPresent)
}
