package dispatch

import (
	"context"
	"sync"
)

// Pool lazily dials and reuses one CometClient per comet_id. A comet_id
// is treated as a dialable host:port, matching the Comet's own --id
// default of its --bind address (internal/comet/config).
type Pool struct {
	mu      sync.Mutex
	clients map[string]*CometClient
}

func NewPool() *Pool {
	return &Pool{clients: make(map[string]*CometClient)}
}

func (p *Pool) Get(ctx context.Context, cometID string) (*CometClient, error) {
	p.mu.Lock()
	if c, ok := p.clients[cometID]; ok {
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	c, err := dialComet(ctx, cometID)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if existing, ok := p.clients[cometID]; ok {
		p.mu.Unlock()
		c.Close()
		return existing, nil
	}
	p.clients[cometID] = c
	p.mu.Unlock()
	return c, nil
}

// Drop closes and forgets the client for cometID, forcing the next Get
// to redial. Called when a send fails, since a dead client can never
// succeed again on its own.
func (p *Pool) Drop(cometID string) {
	p.mu.Lock()
	c, ok := p.clients[cometID]
	delete(p.clients, cometID)
	p.mu.Unlock()
	if ok {
		c.Close()
	}
}
