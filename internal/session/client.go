package session

import (
	"context"
	"sync"
	"time"

	"github.com/basket/clawbox/internal/agentclient"
	"github.com/basket/clawbox/internal/agentproto"
)

// EventStream is one query's server-push stream.
type EventStream interface {
	Next() (agentproto.Event, error)
	Close() error
}

// AgentClient is the control side of one sandbox's agent protocol.
type AgentClient interface {
	Health(ctx context.Context) (bool, error)
	WaitHealthy(ctx context.Context, attempts int, delay time.Duration) error
	Status(ctx context.Context) (agentproto.Status, error)
	Interrupt(ctx context.Context) (bool, error)
	MessagesAfter(ctx context.Context, seq int64) ([]agentproto.Message, error)
	Query(ctx context.Context, req agentproto.QueryRequest) (EventStream, error)
	Close()
}

// Dialer returns a client for the agent listening on socketPath.
type Dialer func(socketPath string) AgentClient

// SocketDialer dials agents with agentclient. cfg.SocketPath is ignored.
func SocketDialer(cfg agentclient.Config) Dialer {
	return func(socketPath string) AgentClient {
		c := cfg
		c.SocketPath = socketPath
		return socketClient{agentclient.New(c)}
	}
}

type socketClient struct {
	*agentclient.Client
}

func (c socketClient) Query(ctx context.Context, req agentproto.QueryRequest) (EventStream, error) {
	stream, err := c.Client.Query(ctx, req)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// clientPool keeps one client per session so idle connections are reused.
type clientPool struct {
	dial Dialer

	mu      sync.Mutex
	clients map[string]pooledClient
}

type pooledClient struct {
	socketPath string
	client     AgentClient
}

func newClientPool(dial Dialer) *clientPool {
	return &clientPool{dial: dial, clients: make(map[string]pooledClient)}
}

func (p *clientPool) get(sessionID, socketPath string) AgentClient {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pc, ok := p.clients[sessionID]; ok {
		if pc.socketPath == socketPath {
			return pc.client
		}
		pc.client.Close()
	}
	c := p.dial(socketPath)
	p.clients[sessionID] = pooledClient{socketPath: socketPath, client: c}
	return c
}

func (p *clientPool) drop(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pc, ok := p.clients[sessionID]; ok {
		pc.client.Close()
		delete(p.clients, sessionID)
	}
}

func (p *clientPool) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, pc := range p.clients {
		pc.client.Close()
		delete(p.clients, id)
	}
}
