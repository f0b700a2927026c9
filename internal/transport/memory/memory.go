// Package memory is an in-process transport.Transport for tests and the
// in-process demo (cmd/demo): every node lives in the same Go process, so
// "sending" a request is just calling the destination's registered
// handler directly on a new goroutine, with the same timeout and failure
// semantics a real network transport exposes.
package memory

import (
	"context"
	"sync"

	"github.com/paxoscore/consensus/internal/membership"
	"github.com/paxoscore/consensus/internal/transport"
)

// Network is the shared registry every memory.Transport in a simulated
// cluster registers with, standing in for the network itself. It also
// lets tests drop traffic between specific peers; it has no way to delay
// or reorder it.
type Network struct {
	mu    sync.RWMutex
	nodes map[string]*Transport

	// Blackhole, if set, reports whether a call from `from` to `to` should
	// be dropped (simulating a partition) — used by partition/recovery
	// tests without needing a real network namespace.
	Blackhole func(from, to string) bool
}

// NewNetwork creates an empty shared network.
func NewNetwork() *Network {
	return &Network{nodes: make(map[string]*Transport)}
}

func (n *Network) register(t *Transport) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nodes[t.self.ID] = t
}

func (n *Network) lookup(id string) (*Transport, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	t, ok := n.nodes[id]
	return t, ok
}

func (n *Network) blocked(from, to string) bool {
	if n.Blackhole == nil {
		return false
	}
	return n.Blackhole(from, to)
}

// Transport is the in-memory transport.Transport bound to one node.
type Transport struct {
	self    membership.Endpoint
	network *Network

	mu      sync.RWMutex
	handler transport.Handler
	closed  bool
}

// New joins self to network and returns its Transport handle.
func New(self membership.Endpoint, network *Network) *Transport {
	t := &Transport{self: self, network: network}
	network.register(t)
	return t
}

func (t *Transport) RegisterHandler(h transport.Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *Transport) Self() membership.Endpoint { return t.self }

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// Call delivers req synchronously to to's handler, respecting ctx's
// deadline as if it were a real round trip.
func (t *Transport) Call(ctx context.Context, to membership.Endpoint, method string, req any) (any, error) {
	if t.network.blocked(t.self.ID, to.ID) {
		return nil, transport.ErrUnreachable
	}
	dest, ok := t.network.lookup(to.ID)
	if !ok {
		return nil, transport.ErrUnreachable
	}
	dest.mu.RLock()
	handler := dest.handler
	closed := dest.closed
	dest.mu.RUnlock()
	if closed || handler == nil {
		return nil, transport.ErrUnreachable
	}

	type outcome struct {
		resp any
		err  error
	}
	resultCh := make(chan outcome, 1)
	go func() {
		resp, err := handler(ctx, t.self, method, req)
		resultCh <- outcome{resp, err}
	}()

	select {
	case res := <-resultCh:
		return res.resp, res.err
	case <-ctx.Done():
		return nil, transport.ErrTimeout
	}
}

// Broadcast fans req out to every peer in to concurrently.
func (t *Transport) Broadcast(ctx context.Context, to []membership.Endpoint, method string, req any) <-chan transport.Result {
	out := make(chan transport.Result, len(to))
	if len(to) == 0 {
		close(out)
		return out
	}
	var wg sync.WaitGroup
	wg.Add(len(to))
	for _, peer := range to {
		peer := peer
		go func() {
			defer wg.Done()
			resp, err := t.Call(ctx, peer, method, req)
			out <- transport.Result{From: peer, Resp: resp, Err: err}
		}()
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// Send is fire-and-forget: it still delivers, but the caller does not wait
// on the handler's return value.
func (t *Transport) Send(ctx context.Context, to membership.Endpoint, method string, req any) error {
	if t.network.blocked(t.self.ID, to.ID) {
		return transport.ErrUnreachable
	}
	dest, ok := t.network.lookup(to.ID)
	if !ok {
		return transport.ErrUnreachable
	}
	dest.mu.RLock()
	handler := dest.handler
	closed := dest.closed
	dest.mu.RUnlock()
	if closed || handler == nil {
		return transport.ErrUnreachable
	}
	go handler(ctx, t.self, method, req)
	return nil
}
