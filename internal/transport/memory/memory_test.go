package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paxoscore/consensus/internal/membership"
	"github.com/paxoscore/consensus/internal/transport"
)

func echoHandler(_ context.Context, from membership.Endpoint, method string, payload any) (any, error) {
	return payload, nil
}

func TestCallDeliversToRegisteredHandler(t *testing.T) {
	network := NewNetwork()
	a := New(membership.Endpoint{ID: "a"}, network)
	b := New(membership.Endpoint{ID: "b"}, network)
	b.RegisterHandler(echoHandler)

	resp, err := a.Call(context.Background(), b.Self(), "ping", "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", resp)
}

func TestCallToUnknownPeerIsUnreachable(t *testing.T) {
	network := NewNetwork()
	a := New(membership.Endpoint{ID: "a"}, network)

	_, err := a.Call(context.Background(), membership.Endpoint{ID: "ghost"}, "ping", nil)
	assert.ErrorIs(t, err, transport.ErrUnreachable)
}

func TestCallToPeerWithNoHandlerIsUnreachable(t *testing.T) {
	network := NewNetwork()
	a := New(membership.Endpoint{ID: "a"}, network)
	New(membership.Endpoint{ID: "b"}, network)

	_, err := a.Call(context.Background(), membership.Endpoint{ID: "b"}, "ping", nil)
	assert.ErrorIs(t, err, transport.ErrUnreachable)
}

func TestCallRespectsContextDeadline(t *testing.T) {
	network := NewNetwork()
	a := New(membership.Endpoint{ID: "a"}, network)
	b := New(membership.Endpoint{ID: "b"}, network)
	b.RegisterHandler(func(ctx context.Context, from membership.Endpoint, method string, payload any) (any, error) {
		<-ctx.Done()
		return nil, errors.New("handler aborted")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := a.Call(ctx, b.Self(), "slow", nil)
	assert.ErrorIs(t, err, transport.ErrTimeout)
}

func TestBlackholeDropsTrafficBetweenNamedPeers(t *testing.T) {
	network := NewNetwork()
	a := New(membership.Endpoint{ID: "a"}, network)
	b := New(membership.Endpoint{ID: "b"}, network)
	b.RegisterHandler(echoHandler)

	network.Blackhole = func(from, to string) bool {
		return from == "a" && to == "b"
	}

	_, err := a.Call(context.Background(), b.Self(), "ping", "x")
	assert.ErrorIs(t, err, transport.ErrUnreachable)

	network.Blackhole = nil
	resp, err := a.Call(context.Background(), b.Self(), "ping", "x")
	require.NoError(t, err)
	assert.Equal(t, "x", resp)
}

func TestBroadcastCollectsEveryPeerResult(t *testing.T) {
	network := NewNetwork()
	a := New(membership.Endpoint{ID: "a"}, network)
	peers := make([]membership.Endpoint, 0, 3)
	for _, id := range []string{"b", "c", "d"} {
		tr := New(membership.Endpoint{ID: id}, network)
		tr.RegisterHandler(echoHandler)
		peers = append(peers, tr.Self())
	}

	results := a.Broadcast(context.Background(), peers, "ping", "hi")
	seen := map[string]bool{}
	for r := range results {
		require.NoError(t, r.Err)
		seen[r.From.ID] = true
	}
	assert.Len(t, seen, 3)
}

func TestBroadcastToEmptyPeerListClosesImmediately(t *testing.T) {
	network := NewNetwork()
	a := New(membership.Endpoint{ID: "a"}, network)

	results := a.Broadcast(context.Background(), nil, "ping", nil)
	_, ok := <-results
	assert.False(t, ok)
}

func TestSendDoesNotBlockOnHandler(t *testing.T) {
	network := NewNetwork()
	a := New(membership.Endpoint{ID: "a"}, network)
	b := New(membership.Endpoint{ID: "b"}, network)

	delivered := make(chan struct{}, 1)
	b.RegisterHandler(func(ctx context.Context, from membership.Endpoint, method string, payload any) (any, error) {
		time.Sleep(20 * time.Millisecond)
		delivered <- struct{}{}
		return nil, nil
	})

	start := time.Now()
	err := a.Send(context.Background(), b.Self(), "confirm", nil)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 10*time.Millisecond)

	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}
}

func TestClosedTransportIsUnreachable(t *testing.T) {
	network := NewNetwork()
	a := New(membership.Endpoint{ID: "a"}, network)
	b := New(membership.Endpoint{ID: "b"}, network)
	b.RegisterHandler(echoHandler)
	require.NoError(t, b.Close())

	_, err := a.Call(context.Background(), b.Self(), "ping", nil)
	assert.ErrorIs(t, err, transport.ErrUnreachable)
}
