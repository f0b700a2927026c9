package paxos_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/paxoscore/consensus/internal/membership"
	"github.com/paxoscore/consensus/internal/paxos"
	memstore "github.com/paxoscore/consensus/internal/storage/memory"
)

// recordingSM captures the order Apply is called in, so tests can assert
// strict instance ordering independent of the order Confirms arrived in.
type recordingSM struct {
	mu    sync.Mutex
	calls [][]byte
}

func (r *recordingSM) Apply(_ string, data []byte) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, append([]byte(nil), data...))
	return data, nil
}

func (r *recordingSM) MakeImage() ([]byte, error) { return nil, nil }
func (r *recordingSM) LoadImage([]byte) error     { return nil }

func (r *recordingSM) snapshot() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.calls...)
}

func TestLearnerAppliesOutOfOrderConfirmsInInstanceOrder(t *testing.T) {
	silent := slog.New(slog.NewTextHandler(io.Discard, nil))
	self := membership.Endpoint{ID: "solo"}
	view := membership.New(self, nil)
	sm := &recordingSM{}
	l := paxos.NewLearner(self, view, nil, memstore.New(), nil, sm, silent)
	defer l.Shutdown()

	// Confirms arrive out of order; the Learner must still apply 1, 2, 3.
	l.HandleConfirmRequest(context.Background(), paxos.ConfirmReq{InstanceID: 3, Values: []paxos.Proposal{{Group: "kv", Data: []byte("three")}}})
	l.HandleConfirmRequest(context.Background(), paxos.ConfirmReq{InstanceID: 1, Values: []paxos.Proposal{{Group: "kv", Data: []byte("one")}}})
	l.HandleConfirmRequest(context.Background(), paxos.ConfirmReq{InstanceID: 2, Values: []paxos.Proposal{{Group: "kv", Data: []byte("two")}}})

	require.Eventually(t, func() bool {
		return l.Applied() == 3
	}, 2*time.Second, 10*time.Millisecond)

	calls := sm.snapshot()
	require.Len(t, calls, 3)
	require.Equal(t, []byte("one"), calls[0])
	require.Equal(t, []byte("two"), calls[1])
	require.Equal(t, []byte("three"), calls[2])
}

func TestLearnerDuplicateConfirmIsIdempotent(t *testing.T) {
	silent := slog.New(slog.NewTextHandler(io.Discard, nil))
	self := membership.Endpoint{ID: "solo"}
	view := membership.New(self, nil)
	sm := &recordingSM{}
	l := paxos.NewLearner(self, view, nil, memstore.New(), nil, sm, silent)
	defer l.Shutdown()

	req := paxos.ConfirmReq{InstanceID: 1, Values: []paxos.Proposal{{Group: "kv", Data: []byte("once")}}}
	l.HandleConfirmRequest(context.Background(), req)
	l.HandleConfirmRequest(context.Background(), req)
	l.HandleConfirmRequest(context.Background(), req)

	require.Eventually(t, func() bool {
		return l.Applied() == 1
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond) // let any errant duplicate apply surface
	require.Len(t, sm.snapshot(), 1)
}
