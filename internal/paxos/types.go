// Package paxos implements the three role machines — Proposer, Learner,
// Master — that drive Multi-Paxos over a replicated instance log, plus the
// shared types they all speak: proposals, instances, and the quorum
// tracker. The package is deliberately ignorant of how bytes get from one
// node to another or how they are made durable; those concerns live behind
// the Transport and LogManager interfaces in sibling packages so this
// package can be unit tested with in-memory fakes.
package paxos

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/paxoscore/consensus/internal/storage"
)

// Sentinel errors surfaced to callers of Propose/TryBoost. Per spec.md §7,
// a stale-proposal refusal is recoverable (the caller never sees it — the
// Proposer retries internally) but exhausting the retry budget or failing
// to reach a master is not.
var (
	ErrNotMaster      = errors.New("paxos: this node is not master")
	ErrRejected       = errors.New("paxos: proposal rejected by a majority")
	ErrInconclusive   = errors.New("paxos: round did not conclude within the timeout budget")
	ErrInstanceClosed = errors.New("paxos: instance already confirmed with a different value")
	ErrUnknownMethod  = errors.New("paxos: no handler registered for this RPC method")
)

// InstanceState, Proposal and Instance are aliases onto the storage
// package's definitions: the LogManager interface has to speak these types,
// and this package has to speak LogManager, so the canonical declaration
// lives in storage to keep the dependency one-directional.
type (
	InstanceState = storage.InstanceState
	Proposal      = storage.Proposal
	Instance      = storage.Instance
)

const (
	StatePrepared  = storage.StatePrepared
	StateAccepted  = storage.StateAccepted
	StateConfirmed = storage.StateConfirmed
)

// Noop is the distinguished proposal used to seal an abandoned instance
// during recovery so later instances can apply. Two Noops are always
// considered equal regardless of Data, but we keep Data empty for clarity.
var Noop = storage.Noop

// ProposeContext is the transient, per-attempt scratch space threaded
// through Prepare -> Accept -> Confirm. It is never shared across attempts:
// every retry of Phase 1 gets a fresh proposal number but reuses the same
// context so the candidate value and retry budget survive the restart.
type ProposeContext struct {
	InstanceID uint64
	Proposals  []Proposal
	Times      int // remaining retry budget for this attempt
}

// ProposalCounter is the per-node, globally monotonically increasing
// 64-bit proposal number generator described in spec.md §3. It is advanced
// on local use and whenever a peer's higher number is observed.
type ProposalCounter struct {
	cur uint64
}

// Next advances and returns the counter.
func (c *ProposalCounter) Next() uint64 {
	return atomic.AddUint64(&c.cur, 1)
}

// Observe bumps the counter up to at least n, used when an acceptor reports
// a higher proposal number than we've seen.
func (c *ProposalCounter) Observe(n uint64) {
	for {
		cur := atomic.LoadUint64(&c.cur)
		if n <= cur {
			return
		}
		if atomic.CompareAndSwapUint64(&c.cur, cur, n) {
			return
		}
	}
}

// Current returns the counter's present value without advancing it.
func (c *ProposalCounter) Current() uint64 {
	return atomic.LoadUint64(&c.cur)
}

// lockedInstance pairs an Instance record with the per-instance lock that
// serializes the acceptor-side decisions made against it. The lock is kept
// out of Instance itself so Instance stays a plain value safe to persist,
// clone, and hand across the LogManager boundary.
type lockedInstance struct {
	mu  sync.RWMutex
	rec *Instance
}

// instanceTable is the in-process index of Instance records the Proposer
// and Learner both consult. Durable persistence is the LogManager's job;
// this table is the in-memory view rebuilt from it (or, for the in-memory
// storage backend, the only copy there is).
type instanceTable struct {
	mu   sync.RWMutex
	byID map[uint64]*lockedInstance
}

func newInstanceTable() *instanceTable {
	return &instanceTable{byID: make(map[uint64]*lockedInstance)}
}

func (t *instanceTable) getOrCreate(id uint64) *lockedInstance {
	t.mu.Lock()
	defer t.mu.Unlock()
	in, ok := t.byID[id]
	if !ok {
		in = &lockedInstance{rec: &Instance{ID: id, State: StatePrepared}}
		t.byID[id] = in
	}
	return in
}

func (t *instanceTable) get(id uint64) (*lockedInstance, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	in, ok := t.byID[id]
	return in, ok
}
