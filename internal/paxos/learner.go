package paxos

import (
	"container/heap"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/paxoscore/consensus/internal/membership"
	"github.com/paxoscore/consensus/internal/metrics"
	"github.com/paxoscore/consensus/internal/statemachine"
	"github.com/paxoscore/consensus/internal/storage"
	"github.com/paxoscore/consensus/internal/transport"
	"github.com/paxoscore/consensus/internal/workerpool"
)

// confirmFanout bounds how many peer Confirm sends a Learner runs at once;
// a hundred-node cluster shouldn't spin up a hundred goroutines for one
// instance's broadcast.
const confirmFanout = 8

// confirmedInstance is one entry in the Learner's apply queue: an instance
// that has been durably confirmed but not yet handed to the state machine.
type confirmedInstance struct {
	id     uint64
	values []Proposal
	done   Done
}

// applyHeap is a min-heap over confirmedInstance.id, so the apply worker
// always pulls the lowest still-pending instance regardless of the order
// Confirm messages arrive in (spec.md §4.2: learner applies in strict
// instance order even though confirms may race).
type applyHeap []*confirmedInstance

func (h applyHeap) Len() int            { return len(h) }
func (h applyHeap) Less(i, j int) bool  { return h[i].id < h[j].id }
func (h applyHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *applyHeap) Push(x interface{}) { *h = append(*h, x.(*confirmedInstance)) }
func (h *applyHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Learner observes Confirm messages, persists them, and applies them to the
// user state machine in strict instance order (spec.md §4.2). It also owns
// gap-filling recovery: if instance K+2 confirms before K, the Learner
// drives a Noop round for K through the Proposer's tryBoost rather than
// stalling the apply queue forever.
type Learner struct {
	selfID string

	view      *membership.View
	transport transport.Transport
	logMgr    storage.LogManager
	proposer  *Proposer
	sm        statemachine.StateMachine

	mu          sync.Mutex
	heap        applyHeap
	pending     map[uint64]*confirmedInstance // dedup: instance id -> queued entry
	nextToApply uint64                        // next instance id the apply worker needs

	applyCh  chan struct{} // wakes the apply worker when the heap gains a usable head
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	recovering sync.Map // instance id (uint64) -> struct{}, in-flight tryBoost de-dup

	maxConfirmedSeen uint64
	applied          uint64 // atomic mirror of nextToApply-1, for lock-free reads

	pool    *workerpool.Pool
	metrics *metrics.Metrics

	log *slog.Logger
}

// SetMetrics wires a metrics sink in after construction; nil disables
// reporting.
func (l *Learner) SetMetrics(m *metrics.Metrics) { l.metrics = m }

// NewLearner constructs a Learner and restores its apply cursor from
// logMgr's persisted pointer (spec.md §6 "Persisted state").
func NewLearner(self membership.Endpoint, view *membership.View, tr transport.Transport, logMgr storage.LogManager, proposer *Proposer, sm statemachine.StateMachine, log *slog.Logger) *Learner {
	if log == nil {
		log = slog.Default()
	}
	maxApplied, err := logMgr.MaxAppliedInstanceID()
	if err != nil {
		log.Error("loading max applied instance id failed, starting from 0", "err", err)
		maxApplied = 0
	}
	l := &Learner{
		selfID:      self.ID,
		view:        view,
		transport:   tr,
		logMgr:      logMgr,
		proposer:    proposer,
		sm:          sm,
		pending:     make(map[uint64]*confirmedInstance),
		nextToApply: maxApplied + 1,
		applied:     maxApplied,
		applyCh:     make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		pool:        workerpool.New(confirmFanout),
		log:         log.With("role", "learner", "node_id", self.ID),
	}
	heap.Init(&l.heap)
	l.wg.Add(1)
	go l.applyWorker()
	return l
}

// Applied returns the highest instance id applied to the state machine so
// far (lock-free, used by health/metrics reporting).
func (l *Learner) Applied() uint64 { return atomic.LoadUint64(&l.applied) }

// confirmLocalThenBroadcast is called by the Proposer's drive loop once a
// round reaches quorum: it records the Confirm locally first, so the
// deciding node never waits on its own network hop, then fires the
// fire-and-forget broadcast to every other member (spec.md §4.1 Phase 3).
func (l *Learner) confirmLocalThenBroadcast(instanceID uint64, values []Proposal, done Done) {
	l.confirm(instanceID, values, done)

	snap := l.view.CreateRef()
	peers := snap.Peers(l.selfID)
	if len(peers) == 0 {
		return
	}
	req := ConfirmReq{NodeID: l.selfID, InstanceID: instanceID, Values: values}
	ctx, cancel := context.WithTimeout(context.Background(), ConfirmDeadline)

	var wg sync.WaitGroup
	wg.Add(len(peers))
	for _, peer := range peers {
		peer := peer
		l.pool.Submit(func() {
			defer wg.Done()
			if err := l.transport.Send(ctx, peer, MethodConfirm, req); err != nil {
				l.log.Warn("confirm broadcast to peer failed, relying on gap recovery", "peer", peer.ID, "instance_id", instanceID, "err", err)
			}
		})
	}
	go func() {
		wg.Wait()
		cancel()
	}()
}

// HandleConfirmRequest is the inbound RPC handler for a peer's Confirm
// broadcast (spec.md §4.2 "handleConfirmRequest").
func (l *Learner) HandleConfirmRequest(_ context.Context, req ConfirmReq) {
	l.confirm(req.InstanceID, req.Values, nil)
}

// confirm records instanceID as decided (idempotently — a duplicate Confirm
// for an already-applied or already-queued instance is a no-op per spec.md
// invariant 5), tells the Proposer's acceptor table to agree, enqueues it
// for apply, and kicks off gap recovery for any lower unconfirmed instance.
func (l *Learner) confirm(instanceID uint64, values []Proposal, done Done) {
	if l.proposer != nil {
		l.proposer.markConfirmed(instanceID, values, 0)
	}
	// An already-applied instance keeps its persisted record (Applied: true)
	// rather than being overwritten with an unapplied copy.
	if instanceID > l.Applied() {
		in := &Instance{ID: instanceID, State: StateConfirmed, GrantedValue: values}
		if err := l.logMgr.SaveInstance(in); err != nil {
			l.log.Error("persist confirmed instance failed", "instance_id", instanceID, "err", err)
		}
	}

	l.mu.Lock()
	if instanceID > l.maxConfirmedSeen {
		l.maxConfirmedSeen = instanceID
	}
	if instanceID < l.nextToApply {
		l.mu.Unlock()
		if done != nil {
			done.ApplyDone(values)
		}
		return
	}
	if _, dup := l.pending[instanceID]; dup {
		l.mu.Unlock()
		return
	}
	entry := &confirmedInstance{id: instanceID, values: values, done: done}
	l.pending[instanceID] = entry
	heap.Push(&l.heap, entry)
	gapStart, gapEnd := l.nextToApply, instanceID-1
	lag := float64(l.maxConfirmedSeen) - float64(l.nextToApply)
	l.mu.Unlock()

	l.metrics.IncConfirmed()
	l.metrics.SetApplyLag(lag)
	l.wake()
	if gapEnd >= gapStart {
		l.fillGap(gapStart, gapEnd)
	}
}

// fillGap drives a tryBoost(Noop) round for every instance from the apply
// cursor (inclusive) up to a newly confirmed, higher instance, so a hole never
// stalls the apply queue forever (spec.md §4.2 "learn" recursion).
func (l *Learner) fillGap(from, to uint64) {
	for id := from; id <= to; id++ {
		if _, already := l.recovering.LoadOrStore(id, struct{}{}); already {
			continue
		}
		l.mu.Lock()
		_, queued := l.pending[id]
		l.mu.Unlock()
		if queued {
			l.recovering.Delete(id)
			continue
		}
		id := id
		go func() {
			defer l.recovering.Delete(id)
			if l.proposer == nil {
				return
			}
			l.proposer.TryBoost(id, []Proposal{Noop}, noopDone{})
		}()
	}
}

// noopDone discards the outcome of a gap-filling tryBoost: the real
// completion signal is the Confirm it triggers, routed back through
// confirm/applyWorker like any other instance.
type noopDone struct{}

func (noopDone) NegotiationDone(NegotiationResult) {}
func (noopDone) ApplyDone([]Proposal)              {}

func (l *Learner) wake() {
	select {
	case l.applyCh <- struct{}{}:
	default:
	}
}

// applyWorker is the Learner's single apply goroutine (spec.md §11 DOMAIN
// STACK: deliberately sequential, since the state machine contract requires
// strict instance order with no concurrent Apply calls).
func (l *Learner) applyWorker() {
	defer l.wg.Done()
	for {
		select {
		case <-l.stopCh:
			l.drainReady()
			return
		case <-l.applyCh:
			l.drainReady()
		}
	}
}

// drainReady applies every instance at the head of the heap that is
// contiguous with nextToApply, stopping at the first gap.
func (l *Learner) drainReady() {
	for {
		l.mu.Lock()
		if l.heap.Len() == 0 || l.heap[0].id != l.nextToApply {
			l.mu.Unlock()
			return
		}
		entry := heap.Pop(&l.heap).(*confirmedInstance)
		delete(l.pending, entry.id)
		l.nextToApply++
		l.mu.Unlock()

		l.applyOne(entry)
	}
}

func (l *Learner) applyOne(entry *confirmedInstance) {
	var result []byte
	for _, prop := range entry.values {
		if prop.IsNoop() {
			continue
		}
		if prop.Group == MethodChangeMember {
			l.applyMembershipChange(entry.id, prop.Data)
			continue
		}
		r, err := l.sm.Apply(prop.Group, prop.Data)
		if err != nil {
			l.log.Error("state machine apply failed", "instance_id", entry.id, "group", prop.Group, "err", err)
			continue
		}
		result = r
	}
	atomic.StoreUint64(&l.applied, entry.id)
	if err := l.logMgr.SetMaxAppliedInstanceID(entry.id); err != nil {
		l.log.Error("persist applied pointer failed", "instance_id", entry.id, "err", err)
	}
	// Mark the persisted record itself applied, not just the cursor: a
	// node resuming from this log (rather than a saved image) needs to
	// tell which instances already reached the state machine.
	if err := l.logMgr.SaveInstance(&Instance{ID: entry.id, State: StateConfirmed, GrantedValue: entry.values, Applied: true}); err != nil {
		l.log.Error("persist applied instance record failed", "instance_id", entry.id, "err", err)
	}
	l.metrics.IncApplied()
	if entry.done != nil {
		entry.done.ApplyDone([]Proposal{{Data: result}})
	}
}

// applyMembershipChange is the Learner's sink for a confirmed
// ChangeMemberReq: a reconfiguration rides the same replicated log as any
// user command so every node applies it at the same point in the
// sequence, but its target is the membership view rather than the state
// machine (spec.md §6 "Membership changes").
func (l *Learner) applyMembershipChange(instanceID uint64, data []byte) {
	var req ChangeMemberReq
	if err := json.Unmarshal(data, &req); err != nil {
		l.log.Error("decode membership change failed", "instance_id", instanceID, "err", err)
		return
	}
	switch req.Op {
	case ChangeAdd:
		l.view.WriteOn(membership.Endpoint{ID: req.ChangeTarget, IP: req.ChangeTargetIP, Port: req.ChangeTargetPort})
	case ChangeRemove:
		l.view.WriteOff(req.ChangeTarget)
	default:
		l.log.Error("unknown membership change op", "instance_id", instanceID, "op", req.Op)
	}
}

// Shutdown stops the apply worker after letting it drain whatever is
// already contiguous, then snapshots the state machine through the
// LogManager so the next boot can resume from the image instead of
// replaying the whole log (spec.md §6 "Persisted state").
func (l *Learner) Shutdown() error {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.wg.Wait()
	l.pool.Close()

	image, err := l.sm.MakeImage()
	if err != nil {
		return err
	}
	return l.logMgr.SaveImage(l.Applied(), image)
}

// RestoreFromImage loads a previously saved state-machine snapshot, used on
// boot when the LogManager reports one (spec.md §6 boot recovery).
func (l *Learner) RestoreFromImage(image []byte, atInstanceID uint64) error {
	if err := l.sm.LoadImage(image); err != nil {
		return err
	}
	l.mu.Lock()
	if atInstanceID+1 > l.nextToApply {
		l.nextToApply = atInstanceID + 1
	}
	l.mu.Unlock()
	atomic.StoreUint64(&l.applied, atInstanceID)
	return l.logMgr.SetMaxAppliedInstanceID(atInstanceID)
}
