package paxos

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/paxoscore/consensus/internal/membership"
	"github.com/paxoscore/consensus/internal/metrics"
	"github.com/paxoscore/consensus/internal/storage"
	"github.com/paxoscore/consensus/internal/transport"
)

// NegotiationResult is the terminal outcome of one propose attempt, handed
// to Done.NegotiationDone.
type NegotiationResult int

const (
	NegotiationPass NegotiationResult = iota
	NegotiationUnknown
)

// Done is the caller-supplied completion callback for Propose/TryBoost.
// NegotiationDone fires once Confirm has gone out (PASS) or the round was
// refused or timed out across every retry (UNKNOWN); ApplyDone fires later, from the
// Learner's apply worker, once the value has actually reached the state
// machine.
type Done interface {
	NegotiationDone(result NegotiationResult)
	ApplyDone(values []Proposal)
}

// phaseCallback is the internal granted/refused/confirmed hook set used by
// forcePrepare and accept. It exists separately from Done because the
// Learner's recovery path (learn) drives these phases directly without
// ever constructing a client-facing Done.
type phaseCallback struct {
	granted   func(ctx *ProposeContext)
	refused   func(ctx *ProposeContext)
	confirmed func(ctx *ProposeContext, value []Proposal)
}

// Proposer drives Prepare/Accept/Confirm for instances this node proposes,
// and doubles as the acceptor every peer's Proposer calls into: spec.md
// never names a fourth "Acceptor" role, so the promise/accept bookkeeping
// that classical Paxos assigns to acceptors lives here, indexed by
// instance id.
type Proposer struct {
	selfID string
	self   membership.Endpoint

	view      *membership.View
	transport transport.Transport
	logMgr    storage.LogManager
	learner   *Learner // wired post-construction; see registry.go

	counter        ProposalCounter
	nextInstanceID uint64 // accessed only via atomic ops; master-only but Propose may be called concurrently

	roundTimeout time.Duration
	retry        int

	instances *instanceTable
	metrics   *metrics.Metrics
	log       *slog.Logger
}

// SetMetrics wires a metrics sink in after construction; nil disables
// reporting.
func (p *Proposer) SetMetrics(m *metrics.Metrics) { p.metrics = m }

// NewProposer constructs a Proposer. learner is wired in afterwards via
// SetLearner once the Learner exists, breaking the construction cycle.
func NewProposer(self membership.Endpoint, view *membership.View, tr transport.Transport, logMgr storage.LogManager, roundTimeout time.Duration, retry int, log *slog.Logger) *Proposer {
	if log == nil {
		log = slog.Default()
	}
	return &Proposer{
		selfID:       self.ID,
		self:         self,
		view:         view,
		transport:    tr,
		logMgr:       logMgr,
		roundTimeout: roundTimeout,
		retry:        retry,
		instances:    newInstanceTable(),
		log:          log.With("role", "proposer", "node_id", self.ID),
	}
}

// SetLearner wires the Learner in for local Confirm delivery.
func (p *Proposer) SetLearner(l *Learner) { p.learner = l }

// Propose drives a client value through the full pipeline for a fresh
// instance id. Only the master allocates ids; a non-master Proposer fails
// fast with ErrNotMaster (spec.md §4.1: "non-master proposers forward to
// the master or return a NOT_MASTER failure" — this engine takes the
// simpler of the two and lets the caller re-route).
func (p *Proposer) Propose(group string, data []byte, done Done) error {
	snap := p.view.CreateRef()
	if !snap.IsMaster(p.selfID) {
		return ErrNotMaster
	}
	return p.proposeUnchecked(group, data, done)
}

func (p *Proposer) proposeUnchecked(group string, data []byte, done Done) error {
	id := p.allocateInstanceID()
	ctx := &ProposeContext{
		InstanceID: id,
		Proposals:  []Proposal{{Group: group, Data: data}},
		Times:      p.retry,
	}
	go p.drive(ctx, done)
	return nil
}

// ProposeElection drives an election proposal through Phase 1/2 at a
// caller-chosen instance id, without the master precondition and without
// ever touching the Learner. Master.election uses this: every candidate in
// the same election round must race for the *same* instance id for
// Paxos's quorum rule to actually pick one winner (spec.md §4.3, "Master
// is elected by proposing an ElectionOp through the MasterSM group"), and
// the MasterSM's decisions live in a separate space from the numbered
// command log the Learner applies in strict order — routing an election
// through confirmLocalThenBroadcast would park it in the Learner's apply
// queue forever, since its instance id never lines up with nextToApply.
func (p *Proposer) ProposeElection(instanceID uint64, group string, data []byte, done Done) {
	ctx := &ProposeContext{
		InstanceID: instanceID,
		Proposals:  []Proposal{{Group: group, Data: data}},
		Times:      p.retry,
	}
	go p.driveElection(ctx, done)
}

// driveElection mirrors drive's forcePrepare -> accept sequencing but
// delivers the confirmed value straight to done instead of handing it to
// the Learner's apply pipeline.
func (p *Proposer) driveElection(ctx *ProposeContext, done Done) {
	var confirmedValue []Proposal
	resultCh := make(chan NegotiationResult, 1)

	cb := phaseCallback{
		confirmed: func(_ *ProposeContext, value []Proposal) {
			confirmedValue = value
			select {
			case resultCh <- NegotiationPass:
			default:
			}
		},
		refused: func(_ *ProposeContext) {
			select {
			case resultCh <- NegotiationUnknown:
			default:
			}
		},
	}
	cb.granted = func(c *ProposeContext) {
		p.accept(c, cb)
	}

	p.forcePrepare(ctx, cb)

	deadline := time.After(p.roundTimeout * time.Duration(p.retry+1))
	select {
	case res := <-resultCh:
		if done == nil {
			return
		}
		done.NegotiationDone(res)
		if res == NegotiationPass {
			done.ApplyDone(confirmedValue)
		}
	case <-deadline:
		if done != nil {
			done.NegotiationDone(NegotiationUnknown)
		}
	}
}

// TryBoost re-drives consensus for an already-numbered instance with a
// caller-supplied default value, used by Learner recovery to collapse a
// hole in the log (spec.md §4.1 "tryBoost").
func (p *Proposer) TryBoost(instanceID uint64, defaultProposals []Proposal, done Done) {
	ctx := &ProposeContext{
		InstanceID: instanceID,
		Proposals:  defaultProposals,
		Times:      p.retry,
	}
	go p.drive(ctx, done)
}

// drive runs forcePrepare -> accept -> confirm, translating the internal
// phaseCallback outcomes into the client-facing Done.
func (p *Proposer) drive(ctx *ProposeContext, done Done) {
	var confirmedValue []Proposal
	resultCh := make(chan NegotiationResult, 1)

	cb := phaseCallback{
		confirmed: func(_ *ProposeContext, value []Proposal) {
			confirmedValue = value
			select {
			case resultCh <- NegotiationPass:
			default:
			}
		},
		refused: func(_ *ProposeContext) {
			select {
			case resultCh <- NegotiationUnknown:
			default:
			}
		},
	}
	cb.granted = func(c *ProposeContext) {
		p.accept(c, cb)
	}

	p.forcePrepare(ctx, cb)

	deadline := time.After(p.roundTimeout * time.Duration(p.retry+1))
	select {
	case res := <-resultCh:
		if res == NegotiationPass && p.learner != nil {
			p.learner.confirmLocalThenBroadcast(ctx.InstanceID, confirmedValue, done)
		}
		if done != nil {
			done.NegotiationDone(res)
		}
	case <-deadline:
		if done != nil {
			done.NegotiationDone(NegotiationUnknown)
		}
	}
}

// forcePrepare runs Phase 1 (Prepare) for ctx, retrying with a fresh,
// higher proposal number up to ctx.Times on refusal.
func (p *Proposer) forcePrepare(ctx *ProposeContext, cb phaseCallback) {
	if in, ok := p.instances.get(ctx.InstanceID); ok {
		in.mu.RLock()
		if in.rec.State == StateConfirmed {
			value := append([]Proposal(nil), in.rec.GrantedValue...)
			in.mu.RUnlock()
			if cb.confirmed != nil {
				cb.confirmed(ctx, value)
			}
			return
		}
		in.mu.RUnlock()
	}

	proposalNo := p.counter.Next()
	snap := p.view.CreateRef()
	peers := snap.Peers(p.selfID)

	threshold := membership.Majority(len(snap.Members))
	tracker := NewQuorumTracker(len(snap.Members), threshold)

	// Vote for ourselves: the local acceptor side always sees its own
	// Prepare first.
	selfResp := p.handlePrepareLocked(PrepareReq{InstanceID: ctx.InstanceID, ProposalNo: proposalNo})
	responses := []PrepareResp{selfResp}
	state := p.voteOnPrepare(tracker, p.selfID, selfResp)

	rctx, cancel := context.WithTimeout(context.Background(), p.roundTimeout)
	defer cancel()
	if state == QuorumPending && len(peers) > 0 {
		ch := p.transport.Broadcast(rctx, peers, MethodPrepare, PrepareReq{InstanceID: ctx.InstanceID, ProposalNo: proposalNo})
		for r := range ch {
			if r.Err != nil {
				state = tracker.Refuse(r.From.ID)
				continue
			}
			resp, ok := r.Resp.(PrepareResp)
			if !ok {
				state = tracker.Refuse(r.From.ID)
				continue
			}
			responses = append(responses, resp)
			state = p.voteOnPrepare(tracker, r.From.ID, resp)
			if state != QuorumPending {
				break
			}
		}
	}

	// An already-confirmed value reported by any peer short-circuits
	// straight to confirmed (spec.md §4.1 "Tie-breaks and edges").
	for _, r := range responses {
		if r.Confirmed {
			if cb.confirmed != nil {
				cb.confirmed(ctx, r.ConfirmedValue)
			}
			return
		}
	}

	switch state {
	case QuorumPass:
		ctx.Proposals = pickHighest(responses, ctx.Proposals)
		if cb.granted != nil {
			cb.granted(ctx)
		}
	default:
		p.metrics.IncPrepareRefusal()
		p.bumpFromRefusals(responses)
		ctx.Times--
		if ctx.Times > 0 {
			p.randomizedBackoff()
			p.forcePrepare(ctx, cb)
			return
		}
		if cb.refused != nil {
			cb.refused(ctx)
		}
	}
}

func (p *Proposer) voteOnPrepare(tracker *QuorumTracker, from string, resp PrepareResp) QuorumState {
	if resp.OK {
		return tracker.Grant(from)
	}
	return tracker.Refuse(from)
}

// pickHighest implements the classical Paxos "pick the value of the
// highest-numbered accepted proposal reported by any acceptor, otherwise
// keep the client's value" rule.
func pickHighest(responses []PrepareResp, fallback []Proposal) []Proposal {
	var highestNo uint64
	var highestValue []Proposal
	for _, r := range responses {
		if r.OK && len(r.AcceptedValue) > 0 && r.MaxAcceptedProposalNo >= highestNo {
			highestNo = r.MaxAcceptedProposalNo
			highestValue = r.AcceptedValue
		}
	}
	if highestValue != nil {
		return highestValue
	}
	return fallback
}

func (p *Proposer) bumpFromRefusals(responses []PrepareResp) {
	for _, r := range responses {
		if !r.OK {
			p.counter.Observe(r.MaxAcceptedProposalNo)
		}
	}
}

func (p *Proposer) randomizedBackoff() {
	time.Sleep(time.Duration(rand.Intn(50)+10) * time.Millisecond)
}

// accept runs Phase 2 for ctx using the proposal number forcePrepare
// settled on (re-derived here since the acceptor-side table is the source
// of truth once Phase 1 has granted).
func (p *Proposer) accept(ctx *ProposeContext, cb phaseCallback) {
	in := p.instances.getOrCreate(ctx.InstanceID)
	in.mu.RLock()
	proposalNo := in.rec.GrantedProposalNo
	in.mu.RUnlock()

	snap := p.view.CreateRef()
	peers := snap.Peers(p.selfID)
	threshold := membership.Majority(len(snap.Members))
	tracker := NewQuorumTracker(len(snap.Members), threshold)

	selfResp := p.handleAcceptLocked(AcceptReq{InstanceID: ctx.InstanceID, ProposalNo: proposalNo, Values: ctx.Proposals})
	state := p.voteOnAccept(tracker, p.selfID, selfResp)
	var highestSeen uint64
	if !selfResp.OK {
		highestSeen = selfResp.HighestProposalNoSeen
	}

	rctx, cancel := context.WithTimeout(context.Background(), p.roundTimeout)
	defer cancel()
	if state == QuorumPending && len(peers) > 0 {
		ch := p.transport.Broadcast(rctx, peers, MethodAccept, AcceptReq{InstanceID: ctx.InstanceID, ProposalNo: proposalNo, Values: ctx.Proposals})
		for r := range ch {
			if r.Err != nil {
				state = tracker.Refuse(r.From.ID)
				continue
			}
			resp, ok := r.Resp.(AcceptResp)
			if !ok {
				state = tracker.Refuse(r.From.ID)
				continue
			}
			if !resp.OK && resp.HighestProposalNoSeen > highestSeen {
				highestSeen = resp.HighestProposalNoSeen
			}
			state = p.voteOnAccept(tracker, r.From.ID, resp)
			if state != QuorumPending {
				break
			}
		}
	}

	switch state {
	case QuorumPass:
		if cb.confirmed != nil {
			cb.confirmed(ctx, ctx.Proposals)
		}
	default:
		p.metrics.IncAcceptRefusal()
		p.counter.Observe(highestSeen)
		ctx.Times--
		if ctx.Times > 0 {
			p.randomizedBackoff()
			p.forcePrepare(ctx, cb)
			return
		}
		if cb.refused != nil {
			cb.refused(ctx)
		}
	}
}

func (p *Proposer) voteOnAccept(tracker *QuorumTracker, from string, resp AcceptResp) QuorumState {
	if resp.OK {
		return tracker.Grant(from)
	}
	return tracker.Refuse(from)
}

// HandlePrepare is the acceptor-side Phase 1 handler invoked for inbound
// RPCs from peer Proposers.
func (p *Proposer) HandlePrepare(_ context.Context, req PrepareReq) PrepareResp {
	return p.handlePrepareLocked(req)
}

func (p *Proposer) handlePrepareLocked(req PrepareReq) PrepareResp {
	in := p.instances.getOrCreate(req.InstanceID)
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.rec.State == StateConfirmed {
		return PrepareResp{From: p.selfID, OK: true, Confirmed: true, ConfirmedValue: append([]Proposal(nil), in.rec.GrantedValue...)}
	}

	// Strictly greater: equal proposal numbers are refused (spec.md §4.1).
	if req.ProposalNo <= in.rec.GrantedProposalNo {
		return PrepareResp{From: p.selfID, OK: false, MaxAcceptedProposalNo: in.rec.GrantedProposalNo}
	}

	resp := PrepareResp{From: p.selfID, OK: true}
	if in.rec.State == StateAccepted {
		resp.MaxAcceptedProposalNo = in.rec.GrantedProposalNo
		resp.AcceptedValue = append([]Proposal(nil), in.rec.GrantedValue...)
	}
	in.rec.GrantedProposalNo = req.ProposalNo
	if in.rec.State != StateAccepted {
		in.rec.State = StatePrepared
	}
	if err := p.logMgr.SaveInstance(in.rec); err != nil {
		p.log.Error("persist prepare promise failed", "instance_id", req.InstanceID, "err", err)
	}
	return resp
}

// HandleAccept is the acceptor-side Phase 2 handler.
func (p *Proposer) HandleAccept(_ context.Context, req AcceptReq) AcceptResp {
	return p.handleAcceptLocked(req)
}

func (p *Proposer) handleAcceptLocked(req AcceptReq) AcceptResp {
	in := p.instances.getOrCreate(req.InstanceID)
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.rec.State == StateConfirmed {
		// Already decided; tell the proposer our confirmed number so it
		// stops retrying against a dead instance.
		return AcceptResp{From: p.selfID, OK: req.ProposalNo == in.rec.GrantedProposalNo, HighestProposalNoSeen: in.rec.GrantedProposalNo}
	}

	// >= here, deliberately looser than Prepare's strict >: an acceptor
	// must accept at the exact number it just promised.
	if req.ProposalNo < in.rec.GrantedProposalNo {
		return AcceptResp{From: p.selfID, OK: false, HighestProposalNoSeen: in.rec.GrantedProposalNo}
	}

	in.rec.GrantedProposalNo = req.ProposalNo
	in.rec.GrantedValue = append([]Proposal(nil), req.Values...)
	in.rec.State = StateAccepted
	if err := p.logMgr.SaveInstance(in.rec); err != nil {
		p.log.Error("persist accept failed", "instance_id", req.InstanceID, "err", err)
	}
	return AcceptResp{From: p.selfID, OK: true}
}

func (p *Proposer) allocateInstanceID() uint64 {
	return atomic.AddUint64(&p.nextInstanceID, 1)
}

// markConfirmed transitions an instance to CONFIRMED, used by the Learner
// once Confirm is durably recorded, so the Proposer's own acceptor table
// agrees with what the Learner persisted.
func (p *Proposer) markConfirmed(id uint64, value []Proposal, proposalNo uint64) {
	in := p.instances.getOrCreate(id)
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.rec.State == StateConfirmed {
		return
	}
	in.rec.State = StateConfirmed
	in.rec.GrantedValue = append([]Proposal(nil), value...)
	if proposalNo > in.rec.GrantedProposalNo {
		in.rec.GrantedProposalNo = proposalNo
	}
}

// Self exposes the endpoint this proposer is running as (the Master keeps
// its own copy of the same endpoint for heartbeat/election requests).
func (p *Proposer) Self() membership.Endpoint { return p.self }

// String aids debugging/log output.
func (p *Proposer) String() string {
	return fmt.Sprintf("Proposer(%s)", p.selfID)
}
