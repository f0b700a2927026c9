package paxos

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/paxoscore/consensus/internal/membership"
	"github.com/paxoscore/consensus/internal/metrics"
	"github.com/paxoscore/consensus/internal/timerutil"
	"github.com/paxoscore/consensus/internal/transport"
)

// electionGroup is the Proposal.Group value used to propose a master
// change through the Proposer's Phase 1/2 machinery (spec.md §4.3: "Master
// is elected by proposing an ElectionOp through the MasterSM group"). The
// election is driven by ProposeElection, not Propose: it is decided by a
// quorum like any instance but never enters the Learner's command log.
const electionGroup = "__master_election__"

// electionOp is the proposal payload for an election: whoever's candidacy
// reaches quorum via ProposeElection becomes the agreed master.
type electionOp struct {
	Candidate string
}

// Master runs the liveness layer on top of the Proposer/Learner pipeline:
// a leader heartbeats, a follower watches an election timer and calls an
// election if it lapses (spec.md §4.3). Exactly one of the two timers is
// ever armed, matching the design note that election and heartbeat are
// mutually exclusive roles a node holds at any moment.
type Master struct {
	self membership.Endpoint

	view      *membership.View
	proposer  *Proposer
	transport transport.Transport

	electionJitterMin time.Duration
	electionJitterMax time.Duration
	heartbeatPeriod   time.Duration

	timerMu        sync.Mutex // guards electionTimer/heartbeatTimer below
	electionTimer  *timerutil.Jittered
	heartbeatTimer *timerutil.Jittered

	electing int32 // CAS guard: at most one election in flight at a time

	closeOnce sync.Once
	closed    chan struct{}

	metrics *metrics.Metrics
	log     *slog.Logger
}

// SetMetrics wires a metrics sink in after construction; nil disables
// reporting.
func (m *Master) SetMetrics(mx *metrics.Metrics) { m.metrics = mx }

// NewMaster constructs a Master in follower mode, arms the election timer,
// and registers itself as the View's change notifier. electionJitterMin/Max
// is spec.md §6's randomization window (default 600/800ms); heartbeatPeriod
// is the leader's fixed Ping interval.
func NewMaster(self membership.Endpoint, view *membership.View, proposer *Proposer, tr transport.Transport, electionJitterMin, electionJitterMax, heartbeatPeriod time.Duration, log *slog.Logger) *Master {
	if log == nil {
		log = slog.Default()
	}
	m := &Master{
		self:              self,
		view:              view,
		proposer:          proposer,
		transport:         tr,
		electionJitterMin: electionJitterMin,
		electionJitterMax: electionJitterMax,
		heartbeatPeriod:   heartbeatPeriod,
		closed:            make(chan struct{}),
		log:               log.With("role", "master", "node_id", self.ID),
	}
	m.electionTimer = timerutil.NewJittered(electionJitterMin, electionJitterMax, m.onElectionTimeout)
	view.SetNotifier(m)
	return m
}

// onElectionTimeout fires when no heartbeat has refreshed the election
// timer within electionTimeout; it calls an election unless one is already
// in flight from this node.
func (m *Master) onElectionTimeout() {
	select {
	case <-m.closed:
		return
	default:
	}
	if !atomic.CompareAndSwapInt32(&m.electing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&m.electing, 0)
	m.election()
}

// armElectionTimer (re)builds and arms the election timer. Jittered.Stop
// permanently disarms a timer, so demoting back to follower mode after a
// stint as leader needs a freshly built one rather than a Reset on the
// timer this node stopped when it became master.
func (m *Master) armElectionTimer() {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	if m.electionTimer != nil {
		m.electionTimer.Stop()
	}
	m.electionTimer = timerutil.NewJittered(m.electionJitterMin, m.electionJitterMax, m.onElectionTimeout)
}

func (m *Master) stopElectionTimer() {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	if m.electionTimer != nil {
		m.electionTimer.Stop()
	}
}

func (m *Master) resetElectionTimer() {
	m.timerMu.Lock()
	t := m.electionTimer
	m.timerMu.Unlock()
	if t != nil {
		t.Reset()
	}
}

func (m *Master) armHeartbeatTimer() {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	if m.heartbeatTimer != nil {
		m.heartbeatTimer.Stop()
	}
	m.heartbeatTimer = timerutil.NewJittered(m.heartbeatPeriod, m.heartbeatPeriod, m.sendHeartbeat)
}

func (m *Master) stopHeartbeatTimer() {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	if m.heartbeatTimer != nil {
		m.heartbeatTimer.Stop()
	}
}

func (m *Master) resetHeartbeatTimer() {
	m.timerMu.Lock()
	t := m.heartbeatTimer
	m.timerMu.Unlock()
	if t != nil {
		t.Reset()
	}
}

// restartElect demotes this node from leader back to follower after a
// heartbeat round fails to reach quorum (spec.md §7: "Master quorum
// refused heartbeats — demote: stop heartbeat, start election"; the §4.3
// FSM's `LEADER --heartbeat quorum fails--> FOLLOWER` edge). It only
// changes this node's own role; the membership view's master field is left
// as-is, since it is Paxos-confirmed state, not this node's to unilaterally
// retract — the next election to reach quorum overwrites it the ordinary
// way.
func (m *Master) restartElect() {
	m.metrics.SetIsMaster(false)
	m.stopHeartbeatTimer()
	m.armElectionTimer()
}

// electionInstanceBit marks the disjoint instance-id namespace election
// rounds live in, so they never collide with the auto-allocated command
// log the master's Propose drives (spec.md never numbers elections itself;
// this keeps them on the same Paxos machinery without stealing ids from
// user commands).
const electionInstanceBit = uint64(1) << 63

// electionInstanceID derives the instance every candidate in the same
// membership version races for: deriving it from the view's version
// (rather than each candidate picking its own) is what makes the race a
// real Paxos contention on one slot instead of independent, unrelated
// proposals that could all separately succeed.
func electionInstanceID(version uint32) uint64 {
	return electionInstanceBit | uint64(version)
}

// election proposes this node as master through the ordinary Paxos
// pipeline (spec.md §4.3). A successful round calls View.ChangeMaster,
// whose notifier callback (onChangeMaster, below) flips this node into
// heartbeat mode.
func (m *Master) election() {
	m.log.Info("election timer lapsed, calling an election")
	m.metrics.IncElection()
	data, err := json.Marshal(electionOp{Candidate: m.self.ID})
	if err != nil {
		m.log.Error("marshal election proposal failed", "err", err)
		return
	}
	snap := m.view.CreateRef()
	done := electionDone{m: m, candidate: m.self.ID, round: snap.Version}
	m.proposer.ProposeElection(electionInstanceID(snap.Version), electionGroup, data, done)
}

// electionDone completes the election's Propose call: on a successful
// round it applies the winning candidate to the membership view and
// disseminates it to peers, on failure it simply rearms the election timer
// for another attempt. round is the membership version the election was
// contended under, carried along so ApplyDone can stamp the broadcast with
// it.
type electionDone struct {
	m         *Master
	candidate string
	round     uint32
}

func (d electionDone) NegotiationDone(result NegotiationResult) {
	if result != NegotiationPass {
		d.m.resetElectionTimer()
	}
}

// ApplyDone runs only on the node whose own ProposeElection call drove the
// winning round (driveElection never feeds the Learner, so it never
// broadcasts a Confirm — see the "Learner pollution" note in DESIGN.md).
// It applies the decision locally and then disseminates it to every peer
// with a dedicated ElectionConfirm broadcast, since that broadcast is the
// only Paxos-confirmed way the rest of the cluster learns who won; without
// it, only nodes that happened to run their own election attempt would
// ever find out.
func (d electionDone) ApplyDone(values []Proposal) {
	for _, v := range values {
		if v.IsNoop() {
			continue
		}
		var op electionOp
		if err := json.Unmarshal(v.Data, &op); err != nil {
			continue
		}
		d.m.applyElectionResult(op.Candidate, d.round)
	}
}

// OnChangeMaster implements membership.ChangeNotifier. It switches this
// node between heartbeat mode (if it won) and follower mode (otherwise),
// per spec.md §9's note that the two timers are mutually exclusive.
func (m *Master) OnChangeMaster(newMasterID string) {
	if newMasterID == m.self.ID {
		m.log.Info("elected master, switching to heartbeat mode")
		m.metrics.SetIsMaster(true)
		m.stopElectionTimer()
		m.armHeartbeatTimer()
		m.sendHeartbeat()
		return
	}
	m.log.Info("new master elected, switching to follower mode", "master_id", newMasterID)
	m.metrics.SetIsMaster(false)
	m.stopHeartbeatTimer()
	m.armElectionTimer()
}

// applyElectionResult applies a Paxos-confirmed election winner to the
// membership view (idempotent: a candidate the view already recognizes as
// master is left alone, since View.ChangeMaster bumps the version on every
// call and re-applying the same winner would otherwise churn it for no
// reason) and, if this node is the one disseminating the result, fans it
// out to every peer.
func (m *Master) applyElectionResult(candidate string, round uint32) {
	snap := m.view.CreateRef()
	if snap.IsMaster(candidate) {
		return
	}
	if err := m.view.ChangeMaster(candidate); err != nil {
		m.log.Error("apply elected master failed", "candidate", candidate, "err", err)
		return
	}
	snap = m.view.CreateRef()
	req := ElectionConfirmReq{Candidate: candidate, RoundVersion: round}
	for _, peer := range snap.Peers(m.self.ID) {
		ctx, cancel := context.WithTimeout(context.Background(), ConfirmDeadline)
		if err := m.transport.Send(ctx, peer, MethodElectionConfirm, req); err != nil {
			m.log.Warn("election confirm send failed", "peer", peer.ID, "err", err)
		}
		cancel()
	}
}

// HandleElectionConfirm is the follower-side handler for a disseminated
// election result (spec.md §4.3). It is the only way a node that did not
// itself drive the winning ProposeElection round learns the new master,
// replacing the heartbeat-trust shortcut HandlePing used to take. A confirm
// from a round older than this node's current view is dropped as stale.
func (m *Master) HandleElectionConfirm(_ context.Context, req ElectionConfirmReq) {
	snap := m.view.CreateRef()
	if req.RoundVersion < snap.Version {
		m.log.Warn("dropping stale election confirm", "candidate", req.Candidate, "round", req.RoundVersion, "view_version", snap.Version)
		return
	}
	m.applyElectionResult(req.Candidate, req.RoundVersion)
}

// sendHeartbeat broadcasts a Ping to every peer, waits up to
// HeartbeatQuorumWait for a quorum of Pongs (self included), and demotes
// this node back to follower on anything short of a clean pass (spec.md
// §4.3, §7's error table, and the §4.3 FSM's heartbeat-quorum-fails edge).
// A PASS redraws the heartbeat timer for another round; anything else
// stops it through restartElect.
func (m *Master) sendHeartbeat() {
	select {
	case <-m.closed:
		return
	default:
	}
	snap := m.view.CreateRef()
	if !snap.IsMaster(m.self.ID) {
		return
	}
	peers := snap.Peers(m.self.ID)
	req := PingReq{NodeID: m.self.ID, ProposalNo: m.proposer.counter.Current(), MemberConfigurationVersion: snap.Version}
	m.metrics.IncHeartbeat()

	tracker := NewQuorumTracker(len(snap.Members), membership.Majority(len(snap.Members)))
	state := tracker.Grant(m.self.ID)

	if state == QuorumPending && len(peers) > 0 {
		// Each RPC gets the 100ms heartbeat deadline (spec.md §6's deadline
		// table); the tracker itself is given the wider ~110ms window to
		// actually assemble PASS/REFUSE from whichever replies land in time.
		bctx, bcancel := context.WithTimeout(context.Background(), PingDeadline)
		ch := m.transport.Broadcast(bctx, peers, MethodPing, req)
		waitCtx, waitCancel := context.WithTimeout(context.Background(), HeartbeatQuorumWait)
	drain:
		for {
			select {
			case r, ok := <-ch:
				if !ok {
					break drain
				}
				state = m.voteOnPong(tracker, r)
				if state != QuorumPending {
					break drain
				}
			case <-waitCtx.Done():
				break drain
			}
		}
		bcancel()
		waitCancel()
	}

	if state != QuorumPass {
		m.log.Warn("master heartbeat quorum refused, demoting to follower", "state", state)
		m.restartElect()
		return
	}

	m.resetHeartbeatTimer()
}

func (m *Master) voteOnPong(tracker *QuorumTracker, r transport.Result) QuorumState {
	resp, isPong := r.Resp.(PongResp)
	if r.Err == nil && isPong && resp.OK {
		return tracker.Grant(r.From.ID)
	}
	return tracker.Refuse(r.From.ID)
}

// HandlePing is the follower-side heartbeat handler. spec.md §4.3 defines
// acceptance literally as `M.master != null ∧ ping.nodeId == M.master.id
// ∧ ping.version == M.version`: a heartbeat only renews the liveness
// deadline of an already Paxos-confirmed master, it never elects or adopts
// one — that happens exclusively through HandleElectionConfirm.
func (m *Master) HandlePing(_ context.Context, req PingReq) PongResp {
	snap := m.view.CreateRef()
	if snap.Master == nil || req.NodeID != snap.Master.ID || req.MemberConfigurationVersion != snap.Version {
		return PongResp{From: m.self.ID, OK: false}
	}
	m.proposer.counter.Observe(req.ProposalNo)
	m.resetElectionTimer()
	return PongResp{From: m.self.ID, OK: true}
}

// RequestChangeMember asks the master (which must be this node) to propose
// a membership change through the ordinary pipeline (spec.md §6).
func (m *Master) RequestChangeMember(req ChangeMemberReq, done Done) error {
	snap := m.view.CreateRef()
	if !snap.IsMaster(m.self.ID) {
		return ErrNotMaster
	}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return m.proposer.Propose(MethodChangeMember, data, done)
}

// Close stops both timers and marks the Master closed so in-flight
// heartbeats/elections exit quietly rather than racing shutdown.
func (m *Master) Close() {
	m.closeOnce.Do(func() {
		close(m.closed)
		m.stopElectionTimer()
		m.stopHeartbeatTimer()
	})
}
