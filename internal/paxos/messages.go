package paxos

import "time"

// RPC method names double as the routing key the transport uses to deliver
// a decoded request to the right handler (see transport.Transport).
const (
	MethodPrepare         = "Prepare"
	MethodAccept          = "Accept"
	MethodConfirm         = "Confirm"
	MethodPing            = "Ping"
	MethodChangeMember    = "ChangeMemberReq"
	MethodElectionConfirm = "ElectionConfirm"
)

// Per spec.md §6's deadline table. HeartbeatQuorumWait is §4.3/§7's ~110ms
// window a leader gives a Pong quorum to assemble before treating the round
// as refused.
const (
	ConfirmDeadline      = 1000 * time.Millisecond
	PingDeadline         = 100 * time.Millisecond
	HeartbeatQuorumWait  = 110 * time.Millisecond
)

// PrepareReq is Phase 1's request.
type PrepareReq struct {
	InstanceID uint64
	ProposalNo uint64
}

// PrepareResp is an acceptor's Phase 1 response. On an OK response,
// AcceptedValue and MaxAcceptedProposalNo are set only if the acceptor
// previously accepted something for this instance; on a refusal,
// MaxAcceptedProposalNo carries the proposal number the acceptor has
// already promised. Confirmed short-circuits the proposer
// straight to the confirmed value if the acceptor already knows the
// instance is decided.
type PrepareResp struct {
	From               string
	OK                 bool
	MaxAcceptedProposalNo uint64
	AcceptedValue      []Proposal
	Confirmed          bool
	ConfirmedValue     []Proposal
}

// AcceptReq is Phase 2's request.
type AcceptReq struct {
	InstanceID uint64
	ProposalNo uint64
	Values     []Proposal
}

// AcceptResp is an acceptor's Phase 2 response.
type AcceptResp struct {
	From                string
	OK                  bool
	HighestProposalNoSeen uint64
}

// ConfirmReq is the fire-and-forget Phase 3 broadcast, also delivered
// locally to the sending node's own Learner.
type ConfirmReq struct {
	NodeID     string
	InstanceID uint64
	Values     []Proposal
}

// PingReq is the Master's heartbeat.
type PingReq struct {
	NodeID                   string
	ProposalNo               uint64
	MemberConfigurationVersion uint32
}

// PongResp acknowledges or rejects a heartbeat.
type PongResp struct {
	From string
	OK   bool
}

// ChangeOp names the single-node reconfiguration spec.md §6 allows.
type ChangeOp int

const (
	ChangeAdd ChangeOp = iota
	ChangeRemove
)

// ChangeMemberReq asks the master to propose a membership change.
type ChangeMemberReq struct {
	Op            ChangeOp
	ChangeTarget  string
	ChangeTargetIP   string
	ChangeTargetPort int
}

// ElectionConfirmReq disseminates a Paxos-confirmed election outcome to
// every peer, fire-and-forget, the same way ConfirmReq disseminates a
// confirmed command instance (spec.md §4.3). RoundVersion is the
// membership version the election instance was contended under (see
// electionInstanceID) so a stale, delayed confirm from an earlier round
// can't clobber a newer one a peer has already applied.
type ElectionConfirmReq struct {
	Candidate    string
	RoundVersion uint32
}
