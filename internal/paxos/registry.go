package paxos

import (
	"context"
	"log/slog"
	"time"

	"github.com/paxoscore/consensus/internal/membership"
	"github.com/paxoscore/consensus/internal/statemachine"
	"github.com/paxoscore/consensus/internal/storage"
	"github.com/paxoscore/consensus/internal/transport"
)

// Roles bundles the three role machines one node hosts, plus their shared
// membership view. It exists to break the construction cycle spec.md §9's
// design notes describe: the Learner needs the Proposer to drive recovery,
// the Proposer needs the Learner to deliver local Confirms, and the Master
// needs both. Build order here is Proposer, then Learner (wired back into
// the Proposer via SetLearner), then Master — the two-phase
// allocate-then-wire pattern a Go package can apply more directly than the
// teacher's original registry did, since all three roles live in one
// package and can reach each other's unexported fields.
type Roles struct {
	Proposer *Proposer
	Learner  *Learner
	Master   *Master
}

// Config bundles the tunables spec.md §6's deadline table and the Master's
// timers need; callers build this from internal/config.ConsensusProp.
type Config struct {
	RoundTimeout      time.Duration
	Retry             int
	ElectionJitterMin time.Duration
	ElectionJitterMax time.Duration
	HeartbeatPeriod   time.Duration
}

// NewRoles allocates and wires Proposer, Learner, and Master for self.
func NewRoles(self membership.Endpoint, view *membership.View, tr transport.Transport, logMgr storage.LogManager, sm statemachine.StateMachine, cfg Config, log *slog.Logger) *Roles {
	proposer := NewProposer(self, view, tr, logMgr, cfg.RoundTimeout, cfg.Retry, log)
	learner := NewLearner(self, view, tr, logMgr, proposer, sm, log)
	proposer.SetLearner(learner)
	master := NewMaster(self, view, proposer, tr, cfg.ElectionJitterMin, cfg.ElectionJitterMax, cfg.HeartbeatPeriod, log)

	r := &Roles{Proposer: proposer, Learner: learner, Master: master}
	tr.RegisterHandler(r.dispatch)
	return r
}

// dispatch is the single transport.Handler every inbound RPC flows
// through, routing by method name to the owning role (spec.md §4: each
// role owns its own wire handlers, but one transport registration per node
// is simpler than one per role).
func (r *Roles) dispatch(ctx context.Context, from membership.Endpoint, method string, payload any) (any, error) {
	switch method {
	case MethodPrepare:
		req, _ := payload.(PrepareReq)
		return r.Proposer.HandlePrepare(ctx, req), nil
	case MethodAccept:
		req, _ := payload.(AcceptReq)
		return r.Proposer.HandleAccept(ctx, req), nil
	case MethodConfirm:
		req, _ := payload.(ConfirmReq)
		r.Learner.HandleConfirmRequest(ctx, req)
		return nil, nil
	case MethodPing:
		req, _ := payload.(PingReq)
		return r.Master.HandlePing(ctx, req), nil
	case MethodElectionConfirm:
		req, _ := payload.(ElectionConfirmReq)
		r.Master.HandleElectionConfirm(ctx, req)
		return nil, nil
	case MethodChangeMember:
		req, _ := payload.(ChangeMemberReq)
		return nil, r.Master.RequestChangeMember(req, nil)
	default:
		return nil, ErrUnknownMethod
	}
}

// Shutdown stops the Master's timers and drains the Learner's apply
// worker, snapshotting the state machine (spec.md §6 "Persisted state").
func (r *Roles) Shutdown() error {
	r.Master.Close()
	return r.Learner.Shutdown()
}
