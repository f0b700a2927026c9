// Package node wires one process's Proposer, Learner, Master, and
// membership view to a concrete transport, log manager, and state
// machine, and exposes the client-facing surface a cmd entrypoint drives
// (spec.md §1 names this wiring as out of the core's scope; this package
// is where it actually happens).
package node

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/paxoscore/consensus/internal/config"
	"github.com/paxoscore/consensus/internal/membership"
	"github.com/paxoscore/consensus/internal/metrics"
	"github.com/paxoscore/consensus/internal/paxos"
	"github.com/paxoscore/consensus/internal/statemachine"
	"github.com/paxoscore/consensus/internal/storage"
	"github.com/paxoscore/consensus/internal/transport"
)

// Node is one participant in the cluster: it hosts all three Paxos roles
// plus the membership view, bound to the collaborators its config names.
type Node struct {
	self  membership.Endpoint
	view  *membership.View
	roles *paxos.Roles
	sm    statemachine.StateMachine

	tr     transport.Transport
	logMgr storage.LogManager

	metrics *metrics.Metrics
	log     *slog.Logger
}

// New constructs a Node from a fully resolved configuration and
// collaborator set: it wires the roles in first, then restores the state
// machine from any saved image through the Learner.
func New(prop config.ConsensusProp, tr transport.Transport, logMgr storage.LogManager, sm statemachine.StateMachine, log *slog.Logger) (*Node, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := prop.Validate(); err != nil {
		return nil, err
	}

	view := membership.New(prop.Self, prop.Members)

	cfg := paxos.Config{
		RoundTimeout:      prop.RoundTimeout(),
		Retry:             prop.Retry,
		ElectionJitterMin: prop.ElectionJitterMin(),
		ElectionJitterMax: prop.ElectionJitterMax(),
		HeartbeatPeriod:   prop.HeartbeatInterval(),
	}
	roles := paxos.NewRoles(prop.Self, view, tr, logMgr, sm, cfg, log)

	mx := metrics.New(prop.Self.ID)
	roles.Proposer.SetMetrics(mx)
	roles.Learner.SetMetrics(mx)
	roles.Master.SetMetrics(mx)

	n := &Node{
		self:    prop.Self,
		view:    view,
		roles:   roles,
		sm:      sm,
		tr:      tr,
		logMgr:  logMgr,
		metrics: mx,
		log:     log.With("node_id", prop.Self.ID),
	}

	if err := n.restoreImage(); err != nil {
		return nil, fmt.Errorf("node: restore image: %w", err)
	}
	return n, nil
}

// restoreImage loads a previously saved state-machine snapshot, if any,
// per spec.md §6's boot recovery path.
func (n *Node) restoreImage() error {
	image, atID, err := n.logMgr.LoadImage()
	if err != nil {
		return err
	}
	if image == nil {
		return nil
	}
	n.log.Info("restoring state machine from saved image", "at_instance_id", atID)
	return n.roles.Learner.RestoreFromImage(image, atID)
}

// Self returns this node's endpoint.
func (n *Node) Self() membership.Endpoint { return n.self }

// View exposes the membership view, mainly for tests and CLI status
// commands.
func (n *Node) View() *membership.View { return n.view }

// Metrics exposes this node's Prometheus registry, for a cmd entrypoint to
// serve over HTTP.
func (n *Node) Metrics() *metrics.Metrics { return n.metrics }

// clientDone adapts a context.Context-bound caller into paxos.Done,
// delivering the negotiation/apply outcome on a channel the caller reads
// once.
type clientDone struct {
	resultCh chan clientResult
}

type clientResult struct {
	negotiation paxos.NegotiationResult
	applied     []byte
	err         error
}

func (d clientDone) NegotiationDone(result paxos.NegotiationResult) {
	if result != paxos.NegotiationPass {
		d.send(clientResult{negotiation: result, err: paxos.ErrInconclusive})
	}
}

func (d clientDone) ApplyDone(values []paxos.Proposal) {
	var data []byte
	if len(values) > 0 {
		data = values[0].Data
	}
	d.send(clientResult{negotiation: paxos.NegotiationPass, applied: data})
}

func (d clientDone) send(r clientResult) {
	select {
	case d.resultCh <- r:
	default:
	}
}

// Propose drives group/data through consensus and blocks until it has
// been applied to the local state machine or ctx is cancelled.
func (n *Node) Propose(ctx context.Context, group string, data []byte) ([]byte, error) {
	done := clientDone{resultCh: make(chan clientResult, 1)}
	if err := n.roles.Proposer.Propose(group, data, done); err != nil {
		return nil, err
	}
	select {
	case res := <-done.resultCh:
		return res.applied, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown stops the Master's timers, drains the Learner's apply worker,
// snapshots the state machine, and closes the transport and log manager —
// in that order, so nothing writes after the files backing them are
// closed (spec.md §6 "Persisted state").
func (n *Node) Shutdown(ctx context.Context) error {
	g, _ := errgroup.WithContext(ctx)
	g.Go(n.roles.Shutdown)
	if err := g.Wait(); err != nil {
		n.log.Error("role shutdown failed", "err", err)
	}
	if err := n.tr.Close(); err != nil {
		n.log.Error("transport close failed", "err", err)
	}
	return n.logMgr.Close()
}
