package paxos_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paxoscore/consensus/internal/membership"
	"github.com/paxoscore/consensus/internal/metrics"
	"github.com/paxoscore/consensus/internal/paxos"
	memstore "github.com/paxoscore/consensus/internal/storage/memory"
	memtransport "github.com/paxoscore/consensus/internal/transport/memory"
)

// respondingPeer registers a stub handler on network that answers every
// Ping with an OK Pong, standing in for a live, healthy peer.
func respondingPeer(self membership.Endpoint, network *memtransport.Network) {
	tr := memtransport.New(self, network)
	tr.RegisterHandler(func(_ context.Context, _ membership.Endpoint, method string, _ any) (any, error) {
		if method == paxos.MethodPing {
			return paxos.PongResp{From: self.ID, OK: true}, nil
		}
		return nil, nil
	})
}

func newTestMaster(t *testing.T, self membership.Endpoint, peers []membership.Endpoint, network *memtransport.Network) (*paxos.Master, *membership.View) {
	t.Helper()
	silent := slog.New(slog.NewTextHandler(io.Discard, nil))
	view := membership.New(self, peers)
	tr := memtransport.New(self, network)
	prop := paxos.NewProposer(self, view, tr, memstore.New(), 60*time.Millisecond, 3, silent)
	// Election/heartbeat timers are long enough here that the behavior under
	// test is driven explicitly, not by the timer racing the assertions.
	m := paxos.NewMaster(self, view, prop, tr, time.Hour, time.Hour, time.Hour, silent)
	t.Cleanup(m.Close)
	return m, view
}

func TestHandlePingRejectsUnknownMasterRatherThanAdopting(t *testing.T) {
	network := memtransport.NewNetwork()
	self := membership.Endpoint{ID: "follower"}
	leader := membership.Endpoint{ID: "leader"}
	m, view := newTestMaster(t, self, []membership.Endpoint{leader}, network)

	// No master has ever been Paxos-confirmed; a claimed Ping must be
	// rejected, never silently adopted as the new master.
	resp := m.HandlePing(context.Background(), paxos.PingReq{NodeID: leader.ID, ProposalNo: 1, MemberConfigurationVersion: view.CreateRef().Version})
	assert.False(t, resp.OK)
	assert.False(t, view.CreateRef().IsMaster(leader.ID))
}

func TestHandlePingAcceptsOnlyExactVersionMatchFromCurrentMaster(t *testing.T) {
	network := memtransport.NewNetwork()
	self := membership.Endpoint{ID: "follower"}
	leader := membership.Endpoint{ID: "leader"}
	m, view := newTestMaster(t, self, []membership.Endpoint{leader}, network)
	require.NoError(t, view.ChangeMaster(leader.ID))
	version := view.CreateRef().Version

	resp := m.HandlePing(context.Background(), paxos.PingReq{NodeID: leader.ID, ProposalNo: 1, MemberConfigurationVersion: version})
	assert.True(t, resp.OK)
	assert.Equal(t, self.ID, resp.From)

	// A version mismatch in either direction is rejected: a heartbeat only
	// renews the liveness of the exact master/version the view already
	// holds.
	stale := m.HandlePing(context.Background(), paxos.PingReq{NodeID: leader.ID, ProposalNo: 2, MemberConfigurationVersion: version - 1})
	assert.False(t, stale.OK)
	ahead := m.HandlePing(context.Background(), paxos.PingReq{NodeID: leader.ID, ProposalNo: 2, MemberConfigurationVersion: version + 1})
	assert.False(t, ahead.OK)
}

func TestHandlePingRejectsSenderThatIsNotTheConfirmedMaster(t *testing.T) {
	network := memtransport.NewNetwork()
	self := membership.Endpoint{ID: "follower"}
	leader := membership.Endpoint{ID: "leader"}
	impostor := membership.Endpoint{ID: "impostor"}
	m, view := newTestMaster(t, self, []membership.Endpoint{leader, impostor}, network)
	require.NoError(t, view.ChangeMaster(leader.ID))

	resp := m.HandlePing(context.Background(), paxos.PingReq{NodeID: impostor.ID, ProposalNo: 1, MemberConfigurationVersion: view.CreateRef().Version})
	assert.False(t, resp.OK)
	assert.True(t, view.CreateRef().IsMaster(leader.ID))
}

func TestHandleElectionConfirmAppliesWinnerWithoutQuorumOfItsOwn(t *testing.T) {
	network := memtransport.NewNetwork()
	self := membership.Endpoint{ID: "follower"}
	leader := membership.Endpoint{ID: "leader"}
	m, view := newTestMaster(t, self, []membership.Endpoint{leader}, network)

	m.HandleElectionConfirm(context.Background(), paxos.ElectionConfirmReq{Candidate: leader.ID, RoundVersion: view.CreateRef().Version})
	assert.True(t, view.CreateRef().IsMaster(leader.ID))
}

func TestHandleElectionConfirmDropsStaleRound(t *testing.T) {
	network := memtransport.NewNetwork()
	self := membership.Endpoint{ID: "follower"}
	leader := membership.Endpoint{ID: "leader"}
	other := membership.Endpoint{ID: "other"}
	m, view := newTestMaster(t, self, []membership.Endpoint{leader, other}, network)
	require.NoError(t, view.ChangeMaster(leader.ID))
	currentVersion := view.CreateRef().Version

	// A confirm for a round older than what this node already knows must
	// not reopen a decided question.
	m.HandleElectionConfirm(context.Background(), paxos.ElectionConfirmReq{Candidate: other.ID, RoundVersion: currentVersion - 1})
	assert.True(t, view.CreateRef().IsMaster(leader.ID))
}

func TestRequestChangeMemberFailsWhenNotMaster(t *testing.T) {
	network := memtransport.NewNetwork()
	self := membership.Endpoint{ID: "follower"}
	m, _ := newTestMaster(t, self, nil, network)

	err := m.RequestChangeMember(paxos.ChangeMemberReq{Op: paxos.ChangeAdd, ChangeTarget: "x"}, nil)
	assert.ErrorIs(t, err, paxos.ErrNotMaster)
}

func TestOnChangeMasterSwitchesModesForSelfAndOthers(t *testing.T) {
	network := memtransport.NewNetwork()
	self := membership.Endpoint{ID: "node-a"}
	peer := membership.Endpoint{ID: "node-b"}
	m, view := newTestMaster(t, self, []membership.Endpoint{peer}, network)

	// Winning an election (self becomes master) should not panic and should
	// leave the view reporting self as master.
	require.NoError(t, view.ChangeMaster(self.ID))
	assert.True(t, view.CreateRef().IsMaster(self.ID))

	// A later change to a different master should also apply cleanly,
	// exercising the follower-mode branch of OnChangeMaster.
	require.NoError(t, view.ChangeMaster(peer.ID))
	assert.True(t, view.CreateRef().IsMaster(peer.ID))
	_ = m
}

func TestSendHeartbeatQuorumPassKeepsMasterMetric(t *testing.T) {
	network := memtransport.NewNetwork()
	self := membership.Endpoint{ID: "leader"}
	peerA := membership.Endpoint{ID: "peer-a"}
	peerB := membership.Endpoint{ID: "peer-b"}
	respondingPeer(peerA, network)
	respondingPeer(peerB, network)

	m, view := newTestMaster(t, self, []membership.Endpoint{peerA, peerB}, network)
	mx := metrics.New(self.ID)
	m.SetMetrics(mx)

	require.NoError(t, view.ChangeMaster(self.ID))
	assert.Equal(t, float64(1), testutil.ToFloat64(mx.IsMaster))
	assert.True(t, view.CreateRef().IsMaster(self.ID))
}

func TestSendHeartbeatQuorumRefusedDemotesToFollower(t *testing.T) {
	network := memtransport.NewNetwork()
	self := membership.Endpoint{ID: "leader"}
	peerA := membership.Endpoint{ID: "peer-a"}
	peerB := membership.Endpoint{ID: "peer-b"}
	// Neither peer is reachable (no handler registered at all), so the
	// broadcast resolves to two refusals and self's own grant can never
	// reach a 2-of-3 majority.
	network.Blackhole = func(from, to string) bool { return true }

	m, view := newTestMaster(t, self, []membership.Endpoint{peerA, peerB}, network)
	mx := metrics.New(self.ID)
	m.SetMetrics(mx)

	require.NoError(t, view.ChangeMaster(self.ID))
	assert.Equal(t, float64(0), testutil.ToFloat64(mx.IsMaster))

	// Demotion does not retract the membership view's (Paxos-confirmed)
	// master field, only this node's own leader role — see restartElect.
	assert.True(t, view.CreateRef().IsMaster(self.ID))
}
