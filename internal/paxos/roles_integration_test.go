package paxos_test

import (
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/paxoscore/consensus/internal/membership"
	"github.com/paxoscore/consensus/internal/paxos"
	"github.com/paxoscore/consensus/internal/statemachine/kvsm"
	memstore "github.com/paxoscore/consensus/internal/storage/memory"
	memtransport "github.com/paxoscore/consensus/internal/transport/memory"
)

func testConfig() paxos.Config {
	return paxos.Config{
		RoundTimeout:      60 * time.Millisecond,
		Retry:             3,
		ElectionJitterMin: 80 * time.Millisecond,
		ElectionJitterMax: 120 * time.Millisecond,
		HeartbeatPeriod:   30 * time.Millisecond,
	}
}

type cluster struct {
	nodes []*paxos.Roles
	views []*membership.View
	sms   []*kvsm.KV
}

func newCluster(t *testing.T, n int) *cluster {
	t.Helper()
	silent := slog.New(slog.NewTextHandler(io.Discard, nil))

	endpoints := make([]membership.Endpoint, n)
	for i := range endpoints {
		endpoints[i] = membership.Endpoint{ID: fmt.Sprintf("node-%d", i), IP: "127.0.0.1", Port: 9000 + i}
	}

	network := memtransport.NewNetwork()
	c := &cluster{}
	for i, self := range endpoints {
		var peers []membership.Endpoint
		for j, ep := range endpoints {
			if j != i {
				peers = append(peers, ep)
			}
		}
		view := membership.New(self, peers)
		tr := memtransport.New(self, network)
		logMgr := memstore.New()
		sm := kvsm.New()
		roles := paxos.NewRoles(self, view, tr, logMgr, sm, testConfig(), silent)

		c.nodes = append(c.nodes, roles)
		c.views = append(c.views, view)
		c.sms = append(c.sms, sm)
	}
	return c
}

func (c *cluster) waitForMaster(t *testing.T, timeout time.Duration) *paxos.Roles {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, v := range c.views {
			snap := v.CreateRef()
			if snap.Master == nil {
				continue
			}
			for _, roles := range c.nodes {
				if roles.Proposer.Self().ID == snap.Master.ID {
					return roles
				}
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no master elected within timeout")
	return nil
}

type blockingDone struct {
	applied chan []paxos.Proposal
}

func newBlockingDone() *blockingDone {
	return &blockingDone{applied: make(chan []paxos.Proposal, 1)}
}

func (d *blockingDone) NegotiationDone(paxos.NegotiationResult) {}
func (d *blockingDone) ApplyDone(values []paxos.Proposal) {
	select {
	case d.applied <- values:
	default:
	}
}

func TestThreeNodeClusterElectsAMaster(t *testing.T) {
	c := newCluster(t, 3)
	master := c.waitForMaster(t, 2*time.Second)
	require.NotNil(t, master)
}

func TestThreeNodeClusterAppliesInOrderEverywhere(t *testing.T) {
	c := newCluster(t, 3)
	master := c.waitForMaster(t, 2*time.Second)

	ops := []kvsm.Op{
		{Kind: "set", Key: "a", Value: []byte("1")},
		{Kind: "set", Key: "b", Value: []byte("2")},
		{Kind: "delete", Key: "a"},
	}
	for _, op := range ops {
		data, err := kvsm.EncodeOp(op)
		require.NoError(t, err)
		done := newBlockingDone()
		require.NoError(t, master.Proposer.Propose("kv", data, done))
		select {
		case <-done.applied:
		case <-time.After(2 * time.Second):
			t.Fatalf("propose %+v did not apply in time", op)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		allConverged := true
		for _, sm := range c.sms {
			_, aPresent := sm.Get("a")
			b, bPresent := sm.Get("b")
			if aPresent || !bPresent || string(b) != "2" {
				allConverged = false
				break
			}
		}
		if allConverged {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("state machines never converged to the expected final state")
}

func TestNonMasterProposeFails(t *testing.T) {
	c := newCluster(t, 3)
	master := c.waitForMaster(t, 2*time.Second)

	for _, roles := range c.nodes {
		if roles == master {
			continue
		}
		err := roles.Proposer.Propose("kv", []byte("x"), newBlockingDone())
		require.ErrorIs(t, err, paxos.ErrNotMaster)
		return
	}
}

func TestSoloClusterElectsItselfAndApplies(t *testing.T) {
	c := newCluster(t, 1)
	master := c.waitForMaster(t, 2*time.Second)

	op, err := kvsm.EncodeOp(kvsm.Op{Kind: "set", Key: "solo", Value: []byte("yes")})
	require.NoError(t, err)
	done := newBlockingDone()
	require.NoError(t, master.Proposer.Propose("kv", op, done))

	select {
	case <-done.applied:
	case <-time.After(2 * time.Second):
		t.Fatal("solo propose never applied")
	}
	v, ok := c.sms[0].Get("solo")
	require.True(t, ok)
	require.Equal(t, []byte("yes"), v)
}

func TestMembershipChangeAppliesToView(t *testing.T) {
	c := newCluster(t, 3)
	master := c.waitForMaster(t, 2*time.Second)

	var masterIdx int
	for i, roles := range c.nodes {
		if roles == master {
			masterIdx = i
		}
	}

	req := paxos.ChangeMemberReq{Op: paxos.ChangeAdd, ChangeTarget: "node-new", ChangeTargetIP: "127.0.0.1", ChangeTargetPort: 9999}
	done := newBlockingDone()
	err := master.Master.RequestChangeMember(req, done)
	require.NoError(t, err)

	select {
	case <-done.applied:
	case <-time.After(2 * time.Second):
		t.Fatal("membership change never applied")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := c.views[masterIdx].CreateRef().Members["node-new"]; ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("new member never appeared in the view")
}

