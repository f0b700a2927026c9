package paxos

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQuorumTrackerPassesAtThreshold(t *testing.T) {
	tr := NewQuorumTracker(5, 3)
	assert.Equal(t, QuorumPending, tr.Grant("a"))
	assert.Equal(t, QuorumPending, tr.Grant("b"))
	assert.Equal(t, QuorumPass, tr.Grant("c"))
}

func TestQuorumTrackerGrantIsIdempotentPerPeer(t *testing.T) {
	tr := NewQuorumTracker(5, 3)
	tr.Grant("a")
	tr.Grant("a")
	tr.Grant("a")
	assert.Equal(t, QuorumPending, tr.State())
}

func TestQuorumTrackerRefusesWhenMajorityImpossible(t *testing.T) {
	tr := NewQuorumTracker(5, 3)
	assert.Equal(t, QuorumPending, tr.Refuse("a"))
	assert.Equal(t, QuorumPending, tr.Refuse("b"))
	// Two refusals out of 5 still leave 3 possible grants, so 3 is still
	// reachable; the third refusal leaves only 2 and makes it mathematically
	// dead, whatever grants arrived in between.
	tr.Grant("c")
	assert.Equal(t, QuorumRefuse, tr.Refuse("d"))
}

func TestQuorumTrackerSingleNodeCluster(t *testing.T) {
	tr := NewQuorumTracker(1, 1)
	assert.Equal(t, QuorumPass, tr.Grant("solo"))
}
