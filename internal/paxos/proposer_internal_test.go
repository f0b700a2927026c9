package paxos

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPickHighestPrefersHighestAcceptedProposal(t *testing.T) {
	fallback := []Proposal{{Group: "client", Data: []byte("fallback")}}
	responses := []PrepareResp{
		{OK: true},
		{OK: true, MaxAcceptedProposalNo: 5, AcceptedValue: []Proposal{{Group: "x", Data: []byte("five")}}},
		{OK: true, MaxAcceptedProposalNo: 9, AcceptedValue: []Proposal{{Group: "x", Data: []byte("nine")}}},
	}
	got := pickHighest(responses, fallback)
	assert.Equal(t, []byte("nine"), got[0].Data)
}

func TestPickHighestFallsBackWithNoAcceptedValues(t *testing.T) {
	fallback := []Proposal{{Group: "client", Data: []byte("fallback")}}
	responses := []PrepareResp{{OK: true}, {OK: true}}
	got := pickHighest(responses, fallback)
	assert.Equal(t, fallback, got)
}

func TestProposalCounterObserveOnlyMovesForward(t *testing.T) {
	var c ProposalCounter
	c.Observe(10)
	assert.Equal(t, uint64(10), c.Current())
	c.Observe(3)
	assert.Equal(t, uint64(10), c.Current())
	assert.Equal(t, uint64(11), c.Next())
}

func TestNoopIsRecognizedRegardlessOfData(t *testing.T) {
	assert.True(t, Noop.IsNoop())
	withData := Proposal{Group: Noop.Group, Data: []byte("ignored")}
	assert.True(t, withData.IsNoop())
	assert.False(t, Proposal{Group: "client"}.IsNoop())
}
