package model

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
)

var allStatuses = []ProcessingStatus{
	StatusPending, StatusStage1Done, StatusStage2Done, StatusStage3Done,
	StatusEnriched, StatusMaterialized, StatusFilteredOut, StatusError,
}

func TestCanTransition_HappyPath(t *testing.T) {
	for i := 0; i+1 < len(stageOrder); i++ {
		assert.True(t, CanTransition(stageOrder[i], stageOrder[i+1]), "%s -> %s", stageOrder[i], stageOrder[i+1])
	}
}

func TestCanTransition_NoSkipsOrRegressions(t *testing.T) {
	assert.False(t, CanTransition(StatusPending, StatusStage2Done))
	assert.False(t, CanTransition(StatusStage3Done, StatusStage2Done))
	assert.False(t, CanTransition(StatusEnriched, StatusEnriched))
}

func TestCanTransition_TerminalsAbsorb(t *testing.T) {
	for _, term := range []ProcessingStatus{StatusMaterialized, StatusFilteredOut, StatusError} {
		for _, to := range allStatuses {
			assert.False(t, CanTransition(term, to), "%s -> %s", term, to)
		}
	}
}

func TestCanTransition_TerminalReachableFromNonTerminal(t *testing.T) {
	for _, from := range stageOrder[:len(stageOrder)-1] {
		assert.True(t, CanTransition(from, StatusFilteredOut))
		assert.True(t, CanTransition(from, StatusError))
	}
}

// Random walks over allowed transitions never move backward on the happy path.
func TestCanTransition_RandomWalksAreMonotonic(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	for walk := 0; walk < 500; walk++ {
		cur := StatusPending
		for step := 0; step < 20; step++ {
			to := allStatuses[r.IntN(len(allStatuses))]
			if !CanTransition(cur, to) {
				continue
			}
			if to.Rank() >= 0 {
				assert.Equal(t, cur.Rank()+1, to.Rank())
			} else {
				assert.True(t, to.IsTerminal())
			}
			cur = to
		}
	}
}

func TestAtOrPast(t *testing.T) {
	assert.True(t, StatusStage3Done.AtOrPast(StatusStage2Done))
	assert.True(t, StatusStage2Done.AtOrPast(StatusStage2Done))
	assert.False(t, StatusStage1Done.AtOrPast(StatusStage2Done))
	assert.True(t, StatusFilteredOut.AtOrPast(StatusEnriched))
}

func TestProfileSnapshot_EmployerRefs(t *testing.T) {
	p := &ProfileSnapshot{Positions: []Position{
		{CompanyID: "a", IsCurrent: true},
		{CompanyID: "b"},
		{CompanyID: "a"},
		{CompanyID: ""},
		{CompanyID: "c"},
		{CompanyID: "d"},
		{CompanyID: "e"},
		{CompanyID: "f"},
	}}
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, p.EmployerRefs())

	cur, ok := p.Current()
	assert.True(t, ok)
	assert.Equal(t, "a", cur.CompanyID)
}

func TestEnrichmentRecord_IsComplete(t *testing.T) {
	assert.False(t, (*EnrichmentRecord)(nil).IsComplete())
	assert.False(t, (&EnrichmentRecord{Status: EnrichmentEnriched, Description: "x"}).IsComplete())
	assert.False(t, (&EnrichmentRecord{Status: EnrichmentProcessing, Description: "x", Size: "11-50"}).IsComplete())
	assert.True(t, (&EnrichmentRecord{Status: EnrichmentEnriched, Description: "x", Size: "11-50"}).IsComplete())
}
