package services

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"code-arena-system/models"
)

func entries(teamIDs ...string) []models.SubmissionEntry {
	out := make([]models.SubmissionEntry, 0, len(teamIDs))
	for _, id := range teamIDs {
		out = append(out, models.SubmissionEntry{ID: "sub-" + id, TeamID: id, TeamName: "team " + id})
	}
	return out
}

func TestChoosePairAvoidsRecentPairings(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	field := entries("t1", "t2", "t3")
	recent := map[string]bool{
		pairKey("t1", "t2"): true,
		pairKey("t1", "t3"): true,
	}

	for i := 0; i < 20; i++ {
		a, b, err := choosePair(field, recent, rng)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"t2", "t3"}, []string{a.TeamID, b.TeamID},
			"only the t2/t3 pairing is fresh")
	}
}

func TestChoosePairNeverPairsATeamWithItself(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	field := entries("t1", "t2", "t3", "t4")

	for i := 0; i < 50; i++ {
		a, b, err := choosePair(field, nil, rng)
		require.NoError(t, err)
		assert.NotEqual(t, a.TeamID, b.TeamID)
	}
}

func TestChoosePairExhaustedWindow(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	field := entries("t1", "t2")
	recent := map[string]bool{pairKey("t1", "t2"): true}

	_, _, err := choosePair(field, recent, rng)
	assert.ErrorIs(t, err, ErrNoFreshPairing)
}

func TestChoosePairRequiresTwoTeams(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	_, _, err := choosePair(entries("t1"), nil, rng)
	assert.ErrorIs(t, err, ErrInsufficientTeams)

	_, _, err = choosePair(nil, nil, rng)
	assert.ErrorIs(t, err, ErrInsufficientTeams)
}

func TestPairKeyIsOrderIndependent(t *testing.T) {
	assert.Equal(t, pairKey("a", "b"), pairKey("b", "a"))
	assert.NotEqual(t, pairKey("a", "b"), pairKey("a", "c"))
}
