package services

import (
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"code-arena-system/models"
)

func TestTerminalStatusGuardMatchesTerminal(t *testing.T) {
	// RecordOutcome's exactly-once WHERE and the requeue sweep both filter on
	// terminalMatchStatuses; it must agree with MatchStatus.Terminal for every
	// pipeline state.
	all := []models.MatchStatus{
		models.MatchStatusQueued, models.MatchStatusClaimed, models.MatchStatusFetched,
		models.MatchStatusVerified, models.MatchStatusBuilt, models.MatchStatusSessionReady,
		models.MatchStatusPlaying, models.MatchStatusFinished, models.MatchStatusPublished,
		models.MatchStatusRecorded, models.MatchStatusFailed, models.MatchStatusTimedOut,
	}
	for _, st := range all {
		assert.Equal(t, st.Terminal(), slices.Contains(terminalMatchStatuses, st), "status %s", st)
	}
}

func TestLeaseHeldBlocksOnlyLiveForeignLeases(t *testing.T) {
	now := time.Now()
	live := now.Add(time.Minute)
	expired := now.Add(-time.Minute)

	held := &models.Match{LeaseOwner: "worker-1", LeaseExpiresAt: &live}
	assert.True(t, leaseHeld(held, "worker-2", now))
	// Re-entrant for the lease owner.
	assert.False(t, leaseHeld(held, "worker-1", now))

	lapsed := &models.Match{LeaseOwner: "worker-1", LeaseExpiresAt: &expired}
	assert.False(t, leaseHeld(lapsed, "worker-2", now))

	assert.False(t, leaseHeld(&models.Match{}, "worker-2", now))
	assert.False(t, leaseHeld(&models.Match{LeaseOwner: "worker-1"}, "worker-2", now))
}

func TestReusedMatchIsBornTerminal(t *testing.T) {
	winner := "sub-a"
	done := time.Now()
	prior := &models.Match{
		ID:                 "prior-1",
		BestOf:             3,
		RequiredWins:       2,
		Status:             models.MatchStatusRecorded,
		WinnerSubmissionID: &winner,
		WinReason:          "checkmate",
		LoseReason:         "resigned",
		GameLogURL:         "http://logs/prior",
		CompletedAt:        &done,
	}

	reused := newReusedMatch("tour-1", "node-1", prior)

	assert.NotEqual(t, prior.ID, reused.ID)
	// Recorded from birth: never claimable, never run through the pipeline.
	assert.Equal(t, models.MatchStatusRecorded, reused.Status)
	assert.True(t, reused.Status.Terminal())
	assert.False(t, leaseHeld(reused, "worker-1", time.Now()))

	require.NotNil(t, reused.ReusedFromID)
	assert.Equal(t, "prior-1", *reused.ReusedFromID)
	require.NotNil(t, reused.WinnerSubmissionID)
	assert.Equal(t, "sub-a", *reused.WinnerSubmissionID)
	assert.Equal(t, 3, reused.BestOf)
	assert.Equal(t, 2, reused.RequiredWins)
	assert.Equal(t, "tour-1", *reused.TournamentID)
	assert.Equal(t, "node-1", *reused.BracketNodeID)
	assert.Equal(t, "http://logs/prior", reused.GameLogURL)
	assert.Equal(t, "checkmate", reused.WinReason)
	assert.Equal(t, &done, reused.CompletedAt)
}
