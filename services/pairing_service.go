package services

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"os"
	"strconv"
	"time"

	"gorm.io/gorm"

	"code-arena-system/models"
)

// pairKey orders the two team IDs so (a,b) and (b,a) collide.
func pairKey(teamA, teamB string) string {
	if teamA > teamB {
		teamA, teamB = teamB, teamA
	}
	return teamA + "|" + teamB
}

// PairingService picks who plays whom in continuous arena mode: the latest
// healthy submission of every eligible team, paired so that the same two
// teams don't meet again inside the lookback window.
type PairingService struct {
	DB              *gorm.DB
	LookbackSeconds int
}

func NewPairingService(db *gorm.DB) *PairingService {
	lookback := 1800
	if raw := os.Getenv("LOOKBACK_SECONDS"); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs >= 0 {
			lookback = secs
		} else {
			log.Printf("⚠️  Invalid LOOKBACK_SECONDS %q, using 1800", raw)
		}
	}
	return &PairingService{DB: db, LookbackSeconds: lookback}
}

// LatestEligibleSubmissions returns one row per eligible team: its
// highest-version submission that hasn't failed to build. Teams without a
// captain or flagged ineligible never enter the arena.
func (s *PairingService) LatestEligibleSubmissions(ctx context.Context) ([]models.SubmissionEntry, error) {
	var entries []models.SubmissionEntry

	err := s.DB.WithContext(ctx).
		Table("submissions").
		Select("DISTINCT ON (submissions.team_id) submissions.id, submissions.team_id, teams.name AS team_name, submissions.version, submissions.status").
		Joins("JOIN teams ON teams.id = submissions.team_id").
		Where("teams.is_eligible = ? AND teams.captain_id IS NOT NULL", true).
		Where("submissions.status <> ?", models.SubmissionStatusBuildFailed).
		Where("submissions.deleted_at IS NULL").
		Order("submissions.team_id, submissions.version DESC").
		Scan(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load eligible submissions: %w", err)
	}
	return entries, nil
}

// recentPairs collects the team pairings of every match created inside the
// lookback window, keyed order-independently.
func (s *PairingService) recentPairs(ctx context.Context) (map[string]bool, error) {
	since := time.Now().Add(-time.Duration(s.LookbackSeconds) * time.Second)

	type row struct {
		MatchID string
		TeamID  string
	}
	var rows []row
	err := s.DB.WithContext(ctx).
		Table("match_participants").
		Select("match_participants.match_id, submissions.team_id").
		Joins("JOIN matches ON matches.id = match_participants.match_id").
		Joins("JOIN submissions ON submissions.id = match_participants.submission_id").
		Where("matches.created_at > ?", since).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load recent matches: %w", err)
	}

	teamsByMatch := map[string][]string{}
	for _, r := range rows {
		teamsByMatch[r.MatchID] = append(teamsByMatch[r.MatchID], r.TeamID)
	}
	pairs := map[string]bool{}
	for _, teams := range teamsByMatch {
		if len(teams) == 2 {
			pairs[pairKey(teams[0], teams[1])] = true
		}
	}
	return pairs, nil
}

// choosePair draws a random pairing whose teams haven't met recently.
// Bounded tries keep the arena from spinning when few fresh pairings remain.
func choosePair(entries []models.SubmissionEntry, recent map[string]bool, rng *rand.Rand) (models.SubmissionEntry, models.SubmissionEntry, error) {
	var zero models.SubmissionEntry
	if len(entries) < 2 {
		return zero, zero, ErrInsufficientTeams
	}

	for try := 0; try < 200; try++ {
		i := rng.Intn(len(entries))
		j := rng.Intn(len(entries))
		if i == j {
			continue
		}
		if recent[pairKey(entries[i].TeamID, entries[j].TeamID)] {
			continue
		}
		return entries[i], entries[j], nil
	}
	return zero, zero, ErrNoFreshPairing
}

// GenerateNonRecentPairing picks two teams that haven't played each other
// inside the lookback window and enqueues a best-of-one match for them.
func (s *PairingService) GenerateNonRecentPairing(ctx context.Context) (*models.Match, error) {
	entries, err := s.LatestEligibleSubmissions(ctx)
	if err != nil {
		return nil, err
	}
	recent, err := s.recentPairs(ctx)
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	a, b, err := choosePair(entries, recent, rng)
	if err != nil {
		return nil, err
	}

	log.Printf("pairing %s vs %s", a.TeamName, b.TeamName)
	return s.CreateQueuedMatch(ctx, a.ID, b.ID, 1, nil, nil)
}

// CreateQueuedMatch inserts a queued match with its two participant rows in
// one transaction. bestOf must be odd; RequiredWins is derived from it.
func (s *PairingService) CreateQueuedMatch(ctx context.Context, subA, subB string, bestOf int, tournamentID, nodeID *string) (*models.Match, error) {
	if bestOf < 1 || bestOf%2 == 0 {
		return nil, fmt.Errorf("%w: best-of-%d", ErrInvalidSeriesLength, bestOf)
	}

	match := &models.Match{
		TournamentID:  tournamentID,
		BracketNodeID: nodeID,
		BestOf:        bestOf,
		RequiredWins:  bestOf/2 + 1,
		Status:        models.MatchStatusQueued,
	}

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(match).Error; err != nil {
			return err
		}
		for slot, subID := range []string{subA, subB} {
			part := models.MatchParticipant{
				MatchID:      match.ID,
				SubmissionID: subID,
				Slot:         slot,
			}
			if err := tx.Create(&part).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue match: %w", err)
	}

	log.Printf("queued match %s (%s vs %s, best of %d)", match.ID, subA, subB, bestOf)
	return match, nil
}
