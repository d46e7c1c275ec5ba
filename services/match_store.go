package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"code-arena-system/models"
)

// MatchOutcome is everything Record writes in one transaction.
type MatchOutcome struct {
	Status             models.MatchStatus // recorded, timed_out or failed
	WinnerSubmissionID *string
	WinReason          string
	LoseReason         string
	FailReason         string
	GameLogURL         string
	OutputURLs         map[string]string // submission ID -> artifact URL
	Games              []models.MatchGame
}

// MatchStore is the work-store surface the orchestrator needs. The lease
// columns on matches are the cross-process mutual exclusion primitive: no
// in-memory lock survives a second orchestrator instance.
type MatchStore interface {
	ClaimNext(ctx context.Context, owner string, leaseTTL time.Duration) (*models.Match, error)
	Claim(ctx context.Context, matchID, owner string, leaseTTL time.Duration) (*models.Match, error)
	UpdateStatus(ctx context.Context, matchID string, status models.MatchStatus) error
	SetSubmissionLanguage(ctx context.Context, submissionID, language string) error
	MarkSubmissionBuilt(ctx context.Context, submissionID, imageTag, buildLogURL string) error
	MarkSubmissionFailed(ctx context.Context, submissionID, buildLogURL string) error
	RecordOutcome(ctx context.Context, match *models.Match, out *MatchOutcome) error
}

// terminalMatchStatuses mirrors MatchStatus.Terminal for SQL guards: the
// exactly-once check in RecordOutcome and the lease sweep both filter on it.
var terminalMatchStatuses = []models.MatchStatus{
	models.MatchStatusRecorded, models.MatchStatusFailed, models.MatchStatusTimedOut,
}

// leaseHeld reports whether another worker's lease on the match is still
// live. Re-entrant for the owner; an expired or absent lease never blocks.
func leaseHeld(m *models.Match, owner string, now time.Time) bool {
	return m.LeaseOwner != "" && m.LeaseOwner != owner &&
		m.LeaseExpiresAt != nil && m.LeaseExpiresAt.After(now)
}

// GormMatchStore implements MatchStore against Postgres.
type GormMatchStore struct {
	DB *gorm.DB
}

func NewGormMatchStore(db *gorm.DB) *GormMatchStore {
	return &GormMatchStore{DB: db}
}

// ClaimNext atomically claims the oldest queued match: SELECT ... FOR UPDATE
// SKIP LOCKED keeps two workers from ever grabbing the same row. Returns
// ErrNoQueuedMatch when the queue is empty.
func (s *GormMatchStore) ClaimNext(ctx context.Context, owner string, leaseTTL time.Duration) (*models.Match, error) {
	var claimed models.Match

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ?", models.MatchStatusQueued).
			Order("created_at ASC").
			First(&claimed).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNoQueuedMatch
		}
		if err != nil {
			return err
		}
		return s.applyLease(tx, &claimed, owner, leaseTTL)
	})
	if err != nil {
		return nil, err
	}

	return s.loadMatch(ctx, claimed.ID)
}

// Claim takes the lease on one specific match. Fails with ErrAlreadyClaimed
// while another worker's lease is still live.
func (s *GormMatchStore) Claim(ctx context.Context, matchID, owner string, leaseTTL time.Duration) (*models.Match, error) {
	var m models.Match

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&m, "id = ?", matchID).Error
		if err != nil {
			return err
		}
		if m.Status.Terminal() {
			return fmt.Errorf("match %s already terminal (%s)", matchID, m.Status)
		}
		if leaseHeld(&m, owner, time.Now()) {
			return ErrAlreadyClaimed
		}
		return s.applyLease(tx, &m, owner, leaseTTL)
	})
	if err != nil {
		return nil, err
	}

	return s.loadMatch(ctx, matchID)
}

func (s *GormMatchStore) applyLease(tx *gorm.DB, m *models.Match, owner string, leaseTTL time.Duration) error {
	expires := time.Now().Add(leaseTTL)
	deadline := time.Now().Add(leaseTTL / 2)
	return tx.Model(m).Updates(map[string]interface{}{
		"status":           models.MatchStatusClaimed,
		"lease_owner":      owner,
		"lease_expires_at": expires,
		"deadline":         deadline,
	}).Error
}

func (s *GormMatchStore) loadMatch(ctx context.Context, matchID string) (*models.Match, error) {
	var m models.Match
	err := s.DB.WithContext(ctx).
		Preload("Participants", func(db *gorm.DB) *gorm.DB { return db.Order("slot ASC") }).
		Preload("Participants.Submission").
		Preload("Participants.Submission.Team").
		Preload("Games").
		First(&m, "id = ?", matchID).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *GormMatchStore) UpdateStatus(ctx context.Context, matchID string, status models.MatchStatus) error {
	return s.DB.WithContext(ctx).Model(&models.Match{}).
		Where("id = ?", matchID).
		Update("status", status).Error
}

func (s *GormMatchStore) SetSubmissionLanguage(ctx context.Context, submissionID, language string) error {
	return s.DB.WithContext(ctx).Model(&models.Submission{}).
		Where("id = ?", submissionID).
		Update("language", language).Error
}

func (s *GormMatchStore) MarkSubmissionBuilt(ctx context.Context, submissionID, imageTag, buildLogURL string) error {
	return s.DB.WithContext(ctx).Model(&models.Submission{}).
		Where("id = ?", submissionID).
		Updates(map[string]interface{}{
			"status":        models.SubmissionStatusBuilt,
			"image_tag":     imageTag,
			"build_log_url": buildLogURL,
		}).Error
}

// MarkSubmissionFailed flags the build attempt as failed. The row is never
// rewritten back to healthy — teams retry by uploading a new version.
func (s *GormMatchStore) MarkSubmissionFailed(ctx context.Context, submissionID, buildLogURL string) error {
	return s.DB.WithContext(ctx).Model(&models.Submission{}).
		Where("id = ?", submissionID).
		Updates(map[string]interface{}{
			"status":        models.SubmissionStatusBuildFailed,
			"build_log_url": buildLogURL,
		}).Error
}

// RecordOutcome writes the terminal state, appended game rows, participant
// log URLs and the lease release in a single transaction. The guarded WHERE
// makes it exactly-once: a second record of the same match is a no-op.
func (s *GormMatchStore) RecordOutcome(ctx context.Context, match *models.Match, out *MatchOutcome) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		res := tx.Model(&models.Match{}).
			Where("id = ? AND status NOT IN ?", match.ID, terminalMatchStatuses).
			Updates(map[string]interface{}{
				"status":               out.Status,
				"winner_submission_id": out.WinnerSubmissionID,
				"win_reason":           out.WinReason,
				"lose_reason":          out.LoseReason,
				"fail_reason":          out.FailReason,
				"game_log_url":         out.GameLogURL,
				"completed_at":         now,
				"lease_owner":          "",
				"lease_expires_at":     nil,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			log.Printf("match %s already recorded, skipping duplicate record", match.ID)
			return nil
		}

		for i := range out.Games {
			out.Games[i].MatchID = match.ID
			if err := tx.Create(&out.Games[i]).Error; err != nil {
				return err
			}
		}

		for subID, url := range out.OutputURLs {
			err := tx.Model(&models.MatchParticipant{}).
				Where("match_id = ? AND submission_id = ?", match.ID, subID).
				Update("output_log_url", url).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// RequeueExpired returns stalled matches to the queue: non-terminal, not
// already queued, lease lapsed. Run periodically so a crashed worker's match
// is picked up by a healthy one.
func (s *GormMatchStore) RequeueExpired(ctx context.Context) (int64, error) {
	res := s.DB.WithContext(ctx).Model(&models.Match{}).
		Where("status NOT IN ? AND status <> ? AND lease_expires_at < ?",
			terminalMatchStatuses,
			models.MatchStatusQueued,
			time.Now(),
		).
		Updates(map[string]interface{}{
			"status":           models.MatchStatusQueued,
			"lease_owner":      "",
			"lease_expires_at": nil,
		})
	return res.RowsAffected, res.Error
}
