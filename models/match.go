package models

import "time"

type MatchStatus string

// Linear pipeline states plus the terminal failure branch. Every transition
// is persisted so a restarted orchestrator can tell where a match died.
const (
	MatchStatusQueued       MatchStatus = "queued"
	MatchStatusClaimed      MatchStatus = "claimed"
	MatchStatusFetched      MatchStatus = "fetched"
	MatchStatusVerified     MatchStatus = "verified"
	MatchStatusBuilt        MatchStatus = "built"
	MatchStatusSessionReady MatchStatus = "session_ready"
	MatchStatusPlaying      MatchStatus = "playing"
	MatchStatusFinished     MatchStatus = "finished"
	MatchStatusPublished    MatchStatus = "published"
	MatchStatusRecorded     MatchStatus = "recorded"
	MatchStatusFailed       MatchStatus = "failed"
	MatchStatusTimedOut     MatchStatus = "timed_out"
)

// Terminal reports whether a match has reached a state the arena will never
// move it out of.
func (s MatchStatus) Terminal() bool {
	return s == MatchStatusRecorded || s == MatchStatusFailed || s == MatchStatusTimedOut
}

// Match is a best-of-K series between two submissions. Matches are never
// deleted, only transitioned — the full history is the audit trail.
type Match struct {
	ID            string      `json:"id" gorm:"primaryKey;type:uuid;default:gen_random_uuid()"`
	TournamentID  *string     `json:"tournament_id,omitempty" gorm:"index"` // nil = ad-hoc arena match
	BracketNodeID *string     `json:"bracket_node_id,omitempty" gorm:"index"`
	BestOf        int         `json:"best_of" gorm:"default:1"`
	RequiredWins  int         `json:"required_wins" gorm:"default:1"`
	Status        MatchStatus `json:"status" gorm:"type:varchar(16);default:'queued';index"`

	// Lease — the cross-process mutual exclusion primitive. A match is owned
	// by whichever worker holds an unexpired lease on it.
	LeaseOwner     string     `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty" gorm:"index"`

	Deadline *time.Time `json:"deadline,omitempty"`

	// Outcome
	WinnerSubmissionID *string    `json:"winner_submission_id,omitempty" gorm:"index"`
	WinReason          string     `json:"win_reason,omitempty"`
	LoseReason         string     `json:"lose_reason,omitempty"`
	FailReason         string     `json:"fail_reason,omitempty"`
	GameLogURL         string     `json:"game_log_url,omitempty"`
	ReusedFromID       *string    `json:"reused_from_id,omitempty" gorm:"index"` // prior match whose result was reused
	CompletedAt        *time.Time `json:"completed_at,omitempty"`

	Participants []MatchParticipant `json:"participants,omitempty" gorm:"foreignKey:MatchID"`
	Games        []MatchGame        `json:"games,omitempty" gorm:"foreignKey:MatchID"`

	Timestamps
}

// MatchParticipant joins a match to one competing submission. Slot fixes the
// seat order handed to the game server.
type MatchParticipant struct {
	ID           string `json:"id" gorm:"primaryKey;type:uuid;default:gen_random_uuid()"`
	MatchID      string `json:"match_id" gorm:"index;not null"`
	SubmissionID string `json:"submission_id" gorm:"index;not null"`
	Slot         int    `json:"slot" gorm:"not null"`
	OutputLogURL string `json:"output_log_url,omitempty"` // container stdout/stderr

	Submission Submission `json:"submission,omitempty" gorm:"foreignKey:SubmissionID"`

	Timestamps
}

// MatchGame is one played game inside a series. Rows are append-only.
type MatchGame struct {
	ID                 string  `json:"id" gorm:"primaryKey;type:uuid;default:gen_random_uuid()"`
	MatchID            string  `json:"match_id" gorm:"index;not null"`
	GameNumber         int     `json:"game_number" gorm:"not null"`
	WinnerSubmissionID *string `json:"winner_submission_id,omitempty"`
	WinReason          string  `json:"win_reason,omitempty"`
	LoseReason         string  `json:"lose_reason,omitempty"`
	LogURL             string  `json:"log_url,omitempty"`

	Timestamps
}
