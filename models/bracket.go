package models

type BracketNodeStatus string

const (
	BracketNodePending   BracketNodeStatus = "pending"
	BracketNodeScheduled BracketNodeStatus = "scheduled"
	BracketNodeComplete  BracketNodeStatus = "complete"
)

// Tournament is one N-elimination, best-of-K event over a frozen set of
// eligible teams. The tournament owns its whole node tree via TournamentID.
type Tournament struct {
	ID            string  `json:"id" gorm:"primaryKey;type:uuid;default:gen_random_uuid()"`
	GameName      string  `json:"game_name" gorm:"not null"`
	EliminationN  int     `json:"elimination_n" gorm:"default:2"`
	BestOf        int     `json:"best_of" gorm:"default:1"`
	ReuseOldGames bool    `json:"reuse_old_games" gorm:"default:false"`
	Completed     bool    `json:"completed" gorm:"default:false;index"`
	WinnerTeamID  *string `json:"winner_team_id,omitempty"`
	OutputFile    string  `json:"output_file,omitempty"` // dot snapshot destination

	Nodes []BracketNode `json:"nodes,omitempty" gorm:"foreignKey:TournamentID"`

	Timestamps
}

// BracketNode is one slot in the tournament tree. Feeders are shared
// ancestors — a node never owns them, the tournament does. An inverted edge
// means the feeder's *loser* flows in (N-elimination loser re-seeding).
type BracketNode struct {
	ID           string            `json:"id" gorm:"primaryKey;type:uuid;default:gen_random_uuid()"`
	TournamentID string            `json:"tournament_id" gorm:"index:idx_tournament_tree_key,unique;not null"`
	TreeKey      string            `json:"tree_key" gorm:"index:idx_tournament_tree_key,unique;not null"` // stable position key, survives restarts
	Round        int               `json:"round"`
	Slot         int               `json:"slot"`
	Status       BracketNodeStatus `json:"status" gorm:"type:varchar(16);default:'pending';index"`

	LeftFeederID  *string `json:"left_feeder_id,omitempty"`
	RightFeederID *string `json:"right_feeder_id,omitempty"`
	LeftInverted  bool    `json:"left_inverted" gorm:"default:false"`
	RightInverted bool    `json:"right_inverted" gorm:"default:false"`

	// Occupants are only ever set once both feeders are complete (or the node
	// is a pre-seeded first-round leaf). "" marks an unseated side, "BYE" a bye.
	LeftTeamID  string `json:"left_team_id,omitempty"`
	RightTeamID string `json:"right_team_id,omitempty"`

	MatchID      *string `json:"match_id,omitempty" gorm:"index"`
	WinnerTeamID string  `json:"winner_team_id,omitempty"`
	LoserTeamID  string  `json:"loser_team_id,omitempty"`
	LogURL       string  `json:"log_url,omitempty"`

	Timestamps
}

// TournamentSeed freezes one entrant: the team and the exact submission it
// competes with for the whole event. Later uploads don't join mid-bracket.
type TournamentSeed struct {
	ID           string `json:"id" gorm:"primaryKey;type:uuid;default:gen_random_uuid()"`
	TournamentID string `json:"tournament_id" gorm:"index:idx_tournament_team,unique;not null"`
	TeamID       string `json:"team_id" gorm:"index:idx_tournament_team,unique;not null"`
	SubmissionID string `json:"submission_id" gorm:"not null"`
	TeamName     string `json:"team_name"`

	Timestamps
}
