package models

type SubmissionStatus string

const (
	SubmissionStatusUnbuilt     SubmissionStatus = "unbuilt"
	SubmissionStatusBuilding    SubmissionStatus = "building"
	SubmissionStatusBuilt       SubmissionStatus = "built"
	SubmissionStatusBuildFailed SubmissionStatus = "build_failed"
)

// Submission is one packaged upload of a team's code. Versions are monotonic
// per team; the schedulers always pick the highest non-failed version.
// A successfully built submission is immutable — a failed build is retried by
// uploading a new version, never by rewriting an old row.
type Submission struct {
	ID         string           `json:"id" gorm:"primaryKey;type:uuid;default:gen_random_uuid()"`
	TeamID     string           `json:"team_id" gorm:"index;not null"`
	Version    int              `json:"version" gorm:"not null;index:idx_team_version"`
	ArchiveURL string           `json:"archive_url" gorm:"not null"` // packaged zip location
	Language   string           `json:"language"`                    // detected at verify time (py, cpp, ...)
	Status     SubmissionStatus `json:"status" gorm:"type:varchar(16);default:'unbuilt';index"`

	// Build artifacts
	ImageTag    string `json:"image_tag,omitempty"`
	BuildLogURL string `json:"build_log_url,omitempty"`

	Team Team `json:"team,omitempty" gorm:"foreignKey:TeamID"`

	Timestamps
}

// SubmissionEntry is the flattened row the schedulers work with (submission
// joined against its owning team).
type SubmissionEntry struct {
	ID       string `json:"id"`
	TeamID   string `json:"team_id"`
	TeamName string `json:"team_name"`
	Version  int    `json:"version"`
	Status   string `json:"status"`
}
