package services

import "errors"

// Failure taxonomy. Transient errors are retried with bounded backoff;
// validation errors are terminal and attributed to the submitting team;
// contract violations are never swallowed.
var (
	// Transient
	ErrDownload     = errors.New("submission download failed")
	ErrSessionSetup = errors.New("game server session setup failed")

	// Validation — terminal for the submission's build attempt
	ErrCorruptArchive      = errors.New("submission archive is corrupt")
	ErrInvalidStructure    = errors.New("submission has invalid directory structure")
	ErrUnknownLanguage     = errors.New("submission uses an unknown language")
	ErrBuild               = errors.New("container build failed")
	ErrInsufficientTeams   = errors.New("not enough eligible teams")
	ErrInvalidSeriesLength = errors.New("series length must be odd")

	// Scheduling
	ErrAlreadyClaimed = errors.New("match lease is held by another worker")
	ErrNoQueuedMatch  = errors.New("no queued match available")
	ErrNoFreshPairing = errors.New("unable to generate non-recent pairing")

	// Contract violations — indicate a consistency bug, always fatal
	ErrOccupantConflict = errors.New("bracket node occupant determined twice")
	ErrUnknownNode      = errors.New("bracket node not found in tree")
)
