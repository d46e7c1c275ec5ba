package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"

	"code-arena-system/models"
)

// Fetcher retrieves and verifies submission archives.
type Fetcher interface {
	Fetch(sub *models.Submission) (string, error)
	Verify(extractedDir string) (language, clientDir string, err error)
}

// Builder produces a runnable image from a verified submission.
type Builder interface {
	Build(ctx context.Context, sub *models.Submission, teamName, clientDir string) (tag string, buildLog []byte, err error)
	ImageExists(ctx context.Context, tag string) (bool, error)
}

// SessionRunner opens sessions on the game server and supervises play.
type SessionRunner interface {
	OpenSession(ctx context.Context, matchID string, parts []ParticipantRef, gameNumber int) (*GameSession, error)
	RunAndSupervise(ctx context.Context, sess *GameSession, parts []ParticipantRef, deadline time.Time) (*SessionOutcome, error)
}

// Publisher ships artifacts (build logs, gamelogs, client output) to object
// storage and returns their public URL.
type Publisher interface {
	Publish(ctx context.Context, key string, body []byte) (string, error)
	PublishFile(ctx context.Context, key, localPath string) (string, error)
}

type buildResult struct {
	submissionID string
	tag          string
	buildLog     []byte
	err          error
}

// MatchOrchestrator drives a claimed match through its whole lifecycle:
// fetch, verify, build, play the series, publish artifacts, record. Every
// path out of Run — win, timeout, bad submission, arena fault — ends in a
// recorded terminal state; the match is never left in limbo.
type MatchOrchestrator struct {
	Store    MatchStore
	Fetcher  Fetcher
	Builder  Builder
	Sessions SessionRunner
	Pub      Publisher

	WorkerID     string
	LeaseTTL     time.Duration
	MatchTimeout time.Duration

	// OnRecorded fires after a terminal state lands, used by the tournament
	// layer to advance the bracket.
	OnRecorded func(ctx context.Context, match *models.Match, out *MatchOutcome)
}

func NewMatchOrchestrator(store MatchStore, fetcher Fetcher, builder Builder, sessions SessionRunner, pub Publisher) *MatchOrchestrator {
	timeout := 300 * time.Second
	if raw := os.Getenv("MATCH_TIMEOUT"); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			timeout = time.Duration(secs) * time.Second
		} else {
			log.Printf("⚠️  Invalid MATCH_TIMEOUT %q, using 300", raw)
		}
	}

	return &MatchOrchestrator{
		Store:    store,
		Fetcher:  fetcher,
		Builder:  builder,
		Sessions: sessions,
		Pub:      pub,
		WorkerID: uuid.NewString(),
		// The lease outlives the playing deadline so a slow publish is not
		// mistaken for a dead worker.
		LeaseTTL:     2 * timeout,
		MatchTimeout: timeout,
	}
}

// ClaimNext pulls the oldest queued match under this worker's lease.
func (o *MatchOrchestrator) ClaimNext(ctx context.Context) (*models.Match, error) {
	return o.Store.ClaimNext(ctx, o.WorkerID, o.LeaseTTL)
}

// Claim takes one specific match, failing if another live lease holds it.
func (o *MatchOrchestrator) Claim(ctx context.Context, matchID string) (*models.Match, error) {
	return o.Store.Claim(ctx, matchID, o.WorkerID, o.LeaseTTL)
}

// Run executes the pipeline for an already-claimed match and always records
// a terminal outcome, even when a stage blew up.
func (o *MatchOrchestrator) Run(ctx context.Context, m *models.Match) error {
	if len(m.Participants) != 2 {
		return fmt.Errorf("match %s has %d participants, want 2", m.ID, len(m.Participants))
	}

	out, err := o.runPipeline(ctx, m)
	if err != nil {
		log.Printf("❌ Match %s failed: %v", m.ID, err)
		if out == nil {
			out = o.arenaFailure(m, err)
		}
	}

	if recErr := o.Store.RecordOutcome(ctx, m, out); recErr != nil {
		return fmt.Errorf("failed to record match %s: %w", m.ID, recErr)
	}
	log.Printf("✅ Match %s recorded as %s", m.ID, out.Status)

	if o.OnRecorded != nil {
		m.Status = out.Status
		m.WinnerSubmissionID = out.WinnerSubmissionID
		m.GameLogURL = out.GameLogURL
		o.OnRecorded(ctx, m, out)
	}
	return err
}

func (o *MatchOrchestrator) runPipeline(ctx context.Context, m *models.Match) (*MatchOutcome, error) {
	// Fetch both archives; download hiccups are retried, a rotten archive is
	// pinned on its submitter.
	dirs := map[string]string{}
	for i := range m.Participants {
		p := &m.Participants[i]
		dir, err := o.fetchWithRetry(ctx, &p.Submission)
		if err != nil {
			if errors.Is(err, ErrCorruptArchive) {
				report := fmt.Sprintf("submission rejected before build:\n%v\n", err)
				url, pubErr := o.Pub.Publish(ctx, buildLogKey(p.SubmissionID), []byte(report))
				if pubErr != nil {
					log.Printf("⚠️  Failed to publish rejection report for %s: %v", p.SubmissionID, pubErr)
				}
				if markErr := o.Store.MarkSubmissionFailed(ctx, p.SubmissionID, url); markErr != nil {
					log.Printf("⚠️  Failed to mark submission %s failed: %v", p.SubmissionID, markErr)
				}
				return o.forfeit(ctx, m, p.SubmissionID, "submitted archive is corrupt", err)
			}
			return nil, err
		}
		dirs[p.SubmissionID] = dir
	}
	if err := o.transition(ctx, m, models.MatchStatusFetched); err != nil {
		return nil, err
	}

	// Verify layout and detect language.
	clientDirs := map[string]string{}
	for i := range m.Participants {
		p := &m.Participants[i]
		lang, clientDir, err := o.Fetcher.Verify(dirs[p.SubmissionID])
		if err != nil {
			report := fmt.Sprintf("submission rejected before build:\n%v\n", err)
			url, pubErr := o.Pub.Publish(ctx, buildLogKey(p.SubmissionID), []byte(report))
			if pubErr != nil {
				log.Printf("⚠️  Failed to publish rejection report for %s: %v", p.SubmissionID, pubErr)
			}
			if markErr := o.Store.MarkSubmissionFailed(ctx, p.SubmissionID, url); markErr != nil {
				log.Printf("⚠️  Failed to mark submission %s failed: %v", p.SubmissionID, markErr)
			}
			return o.forfeit(ctx, m, p.SubmissionID, "submission failed verification", err)
		}
		clientDirs[p.SubmissionID] = clientDir
		p.Submission.Language = lang
		if err := o.Store.SetSubmissionLanguage(ctx, p.SubmissionID, lang); err != nil {
			return nil, err
		}
	}
	if err := o.transition(ctx, m, models.MatchStatusVerified); err != nil {
		return nil, err
	}

	// Build both images in parallel; each build log is published win or lose.
	results := make(chan buildResult, len(m.Participants))
	var wg sync.WaitGroup
	for i := range m.Participants {
		p := &m.Participants[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			tag, buildLog, err := o.Builder.Build(ctx, &p.Submission, p.Submission.Team.Name, clientDirs[p.SubmissionID])
			results <- buildResult{submissionID: p.SubmissionID, tag: tag, buildLog: buildLog, err: err}
		}()
	}
	wg.Wait()
	close(results)

	byID := map[string]buildResult{}
	for res := range results {
		url, pubErr := o.Pub.Publish(ctx, buildLogKey(res.submissionID), res.buildLog)
		if pubErr != nil {
			log.Printf("⚠️  Failed to publish build log for %s: %v", res.submissionID, pubErr)
		}
		if res.err == nil {
			if markErr := o.Store.MarkSubmissionBuilt(ctx, res.submissionID, res.tag, url); markErr != nil {
				log.Printf("⚠️  Failed to mark submission %s built: %v", res.submissionID, markErr)
			}
		} else if errors.Is(res.err, ErrBuild) {
			if markErr := o.Store.MarkSubmissionFailed(ctx, res.submissionID, url); markErr != nil {
				log.Printf("⚠️  Failed to mark submission %s failed: %v", res.submissionID, markErr)
			}
		}
		byID[res.submissionID] = res
	}

	// Evaluate in slot order so a double failure resolves deterministically.
	tags := map[string]string{}
	for _, p := range m.Participants {
		res := byID[p.SubmissionID]
		if res.err != nil {
			if errors.Is(res.err, ErrBuild) {
				return o.forfeit(ctx, m, res.submissionID, "submission failed to build", res.err)
			}
			return nil, res.err
		}
		tags[res.submissionID] = res.tag
	}
	if err := o.transition(ctx, m, models.MatchStatusBuilt); err != nil {
		return nil, err
	}

	return o.playSeries(ctx, m, tags)
}

// playSeries runs games until a side reaches RequiredWins, the series
// deadline passes, or the arena faults. One session per game; the first
// player alternates every game so neither side keeps a seating advantage.
func (o *MatchOrchestrator) playSeries(ctx context.Context, m *models.Match, tags map[string]string) (*MatchOutcome, error) {
	out := &MatchOutcome{
		Status:     models.MatchStatusRecorded,
		OutputURLs: map[string]string{},
	}
	deadline := time.Now().Add(o.MatchTimeout)

	base := make([]ParticipantRef, len(m.Participants))
	for i, p := range m.Participants {
		base[i] = ParticipantRef{
			SubmissionID: p.SubmissionID,
			TeamName:     p.Submission.Team.Name,
			ImageTag:     tags[p.SubmissionID],
			Slot:         p.Slot,
		}
	}

	var lastGamelog, lastSession string
	lastOutputs := map[string]string{}

	for gameNo := 1; ; gameNo++ {
		parts := seatsForGame(base, gameNo)

		sess, err := o.Sessions.OpenSession(ctx, m.ID, parts, gameNo)
		if err != nil {
			return nil, err
		}
		if gameNo == 1 {
			if err := o.transition(ctx, m, models.MatchStatusSessionReady); err != nil {
				return nil, err
			}
			if err := o.transition(ctx, m, models.MatchStatusPlaying); err != nil {
				return nil, err
			}
		}

		res, err := o.Sessions.RunAndSupervise(ctx, sess, parts, deadline)
		if err != nil {
			return nil, err
		}
		lastSession = sess.Name
		for sub, path := range res.OutputPaths {
			lastOutputs[sub] = path
		}
		if res.GamelogPath != "" {
			lastGamelog = res.GamelogPath
		}

		var winnerID *string
		if res.WinnerSubmissionID != "" {
			id := res.WinnerSubmissionID
			winnerID = &id
		}
		out.Games = append(out.Games, models.MatchGame{
			GameNumber:         gameNo,
			WinnerSubmissionID: winnerID,
			WinReason:          res.WinReason,
			LoseReason:         res.LoseReason,
		})
		out.WinnerSubmissionID = winnerID
		out.WinReason = res.WinReason
		out.LoseReason = res.LoseReason

		if res.TimedOut {
			out.Status = models.MatchStatusTimedOut
			out.FailReason = "series exceeded the match timeout"
			break
		}
		if seriesWinner(out.Games, m.RequiredWins) != "" {
			break
		}
	}

	if err := o.transition(ctx, m, models.MatchStatusFinished); err != nil {
		return nil, err
	}

	// Publish artifacts of the deciding game. Keys are deterministic, so a
	// crash between publish and record just re-uploads the same objects.
	if lastGamelog != "" {
		url, err := o.Pub.PublishFile(ctx, gamelogKey(m.ID, lastGamelog), lastGamelog)
		if err != nil {
			log.Printf("⚠️  Failed to publish gamelog for match %s: %v", m.ID, err)
		} else {
			out.GameLogURL = url
		}
	}
	for subID, path := range lastOutputs {
		url, err := o.Pub.PublishFile(ctx, outputKey(subID, lastSession), path)
		if err != nil {
			log.Printf("⚠️  Failed to publish client output for %s: %v", subID, err)
			continue
		}
		out.OutputURLs[subID] = url
	}
	if err := o.transition(ctx, m, models.MatchStatusPublished); err != nil {
		return nil, err
	}

	return out, nil
}

// seatsForGame alternates who sits in seat 0 from game to game.
func seatsForGame(base []ParticipantRef, gameNo int) []ParticipantRef {
	parts := make([]ParticipantRef, len(base))
	copy(parts, base)
	if gameNo%2 == 0 && len(parts) == 2 {
		parts[0], parts[1] = parts[1], parts[0]
		parts[0].Slot, parts[1].Slot = 0, 1
	}
	return parts
}

// seriesWinner reports which submission holds enough wins, or "" while the
// series is still open.
func seriesWinner(games []models.MatchGame, requiredWins int) string {
	wins := map[string]int{}
	for _, g := range games {
		if g.WinnerSubmissionID == nil {
			continue
		}
		wins[*g.WinnerSubmissionID]++
		if wins[*g.WinnerSubmissionID] >= requiredWins {
			return *g.WinnerSubmissionID
		}
	}
	return ""
}

func (o *MatchOrchestrator) fetchWithRetry(ctx context.Context, sub *models.Submission) (string, error) {
	var dir string
	op := func() error {
		d, err := o.Fetcher.Fetch(sub)
		if err != nil {
			if errors.Is(err, ErrDownload) {
				return err // transient, retry
			}
			return backoff.Permanent(err)
		}
		dir = d
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return "", perm.Err
		}
		return "", err
	}
	return dir, nil
}

// forfeit resolves a match where one submission is at fault: the opponent
// wins by walkover and the match still reaches a terminal recorded state.
func (o *MatchOrchestrator) forfeit(ctx context.Context, m *models.Match, atFaultSubID, reason string, cause error) (*MatchOutcome, error) {
	out := &MatchOutcome{
		Status:     models.MatchStatusFailed,
		LoseReason: reason,
		FailReason: cause.Error(),
		OutputURLs: map[string]string{},
	}
	for _, p := range m.Participants {
		if p.SubmissionID != atFaultSubID {
			id := p.SubmissionID
			out.WinnerSubmissionID = &id
			out.WinReason = "opponent forfeited: " + reason
			break
		}
	}
	log.Printf("⚠️  Match %s: submission %s forfeits (%s)", m.ID, atFaultSubID, reason)
	return out, nil
}

// arenaFailure covers faults not attributable to either submission (docker
// daemon down, game server unreachable). No winner is declared; the
// tournament layer reschedules the pairing.
func (o *MatchOrchestrator) arenaFailure(m *models.Match, cause error) *MatchOutcome {
	return &MatchOutcome{
		Status:     models.MatchStatusFailed,
		FailReason: cause.Error(),
		OutputURLs: map[string]string{},
	}
}

func (o *MatchOrchestrator) transition(ctx context.Context, m *models.Match, status models.MatchStatus) error {
	if err := o.Store.UpdateStatus(ctx, m.ID, status); err != nil {
		return fmt.Errorf("failed to move match %s to %s: %w", m.ID, status, err)
	}
	m.Status = status
	log.Printf("match %s: %s", m.ID, status)
	return nil
}

func buildLogKey(submissionID string) string {
	return fmt.Sprintf("buildlogs/dockerbuild_%s", submissionID)
}

func gamelogKey(matchID, localPath string) string {
	return fmt.Sprintf("gamelogs/%s_%s", matchID, filepath.Base(localPath))
}

func outputKey(submissionID, session string) string {
	return fmt.Sprintf("outputs/stdout_stderr_%s_%s", submissionID, session)
}
