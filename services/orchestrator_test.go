package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"code-arena-system/models"
)

type fakeStore struct {
	mu         sync.Mutex
	statuses   []models.MatchStatus
	outcome    *MatchOutcome
	recorded   int
	failedSubs map[string]string
	builtSubs  map[string]string
	languages  map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		failedSubs: map[string]string{},
		builtSubs:  map[string]string{},
		languages:  map[string]string{},
	}
}

func (s *fakeStore) ClaimNext(ctx context.Context, owner string, ttl time.Duration) (*models.Match, error) {
	return nil, ErrNoQueuedMatch
}

func (s *fakeStore) Claim(ctx context.Context, matchID, owner string, ttl time.Duration) (*models.Match, error) {
	return nil, ErrAlreadyClaimed
}

func (s *fakeStore) UpdateStatus(ctx context.Context, matchID string, status models.MatchStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
	return nil
}

func (s *fakeStore) SetSubmissionLanguage(ctx context.Context, submissionID, language string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.languages[submissionID] = language
	return nil
}

func (s *fakeStore) MarkSubmissionBuilt(ctx context.Context, submissionID, imageTag, buildLogURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.builtSubs[submissionID] = imageTag
	return nil
}

func (s *fakeStore) MarkSubmissionFailed(ctx context.Context, submissionID, buildLogURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failedSubs[submissionID] = buildLogURL
	return nil
}

func (s *fakeStore) RecordOutcome(ctx context.Context, match *models.Match, out *MatchOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recorded++
	s.outcome = out
	return nil
}

type fakeFetcher struct {
	fetchErr  map[string]error // submission ID -> error
	verifyErr error
}

func (f *fakeFetcher) Fetch(sub *models.Submission) (string, error) {
	if err := f.fetchErr[sub.ID]; err != nil {
		return "", err
	}
	return "/tmp/extracted_" + sub.ID, nil
}

func (f *fakeFetcher) Verify(dir string) (string, string, error) {
	if f.verifyErr != nil {
		return "", "", f.verifyErr
	}
	return "py", dir + "/client.py", nil
}

type fakeBuilder struct {
	buildErr map[string]error
}

func (b *fakeBuilder) Build(ctx context.Context, sub *models.Submission, teamName, clientDir string) (string, []byte, error) {
	if err := b.buildErr[sub.ID]; err != nil {
		return "", []byte("build blew up\n"), err
	}
	return "arena/" + teamName + ":v1", []byte("ok\n"), nil
}

func (b *fakeBuilder) ImageExists(ctx context.Context, tag string) (bool, error) {
	return false, nil
}

type fakeSessions struct {
	mu       sync.Mutex
	results  []*SessionOutcome
	sessions []string
	seats    [][]ParticipantRef
	openErr  error
}

func (f *fakeSessions) OpenSession(ctx context.Context, matchID string, parts []ParticipantRef, gameNumber int) (*GameSession, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	name := fmt.Sprintf("arena_%s_g%d", matchID, gameNumber)
	f.sessions = append(f.sessions, name)
	f.seats = append(f.seats, parts)
	return &GameSession{Name: name, GameNumber: gameNumber}, nil
}

func (f *fakeSessions) RunAndSupervise(ctx context.Context, sess *GameSession, parts []ParticipantRef, deadline time.Time) (*SessionOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.results) == 0 {
		return nil, fmt.Errorf("no scripted result for %s", sess.Name)
	}
	res := f.results[0]
	f.results = f.results[1:]
	return res, nil
}

type fakePublisher struct {
	mu   sync.Mutex
	keys []string
}

func (p *fakePublisher) Publish(ctx context.Context, key string, body []byte) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, key)
	return "https://store/" + key, nil
}

func (p *fakePublisher) PublishFile(ctx context.Context, key, localPath string) (string, error) {
	return p.Publish(ctx, key, nil)
}

func testMatch() *models.Match {
	return &models.Match{
		ID:           "m1",
		BestOf:       3,
		RequiredWins: 2,
		Status:       models.MatchStatusClaimed,
		Participants: []models.MatchParticipant{
			{MatchID: "m1", SubmissionID: "sub-a", Slot: 0,
				Submission: models.Submission{ID: "sub-a", TeamID: "t1", Team: models.Team{ID: "t1", Name: "alpha"}}},
			{MatchID: "m1", SubmissionID: "sub-b", Slot: 1,
				Submission: models.Submission{ID: "sub-b", TeamID: "t2", Team: models.Team{ID: "t2", Name: "bravo"}}},
		},
	}
}

func testOrchestrator(store MatchStore, fetcher Fetcher, builder Builder, sessions SessionRunner, pub Publisher) *MatchOrchestrator {
	return &MatchOrchestrator{
		Store:        store,
		Fetcher:      fetcher,
		Builder:      builder,
		Sessions:     sessions,
		Pub:          pub,
		WorkerID:     "test-worker",
		LeaseTTL:     time.Minute,
		MatchTimeout: time.Minute,
	}
}

func TestRunPlaysSeriesToRequiredWins(t *testing.T) {
	store := newFakeStore()
	sessions := &fakeSessions{results: []*SessionOutcome{
		{WinnerSubmissionID: "sub-a", WinReason: "checkmate", OutputPaths: map[string]string{}},
		{WinnerSubmissionID: "sub-b", WinReason: "checkmate", OutputPaths: map[string]string{}},
		{WinnerSubmissionID: "sub-a", WinReason: "checkmate", GamelogPath: "/tmp/glog", OutputPaths: map[string]string{}},
	}}
	pub := &fakePublisher{}
	o := testOrchestrator(store, &fakeFetcher{}, &fakeBuilder{}, sessions, pub)

	var advanced *models.Match
	o.OnRecorded = func(ctx context.Context, m *models.Match, out *MatchOutcome) { advanced = m }

	require.NoError(t, o.Run(context.Background(), testMatch()))

	require.NotNil(t, store.outcome)
	assert.Equal(t, models.MatchStatusRecorded, store.outcome.Status)
	require.NotNil(t, store.outcome.WinnerSubmissionID)
	assert.Equal(t, "sub-a", *store.outcome.WinnerSubmissionID)
	assert.Len(t, store.outcome.Games, 3)
	assert.Equal(t, 1, store.recorded)

	// Every pipeline stage landed, in order.
	assert.Equal(t, []models.MatchStatus{
		models.MatchStatusFetched,
		models.MatchStatusVerified,
		models.MatchStatusBuilt,
		models.MatchStatusSessionReady,
		models.MatchStatusPlaying,
		models.MatchStatusFinished,
		models.MatchStatusPublished,
	}, store.statuses)

	assert.Equal(t, "py", store.languages["sub-a"])
	assert.Len(t, store.builtSubs, 2)
	require.NotNil(t, advanced)
	assert.Equal(t, models.MatchStatusRecorded, advanced.Status)
}

func TestRunAlternatesFirstPlayer(t *testing.T) {
	store := newFakeStore()
	sessions := &fakeSessions{results: []*SessionOutcome{
		{WinnerSubmissionID: "sub-a", OutputPaths: map[string]string{}},
		{WinnerSubmissionID: "sub-a", OutputPaths: map[string]string{}},
	}}
	o := testOrchestrator(store, &fakeFetcher{}, &fakeBuilder{}, sessions, &fakePublisher{})

	require.NoError(t, o.Run(context.Background(), testMatch()))

	require.Len(t, sessions.seats, 2)
	assert.Equal(t, "sub-a", sessions.seats[0][0].SubmissionID)
	assert.Equal(t, "sub-b", sessions.seats[1][0].SubmissionID)
	assert.Equal(t, 0, sessions.seats[1][0].Slot)
	assert.Equal(t, 1, sessions.seats[1][1].Slot)
}

func TestRunBuildFailureForfeitsAndStillRecords(t *testing.T) {
	store := newFakeStore()
	builder := &fakeBuilder{buildErr: map[string]error{
		"sub-b": fmt.Errorf("%w: exit status 2", ErrBuild),
	}}
	pub := &fakePublisher{}
	o := testOrchestrator(store, &fakeFetcher{}, builder, &fakeSessions{}, pub)

	err := o.Run(context.Background(), testMatch())
	require.NoError(t, err)

	require.NotNil(t, store.outcome)
	assert.Equal(t, models.MatchStatusFailed, store.outcome.Status)
	require.NotNil(t, store.outcome.WinnerSubmissionID)
	assert.Equal(t, "sub-a", *store.outcome.WinnerSubmissionID, "the healthy submission wins by walkover")
	assert.Contains(t, store.failedSubs, "sub-b")

	// Both build logs were published, the broken one included.
	assert.Contains(t, pub.keys, "buildlogs/dockerbuild_sub-a")
	assert.Contains(t, pub.keys, "buildlogs/dockerbuild_sub-b")
}

func TestRunVerifyFailureForfeits(t *testing.T) {
	store := newFakeStore()
	fetcher := &fakeFetcher{verifyErr: fmt.Errorf("%w: missing Makefile", ErrInvalidStructure)}
	o := testOrchestrator(store, fetcher, &fakeBuilder{}, &fakeSessions{}, &fakePublisher{})

	require.NoError(t, o.Run(context.Background(), testMatch()))

	require.NotNil(t, store.outcome)
	assert.Equal(t, models.MatchStatusFailed, store.outcome.Status)
	require.NotNil(t, store.outcome.WinnerSubmissionID)
	assert.NotEmpty(t, store.failedSubs)
}

func TestRunCorruptArchiveForfeits(t *testing.T) {
	store := newFakeStore()
	fetcher := &fakeFetcher{fetchErr: map[string]error{
		"sub-a": fmt.Errorf("%w: not a zip", ErrCorruptArchive),
	}}
	o := testOrchestrator(store, fetcher, &fakeBuilder{}, &fakeSessions{}, &fakePublisher{})

	require.NoError(t, o.Run(context.Background(), testMatch()))

	require.NotNil(t, store.outcome)
	assert.Equal(t, models.MatchStatusFailed, store.outcome.Status)
	require.NotNil(t, store.outcome.WinnerSubmissionID)
	assert.Equal(t, "sub-b", *store.outcome.WinnerSubmissionID)
	assert.Contains(t, store.failedSubs, "sub-a")
}

func TestRunTimeoutRecordsTimedOut(t *testing.T) {
	store := newFakeStore()
	sessions := &fakeSessions{results: []*SessionOutcome{
		{TimedOut: true, WinnerSubmissionID: "sub-b",
			WinReason:   "opponent forfeited on timeout",
			LoseReason:  "forfeit: game exceeded the match timeout",
			OutputPaths: map[string]string{}},
	}}
	o := testOrchestrator(store, &fakeFetcher{}, &fakeBuilder{}, sessions, &fakePublisher{})

	require.NoError(t, o.Run(context.Background(), testMatch()))

	require.NotNil(t, store.outcome)
	assert.Equal(t, models.MatchStatusTimedOut, store.outcome.Status)
	require.NotNil(t, store.outcome.WinnerSubmissionID)
	assert.Equal(t, "sub-b", *store.outcome.WinnerSubmissionID)
}

func TestRunArenaFaultRecordsFailureWithoutWinner(t *testing.T) {
	store := newFakeStore()
	sessions := &fakeSessions{openErr: fmt.Errorf("%w: gameserver gone", ErrSessionSetup)}
	o := testOrchestrator(store, &fakeFetcher{}, &fakeBuilder{}, sessions, &fakePublisher{})

	err := o.Run(context.Background(), testMatch())
	require.Error(t, err)

	require.NotNil(t, store.outcome, "even an arena fault must record a terminal state")
	assert.Equal(t, models.MatchStatusFailed, store.outcome.Status)
	assert.Nil(t, store.outcome.WinnerSubmissionID)
	assert.NotEmpty(t, store.outcome.FailReason)
}

func TestRunRejectsWrongParticipantCount(t *testing.T) {
	o := testOrchestrator(newFakeStore(), &fakeFetcher{}, &fakeBuilder{}, &fakeSessions{}, &fakePublisher{})
	m := testMatch()
	m.Participants = m.Participants[:1]
	assert.Error(t, o.Run(context.Background(), m))
}

func TestSeriesWinner(t *testing.T) {
	a, b := "sub-a", "sub-b"
	games := []models.MatchGame{
		{GameNumber: 1, WinnerSubmissionID: &a},
		{GameNumber: 2, WinnerSubmissionID: &b},
		{GameNumber: 3, WinnerSubmissionID: nil},
		{GameNumber: 4, WinnerSubmissionID: &a},
	}
	assert.Equal(t, "sub-a", seriesWinner(games, 2))
	assert.Equal(t, "", seriesWinner(games, 3))
	assert.Equal(t, "", seriesWinner(nil, 1))
}

func TestSeatsForGame(t *testing.T) {
	base := []ParticipantRef{
		{SubmissionID: "sub-a", Slot: 0},
		{SubmissionID: "sub-b", Slot: 1},
	}
	g1 := seatsForGame(base, 1)
	assert.Equal(t, "sub-a", g1[0].SubmissionID)

	g2 := seatsForGame(base, 2)
	assert.Equal(t, "sub-b", g2[0].SubmissionID)
	assert.Equal(t, 0, g2[0].Slot)
	assert.Equal(t, 1, g2[1].Slot)

	// The base slice stays untouched.
	assert.Equal(t, 0, base[0].Slot)
	assert.Equal(t, "sub-a", base[0].SubmissionID)
}
