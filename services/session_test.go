package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testController(t *testing.T, srv *httptest.Server) *SessionController {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return &SessionController{
		GameName:    "Chess",
		Host:        u.Hostname(),
		TCPPort:     "3000",
		WebPort:     u.Port(),
		LogfilePath: t.TempDir(),
		HTTPClient:  srv.Client(),
	}
}

func TestOpenSessionPostsSetup(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/setup", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := testController(t, srv)
	parts := []ParticipantRef{
		{SubmissionID: "sub-a", TeamName: "alpha", Slot: 0},
		{SubmissionID: "sub-b", TeamName: "bravo", Slot: 1},
	}

	sess, err := s.OpenSession(context.Background(), "m1", parts, 2)
	require.NoError(t, err)
	assert.Equal(t, "arena_m1_g2", sess.Name)
	assert.Len(t, sess.Password, 16)

	assert.Equal(t, "Chess", got["gameName"])
	assert.Equal(t, "arena_m1_g2", got["session"])
	settings := got["gameSettings"].(map[string]interface{})
	names := settings["playerNames"].([]interface{})
	assert.Equal(t, []interface{}{"alpha", "bravo"}, names)
}

func TestOpenSessionRetriesTransientBusy(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := testController(t, srv)
	_, err := s.OpenSession(context.Background(), "m1", nil, 1)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestOpenSessionGivesUpEventually(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := testController(t, srv)
	_, err := s.OpenSession(context.Background(), "m1", nil, 1)
	assert.ErrorIs(t, err, ErrSessionSetup)
}

func TestWaitForResultPollsUntilOver(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/status/Chess/arena_m1_g1", r.URL.Path)
		if calls.Add(1) < 2 {
			_ = json.NewEncoder(w).Encode(MatchStatusResponse{Status: "running"})
			return
		}
		_ = json.NewEncoder(w).Encode(MatchStatusResponse{
			Status:          "over",
			GamelogFilename: "glog-1.json.gz",
		})
	}))
	defer srv.Close()

	s := testController(t, srv)
	status, err := s.waitForResult(context.Background(), &GameSession{Name: "arena_m1_g1"})
	require.NoError(t, err)
	assert.Equal(t, "glog-1.json.gz", status.GamelogFilename)
}

func TestDownloadGamelog(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/gamelog/glog-1.json.gz", r.URL.Path)
		_, _ = w.Write([]byte("log-bytes"))
	}))
	defer srv.Close()

	s := testController(t, srv)
	path, err := s.downloadGamelog(context.Background(), "glog-1.json.gz")
	require.NoError(t, err)
	assert.FileExists(t, path)
}

func TestApplyResultMapsClientNamesToSubmissions(t *testing.T) {
	parts := []ParticipantRef{
		{SubmissionID: "sub-a", TeamName: "alpha", Slot: 0},
		{SubmissionID: "sub-b", TeamName: "bravo", Slot: 1},
	}
	status := &MatchStatusResponse{Status: "over"}
	status.Clients = []struct {
		Name   string `json:"name"`
		Won    bool   `json:"won"`
		Lost   bool   `json:"lost"`
		Reason string `json:"reason"`
	}{
		{Name: "bravo", Won: true, Reason: "checkmate"},
		{Name: "alpha", Lost: true, Reason: "checkmated"},
	}

	outcome := &SessionOutcome{OutputPaths: map[string]string{}}
	(&SessionController{}).applyResult(outcome, status, parts)

	assert.Equal(t, "sub-b", outcome.WinnerSubmissionID)
	assert.Equal(t, "checkmate", outcome.WinReason)
	assert.Equal(t, "checkmated", outcome.LoseReason)
}

func TestResolveTimeoutForfeitsSeatZero(t *testing.T) {
	parts := []ParticipantRef{
		{SubmissionID: "sub-a", Slot: 0},
		{SubmissionID: "sub-b", Slot: 1},
	}
	outcome := &SessionOutcome{TimedOut: true, OutputPaths: map[string]string{}}
	resolveTimeout(outcome, parts)

	assert.Equal(t, "sub-b", outcome.WinnerSubmissionID)
	assert.Contains(t, outcome.WinReason, "timeout")
	assert.NotEmpty(t, outcome.LoseReason)
}

func TestSessionNaming(t *testing.T) {
	assert.Equal(t, "arena_m42_g3", sessionName("m42", 3))

	p1, p2 := generatePassword(), generatePassword()
	assert.Len(t, p1, 16)
	assert.NotEqual(t, p1, p2)
}
