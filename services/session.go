package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"code-arena-system/utils"
)

// ParticipantRef is the slice of a match the session layer needs: who plays,
// in which seat, from which image.
type ParticipantRef struct {
	SubmissionID string
	TeamName     string
	ImageTag     string
	Slot         int
}

// GameSession is one opened room on the game server.
type GameSession struct {
	Name       string
	Password   string
	GameNumber int
}

// SessionOutcome is the structured result of one supervised game.
type SessionOutcome struct {
	TimedOut           bool
	WinnerSubmissionID string
	WinReason          string
	LoseReason         string
	GamelogPath        string
	OutputPaths        map[string]string // submission ID -> stdout/stderr file
}

// SessionController opens play sessions against the external game server and
// supervises the connected containers until the game concludes or times out.
type SessionController struct {
	Docker      *client.Client
	GameName    string
	Host        string
	TCPPort     string
	WebPort     string
	LogfilePath string
	HTTPClient  *http.Client
	NanoCPUs    int64
	MemoryBytes int64
}

func NewSessionController(docker *client.Client) *SessionController {
	gameName := os.Getenv("GAME_NAME")
	if gameName == "" {
		gameName = "Chess"
	}
	host := os.Getenv("GAMESERVER_HOST")
	if host == "" {
		host = "localhost"
	}
	tcpPort := os.Getenv("GAMESERVER_TCPPORT")
	if tcpPort == "" {
		tcpPort = "3000"
	}
	webPort := os.Getenv("GAMESERVER_WEBPORT")
	if webPort == "" {
		webPort = "3080"
	}
	logfilePath := os.Getenv("LOGFILE_PATH")
	if logfilePath == "" {
		logfilePath = "/tmp/arena_logfiles"
	}

	return &SessionController{
		Docker: docker,
		// The game server matches game names case-sensitively.
		GameName:    cases.Title(language.English).String(strings.ToLower(gameName)),
		Host:        host,
		TCPPort:     tcpPort,
		WebPort:     webPort,
		LogfilePath: logfilePath,
		HTTPClient:  utils.HTTPClient,
		NanoCPUs:    containerNanoCPUs(),
		MemoryBytes: containerMemoryBytes(),
	}
}

func (s *SessionController) webURL(path string) string {
	return fmt.Sprintf("http://%s:%s%s", s.Host, s.WebPort, path)
}

func sessionName(matchID string, gameNumber int) string {
	return fmt.Sprintf("arena_%s_g%d", matchID, gameNumber)
}

const passwordLetters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

func generatePassword() string {
	b := make([]byte, 16)
	for i := range b {
		b[i] = passwordLetters[rand.Intn(len(passwordLetters))]
	}
	return string(b)
}

// OpenSession sets up a room on the game server for one game of the match.
// The server may be transiently busy, so setup is retried a bounded number of
// times with exponential backoff.
func (s *SessionController) OpenSession(ctx context.Context, matchID string, parts []ParticipantRef, gameNumber int) (*GameSession, error) {
	names := make([]string, len(parts))
	for _, p := range parts {
		names[p.Slot] = p.TeamName
	}

	session := &GameSession{
		Name:       sessionName(matchID, gameNumber),
		Password:   generatePassword(),
		GameNumber: gameNumber,
	}

	body, _ := json.Marshal(map[string]interface{}{
		"gameName": s.GameName,
		"session":  session.Name,
		"password": session.Password,
		"gameSettings": map[string]interface{}{
			"playerNames": names,
		},
	})

	setup := func() error {
		resp, err := s.HTTPClient.Post(s.webURL("/setup"), "application/json", bytes.NewReader(body))
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return fmt.Errorf("setup returned status %d: %s", resp.StatusCode, string(detail))
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	if err := backoff.Retry(setup, policy); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionSetup, err)
	}

	log.Printf("set up game %s", session.Name)
	return session, nil
}

// RunAndSupervise starts one container per participant wired to the session,
// waits for the first client to finish (or the deadline), then tears every
// container down and retrieves the result from the game server. Containers
// are released on every exit path.
func (s *SessionController) RunAndSupervise(ctx context.Context, sess *GameSession, parts []ParticipantRef, deadline time.Time) (*SessionOutcome, error) {
	ids := make([]string, len(parts))
	outcome := &SessionOutcome{OutputPaths: map[string]string{}}

	defer func() {
		for _, id := range ids {
			if id == "" {
				continue
			}
			// Use a fresh context: cleanup must run even when the match
			// context is already done.
			cleanup, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			timeoutSec := 5
			if err := s.Docker.ContainerStop(cleanup, id, container.StopOptions{Timeout: &timeoutSec}); err != nil {
				log.Printf("⚠️  Failed to stop container %s: %v", id, err)
			}
			if err := s.Docker.ContainerRemove(cleanup, id, container.RemoveOptions{Force: true}); err != nil {
				log.Printf("⚠️  Failed to remove container %s: %v", id, err)
			}
			cancel()
		}
	}()

	for i, p := range parts {
		id, err := s.startClient(ctx, sess, p)
		if err != nil {
			return nil, fmt.Errorf("failed to start client for %s: %w", p.TeamName, err)
		}
		ids[i] = id
	}

	finished := make(chan int, len(parts))
	for i, id := range ids {
		go func(slot int, containerID string) {
			statusCh, errCh := s.Docker.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
			select {
			case <-statusCh:
			case <-errCh:
			}
			finished <- slot
		}(i, id)
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case slot := <-finished:
		log.Printf("client %s done", parts[slot].TeamName)
	case <-timer.C:
		log.Printf("⚠️  Session %s exceeded its deadline, terminating clients", sess.Name)
		outcome.TimedOut = true
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	for i, id := range ids {
		path, err := s.collectOutput(sess, parts[i], id)
		if err != nil {
			log.Printf("⚠️  Failed to collect output for %s: %v", parts[i].TeamName, err)
			continue
		}
		outcome.OutputPaths[parts[i].SubmissionID] = path
	}

	if outcome.TimedOut {
		// Deadline resolution rule: the seat-0 participant forfeits, so the
		// bracket can always advance.
		resolveTimeout(outcome, parts)
		return outcome, nil
	}

	status, err := s.waitForResult(ctx, sess)
	if err != nil {
		return nil, err
	}
	s.applyResult(outcome, status, parts)

	if status.GamelogFilename != "" {
		path, err := s.downloadGamelog(ctx, status.GamelogFilename)
		if err != nil {
			log.Printf("⚠️  Failed to download gamelog %s: %v", status.GamelogFilename, err)
		} else {
			outcome.GamelogPath = path
		}
	}

	return outcome, nil
}

func (s *SessionController) startClient(ctx context.Context, sess *GameSession, p ParticipantRef) (string, error) {
	cmd := []string{
		"--server", s.Host,
		"--port", s.TCPPort,
		"--password", sess.Password,
		"--name", p.TeamName,
		"--session", sess.Name,
		"--index", fmt.Sprintf("%d", p.Slot),
		s.GameName,
	}

	created, err := s.Docker.ContainerCreate(ctx,
		&container.Config{
			Image: p.ImageTag,
			Cmd:   cmd,
		},
		&container.HostConfig{
			NetworkMode: container.NetworkMode("host"),
			Resources: container.Resources{
				NanoCPUs:   s.NanoCPUs,
				Memory:     s.MemoryBytes,
				MemorySwap: s.MemoryBytes, // don't allow swapping to disk
			},
		},
		nil, nil,
		fmt.Sprintf("%s_for_%s", p.SubmissionID, sess.Name),
	)
	if err != nil {
		return "", err
	}

	if err := s.Docker.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return created.ID, err
	}
	log.Printf("started container for %s (%s)", p.TeamName, p.SubmissionID)
	return created.ID, nil
}

func (s *SessionController) outputPath(submissionID, session string) string {
	return filepath.Join(s.LogfilePath, fmt.Sprintf("stdout_stderr_%s_%s", submissionID, session))
}

func (s *SessionController) collectOutput(sess *GameSession, p ParticipantRef, containerID string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	reader, err := s.Docker.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", err
	}
	defer reader.Close()

	if err := utils.EnsureDir(s.LogfilePath); err != nil {
		return "", err
	}
	path := s.outputPath(p.SubmissionID, sess.Name)
	out, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer out.Close()

	// Docker multiplexes stdout/stderr on one stream; fold both into the file.
	if _, err := stdcopy.StdCopy(out, out, reader); err != nil {
		return "", err
	}
	return path, nil
}

// MatchStatusResponse is the game server's terminal-state report.
type MatchStatusResponse struct {
	Status          string `json:"status"`
	GamelogFilename string `json:"gamelogFilename"`
	Clients         []struct {
		Name   string `json:"name"`
		Won    bool   `json:"won"`
		Lost   bool   `json:"lost"`
		Reason string `json:"reason"`
	} `json:"clients"`
}

// waitForResult polls the game server until it reports the session over with
// a gamelog attached. Bounded-interval backoff keeps load off the server.
func (s *SessionController) waitForResult(ctx context.Context, sess *GameSession) (*MatchStatusResponse, error) {
	var status MatchStatusResponse

	poll := func() error {
		resp, err := s.HTTPClient.Get(s.webURL(fmt.Sprintf("/status/%s/%s", s.GameName, sess.Name)))
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("status endpoint returned %d", resp.StatusCode)
		}
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			return err
		}
		if status.Status != "over" || status.GamelogFilename == "" {
			return fmt.Errorf("session %s not over yet (%s)", sess.Name, status.Status)
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 8), ctx)
	if err := backoff.Retry(poll, policy); err != nil {
		return nil, fmt.Errorf("gameserver did not report a result for %s: %w", sess.Name, err)
	}
	return &status, nil
}

func (s *SessionController) applyResult(outcome *SessionOutcome, status *MatchStatusResponse, parts []ParticipantRef) {
	byName := map[string]string{}
	for _, p := range parts {
		byName[p.TeamName] = p.SubmissionID
	}
	for _, c := range status.Clients {
		if c.Won {
			outcome.WinnerSubmissionID = byName[c.Name]
			outcome.WinReason = c.Reason
		}
		if c.Lost {
			outcome.LoseReason = c.Reason
		}
	}
}

func resolveTimeout(outcome *SessionOutcome, parts []ParticipantRef) {
	for _, p := range parts {
		if p.Slot != 0 {
			outcome.WinnerSubmissionID = p.SubmissionID
			outcome.WinReason = "opponent forfeited on timeout"
			break
		}
	}
	outcome.LoseReason = "forfeit: game exceeded the match timeout"
}

func (s *SessionController) downloadGamelog(ctx context.Context, gamelogName string) (string, error) {
	resp, err := s.HTTPClient.Get(s.webURL("/gamelog/" + gamelogName))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("gamelog endpoint returned %d", resp.StatusCode)
	}

	if err := utils.EnsureDir(s.LogfilePath); err != nil {
		return "", err
	}
	path := filepath.Join(s.LogfilePath, gamelogName)
	out, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return "", err
	}
	return path, nil
}
