package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"code-arena-system/models"
)

// BracketService runs one tournament: it freezes the field, persists the
// bracket, schedules matches for ready nodes and advances the tree as the
// orchestrator records results. The in-memory BracketTree is authoritative
// for structure; every outcome is mirrored to Postgres so a restarted
// process can rebuild the exact same tree and carry on.
type BracketService struct {
	DB       *gorm.DB
	Pairings *PairingService

	mu          sync.Mutex
	tree        *BracketTree
	tournament  *models.Tournament
	nodeIDByKey map[string]string // tree key -> bracket_nodes.id
	keyByNodeID map[string]string
	teamBySub   map[string]string // submission ID -> team ID
}

func NewBracketService(db *gorm.DB, pairings *PairingService) *BracketService {
	return &BracketService{
		DB:          db,
		Pairings:    pairings,
		nodeIDByKey: map[string]string{},
		keyByNodeID: map[string]string{},
		teamBySub:   map[string]string{},
	}
}

func tournamentEnv() (eliminationN, bestOf int, reuse bool, gameName, outputFile string) {
	eliminationN = 2
	if raw := os.Getenv("N_ELIMINATION"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 2 {
			eliminationN = n
		} else {
			log.Printf("⚠️  Invalid N_ELIMINATION %q, using 2", raw)
		}
	}
	bestOf = 1
	if raw := os.Getenv("BEST_OF"); raw != "" {
		if k, err := strconv.Atoi(raw); err == nil && k >= 1 {
			bestOf = k
		} else {
			log.Printf("⚠️  Invalid BEST_OF %q, using 1", raw)
		}
	}
	reuse = os.Getenv("REUSE_OLD_GAMES") == "true"
	gameName = os.Getenv("GAME_NAME")
	if gameName == "" {
		gameName = "Chess"
	}
	outputFile = os.Getenv("OUTPUT_FILE")
	if outputFile == "" {
		outputFile = "bracket.dot"
	}
	return
}

// BuildBracket freezes the current field of eligible teams into a new
// tournament and persists the whole static tree in one transaction. Nothing
// is written when the field is too small or the series length is invalid —
// no partial bracket ever lands.
func (s *BracketService) BuildBracket(ctx context.Context) (*models.Tournament, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.Pairings.LatestEligibleSubmissions(ctx)
	if err != nil {
		return nil, err
	}
	seeds := make([]TeamSeed, 0, len(entries))
	for _, e := range entries {
		seeds = append(seeds, TeamSeed{TeamID: e.TeamID, SubmissionID: e.ID, Name: e.TeamName})
	}

	eliminationN, bestOf, reuse, gameName, outputFile := tournamentEnv()
	tree, err := NewBracketTree(seeds, eliminationN, bestOf)
	if err != nil {
		return nil, err
	}

	tournament := &models.Tournament{
		ID:            uuid.NewString(),
		GameName:      gameName,
		EliminationN:  eliminationN,
		BestOf:        bestOf,
		ReuseOldGames: reuse,
		OutputFile:    outputFile,
	}

	nodeIDByKey := map[string]string{}
	for _, n := range tree.Nodes() {
		nodeIDByKey[n.ID] = uuid.NewString()
	}

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(tournament).Error; err != nil {
			return err
		}
		for _, seed := range seeds {
			row := models.TournamentSeed{
				TournamentID: tournament.ID,
				TeamID:       seed.TeamID,
				SubmissionID: seed.SubmissionID,
				TeamName:     seed.Name,
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		}
		for _, n := range tree.Nodes() {
			if err := tx.Create(s.nodeRow(tournament.ID, nodeIDByKey, n)).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist bracket: %w", err)
	}

	s.install(tree, tournament, nodeIDByKey, seeds)
	log.Printf("✅ Built %d-elimination bracket for %d teams (%d nodes)", eliminationN, len(seeds), len(tree.Nodes()))

	for _, n := range tree.ReadyNodes() {
		if err := s.reuseOrSchedule(ctx, n); err != nil {
			return nil, err
		}
	}
	return tournament, s.checkFinished(ctx)
}

// LoadOpenTournament rebuilds the in-memory tree of an unfinished tournament
// after a restart from the persisted rows: stored feeder edges give the
// structure back exactly, whatever order the matches completed in. Returns
// gorm.ErrRecordNotFound when no tournament is open.
func (s *BracketService) LoadOpenTournament(ctx context.Context) (*models.Tournament, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var tournament models.Tournament
	err := s.DB.WithContext(ctx).
		Where("completed = ?", false).
		Order("created_at DESC").
		First(&tournament).Error
	if err != nil {
		return nil, err
	}

	var seedRows []models.TournamentSeed
	if err := s.DB.WithContext(ctx).Where("tournament_id = ?", tournament.ID).Find(&seedRows).Error; err != nil {
		return nil, err
	}
	seeds := make([]TeamSeed, 0, len(seedRows))
	for _, r := range seedRows {
		seeds = append(seeds, TeamSeed{TeamID: r.TeamID, SubmissionID: r.SubmissionID, Name: r.TeamName})
	}

	var nodes []models.BracketNode
	if err := s.DB.WithContext(ctx).Where("tournament_id = ?", tournament.ID).Find(&nodes).Error; err != nil {
		return nil, err
	}

	keyByID := map[string]string{}
	nodeIDByKey := map[string]string{}
	for _, row := range nodes {
		keyByID[row.ID] = row.TreeKey
		nodeIDByKey[row.TreeKey] = row.ID
	}
	rows := make([]RestoredNode, 0, len(nodes))
	for _, row := range nodes {
		rn := RestoredNode{
			Key:           row.TreeKey,
			Round:         row.Round,
			Slot:          row.Slot,
			LeftInverted:  row.LeftInverted,
			RightInverted: row.RightInverted,
			LeftTeam:      row.LeftTeamID,
			RightTeam:     row.RightTeamID,
			Winner:        row.WinnerTeamID,
			Loser:         row.LoserTeamID,
			LogURL:        row.LogURL,
		}
		if row.LeftFeederID != nil {
			rn.LeftFeederKey = keyByID[*row.LeftFeederID]
		}
		if row.RightFeederID != nil {
			rn.RightFeederKey = keyByID[*row.RightFeederID]
		}
		if row.MatchID != nil {
			rn.MatchID = *row.MatchID
		}
		rows = append(rows, rn)
	}

	tree, err := RestoreBracketTree(seeds, tournament.EliminationN, tournament.BestOf, rows)
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild bracket: %w", err)
	}

	s.install(tree, &tournament, nodeIDByKey, seeds)
	log.Printf("✅ Restored tournament %s (%d nodes)", tournament.ID, len(nodes))

	// Restore may have recreated extension nodes the database never saw.
	for _, n := range tree.Nodes() {
		if _, known := s.nodeIDByKey[n.ID]; known {
			continue
		}
		id := uuid.NewString()
		s.nodeIDByKey[n.ID] = id
		s.keyByNodeID[id] = n.ID
		if err := s.DB.WithContext(ctx).Create(s.nodeRow(tournament.ID, s.nodeIDByKey, n)).Error; err != nil {
			return nil, err
		}
	}

	for _, n := range tree.ReadyNodes() {
		if n.MatchID == "" {
			if err := s.reuseOrSchedule(ctx, n); err != nil {
				return nil, err
			}
			continue
		}
		if err := s.resumeScheduled(ctx, n); err != nil {
			return nil, err
		}
	}
	return &tournament, s.checkFinished(ctx)
}

// resumeScheduled picks up a ready node whose match was scheduled before the
// restart. A match that went terminal while we were down is applied straight
// away; a live one is left to the workers and the lease sweep.
func (s *BracketService) resumeScheduled(ctx context.Context, n *Node) error {
	var match models.Match
	err := s.DB.WithContext(ctx).First(&match, "id = ?", n.MatchID).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	if err == nil && !match.Status.Terminal() {
		return nil
	}
	if err == nil && match.WinnerSubmissionID != nil {
		winnerTeam, ok := s.teamBySub[*match.WinnerSubmissionID]
		if !ok {
			return fmt.Errorf("winner submission %s is not seeded in tournament %s", *match.WinnerSubmissionID, s.tournament.ID)
		}
		log.Printf("🔁 Applying match %s recorded before restart to node %s", match.ID, n.ID)
		return s.advanceLocked(ctx, n.ID, winnerTeam, match.GameLogURL)
	}

	log.Printf("⚠️  Match %s gone or winnerless after restart, rescheduling node %s", n.MatchID, n.ID)
	node, cerr := s.tree.ClearMatch(n.ID)
	if cerr != nil {
		return cerr
	}
	return s.reuseOrSchedule(ctx, node)
}

func (s *BracketService) install(tree *BracketTree, tournament *models.Tournament, nodeIDByKey map[string]string, seeds []TeamSeed) {
	s.tree = tree
	s.tournament = tournament
	s.nodeIDByKey = nodeIDByKey
	s.keyByNodeID = map[string]string{}
	for key, id := range nodeIDByKey {
		s.keyByNodeID[id] = key
	}
	s.teamBySub = map[string]string{}
	for _, seed := range seeds {
		s.teamBySub[seed.SubmissionID] = seed.TeamID
	}
}

func (s *BracketService) nodeRow(tournamentID string, nodeIDByKey map[string]string, n *Node) *models.BracketNode {
	row := &models.BracketNode{
		ID:            nodeIDByKey[n.ID],
		TournamentID:  tournamentID,
		TreeKey:       n.ID,
		Round:         n.Round,
		Slot:          n.Slot,
		Status:        models.BracketNodePending,
		LeftInverted:  n.LeftInverted,
		RightInverted: n.RightInverted,
		LeftTeamID:    n.LeftTeam,
		RightTeamID:   n.RightTeam,
		WinnerTeamID:  n.Winner,
		LoserTeamID:   n.Loser,
	}
	if n.LeftFeeder != nil {
		id := nodeIDByKey[n.LeftFeeder.ID]
		row.LeftFeederID = &id
	}
	if n.RightFeeder != nil {
		id := nodeIDByKey[n.RightFeeder.ID]
		row.RightFeederID = &id
	}
	if n.Complete() {
		row.Status = models.BracketNodeComplete
	}
	return row
}

// AdvanceOn consumes one recorded match outcome. A match with a winner moves
// the bracket; a match that failed without an attributable winner gets a
// fresh replacement match so the node never stalls.
func (s *BracketService) AdvanceOn(ctx context.Context, match *models.Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tree == nil || match.BracketNodeID == nil {
		return nil
	}
	key, ok := s.keyByNodeID[*match.BracketNodeID]
	if !ok {
		return fmt.Errorf("%w: match %s references node %s", ErrUnknownNode, match.ID, *match.BracketNodeID)
	}

	if match.WinnerSubmissionID == nil {
		log.Printf("⚠️  Match %s failed without a winner, rescheduling node %s", match.ID, key)
		node, err := s.tree.ClearMatch(key)
		if err != nil {
			return err
		}
		return s.reuseOrSchedule(ctx, node)
	}

	winnerTeam, ok := s.teamBySub[*match.WinnerSubmissionID]
	if !ok {
		return fmt.Errorf("winner submission %s is not seeded in tournament %s", *match.WinnerSubmissionID, s.tournament.ID)
	}

	if err := s.advanceLocked(ctx, key, winnerTeam, match.GameLogURL); err != nil {
		return err
	}
	return s.checkFinished(ctx)
}

// advanceLocked applies one decided node, mirrors it to the database and
// schedules whatever became ready. Caller holds s.mu.
func (s *BracketService) advanceLocked(ctx context.Context, key, winnerTeam, logURL string) error {
	newlyReady, err := s.tree.Advance(key, winnerTeam, logURL)
	if err != nil {
		return err
	}
	if err := s.persistAdvance(ctx, key); err != nil {
		return err
	}
	for _, n := range newlyReady {
		if err := s.reuseOrSchedule(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

// persistAdvance mirrors the decided node and any freshly created loser-fed
// nodes to the database.
func (s *BracketService) persistAdvance(ctx context.Context, decidedKey string) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		decided := s.tree.NodeByID(decidedKey)
		err := tx.Model(&models.BracketNode{}).
			Where("id = ?", s.nodeIDByKey[decidedKey]).
			Updates(map[string]interface{}{
				"status":         models.BracketNodeComplete,
				"winner_team_id": decided.Winner,
				"loser_team_id":  decided.Loser,
				"log_url":        decided.LogURL,
			}).Error
		if err != nil {
			return err
		}

		// Advance may have cascaded (BYEs, online extension); upsert every
		// node the database doesn't know yet and refresh seated occupants.
		for _, n := range s.tree.Nodes() {
			if _, known := s.nodeIDByKey[n.ID]; !known {
				s.nodeIDByKey[n.ID] = uuid.NewString()
				s.keyByNodeID[s.nodeIDByKey[n.ID]] = n.ID
				if err := tx.Create(s.nodeRow(s.tournament.ID, s.nodeIDByKey, n)).Error; err != nil {
					return err
				}
				continue
			}
			err := tx.Model(&models.BracketNode{}).
				Where("id = ?", s.nodeIDByKey[n.ID]).
				Updates(map[string]interface{}{
					"left_team_id":   n.LeftTeam,
					"right_team_id":  n.RightTeam,
					"winner_team_id": n.Winner,
					"loser_team_id":  n.Loser,
				}).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// reuseOrSchedule gives a ready node a match: either a brand-new queued match
// or, when the tournament allows it, a copy of a previously recorded result
// between the same two submissions.
func (s *BracketService) reuseOrSchedule(ctx context.Context, n *Node) error {
	leftSeed, okL := s.tree.Seed(n.LeftTeam)
	rightSeed, okR := s.tree.Seed(n.RightTeam)
	if !okL || !okR {
		return fmt.Errorf("node %s has unseeded occupants %q/%q", n.ID, n.LeftTeam, n.RightTeam)
	}
	nodeID := s.nodeIDByKey[n.ID]

	if s.tournament.ReuseOldGames {
		prior, err := s.findReusable(ctx, leftSeed.SubmissionID, rightSeed.SubmissionID)
		if err != nil {
			return err
		}
		if prior != nil {
			return s.reuseResult(ctx, n, nodeID, prior)
		}
	}

	match, err := s.Pairings.CreateQueuedMatch(ctx, leftSeed.SubmissionID, rightSeed.SubmissionID,
		s.tournament.BestOf, &s.tournament.ID, &nodeID)
	if err != nil {
		return err
	}
	if err := s.tree.SetMatch(n.ID, match.ID); err != nil {
		return err
	}
	return s.DB.WithContext(ctx).Model(&models.BracketNode{}).
		Where("id = ?", nodeID).
		Updates(map[string]interface{}{"status": models.BracketNodeScheduled, "match_id": match.ID}).Error
}

// findReusable looks for an earlier recorded match between exactly these two
// submissions whose result hasn't been consumed by another node yet.
func (s *BracketService) findReusable(ctx context.Context, subA, subB string) (*models.Match, error) {
	var candidates []models.Match
	err := s.DB.WithContext(ctx).
		Joins("JOIN match_participants pa ON pa.match_id = matches.id AND pa.submission_id = ?", subA).
		Joins("JOIN match_participants pb ON pb.match_id = matches.id AND pb.submission_id = ?", subB).
		Where("matches.status = ? AND matches.winner_submission_id IS NOT NULL", models.MatchStatusRecorded).
		Where("matches.best_of = ?", s.tournament.BestOf).
		Where("NOT EXISTS (SELECT 1 FROM matches reused WHERE reused.reused_from_id = matches.id AND reused.tournament_id = ?)", s.tournament.ID).
		Order("matches.created_at DESC").
		Limit(1).
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("failed to look up reusable match: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	return &candidates[0], nil
}

// newReusedMatch clones a prior recorded outcome into a fresh match bound to
// a bracket node. Born terminal, so no worker ever claims or replays it.
func newReusedMatch(tournamentID, nodeID string, prior *models.Match) *models.Match {
	return &models.Match{
		ID:                 uuid.NewString(),
		TournamentID:       &tournamentID,
		BracketNodeID:      &nodeID,
		BestOf:             prior.BestOf,
		RequiredWins:       prior.RequiredWins,
		Status:             models.MatchStatusRecorded,
		WinnerSubmissionID: prior.WinnerSubmissionID,
		WinReason:          prior.WinReason,
		LoseReason:         prior.LoseReason,
		GameLogURL:         prior.GameLogURL,
		ReusedFromID:       &prior.ID,
		CompletedAt:        prior.CompletedAt,
	}
}

// reuseResult copies a prior outcome into a new, already-terminal match bound
// to this node, then advances the tree with it straight away.
func (s *BracketService) reuseResult(ctx context.Context, n *Node, nodeID string, prior *models.Match) error {
	log.Printf("reusing match %s for node %s", prior.ID, n.ID)

	reused := newReusedMatch(s.tournament.ID, nodeID, prior)

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(reused).Error; err != nil {
			return err
		}
		var parts []models.MatchParticipant
		if err := tx.Where("match_id = ?", prior.ID).Order("slot ASC").Find(&parts).Error; err != nil {
			return err
		}
		for _, p := range parts {
			dup := models.MatchParticipant{
				MatchID:      reused.ID,
				SubmissionID: p.SubmissionID,
				Slot:         p.Slot,
				OutputLogURL: p.OutputLogURL,
			}
			if err := tx.Create(&dup).Error; err != nil {
				return err
			}
		}
		return tx.Model(&models.BracketNode{}).
			Where("id = ?", nodeID).
			Updates(map[string]interface{}{"status": models.BracketNodeScheduled, "match_id": reused.ID}).Error
	})
	if err != nil {
		return fmt.Errorf("failed to reuse match %s: %w", prior.ID, err)
	}
	if err := s.tree.SetMatch(n.ID, reused.ID); err != nil {
		return err
	}

	winnerTeam := s.teamBySub[*reused.WinnerSubmissionID]
	return s.advanceLocked(ctx, n.ID, winnerTeam, reused.GameLogURL)
}

// checkFinished marks the tournament done once the tree has a champion and
// flushes the final snapshot.
func (s *BracketService) checkFinished(ctx context.Context) error {
	done, winnerTeam := s.tree.Finished()
	if !done || s.tournament.Completed {
		return nil
	}

	updates := map[string]interface{}{"completed": true}
	if winnerTeam != "" {
		updates["winner_team_id"] = winnerTeam
	}
	err := s.DB.WithContext(ctx).Model(&models.Tournament{}).
		Where("id = ?", s.tournament.ID).
		Updates(updates).Error
	if err != nil {
		return err
	}
	s.tournament.Completed = true
	s.tournament.WinnerTeamID = &winnerTeam

	if winner, ok := s.tree.Seed(winnerTeam); ok {
		log.Printf("🏆 Tournament %s won by %s", s.tournament.ID, winner.Name)
	}
	return s.writeSnapshotLocked()
}

// Active reports whether an unfinished tournament is loaded.
func (s *BracketService) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree != nil && !s.tournament.Completed
}

// Snapshot renders the current bracket as a Graphviz digraph.
func (s *BracketService) Snapshot() string {
	s.mu.Lock()
	tree := s.tree
	s.mu.Unlock()
	if tree == nil {
		return ""
	}
	return tree.Dot()
}

// WriteSnapshot flushes the dot rendering to the tournament's output file.
// Also called on interrupt, so a stopped tournament leaves a readable state
// of play behind.
func (s *BracketService) WriteSnapshot() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeSnapshotLocked()
}

func (s *BracketService) writeSnapshotLocked() error {
	if s.tree == nil {
		return nil
	}
	if err := os.WriteFile(s.tournament.OutputFile, []byte(s.tree.Dot()), 0o644); err != nil {
		return fmt.Errorf("failed to write bracket snapshot: %w", err)
	}
	log.Printf("wrote bracket snapshot to %s", s.tournament.OutputFile)
	return nil
}
