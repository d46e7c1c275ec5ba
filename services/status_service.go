package services

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"code-arena-system/models"
)

// StatusService serves the read-only operational API: recent matches, the
// current field, and bracket snapshots. It never mutates arena state.
type StatusService struct {
	DB       *gorm.DB
	Pairings *PairingService
}

func NewStatusService(db *gorm.DB, pairings *PairingService) *StatusService {
	return &StatusService{DB: db, Pairings: pairings}
}

func (s *StatusService) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// RecentMatches lists the newest matches with participants and games.
func (s *StatusService) RecentMatches(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	if limit < 1 || limit > 500 {
		limit = 50
	}

	var matches []models.Match
	err := s.DB.WithContext(c.Context()).
		Preload("Participants").
		Preload("Participants.Submission").
		Preload("Games").
		Order("created_at DESC").
		Limit(limit).
		Find(&matches).Error
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to load matches"})
	}
	return c.JSON(matches)
}

func (s *StatusService) GetMatch(c *fiber.Ctx) error {
	var m models.Match
	err := s.DB.WithContext(c.Context()).
		Preload("Participants").
		Preload("Participants.Submission").
		Preload("Games").
		First(&m, "id = ?", c.Params("id")).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "match not found"})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to load match"})
	}
	return c.JSON(m)
}

// LatestSubmissions reports the field as the schedulers see it.
func (s *StatusService) LatestSubmissions(c *fiber.Ctx) error {
	entries, err := s.Pairings.LatestEligibleSubmissions(c.Context())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to load submissions"})
	}
	return c.JSON(entries)
}

// GetTournament returns a tournament with its full node tree.
func (s *StatusService) GetTournament(c *fiber.Ctx) error {
	var t models.Tournament
	err := s.DB.WithContext(c.Context()).
		Preload("Nodes").
		First(&t, "id = ?", c.Params("id")).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "tournament not found"})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to load tournament"})
	}
	return c.JSON(t)
}

// BracketDot serves a Graphviz rendering of a tournament's bracket, built
// from the persisted node tree so completed tournaments stay viewable.
func (s *StatusService) BracketDot(c *fiber.Ctx) error {
	tournamentID := c.Params("id")

	var nodes []models.BracketNode
	err := s.DB.WithContext(c.Context()).
		Where("tournament_id = ?", tournamentID).
		Find(&nodes).Error
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to load bracket"})
	}
	if len(nodes) == 0 {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "tournament not found"})
	}

	var seeds []models.TournamentSeed
	if err := s.DB.WithContext(c.Context()).Where("tournament_id = ?", tournamentID).Find(&seeds).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to load seeds"})
	}

	c.Set(fiber.HeaderContentType, "text/vnd.graphviz")
	return c.SendString(renderBracketDot(nodes, seeds))
}

// renderBracketDot draws stored bracket rows the same way the live tree
// does: rankdir=LR, solid winner-fed edges, dotted loser-fed edges.
func renderBracketDot(nodes []models.BracketNode, seeds []models.TournamentSeed) string {
	ordered := make([]models.BracketNode, len(nodes))
	copy(ordered, nodes)
	// Numeric key order, not string order: "n1000" must follow "n999".
	sort.Slice(ordered, func(i, j int) bool { return nodeKeyNum(ordered[i].TreeKey) < nodeKeyNum(ordered[j].TreeKey) })
	nodes = ordered

	label := func(teamID string) string {
		if teamID == "" {
			return "-"
		}
		for _, s := range seeds {
			if s.TeamID == teamID {
				return fmt.Sprintf("%s_%s", s.TeamName, teamID)
			}
		}
		return teamID
	}
	keyByID := map[string]string{}
	for _, n := range nodes {
		keyByID[n.ID] = n.TreeKey
	}
	style := func(inverted bool) string {
		if inverted {
			return "dotted"
		}
		return "solid"
	}

	var b strings.Builder
	b.WriteString("digraph bracket {\n")
	b.WriteString("  rankdir=LR\n")
	for _, n := range nodes {
		if n.LeftFeederID != nil {
			fmt.Fprintf(&b, "  %s -> %s [style=%s];\n", keyByID[*n.LeftFeederID], n.TreeKey, style(n.LeftInverted))
		}
		if n.RightFeederID != nil {
			fmt.Fprintf(&b, "  %s -> %s [style=%s];\n", keyByID[*n.RightFeederID], n.TreeKey, style(n.RightInverted))
		}
		text := fmt.Sprintf("%s vs %s", label(n.LeftTeamID), label(n.RightTeamID))
		if n.WinnerTeamID != "" {
			text = fmt.Sprintf("%s | winner %s", text, label(n.WinnerTeamID))
			if n.LogURL != "" {
				text += `\n` + n.LogURL
			}
		}
		fmt.Fprintf(&b, "  %s [label=%q];\n", n.TreeKey, text)
	}
	b.WriteString("}\n")
	return b.String()
}
