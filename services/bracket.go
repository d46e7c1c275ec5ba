package services

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// ByeTeam is the sentinel occupant seated when the field is not a power of
// two. A BYE never wins a played match and never re-enters as a loser.
const ByeTeam = "BYE"

// TeamSeed freezes one eligible team at tournament-build time, pinned to its
// highest-version healthy submission.
type TeamSeed struct {
	TeamID       string
	SubmissionID string
	Name         string
}

// Node is one slot in the bracket. Feeders are shared ancestors (the tree
// owns every node); an inverted feeder edge carries the feeder's loser
// rather than its winner, which is how N-elimination re-seeds losers.
type Node struct {
	ID    string
	Round int
	Slot  int

	LeftFeeder    *Node
	RightFeeder   *Node
	LeftInverted  bool
	RightInverted bool

	// Occupants. Empty until both feeders are complete, except on pre-seeded
	// first-round leaves.
	LeftTeam  string
	RightTeam string

	Winner string
	Loser  string

	MatchID string
	LogURL  string

	winnerChild *Node
	loserChild  *Node
}

// Complete reports whether this node's match outcome is decided.
func (n *Node) Complete() bool { return n.Winner != "" }

// Ready reports whether the node is fully seated with real teams and still
// needs a match scheduled.
func (n *Node) Ready() bool {
	return !n.Complete() && n.MatchID == "" &&
		n.LeftTeam != "" && n.RightTeam != "" &&
		n.LeftTeam != ByeTeam && n.RightTeam != ByeTeam
}

// BracketTree is the explicitly owned, in-memory bracket state. All mutation
// goes through Advance/SetMatch; Dot renders a consistent snapshot under the
// same lock.
//
// Canonical N-elimination rule: a team is eliminated once it accumulates N-1
// cumulative losses across the whole tournament, so N=2 is plain single
// elimination. The winners tree is built statically up front; loser-fed nodes
// are appended online as losers with remaining lives become available,
// pairing teams with equal (losses, wins) records first.
type BracketTree struct {
	mu sync.Mutex

	EliminationN int
	BestOf       int
	RequiredWins int

	nodes  []*Node
	byID   map[string]*Node
	seeds  map[string]TeamSeed // team ID -> seed
	nextID int

	finished   bool
	winnerTeam string
	rootID     string
}

// NewBracketTree seeds teams into a full static winners bracket.
// Seeding is deterministic — stable sort by team ID — so rebuilding from the
// same field reproduces the same tree, which crash recovery and result reuse
// both rely on.
func NewBracketTree(seeds []TeamSeed, eliminationN, bestOf int) (*BracketTree, error) {
	t, err := newEmptyTree(seeds, eliminationN, bestOf)
	if err != nil {
		return nil, err
	}

	ordered := make([]TeamSeed, len(seeds))
	copy(ordered, seeds)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].TeamID < ordered[j].TeamID })

	// Pad the field to a power of two with BYEs.
	slots := 1 << int(math.Ceil(math.Log2(float64(len(ordered)))))
	teams := make([]string, 0, slots)
	for _, s := range ordered {
		teams = append(teams, s.TeamID)
	}
	for len(teams) < slots {
		teams = append(teams, ByeTeam)
	}

	// First-round leaves, seated in sorted order: adjacent teams meet first,
	// BYEs fill the tail slots.
	width := slots / 2
	level := make([]*Node, width)
	for i := 0; i < width; i++ {
		level[i] = t.newNode(0, i)
		level[i].LeftTeam = teams[2*i]
		level[i].RightTeam = teams[2*i+1]
	}

	// Static winners tree above the leaves.
	round := 1
	for width > 1 {
		width /= 2
		upper := make([]*Node, width)
		for i := 0; i < width; i++ {
			parent := t.newNode(round, i)
			parent.LeftFeeder = level[i*2]
			parent.RightFeeder = level[i*2+1]
			level[i*2].winnerChild = parent
			level[i*2+1].winnerChild = parent
			upper[i] = parent
		}
		level = upper
		round++
	}

	// Resolve BYE leaves immediately; this can cascade up the static tree.
	for _, n := range t.nodes {
		t.resolveWithoutMatch(n)
	}
	t.extendOnline()

	return t, nil
}

func newEmptyTree(seeds []TeamSeed, eliminationN, bestOf int) (*BracketTree, error) {
	if bestOf <= 0 || bestOf%2 == 0 {
		return nil, fmt.Errorf("%w: best-of %d", ErrInvalidSeriesLength, bestOf)
	}
	if len(seeds) < 2 {
		return nil, fmt.Errorf("%w: have %d", ErrInsufficientTeams, len(seeds))
	}
	if eliminationN < 2 {
		return nil, fmt.Errorf("elimination arity must be at least 2, got %d", eliminationN)
	}
	t := &BracketTree{
		EliminationN: eliminationN,
		BestOf:       bestOf,
		RequiredWins: bestOf/2 + 1,
		byID:         map[string]*Node{},
		seeds:        map[string]TeamSeed{},
	}
	for _, s := range seeds {
		t.seeds[s.TeamID] = s
	}
	return t, nil
}

// RestoredNode is one persisted bracket node in storage-neutral form, handed
// to RestoreBracketTree after a restart. Feeders are referenced by key.
type RestoredNode struct {
	Key            string
	Round          int
	Slot           int
	LeftFeederKey  string
	RightFeederKey string
	LeftInverted   bool
	RightInverted  bool
	LeftTeam       string
	RightTeam      string
	Winner         string
	Loser          string
	LogURL         string
	MatchID        string
}

// RestoreBracketTree rebuilds a tree from persisted rows. Structure comes
// straight from the stored feeder edges, never from replaying results through
// the online extension: loser-fed pairings depend on the order outcomes
// arrived in, which the rows alone cannot reproduce once matches complete
// out of creation order.
func RestoreBracketTree(seeds []TeamSeed, eliminationN, bestOf int, rows []RestoredNode) (*BracketTree, error) {
	t, err := newEmptyTree(seeds, eliminationN, bestOf)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("no bracket nodes to restore")
	}

	ordered := make([]RestoredNode, len(rows))
	copy(ordered, rows)
	sort.Slice(ordered, func(i, j int) bool { return nodeKeyNum(ordered[i].Key) < nodeKeyNum(ordered[j].Key) })

	for _, row := range ordered {
		if t.byID[row.Key] != nil {
			return nil, fmt.Errorf("duplicate bracket node %s", row.Key)
		}
		n := &Node{
			ID:            row.Key,
			Round:         row.Round,
			Slot:          row.Slot,
			LeftInverted:  row.LeftInverted,
			RightInverted: row.RightInverted,
			LeftTeam:      row.LeftTeam,
			RightTeam:     row.RightTeam,
			Winner:        row.Winner,
			Loser:         row.Loser,
			LogURL:        row.LogURL,
			MatchID:       row.MatchID,
		}
		t.nodes = append(t.nodes, n)
		t.byID[n.ID] = n
		if num := nodeKeyNum(n.ID); num > t.nextID {
			t.nextID = num
		}
	}

	for _, row := range ordered {
		n := t.byID[row.Key]
		if n.LeftFeeder, err = t.wireFeeder(row.Key, row.LeftFeederKey, n, row.LeftInverted); err != nil {
			return nil, err
		}
		if n.RightFeeder, err = t.wireFeeder(row.Key, row.RightFeederKey, n, row.RightInverted); err != nil {
			return nil, err
		}
	}

	// Recomputes completion and the champion; creates nothing when the rows
	// are a consistent snapshot.
	t.extendOnline()
	return t, nil
}

func (t *BracketTree) wireFeeder(key, feederKey string, child *Node, inverted bool) (*Node, error) {
	if feederKey == "" {
		return nil, nil
	}
	feeder := t.byID[feederKey]
	if feeder == nil {
		return nil, fmt.Errorf("%w: node %s feeds from missing node %s", ErrUnknownNode, key, feederKey)
	}
	if inverted {
		feeder.loserChild = child
	} else {
		feeder.winnerChild = child
	}
	return feeder, nil
}

// nodeKeyNum extracts the numeric part of a node key for ordering. Keys are
// zero-padded to three digits, so plain string order breaks past n999.
func nodeKeyNum(key string) int {
	num, err := strconv.Atoi(strings.TrimPrefix(key, "n"))
	if err != nil {
		return 0
	}
	return num
}

func (t *BracketTree) newNode(round, slot int) *Node {
	t.nextID++
	n := &Node{ID: fmt.Sprintf("n%03d", t.nextID), Round: round, Slot: slot}
	t.nodes = append(t.nodes, n)
	t.byID[n.ID] = n
	return n
}

// maxLosses is the loss count at which a team is out.
func (t *BracketTree) maxLosses() int { return t.EliminationN - 1 }

// resolveWithoutMatch completes nodes that never need a played match: BYE
// pairings and a team somehow seated against itself.
func (t *BracketTree) resolveWithoutMatch(n *Node) {
	if n.Complete() || n.LeftTeam == "" || n.RightTeam == "" {
		return
	}
	switch {
	case n.LeftTeam == ByeTeam && n.RightTeam == ByeTeam:
		t.complete(n, ByeTeam, ByeTeam)
	case n.LeftTeam == ByeTeam:
		t.complete(n, n.RightTeam, ByeTeam)
	case n.RightTeam == ByeTeam:
		t.complete(n, n.LeftTeam, ByeTeam)
	case n.LeftTeam == n.RightTeam:
		t.complete(n, n.LeftTeam, n.RightTeam)
	}
}

// complete records a node outcome and propagates occupants downstream.
func (t *BracketTree) complete(n *Node, winner, loser string) {
	n.Winner = winner
	n.Loser = loser
	if n.winnerChild != nil {
		t.maybeSeat(n.winnerChild)
	}
	if n.loserChild != nil {
		t.maybeSeat(n.loserChild)
	}
}

// maybeSeat sets a node's occupants once — and only once — both feeders are
// complete.
func (t *BracketTree) maybeSeat(n *Node) {
	if n.LeftTeam != "" || n.RightTeam != "" {
		return
	}
	if n.LeftFeeder == nil || n.RightFeeder == nil {
		return
	}
	if !n.LeftFeeder.Complete() || !n.RightFeeder.Complete() {
		return
	}
	n.LeftTeam = feederOutput(n.LeftFeeder, n.LeftInverted)
	n.RightTeam = feederOutput(n.RightFeeder, n.RightInverted)
	t.resolveWithoutMatch(n)
}

func feederOutput(feeder *Node, inverted bool) string {
	if inverted {
		return feeder.Loser
	}
	return feeder.Winner
}

// Advance applies a decided match to its node; the loser is the other seated
// occupant. Idempotent: re-delivering the same result is a no-op; delivering
// a conflicting result is a contract violation. Returns the nodes that
// became schedulable.
func (t *BracketTree) Advance(nodeID, winnerTeam, logURL string) ([]*Node, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.byID[nodeID]
	if n == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}
	if n.Complete() {
		if n.Winner == winnerTeam {
			return nil, nil // duplicate delivery
		}
		return nil, fmt.Errorf("%w: node %s already won by %s, got %s", ErrOccupantConflict, nodeID, n.Winner, winnerTeam)
	}

	var loserTeam string
	switch winnerTeam {
	case n.LeftTeam:
		loserTeam = n.RightTeam
	case n.RightTeam:
		loserTeam = n.LeftTeam
	default:
		return nil, fmt.Errorf("%w: winner %s is not seated at node %s", ErrOccupantConflict, winnerTeam, nodeID)
	}

	wasReady := t.readyIDs()
	n.LogURL = logURL
	t.complete(n, winnerTeam, loserTeam)
	t.extendOnline()
	return t.newlyReady(wasReady), nil
}

func (t *BracketTree) readyIDs() map[string]bool {
	ready := map[string]bool{}
	for _, n := range t.nodes {
		if n.Ready() {
			ready[n.ID] = true
		}
	}
	return ready
}

func (t *BracketTree) newlyReady(before map[string]bool) []*Node {
	var out []*Node
	for _, n := range t.nodes {
		if n.Ready() && !before[n.ID] {
			out = append(out, n)
		}
	}
	return out
}

// extendOnline appends loser-fed nodes for every pair of available teams.
// A team is available when its latest node is complete and it has no onward
// edge: winners past the static tree, and losers still under the loss cap.
// Pairing prefers equal (losses, wins) records, then equal losses, then any
// pairing at all, mirroring how teams should progress at an even rate.
func (t *BracketTree) extendOnline() {
	wins := map[string]int{}
	losses := map[string]int{}
	for _, n := range t.nodes {
		if n.Winner != "" && n.Winner != ByeTeam {
			wins[n.Winner]++
		}
		if n.Loser != "" && n.Loser != ByeTeam {
			losses[n.Loser]++
		}
	}

	type source struct {
		node     *Node
		team     string
		inverted bool
	}

	var available []source
	pending := false
	for _, n := range t.nodes {
		if !n.Complete() {
			pending = true
			continue
		}
		if n.Winner != ByeTeam && n.winnerChild == nil {
			available = append(available, source{n, n.Winner, false})
		}
		if n.Loser != ByeTeam && n.Loser != n.Winner && n.loserChild == nil && losses[n.Loser] < t.maxLosses() {
			available = append(available, source{n, n.Loser, true})
		}
	}

	if !pending && len(available) <= 1 {
		t.finished = true
		if len(available) == 1 {
			t.winnerTeam = available[0].team
			t.rootID = available[0].node.ID
		}
		return
	}

	attach := func(pair [2]source, round int) {
		child := t.newNode(round, 0)
		child.LeftFeeder = pair[0].node
		child.LeftInverted = pair[0].inverted
		child.RightFeeder = pair[1].node
		child.RightInverted = pair[1].inverted
		for _, src := range pair {
			if src.inverted {
				src.node.loserChild = child
			} else {
				src.node.winnerChild = child
			}
		}
		t.maybeSeat(child)
	}

	round := 0
	for _, n := range t.nodes {
		if n.Round > round {
			round = n.Round
		}
	}
	round++

	// Grouping cascade: exact record, then loss count, then everyone.
	groupings := []func(src source) string{
		func(src source) string { return fmt.Sprintf("%02d/%02d", losses[src.team], wins[src.team]) },
		func(src source) string { return fmt.Sprintf("%02d", losses[src.team]) },
		func(src source) string { return "*" },
	}

	created := pending
	for _, groupBy := range groupings {
		groups := map[string][]source{}
		for _, src := range available {
			groups[groupBy(src)] = append(groups[groupBy(src)], src)
		}

		keys := make([]string, 0, len(groups))
		for k := range groups {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, key := range keys {
			members := groups[key]
			sort.Slice(members, func(i, j int) bool { return members[i].team < members[j].team })
			for i := 0; i+1 < len(members); i += 2 {
				attach([2]source{members[i], members[i+1]}, round)
				created = true
			}
		}
		if created {
			break
		}
	}
}

// SetMatch links a scheduled match to its node.
func (t *BracketTree) SetMatch(nodeID, matchID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.byID[nodeID]
	if n == nil {
		return fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}
	n.MatchID = matchID
	return nil
}

// ClearMatch unlinks a node's match so a replacement can be scheduled.
func (t *BracketTree) ClearMatch(nodeID string) (*Node, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.byID[nodeID]
	if n == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}
	n.MatchID = ""
	return n, nil
}

// ReadyNodes returns every node currently awaiting a match, in creation order.
func (t *BracketTree) ReadyNodes() []*Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Node
	for _, n := range t.nodes {
		if n.Ready() {
			out = append(out, n)
		}
	}
	return out
}

// Nodes returns every node in creation order.
func (t *BracketTree) Nodes() []*Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Node, len(t.nodes))
	copy(out, t.nodes)
	return out
}

// NodeByID looks a node up.
func (t *BracketTree) NodeByID(id string) *Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byID[id]
}

// Seed returns the frozen seed for a team.
func (t *BracketTree) Seed(teamID string) (TeamSeed, bool) {
	s, ok := t.seeds[teamID]
	return s, ok
}

// Finished reports tournament completion and the champion, once decided.
func (t *BracketTree) Finished() (bool, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finished, t.winnerTeam
}

// RootID is the node whose completion decided the tournament.
func (t *BracketTree) RootID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rootID
}

func (t *BracketTree) teamLabel(teamID string) string {
	if teamID == "" {
		return "-"
	}
	if teamID == ByeTeam {
		return "BYE"
	}
	if s, ok := t.seeds[teamID]; ok {
		return fmt.Sprintf("%s_%s", s.Name, teamID)
	}
	return teamID
}

// Dot renders the bracket as a Graphviz digraph: solid edges carry winners,
// dotted edges carry losers. Rendered under the tree lock so the snapshot is
// a single consistent read, callable mid-tournament.
func (t *BracketTree) Dot() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var b strings.Builder
	b.WriteString("digraph bracket {\n")
	b.WriteString("  rankdir=LR\n")
	for _, n := range t.nodes {
		if n.LeftFeeder != nil {
			fmt.Fprintf(&b, "  %s -> %s [style=%s];\n", n.LeftFeeder.ID, n.ID, edgeStyle(n.LeftInverted))
		}
		if n.RightFeeder != nil {
			fmt.Fprintf(&b, "  %s -> %s [style=%s];\n", n.RightFeeder.ID, n.ID, edgeStyle(n.RightInverted))
		}
		label := fmt.Sprintf("%s vs %s", t.teamLabel(n.LeftTeam), t.teamLabel(n.RightTeam))
		if n.Complete() {
			label = fmt.Sprintf("%s | winner %s", label, t.teamLabel(n.Winner))
			if n.LogURL != "" {
				label += `\n` + n.LogURL
			}
		}
		fmt.Fprintf(&b, "  %s [label=%q];\n", n.ID, label)
	}
	b.WriteString("}\n")
	return b.String()
}

func edgeStyle(inverted bool) string {
	if inverted {
		return "dotted"
	}
	return "solid"
}
