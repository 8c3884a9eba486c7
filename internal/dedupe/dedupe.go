// Package dedupe finds entities within a tenant that describe the same
// real-world person and consolidates them into one survivor.
package dedupe

import (
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/entity-resolver/internal/match"
	"github.com/sells-group/entity-resolver/internal/model"
	"github.com/sells-group/entity-resolver/internal/normalize"
	"github.com/sells-group/entity-resolver/internal/score"
)

// DefaultAutoMergeThreshold is the minimum score of an exact-identifier
// edge before two entities are merged without review.
const DefaultAutoMergeThreshold = 80

// Pair is one matched pair of entities.
type Pair struct {
	A         string               `json:"a"`
	B         string               `json:"b"`
	Candidate model.MatchCandidate `json:"candidate"`
	Score     int                  `json:"score"`
}

// Group is a set of entities to consolidate into Survivor.
type Group struct {
	Survivor     *model.Entity   `json:"survivor"`
	Subordinates []*model.Entity `json:"subordinates"`
	// Scores holds, per subordinate id, the best edge score joining it to
	// the group.
	Scores map[string]int `json:"scores"`
	Edges  []Pair         `json:"edges"`
}

// Result is the outcome of a duplicate scan.
type Result struct {
	TenantID string  `json:"tenant_id"`
	Scanned  int     `json:"scanned"`
	Groups   []Group `json:"groups"`
	// Review holds name-based pairs that need a human decision.
	Review []Pair `json:"review"`
}

// Snapshot turns an entity into a synthetic observation so it can be matched
// and merged like inbound data. Each field keeps its stored confidence and
// verified flag as provenance.
func Snapshot(e *model.Entity) *model.Normalized {
	n := &model.Normalized{
		ObservationID: SnapshotID(e.ID),
		TenantID:      e.TenantID,
		Source:        model.SourceInternalScan,
		Tier:          model.TierFirstPartyVerified,
		Fields:        make(map[model.FieldKey]string, len(e.Fields)),
		Provenance:    make(map[model.FieldKey]model.FieldProvenance, len(e.Fields)),
		Tags:          slices.Clone(e.Tags),
	}
	for k, f := range e.Fields {
		if f.Empty() {
			continue
		}
		n.Fields[k] = f.Value
		n.Provenance[k] = model.FieldProvenance{Confidence: f.Confidence, Verified: f.Verified}
	}
	return n
}

// SnapshotID is the observation id recorded when entityID is merged into a
// survivor.
func SnapshotID(entityID string) string {
	return "entity:" + entityID
}

// FindDuplicates scans pool and groups entities joined by exact-identifier
// matches scoring at least threshold. Name-based matches are returned for
// review and never grouped. Tombstoned entities are skipped. The result does
// not depend on pool order.
func FindDuplicates(pool []*model.Entity, threshold int) Result {
	if threshold <= 0 {
		threshold = DefaultAutoMergeThreshold
	}

	live := make([]*model.Entity, 0, len(pool))
	for _, e := range pool {
		if e != nil && !e.Tombstoned() {
			live = append(live, e)
		}
	}
	slices.SortFunc(live, func(a, b *model.Entity) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})

	res := Result{Scanned: len(live)}
	if len(live) > 0 {
		res.TenantID = live[0].TenantID
	}

	index := make(map[string]int, len(live))
	for i, e := range live {
		index[e.ID] = i
	}
	uf := newUnionFind(len(live))

	var edges, review []Pair
	for _, p := range candidatePairs(live) {
		a, b := live[p[0]], live[p[1]]
		c, ok := bestMatch(a, b)
		if !ok {
			continue
		}
		pair := Pair{A: a.ID, B: b.ID, Candidate: c, Score: score.Score(c, model.TierFirstPartyVerified)}
		switch {
		case c.AutoMergeable() && pair.Score >= threshold:
			uf.union(p[0], p[1])
			edges = append(edges, pair)
		case !c.AutoMergeable():
			review = append(review, pair)
		}
	}

	members := make(map[int][]*model.Entity)
	for i, e := range live {
		root := uf.find(i)
		members[root] = append(members[root], e)
	}
	roots := make([]int, 0, len(members))
	for root, ms := range members {
		if len(ms) > 1 {
			roots = append(roots, root)
		}
	}
	slices.Sort(roots)

	for _, root := range roots {
		g := buildGroup(members[root])
		for _, e := range edges {
			if uf.find(index[e.A]) == root {
				g.Edges = append(g.Edges, e)
			}
		}
		for _, e := range g.Edges {
			for _, id := range []string{e.A, e.B} {
				if id != g.Survivor.ID && e.Score > g.Scores[id] {
					g.Scores[id] = e.Score
				}
			}
		}
		res.Groups = append(res.Groups, g)
	}

	for _, p := range review {
		if uf.find(index[p.A]) == uf.find(index[p.B]) {
			continue
		}
		res.Review = append(res.Review, p)
	}

	zap.L().Debug("dedupe: scan complete",
		zap.String("tenant_id", res.TenantID),
		zap.Int("scanned", res.Scanned),
		zap.Int("groups", len(res.Groups)),
		zap.Int("review_pairs", len(res.Review)),
	)
	return res
}

// bestMatch compares a and b in both directions and keeps the stronger
// tier.
func bestMatch(a, b *model.Entity) (model.MatchCandidate, bool) {
	var best model.MatchCandidate
	found := false
	for _, dir := range [][2]*model.Entity{{a, b}, {b, a}} {
		cands := match.FindCandidates(Snapshot(dir[0]), []*model.Entity{dir[1]})
		if len(cands) == 0 {
			continue
		}
		if !found || cands[0].Tier < best.Tier {
			best = cands[0]
			found = true
		}
	}
	return best, found
}

// buildGroup picks the survivor: highest confidence sum, then earliest
// creation, then lowest id.
func buildGroup(ms []*model.Entity) Group {
	ordered := slices.Clone(ms)
	slices.SortStableFunc(ordered, func(a, b *model.Entity) int {
		if sa, sb := a.ConfidenceSum(), b.ConfidenceSum(); sa != sb {
			return sb - sa
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return Group{
		Survivor:     ordered[0],
		Subordinates: ordered[1:],
		Scores:       make(map[string]int, len(ordered)-1),
	}
}

// candidatePairs returns index pairs (i < j) of entities sharing an email,
// LinkedIn URL or last-name key. Entities sharing none of these can never
// match, so they are never compared.
func candidatePairs(live []*model.Entity) [][2]int {
	blocks := make(map[string][]int)
	for i, e := range live {
		for _, key := range blockingKeys(e) {
			blocks[key] = append(blocks[key], i)
		}
	}

	keys := make([]string, 0, len(blocks))
	for k := range blocks {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	seen := make(map[[2]int]bool)
	var out [][2]int
	for _, k := range keys {
		idx := blocks[k]
		for x := 0; x < len(idx); x++ {
			for y := x + 1; y < len(idx); y++ {
				p := [2]int{idx[x], idx[y]}
				if p[0] > p[1] {
					p[0], p[1] = p[1], p[0]
				}
				if p[0] == p[1] || seen[p] {
					continue
				}
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	slices.SortFunc(out, func(a, b [2]int) int {
		if a[0] != b[0] {
			return a[0] - b[0]
		}
		return a[1] - b[1]
	})
	return out
}

func blockingKeys(e *model.Entity) []string {
	var keys []string
	for _, email := range e.EmailValues(false) {
		keys = append(keys, "email:"+email)
	}
	if li := e.Value(model.FieldLinkedInURL); li != "" {
		keys = append(keys, "linkedin:"+li)
	}
	last := e.Value(model.FieldLastName)
	if last == "" {
		_, last = normalize.SplitName(e.Value(model.FieldFullName))
	}
	if key := normalize.NameKey(last); key != "" {
		keys = append(keys, "last:"+key)
	}
	return slices.Compact(keys)
}

type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	return &unionFind{parent: p}
}

func (u *unionFind) find(i int) int {
	for u.parent[i] != i {
		u.parent[i] = u.parent[u.parent[i]]
		i = u.parent[i]
	}
	return i
}

// union keeps the smaller index as root so roots follow pool order.
func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	switch {
	case ra == rb:
	case ra < rb:
		u.parent[rb] = ra
	default:
		u.parent[ra] = rb
	}
}
