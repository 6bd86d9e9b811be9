package organize

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/zekerdoodle/SecondBrain-sub003/internal/decision"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/logging"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/memory"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/oracle"
)

// ThreadMetrics describes one topical thread for maintenance planning
type ThreadMetrics struct {
	Thread   *memory.Thread
	Atoms    []*memory.Atom
	Size     int
	Band     memory.SizeBand
	Cohesion float64 // mean pairwise keyword overlap, 0-1
}

// Metrics computes size, band and cohesion for every topical thread.
// atoms maps atom id to atom; missing ids are ignored.
func Metrics(threads []*memory.Thread, atoms map[string]*memory.Atom, th memory.Thresholds) []ThreadMetrics {
	var out []ThreadMetrics
	for _, t := range threads {
		if t.Kind == memory.KindConversation {
			continue
		}
		m := ThreadMetrics{Thread: t, Size: t.Size(), Band: th.Band(t.Size())}
		for _, id := range t.AtomIDs {
			if a, ok := atoms[id]; ok {
				m.Atoms = append(m.Atoms, a)
			}
		}
		m.Cohesion = cohesion(m.Atoms, nameTokens(t.Name))
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Thread.Name < out[j].Thread.Name })
	return out
}

// Maintainer plans split and merge decisions
type Maintainer struct {
	oracle     oracle.Oracle // optional
	thresholds memory.Thresholds
	prefix     string

	// Tuning
	MinPartition    int     // smallest partition worth creating (default TargetMin)
	MaxKeywordShare float64 // keywords in more than this share of a thread's atoms are ignored
	ScopeOverlap    float64 // scope Jaccard at which two threads are merge candidates
}

// NewMaintainer creates a maintainer. A nil oracle plans with heuristics
// only.
func NewMaintainer(o oracle.Oracle, th memory.Thresholds, conversationPrefix string) *Maintainer {
	if conversationPrefix == "" {
		conversationPrefix = memory.DefaultConversationPrefix
	}
	return &Maintainer{
		oracle:          o,
		thresholds:      th,
		prefix:          conversationPrefix,
		MinPartition:    th.TargetMin,
		MaxKeywordShare: 0.6,
		ScopeOverlap:    0.5,
	}
}

// Plan returns split and merge decisions for the given threads. With an
// oracle, its proposals are returned once they validate; a reply that does
// not parse or validate fails the plan with a SchemaError or
// ValidationError. The heuristic plan is used without an oracle or when the
// oracle proposes nothing.
func (m *Maintainer) Plan(ctx context.Context, metrics []ThreadMetrics) ([]decision.Decision, error) {
	if len(metrics) == 0 {
		return nil, nil
	}

	if m.oracle != nil {
		plan, err := m.oraclePlan(ctx, metrics)
		if err != nil {
			logging.Warn("maintain", "oracle plan rejected: %v", err)
			return nil, err
		}
		if len(plan) > 0 {
			return plan, nil
		}
	}

	plan := m.heuristicPlan(metrics)
	logging.Info("maintain", "heuristic plan: %d decisions over %d threads", len(plan), len(metrics))
	return plan, nil
}

func (m *Maintainer) oraclePlan(ctx context.Context, metrics []ThreadMetrics) ([]decision.Decision, error) {
	output, err := m.oracle.Generate(ctx, maintainSystemPrompt, buildMaintainPrompt(metrics, m.thresholds))
	if err != nil {
		return nil, fmt.Errorf("maintain oracle: %w", err)
	}
	proposed, err := decision.Parse([]byte(oracle.ExtractJSON(output)))
	if err != nil {
		return nil, err
	}

	var plan []decision.Decision
	for _, d := range proposed {
		switch d.(type) {
		case decision.Split, decision.Merge:
			plan = append(plan, d)
		default:
			logging.Debug("maintain", "ignoring %s in maintenance plan", d.Kind())
		}
	}
	if len(plan) == 0 {
		return nil, nil
	}
	if err := decision.Validate(plan, decision.Snapshot{Threads: m.table(metrics)}); err != nil {
		return nil, err
	}
	return plan, nil
}

func (m *Maintainer) table(metrics []ThreadMetrics) *memory.ThreadTable {
	table := memory.NewThreadTable(m.prefix)
	for _, tm := range metrics {
		table.Add(tm.Thread)
	}
	return table
}

// heuristicPlan splits oversized threads by keyword clustering, then merges
// small overlapping threads that were not split
func (m *Maintainer) heuristicPlan(metrics []ThreadMetrics) []decision.Decision {
	var plan []decision.Decision
	used := make(map[string]bool)
	taken := make(map[string]bool)
	for _, tm := range metrics {
		taken[tm.Thread.Name] = true
	}

	for _, tm := range metrics {
		if !m.thresholds.NeedsSplitReview(tm.Size) {
			continue
		}
		if split, ok := m.splitThread(tm, taken); ok {
			plan = append(plan, split)
			used[tm.Thread.Name] = true
		}
	}

	for i := 0; i < len(metrics); i++ {
		a := metrics[i]
		if used[a.Thread.Name] {
			continue
		}
		for j := i + 1; j < len(metrics); j++ {
			b := metrics[j]
			if used[b.Thread.Name] || !m.mergeable(a, b) {
				continue
			}
			plan = append(plan, mergeOf(a.Thread, b.Thread))
			used[a.Thread.Name] = true
			used[b.Thread.Name] = true
			break
		}
	}
	return plan
}

// splitThread partitions a thread by greedy keyword clustering
func (m *Maintainer) splitThread(tm ThreadMetrics, taken map[string]bool) (decision.Split, bool) {
	exclude := nameTokens(tm.Thread.Name)
	keywords := make(map[string][]string) // keyword -> atom ids
	tagged := make(map[string]bool)
	atomKeywords := make(map[string]map[string]bool)

	for _, a := range tm.Atoms {
		kws := atomKeywordSet(a, exclude)
		atomKeywords[a.ID] = kws
		for kw := range kws {
			keywords[kw] = append(keywords[kw], a.ID)
		}
		for _, tag := range a.Tags {
			tagged[tag] = true
		}
	}

	limit := int(m.MaxKeywordShare * float64(len(tm.Atoms)))
	minSize := m.MinPartition
	if minSize < 1 {
		minSize = 1
	}

	remaining := make(map[string]bool, len(tm.Atoms))
	for _, a := range tm.Atoms {
		remaining[a.ID] = true
	}

	var partitions []decision.Partition
	for {
		best, bestCount := "", 0
		for kw, ids := range keywords {
			if len(ids) > limit {
				continue
			}
			count := 0
			for _, id := range ids {
				if remaining[id] {
					count++
				}
			}
			if betterKeyword(kw, count, best, bestCount, tagged) {
				best, bestCount = kw, count
			}
		}
		if best == "" || bestCount < minSize {
			break
		}

		var ids []string
		for _, a := range tm.Atoms {
			if remaining[a.ID] && atomKeywords[a.ID][best] {
				ids = append(ids, a.ID)
				delete(remaining, a.ID)
			}
		}
		name := uniqueName(tm.Thread.Name+" / "+titleCase(best), taken)
		taken[name] = true
		partitions = append(partitions, decision.Partition{
			Name:    name,
			Scope:   fmt.Sprintf("%s: %s", tm.Thread.Scope, best),
			AtomIDs: ids,
		})
	}

	if len(partitions) < 2 {
		for _, p := range partitions {
			delete(taken, p.Name)
		}
		logging.Debug("maintain", "thread %q (%d atoms): no clean split", tm.Thread.Name, tm.Size)
		return decision.Split{}, false
	}

	logging.Info("maintain", "thread %q (%d atoms): split into %d partitions, %d atoms stay",
		tm.Thread.Name, tm.Size, len(partitions), len(remaining))
	return decision.Split{
		SourceThread:        tm.Thread.Name,
		Partitions:          partitions,
		DeleteSourceIfEmpty: len(remaining) == 0,
	}, true
}

// betterKeyword orders by coverage, then prefers tags, then the
// alphabetically first keyword
func betterKeyword(kw string, count int, best string, bestCount int, tagged map[string]bool) bool {
	if count != bestCount {
		return count > bestCount
	}
	if best == "" {
		return true
	}
	if tagged[kw] != tagged[best] {
		return tagged[kw]
	}
	return kw < best
}

// mergeable reports whether two small threads cover the same ground
func (m *Maintainer) mergeable(a, b ThreadMetrics) bool {
	if len(unionIDs(a.Thread.AtomIDs, b.Thread.AtomIDs)) > m.thresholds.TargetMax {
		return false
	}
	na, nb := nameTokens(a.Thread.Name), nameTokens(b.Thread.Name)
	if len(na) > 0 && len(nb) > 0 && (subset(na, nb) || subset(nb, na)) {
		return true
	}
	sa, sb := contentTokens(a.Thread.Scope), contentTokens(b.Thread.Scope)
	if len(sa) == 0 || len(sb) == 0 {
		return false
	}
	return memory.JaccardSets(sa, sb) >= m.ScopeOverlap
}

// mergeOf keeps the shorter name and joins the scopes
func mergeOf(a, b *memory.Thread) decision.Merge {
	keep, other := a, b
	if len(b.Name) < len(a.Name) || (len(b.Name) == len(a.Name) && b.Name < a.Name) {
		keep, other = b, a
	}
	scope := keep.Scope
	switch {
	case other.Scope == "" || strings.Contains(keep.Scope, other.Scope):
	case keep.Scope == "" || strings.Contains(other.Scope, keep.Scope):
		scope = other.Scope
	default:
		scope = keep.Scope + "; " + other.Scope
	}
	return decision.Merge{
		ThreadNames: []string{keep.Name, other.Name},
		MergedName:  keep.Name,
		MergedScope: scope,
	}
}

// cohesion is the mean pairwise Jaccard of atom keyword sets, sampled over
// at most the first 40 atoms
func cohesion(atoms []*memory.Atom, exclude map[string]bool) float64 {
	if len(atoms) > 40 {
		atoms = atoms[:40]
	}
	if len(atoms) < 2 {
		return 1
	}
	sets := make([]map[string]bool, len(atoms))
	for i, a := range atoms {
		sets[i] = atomKeywordSet(a, exclude)
	}
	var total float64
	pairs := 0
	for i := range sets {
		for j := i + 1; j < len(sets); j++ {
			total += memory.JaccardSets(sets[i], sets[j])
			pairs++
		}
	}
	return total / float64(pairs)
}

// atomKeywordSet returns content keywords and tags, minus stop words and
// the thread's own name tokens
func atomKeywordSet(a *memory.Atom, exclude map[string]bool) map[string]bool {
	set := contentTokens(a.Content)
	for _, tag := range a.Tags {
		set[tag] = true
	}
	for w := range exclude {
		delete(set, w)
	}
	return set
}

func contentTokens(s string) map[string]bool {
	set := make(map[string]bool)
	for w := range memory.Tokens(s) {
		if len(w) < 3 || stopWords[w] || isNumber(w) {
			continue
		}
		set[w] = true
	}
	return set
}

func nameTokens(name string) map[string]bool {
	return contentTokens(name)
}

func isNumber(w string) bool {
	for _, r := range w {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func subset(a, b map[string]bool) bool {
	for w := range a {
		if !b[w] {
			return false
		}
	}
	return true
}

func unionIDs(a, b []string) map[string]bool {
	set := make(map[string]bool, len(a)+len(b))
	for _, id := range a {
		set[id] = true
	}
	for _, id := range b {
		set[id] = true
	}
	return set
}

func uniqueName(name string, taken map[string]bool) string {
	if !taken[name] {
		return name
	}
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s %d", name, i)
		if !taken[candidate] {
			return candidate
		}
	}
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "was": true,
	"were": true, "are": true, "has": true, "have": true, "had": true,
	"user": true, "users": true, "from": true, "about": true, "that": true,
	"this": true, "into": true, "their": true, "they": true, "his": true,
	"her": true, "its": true, "who": true, "what": true, "when": true,
	"will": true, "would": true, "been": true, "being": true, "not": true,
	"but": true, "all": true, "also": true, "more": true, "most": true,
	"some": true, "than": true, "then": true, "there": true, "which": true,
}
