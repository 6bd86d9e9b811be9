// Package pipeline runs the consolidation stages against the store: extract
// pending exchanges, organize new atoms, maintain thread shape and refresh
// thread summaries. Each stage completes its whole batch before committing.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/zekerdoodle/SecondBrain-sub003/internal/activity"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/apply"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/decision"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/extract"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/lease"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/logging"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/memory"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/metrics"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/organize"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/search"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/store"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/summarize"
)

// Stage names a pipeline job
type Stage string

const (
	StageExtract   Stage = "extract"
	StageOrganize  Stage = "organize"
	StageMaintain  Stage = "maintain"
	StageSummarize Stage = "summarize"
)

// Stages lists every stage in run order
var Stages = []Stage{StageExtract, StageOrganize, StageMaintain, StageSummarize}

// Outcomes recorded per run
const (
	OutcomeOK              = "ok"
	OutcomeEmpty           = "empty" // nothing to do
	OutcomeSchemaError     = "schema_error"
	OutcomeValidationError = "validation_error"
	OutcomeBusy            = "busy"
	OutcomeError           = "error"
)

// RunReport is the JSON record of one stage run
type RunReport struct {
	Stage      Stage               `json:"stage"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at"`
	Outcome    string              `json:"outcome"`
	Items      int                 `json:"items"` // exchanges, atoms or threads considered
	Decisions  []decision.Payload  `json:"decisions,omitempty"`
	Summaries  []apply.Description `json:"summaries,omitempty"`
	Result     *apply.Result       `json:"result,omitempty"`
	Error      string              `json:"error,omitempty"`
}

// JSON renders the report for logs and the CLI
func (r *RunReport) JSON() []byte {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return []byte(fmt.Sprintf(`{"stage":%q,"error":%q}`, r.Stage, err.Error()))
	}
	return data
}

// Options tunes batch sizes
type Options struct {
	ExtractBatch    int // exchanges per extract run
	KnownAtoms      int // recent atoms shown to the extractor for dedupe
	OrganizeBatch   int // atoms per organize run
	CandidateLimit  int
	RelatedAtoms    int     // possibly-outdated atoms shown per decision
	RelatedOverlap  float64 // token Jaccard for an atom to count as related
	Thresholds      memory.Thresholds
	ConversationTag string // reserved thread name prefix
}

// DefaultOptions returns the options used when the config leaves them unset
func DefaultOptions() Options {
	return Options{
		ExtractBatch:    40,
		KnownAtoms:      50,
		OrganizeBatch:   25,
		CandidateLimit:  5,
		RelatedAtoms:    5,
		RelatedOverlap:  0.3,
		Thresholds:      memory.DefaultThresholds(),
		ConversationTag: memory.DefaultConversationPrefix,
	}
}

// Deps are the collaborators a runner drives
type Deps struct {
	Store      *store.Store
	Extractor  *extract.Extractor
	Organizer  *organize.Organizer
	Maintainer *organize.Maintainer
	Summarizer *summarize.Summarizer
	Searcher   search.Indexer
	Applier    *apply.Applier
	Metrics    *metrics.Metrics // optional
	History    *activity.Log    // optional
}

// Runner executes stage runs
type Runner struct {
	Deps
	opts Options
	now  func() time.Time
}

// NewRunner creates a runner
func NewRunner(deps Deps, opts Options) *Runner {
	if opts.ConversationTag == "" {
		opts.ConversationTag = memory.DefaultConversationPrefix
	}
	return &Runner{Deps: deps, opts: opts, now: time.Now}
}

// Run executes one stage by name
func (r *Runner) Run(ctx context.Context, stage Stage) (*RunReport, error) {
	switch stage {
	case StageExtract:
		return r.RunExtract(ctx)
	case StageOrganize:
		return r.RunOrganize(ctx)
	case StageMaintain:
		return r.RunMaintain(ctx)
	case StageSummarize:
		return r.RunSummarize(ctx)
	default:
		return nil, fmt.Errorf("unknown stage %q", stage)
	}
}

// RunAll runs every stage in order. A failed stage is reported and the
// remaining stages still run.
func (r *Runner) RunAll(ctx context.Context) ([]*RunReport, error) {
	var reports []*RunReport
	var errs []error
	for _, stage := range Stages {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		report, err := r.Run(ctx, stage)
		reports = append(reports, report)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", stage, err))
		}
	}
	return reports, errors.Join(errs...)
}

// RunExtract turns pending exchanges into atoms. Exchanges are grouped by
// session; any session failing drops the whole batch and leaves every
// exchange pending.
func (r *Runner) RunExtract(ctx context.Context) (*RunReport, error) {
	report := r.begin(StageExtract)

	pending, err := r.Store.PendingExchanges(ctx, r.opts.ExtractBatch)
	if err != nil {
		return r.finish(report, err)
	}
	report.Items = len(pending)
	if len(pending) == 0 {
		return r.finish(report, nil)
	}

	known, err := r.Store.RecentAtoms(ctx, r.opts.KnownAtoms)
	if err != nil {
		return r.finish(report, err)
	}

	var atoms []*memory.Atom
	exchangeIDs := make([]string, 0, len(pending))
	for _, session := range groupBySession(pending) {
		extracted, err := r.Extractor.Extract(ctx, session.id, session.exchanges, known)
		if err != nil {
			return r.finish(report, fmt.Errorf("session %s: %w", session.id, err))
		}
		atoms = append(atoms, extracted...)
		known = append(known, extracted...)
		for _, ex := range session.exchanges {
			exchangeIDs = append(exchangeIDs, ex.ID)
		}
	}

	res, err := r.Applier.CommitAtoms(ctx, atoms, exchangeIDs)
	if err != nil {
		return r.finish(report, err)
	}
	report.Result = res
	r.Metrics.ObserveAtoms(len(atoms))
	logging.Info("pipeline", "extract: %d atoms from %d exchanges", len(atoms), len(pending))
	return r.finish(report, nil)
}

type sessionBatch struct {
	id        string
	exchanges []*memory.Exchange
}

// groupBySession keeps first-seen session order and exchange order
func groupBySession(exchanges []*memory.Exchange) []sessionBatch {
	var out []sessionBatch
	index := make(map[string]int)
	for _, ex := range exchanges {
		i, ok := index[ex.SessionID]
		if !ok {
			i = len(out)
			index[ex.SessionID] = i
			out = append(out, sessionBatch{id: ex.SessionID})
		}
		out[i].exchanges = append(out[i].exchanges, ex)
	}
	return out
}

// RunOrganize files unorganized atoms into topical threads. Atoms are
// decided one at a time so threads created for earlier atoms are visible to
// later ones; the combined batch is validated and committed once.
func (r *Runner) RunOrganize(ctx context.Context) (*RunReport, error) {
	report := r.begin(StageOrganize)

	atoms, err := r.Store.UnorganizedAtoms(ctx, r.opts.OrganizeBatch)
	if err != nil {
		return r.finish(report, err)
	}
	report.Items = len(atoms)
	if len(atoms) == 0 {
		return r.finish(report, nil)
	}

	threads, err := r.Store.ListThreads(ctx)
	if err != nil {
		return r.finish(report, err)
	}
	view := newThreadView(threads, r.opts.ConversationTag)
	if err := r.Searcher.Index(ctx, view.threads); err != nil {
		return r.finish(report, fmt.Errorf("index threads: %w", err))
	}

	var batch []decision.Decision
	atomIDs := make([]string, 0, len(atoms))
	for _, atom := range atoms {
		candidates, err := r.Searcher.Candidates(ctx, atom.Content, r.opts.CandidateLimit)
		if err != nil {
			return r.finish(report, fmt.Errorf("candidates for %s: %w", atom.ID, err))
		}
		related, err := r.relatedAtoms(ctx, atom, candidates)
		if err != nil {
			return r.finish(report, err)
		}

		decided, err := r.Organizer.DecideRelated(ctx, atom, candidates, view.overview(), related)
		if err != nil {
			return r.finish(report, fmt.Errorf("atom %s: %w", atom.ID, err))
		}
		batch = append(batch, decided...)
		atomIDs = append(atomIDs, atom.ID)

		if view.record(decided) {
			if err := r.Searcher.Index(ctx, view.threads); err != nil {
				return r.finish(report, fmt.Errorf("reindex threads: %w", err))
			}
		}
	}
	report.Decisions = decision.Payloads(batch)

	res, err := r.Applier.Apply(ctx, batch, atomIDs)
	if err != nil {
		return r.finish(report, err)
	}
	report.Result = res
	r.Metrics.ObserveDecisions(res.Applied, res.Dropped, res.Triaged)
	logging.Info("pipeline", "organize: %d atoms, %d decisions, %d applied, %d triaged, %d dropped",
		len(atoms), len(batch), res.Applied, res.Triaged, res.Dropped)
	return r.finish(report, nil)
}

// relatedAtoms collects atoms in the candidate threads that share enough
// vocabulary with atom to be possibly outdated by it
func (r *Runner) relatedAtoms(ctx context.Context, atom *memory.Atom, candidates []search.Candidate) ([]*memory.Atom, error) {
	if r.opts.RelatedAtoms <= 0 {
		return nil, nil
	}

	type scored struct {
		atom  *memory.Atom
		score float64
	}
	var found []scored
	seen := map[string]bool{atom.ID: true}
	tokens := memory.Tokens(atom.Content)
	for _, c := range candidates {
		if c.ThreadID == "" || isPending(c.ThreadID) {
			continue
		}
		members, err := r.Store.ThreadAtoms(ctx, c.ThreadID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("atoms of %s: %w", c.Name, err)
		}
		for _, m := range members {
			if seen[m.ID] || m.SupersededBy != "" {
				continue
			}
			seen[m.ID] = true
			if s := memory.JaccardSets(tokens, memory.Tokens(m.Content)); s >= r.opts.RelatedOverlap {
				found = append(found, scored{m, s})
			}
		}
	}

	sort.SliceStable(found, func(i, j int) bool { return found[i].score > found[j].score })
	if len(found) > r.opts.RelatedAtoms {
		found = found[:r.opts.RelatedAtoms]
	}
	out := make([]*memory.Atom, len(found))
	for i, f := range found {
		out[i] = f.atom
	}
	return out, nil
}

// RunMaintain proposes and commits splits and merges for topical threads
func (r *Runner) RunMaintain(ctx context.Context) (*RunReport, error) {
	report := r.begin(StageMaintain)

	threads, err := r.Store.ListThreads(ctx)
	if err != nil {
		return r.finish(report, err)
	}
	var ids []string
	for _, t := range threads {
		ids = append(ids, t.AtomIDs...)
	}
	atoms, err := r.Store.AtomsByID(ctx, ids)
	if err != nil {
		return r.finish(report, err)
	}

	tm := organize.Metrics(threads, atoms, r.opts.Thresholds)
	report.Items = len(tm)
	plan, err := r.Maintainer.Plan(ctx, tm)
	if err != nil {
		return r.finish(report, err)
	}
	if len(plan) == 0 {
		return r.finish(report, nil)
	}
	report.Decisions = decision.Payloads(plan)

	res, err := r.Applier.Apply(ctx, plan, nil)
	if err != nil {
		return r.finish(report, err)
	}
	report.Result = res
	r.Metrics.ObserveDecisions(res.Applied, res.Dropped, res.Triaged)
	logging.Info("pipeline", "maintain: %d decisions, %d applied, %d dropped", len(plan), res.Applied, res.Dropped)
	return r.finish(report, nil)
}

// RunSummarize regenerates descriptions for topical threads whose atom set
// changed since the last summary
func (r *Runner) RunSummarize(ctx context.Context) (*RunReport, error) {
	report := r.begin(StageSummarize)

	threads, err := r.Store.ListThreads(ctx)
	if err != nil {
		return r.finish(report, err)
	}

	var descs []apply.Description
	for _, t := range threads {
		if t.Kind == memory.KindConversation || t.Size() == 0 {
			continue
		}
		atoms, err := r.Store.ThreadAtoms(ctx, t.ID)
		if err != nil {
			return r.finish(report, err)
		}
		if !summarize.Stale(t, atoms) {
			continue
		}
		report.Items++

		text, err := r.Summarizer.Summarize(ctx, t, atoms)
		if err != nil {
			return r.finish(report, fmt.Errorf("thread %q: %w", t.Name, err))
		}
		descs = append(descs, apply.Description{ThreadID: t.ID, Text: text, Hash: summarize.Fingerprint(atoms)})
	}
	if len(descs) == 0 {
		return r.finish(report, nil)
	}
	report.Summaries = descs

	res, err := r.Applier.CommitDescriptions(ctx, descs)
	if err != nil {
		return r.finish(report, err)
	}
	report.Result = res
	logging.Info("pipeline", "summarize: refreshed %d thread descriptions", res.Applied)
	return r.finish(report, nil)
}

func (r *Runner) begin(stage Stage) *RunReport {
	logging.Debug("pipeline", "%s: starting", stage)
	return &RunReport{Stage: stage, StartedAt: r.now()}
}

// finish stamps the report, records metrics and returns err unchanged so the
// caller sees the same error the report carries
func (r *Runner) finish(report *RunReport, err error) (*RunReport, error) {
	report.FinishedAt = r.now()
	report.Outcome = Outcome(err)
	if err == nil && report.Result == nil && report.Items == 0 {
		report.Outcome = OutcomeEmpty
	}
	if err != nil {
		report.Error = err.Error()
		logging.Warn("pipeline", "%s: batch dropped (%s): %v", report.Stage, report.Outcome, err)
	}

	r.Metrics.ObserveRun(string(report.Stage), report.Outcome, report.FinishedAt.Sub(report.StartedAt))
	if r.Metrics != nil {
		if stats, serr := r.Store.Stats(context.Background()); serr == nil {
			r.Metrics.SetStoreStats(stats)
		}
	}
	r.record(report)
	return report, err
}

func (r *Runner) record(report *RunReport) {
	if r.History == nil {
		return
	}
	raw, err := json.Marshal(report)
	if err != nil {
		logging.Warn("pipeline", "encode run report: %v", err)
		raw = nil
	}
	entry := activity.Entry{
		Timestamp: report.FinishedAt,
		Stage:     string(report.Stage),
		Outcome:   report.Outcome,
		Items:     report.Items,
		Duration:  report.FinishedAt.Sub(report.StartedAt).Seconds(),
		Summary:   report.Summary(),
		Error:     report.Error,
		Report:    raw,
	}
	if err := r.History.Log(entry); err != nil {
		logging.Warn("pipeline", "record run history: %v", err)
	}
}

// Summary is a one-line account of the run
func (r *RunReport) Summary() string {
	if r.Result == nil {
		return fmt.Sprintf("%s: %d items", r.Outcome, r.Items)
	}
	s := fmt.Sprintf("%d items, %d applied", r.Items, r.Result.Applied)
	if r.Result.Triaged > 0 {
		s += fmt.Sprintf(", %d triaged", r.Result.Triaged)
	}
	if r.Result.Dropped > 0 {
		s += fmt.Sprintf(", %d dropped", r.Result.Dropped)
	}
	if n := len(r.Result.Created); n > 0 {
		s += fmt.Sprintf(", %d threads created", n)
	}
	return s
}

// Outcome classifies a run error for metrics and reports
func Outcome(err error) string {
	var schemaErr *decision.SchemaError
	var validationErr *decision.ValidationError
	switch {
	case err == nil:
		return OutcomeOK
	case errors.As(err, &schemaErr):
		return OutcomeSchemaError
	case errors.As(err, &validationErr):
		return OutcomeValidationError
	case errors.Is(err, lease.ErrBusy), errors.Is(err, lease.ErrFrontendActive):
		return OutcomeBusy
	default:
		return OutcomeError
	}
}
