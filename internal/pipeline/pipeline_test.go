package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zekerdoodle/SecondBrain-sub003/internal/activity"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/apply"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/config"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/decision"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/extract"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/lease"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/memory"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/metrics"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/oracle"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/organize"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/search"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/store"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/summarize"
)

// MockOracle routes each call to the stage that made it
type MockOracle struct {
	mu        sync.Mutex
	extract   string
	decide    func(prompt string) string
	summary   string
	maintain  string
	extractFn func() (string, error)
	calls     map[string]int
}

func (m *MockOracle) Generate(ctx context.Context, system, prompt string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	switch {
	case strings.Contains(system, "Librarian"):
		m.calls["extract"]++
		if m.extractFn != nil {
			return m.extractFn()
		}
		return m.extract, nil
	case strings.Contains(system, "reviewing thread health"):
		m.calls["maintain"]++
		if m.maintain != "" {
			return m.maintain, nil
		}
		return `{"decisions":[]}`, nil
	case strings.Contains(system, "Gardener"):
		m.calls["decide"]++
		return m.decide(prompt), nil
	case strings.Contains(system, "Chronicler"):
		m.calls["summarize"]++
		return m.summary, nil
	}
	return "", fmt.Errorf("unexpected system prompt: %.40s", system)
}

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "brain.db"), "sqlite3")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestRunner(t *testing.T, s *store.Store, o oracle.Oracle, m *metrics.Metrics) *Runner {
	t.Helper()
	th := memory.DefaultThresholds()
	return NewRunner(Deps{
		Store:      s,
		Extractor:  extract.New(o, nil),
		Organizer:  organize.New(o, th, ""),
		Maintainer: organize.NewMaintainer(nil, th, ""),
		Summarizer: summarize.New(o),
		Searcher:   search.NewKeywordSearcher(),
		Applier:    apply.New(s, lease.New(s.DB(), "pipeline-test", time.Minute), nil, ""),
		Metrics:    m,
	}, DefaultOptions())
}

func addExchange(t *testing.T, s *store.Store, session, text string) *memory.Exchange {
	t.Helper()
	ex := &memory.Exchange{
		ID:        memory.NewExchangeID(),
		SessionID: session,
		Speaker:   "user",
		Text:      text,
		At:        time.Now().UTC(),
	}
	require.NoError(t, s.AddExchange(context.Background(), ex))
	return ex
}

func relocationOracle() *MockOracle {
	return &MockOracle{
		extract: `{"atoms":[
			{"content":"The user moved to Austin in March 2026.","tags":["relocation"],"importance":70},
			{"content":"The user works at a robotics startup.","tags":["career"]}
		]}`,
		decide: func(prompt string) string {
			if strings.Contains(prompt, "Austin") {
				return `{"decisions":[{"action":"create_and_assign","new_thread_name":"Relocation","new_thread_scope":"moving cities and housing","confidence":"high"}]}`
			}
			return `{"decisions":[{"action":"create_and_assign","new_thread_name":"Career","new_thread_scope":"jobs and employers","confidence":"medium"}]}`
		},
		summary: "The user moved to Austin in March 2026.",
	}
}

func TestRunner_EndToEnd(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	mock := relocationOracle()
	m := metrics.New()
	r := newTestRunner(t, s, mock, m)

	addExchange(t, s, "s1", "I moved to Austin in March for a new job at a robotics startup.")

	// Extract
	report, err := r.RunExtract(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, report.Outcome)
	assert.Equal(t, 1, report.Items)
	require.NotNil(t, report.Result)
	assert.Equal(t, 2, report.Result.Applied)

	pending, err := s.PendingExchanges(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	conv, err := s.GetThreadByName(ctx, memory.DefaultConversationPrefix+"s1")
	require.NoError(t, err)
	assert.Equal(t, memory.KindConversation, conv.Kind)
	assert.Equal(t, 2, conv.Size())

	// Organize
	report, err = r.RunOrganize(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, report.Outcome)
	assert.Len(t, report.Decisions, 2)
	assert.Equal(t, 2, mock.calls["decide"])

	relocation, err := s.GetThreadByName(ctx, "Relocation")
	require.NoError(t, err)
	assert.Equal(t, 1, relocation.Size())
	career, err := s.GetThreadByName(ctx, "Career")
	require.NoError(t, err)
	assert.Equal(t, 1, career.Size())

	unorganized, err := s.UnorganizedAtoms(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, unorganized)

	// Nothing left to organize
	report, err = r.RunOrganize(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeEmpty, report.Outcome)

	// Maintain: two small unrelated threads need nothing
	report, err = r.RunMaintain(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, report.Outcome)
	assert.Equal(t, 2, report.Items)
	assert.Empty(t, report.Decisions)

	// Summarize refreshes both topical threads, then nothing is stale
	report, err = r.RunSummarize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Items)
	assert.Len(t, report.Summaries, 2)

	relocation, err = s.GetThreadByName(ctx, "Relocation")
	require.NoError(t, err)
	assert.Equal(t, "The user moved to Austin in March 2026.", relocation.Description)
	assert.NotEmpty(t, relocation.DescriptionHash)

	report, err = r.RunSummarize(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeEmpty, report.Outcome)
	assert.Equal(t, 2, mock.calls["summarize"])

	conv, err = s.GetThreadByName(ctx, memory.DefaultConversationPrefix+"s1")
	require.NoError(t, err)
	assert.Empty(t, conv.Description, "conversation threads are not summarized")
}

func TestRunOrganize_LaterAtomSeesThreadCreatedEarlier(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	mock := &MockOracle{
		decide: func(prompt string) string {
			return `{"decisions":[{"action":"create_and_assign","new_thread_name":"Chess","new_thread_scope":"chess games and openings","confidence":"high"}]}`
		},
	}
	r := newTestRunner(t, s, mock, nil)

	for i, content := range []string{
		"The user plays the Sicilian Defense in chess.",
		"The user has a chess rating of 1650.",
	} {
		require.NoError(t, s.PutAtom(ctx, &memory.Atom{
			ID:        fmt.Sprintf("a%d", i),
			Content:   content,
			CreatedAt: time.Now().Add(time.Duration(i) * time.Second),
		}))
	}

	report, err := r.RunOrganize(ctx)
	require.NoError(t, err)
	require.Len(t, report.Decisions, 2)
	assert.Equal(t, decision.KindCreateAndAssign, report.Decisions[0].Action)
	// The second create names a thread already proposed in this batch
	assert.Equal(t, decision.KindAssign, report.Decisions[1].Action)
	assert.Equal(t, "Chess", report.Decisions[1].ThreadName)

	chess, err := s.GetThreadByName(ctx, "Chess")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a0", "a1"}, chess.AtomIDs)
}

func TestRunExtract_SchemaErrorDropsBatch(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	m := metrics.New()
	r := newTestRunner(t, s, &MockOracle{extract: "I could not find any facts."}, m)

	addExchange(t, s, "s1", "My sister Maya just started nursing school in Denver.")

	report, err := r.RunExtract(ctx)
	require.Error(t, err)
	var schemaErr *decision.SchemaError
	assert.True(t, errors.As(err, &schemaErr))
	assert.Equal(t, OutcomeSchemaError, report.Outcome)
	assert.NotEmpty(t, report.Error)

	pending, err := s.PendingExchanges(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1, "failed batch leaves exchanges pending")

	atoms, err := s.ListAtoms(ctx)
	require.NoError(t, err)
	assert.Empty(t, atoms)
}

func TestRunExtract_BusyLease(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	r := newTestRunner(t, s, relocationOracle(), nil)

	addExchange(t, s, "s1", "I moved to Austin in March for a new job at a robotics startup.")

	other := lease.New(s.DB(), "frontend", time.Minute)
	require.NoError(t, other.Acquire(ctx))

	report, err := r.RunExtract(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, lease.ErrBusy))
	assert.Equal(t, OutcomeBusy, report.Outcome)

	pending, err := s.PendingExchanges(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	require.NoError(t, other.Release(ctx))
	report, err = r.RunExtract(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, report.Outcome)
}

func TestRunExtract_GroupsSessions(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	mock := relocationOracle()
	r := newTestRunner(t, s, mock, nil)

	addExchange(t, s, "s1", "I moved to Austin in March for a new job at a robotics startup.")
	addExchange(t, s, "s2", "I moved to Austin in March for a new job at a robotics startup.")

	report, err := r.RunExtract(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, mock.calls["extract"], "one oracle call per session")
	// The second session's atoms duplicate the first's and are rejected
	assert.Equal(t, 2, report.Result.Applied)
}

func TestRunAll(t *testing.T) {
	s := setupTestStore(t)
	r := newTestRunner(t, s, relocationOracle(), nil)
	addExchange(t, s, "s1", "I moved to Austin in March for a new job at a robotics startup.")

	reports, err := r.RunAll(context.Background())
	require.NoError(t, err)
	require.Len(t, reports, len(Stages))
	for i, stage := range Stages {
		assert.Equal(t, stage, reports[i].Stage)
		assert.NotEqual(t, OutcomeError, reports[i].Outcome)
	}

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(reports[1].JSON(), &decoded))
	assert.Equal(t, "organize", decoded["stage"])
	assert.Contains(t, decoded, "decisions")
}

func TestRunAll_ContinuesAfterFailure(t *testing.T) {
	s := setupTestStore(t)
	mock := relocationOracle()
	mock.extractFn = func() (string, error) { return "", errors.New("oracle unavailable") }
	r := newTestRunner(t, s, mock, nil)
	addExchange(t, s, "s1", "I moved to Austin in March for a new job at a robotics startup.")

	reports, err := r.RunAll(context.Background())
	require.Error(t, err)
	require.Len(t, reports, len(Stages))
	assert.Equal(t, OutcomeError, reports[0].Outcome)
	assert.Equal(t, OutcomeEmpty, reports[1].Outcome)
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, OutcomeOK},
		{&decision.SchemaError{Reason: "bad"}, OutcomeSchemaError},
		{fmt.Errorf("atom a1: %w", &decision.SchemaError{Reason: "bad"}), OutcomeSchemaError},
		{&decision.ValidationError{}, OutcomeValidationError},
		{fmt.Errorf("wrapped: %w", lease.ErrBusy), OutcomeBusy},
		{lease.ErrFrontendActive, OutcomeBusy},
		{errors.New("disk full"), OutcomeError},
	}
	for _, tc := range tests {
		if got := Outcome(tc.err); got != tc.want {
			t.Errorf("Outcome(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestGroupBySession(t *testing.T) {
	exs := []*memory.Exchange{
		{ID: "e1", SessionID: "b"},
		{ID: "e2", SessionID: "a"},
		{ID: "e3", SessionID: "b"},
	}
	groups := groupBySession(exs)
	require.Len(t, groups, 2)
	assert.Equal(t, "b", groups[0].id)
	assert.Len(t, groups[0].exchanges, 2)
	assert.Equal(t, "e3", groups[0].exchanges[1].ID)
	assert.Equal(t, "a", groups[1].id)
}

// fakeRunner records the stages it was asked to run
type fakeRunner struct {
	mu     sync.Mutex
	stages []Stage
}

func (f *fakeRunner) Run(ctx context.Context, stage Stage) (*RunReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stages = append(f.stages, stage)
	return &RunReport{Stage: stage, Outcome: OutcomeOK}, nil
}

func TestScheduler(t *testing.T) {
	fake := &fakeRunner{}
	sched, err := NewScheduler(fake, config.Default().Schedule, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, Stages, sched.Jobs())

	var reports []*RunReport
	sched.OnReport = func(r *RunReport) { reports = append(reports, r) }

	sched.Start()
	report := sched.RunNow(context.Background(), StageSummarize)
	require.NoError(t, sched.Shutdown())

	require.NotNil(t, report)
	assert.Equal(t, StageSummarize, report.Stage)
	assert.Equal(t, []Stage{StageSummarize}, fake.stages)
	assert.Len(t, reports, 1)
}

func TestScheduler_InvalidCadence(t *testing.T) {
	cadence := config.Default().Schedule
	cadence.Maintain = "every tuesday"
	_, err := NewScheduler(&fakeRunner{}, cadence, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maintain")
}

func TestRunner_RecordsHistory(t *testing.T) {
	s := setupTestStore(t)
	r := newTestRunner(t, s, relocationOracle(), nil)
	r.History = activity.New(t.TempDir())
	addExchange(t, s, "s1", "I moved to Austin in March for a new job at a robotics startup.")

	_, err := r.RunExtract(context.Background())
	require.NoError(t, err)
	_, err = r.RunMaintain(context.Background())
	require.NoError(t, err)

	entries, err := r.History.Recent(10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "extract", entries[0].Stage)
	assert.Equal(t, OutcomeOK, entries[0].Outcome)
	assert.Equal(t, "1 items, 2 applied, 1 threads created", entries[0].Summary)
	assert.NotEmpty(t, entries[0].Report)
	assert.Equal(t, OutcomeEmpty, entries[1].Outcome)
}

func TestRunner_MaintainRejectsUnparseableOraclePlan(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	mock := &MockOracle{maintain: "I think you should split Work, sorry no JSON"}
	r := newTestRunner(t, s, mock, metrics.New())
	r.Maintainer = organize.NewMaintainer(mock, memory.DefaultThresholds(), "")
	r.History = activity.New(t.TempDir())

	require.NoError(t, s.PutAtom(ctx, &memory.Atom{ID: "a1", Content: "The user plays chess on Sundays."}))
	require.NoError(t, s.PutThread(ctx, &memory.Thread{ID: "t-chess", Name: "Chess", Scope: "chess games", AtomIDs: []string{"a1"}}))

	report, err := r.RunMaintain(ctx)
	var serr *decision.SchemaError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, OutcomeSchemaError, report.Outcome)
	assert.Equal(t, 1, mock.calls["maintain"])

	entries, err := r.History.Recent(1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, OutcomeSchemaError, entries[0].Outcome)
	assert.NotEmpty(t, entries[0].Error)
}
