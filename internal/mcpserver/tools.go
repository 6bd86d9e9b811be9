package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/zekerdoodle/SecondBrain-sub003/internal/logging"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/memory"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/store"
)

type toolset struct {
	deps *Dependencies
}

func threadsTool() mcp.Tool {
	return mcp.NewTool("memory_threads",
		mcp.WithDescription("List memory threads with their scope, size and digest."),
		mcp.WithBoolean("include_conversations",
			mcp.Description("Also list the per-session conversation threads (default false)"),
		),
	)
}

func threadTool() mcp.Tool {
	return mcp.NewTool("memory_thread",
		mcp.WithDescription("Show one thread: its digest and the facts filed in it, newest first."),
		mcp.WithString("name",
			mcp.Description("Thread name, e.g. 'Family Dynamics'"),
		),
		mcp.WithString("id",
			mcp.Description("Thread id, used when name is not given"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum atoms to return (default 50)"),
		),
	)
}

func atomTool() mcp.Tool {
	return mcp.NewTool("memory_atom",
		mcp.WithDescription("Show one memory atom with its threads and revision history."),
		mcp.WithString("id",
			mcp.Required(),
			mcp.Description("Atom id"),
		),
	)
}

func triageTool() mcp.Tool {
	return mcp.NewTool("memory_triage",
		mcp.WithDescription("List atoms whose placement was uncertain and is waiting for review."),
		mcp.WithBoolean("include_resolved",
			mcp.Description("Also list resolved items (default false)"),
		),
	)
}

func ingestTool() mcp.Tool {
	return mcp.NewTool("memory_ingest",
		mcp.WithDescription("Queue a piece of conversation for the memory pipeline. "+
			"Facts are extracted and filed on the next scheduled run."),
		mcp.WithString("text",
			mcp.Required(),
			mcp.Description("What was said"),
		),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Conversation session the text belongs to"),
		),
		mcp.WithString("speaker",
			mcp.Description("Who said it: user or assistant (default user)"),
		),
	)
}

func statsTool() mcp.Tool {
	return mcp.NewTool("memory_stats",
		mcp.WithDescription("Counts of atoms, threads and queued work."),
	)
}

type threadSummary struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Kind        string          `json:"kind"`
	Scope       string          `json:"scope,omitempty"`
	Size        int             `json:"size"`
	Band        memory.SizeBand `json:"band,omitempty"`
	Description string          `json:"description,omitempty"`
}

func (t *toolset) threads(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	includeConv := boolArg(req, "include_conversations", false)

	threads, err := t.deps.Store.ListThreads(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list threads: %v", err)), nil
	}

	out := make([]threadSummary, 0, len(threads))
	for _, th := range threads {
		if th.Kind == memory.KindConversation && !includeConv {
			continue
		}
		out = append(out, t.summarize(th))
	}
	return jsonResult(out)
}

func (t *toolset) summarize(th *memory.Thread) threadSummary {
	s := threadSummary{
		ID:          th.ID,
		Name:        th.Name,
		Kind:        string(th.Kind),
		Scope:       th.Scope,
		Size:        th.Size(),
		Description: th.Description,
	}
	if th.Kind == memory.KindTopical {
		s.Band = t.deps.Thresholds.Band(th.Size())
	}
	return s
}

func (t *toolset) thread(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := strings.TrimSpace(req.GetString("name", ""))
	id := strings.TrimSpace(req.GetString("id", ""))
	limit := intArg(req, "limit", 50)

	var th *memory.Thread
	var err error
	ref := name
	switch {
	case name != "":
		th, err = t.deps.Store.GetThreadByName(ctx, name)
	case id != "":
		ref = id
		th, err = t.deps.Store.GetThread(ctx, id)
	default:
		return mcp.NewToolResultError("'name' or 'id' is required"), nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return mcp.NewToolResultError("thread not found: " + ref), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load thread: %v", err)), nil
	}

	atoms, err := t.deps.Store.ThreadAtoms(ctx, th.ID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load atoms: %v", err)), nil
	}
	sort.SliceStable(atoms, func(i, j int) bool { return atoms[i].CreatedAt.After(atoms[j].CreatedAt) })
	if limit > 0 && len(atoms) > limit {
		atoms = atoms[:limit]
	}

	type atomLine struct {
		ID         string   `json:"id"`
		Content    string   `json:"content"`
		Tags       []string `json:"tags,omitempty"`
		Importance *int     `json:"importance,omitempty"`
		Revised    bool     `json:"revised,omitempty"`
	}
	lines := make([]atomLine, len(atoms))
	for i, a := range atoms {
		lines[i] = atomLine{ID: a.ID, Content: a.Content, Tags: a.Tags, Importance: a.Importance, Revised: len(a.Revisions) > 0}
	}

	return jsonResult(struct {
		Thread threadSummary `json:"thread"`
		Atoms  []atomLine    `json:"atoms"`
	}{t.summarize(th), lines})
}

func (t *toolset) atom(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := strings.TrimSpace(req.GetString("id", ""))
	if id == "" {
		return mcp.NewToolResultError("'id' is required"), nil
	}

	a, err := t.deps.Store.GetAtom(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return mcp.NewToolResultError("atom not found: " + id), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load atom: %v", err)), nil
	}

	// Thread ids alone mean nothing to an agent
	names := make([]string, 0, len(a.ThreadIDs))
	for _, tid := range a.ThreadIDs {
		if th, err := t.deps.Store.GetThread(ctx, tid); err == nil {
			names = append(names, th.Name)
		}
	}

	return jsonResult(struct {
		*memory.Atom
		ThreadNames []string `json:"thread_names"`
	}{a, names})
}

func (t *toolset) triage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	items, err := t.deps.Store.ListTriage(ctx, boolArg(req, "include_resolved", false))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list triage: %v", err)), nil
	}

	type triageLine struct {
		*memory.TriageItem
		Content string `json:"content,omitempty"`
	}
	out := make([]triageLine, len(items))
	for i, item := range items {
		out[i] = triageLine{TriageItem: item}
		if a, err := t.deps.Store.GetAtom(ctx, item.AtomID); err == nil {
			out[i].Content = a.Content
		}
	}
	return jsonResult(out)
}

func (t *toolset) ingest(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text := strings.TrimSpace(req.GetString("text", ""))
	session := strings.TrimSpace(req.GetString("session_id", ""))
	speaker := req.GetString("speaker", "user")

	if text == "" {
		return mcp.NewToolResultError("'text' is required"), nil
	}
	if session == "" {
		return mcp.NewToolResultError("'session_id' is required"), nil
	}
	if speaker != "user" && speaker != "assistant" {
		return mcp.NewToolResultError("'speaker' must be user or assistant"), nil
	}

	ex := &memory.Exchange{SessionID: session, Speaker: speaker, Text: text}
	if err := t.deps.Store.AddExchange(ctx, ex); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to queue exchange: %v", err)), nil
	}
	logging.Debug("mcp", "queued exchange %s for session %s: %s", ex.ID, session, logging.Truncate(text, 50))
	return mcp.NewToolResultText(fmt.Sprintf("Queued exchange %s", ex.ID)), nil
}

func (t *toolset) stats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := t.deps.Store.Stats(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get stats: %v", err)), nil
	}
	return jsonResult(stats)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

// intArg extracts an integer argument; JSON numbers arrive as float64
func intArg(req mcp.CallToolRequest, key string, defaultVal int) int {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return defaultVal
	}
	return int(v)
}

func boolArg(req mcp.CallToolRequest, key string, defaultVal bool) bool {
	v, ok := req.GetArguments()[key].(bool)
	if !ok {
		return defaultVal
	}
	return v
}
