// Package mcpserver exposes the memory store to agents over MCP (stdio).
// Tools read threads, atoms and triage; the only write is queueing an
// exchange for the extractor.
package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"

	"github.com/zekerdoodle/SecondBrain-sub003/internal/logging"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/memory"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/store"
)

const instructions = `Long-term memory of the user, organized into topical threads.
Start with memory_threads to see what is known, then memory_thread for the
facts in one topic. Use memory_ingest to hand new conversation to the
memory pipeline; it is extracted and filed on the next scheduled run.`

// Dependencies holds the services the tools need
type Dependencies struct {
	Store              *store.Store
	Thresholds         memory.Thresholds
	ConversationPrefix string
	Version            string
}

// New creates the MCP server with every memory tool registered
func New(deps *Dependencies) *server.MCPServer {
	if deps.ConversationPrefix == "" {
		deps.ConversationPrefix = memory.DefaultConversationPrefix
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := server.NewMCPServer("second-brain", version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)
	RegisterAll(s, deps)
	return s
}

// RegisterAll registers the memory tools on s
func RegisterAll(s *server.MCPServer, deps *Dependencies) {
	t := &toolset{deps: deps}
	registerThreadTools(s, t)
	registerAtomTools(s, t)
	registerQueueTools(s, t)
}

// Serve runs the server on stdin/stdout until the client disconnects
func Serve(deps *Dependencies) error {
	logging.Info("mcp", "serving memory tools on stdio")
	return server.ServeStdio(New(deps))
}

func registerThreadTools(s *server.MCPServer, t *toolset) {
	s.AddTool(threadsTool(), t.threads)
	s.AddTool(threadTool(), t.thread)
}

func registerAtomTools(s *server.MCPServer, t *toolset) {
	s.AddTool(atomTool(), t.atom)
}

func registerQueueTools(s *server.MCPServer, t *toolset) {
	s.AddTool(triageTool(), t.triage)
	s.AddTool(ingestTool(), t.ingest)
	s.AddTool(statsTool(), t.stats)
}
