package oracle

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/zekerdoodle/SecondBrain-sub003/internal/logging"
)

// ClaudeCLI runs one-shot `claude --print` sessions. No session tracking,
// identity, memories or MCP tools: it sends a prompt and returns the text.
type ClaudeCLI struct {
	Binary  string // defaults to "claude"
	Model   string
	WorkDir string
	Verbose bool
}

// NewClaudeCLI creates a CLI-backed oracle
func NewClaudeCLI(model, workDir string, verbose bool) *ClaudeCLI {
	if model == "" {
		model = "claude-sonnet-4-5"
	}
	return &ClaudeCLI{Binary: "claude", Model: model, WorkDir: workDir, Verbose: verbose}
}

// Usage holds token metrics reported by the CLI's result event
type Usage struct {
	InputTokens          int `json:"input_tokens"`
	OutputTokens         int `json:"output_tokens"`
	CacheReadInputTokens int `json:"cache_read_input_tokens"`
	NumTurns             int `json:"num_turns"`
	DurationMs           int `json:"duration_ms"`
}

// streamEvent is one line of stream-json output
type streamEvent struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
}

// Generate executes the session and returns Claude's text output
func (c *ClaudeCLI) Generate(ctx context.Context, system, prompt string) (string, error) {
	args := []string{
		"--print",
		"--dangerously-skip-permissions",
		"--output-format", "stream-json",
		"--verbose", // Required by claude CLI when using --print with stream-json
		"--session-id", uuid.NewString(),
	}
	if c.Model != "" {
		args = append(args, "--model", c.Model)
	}
	if system != "" {
		args = append(args, "--system-prompt", system)
	}
	// Prompt is a positional argument, not stdin
	args = append(args, prompt)

	binary := c.Binary
	if binary == "" {
		binary = "claude"
	}
	cmd := exec.CommandContext(ctx, binary, args...)
	if c.WorkDir != "" {
		cmd.Dir = c.WorkDir
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	if c.Verbose {
		logging.Info("oracle", "starting claude session: %s", logging.Truncate(prompt, 100))
	}

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("failed to start claude: %w", err)
	}

	var wg sync.WaitGroup
	var stderrBuf strings.Builder
	var outputBuf strings.Builder
	var usage *Usage

	wg.Add(2)
	go func() {
		defer wg.Done()
		usage = parseStream(stdout, &outputBuf)
	}()
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			if line := scanner.Text(); line != "" {
				stderrBuf.WriteString(line + "\n")
			}
		}
	}()
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		if stderrBuf.Len() > 0 {
			return "", fmt.Errorf("claude exited with error: %w\nstderr: %s", err, stderrBuf.String())
		}
		return "", fmt.Errorf("claude exited with error: %w", err)
	}

	if c.Verbose && usage != nil {
		logging.Info("oracle", "completion: input=%d output=%d cache_read=%d duration=%dms",
			usage.InputTokens, usage.OutputTokens, usage.CacheReadInputTokens, usage.DurationMs)
	}
	return outputBuf.String(), nil
}

// parseStream accumulates text from stream-json events and returns the usage
// from the final result event
func parseStream(r io.Reader, output *strings.Builder) *Usage {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	var usage *Usage
	var sawDelta bool

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var event streamEvent
		if err := json.Unmarshal(line, &event); err != nil {
			logging.Debug("oracle", "failed to parse event: %v", err)
			continue
		}

		switch event.Type {
		case "content_block_delta":
			var delta struct {
				Delta struct {
					Text string `json:"text"`
				} `json:"delta"`
			}
			if err := json.Unmarshal(event.Content, &delta); err == nil && delta.Delta.Text != "" {
				output.WriteString(delta.Delta.Text)
				sawDelta = true
			}

		case "result":
			// The result repeats the streamed text; only use it when nothing streamed
			if event.Result != nil && !sawDelta {
				var text string
				if err := json.Unmarshal(event.Result, &text); err == nil {
					output.WriteString(text)
				}
			}
			var raw struct {
				NumTurns   int   `json:"num_turns"`
				DurationMs int   `json:"duration_ms"`
				Usage      Usage `json:"usage"`
			}
			if err := json.Unmarshal(line, &raw); err == nil {
				u := raw.Usage
				u.NumTurns = raw.NumTurns
				u.DurationMs = raw.DurationMs
				usage = &u
			}
		}
	}

	if err := scanner.Err(); err != nil {
		logging.Debug("oracle", "scanner error: %v", err)
	}
	return usage
}
