// Package oracle wraps the LLM used by the pipeline stages. Stages treat it
// as a pure function from prompt to text and validate everything it returns.
package oracle

import (
	"context"
	"fmt"
	"strings"

	"github.com/zekerdoodle/SecondBrain-sub003/internal/config"
)

// Oracle generates a completion for a system and user prompt
type Oracle interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
}

// Func adapts a plain function to the Oracle interface
type Func func(ctx context.Context, system, prompt string) (string, error)

// Generate calls f
func (f Func) Generate(ctx context.Context, system, prompt string) (string, error) {
	return f(ctx, system, prompt)
}

// New builds the oracle selected in config
func New(cfg config.OracleConfig) (Oracle, error) {
	switch cfg.Provider {
	case "anthropic":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("anthropic oracle requires ANTHROPIC_API_KEY")
		}
		return NewAnthropic(cfg.APIKey, cfg.Model, cfg.MaxTokens), nil
	case "claude-cli":
		return NewClaudeCLI(cfg.Model, cfg.WorkDir, cfg.Verbose), nil
	default:
		return nil, fmt.Errorf("unknown oracle provider %q", cfg.Provider)
	}
}

// ExtractJSON extracts JSON from markdown code blocks or returns the input if
// no code block is found. Leading prose before a bare object or array is
// dropped.
func ExtractJSON(s string) string {
	// Look for ```json or ``` code blocks
	if start := strings.Index(s, "```json"); start != -1 {
		start += 7 // Skip past ```json
		if end := strings.Index(s[start:], "```"); end != -1 {
			return strings.TrimSpace(s[start : start+end])
		}
	}
	if start := strings.Index(s, "```"); start != -1 {
		start += 3 // Skip past ```
		if end := strings.Index(s[start:], "```"); end != -1 {
			content := strings.TrimSpace(s[start : start+end])
			// Skip language identifier line if present
			if idx := strings.Index(content, "\n"); idx != -1 && !strings.ContainsAny(content[:idx], "{[") {
				content = content[idx+1:]
			}
			return strings.TrimSpace(content)
		}
	}
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, "{["); i > 0 {
		s = s[i:]
	}
	return s
}
