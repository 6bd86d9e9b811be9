package oracle

import (
	"context"
	"strings"
	"testing"

	"github.com/zekerdoodle/SecondBrain-sub003/internal/config"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"bare", `{"atoms":[]}`, `{"atoms":[]}`},
		{"json fence", "Here you go:\n```json\n{\"atoms\":[]}\n```\nDone.", `{"atoms":[]}`},
		{"plain fence", "```\n[1,2]\n```", `[1,2]`},
		{"fence with language", "```javascript\n{\"a\":1}\n```", `{"a":1}`},
		{"leading prose", "Sure! {\"a\":1}", `{"a":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractJSON(tt.input); got != tt.want {
				t.Errorf("ExtractJSON() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseStream_DeltasAndUsage(t *testing.T) {
	stream := strings.Join([]string{
		`{"type":"system","subtype":"init"}`,
		`{"type":"content_block_delta","content":{"delta":{"text":"{\"atoms\":"}}}`,
		`not json`,
		`{"type":"content_block_delta","content":{"delta":{"text":"[]}"}}}`,
		`{"type":"result","result":"{\"atoms\":[]}","num_turns":1,"duration_ms":420,"usage":{"input_tokens":12,"output_tokens":5}}`,
	}, "\n")

	var out strings.Builder
	usage := parseStream(strings.NewReader(stream), &out)

	if out.String() != `{"atoms":[]}` {
		t.Errorf("unexpected output %q", out.String())
	}
	if usage == nil {
		t.Fatal("expected usage")
	}
	if usage.InputTokens != 12 || usage.OutputTokens != 5 || usage.DurationMs != 420 {
		t.Errorf("unexpected usage %+v", usage)
	}
}

func TestParseStream_ResultOnly(t *testing.T) {
	var out strings.Builder
	parseStream(strings.NewReader(`{"type":"result","result":"hello"}`), &out)
	if out.String() != "hello" {
		t.Errorf("expected result text, got %q", out.String())
	}
}

func TestNew_SelectsProvider(t *testing.T) {
	if _, err := New(config.OracleConfig{Provider: "anthropic"}); err == nil {
		t.Error("anthropic without key should fail")
	}
	o, err := New(config.OracleConfig{Provider: "claude-cli", Model: "m"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, ok := o.(*ClaudeCLI); !ok {
		t.Errorf("expected *ClaudeCLI, got %T", o)
	}
	if _, err := New(config.OracleConfig{Provider: "ollama"}); err == nil {
		t.Error("unknown provider should fail")
	}
}

func TestFunc(t *testing.T) {
	var f Oracle = Func(func(ctx context.Context, system, prompt string) (string, error) {
		return system + "|" + prompt, nil
	})
	got, err := f.Generate(context.Background(), "s", "p")
	if err != nil || got != "s|p" {
		t.Errorf("got %q, %v", got, err)
	}
}
