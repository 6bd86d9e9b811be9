// Package summarize implements the Chronicler: short third-person digests of
// a thread's atoms.
package summarize

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/tsawler/prose/v3"

	"github.com/zekerdoodle/SecondBrain-sub003/internal/logging"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/memory"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/oracle"
)

// MaxSentences caps every description
const MaxSentences = 3

var (
	ErrNoAtoms     = errors.New("thread has no atoms")
	ErrEmptyDigest = errors.New("empty summary")
)

const systemPrompt = `You are the Chronicler. Write a 2-3 sentence digest of a memory thread.

- Third person ("The user ..."), plain prose, no lists or headings.
- Cover what the thread is about and its most important facts.
- Do not start with "This thread" or "Summary".

Return only the digest text.`

// legacyPrefixes are labels models like to put in front of the digest
var legacyPrefixes = regexp.MustCompile(`(?i)^(\[past\]\s*|summary:\s*|description:\s*|digest:\s*|here is (a|the) (\d-\d |short )?(sentence )?(digest|summary)[^:\n]*:\s*)`)

// Summarizer writes thread descriptions
type Summarizer struct {
	oracle   oracle.Oracle
	MaxAtoms int // atoms shown to the oracle, most recent first
}

// New creates a summarizer
func New(o oracle.Oracle) *Summarizer {
	return &Summarizer{oracle: o, MaxAtoms: 60}
}

// Summarize returns a cleaned digest of at most three sentences
func (s *Summarizer) Summarize(ctx context.Context, thread *memory.Thread, atoms []*memory.Atom) (string, error) {
	if len(atoms) == 0 {
		return "", ErrNoAtoms
	}

	output, err := s.oracle.Generate(ctx, systemPrompt, s.buildPrompt(thread, atoms))
	if err != nil {
		return "", fmt.Errorf("summarize oracle: %w", err)
	}

	digest := Clean(output)
	if digest == "" {
		return "", ErrEmptyDigest
	}
	logging.Debug("summarize", "thread %q: %s", thread.Name, logging.Truncate(digest, 80))
	return digest, nil
}

func (s *Summarizer) buildPrompt(thread *memory.Thread, atoms []*memory.Atom) string {
	ordered := append([]*memory.Atom(nil), atoms...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].CreatedAt.After(ordered[j].CreatedAt)
		}
		return ordered[i].ID < ordered[j].ID
	})
	if s.MaxAtoms > 0 && len(ordered) > s.MaxAtoms {
		ordered = ordered[:s.MaxAtoms]
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("THREAD: %s\n", thread.Name))
	if thread.Scope != "" {
		sb.WriteString(fmt.Sprintf("SCOPE: %s\n", thread.Scope))
	}
	sb.WriteString(fmt.Sprintf("\nATOMS (%d):\n", len(atoms)))
	for _, a := range ordered {
		sb.WriteString("- " + a.Content + "\n")
	}
	sb.WriteString("\nDIGEST:")
	return sb.String()
}

// Clean strips fences, quotes and label prefixes and caps the digest at
// MaxSentences
func Clean(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if idx := strings.Index(s, "\n"); idx != -1 && !strings.Contains(s[:idx], " ") {
			s = s[idx+1:] // language tag
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	s = strings.Join(strings.Fields(s), " ")
	s = legacyPrefixes.ReplaceAllString(s, "")
	s = strings.Trim(s, "\"'“”")
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	doc, err := prose.NewDocument(s, prose.WithTagging(false), prose.WithExtraction(false))
	if err != nil {
		return s
	}
	sentences := doc.Sentences()
	if len(sentences) <= MaxSentences {
		return s
	}
	parts := make([]string, 0, MaxSentences)
	for _, sent := range sentences[:MaxSentences] {
		parts = append(parts, strings.TrimSpace(sent.Text))
	}
	return strings.Join(parts, " ")
}

// Fingerprint identifies the atom set a description covers
func Fingerprint(atoms []*memory.Atom) string {
	contents := make([]string, len(atoms))
	for i, a := range atoms {
		contents[i] = a.Content
	}
	return memory.SetFingerprint(contents)
}

// Stale reports whether thread's description no longer matches atoms
func Stale(thread *memory.Thread, atoms []*memory.Atom) bool {
	return thread.Description == "" || thread.DescriptionHash != Fingerprint(atoms)
}
