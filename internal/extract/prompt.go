package extract

import (
	"fmt"
	"strings"

	"github.com/zekerdoodle/SecondBrain-sub003/internal/memory"
)

const systemPrompt = `You are the Librarian. You turn conversation into atomic memory records.

Rules for every atom:
- Exactly one fact per atom. Split compound statements.
- Standalone: it must make sense with no surrounding context. Use names or
  "the user" instead of pronouns. Never write "I", "you", "he", "she", "it",
  "this" or "that" without naming what they refer to.
- Attribute opinions to the speaker ("The user thinks ..."), never assert
  them as fact.
- Skip procedural, logistic and ephemeral content: restarts, timers, tool
  chatter, greetings, scheduling noise.
- Skip anything already covered by a KNOWN ATOM.
- 0-3 short lowercase tags per atom.
- Optional importance 0-100 (lasting facts high, passing details low).

Return ONLY JSON:
{"atoms":[{"content":"...","tags":["..."],"importance":50}]}

If nothing is worth remembering, return {"atoms":[]}.`

// buildPrompt renders the exchanges and dedup context
func buildPrompt(exchanges []*memory.Exchange, known []*memory.Atom, limit int) string {
	var sb strings.Builder

	if len(known) > 0 {
		sb.WriteString("KNOWN ATOMS (do not repeat):\n")
		for i, a := range known {
			if limit > 0 && i >= limit {
				break
			}
			sb.WriteString(fmt.Sprintf("- %s\n", a.Content))
		}
		sb.WriteString("\n")
	}

	sb.WriteString("CONVERSATION:\n")
	for _, ex := range exchanges {
		speaker := ex.Speaker
		if speaker == "" {
			speaker = "unknown"
		}
		sb.WriteString(fmt.Sprintf("[%s] %s: %s\n", ex.At.Format("2006-01-02 15:04"), speaker, ex.Text))
	}

	sb.WriteString("\nJSON:")
	return sb.String()
}
