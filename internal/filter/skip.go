package filter

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultSkipPatterns match procedural, logistic and ephemeral content that
// never becomes a long-term atom
var DefaultSkipPatterns = []string{
	`\b(restart(ed)?|redeploy(ed)?|rebuil(t|d))\b.*\b(server|service|app)\b`,
	`\b(starting|starts) in \d+ (minutes?|mins?|seconds?)\b`,
	`\bminutes and \d+ seconds\b`,
	`\b(let me|i'll|i will) (check|look|search|try|run)\b`,
	`\b(one (sec|moment)|hold on|brb)\b`,
	`\bcontext (window|reset)\b`,
	`^(running|executing|calling) (the )?(tool|command|script)\b`,
}

// SkipPredicate decides whether text should be discarded before or after
// extraction
type SkipPredicate struct {
	patterns []*regexp.Regexp
}

// NewSkipPredicate compiles the default patterns plus any extras.
// Extra patterns are case-insensitive.
func NewSkipPredicate(extra []string) (*SkipPredicate, error) {
	p := &SkipPredicate{}
	for _, pat := range append(append([]string{}, DefaultSkipPatterns...), extra...) {
		re, err := regexp.Compile("(?i)" + pat)
		if err != nil {
			return nil, fmt.Errorf("compile skip pattern %q: %w", pat, err)
		}
		p.patterns = append(p.patterns, re)
	}
	return p, nil
}

// SkipExchange reports whether a conversation segment carries no
// extractable information
func (p *SkipPredicate) SkipExchange(text string) (bool, string) {
	if IsLowInfo(text) {
		return true, string(ClassifyDialogueAct(text))
	}
	return p.match(text)
}

// SkipAtom reports whether a proposed atom is procedural or ephemeral
func (p *SkipPredicate) SkipAtom(content string) (bool, string) {
	if strings.TrimSpace(content) == "" {
		return true, "empty"
	}
	return p.match(content)
}

func (p *SkipPredicate) match(text string) (bool, string) {
	for _, re := range p.patterns {
		if re.MatchString(text) {
			return true, "pattern " + re.String()
		}
	}
	return false, ""
}
