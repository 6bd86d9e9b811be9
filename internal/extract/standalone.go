package extract

import (
	"regexp"
	"strings"

	"github.com/tsawler/prose/v3"
)

var (
	// Pronouns that always point outside the atom
	firstSecondPerson = map[string]bool{
		"i": true, "me": true, "my": true, "mine": true, "myself": true,
		"we": true, "us": true, "our": true, "ours": true, "ourselves": true,
		"you": true, "your": true, "yours": true, "yourself": true, "yourselves": true,
	}

	// Pronouns that need a noun earlier in the atom
	thirdPerson = map[string]bool{
		"he": true, "him": true, "his": true, "himself": true,
		"she": true, "her": true, "hers": true, "herself": true,
		"it": true, "its": true, "itself": true,
		"they": true, "them": true, "their": true, "theirs": true, "themselves": true,
	}

	demonstratives = map[string]bool{
		"this": true, "that": true, "these": true, "those": true,
	}

	evaluativeRegex  = regexp.MustCompile(`(?i)\b(best|worst|greatest|terrible|awful|amazing|awesome|overrated|underrated|beautiful|ugly|boring|brilliant|stupid|pointless|wonderful|horrible|better than|worse than)\b`)
	attributionRegex = regexp.MustCompile(`(?i)\b(thinks?|believes?|feels?|says?|said|prefers?|likes?|loves?|hates?|dislikes?|considers?|finds?|found|enjoys?|wants?|hopes?|wishes|worries|fears?|argues?|claims?|according to|in (his|her|their|the user's|[A-Z][a-z]+'s) (view|opinion))\b`)
)

// splitSentences breaks content into sentences using prose segmentation
func splitSentences(content string) []string {
	doc, err := prose.NewDocument(content, prose.WithTagging(false), prose.WithExtraction(false))
	if err != nil {
		return []string{content}
	}

	var out []string
	for _, s := range doc.Sentences() {
		if text := strings.TrimSpace(s.Text); text != "" {
			out = append(out, text)
		}
	}
	if len(out) == 0 {
		return []string{content}
	}
	return out
}

// standaloneProblem returns a reason when the sentence leans on context it
// does not carry, or "" when it stands alone
func standaloneProblem(sentence string) string {
	doc, err := prose.NewDocument(sentence, prose.WithSegmentation(false), prose.WithExtraction(false))
	if err != nil {
		return ""
	}
	tokens := doc.Tokens()

	sawNoun := false
	for i, tok := range tokens {
		lower := strings.ToLower(tok.Text)

		// "US" the country, not "us" the pronoun
		if firstSecondPerson[lower] && tok.Text != "US" {
			return "first/second person reference: " + tok.Text
		}

		if i == 0 && demonstratives[lower] {
			if len(tokens) < 2 || !isNounPhraseStart(tokens[1].Tag) {
				return "leading demonstrative: " + tok.Text
			}
		}

		if thirdPerson[lower] && !sawNoun {
			return "unresolved pronoun: " + tok.Text
		}

		if isNoun(tok.Tag) || isProperName(tok, i) {
			sawNoun = true
		}
	}
	return ""
}

// unattributedOpinion reports evaluative language without a speaker
func unattributedOpinion(sentence string) bool {
	return evaluativeRegex.MatchString(sentence) && !attributionRegex.MatchString(sentence)
}

func isNoun(tag string) bool {
	return strings.HasPrefix(tag, "NN")
}

func isNounPhraseStart(tag string) bool {
	return strings.HasPrefix(tag, "NN") || strings.HasPrefix(tag, "JJ") || tag == "CD"
}

// isProperName treats a capitalized word past the first position as a name
// when the tagger misses it
func isProperName(tok prose.Token, i int) bool {
	if i == 0 || tok.Text == "" {
		return false
	}
	first := tok.Text[0]
	return first >= 'A' && first <= 'Z' && tok.Text != "I"
}
