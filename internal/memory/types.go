// Package memory defines the atom and thread model shared by the
// consolidation stages.
package memory

import (
	"strings"
	"time"
)

// DefaultConversationPrefix marks system-managed conversation threads.
const DefaultConversationPrefix = "conversation:"

// MaxTags is the maximum number of tags an atom carries
const MaxTags = 3

// ThreadKind distinguishes organizer-managed threads from system threads
type ThreadKind string

const (
	KindTopical      ThreadKind = "topical"      // created and reshaped by the organizer
	KindConversation ThreadKind = "conversation" // system-managed, hidden from the organizer
)

// Atom is a single standalone fact extracted from conversation
type Atom struct {
	ID            string     `json:"id"`
	Content       string     `json:"content"`
	Tags          []string   `json:"tags,omitempty"`
	SourceSession string     `json:"source_session"`
	CreatedAt     time.Time  `json:"created_at"`
	Importance    *int       `json:"importance,omitempty"` // 0-100, optional
	ThreadIDs     []string   `json:"thread_ids,omitempty"`
	Fingerprint   string     `json:"fingerprint,omitempty"`
	SupersededBy  string     `json:"superseded_by,omitempty"` // newer atom that replaced this content
	Revisions     []Revision `json:"revisions,omitempty"`     // stale prior contents, oldest first
	OrganizedAt   *time.Time `json:"organized_at,omitempty"`
	SkipReason    string     `json:"skip_reason,omitempty"`
}

// InThread reports whether the atom is a member of the given thread
func (a *Atom) InThread(threadID string) bool {
	for _, id := range a.ThreadIDs {
		if id == threadID {
			return true
		}
	}
	return false
}

// Revision records content replaced by a supersede decision
type Revision struct {
	PriorContent string    `json:"prior_content"`
	Reason       string    `json:"reason"`
	SupersededBy string    `json:"superseded_by,omitempty"`
	At           time.Time `json:"at"`
}

// Thread is a named, scoped grouping of atoms
type Thread struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Kind            ThreadKind `json:"kind"`
	Scope           string     `json:"scope"`
	Description     string     `json:"description,omitempty"`
	DescriptionHash string     `json:"description_hash,omitempty"` // fingerprint of the atom set the description covers
	AtomIDs         []string   `json:"atom_ids,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Size returns the number of atoms in the thread
func (t *Thread) Size() int {
	return len(t.AtomIDs)
}

// HasAtom reports whether the atom is a member of the thread
func (t *Thread) HasAtom(atomID string) bool {
	for _, id := range t.AtomIDs {
		if id == atomID {
			return true
		}
	}
	return false
}

// ThreadOverview is the compact listing the organizer sees
type ThreadOverview struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Scope string `json:"scope"`
	Size  int    `json:"size"`
}

// Exchange is a speaker-attributed conversation segment awaiting extraction
type Exchange struct {
	ID          string     `json:"id" yaml:"id"`
	SessionID   string     `json:"session_id" yaml:"session_id"`
	Speaker     string     `json:"speaker" yaml:"speaker"`
	Text        string     `json:"text" yaml:"text"`
	At          time.Time  `json:"at" yaml:"at"`
	ExtractedAt *time.Time `json:"extracted_at,omitempty" yaml:"-"`
}

// KindForName derives the thread kind from its name and the reserved prefix
func KindForName(name, prefix string) ThreadKind {
	if prefix == "" {
		prefix = DefaultConversationPrefix
	}
	if strings.HasPrefix(name, prefix) {
		return KindConversation
	}
	return KindTopical
}

// NormalizeTags lowercases, trims, de-duplicates and caps tags at MaxTags.
// Tags longer than 32 characters are dropped.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		tag = strings.Join(strings.Fields(tag), "-")
		if tag == "" || len(tag) > 32 || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
		if len(out) == MaxTags {
			break
		}
	}
	return out
}

// ClampImportance bounds an optional importance score to 0-100
func ClampImportance(v *int) *int {
	if v == nil {
		return nil
	}
	n := *v
	if n < 0 {
		n = 0
	}
	if n > 100 {
		n = 100
	}
	return &n
}
