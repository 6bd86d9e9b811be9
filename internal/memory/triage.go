package memory

import "time"

// TriageProposal is one low-confidence placement awaiting manual review
type TriageProposal struct {
	Action     string `json:"action"` // assign or create_and_assign
	ThreadName string `json:"thread_name"`
	NewScope   string `json:"new_scope,omitempty"`
	Confidence string `json:"confidence"`
}

// TriageItem is the single triage bucket for an atom. Every low-confidence
// proposal for the atom in a batch lands in the same item.
type TriageItem struct {
	ID         string           `json:"id"`
	AtomID     string           `json:"atom_id"`
	Proposals  []TriageProposal `json:"proposals"`
	CreatedAt  time.Time        `json:"created_at"`
	ResolvedAt *time.Time       `json:"resolved_at,omitempty"`
	Resolution string           `json:"resolution,omitempty"`
}
