// Package decision defines the tagged union of organizer and maintenance
// decisions, their JSON wire format, and whole-batch validation.
package decision

// Kind names a decision variant
type Kind string

const (
	KindAssign          Kind = "assign"
	KindCreateAndAssign Kind = "create_and_assign"
	KindSupersede       Kind = "supersede"
	KindSkip            Kind = "skip"
	KindSplit           Kind = "split"
	KindMerge           Kind = "merge"
)

// Confidence grades an assignment. Low confidence goes to triage.
type Confidence string

const (
	High   Confidence = "high"
	Medium Confidence = "medium"
	Low    Confidence = "low"
)

// Rank orders confidences, high first
func (c Confidence) Rank() int {
	switch c {
	case High:
		return 3
	case Medium:
		return 2
	case Low:
		return 1
	}
	return 0
}

// Decision is one variant of the union
type Decision interface {
	Kind() Kind
	// Subject is the atom id for dispositions and the thread name for
	// maintenance decisions
	Subject() string
}

// Disposition is a decision about a single atom
type Disposition interface {
	Decision
	Atom() string
}

// Assign adds the atom to an existing (or earlier-created) topical thread
type Assign struct {
	AtomID     string     `json:"atom_id" validate:"required"`
	ThreadName string     `json:"thread_name" validate:"required"`
	Confidence Confidence `json:"confidence" validate:"required,oneof=high medium low"`
}

// CreateAndAssign creates a new topical thread and adds the atom to it
type CreateAndAssign struct {
	AtomID     string     `json:"atom_id" validate:"required"`
	NewName    string     `json:"new_thread_name" validate:"required,max=120"`
	NewScope   string     `json:"new_thread_scope"`
	Confidence Confidence `json:"confidence" validate:"required,oneof=high medium low"`
}

// Supersede replaces the content of TargetAtomID. AtomID is the atom whose
// arrival made the target stale; both are the same when an atom restates
// itself.
type Supersede struct {
	AtomID       string `json:"atom_id" validate:"required"`
	TargetAtomID string `json:"target_atom_id" validate:"required"`
	NewContent   string `json:"supersede_content" validate:"required"`
	Reason       string `json:"supersede_reason" validate:"required"`
}

// Skip takes no thread action for the atom
type Skip struct {
	AtomID string `json:"atom_id" validate:"required"`
	Reason string `json:"skip_reason" validate:"required"`
}

// Partition is one new thread carved out of a split source
type Partition struct {
	Name    string   `json:"name" validate:"required,max=120"`
	Scope   string   `json:"scope"`
	AtomIDs []string `json:"atom_ids" validate:"required,min=1,dive,required"`
}

// Split moves disjoint subsets of a thread's atoms into new threads.
// Atoms not named in any partition stay in the source.
type Split struct {
	SourceThread        string      `json:"source_thread" validate:"required"`
	Partitions          []Partition `json:"partitions" validate:"required,min=1,dive"`
	DeleteSourceIfEmpty bool        `json:"delete_source_if_empty"`
}

// Merge folds several topical threads into one
type Merge struct {
	ThreadNames []string `json:"thread_names" validate:"required,min=2,dive,required"`
	MergedName  string   `json:"merged_name" validate:"required,max=120"`
	MergedScope string   `json:"merged_scope"`
}

func (Assign) Kind() Kind          { return KindAssign }
func (CreateAndAssign) Kind() Kind { return KindCreateAndAssign }
func (Supersede) Kind() Kind       { return KindSupersede }
func (Skip) Kind() Kind            { return KindSkip }
func (Split) Kind() Kind           { return KindSplit }
func (Merge) Kind() Kind           { return KindMerge }

func (d Assign) Subject() string          { return d.AtomID }
func (d CreateAndAssign) Subject() string { return d.AtomID }
func (d Supersede) Subject() string       { return d.AtomID }
func (d Skip) Subject() string            { return d.AtomID }
func (d Split) Subject() string           { return d.SourceThread }
func (d Merge) Subject() string           { return d.MergedName }

func (d Assign) Atom() string          { return d.AtomID }
func (d CreateAndAssign) Atom() string { return d.AtomID }
func (d Supersede) Atom() string       { return d.AtomID }
func (d Skip) Atom() string            { return d.AtomID }

// WithAtomID returns a copy of a disposition bound to atomID. Maintenance
// decisions are returned unchanged. A supersede without a target keeps
// pointing at its own atom.
func WithAtomID(d Decision, atomID string) Decision {
	switch v := d.(type) {
	case Assign:
		v.AtomID = atomID
		return v
	case CreateAndAssign:
		v.AtomID = atomID
		return v
	case Supersede:
		if v.TargetAtomID == "" || v.TargetAtomID == v.AtomID {
			v.TargetAtomID = atomID
		}
		v.AtomID = atomID
		return v
	case Skip:
		v.AtomID = atomID
		return v
	}
	return d
}

// Key identifies a disposition for duplicate detection: two dispositions
// with the same key on the same atom are the same decision
func Key(d Decision) string {
	switch v := d.(type) {
	case Assign:
		return v.AtomID + "|assign|" + v.ThreadName
	case CreateAndAssign:
		return v.AtomID + "|create|" + v.NewName
	case Supersede:
		return v.AtomID + "|supersede|" + v.TargetAtomID
	case Skip:
		return v.AtomID + "|skip"
	case Split:
		return "split|" + v.SourceThread
	case Merge:
		return "merge|" + v.MergedName
	}
	return ""
}

// Dedupe removes decisions whose Key repeats, keeping the first occurrence.
// For repeated assignments the highest confidence wins.
func Dedupe(batch []Decision) []Decision {
	index := make(map[string]int, len(batch))
	out := make([]Decision, 0, len(batch))
	for _, d := range batch {
		key := Key(d)
		i, seen := index[key]
		if !seen {
			index[key] = len(out)
			out = append(out, d)
			continue
		}
		if a, ok := d.(Assign); ok {
			if prev, ok := out[i].(Assign); ok && a.Confidence.Rank() > prev.Confidence.Rank() {
				out[i] = a
			}
		}
	}
	return out
}
