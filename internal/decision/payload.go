package decision

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Payload is the flat JSON shape exchanged with the oracle and the scheduler
type Payload struct {
	AtomID         string `json:"atom_id,omitempty"`
	Action         Kind   `json:"action"`
	ThreadName     string `json:"thread_name,omitempty"`
	NewThreadName  string `json:"new_thread_name,omitempty"`
	NewThreadScope string `json:"new_thread_scope,omitempty"`
	Confidence     string `json:"confidence,omitempty"`

	TargetAtomID     string `json:"target_atom_id,omitempty"`
	SupersedeContent string `json:"supersede_content,omitempty"`
	SupersedeReason  string `json:"supersede_reason,omitempty"`

	SkipReason string `json:"skip_reason,omitempty"`

	SourceThread        string      `json:"source_thread,omitempty"`
	Partitions          []Partition `json:"partitions,omitempty"`
	DeleteSourceIfEmpty bool        `json:"delete_source_if_empty,omitempty"`

	ThreadNames []string `json:"thread_names,omitempty"`
	MergedName  string   `json:"merged_name,omitempty"`
	MergedScope string   `json:"merged_scope,omitempty"`
}

// Envelope is the object form of a decision list
type Envelope struct {
	Decisions []Payload `json:"decisions"`
}

// Parse decodes `{"decisions":[...]}` or a bare array into typed decisions.
// Malformed JSON or an unknown action is a SchemaError. Field constraints
// are left to Validate.
func Parse(data []byte) ([]Decision, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, &SchemaError{Reason: "empty output"}
	}

	var payloads []Payload
	switch data[0] {
	case '[':
		if err := json.Unmarshal(data, &payloads); err != nil {
			return nil, &SchemaError{Reason: "decode decision array", Err: err}
		}
	case '{':
		var env struct {
			Decisions *[]Payload `json:"decisions"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, &SchemaError{Reason: "decode decision object", Err: err}
		}
		if env.Decisions == nil {
			return nil, &SchemaError{Reason: `missing "decisions" field`}
		}
		payloads = *env.Decisions
	default:
		return nil, &SchemaError{Reason: fmt.Sprintf("expected JSON object or array, got %q", truncate(string(data), 40))}
	}

	out := make([]Decision, 0, len(payloads))
	for i, p := range payloads {
		d, err := p.Decision()
		if err != nil {
			return nil, &SchemaError{Reason: fmt.Sprintf("decision %d", i), Err: err}
		}
		out = append(out, d)
	}
	return out, nil
}

// Decision converts the payload into its typed variant
func (p Payload) Decision() (Decision, error) {
	switch p.Action {
	case KindAssign:
		return Assign{AtomID: p.AtomID, ThreadName: p.ThreadName, Confidence: Confidence(p.Confidence)}, nil
	case KindCreateAndAssign:
		return CreateAndAssign{AtomID: p.AtomID, NewName: p.NewThreadName, NewScope: p.NewThreadScope, Confidence: Confidence(p.Confidence)}, nil
	case KindSupersede:
		target := p.TargetAtomID
		if target == "" {
			target = p.AtomID
		}
		return Supersede{AtomID: p.AtomID, TargetAtomID: target, NewContent: p.SupersedeContent, Reason: p.SupersedeReason}, nil
	case KindSkip:
		return Skip{AtomID: p.AtomID, Reason: p.SkipReason}, nil
	case KindSplit:
		return Split{SourceThread: p.SourceThread, Partitions: p.Partitions, DeleteSourceIfEmpty: p.DeleteSourceIfEmpty}, nil
	case KindMerge:
		return Merge{ThreadNames: p.ThreadNames, MergedName: p.MergedName, MergedScope: p.MergedScope}, nil
	case "":
		return nil, fmt.Errorf("missing action")
	default:
		return nil, fmt.Errorf("unknown action %q", p.Action)
	}
}

// ToPayload flattens a typed decision into the wire shape
func ToPayload(d Decision) Payload {
	switch v := d.(type) {
	case Assign:
		return Payload{AtomID: v.AtomID, Action: KindAssign, ThreadName: v.ThreadName, Confidence: string(v.Confidence)}
	case CreateAndAssign:
		return Payload{AtomID: v.AtomID, Action: KindCreateAndAssign, NewThreadName: v.NewName, NewThreadScope: v.NewScope, Confidence: string(v.Confidence)}
	case Supersede:
		return Payload{AtomID: v.AtomID, Action: KindSupersede, TargetAtomID: v.TargetAtomID, SupersedeContent: v.NewContent, SupersedeReason: v.Reason}
	case Skip:
		return Payload{AtomID: v.AtomID, Action: KindSkip, SkipReason: v.Reason}
	case Split:
		return Payload{Action: KindSplit, SourceThread: v.SourceThread, Partitions: v.Partitions, DeleteSourceIfEmpty: v.DeleteSourceIfEmpty}
	case Merge:
		return Payload{Action: KindMerge, ThreadNames: v.ThreadNames, MergedName: v.MergedName, MergedScope: v.MergedScope}
	}
	return Payload{Action: d.Kind()}
}

// Payloads flattens a batch
func Payloads(batch []Decision) []Payload {
	out := make([]Payload, 0, len(batch))
	for _, d := range batch {
		out = append(out, ToPayload(d))
	}
	return out
}

// Marshal encodes a batch in envelope form
func Marshal(batch []Decision) ([]byte, error) {
	return json.Marshal(Envelope{Decisions: Payloads(batch)})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
