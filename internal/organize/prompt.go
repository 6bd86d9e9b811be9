package organize

import (
	"fmt"
	"strings"

	"github.com/zekerdoodle/SecondBrain-sub003/internal/memory"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/search"
)

const decideSystemPrompt = `You are the Gardener. You file one memory atom into topical threads.

Actions (one or more per atom):
- assign: add the atom to an existing thread. Give thread_name exactly as
  listed and a confidence of high, medium or low.
- create_and_assign: create a new thread (new_thread_name, new_thread_scope)
  and add the atom to it. The name must not match any existing thread.
- supersede: the atom updates an older fact. Give target_atom_id,
  supersede_content (the corrected fact) and supersede_reason.
- skip: nothing to file. Give skip_reason.

An atom may be assigned to several threads. Prefer creating a new, narrower
thread over a low-confidence assignment to a broad one.

Return ONLY JSON:
{"decisions":[{"action":"assign","thread_name":"...","confidence":"high"}]}`

const maintainSystemPrompt = `You are the Gardener reviewing thread health.

Recommend structural changes only when clearly warranted:
- split: a thread mixes distinct sub-topics or is far above its target
  size. Give source_thread, partitions [{name, scope, atom_ids}] and
  delete_source_if_empty. Partitions must not overlap and may only use the
  atom ids listed for that thread.
- merge: small threads cover the same ground. Give thread_names (2 or
  more), merged_name and merged_scope.

Return ONLY JSON:
{"decisions":[{"action":"split","source_thread":"...","partitions":[...]}]}
If nothing needs to change, return {"decisions":[]}.`

// buildDecidePrompt renders the atom with its candidates and the thread
// overview
func buildDecidePrompt(atom *memory.Atom, candidates []search.Candidate, overview []memory.ThreadOverview, th memory.Thresholds, related []*memory.Atom) string {
	var sb strings.Builder

	sb.WriteString("ATOM:\n")
	sb.WriteString(fmt.Sprintf("id: %s\ncontent: %s\n", atom.ID, atom.Content))
	if len(atom.Tags) > 0 {
		sb.WriteString(fmt.Sprintf("tags: %s\n", strings.Join(atom.Tags, ", ")))
	}

	sb.WriteString("\nCANDIDATE THREADS (by similarity):\n")
	if len(candidates) == 0 {
		sb.WriteString("(none)\n")
	}
	for _, c := range candidates {
		sb.WriteString(fmt.Sprintf("- %s (%.2f, %d atoms): %s\n", c.Name, c.Similarity, c.Size, c.Scope))
	}

	if len(related) > 0 {
		sb.WriteString("\nPOSSIBLY OUTDATED ATOMS:\n")
		for _, a := range related {
			sb.WriteString(fmt.Sprintf("- [%s] %s\n", a.ID, a.Content))
		}
	}

	sb.WriteString("\nALL THREADS:\n")
	for _, t := range overview {
		sb.WriteString(fmt.Sprintf("- %s [%d, %s]: %s\n", t.Name, t.Size, th.Band(t.Size), t.Scope))
	}

	sb.WriteString("\nJSON:")
	return sb.String()
}

// buildMaintainPrompt renders thread metrics; atom ids are listed only for
// threads large enough to split
func buildMaintainPrompt(metrics []ThreadMetrics, th memory.Thresholds) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Target size %d-%d, warning %d, soft ceiling %d, hard ceiling %d.\n\n",
		th.TargetMin, th.TargetMax, th.Warning, th.SoftCeiling, th.HardCeiling))

	for _, m := range metrics {
		sb.WriteString(fmt.Sprintf("THREAD %s [%d atoms, %s, cohesion %.2f]\nscope: %s\n",
			m.Thread.Name, m.Size, m.Band, m.Cohesion, m.Thread.Scope))
		if th.NeedsSplitReview(m.Size) {
			for _, a := range m.Atoms {
				sb.WriteString(fmt.Sprintf("  - [%s] %s\n", a.ID, a.Content))
			}
		}
		sb.WriteString("\n")
	}

	sb.WriteString("JSON:")
	return sb.String()
}
