package decision

import (
	"fmt"
	"strings"
)

// ValidationError rejects a whole batch. Problems lists every violation found.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return "invalid decision batch: " + e.Problems[0]
	}
	return fmt.Sprintf("invalid decision batch (%d problems): %s",
		len(e.Problems), strings.Join(e.Problems, "; "))
}

func (e *ValidationError) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// NotFoundError reports an atom or thread that vanished before commit.
// Only the affected decision is dropped.
type NotFoundError struct {
	Entity string // "atom" or "thread"
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// SchemaError reports stage output that does not parse as decisions
type SchemaError struct {
	Reason string
	Err    error
}

func (e *SchemaError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("schema error: %s: %v", e.Reason, e.Err)
	}
	return "schema error: " + e.Reason
}

func (e *SchemaError) Unwrap() error {
	return e.Err
}
