package domain

import "fmt"

// DefinitionError reports a malformed or dangling part of a definition tree.
// The offending subtree is dropped and compilation continues with siblings.
type DefinitionError struct {
	ComputedPropertyID string
	NodeID             string
	Reason             string
}

func (e *DefinitionError) Error() string {
	return fmt.Sprintf("definition error in %s at node %q: %s", e.ComputedPropertyID, e.NodeID, e.Reason)
}

// ValidationError reports a row that failed schema validation on read-back.
// The row is dropped and the batch continues.
type ValidationError struct {
	Entity string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s row: %s", e.Entity, e.Reason)
}
