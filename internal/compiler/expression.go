package compiler

import "github.com/lumotrack/audience-engine/internal/domain"

// Expression is the closed union of compiled assignment expressions. Segment
// expressions evaluate to booleans, user-property expressions to strings.
type Expression interface {
	isExpression()
	// StateIDs returns the state ids the expression reads, in traversal
	// order.
	StateIDs() []string
}

// TraitExpr compares a trait state's last value (segments).
type TraitExpr struct {
	StateID  string
	Operator domain.Operator
}

// PerformedExpr compares a performed state's count against a threshold.
type PerformedExpr struct {
	StateID       string
	Comparator    domain.Comparator
	Times         int
	WindowSeconds int64
}

// LastPerformedExpr compares the positional value array of the most recent
// matching event against the node's has-conditions.
type LastPerformedExpr struct {
	StateID string
	Has     []domain.PropertyCondition
}

// AndExpr is a boolean conjunction.
type AndExpr struct {
	Children []Expression
}

// OrExpr is a boolean disjunction.
type OrExpr struct {
	Children []Expression
}

// ValueExpr reads a last-value state as a user-property value.
type ValueExpr struct {
	StateID string
}

// AnyOfExpr coalesces to the first non-empty child value in declared order.
type AnyOfExpr struct {
	Children []Expression
}

// PerformedManyExpr renders a grouped-list state as a chronological JSON
// list of matched events with their properties.
type PerformedManyExpr struct {
	StateID string
}

func (*TraitExpr) isExpression()         {}
func (*PerformedExpr) isExpression()     {}
func (*LastPerformedExpr) isExpression() {}
func (*AndExpr) isExpression()           {}
func (*OrExpr) isExpression()            {}
func (*ValueExpr) isExpression()         {}
func (*AnyOfExpr) isExpression()         {}
func (*PerformedManyExpr) isExpression() {}

func (e *TraitExpr) StateIDs() []string         { return []string{e.StateID} }
func (e *PerformedExpr) StateIDs() []string     { return []string{e.StateID} }
func (e *LastPerformedExpr) StateIDs() []string { return []string{e.StateID} }
func (e *ValueExpr) StateIDs() []string         { return []string{e.StateID} }
func (e *PerformedManyExpr) StateIDs() []string { return []string{e.StateID} }

func (e *AndExpr) StateIDs() []string { return childStateIDs(e.Children) }
func (e *OrExpr) StateIDs() []string  { return childStateIDs(e.Children) }
func (e *AnyOfExpr) StateIDs() []string {
	return childStateIDs(e.Children)
}

func childStateIDs(children []Expression) []string {
	var ids []string
	for _, child := range children {
		ids = append(ids, child.StateIDs()...)
	}
	return ids
}
