// Package compiler turns segment and user-property definition trees into
// incremental state-extraction rules and assignment expressions. Compilation
// is pure and deterministic: the same (id, version) always yields identical
// state ids, rules and expressions.
package compiler

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/lumotrack/audience-engine/internal/domain"
)

// Compiled is the compilation result for one computed property.
type Compiled struct {
	Type    domain.PropertyType
	ID      string
	Version string

	Rules []StateRule
	Expr  Expression

	// Unbounded is true when any rule's truth value can change from clock
	// advance alone; such properties are re-evaluated every run.
	Unbounded bool

	// Errors holds subtree drops encountered while compiling. A non-empty
	// slice does not invalidate the result.
	Errors []*domain.DefinitionError
}

// StateID derives the deterministic state id for a definition node: a v5
// UUID of (definition version, node id) namespaced by the property id.
// Editing a definition bumps the version and yields fresh ids.
func StateID(def *domain.Definition, nodeID string) string {
	ns, err := uuid.Parse(def.ID)
	if err != nil {
		ns = uuid.NewSHA1(uuid.NameSpaceOID, []byte(def.ID))
	}
	return uuid.NewSHA1(ns, []byte(def.Version()+":"+nodeID)).String()
}

// Compile compiles a definition tree. Dangling child references inside
// And/Or/AnyOf nodes drop that subtree and continue with siblings; an
// unusable entry node fails the whole property.
func Compile(def *domain.Definition) (*Compiled, error) {
	entry, ok := def.Entry()
	if !ok {
		return nil, &domain.DefinitionError{
			ComputedPropertyID: def.ID,
			NodeID:             def.EntryNode,
			Reason:             "entry node not found",
		}
	}
	c := &compilation{
		def:      def,
		compiled: &Compiled{Type: def.Type, ID: def.ID, Version: def.Version()},
		visited:  map[string]bool{},
	}
	expr, err := c.compileNode(entry)
	if err != nil {
		return nil, err
	}
	c.compiled.Expr = expr
	return c.compiled, nil
}

type compilation struct {
	def      *domain.Definition
	compiled *Compiled
	visited  map[string]bool
}

func (c *compilation) fail(nodeID, format string, args ...any) *domain.DefinitionError {
	return &domain.DefinitionError{
		ComputedPropertyID: c.def.ID,
		NodeID:             nodeID,
		Reason:             fmt.Sprintf(format, args...),
	}
}

func (c *compilation) addRule(rule StateRule) {
	if rule.Unbounded {
		c.compiled.Unbounded = true
	}
	c.compiled.Rules = append(c.compiled.Rules, rule)
}

func (c *compilation) baseRule(node domain.Node, agg AggregationMode) StateRule {
	return StateRule{
		ComputedPropertyID: c.def.ID,
		Type:               c.def.Type,
		StateID:            StateID(c.def, node.ID),
		NodeID:             node.ID,
		Aggregation:        agg,
	}
}

func (c *compilation) compileNode(node domain.Node) (Expression, error) {
	if c.visited[node.ID] {
		return nil, c.fail(node.ID, "cycle in definition tree")
	}
	c.visited[node.ID] = true

	if c.def.Type == domain.PropertyTypeSegment {
		return c.compileSegmentNode(node)
	}
	return c.compilePropertyNode(node)
}

func (c *compilation) compileSegmentNode(node domain.Node) (Expression, error) {
	switch node.Kind {
	case domain.NodeKindTrait:
		if node.Operator == nil {
			return nil, c.fail(node.ID, "trait node missing operator")
		}
		rule := c.baseRule(node, AggregationLastValue)
		rule.Predicate = Predicate{RequirePath: node.Path}
		rule.ValuePath = node.Path
		rule.Unbounded = node.Operator.Kind == domain.OperatorWithin || node.Operator.Kind == domain.OperatorHasBeen
		c.addRule(rule)
		return &TraitExpr{StateID: rule.StateID, Operator: *node.Operator}, nil

	case domain.NodeKindPerformed:
		times := node.Times
		if times == 0 {
			times = 1
		}
		comparator := node.TimesOperator
		if comparator == "" {
			comparator = domain.ComparatorGTE
		}
		predicate := Predicate{EventName: node.Event, Conditions: node.Where}
		if node.WithinSeconds > 0 {
			// Windowed counts need per-event times, so the state keeps
			// the matched events rather than a bare key set.
			rule := c.baseRule(node, AggregationGroupedList)
			rule.Predicate = predicate
			rule.Unbounded = true
			c.addRule(rule)
			return &PerformedExpr{
				StateID:       rule.StateID,
				Comparator:    comparator,
				Times:         times,
				WindowSeconds: node.WithinSeconds,
			}, nil
		}
		rule := c.baseRule(node, AggregationUniqueCount)
		rule.Predicate = predicate
		c.addRule(rule)
		return &PerformedExpr{StateID: rule.StateID, Comparator: comparator, Times: times}, nil

	case domain.NodeKindLastPerformed:
		rule := c.baseRule(node, AggregationLastValue)
		rule.Predicate = Predicate{EventName: node.Event, Conditions: node.Where}
		rule.HasPaths = conditionPaths(node.Has)
		c.addRule(rule)
		return &LastPerformedExpr{StateID: rule.StateID, Has: node.Has}, nil

	case domain.NodeKindAnd, domain.NodeKindOr:
		children, err := c.compileChildren(node)
		if err != nil {
			return nil, err
		}
		if node.Kind == domain.NodeKindAnd {
			return &AndExpr{Children: children}, nil
		}
		return &OrExpr{Children: children}, nil

	case domain.NodeKindBroadcast:
		return c.compileSegmentNode(broadcastToPerformed(node))

	case domain.NodeKindEmail:
		rewritten, err := emailToPerformed(node)
		if err != nil {
			return nil, c.fail(node.ID, "%v", err)
		}
		return c.compileSegmentNode(rewritten)

	case domain.NodeKindSubscriptionGroup:
		return c.compileSegmentNode(subscriptionGroupToLastPerformed(node))

	default:
		return nil, c.fail(node.ID, "unsupported segment node kind %q", node.Kind)
	}
}

func (c *compilation) compilePropertyNode(node domain.Node) (Expression, error) {
	switch node.Kind {
	case domain.NodeKindTrait:
		rule := c.baseRule(node, AggregationLastValue)
		rule.Predicate = Predicate{RequirePath: node.Path}
		rule.ValuePath = node.Path
		c.addRule(rule)
		return &ValueExpr{StateID: rule.StateID}, nil

	case domain.NodeKindID:
		rule := c.baseRule(node, AggregationLastValue)
		rule.ValuePath = ValuePathUserID
		c.addRule(rule)
		return &ValueExpr{StateID: rule.StateID}, nil

	case domain.NodeKindAnonymousID:
		rule := c.baseRule(node, AggregationLastValue)
		rule.Predicate = Predicate{RequireAnonymousID: true}
		rule.ValuePath = ValuePathAnonymousID
		c.addRule(rule)
		return &ValueExpr{StateID: rule.StateID}, nil

	case domain.NodeKindPerformed:
		rule := c.baseRule(node, AggregationLastValue)
		rule.Predicate = Predicate{EventName: node.Event, Conditions: node.Where}
		rule.ValuePath = node.Path
		c.addRule(rule)
		return &ValueExpr{StateID: rule.StateID}, nil

	case domain.NodeKindPerformedMany:
		rule := c.baseRule(node, AggregationGroupedList)
		rule.Predicate = Predicate{EventName: node.Event, Conditions: node.Where}
		rule.IncludeProperties = true
		c.addRule(rule)
		return &PerformedManyExpr{StateID: rule.StateID}, nil

	case domain.NodeKindAnyOf:
		children, err := c.compileChildren(node)
		if err != nil {
			return nil, err
		}
		return &AnyOfExpr{Children: children}, nil

	default:
		return nil, c.fail(node.ID, "unsupported user property node kind %q", node.Kind)
	}
}

// compileChildren compiles composite children in declared order. A dangling
// or broken child is recorded and skipped; a composite with no surviving
// children is itself an error.
func (c *compilation) compileChildren(node domain.Node) ([]Expression, error) {
	var children []Expression
	for _, childID := range node.Children {
		child, ok := c.def.Node(childID)
		if !ok {
			c.compiled.Errors = append(c.compiled.Errors, c.fail(node.ID, "dangling child reference %q", childID))
			continue
		}
		expr, err := c.compileNode(child)
		if err != nil {
			var defErr *domain.DefinitionError
			if ok := asDefinitionError(err, &defErr); ok {
				c.compiled.Errors = append(c.compiled.Errors, defErr)
				continue
			}
			return nil, err
		}
		children = append(children, expr)
	}
	if len(children) == 0 {
		return nil, c.fail(node.ID, "composite node has no usable children")
	}
	return children, nil
}

func asDefinitionError(err error, target **domain.DefinitionError) bool {
	defErr, ok := err.(*domain.DefinitionError)
	if ok {
		*target = defErr
	}
	return ok
}

func conditionPaths(conditions []domain.PropertyCondition) []string {
	paths := make([]string, len(conditions))
	for i, cond := range conditions {
		paths[i] = cond.Path
	}
	return paths
}
