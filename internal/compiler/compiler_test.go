package compiler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/lumotrack/audience-engine/internal/domain"
)

var defUpdatedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func segmentDef(entry string, nodes ...domain.Node) *domain.Definition {
	nodeMap := make(map[string]domain.Node, len(nodes))
	for _, n := range nodes {
		nodeMap[n.ID] = n
	}
	return &domain.Definition{
		ID:                  "f47ac10b-58cc-4372-a567-0e02b2c3d479",
		WorkspaceID:         "ws-1",
		Type:                domain.PropertyTypeSegment,
		EntryNode:           entry,
		Nodes:               nodeMap,
		DefinitionUpdatedAt: defUpdatedAt,
	}
}

func propertyDef(entry string, nodes ...domain.Node) *domain.Definition {
	def := segmentDef(entry, nodes...)
	def.Type = domain.PropertyTypeUserProperty
	return def
}

func TestStateID_Deterministic(t *testing.T) {
	def := segmentDef("n1", domain.Node{ID: "n1", Kind: domain.NodeKindTrait, Path: "plan", Operator: &domain.Operator{Kind: domain.OperatorEquals, Value: "pro"}})

	assert.Equal(t, StateID(def, "n1"), StateID(def, "n1"))
	assert.NotEqual(t, StateID(def, "n1"), StateID(def, "n2"))
}

func TestStateID_ChangesWithVersion(t *testing.T) {
	def := segmentDef("n1", domain.Node{ID: "n1", Kind: domain.NodeKindTrait})
	before := StateID(def, "n1")

	def.DefinitionUpdatedAt = defUpdatedAt.Add(time.Minute)

	assert.NotEqual(t, before, StateID(def, "n1"))
}

func TestStateID_NonUUIDPropertyID(t *testing.T) {
	def := segmentDef("n1", domain.Node{ID: "n1", Kind: domain.NodeKindTrait})
	def.ID = "not-a-uuid"

	first := StateID(def, "n1")
	second := StateID(def, "n1")

	assert.Equal(t, first, second)
	assert.NotEmpty(t, first)
}

func TestCompile_TraitSegment(t *testing.T) {
	def := segmentDef("n1", domain.Node{
		ID:       "n1",
		Kind:     domain.NodeKindTrait,
		Path:     "plan",
		Operator: &domain.Operator{Kind: domain.OperatorEquals, Value: "pro"},
	})

	compiled, err := Compile(def)

	assert.NoError(t, err)
	assert.Len(t, compiled.Rules, 1)
	assert.Equal(t, AggregationLastValue, compiled.Rules[0].Aggregation)
	assert.Equal(t, "plan", compiled.Rules[0].ValuePath)
	assert.False(t, compiled.Unbounded)
	expr, ok := compiled.Expr.(*TraitExpr)
	assert.True(t, ok)
	assert.Equal(t, compiled.Rules[0].StateID, expr.StateID)
}

func TestCompile_WithinTraitIsUnbounded(t *testing.T) {
	def := segmentDef("n1", domain.Node{
		ID:       "n1",
		Kind:     domain.NodeKindTrait,
		Path:     "lastSeenAt",
		Operator: &domain.Operator{Kind: domain.OperatorWithin, WindowSeconds: 3600},
	})

	compiled, err := Compile(def)

	assert.NoError(t, err)
	assert.True(t, compiled.Unbounded)
	assert.True(t, compiled.Rules[0].Unbounded)
}

func TestCompile_PerformedDefaults(t *testing.T) {
	def := segmentDef("n1", domain.Node{ID: "n1", Kind: domain.NodeKindPerformed, Event: "purchase"})

	compiled, err := Compile(def)

	assert.NoError(t, err)
	assert.Equal(t, AggregationUniqueCount, compiled.Rules[0].Aggregation)
	expr := compiled.Expr.(*PerformedExpr)
	assert.Equal(t, domain.ComparatorGTE, expr.Comparator)
	assert.Equal(t, 1, expr.Times)
	assert.False(t, compiled.Unbounded)
}

func TestCompile_WindowedPerformedKeepsEvents(t *testing.T) {
	def := segmentDef("n1", domain.Node{
		ID:            "n1",
		Kind:          domain.NodeKindPerformed,
		Event:         "purchase",
		Times:         3,
		WithinSeconds: 86400,
	})

	compiled, err := Compile(def)

	assert.NoError(t, err)
	assert.Equal(t, AggregationGroupedList, compiled.Rules[0].Aggregation)
	assert.True(t, compiled.Unbounded)
	expr := compiled.Expr.(*PerformedExpr)
	assert.Equal(t, int64(86400), expr.WindowSeconds)
	assert.Equal(t, 3, expr.Times)
}

func TestCompile_AndOrComposite(t *testing.T) {
	def := segmentDef("root",
		domain.Node{ID: "root", Kind: domain.NodeKindAnd, Children: []string{"a", "b"}},
		domain.Node{ID: "a", Kind: domain.NodeKindTrait, Path: "plan", Operator: &domain.Operator{Kind: domain.OperatorExists}},
		domain.Node{ID: "b", Kind: domain.NodeKindPerformed, Event: "login"},
	)

	compiled, err := Compile(def)

	assert.NoError(t, err)
	assert.Len(t, compiled.Rules, 2)
	and, ok := compiled.Expr.(*AndExpr)
	assert.True(t, ok)
	assert.Len(t, and.Children, 2)
	assert.Len(t, compiled.Expr.StateIDs(), 2)
}

func TestCompile_DanglingChildDroppedWithError(t *testing.T) {
	def := segmentDef("root",
		domain.Node{ID: "root", Kind: domain.NodeKindOr, Children: []string{"a", "missing"}},
		domain.Node{ID: "a", Kind: domain.NodeKindPerformed, Event: "login"},
	)

	compiled, err := Compile(def)

	assert.NoError(t, err)
	assert.Len(t, compiled.Errors, 1)
	assert.Contains(t, compiled.Errors[0].Reason, "missing")
	or := compiled.Expr.(*OrExpr)
	assert.Len(t, or.Children, 1)
}

func TestCompile_CompositeWithNoUsableChildrenFails(t *testing.T) {
	def := segmentDef("root",
		domain.Node{ID: "root", Kind: domain.NodeKindAnd, Children: []string{"missing"}},
	)

	_, err := Compile(def)

	assert.Error(t, err)
}

func TestCompile_MissingEntryFails(t *testing.T) {
	def := segmentDef("nope", domain.Node{ID: "n1", Kind: domain.NodeKindTrait})

	_, err := Compile(def)

	assert.Error(t, err)
}

func TestCompile_CycleFails(t *testing.T) {
	def := segmentDef("a",
		domain.Node{ID: "a", Kind: domain.NodeKindAnd, Children: []string{"b"}},
		domain.Node{ID: "b", Kind: domain.NodeKindOr, Children: []string{"a"}},
	)

	_, err := Compile(def)

	assert.Error(t, err)
}

func TestCompile_BroadcastRewrite(t *testing.T) {
	def := segmentDef("n1", domain.Node{ID: "n1", Kind: domain.NodeKindBroadcast, BroadcastID: "bc-7"})

	compiled, err := Compile(def)

	assert.NoError(t, err)
	rule := compiled.Rules[0]
	assert.Equal(t, domain.EventNameSegmentBroadcast, rule.Predicate.EventName)
	assert.Equal(t, "broadcastId", rule.Predicate.Conditions[0].Path)
	assert.Equal(t, "bc-7", rule.Predicate.Conditions[0].Value)
	// Rewrites keep the original node id, so the state id is stable.
	assert.Equal(t, StateID(def, "n1"), rule.StateID)
}

func TestCompile_EmailRewrite(t *testing.T) {
	def := segmentDef("n1", domain.Node{
		ID:         "n1",
		Kind:       domain.NodeKindEmail,
		EmailEvent: "Opened",
		TemplateID: "tpl-3",
	})

	compiled, err := Compile(def)

	assert.NoError(t, err)
	rule := compiled.Rules[0]
	assert.Equal(t, domain.EventNameEmailOpened, rule.Predicate.EventName)
	assert.Equal(t, "templateId", rule.Predicate.Conditions[0].Path)
	assert.Equal(t, "tpl-3", rule.Predicate.Conditions[0].Value)
}

func TestCompile_EmailRewriteUnknownEvent(t *testing.T) {
	def := segmentDef("n1", domain.Node{ID: "n1", Kind: domain.NodeKindEmail, EmailEvent: "Forwarded"})

	_, err := Compile(def)

	assert.Error(t, err)
}

func TestCompile_SubscriptionGroupRewrite(t *testing.T) {
	optIn := segmentDef("n1", domain.Node{
		ID:                  "n1",
		Kind:                domain.NodeKindSubscriptionGroup,
		SubscriptionGroupID: "sg-1",
		OptIn:               true,
	})

	compiled, err := Compile(optIn)
	assert.NoError(t, err)
	rule := compiled.Rules[0]
	assert.Equal(t, domain.EventNameSubscriptionChange, rule.Predicate.EventName)
	assert.Equal(t, "subscriptionId", rule.Predicate.Conditions[0].Path)
	expr := compiled.Expr.(*LastPerformedExpr)
	assert.Equal(t, domain.OperatorEquals, expr.Has[0].Operator)
	assert.Equal(t, "Subscribe", expr.Has[0].Value)

	optOut := segmentDef("n1", domain.Node{
		ID:                  "n1",
		Kind:                domain.NodeKindSubscriptionGroup,
		SubscriptionGroupID: "sg-1",
	})

	compiled, err = Compile(optOut)
	assert.NoError(t, err)
	expr = compiled.Expr.(*LastPerformedExpr)
	assert.Equal(t, domain.OperatorNotEquals, expr.Has[0].Operator)
	assert.Equal(t, "Unsubscribe", expr.Has[0].Value)
}

func TestCompile_UserPropertyAnyOf(t *testing.T) {
	def := propertyDef("root",
		domain.Node{ID: "root", Kind: domain.NodeKindAnyOf, Children: []string{"t", "id"}},
		domain.Node{ID: "t", Kind: domain.NodeKindTrait, Path: "email"},
		domain.Node{ID: "id", Kind: domain.NodeKindID},
	)

	compiled, err := Compile(def)

	assert.NoError(t, err)
	assert.Len(t, compiled.Rules, 2)
	assert.Equal(t, ValuePathUserID, compiled.Rules[1].ValuePath)
	_, ok := compiled.Expr.(*AnyOfExpr)
	assert.True(t, ok)
}

func TestCompile_PerformedManyIncludesProperties(t *testing.T) {
	def := propertyDef("n1", domain.Node{ID: "n1", Kind: domain.NodeKindPerformedMany, Event: "order_placed"})

	compiled, err := Compile(def)

	assert.NoError(t, err)
	assert.Equal(t, AggregationGroupedList, compiled.Rules[0].Aggregation)
	assert.True(t, compiled.Rules[0].IncludeProperties)
}

func TestCompile_Deterministic(t *testing.T) {
	def := segmentDef("root",
		domain.Node{ID: "root", Kind: domain.NodeKindAnd, Children: []string{"a", "b"}},
		domain.Node{ID: "a", Kind: domain.NodeKindTrait, Path: "plan", Operator: &domain.Operator{Kind: domain.OperatorExists}},
		domain.Node{ID: "b", Kind: domain.NodeKindPerformed, Event: "login"},
	)

	first, err := Compile(def)
	assert.NoError(t, err)
	second, err := Compile(def)
	assert.NoError(t, err)

	assert.Equal(t, first.Version, second.Version)
	assert.Equal(t, first.Expr.StateIDs(), second.Expr.StateIDs())
	assert.Equal(t, len(first.Rules), len(second.Rules))
	for i := range first.Rules {
		assert.Equal(t, first.Rules[i].StateID, second.Rules[i].StateID)
	}
}
