package evaluate

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/lumotrack/audience-engine/internal/compiler"
	"github.com/lumotrack/audience-engine/internal/domain"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func statesWith(stateID string, st *domain.State) map[string]*domain.State {
	return map[string]*domain.State{stateID: st}
}

func TestEvalBool_TraitEquals(t *testing.T) {
	expr := &compiler.TraitExpr{StateID: "s1", Operator: domain.Operator{Kind: domain.OperatorEquals, Value: "pro"}}

	assert.True(t, EvalBool(expr, statesWith("s1", &domain.State{LastValue: "pro"}), now))
	assert.False(t, EvalBool(expr, statesWith("s1", &domain.State{LastValue: "free"}), now))
	assert.False(t, EvalBool(expr, map[string]*domain.State{}, now))
}

func TestEvalBool_TraitNotEqualsRequiresState(t *testing.T) {
	expr := &compiler.TraitExpr{StateID: "s1", Operator: domain.Operator{Kind: domain.OperatorNotEquals, Value: "free"}}

	assert.True(t, EvalBool(expr, statesWith("s1", &domain.State{LastValue: "pro"}), now))
	assert.False(t, EvalBool(expr, statesWith("s1", &domain.State{LastValue: "free"}), now))
	// A user with no state at all is not "not equals"; they are unknown.
	assert.False(t, EvalBool(expr, map[string]*domain.State{}, now))
}

func TestEvalBool_TraitExists(t *testing.T) {
	expr := &compiler.TraitExpr{StateID: "s1", Operator: domain.Operator{Kind: domain.OperatorExists}}

	assert.True(t, EvalBool(expr, statesWith("s1", &domain.State{LastValue: "anything"}), now))
	assert.False(t, EvalBool(expr, statesWith("s1", &domain.State{LastValue: ""}), now))
}

func TestEvalBool_TraitWithin(t *testing.T) {
	expr := &compiler.TraitExpr{StateID: "s1", Operator: domain.Operator{Kind: domain.OperatorWithin, WindowSeconds: 3600}}

	inside := now.Add(-30 * time.Minute).Format(time.RFC3339)
	outside := now.Add(-2 * time.Hour).Format(time.RFC3339)

	assert.True(t, EvalBool(expr, statesWith("s1", &domain.State{LastValue: inside}), now))
	assert.False(t, EvalBool(expr, statesWith("s1", &domain.State{LastValue: outside}), now))
	assert.False(t, EvalBool(expr, statesWith("s1", &domain.State{LastValue: "not a time"}), now))
}

func TestEvalBool_TraitWithinEpochFormats(t *testing.T) {
	expr := &compiler.TraitExpr{StateID: "s1", Operator: domain.Operator{Kind: domain.OperatorWithin, WindowSeconds: 3600}}

	seconds := strconv.FormatInt(now.Add(-10*time.Minute).Unix(), 10)
	millis := strconv.FormatInt(now.Add(-10*time.Minute).UnixMilli(), 10)

	assert.True(t, EvalBool(expr, statesWith("s1", &domain.State{LastValue: seconds}), now))
	assert.True(t, EvalBool(expr, statesWith("s1", &domain.State{LastValue: millis}), now))
}

func TestEvalBool_TraitWithinFlipsAsClockAdvances(t *testing.T) {
	expr := &compiler.TraitExpr{StateID: "s1", Operator: domain.Operator{Kind: domain.OperatorWithin, WindowSeconds: 3600}}
	states := statesWith("s1", &domain.State{LastValue: now.Add(-30 * time.Minute).Format(time.RFC3339)})

	assert.True(t, EvalBool(expr, states, now))
	// Same state, later clock: the user has aged out of the window.
	assert.False(t, EvalBool(expr, states, now.Add(2*time.Hour)))
}

func TestEvalBool_TraitHasBeen(t *testing.T) {
	expr := &compiler.TraitExpr{StateID: "s1", Operator: domain.Operator{Kind: domain.OperatorHasBeen, Value: "inactive", WindowSeconds: 3600}}

	held := &domain.State{LastValue: "inactive", MaxEventTime: now.Add(-2 * time.Hour)}
	recent := &domain.State{LastValue: "inactive", MaxEventTime: now.Add(-10 * time.Minute)}
	other := &domain.State{LastValue: "active", MaxEventTime: now.Add(-2 * time.Hour)}

	assert.True(t, EvalBool(expr, statesWith("s1", held), now))
	assert.False(t, EvalBool(expr, statesWith("s1", recent), now))
	assert.False(t, EvalBool(expr, statesWith("s1", other), now))
}

func TestEvalBool_PerformedCounts(t *testing.T) {
	expr := &compiler.PerformedExpr{StateID: "s1", Comparator: domain.ComparatorGTE, Times: 2}

	two := &domain.State{UniqueKeys: map[string]struct{}{"m1": {}, "m2": {}}}
	one := &domain.State{UniqueKeys: map[string]struct{}{"m1": {}}}

	assert.True(t, EvalBool(expr, statesWith("s1", two), now))
	assert.False(t, EvalBool(expr, statesWith("s1", one), now))
}

func TestEvalBool_PerformedComparators(t *testing.T) {
	st := &domain.State{UniqueKeys: map[string]struct{}{"m1": {}, "m2": {}}}
	states := statesWith("s1", st)

	assert.True(t, EvalBool(&compiler.PerformedExpr{StateID: "s1", Comparator: domain.ComparatorEQ, Times: 2}, states, now))
	assert.True(t, EvalBool(&compiler.PerformedExpr{StateID: "s1", Comparator: domain.ComparatorGT, Times: 1}, states, now))
	assert.True(t, EvalBool(&compiler.PerformedExpr{StateID: "s1", Comparator: domain.ComparatorLT, Times: 3}, states, now))
	assert.False(t, EvalBool(&compiler.PerformedExpr{StateID: "s1", Comparator: domain.ComparatorLTE, Times: 1}, states, now))
}

func TestEvalBool_PerformedZeroCountWithoutState(t *testing.T) {
	// "fewer than 2" holds for a user who never performed the event.
	lt := &compiler.PerformedExpr{StateID: "s1", Comparator: domain.ComparatorLT, Times: 2}
	gte := &compiler.PerformedExpr{StateID: "s1", Comparator: domain.ComparatorGTE, Times: 1}

	assert.True(t, EvalBool(lt, map[string]*domain.State{}, now))
	assert.False(t, EvalBool(gte, map[string]*domain.State{}, now))
}

func TestEvalBool_WindowedPerformedCountsOnlyRecentEvents(t *testing.T) {
	expr := &compiler.PerformedExpr{StateID: "s1", Comparator: domain.ComparatorGTE, Times: 2, WindowSeconds: 3600}
	st := &domain.State{GroupedItems: []domain.GroupedItem{
		{MessageID: "m1", EventTime: now.Add(-3 * time.Hour)},
		{MessageID: "m2", EventTime: now.Add(-30 * time.Minute)},
		{MessageID: "m3", EventTime: now.Add(-10 * time.Minute)},
	}}

	assert.True(t, EvalBool(expr, statesWith("s1", st), now))
	// Later, m2 and m3 age out too.
	assert.False(t, EvalBool(expr, statesWith("s1", st), now.Add(2*time.Hour)))
}

func TestEvalBool_LastPerformed(t *testing.T) {
	expr := &compiler.LastPerformedExpr{
		StateID: "s1",
		Has:     []domain.PropertyCondition{{Path: "action", Operator: domain.OperatorEquals, Value: "Subscribe"}},
	}

	assert.True(t, EvalBool(expr, statesWith("s1", &domain.State{LastValue: `["Subscribe"]`}), now))
	assert.False(t, EvalBool(expr, statesWith("s1", &domain.State{LastValue: `["Unsubscribe"]`}), now))
	assert.False(t, EvalBool(expr, map[string]*domain.State{}, now))
}

func TestEvalBool_LastPerformedNotEquals(t *testing.T) {
	expr := &compiler.LastPerformedExpr{
		StateID: "s1",
		Has:     []domain.PropertyCondition{{Path: "action", Operator: domain.OperatorNotEquals, Value: "Unsubscribe"}},
	}

	assert.True(t, EvalBool(expr, statesWith("s1", &domain.State{LastValue: `["Subscribe"]`}), now))
	assert.True(t, EvalBool(expr, statesWith("s1", &domain.State{LastValue: `[""]`}), now))
	assert.False(t, EvalBool(expr, statesWith("s1", &domain.State{LastValue: `["Unsubscribe"]`}), now))
}

func TestEvalBool_AndOr(t *testing.T) {
	yes := &compiler.TraitExpr{StateID: "a", Operator: domain.Operator{Kind: domain.OperatorExists}}
	no := &compiler.TraitExpr{StateID: "b", Operator: domain.Operator{Kind: domain.OperatorExists}}
	states := statesWith("a", &domain.State{LastValue: "x"})

	assert.False(t, EvalBool(&compiler.AndExpr{Children: []compiler.Expression{yes, no}}, states, now))
	assert.True(t, EvalBool(&compiler.OrExpr{Children: []compiler.Expression{yes, no}}, states, now))
	assert.True(t, EvalBool(&compiler.AndExpr{Children: []compiler.Expression{yes}}, states, now))
}

func TestEvalValue_AnyOfCoalesces(t *testing.T) {
	expr := &compiler.AnyOfExpr{Children: []compiler.Expression{
		&compiler.ValueExpr{StateID: "a"},
		&compiler.ValueExpr{StateID: "b"},
	}}

	states := map[string]*domain.State{
		"a": {LastValue: ""},
		"b": {LastValue: "fallback"},
	}
	assert.Equal(t, "fallback", EvalValue(expr, states, now))

	states["a"].LastValue = "primary"
	assert.Equal(t, "primary", EvalValue(expr, states, now))
}

func TestEvalValue_PerformedMany(t *testing.T) {
	expr := &compiler.PerformedManyExpr{StateID: "s1"}
	st := &domain.State{GroupedItems: []domain.GroupedItem{
		{MessageID: "m1", EventTime: now.Add(-time.Hour), Properties: map[string]any{"total": 10.0}},
		{MessageID: "m2", EventTime: now, Properties: map[string]any{"total": 20.0}},
	}}

	value := EvalValue(expr, statesWith("s1", st), now)

	assert.Contains(t, value, `"timestamp":"2026-03-01T11:00:00Z"`)
	assert.Contains(t, value, `"total":10`)
	// Chronological order is preserved in the rendered list.
	assert.Less(t, strings.Index(value, "11:00:00Z"), strings.Index(value, "12:00:00Z"))

	assert.Equal(t, "", EvalValue(expr, map[string]*domain.State{}, now))
}
