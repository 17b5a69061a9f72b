package evaluate

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/lumotrack/audience-engine/internal/compiler"
	"github.com/lumotrack/audience-engine/internal/domain"
)

// EvalBool evaluates a segment expression against a user's states.
func EvalBool(expr compiler.Expression, states map[string]*domain.State, now time.Time) bool {
	switch e := expr.(type) {
	case *compiler.TraitExpr:
		return evalTrait(e, states[e.StateID], now)
	case *compiler.PerformedExpr:
		return evalPerformed(e, states[e.StateID], now)
	case *compiler.LastPerformedExpr:
		return evalLastPerformed(e, states[e.StateID])
	case *compiler.AndExpr:
		for _, child := range e.Children {
			if !EvalBool(child, states, now) {
				return false
			}
		}
		return true
	case *compiler.OrExpr:
		for _, child := range e.Children {
			if EvalBool(child, states, now) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// EvalValue evaluates a user-property expression against a user's states.
func EvalValue(expr compiler.Expression, states map[string]*domain.State, now time.Time) string {
	switch e := expr.(type) {
	case *compiler.ValueExpr:
		if st := states[e.StateID]; st != nil {
			return st.LastValue
		}
		return ""
	case *compiler.AnyOfExpr:
		for _, child := range e.Children {
			if value := EvalValue(child, states, now); value != "" {
				return value
			}
		}
		return ""
	case *compiler.PerformedManyExpr:
		return evalPerformedMany(states[e.StateID])
	default:
		return ""
	}
}

func evalTrait(e *compiler.TraitExpr, st *domain.State, now time.Time) bool {
	lastValue := ""
	var maxEventTime time.Time
	if st != nil {
		lastValue = st.LastValue
		maxEventTime = st.MaxEventTime
	}

	switch e.Operator.Kind {
	case domain.OperatorEquals:
		return st != nil && lastValue == e.Operator.Value
	case domain.OperatorNotEquals:
		return st != nil && lastValue != e.Operator.Value
	case domain.OperatorExists:
		return lastValue != ""
	case domain.OperatorWithin:
		ts, ok := parseTime(lastValue)
		if !ok {
			return false
		}
		window := time.Duration(e.Operator.WindowSeconds) * time.Second
		return !ts.Before(now.Add(-window))
	case domain.OperatorHasBeen:
		if st == nil || lastValue != e.Operator.Value {
			return false
		}
		window := time.Duration(e.Operator.WindowSeconds) * time.Second
		return maxEventTime.Before(now.Add(-window))
	default:
		return false
	}
}

func evalPerformed(e *compiler.PerformedExpr, st *domain.State, now time.Time) bool {
	count := 0
	if st != nil {
		if e.WindowSeconds > 0 {
			cutoff := now.Add(-time.Duration(e.WindowSeconds) * time.Second)
			for _, item := range st.GroupedItems {
				if !item.EventTime.Before(cutoff) {
					count++
				}
			}
		} else {
			count = len(st.UniqueKeys)
		}
	}
	return compare(e.Comparator, count, e.Times)
}

func evalLastPerformed(e *compiler.LastPerformedExpr, st *domain.State) bool {
	if st == nil || st.LastValue == "" {
		return false
	}
	var values []string
	if err := json.Unmarshal([]byte(st.LastValue), &values); err != nil {
		return false
	}
	for i, cond := range e.Has {
		value := ""
		if i < len(values) {
			value = values[i]
		}
		switch cond.Operator {
		case domain.OperatorNotEquals:
			if value == cond.Value {
				return false
			}
		case domain.OperatorExists:
			if value == "" {
				return false
			}
		case domain.OperatorEquals, "":
			if value != cond.Value {
				return false
			}
		default:
			return false
		}
	}
	return true
}

type performedManyItem struct {
	Timestamp  string         `json:"timestamp"`
	Properties map[string]any `json:"properties"`
}

func evalPerformedMany(st *domain.State) string {
	if st == nil || len(st.GroupedItems) == 0 {
		return ""
	}
	items := make([]performedManyItem, len(st.GroupedItems))
	for i, item := range st.GroupedItems {
		items[i] = performedManyItem{
			Timestamp:  item.EventTime.UTC().Format(time.RFC3339),
			Properties: item.Properties,
		}
	}
	encoded, err := json.Marshal(items)
	if err != nil {
		return ""
	}
	return string(encoded)
}

func compare(comparator domain.Comparator, count, times int) bool {
	switch comparator {
	case domain.ComparatorGTE, "":
		return count >= times
	case domain.ComparatorGT:
		return count > times
	case domain.ComparatorLTE:
		return count <= times
	case domain.ComparatorLT:
		return count < times
	case domain.ComparatorEQ:
		return count == times
	default:
		return false
	}
}

// parseTime accepts RFC3339 strings and unix second or millisecond epochs.
func parseTime(value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts, true
	}
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		// Millisecond epochs are unambiguous past 2001 in seconds.
		if n > 1e11 {
			return time.UnixMilli(n), true
		}
		return time.Unix(n, 0), true
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Unix(int64(f), 0), true
	}
	return time.Time{}, false
}
