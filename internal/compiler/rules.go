package compiler

import (
	"encoding/json"
	"strings"

	"github.com/lumotrack/audience-engine/internal/domain"
)

// AggregationMode selects how matched events fold into a state. The set is
// fixed and closed.
type AggregationMode string

const (
	// AggregationLastValue keeps the extracted value of the matched event
	// with the greatest event time.
	AggregationLastValue AggregationMode = "last_value"
	// AggregationUniqueCount counts distinct extraction keys.
	AggregationUniqueCount AggregationMode = "unique_count"
	// AggregationGroupedList accumulates matched events as a set union
	// keyed by message id.
	AggregationGroupedList AggregationMode = "grouped_list"
)

// Predicate matches raw events. EventName supports a trailing asterisk for
// prefix matching and "*" for any.
type Predicate struct {
	EventType  string
	EventName  string
	Conditions []domain.PropertyCondition
	// RequirePath additionally requires the dotted path to resolve.
	RequirePath string
	// RequireAnonymousID requires a non-empty anonymous id.
	RequireAnonymousID bool
}

// Matches reports whether the event satisfies the predicate.
func (p *Predicate) Matches(ev *domain.Event) bool {
	if p.EventType != "" && ev.EventType != p.EventType {
		return false
	}
	if !matchName(p.EventName, ev.EventName) {
		return false
	}
	if p.RequirePath != "" {
		if _, ok := ev.PropertyPath(p.RequirePath); !ok {
			return false
		}
	}
	if p.RequireAnonymousID && ev.AnonymousID == "" {
		return false
	}
	for _, cond := range p.Conditions {
		if !matchCondition(ev, cond) {
			return false
		}
	}
	return true
}

func matchName(pattern, name string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(name, prefix)
	}
	return pattern == name
}

func matchCondition(ev *domain.Event, cond domain.PropertyCondition) bool {
	value, present := ev.PropertyPath(cond.Path)
	switch cond.Operator {
	case domain.OperatorExists:
		return present && value != ""
	case domain.OperatorNotEquals:
		return !present || value != cond.Value
	case domain.OperatorEquals, "":
		if !present {
			return false
		}
		if prefix, ok := strings.CutSuffix(cond.Value, "*"); ok && cond.Value != "*" {
			return strings.HasPrefix(value, prefix)
		}
		return value == cond.Value || cond.Value == "*"
	default:
		return false
	}
}

// StateRule is one compiled state-extraction rule: a predicate over raw
// events plus an aggregation mode feeding one state id.
type StateRule struct {
	ComputedPropertyID string
	Type               domain.PropertyType
	StateID            string
	NodeID             string
	Aggregation        AggregationMode
	Predicate          Predicate

	// ValuePath is the dotted extraction path for last-value rules. The
	// reserved paths extract off-payload identifiers.
	ValuePath string
	// HasPaths, when set, extract a positional JSON array instead of a
	// single path (LastPerformed).
	HasPaths []string
	// IncludeProperties keeps the full decoded property map on grouped
	// items (PerformedMany).
	IncludeProperties bool

	// Unbounded marks rules whose truth value can change from clock
	// advance alone; their states are re-evaluated every run.
	Unbounded bool
}

// Reserved extraction paths for identifier-valued rules.
const (
	ValuePathUserID      = "$user_id"
	ValuePathAnonymousID = "$anonymous_id"
)

// Contribution computes the rule's state contribution for one event, or
// false when the predicate does not match.
func (r *StateRule) Contribution(ev *domain.Event) (*domain.State, bool) {
	if !r.Predicate.Matches(ev) {
		return nil, false
	}
	state := &domain.State{
		WorkspaceID:        ev.WorkspaceID,
		Type:               r.Type,
		ComputedPropertyID: r.ComputedPropertyID,
		StateID:            r.StateID,
		UserID:             ev.UserID,
	}
	switch r.Aggregation {
	case AggregationLastValue:
		value, ok := r.extract(ev)
		if !ok {
			return nil, false
		}
		state.LastValue = value
		state.MaxEventTime = ev.EventTime
	case AggregationUniqueCount:
		state.UniqueKeys = map[string]struct{}{ev.MessageID: {}}
		state.MaxEventTime = ev.EventTime
	case AggregationGroupedList:
		item := domain.GroupedItem{
			MessageID: ev.MessageID,
			EventTime: ev.EventTime,
		}
		if len(r.HasPaths) > 0 {
			item.Values = make([]string, len(r.HasPaths))
			for i, path := range r.HasPaths {
				item.Values[i], _ = ev.PropertyPath(path)
			}
		}
		if r.IncludeProperties {
			item.Properties = ev.PropertyMap()
		}
		state.GroupedItems = []domain.GroupedItem{item}
		state.MaxEventTime = ev.EventTime
	}
	return state, true
}

func (r *StateRule) extract(ev *domain.Event) (string, bool) {
	if len(r.HasPaths) > 0 {
		values := make([]string, len(r.HasPaths))
		for i, path := range r.HasPaths {
			values[i], _ = ev.PropertyPath(path)
		}
		encoded, err := json.Marshal(values)
		if err != nil {
			return "", false
		}
		return string(encoded), true
	}
	switch r.ValuePath {
	case ValuePathUserID:
		return ev.UserID, ev.UserID != ""
	case ValuePathAnonymousID:
		return ev.AnonymousID, ev.AnonymousID != ""
	default:
		return ev.PropertyPath(r.ValuePath)
	}
}
