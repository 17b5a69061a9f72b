package domain

import (
	"sort"
	"time"
)

// Step identifies a pipeline stage for period tracking.
type Step string

const (
	StepComputeState       Step = "ComputeState"
	StepComputeAssignments Step = "ComputeAssignments"
	StepProcessAssignments Step = "ProcessAssignments"
)

// Period is the high-water mark a pipeline stage has processed for one
// computed property version. To is monotonically non-decreasing for a fixed
// (ComputedPropertyID, Version); a version change resets the lineage.
type Period struct {
	WorkspaceID        string
	Step               Step
	Type               PropertyType
	ComputedPropertyID string
	Version            string
	From               *time.Time
	To                 time.Time
}

// GroupedItem is one element of a grow-append-list state: a matched event's
// positional values and decoded properties, dedup-keyed by message id.
type GroupedItem struct {
	MessageID  string         `json:"messageId"`
	EventTime  time.Time      `json:"eventTime"`
	Values     []string       `json:"values,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

// State is a per-user aggregate maintained incrementally for one compiled
// rule. StateID is a deterministic hash of (definition version, node id), so
// a definition edit yields fresh, non-colliding states.
type State struct {
	WorkspaceID        string
	Type               PropertyType
	ComputedPropertyID string
	StateID            string
	UserID             string

	LastValue    string
	MaxEventTime time.Time
	UniqueKeys   map[string]struct{}
	GroupedItems []GroupedItem

	UpdatedAt time.Time
}

// Clone returns a deep copy of the state.
func (s *State) Clone() *State {
	out := *s
	if s.UniqueKeys != nil {
		out.UniqueKeys = make(map[string]struct{}, len(s.UniqueKeys))
		for k := range s.UniqueKeys {
			out.UniqueKeys[k] = struct{}{}
		}
	}
	if s.GroupedItems != nil {
		out.GroupedItems = append([]GroupedItem(nil), s.GroupedItems...)
	}
	return &out
}

// Merge folds other into s. The merge is associative, commutative and
// idempotent: last-value keeps the argmax by event time, unique keys and
// grouped items are set unions.
func (s *State) Merge(other *State) bool {
	changed := false
	if other.MaxEventTime.After(s.MaxEventTime) {
		s.MaxEventTime = other.MaxEventTime
		s.LastValue = other.LastValue
		changed = true
	} else if other.MaxEventTime.Equal(s.MaxEventTime) && other.LastValue != s.LastValue && other.LastValue > s.LastValue {
		// Deterministic tie-break for equal event times.
		s.LastValue = other.LastValue
		changed = true
	}
	for k := range other.UniqueKeys {
		if _, ok := s.UniqueKeys[k]; !ok {
			if s.UniqueKeys == nil {
				s.UniqueKeys = map[string]struct{}{}
			}
			s.UniqueKeys[k] = struct{}{}
			changed = true
		}
	}
	if len(other.GroupedItems) > 0 {
		seen := make(map[string]struct{}, len(s.GroupedItems))
		for _, item := range s.GroupedItems {
			seen[item.MessageID] = struct{}{}
		}
		for _, item := range other.GroupedItems {
			if _, ok := seen[item.MessageID]; ok {
				continue
			}
			s.GroupedItems = append(s.GroupedItems, item)
			seen[item.MessageID] = struct{}{}
			changed = true
		}
		if changed {
			sort.SliceStable(s.GroupedItems, func(i, j int) bool {
				return s.GroupedItems[i].EventTime.Before(s.GroupedItems[j].EventTime)
			})
		}
	}
	return changed
}

// Assignment is a computed property's current evaluated value for a user.
// It is a pure function of current state, so recomputation is idempotent.
type Assignment struct {
	WorkspaceID        string
	Type               PropertyType
	ComputedPropertyID string
	Version            string
	UserID             string

	SegmentValue  bool
	PropertyValue string

	MaxEventTime time.Time
	AssignedAt   time.Time
}

// Value renders the assignment's value as a string for comparisons and
// delivery payloads.
func (a *Assignment) Value() string {
	if a.Type == PropertyTypeSegment {
		if a.SegmentValue {
			return "true"
		}
		return "false"
	}
	return a.PropertyValue
}

// ConsumerType identifies a downstream consumer family.
type ConsumerType string

const (
	ConsumerTypePg          ConsumerType = "pg"
	ConsumerTypeJourney     ConsumerType = "journey"
	ConsumerTypeIntegration ConsumerType = "integration"
)

// ProcessedAssignment records the last value actually delivered to one
// consumer; it drives per-consumer delivery dedup.
type ProcessedAssignment struct {
	WorkspaceID        string
	Type               PropertyType
	ComputedPropertyID string
	Version            string
	UserID             string
	ConsumerType       ConsumerType
	ConsumerID         string

	Value       string
	ProcessedAt time.Time
}

// JourneySubscription subscribes a running journey to a segment's entry
// transitions.
type JourneySubscription struct {
	JourneyID string
	SegmentID string
}

// IntegrationSubscription subscribes a named external connector to computed
// property changes.
type IntegrationSubscription struct {
	Name            string
	SegmentIDs      []string
	UserPropertyIDs []string
}
