package domain

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Event represents a single row of the append-only event log. Rows are
// immutable and at-least-once; MessageID is the dedup key.
type Event struct {
	WorkspaceID    string    `ch:"workspace_id"`
	UserID         string    `ch:"user_id"`
	AnonymousID    string    `ch:"anonymous_id"`
	EventType      string    `ch:"event_type"`
	EventName      string    `ch:"event"`
	Properties     string    `ch:"properties"`
	EventTime      time.Time `ch:"event_time"`
	ProcessingTime time.Time `ch:"processing_time"`
	MessageID      string    `ch:"message_id"`
}

// Recognized event types.
const (
	EventTypeTrack    = "track"
	EventTypeIdentify = "identify"
)

// Internal event names emitted by other parts of the platform. Sugar segment
// nodes are rewritten against these.
const (
	EventNameSegmentBroadcast   = "AEInternalSegmentBroadcast"
	EventNameSubscriptionChange = "AESubscriptionChange"
	EventNameEmailDelivered     = "AEEmailDelivered"
	EventNameEmailOpened        = "AEEmailOpened"
	EventNameEmailClicked       = "AEEmailClicked"
	EventNameEmailBounced       = "AEEmailBounced"
)

// PropertyPath resolves a dotted path into the event's properties JSON and
// returns the value rendered as a string. The second return is false when the
// path is absent or the properties payload is not an object.
func (e *Event) PropertyPath(path string) (string, bool) {
	if e.Properties == "" {
		return "", false
	}
	var props map[string]any
	if err := json.Unmarshal([]byte(e.Properties), &props); err != nil {
		return "", false
	}
	return lookupPath(props, strings.Split(path, "."))
}

// PropertyMap decodes the properties payload into a generic map. A missing or
// malformed payload yields an empty map.
func (e *Event) PropertyMap() map[string]any {
	props := map[string]any{}
	if e.Properties == "" {
		return props
	}
	if err := json.Unmarshal([]byte(e.Properties), &props); err != nil {
		return map[string]any{}
	}
	return props
}

func lookupPath(obj map[string]any, parts []string) (string, bool) {
	if len(parts) == 0 {
		return "", false
	}
	value, ok := obj[parts[0]]
	if !ok {
		return "", false
	}
	if len(parts) == 1 {
		return StringifyValue(value), true
	}
	nested, ok := value.(map[string]any)
	if !ok {
		return "", false
	}
	return lookupPath(nested, parts[1:])
}

// StringifyValue renders a decoded JSON value the way string comparisons
// expect: scalars bare, composites re-encoded.
func StringifyValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(encoded)
	}
}
