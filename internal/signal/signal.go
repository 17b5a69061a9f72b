// Package signal delivers durable signals to long-lived workflow instances:
// asynchronous, retried, "signal, starting if absent". Journeys and external
// integrations are only ever reached through this mechanism, never by a
// direct synchronous call.
package signal

import (
	"context"
	"fmt"
)

// Signal is one durable message addressed to a workflow instance. DedupKey
// makes redelivery of an identical update a no-op at the outbox.
type Signal struct {
	WorkflowID string
	DedupKey   string
	Name       string
	Payload    any
}

// SegmentUpdate is the payload delivered to journeys on segment entry.
type SegmentUpdate struct {
	Type               string `json:"type"`
	SegmentID          string `json:"segmentId"`
	CurrentlyInSegment bool   `json:"currentlyInSegment"`
	SegmentVersion     int64  `json:"segmentVersion"`
}

// IntegrationUpdate is the payload delivered to external connectors.
type IntegrationUpdate struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Value   string `json:"value"`
	Version int64  `json:"version"`
}

// Client sends durable signals. Implementations must be idempotent per
// (WorkflowID, DedupKey).
type Client interface {
	SignalWithStart(ctx context.Context, sig Signal) error
}

// JourneyWorkflowID derives the deterministic workflow id for a user's
// journey instance.
func JourneyWorkflowID(journeyID, userID string) string {
	return fmt.Sprintf("journey-%s-user-%s", journeyID, userID)
}

// IntegrationWorkflowID derives the deterministic workflow id for a user's
// connector sync instance.
func IntegrationWorkflowID(integrationName, workspaceID, userID string) string {
	return fmt.Sprintf("integration-%s-%s-user-%s", integrationName, workspaceID, userID)
}
