// Package store defines the storage interfaces consumed by the compute
// pipeline. Implementations live in the clickhouse, postgres and memory
// subpackages.
package store

import (
	"context"
	"time"

	"github.com/lumotrack/audience-engine/internal/domain"
)

// EventLog is the append-only event log. Rows are immutable, at-least-once
// and deduplicated by message id.
type EventLog interface {
	// Append inserts a batch of events and returns how many were written.
	Append(ctx context.Context, events []*domain.Event) (int, error)

	// Scan returns a workspace's events with processing time in (from, to],
	// ordered by processing time. Periods are bounded by processing time so
	// late-arriving events are never skipped.
	Scan(ctx context.Context, workspaceID string, from, to time.Time) ([]*domain.Event, error)
}

// StateStore holds per-user aggregates, one row per
// (computedPropertyId, stateId, userId).
type StateStore interface {
	// MergeBatch merges state contributions into the persisted rows and
	// returns how many rows actually changed. Merging an already-applied
	// contribution writes nothing.
	MergeBatch(ctx context.Context, states []*domain.State) (int, error)

	// UsersWithStates returns, per user, the user's states for the given
	// state ids, limited to users with at least one state updated after
	// since. A zero since returns every user holding state.
	UsersWithStates(ctx context.Context, workspaceID, computedPropertyID string, stateIDs []string, since time.Time) (map[string]map[string]*domain.State, error)
}

// PeriodKey identifies one computed property version within a workspace.
type PeriodKey struct {
	ComputedPropertyID string
	Version            string
}

// PeriodStore tracks the high-water mark each pipeline stage has processed.
type PeriodStore interface {
	// MaxTos returns the max "to" per computed property version for a step.
	MaxTos(ctx context.Context, workspaceID string, step domain.Step) (map[PeriodKey]time.Time, error)

	// Advance appends new period rows and prunes rows older than the
	// retention window. To must never regress for a fixed key.
	Advance(ctx context.Context, periods []*domain.Period) error

	// OldestProcessAssignments returns, per workspace, the oldest
	// ProcessAssignments high-water mark across that workspace's computed
	// properties. Workspaces with no periods are reported with a zero time.
	OldestProcessAssignments(ctx context.Context, workspaceIDs []string) (map[string]time.Time, error)
}

// AssignmentStore persists evaluated assignments.
type AssignmentStore interface {
	Upsert(ctx context.Context, assignments []*domain.Assignment) error

	// Page returns a property's assignments ordered by user id, strictly
	// after the cursor, at most limit rows.
	Page(ctx context.Context, workspaceID, computedPropertyID string, afterUserID string, limit int) ([]*domain.Assignment, error)
}

// ProcessedStore records the last value delivered to each consumer.
type ProcessedStore interface {
	// Get returns the processed rows for the given users, keyed by user id.
	Get(ctx context.Context, workspaceID, computedPropertyID string, consumer domain.ConsumerType, consumerID string, userIDs []string) (map[string]*domain.ProcessedAssignment, error)

	Record(ctx context.Context, rows []*domain.ProcessedAssignment) error
}

// ReadModel is the relational projection consumed by external readers, keyed
// by (workspaceId, userId, computedPropertyId). Upserts are idempotent.
type ReadModel interface {
	UpsertAssignments(ctx context.Context, assignments []*domain.Assignment) error
}

// DefinitionStore is the read-only source of definitions and subscriptions.
type DefinitionStore interface {
	Workspaces(ctx context.Context) ([]string, error)
	Segments(ctx context.Context, workspaceID string) ([]*domain.Definition, error)
	UserProperties(ctx context.Context, workspaceID string) ([]*domain.Definition, error)
	JourneySubscriptions(ctx context.Context, workspaceID string) ([]domain.JourneySubscription, error)
	IntegrationSubscriptions(ctx context.Context, workspaceID string) ([]domain.IntegrationSubscription, error)
}

// CheckpointStore persists orchestration continuation state so a restarted
// process resumes instead of starting from zero.
type CheckpointStore interface {
	Save(ctx context.Context, key string, payload []byte) error
	// Load returns the stored payload, or nil when no checkpoint exists.
	Load(ctx context.Context, key string) ([]byte, error)
}
