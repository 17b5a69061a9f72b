package postgres

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"go.uber.org/zap"

	"github.com/lumotrack/audience-engine/internal/domain"
	"github.com/lumotrack/audience-engine/internal/store"
)

// AssignmentStore implements store.AssignmentStore on Postgres.
type AssignmentStore struct {
	client *Client
	log    *zap.Logger
}

// NewAssignmentStore creates a new assignment store
func NewAssignmentStore(client *Client, log *zap.Logger) *AssignmentStore {
	return &AssignmentStore{client: client, log: log}
}

// Upsert writes assignments, idempotently
func (s *AssignmentStore) Upsert(ctx context.Context, assignments []*domain.Assignment) error {
	if len(assignments) == 0 {
		return nil
	}

	insert := builder.
		Insert("computed_property_assignment").
		Columns("workspace_id", "type", "computed_property_id", "version", "user_id",
			"segment_value", "property_value", "max_event_time", "assigned_at")
	for _, a := range assignments {
		insert = insert.Values(a.WorkspaceID, string(a.Type), a.ComputedPropertyID, a.Version,
			a.UserID, a.SegmentValue, a.PropertyValue, a.MaxEventTime, a.AssignedAt)
	}
	query, args, err := insert.
		Suffix(`ON CONFLICT (workspace_id, computed_property_id, user_id) DO UPDATE SET
			type = EXCLUDED.type,
			version = EXCLUDED.version,
			segment_value = EXCLUDED.segment_value,
			property_value = EXCLUDED.property_value,
			max_event_time = EXCLUDED.max_event_time,
			assigned_at = EXCLUDED.assigned_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build assignment upsert: %w", err)
	}

	if _, err := s.client.Pool().Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to upsert assignments: %w", err)
	}
	return nil
}

// Page returns a property's assignments ordered by user id after the cursor
func (s *AssignmentStore) Page(ctx context.Context, workspaceID, computedPropertyID string, afterUserID string, limit int) ([]*domain.Assignment, error) {
	query, args, err := builder.
		Select("workspace_id", "type", "computed_property_id", "version", "user_id",
			"segment_value", "property_value", "max_event_time", "assigned_at").
		From("computed_property_assignment").
		Where(sq.Eq{"workspace_id": workspaceID, "computed_property_id": computedPropertyID}).
		Where(sq.Gt{"user_id": afterUserID}).
		OrderBy("user_id ASC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build assignment page query: %w", err)
	}

	rows, err := s.client.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query assignments: %w", err)
	}
	defer rows.Close()

	var out []*domain.Assignment
	for rows.Next() {
		var a domain.Assignment
		var typ string
		if err := rows.Scan(&a.WorkspaceID, &typ, &a.ComputedPropertyID, &a.Version, &a.UserID,
			&a.SegmentValue, &a.PropertyValue, &a.MaxEventTime, &a.AssignedAt); err != nil {
			return nil, fmt.Errorf("failed to scan assignment row: %w", err)
		}
		a.Type = domain.PropertyType(typ)
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating assignment rows: %w", err)
	}
	return out, nil
}

// ProcessedStore implements store.ProcessedStore on Postgres.
type ProcessedStore struct {
	client *Client
	log    *zap.Logger
}

// NewProcessedStore creates a new processed-assignment store
func NewProcessedStore(client *Client, log *zap.Logger) *ProcessedStore {
	return &ProcessedStore{client: client, log: log}
}

// Get returns processed rows for the given users keyed by user id
func (s *ProcessedStore) Get(ctx context.Context, workspaceID, computedPropertyID string, consumer domain.ConsumerType, consumerID string, userIDs []string) (map[string]*domain.ProcessedAssignment, error) {
	out := map[string]*domain.ProcessedAssignment{}
	if len(userIDs) == 0 {
		return out, nil
	}

	query, args, err := builder.
		Select("workspace_id", "type", "computed_property_id", "version", "user_id",
			"consumer_type", "consumer_id", "value", "processed_at").
		From("processed_computed_property").
		Where(sq.Eq{
			"workspace_id":         workspaceID,
			"computed_property_id": computedPropertyID,
			"consumer_type":        string(consumer),
			"consumer_id":          consumerID,
			"user_id":              userIDs,
		}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build processed query: %w", err)
	}

	rows, err := s.client.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query processed assignments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p domain.ProcessedAssignment
		var typ, consumerType string
		if err := rows.Scan(&p.WorkspaceID, &typ, &p.ComputedPropertyID, &p.Version, &p.UserID,
			&consumerType, &p.ConsumerID, &p.Value, &p.ProcessedAt); err != nil {
			return nil, fmt.Errorf("failed to scan processed row: %w", err)
		}
		p.Type = domain.PropertyType(typ)
		p.ConsumerType = domain.ConsumerType(consumerType)
		out[p.UserID] = &p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating processed rows: %w", err)
	}
	return out, nil
}

// Record upserts processed rows
func (s *ProcessedStore) Record(ctx context.Context, processed []*domain.ProcessedAssignment) error {
	if len(processed) == 0 {
		return nil
	}

	insert := builder.
		Insert("processed_computed_property").
		Columns("workspace_id", "type", "computed_property_id", "version", "user_id",
			"consumer_type", "consumer_id", "value", "processed_at")
	for _, p := range processed {
		insert = insert.Values(p.WorkspaceID, string(p.Type), p.ComputedPropertyID, p.Version,
			p.UserID, string(p.ConsumerType), p.ConsumerID, p.Value, p.ProcessedAt)
	}
	query, args, err := insert.
		Suffix(`ON CONFLICT (workspace_id, computed_property_id, user_id, consumer_type, consumer_id) DO UPDATE SET
			type = EXCLUDED.type,
			version = EXCLUDED.version,
			value = EXCLUDED.value,
			processed_at = EXCLUDED.processed_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build processed upsert: %w", err)
	}

	if _, err := s.client.Pool().Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to record processed assignments: %w", err)
	}
	return nil
}

// ReadModel implements store.ReadModel on Postgres.
type ReadModel struct {
	client *Client
	log    *zap.Logger
}

// NewReadModel creates the relational projection store
func NewReadModel(client *Client, log *zap.Logger) *ReadModel {
	return &ReadModel{client: client, log: log}
}

// UpsertAssignments projects assignments into the read model
func (m *ReadModel) UpsertAssignments(ctx context.Context, assignments []*domain.Assignment) error {
	if len(assignments) == 0 {
		return nil
	}

	insert := builder.
		Insert("computed_property_projection").
		Columns("workspace_id", "user_id", "computed_property_id", "type",
			"segment_value", "property_value", "updated_at")
	for _, a := range assignments {
		insert = insert.Values(a.WorkspaceID, a.UserID, a.ComputedPropertyID, string(a.Type),
			a.SegmentValue, a.PropertyValue, a.AssignedAt)
	}
	query, args, err := insert.
		Suffix(`ON CONFLICT (workspace_id, user_id, computed_property_id) DO UPDATE SET
			type = EXCLUDED.type,
			segment_value = EXCLUDED.segment_value,
			property_value = EXCLUDED.property_value,
			updated_at = EXCLUDED.updated_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build projection upsert: %w", err)
	}

	if _, err := m.client.Pool().Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to upsert projection: %w", err)
	}
	return nil
}

var (
	_ store.AssignmentStore = (*AssignmentStore)(nil)
	_ store.ProcessedStore  = (*ProcessedStore)(nil)
	_ store.ReadModel       = (*ReadModel)(nil)
)
