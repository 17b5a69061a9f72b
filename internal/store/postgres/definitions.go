package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"go.uber.org/zap"

	"github.com/lumotrack/audience-engine/internal/domain"
	"github.com/lumotrack/audience-engine/internal/store"
)

// DefinitionStore implements store.DefinitionStore on Postgres. The engine
// only ever reads these tables; they are owned by the admin surface.
type DefinitionStore struct {
	client *Client
	log    *zap.Logger
}

// NewDefinitionStore creates a new definition store
func NewDefinitionStore(client *Client, log *zap.Logger) *DefinitionStore {
	return &DefinitionStore{client: client, log: log}
}

// Workspaces lists workspace ids that own at least one definition
func (s *DefinitionStore) Workspaces(ctx context.Context) ([]string, error) {
	query, args, err := builder.
		Select("DISTINCT workspace_id").
		From("computed_property_definition").
		OrderBy("workspace_id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build workspaces query: %w", err)
	}

	rows, err := s.client.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query workspaces: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var ws string
		if err := rows.Scan(&ws); err != nil {
			return nil, fmt.Errorf("failed to scan workspace row: %w", err)
		}
		out = append(out, ws)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workspace rows: %w", err)
	}
	return out, nil
}

// Segments lists a workspace's segment definitions
func (s *DefinitionStore) Segments(ctx context.Context, workspaceID string) ([]*domain.Definition, error) {
	return s.definitions(ctx, workspaceID, domain.PropertyTypeSegment)
}

// UserProperties lists a workspace's user-property definitions
func (s *DefinitionStore) UserProperties(ctx context.Context, workspaceID string) ([]*domain.Definition, error) {
	return s.definitions(ctx, workspaceID, domain.PropertyTypeUserProperty)
}

func (s *DefinitionStore) definitions(ctx context.Context, workspaceID string, t domain.PropertyType) ([]*domain.Definition, error) {
	query, args, err := builder.
		Select("id", "workspace_id", "name", "entry_node", "nodes", "definition_updated_at").
		From("computed_property_definition").
		Where(sq.Eq{"workspace_id": workspaceID, "type": string(t)}).
		OrderBy("id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build definitions query: %w", err)
	}

	rows, err := s.client.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query definitions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Definition
	for rows.Next() {
		var def domain.Definition
		var nodes []byte
		var updatedAt time.Time
		if err := rows.Scan(&def.ID, &def.WorkspaceID, &def.Name, &def.EntryNode, &nodes, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan definition row: %w", err)
		}
		if err := json.Unmarshal(nodes, &def.Nodes); err != nil {
			s.log.Warn("Dropping definition with malformed node payload",
				zap.String("id", def.ID), zap.Error(err))
			continue
		}
		def.Type = t
		def.DefinitionUpdatedAt = updatedAt
		out = append(out, &def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating definition rows: %w", err)
	}
	return out, nil
}

// JourneySubscriptions lists running journeys subscribed to segments
func (s *DefinitionStore) JourneySubscriptions(ctx context.Context, workspaceID string) ([]domain.JourneySubscription, error) {
	query, args, err := builder.
		Select("journey_id", "segment_id").
		From("journey_subscription").
		Where(sq.Eq{"workspace_id": workspaceID, "status": "Running"}).
		OrderBy("journey_id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build journey subscription query: %w", err)
	}

	rows, err := s.client.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query journey subscriptions: %w", err)
	}
	defer rows.Close()

	var out []domain.JourneySubscription
	for rows.Next() {
		var sub domain.JourneySubscription
		if err := rows.Scan(&sub.JourneyID, &sub.SegmentID); err != nil {
			return nil, fmt.Errorf("failed to scan journey subscription: %w", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating journey subscriptions: %w", err)
	}
	return out, nil
}

// IntegrationSubscriptions lists enabled external connectors
func (s *DefinitionStore) IntegrationSubscriptions(ctx context.Context, workspaceID string) ([]domain.IntegrationSubscription, error) {
	query, args, err := builder.
		Select("name", "segment_ids", "user_property_ids").
		From("integration_subscription").
		Where(sq.Eq{"workspace_id": workspaceID, "enabled": true}).
		OrderBy("name ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build integration subscription query: %w", err)
	}

	rows, err := s.client.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query integration subscriptions: %w", err)
	}
	defer rows.Close()

	var out []domain.IntegrationSubscription
	for rows.Next() {
		var sub domain.IntegrationSubscription
		if err := rows.Scan(&sub.Name, &sub.SegmentIDs, &sub.UserPropertyIDs); err != nil {
			return nil, fmt.Errorf("failed to scan integration subscription: %w", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating integration subscriptions: %w", err)
	}
	return out, nil
}

// CheckpointStore implements store.CheckpointStore on Postgres.
type CheckpointStore struct {
	client *Client
	log    *zap.Logger
}

// NewCheckpointStore creates a new checkpoint store
func NewCheckpointStore(client *Client, log *zap.Logger) *CheckpointStore {
	return &CheckpointStore{client: client, log: log}
}

// Save persists a continuation checkpoint
func (s *CheckpointStore) Save(ctx context.Context, key string, payload []byte) error {
	query, args, err := builder.
		Insert("orchestration_checkpoint").
		Columns("key", "payload", "updated_at").
		Values(key, payload, time.Now()).
		Suffix(`ON CONFLICT (key) DO UPDATE SET
			payload = EXCLUDED.payload,
			updated_at = EXCLUDED.updated_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build checkpoint upsert: %w", err)
	}
	if _, err := s.client.Pool().Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Load returns the stored payload, or nil when no checkpoint exists
func (s *CheckpointStore) Load(ctx context.Context, key string) ([]byte, error) {
	query, args, err := builder.
		Select("payload").
		From("orchestration_checkpoint").
		Where(sq.Eq{"key": key}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build checkpoint query: %w", err)
	}

	rows, err := s.client.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var payload []byte
	if err := rows.Scan(&payload); err != nil {
		return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
	}
	return payload, nil
}

var (
	_ store.DefinitionStore = (*DefinitionStore)(nil)
	_ store.CheckpointStore = (*CheckpointStore)(nil)
)
