package postgres

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"go.uber.org/zap"

	"github.com/lumotrack/audience-engine/internal/domain"
	"github.com/lumotrack/audience-engine/internal/store"
)

// periodRetention bounds how long superseded period rows are kept.
const periodRetention = 5 * time.Minute

// PeriodStore implements store.PeriodStore on Postgres.
type PeriodStore struct {
	client *Client
	log    *zap.Logger
}

// NewPeriodStore creates a new period store
func NewPeriodStore(client *Client, log *zap.Logger) *PeriodStore {
	return &PeriodStore{client: client, log: log}
}

// MaxTos returns the max "to" per computed property version for a step
func (s *PeriodStore) MaxTos(ctx context.Context, workspaceID string, step domain.Step) (map[store.PeriodKey]time.Time, error) {
	query, args, err := builder.
		Select("computed_property_id", "version", "MAX(to_ts)").
		From("computed_property_period").
		Where(sq.Eq{"workspace_id": workspaceID, "step": string(step)}).
		GroupBy("computed_property_id", "version").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build period query: %w", err)
	}

	rows, err := s.client.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query periods: %w", err)
	}
	defer rows.Close()

	out := map[store.PeriodKey]time.Time{}
	for rows.Next() {
		var key store.PeriodKey
		var maxTo time.Time
		if err := rows.Scan(&key.ComputedPropertyID, &key.Version, &maxTo); err != nil {
			return nil, fmt.Errorf("failed to scan period row: %w", err)
		}
		out[key] = maxTo
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating period rows: %w", err)
	}
	return out, nil
}

// Advance appends new period rows and prunes superseded rows past retention
func (s *PeriodStore) Advance(ctx context.Context, periods []*domain.Period) error {
	if len(periods) == 0 {
		return nil
	}

	insert := builder.
		Insert("computed_property_period").
		Columns("workspace_id", "step", "type", "computed_property_id", "version", "from_ts", "to_ts")
	var latest time.Time
	for _, p := range periods {
		insert = insert.Values(p.WorkspaceID, string(p.Step), string(p.Type), p.ComputedPropertyID, p.Version, p.From, p.To)
		if p.To.After(latest) {
			latest = p.To
		}
	}

	query, args, err := insert.ToSql()
	if err != nil {
		return fmt.Errorf("failed to build period insert: %w", err)
	}
	if _, err := s.client.Pool().Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert periods: %w", err)
	}

	prune, args, err := builder.
		Delete("computed_property_period").
		Where(sq.Eq{"workspace_id": periods[0].WorkspaceID, "step": string(periods[0].Step)}).
		Where(sq.Lt{"to_ts": latest.Add(-periodRetention)}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build period prune: %w", err)
	}
	if _, err := s.client.Pool().Exec(ctx, prune, args...); err != nil {
		return fmt.Errorf("failed to prune periods: %w", err)
	}
	return nil
}

// OldestProcessAssignments returns the oldest ProcessAssignments high-water
// mark per workspace
func (s *PeriodStore) OldestProcessAssignments(ctx context.Context, workspaceIDs []string) (map[string]time.Time, error) {
	out := map[string]time.Time{}
	for _, ws := range workspaceIDs {
		out[ws] = time.Time{}
	}
	if len(workspaceIDs) == 0 {
		return out, nil
	}

	query, args, err := builder.
		Select("workspace_id", "MIN(max_to)").
		FromSelect(builder.
			Select("workspace_id", "computed_property_id", "version", "MAX(to_ts) AS max_to").
			From("computed_property_period").
			Where(sq.Eq{"workspace_id": workspaceIDs, "step": string(domain.StepProcessAssignments)}).
			GroupBy("workspace_id", "computed_property_id", "version"), "per_property").
		GroupBy("workspace_id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build staleness query: %w", err)
	}

	rows, err := s.client.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query staleness: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ws string
		var oldest time.Time
		if err := rows.Scan(&ws, &oldest); err != nil {
			return nil, fmt.Errorf("failed to scan staleness row: %w", err)
		}
		out[ws] = oldest
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating staleness rows: %w", err)
	}
	return out, nil
}

var _ store.PeriodStore = (*PeriodStore)(nil)
