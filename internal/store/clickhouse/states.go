package clickhouse

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lumotrack/audience-engine/internal/domain"
)

// StateStore implements store.StateStore on ClickHouse. Rows are versioned by
// updated_at inside a ReplacingMergeTree; a merge that changes nothing is
// never written, which keeps re-aggregation of an unchanged window free of
// write amplification.
type StateStore struct {
	client *Client
	log    *zap.Logger
}

// NewStateStore creates a new ClickHouse state store
func NewStateStore(client *Client, log *zap.Logger) *StateStore {
	return &StateStore{client: client, log: log}
}

// InitSchema creates the states table if it does not exist
func (s *StateStore) InitSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS computed_property_state (
		workspace_id String,
		type LowCardinality(String),
		computed_property_id String,
		state_id String,
		user_id String,
		last_value String,
		max_event_time DateTime64(3),
		unique_keys Array(String),
		grouped_items String,
		updated_at DateTime64(3),
		version UInt64
	) ENGINE = ReplacingMergeTree(version)
	PRIMARY KEY (workspace_id, computed_property_id, state_id, user_id)
	ORDER BY (workspace_id, computed_property_id, state_id, user_id)
	SETTINGS index_granularity = 8192
	`

	if err := s.client.Conn().Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create computed_property_state table: %w", err)
	}

	s.log.Info("ClickHouse state store schema initialized")
	return nil
}

type stateRow struct {
	WorkspaceID        string    `ch:"workspace_id"`
	Type               string    `ch:"type"`
	ComputedPropertyID string    `ch:"computed_property_id"`
	StateID            string    `ch:"state_id"`
	UserID             string    `ch:"user_id"`
	LastValue          string    `ch:"last_value"`
	MaxEventTime       time.Time `ch:"max_event_time"`
	UniqueKeys         []string  `ch:"unique_keys"`
	GroupedItems       string    `ch:"grouped_items"`
	UpdatedAt          time.Time `ch:"updated_at"`
	Version            uint64    `ch:"version"`
}

func (r *stateRow) toState() (*domain.State, error) {
	st := &domain.State{
		WorkspaceID:        r.WorkspaceID,
		Type:               domain.PropertyType(r.Type),
		ComputedPropertyID: r.ComputedPropertyID,
		StateID:            r.StateID,
		UserID:             r.UserID,
		LastValue:          r.LastValue,
		MaxEventTime:       r.MaxEventTime,
		UpdatedAt:          r.UpdatedAt,
	}
	if len(r.UniqueKeys) > 0 {
		st.UniqueKeys = make(map[string]struct{}, len(r.UniqueKeys))
		for _, k := range r.UniqueKeys {
			st.UniqueKeys[k] = struct{}{}
		}
	}
	if r.GroupedItems != "" && r.GroupedItems != "[]" {
		if err := json.Unmarshal([]byte(r.GroupedItems), &st.GroupedItems); err != nil {
			return nil, &domain.ValidationError{Entity: "state", Reason: fmt.Sprintf("bad grouped_items payload: %v", err)}
		}
	}
	return st, nil
}

// MergeBatch merges contributions into the persisted rows. It reads the
// current rows for the touched keys, merges in process, and inserts a new
// version only for rows that actually changed.
func (s *StateStore) MergeBatch(ctx context.Context, states []*domain.State) (int, error) {
	if len(states) == 0 {
		return 0, nil
	}

	existing, err := s.fetchExisting(ctx, states)
	if err != nil {
		return 0, err
	}

	merged := make(map[string]*domain.State, len(states))
	changed := make(map[string]bool, len(states))
	for _, contribution := range states {
		k := rowKey(contribution.WorkspaceID, contribution.ComputedPropertyID, contribution.StateID, contribution.UserID)
		current, ok := merged[k]
		if !ok {
			if prev, found := existing[k]; found {
				current = prev.Clone()
			} else {
				current = &domain.State{
					WorkspaceID:        contribution.WorkspaceID,
					Type:               contribution.Type,
					ComputedPropertyID: contribution.ComputedPropertyID,
					StateID:            contribution.StateID,
					UserID:             contribution.UserID,
				}
				changed[k] = true
			}
			merged[k] = current
		}
		if current.Merge(contribution) {
			changed[k] = true
		}
	}

	var toWrite []*domain.State
	for k, st := range merged {
		if changed[k] {
			toWrite = append(toWrite, st)
		}
	}
	if len(toWrite) == 0 {
		return 0, nil
	}

	if err := s.insert(ctx, toWrite); err != nil {
		return 0, err
	}
	return len(toWrite), nil
}

func rowKey(parts ...string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "\x1f"
		}
		out += p
	}
	return out
}

func (s *StateStore) fetchExisting(ctx context.Context, states []*domain.State) (map[string]*domain.State, error) {
	workspaceID := states[0].WorkspaceID
	propertyIDs := map[string]struct{}{}
	userIDs := map[string]struct{}{}
	for _, st := range states {
		propertyIDs[st.ComputedPropertyID] = struct{}{}
		userIDs[st.UserID] = struct{}{}
	}

	query := `
		SELECT
			workspace_id, type, computed_property_id, state_id, user_id,
			last_value, max_event_time, unique_keys, grouped_items,
			updated_at, version
		FROM computed_property_state FINAL
		WHERE workspace_id = ?
			AND computed_property_id IN ?
			AND user_id IN ?
	`

	rows, err := s.client.Conn().Query(ctx, query, workspaceID, setToSlice(propertyIDs), setToSlice(userIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to query existing states: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			s.log.Error("Failed to close state rows", zap.Error(err))
		}
	}()

	out := map[string]*domain.State{}
	for rows.Next() {
		var row stateRow
		if err := rows.ScanStruct(&row); err != nil {
			return nil, fmt.Errorf("failed to scan state row: %w", err)
		}
		st, err := row.toState()
		if err != nil {
			s.log.Warn("Dropping invalid state row", zap.Error(err),
				zap.String("state_id", row.StateID), zap.String("user_id", row.UserID))
			continue
		}
		out[rowKey(st.WorkspaceID, st.ComputedPropertyID, st.StateID, st.UserID)] = st
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating state rows: %w", err)
	}
	return out, nil
}

func (s *StateStore) insert(ctx context.Context, states []*domain.State) error {
	batch, err := s.client.Conn().PrepareBatch(ctx, "INSERT INTO computed_property_state")
	if err != nil {
		return fmt.Errorf("failed to prepare state batch: %w", err)
	}

	now := time.Now()
	for _, st := range states {
		groupedItems := "[]"
		if len(st.GroupedItems) > 0 {
			encoded, err := json.Marshal(st.GroupedItems)
			if err != nil {
				return fmt.Errorf("failed to encode grouped items: %w", err)
			}
			groupedItems = string(encoded)
		}
		err := batch.Append(
			st.WorkspaceID,
			string(st.Type),
			st.ComputedPropertyID,
			st.StateID,
			st.UserID,
			st.LastValue,
			st.MaxEventTime,
			setToSlice(st.UniqueKeys),
			groupedItems,
			now,
			uint64(now.UnixNano()),
		)
		if err != nil {
			return fmt.Errorf("failed to append state to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send state batch: %w", err)
	}
	return nil
}

// UsersWithStates returns per-user states for a computed property, limited
// to users with at least one state updated after since.
func (s *StateStore) UsersWithStates(ctx context.Context, workspaceID, computedPropertyID string, stateIDs []string, since time.Time) (map[string]map[string]*domain.State, error) {
	query := `
		SELECT
			workspace_id, type, computed_property_id, state_id, user_id,
			last_value, max_event_time, unique_keys, grouped_items,
			updated_at, version
		FROM computed_property_state FINAL
		WHERE workspace_id = ?
			AND computed_property_id = ?
			AND state_id IN ?
			AND user_id IN (
				SELECT DISTINCT user_id
				FROM computed_property_state FINAL
				WHERE workspace_id = ?
					AND computed_property_id = ?
					AND state_id IN ?
					AND updated_at > ?
			)
	`

	rows, err := s.client.Conn().Query(ctx, query,
		workspaceID, computedPropertyID, stateIDs,
		workspaceID, computedPropertyID, stateIDs, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query user states: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			s.log.Error("Failed to close user state rows", zap.Error(err))
		}
	}()

	byUser := map[string]map[string]*domain.State{}
	for rows.Next() {
		var row stateRow
		if err := rows.ScanStruct(&row); err != nil {
			return nil, fmt.Errorf("failed to scan user state row: %w", err)
		}
		st, err := row.toState()
		if err != nil {
			s.log.Warn("Dropping invalid state row", zap.Error(err),
				zap.String("state_id", row.StateID), zap.String("user_id", row.UserID))
			continue
		}
		if byUser[st.UserID] == nil {
			byUser[st.UserID] = map[string]*domain.State{}
		}
		byUser[st.UserID][st.StateID] = st
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating user state rows: %w", err)
	}
	return byUser, nil
}

func setToSlice(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
