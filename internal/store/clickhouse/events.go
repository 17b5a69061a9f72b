package clickhouse

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lumotrack/audience-engine/internal/domain"
)

// EventLog implements store.EventLog on ClickHouse. The table is a
// ReplacingMergeTree keyed by message id, so at-least-once producers
// collapse to one row per message.
type EventLog struct {
	client *Client
	log    *zap.Logger
}

// NewEventLog creates a new ClickHouse event log
func NewEventLog(client *Client, log *zap.Logger) *EventLog {
	return &EventLog{client: client, log: log}
}

// InitSchema creates the events table if it does not exist
func (l *EventLog) InitSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS user_events (
		workspace_id String,
		user_id String,
		anonymous_id String,
		event_type LowCardinality(String),
		event String,
		properties String,
		event_time DateTime64(3),
		processing_time DateTime64(3) DEFAULT now64(3),
		message_id String
	) ENGINE = ReplacingMergeTree
	PRIMARY KEY (workspace_id, message_id)
	ORDER BY (workspace_id, message_id, processing_time)
	PARTITION BY toYYYYMM(processing_time)
	SETTINGS index_granularity = 8192
	`

	if err := l.client.Conn().Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create user_events table: %w", err)
	}

	l.log.Info("ClickHouse event log schema initialized")
	return nil
}

// Append inserts a batch of events
func (l *EventLog) Append(ctx context.Context, events []*domain.Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	batch, err := l.client.Conn().PrepareBatch(ctx, "INSERT INTO user_events")
	if err != nil {
		return 0, fmt.Errorf("failed to prepare batch: %w", err)
	}

	inserted := 0
	for _, event := range events {
		properties := event.Properties
		if properties == "" {
			properties = "{}"
		}
		processingTime := event.ProcessingTime
		if processingTime.IsZero() {
			processingTime = time.Now()
		}

		err := batch.Append(
			event.WorkspaceID,
			event.UserID,
			event.AnonymousID,
			event.EventType,
			event.EventName,
			properties,
			event.EventTime,
			processingTime,
			event.MessageID,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to append event to batch: %w", err)
		}
		inserted++
	}

	if err := batch.Send(); err != nil {
		return 0, fmt.Errorf("failed to send batch: %w", err)
	}

	return inserted, nil
}

// Scan returns a workspace's events with processing time in (from, to],
// ordered by processing time
func (l *EventLog) Scan(ctx context.Context, workspaceID string, from, to time.Time) ([]*domain.Event, error) {
	query := `
		SELECT
			workspace_id,
			user_id,
			anonymous_id,
			event_type,
			event,
			properties,
			event_time,
			processing_time,
			message_id
		FROM user_events FINAL
		WHERE workspace_id = ?
			AND processing_time > ?
			AND processing_time <= ?
		ORDER BY processing_time ASC
	`

	rows, err := l.client.Conn().Query(ctx, query, workspaceID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to scan events: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			l.log.Error("Failed to close event rows", zap.Error(err))
		}
	}()

	var events []*domain.Event
	for rows.Next() {
		var ev domain.Event
		if err := rows.ScanStruct(&ev); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w", err)
	}

	return events, nil
}
