package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

var builder = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Transport hands a stored signal to the workflow runtime. Implementations
// must tolerate redelivery.
type Transport interface {
	Deliver(ctx context.Context, workflowID, name string, payload []byte) error
}

// Outbox is a Postgres-backed durable signal client: SignalWithStart inserts
// a row (idempotently by dedup key), and a background dispatcher delivers
// pending rows with bounded retries. Crashes lose nothing; undelivered rows
// are picked up by the next dispatcher pass.
type Outbox struct {
	pool      *pgxpool.Pool
	transport Transport
	log       *zap.Logger

	// PollInterval is how often the dispatcher looks for pending rows.
	PollInterval time.Duration
	// MaxAttempts bounds delivery retries per dispatcher pass.
	MaxAttempts uint64
}

// NewOutbox creates a new signal outbox.
func NewOutbox(pool *pgxpool.Pool, transport Transport, log *zap.Logger) *Outbox {
	return &Outbox{
		pool:         pool,
		transport:    transport,
		log:          log,
		PollInterval: time.Second,
		MaxAttempts:  4,
	}
}

// SignalWithStart implements Client. Re-sending a signal with the same
// (workflowID, dedupKey) is a no-op.
func (o *Outbox) SignalWithStart(ctx context.Context, sig Signal) error {
	payload, err := json.Marshal(sig.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode signal payload: %w", err)
	}

	query, args, err := builder.
		Insert("signal_outbox").
		Columns("workflow_id", "dedup_key", "signal_name", "payload").
		Values(sig.WorkflowID, sig.DedupKey, sig.Name, payload).
		Suffix("ON CONFLICT (workflow_id, dedup_key) DO NOTHING").
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build signal insert: %w", err)
	}
	if _, err := o.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to enqueue signal: %w", err)
	}
	return nil
}

// Run dispatches pending signals until the context is cancelled.
func (o *Outbox) Run(ctx context.Context) {
	ticker := time.NewTicker(o.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.log.Info("Signal dispatcher shutting down")
			return
		case <-ticker.C:
			if err := o.dispatchPending(ctx); err != nil {
				o.log.Error("Signal dispatch pass failed", zap.Error(err))
			}
		}
	}
}

type pendingSignal struct {
	workflowID string
	dedupKey   string
	name       string
	payload    []byte
}

func (o *Outbox) dispatchPending(ctx context.Context) error {
	query, args, err := builder.
		Select("workflow_id", "dedup_key", "signal_name", "payload").
		From("signal_outbox").
		Where("dispatched_at IS NULL").
		OrderBy("created_at ASC").
		Limit(100).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build pending query: %w", err)
	}

	rows, err := o.pool.Query(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to query pending signals: %w", err)
	}
	var pending []pendingSignal
	for rows.Next() {
		var p pendingSignal
		if err := rows.Scan(&p.workflowID, &p.dedupKey, &p.name, &p.payload); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan pending signal: %w", err)
		}
		pending = append(pending, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating pending signals: %w", err)
	}

	for _, p := range pending {
		deliver := func() error {
			return o.transport.Deliver(ctx, p.workflowID, p.name, p.payload)
		}
		policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), o.MaxAttempts), ctx)
		if err := backoff.Retry(deliver, policy); err != nil {
			// Isolated per signal; the row stays pending for the next pass.
			o.log.Error("Failed to deliver signal",
				zap.String("workflow_id", p.workflowID),
				zap.String("signal", p.name),
				zap.Error(err))
			if err := o.bumpAttempts(ctx, p); err != nil {
				o.log.Error("Failed to bump signal attempts", zap.Error(err))
			}
			continue
		}
		if err := o.markDispatched(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (o *Outbox) markDispatched(ctx context.Context, p pendingSignal) error {
	query, args, err := builder.
		Update("signal_outbox").
		Set("dispatched_at", time.Now()).
		Where(sq.Eq{"workflow_id": p.workflowID, "dedup_key": p.dedupKey}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build dispatch update: %w", err)
	}
	if _, err := o.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to mark signal dispatched: %w", err)
	}
	return nil
}

func (o *Outbox) bumpAttempts(ctx context.Context, p pendingSignal) error {
	query, args, err := builder.
		Update("signal_outbox").
		Set("attempts", sq.Expr("attempts + 1")).
		Where(sq.Eq{"workflow_id": p.workflowID, "dedup_key": p.dedupKey}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build attempts update: %w", err)
	}
	if _, err := o.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update signal attempts: %w", err)
	}
	return nil
}

var _ Client = (*Outbox)(nil)
