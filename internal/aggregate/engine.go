// Package aggregate maintains per-user state aggregates over the event log,
// incrementally. Scans are grouped by shared period lower bound so each
// window is read once, and merges are idempotent so a crashed run is safe to
// retry.
package aggregate

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lumotrack/audience-engine/internal/compiler"
	"github.com/lumotrack/audience-engine/internal/domain"
	"github.com/lumotrack/audience-engine/internal/store"
)

// mergeBatchSize bounds how many state rows are merged per store call.
const mergeBatchSize = 1000

// Engine is the state-aggregation stage.
type Engine struct {
	events          store.EventLog
	states          store.StateStore
	periods         store.PeriodStore
	scanConcurrency int
	log             *zap.Logger
}

// NewEngine creates a new aggregation engine. scanConcurrency bounds how many
// distinct-lower-bound scans run at once against the analytical store.
func NewEngine(events store.EventLog, states store.StateStore, periods store.PeriodStore, scanConcurrency int, log *zap.Logger) *Engine {
	if scanConcurrency < 1 {
		scanConcurrency = 1
	}
	return &Engine{
		events:          events,
		states:          states,
		periods:         periods,
		scanConcurrency: scanConcurrency,
		log:             log,
	}
}

type scanGroup struct {
	lowerBound time.Time
	rules      []compiler.StateRule
}

// ComputeState advances every property's state aggregates to now. The period
// only advances after a successful write, so retries re-scan an already
// merged window harmlessly.
func (e *Engine) ComputeState(ctx context.Context, workspaceID string, props []*compiler.Compiled, now time.Time) error {
	if len(props) == 0 {
		return nil
	}

	maxTos, err := e.periods.MaxTos(ctx, workspaceID, domain.StepComputeState)
	if err != nil {
		return fmt.Errorf("failed to load state periods: %w", err)
	}

	// Properties sharing a lower bound share one scan.
	groupsByBound := map[time.Time]*scanGroup{}
	for _, prop := range props {
		bound := maxTos[store.PeriodKey{ComputedPropertyID: prop.ID, Version: prop.Version}]
		group, ok := groupsByBound[bound]
		if !ok {
			group = &scanGroup{lowerBound: bound}
			groupsByBound[bound] = group
		}
		group.rules = append(group.rules, prop.Rules...)
	}

	groups := make([]*scanGroup, 0, len(groupsByBound))
	for _, group := range groupsByBound {
		groups = append(groups, group)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].lowerBound.Before(groups[j].lowerBound) })

	eg, groupCtx := errgroup.WithContext(ctx)
	eg.SetLimit(e.scanConcurrency)
	for _, group := range groups {
		eg.Go(func() error {
			return e.scanGroup(groupCtx, workspaceID, group, now)
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	periods := make([]*domain.Period, 0, len(props))
	for _, prop := range props {
		period := &domain.Period{
			WorkspaceID:        workspaceID,
			Step:               domain.StepComputeState,
			Type:               prop.Type,
			ComputedPropertyID: prop.ID,
			Version:            prop.Version,
			To:                 now,
		}
		if bound, ok := maxTos[store.PeriodKey{ComputedPropertyID: prop.ID, Version: prop.Version}]; ok {
			from := bound
			period.From = &from
		}
		periods = append(periods, period)
	}
	if err := e.periods.Advance(ctx, periods); err != nil {
		return fmt.Errorf("failed to advance state periods: %w", err)
	}
	return nil
}

func (e *Engine) scanGroup(ctx context.Context, workspaceID string, group *scanGroup, now time.Time) error {
	events, err := e.events.Scan(ctx, workspaceID, group.lowerBound, now)
	if err != nil {
		return fmt.Errorf("failed to scan events: %w", err)
	}
	if len(events) == 0 {
		return nil
	}

	// Pre-merge contributions in memory so each (state, user) writes once.
	contributions := map[string]*domain.State{}
	matched := 0
	for _, ev := range events {
		if ev.UserID == "" {
			continue
		}
		for i := range group.rules {
			contribution, ok := group.rules[i].Contribution(ev)
			if !ok {
				continue
			}
			matched++
			k := contribution.ComputedPropertyID + "\x1f" + contribution.StateID + "\x1f" + contribution.UserID
			if existing, ok := contributions[k]; ok {
				existing.Merge(contribution)
			} else {
				contributions[k] = contribution
			}
		}
	}
	if len(contributions) == 0 {
		return nil
	}

	batch := make([]*domain.State, 0, mergeBatchSize)
	written := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := e.states.MergeBatch(ctx, batch)
		if err != nil {
			return fmt.Errorf("failed to merge states: %w", err)
		}
		written += n
		batch = batch[:0]
		return nil
	}
	for _, st := range contributions {
		batch = append(batch, st)
		if len(batch) >= mergeBatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}

	e.log.Debug("Merged state contributions",
		zap.String("workspace_id", workspaceID),
		zap.Time("lower_bound", group.lowerBound),
		zap.Int("events", len(events)),
		zap.Int("matches", matched),
		zap.Int("rows_written", written))
	return nil
}
