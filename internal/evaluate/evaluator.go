// Package evaluate computes per-user assignments from current state
// aggregates. Evaluation is a pure function of state and clock, so
// recomputation is idempotent.
package evaluate

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lumotrack/audience-engine/internal/compiler"
	"github.com/lumotrack/audience-engine/internal/domain"
	"github.com/lumotrack/audience-engine/internal/store"
)

const (
	assignmentBatchSize = 500
	assignmentPageSize  = 1000
)

// Evaluator is the assignment-evaluation stage.
type Evaluator struct {
	states      store.StateStore
	assignments store.AssignmentStore
	periods     store.PeriodStore
	log         *zap.Logger
}

// NewEvaluator creates a new evaluator.
func NewEvaluator(states store.StateStore, assignments store.AssignmentStore, periods store.PeriodStore, log *zap.Logger) *Evaluator {
	return &Evaluator{
		states:      states,
		assignments: assignments,
		periods:     periods,
		log:         log,
	}
}

// ComputeAssignments evaluates every property's expression against current
// state and upserts changed assignments. Bounded properties only evaluate
// users whose state changed since the period lower bound; unbounded
// properties re-evaluate every user holding state, since their truth value
// can change from clock advance alone. A property with no usable expression
// is skipped for the run and its previous assignments stand.
func (e *Evaluator) ComputeAssignments(ctx context.Context, workspaceID string, props []*compiler.Compiled, now time.Time) error {
	if len(props) == 0 {
		return nil
	}

	maxTos, err := e.periods.MaxTos(ctx, workspaceID, domain.StepComputeAssignments)
	if err != nil {
		return fmt.Errorf("failed to load assignment periods: %w", err)
	}

	periods := make([]*domain.Period, 0, len(props))
	for _, prop := range props {
		if prop.Expr == nil {
			e.log.Warn("Skipping property with no usable expression",
				zap.String("workspace_id", workspaceID),
				zap.String("computed_property_id", prop.ID))
			continue
		}
		if err := e.evaluateProperty(ctx, workspaceID, prop, maxTos, now); err != nil {
			return err
		}
		period := &domain.Period{
			WorkspaceID:        workspaceID,
			Step:               domain.StepComputeAssignments,
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
		return fmt.Errorf("failed to advance assignment periods: %w", err)
	}
	return nil
}

func (e *Evaluator) evaluateProperty(ctx context.Context, workspaceID string, prop *compiler.Compiled, maxTos map[store.PeriodKey]time.Time, now time.Time) error {
	since := time.Time{}
	if !prop.Unbounded {
		since = maxTos[store.PeriodKey{ComputedPropertyID: prop.ID, Version: prop.Version}]
	}

	byUser, err := e.states.UsersWithStates(ctx, workspaceID, prop.ID, prop.Expr.StateIDs(), since)
	if err != nil {
		return fmt.Errorf("failed to load states for %s: %w", prop.ID, err)
	}
	if len(byUser) == 0 {
		return nil
	}

	existing, err := e.existingAssignments(ctx, workspaceID, prop.ID)
	if err != nil {
		return err
	}

	var batch []*domain.Assignment
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := e.assignments.Upsert(ctx, batch); err != nil {
			return fmt.Errorf("failed to upsert assignments for %s: %w", prop.ID, err)
		}
		batch = batch[:0]
		return nil
	}

	for userID, states := range byUser {
		assignment := &domain.Assignment{
			WorkspaceID:        workspaceID,
			Type:               prop.Type,
			ComputedPropertyID: prop.ID,
			Version:            prop.Version,
			UserID:             userID,
			MaxEventTime:       maxEventTime(states),
			AssignedAt:         now,
		}
		if prop.Type == domain.PropertyTypeSegment {
			assignment.SegmentValue = EvalBool(prop.Expr, states, now)
		} else {
			assignment.PropertyValue = EvalValue(prop.Expr, states, now)
		}

		if prev, ok := existing[userID]; ok && prev.Version == prop.Version && prev.Value() == assignment.Value() {
			continue
		}

		batch = append(batch, assignment)
		if len(batch) >= assignmentBatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

func (e *Evaluator) existingAssignments(ctx context.Context, workspaceID, computedPropertyID string) (map[string]*domain.Assignment, error) {
	out := map[string]*domain.Assignment{}
	cursor := ""
	for {
		page, err := e.assignments.Page(ctx, workspaceID, computedPropertyID, cursor, assignmentPageSize)
		if err != nil {
			return nil, fmt.Errorf("failed to page assignments for %s: %w", computedPropertyID, err)
		}
		for _, a := range page {
			out[a.UserID] = a
		}
		if len(page) < assignmentPageSize {
			return out, nil
		}
		cursor = page[len(page)-1].UserID
	}
}

func maxEventTime(states map[string]*domain.State) time.Time {
	var max time.Time
	for _, st := range states {
		if st.MaxEventTime.After(max) {
			max = st.MaxEventTime
		}
	}
	return max
}
