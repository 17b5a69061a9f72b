// Package process diffs fresh assignments against per-consumer delivery
// history and dispatches changes to the read model, subscribed journeys and
// external integrations. Delivery is paged so a partial failure retries at
// page granularity, and every side effect is idempotent.
package process

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/lumotrack/audience-engine/internal/compiler"
	"github.com/lumotrack/audience-engine/internal/domain"
	"github.com/lumotrack/audience-engine/internal/metrics"
	"github.com/lumotrack/audience-engine/internal/signal"
	"github.com/lumotrack/audience-engine/internal/store"
)

// Processor is the change-processing stage.
type Processor struct {
	assignments store.AssignmentStore
	processed   store.ProcessedStore
	readModel   store.ReadModel
	definitions store.DefinitionStore
	periods     store.PeriodStore
	signals     signal.Client

	pageSize int
	// limiter is process-wide: many workspaces processing concurrently
	// share it so they cannot collectively overload storage.
	limiter *semaphore.Weighted
	log     *zap.Logger
}

// NewProcessor creates a new change processor. The limiter must be shared
// across every workspace's processor invocations.
func NewProcessor(
	assignments store.AssignmentStore,
	processed store.ProcessedStore,
	readModel store.ReadModel,
	definitions store.DefinitionStore,
	periods store.PeriodStore,
	signals signal.Client,
	pageSize int,
	limiter *semaphore.Weighted,
	log *zap.Logger,
) *Processor {
	if pageSize < 1 {
		pageSize = 500
	}
	return &Processor{
		assignments: assignments,
		processed:   processed,
		readModel:   readModel,
		definitions: definitions,
		periods:     periods,
		signals:     signals,
		pageSize:    pageSize,
		limiter:     limiter,
		log:         log,
	}
}

// subscriptions holds the consumer maps for one run. They are recomputed
// fresh each run from current workspace state, so unsubscribing stops
// deliveries without a backfill step.
type subscriptions struct {
	journeysBySegment map[string][]string
	integrationsByID  map[string][]string
}

func (p *Processor) loadSubscriptions(ctx context.Context, workspaceID string) (*subscriptions, error) {
	journeys, err := p.definitions.JourneySubscriptions(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load journey subscriptions: %w", err)
	}
	integrations, err := p.definitions.IntegrationSubscriptions(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load integration subscriptions: %w", err)
	}

	subs := &subscriptions{
		journeysBySegment: map[string][]string{},
		integrationsByID:  map[string][]string{},
	}
	for _, j := range journeys {
		subs.journeysBySegment[j.SegmentID] = append(subs.journeysBySegment[j.SegmentID], j.JourneyID)
	}
	for _, i := range integrations {
		for _, segmentID := range i.SegmentIDs {
			subs.integrationsByID[segmentID] = append(subs.integrationsByID[segmentID], i.Name)
		}
		for _, propertyID := range i.UserPropertyIDs {
			subs.integrationsByID[propertyID] = append(subs.integrationsByID[propertyID], i.Name)
		}
	}
	return subs, nil
}

// ProcessAssignments delivers changed assignments to every subscribed
// consumer and records the delivered values. The period advances only after
// every property completed.
func (p *Processor) ProcessAssignments(ctx context.Context, workspaceID string, props []*compiler.Compiled, now time.Time) error {
	if len(props) == 0 {
		return nil
	}

	subs, err := p.loadSubscriptions(ctx, workspaceID)
	if err != nil {
		return err
	}

	maxTos, err := p.periods.MaxTos(ctx, workspaceID, domain.StepProcessAssignments)
	if err != nil {
		return fmt.Errorf("failed to load process periods: %w", err)
	}

	periods := make([]*domain.Period, 0, len(props))
	for _, prop := range props {
		if err := p.processProperty(ctx, workspaceID, prop, subs, now); err != nil {
			return err
		}
		period := &domain.Period{
			WorkspaceID:        workspaceID,
			Step:               domain.StepProcessAssignments,
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

	if err := p.periods.Advance(ctx, periods); err != nil {
		return fmt.Errorf("failed to advance process periods: %w", err)
	}
	return nil
}

func (p *Processor) processProperty(ctx context.Context, workspaceID string, prop *compiler.Compiled, subs *subscriptions, now time.Time) error {
	cursor := ""
	for {
		if err := p.limiter.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("failed to acquire process slot: %w", err)
		}
		page, err := p.assignments.Page(ctx, workspaceID, prop.ID, cursor, p.pageSize)
		p.limiter.Release(1)
		if err != nil {
			return fmt.Errorf("failed to page assignments for %s: %w", prop.ID, err)
		}
		if len(page) == 0 {
			return nil
		}

		if err := p.processPage(ctx, workspaceID, prop, subs, page, now); err != nil {
			return err
		}

		if len(page) < p.pageSize {
			return nil
		}
		cursor = page[len(page)-1].UserID
	}
}

func (p *Processor) processPage(ctx context.Context, workspaceID string, prop *compiler.Compiled, subs *subscriptions, page []*domain.Assignment, now time.Time) error {
	userIDs := make([]string, len(page))
	for i, a := range page {
		userIDs[i] = a.UserID
	}

	if err := p.deliverPg(ctx, workspaceID, prop, page, userIDs, now); err != nil {
		return err
	}

	if prop.Type == domain.PropertyTypeSegment {
		for _, journeyID := range subs.journeysBySegment[prop.ID] {
			if err := p.deliverJourney(ctx, workspaceID, prop, journeyID, page, userIDs, now); err != nil {
				return err
			}
		}
	}
	for _, integrationName := range subs.integrationsByID[prop.ID] {
		if err := p.deliverIntegration(ctx, workspaceID, prop, integrationName, page, userIDs, now); err != nil {
			return err
		}
	}
	return nil
}

// changedRows returns the page rows whose value differs from the last value
// delivered to the consumer.
func (p *Processor) changedRows(ctx context.Context, workspaceID string, prop *compiler.Compiled, consumer domain.ConsumerType, consumerID string, page []*domain.Assignment, userIDs []string) ([]*domain.Assignment, error) {
	previous, err := p.processed.Get(ctx, workspaceID, prop.ID, consumer, consumerID, userIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load processed assignments: %w", err)
	}
	var changed []*domain.Assignment
	for _, a := range page {
		if prev, ok := previous[a.UserID]; ok && prev.Version == a.Version && prev.Value == a.Value() {
			continue
		}
		changed = append(changed, a)
	}
	return changed, nil
}

func (p *Processor) record(ctx context.Context, consumer domain.ConsumerType, consumerID string, rows []*domain.Assignment, now time.Time) error {
	if len(rows) == 0 {
		return nil
	}
	processed := make([]*domain.ProcessedAssignment, len(rows))
	for i, a := range rows {
		processed[i] = &domain.ProcessedAssignment{
			WorkspaceID:        a.WorkspaceID,
			Type:               a.Type,
			ComputedPropertyID: a.ComputedPropertyID,
			Version:            a.Version,
			UserID:             a.UserID,
			ConsumerType:       consumer,
			ConsumerID:         consumerID,
			Value:              a.Value(),
			ProcessedAt:        now,
		}
	}
	if err := p.processed.Record(ctx, processed); err != nil {
		return fmt.Errorf("failed to record processed assignments: %w", err)
	}
	return nil
}

// deliverPg updates the relational projection whenever the raw assignment
// changed at all.
func (p *Processor) deliverPg(ctx context.Context, workspaceID string, prop *compiler.Compiled, page []*domain.Assignment, userIDs []string, now time.Time) error {
	changed, err := p.changedRows(ctx, workspaceID, prop, domain.ConsumerTypePg, "", page, userIDs)
	if err != nil {
		return err
	}
	if len(changed) == 0 {
		return nil
	}
	if err := p.readModel.UpsertAssignments(ctx, changed); err != nil {
		return fmt.Errorf("failed to project assignments: %w", err)
	}
	metrics.ProcessedAssignments.WithLabelValues(workspaceID, string(domain.ConsumerTypePg)).Add(float64(len(changed)))
	return p.record(ctx, domain.ConsumerTypePg, "", changed, now)
}

// deliverJourney signals subscribed journeys on false-to-true transitions
// only: journeys react to entering a segment, not leaving. Exits are still
// recorded so the next entry is seen as a change.
func (p *Processor) deliverJourney(ctx context.Context, workspaceID string, prop *compiler.Compiled, journeyID string, page []*domain.Assignment, userIDs []string, now time.Time) error {
	changed, err := p.changedRows(ctx, workspaceID, prop, domain.ConsumerTypeJourney, journeyID, page, userIDs)
	if err != nil {
		return err
	}
	delivered := 0
	for _, a := range changed {
		if !a.SegmentValue {
			continue
		}
		sig := signal.Signal{
			WorkflowID: signal.JourneyWorkflowID(journeyID, a.UserID),
			DedupKey:   fmt.Sprintf("%s-%s-%d", prop.ID, prop.Version, a.AssignedAt.UnixMilli()),
			Name:       "segment-update",
			Payload: signal.SegmentUpdate{
				Type:               "segment",
				SegmentID:          prop.ID,
				CurrentlyInSegment: true,
				SegmentVersion:     a.AssignedAt.UnixMilli(),
			},
		}
		if err := p.signals.SignalWithStart(ctx, sig); err != nil {
			return fmt.Errorf("failed to signal journey %s: %w", journeyID, err)
		}
		delivered++
	}
	if delivered > 0 {
		metrics.ProcessedAssignments.WithLabelValues(workspaceID, string(domain.ConsumerTypeJourney)).Add(float64(delivered))
	}
	return p.record(ctx, domain.ConsumerTypeJourney, journeyID, changed, now)
}

// deliverIntegration signals the named connector on any change.
func (p *Processor) deliverIntegration(ctx context.Context, workspaceID string, prop *compiler.Compiled, integrationName string, page []*domain.Assignment, userIDs []string, now time.Time) error {
	changed, err := p.changedRows(ctx, workspaceID, prop, domain.ConsumerTypeIntegration, integrationName, page, userIDs)
	if err != nil {
		return err
	}
	for _, a := range changed {
		sig := signal.Signal{
			WorkflowID: signal.IntegrationWorkflowID(integrationName, workspaceID, a.UserID),
			DedupKey:   fmt.Sprintf("%s-%s-%d", prop.ID, prop.Version, a.AssignedAt.UnixMilli()),
			Name:       "computed-property-update",
			Payload: signal.IntegrationUpdate{
				Type:    string(prop.Type),
				ID:      prop.ID,
				Value:   a.Value(),
				Version: a.AssignedAt.UnixMilli(),
			},
		}
		if err := p.signals.SignalWithStart(ctx, sig); err != nil {
			return fmt.Errorf("failed to signal integration %s: %w", integrationName, err)
		}
	}
	if len(changed) > 0 {
		metrics.ProcessedAssignments.WithLabelValues(workspaceID, string(domain.ConsumerTypeIntegration)).Add(float64(len(changed)))
	}
	return p.record(ctx, domain.ConsumerTypeIntegration, integrationName, changed, now)
}
