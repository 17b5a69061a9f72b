package orchestrate

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/lumotrack/audience-engine/internal/store"
)

// Scheduler periodically finds workspaces whose assignments are stale, the
// oldest ProcessAssignments high-water mark lagging more than the staleness
// threshold behind now, and enqueues them oldest first. Workspaces with no
// periods at all report a zero mark and therefore always qualify.
type Scheduler struct {
	definitions store.DefinitionStore
	periods     store.PeriodStore
	queue       *Queue

	tick           time.Duration
	staleness      time.Duration
	workspaceLimit int
	log            *zap.Logger
}

func NewScheduler(
	definitions store.DefinitionStore,
	periods store.PeriodStore,
	queue *Queue,
	tick, staleness time.Duration,
	workspaceLimit int,
	log *zap.Logger,
) *Scheduler {
	if tick <= 0 {
		tick = 30 * time.Second
	}
	if workspaceLimit < 1 {
		workspaceLimit = 1
	}
	return &Scheduler{
		definitions:    definitions,
		periods:        periods,
		queue:          queue,
		tick:           tick,
		staleness:      staleness,
		workspaceLimit: workspaceLimit,
		log:            log,
	}
}

type staleWorkspace struct {
	workspaceID string
	oldest      time.Time
}

// Tick runs one scheduling pass and returns how many workspaces were
// enqueued.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (int, error) {
	workspaces, err := s.definitions.Workspaces(ctx)
	if err != nil {
		return 0, err
	}
	if len(workspaces) == 0 {
		return 0, nil
	}

	oldest, err := s.periods.OldestProcessAssignments(ctx, workspaces)
	if err != nil {
		return 0, err
	}

	var stale []staleWorkspace
	cutoff := now.Add(-s.staleness)
	for workspaceID, mark := range oldest {
		if mark.After(cutoff) {
			continue
		}
		stale = append(stale, staleWorkspace{workspaceID: workspaceID, oldest: mark})
	}
	sort.Slice(stale, func(i, j int) bool {
		if stale[i].oldest.Equal(stale[j].oldest) {
			return stale[i].workspaceID < stale[j].workspaceID
		}
		return stale[i].oldest.Before(stale[j].oldest)
	})

	limit := s.workspaceLimit
	if spare := s.queue.Capacity() - s.queue.Size(); spare < limit {
		limit = spare
	}

	enqueued := 0
	for _, w := range stale {
		if enqueued >= limit {
			break
		}
		if s.queue.Enqueue(w.workspaceID) {
			enqueued++
		}
	}
	return enqueued, nil
}

// Run ticks on the configured interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			enqueued, err := s.Tick(ctx, time.Now().UTC())
			if err != nil {
				s.log.Error("scheduler tick failed", zap.Error(err))
				continue
			}
			if enqueued > 0 {
				s.log.Debug("enqueued stale workspaces", zap.Int("count", enqueued))
			}
		}
	}
}
