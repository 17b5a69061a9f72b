package orchestrate

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lumotrack/audience-engine/internal/store"
)

// loopState is the continuation payload persisted between loop incarnations.
type loopState struct {
	Iteration int  `json:"iteration"`
	Paused    bool `json:"paused"`
}

// Loop runs the compute pipeline for one workspace on a fixed cadence:
// run, sleep with jitter, repeat. Sleep ends early on Wake. After
// maxIterations runs the loop checkpoints and starts a fresh incarnation so
// state never accumulates without bound.
type Loop struct {
	workspaceID string
	runner      *Runner
	checkpoints store.CheckpointStore

	basePeriod    time.Duration
	jitter        time.Duration
	maxIterations int

	wake chan struct{}
	log  *zap.Logger

	mu     sync.Mutex
	paused bool
	resume chan struct{}
}

func NewLoop(
	workspaceID string,
	runner *Runner,
	checkpoints store.CheckpointStore,
	basePeriod, jitter time.Duration,
	maxIterations int,
	log *zap.Logger,
) *Loop {
	if basePeriod <= 0 {
		basePeriod = 10 * time.Second
	}
	if maxIterations < 1 {
		maxIterations = 1
	}
	return &Loop{
		workspaceID:   workspaceID,
		runner:        runner,
		checkpoints:   checkpoints,
		basePeriod:    basePeriod,
		jitter:        jitter,
		maxIterations: maxIterations,
		wake:          make(chan struct{}, 1),
		log:           log,
		resume:        make(chan struct{}),
	}
}

func (l *Loop) checkpointKey() string {
	return fmt.Sprintf("compute-loop-%s", l.workspaceID)
}

func (l *Loop) saveState(ctx context.Context, state loopState) {
	payload, err := json.Marshal(state)
	if err != nil {
		return
	}
	if err := l.checkpoints.Save(ctx, l.checkpointKey(), payload); err != nil {
		l.log.Warn("failed to save loop checkpoint",
			zap.String("workspace_id", l.workspaceID), zap.Error(err))
	}
}

func (l *Loop) loadState(ctx context.Context) loopState {
	var state loopState
	payload, err := l.checkpoints.Load(ctx, l.checkpointKey())
	if err != nil {
		l.log.Warn("failed to load loop checkpoint",
			zap.String("workspace_id", l.workspaceID), zap.Error(err))
		return state
	}
	if payload == nil {
		return state
	}
	if err := json.Unmarshal(payload, &state); err != nil {
		return loopState{}
	}
	return state
}

// Wake ends the current sleep immediately. Waking an already-awake loop is
// a no-op.
func (l *Loop) Wake() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Pause stops running new iterations until Resume. The loop stays
// registered and resumes in place.
func (l *Loop) Pause(ctx context.Context) {
	l.mu.Lock()
	if !l.paused {
		l.paused = true
		l.resume = make(chan struct{})
	}
	l.mu.Unlock()
	l.saveState(ctx, loopState{Paused: true})
}

// Resume restarts a paused loop.
func (l *Loop) Resume(ctx context.Context) {
	l.mu.Lock()
	if l.paused {
		l.paused = false
		close(l.resume)
	}
	l.mu.Unlock()
	l.saveState(ctx, loopState{Paused: false})
}

func (l *Loop) pausedGate() (bool, <-chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.paused, l.resume
}

func (l *Loop) sleepPeriod() time.Duration {
	if l.jitter <= 0 {
		return l.basePeriod
	}
	return l.basePeriod + time.Duration(rand.Int63n(int64(l.jitter)))
}

// Run drives the loop until ctx is cancelled. A failed pipeline pass is
// logged and the loop continues on schedule.
func (l *Loop) Run(ctx context.Context) {
	state := l.loadState(ctx)
	if state.Paused {
		l.mu.Lock()
		l.paused = true
		l.resume = make(chan struct{})
		l.mu.Unlock()
	}

	iteration := state.Iteration
	for {
		if paused, resume := l.pausedGate(); paused {
			select {
			case <-ctx.Done():
				return
			case <-resume:
			}
		}

		if err := l.runner.Run(ctx, l.workspaceID, time.Now().UTC()); err != nil {
			l.log.Error("pipeline pass failed",
				zap.String("workspace_id", l.workspaceID), zap.Error(err))
		}

		iteration++
		if iteration >= l.maxIterations {
			// Persist a reset checkpoint so a restarted process resumes
			// from a fresh incarnation rather than a stale count.
			iteration = 0
			l.saveState(ctx, loopState{Iteration: 0})
			l.log.Debug("loop continuation", zap.String("workspace_id", l.workspaceID))
		}

		timer := time.NewTimer(l.sleepPeriod())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-l.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Registry owns one compute loop per workspace. Starting an already-running
// workspace is a no-op, so duplicate start requests are safe. Loops run under
// the registry's base context, never a caller's.
type Registry struct {
	baseCtx     context.Context
	runner      *Runner
	checkpoints store.CheckpointStore

	basePeriod    time.Duration
	jitter        time.Duration
	maxIterations int
	log           *zap.Logger

	mu    sync.Mutex
	loops map[string]*Loop
	wg    sync.WaitGroup
}

func NewRegistry(
	ctx context.Context,
	runner *Runner,
	checkpoints store.CheckpointStore,
	basePeriod, jitter time.Duration,
	maxIterations int,
	log *zap.Logger,
) *Registry {
	return &Registry{
		baseCtx:       ctx,
		runner:        runner,
		checkpoints:   checkpoints,
		basePeriod:    basePeriod,
		jitter:        jitter,
		maxIterations: maxIterations,
		log:           log,
		loops:         make(map[string]*Loop),
	}
}

// Start launches the workspace's compute loop if it is not already running.
// It reports whether a new loop was started.
func (r *Registry) Start(workspaceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, running := r.loops[workspaceID]; running {
		return false
	}
	loop := NewLoop(workspaceID, r.runner, r.checkpoints, r.basePeriod, r.jitter, r.maxIterations, r.log)
	r.loops[workspaceID] = loop
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		loop.Run(r.baseCtx)
	}()
	return true
}

func (r *Registry) get(workspaceID string) (*Loop, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	loop, ok := r.loops[workspaceID]
	return loop, ok
}

// Wake ends the workspace loop's current sleep so the next pass runs now.
// It reports whether the workspace has a running loop.
func (r *Registry) Wake(workspaceID string) bool {
	loop, ok := r.get(workspaceID)
	if !ok {
		return false
	}
	loop.Wake()
	return true
}

// Pause suspends the workspace's loop.
func (r *Registry) Pause(workspaceID string) bool {
	loop, ok := r.get(workspaceID)
	if !ok {
		return false
	}
	loop.Pause(r.baseCtx)
	return true
}

// Resume restarts the workspace's paused loop.
func (r *Registry) Resume(workspaceID string) bool {
	loop, ok := r.get(workspaceID)
	if !ok {
		return false
	}
	loop.Resume(r.baseCtx)
	return true
}

// Running returns how many workspace loops are registered.
func (r *Registry) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.loops)
}

// Wait blocks until every loop has exited. Call after cancelling the
// context passed to Start.
func (r *Registry) Wait() {
	r.wg.Wait()
}
