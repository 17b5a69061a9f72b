// Package orchestrate drives the compute pipeline: a per-workspace compute
// loop, a bounded work queue, and a staleness scheduler that re-enqueues
// workspaces whose assignments have fallen behind.
package orchestrate

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/lumotrack/audience-engine/internal/aggregate"
	"github.com/lumotrack/audience-engine/internal/compiler"
	"github.com/lumotrack/audience-engine/internal/evaluate"
	"github.com/lumotrack/audience-engine/internal/metrics"
	"github.com/lumotrack/audience-engine/internal/process"
	"github.com/lumotrack/audience-engine/internal/store"
)

// Runner executes one full pipeline pass for a workspace: compile the
// current definitions, then state aggregation, assignment evaluation and
// change processing in order.
type Runner struct {
	definitions store.DefinitionStore
	engine      *aggregate.Engine
	evaluator   *evaluate.Evaluator
	processor   *process.Processor

	stepTimeout time.Duration
	stepRetries uint64
	log         *zap.Logger
}

func NewRunner(
	definitions store.DefinitionStore,
	engine *aggregate.Engine,
	evaluator *evaluate.Evaluator,
	processor *process.Processor,
	stepTimeout time.Duration,
	stepRetries int,
	log *zap.Logger,
) *Runner {
	if stepTimeout <= 0 {
		stepTimeout = 5 * time.Minute
	}
	if stepRetries < 0 {
		stepRetries = 0
	}
	return &Runner{
		definitions: definitions,
		engine:      engine,
		evaluator:   evaluator,
		processor:   processor,
		stepTimeout: stepTimeout,
		stepRetries: uint64(stepRetries),
		log:         log,
	}
}

// compileWorkspace compiles every definition in the workspace. Definitions
// that fail to compile are skipped with a warning so one broken definition
// cannot stall the rest of the workspace.
func (r *Runner) compileWorkspace(ctx context.Context, workspaceID string) ([]*compiler.Compiled, error) {
	segments, err := r.definitions.Segments(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load segments: %w", err)
	}
	properties, err := r.definitions.UserProperties(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user properties: %w", err)
	}

	defs := append(segments, properties...)
	compiled := make([]*compiler.Compiled, 0, len(defs))
	for _, def := range defs {
		c, err := compiler.Compile(def)
		if err != nil {
			r.log.Warn("skipping definition that failed to compile",
				zap.String("workspace_id", workspaceID),
				zap.String("computed_property_id", def.ID),
				zap.Error(err))
			continue
		}
		for _, defErr := range c.Errors {
			r.log.Warn("definition compiled with node errors",
				zap.String("workspace_id", workspaceID),
				zap.String("computed_property_id", defErr.ComputedPropertyID),
				zap.String("node_id", defErr.NodeID),
				zap.String("reason", defErr.Reason))
		}
		compiled = append(compiled, c)
	}
	return compiled, nil
}

// runStep runs one pipeline stage under a timeout, retrying transient
// failures with exponential backoff.
func (r *Runner) runStep(ctx context.Context, workspaceID, name string, fn func(context.Context) error) error {
	operation := func() error {
		stepCtx, cancel := context.WithTimeout(ctx, r.stepTimeout)
		defer cancel()
		return fn(stepCtx)
	}
	err := backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), r.stepRetries), ctx))
	if err != nil {
		return fmt.Errorf("step %s failed for workspace %s: %w", name, workspaceID, err)
	}
	return nil
}

// Run executes one pipeline pass. A failed run is isolated to its workspace:
// the error is counted and returned, and the next pass starts clean.
func (r *Runner) Run(ctx context.Context, workspaceID string, now time.Time) error {
	start := time.Now()
	props, err := r.compileWorkspace(ctx, workspaceID)
	if err != nil {
		metrics.FailedRuns.WithLabelValues(workspaceID).Inc()
		return err
	}
	if len(props) == 0 {
		return nil
	}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"compute-state", func(c context.Context) error { return r.engine.ComputeState(c, workspaceID, props, now) }},
		{"compute-assignments", func(c context.Context) error { return r.evaluator.ComputeAssignments(c, workspaceID, props, now) }},
		{"process-assignments", func(c context.Context) error { return r.processor.ProcessAssignments(c, workspaceID, props, now) }},
	}
	for _, step := range steps {
		if err := r.runStep(ctx, workspaceID, step.name, step.fn); err != nil {
			metrics.FailedRuns.WithLabelValues(workspaceID).Inc()
			return err
		}
	}

	r.log.Debug("pipeline pass complete",
		zap.String("workspace_id", workspaceID),
		zap.Int("properties", len(props)),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}
