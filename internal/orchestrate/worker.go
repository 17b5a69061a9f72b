package orchestrate

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/lumotrack/audience-engine/internal/store"
)

const queueCheckpointKey = "compute-queue"

// Worker drains the queue in batches and hands each workspace to the
// registry: start the loop if it is not running, otherwise wake it so the
// next pass happens immediately. After maxBatches the worker checkpoints
// the remaining queue contents and resets its batch count, so a restarted
// process picks up the waiting workspaces instead of dropping them.
type Worker struct {
	queue       *Queue
	registry    *Registry
	checkpoints store.CheckpointStore
	batchSize   int
	maxBatches  int
	log         *zap.Logger
}

func NewWorker(
	queue *Queue,
	registry *Registry,
	checkpoints store.CheckpointStore,
	batchSize, maxBatches int,
	log *zap.Logger,
) *Worker {
	if batchSize < 1 {
		batchSize = 1
	}
	if maxBatches < 1 {
		maxBatches = 1
	}
	return &Worker{
		queue:       queue,
		registry:    registry,
		checkpoints: checkpoints,
		batchSize:   batchSize,
		maxBatches:  maxBatches,
		log:         log,
	}
}

func (w *Worker) saveQueue(ctx context.Context) {
	payload, err := json.Marshal(w.queue.Snapshot())
	if err != nil {
		return
	}
	if err := w.checkpoints.Save(ctx, queueCheckpointKey, payload); err != nil {
		w.log.Warn("failed to save queue checkpoint", zap.Error(err))
	}
}

func (w *Worker) restoreQueue(ctx context.Context) {
	payload, err := w.checkpoints.Load(ctx, queueCheckpointKey)
	if err != nil {
		w.log.Warn("failed to load queue checkpoint", zap.Error(err))
		return
	}
	if payload == nil {
		return
	}
	var workspaceIDs []string
	if err := json.Unmarshal(payload, &workspaceIDs); err != nil {
		return
	}
	if restored := w.queue.Restore(workspaceIDs); restored > 0 {
		w.log.Info("restored queued workspaces", zap.Int("count", restored))
	}
}

// Run restores any checkpointed queue and then drains it until ctx is
// cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.restoreQueue(ctx)

	batches := 0
	for {
		batch, err := w.queue.DequeueBatch(ctx, w.batchSize)
		if err != nil {
			w.saveQueue(context.WithoutCancel(ctx))
			return
		}
		for _, workspaceID := range batch {
			if !w.registry.Start(workspaceID) {
				w.registry.Wake(workspaceID)
			}
		}

		batches++
		if batches >= w.maxBatches {
			batches = 0
			w.saveQueue(ctx)
			w.log.Debug("worker continuation", zap.Int("batch_size", w.batchSize))
		}
	}
}
