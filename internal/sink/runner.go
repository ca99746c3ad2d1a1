package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/katasec/dstream-sink-mssql/internal/cdc"
	"github.com/katasec/dstream-sink-mssql/internal/cdc/utils"
	"github.com/katasec/dstream-sink-mssql/internal/checkpoint"
	"github.com/katasec/dstream-sink-mssql/internal/db"
	"github.com/katasec/dstream-sink-mssql/internal/logging"
	"github.com/katasec/dstream-sink-mssql/internal/merge"
	"github.com/katasec/dstream-sink-mssql/internal/stream"
)

const (
	retryInterval    = 1 * time.Second
	maxRetryInterval = 1 * time.Minute
)

// Applier applies classified change sets to the destination table
type Applier interface {
	ApplyUpserts(ctx context.Context, rows []cdc.Row) (int64, error)
	ApplyDeletes(ctx context.Context, keys []any) (int64, error)
}

// TableGuard validates the destination table before each batch
type TableGuard interface {
	EnsureTableExists(ctx context.Context) error
}

// Checkpointer persists the stream position of the last fully applied batch
type Checkpointer interface {
	Load() (checkpoint.Position, error)
	Save(pos checkpoint.Position) error
}

// SourceOpener opens a stream source at a given position
type SourceOpener interface {
	CreateSource(ctx context.Context, pos checkpoint.Position) (stream.Source, error)
}

// Runner drives the micro-batch loop: one batch fully completes (or fails)
// before the next begins. A failed batch never advances the checkpoint; the
// runner reopens the source from the last checkpoint so the batch replays.
type Runner struct {
	sources     SourceOpener
	guard       TableGuard
	applier     Applier
	checkpoints Checkpointer
	schema      []db.Column
	primaryKey  string
	window      stream.Window

	retryInterval    time.Duration
	maxRetryInterval time.Duration
}

// NewRunner initializes a Runner over the given collaborators
func NewRunner(sources SourceOpener, guard TableGuard, applier Applier, checkpoints Checkpointer, schema []db.Column, primaryKey string, window stream.Window) *Runner {
	return &Runner{
		sources:     sources,
		guard:       guard,
		applier:     applier,
		checkpoints: checkpoints,
		schema:      schema,
		primaryKey:  primaryKey,
		window:      window,

		retryInterval:    retryInterval,
		maxRetryInterval: maxRetryInterval,
	}
}

// Run processes batches until ctx is cancelled or a fatal error occurs
func (r *Runner) Run(ctx context.Context) error {
	log := logging.GetLogger()

	pos, err := r.checkpoints.Load()
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}

	source, err := r.sources.CreateSource(ctx, pos)
	if err != nil {
		return fmt.Errorf("failed to open stream source: %w", err)
	}
	defer func() {
		if err := source.Close(); err != nil {
			log.Error("Failed to close stream source", "error", err)
		}
	}()

	backoff := utils.NewBackoffManager(r.retryInterval, r.maxRetryInterval)

	for {
		if ctx.Err() != nil {
			log.Info("Stopping sink due to context cancellation")
			return ctx.Err()
		}

		batch, err := source.ReadBatch(ctx, r.window)
		if err == nil {
			err = r.processBatch(ctx, batch)
		}

		if err != nil {
			if ctx.Err() != nil {
				log.Info("Stopping sink due to context cancellation")
				return ctx.Err()
			}

			var notFound *merge.TableNotFoundError
			if errors.As(err, &notFound) {
				log.Error("Destination table missing, aborting", "table", notFound.Table.String())
				return err
			}

			log.Error("Batch failed, replaying from last checkpoint", "error", err)
			source, err = r.reopenFromCheckpoint(ctx, source)
			if err != nil {
				return err
			}
			if err := backoff.Wait(ctx); err != nil {
				return err
			}
			backoff.IncreaseInterval()
			continue
		}

		if len(batch.Records) == 0 {
			backoff.IncreaseInterval()
		} else {
			backoff.ResetInterval()
		}
	}
}

// processBatch runs one batch through the full sequence: existence guard,
// decode, dedupe, classify, upsert merge, delete merge, checkpoint advance.
// Any error leaves the checkpoint untouched.
func (r *Runner) processBatch(ctx context.Context, batch *stream.Batch) error {
	log := logging.GetLogger()

	if len(batch.Records) == 0 {
		// Nothing to merge; still advance so the empty window is recorded
		if err := r.checkpoints.Save(batch.Position); err != nil {
			return fmt.Errorf("failed to save checkpoint: %w", err)
		}
		return nil
	}

	if err := r.guard.EnsureTableExists(ctx); err != nil {
		return err
	}

	events, err := cdc.DecodeBatch(batch.Records, r.primaryKey)
	if err != nil {
		return err
	}

	deduped := cdc.Dedupe(events)
	set, err := cdc.Classify(deduped, r.schema, r.primaryKey)
	if err != nil {
		return err
	}

	if set.Empty() {
		log.Debug("No-op batch, skipping merges", "records", len(batch.Records))
	} else {
		// Upserts strictly before deletes within a batch
		upserted, err := r.applier.ApplyUpserts(ctx, set.Upserts)
		if err != nil {
			return err
		}
		deleted, err := r.applier.ApplyDeletes(ctx, set.DeleteKeys)
		if err != nil {
			return err
		}
		log.Info("Batch applied",
			"records", len(batch.Records),
			"deduped", len(deduped),
			"upserts", len(set.Upserts),
			"deletes", len(set.DeleteKeys),
			"rowsUpserted", upserted,
			"rowsDeleted", deleted)
	}

	if err := r.checkpoints.Save(batch.Position); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// reopenFromCheckpoint closes the current source and opens a fresh one at
// the last durable position, so the failed window is redelivered.
func (r *Runner) reopenFromCheckpoint(ctx context.Context, old stream.Source) (stream.Source, error) {
	log := logging.GetLogger()

	if err := old.Close(); err != nil {
		log.Error("Failed to close stream source", "error", err)
	}

	pos, err := r.checkpoints.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to reload checkpoint: %w", err)
	}

	source, err := r.sources.CreateSource(ctx, pos)
	if err != nil {
		return nil, fmt.Errorf("failed to reopen stream source: %w", err)
	}
	return source, nil
}
