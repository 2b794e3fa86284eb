package inventory

import (
	"context"
	"fmt"
	"time"

	"github.com/matsushun1/inventory/adapters"
)

// Rebuildable is a subscriber whose state can be thrown away and replayed.
type Rebuildable interface {
	Subscriber
	Reset(ctx context.Context) error
}

// ProjectionRebuilder replays the whole event log through a projection.
// The projection's dispatcher worker must be stopped while it runs.
type ProjectionRebuilder struct {
	store       *EventStore
	checkpoints adapters.CheckpointAdapter
	logger      Logger
	batchSize   int
}

// RebuilderOption configures a ProjectionRebuilder.
type RebuilderOption func(*ProjectionRebuilder)

// WithRebuilderBatchSize sets the batch size for rebuilding.
func WithRebuilderBatchSize(size int) RebuilderOption {
	return func(r *ProjectionRebuilder) {
		if size > 0 {
			r.batchSize = size
		}
	}
}

// WithRebuilderLogger sets the logger.
func WithRebuilderLogger(logger Logger) RebuilderOption {
	return func(r *ProjectionRebuilder) {
		r.logger = logger
	}
}

// NewProjectionRebuilder creates a ProjectionRebuilder.
func NewProjectionRebuilder(store *EventStore, checkpoints adapters.CheckpointAdapter, opts ...RebuilderOption) *ProjectionRebuilder {
	r := &ProjectionRebuilder{
		store:       store,
		checkpoints: checkpoints,
		logger:      &noopLogger{},
		batchSize:   1000,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RebuildProgress reports how far a rebuild has got.
type RebuildProgress struct {
	ProjectionName  string
	TotalEvents     uint64
	ProcessedEvents uint64
	CurrentPosition uint64
	StartedAt       time.Time
	Duration        time.Duration
	EventsPerSecond float64
	Completed       bool
}

// Percent returns the completion percentage, 100 for an empty log.
func (p RebuildProgress) Percent() float64 {
	if p.TotalEvents == 0 {
		return 100
	}
	return float64(p.ProcessedEvents) / float64(p.TotalEvents) * 100
}

// ProgressCallback receives progress after every batch.
type ProgressCallback func(progress RebuildProgress)

// Rebuild resets the projection, replays every event up to the current end
// of the log and moves its checkpoint there.
func (r *ProjectionRebuilder) Rebuild(ctx context.Context, projection Rebuildable, progress ProgressCallback) (RebuildProgress, error) {
	name := projection.Name()
	r.logger.Info("Starting projection rebuild", "projection", name)

	state := RebuildProgress{ProjectionName: name, StartedAt: time.Now()}

	end, err := r.store.GetLastPosition(ctx)
	if err != nil {
		return state, err
	}
	state.TotalEvents = end

	if err := projection.Reset(ctx); err != nil {
		return state, fmt.Errorf("inventory: reset %s: %w", name, err)
	}
	if r.checkpoints != nil {
		if err := r.checkpoints.SetCheckpoint(ctx, name, 0); err != nil {
			return state, classifyStoreError("reset checkpoint", err)
		}
	}

	for state.CurrentPosition < end {
		if err := ctx.Err(); err != nil {
			return state, err
		}

		batch, err := r.store.LoadEventsFromPosition(ctx, state.CurrentPosition, r.batchSize)
		if err != nil {
			return state, err
		}
		if len(batch) == 0 {
			break
		}

		for _, stored := range batch {
			if stored.GlobalPosition > end {
				break
			}

			event, err := r.store.Decode(stored)
			if err != nil {
				return state, err
			}
			if err := projection.Handle(ctx, event); err != nil {
				return state, fmt.Errorf("inventory: rebuild %s at position %d: %w", name, stored.GlobalPosition, err)
			}

			state.ProcessedEvents++
			state.CurrentPosition = stored.GlobalPosition
		}

		if r.checkpoints != nil {
			if err := r.checkpoints.SetCheckpoint(ctx, name, state.CurrentPosition); err != nil {
				return state, classifyStoreError("save checkpoint", err)
			}
		}

		r.tick(&state)
		if progress != nil {
			progress(state)
		}

		if batch[len(batch)-1].GlobalPosition >= end {
			break
		}
	}

	state.Completed = true
	r.tick(&state)
	if progress != nil {
		progress(state)
	}

	r.logger.Info("Projection rebuild completed",
		"projection", name,
		"events", state.ProcessedEvents,
		"duration", state.Duration)

	return state, nil
}

func (r *ProjectionRebuilder) tick(p *RebuildProgress) {
	p.Duration = time.Since(p.StartedAt)
	if secs := p.Duration.Seconds(); secs > 0 {
		p.EventsPerSecond = float64(p.ProcessedEvents) / secs
	}
}
