// Package batch runs a sequence of tasks with a bounded number in flight.
package batch

import (
	"context"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ProgressEvery is how often, in started items, progress is logged.
const ProgressEvery = 100

// Executor processes one item.
type Executor[T any] func(ctx context.Context, item T) error

// Run calls exec for every item, never allowing more than limit calls in flight.
// Items are started in input order; completion order is unconstrained.
//
// The first failure stops further items from being started and is returned once
// every started call has finished. Started calls receive ctx, not a derived
// context, so siblings already in flight are allowed to complete. A limit below
// 1 is treated as 1.
func Run[T any](ctx context.Context, items []T, limit int, exec Executor[T], logger zerolog.Logger) error {
	if limit < 1 {
		limit = 1
	}
	log := logger.With().Str("component", "Batch").Logger()

	stopCtx, stop := context.WithCancel(ctx)
	defer stop()

	var g errgroup.Group
	slots := make(chan struct{}, limit)

	started := 0
	for _, item := range items {
		select {
		case slots <- struct{}{}:
		case <-stopCtx.Done():
		}
		// A slot and a failure can become ready together.
		if stopCtx.Err() != nil {
			break
		}
		item := item
		g.Go(func() error {
			log.Debug().Interface("item", item).Msg("Start task.")
			err := exec(ctx, item)
			log.Debug().Interface("item", item).Err(err).Msg("End task.")
			// Stop before the slot is released so the loop cannot admit another item.
			if err != nil {
				stop()
			}
			<-slots
			return err
		})
		started++
		if started%ProgressEvery == 0 {
			log.Info().Int("started", started).Int("total", len(items)).Msg("Processed items in batch.")
		}
	}

	err := g.Wait()
	if err != nil {
		log.Warn().Err(err).Int("started", started).Int("total", len(items)).Msg("Batch stopped on first failure.")
		return err
	}
	// The parent was cancelled before every item could start.
	if started < len(items) {
		return ctx.Err()
	}
	return nil
}
