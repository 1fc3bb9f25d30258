package codify

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// ProgressFunc is called after each finished batch item, possibly from
// several goroutines at once.
type ProgressFunc func(item BatchItem)

// MatchBatch matches inputs concurrently, bounded by batch.max_concurrency.
// Results keep the input order. Each item runs under its own context derived
// from ctx with the per-item timeout, so one slow or cancelled item never
// affects its siblings.
func (p *Pipeline) MatchBatch(ctx context.Context, inputs []VehicleInput, progress ProgressFunc) []BatchItem {
	return p.runBatch(ctx, len(inputs), progress, func(itemCtx context.Context, i int) (MatchResult, error) {
		return p.Match(itemCtx, inputs[i])
	})
}

// MatchRawBatch is MatchBatch over records whose fields still need detecting.
// A record that fails preprocessing reports its InvalidInputError in its own
// item only.
func (p *Pipeline) MatchRawBatch(ctx context.Context, inputs []RawInput, progress ProgressFunc) []BatchItem {
	return p.runBatch(ctx, len(inputs), progress, func(itemCtx context.Context, i int) (MatchResult, error) {
		return p.MatchRaw(itemCtx, inputs[i])
	})
}

func (p *Pipeline) runBatch(ctx context.Context, n int, progress ProgressFunc, match func(context.Context, int) (MatchResult, error)) []BatchItem {
	items := make([]BatchItem, n)
	if n == 0 {
		return items
	}

	limit := p.cfg.Batch.MaxConcurrency
	if limit <= 0 {
		limit = 1
	}
	timeout := p.cfg.Batch.ItemTimeout

	// A plain Group: item errors are data, they must not cancel siblings.
	var g errgroup.Group
	g.SetLimit(limit)

	started := time.Now()
	for i := 0; i < n; i++ {
		g.Go(func() error {
			items[i] = p.runItem(ctx, i, timeout, match)
			if progress != nil {
				progress(items[i])
			}
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, item := range items {
		if item.Err != nil {
			failed++
		}
	}
	p.logger.Info().
		Int("items", n).
		Int("failed", failed).
		Int("concurrency", limit).
		Dur("duration", time.Since(started)).
		Msg("Batch match completed")

	return items
}

func (p *Pipeline) runItem(ctx context.Context, i int, timeout time.Duration, match func(context.Context, int) (MatchResult, error)) BatchItem {
	if err := ctx.Err(); err != nil {
		return BatchItem{Index: i, Err: err}
	}

	itemCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		itemCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res, err := match(itemCtx, i)
	if err != nil {
		return BatchItem{Index: i, Err: err}
	}
	return BatchItem{Index: i, Result: &res}
}
