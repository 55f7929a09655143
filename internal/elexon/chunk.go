package elexon

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

type window struct {
	from time.Time
	to   time.Time
}

// splitWindow cuts [from, to] into consecutive pieces of at most span.
func splitWindow(from, to time.Time, span time.Duration) []window {
	var out []window
	for start := from; start.Before(to); {
		end := start.Add(span)
		if end.After(to) {
			end = to
		}
		out = append(out, window{from: start, to: end})
		start = end
	}
	return out
}

// fetchChunked runs fetch once for short windows. Longer windows are split and
// fetched concurrently under the client semaphore; a failed chunk is logged,
// counted and left out. It fails only when every chunk failed.
func fetchChunked[T any](
	ctx context.Context,
	c *Client,
	endpoint string,
	from, to time.Time,
	fetch func(ctx context.Context, from, to time.Time) ([]T, error),
	timeOf func(T) time.Time,
) ([]T, error) {
	if to.Sub(from) <= c.opts.MaxSpan {
		return fetch(ctx, from, to)
	}
	return fetchWindows(ctx, c, endpoint, splitWindow(from, to, c.opts.ChunkSpan), fetch, timeOf)
}

func fetchWindows[T any](
	ctx context.Context,
	c *Client,
	endpoint string,
	chunks []window,
	fetch func(ctx context.Context, from, to time.Time) ([]T, error),
	timeOf func(T) time.Time,
) ([]T, error) {
	if len(chunks) == 0 {
		return nil, nil
	}
	results := make([][]T, len(chunks))
	failures := make([]error, len(chunks))

	var wg sync.WaitGroup
	for i, w := range chunks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.sem.Acquire(ctx, 1); err != nil {
				failures[i] = err
				return
			}
			defer c.sem.Release(1)
			results[i], failures[i] = fetch(ctx, w.from, w.to)
		}()
	}
	wg.Wait()

	var out []T
	var errs []error
	for i, w := range chunks {
		if failures[i] != nil {
			c.logger.Warn().Err(failures[i]).
				Str("endpoint", endpoint).
				Time("from", w.from).
				Time("to", w.to).
				Msg("chunk skipped")
			c.observer.ChunkSkipped(endpoint)
			errs = append(errs, failures[i])
			continue
		}
		out = append(out, results[i]...)
	}
	if len(errs) == len(chunks) {
		return nil, errors.Join(errs...)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return timeOf(out[i]).Before(timeOf(out[j]))
	})
	return out, nil
}
