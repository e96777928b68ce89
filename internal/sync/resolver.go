package sync

import (
	"context"
	"errors"

	"github.com/JohanCodinha/timelink/internal/jira"
	"github.com/JohanCodinha/timelink/internal/logger"
	"golang.org/x/sync/errgroup"
)

// DefaultBatchSize is the number of keys fetched concurrently per chunk.
const DefaultBatchSize = 10

// Resolve fetches one record per key and returns them in key order.
//
// Keys are processed in chunks of batchSize. A chunk starts only after every
// fetch of the previous chunk has returned; fetches within a chunk run
// concurrently. A failed fetch leaves a nil result for its key and does not
// affect its siblings. Callers deduplicate keys.
//
// jira.ErrUnauthorized is not a per-key failure: the current chunk settles,
// no further chunk starts and the error is returned.
func Resolve[T any](ctx context.Context, keys []string, batchSize int, fetch func(ctx context.Context, key string) (*T, error)) ([]*T, error) {
	log := logger.Component("resolver")
	results := make([]*T, len(keys))

	for n, chunk := range chunks(keys, batchSize) {
		offset := n * batchSizeOrDefault(batchSize)
		if ctx.Err() != nil {
			log.Debug().Int("skipped", len(keys)-offset).Msg("context done, leaving remaining keys unresolved")
			break
		}

		var g errgroup.Group
		for i, key := range chunk {
			g.Go(func() error {
				rec, err := fetch(ctx, key)
				switch {
				case errors.Is(err, jira.ErrUnauthorized):
					return err
				case errors.Is(err, jira.ErrNotFound):
					log.Debug().Str("key", key).Msg("key not found")
				case err != nil:
					log.Warn().Str("key", key).Err(err).Msg("failed to resolve key")
				default:
					results[offset+i] = rec
				}
				// Per-key failures never fail the group.
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return results, err
		}

		log.Debug().Int("chunk", n+1).Int("size", len(chunk)).Msg("chunk resolved")
	}

	return results, nil
}

func batchSizeOrDefault(n int) int {
	if n <= 0 {
		return DefaultBatchSize
	}
	return n
}

// chunks splits keys into consecutive slices of at most size keys.
func chunks(keys []string, size int) [][]string {
	size = batchSizeOrDefault(size)
	out := make([][]string, 0, (len(keys)+size-1)/size)
	for start := 0; start < len(keys); start += size {
		end := min(start+size, len(keys))
		out = append(out, keys[start:end])
	}
	return out
}

// groupByKey groups ids by key, keeping keys in first-seen order.
// Items with an empty key are skipped.
func groupByKey[E any](items []E, key func(E) string, id func(E) int64) ([]string, map[string][]int64) {
	var keys []string
	groups := make(map[string][]int64)
	for _, item := range items {
		k := key(item)
		if k == "" {
			continue
		}
		if _, seen := groups[k]; !seen {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], id(item))
	}
	return keys, groups
}
