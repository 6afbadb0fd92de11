package pipeline

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/lead-pipeline/internal/model"
	"github.com/sells-group/lead-pipeline/internal/ratelimit"
)

// BatchFunc runs one stage for one item on the given account.
type BatchFunc[T any] func(ctx context.Context, account string, item *model.WorkItem) (T, error)

// BatchResult is the outcome of one item of a batch.
type BatchResult[T any] struct {
	Index   int
	ItemID  string
	Account string
	Value   T
	Err     error
}

// RunBatch assigns item i to account i mod N, runs each account's items one
// after another and all accounts concurrently. Every item gets exactly one
// result, in input order; an item failure never stops the batch.
func RunBatch[T any](ctx context.Context, items []model.WorkItem, accounts []string, fn BatchFunc[T]) ([]BatchResult[T], error) {
	if len(accounts) == 0 {
		return nil, ratelimit.ErrNoAccountsAvailable
	}

	results := make([]BatchResult[T], len(items))
	partitions := make([][]int, len(accounts))
	for i := range items {
		a := i % len(accounts)
		partitions[a] = append(partitions[a], i)
		results[i] = BatchResult[T]{Index: i, ItemID: items[i].ID, Account: accounts[a]}
	}

	var g errgroup.Group
	for a, idxs := range partitions {
		if len(idxs) == 0 {
			continue
		}
		account := accounts[a]
		g.Go(func() error {
			log := zap.L().With(zap.String("account", account))
			for _, i := range idxs {
				if err := ctx.Err(); err != nil {
					results[i].Err = err
					continue
				}
				results[i].Value, results[i].Err = fn(ctx, account, &items[i])
				if results[i].Err != nil {
					log.Warn("pipeline: batch item failed",
						zap.String("work_item_id", items[i].ID),
						zap.Error(results[i].Err),
					)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	return results, nil
}
