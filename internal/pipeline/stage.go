package pipeline

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-pipeline/internal/model"
	"github.com/sells-group/lead-pipeline/internal/store"
)

// StageFunc performs the single external call of a stage.
type StageFunc[T any] func(ctx context.Context, item *model.WorkItem) (T, error)

// ApplyFunc writes a stage result onto a copy of the item, including the
// status the item moves to.
type ApplyFunc[T any] func(item *model.WorkItem, result T)

// RunStage invokes fn and, on success, persists its output with exactly one
// compare-and-set write against the status item was read in. Nothing is
// written when fn fails. On success item is replaced by the stored state.
func RunStage[T any](ctx context.Context, st store.Store, item *model.WorkItem, fn StageFunc[T], apply ApplyFunc[T]) (T, error) {
	result, err := fn(ctx, item)
	if err != nil {
		var zero T
		return zero, err
	}
	if err := commit(ctx, st, item, func(next *model.WorkItem) { apply(next, result) }); err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// commit applies mutate to a copy of item and stores it if item's status is
// unchanged in the store. Retry bookkeeping is cleared since the stage
// succeeded.
func commit(ctx context.Context, st store.Store, item *model.WorkItem, mutate func(next *model.WorkItem)) error {
	expected := item.Status
	next := *item
	mutate(&next)
	if !model.CanTransition(expected, next.Status) {
		return eris.Errorf("pipeline: illegal transition %s -> %s for %s", expected, next.Status, item.ID)
	}
	next.RetryCount = 0
	next.NextRetryAt = nil
	next.LastError = ""

	if err := st.UpdateWorkItem(ctx, &next, expected); err != nil {
		return eris.Wrapf(err, "pipeline: persist %s", next.Status)
	}
	*item = next
	return nil
}
