package pipeline

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/sells-group/lead-pipeline/internal/model"
	"github.com/sells-group/lead-pipeline/internal/resilience"
	"github.com/sells-group/lead-pipeline/internal/store"
)

// Callback stage names.
const (
	CallbackStage1     = "stage1"
	CallbackStage2     = "stage2"
	CallbackStage3     = "stage3"
	CallbackEnrichment = "enrichment"
)

// Callback is a stage result posted back by an external system.
type Callback struct {
	WorkItemID string          `json:"work_item_id" validate:"required"`
	Stage      string          `json:"stage" validate:"required,oneof=stage1 stage2 stage3 enrichment"`
	Result     json.RawMessage `json:"result" validate:"required"`
}

// CallbackResult reports whether a callback changed the item.
type CallbackResult struct {
	Applied bool                   `json:"applied"`
	Status  model.ProcessingStatus `json:"status"`
}

// callbackFrom maps a callback stage to the status it applies to.
var callbackFrom = map[string]model.ProcessingStatus{
	CallbackStage1:     model.StatusPending,
	CallbackStage2:     model.StatusStage1Done,
	CallbackStage3:     model.StatusStage2Done,
	CallbackEnrichment: model.StatusStage3Done,
}

// ApplyCallback persists an externally computed stage result. Delivery is
// idempotent: a callback for a stage the item has already passed changes
// nothing and reports Applied=false.
func (o *Orchestrator) ApplyCallback(ctx context.Context, cb Callback) (CallbackResult, error) {
	if err := validate.Struct(&cb); err != nil {
		return CallbackResult{}, resilience.NewValidationError("callback", "invalid payload", err)
	}
	item, err := o.store.GetWorkItem(ctx, cb.WorkItemID)
	if err != nil {
		return CallbackResult{}, err
	}
	log := zap.L().With(zap.String("work_item_id", item.ID), zap.String("stage", cb.Stage))

	from := callbackFrom[cb.Stage]
	if item.Status != from {
		if item.Status.AtOrPast(from) {
			log.Info("pipeline: duplicate callback ignored", zap.String("status", string(item.Status)))
			return CallbackResult{Applied: false, Status: item.Status}, nil
		}
		return CallbackResult{Status: item.Status}, resilience.NewValidationError("stage",
			"item "+item.ID+" is in "+string(item.Status)+", not ready for "+cb.Stage, nil)
	}

	if err := o.applyCallback(ctx, item, cb); err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			cur, gerr := o.store.GetWorkItem(ctx, item.ID)
			if gerr != nil {
				return CallbackResult{}, gerr
			}
			return CallbackResult{Applied: false, Status: cur.Status}, nil
		}
		return CallbackResult{}, err
	}

	log.Info("pipeline: callback applied", zap.String("status", string(item.Status)))
	if !item.Status.IsTerminal() {
		o.Enqueue(item.ID)
	}
	return CallbackResult{Applied: true, Status: item.Status}, nil
}

func (o *Orchestrator) applyCallback(ctx context.Context, item *model.WorkItem, cb Callback) error {
	raw := string(cb.Result)
	var err error
	switch cb.Stage {
	case CallbackStage1:
		_, err = RunStage(ctx, o.store, item, parsed[model.Stage1Result](cb.Stage, raw), applyStage1)
	case CallbackStage2:
		_, err = RunStage(ctx, o.store, item, parsed[model.Stage2Result](cb.Stage, raw), applyStage2)
	case CallbackStage3:
		_, err = RunStage(ctx, o.store, item, parsed[model.Stage3Result](cb.Stage, raw),
			func(it *model.WorkItem, r *model.Stage3Result) {
				r.Category = normalizeCategory(r.Category)
				applyStage3(it, r)
			})
	case CallbackEnrichment:
		_, err = RunStage(ctx, o.store, item, parsed[ScrapeResult](cb.Stage, raw), applyScrape)
	}
	return err
}

// parsed adapts a callback body into a StageFunc so callbacks share the
// single-write path of live stages.
func parsed[T any](field, raw string) StageFunc[*T] {
	return func(context.Context, *model.WorkItem) (*T, error) {
		return decodeStrict[T](field, raw)
	}
}
