// Package pipeline moves ingested posts through classification, scraping
// and lead materialization.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/lead-pipeline/internal/config"
	"github.com/sells-group/lead-pipeline/internal/model"
	"github.com/sells-group/lead-pipeline/internal/resilience"
	"github.com/sells-group/lead-pipeline/internal/store"
	"github.com/sells-group/lead-pipeline/pkg/anthropic"
)

// IngestItem is a raw post submitted to the pipeline.
type IngestItem struct {
	ID               string `json:"id" validate:"required"`
	Text             string `json:"text" validate:"required"`
	Title            string `json:"title"`
	AuthorID         string `json:"author_id" validate:"required"`
	AuthorName       string `json:"author_name"`
	AuthorProfileRef string `json:"author_profile_ref" validate:"required"`
}

// Step describes one Advance call. Err is the stage failure that was
// recorded on the item, if any.
type Step struct {
	ID          string                 `json:"id"`
	From        model.ProcessingStatus `json:"from"`
	To          model.ProcessingStatus `json:"to"`
	Disposition string                 `json:"disposition,omitempty"`
	Err         error                  `json:"-"`
}

// Failed reports whether the stage failed.
func (s Step) Failed() bool { return s.Err != nil }

// ProcessStats summarizes a ProcessDue run.
type ProcessStats struct {
	Processed    int `json:"processed"`
	Materialized int `json:"materialized"`
	Filtered     int `json:"filtered"`
	Errored      int `json:"errored"`
	Deferred     int `json:"deferred"`
}

// Orchestrator runs the per-item state machine. Each item is advanced one
// stage at a time; a successful stage hands the item back to the queue
// instead of calling the next stage directly, so a crash between stages
// only leaves items for the next rescan.
type Orchestrator struct {
	cfg          *config.Config
	store        store.Store
	ai           anthropic.Client
	enricher     *Enricher
	materializer *Materializer
	retry        resilience.Policy
	now          func() time.Time

	mu      sync.Mutex
	queue   chan string
	pending map[string]struct{}
	workers sync.WaitGroup
}

// New creates an Orchestrator.
func New(cfg *config.Config, st store.Store, ai anthropic.Client, enricher *Enricher, materializer *Materializer) *Orchestrator {
	return &Orchestrator{
		cfg:          cfg,
		store:        st,
		ai:           ai,
		enricher:     enricher,
		materializer: materializer,
		retry: resilience.StagePolicy(cfg.Pipeline.MaxRetries,
			time.Duration(cfg.Pipeline.RetryBaseSecs)*time.Second,
			time.Duration(cfg.Pipeline.RetryMaxSecs)*time.Second,
		),
		now:     time.Now,
		pending: make(map[string]struct{}),
	}
}

// Enricher returns the orchestrator's enricher.
func (o *Orchestrator) Enricher() *Enricher { return o.enricher }

// Ingest validates and stores a new pending item, then queues it.
func (o *Orchestrator) Ingest(ctx context.Context, in IngestItem) (*model.WorkItem, error) {
	if err := validate.Struct(&in); err != nil {
		return nil, resilience.NewValidationError("item", "missing required fields", err)
	}
	item := &model.WorkItem{
		ID:               in.ID,
		Text:             in.Text,
		Title:            in.Title,
		AuthorID:         in.AuthorID,
		AuthorName:       in.AuthorName,
		AuthorProfileRef: in.AuthorProfileRef,
		Status:           model.StatusPending,
	}
	if err := o.store.CreateWorkItem(ctx, item); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, resilience.NewValidationError("id", "duplicate work item "+in.ID, err)
		}
		return nil, err
	}
	zap.L().Info("pipeline: item ingested", zap.String("work_item_id", item.ID))
	o.Enqueue(item.ID)
	return item, nil
}

// Advance runs the next stage of one item. Stage failures are classified
// and recorded on the item and reported through Step; only store errors are
// returned.
func (o *Orchestrator) Advance(ctx context.Context, id string) (Step, error) {
	item, err := o.store.GetWorkItem(ctx, id)
	if err != nil {
		return Step{ID: id}, err
	}
	step := Step{ID: id, From: item.Status, To: item.Status}
	if item.Status.IsTerminal() {
		return step, nil
	}

	if err := o.runNext(ctx, item); err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			zap.L().Debug("pipeline: item moved concurrently", zap.String("work_item_id", id), zap.Error(err))
			return step, nil
		}
		return o.fail(ctx, item, step, err)
	}
	step.To = item.Status
	return step, nil
}

func (o *Orchestrator) runNext(ctx context.Context, item *model.WorkItem) error {
	var err error
	switch item.Status {
	case model.StatusPending:
		_, err = RunStage[*model.Stage1Result](ctx, o.store, item, o.ClassifyRecruiting, applyStage1)
	case model.StatusStage1Done:
		_, err = RunStage[*model.Stage2Result](ctx, o.store, item, o.ClassifyLocation, applyStage2)
	case model.StatusStage2Done:
		_, err = RunStage[*model.Stage3Result](ctx, o.store, item, o.Categorize, applyStage3)
	case model.StatusStage3Done:
		var account string
		if account, err = o.enricher.PickAccount(); err != nil {
			return err
		}
		err = o.scrape(ctx, account, item)
	case model.StatusEnriched:
		_, err = o.materializer.Materialize(ctx, item)
	default:
		err = eris.Errorf("pipeline: no stage for status %q", item.Status)
	}
	return err
}

func (o *Orchestrator) scrape(ctx context.Context, account string, item *model.WorkItem) error {
	_, err := RunStage[*ScrapeResult](ctx, o.store, item,
		func(ctx context.Context, it *model.WorkItem) (*ScrapeResult, error) {
			return o.enricher.ScrapeAuthor(ctx, account, it)
		},
		applyScrape,
	)
	return err
}

// fail applies the failure policy: permanent dispositions move the item to
// error, everything else keeps its status and schedules a re-attempt.
// Items that reach max_retries stay where they are and show up in Stuck.
func (o *Orchestrator) fail(ctx context.Context, item *model.WorkItem, step Step, cause error) (Step, error) {
	if ctx.Err() != nil {
		return step, ctx.Err()
	}
	d := resilience.Classify(cause)
	step.Disposition = d.String()
	step.Err = cause
	log := zap.L().With(
		zap.String("work_item_id", item.ID),
		zap.String("stage", string(item.Status)),
		zap.String("disposition", d.String()),
	)

	if !d.Retryable() {
		next := *item
		next.Status = model.StatusError
		next.LastError = cause.Error()
		if err := o.store.UpdateWorkItem(ctx, &next, item.Status); err != nil {
			if errors.Is(err, store.ErrStatusConflict) {
				return step, nil
			}
			return step, err
		}
		step.To = model.StatusError
		log.Error("pipeline: stage failed permanently", zap.Error(cause))
		return step, nil
	}

	delay := o.retry.Delay(item.RetryCount)
	n, err := o.store.RecordFailure(ctx, item.ID, store.Failure{
		Expected:    item.Status,
		Error:       cause.Error(),
		NextRetryAt: o.now().Add(delay),
	})
	if err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			return step, nil
		}
		return step, err
	}
	if n >= o.cfg.Pipeline.MaxRetries {
		log.Warn("pipeline: retries exhausted, item needs an operator", zap.Int("retry_count", n), zap.Error(cause))
	} else {
		log.Warn("pipeline: stage failed, retry scheduled",
			zap.Int("retry_count", n),
			zap.Duration("delay", delay),
			zap.Error(cause),
		)
	}
	return step, nil
}

// Drive advances id until it reaches a terminal status, a stage fails, or
// another writer owns the item.
func (o *Orchestrator) Drive(ctx context.Context, id string) (Step, error) {
	var out Step
	for {
		step, err := o.Advance(ctx, id)
		if out.ID == "" {
			out = step
		} else {
			out.To, out.Disposition, out.Err = step.To, step.Disposition, step.Err
		}
		if err != nil || step.Failed() || step.To.IsTerminal() || step.To == step.From {
			return out, err
		}
	}
}

func (o *Orchestrator) dueFilter() store.WorkItemFilter {
	now := o.now().UTC()
	return store.WorkItemFilter{
		Statuses: []model.ProcessingStatus{
			model.StatusPending,
			model.StatusStage1Done,
			model.StatusStage2Done,
			model.StatusStage3Done,
			model.StatusEnriched,
		},
		DueBefore:  &now,
		MaxRetries: o.cfg.Pipeline.MaxRetries,
		Limit:      o.cfg.Pipeline.RescanLimit,
	}
}

// ProcessDue drives every due item to completion or its next failure using
// up to pipeline.workers goroutines.
func (o *Orchestrator) ProcessDue(ctx context.Context) (ProcessStats, error) {
	items, err := o.store.ListWorkItems(ctx, o.dueFilter())
	if err != nil {
		return ProcessStats{}, err
	}

	var (
		mu    sync.Mutex
		stats ProcessStats
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(o.cfg.Pipeline.Workers, 1))
	for _, it := range items {
		id := it.ID
		g.Go(func() error {
			step, err := o.Drive(gctx, id)
			if err != nil {
				zap.L().Error("pipeline: drive item", zap.String("work_item_id", id), zap.Error(err))
			}
			mu.Lock()
			defer mu.Unlock()
			stats.Processed++
			switch {
			case step.To == model.StatusMaterialized:
				stats.Materialized++
			case step.To == model.StatusFilteredOut:
				stats.Filtered++
			case step.To == model.StatusError:
				stats.Errored++
			case step.Failed():
				stats.Deferred++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}
	return stats, ctx.Err()
}

// Start launches pipeline.workers goroutines consuming the queue until ctx
// is done.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	if o.queue != nil {
		o.mu.Unlock()
		return
	}
	o.queue = make(chan string, max(o.cfg.Pipeline.QueueSize, 1))
	o.mu.Unlock()

	for i := 0; i < max(o.cfg.Pipeline.Workers, 1); i++ {
		o.workers.Add(1)
		go o.work(ctx)
	}
	zap.L().Info("pipeline: workers started", zap.Int("workers", o.cfg.Pipeline.Workers))
}

// Wait blocks until the workers started by Start have exited, then waits
// for background enrichments and notifications.
func (o *Orchestrator) Wait() {
	o.workers.Wait()
	o.enricher.Wait()
	o.materializer.Wait()
}

// Enqueue hands id to the workers. It returns false when the queue is not
// running, is full, or already holds or is running id.
func (o *Orchestrator) Enqueue(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.queue == nil {
		return false
	}
	if _, ok := o.pending[id]; ok {
		return false
	}
	select {
	case o.queue <- id:
		o.pending[id] = struct{}{}
		return true
	default:
		zap.L().Warn("pipeline: queue full, item left for rescan", zap.String("work_item_id", id))
		return false
	}
}

func (o *Orchestrator) release(id string) {
	o.mu.Lock()
	delete(o.pending, id)
	o.mu.Unlock()
}

func (o *Orchestrator) work(ctx context.Context) {
	defer o.workers.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-o.queue:
			step, err := o.Advance(ctx, id)
			o.release(id)
			if err != nil {
				if ctx.Err() == nil {
					zap.L().Error("pipeline: advance item", zap.String("work_item_id", id), zap.Error(err))
				}
				continue
			}
			if !step.Failed() && step.To != step.From && !step.To.IsTerminal() {
				o.Enqueue(id)
			}
		}
	}
}

// Rescan queues every due, non-terminal item under the retry cap. It is
// what recovers items after a crash or a deferred failure.
func (o *Orchestrator) Rescan(ctx context.Context) (int, error) {
	items, err := o.store.ListWorkItems(ctx, o.dueFilter())
	if err != nil {
		return 0, err
	}
	n := 0
	for _, it := range items {
		if o.Enqueue(it.ID) {
			n++
		}
	}
	if n > 0 {
		zap.L().Info("pipeline: rescan queued items", zap.Int("count", n))
	}
	return n, nil
}

// Stuck lists non-terminal items whose retries are exhausted.
func (o *Orchestrator) Stuck(ctx context.Context) ([]model.WorkItem, error) {
	f := o.dueFilter()
	f.DueBefore = nil
	f.MaxRetries = 0
	f.MinRetries = max(o.cfg.Pipeline.MaxRetries, 1)
	f.Limit = store.NoLimit
	return o.store.ListWorkItems(ctx, f)
}

// RetryItem clears the retry schedule of a non-terminal item and queues it.
// When no workers run the item is picked up by the next rescan.
func (o *Orchestrator) RetryItem(ctx context.Context, id string) (Outcome, error) {
	item, err := o.store.GetWorkItem(ctx, id)
	if err != nil {
		return "", err
	}
	if item.Status.IsTerminal() {
		return "", resilience.NewValidationError("status", "item is in terminal status "+string(item.Status), nil)
	}
	if err := o.store.ResetRetry(ctx, id); err != nil {
		return "", err
	}
	o.Enqueue(id)
	zap.L().Info("pipeline: item retry requested", zap.String("work_item_id", id), zap.String("status", string(item.Status)))
	return OutcomeQueued, nil
}

// DeleteItems removes work items so they can be re-ingested. Leads are kept.
func (o *Orchestrator) DeleteItems(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, resilience.NewValidationError("ids", "at least one id is required", nil)
	}
	return o.store.DeleteWorkItems(ctx, ids)
}

// EnrichBatch scrapes every due stage3_done item, spreading them across the
// account pool. Failures go through the same policy as Advance.
func (o *Orchestrator) EnrichBatch(ctx context.Context) ([]BatchResult[model.ProcessingStatus], error) {
	f := o.dueFilter()
	f.Statuses = []model.ProcessingStatus{model.StatusStage3Done}
	items, err := o.store.ListWorkItems(ctx, f)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}

	results, err := RunBatch(ctx, items, o.enricher.AccountIDs(),
		func(ctx context.Context, account string, item *model.WorkItem) (model.ProcessingStatus, error) {
			from := item.Status
			err := o.scrape(ctx, account, item)
			if err == nil {
				return item.Status, nil
			}
			if errors.Is(err, store.ErrStatusConflict) {
				return from, err
			}
			step, ferr := o.fail(ctx, item, Step{ID: item.ID, From: from, To: from}, err)
			if ferr != nil {
				return step.To, ferr
			}
			return step.To, err
		},
	)
	if err != nil {
		return nil, err
	}
	zap.L().Info("pipeline: batch enrichment finished", zap.Int("items", len(items)), zap.Int("accounts", len(o.enricher.AccountIDs())))
	return results, nil
}
