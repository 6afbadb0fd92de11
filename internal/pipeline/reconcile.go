package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/lead-pipeline/internal/model"
	"github.com/sells-group/lead-pipeline/internal/store"
)

// ReconcileStats summarizes a reconciliation run.
type ReconcileStats struct {
	Checked   int `json:"checked"`
	Cleared   int `json:"cleared"`
	Repointed int `json:"repointed"`
	Failed    int `json:"failed"`
}

// Reconciler re-checks HR-provider matches on existing leads. Client
// matches are left alone.
type Reconciler struct {
	store store.Store
}

// NewReconciler creates a Reconciler.
func NewReconciler(st store.Store) *Reconciler {
	return &Reconciler{store: st}
}

// Run recomputes the HR-provider match of every lead that has one. A lead
// whose employers no longer match any provider is cleared back to
// completed; one matching a different provider is re-pointed. A lookup
// error skips the lead.
func (r *Reconciler) Run(ctx context.Context) (ReconcileStats, error) {
	var stats ReconcileStats
	leads, err := r.store.ListLeadsWithHRProvider(ctx)
	if err != nil {
		return stats, err
	}

	for i := range leads {
		lead := &leads[i]
		stats.Checked++
		log := zap.L().With(zap.String("lead_id", lead.ID), zap.String("company_ref", lead.CompanyRef))

		match, err := r.currentMatch(ctx, lead)
		if err != nil {
			stats.Failed++
			log.Warn("pipeline: reconcile lookup failed", zap.Error(err))
			continue
		}

		old := lead.MatchedHRProvider
		oldID := ""
		if old != nil {
			oldID = old.ID
		}
		switch {
		case match == nil:
			lead.ClearHRProvider()
		case old != nil && match.ID == old.ID && match.CompanyRef == old.CompanyRef:
			continue
		default:
			lead.MatchedHRProvider = match
			lead.Status = model.LeadStatusFilteredHRProvider
		}

		if err := r.store.UpdateLead(ctx, lead); err != nil {
			stats.Failed++
			log.Warn("pipeline: reconcile update failed", zap.Error(err))
			continue
		}
		if match == nil {
			stats.Cleared++
			log.Info("pipeline: stale hr provider match cleared", zap.String("hr_provider_id", oldID))
		} else {
			stats.Repointed++
			log.Info("pipeline: hr provider match repointed",
				zap.String("from", oldID), zap.String("to", match.ID))
		}
	}

	zap.L().Info("pipeline: hr provider reconciliation finished",
		zap.Int("checked", stats.Checked),
		zap.Int("cleared", stats.Cleared),
		zap.Int("repointed", stats.Repointed),
	)
	return stats, nil
}

func (r *Reconciler) currentMatch(ctx context.Context, lead *model.Lead) (*model.Match, error) {
	for _, ref := range lead.Refs() {
		p, err := r.store.FindHRProviderByCompany(ctx, ref)
		if err != nil {
			return nil, err
		}
		if p != nil {
			return &model.Match{ID: p.ID, Name: p.Name, CompanyRef: ref}, nil
		}
	}
	return nil, nil
}
