package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gravixrdp/yt-automation/internal/logging"
	"github.com/gravixrdp/yt-automation/internal/storage"
)

// CredentialRefresher proactively renews tokens that are about to expire
type CredentialRefresher interface {
	RefreshExpiring(ctx context.Context) (int, error)
}

// ReconcileReport counts what one reconcile pass repaired
type ReconcileReport struct {
	StaleJobsReset       int64 `json:"staleJobsReset"`
	StaleCleanupsReset   int64 `json:"staleCleanupsReset"`
	ReservationsReleased int64 `json:"reservationsReleased"`
	ConflictsRequeued    int64 `json:"conflictsRequeued"`
	JobsPruned           int64 `json:"jobsPruned"`
	DailyUploadsPruned   int64 `json:"dailyUploadsPruned"`
	QuotaRowsPruned      int64 `json:"quotaRowsPruned"`
	CredentialsRefreshed int   `json:"credentialsRefreshed"`
}

// Reconciler repairs queue state left behind by crashes and keeps the
// store bounded. It is safe to run at any time.
type Reconciler struct {
	store         *storage.Store
	credentials   CredentialRefresher // optional
	staleWindow   time.Duration
	retentionDays int
}

// NewReconciler creates a new reconciler
func NewReconciler(store *storage.Store, credentials CredentialRefresher, staleWindow time.Duration, retentionDays int) (*Reconciler, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if staleWindow <= 0 {
		staleWindow = 2 * time.Hour
	}
	return &Reconciler{
		store:         store,
		credentials:   credentials,
		staleWindow:   staleWindow,
		retentionDays: retentionDays,
	}, nil
}

// Run performs one reconcile pass. Each step runs even if an earlier one
// failed; the returned error joins every failure.
func (r *Reconciler) Run(ctx context.Context) (*ReconcileReport, error) {
	logger := logging.FromContext(ctx)
	report := &ReconcileReport{}
	var errs []error

	n, err := r.store.Jobs.ResetStale(ctx, r.staleWindow)
	if err != nil {
		errs = append(errs, err)
	}
	report.StaleJobsReset = n

	n, err = r.store.Cleanup.ResetStale(ctx, r.staleWindow)
	if err != nil {
		errs = append(errs, err)
	}
	report.StaleCleanupsReset = n

	n, err = r.store.Ledger.ReleaseStale(ctx, r.store.Now().Add(-r.staleWindow))
	if err != nil {
		errs = append(errs, err)
	}
	report.ReservationsReleased = n

	n, err = r.store.Jobs.RequeueStatusConflicts(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	report.ConflictsRequeued = n

	pruned, err := r.store.PruneOldRecords(ctx, r.retentionDays)
	if err != nil {
		errs = append(errs, err)
	} else {
		report.JobsPruned = pruned.Jobs
		report.DailyUploadsPruned = pruned.DailyUploads
		report.QuotaRowsPruned = pruned.QuotaUsage
	}

	if r.credentials != nil {
		refreshed, err := r.credentials.RefreshExpiring(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("credential refresh: %w", err))
		}
		report.CredentialsRefreshed = refreshed
	}

	logger.WithFields(map[string]interface{}{
		"staleJobsReset":       report.StaleJobsReset,
		"staleCleanupsReset":   report.StaleCleanupsReset,
		"reservationsReleased": report.ReservationsReleased,
		"conflictsRequeued":    report.ConflictsRequeued,
		"jobsPruned":           report.JobsPruned,
		"dailyUploadsPruned":   report.DailyUploadsPruned,
		"quotaRowsPruned":      report.QuotaRowsPruned,
		"credentialsRefreshed": report.CredentialsRefreshed,
	}).Info("Reconcile complete")

	return report, errors.Join(errs...)
}
