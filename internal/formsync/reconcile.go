package formsync

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"bloomsite/api/internal/logging"
)

type ReconcileStore interface {
	ListFormIDs(ctx context.Context) ([]string, error)
	EnqueueFormSync(ctx context.Context, formID string) error
}

// Reconciler periodically enqueues every form so the read model converges
// even if a document was edited or removed out of band.
type Reconciler struct {
	store  ReconcileStore
	notify func()
	cron   *cron.Cron
	log    zerolog.Logger
}

func NewReconciler(st ReconcileStore, notify func()) *Reconciler {
	return &Reconciler{
		store:  st,
		notify: notify,
		cron:   cron.New(),
		log:    logging.Component("formsync.reconcile"),
	}
}

// Start schedules EnqueueAll on spec, a standard cron expression or a
// descriptor such as "@every 1h". An empty spec disables reconciliation.
func (r *Reconciler) Start(spec string) error {
	if spec == "" {
		return nil
	}
	if _, err := r.cron.AddFunc(spec, func() {
		if _, err := r.EnqueueAll(context.Background()); err != nil {
			r.log.Error().Err(err).Msg("reconcile forms")
		}
	}); err != nil {
		return fmt.Errorf("schedule reconcile %q: %w", spec, err)
	}
	r.cron.Start()
	r.log.Info().Str("schedule", spec).Msg("form reconciliation scheduled")
	return nil
}

// Stop waits for a running job to finish.
func (r *Reconciler) Stop() {
	<-r.cron.Stop().Done()
}

func (r *Reconciler) EnqueueAll(ctx context.Context) (int, error) {
	ids, err := r.store.ListFormIDs(ctx)
	if err != nil {
		return 0, err
	}
	enqueued := 0
	for _, id := range ids {
		if err := r.store.EnqueueFormSync(ctx, id); err != nil {
			return enqueued, err
		}
		enqueued++
	}
	if enqueued > 0 && r.notify != nil {
		r.notify()
	}
	r.log.Info().Int("forms", enqueued).Msg("forms enqueued for resync")
	return enqueued, nil
}
