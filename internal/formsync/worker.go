// Package formsync rebuilds FormDefinition documents from the relational
// source of truth. Writes enqueue a form_sync_outbox row in their own
// transaction; the Worker drains those rows, so a rebuild only ever sees
// committed state and a failed upsert is retried instead of lost.
package formsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"

	"bloomsite/api/internal/docstore"
	"bloomsite/api/internal/formdef"
	"bloomsite/api/internal/logging"
	"bloomsite/api/internal/metrics"
	"bloomsite/api/internal/store"
)

const (
	DefaultMaxAttempts = 8
	DefaultLease       = 2 * time.Minute
)

type Store interface {
	ClaimFormSync(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]store.OutboxEntry, error)
	CompleteFormSync(ctx context.Context, formID string, generation int64) error
	RetryFormSync(ctx context.Context, formID string, generation int64, attempt int, nextAttemptAt time.Time, dead bool, lastError string) error
	SummarizeFormSync(ctx context.Context) (map[string]int, error)
	LoadFormTree(ctx context.Context, formID string) (store.FormTree, error)
}

// Indexer receives published definitions in publish order. An error fails
// the publish so the outbox row is retried.
type Indexer interface {
	IndexDefinition(ctx context.Context, def formdef.Definition) error
	RemoveDefinition(ctx context.Context, formID string) error
}

type Options struct {
	PollInterval time.Duration
	BatchSize    int
	Lease        time.Duration
	MaxAttempts  int
	Now          func() time.Time
}

type Worker struct {
	store   Store
	docs    docstore.Definitions
	indexer Indexer
	opts    Options
	wake    chan struct{}
	log     zerolog.Logger
}

func NewWorker(st Store, docs docstore.Definitions, indexer Indexer, opts Options) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 25
	}
	if opts.Lease <= 0 {
		opts.Lease = DefaultLease
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Worker{
		store:   st,
		docs:    docs,
		indexer: indexer,
		opts:    opts,
		wake:    make(chan struct{}, 1),
		log:     logging.Component("formsync"),
	}
}

// Notify wakes the worker after a committed write. It never blocks.
func (w *Worker) Notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run drains the outbox until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	w.log.Info().Dur("poll_interval", w.opts.PollInterval).Msg("form sync worker started")
	for {
		for {
			n, err := w.ProcessDue(ctx)
			if err != nil && ctx.Err() == nil {
				w.log.Error().Err(err).Msg("process outbox")
			}
			// A full batch usually means more rows are due.
			if err != nil || n < w.opts.BatchSize {
				break
			}
		}
		w.refreshDepth(ctx)

		select {
		case <-ctx.Done():
			w.log.Info().Msg("form sync worker stopped")
			return
		case <-ticker.C:
		case <-w.wake:
		}
	}
}

// ProcessDue claims one batch of due rows and handles each of them.
func (w *Worker) ProcessDue(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	now := w.opts.Now()
	entries, err := w.store.ClaimFormSync(ctx, now, w.opts.BatchSize, w.opts.Lease)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, entry := range entries {
		if err := w.process(ctx, entry); err != nil {
			return processed, err
		}
		processed++
	}
	return processed, nil
}

func (w *Worker) process(ctx context.Context, entry store.OutboxEntry) error {
	started := time.Now()
	tree, err := w.store.LoadFormTree(ctx, entry.FormID)
	if errors.Is(err, sql.ErrNoRows) {
		// The form is gone from the relational side; there is nothing to
		// publish and the read model keeps its last versions.
		metrics.RecordSync("skipped", time.Since(started))
		return w.store.CompleteFormSync(ctx, entry.FormID, entry.Generation)
	}
	if err != nil {
		return w.retry(ctx, entry, fmt.Errorf("load form tree: %w", err))
	}

	def, err := w.Publish(ctx, tree)
	if err != nil {
		return w.retry(ctx, entry, err)
	}

	if err := w.store.CompleteFormSync(ctx, entry.FormID, entry.Generation); err != nil {
		return err
	}
	metrics.RecordSync("success", time.Since(started))
	w.log.Info().
		Str("form_id", entry.FormID).
		Str("document_id", def.ID).
		Bool("is_active", def.IsActive).
		Dur("duration", time.Since(started)).
		Msg("form definition synced")
	return nil
}

func (w *Worker) retry(ctx context.Context, entry store.OutboxEntry, cause error) error {
	attempt := entry.AttemptCount + 1
	dead := attempt >= w.opts.MaxAttempts
	next := w.opts.Now().Add(Backoff(attempt))

	event := w.log.Error()
	outcome := "retry"
	if dead {
		outcome = "dead"
	}
	event.Err(cause).
		Str("form_id", entry.FormID).
		Int("attempt", attempt).
		Bool("dead_letter", dead).
		Time("next_attempt_at", next).
		Msg("form definition sync failed")
	metrics.RecordSync(outcome, 0)

	return w.store.RetryFormSync(ctx, entry.FormID, entry.Generation, attempt, next, dead, cause.Error())
}

// Publish builds the definition for tree, upserts it and demotes older
// versions of the same form so only one version is latest.
func (w *Worker) Publish(ctx context.Context, tree store.FormTree) (formdef.Definition, error) {
	def := formdef.Build(tree, w.opts.Now())

	versions, err := w.docs.ListDefinitionVersions(ctx, def.FormID)
	if err != nil {
		return formdef.Definition{}, fmt.Errorf("list definition versions: %w", err)
	}
	for _, existing := range versions {
		if existing.ID != def.ID && existing.VersionNumber > def.VersionNumber {
			def.IsLatest = false
		}
	}

	if err := w.docs.UpsertDefinition(ctx, def); err != nil {
		return formdef.Definition{}, err
	}

	if def.IsLatest {
		for _, existing := range versions {
			if existing.ID == def.ID || !existing.IsLatest || existing.VersionNumber > def.VersionNumber {
				continue
			}
			existing.IsLatest = false
			err := retry.Do(
				func() error { return w.docs.UpsertDefinition(ctx, existing) },
				retry.Attempts(3),
				retry.Delay(100*time.Millisecond),
				retry.Context(ctx),
				retry.LastErrorOnly(true),
			)
			if err != nil {
				return formdef.Definition{}, fmt.Errorf("demote %s: %w", existing.ID, err)
			}
		}
		if w.indexer != nil {
			var err error
			if def.IsActive {
				err = w.indexer.IndexDefinition(ctx, def)
			} else {
				err = w.indexer.RemoveDefinition(ctx, def.FormID)
			}
			if err != nil {
				return formdef.Definition{}, err
			}
		}
	}
	return def, nil
}

func (w *Worker) refreshDepth(ctx context.Context) {
	summary, err := w.store.SummarizeFormSync(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.log.Warn().Err(err).Msg("summarize outbox")
		}
		return
	}
	metrics.SetOutboxDepth(summary)
}

// Backoff doubles from one second per attempt and caps at five minutes.
func Backoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	if attempt > 10 {
		return 5 * time.Minute
	}
	backoff := time.Second << (attempt - 1)
	if backoff > 5*time.Minute {
		return 5 * time.Minute
	}
	return backoff
}
