package search

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"bloomsite/api/internal/formdef"
	"bloomsite/api/internal/logging"
)

// backend is the Meilisearch surface Service depends on.
type backend interface {
	Searcher
	IndexForm(record FormRecord) error
	IndexForms(records []FormRecord) error
	DeleteForm(formID string) error
}

type recordLoader interface {
	Searcher
	LoadAllRecords(ctx context.Context) ([]FormRecord, error)
}

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili backend
	pgfts recordLoader
	log   zerolog.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	s := &Service{log: logging.Component("search")}
	if meili != nil {
		s.meili = meili
	}
	if pgfts != nil {
		s.pgfts = pgfts
	}
	return s
}

func (s *Service) meiliReady() bool {
	return s.meili != nil && s.meili.Healthy()
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.meiliReady() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.Warn().Err(err).Msg("meilisearch error, falling back to pgfts")
	}
	if s.pgfts == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		s.log.Error().Err(err).Msg("pgfts search")
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexDefinition adds or replaces a published definition in Meilisearch.
// It is a no-op while Meilisearch is unconfigured or unhealthy; the
// reconciler republishes every form once it is back.
func (s *Service) IndexDefinition(_ context.Context, def formdef.Definition) error {
	if !s.meiliReady() {
		return nil
	}
	record := RecordFromDefinition(def)
	if err := s.meili.IndexForm(record); err != nil {
		return fmt.Errorf("index form %s: %w", record.ID, err)
	}
	return nil
}

// RemoveDefinition drops a deactivated form from the index.
func (s *Service) RemoveDefinition(_ context.Context, formID string) error {
	if !s.meiliReady() {
		return nil
	}
	if err := s.meili.DeleteForm(formID); err != nil {
		return fmt.Errorf("remove form %s from index: %w", formID, err)
	}
	return nil
}

// ReindexAllFromPG pushes every active form from PostgreSQL into Meilisearch.
// Called during Bootstrap.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if !s.meiliReady() || s.pgfts == nil {
		return
	}
	records, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("reindex load failed")
		return
	}
	if err := s.meili.IndexForms(records); err != nil {
		s.log.Error().Err(err).Msg("reindex forms")
		return
	}
	s.log.Info().Int("forms", len(records)).Msg("search index rebuilt")
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
