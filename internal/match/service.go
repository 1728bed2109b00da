package match

import (
	"context"
	"log"
)

// Service is the facade that tries Meilisearch first and falls back to the
// Postgres token index. Unlike a search box, a match query feeds cascade
// decisions, so a failure is returned to the caller instead of being
// swallowed: the propagation layer distinguishes "no matches" from "index
// lookup failed".
type Service struct {
	meili *Meili
	pg    *PG
}

// NewService creates a match service. meili may be nil if Meilisearch is
// not configured.
func NewService(meili *Meili, pg *PG) *Service {
	return &Service{meili: meili, pg: pg}
}

func (s *Service) Healthy() bool {
	return true
}

// FindMatchingTokens prefers Meilisearch when healthy and falls back to
// Postgres on error.
func (s *Service) FindMatchingTokens(ctx context.Context, projectID, value string, excludeTokenIDs []string) ([]Hit, error) {
	if s.meili != nil && s.meili.Healthy() {
		hits, err := s.meili.FindMatchingTokens(ctx, projectID, value, excludeTokenIDs)
		if err == nil {
			return hits, nil
		}
		log.Printf("match: meilisearch error, falling back to postgres: %v", err)
	}
	return s.pg.FindMatchingTokens(ctx, projectID, value, excludeTokenIDs)
}

// IndexProjectTokens pushes a project's tokens to Meilisearch
// (fire-and-forget, called after corpus upload).
func (s *Service) IndexProjectTokens(ctx context.Context, projectID string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	records, err := s.pg.LoadProjectRecords(ctx, projectID)
	if err != nil {
		log.Printf("match: load records for %s: %v", projectID, err)
		return
	}
	go func() {
		if err := s.meili.IndexTokens(records); err != nil {
			log.Printf("match: index project %s: %v", projectID, err)
		}
	}()
}

// ReplaceTextTokens updates the index after a merge rewrote a text's
// token sequence (fire-and-forget).
func (s *Service) ReplaceTextTokens(removedTokenIDs []string, added []TokenRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteTokens(removedTokenIDs); err != nil {
			log.Printf("match: delete merged tokens: %v", err)
		}
		if err := s.meili.IndexTokens(added); err != nil {
			log.Printf("match: index merged tokens: %v", err)
		}
	}()
}
