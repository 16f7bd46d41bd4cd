package search

import (
	"context"
	"log"
)

// Service is the facade that tries Meilisearch first and falls back to the
// Postgres directory.
type Service struct {
	meili    *Meili
	fallback Directory
}

// NewService creates a search service. meili may be nil if Meilisearch is not
// configured.
func NewService(meili *Meili, fallback Directory) *Service {
	return &Service{meili: meili, fallback: fallback}
}

// SearchUsers tries Meilisearch if healthy, otherwise falls back to Postgres.
func (s *Service) SearchUsers(ctx context.Context, q Query) ([]UserRecord, int, error) {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.SearchUsers(ctx, q)
		if err == nil {
			return results, total, nil
		}
		log.Printf("search: meilisearch error, falling back to postgres: %v", err)
	}
	return s.fallback.SearchUsers(ctx, q)
}

// SearchCommunities tries Meilisearch if healthy, otherwise falls back to
// Postgres.
func (s *Service) SearchCommunities(ctx context.Context, q Query) ([]CommunityRecord, int, error) {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.SearchCommunities(ctx, q)
		if err == nil {
			return results, total, nil
		}
		log.Printf("search: meilisearch error, falling back to postgres: %v", err)
	}
	return s.fallback.SearchCommunities(ctx, q)
}

// IndexUser pushes a user into the directory index (fire-and-forget).
func (s *Service) IndexUser(u UserRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexUser(u); err != nil {
			log.Printf("search: index user %s: %v", u.ID, err)
		}
	}()
}

// IndexCommunity pushes a community into the directory index
// (fire-and-forget).
func (s *Service) IndexCommunity(c CommunityRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexCommunity(c); err != nil {
			log.Printf("search: index community %s: %v", c.ID, err)
		}
	}()
}

// RemoveCommunity drops a community from the directory index
// (fire-and-forget).
func (s *Service) RemoveCommunity(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteCommunity(id); err != nil {
			log.Printf("search: delete community %s: %v", id, err)
		}
	}()
}

// ReindexAll bulk-pushes the given records into Meilisearch. Called during
// bootstrap so a fresh index catches up with the store.
func (s *Service) ReindexAll(users []UserRecord, communities []CommunityRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	if err := s.meili.IndexUsers(users); err != nil {
		log.Printf("search: reindex users: %v", err)
	}
	if err := s.meili.IndexCommunities(communities); err != nil {
		log.Printf("search: reindex communities: %v", err)
	}
}
