package search

import (
	"context"
	"log"

	"gatehouse/bot/internal/registry"
)

// transcriptStore is the fallback query surface, served by Postgres.
type transcriptStore interface {
	SearchTranscripts(ctx context.Context, serverID, query string, limit int) ([]registry.Transcript, error)
}

// Service is the facade that tries Meilisearch first and falls back to
// the transcript table.
type Service struct {
	meili *Meili
	store transcriptStore
}

// NewService creates a search service. meili may be nil when Meilisearch
// is not configured.
func NewService(meili *Meili, store transcriptStore) *Service {
	return &Service{meili: meili, store: store}
}

// Search tries Meilisearch if healthy, otherwise queries Postgres.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to postgres: %v", err)
	}

	rows, err := s.store.SearchTranscripts(ctx, q.ServerID, q.Text, q.Limit)
	if err != nil {
		log.Printf("search: postgres fallback error: %v", err)
		return Response{Results: []Result{}, Query: q.Text}
	}

	results := make([]Result, 0, len(rows))
	for _, tr := range rows {
		results = append(results, Result{
			ID:        tr.ID,
			ServerID:  tr.ServerID,
			ChannelID: tr.ChannelID,
			OwnerID:   tr.OwnerID,
			Scope:     tr.Scope,
			ObjectKey: tr.ObjectKey,
			Snippet:   snippet(tr.Body),
		})
	}
	return Response{Results: results, Total: len(results), Query: q.Text}
}

// IndexTranscript pushes one transcript to Meilisearch, fire-and-forget.
// Postgres already holds the authoritative copy.
func (s *Service) IndexTranscript(tr registry.Transcript) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	rec := TranscriptRecord{
		ID:         tr.ID,
		ServerID:   tr.ServerID,
		ChannelID:  tr.ChannelID,
		OwnerID:    tr.OwnerID,
		Scope:      tr.Scope,
		Body:       tr.Body,
		ObjectKey:  tr.ObjectKey,
		Incomplete: tr.Incomplete,
		CreatedAt:  tr.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
	}
	go func() {
		if err := s.meili.IndexTranscript(rec); err != nil {
			log.Printf("search: index transcript %s: %v", rec.ID, err)
		}
	}()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
