package impl

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"strings"

	"github.com/tas-knowledge-base/config"
	"github.com/tas-knowledge-base/errs"
	"github.com/tas-knowledge-base/models"
	"github.com/tas-knowledge-base/services"
)

// maxTopK bounds how many hits a single search may request from the index.
const maxTopK = 200

type searchServiceImpl struct {
	index      services.SearchIndex
	embedder   services.Embedder
	cache      services.CacheService
	snippetMax int
	defaultK   int
}

func NewSearchService(index services.SearchIndex, embedder services.Embedder, cache services.CacheService, cfg *config.SearchConfig) services.SearchService {
	return &searchServiceImpl{
		index:      index,
		embedder:   embedder,
		cache:      cache,
		snippetMax: cfg.SnippetMaxLength,
		defaultK:   cfg.DefaultTopK,
	}
}

func (s *searchServiceImpl) Search(ctx context.Context, query string, topK int) (*models.SearchResponse, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errs.New(errs.KindValidationFailed, "query must not be empty")
	}
	if topK <= 0 {
		topK = s.defaultK
	}
	if topK > maxTopK {
		topK = maxTopK
	}

	cacheKey := searchCacheKey(query, topK)
	if cached, err := s.cache.GetSearchResponse(ctx, cacheKey); err == nil && cached != nil {
		return cached, nil
	}

	vector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		if errs.KindOf(err) == errs.KindExternalUnavailable {
			return nil, err
		}
		return nil, errs.Wrap(errs.KindSearchFailed, "failed to embed query", err)
	}

	hits, err := s.index.Search(ctx, query, vector, topK)
	if err != nil {
		return nil, err
	}

	response := &models.SearchResponse{
		Query:   query,
		Results: s.summarize(hits),
	}

	if err := s.cache.SetSearchResponse(ctx, cacheKey, response); err != nil {
		log.Printf("Failed to cache search response: %v", err)
	}

	return response, nil
}

// summarize converts raw hits into client-facing summaries: snippets instead
// of bodies, and scores normalized against the best hit of this response so
// the top result is always 1.0.
func (s *searchServiceImpl) summarize(hits []models.IndexedChunkHit) []models.SearchResultItem {
	results := make([]models.SearchResultItem, 0, len(hits))
	if len(hits) == 0 {
		return results
	}

	maxScore := hits[0].Score
	for _, h := range hits[1:] {
		if h.Score > maxScore {
			maxScore = h.Score
		}
	}

	for _, h := range hits {
		score := h.Score
		if maxScore > 0 {
			score = h.Score / maxScore
		}

		breadcrumbs := ""
		if h.Metadata != nil {
			if bc, ok := h.Metadata["breadcrumbs"].(string); ok {
				breadcrumbs = bc
			}
		}

		title := h.Title
		if title == "" {
			title = "Untitled"
		}

		results = append(results, models.SearchResultItem{
			ChunkID:        h.ChunkID,
			Title:          title,
			Snippet:        Snippet(h.Content, s.snippetMax),
			RelevanceScore: score,
			Breadcrumbs:    breadcrumbs,
		})
	}

	return results
}

// Snippet trims surrounding whitespace and truncates content to at most max
// characters, appending an ellipsis marker when anything was cut. Truncation
// never splits a UTF-8 rune.
func Snippet(content string, max int) string {
	content = strings.TrimSpace(content)
	runes := []rune(content)
	if len(runes) <= max {
		return content
	}
	return string(runes[:max]) + "..."
}

func searchCacheKey(query string, topK int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d:%s", topK, query)))
	return "search:" + hex.EncodeToString(sum[:16])
}
