package services

import (
	"context"

	"github.com/tas-knowledge-base/models"
)

// SearchService answers exploratory queries with chunk summaries ranked by
// the blended lexical + vector score.
type SearchService interface {
	Search(ctx context.Context, query string, topK int) (*models.SearchResponse, error)
}

// ContentService returns one chunk's full text under a token budget.
type ContentService interface {
	GetContent(ctx context.Context, req models.GetContentRequest) (*models.ChunkContentResult, error)
}

// TokenEstimator counts tokens for budget enforcement. Count should be
// monotone in the text prefix; with an approximately monotone counter (real
// BPE encodings), truncation stays within budget but may not keep the
// longest admissible prefix.
type TokenEstimator interface {
	Name() string
	Count(text string) int
}
