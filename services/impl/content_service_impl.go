package impl

import (
	"context"

	"github.com/tas-knowledge-base/config"
	"github.com/tas-knowledge-base/errs"
	"github.com/tas-knowledge-base/models"
	"github.com/tas-knowledge-base/services"
)

type contentServiceImpl struct {
	index            services.SearchIndex
	estimator        services.TokenEstimator
	defaultMaxTokens int
}

func NewContentService(index services.SearchIndex, estimator services.TokenEstimator, cfg *config.ContentConfig) services.ContentService {
	return &contentServiceImpl{
		index:            index,
		estimator:        estimator,
		defaultMaxTokens: cfg.DefaultMaxTokens,
	}
}

// GetContent returns one chunk's full text, truncated to the token budget
// when the estimate exceeds it.
func (s *contentServiceImpl) GetContent(ctx context.Context, req models.GetContentRequest) (*models.ChunkContentResult, error) {
	if req.ChunkID == "" {
		return nil, errs.New(errs.KindValidationFailed, "chunk_id is required")
	}

	maxTokens := s.defaultMaxTokens
	if req.MaxTokens != nil {
		if *req.MaxTokens <= 0 {
			return nil, errs.New(errs.KindValidationFailed, "max_tokens must be positive")
		}
		maxTokens = *req.MaxTokens
	}

	content, err := s.index.GetChunkContent(ctx, req.ChunkID)
	if err != nil {
		return nil, err
	}

	tokens := s.estimator.Count(content)
	truncated := false
	if tokens > maxTokens {
		content = truncateToTokens(content, maxTokens, s.estimator)
		tokens = s.estimator.Count(content)
		truncated = true
	}

	return &models.ChunkContentResult{
		ChunkID:   req.ChunkID,
		Content:   content,
		Truncated: truncated,
		TokenInfo: models.TokenInfo{
			Tokenizer:    s.estimator.Name(),
			ActualTokens: tokens,
		},
	}, nil
}

// truncateToTokens finds a rune prefix whose estimated token count fits the
// budget by binary search over the prefix length. With a strictly monotone
// counter (the heuristic estimator) the prefix is maximal; real BPE counts
// can dip when tokens merge across the cut, so the result may be slightly
// shorter than the longest admissible prefix but never over budget. Cutting
// on a rune boundary keeps the output valid UTF-8.
func truncateToTokens(content string, maxTokens int, estimator services.TokenEstimator) string {
	runes := []rune(content)

	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if estimator.Count(string(runes[:mid])) <= maxTokens {
			lo = mid
		} else {
			hi = mid - 1
		}
	}

	return string(runes[:lo])
}
