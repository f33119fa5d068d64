package models

// SearchResultItem is one hit of a hybrid search, carrying a summary of the
// chunk rather than its full body.
type SearchResultItem struct {
	ChunkID        string  `json:"chunk_id"`
	Title          string  `json:"title"`
	Snippet        string  `json:"snippet"`
	RelevanceScore float64 `json:"relevance_score"`
	Breadcrumbs    string  `json:"breadcrumbs,omitempty"`
}

type SearchResponse struct {
	Query   string             `json:"query"`
	Results []SearchResultItem `json:"results"`
}

// IndexedChunkHit is a raw hit from the search index before snippet and
// score normalization are applied.
type IndexedChunkHit struct {
	ChunkID          string         `json:"chunk_id"`
	SourceDocumentID string         `json:"source_document_id"`
	Title            string         `json:"title"`
	Content          string         `json:"content"`
	HierarchyLevel   int            `json:"hierarchy_level"`
	FileType         string         `json:"file_type"`
	Score            float64        `json:"score"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// GetContentRequest asks for one chunk's text under a token budget.
type GetContentRequest struct {
	ChunkID   string `json:"chunk_id" binding:"required"`
	MaxTokens *int   `json:"max_tokens,omitempty"`
}

type TokenInfo struct {
	Tokenizer    string `json:"tokenizer"`
	ActualTokens int    `json:"actual_tokens"`
}

type ChunkContentResult struct {
	ChunkID   string    `json:"chunk_id"`
	Content   string    `json:"content"`
	Truncated bool      `json:"truncated"`
	TokenInfo TokenInfo `json:"token_info"`
}
