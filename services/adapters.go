package services

import (
	"context"
	"io"

	"github.com/tas-knowledge-base/models"
)

// BlobStore places and fetches original file bytes in an object store.
// Handles are opaque locators generated at upload time.
type BlobStore interface {
	Put(ctx context.Context, handle string, reader io.Reader, size int64, contentType string) error
	Get(ctx context.Context, handle string) (io.ReadCloser, error)
	Delete(ctx context.Context, handle string) error
	Exists(ctx context.Context, handle string) (bool, error)
}

// DocumentParser invokes the external parser service and returns the typed
// element stream for a file. Parsing hints are derived from the file type.
type DocumentParser interface {
	Parse(ctx context.Context, reader io.Reader, filename string, fileType models.FileType) ([]models.ParsedElement, error)
}

// Embedder turns text into fixed-dimensionality vectors via the external
// embedding model server.
type Embedder interface {
	// Embed embeds a single text (used for queries).
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedChunks annotates chunks with vectors in order, batching requests.
	EmbedChunks(ctx context.Context, chunks []models.StructuredChunk) ([]models.StructuredChunk, error)

	// Dimension is the fixed vector dimensionality of the deployment.
	Dimension() int
}

// SearchIndex is the lexical + vector store holding chunk bodies.
type SearchIndex interface {
	// EnsureIndex creates the index with its mapping if it does not exist.
	EnsureIndex(ctx context.Context) error

	// BulkIndex writes chunks (with vectors) keyed by chunk id. Any per-item
	// failure fails the whole call.
	BulkIndex(ctx context.Context, chunks []models.StructuredChunk) error

	// Search runs the blended lexical + vector query and returns raw hits
	// sorted by descending combined score.
	Search(ctx context.Context, query string, vector []float32, topK int) ([]models.IndexedChunkHit, error)

	// GetChunkContent fetches one chunk's content field by id.
	GetChunkContent(ctx context.Context, chunkID string) (string, error)

	// DeleteByDocument removes every chunk of a document. A missing index is
	// treated as success.
	DeleteByDocument(ctx context.Context, documentID string) error
}

// CacheService caches search responses. Implementations degrade to a no-op
// or in-memory cache when the backing store is unavailable.
type CacheService interface {
	GetSearchResponse(ctx context.Context, key string) (*models.SearchResponse, error)
	SetSearchResponse(ctx context.Context, key string, resp *models.SearchResponse) error
	InvalidateSearch(ctx context.Context) error
}
