package models

import (
	"time"

	"github.com/google/uuid"
)

type FileType string
type IngestionStatus string

const (
	FileTypePDF      FileType = "PDF"
	FileTypeMarkdown FileType = "MARKDOWN"
	FileTypeText     FileType = "TEXT"

	StatusPending   IngestionStatus = "PENDING"
	StatusParsing   IngestionStatus = "PARSING"
	StatusChunking  IngestionStatus = "CHUNKING"
	StatusEmbedding IngestionStatus = "EMBEDDING"
	StatusIndexing  IngestionStatus = "INDEXING"
	StatusCompleted IngestionStatus = "COMPLETED"
	StatusError     IngestionStatus = "ERROR"
	StatusDeleting  IngestionStatus = "DELETING"
)

// ProcessingStatuses are the states during which a pipeline owns the document
// and resync/delete requests must be refused.
var ProcessingStatuses = []IngestionStatus{
	StatusParsing,
	StatusChunking,
	StatusEmbedding,
	StatusIndexing,
}

// IsProcessing reports whether a pipeline run is currently active.
func (s IngestionStatus) IsProcessing() bool {
	for _, p := range ProcessingStatuses {
		if s == p {
			return true
		}
	}
	return false
}

// SourceDocument represents a single ingested file. Rows are created at
// upload, mutated only by the ingestion coordinator, and removed at the end
// of the deletion pipeline.
type SourceDocument struct {
	ID               uuid.UUID       `json:"id" gorm:"type:uuid;primaryKey"`
	OriginalFilename string          `json:"original_filename" gorm:"not null"`
	StorageHandle    string          `json:"-" gorm:"not null"`
	FileType         FileType        `json:"file_type" gorm:"not null"`
	ByteLength       int64           `json:"byte_length" gorm:"not null"`
	Fingerprint      string          `json:"fingerprint" gorm:"size:64;uniqueIndex;not null"`
	Status           IngestionStatus `json:"status" gorm:"not null;default:PENDING;index"`
	ErrorMessage     *string         `json:"error_message,omitempty"`
	LastIngestedAt   *time.Time      `json:"last_ingested_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

func (SourceDocument) TableName() string {
	return "source_documents"
}

// UploadResponse is returned to the caller once a document is accepted.
type UploadResponse struct {
	SourceDocumentID uuid.UUID `json:"source_document_id"`
	OriginalFilename string    `json:"original_filename"`
}

// DocumentListFilter carries pagination for document listings.
// Page is 0-based; Sort is "<field>,<asc|desc>".
type DocumentListFilter struct {
	Page int    `json:"page"`
	Size int    `json:"size"`
	Sort string `json:"sort"`
}

type DocumentListResponse struct {
	Documents []SourceDocument `json:"documents"`
	Total     int64            `json:"total"`
	Page      int              `json:"page"`
	Size      int              `json:"size"`
}

// DocumentDetail is the single-document view including derived counts.
type DocumentDetail struct {
	SourceDocument
	ChunkCount int64 `json:"chunk_count"`
}
