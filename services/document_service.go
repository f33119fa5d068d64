package services

import (
	"context"
	"io"

	"github.com/google/uuid"
	"github.com/tas-knowledge-base/models"
)

// DocumentService owns the source document lifecycle: upload, listing,
// resync, and deletion. Pipeline work triggered here runs asynchronously.
type DocumentService interface {
	Upload(ctx context.Context, filename, contentType string, size int64, reader io.Reader) (*models.UploadResponse, error)
	List(ctx context.Context, filter models.DocumentListFilter) (*models.DocumentListResponse, error)
	Get(ctx context.Context, id uuid.UUID) (*models.DocumentDetail, error)
	Resync(ctx context.Context, id uuid.UUID) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListRuns(ctx context.Context, id uuid.UUID) ([]models.IngestionRun, error)
}

// DocumentStore is the metadata store owning SourceDocument rows and the
// chunk hierarchy. Multi-statement writes happen inside one transaction.
type DocumentStore interface {
	CreateDocument(ctx context.Context, doc *models.SourceDocument) error
	GetDocument(ctx context.Context, id uuid.UUID) (*models.SourceDocument, error)
	FindByFingerprint(ctx context.Context, fingerprint string) (*models.SourceDocument, error)
	ListDocuments(ctx context.Context, filter models.DocumentListFilter) (*models.DocumentListResponse, error)
	DeleteDocument(ctx context.Context, id uuid.UUID) error

	// TransitionStatus performs a guarded status update: the row moves to
	// `to` only if its current status is one of `from`. Returns false when
	// the guard did not match. Entering a non-ERROR state clears the error
	// message; entering COMPLETED also sets lastIngestedAt.
	TransitionStatus(ctx context.Context, id uuid.UUID, from []models.IngestionStatus, to models.IngestionStatus) (bool, error)

	// SetError moves the document to ERROR recording the failure message.
	SetError(ctx context.Context, id uuid.UUID, message string) error

	// ReplaceChunks swaps the document's chunk rows in a single transaction.
	ReplaceChunks(ctx context.Context, documentID uuid.UUID, rows []models.ChunkRecord) error
	CountChunks(ctx context.Context, documentID uuid.UUID) (int64, error)
	DeleteChunks(ctx context.Context, documentID uuid.UUID) error

	CreateRun(ctx context.Context, run *models.IngestionRun) error
	UpdateRun(ctx context.Context, run *models.IngestionRun) error
	ListRuns(ctx context.Context, documentID uuid.UUID) ([]models.IngestionRun, error)
}

// IngestQueue is the work-submission primitive for pipeline tasks. The
// upload handler enqueues and returns; a bounded worker pool executes.
type IngestQueue interface {
	EnqueueIngest(documentID uuid.UUID, trigger models.RunTrigger) error
	EnqueueDelete(documentID uuid.UUID) error
}
