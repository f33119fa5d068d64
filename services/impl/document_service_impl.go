package impl

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tas-knowledge-base/config"
	"github.com/tas-knowledge-base/errs"
	"github.com/tas-knowledge-base/models"
	"github.com/tas-knowledge-base/services"
)

type documentServiceImpl struct {
	store    services.DocumentStore
	blobs    services.BlobStore
	queue    services.IngestQueue
	maxBytes int64
}

func NewDocumentService(store services.DocumentStore, blobs services.BlobStore, queue services.IngestQueue, cfg *config.UploadConfig) services.DocumentService {
	return &documentServiceImpl{
		store:    store,
		blobs:    blobs,
		queue:    queue,
		maxBytes: cfg.MaxBytes,
	}
}

// contentTypeMap resolves declared MIME types to supported file types.
var contentTypeMap = map[string]models.FileType{
	"application/pdf": models.FileTypePDF,
	"text/markdown":   models.FileTypeMarkdown,
	"text/x-markdown": models.FileTypeMarkdown,
	"text/plain":      models.FileTypeText,
}

// extensionMap is the fallback when the declared content type is absent or
// generic (e.g. application/octet-stream from curl).
var extensionMap = map[string]models.FileType{
	".pdf":      models.FileTypePDF,
	".md":       models.FileTypeMarkdown,
	".markdown": models.FileTypeMarkdown,
	".txt":      models.FileTypeText,
}

// ResolveFileType determines the file type from the declared content type
// first, then the filename extension.
func ResolveFileType(filename, contentType string) (models.FileType, error) {
	if contentType != "" {
		mediaType, _, err := mime.ParseMediaType(contentType)
		if err == nil {
			if ft, ok := contentTypeMap[mediaType]; ok {
				return ft, nil
			}
		}
	}

	ext := strings.ToLower(filepath.Ext(filename))
	if ft, ok := extensionMap[ext]; ok {
		return ft, nil
	}

	return "", errs.Newf(errs.KindUnsupportedMediaType, "unsupported file type for %q (content type %q)", filename, contentType)
}

func (s *documentServiceImpl) Upload(ctx context.Context, filename, contentType string, size int64, reader io.Reader) (*models.UploadResponse, error) {
	if filename == "" {
		return nil, errs.New(errs.KindValidationFailed, "filename is required")
	}
	if size > s.maxBytes {
		return nil, errs.Newf(errs.KindPayloadTooLarge, "file size %d exceeds limit %d", size, s.maxBytes)
	}

	fileType, err := ResolveFileType(filename, contentType)
	if err != nil {
		return nil, err
	}

	// Buffer the upload once: the fingerprint needs a full pass and the blob
	// store needs an exact length. The declared size is not trusted.
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(reader, s.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	if n > s.maxBytes {
		return nil, errs.Newf(errs.KindPayloadTooLarge, "file size exceeds limit %d", s.maxBytes)
	}
	if n == 0 {
		return nil, errs.New(errs.KindValidationFailed, "uploaded file is empty")
	}

	sum := sha256.Sum256(buf.Bytes())
	fingerprint := hex.EncodeToString(sum[:])

	existing, err := s.store.FindByFingerprint(ctx, fingerprint)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, errs.Newf(errs.KindDuplicate, "identical content already ingested as document %s", existing.ID)
	}

	doc := &models.SourceDocument{
		ID:               uuid.New(),
		OriginalFilename: filename,
		StorageHandle:    NewStorageHandle(time.Now(), filename),
		FileType:         fileType,
		ByteLength:       n,
		Fingerprint:      fingerprint,
		Status:           models.StatusPending,
		CreatedAt:        time.Now(),
		UpdatedAt:        time.Now(),
	}

	if err := s.blobs.Put(ctx, doc.StorageHandle, bytes.NewReader(buf.Bytes()), n, contentType); err != nil {
		return nil, err
	}

	if err := s.store.CreateDocument(ctx, doc); err != nil {
		// Concurrent upload of the same content can slip past the
		// fingerprint pre-check; the unique index is the real guard.
		if delErr := s.blobs.Delete(ctx, doc.StorageHandle); delErr != nil {
			log.Printf("Failed to clean up blob %s after rejected upload: %v", doc.StorageHandle, delErr)
		}
		return nil, err
	}

	if err := s.queue.EnqueueIngest(doc.ID, models.RunTriggerUpload); err != nil {
		// Undo the accepted upload so an identical retry is not rejected
		// as a duplicate of a row that never entered the pipeline.
		if delErr := s.store.DeleteDocument(ctx, doc.ID); delErr != nil {
			log.Printf("Failed to clean up document %s after enqueue failure: %v", doc.ID, delErr)
		}
		if delErr := s.blobs.Delete(ctx, doc.StorageHandle); delErr != nil {
			log.Printf("Failed to clean up blob %s after enqueue failure: %v", doc.StorageHandle, delErr)
		}
		return nil, err
	}

	log.Printf("Accepted document %s (%s, %d bytes) for ingestion", doc.ID, fileType, n)

	return &models.UploadResponse{
		SourceDocumentID: doc.ID,
		OriginalFilename: doc.OriginalFilename,
	}, nil
}

func (s *documentServiceImpl) List(ctx context.Context, filter models.DocumentListFilter) (*models.DocumentListResponse, error) {
	return s.store.ListDocuments(ctx, filter)
}

func (s *documentServiceImpl) Get(ctx context.Context, id uuid.UUID) (*models.DocumentDetail, error) {
	doc, err := s.store.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	count, err := s.store.CountChunks(ctx, id)
	if err != nil {
		return nil, err
	}
	return &models.DocumentDetail{SourceDocument: *doc, ChunkCount: count}, nil
}

func (s *documentServiceImpl) Resync(ctx context.Context, id uuid.UUID) error {
	doc, err := s.store.GetDocument(ctx, id)
	if err != nil {
		return err
	}
	if doc.Status.IsProcessing() {
		return errs.Newf(errs.KindConflictProcessing, "document %s is being processed (status %s)", id, doc.Status)
	}
	if doc.Status == models.StatusDeleting {
		return errs.Newf(errs.KindConflictProcessing, "document %s is being deleted", id)
	}

	// Reset to PENDING before enqueueing; workers only claim PENDING rows.
	moved, err := s.store.TransitionStatus(ctx, id,
		[]models.IngestionStatus{models.StatusCompleted, models.StatusError},
		models.StatusPending)
	if err != nil {
		return err
	}
	if !moved {
		return errs.Newf(errs.KindConflictProcessing, "document %s is being processed", id)
	}

	if err := s.queue.EnqueueIngest(id, models.RunTriggerResync); err != nil {
		// Put the document back so the failed resync does not strand it
		// in PENDING with no queued work.
		if _, revErr := s.store.TransitionStatus(ctx, id,
			[]models.IngestionStatus{models.StatusPending}, doc.Status); revErr != nil {
			log.Printf("Failed to revert document %s to %s after enqueue failure: %v", id, doc.Status, revErr)
		}
		return err
	}
	log.Printf("Enqueued resync for document %s", id)
	return nil
}

func (s *documentServiceImpl) Delete(ctx context.Context, id uuid.UUID) error {
	doc, err := s.store.GetDocument(ctx, id)
	if err != nil {
		return err
	}
	if doc.Status.IsProcessing() {
		return errs.Newf(errs.KindConflictProcessing, "document %s is being processed (status %s)", id, doc.Status)
	}

	// DELETING is re-enterable so a crashed deletion can be retried.
	moved, err := s.store.TransitionStatus(ctx, id,
		[]models.IngestionStatus{models.StatusPending, models.StatusCompleted, models.StatusError, models.StatusDeleting},
		models.StatusDeleting)
	if err != nil {
		return err
	}
	if !moved {
		return errs.Newf(errs.KindConflictProcessing, "document %s is being processed", id)
	}

	if err := s.queue.EnqueueDelete(id); err != nil {
		return err
	}
	log.Printf("Enqueued deletion for document %s", id)
	return nil
}

func (s *documentServiceImpl) ListRuns(ctx context.Context, id uuid.UUID) ([]models.IngestionRun, error) {
	if _, err := s.store.GetDocument(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListRuns(ctx, id)
}
