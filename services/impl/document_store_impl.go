package impl

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tas-knowledge-base/errs"
	"github.com/tas-knowledge-base/models"
	"github.com/tas-knowledge-base/services"
)

type documentStoreImpl struct {
	db *gorm.DB
}

func NewDocumentStore(db *gorm.DB) services.DocumentStore {
	return &documentStoreImpl{
		db: db,
	}
}

func (s *documentStoreImpl) CreateDocument(ctx context.Context, doc *models.SourceDocument) error {
	if err := s.db.WithContext(ctx).Create(doc).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return errs.Newf(errs.KindDuplicate, "a document with fingerprint %s already exists", doc.Fingerprint)
		}
		return fmt.Errorf("failed to create document: %w", err)
	}
	return nil
}

func (s *documentStoreImpl) GetDocument(ctx context.Context, id uuid.UUID) (*models.SourceDocument, error) {
	var doc models.SourceDocument
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&doc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.Newf(errs.KindSourceDocumentNotFound, "source document %s not found", id)
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return &doc, nil
}

func (s *documentStoreImpl) FindByFingerprint(ctx context.Context, fingerprint string) (*models.SourceDocument, error) {
	var doc models.SourceDocument
	if err := s.db.WithContext(ctx).Where("fingerprint = ?", fingerprint).First(&doc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to look up fingerprint: %w", err)
	}
	return &doc, nil
}

// documentSortColumns whitelists sortable fields against injection through
// the sort query parameter.
var documentSortColumns = map[string]string{
	"createdAt":        "created_at",
	"updatedAt":        "updated_at",
	"originalFilename": "original_filename",
	"status":           "status",
	"byteLength":       "byte_length",
}

func (s *documentStoreImpl) ListDocuments(ctx context.Context, filter models.DocumentListFilter) (*models.DocumentListResponse, error) {
	page := filter.Page
	if page < 0 {
		page = 0
	}
	size := filter.Size
	if size <= 0 {
		size = 20
	}
	if size > 100 {
		size = 100
	}

	column, direction := "created_at", "DESC"
	if filter.Sort != "" {
		parts := strings.SplitN(filter.Sort, ",", 2)
		if mapped, ok := documentSortColumns[parts[0]]; ok {
			column = mapped
		}
		if len(parts) == 2 && strings.EqualFold(parts[1], "asc") {
			direction = "ASC"
		}
	}

	var total int64
	if err := s.db.WithContext(ctx).Model(&models.SourceDocument{}).Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count documents: %w", err)
	}

	var docs []models.SourceDocument
	if err := s.db.WithContext(ctx).
		Order(fmt.Sprintf("%s %s", column, direction)).
		Offset(page * size).
		Limit(size).
		Find(&docs).Error; err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}

	return &models.DocumentListResponse{
		Documents: docs,
		Total:     total,
		Page:      page,
		Size:      size,
	}, nil
}

func (s *documentStoreImpl) DeleteDocument(ctx context.Context, id uuid.UUID) error {
	result := s.db.WithContext(ctx).Where("id = ?", id).Delete(&models.SourceDocument{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete document: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return errs.Newf(errs.KindSourceDocumentNotFound, "source document %s not found", id)
	}
	return nil
}

// TransitionStatus is the compare-and-set guard that gives each document at
// most one active pipeline: UPDATE ... WHERE status IN (from). A false return
// means another transition won the race.
func (s *documentStoreImpl) TransitionStatus(ctx context.Context, id uuid.UUID, from []models.IngestionStatus, to models.IngestionStatus) (bool, error) {
	updates := map[string]any{
		"status":     to,
		"updated_at": time.Now(),
	}
	if to != models.StatusError {
		updates["error_message"] = nil
	}
	if to == models.StatusCompleted {
		updates["last_ingested_at"] = time.Now()
	}

	result := s.db.WithContext(ctx).
		Model(&models.SourceDocument{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return false, fmt.Errorf("failed to transition document status: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (s *documentStoreImpl) SetError(ctx context.Context, id uuid.UUID, message string) error {
	result := s.db.WithContext(ctx).
		Model(&models.SourceDocument{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":        models.StatusError,
			"error_message": message,
			"updated_at":    time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to record document error: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return errs.Newf(errs.KindSourceDocumentNotFound, "source document %s not found", id)
	}
	return nil
}

// ReplaceChunks swaps a document's chunk rows atomically. Readers never see a
// partially written hierarchy.
func (s *documentStoreImpl) ReplaceChunks(ctx context.Context, documentID uuid.UUID, rows []models.ChunkRecord) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ?", documentID).Delete(&models.ChunkRecord{}).Error; err != nil {
			return fmt.Errorf("failed to delete old chunk rows: %w", err)
		}
		if len(rows) > 0 {
			if err := tx.CreateInBatches(rows, 500).Error; err != nil {
				return fmt.Errorf("failed to insert chunk rows: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to replace chunks for document %s: %w", documentID, err)
	}
	return nil
}

func (s *documentStoreImpl) CountChunks(ctx context.Context, documentID uuid.UUID) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&models.ChunkRecord{}).
		Where("document_id = ?", documentID).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return count, nil
}

func (s *documentStoreImpl) DeleteChunks(ctx context.Context, documentID uuid.UUID) error {
	if err := s.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Delete(&models.ChunkRecord{}).Error; err != nil {
		return fmt.Errorf("failed to delete chunk rows: %w", err)
	}
	return nil
}

func (s *documentStoreImpl) CreateRun(ctx context.Context, run *models.IngestionRun) error {
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("failed to create ingestion run: %w", err)
	}
	return nil
}

func (s *documentStoreImpl) UpdateRun(ctx context.Context, run *models.IngestionRun) error {
	if err := s.db.WithContext(ctx).Save(run).Error; err != nil {
		return fmt.Errorf("failed to update ingestion run: %w", err)
	}
	return nil
}

func (s *documentStoreImpl) ListRuns(ctx context.Context, documentID uuid.UUID) ([]models.IngestionRun, error) {
	var runs []models.IngestionRun
	if err := s.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("started_at DESC").
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("failed to list ingestion runs: %w", err)
	}
	return runs, nil
}
