package impl

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tas-knowledge-base/config"
	"github.com/tas-knowledge-base/errs"
	"github.com/tas-knowledge-base/models"
	"github.com/tas-knowledge-base/services"
)

// fakeDocumentStore keeps documents in memory and mimics the store's guarded
// transition semantics.
type fakeDocumentStore struct {
	docs   map[uuid.UUID]*models.SourceDocument
	chunks map[uuid.UUID]int64
	runs   []models.IngestionRun
}

func newFakeDocumentStore() *fakeDocumentStore {
	return &fakeDocumentStore{
		docs:   make(map[uuid.UUID]*models.SourceDocument),
		chunks: make(map[uuid.UUID]int64),
	}
}

func (f *fakeDocumentStore) CreateDocument(ctx context.Context, doc *models.SourceDocument) error {
	for _, existing := range f.docs {
		if existing.Fingerprint == doc.Fingerprint {
			return errs.Newf(errs.KindDuplicate, "a document with fingerprint %s already exists", doc.Fingerprint)
		}
	}
	copied := *doc
	f.docs[doc.ID] = &copied
	return nil
}

func (f *fakeDocumentStore) GetDocument(ctx context.Context, id uuid.UUID) (*models.SourceDocument, error) {
	doc, ok := f.docs[id]
	if !ok {
		return nil, errs.Newf(errs.KindSourceDocumentNotFound, "source document %s not found", id)
	}
	copied := *doc
	return &copied, nil
}

func (f *fakeDocumentStore) FindByFingerprint(ctx context.Context, fingerprint string) (*models.SourceDocument, error) {
	for _, doc := range f.docs {
		if doc.Fingerprint == fingerprint {
			copied := *doc
			return &copied, nil
		}
	}
	return nil, nil
}

func (f *fakeDocumentStore) ListDocuments(ctx context.Context, filter models.DocumentListFilter) (*models.DocumentListResponse, error) {
	var docs []models.SourceDocument
	for _, d := range f.docs {
		docs = append(docs, *d)
	}
	return &models.DocumentListResponse{Documents: docs, Total: int64(len(docs)), Page: filter.Page, Size: filter.Size}, nil
}

func (f *fakeDocumentStore) DeleteDocument(ctx context.Context, id uuid.UUID) error {
	if _, ok := f.docs[id]; !ok {
		return errs.Newf(errs.KindSourceDocumentNotFound, "source document %s not found", id)
	}
	delete(f.docs, id)
	return nil
}

func (f *fakeDocumentStore) TransitionStatus(ctx context.Context, id uuid.UUID, from []models.IngestionStatus, to models.IngestionStatus) (bool, error) {
	doc, ok := f.docs[id]
	if !ok {
		return false, nil
	}
	for _, s := range from {
		if doc.Status == s {
			doc.Status = to
			if to != models.StatusError {
				doc.ErrorMessage = nil
			}
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeDocumentStore) SetError(ctx context.Context, id uuid.UUID, message string) error {
	doc, ok := f.docs[id]
	if !ok {
		return errs.Newf(errs.KindSourceDocumentNotFound, "source document %s not found", id)
	}
	doc.Status = models.StatusError
	doc.ErrorMessage = &message
	return nil
}

func (f *fakeDocumentStore) ReplaceChunks(ctx context.Context, documentID uuid.UUID, rows []models.ChunkRecord) error {
	f.chunks[documentID] = int64(len(rows))
	return nil
}

func (f *fakeDocumentStore) CountChunks(ctx context.Context, documentID uuid.UUID) (int64, error) {
	return f.chunks[documentID], nil
}

func (f *fakeDocumentStore) DeleteChunks(ctx context.Context, documentID uuid.UUID) error {
	delete(f.chunks, documentID)
	return nil
}

func (f *fakeDocumentStore) CreateRun(ctx context.Context, run *models.IngestionRun) error {
	f.runs = append(f.runs, *run)
	return nil
}

func (f *fakeDocumentStore) UpdateRun(ctx context.Context, run *models.IngestionRun) error {
	for i := range f.runs {
		if f.runs[i].ID == run.ID {
			f.runs[i] = *run
			return nil
		}
	}
	return nil
}

func (f *fakeDocumentStore) ListRuns(ctx context.Context, documentID uuid.UUID) ([]models.IngestionRun, error) {
	var out []models.IngestionRun
	for _, r := range f.runs {
		if r.DocumentID == documentID {
			out = append(out, r)
		}
	}
	return out, nil
}

// fakeBlobStore keeps blobs in memory.
type fakeBlobStore struct {
	blobs map[string][]byte
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{blobs: make(map[string][]byte)}
}

func (f *fakeBlobStore) Put(ctx context.Context, handle string, reader io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	f.blobs[handle] = data
	return nil
}

func (f *fakeBlobStore) Get(ctx context.Context, handle string) (io.ReadCloser, error) {
	data, ok := f.blobs[handle]
	if !ok {
		return nil, errs.Newf(errs.KindSourceDocumentNotFound, "stored file %s not found", handle)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeBlobStore) Delete(ctx context.Context, handle string) error {
	delete(f.blobs, handle)
	return nil
}

func (f *fakeBlobStore) Exists(ctx context.Context, handle string) (bool, error) {
	_, ok := f.blobs[handle]
	return ok, nil
}

// fakeQueue records enqueued work.
type fakeQueue struct {
	ingests []models.RunTrigger
	deletes []uuid.UUID
	err     error
}

func (f *fakeQueue) EnqueueIngest(documentID uuid.UUID, trigger models.RunTrigger) error {
	if f.err != nil {
		return f.err
	}
	f.ingests = append(f.ingests, trigger)
	return nil
}

func (f *fakeQueue) EnqueueDelete(documentID uuid.UUID) error {
	if f.err != nil {
		return f.err
	}
	f.deletes = append(f.deletes, documentID)
	return nil
}

func newDocService(store services.DocumentStore, blobs services.BlobStore, queue services.IngestQueue) services.DocumentService {
	return NewDocumentService(store, blobs, queue, &config.UploadConfig{MaxBytes: 1024})
}

func TestResolveFileType(t *testing.T) {
	cases := []struct {
		filename    string
		contentType string
		want        models.FileType
		wantErr     bool
	}{
		{"doc.pdf", "application/pdf", models.FileTypePDF, false},
		{"notes.md", "text/markdown; charset=utf-8", models.FileTypeMarkdown, false},
		{"readme.txt", "text/plain", models.FileTypeText, false},
		{"doc.pdf", "application/octet-stream", models.FileTypePDF, false},
		{"notes.markdown", "", models.FileTypeMarkdown, false},
		{"archive.zip", "application/zip", "", true},
		{"noext", "", "", true},
	}

	for _, tc := range cases {
		got, err := ResolveFileType(tc.filename, tc.contentType)
		if tc.wantErr {
			require.Error(t, err, tc.filename)
			assert.Equal(t, errs.KindUnsupportedMediaType, errs.KindOf(err))
		} else {
			require.NoError(t, err, tc.filename)
			assert.Equal(t, tc.want, got)
		}
	}
}

func TestDocumentService_Upload(t *testing.T) {
	t.Run("accepts file, stores blob, creates pending row and enqueues", func(t *testing.T) {
		store := newFakeDocumentStore()
		blobs := newFakeBlobStore()
		queue := &fakeQueue{}
		svc := newDocService(store, blobs, queue)

		resp, err := svc.Upload(context.Background(), "guide.md", "text/markdown", 12, strings.NewReader("# A Heading\n"))

		require.NoError(t, err)
		assert.Equal(t, "guide.md", resp.OriginalFilename)

		doc, err := store.GetDocument(context.Background(), resp.SourceDocumentID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, doc.Status)
		assert.Equal(t, models.FileTypeMarkdown, doc.FileType)
		assert.Equal(t, int64(12), doc.ByteLength)
		assert.Len(t, doc.Fingerprint, 64)
		assert.Len(t, blobs.blobs, 1)
		assert.Equal(t, []models.RunTrigger{models.RunTriggerUpload}, queue.ingests)
	})

	t.Run("identical content is rejected as duplicate", func(t *testing.T) {
		store := newFakeDocumentStore()
		svc := newDocService(store, newFakeBlobStore(), &fakeQueue{})

		_, err := svc.Upload(context.Background(), "a.txt", "text/plain", 5, strings.NewReader("hello"))
		require.NoError(t, err)

		_, err = svc.Upload(context.Background(), "b.txt", "text/plain", 5, strings.NewReader("hello"))
		require.Error(t, err)
		assert.Equal(t, errs.KindDuplicate, errs.KindOf(err))
	})

	t.Run("oversized upload is rejected", func(t *testing.T) {
		svc := newDocService(newFakeDocumentStore(), newFakeBlobStore(), &fakeQueue{})

		big := strings.Repeat("x", 2048)
		_, err := svc.Upload(context.Background(), "big.txt", "text/plain", int64(len(big)), strings.NewReader(big))

		require.Error(t, err)
		assert.Equal(t, errs.KindPayloadTooLarge, errs.KindOf(err))
	})

	t.Run("oversized body is rejected even with a small declared size", func(t *testing.T) {
		svc := newDocService(newFakeDocumentStore(), newFakeBlobStore(), &fakeQueue{})

		big := strings.Repeat("x", 2048)
		_, err := svc.Upload(context.Background(), "big.txt", "text/plain", 10, strings.NewReader(big))

		require.Error(t, err)
		assert.Equal(t, errs.KindPayloadTooLarge, errs.KindOf(err))
	})

	t.Run("unsupported type is rejected", func(t *testing.T) {
		svc := newDocService(newFakeDocumentStore(), newFakeBlobStore(), &fakeQueue{})

		_, err := svc.Upload(context.Background(), "x.zip", "application/zip", 4, strings.NewReader("data"))

		require.Error(t, err)
		assert.Equal(t, errs.KindUnsupportedMediaType, errs.KindOf(err))
	})

	t.Run("enqueue failure rolls back row and blob so retry succeeds", func(t *testing.T) {
		store := newFakeDocumentStore()
		blobs := newFakeBlobStore()
		queue := &fakeQueue{err: errs.New(errs.KindExternalUnavailable, "ingestion queue is full, retry later")}
		svc := newDocService(store, blobs, queue)

		_, err := svc.Upload(context.Background(), "guide.md", "text/markdown", 12, strings.NewReader("# A Heading\n"))
		require.Error(t, err)
		assert.Equal(t, errs.KindExternalUnavailable, errs.KindOf(err))
		assert.Empty(t, store.docs)
		assert.Empty(t, blobs.blobs)

		// An identical retry must not be rejected as a duplicate.
		queue.err = nil
		resp, err := svc.Upload(context.Background(), "guide.md", "text/markdown", 12, strings.NewReader("# A Heading\n"))
		require.NoError(t, err)
		assert.NotEqual(t, uuid.Nil, resp.SourceDocumentID)
	})

	t.Run("empty file is rejected", func(t *testing.T) {
		svc := newDocService(newFakeDocumentStore(), newFakeBlobStore(), &fakeQueue{})

		_, err := svc.Upload(context.Background(), "x.txt", "text/plain", 0, strings.NewReader(""))

		require.Error(t, err)
		assert.Equal(t, errs.KindValidationFailed, errs.KindOf(err))
	})
}

func TestDocumentService_Resync(t *testing.T) {
	seed := func(status models.IngestionStatus) (*fakeDocumentStore, uuid.UUID) {
		store := newFakeDocumentStore()
		id := uuid.New()
		store.docs[id] = &models.SourceDocument{ID: id, Status: status}
		return store, id
	}

	t.Run("resync of completed document resets to pending and enqueues", func(t *testing.T) {
		store, id := seed(models.StatusCompleted)
		queue := &fakeQueue{}
		svc := newDocService(store, newFakeBlobStore(), queue)

		require.NoError(t, svc.Resync(context.Background(), id))
		assert.Equal(t, models.StatusPending, store.docs[id].Status)
		assert.Equal(t, []models.RunTrigger{models.RunTriggerResync}, queue.ingests)
	})

	t.Run("resync of errored document resets to pending", func(t *testing.T) {
		store, id := seed(models.StatusError)
		queue := &fakeQueue{}
		svc := newDocService(store, newFakeBlobStore(), queue)

		require.NoError(t, svc.Resync(context.Background(), id))
		assert.Equal(t, models.StatusPending, store.docs[id].Status)
	})

	t.Run("second resync before the worker claims conflicts", func(t *testing.T) {
		store, id := seed(models.StatusCompleted)
		queue := &fakeQueue{}
		svc := newDocService(store, newFakeBlobStore(), queue)

		require.NoError(t, svc.Resync(context.Background(), id))
		err := svc.Resync(context.Background(), id)
		require.Error(t, err)
		assert.Equal(t, errs.KindConflictProcessing, errs.KindOf(err))
		assert.Len(t, queue.ingests, 1)
	})

	t.Run("enqueue failure restores the previous status", func(t *testing.T) {
		store, id := seed(models.StatusCompleted)
		queue := &fakeQueue{err: errs.New(errs.KindExternalUnavailable, "ingestion queue is full, retry later")}
		svc := newDocService(store, newFakeBlobStore(), queue)

		err := svc.Resync(context.Background(), id)
		require.Error(t, err)
		assert.Equal(t, errs.KindExternalUnavailable, errs.KindOf(err))
		assert.Equal(t, models.StatusCompleted, store.docs[id].Status)
	})

	t.Run("resync during processing conflicts", func(t *testing.T) {
		for _, status := range models.ProcessingStatuses {
			store, id := seed(status)
			svc := newDocService(store, newFakeBlobStore(), &fakeQueue{})

			err := svc.Resync(context.Background(), id)
			require.Error(t, err, status)
			assert.Equal(t, errs.KindConflictProcessing, errs.KindOf(err))
		}
	})

	t.Run("resync during deletion conflicts", func(t *testing.T) {
		store, id := seed(models.StatusDeleting)
		svc := newDocService(store, newFakeBlobStore(), &fakeQueue{})

		err := svc.Resync(context.Background(), id)
		require.Error(t, err)
		assert.Equal(t, errs.KindConflictProcessing, errs.KindOf(err))
	})

	t.Run("resync of unknown document is not found", func(t *testing.T) {
		svc := newDocService(newFakeDocumentStore(), newFakeBlobStore(), &fakeQueue{})

		err := svc.Resync(context.Background(), uuid.New())
		require.Error(t, err)
		assert.Equal(t, errs.KindSourceDocumentNotFound, errs.KindOf(err))
	})
}

func TestDocumentService_Delete(t *testing.T) {
	seed := func(status models.IngestionStatus) (*fakeDocumentStore, uuid.UUID) {
		store := newFakeDocumentStore()
		id := uuid.New()
		store.docs[id] = &models.SourceDocument{ID: id, Status: status}
		return store, id
	}

	t.Run("delete moves document to deleting and enqueues", func(t *testing.T) {
		store, id := seed(models.StatusCompleted)
		queue := &fakeQueue{}
		svc := newDocService(store, newFakeBlobStore(), queue)

		require.NoError(t, svc.Delete(context.Background(), id))
		assert.Equal(t, models.StatusDeleting, store.docs[id].Status)
		assert.Equal(t, []uuid.UUID{id}, queue.deletes)
	})

	t.Run("delete during processing conflicts", func(t *testing.T) {
		store, id := seed(models.StatusEmbedding)
		svc := newDocService(store, newFakeBlobStore(), &fakeQueue{})

		err := svc.Delete(context.Background(), id)
		require.Error(t, err)
		assert.Equal(t, errs.KindConflictProcessing, errs.KindOf(err))
	})

	t.Run("delete of already deleting document is re-enterable", func(t *testing.T) {
		store, id := seed(models.StatusDeleting)
		queue := &fakeQueue{}
		svc := newDocService(store, newFakeBlobStore(), queue)

		require.NoError(t, svc.Delete(context.Background(), id))
		assert.Len(t, queue.deletes, 1)
	})
}
