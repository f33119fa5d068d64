package impl

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tas-knowledge-base/config"
	"github.com/tas-knowledge-base/errs"
	"github.com/tas-knowledge-base/models"
)

// fakeParser returns a fixed element stream.
type fakeParser struct {
	elements []models.ParsedElement
	err      error
}

func (f *fakeParser) Parse(ctx context.Context, reader io.Reader, filename string, fileType models.FileType) ([]models.ParsedElement, error) {
	io.Copy(io.Discard, reader)
	if f.err != nil {
		return nil, f.err
	}
	return f.elements, nil
}

// recordingIndex records bulk writes and deletions.
type recordingIndex struct {
	fakeSearchIndex
	indexed    [][]models.StructuredChunk
	deleted    []string
	bulkErr    error
	deletedErr error
}

func (r *recordingIndex) BulkIndex(ctx context.Context, chunks []models.StructuredChunk) error {
	if r.bulkErr != nil {
		return r.bulkErr
	}
	r.indexed = append(r.indexed, chunks)
	return nil
}

func (r *recordingIndex) DeleteByDocument(ctx context.Context, documentID string) error {
	if r.deletedErr != nil {
		return r.deletedErr
	}
	r.deleted = append(r.deleted, documentID)
	return nil
}

func pipelineFixture(t *testing.T, parser *fakeParser, index *recordingIndex) (*IngestPipeline, *fakeDocumentStore, *fakeBlobStore) {
	t.Helper()
	store := newFakeDocumentStore()
	blobs := newFakeBlobStore()
	cache := disabledCache(t)
	p := NewIngestPipeline(store, blobs, parser, &fakeEmbedder{}, index, cache, &config.IngestConfig{Workers: 1, QueueSize: 4})
	return p, store, blobs
}

func seedDocument(store *fakeDocumentStore, blobs *fakeBlobStore, status models.IngestionStatus) uuid.UUID {
	id := uuid.New()
	handle := "documents/test/" + id.String()
	store.docs[id] = &models.SourceDocument{
		ID:               id,
		OriginalFilename: "guide.md",
		StorageHandle:    handle,
		FileType:         models.FileTypeMarkdown,
		Status:           status,
	}
	blobs.blobs[handle] = []byte("# Heading\ntext")
	return id
}

func TestIngestPipeline_RunIngest(t *testing.T) {
	elements := []models.ParsedElement{
		{Type: models.ElementTitle, Text: "Heading"},
		{Type: models.ElementNarrativeText, Text: "Some text."},
	}

	t.Run("pending document completes with chunks in both stores", func(t *testing.T) {
		index := &recordingIndex{}
		p, store, blobs := pipelineFixture(t, &fakeParser{elements: elements}, index)
		id := seedDocument(store, blobs, models.StatusPending)

		p.runIngest(context.Background(), pipelineTask{documentID: id, trigger: models.RunTriggerUpload})

		doc := store.docs[id]
		assert.Equal(t, models.StatusCompleted, doc.Status)
		assert.Nil(t, doc.ErrorMessage)
		require.Len(t, index.indexed, 1)
		assert.Equal(t, int64(len(index.indexed[0])), store.chunks[id])
		// Old index entries are cleared before the new write.
		assert.Equal(t, []string{id.String()}, index.deleted)
		// Every indexed chunk carries a vector.
		for _, c := range index.indexed[0] {
			assert.NotEmpty(t, c.Embedding)
		}
	})

	t.Run("run audit record is written", func(t *testing.T) {
		index := &recordingIndex{}
		p, store, blobs := pipelineFixture(t, &fakeParser{elements: elements}, index)
		id := seedDocument(store, blobs, models.StatusPending)

		p.runIngest(context.Background(), pipelineTask{documentID: id, trigger: models.RunTriggerUpload})

		require.Len(t, store.runs, 1)
		run := store.runs[0]
		assert.Equal(t, models.RunStatusCompleted, run.Status)
		assert.Equal(t, models.RunTriggerUpload, run.Trigger)
		assert.NotNil(t, run.CompletedAt)
		stages := make([]string, 0, len(run.Steps))
		for _, s := range run.Steps {
			stages = append(stages, s.Stage)
			assert.Equal(t, models.RunStatusCompleted, s.Status)
		}
		assert.Equal(t, []string{"PARSING", "CHUNKING", "EMBEDDING", "INDEXING"}, stages)
	})

	t.Run("parser failure moves document to error with message", func(t *testing.T) {
		parser := &fakeParser{err: errs.New(errs.KindExternalUnavailable, "parser service unreachable")}
		p, store, blobs := pipelineFixture(t, parser, &recordingIndex{})
		id := seedDocument(store, blobs, models.StatusPending)

		p.runIngest(context.Background(), pipelineTask{documentID: id, trigger: models.RunTriggerUpload})

		doc := store.docs[id]
		assert.Equal(t, models.StatusError, doc.Status)
		require.NotNil(t, doc.ErrorMessage)
		assert.Equal(t, "parser service unreachable", *doc.ErrorMessage)

		require.Len(t, store.runs, 1)
		assert.Equal(t, models.RunStatusFailed, store.runs[0].Status)
	})

	t.Run("bulk index failure leaves no chunk rows", func(t *testing.T) {
		index := &recordingIndex{bulkErr: errs.New(errs.KindIngestionFailed, "bulk index failed")}
		p, store, blobs := pipelineFixture(t, &fakeParser{elements: elements}, index)
		id := seedDocument(store, blobs, models.StatusPending)

		p.runIngest(context.Background(), pipelineTask{documentID: id, trigger: models.RunTriggerUpload})

		assert.Equal(t, models.StatusError, store.docs[id].Status)
		assert.Zero(t, store.chunks[id])
	})

	t.Run("only pending documents are claimed", func(t *testing.T) {
		for _, status := range []models.IngestionStatus{
			models.StatusCompleted,
			models.StatusError,
			models.StatusDeleting,
		} {
			index := &recordingIndex{}
			p, store, blobs := pipelineFixture(t, &fakeParser{elements: elements}, index)
			id := seedDocument(store, blobs, status)

			p.runIngest(context.Background(), pipelineTask{documentID: id, trigger: models.RunTriggerResync})

			assert.Equal(t, status, store.docs[id].Status)
			assert.Empty(t, index.indexed)
		}
	})

	t.Run("resync run clears a previous error", func(t *testing.T) {
		index := &recordingIndex{}
		p, store, blobs := pipelineFixture(t, &fakeParser{elements: elements}, index)
		// Resync parks the errored document back in PENDING before
		// enqueueing; the stale message survives until the run starts.
		id := seedDocument(store, blobs, models.StatusPending)
		msg := "previous failure"
		store.docs[id].ErrorMessage = &msg

		p.runIngest(context.Background(), pipelineTask{documentID: id, trigger: models.RunTriggerResync})

		doc := store.docs[id]
		assert.Equal(t, models.StatusCompleted, doc.Status)
		assert.Nil(t, doc.ErrorMessage)
	})
}

func TestIngestPipeline_RunDelete(t *testing.T) {
	t.Run("deletes index entries, rows, blob and document", func(t *testing.T) {
		index := &recordingIndex{}
		p, store, blobs := pipelineFixture(t, &fakeParser{}, index)
		id := seedDocument(store, blobs, models.StatusDeleting)
		store.chunks[id] = 3

		p.runDelete(context.Background(), pipelineTask{documentID: id, trigger: models.RunTriggerDelete})

		assert.NotContains(t, store.docs, id)
		assert.Zero(t, store.chunks[id])
		assert.Empty(t, blobs.blobs)
		assert.Equal(t, []string{id.String()}, index.deleted)
	})

	t.Run("index failure leaves document in error for retry", func(t *testing.T) {
		index := &recordingIndex{deletedErr: errs.New(errs.KindExternalUnavailable, "search index unreachable")}
		p, store, blobs := pipelineFixture(t, &fakeParser{}, index)
		id := seedDocument(store, blobs, models.StatusDeleting)

		p.runDelete(context.Background(), pipelineTask{documentID: id, trigger: models.RunTriggerDelete})

		require.Contains(t, store.docs, id)
		assert.Equal(t, models.StatusError, store.docs[id].Status)
		assert.NotEmpty(t, blobs.blobs)
	})

	t.Run("document not in deleting state is skipped", func(t *testing.T) {
		index := &recordingIndex{}
		p, store, blobs := pipelineFixture(t, &fakeParser{}, index)
		id := seedDocument(store, blobs, models.StatusCompleted)

		p.runDelete(context.Background(), pipelineTask{documentID: id, trigger: models.RunTriggerDelete})

		assert.Contains(t, store.docs, id)
		assert.Empty(t, index.deleted)
	})
}

func TestIngestPipeline_Queue(t *testing.T) {
	t.Run("full queue rejects instead of blocking", func(t *testing.T) {
		store := newFakeDocumentStore()
		p := NewIngestPipeline(store, newFakeBlobStore(), &fakeParser{}, &fakeEmbedder{}, &recordingIndex{}, disabledCache(t), &config.IngestConfig{Workers: 1, QueueSize: 1})
		// Workers not started: the buffer fills immediately.

		require.NoError(t, p.EnqueueIngest(uuid.New(), models.RunTriggerUpload))
		err := p.EnqueueIngest(uuid.New(), models.RunTriggerUpload)
		require.Error(t, err)
		assert.Equal(t, errs.KindExternalUnavailable, errs.KindOf(err))
	})

	t.Run("workers drain enqueued tasks", func(t *testing.T) {
		elements := []models.ParsedElement{
			{Type: models.ElementTitle, Text: "H"},
			{Type: models.ElementNarrativeText, Text: "body"},
		}
		index := &recordingIndex{}
		p, store, blobs := pipelineFixture(t, &fakeParser{elements: elements}, index)
		id := seedDocument(store, blobs, models.StatusPending)

		p.Start()
		require.NoError(t, p.EnqueueIngest(id, models.RunTriggerUpload))
		p.Stop()

		assert.Eventually(t, func() bool {
			return store.docs[id].Status == models.StatusCompleted
		}, time.Second, 10*time.Millisecond)
	})
}
