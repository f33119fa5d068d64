package impl

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tas-knowledge-base/config"
	"github.com/tas-knowledge-base/errs"
	"github.com/tas-knowledge-base/models"
	"github.com/tas-knowledge-base/services"
)

// taskTimeout bounds one pipeline execution end to end. Parsing large PDFs
// dominates; everything else finishes in seconds.
const taskTimeout = 30 * time.Minute

type pipelineTask struct {
	documentID uuid.UUID
	trigger    models.RunTrigger
}

// IngestPipeline runs the document state machine on a bounded worker pool.
// Upload handlers enqueue and return immediately; workers drive documents
// through PARSING → CHUNKING → EMBEDDING → INDEXING → COMPLETED, or to ERROR
// with the failure recorded on the row.
type IngestPipeline struct {
	store    services.DocumentStore
	blobs    services.BlobStore
	parser   services.DocumentParser
	embedder services.Embedder
	index    services.SearchIndex
	cache    services.CacheService

	tasks   chan pipelineTask
	workers int
	wg      sync.WaitGroup
	once    sync.Once
}

func NewIngestPipeline(
	store services.DocumentStore,
	blobs services.BlobStore,
	parser services.DocumentParser,
	embedder services.Embedder,
	index services.SearchIndex,
	cache services.CacheService,
	cfg *config.IngestConfig,
) *IngestPipeline {
	return &IngestPipeline{
		store:    store,
		blobs:    blobs,
		parser:   parser,
		embedder: embedder,
		index:    index,
		cache:    cache,
		tasks:    make(chan pipelineTask, cfg.QueueSize),
		workers:  cfg.Workers,
	}
}

// Start launches the worker pool.
func (p *IngestPipeline) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	log.Printf("Ingestion pipeline started with %d workers (queue size %d)", p.workers, cap(p.tasks))
}

// Stop drains the queue and waits for in-flight tasks to finish.
func (p *IngestPipeline) Stop() {
	p.once.Do(func() {
		close(p.tasks)
	})
	p.wg.Wait()
	log.Printf("Ingestion pipeline stopped")
}

func (p *IngestPipeline) EnqueueIngest(documentID uuid.UUID, trigger models.RunTrigger) error {
	return p.enqueue(pipelineTask{documentID: documentID, trigger: trigger})
}

func (p *IngestPipeline) EnqueueDelete(documentID uuid.UUID) error {
	return p.enqueue(pipelineTask{documentID: documentID, trigger: models.RunTriggerDelete})
}

func (p *IngestPipeline) enqueue(task pipelineTask) error {
	select {
	case p.tasks <- task:
		return nil
	default:
		return errs.New(errs.KindExternalUnavailable, "ingestion queue is full, retry later")
	}
}

func (p *IngestPipeline) worker(id int) {
	defer p.wg.Done()
	for task := range p.tasks {
		ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
		if task.trigger == models.RunTriggerDelete {
			p.runDelete(ctx, task)
		} else {
			p.runIngest(ctx, task)
		}
		cancel()
	}
}

// runIngest executes one ingestion pass. The opening compare-and-set is the
// exclusivity guard: only one worker can claim a PENDING document, so a
// document never has two concurrent pipelines. Upload and resync both park
// the document in PENDING before enqueueing.
func (p *IngestPipeline) runIngest(ctx context.Context, task pipelineTask) {
	moved, err := p.store.TransitionStatus(ctx, task.documentID,
		[]models.IngestionStatus{models.StatusPending},
		models.StatusParsing)
	if err != nil {
		log.Printf("Failed to claim document %s for ingestion: %v", task.documentID, err)
		return
	}
	if !moved {
		log.Printf("Skipping ingestion of document %s: already claimed or deleted", task.documentID)
		return
	}

	doc, err := p.store.GetDocument(ctx, task.documentID)
	if err != nil {
		log.Printf("Failed to load document %s after claim: %v", task.documentID, err)
		return
	}

	run := p.startRun(ctx, doc.ID, task.trigger)
	recorder := newRunRecorder(run)

	chunks, err := p.ingest(ctx, doc, recorder)
	if err != nil {
		log.Printf("Ingestion of document %s failed: %v", doc.ID, err)
		if serr := p.store.SetError(ctx, doc.ID, errs.MessageOf(err)); serr != nil {
			log.Printf("Failed to record error on document %s: %v", doc.ID, serr)
		}
		recorder.fail(err)
		p.finishRun(ctx, run, recorder, 0)
		return
	}

	moved, err = p.store.TransitionStatus(ctx, doc.ID,
		[]models.IngestionStatus{models.StatusIndexing},
		models.StatusCompleted)
	if err != nil || !moved {
		log.Printf("Failed to complete document %s: moved=%v err=%v", doc.ID, moved, err)
		recorder.fail(fmt.Errorf("failed to finalize document status"))
		p.finishRun(ctx, run, recorder, len(chunks))
		return
	}

	recorder.complete(ChunkStats(chunks))
	p.finishRun(ctx, run, recorder, len(chunks))

	// Index contents changed; cached search responses are stale.
	if err := p.cache.InvalidateSearch(ctx); err != nil {
		log.Printf("Failed to invalidate search cache: %v", err)
	}

	log.Printf("Document %s ingested: %d chunks %s", doc.ID, len(chunks), chunkTitlesPreview(chunks, 5))
}

// ingest runs the PARSING → INDEXING stages and returns the indexed chunks.
func (p *IngestPipeline) ingest(ctx context.Context, doc *models.SourceDocument, recorder *runRecorder) ([]models.StructuredChunk, error) {
	// PARSING
	recorder.startStep("PARSING")
	reader, err := p.blobs.Get(ctx, doc.StorageHandle)
	if err != nil {
		recorder.failStep(err)
		return nil, err
	}
	elements, err := p.parser.Parse(ctx, reader, doc.OriginalFilename, doc.FileType)
	reader.Close()
	if err != nil {
		recorder.failStep(err)
		return nil, err
	}
	recorder.finishStep()

	// CHUNKING
	if moved, err := p.advance(ctx, doc.ID, models.StatusParsing, models.StatusChunking); err != nil || !moved {
		return nil, fmt.Errorf("document %s left the pipeline during parsing", doc.ID)
	}
	recorder.startStep("CHUNKING")
	chunks := NewTitleChunker(doc.FileType).Chunk(doc.ID, elements)
	if len(chunks) == 0 {
		err := errs.New(errs.KindIngestionFailed, "document produced no chunks")
		recorder.failStep(err)
		return nil, err
	}
	recorder.finishStep()

	// EMBEDDING
	if moved, err := p.advance(ctx, doc.ID, models.StatusChunking, models.StatusEmbedding); err != nil || !moved {
		return nil, fmt.Errorf("document %s left the pipeline during chunking", doc.ID)
	}
	recorder.startStep("EMBEDDING")
	chunks, err = p.embedder.EmbedChunks(ctx, chunks)
	if err != nil {
		recorder.failStep(err)
		return nil, err
	}
	recorder.finishStep()

	// INDEXING: clear old index entries first so a resync of a shrunk
	// document leaves no orphaned chunks, then write bodies to the index and
	// hierarchy rows to the metadata store. If the row write fails the index
	// write is compensated, keeping the two stores coherent.
	if moved, err := p.advance(ctx, doc.ID, models.StatusEmbedding, models.StatusIndexing); err != nil || !moved {
		return nil, fmt.Errorf("document %s left the pipeline during embedding", doc.ID)
	}
	recorder.startStep("INDEXING")
	if err := p.index.DeleteByDocument(ctx, doc.ID.String()); err != nil {
		recorder.failStep(err)
		return nil, err
	}
	if err := p.index.BulkIndex(ctx, chunks); err != nil {
		recorder.failStep(err)
		return nil, err
	}

	rows := make([]models.ChunkRecord, 0, len(chunks))
	for i := range chunks {
		rows = append(rows, models.ChunkRecord{
			ID:                 chunks[i].ID,
			DocumentID:         doc.ID,
			SequenceInDocument: chunks[i].Sequence,
			CreatedAt:          time.Now(),
		})
	}
	if err := p.store.ReplaceChunks(ctx, doc.ID, rows); err != nil {
		if cerr := p.index.DeleteByDocument(ctx, doc.ID.String()); cerr != nil {
			log.Printf("Failed to compensate index for document %s: %v", doc.ID, cerr)
		}
		recorder.failStep(err)
		return nil, err
	}
	recorder.finishStep()

	return chunks, nil
}

func (p *IngestPipeline) advance(ctx context.Context, id uuid.UUID, from, to models.IngestionStatus) (bool, error) {
	return p.store.TransitionStatus(ctx, id, []models.IngestionStatus{from}, to)
}

// runDelete removes a document everywhere: index entries, chunk rows, stored
// bytes, then the metadata row itself. Steps are ordered so a crash leaves a
// retryable DELETING document rather than dangling search hits.
func (p *IngestPipeline) runDelete(ctx context.Context, task pipelineTask) {
	doc, err := p.store.GetDocument(ctx, task.documentID)
	if err != nil {
		if errs.KindOf(err) == errs.KindSourceDocumentNotFound {
			return // already gone
		}
		log.Printf("Failed to load document %s for deletion: %v", task.documentID, err)
		return
	}
	if doc.Status != models.StatusDeleting {
		log.Printf("Skipping deletion of document %s: status is %s", doc.ID, doc.Status)
		return
	}

	run := p.startRun(ctx, doc.ID, models.RunTriggerDelete)
	recorder := newRunRecorder(run)
	recorder.startStep("DELETING")

	fail := func(err error) {
		log.Printf("Deletion of document %s failed: %v", doc.ID, err)
		if serr := p.store.SetError(ctx, doc.ID, errs.MessageOf(err)); serr != nil {
			log.Printf("Failed to record error on document %s: %v", doc.ID, serr)
		}
		recorder.failStep(err)
		recorder.fail(err)
		p.finishRun(ctx, run, recorder, 0)
	}

	if err := p.index.DeleteByDocument(ctx, doc.ID.String()); err != nil {
		fail(errs.Wrap(errs.KindDeletionFailed, "failed to remove index entries", err))
		return
	}
	if err := p.store.DeleteChunks(ctx, doc.ID); err != nil {
		fail(errs.Wrap(errs.KindDeletionFailed, "failed to remove chunk rows", err))
		return
	}
	if err := p.blobs.Delete(ctx, doc.StorageHandle); err != nil {
		fail(errs.Wrap(errs.KindDeletionFailed, "failed to remove stored file", err))
		return
	}

	recorder.finishStep()
	recorder.complete(map[string]any{"deleted": true})
	p.finishRun(ctx, run, recorder, 0)

	// Runs cascade with the document row.
	if err := p.store.DeleteDocument(ctx, doc.ID); err != nil {
		log.Printf("Failed to remove document row %s: %v", doc.ID, err)
		return
	}

	if err := p.cache.InvalidateSearch(ctx); err != nil {
		log.Printf("Failed to invalidate search cache: %v", err)
	}

	log.Printf("Document %s deleted", doc.ID)
}

func (p *IngestPipeline) startRun(ctx context.Context, documentID uuid.UUID, trigger models.RunTrigger) *models.IngestionRun {
	run := &models.IngestionRun{
		ID:         uuid.New(),
		DocumentID: documentID,
		Trigger:    trigger,
		Status:     models.RunStatusRunning,
		Steps:      models.RunStepList{},
		StartedAt:  time.Now(),
		CreatedAt:  time.Now(),
	}
	if err := p.store.CreateRun(ctx, run); err != nil {
		// The audit trail is best effort; the pipeline itself proceeds.
		log.Printf("Failed to create ingestion run for document %s: %v", documentID, err)
	}
	return run
}

func (p *IngestPipeline) finishRun(ctx context.Context, run *models.IngestionRun, recorder *runRecorder, chunkCount int) {
	recorder.apply(run, chunkCount)
	if err := p.store.UpdateRun(ctx, run); err != nil {
		log.Printf("Failed to update ingestion run %s: %v", run.ID, err)
	}
}

// runRecorder accumulates per-stage timings for the run audit record.
type runRecorder struct {
	run     *models.IngestionRun
	steps   models.RunStepList
	stats   map[string]any
	status  models.RunStatus
	failure string
}

func newRunRecorder(run *models.IngestionRun) *runRecorder {
	return &runRecorder{run: run, status: models.RunStatusRunning}
}

func (r *runRecorder) startStep(stage string) {
	r.steps = append(r.steps, models.RunStep{
		Stage:     stage,
		StartedAt: time.Now(),
		Status:    models.RunStatusRunning,
	})
}

func (r *runRecorder) finishStep() {
	if len(r.steps) == 0 {
		return
	}
	step := &r.steps[len(r.steps)-1]
	now := time.Now()
	step.CompletedAt = &now
	step.Status = models.RunStatusCompleted
}

func (r *runRecorder) failStep(err error) {
	if len(r.steps) == 0 {
		return
	}
	step := &r.steps[len(r.steps)-1]
	now := time.Now()
	step.CompletedAt = &now
	step.Status = models.RunStatusFailed
	step.Error = errs.MessageOf(err)
}

func (r *runRecorder) complete(stats map[string]any) {
	r.status = models.RunStatusCompleted
	r.stats = stats
}

func (r *runRecorder) fail(err error) {
	r.status = models.RunStatusFailed
	r.failure = errs.MessageOf(err)
}

func (r *runRecorder) apply(run *models.IngestionRun, chunkCount int) {
	now := time.Now()
	run.Steps = r.steps
	run.Status = r.status
	run.ChunkCount = chunkCount
	run.CompletedAt = &now
	run.DurationMs = int(now.Sub(run.StartedAt).Milliseconds())
	if r.failure != "" {
		msg := r.failure
		run.ErrorMessage = &msg
	}
	if r.stats != nil {
		if statsJSON, err := models.ConvertToJSON(r.stats); err == nil {
			run.Stats = statsJSON
		}
	}
}
