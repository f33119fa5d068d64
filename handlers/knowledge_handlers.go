package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tas-knowledge-base/errs"
	"github.com/tas-knowledge-base/models"
	"github.com/tas-knowledge-base/services"
)

type KnowledgeHandlers struct {
	documentService services.DocumentService
	searchService   services.SearchService
	contentService  services.ContentService
}

func NewKnowledgeHandlers(
	documentService services.DocumentService,
	searchService services.SearchService,
	contentService services.ContentService,
) *KnowledgeHandlers {
	return &KnowledgeHandlers{
		documentService: documentService,
		searchService:   searchService,
		contentService:  contentService,
	}
}

func pathID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		Fail(c, http.StatusBadRequest, "Invalid document id", string(errs.KindValidationFailed))
		return uuid.Nil, false
	}
	return id, true
}

// UploadSource accepts a multipart file upload and starts ingestion.
func (h *KnowledgeHandlers) UploadSource(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		Fail(c, http.StatusBadRequest, "Multipart field 'file' is required", string(errs.KindValidationFailed))
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		Fail(c, http.StatusBadRequest, "Failed to open uploaded file", string(errs.KindValidationFailed))
		return
	}
	defer file.Close()

	resp, err := h.documentService.Upload(
		c.Request.Context(),
		fileHeader.Filename,
		fileHeader.Header.Get("Content-Type"),
		fileHeader.Size,
		file,
	)
	if err != nil {
		RespondError(c, err)
		return
	}

	Respond(c, http.StatusAccepted, resp)
}

func (h *KnowledgeHandlers) ListSources(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "0"))
	size, _ := strconv.Atoi(c.DefaultQuery("size", "20"))

	resp, err := h.documentService.List(c.Request.Context(), models.DocumentListFilter{
		Page: page,
		Size: size,
		Sort: c.Query("sort"),
	})
	if err != nil {
		RespondError(c, err)
		return
	}

	Respond(c, http.StatusOK, resp)
}

func (h *KnowledgeHandlers) GetSource(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	detail, err := h.documentService.Get(c.Request.Context(), id)
	if err != nil {
		RespondError(c, err)
		return
	}

	Respond(c, http.StatusOK, detail)
}

func (h *KnowledgeHandlers) GetSourceRuns(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	runs, err := h.documentService.ListRuns(c.Request.Context(), id)
	if err != nil {
		RespondError(c, err)
		return
	}

	Respond(c, http.StatusOK, gin.H{"runs": runs})
}

func (h *KnowledgeHandlers) ResyncSource(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	if err := h.documentService.Resync(c.Request.Context(), id); err != nil {
		RespondError(c, err)
		return
	}

	Respond(c, http.StatusAccepted, gin.H{"source_document_id": id, "status": "resync_started"})
}

func (h *KnowledgeHandlers) DeleteSource(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	if err := h.documentService.Delete(c.Request.Context(), id); err != nil {
		RespondError(c, err)
		return
	}

	Respond(c, http.StatusAccepted, gin.H{"source_document_id": id, "status": "deletion_started"})
}

// Search answers hybrid queries with chunk summaries.
func (h *KnowledgeHandlers) Search(c *gin.Context) {
	query := c.Query("query")
	topK := 0
	if raw := c.Query("topK"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			Fail(c, http.StatusBadRequest, "topK must be a positive integer", string(errs.KindValidationFailed))
			return
		}
		topK = parsed
	}

	resp, err := h.searchService.Search(c.Request.Context(), query, topK)
	if err != nil {
		RespondError(c, err)
		return
	}

	Respond(c, http.StatusOK, resp)
}

// GetContent returns one chunk's full text under a token budget.
func (h *KnowledgeHandlers) GetContent(c *gin.Context) {
	var req models.GetContentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Fail(c, http.StatusBadRequest, "Invalid request body: "+err.Error(), string(errs.KindValidationFailed))
		return
	}

	result, err := h.contentService.GetContent(c.Request.Context(), req)
	if err != nil {
		RespondError(c, err)
		return
	}

	Respond(c, http.StatusOK, result)
}
