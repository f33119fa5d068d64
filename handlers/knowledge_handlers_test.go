package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tas-knowledge-base/errs"
	"github.com/tas-knowledge-base/models"
)

type stubDocumentService struct {
	uploadResp *models.UploadResponse
	detail     *models.DocumentDetail
	runs       []models.IngestionRun
	err        error
}

func (s *stubDocumentService) Upload(ctx context.Context, filename, contentType string, size int64, reader io.Reader) (*models.UploadResponse, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.uploadResp, nil
}

func (s *stubDocumentService) List(ctx context.Context, filter models.DocumentListFilter) (*models.DocumentListResponse, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &models.DocumentListResponse{Page: filter.Page, Size: filter.Size}, nil
}

func (s *stubDocumentService) Get(ctx context.Context, id uuid.UUID) (*models.DocumentDetail, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.detail, nil
}

func (s *stubDocumentService) Resync(ctx context.Context, id uuid.UUID) error { return s.err }
func (s *stubDocumentService) Delete(ctx context.Context, id uuid.UUID) error { return s.err }

func (s *stubDocumentService) ListRuns(ctx context.Context, id uuid.UUID) ([]models.IngestionRun, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.runs, nil
}

type stubSearchService struct {
	resp *models.SearchResponse
	err  error
}

func (s *stubSearchService) Search(ctx context.Context, query string, topK int) (*models.SearchResponse, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

type stubContentService struct {
	result *models.ChunkContentResult
	err    error
}

func (s *stubContentService) GetContent(ctx context.Context, req models.GetContentRequest) (*models.ChunkContentResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

// decodeEnvelope unwraps the common response envelope and decodes the data
// payload into out when out is non-nil.
func decodeEnvelope(t *testing.T, body []byte, out any) Envelope {
	t.Helper()
	var env Envelope
	require.NoError(t, json.Unmarshal(body, &env))
	if out != nil {
		raw, err := json.Marshal(env.Data)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(raw, out))
	}
	return env
}

func testRouter(docs *stubDocumentService, search *stubSearchService, content *stubContentService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewKnowledgeHandlers(docs, search, content)
	r := gin.New()
	r.GET("/api/v1/search", h.Search)
	r.POST("/api/v1/get-content", h.GetContent)
	r.GET("/api/v1/sources/:id", h.GetSource)
	r.POST("/api/v1/sources/:id/resync", h.ResyncSource)
	r.DELETE("/api/v1/sources/:id", h.DeleteSource)
	return r
}

func TestSearchEndpoint(t *testing.T) {
	t.Run("returns search response", func(t *testing.T) {
		search := &stubSearchService{resp: &models.SearchResponse{
			Query:   "install",
			Results: []models.SearchResultItem{{ChunkID: "c1", RelevanceScore: 1.0}},
		}}
		r := testRouter(&stubDocumentService{}, search, &stubContentService{})

		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/search?query=install", nil))

		require.Equal(t, http.StatusOK, w.Code)
		var resp models.SearchResponse
		env := decodeEnvelope(t, w.Body.Bytes(), &resp)
		assert.True(t, env.Success)
		assert.False(t, env.Timestamp.IsZero())
		assert.Equal(t, "install", resp.Query)
		require.Len(t, resp.Results, 1)
	})

	t.Run("every body carries the envelope fields", func(t *testing.T) {
		search := &stubSearchService{resp: &models.SearchResponse{Query: "x"}}
		r := testRouter(&stubDocumentService{}, search, &stubContentService{})

		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/search?query=x", nil))

		require.Equal(t, http.StatusOK, w.Code)
		var keys map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &keys))
		for _, key := range []string{"success", "data", "message", "errorCode", "timestamp"} {
			assert.Contains(t, keys, key)
		}
	})

	t.Run("invalid topK is a 400", func(t *testing.T) {
		r := testRouter(&stubDocumentService{}, &stubSearchService{}, &stubContentService{})

		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/search?query=x&topK=abc", nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)

		w = httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/search?query=x&topK=-3", nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("empty query maps to 400", func(t *testing.T) {
		search := &stubSearchService{err: errs.New(errs.KindValidationFailed, "query must not be empty")}
		r := testRouter(&stubDocumentService{}, search, &stubContentService{})

		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/search", nil))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		env := decodeEnvelope(t, w.Body.Bytes(), nil)
		assert.False(t, env.Success)
		assert.Equal(t, "VALIDATION_FAILED", env.ErrorCode)
		assert.Equal(t, "query must not be empty", env.Message)
	})

	t.Run("index outage maps to 503", func(t *testing.T) {
		search := &stubSearchService{err: errs.New(errs.KindExternalUnavailable, "search index unreachable")}
		r := testRouter(&stubDocumentService{}, search, &stubContentService{})

		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/search?query=x", nil))

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}

func TestGetContentEndpoint(t *testing.T) {
	t.Run("returns chunk content", func(t *testing.T) {
		content := &stubContentService{result: &models.ChunkContentResult{
			ChunkID: "c1",
			Content: "full text",
			TokenInfo: models.TokenInfo{
				Tokenizer:    "tiktoken-cl100k_base",
				ActualTokens: 2,
			},
		}}
		r := testRouter(&stubDocumentService{}, &stubSearchService{}, content)

		w := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/api/v1/get-content", strings.NewReader(`{"chunk_id":"c1"}`))
		req.Header.Set("Content-Type", "application/json")
		r.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		var result models.ChunkContentResult
		env := decodeEnvelope(t, w.Body.Bytes(), &result)
		assert.True(t, env.Success)
		assert.Equal(t, "full text", result.Content)
		assert.False(t, result.Truncated)
	})

	t.Run("missing chunk_id fails binding", func(t *testing.T) {
		r := testRouter(&stubDocumentService{}, &stubSearchService{}, &stubContentService{})

		w := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/api/v1/get-content", strings.NewReader(`{}`))
		req.Header.Set("Content-Type", "application/json")
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown chunk maps to 404", func(t *testing.T) {
		content := &stubContentService{err: errs.Newf(errs.KindChunkNotFound, "chunk %s not found", "c9")}
		r := testRouter(&stubDocumentService{}, &stubSearchService{}, content)

		w := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/api/v1/get-content", strings.NewReader(`{"chunk_id":"c9"}`))
		req.Header.Set("Content-Type", "application/json")
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
		env := decodeEnvelope(t, w.Body.Bytes(), nil)
		assert.False(t, env.Success)
		assert.Equal(t, "CHUNK_NOT_FOUND", env.ErrorCode)
	})
}

func TestSourceEndpoints(t *testing.T) {
	t.Run("malformed id is a 400", func(t *testing.T) {
		r := testRouter(&stubDocumentService{}, &stubSearchService{}, &stubContentService{})

		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/sources/not-a-uuid", nil))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("resync conflict maps to 409", func(t *testing.T) {
		docs := &stubDocumentService{err: errs.New(errs.KindConflictProcessing, "document is being processed")}
		r := testRouter(docs, &stubSearchService{}, &stubContentService{})

		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest("POST", "/api/v1/sources/"+uuid.NewString()+"/resync", nil))

		assert.Equal(t, http.StatusConflict, w.Code)
		env := decodeEnvelope(t, w.Body.Bytes(), nil)
		assert.False(t, env.Success)
		assert.Equal(t, "CONFLICT_PROCESSING", env.ErrorCode)
	})

	t.Run("delete accepted returns 202", func(t *testing.T) {
		r := testRouter(&stubDocumentService{}, &stubSearchService{}, &stubContentService{})

		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest("DELETE", "/api/v1/sources/"+uuid.NewString(), nil))

		assert.Equal(t, http.StatusAccepted, w.Code)
	})

	t.Run("unknown document maps to 404", func(t *testing.T) {
		docs := &stubDocumentService{err: errs.Newf(errs.KindSourceDocumentNotFound, "source document not found")}
		r := testRouter(docs, &stubSearchService{}, &stubContentService{})

		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/sources/"+uuid.NewString(), nil))

		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}
