package impl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/tas-knowledge-base/config"
	"github.com/tas-knowledge-base/errs"
	"github.com/tas-knowledge-base/models"
	"github.com/tas-knowledge-base/services"
)

// searchIndexImpl talks to an OpenSearch-compatible index over its JSON API.
// One index holds every chunk body with its embedding; lexical and vector
// relevance are blended in a single query.
type searchIndexImpl struct {
	baseURL      string
	indexName    string
	dimension    int
	bm25Weight   float64
	vectorWeight float64
	httpClient   *http.Client
}

func NewSearchIndex(cfg *config.SearchConfig, dimension int) services.SearchIndex {
	return &searchIndexImpl{
		baseURL:      cfg.IndexURL,
		indexName:    cfg.IndexName,
		dimension:    dimension,
		bm25Weight:   cfg.BM25Weight,
		vectorWeight: cfg.VectorWeight,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
	}
}

// EnsureIndex creates the chunk index with its mapping when missing.
func (s *searchIndexImpl) EnsureIndex(ctx context.Context) error {
	head, err := http.NewRequestWithContext(ctx, "HEAD", s.indexURL(), nil)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	resp, err := s.httpClient.Do(head)
	if err != nil {
		return errs.Wrap(errs.KindExternalUnavailable, "search index unreachable", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	if resp.StatusCode != http.StatusNotFound {
		return errs.Newf(errs.KindExternalUnavailable, "search index returned status %d on existence check", resp.StatusCode)
	}

	mapping := map[string]any{
		"settings": map[string]any{
			"index": map[string]any{"knn": true},
		},
		"mappings": map[string]any{
			"properties": map[string]any{
				"chunkId":          map[string]any{"type": "keyword"},
				"sourceDocumentId": map[string]any{"type": "keyword"},
				"content":          map[string]any{"type": "text"},
				"embedding":        map[string]any{"type": "knn_vector", "dimension": s.dimension},
				"indexedAt":        map[string]any{"type": "date"},
				"metadata": map[string]any{
					"properties": map[string]any{
						"title":              map[string]any{"type": "text"},
						"hierarchyLevel":     map[string]any{"type": "integer"},
						"sequenceInDocument": map[string]any{"type": "integer"},
						"language":           map[string]any{"type": "keyword"},
						"fileType":           map[string]any{"type": "keyword"},
						"breadcrumbs":        map[string]any{"type": "text"},
						"elementTypes":       map[string]any{"type": "object", "enabled": false},
					},
				},
			},
		},
	}

	body, err := json.Marshal(mapping)
	if err != nil {
		return fmt.Errorf("failed to marshal index mapping: %w", err)
	}

	put, err := http.NewRequestWithContext(ctx, "PUT", s.indexURL(), bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	put.Header.Set("Content-Type", "application/json")

	resp, err = s.httpClient.Do(put)
	if err != nil {
		return errs.Wrap(errs.KindExternalUnavailable, "search index unreachable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return errs.Newf(errs.KindExternalUnavailable, "failed to create index: status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// BulkIndex writes chunks keyed by chunk id in one bulk request. The body is
// NDJSON sent as UTF-8 bytes; no intermediate re-encoding touches the
// content. Any per-item error fails the whole call with the first reason.
func (s *searchIndexImpl) BulkIndex(ctx context.Context, chunks []models.StructuredChunk) error {
	if len(chunks) == 0 {
		return nil
	}

	var body bytes.Buffer
	now := time.Now().UTC().Format(time.RFC3339)
	for i := range chunks {
		chunk := &chunks[i]
		action := map[string]any{
			"index": map[string]any{"_index": s.indexName, "_id": chunk.ID},
		}
		doc := map[string]any{
			"chunkId":          chunk.ID,
			"sourceDocumentId": chunk.SourceDocumentID,
			"content":          chunk.Content,
			"embedding":        chunk.Embedding,
			"indexedAt":        now,
			"metadata":         chunk.Metadata,
		}

		actionLine, err := json.Marshal(action)
		if err != nil {
			return fmt.Errorf("failed to marshal bulk action: %w", err)
		}
		docLine, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("failed to marshal chunk %s: %w", chunk.ID, err)
		}
		body.Write(actionLine)
		body.WriteByte('\n')
		body.Write(docLine)
		body.WriteByte('\n')
	}

	bulkURL := fmt.Sprintf("%s/_bulk?refresh=wait_for", s.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", bulkURL, &body)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-ndjson; charset=UTF-8")

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return errs.Wrap(errs.KindExternalUnavailable, "search index unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return errs.Newf(errs.KindIngestionFailed, "bulk index returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var bulkResp struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			ID     string `json:"_id"`
			Status int    `json:"status"`
			Error  *struct {
				Type   string `json:"type"`
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&bulkResp); err != nil {
		return errs.Wrap(errs.KindIngestionFailed, "failed to decode bulk response", err)
	}

	if bulkResp.Errors {
		for _, item := range bulkResp.Items {
			for _, result := range item {
				if result.Error != nil {
					return errs.Newf(errs.KindIngestionFailed, "bulk index failed for chunk %s: %s: %s",
						result.ID, result.Error.Type, result.Error.Reason)
				}
			}
		}
		return errs.New(errs.KindIngestionFailed, "bulk index reported errors without item details")
	}

	return nil
}

// Search submits the compound hybrid query: a multi-field lexical match
// weighted by bm25Weight next to a script-scored cosine similarity weighted
// by vectorWeight, both as should-clauses of one bool query.
func (s *searchIndexImpl) Search(ctx context.Context, query string, vector []float32, topK int) ([]models.IndexedChunkHit, error) {
	searchBody := map[string]any{
		"size": topK,
		"_source": []string{
			"chunkId", "sourceDocumentId", "content", "metadata",
		},
		"query": map[string]any{
			"bool": map[string]any{
				"should": []any{
					map[string]any{
						"multi_match": map[string]any{
							"query":     query,
							"fields":    []string{"content^2", "metadata.title^1.5"},
							"type":      "best_fields",
							"fuzziness": "AUTO",
							"boost":     s.bm25Weight,
						},
					},
					map[string]any{
						"script_score": map[string]any{
							"query": map[string]any{"match_all": map[string]any{}},
							"script": map[string]any{
								"source": "(cosineSimilarity(params.query_vector, doc['embedding']) + 1.0) * params.weight",
								"params": map[string]any{
									"query_vector": vector,
									"weight":       s.vectorWeight,
								},
							},
						},
					},
				},
			},
		},
	}

	payload, err := json.Marshal(searchBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal search request: %w", err)
	}

	searchURL := fmt.Sprintf("%s/_search", s.indexURL())
	httpReq, err := http.NewRequestWithContext(ctx, "POST", searchURL, bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, errs.Wrap(errs.KindSearchFailed, "search index unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, errs.Newf(errs.KindSearchFailed, "search returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var searchResp struct {
		Hits struct {
			Hits []struct {
				ID     string  `json:"_id"`
				Score  float64 `json:"_score"`
				Source struct {
					ChunkID          string         `json:"chunkId"`
					SourceDocumentID string         `json:"sourceDocumentId"`
					Content          string         `json:"content"`
					Metadata         map[string]any `json:"metadata"`
				} `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&searchResp); err != nil {
		return nil, errs.Wrap(errs.KindSearchFailed, "failed to decode search response", err)
	}

	hits := make([]models.IndexedChunkHit, 0, len(searchResp.Hits.Hits))
	for _, h := range searchResp.Hits.Hits {
		hit := models.IndexedChunkHit{
			ChunkID:          h.Source.ChunkID,
			SourceDocumentID: h.Source.SourceDocumentID,
			Content:          h.Source.Content,
			Score:            h.Score,
			Metadata:         h.Source.Metadata,
		}
		if hit.ChunkID == "" {
			hit.ChunkID = h.ID
		}
		if h.Source.Metadata != nil {
			if title, ok := h.Source.Metadata["title"].(string); ok {
				hit.Title = title
			}
			if level, ok := h.Source.Metadata["hierarchyLevel"].(float64); ok {
				hit.HierarchyLevel = int(level)
			}
			if ft, ok := h.Source.Metadata["fileType"].(string); ok {
				hit.FileType = ft
			}
		}
		hits = append(hits, hit)
	}

	return hits, nil
}

// GetChunkContent fetches one chunk document projecting only its content.
func (s *searchIndexImpl) GetChunkContent(ctx context.Context, chunkID string) (string, error) {
	docURL := fmt.Sprintf("%s/_doc/%s?_source_includes=content", s.indexURL(), url.PathEscape(chunkID))
	httpReq, err := http.NewRequestWithContext(ctx, "GET", docURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create HTTP request: %w", err)
	}

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return "", errs.Wrap(errs.KindExternalUnavailable, "search index unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", errs.Newf(errs.KindChunkNotFound, "chunk %s not found", chunkID)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", errs.Newf(errs.KindSearchFailed, "chunk fetch returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var docResp struct {
		Found  bool `json:"found"`
		Source struct {
			Content *string `json:"content"`
		} `json:"_source"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&docResp); err != nil {
		return "", errs.Wrap(errs.KindSearchFailed, "failed to decode chunk fetch response", err)
	}

	if !docResp.Found {
		return "", errs.Newf(errs.KindChunkNotFound, "chunk %s not found", chunkID)
	}
	if docResp.Source.Content == nil {
		return "", errs.Newf(errs.KindContentUnavailable, "chunk %s has no content field", chunkID)
	}

	return *docResp.Source.Content, nil
}

// DeleteByDocument removes all chunks of a document. A missing index means
// there is nothing to delete and counts as success.
func (s *searchIndexImpl) DeleteByDocument(ctx context.Context, documentID string) error {
	deleteBody := map[string]any{
		"query": map[string]any{
			"term": map[string]any{"sourceDocumentId": documentID},
		},
	}
	payload, err := json.Marshal(deleteBody)
	if err != nil {
		return fmt.Errorf("failed to marshal delete request: %w", err)
	}

	deleteURL := fmt.Sprintf("%s/_delete_by_query?refresh=true", s.indexURL())
	httpReq, err := http.NewRequestWithContext(ctx, "POST", deleteURL, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return errs.Wrap(errs.KindExternalUnavailable, "search index unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return errs.Newf(errs.KindDeletionFailed, "delete by document returned status %d: %s", resp.StatusCode, string(respBody))
	}

	return nil
}

func (s *searchIndexImpl) indexURL() string {
	return fmt.Sprintf("%s/%s", s.baseURL, url.PathEscape(s.indexName))
}
