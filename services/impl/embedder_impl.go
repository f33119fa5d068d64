package impl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tas-knowledge-base/config"
	"github.com/tas-knowledge-base/errs"
	"github.com/tas-knowledge-base/models"
	"github.com/tas-knowledge-base/services"
)

// embedderImpl calls the external embedding model server. The wire format is
// the OpenAI-compatible embeddings API ({model, input}) that local model
// servers also speak.
type embedderImpl struct {
	url        string
	model      string
	batchSize  int
	dimension  int
	httpClient *http.Client
}

func NewEmbedder(cfg *config.EmbeddingConfig) services.Embedder {
	return &embedderImpl{
		url:       cfg.URL,
		model:     cfg.Model,
		batchSize: cfg.BatchSize,
		dimension: cfg.Dimension,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
	}
}

func (e *embedderImpl) Dimension() int {
	return e.dimension
}

func (e *embedderImpl) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.embedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, errs.Newf(errs.KindIngestionFailed, "embedding service returned %d vectors for 1 input", len(vectors))
	}
	return vectors[0], nil
}

// EmbedChunks annotates chunks with vectors, preserving order. Chunks are
// submitted in fixed-size batches.
func (e *embedderImpl) EmbedChunks(ctx context.Context, chunks []models.StructuredChunk) ([]models.StructuredChunk, error) {
	for start := 0; start < len(chunks); start += e.batchSize {
		end := start + e.batchSize
		if end > len(chunks) {
			end = len(chunks)
		}

		texts := make([]string, 0, end-start)
		for i := start; i < end; i++ {
			texts = append(texts, chunks[i].EmbeddingText())
		}

		vectors, err := e.embedBatch(ctx, texts)
		if err != nil {
			return nil, err
		}
		if len(vectors) != len(texts) {
			return nil, errs.Newf(errs.KindIngestionFailed, "embedding service returned %d vectors for %d inputs", len(vectors), len(texts))
		}

		for i, vec := range vectors {
			chunks[start+i].Embedding = vec
		}
	}

	return chunks, nil
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (e *embedderImpl) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	payload, err := json.Marshal(embeddingRequest{Model: e.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", e.url, bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, errs.Wrap(errs.KindExternalUnavailable, "embedding service unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, errs.Newf(errs.KindExternalUnavailable, "embedding service returned status %d: %s", resp.StatusCode, string(respBody))
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, errs.Newf(errs.KindIngestionFailed, "embedding failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, errs.Wrap(errs.KindIngestionFailed, "failed to decode embedding response", err)
	}

	// Responses are index-addressed; rebuild in input order and verify the
	// fixed dimensionality.
	vectors := make([][]float32, len(texts))
	for _, item := range parsed.Data {
		if item.Index < 0 || item.Index >= len(texts) {
			return nil, errs.Newf(errs.KindIngestionFailed, "embedding response index %d out of range", item.Index)
		}
		if len(item.Embedding) != e.dimension {
			return nil, errs.Newf(errs.KindIngestionFailed, "embedding dimension %d does not match configured %d", len(item.Embedding), e.dimension)
		}
		vectors[item.Index] = item.Embedding
	}
	for i, vec := range vectors {
		if vec == nil {
			return nil, errs.Newf(errs.KindIngestionFailed, "embedding response missing vector for input %d", i)
		}
	}

	return vectors, nil
}
