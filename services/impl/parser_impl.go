package impl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/tas-knowledge-base/config"
	"github.com/tas-knowledge-base/errs"
	"github.com/tas-knowledge-base/models"
	"github.com/tas-knowledge-base/services"
)

// parserImpl calls the external document parser service, which turns raw
// file bytes into an ordered stream of typed elements.
type parserImpl struct {
	baseURL    string
	httpClient *http.Client
}

func NewDocumentParser(cfg *config.ParserConfig) services.DocumentParser {
	return &parserImpl{
		baseURL: cfg.URL,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
	}
}

func (p *parserImpl) Parse(ctx context.Context, reader io.Reader, filename string, fileType models.FileType) ([]models.ParsedElement, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("failed to build parser request: %w", err)
	}
	if _, err := io.Copy(part, reader); err != nil {
		return nil, fmt.Errorf("failed to buffer file for parser: %w", err)
	}

	for key, value := range parserHints(fileType) {
		if err := writer.WriteField(key, value); err != nil {
			return nil, fmt.Errorf("failed to build parser request: %w", err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to build parser request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/parse", p.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())
	httpReq.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, errs.Wrap(errs.KindExternalUnavailable, "parser service unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, errs.Newf(errs.KindExternalUnavailable, "parser returned status %d: %s", resp.StatusCode, string(respBody))
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, errs.Newf(errs.KindIngestionFailed, "parse failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var elements []models.ParsedElement
	if err := json.NewDecoder(resp.Body).Decode(&elements); err != nil {
		return nil, errs.Wrap(errs.KindIngestionFailed, "failed to decode parser response", err)
	}

	return elements, nil
}

// parserHints returns the per-file-type options sent with the parse request.
// PDF asks for high-resolution layout with table structure inference;
// Markdown asks for only top-level headings to be emitted as Title elements.
func parserHints(fileType models.FileType) map[string]string {
	hints := map[string]string{}
	switch fileType {
	case models.FileTypePDF:
		hints["strategy"] = "hi_res"
		hints["pdf_infer_table_structure"] = "true"
	case models.FileTypeMarkdown:
		hints["markdown_title_depth"] = "1"
	}
	return hints
}
