package impl

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/tas-knowledge-base/models"
)

const (
	chunkElementType    = "TitleBasedChunk"
	syntheticStartTitle = "Document Start"
	syntheticOnlyTitle  = "Document Content"
)

// codeTokens disqualify a "# "-prefixed line from being treated as a
// markdown heading when it appears inside narrative text. Parsers sometimes
// mislabel code snippets as NarrativeText and shell comments or shebangs
// must not open new chunks.
var codeTokens = []string{
	"console.", "function ", "var ", "let ", "const ",
	"if(", "for(", "while(", "class ", "return ", "break;", "continue;",
}

// TitleChunker converts a parsed element stream into ordered chunks, opening
// a new chunk at every Title element. It is deterministic: the same stream
// always yields the same chunks in the same order.
type TitleChunker struct {
	fileType models.FileType
	language string
}

func NewTitleChunker(fileType models.FileType) *TitleChunker {
	return &TitleChunker{
		fileType: fileType,
		language: "en",
	}
}

// Chunk walks the element stream and emits title-delimited chunks for the
// given document. Empty elements are skipped.
func (c *TitleChunker) Chunk(documentID uuid.UUID, elements []models.ParsedElement) []models.StructuredChunk {
	var chunks []models.StructuredChunk
	var current *chunkBuilder
	sawTitle := false

	flush := func() {
		if current == nil {
			return
		}
		chunks = append(chunks, current.build(documentID, len(chunks), c.fileType, c.language))
		current = nil
	}

	for _, el := range elements {
		text := strings.TrimSpace(el.Text)
		if text == "" {
			continue
		}

		if title, ok := c.titleOf(el, text); ok {
			sawTitle = true
			flush()
			current = newChunkBuilder(title)
			current.countElement(el.Type)
			continue
		}

		if current == nil {
			current = newChunkBuilder(syntheticStartTitle)
		}
		current.appendElement(el, text)
	}
	flush()

	// A document without any recognized heading collapses to a single chunk
	// with a content-level title.
	if !sawTitle && len(chunks) == 1 && chunks[0].Title == syntheticStartTitle {
		chunks[0].Title = syntheticOnlyTitle
		chunks[0].Metadata["title"] = syntheticOnlyTitle
		chunks[0].Metadata["breadcrumbs"] = syntheticOnlyTitle
	}

	return chunks
}

// titleOf reports whether the element opens a new chunk and returns its
// title text.
func (c *TitleChunker) titleOf(el models.ParsedElement, text string) (string, bool) {
	if el.Type == models.ElementTitle {
		return text, true
	}
	if el.Type == models.ElementNarrativeText && isMarkdownHeading(text) {
		return strings.TrimSpace(strings.TrimPrefix(text, "#")), true
	}
	return "", false
}

// isMarkdownHeading matches a single top-level markdown heading: one `#`
// followed by whitespace, with heading text that does not look like source
// code.
func isMarkdownHeading(text string) bool {
	if !strings.HasPrefix(text, "# ") && !strings.HasPrefix(text, "#\t") {
		return false
	}
	rest := strings.TrimSpace(text[2:])
	if rest == "" || strings.HasPrefix(rest, "#") {
		return false
	}
	for _, tok := range codeTokens {
		if strings.Contains(rest, tok) {
			return false
		}
	}
	return true
}

// chunkBuilder accumulates one chunk's body with type-aware formatting.
type chunkBuilder struct {
	title        string
	parts        []string
	elementTypes map[string]int
}

func newChunkBuilder(title string) *chunkBuilder {
	return &chunkBuilder{
		title:        title,
		elementTypes: make(map[string]int),
	}
}

func (b *chunkBuilder) countElement(elementType string) {
	b.elementTypes[elementType]++
}

func (b *chunkBuilder) appendElement(el models.ParsedElement, text string) {
	b.countElement(el.Type)

	switch el.Type {
	case models.ElementHeader:
		b.parts = append(b.parts, strings.Repeat("#", headerDepth(el))+" "+text)
	case models.ElementBlockQuote:
		b.parts = append(b.parts, "> "+text)
	case models.ElementCode:
		b.parts = append(b.parts, "```\n"+text+"\n```")
	case models.ElementListItem:
		b.parts = append(b.parts, "• "+text)
	case models.ElementHorizontalRule:
		b.parts = append(b.parts, "---")
	case models.ElementTable:
		b.parts = append(b.parts, "[Table]\n"+text)
	default:
		b.parts = append(b.parts, text)
	}
}

// headerDepth reads the heading depth from parser metadata, defaulting to 2.
func headerDepth(el models.ParsedElement) int {
	if el.Metadata == nil {
		return 2
	}
	switch v := el.Metadata["depth"].(type) {
	case int:
		if v >= 1 {
			return v
		}
	case float64:
		if v >= 1 {
			return int(v)
		}
	}
	return 2
}

func (b *chunkBuilder) build(documentID uuid.UUID, index int, fileType models.FileType, language string) models.StructuredChunk {
	content := strings.Join(b.parts, "\n\n")

	histogram := make(map[string]int, len(b.elementTypes))
	for k, v := range b.elementTypes {
		histogram[k] = v
	}

	return models.StructuredChunk{
		ID:               models.ChunkID(documentID, index),
		SourceDocumentID: documentID.String(),
		Title:            b.title,
		HierarchyLevel:   1, // title-based chunks are independent sections
		Sequence:         index,
		ElementType:      chunkElementType,
		Content:          content,
		Metadata: map[string]any{
			"title":              b.title,
			"hierarchyLevel":     1,
			"sequenceInDocument": index,
			"language":           language,
			"fileType":           string(fileType),
			"breadcrumbs":        b.title,
			"elementTypes":       histogram,
		},
	}
}

// ChunkStats summarizes a chunking pass for the ingestion run audit record.
func ChunkStats(chunks []models.StructuredChunk) map[string]any {
	total := 0
	for _, c := range chunks {
		total += len(c.Content)
	}
	return map[string]any{
		"chunk_count":    len(chunks),
		"content_length": total,
	}
}

// chunkTitlesPreview is a small helper used in log lines.
func chunkTitlesPreview(chunks []models.StructuredChunk, max int) string {
	titles := make([]string, 0, max)
	for i, c := range chunks {
		if i >= max {
			titles = append(titles, "…")
			break
		}
		titles = append(titles, c.Title)
	}
	return fmt.Sprintf("[%s]", strings.Join(titles, ", "))
}
