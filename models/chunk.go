package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Element types emitted by the external document parser.
const (
	ElementTitle          = "Title"
	ElementHeader         = "Header"
	ElementNarrativeText  = "NarrativeText"
	ElementListItem       = "ListItem"
	ElementTable          = "Table"
	ElementCode           = "Code"
	ElementBlockQuote     = "BlockQuote"
	ElementHorizontalRule = "HorizontalRule"
)

// ParsedElement is one typed element from the parser's ordered stream.
type ParsedElement struct {
	Type     string         `json:"type"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// StructuredChunk is the atomic retrieval unit produced by the chunker,
// enriched with a vector by the embedder, and persisted by the indexer
// (body + vector in the search index, hierarchy row in the metadata store).
type StructuredChunk struct {
	ID               string         `json:"chunk_id"`
	SourceDocumentID string         `json:"source_document_id"`
	Title            string         `json:"title"`
	HierarchyLevel   int            `json:"hierarchy_level"`
	Sequence         int            `json:"sequence_in_document"`
	ElementType      string         `json:"element_type"`
	Content          string         `json:"content"`
	Embedding        []float32      `json:"embedding,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// ChunkID derives the stable chunk identifier from the owning document and
// the chunk's creation-order index. Resyncing an unchanged file therefore
// reproduces identical ids.
func ChunkID(documentID uuid.UUID, index int) string {
	return fmt.Sprintf("%s-chunk-%d", documentID.String(), index)
}

// EmbeddingText is the text submitted to the embedding model for a chunk.
func (c *StructuredChunk) EmbeddingText() string {
	if c.Title != "" {
		return "Title: " + c.Title + "\n" + c.Content
	}
	return c.Content
}

// ChunkRecord is the chunk hierarchy row in the metadata store. The chunk
// body and vector live in the search index under the same id.
type ChunkRecord struct {
	ID                 string          `json:"id" gorm:"primaryKey"`
	DocumentID         uuid.UUID       `json:"document_id" gorm:"type:uuid;not null;index"`
	Document           *SourceDocument `json:"-" gorm:"foreignKey:DocumentID;constraint:OnDelete:CASCADE"`
	ParentChunkID      *string         `json:"parent_chunk_id,omitempty" gorm:"index"`
	Parent             *ChunkRecord    `json:"-" gorm:"foreignKey:ParentChunkID;constraint:OnDelete:CASCADE"`
	SequenceInDocument int             `json:"sequence_in_document" gorm:"not null"`
	CreatedAt          time.Time       `json:"created_at"`
}

func (ChunkRecord) TableName() string {
	return "chunks"
}
