package model

import (
	"strconv"
	"strings"
)

// ChunkID identifies a DocumentChunk. It is derived from the source file name
// and the position of the chunk inside that file, so re-ingesting the same
// corpus produces the same ids.
type ChunkID string

// NewChunkID builds the deterministic id of the index-th chunk of filename.
func NewChunkID(filename string, index int) ChunkID {
	return ChunkID(filename + "_" + strconv.Itoa(index))
}

// DocumentChunk is one retrievable span of a corpus document. It is
// immutable once written.
type DocumentChunk struct {
	ID             ChunkID
	SourceFilename string
	SequenceIndex  int
	Text           string
	Vector         []float32
}

// SplitDocument splits text on blank-line boundaries. Chunks that contain only
// whitespace are dropped but keep their slot in the numbering, so ids stay
// stable when surrounding paragraphs change.
func SplitDocument(filename, text string) []*DocumentChunk {
	normalized := strings.ReplaceAll(text, "\r\n", "\n")
	parts := strings.Split(normalized, "\n\n")

	chunks := make([]*DocumentChunk, 0, len(parts))
	for i, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		chunks = append(chunks, &DocumentChunk{
			ID:             NewChunkID(filename, i),
			SourceFilename: filename,
			SequenceIndex:  i,
			Text:           trimmed,
		})
	}
	return chunks
}
