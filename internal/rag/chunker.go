// Package rag indexes project files and context entries into the
// vector store and answers similarity queries over them. It also
// backs the task-placement duplicate check.
package rag

import (
	"fmt"
	"strings"

	"agentmcp/internal/store"
)

// Chunking defaults. Sizes are in bytes.
const (
	DefaultChunkSize = 1200
	DefaultOverlap   = 200
)

// Chunker splits source text on natural boundaries (blank lines,
// fenced code blocks) and packs the pieces into chunks near the
// target size. Oversized pieces are hard-split with overlap.
type Chunker struct {
	TargetSize int
	Overlap    int
}

// NewChunker returns a chunker with the default sizing.
func NewChunker() *Chunker {
	return &Chunker{TargetSize: DefaultChunkSize, Overlap: DefaultOverlap}
}

// segment is a natural unit of text with its byte offset.
type segment struct {
	offset int
	text   string
}

// Split produces store chunks for one source. Byte offsets and
// lengths refer to the original text.
func (c *Chunker) Split(sourceKind, sourceRef, text string) []store.Chunk {
	target := c.TargetSize
	if target <= 0 {
		target = DefaultChunkSize
	}
	overlap := c.Overlap
	if overlap < 0 || overlap >= target {
		overlap = DefaultOverlap
	}

	segs := splitSegments(text)
	if len(segs) == 0 {
		return nil
	}

	var chunks []store.Chunk
	groupStart, groupEnd := -1, -1

	// Every chunk's text is an exact byte slice of the original, so
	// offset+length always round-trips.
	add := func(start, end int) {
		body := text[start:end]
		if strings.TrimSpace(body) == "" {
			return
		}
		chunks = append(chunks, store.Chunk{
			ChunkID:    fmt.Sprintf("%s:%s#%d", sourceKind, sourceRef, len(chunks)),
			SourceKind: sourceKind,
			SourceRef:  sourceRef,
			Offset:     start,
			Length:     end - start,
			Text:       body,
		})
	}

	flush := func() {
		if groupStart >= 0 {
			add(groupStart, groupEnd)
		}
		groupStart, groupEnd = -1, -1
	}

	for _, seg := range segs {
		segEnd := seg.offset + len(seg.text)

		if len(seg.text) > target {
			// A single oversized segment: flush what we have, then
			// hard-split it with overlap.
			flush()
			for start := seg.offset; start < segEnd; {
				end := start + target
				if end > segEnd {
					end = segEnd
				}
				add(start, end)
				if end == segEnd {
					break
				}
				start = end - overlap
			}
			continue
		}

		if groupStart >= 0 && (segEnd-groupStart) > target {
			flush()
		}
		if groupStart < 0 {
			groupStart = seg.offset
		}
		groupEnd = segEnd
	}
	flush()

	return chunks
}

// splitSegments breaks text at blank lines while keeping fenced code
// blocks whole, tracking byte offsets.
func splitSegments(text string) []segment {
	var segs []segment
	lines := strings.SplitAfter(text, "\n")

	var buf strings.Builder
	bufStart := -1
	offset := 0
	inFence := false

	emit := func() {
		s := strings.TrimRight(buf.String(), "\n")
		if strings.TrimSpace(s) != "" {
			segs = append(segs, segment{offset: bufStart, text: s})
		}
		buf.Reset()
		bufStart = -1
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
		}

		if trimmed == "" && !inFence {
			emit()
		} else {
			if bufStart < 0 {
				bufStart = offset
			}
			buf.WriteString(line)
		}
		offset += len(line)
	}
	emit()

	return segs
}
