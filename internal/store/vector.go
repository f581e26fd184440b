package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"agentmcp/internal/logging"
)

// Chunk is one indexed slice of a file or context entry, with its
// embedding vector.
type Chunk struct {
	ChunkID    string
	SourceKind string // "file" | "context"
	SourceRef  string // path or context key
	Offset     int
	Length     int
	Text       string
	Embedding  []float32
	IndexedAt  string
}

// SearchResult pairs a chunk with its similarity to the query vector.
type SearchResult struct {
	Chunk      Chunk
	Similarity float64
}

// UpsertChunks writes chunk rows and their vectors in one transaction.
// The relational row keeps a JSON copy of the embedding so brute-force
// search works when the vec extension is absent.
func (s *Store) UpsertChunks(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	timer := logging.StartTimer(logging.CategoryStore, "UpsertChunks")
	defer timer.Stop()

	return s.Tx(ctx, func(tx *sql.Tx) error {
		for _, c := range chunks {
			embJSON, err := json.Marshal(c.Embedding)
			if err != nil {
				return fmt.Errorf("failed to encode embedding for %s: %w", c.ChunkID, err)
			}
			_, err = tx.Exec(`INSERT OR REPLACE INTO embedding_chunks
				(chunk_id, source_kind, source_ref, "offset", "length", text, embedding, indexed_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				c.ChunkID, c.SourceKind, c.SourceRef, c.Offset, c.Length, c.Text, string(embJSON), c.IndexedAt)
			if err != nil {
				return fmt.Errorf("failed to upsert chunk %s: %w", c.ChunkID, err)
			}

			if s.vectorExt {
				if _, err := tx.Exec("DELETE FROM vec_chunks WHERE chunk_id = ?", c.ChunkID); err != nil {
					return fmt.Errorf("failed to clear vector for %s: %w", c.ChunkID, err)
				}
				blob := encodeFloat32SliceToBlob(c.Embedding)
				if _, err := tx.Exec("INSERT INTO vec_chunks (embedding, chunk_id) VALUES (?, ?)", blob, c.ChunkID); err != nil {
					return fmt.Errorf("failed to insert vector for %s: %w", c.ChunkID, err)
				}
			}
		}
		return nil
	})
}

// DeleteSourceChunks removes all chunks for one source, e.g. before a
// file is re-indexed.
func (s *Store) DeleteSourceChunks(ctx context.Context, sourceKind, sourceRef string) error {
	return s.Tx(ctx, func(tx *sql.Tx) error {
		if s.vectorExt {
			_, err := tx.Exec(`DELETE FROM vec_chunks WHERE chunk_id IN
				(SELECT chunk_id FROM embedding_chunks WHERE source_kind = ? AND source_ref = ?)`,
				sourceKind, sourceRef)
			if err != nil {
				return err
			}
		}
		_, err := tx.Exec("DELETE FROM embedding_chunks WHERE source_kind = ? AND source_ref = ?",
			sourceKind, sourceRef)
		return err
	})
}

// SearchChunks returns the k nearest chunks to the query vector,
// optionally filtered by source kind. Uses the vec0 index when present,
// else brute-force cosine over the stored JSON vectors.
func (s *Store) SearchChunks(ctx context.Context, query []float32, k int, sourceKind string) ([]SearchResult, error) {
	if k <= 0 {
		k = 5
	}
	if s.vectorExt {
		return s.searchVec(ctx, query, k, sourceKind)
	}
	return s.searchBrute(ctx, query, k, sourceKind)
}

func (s *Store) searchVec(ctx context.Context, query []float32, k int, sourceKind string) ([]SearchResult, error) {
	queryBlob := encodeFloat32SliceToBlob(query)

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.chunk_id, c.source_kind, c.source_ref, c."offset", c."length", c.text, c.indexed_at,
			vec_distance_cosine(v.embedding, ?) AS distance
		FROM vec_chunks v
		JOIN embedding_chunks c ON c.chunk_id = v.chunk_id
		WHERE (? = '' OR c.source_kind = ?)
		ORDER BY distance ASC
		LIMIT ?`,
		queryBlob, sourceKind, sourceKind, k)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		var distance float64
		if err := rows.Scan(&r.Chunk.ChunkID, &r.Chunk.SourceKind, &r.Chunk.SourceRef,
			&r.Chunk.Offset, &r.Chunk.Length, &r.Chunk.Text, &r.Chunk.IndexedAt, &distance); err != nil {
			logging.StoreWarn("failed to scan search row: %v", err)
			continue
		}
		r.Similarity = 1.0 - distance
		results = append(results, r)
	}
	return results, rows.Err()
}

func (s *Store) searchBrute(ctx context.Context, query []float32, k int, sourceKind string) ([]SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT chunk_id, source_kind, source_ref, "offset", "length", text, embedding, indexed_at
		FROM embedding_chunks
		WHERE (? = '' OR source_kind = ?)`,
		sourceKind, sourceKind)
	if err != nil {
		return nil, fmt.Errorf("chunk scan failed: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var c Chunk
		var embJSON sql.NullString
		if err := rows.Scan(&c.ChunkID, &c.SourceKind, &c.SourceRef, &c.Offset, &c.Length,
			&c.Text, &embJSON, &c.IndexedAt); err != nil {
			continue
		}
		if !embJSON.Valid || embJSON.String == "" {
			continue
		}
		if err := json.Unmarshal([]byte(embJSON.String), &c.Embedding); err != nil {
			continue
		}
		sim := CosineSimilarity(query, c.Embedding)
		results = append(results, SearchResult{Chunk: c, Similarity: sim})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// ChunkCount returns the number of indexed chunks.
func (s *Store) ChunkCount() (int, error) {
	var n int
	err := s.QueryRow("SELECT COUNT(*) FROM embedding_chunks").Scan(&n)
	return n, err
}

// FileHash returns the recorded content hash for a path, or "" when the
// file has never been indexed.
func (s *Store) FileHash(path string) string {
	var hash string
	if err := s.QueryRow("SELECT content_hash FROM file_metadata WHERE path = ?", path).Scan(&hash); err != nil {
		return ""
	}
	return hash
}

// SetFileHash records the content hash for an indexed path.
func (s *Store) SetFileHash(path, hash, indexedAt string) error {
	_, err := s.Exec(`INSERT OR REPLACE INTO file_metadata (path, content_hash, indexed_at)
		VALUES (?, ?, ?)`, path, hash, indexedAt)
	return err
}

// CosineSimilarity computes the cosine of the angle between two vectors.
// Returns 0 for mismatched lengths or zero vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// encodeFloat32SliceToBlob encodes a float32 slice as the little-endian
// binary blob sqlite-vec expects.
func encodeFloat32SliceToBlob(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}
