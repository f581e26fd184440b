package rag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"agentmcp/internal/config"
	"agentmcp/internal/embedding"
	"agentmcp/internal/logging"
	"agentmcp/internal/store"
	"agentmcp/internal/task"
)

// Source kinds recorded on chunks.
const (
	SourceFile    = "file"
	SourceContext = "context"
	SourceTask    = "task"
)

// maxIndexableFileSize skips obviously binary or generated blobs.
const maxIndexableFileSize = 1 << 20 // 1 MiB

// Stats summarizes one indexing run.
type Stats struct {
	FilesProcessed int `json:"files_processed"`
	ChunksCreated  int `json:"chunks_created"`
	Errors         int `json:"errors"`
}

// Indexer walks the project tree, chunks changed files and upserts
// their embeddings.
type Indexer struct {
	st      *store.Store
	eng     embedding.Engine
	chunker *Chunker
	cfg     config.RAGConfig
}

// NewIndexer wires an indexer over the store and embedding engine.
func NewIndexer(st *store.Store, eng embedding.Engine, cfg config.RAGConfig) *Indexer {
	return &Indexer{st: st, eng: eng, chunker: NewChunker(), cfg: cfg}
}

// alwaysIgnored are directories skipped regardless of configuration.
var alwaysIgnored = map[string]bool{
	".agent":       true,
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	"__pycache__":  true,
}

// IndexProject traverses root and (re)indexes every text file whose
// content hash changed since the last run. force reindexes all.
func (ix *Indexer) IndexProject(ctx context.Context, root string, force bool) (Stats, error) {
	timer := logging.StartTimer(logging.CategoryRAG, "project indexing")
	defer timer.Stop()

	var stats Stats
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			stats.Errors++
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if ix.ignoreDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !indexableFile(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() > maxIndexableFileSize {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			rel = path
		}
		n, err := ix.indexFile(ctx, path, rel, force)
		if err != nil {
			logging.RAGWarn("failed to index %s: %v", rel, err)
			stats.Errors++
			return nil
		}
		if n >= 0 {
			stats.FilesProcessed++
			stats.ChunksCreated += n
		}
		return nil
	})
	if err != nil {
		return stats, err
	}

	logging.RAG("indexed %d files, %d chunks, %d errors",
		stats.FilesProcessed, stats.ChunksCreated, stats.Errors)
	return stats, nil
}

// indexFile returns the chunk count for a processed file, or -1 when
// skipped because its hash is unchanged.
func (ix *Indexer) indexFile(ctx context.Context, path, rel string, force bool) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	if !force && ix.st.FileHash(rel) == hash {
		return -1, nil
	}

	chunks := ix.chunker.Split(SourceFile, rel, string(data))
	if err := ix.embedAndStore(ctx, SourceFile, rel, chunks); err != nil {
		return 0, err
	}
	if err := ix.st.SetFileHash(rel, hash, task.NowISO()); err != nil {
		return 0, err
	}
	return len(chunks), nil
}

// IndexContextEntries chunks and embeds every project context entry.
func (ix *Indexer) IndexContextEntries(ctx context.Context) (Stats, error) {
	var stats Stats
	rows, err := ix.st.Query(`SELECT context_key, value FROM project_context`)
	if err != nil {
		return stats, fmt.Errorf("failed to read project context: %w", err)
	}
	defer rows.Close()

	entries := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return stats, err
		}
		entries[key] = value
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}

	for key, value := range entries {
		chunks := ix.chunker.Split(SourceContext, key, value)
		if err := ix.embedAndStore(ctx, SourceContext, key, chunks); err != nil {
			logging.RAGWarn("failed to index context %s: %v", key, err)
			stats.Errors++
			continue
		}
		stats.FilesProcessed++
		stats.ChunksCreated += len(chunks)
	}
	return stats, nil
}

// IndexTasks embeds every real task's title and description so
// placement checks and task-scoped searches see existing work. Phases
// and workstreams are organizational nodes and stay out of the corpus.
func (ix *Indexer) IndexTasks(ctx context.Context) (Stats, error) {
	var stats Stats
	rows, err := ix.st.Query(`SELECT task_id, title, COALESCE(description, '') FROM tasks`)
	if err != nil {
		return stats, fmt.Errorf("failed to read tasks: %w", err)
	}
	defer rows.Close()

	type entry struct{ id, text string }
	var entries []entry
	for rows.Next() {
		var id, title, desc string
		if err := rows.Scan(&id, &title, &desc); err != nil {
			return stats, err
		}
		if task.IsSyntheticID(id) {
			continue
		}
		entries = append(entries, entry{id, strings.TrimSpace(title + "\n" + desc)})
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}

	for _, e := range entries {
		chunk := store.Chunk{
			ChunkID:    SourceTask + ":" + e.id,
			SourceKind: SourceTask,
			SourceRef:  e.id,
			Length:     len(e.text),
			Text:       e.text,
		}
		if err := ix.embedAndStore(ctx, SourceTask, e.id, []store.Chunk{chunk}); err != nil {
			logging.RAGWarn("failed to index task %s: %v", e.id, err)
			stats.Errors++
			continue
		}
		stats.FilesProcessed++
		stats.ChunksCreated++
	}
	return stats, nil
}

// embedAndStore embeds chunk texts in bounded batches and replaces
// the source's chunks in one upsert per batch.
func (ix *Indexer) embedAndStore(ctx context.Context, kind, ref string, chunks []store.Chunk) error {
	if err := ix.st.DeleteSourceChunks(ctx, kind, ref); err != nil {
		return err
	}
	if len(chunks) == 0 {
		return nil
	}

	batchSize := ix.cfg.MaxBatchSize
	if batchSize <= 0 {
		batchSize = config.DefaultMaxBatchSize
	}

	for start := 0; start < len(chunks); start += batchSize {
		end := start + batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}
		vecs, err := ix.eng.EmbedBatch(ctx, texts)
		if err != nil {
			return fmt.Errorf("embedding batch failed: %w", err)
		}
		if len(vecs) != len(batch) {
			return fmt.Errorf("embedding batch returned %d vectors for %d texts", len(vecs), len(batch))
		}
		for i := range batch {
			batch[i].Embedding = vecs[i]
			batch[i].IndexedAt = task.NowISO()
		}
		if err := ix.st.UpsertChunks(ctx, batch); err != nil {
			return err
		}
	}
	return nil
}

func (ix *Indexer) ignoreDir(name string) bool {
	if alwaysIgnored[name] {
		return true
	}
	for _, d := range ix.cfg.IgnoreDirs {
		if name == d {
			return true
		}
	}
	return false
}

// indexableFile filters to typical text sources.
func indexableFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".md", ".mdx", ".txt", ".rst",
		".yaml", ".yml", ".json", ".toml", ".ini", ".cfg",
		".go", ".ts", ".tsx", ".js", ".jsx", ".py", ".rb", ".rs",
		".java", ".c", ".h", ".cpp", ".cs", ".sh", ".sql", ".html", ".css":
		return true
	}
	return false
}
