package rag

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"agentmcp/internal/apierr"
	"agentmcp/internal/config"
	"agentmcp/internal/store"
	"agentmcp/internal/task"
)

// stubEngine is a deterministic embedding backend. Vectors count the
// occurrences of four marker words, so cosine similarity is exact and
// predictable in tests.
type stubEngine struct {
	batches  [][]string
	delay    time.Duration
	embedErr error // fail fast, simulating an unreachable backend
}

var markerWords = []string{"alpha", "beta", "gamma", "delta"}

func stubVector(text string) []float32 {
	v := make([]float32, len(markerWords))
	lower := strings.ToLower(text)
	for i, w := range markerWords {
		v[i] = float32(strings.Count(lower, w))
	}
	// Texts with no markers still need a nonzero vector.
	if v[0] == 0 && v[1] == 0 && v[2] == 0 && v[3] == 0 {
		v[len(v)-1] = 1
	}
	return v
}

func (s *stubEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	if s.embedErr != nil {
		return nil, s.embedErr
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return stubVector(text), nil
}

func (s *stubEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	s.batches = append(s.batches, append([]string(nil), texts...))
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = stubVector(t)
	}
	return out, nil
}

func (s *stubEngine) Dimensions() int { return len(markerWords) }
func (s *stubEngine) Name() string    { return "stub" }

func newRAGStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "mcp_state.db"), len(markerWords))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func ragCfg() config.RAGConfig {
	return config.DefaultServerConfig(".").RAG
}

func TestSplitOffsetsRoundTrip(t *testing.T) {
	text := "first paragraph alpha.\n\nsecond paragraph beta.\n\nthird paragraph gamma."
	c := &Chunker{TargetSize: 30, Overlap: 5}

	chunks := c.Split(SourceFile, "doc.md", text)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	for i, ch := range chunks {
		if got := text[ch.Offset : ch.Offset+ch.Length]; got != ch.Text {
			t.Fatalf("chunk %d offset mismatch: %q vs %q", i, got, ch.Text)
		}
		if ch.SourceKind != SourceFile || ch.SourceRef != "doc.md" {
			t.Fatalf("chunk %d has wrong source: %+v", i, ch)
		}
	}
	if chunks[0].ChunkID != "file:doc.md#0" {
		t.Fatalf("unexpected chunk id %q", chunks[0].ChunkID)
	}
}

func TestSplitPacksSmallSegments(t *testing.T) {
	text := "one.\n\ntwo.\n\nthree."
	chunks := NewChunker().Split(SourceFile, "small.txt", text)
	if len(chunks) != 1 {
		t.Fatalf("expected a single packed chunk, got %d", len(chunks))
	}
	if chunks[0].Offset != 0 || chunks[0].Text != text {
		t.Fatalf("packed chunk should span the whole text, got %+v", chunks[0])
	}
}

func TestSplitKeepsFencesWhole(t *testing.T) {
	text := "intro.\n\n```go\nfunc a() {}\n\nfunc b() {}\n```\n\noutro."
	chunks := (&Chunker{TargetSize: 40, Overlap: 8}).Split(SourceFile, "code.md", text)

	var fenced *store.Chunk
	for i := range chunks {
		if strings.Contains(chunks[i].Text, "func a()") {
			fenced = &chunks[i]
		}
	}
	if fenced == nil {
		t.Fatal("no chunk contains the fenced block")
	}
	if !strings.Contains(fenced.Text, "func b()") {
		t.Fatalf("fence was split across chunks: %q", fenced.Text)
	}
}

func TestSplitOversizedSegmentOverlaps(t *testing.T) {
	text := strings.Repeat("x", 250)
	chunks := (&Chunker{TargetSize: 100, Overlap: 20}).Split(SourceFile, "big.txt", text)
	if len(chunks) < 3 {
		t.Fatalf("expected hard-split chunks, got %d", len(chunks))
	}
	for i := 1; i < len(chunks); i++ {
		prevEnd := chunks[i-1].Offset + chunks[i-1].Length
		if chunks[i].Offset != prevEnd-20 {
			t.Fatalf("chunk %d offset %d, want %d (20-byte overlap)",
				i, chunks[i].Offset, prevEnd-20)
		}
	}
	last := chunks[len(chunks)-1]
	if last.Offset+last.Length != len(text) {
		t.Fatalf("last chunk ends at %d, want %d", last.Offset+last.Length, len(text))
	}
}

func TestSplitEmptyInput(t *testing.T) {
	for _, text := range []string{"", "   \n\n\t\n"} {
		if chunks := NewChunker().Split(SourceFile, "empty.txt", text); chunks != nil {
			t.Fatalf("Split(%q) = %d chunks, want none", text, len(chunks))
		}
	}
}

func TestIndexProjectSkipsUnchangedFiles(t *testing.T) {
	st := newRAGStore(t)
	eng := &stubEngine{}
	root := t.TempDir()

	writeFile(t, root, "README.md", "alpha project overview.")
	writeFile(t, root, "docs/notes.txt", "beta notes here.")
	writeFile(t, root, "node_modules/pkg/index.js", "should be ignored")
	writeFile(t, root, "logo.png", "binary-ish")

	ix := NewIndexer(st, eng, ragCfg())
	stats, err := ix.IndexProject(context.Background(), root, false)
	if err != nil {
		t.Fatalf("IndexProject: %v", err)
	}
	if stats.FilesProcessed != 2 {
		t.Fatalf("processed %d files, want 2", stats.FilesProcessed)
	}
	if stats.Errors != 0 {
		t.Fatalf("unexpected errors: %d", stats.Errors)
	}

	// Second pass: hashes unchanged, nothing reprocessed.
	stats, err = ix.IndexProject(context.Background(), root, false)
	if err != nil {
		t.Fatalf("second IndexProject: %v", err)
	}
	if stats.FilesProcessed != 0 {
		t.Fatalf("unchanged run processed %d files, want 0", stats.FilesProcessed)
	}

	// Force reindexes everything.
	stats, err = ix.IndexProject(context.Background(), root, true)
	if err != nil {
		t.Fatalf("forced IndexProject: %v", err)
	}
	if stats.FilesProcessed != 2 {
		t.Fatalf("forced run processed %d files, want 2", stats.FilesProcessed)
	}
}

func TestIndexProjectReplacesChunksOnChange(t *testing.T) {
	st := newRAGStore(t)
	ix := NewIndexer(st, &stubEngine{}, ragCfg())
	root := t.TempDir()

	writeFile(t, root, "a.md", "alpha one.")
	if _, err := ix.IndexProject(context.Background(), root, false); err != nil {
		t.Fatalf("IndexProject: %v", err)
	}
	before, _ := st.ChunkCount()

	writeFile(t, root, "a.md", "alpha one, revised.")
	if _, err := ix.IndexProject(context.Background(), root, false); err != nil {
		t.Fatalf("reindex: %v", err)
	}
	after, _ := st.ChunkCount()
	if after != before {
		t.Fatalf("chunk count changed from %d to %d; old chunks not replaced", before, after)
	}
}

func TestIndexProjectHonorsConfiguredIgnoreDirs(t *testing.T) {
	st := newRAGStore(t)
	cfg := ragCfg()
	cfg.IgnoreDirs = append(cfg.IgnoreDirs, "dist")
	ix := NewIndexer(st, &stubEngine{}, cfg)
	root := t.TempDir()

	writeFile(t, root, "keep.md", "alpha kept.")
	writeFile(t, root, "dist/skip.md", "beta skipped.")

	stats, err := ix.IndexProject(context.Background(), root, false)
	if err != nil {
		t.Fatalf("IndexProject: %v", err)
	}
	if stats.FilesProcessed != 1 {
		t.Fatalf("processed %d files, want 1", stats.FilesProcessed)
	}
}

func TestIndexerSplitsEmbeddingBatches(t *testing.T) {
	st := newRAGStore(t)
	eng := &stubEngine{}
	cfg := ragCfg()
	cfg.MaxBatchSize = 2
	ix := NewIndexer(st, eng, cfg)
	root := t.TempDir()

	// Five paragraphs, each too large to pack with a neighbor.
	var b strings.Builder
	for i := 0; i < 5; i++ {
		b.WriteString(strings.Repeat("alpha ", 250))
		b.WriteString("\n\n")
	}
	writeFile(t, root, "long.md", b.String())

	if _, err := ix.IndexProject(context.Background(), root, false); err != nil {
		t.Fatalf("IndexProject: %v", err)
	}
	if len(eng.batches) < 2 {
		t.Fatalf("expected multiple embedding batches, got %d", len(eng.batches))
	}
	for i, batch := range eng.batches {
		if len(batch) > 2 {
			t.Fatalf("batch %d has %d texts, want <= 2", i, len(batch))
		}
	}
}

func TestIndexContextEntries(t *testing.T) {
	st := newRAGStore(t)
	ix := NewIndexer(st, &stubEngine{}, ragCfg())

	for _, kv := range [][2]string{
		{"architecture", "alpha layered design."},
		{"conventions", "beta naming rules."},
	} {
		if _, err := st.Exec(
			`INSERT INTO project_context (context_key, value, last_updated, updated_by) VALUES (?, ?, ?, ?)`,
			kv[0], kv[1], task.NowISO(), "admin"); err != nil {
			t.Fatalf("seed context: %v", err)
		}
	}

	stats, err := ix.IndexContextEntries(context.Background())
	if err != nil {
		t.Fatalf("IndexContextEntries: %v", err)
	}
	if stats.FilesProcessed != 2 || stats.ChunksCreated != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	eng := NewEngine(st, &stubEngine{}, ragCfg())
	resp, err := eng.Query(context.Background(), "alpha design", 1, SourceContext)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0].SourceRef != "architecture" {
		t.Fatalf("expected architecture entry on top, got %+v", resp.Results)
	}
}

func TestQueryRanksBySimilarity(t *testing.T) {
	st := newRAGStore(t)
	eng := NewEngine(st, &stubEngine{}, ragCfg())
	ctx := context.Background()

	for _, kv := range [][2]string{
		{"t1", "alpha alpha authentication work"},
		{"t2", "beta dashboard work"},
		{"t3", "gamma deployment work"},
	} {
		if err := eng.IndexTask(ctx, kv[0], kv[1]); err != nil {
			t.Fatalf("IndexTask(%s): %v", kv[0], err)
		}
	}

	resp, err := eng.Query(ctx, "alpha authentication", 2, SourceTask)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if resp.TimedOut {
		t.Fatal("query should not time out")
	}
	if len(resp.Results) != 2 {
		t.Fatalf("got %d results, want 2", len(resp.Results))
	}
	if resp.Results[0].SourceRef != "t1" {
		t.Fatalf("top hit is %s, want t1", resp.Results[0].SourceRef)
	}
	if resp.Results[0].Similarity < resp.Results[1].Similarity {
		t.Fatal("results not sorted by similarity")
	}
}

func TestQueryTimeoutIsNotAnError(t *testing.T) {
	st := newRAGStore(t)
	cfg := ragCfg()
	cfg.QueryTimeout = 20 * time.Millisecond
	eng := NewEngine(st, &stubEngine{delay: time.Second}, cfg)

	resp, err := eng.Query(context.Background(), "alpha", 3, "")
	if err != nil {
		t.Fatalf("timed-out query returned error: %v", err)
	}
	if !resp.TimedOut {
		t.Fatal("expected TimedOut response")
	}
	if len(resp.Results) != 0 {
		t.Fatalf("timed-out response carries %d results", len(resp.Results))
	}
}

func TestQueryUnreachableEmbedderIsNotAnError(t *testing.T) {
	st := newRAGStore(t)
	eng := NewEngine(st, &stubEngine{embedErr: errors.New("connect: connection refused")}, ragCfg())

	resp, err := eng.Query(context.Background(), "alpha anything", 3, "")
	if err != nil {
		t.Fatalf("unreachable embedder surfaced as error: %v", err)
	}
	if !resp.TimedOut {
		t.Fatal("expected TimedOut response")
	}
	if len(resp.Results) != 0 {
		t.Fatalf("degraded response carries %d results", len(resp.Results))
	}

	// The placement hook degrades the same way and never blocks.
	pc := NewPlacementChecker(eng, 0.8)
	match, timedOut, err := pc.CheckDuplicate(context.Background(), "alpha anything")
	if err != nil || !timedOut || match != nil {
		t.Fatalf("want (nil, true, nil), got (%v, %v, %v)", match, timedOut, err)
	}
}

func TestCreateTaskFeedsPlacementIndex(t *testing.T) {
	st := newRAGStore(t)
	eng := NewEngine(st, &stubEngine{}, ragCfg())
	te := task.NewEngine(st, task.NewMirror())
	te.SetDuplicateChecker(NewPlacementChecker(eng, 0.8), true, true)
	te.SetTaskIndexer(eng)
	ctx := context.Background()

	first, err := te.CreateTask(ctx, "admin", task.CreateTaskParams{Title: "alpha login flow"})
	if err != nil {
		t.Fatalf("first CreateTask: %v", err)
	}

	// The first create indexed itself, so an identical resubmission is
	// refused as a duplicate.
	_, err = te.CreateTask(ctx, "admin", task.CreateTaskParams{Title: "alpha login flow"})
	if !apierr.Is(err, apierr.Conflict) {
		t.Fatalf("duplicate create: err = %v, want Conflict", err)
	}
	if err != nil && !strings.Contains(err.Error(), first) {
		t.Errorf("duplicate error does not name the original task: %v", err)
	}

	// Override proceeds past the hit.
	if _, err := te.CreateTask(ctx, "admin", task.CreateTaskParams{
		Title: "alpha login flow", Override: true,
	}); err != nil {
		t.Fatalf("overridden create: %v", err)
	}
}

func TestIndexTasksBuildsPlacementCorpus(t *testing.T) {
	st := newRAGStore(t)
	ctx := context.Background()

	now := task.NowISO()
	for _, row := range []task.Task{
		{TaskID: "t_auth", Title: "alpha login flow"},
		{TaskID: "t_dash", Title: "beta dashboard charts"},
		{TaskID: task.PhaseFoundation, Title: "Foundation"},
	} {
		row.CreatedBy = "admin"
		row.Status = task.StatusPending
		row.Priority = task.PriorityMedium
		row.CreatedAt, row.UpdatedAt = now, now
		if err := task.InsertTask(st, &row); err != nil {
			t.Fatalf("seed %s: %v", row.TaskID, err)
		}
	}

	ix := NewIndexer(st, &stubEngine{}, ragCfg())
	stats, err := ix.IndexTasks(ctx)
	if err != nil {
		t.Fatalf("IndexTasks: %v", err)
	}
	// The phase node is organizational and stays out of the corpus.
	if stats.FilesProcessed != 2 || stats.ChunksCreated != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	pc := NewPlacementChecker(NewEngine(st, &stubEngine{}, ragCfg()), 0.8)
	match, timedOut, err := pc.CheckDuplicate(ctx, "alpha session handling")
	if err != nil || timedOut {
		t.Fatalf("CheckDuplicate: timedOut=%v err=%v", timedOut, err)
	}
	if match == nil || match.SourceRef != "t_auth" {
		t.Fatalf("expected duplicate match on t_auth, got %+v", match)
	}
}

func TestPlacementCheckerThreshold(t *testing.T) {
	st := newRAGStore(t)
	eng := NewEngine(st, &stubEngine{}, ragCfg())
	ctx := context.Background()

	if err := eng.IndexTask(ctx, "t_auth", "alpha login flow"); err != nil {
		t.Fatalf("IndexTask: %v", err)
	}
	pc := NewPlacementChecker(eng, 0.8)

	// Same marker direction: similarity 1.0, flagged as duplicate.
	match, timedOut, err := pc.CheckDuplicate(ctx, "alpha alpha session handling")
	if err != nil || timedOut {
		t.Fatalf("CheckDuplicate: match=%v timedOut=%v err=%v", match, timedOut, err)
	}
	if match == nil || match.SourceRef != "t_auth" {
		t.Fatalf("expected duplicate match on t_auth, got %+v", match)
	}
	if match.Similarity < 0.8 {
		t.Fatalf("duplicate similarity %f below threshold", match.Similarity)
	}

	// Orthogonal markers: no duplicate.
	match, timedOut, err = pc.CheckDuplicate(ctx, "beta dashboard charts")
	if err != nil || timedOut {
		t.Fatalf("CheckDuplicate: timedOut=%v err=%v", timedOut, err)
	}
	if match != nil {
		t.Fatalf("unexpected duplicate match: %+v", match)
	}
}

func TestPlacementCheckerTimeoutNeverBlocks(t *testing.T) {
	st := newRAGStore(t)
	cfg := ragCfg()
	cfg.QueryTimeout = 20 * time.Millisecond
	eng := NewEngine(st, &stubEngine{delay: time.Second}, cfg)
	pc := NewPlacementChecker(eng, 0.8)

	match, timedOut, err := pc.CheckDuplicate(context.Background(), "alpha anything")
	if err != nil {
		t.Fatalf("timed-out check returned error: %v", err)
	}
	if !timedOut || match != nil {
		t.Fatalf("want (nil, true, nil), got (%v, %v, nil)", match, timedOut)
	}
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", rel, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}
