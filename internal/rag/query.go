package rag

import (
	"context"
	"time"

	"agentmcp/internal/config"
	"agentmcp/internal/embedding"
	"agentmcp/internal/logging"
	"agentmcp/internal/store"
	"agentmcp/internal/task"
)

// Result is one ranked hit from a similarity query.
type Result struct {
	ChunkID    string  `json:"chunk_id"`
	SourceKind string  `json:"source_kind"`
	SourceRef  string  `json:"source_ref"`
	Text       string  `json:"text"`
	Similarity float64 `json:"similarity"`
}

// Response carries the ranked hits plus the timeout marker. A timed
// out query is not an error: callers get whatever completed in budget.
type Response struct {
	Results  []Result `json:"results"`
	TimedOut bool     `json:"timed_out"`
}

// Engine answers similarity queries within a wall-clock budget.
type Engine struct {
	st  *store.Store
	emb embedding.Engine
	cfg config.RAGConfig
}

// NewEngine wires the query side of the pipeline.
func NewEngine(st *store.Store, emb embedding.Engine, cfg config.RAGConfig) *Engine {
	return &Engine{st: st, emb: emb, cfg: cfg}
}

// Query embeds the text and runs a k-nearest-neighbor search,
// optionally filtered by source kind. The configured budget bounds
// both the embedding call and the search. Retrieval is advisory:
// a timed-out or unreachable backend degrades to an empty response
// with TimedOut set, it never surfaces as an error.
func (e *Engine) Query(ctx context.Context, text string, k int, sourceKind string) (Response, error) {
	budget := e.cfg.QueryTimeout
	if budget <= 0 {
		budget = 5 * time.Second
	}
	qctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	timer := logging.StartTimer(logging.CategoryRAG, "similarity query")
	defer timer.Stop()

	vec, err := e.emb.Embed(qctx, text)
	if err != nil {
		logging.RAGWarn("query embedding unavailable: %v", err)
		return Response{TimedOut: true}, nil
	}

	hits, err := e.st.SearchChunks(qctx, vec, k, sourceKind)
	if err != nil {
		logging.RAGWarn("vector search unavailable: %v", err)
		return Response{TimedOut: true}, nil
	}

	resp := Response{Results: make([]Result, 0, len(hits))}
	for _, h := range hits {
		resp.Results = append(resp.Results, Result{
			ChunkID:    h.Chunk.ChunkID,
			SourceKind: h.Chunk.SourceKind,
			SourceRef:  h.Chunk.SourceRef,
			Text:       h.Chunk.Text,
			Similarity: h.Similarity,
		})
	}
	return resp, nil
}

// PlacementChecker implements the task-placement duplicate hook over
// the query engine.
type PlacementChecker struct {
	engine    *Engine
	threshold float64
}

// NewPlacementChecker builds the hook with the configured duplication
// threshold.
func NewPlacementChecker(engine *Engine, threshold float64) *PlacementChecker {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.8
	}
	return &PlacementChecker{engine: engine, threshold: threshold}
}

// CheckDuplicate looks for an indexed task chunk whose similarity to
// the candidate text exceeds the threshold. Timeouts surface as
// (nil, true, nil) so task creation is never blocked by a slow index.
func (p *PlacementChecker) CheckDuplicate(ctx context.Context, text string) (*task.DuplicateMatch, bool, error) {
	resp, err := p.engine.Query(ctx, text, 1, SourceTask)
	if err != nil {
		return nil, false, err
	}
	if resp.TimedOut {
		return nil, true, nil
	}
	if len(resp.Results) == 0 {
		return nil, false, nil
	}
	top := resp.Results[0]
	if top.Similarity < p.threshold {
		return nil, false, nil
	}
	return &task.DuplicateMatch{
		SourceRef:  top.SourceRef,
		Text:       top.Text,
		Similarity: top.Similarity,
	}, false, nil
}

// IndexTask upserts one task's title+description so future placement
// checks can find it.
func (e *Engine) IndexTask(ctx context.Context, taskID, text string) error {
	vec, err := e.emb.Embed(ctx, text)
	if err != nil {
		return err
	}
	return e.st.UpsertChunks(ctx, []store.Chunk{{
		ChunkID:    SourceTask + ":" + taskID,
		SourceKind: SourceTask,
		SourceRef:  taskID,
		Length:     len(text),
		Text:       text,
		Embedding:  vec,
		IndexedAt:  task.NowISO(),
	}})
}
