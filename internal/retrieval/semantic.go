package retrieval

import (
	"context"
	"math"
	"sort"

	"github.com/CanopyHQ/xylem/internal/memory"
	"go.uber.org/zap"
)

// Centroid is the component-wise mean of vecs. Vectors whose length differs
// from the first are ignored. It returns nil for no input.
func Centroid(vecs [][]float32) []float32 {
	if len(vecs) == 0 {
		return nil
	}
	dims := len(vecs[0])
	sum := make([]float64, dims)
	n := 0
	for _, v := range vecs {
		if len(v) != dims {
			continue
		}
		for i, x := range v {
			sum[i] += float64(x)
		}
		n++
	}
	out := make([]float32, dims)
	for i := range sum {
		out[i] = float32(sum[i] / float64(n))
	}
	return out
}

// seeds picks up to MaxSeeds memories: keyword matches first, otherwise the
// most recent important memories.
func (r *Ranker) seeds(ctx context.Context, req Request, keywords []string) ([]*memory.Memory, error) {
	if len(keywords) > 0 {
		mems, err := r.src.Search(ctx, req.Project, keywords, r.cfg.MaxSeeds)
		if err != nil {
			return nil, err
		}
		if len(mems) > 0 {
			return mems, nil
		}
	}
	return r.src.RecentImportant(ctx, req.Project, r.cfg.SeedMinImportance, r.cfg.SeedTypes, r.cfg.MaxSeeds)
}

func (r *Ranker) semantic(ctx context.Context, req Request, keywords []string, limit int) ([]Ranked, error) {
	seeds, err := r.seeds(ctx, req, keywords)
	if err != nil || len(seeds) == 0 {
		return nil, err
	}
	seedIDs := make([]string, len(seeds))
	isSeed := make(map[string]bool, len(seeds))
	for i, s := range seeds {
		seedIDs[i] = s.ID
		isSeed[s.ID] = true
	}

	seedVecs, err := r.src.EmbeddingsFor(ctx, seedIDs)
	if err != nil {
		return nil, err
	}
	var vecs [][]float32
	for _, id := range seedIDs {
		if v, ok := seedVecs[id]; ok {
			vecs = append(vecs, v)
		}
	}
	centroid := Centroid(vecs)
	if memory.CosineSimilarity(centroid, centroid) == 0 {
		// no usable seed vectors, or they cancel out
		return nil, nil
	}

	if r.cfg.UseVecIndex {
		if ranked, ok := r.semanticKNN(ctx, req.Project, centroid, isSeed, limit); ok {
			return ranked, nil
		}
	}
	return r.semanticLinear(ctx, req.Project, centroid, isSeed, limit)
}

type scored struct {
	id    string
	score float64
}

// sortScored orders by similarity, ties broken by id for determinism.
func sortScored(s []scored) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].score != s[j].score {
			return s[i].score > s[j].score
		}
		return s[i].id < s[j].id
	})
}

func (r *Ranker) semanticLinear(ctx context.Context, project string, centroid []float32, isSeed map[string]bool, limit int) ([]Ranked, error) {
	all, err := r.src.MemoryEmbeddings(ctx, project)
	if err != nil {
		return nil, err
	}
	cands := make([]scored, 0, len(all))
	for id, v := range all {
		if isSeed[id] {
			continue
		}
		sim := memory.CosineSimilarity(centroid, v)
		if sim < r.cfg.MinSimilarity {
			continue
		}
		cands = append(cands, scored{id, sim})
	}
	sortScored(cands)
	if len(cands) > limit {
		cands = cands[:limit]
	}
	return r.load(ctx, project, cands)
}

// semanticKNN asks the vec index for neighbours and keeps those in scope.
// Hits are re-scored against the embeddings table, so a mirror that lags an
// external rewrite never decides the order, and hits whose embedding is gone
// or malformed are dropped. It reports false when the index is unavailable or
// could not fill limit, so the caller falls back to the exact linear scan.
func (r *Ranker) semanticKNN(ctx context.Context, project string, centroid []float32, isSeed map[string]bool, limit int) ([]Ranked, bool) {
	k := (limit + len(isSeed)) * 4
	hits, ok := r.src.Nearest(ctx, centroid, k)
	if !ok {
		return nil, false
	}
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		if !isSeed[h.MemoryID] {
			ids = append(ids, h.MemoryID)
		}
	}
	live, err := r.src.EmbeddingsFor(ctx, ids)
	if err != nil {
		r.logger.Debug("vec candidates failed to re-score", zap.Error(err))
		return nil, false
	}
	cands := make([]scored, 0, len(ids))
	for _, id := range ids {
		v, ok := live[id]
		if !ok {
			continue
		}
		sim := memory.CosineSimilarity(centroid, v)
		if math.IsNaN(sim) || sim < r.cfg.MinSimilarity {
			continue
		}
		cands = append(cands, scored{id, sim})
	}
	sortScored(cands)
	ranked, err := r.load(ctx, project, cands)
	if err != nil {
		r.logger.Debug("vec candidates failed to load", zap.Error(err))
		return nil, false
	}
	if len(ranked) < limit && len(hits) >= k {
		// Out-of-scope neighbours crowded the window.
		return nil, false
	}
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked, true
}

// load fetches the memories for cands, keeps those in the project scope and
// preserves the candidate order.
func (r *Ranker) load(ctx context.Context, project string, cands []scored) ([]Ranked, error) {
	ids := make([]string, len(cands))
	for i, c := range cands {
		ids[i] = c.id
	}
	mems, err := r.src.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*memory.Memory, len(mems))
	for _, m := range mems {
		if m.Project == project || m.Project == memory.GlobalProject {
			byID[m.ID] = m
		}
	}
	out := make([]Ranked, 0, len(cands))
	for _, c := range cands {
		m, ok := byID[c.id]
		if !ok {
			continue
		}
		m.Similarity = c.score
		out = append(out, Ranked{Memory: m, Score: c.score})
	}
	return out, nil
}
