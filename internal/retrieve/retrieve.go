// Package retrieve assembles token-bounded context bundles. The pipeline is
// staged: anchor sweep, hot-stack slice, lexical search, optional semantic
// augmentation, then budget-aware assembly. Every stage is best-effort; a
// failing stage is logged and skipped, and the anchor sweep is always
// attempted first so the caller gets at least the pinned facts.
package retrieve

import (
	"context"
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/stackmemory/stackmemory/internal/config"
	"github.com/stackmemory/stackmemory/internal/frame"
	"github.com/stackmemory/stackmemory/internal/storage"
	"github.com/stackmemory/stackmemory/internal/tokens"
	"github.com/stackmemory/stackmemory/internal/types"
)

// SemanticHit is one result from a semantic index
type SemanticHit struct {
	FrameID string
	Score   float64
}

// SemanticIndex is an optional vector-similarity backend. Lookups run under
// a hard timeout; a slow or failing index degrades retrieval, never blocks it.
type SemanticIndex interface {
	Search(ctx context.Context, query string, k int) ([]SemanticHit, error)
}

// Request describes one get_context call
type Request struct {
	SessionID    string
	ProjectID    string
	Query        string
	BudgetTokens int
}

// Retriever answers get_context
type Retriever struct {
	store    storage.Store
	frames   *frame.Manager
	semantic SemanticIndex
	log      *slog.Logger
}

// New creates a retriever. semantic may be nil.
func New(store storage.Store, frames *frame.Manager, semantic SemanticIndex, log *slog.Logger) *Retriever {
	if log == nil {
		log = slog.Default()
	}
	return &Retriever{store: store, frames: frames, semantic: semantic, log: log}
}

type queryMode int

const (
	modeEmpty queryMode = iota
	modeLexical
	modeSemantic
)

var identifierPattern = regexp.MustCompile(`[_./:()\[\]{}]|[a-z][A-Z]`)

// classify routes the query. Short or identifier-shaped queries go lexical;
// prose additionally asks the semantic index.
func classify(query string) queryMode {
	query = strings.TrimSpace(query)
	if query == "" {
		return modeEmpty
	}
	words := strings.Fields(query)
	if len(words) <= 3 || identifierPattern.MatchString(query) {
		return modeLexical
	}
	return modeSemantic
}

// GetContext runs the pipeline and returns the assembled bundle
func (r *Retriever) GetContext(ctx context.Context, req Request) (*types.ContextBundle, error) {
	budget := req.BudgetTokens
	if budget <= 0 {
		budget = config.GetInt("retrieve.budget-tokens")
	}
	estimator := tokens.New(config.GetString("retrieve.estimator"))

	weights := &types.WeightProfile{
		Alpha:        config.GetFloat("retrieve.alpha"),
		Beta:         config.GetFloat("retrieve.beta"),
		Gamma:        config.GetFloat("retrieve.gamma"),
		HalfLifeDays: config.GetDuration("retrieve.half-life").Hours() / 24,
		Estimator:    estimator.Name(),
	}
	bundle := &types.ContextBundle{Weights: weights}
	remaining := budget

	stackIDs, err := r.frames.StackIDs(ctx, req.SessionID)
	if err != nil {
		r.log.Warn("stack load failed", "session", req.SessionID, "error", err)
		stackIDs = nil
	}

	// stage 1: anchor sweep, bounded to its share of the total budget
	anchorBudget := int(float64(budget) * config.GetFloat("retrieve.anchor-budget-share"))
	used := r.sweepAnchors(ctx, stackIDs, anchorBudget, estimator, bundle)
	remaining -= used

	// stage 2: hot-stack slice within its share of what is left
	hotBudget := int(float64(remaining) * config.GetFloat("retrieve.hot-stack-share"))
	used = r.sliceHotStack(ctx, req.SessionID, stackIDs, hotBudget, estimator, bundle)
	remaining -= used

	mode := classify(req.Query)
	if mode == modeEmpty {
		bundle.TotalTokens = budget - remaining
		return bundle, nil
	}

	// stages 3-5: lexical search, optionally fused with semantic hits
	candidates := r.lexical(ctx, req, weights)
	if mode == modeSemantic && r.semantic != nil {
		candidates = r.fuseSemantic(ctx, req.Query, candidates)
	}

	used = r.assemble(ctx, candidates, stackIDs, remaining, estimator, bundle)
	remaining -= used
	bundle.TotalTokens = budget - remaining
	return bundle, nil
}

// sweepAnchors packs stack anchors by descending priority until the anchor
// budget runs out. Returns tokens spent.
func (r *Retriever) sweepAnchors(ctx context.Context, stackIDs []string, budget int,
	estimator tokens.Estimator, bundle *types.ContextBundle) int {

	if len(stackIDs) == 0 || budget <= 0 {
		return 0
	}
	anchors, err := r.store.ListAnchorsForFrames(ctx, stackIDs)
	if err != nil {
		r.log.Warn("anchor sweep failed", "error", err)
		return 0
	}

	used := 0
	for _, anchor := range anchors {
		cost := estimator.Estimate(anchor.Text) + estimator.Estimate(string(anchor.Type))
		if used+cost > budget {
			bundle.Truncated = true
			break
		}
		bundle.Anchors = append(bundle.Anchors, &types.BundleAnchor{
			Type:     anchor.Type,
			Text:     anchor.Text,
			Priority: anchor.Priority,
		})
		used += cost
	}
	return used
}

// sliceHotStack packs frames from the top of the stack down while they fit
func (r *Retriever) sliceHotStack(ctx context.Context, sessionID string, stackIDs []string,
	budget int, estimator tokens.Estimator, bundle *types.ContextBundle) int {

	if len(stackIDs) == 0 || budget <= 0 {
		return 0
	}
	hot, err := r.frames.GetHotStack(ctx, sessionID, 3)
	if err != nil {
		r.log.Warn("hot stack slice failed", "error", err)
		return 0
	}

	used := 0
	var slice []*types.BundleFrame
	for i := len(hot.Frames) - 1; i >= 0; i-- {
		hf := hot.Frames[i]
		cost := frameCost(hf, estimator)
		if used+cost > budget {
			bundle.Truncated = true
			break
		}
		slice = append(slice, &types.BundleFrame{
			Frame:        hf.Frame,
			Constraints:  hf.Frame.Constraints,
			RecentEvents: hf.RecentEvents,
		})
		used += cost
	}
	// restore root-first order
	for i, j := 0, len(slice)-1; i < j; i, j = i+1, j-1 {
		slice[i], slice[j] = slice[j], slice[i]
	}
	bundle.HotStack = slice
	return used
}

func frameCost(hf *types.HotFrame, estimator tokens.Estimator) int {
	cost := estimator.Estimate(hf.Frame.Name)
	for _, c := range hf.Frame.Constraints {
		cost += estimator.Estimate(c)
	}
	for _, e := range hf.RecentEvents {
		cost += estimator.Estimate(string(e.Payload))
	}
	return cost
}

// candidate is a frame scored for assembly
type candidate struct {
	frameID string
	frame   *types.Frame
	score   float64
}

// lexical runs full-text search and re-ranks hits by combined relevance,
// importance and recency.
func (r *Retriever) lexical(ctx context.Context, req Request, weights *types.WeightProfile) []*candidate {
	hits, err := r.store.SearchFulltext(ctx, req.Query, storage.SearchFilter{ProjectID: req.ProjectID}, 50)
	if err != nil {
		r.log.Warn("lexical search failed", "error", err)
		return nil
	}
	if len(hits) == 0 {
		return nil
	}

	// best bm25 per frame
	best := make(map[string]float64)
	maxBM25 := 0.0
	for _, hit := range hits {
		if hit.BM25 > best[hit.FrameID] {
			best[hit.FrameID] = hit.BM25
		}
		if hit.BM25 > maxBM25 {
			maxBM25 = hit.BM25
		}
	}

	ids := make([]string, 0, len(best))
	for id := range best {
		ids = append(ids, id)
	}
	frames, err := r.store.GetFramesByIDs(ctx, ids)
	if err != nil {
		r.log.Warn("frame batch fetch failed", "error", err)
		return nil
	}

	halfLife := weights.HalfLifeDays
	if halfLife <= 0 {
		halfLife = 7
	}
	now := time.Now().UTC()

	var out []*candidate
	for id, bm25 := range best {
		f, ok := frames[id]
		if !ok {
			continue
		}
		bm25Norm := 0.0
		if maxBM25 > 0 {
			bm25Norm = bm25 / maxBM25
		}
		importanceNorm := math.Min(float64(f.Importance)/100, 1)
		ref := f.CreatedAt
		if f.ClosedAt != nil {
			ref = *f.ClosedAt
		}
		ageDays := now.Sub(ref).Hours() / 24
		recency := math.Exp(-math.Ln2 * ageDays / halfLife)

		out = append(out, &candidate{
			frameID: id,
			frame:   f,
			score:   weights.Alpha*bm25Norm + weights.Beta*importanceNorm + weights.Gamma*recency,
		})
	}
	sortCandidates(out)
	return out
}

// fuseSemantic queries the semantic index under its timeout and merges the
// two rankings by reciprocal-rank fusion.
func (r *Retriever) fuseSemantic(ctx context.Context, query string, lexical []*candidate) []*candidate {
	timeout := config.GetDuration("retrieve.semantic-timeout")
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	hits, err := r.semantic.Search(sctx, query, 20)
	if err != nil {
		r.log.Warn("semantic stage skipped", "error", err)
		return lexical
	}

	const k = 60.0
	fused := make(map[string]float64)
	byID := make(map[string]*candidate)
	for rank, c := range lexical {
		fused[c.frameID] += 1 / (k + float64(rank+1))
		byID[c.frameID] = c
	}
	for rank, hit := range hits {
		fused[hit.FrameID] += 1 / (k + float64(rank+1))
	}

	// semantic-only frames need their rows loaded
	var missing []string
	for id := range fused {
		if _, ok := byID[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		if frames, err := r.store.GetFramesByIDs(ctx, missing); err == nil {
			for id, f := range frames {
				byID[id] = &candidate{frameID: id, frame: f}
			}
		}
	}

	var out []*candidate
	for id, score := range fused {
		c, ok := byID[id]
		if !ok {
			continue
		}
		c.score = score
		out = append(out, c)
	}
	sortCandidates(out)
	return out
}

func sortCandidates(cs []*candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].score != cs[j].score {
			return cs[i].score > cs[j].score
		}
		// ties break toward the most recently closed
		ti, tj := cs[i].frame.CreatedAt, cs[j].frame.CreatedAt
		if cs[i].frame.ClosedAt != nil {
			ti = *cs[i].frame.ClosedAt
		}
		if cs[j].frame.ClosedAt != nil {
			tj = *cs[j].frame.ClosedAt
		}
		return ti.After(tj)
	})
}

// assemble packs scored frames into the bundle until the budget would be
// breached. Frames already on the hot stack are skipped; each surviving
// frame contributes its digest when present, else its last three events.
// Returns tokens spent.
func (r *Retriever) assemble(ctx context.Context, candidates []*candidate, stackIDs []string,
	budget int, estimator tokens.Estimator, bundle *types.ContextBundle) int {

	if len(candidates) == 0 || budget <= 0 {
		if len(candidates) > 0 {
			bundle.Truncated = true
		}
		return 0
	}
	onStack := make(map[string]bool, len(stackIDs))
	for _, id := range stackIDs {
		onStack[id] = true
	}

	used := 0
	for _, c := range candidates {
		if onStack[c.frameID] {
			continue
		}
		bd := &types.BundleDigest{Frame: c.frame, Summary: c.frame.Digest, Score: c.score}
		cost := estimator.Estimate(c.frame.Name)
		if bd.Summary != nil {
			cost += estimator.Estimate(bd.Summary.Summary)
			for _, d := range bd.Summary.Decisions {
				cost += estimator.Estimate(d)
			}
		} else {
			events, err := r.store.ListEvents(ctx, c.frameID, 3)
			if err == nil {
				for _, e := range events {
					cost += estimator.Estimate(string(e.Payload))
				}
			}
		}
		if used+cost > budget {
			bundle.Truncated = true
			break
		}
		bundle.RelevantDigests = append(bundle.RelevantDigests, bd)
		used += cost
	}
	return used
}
