// Package features implements the query analyzer: it turns raw query text
// into the Features a bandit policy scores arms against.
package features

import (
	"context"
	"strings"
	"time"
	"unicode"

	"github.com/conduitrouter/conduit/internal/conduiterr"
	"github.com/conduitrouter/conduit/internal/domain"
)

// EmbeddingDim is the fixed dimensionality of every Features.Embedding,
// matching the 384-dimension MiniLM-class sentence embedding models.
const EmbeddingDim = 384

// Embedder is the black-box embedding model collaborator. The composition
// root and the tests wire the deterministic HashEmbedder here.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// domainKeywords buckets coarse topical domains by keyword hits. Anything
// that matches nothing falls into "general" with low confidence.
var domainKeywords = map[string][]string{
	"code":        {"func", "class", "import", "bug", "compile", "variable", "algorithm", "code", "python", "golang"},
	"math":        {"equation", "integral", "derivative", "theorem", "proof", "matrix", "probability"},
	"creative":    {"poem", "story", "novel", "character", "plot", "verse"},
	"legal":       {"contract", "clause", "liability", "statute", "plaintiff", "jurisdiction"},
	"medical":     {"diagnosis", "symptom", "treatment", "patient", "dosage"},
	"business":    {"revenue", "quarter", "strategy", "market", "stakeholder", "budget"},
}

// Analyzer derives Features from Query text, caching by content hash.
type Analyzer struct {
	embed Embedder
	cache *ttlCache
}

// NewAnalyzer wires an Embedder and sets up the query-feature cache.
func NewAnalyzer(embed Embedder, ttl time.Duration, maxEntries int) *Analyzer {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if maxEntries <= 0 {
		maxEntries = 10_000
	}
	return &Analyzer{embed: embed, cache: newTTLCache(ttl, maxEntries)}
}

// Close stops the cache's background cleanup goroutine.
func (a *Analyzer) Close() { a.cache.Stop() }

// Analyze computes Features for text, using the cache when the exact same
// (trimmed) text was analyzed within the TTL window.
func (a *Analyzer) Analyze(ctx context.Context, text string) (domain.Features, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return domain.Features{}, conduiterr.NewValidationError("query text must not be empty", "text")
	}
	key := cacheKey(trimmed)
	if f, ok := a.cache.Get(key); ok {
		return f, nil
	}

	embedding, err := a.embed.Embed(ctx, trimmed)
	if err != nil {
		return domain.Features{}, conduiterr.NewAnalysisError("embedding failed", err)
	}
	if len(embedding) != EmbeddingDim {
		return domain.Features{}, conduiterr.NewAnalysisError("embedder returned wrong dimensionality", nil)
	}

	dom, conf := classifyDomain(trimmed)
	f := domain.Features{
		Embedding:        embedding,
		TokenCount:       estimateTokens(trimmed),
		ComplexityScore:  complexityScore(trimmed),
		Domain:           dom,
		DomainConfidence: conf,
	}
	a.cache.Set(key, f)
	return f, nil
}

// estimateTokens uses the chars/4 heuristic; close enough for cost capping
// without wiring a real tokenizer.
func estimateTokens(text string) int {
	n := len([]rune(text)) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// complexityScore is a cheap 0-1 proxy from sentence count, average word
// length and vocabulary richness; it is not a learned model, just a
// deterministic heuristic the bandit features can treat as a context dim.
func complexityScore(text string) float64 {
	words := strings.Fields(text)
	if len(words) == 0 {
		return 0
	}
	sentences := 1
	for _, r := range text {
		if r == '.' || r == '?' || r == '!' {
			sentences++
		}
	}
	unique := make(map[string]struct{}, len(words))
	totalLen := 0
	for _, w := range words {
		lw := strings.ToLower(strings.TrimFunc(w, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) }))
		unique[lw] = struct{}{}
		totalLen += len(w)
	}
	avgWordLen := float64(totalLen) / float64(len(words))
	vocabRichness := float64(len(unique)) / float64(len(words))
	wordsPerSentence := float64(len(words)) / float64(sentences)

	score := 0.4*clamp01(avgWordLen/10) + 0.3*clamp01(vocabRichness) + 0.3*clamp01(wordsPerSentence/30)
	return clamp01(score)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// classifyDomain scores keyword-bucket hits and returns the strongest
// bucket with a confidence proportional to how dominant the match was.
func classifyDomain(text string) (string, float64) {
	lower := strings.ToLower(text)
	best, bestHits, total := "general", 0, 0
	for dom, keywords := range domainKeywords {
		hits := 0
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				hits++
			}
		}
		total += hits
		if hits > bestHits {
			best, bestHits = dom, hits
		}
	}
	if bestHits == 0 {
		return "general", 0.5
	}
	confidence := clamp01(0.5 + float64(bestHits)/float64(total+bestHits))
	return best, confidence
}
