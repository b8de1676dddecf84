package contextfetch

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"sync"
)

const embeddingDim = 64

// Document is one entry in the in-memory similarity index.
type Document struct {
	ID        string
	Namespace string
	Text      string
	Embedding []float64
	Metadata  map[string]string
}

// Match is one similarity hit.
type Match struct {
	ID       string            `json:"id"`
	Text     string            `json:"text"`
	Score    float64           `json:"score"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// VectorFetcher answers semantic-similarity queries over an in-memory index.
// Callers pass either a precomputed embedding or a query string; query text
// is embedded with a deterministic hashing scheme so results are stable.
type VectorFetcher struct {
	mu   sync.RWMutex
	docs []Document
}

func NewVectorFetcher() *VectorFetcher {
	return &VectorFetcher{}
}

// Add indexes a document. Documents without an embedding are embedded from
// their text.
func (f *VectorFetcher) Add(doc Document) {
	if len(doc.Embedding) == 0 {
		doc.Embedding = EmbedText(doc.Text)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs = append(f.docs, doc)
}

func (f *VectorFetcher) Description() string {
	return "semantic similarity search"
}

func (f *VectorFetcher) AllowedParams() []string {
	return []string{"query", "embedding", "threshold", "limit", "namespace", "metadata"}
}

// RequiredParams is empty because the requirement is disjunctive: Fetch
// itself validates that either query or embedding is present.
func (f *VectorFetcher) RequiredParams() []string {
	return nil
}

func (f *VectorFetcher) Fetch(ctx context.Context, params map[string]any) (any, error) {
	var queryVec []float64
	if emb := embeddingParam(params["embedding"]); len(emb) > 0 {
		queryVec = emb
	} else if q, ok := params["query"].(string); ok && q != "" {
		queryVec = EmbedText(q)
	} else {
		return nil, &MissingParameterError{Keys: []string{"query"}}
	}

	threshold := floatParam(params, "threshold", 0.0)
	limit := intParam(params, "limit", 5)
	namespace, _ := params["namespace"].(string)
	metaFilter, _ := params["metadata"].(map[string]any)

	f.mu.RLock()
	defer f.mu.RUnlock()

	var matches []Match
	for _, doc := range f.docs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if namespace != "" && doc.Namespace != namespace {
			continue
		}
		if !metadataMatches(doc.Metadata, metaFilter) {
			continue
		}
		score := cosine(queryVec, doc.Embedding)
		if score < threshold {
			continue
		}
		matches = append(matches, Match{
			ID:       doc.ID,
			Text:     doc.Text,
			Score:    score,
			Metadata: doc.Metadata,
		})
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (f *VectorFetcher) FallbackData(params map[string]any) any {
	return []Match{}
}

// EmbedText folds the text's word hashes into a fixed-dimension unit vector.
// Not a real embedding, but deterministic and good enough for overlap-based
// similarity between short texts.
func EmbedText(text string) []float64 {
	vec := make([]float64, embeddingDim)
	word := make([]byte, 0, 32)
	flush := func() {
		if len(word) == 0 {
			return
		}
		h := fnv.New32a()
		h.Write(word)
		sum := h.Sum32()
		vec[sum%embeddingDim] += 1.0
		word = word[:0]
	}
	for i := 0; i < len(text); i++ {
		c := text[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
			word = append(word, c)
		} else {
			flush()
		}
	}
	flush()

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec
}

func cosine(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func metadataMatches(meta map[string]string, filter map[string]any) bool {
	for k, v := range filter {
		if meta[k] != fmt.Sprintf("%v", v) {
			return false
		}
	}
	return true
}

// embeddingParam accepts a precomputed vector either as []float64 from
// in-process callers or as []any, which is what encoding/json produces when
// the embedding arrives through the dispatch API.
func embeddingParam(v any) []float64 {
	switch emb := v.(type) {
	case []float64:
		return emb
	case []any:
		out := make([]float64, 0, len(emb))
		for _, e := range emb {
			f, ok := e.(float64)
			if !ok {
				return nil
			}
			out = append(out, f)
		}
		return out
	default:
		return nil
	}
}

func floatParam(params map[string]any, key string, def float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return def
	}
}
