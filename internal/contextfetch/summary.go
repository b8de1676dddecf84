package contextfetch

import (
	"context"
	"sort"
	"strings"
)

// Summary is the result of document summarization: chunked text, extracted
// keywords and basic metadata.
type Summary struct {
	Chunks    []string `json:"chunks"`
	Keywords  []string `json:"keywords"`
	WordCount int      `json:"word_count"`
	CharCount int      `json:"char_count"`
}

// SummaryFetcher chunks a document and extracts frequency-ranked keywords.
type SummaryFetcher struct{}

func NewSummaryFetcher() *SummaryFetcher {
	return &SummaryFetcher{}
}

func (f *SummaryFetcher) Description() string {
	return "document chunking and keyword extraction"
}

func (f *SummaryFetcher) AllowedParams() []string {
	return []string{"text", "chunk_size", "max_keywords"}
}

func (f *SummaryFetcher) RequiredParams() []string {
	return []string{"text"}
}

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "has": true, "in": true,
	"is": true, "it": true, "its": true, "of": true, "on": true, "or": true,
	"that": true, "the": true, "to": true, "was": true, "were": true,
	"will": true, "with": true, "this": true, "but": true, "not": true,
}

func (f *SummaryFetcher) Fetch(ctx context.Context, params map[string]any) (any, error) {
	text, _ := params["text"].(string)
	chunkSize := intParam(params, "chunk_size", 500)
	maxKeywords := intParam(params, "max_keywords", 10)

	words := strings.Fields(text)

	freq := make(map[string]int)
	for _, w := range words {
		w = strings.ToLower(strings.Trim(w, ".,;:!?\"'()[]{}"))
		if len(w) < 3 || stopwords[w] {
			continue
		}
		freq[w]++
	}

	keywords := make([]string, 0, len(freq))
	for w := range freq {
		keywords = append(keywords, w)
	}
	sort.Slice(keywords, func(i, j int) bool {
		if freq[keywords[i]] != freq[keywords[j]] {
			return freq[keywords[i]] > freq[keywords[j]]
		}
		return keywords[i] < keywords[j]
	})
	if len(keywords) > maxKeywords {
		keywords = keywords[:maxKeywords]
	}

	return Summary{
		Chunks:    chunkText(text, chunkSize),
		Keywords:  keywords,
		WordCount: len(words),
		CharCount: len(text),
	}, nil
}

func (f *SummaryFetcher) FallbackData(params map[string]any) any {
	return Summary{Chunks: []string{}, Keywords: []string{}}
}

// chunkText splits on word boundaries into chunks of at most chunkSize
// characters.
func chunkText(text string, chunkSize int) []string {
	if chunkSize <= 0 {
		chunkSize = 500
	}
	words := strings.Fields(text)
	if len(words) == 0 {
		return []string{}
	}

	var chunks []string
	var current strings.Builder
	for _, w := range words {
		if current.Len() > 0 && current.Len()+1+len(w) > chunkSize {
			chunks = append(chunks, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteByte(' ')
		}
		current.WriteString(w)
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}
