package devserver

import (
	"sort"
	"strings"

	"github.com/kalambet/docq/internal/chat"
)

// chunkSize is the target chunk length in characters. Chunks break on
// paragraph boundaries when possible so retrieval keeps coherent passages.
const chunkSize = 800

// splitChunks cuts text into indexable passages. Paragraphs are packed
// greedily up to chunkSize; a paragraph longer than chunkSize becomes its own
// oversized chunk rather than being split mid-sentence.
func splitChunks(text string) []string {
	paragraphs := strings.Split(text, "\n\n")

	var chunks []string
	var cur strings.Builder
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			chunks = append(chunks, s)
		}
		cur.Reset()
	}

	for _, p := range paragraphs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if cur.Len() > 0 && cur.Len()+len(p) > chunkSize {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(p)
	}
	flush()
	return chunks
}

// retrieve scores chunks by term overlap with the query and returns the top k
// as context chunks, best first.
func retrieve(query string, documentID string, chunks []string, k int) []chat.ContextChunk {
	if k <= 0 {
		k = 20
	}
	terms := queryTerms(query)

	type scored struct {
		seq   int
		score int
	}
	var hits []scored
	for i, c := range chunks {
		lc := strings.ToLower(c)
		score := 0
		for t := range terms {
			score += strings.Count(lc, t)
		}
		if score > 0 {
			hits = append(hits, scored{seq: i, score: score})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > k {
		hits = hits[:k]
	}

	out := make([]chat.ContextChunk, 0, len(hits))
	for _, h := range hits {
		out = append(out, chat.ContextChunk{
			PageContent: chunks[h.seq],
			Metadata: map[string]any{
				"doc_id": documentID,
				"seq":    h.seq,
			},
		})
	}
	return out
}

// queryTerms lowercases and deduplicates query words, skipping ones too short
// to carry meaning.
func queryTerms(query string) map[string]struct{} {
	terms := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(query)) {
		w = strings.Trim(w, ".,;:!?\"'()[]")
		if len(w) < 3 {
			continue
		}
		terms[w] = struct{}{}
	}
	return terms
}

// Answerer turns a query and its retrieved context into answer fragments to
// be streamed one by one. It exists to exercise the streaming protocol; the
// real service puts an LLM here.
type Answerer interface {
	Answer(query string, context []chat.ContextChunk) []string
}

// extractiveAnswerer answers with the best-matching sentences from the
// retrieved context, streamed word by word.
type extractiveAnswerer struct{}

func (extractiveAnswerer) Answer(query string, context []chat.ContextChunk) []string {
	if len(context) == 0 {
		return fragments("I could not find anything relevant to that in the document.")
	}

	terms := queryTerms(query)
	best := ""
	bestScore := 0
	for _, c := range context {
		for _, sentence := range splitSentences(c.PageContent) {
			ls := strings.ToLower(sentence)
			score := 0
			for t := range terms {
				score += strings.Count(ls, t)
			}
			if score > bestScore {
				best, bestScore = sentence, score
			}
		}
	}
	if best == "" {
		best = context[0].PageContent
	}
	return fragments("Based on the document: " + strings.TrimSpace(best))
}

func splitSentences(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '\n'
	})
}

// fragments splits an answer into word-sized pieces so the stream carries
// many incremental frames, the way a token-by-token model response would.
func fragments(answer string) []string {
	words := strings.Fields(answer)
	out := make([]string, 0, len(words))
	for i, w := range words {
		if i == 0 {
			out = append(out, w)
		} else {
			out = append(out, " "+w)
		}
	}
	return out
}
