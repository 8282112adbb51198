package devserver

import (
	"strings"
	"testing"
)

func TestSplitChunksPacksParagraphs(t *testing.T) {
	text := "short one\n\nshort two\n\n" + strings.Repeat("x", chunkSize+10)

	chunks := splitChunks(text)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2: %q", len(chunks), chunks)
	}
	if chunks[0] != "short one\n\nshort two" {
		t.Errorf("first chunk = %q, want packed paragraphs", chunks[0])
	}
	if len(chunks[1]) != chunkSize+10 {
		t.Errorf("oversized paragraph should stay one chunk, got len %d", len(chunks[1]))
	}
}

func TestSplitChunksEmptyInput(t *testing.T) {
	if chunks := splitChunks("  \n\n \n "); len(chunks) != 0 {
		t.Errorf("got %d chunks for whitespace input, want 0", len(chunks))
	}
}

func TestRetrieveRanksByOverlap(t *testing.T) {
	chunks := []string{
		"nothing relevant here at all",
		"the quarterly revenue grew by ten percent",
		"revenue revenue revenue is discussed in depth with revenue tables",
	}

	got := retrieve("what was the revenue?", "d1", chunks, 2)
	if len(got) != 2 {
		t.Fatalf("got %d results, want 2", len(got))
	}
	if got[0].PageContent != chunks[2] {
		t.Errorf("best match = %q, want the chunk with most term hits", got[0].PageContent)
	}
	if got[0].Metadata["doc_id"] != "d1" {
		t.Errorf("metadata doc_id = %v", got[0].Metadata["doc_id"])
	}
	if got[0].Metadata["seq"] != 2 {
		t.Errorf("metadata seq = %v, want 2", got[0].Metadata["seq"])
	}
}

func TestRetrieveSkipsNonMatching(t *testing.T) {
	got := retrieve("revenue", "d1", []string{"completely unrelated text"}, 5)
	if len(got) != 0 {
		t.Errorf("got %d results for no-overlap query, want 0", len(got))
	}
}

func TestQueryTermsSkipShortWords(t *testing.T) {
	terms := queryTerms("What is the Revenue, exactly?")
	if _, ok := terms["revenue"]; !ok {
		t.Error("expected lowercased, punctuation-trimmed term 'revenue'")
	}
	if _, ok := terms["is"]; ok {
		t.Error("short words should be skipped")
	}
}

func TestFragmentsJoinBackToAnswer(t *testing.T) {
	frags := fragments("Based on the document: results improved.")
	joined := strings.Join(frags, "")
	if joined != "Based on the document: results improved." {
		t.Errorf("joined = %q", joined)
	}
	if len(frags) < 2 {
		t.Errorf("answer should stream in multiple fragments, got %d", len(frags))
	}
}

func TestExtractiveAnswerPicksBestSentence(t *testing.T) {
	context := retrieve("revenue growth", "d1", []string{
		"The weather was mild. Revenue growth reached ten percent. Nothing else happened.",
	}, 5)

	frags := extractiveAnswerer{}.Answer("revenue growth", context)
	answer := strings.Join(frags, "")
	if !strings.Contains(answer, "Revenue growth reached ten percent") {
		t.Errorf("answer = %q, want the matching sentence", answer)
	}
}

func TestExtractiveAnswerNoContext(t *testing.T) {
	frags := extractiveAnswerer{}.Answer("anything", nil)
	if len(frags) == 0 {
		t.Fatal("expected a fallback answer")
	}
	answer := strings.Join(frags, "")
	if !strings.Contains(answer, "could not find") {
		t.Errorf("answer = %q, want fallback wording", answer)
	}
}
