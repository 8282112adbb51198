package stream

import (
	"reflect"
	"testing"
)

const ingestionBody = "data: {\"step\": \"extracting\", \"message\": \"Partitioning document...\"}\n\n" +
	"data: {\"step\": \"chunking\", \"message\": \"Created 12 text chunks.\"}\n\n" +
	"data: {\"step\": \"error\", \"message\": \"boom\"}\n\n"

func collect(d *Decoder, chunks ...string) []Event {
	var events []Event
	for _, c := range chunks {
		events = append(events, d.Feed([]byte(c))...)
	}
	return append(events, d.Flush()...)
}

func TestFeedSingleChunk(t *testing.T) {
	events := collect(NewDecoder(), ingestionBody)

	want := []Event{
		StepEvent{Step: "extracting", Message: "Partitioning document..."},
		StepEvent{Step: "chunking", Message: "Created 12 text chunks."},
		ErrorEvent{Message: "boom"},
	}
	if !reflect.DeepEqual(events, want) {
		t.Errorf("events = %#v, want %#v", events, want)
	}
}

// TestChunkBoundaryIndependence verifies the decoded sequence is identical no
// matter how the byte stream is split, including splits inside a frame, at
// the delimiter, and inside a multi-byte character.
func TestChunkBoundaryIndependence(t *testing.T) {
	body := "data: {\"type\": \"chunk\", \"content\": \"héllo \"}\n\n" +
		"data: {\"type\": \"chunk\", \"content\": \"wörld\"}\n\n" +
		"data: {\"type\": \"end\"}\n\n"

	want := collect(NewDecoder(), body)
	if len(want) != 3 {
		t.Fatalf("baseline decoded %d events, want 3", len(want))
	}

	for size := 1; size < len(body); size++ {
		d := NewDecoder()
		var events []Event
		for i := 0; i < len(body); i += size {
			end := min(i+size, len(body))
			events = append(events, d.Feed([]byte(body[i:end]))...)
		}
		events = append(events, d.Flush()...)

		if !reflect.DeepEqual(events, want) {
			t.Fatalf("chunk size %d: events = %#v, want %#v", size, events, want)
		}
	}
}

// TestMalformedFramesSkipped verifies malformed or unmarked frames are dropped
// while the valid ones around them decode in order.
func TestMalformedFramesSkipped(t *testing.T) {
	body := "data: {\"type\": \"chunk\", \"content\": \"a\"}\n\n" +
		"data: {not json at all\n\n" +
		": heartbeat comment\n\n" +
		"event: unmarked\n\n" +
		"data: {\"type\": \"mystery\", \"content\": \"x\"}\n\n" +
		"data: {\"type\": \"chunk\", \"content\": \"b\"}\n\n"

	events := collect(NewDecoder(), body)

	want := []Event{
		ChunkEvent{Content: "a"},
		ChunkEvent{Content: "b"},
	}
	if !reflect.DeepEqual(events, want) {
		t.Errorf("events = %#v, want %#v", events, want)
	}
}

func TestCompleteEventCarriesChat(t *testing.T) {
	body := `data: {"step": "complete", "message": "Processing complete!", "chat": {"id": "c1", "title": "paper.pdf", "document_id": "d1", "document": {"id": "d1", "name": "paper.pdf"}}}` + "\n\n"

	events := collect(NewDecoder(), body)
	if len(events) != 1 {
		t.Fatalf("decoded %d events, want 1", len(events))
	}

	ce, ok := events[0].(CompleteEvent)
	if !ok {
		t.Fatalf("event is %T, want CompleteEvent", events[0])
	}
	if id, _ := ce.Chat.ID.Durable(); id != "c1" {
		t.Errorf("chat id = %q, want %q", id, "c1")
	}
	if ce.Chat.Title != "paper.pdf" {
		t.Errorf("chat title = %q, want %q", ce.Chat.Title, "paper.pdf")
	}
	if ce.Chat.Document == nil || ce.Chat.Document.ID != "d1" {
		t.Errorf("chat document = %+v, want id d1", ce.Chat.Document)
	}
}

// TestFlushParsesUnterminatedFrame covers a stream that ends without the
// final blank line.
func TestFlushParsesUnterminatedFrame(t *testing.T) {
	d := NewDecoder()
	if got := d.Feed([]byte("data: {\"type\": \"chunk\", \"content\": \"tail\"}")); len(got) != 0 {
		t.Fatalf("Feed emitted %d events before delimiter", len(got))
	}

	events := d.Flush()
	want := []Event{ChunkEvent{Content: "tail"}}
	if !reflect.DeepEqual(events, want) {
		t.Errorf("Flush = %#v, want %#v", events, want)
	}
	if got := d.Flush(); got != nil {
		t.Errorf("second Flush = %#v, want nil", got)
	}
}

func TestCRLFDelimitersTolerated(t *testing.T) {
	body := "data: {\"type\": \"chunk\", \"content\": \"a\"}\r\n\n\ndata: {\"type\": \"end\"}\n\n"

	events := collect(NewDecoder(), body)
	want := []Event{ChunkEvent{Content: "a"}, EndEvent{}}
	if !reflect.DeepEqual(events, want) {
		t.Errorf("events = %#v, want %#v", events, want)
	}
}
