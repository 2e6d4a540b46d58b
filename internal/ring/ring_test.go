package ring

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"anonamoose/internal/pii"
)

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestRequestLog_NewestFirst(t *testing.T) {
	l := NewRequestLog()
	for _, path := range []string{"/a", "/b", "/c"} {
		l.Add(RequestEntry{Method: "POST", Path: path, Status: 200})
	}

	got := l.List()
	if len(got) != 3 {
		t.Fatalf("List() = %d entries, want 3", len(got))
	}
	for i, want := range []string{"/c", "/b", "/a"} {
		if got[i].Path != want {
			t.Errorf("List()[%d].Path = %q, want %q", i, got[i].Path, want)
		}
	}
}

func TestRequestLog_OverwritesOldest(t *testing.T) {
	l := NewRequestLog()
	for i := 0; i < RequestCap+5; i++ {
		l.Add(RequestEntry{Path: fmt.Sprintf("/r/%d", i)})
	}

	if got := l.Len(); got != RequestCap {
		t.Fatalf("Len() = %d, want %d", got, RequestCap)
	}
	got := l.List()
	if got[0].Path != fmt.Sprintf("/r/%d", RequestCap+4) {
		t.Errorf("newest = %q, want /r/%d", got[0].Path, RequestCap+4)
	}
	if oldest := got[len(got)-1].Path; oldest != "/r/5" {
		t.Errorf("oldest surviving = %q, want /r/5", oldest)
	}
}

func TestRequestLog_Clear(t *testing.T) {
	l := NewRequestLog()
	l.Add(RequestEntry{Path: "/x"})
	l.Clear()

	if got := l.Len(); got != 0 {
		t.Errorf("Len() after Clear = %d, want 0", got)
	}
	if got := l.List(); len(got) != 0 {
		t.Errorf("List() after Clear = %d entries, want 0", len(got))
	}
}

func TestRedactionLog_TruncatesPreviews(t *testing.T) {
	l := NewRedactionLog()
	l.Add(RedactionEntry{
		Source:          "api",
		InputPreview:    strings.Repeat("é", 600),
		RedactedPreview: strings.Repeat("x", 501),
	})

	got := l.List()
	if len(got) != 1 {
		t.Fatalf("List() = %d entries, want 1", len(got))
	}
	if n := len([]rune(got[0].InputPreview)); n != 500 {
		t.Errorf("input preview = %d runes, want 500", n)
	}
	if n := len(got[0].RedactedPreview); n != 500 {
		t.Errorf("redacted preview = %d bytes, want 500", n)
	}
}

func TestRedactionLog_StripsDetectionValues(t *testing.T) {
	l := NewRedactionLog()
	dets := []pii.Detection{
		{Layer: pii.LayerRegex, Category: "EMAIL", Value: "bob@example.com", StartIndex: 0, EndIndex: 15, Confidence: 0.95},
	}
	l.Add(RedactionEntry{Source: "openai", Detections: dets})

	got := l.List()
	if len(got) != 1 || len(got[0].Detections) != 1 {
		t.Fatalf("List() = %+v, want one entry with one detection", got)
	}
	if d := got[0].Detections[0]; d.Value != "" {
		t.Errorf("stored detection kept value %q", d.Value)
	}
	if d := got[0].Detections[0]; d.Category != "EMAIL" || d.EndIndex != 15 {
		t.Errorf("stored detection lost fields: %+v", d)
	}
	// The caller's slice must stay intact.
	if dets[0].Value != "bob@example.com" {
		t.Errorf("Add() mutated the caller's detections: %+v", dets[0])
	}
}

func TestRedactionLog_OverwritesOldest(t *testing.T) {
	l := NewRedactionLog()
	for i := 0; i < RedactionCap+3; i++ {
		l.Add(RedactionEntry{SessionID: fmt.Sprintf("s-%d", i)})
	}

	if got := l.Len(); got != RedactionCap {
		t.Fatalf("Len() = %d, want %d", got, RedactionCap)
	}
	got := l.List()
	if got[0].SessionID != fmt.Sprintf("s-%d", RedactionCap+2) {
		t.Errorf("newest = %q", got[0].SessionID)
	}
	if oldest := got[len(got)-1].SessionID; oldest != "s-3" {
		t.Errorf("oldest surviving = %q, want s-3", oldest)
	}
}

func TestRedactionLog_ExpiresOnRead(t *testing.T) {
	l := NewRedactionLog()
	at := base
	l.now = func() time.Time { return at }

	l.Add(RedactionEntry{SessionID: "old-1"})
	l.Add(RedactionEntry{SessionID: "old-2"})

	at = base.Add(10 * time.Minute)
	l.Add(RedactionEntry{SessionID: "young"})

	at = base.Add(16 * time.Minute)
	got := l.List()
	if len(got) != 1 || got[0].SessionID != "young" {
		t.Fatalf("List() = %+v, want only the young entry", got)
	}
	if n := l.Len(); n != 1 {
		t.Errorf("Len() = %d, want 1", n)
	}

	at = base.Add(30 * time.Minute)
	if n := l.Len(); n != 0 {
		t.Errorf("Len() after full expiry = %d, want 0", n)
	}
}
