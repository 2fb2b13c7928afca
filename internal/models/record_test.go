package models

import (
	"encoding/json"
	"testing"
	"time"
)

// TestRecord_JSONFieldNames verifies the wire field names match the stored
// format used by the browsing surfaces.
func TestRecord_JSONFieldNames(t *testing.T) {
	r := &Record{
		ID:        "01923456-0000-7000-8000-000000000000",
		Timestamp: "2025-06-01T12:00:00Z",
		Title:     "Receipt",
		Text:      "total 12.50",
		ImageData: "aGVsbG8=",
		Metadata:  Metadata{Width: 120, Height: 80, Timestamp: "2025-06-01T12:00:00Z"},
	}

	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	for _, key := range []string{"id", "timestamp", "title", "text", "imageData", "metadata"} {
		if _, ok := m[key]; !ok {
			t.Errorf("missing field %q in serialized record", key)
		}
	}

	meta := m["metadata"].(map[string]interface{})
	for _, key := range []string{"width", "height", "timestamp"} {
		if _, ok := meta[key]; !ok {
			t.Errorf("missing field %q in serialized metadata", key)
		}
	}
}

// TestRecord_CreatedAt verifies timestamp parsing and the malformed fallback.
func TestRecord_CreatedAt(t *testing.T) {
	r := &Record{Timestamp: "2025-06-01T12:00:00Z"}
	want := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if !r.CreatedAt().Equal(want) {
		t.Errorf("CreatedAt() = %v, want %v", r.CreatedAt(), want)
	}

	bad := &Record{Timestamp: "yesterday"}
	if !bad.CreatedAt().IsZero() {
		t.Errorf("malformed timestamp should parse as zero time, got %v", bad.CreatedAt())
	}
}

// TestRecord_DisplayTitle verifies the fallback title for untitled records.
func TestRecord_DisplayTitle(t *testing.T) {
	r := &Record{Title: "My Capture", Timestamp: "2025-06-01T12:00:00Z"}
	if got := r.DisplayTitle(); got != "My Capture" {
		t.Errorf("DisplayTitle() = %q, want 'My Capture'", got)
	}

	untitled := &Record{Timestamp: "2025-06-01T12:00:00Z"}
	if got := untitled.DisplayTitle(); got != "OCR 2025-06-01" {
		t.Errorf("DisplayTitle() = %q, want 'OCR 2025-06-01'", got)
	}
}

// TestUnmarshalRecords_Empty verifies missing payloads yield an empty collection.
func TestUnmarshalRecords_Empty(t *testing.T) {
	records, err := UnmarshalRecords(nil)
	if err != nil {
		t.Fatalf("UnmarshalRecords(nil) error = %v", err)
	}
	if len(records) != 0 {
		t.Errorf("expected empty collection, got %d records", len(records))
	}

	records, err = UnmarshalRecords([]byte("null"))
	if err != nil {
		t.Fatalf("UnmarshalRecords(null) error = %v", err)
	}
	if records == nil {
		t.Error("null payload should yield a non-nil empty collection")
	}
}

// TestMarshalRecords_OrderPreserved verifies round-tripping keeps append order.
func TestMarshalRecords_OrderPreserved(t *testing.T) {
	in := []*Record{{ID: "a"}, {ID: "b"}, {ID: "c"}}

	data, err := MarshalRecords(in)
	if err != nil {
		t.Fatalf("MarshalRecords: %v", err)
	}
	out, err := UnmarshalRecords(data)
	if err != nil {
		t.Fatalf("UnmarshalRecords: %v", err)
	}

	if len(out) != 3 {
		t.Fatalf("got %d records, want 3", len(out))
	}
	for i, id := range []string{"a", "b", "c"} {
		if out[i].ID != id {
			t.Errorf("record %d ID = %q, want %q", i, out[i].ID, id)
		}
	}
}
