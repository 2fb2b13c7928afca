package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

// TestNew_LevelFiltering verifies entries below the minimum level are dropped.
func TestNew_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	lg := New(&buf, "warn")

	lg.Debug("debug message")
	lg.Info("info message")
	lg.Warn("warn message")

	out := buf.String()
	if strings.Contains(out, "debug message") {
		t.Error("debug message should have been filtered")
	}
	if strings.Contains(out, "info message") {
		t.Error("info message should have been filtered")
	}
	if !strings.Contains(out, "warn message") {
		t.Error("warn message should have been logged")
	}
}

// TestLogger_JSONOutput verifies entries are valid JSON with expected fields.
func TestLogger_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	lg := New(&buf, "info")

	lg.Info("record saved", map[string]interface{}{"record_id": "abc"})

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if entry["msg"] != "record saved" {
		t.Errorf("msg = %v, want 'record saved'", entry["msg"])
	}
	if entry["record_id"] != "abc" {
		t.Errorf("record_id = %v, want 'abc'", entry["record_id"])
	}
}

// TestLogger_ErrorField verifies the error is attached as a field.
func TestLogger_ErrorField(t *testing.T) {
	var buf bytes.Buffer
	lg := New(&buf, "info")

	lg.Error("ocr failed", errors.New("status 500"))

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if entry["error"] != "status 500" {
		t.Errorf("error = %v, want 'status 500'", entry["error"])
	}
}

// TestParseLevel_Fallback verifies unknown levels fall back to info.
func TestParseLevel_Fallback(t *testing.T) {
	var buf bytes.Buffer
	lg := New(&buf, "nonsense")

	lg.Info("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Error("info message should be logged at fallback level")
	}
}
