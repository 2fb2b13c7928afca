// Package models provides data model definitions for the Screenshot OCR service.
package models

import (
	"encoding/json"
	"time"
)

// DefaultTitle is the sentinel title assigned to a record until the user or
// the title-generation path rewrites it.
const DefaultTitle = "Untitled Screenshot"

// Metadata describes the captured image region.
type Metadata struct {
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Timestamp string `json:"timestamp"` // ISO-8601 image-capture time
}

// Record is one stored OCR capture: the cropped image, the extracted text,
// a mutable title, and capture metadata.
type Record struct {
	ID        string   `json:"id"`
	Timestamp string   `json:"timestamp"` // ISO-8601 creation time
	Title     string   `json:"title"`
	Text      string   `json:"text"`
	ImageData string   `json:"imageData"` // base64-encoded JPEG payload
	Metadata  Metadata `json:"metadata"`
}

// CreatedAt parses the record's creation timestamp. Records written by older
// installs may carry malformed timestamps; those sort as the zero time.
func (r *Record) CreatedAt() time.Time {
	ts, err := time.Parse(time.RFC3339, r.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return ts
}

// DisplayTitle returns the title shown in list views: the stored title, or
// "OCR <date>" for records saved without one.
func (r *Record) DisplayTitle() string {
	if r.Title != "" {
		return r.Title
	}
	return "OCR " + r.CreatedAt().Format("2006-01-02")
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	c := *r
	return &c
}

// Settings is the flat bag of scalar configuration read by the coordinator.
// Each field is independently keyed in the persistent store.
type Settings struct {
	APIKey             string `json:"apiKey"`
	GeminiAPIKey       string `json:"geminiApiKey"`
	AutoGenerateTitles bool   `json:"autoGenerateTitles"`
	DarkTheme          bool   `json:"darkTheme"`
}

// MarshalRecords serializes a collection preserving append order.
func MarshalRecords(records []*Record) ([]byte, error) {
	if records == nil {
		records = []*Record{}
	}
	return json.Marshal(records)
}

// UnmarshalRecords deserializes a collection. A missing or empty payload
// yields an empty collection, not an error.
func UnmarshalRecords(data []byte) ([]*Record, error) {
	if len(data) == 0 {
		return []*Record{}, nil
	}
	var records []*Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, err
	}
	if records == nil {
		records = []*Record{}
	}
	return records, nil
}
