// Package export implements whole-collection export and import. The export
// is the collection's JSON array, pretty-printed; importing the file back
// restores a structurally identical collection.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/devils-eye/screenshot-ocr/internal/models"
	"github.com/devils-eye/screenshot-ocr/internal/records"
)

// FileName returns the export file name for the given day:
// screenshot-ocr-export-<YYYY-MM-DD>.json.
func FileName(now time.Time) string {
	return fmt.Sprintf("screenshot-ocr-export-%s.json", now.Format("2006-01-02"))
}

// Service exports and imports the record collection.
type Service struct {
	repo *records.Repository
}

// NewService creates an export service over repo.
func NewService(repo *records.Repository) *Service {
	return &Service{repo: repo}
}

// Export writes the collection to w as a pretty-printed JSON array in append
// order. An empty collection exports as [].
func (s *Service) Export(ctx context.Context, w io.Writer) error {
	recs, err := s.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to load records for export: %w", err)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(recs); err != nil {
		return fmt.Errorf("failed to write export: %w", err)
	}
	return nil
}

// ExportToFile writes the export into dir under the dated file name and
// returns the full path.
func (s *Service) ExportToFile(ctx context.Context, dir string) (string, error) {
	path := filepath.Join(dir, FileName(time.Now()))

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create export file: %w", err)
	}
	if err := s.Export(ctx, f); err != nil {
		f.Close()
		os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to finish export file: %w", err)
	}
	return path, nil
}

// Import replaces the collection with the array read from r. The payload is
// validated (well-formed JSON array, non-empty unique ids) before anything
// is written, so a bad file leaves the current collection untouched.
func (s *Service) Import(ctx context.Context, r io.Reader) (int, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, fmt.Errorf("failed to read import: %w", err)
	}

	var recs []*models.Record
	if err := json.Unmarshal(data, &recs); err != nil {
		return 0, fmt.Errorf("import is not a record array: %w", err)
	}

	if err := s.repo.Replace(ctx, recs); err != nil {
		return 0, fmt.Errorf("failed to import records: %w", err)
	}
	return len(recs), nil
}
