// Package records provides the repository for the stored OCR record
// collection. The collection is a JSON array persisted wholesale under a
// single store key; every mutation re-reads the current collection, applies
// the change in memory, and writes the whole array back. Two overlapping
// writers follow last-full-write-wins; the single-user workload makes that
// an accepted limitation rather than a locking problem.
package records

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/devils-eye/screenshot-ocr/internal/models"
	"github.com/devils-eye/screenshot-ocr/internal/store"
	"github.com/devils-eye/screenshot-ocr/internal/textutil"
	"github.com/devils-eye/screenshot-ocr/internal/uuid"
)

// ErrNotFound is returned by operations that require the record to exist.
var ErrNotFound = errors.New("record not found")

// Repository provides collection operations over the ocrData store key.
type Repository struct {
	store *store.Store
}

// NewRepository creates a Repository backed by s.
func NewRepository(s *store.Store) *Repository {
	return &Repository{store: s}
}

// List returns the full collection in append order.
func (r *Repository) List(ctx context.Context) ([]*models.Record, error) {
	data, _, err := r.store.Get(ctx, store.KeyOCRData)
	if err != nil {
		return nil, err
	}
	records, err := models.UnmarshalRecords(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode record collection: %w", err)
	}
	return records, nil
}

// Get returns the record with the given id, or ErrNotFound.
func (r *Repository) Get(ctx context.Context, id string) (*models.Record, error) {
	records, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if rec.ID == id {
			return rec, nil
		}
	}
	return nil, ErrNotFound
}

// Append builds a complete record from the caller-supplied partial, assigns
// a fresh id and creation timestamp, applies the default title unless the
// caller provided one, appends it, and writes the collection back. The
// returned record is the persisted one: it is readable by the time Append
// returns.
func (r *Repository) Append(ctx context.Context, partial *models.Record) (*models.Record, error) {
	records, err := r.List(ctx)
	if err != nil {
		return nil, err
	}

	rec := partial.Clone()
	rec.ID = uuid.New()
	rec.Timestamp = time.Now().UTC().Format(time.RFC3339)
	if rec.Title == "" {
		rec.Title = models.DefaultTitle
	}

	records = append(records, rec)
	if err := r.write(ctx, records); err != nil {
		return nil, err
	}
	return rec, nil
}

// PatchTitle applies a deferred title to the record with the given id. It
// re-reads the current collection rather than trusting any earlier snapshot;
// if the record was deleted in the interim the patch is silently dropped and
// the collection is left untouched. The bool reports whether a patch was
// written.
func (r *Repository) PatchTitle(ctx context.Context, id, title string) (bool, error) {
	records, err := r.List(ctx)
	if err != nil {
		return false, err
	}
	for _, rec := range records {
		if rec.ID == id {
			rec.Title = title
			if err := r.write(ctx, records); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	return false, nil
}

// UpdateTitle applies a user edit to the record's title. Unlike PatchTitle,
// editing a vanished record is an error the caller surfaces.
func (r *Repository) UpdateTitle(ctx context.Context, id, title string) (*models.Record, error) {
	records, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if rec.ID == id {
			rec.Title = title
			if err := r.write(ctx, records); err != nil {
				return nil, err
			}
			return rec, nil
		}
	}
	return nil, ErrNotFound
}

// Delete removes the record with the given id.
func (r *Repository) Delete(ctx context.Context, id string) error {
	records, err := r.List(ctx)
	if err != nil {
		return err
	}
	for i, rec := range records {
		if rec.ID == id {
			records = append(records[:i], records[i+1:]...)
			return r.write(ctx, records)
		}
	}
	return ErrNotFound
}

// Clear removes every record.
func (r *Repository) Clear(ctx context.Context) error {
	return r.write(ctx, []*models.Record{})
}

// Replace swaps in an imported collection wholesale after checking id
// uniqueness.
func (r *Repository) Replace(ctx context.Context, records []*models.Record) error {
	seen := make(map[string]bool, len(records))
	for _, rec := range records {
		if rec.ID == "" {
			return fmt.Errorf("record with empty id")
		}
		if seen[rec.ID] {
			return fmt.Errorf("duplicate record id %q", rec.ID)
		}
		seen[rec.ID] = true
	}
	return r.write(ctx, records)
}

func (r *Repository) write(ctx context.Context, records []*models.Record) error {
	data, err := models.MarshalRecords(records)
	if err != nil {
		return fmt.Errorf("failed to encode record collection: %w", err)
	}
	return r.store.Set(ctx, store.KeyOCRData, data)
}

// SortMode selects a list ordering for the browsing surfaces.
type SortMode string

const (
	SortNewest  SortMode = "newest"
	SortOldest  SortMode = "oldest"
	SortTitleAZ SortMode = "az"
	SortTitleZA SortMode = "za"
)

// Filter returns the records whose display title or text contains query,
// case-insensitive. Markdown text is matched on its plain-text rendering so
// "**bold**" matches the query "bold". An empty query matches everything.
func Filter(records []*models.Record, query string) []*models.Record {
	if query == "" {
		return records
	}
	q := strings.ToLower(query)

	var out []*models.Record
	for _, rec := range records {
		title := strings.ToLower(rec.DisplayTitle())
		text := strings.ToLower(textutil.PlainText(rec.Text))
		if strings.Contains(title, q) || strings.Contains(text, q) {
			out = append(out, rec)
		}
	}
	return out
}

// Sort orders records by mode. The sort is stable so records with equal keys
// keep their append order. Unknown modes leave the slice untouched.
func Sort(records []*models.Record, mode SortMode) {
	switch mode {
	case SortNewest:
		sort.SliceStable(records, func(i, j int) bool {
			return records[i].CreatedAt().After(records[j].CreatedAt())
		})
	case SortOldest:
		sort.SliceStable(records, func(i, j int) bool {
			return records[i].CreatedAt().Before(records[j].CreatedAt())
		})
	case SortTitleAZ:
		sort.SliceStable(records, func(i, j int) bool {
			return strings.ToLower(records[i].DisplayTitle()) < strings.ToLower(records[j].DisplayTitle())
		})
	case SortTitleZA:
		sort.SliceStable(records, func(i, j int) bool {
			return strings.ToLower(records[i].DisplayTitle()) > strings.ToLower(records[j].DisplayTitle())
		})
	}
}
