// Package settings maintains the cached application settings: API
// credentials, the automatic-title toggle, and the theme preference. The
// cache is loaded once at startup, refreshed on every write-through, and
// kept coherent with out-of-band store writes via change subscriptions.
package settings

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/devils-eye/screenshot-ocr/internal/logging"
	"github.com/devils-eye/screenshot-ocr/internal/models"
	"github.com/devils-eye/screenshot-ocr/internal/store"
)

var watchedKeys = []string{
	store.KeyAPIKey,
	store.KeyGeminiAPIKey,
	store.KeyAutoGenerateTitles,
	store.KeyDarkTheme,
}

// Service provides snapshot reads and write-through updates of the settings.
type Service struct {
	store *store.Store

	mu      sync.RWMutex
	current models.Settings

	stop chan struct{}
	done sync.WaitGroup
}

// NewService loads the stored settings and starts watching for changes.
func NewService(ctx context.Context, s *store.Store) (*Service, error) {
	svc := &Service{
		store: s,
		stop:  make(chan struct{}),
	}
	if err := svc.reload(ctx); err != nil {
		return nil, err
	}

	for _, key := range watchedKeys {
		ch := s.Watch(key)
		svc.done.Add(1)
		go svc.follow(key, ch)
	}
	return svc, nil
}

// Snapshot returns the current settings by value.
func (svc *Service) Snapshot() models.Settings {
	svc.mu.RLock()
	defer svc.mu.RUnlock()
	return svc.current
}

// SetAPIKey stores the OCR credential.
func (svc *Service) SetAPIKey(ctx context.Context, key string) error {
	if err := svc.store.Set(ctx, store.KeyAPIKey, []byte(key)); err != nil {
		return err
	}
	svc.mu.Lock()
	svc.current.APIKey = key
	svc.mu.Unlock()
	return nil
}

// SetGeminiAPIKey stores the title-generation credential.
func (svc *Service) SetGeminiAPIKey(ctx context.Context, key string) error {
	if err := svc.store.Set(ctx, store.KeyGeminiAPIKey, []byte(key)); err != nil {
		return err
	}
	svc.mu.Lock()
	svc.current.GeminiAPIKey = key
	svc.mu.Unlock()
	return nil
}

// SetAutoGenerateTitles stores the automatic-title toggle.
func (svc *Service) SetAutoGenerateTitles(ctx context.Context, enabled bool) error {
	if err := svc.store.SetJSON(ctx, store.KeyAutoGenerateTitles, enabled); err != nil {
		return err
	}
	svc.mu.Lock()
	svc.current.AutoGenerateTitles = enabled
	svc.mu.Unlock()
	return nil
}

// SetDarkTheme stores the theme preference.
func (svc *Service) SetDarkTheme(ctx context.Context, enabled bool) error {
	if err := svc.store.SetJSON(ctx, store.KeyDarkTheme, enabled); err != nil {
		return err
	}
	svc.mu.Lock()
	svc.current.DarkTheme = enabled
	svc.mu.Unlock()
	return nil
}

// Save writes every field of the supplied settings.
func (svc *Service) Save(ctx context.Context, s models.Settings) error {
	if err := svc.SetAPIKey(ctx, s.APIKey); err != nil {
		return err
	}
	if err := svc.SetGeminiAPIKey(ctx, s.GeminiAPIKey); err != nil {
		return err
	}
	if err := svc.SetAutoGenerateTitles(ctx, s.AutoGenerateTitles); err != nil {
		return err
	}
	return svc.SetDarkTheme(ctx, s.DarkTheme)
}

// Close stops the change followers. The underlying store is owned by the
// caller and is not closed here.
func (svc *Service) Close() {
	close(svc.stop)
	svc.done.Wait()
}

// reload replaces the whole cached snapshot from the store.
func (svc *Service) reload(ctx context.Context) error {
	var s models.Settings

	if data, ok, err := svc.store.Get(ctx, store.KeyAPIKey); err != nil {
		return err
	} else if ok {
		s.APIKey = string(data)
	}
	if data, ok, err := svc.store.Get(ctx, store.KeyGeminiAPIKey); err != nil {
		return err
	} else if ok {
		s.GeminiAPIKey = string(data)
	}
	if _, err := svc.store.GetJSON(ctx, store.KeyAutoGenerateTitles, &s.AutoGenerateTitles); err != nil {
		return err
	}
	if _, err := svc.store.GetJSON(ctx, store.KeyDarkTheme, &s.DarkTheme); err != nil {
		return err
	}

	svc.mu.Lock()
	svc.current = s
	svc.mu.Unlock()
	return nil
}

// follow applies committed store changes for one key to the cache. A write
// that went through a Set* method is applied twice, which is harmless.
func (svc *Service) follow(key string, ch <-chan store.Change) {
	defer svc.done.Done()
	for {
		select {
		case <-svc.stop:
			svc.store.Unwatch(key, ch)
			return
		case change, ok := <-ch:
			if !ok {
				return
			}
			svc.apply(change)
		}
	}
}

func (svc *Service) apply(change store.Change) {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	switch change.Key {
	case store.KeyAPIKey:
		svc.current.APIKey = string(change.Value)
	case store.KeyGeminiAPIKey:
		svc.current.GeminiAPIKey = string(change.Value)
	case store.KeyAutoGenerateTitles:
		if b, ok := decodeBool(change); ok {
			svc.current.AutoGenerateTitles = b
		}
	case store.KeyDarkTheme:
		if b, ok := decodeBool(change); ok {
			svc.current.DarkTheme = b
		}
	}
}

// decodeBool parses a boolean settings value. A malformed write is ignored
// so the cache keeps its last good value.
func decodeBool(change store.Change) (bool, bool) {
	var b bool
	if err := json.Unmarshal(change.Value, &b); err != nil {
		logging.Warn("ignoring malformed settings value", map[string]interface{}{
			"key":   change.Key,
			"error": err.Error(),
		})
		return false, false
	}
	return b, true
}
