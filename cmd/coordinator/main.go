// Package main runs the screenshot OCR coordinator: the local service that
// owns the persistent store and remote API calls, serves the management and
// popup UI surfaces over REST, and carries the action envelope to page
// clients over a localhost WebSocket.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devils-eye/screenshot-ocr/cmd/coordinator/handlers"
	"github.com/devils-eye/screenshot-ocr/internal/coordinator"
	"github.com/devils-eye/screenshot-ocr/internal/export"
	"github.com/devils-eye/screenshot-ocr/internal/logging"
	"github.com/devils-eye/screenshot-ocr/internal/ocr"
	"github.com/devils-eye/screenshot-ocr/internal/records"
	"github.com/devils-eye/screenshot-ocr/internal/settings"
	"github.com/devils-eye/screenshot-ocr/internal/store"
	"github.com/devils-eye/screenshot-ocr/internal/title"
)

func main() {
	var (
		addr     = flag.String("addr", envOr("SCREENSHOT_OCR_ADDR", "localhost:8090"), "listen address")
		dataDir  = flag.String("data", envOr("SCREENSHOT_OCR_DATA", "./data"), "data directory")
		logLevel = flag.String("log-level", envOr("SCREENSHOT_OCR_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	)
	flag.Parse()

	logging.Init(os.Stdout, *logLevel)

	st, err := store.Open(*dataDir)
	if err != nil {
		logging.Error("failed to open store", err)
		os.Exit(1)
	}
	defer st.Close()

	svc, err := settings.NewService(context.Background(), st)
	if err != nil {
		logging.Error("failed to load settings", err)
		os.Exit(1)
	}
	defer svc.Close()

	repo := records.NewRepository(st)
	exporter := export.NewService(repo)
	ocrClient := ocr.NewClient()
	titleClient := title.NewClient()

	hub := NewWSHub(logging.Get())
	coord := coordinator.New(logging.Get(), repo, svc, ocrClient, titleClient, nil, hub)
	hub.SetDispatcher(coord)

	stopWatches := startChangeBroadcasts(st, hub)
	defer stopWatches()

	recordsHandler := handlers.NewRecordsHandler(repo)
	exportHandler := handlers.NewExportHandler(exporter)
	settingsHandler := handlers.NewSettingsHandler(svc, ocrClient, titleClient)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"screenshot-ocr-coordinator"}`))
	})
	mux.HandleFunc("GET /ws", HandleWebSocket(hub))

	mux.HandleFunc("GET /api/records", recordsHandler.List)
	mux.HandleFunc("GET /api/records/{id}", recordsHandler.Get)
	mux.HandleFunc("PATCH /api/records/{id}", recordsHandler.UpdateTitle)
	mux.HandleFunc("DELETE /api/records/{id}", recordsHandler.Delete)
	mux.HandleFunc("DELETE /api/records", recordsHandler.Clear)

	mux.HandleFunc("GET /api/export", exportHandler.Download)
	mux.HandleFunc("POST /api/import", exportHandler.Import)

	mux.HandleFunc("GET /api/settings", settingsHandler.Get)
	mux.HandleFunc("PUT /api/settings", settingsHandler.Save)
	mux.HandleFunc("POST /api/settings/test-mistral", settingsHandler.TestMistral)
	mux.HandleFunc("POST /api/settings/test-gemini", settingsHandler.TestGemini)
	mux.HandleFunc("POST /api/generate-title", settingsHandler.GenerateTitle)

	server := &http.Server{Addr: *addr, Handler: mux}

	go func() {
		logging.Info("coordinator listening", map[string]interface{}{
			"addr": *addr,
			"data": *dataDir,
		})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("server failed", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logging.Error("shutdown failed", err)
	}
}

// startChangeBroadcasts forwards committed store writes as hub events so the
// UI surfaces refresh without polling.
func startChangeBroadcasts(st *store.Store, hub *WSHub) (stop func()) {
	done := make(chan struct{})

	recordCh := st.Watch(store.KeyOCRData)
	go func() {
		for {
			select {
			case <-done:
				return
			case _, ok := <-recordCh:
				if !ok {
					return
				}
				hub.BroadcastRecordsChanged()
			}
		}
	}()

	settingKeys := []string{
		store.KeyAPIKey,
		store.KeyGeminiAPIKey,
		store.KeyAutoGenerateTitles,
		store.KeyDarkTheme,
	}
	settingChs := make([]<-chan store.Change, len(settingKeys))
	for i, key := range settingKeys {
		ch := st.Watch(key)
		settingChs[i] = ch
		go func(key string, ch <-chan store.Change) {
			for {
				select {
				case <-done:
					return
				case _, ok := <-ch:
					if !ok {
						return
					}
					hub.BroadcastSettingsChanged(key)
				}
			}
		}(key, ch)
	}

	return func() {
		close(done)
		st.Unwatch(store.KeyOCRData, recordCh)
		for i, key := range settingKeys {
			st.Unwatch(key, settingChs[i])
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
