package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devils-eye/screenshot-ocr/internal/logging"
	"github.com/devils-eye/screenshot-ocr/internal/models"
	"github.com/devils-eye/screenshot-ocr/internal/ocr"
	"github.com/devils-eye/screenshot-ocr/internal/records"
	"github.com/devils-eye/screenshot-ocr/internal/settings"
	"github.com/devils-eye/screenshot-ocr/internal/store"
	"github.com/devils-eye/screenshot-ocr/internal/title"
)

// pixelPNG is a 1x1 PNG, base64-encoded, used as a valid image payload.
const pixelPNG = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mNk+P+/HgAFeAJ5jYI7iwAAAABJRU5ErkJggg=="

type fixture struct {
	coord *Coordinator
	repo  *records.Repository
	svc   *settings.Service
}

type fakeRasterizer struct {
	dataURL string
	err     error
}

func (f *fakeRasterizer) CaptureVisibleTab(ctx context.Context) (string, error) {
	return f.dataURL, f.err
}

type fakeInjector struct {
	started int
}

func (f *fakeInjector) StartCapture(ctx context.Context) error {
	f.started++
	return nil
}

func newFixture(t *testing.T, ocrURL, titleURL string) *fixture {
	t.Helper()
	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	svc, err := settings.NewService(context.Background(), s)
	if err != nil {
		t.Fatalf("settings.NewService: %v", err)
	}
	t.Cleanup(func() {
		svc.Close()
		s.Close()
	})

	repo := records.NewRepository(s)
	log := logging.New(io.Discard, "debug")
	coord := New(log, repo, svc,
		ocr.NewClient(ocr.WithBaseURL(ocrURL)),
		title.NewClient(title.WithBaseURL(titleURL)),
		&fakeRasterizer{dataURL: "data:image/png;base64," + pixelPNG},
		&fakeInjector{})
	return &fixture{coord: coord, repo: repo, svc: svc}
}

func dispatch(t *testing.T, c *Coordinator, msg string) map[string]interface{} {
	t.Helper()
	reply := c.Dispatch(context.Background(), []byte(msg))
	var decoded map[string]interface{}
	if err := json.Unmarshal(reply, &decoded); err != nil {
		t.Fatalf("reply %q is not a JSON object: %v", reply, err)
	}
	return decoded
}

// TestDispatch_UnknownAction verifies an error envelope, not a crash.
func TestDispatch_UnknownAction(t *testing.T) {
	f := newFixture(t, "http://unused", "http://unused")

	reply := dispatch(t, f.coord, `{"action":"frobnicate"}`)
	if reply["success"] != false {
		t.Errorf("reply = %v, want success:false", reply)
	}
	if msg, _ := reply["error"].(string); !strings.Contains(msg, "frobnicate") {
		t.Errorf("error = %q, want the unknown action named", msg)
	}
}

// TestDispatch_MalformedMessage verifies junk input yields an error envelope.
func TestDispatch_MalformedMessage(t *testing.T) {
	f := newFixture(t, "http://unused", "http://unused")

	reply := dispatch(t, f.coord, `not json at all`)
	if reply["success"] != false {
		t.Errorf("reply = %v, want success:false", reply)
	}
}

// TestDispatch_APIKeyRoundTrip verifies set followed by the bare-value get.
func TestDispatch_APIKeyRoundTrip(t *testing.T) {
	f := newFixture(t, "http://unused", "http://unused")

	reply := dispatch(t, f.coord, `{"action":"setApiKey","apiKey":"secret"}`)
	if reply["success"] != true {
		t.Fatalf("setApiKey reply = %v", reply)
	}

	reply = dispatch(t, f.coord, `{"action":"getApiKey"}`)
	if reply["apiKey"] != "secret" {
		t.Errorf("getApiKey reply = %v, want bare {apiKey:secret}", reply)
	}
	if _, hasSuccess := reply["success"]; hasSuccess {
		t.Error("getApiKey reply carries a success field, want the bare value shape")
	}
}

// TestDispatch_AutoGenerateTitlesRoundTrip verifies the toggle round trip.
func TestDispatch_AutoGenerateTitlesRoundTrip(t *testing.T) {
	f := newFixture(t, "http://unused", "http://unused")

	dispatch(t, f.coord, `{"action":"setAutoGenerateTitles","autoGenerateTitles":true}`)
	reply := dispatch(t, f.coord, `{"action":"getAutoGenerateTitles"}`)
	if reply["autoGenerateTitles"] != true {
		t.Errorf("reply = %v, want autoGenerateTitles:true", reply)
	}
}

// TestDispatch_ProcessOCR verifies the OCR round trip with the stored key.
func TestDispatch_ProcessOCR(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer stored-key" {
			t.Errorf("Authorization = %q", got)
		}
		w.Write([]byte(`{"text":"extracted"}`))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, "http://unused")
	dispatch(t, f.coord, `{"action":"setApiKey","apiKey":"stored-key"}`)

	reply := dispatch(t, f.coord, `{"action":"processOCR","imageData":"`+pixelPNG+`"}`)
	if reply["success"] != true || reply["text"] != "extracted" {
		t.Errorf("reply = %v, want success with extracted text", reply)
	}
}

// TestDispatch_ProcessOCR_NoImage verifies the missing-payload rejection.
func TestDispatch_ProcessOCR_NoImage(t *testing.T) {
	f := newFixture(t, "http://unused", "http://unused")

	reply := dispatch(t, f.coord, `{"action":"processOCR"}`)
	if reply["success"] != false {
		t.Errorf("reply = %v, want success:false", reply)
	}
}

// TestDispatch_SaveReturnsRecordFirst verifies the reply carries the
// persisted record with the default title before any title generation runs.
func TestDispatch_SaveReturnsRecordFirst(t *testing.T) {
	f := newFixture(t, "http://unused", "http://unused")

	reply := dispatch(t, f.coord,
		`{"action":"saveOCRData","data":{"text":"hello","imageData":"`+pixelPNG+`","metadata":{"width":20,"height":10}}}`)
	if reply["success"] != true {
		t.Fatalf("reply = %v", reply)
	}
	rec, ok := reply["record"].(map[string]interface{})
	if !ok {
		t.Fatalf("reply has no record object: %v", reply)
	}
	if rec["id"] == "" || rec["id"] == nil {
		t.Error("saved record has no id")
	}
	if rec["title"] != models.DefaultTitle {
		t.Errorf("title = %v, want the default", rec["title"])
	}

	// The reply record is the persisted one.
	stored, err := f.repo.Get(context.Background(), rec["id"].(string))
	if err != nil {
		t.Fatalf("record not readable after save reply: %v", err)
	}
	if stored.Text != "hello" {
		t.Errorf("stored text = %q", stored.Text)
	}
}

// TestDispatch_SaveRejectsNonImagePayload verifies payload validation.
func TestDispatch_SaveRejectsNonImagePayload(t *testing.T) {
	f := newFixture(t, "http://unused", "http://unused")

	// "aGVsbG8=" decodes to the text "hello".
	reply := dispatch(t, f.coord, `{"action":"saveOCRData","data":{"text":"x","imageData":"aGVsbG8="}}`)
	if reply["success"] != false {
		t.Errorf("reply = %v, want rejection of a non-image payload", reply)
	}
}

// TestDispatch_SaveTriggersTitlePatch verifies the deferred generation path.
func TestDispatch_SaveTriggersTitlePatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"Meeting Notes"}]}}]}`))
	}))
	defer srv.Close()

	f := newFixture(t, "http://unused", srv.URL)
	ctx := context.Background()
	f.svc.SetGeminiAPIKey(ctx, "g-key")
	f.svc.SetAutoGenerateTitles(ctx, true)

	reply := dispatch(t, f.coord, `{"action":"saveOCRData","data":{"text":"notes from the meeting"}}`)
	rec := reply["record"].(map[string]interface{})
	id := rec["id"].(string)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		stored, err := f.repo.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if stored.Title == "Meeting Notes" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("deferred title patch never landed")
}

// TestDispatch_SaveSkipsTitleWhenDisabled verifies no generation runs with
// the toggle off.
func TestDispatch_SaveSkipsTitleWhenDisabled(t *testing.T) {
	var called atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Store(true)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	f := newFixture(t, "http://unused", srv.URL)
	f.svc.SetGeminiAPIKey(context.Background(), "g-key")

	dispatch(t, f.coord, `{"action":"saveOCRData","data":{"text":"something"}}`)

	time.Sleep(100 * time.Millisecond)
	if called.Load() {
		t.Error("title generation ran with autoGenerateTitles disabled")
	}
}

// TestDispatch_TitlePatchDropsDeletedRecord verifies a record deleted while
// generation is in flight is left alone.
func TestDispatch_TitlePatchDropsDeletedRecord(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"Ghost"}]}}]}`))
	}))
	defer srv.Close()

	f := newFixture(t, "http://unused", srv.URL)
	ctx := context.Background()
	f.svc.SetGeminiAPIKey(ctx, "g-key")
	f.svc.SetAutoGenerateTitles(ctx, true)

	reply := dispatch(t, f.coord, `{"action":"saveOCRData","data":{"text":"doomed"}}`)
	id := reply["record"].(map[string]interface{})["id"].(string)
	survivor := dispatch(t, f.coord, `{"action":"saveOCRData","data":{"text":""}}`)
	survivorID := survivor["record"].(map[string]interface{})["id"].(string)

	if err := f.repo.Delete(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	close(release)

	time.Sleep(200 * time.Millisecond)
	recs, err := f.repo.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != survivorID {
		t.Fatalf("collection = %+v, want only the survivor", recs)
	}
	if recs[0].Title != models.DefaultTitle {
		t.Errorf("survivor title = %q, want untouched default", recs[0].Title)
	}
}

// TestDispatch_GenerateTitle verifies the direct generation action.
func TestDispatch_GenerateTitle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"A Title"}]}}]}`))
	}))
	defer srv.Close()

	f := newFixture(t, "http://unused", srv.URL)
	f.svc.SetGeminiAPIKey(context.Background(), "g-key")

	reply := dispatch(t, f.coord, `{"action":"generateTitle","text":"long extracted text"}`)
	if reply["success"] != true || reply["title"] != "A Title" {
		t.Errorf("reply = %v, want success with 'A Title'", reply)
	}
}

// TestDispatch_CaptureVisibleTab verifies the bare data URL reply.
func TestDispatch_CaptureVisibleTab(t *testing.T) {
	f := newFixture(t, "http://unused", "http://unused")

	raw := f.coord.Dispatch(context.Background(), []byte(`{"action":"captureVisibleTab"}`))
	var dataURL string
	if err := json.Unmarshal(raw, &dataURL); err != nil {
		t.Fatalf("reply %q is not a bare string: %v", raw, err)
	}
	if !strings.HasPrefix(dataURL, "data:image/png;base64,") {
		t.Errorf("dataURL = %q", dataURL)
	}
}

// TestDispatch_CaptureVisibleTab_FailureIsNull verifies a failed raster
// replies null, not an error envelope.
func TestDispatch_CaptureVisibleTab_FailureIsNull(t *testing.T) {
	f := newFixture(t, "http://unused", "http://unused")
	f.coord.rasterizer = &fakeRasterizer{err: errors.New("tab gone")}

	raw := f.coord.Dispatch(context.Background(), []byte(`{"action":"captureVisibleTab"}`))
	if string(raw) != "null" {
		t.Errorf("reply = %s, want null", raw)
	}
}

// TestDispatch_CaptureScreenshot verifies the injector signal.
func TestDispatch_CaptureScreenshot(t *testing.T) {
	f := newFixture(t, "http://unused", "http://unused")
	inj := f.coord.injector.(*fakeInjector)

	reply := dispatch(t, f.coord, `{"action":"captureScreenshot"}`)
	if reply["success"] != true {
		t.Fatalf("reply = %v", reply)
	}
	if inj.started != 1 {
		t.Errorf("injector started %d sessions, want 1", inj.started)
	}
}

// TestDispatch_TestConnections verifies both probes route through the stored
// credentials and report failure as an error envelope.
func TestDispatch_TestConnections(t *testing.T) {
	ocrSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"text":""}`))
	}))
	defer ocrSrv.Close()
	titleSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"denied"}}`))
	}))
	defer titleSrv.Close()

	f := newFixture(t, ocrSrv.URL, titleSrv.URL)
	ctx := context.Background()
	f.svc.SetAPIKey(ctx, "m-key")
	f.svc.SetGeminiAPIKey(ctx, "g-key")

	reply := dispatch(t, f.coord, `{"action":"testMistralConnection"}`)
	if reply["success"] != true {
		t.Errorf("mistral probe reply = %v", reply)
	}

	reply = dispatch(t, f.coord, `{"action":"testGeminiConnection"}`)
	if reply["success"] != false {
		t.Errorf("gemini probe reply = %v, want failure envelope", reply)
	}
	if msg, _ := reply["error"].(string); !strings.Contains(msg, "denied") {
		t.Errorf("error = %q", msg)
	}
}
