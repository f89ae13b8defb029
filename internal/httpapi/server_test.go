package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/labstack/echo/v4"
)

func testStateFunc(clients, channels int) StateFunc {
	return func() (int, int) { return clients, channels }
}

func TestHandleHealth(t *testing.T) {
	s := New(testStateFunc(0, 0), t.TempDir())
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status field = %q, want %q", body.Status, "ok")
	}
}

func TestHandleState(t *testing.T) {
	s := New(testStateFunc(3, 2), t.TempDir())
	req := httptest.NewRequest(http.MethodGet, "/api/state", nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body stateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if body.Clients != 3 || body.VoiceChannels != 2 {
		t.Errorf("unexpected state response: %+v", body)
	}
}

func TestHandleVoiceStatsEmptyRing(t *testing.T) {
	s := New(testStateFunc(0, 0), t.TempDir())
	req := httptest.NewRequest(http.MethodGet, "/api/voice-stats", nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body voiceStatsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if len(body.Samples) != 0 {
		t.Errorf("samples = %v, want empty", body.Samples)
	}
	if body.Summary != "no samples yet" {
		t.Errorf("summary = %q, want %q", body.Summary, "no samples yet")
	}
}

func TestHandleVoiceStatsReportsLatestSample(t *testing.T) {
	fn := func() []VoiceStatsSample {
		return []VoiceStatsSample{{TS: 1, Clients: 2}, {TS: 2, Clients: 5}}
	}
	s := NewWithVoiceStats(testStateFunc(0, 0), fn, t.TempDir())
	req := httptest.NewRequest(http.MethodGet, "/api/voice-stats", nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)

	var body voiceStatsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if len(body.Samples) != 2 {
		t.Fatalf("samples = %v, want 2 entries", body.Samples)
	}
	if body.Summary != "5 clients, 2 samples recorded" {
		t.Errorf("summary = %q, want %q", body.Summary, "5 clients, 2 samples recorded")
	}
}

func TestHandleAttachmentDownloadServesFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "1234_abcd1234_note.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("write fixture attachment: %v", err)
	}
	s := New(testStateFunc(0, 0), dir)

	req := httptest.NewRequest(http.MethodGet, "/api/attachments/1234_abcd1234_note.txt", nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "hello" {
		t.Errorf("body = %q, want %q", rec.Body.String(), "hello")
	}
}

func TestHandleAttachmentDownloadMissingReturns404(t *testing.T) {
	s := New(testStateFunc(0, 0), t.TempDir())
	req := httptest.NewRequest(http.MethodGet, "/api/attachments/ghost", nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHandleAttachmentDownloadRejectsPathTraversal(t *testing.T) {
	s := New(testStateFunc(0, 0), t.TempDir())
	req := httptest.NewRequest(http.MethodGet, "/api/attachments/escape", nil)
	rec := httptest.NewRecorder()
	c := s.Echo().NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("../escape")

	err := s.handleAttachmentDownload(c)
	if err == nil {
		t.Fatal("expected an error for a path-traversal id")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected an *echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", httpErr.Code)
	}
}
