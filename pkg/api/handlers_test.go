package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/niski84/TRMNL-POWER/pkg/config"
	"github.com/niski84/TRMNL-POWER/pkg/model"
	"github.com/niski84/TRMNL-POWER/pkg/pipeline"
)

type fakeRenderer struct {
	stats *model.RenderStats
	err   error
	calls []model.Trigger
}

func (f *fakeRenderer) Render(ctx context.Context, trigger model.Trigger) (model.RenderStats, error) {
	f.calls = append(f.calls, trigger)
	if f.err != nil {
		return model.RenderStats{}, f.err
	}
	return *f.stats, nil
}

func (f *fakeRenderer) Stats() *model.RenderStats { return f.stats }

type fixedNextRun time.Time

func (f fixedNextRun) NextRun() time.Time { return time.Time(f) }

type fakeRuns struct {
	runs  []*model.Run
	limit int
}

func (f *fakeRuns) ListRuns(ctx context.Context, limit int) ([]*model.Run, error) {
	f.limit = limit
	return f.runs, nil
}

func newTestHandler(t *testing.T, r Renderer, runs RunLister) (*Handler, *config.Config) {
	t.Helper()
	cfg := config.Default()
	cfg.Render.OutputPath = filepath.Join(t.TempDir(), "screen.bmp")
	cfg.TRMNL.APIKey = "secret"
	cfg.TRMNL.FriendlyID = "ABC123"
	next := fixedNextRun(time.Date(2026, 10, 19, 15, 15, 0, 0, time.UTC))
	return NewHandler(cfg, r, next, runs, log.New(io.Discard)), cfg
}

func doRequest(h http.Handler, method, target string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestSetup(t *testing.T) {
	h, _ := newTestHandler(t, &fakeRenderer{}, nil)

	rec := doRequest(h, http.MethodGet, "http://trmnl.local:3000/api/setup", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["api_key"] != "secret" || body["friendly_id"] != "ABC123" {
		t.Errorf("unexpected body: %v", body)
	}
	if body["image_url"] != "http://trmnl.local:3000/screen.bmp" {
		t.Errorf("image_url = %v", body["image_url"])
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("CORS origin = %q", got)
	}
}

func TestDisplay(t *testing.T) {
	tests := []struct {
		name       string
		token      string
		wantStatus int
	}{
		{"valid token", "secret", http.StatusOK},
		{"wrong token", "nope", http.StatusUnauthorized},
		{"missing token", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newTestHandler(t, &fakeRenderer{}, nil)
			rec := doRequest(h, http.MethodGet, "http://trmnl.local/api/display", map[string]string{"Access-Token": tt.token})
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}

			body := decodeBody(t, rec)
			if tt.wantStatus == http.StatusUnauthorized {
				if body["error"] != "Invalid Access-Token" {
					t.Errorf("error = %v", body["error"])
				}
				return
			}
			if body["status"] != float64(0) || body["filename"] != "current" {
				t.Errorf("unexpected body: %v", body)
			}
			if body["refresh_rate"] != "900" {
				t.Errorf("refresh_rate = %v, want \"900\"", body["refresh_rate"])
			}
			if body["update_firmware"] != false || body["reset_firmware"] != false {
				t.Errorf("firmware flags = %v/%v", body["update_firmware"], body["reset_firmware"])
			}
		})
	}
}

func TestDisplayWithoutAPIKey(t *testing.T) {
	h, cfg := newTestHandler(t, &fakeRenderer{}, nil)
	cfg.TRMNL.APIKey = ""

	rec := doRequest(h, http.MethodGet, "/api/display", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 when no api key is configured", rec.Code)
	}
}

func TestImageNotYetGenerated(t *testing.T) {
	h, _ := newTestHandler(t, &fakeRenderer{}, nil)

	for _, path := range []string{"/screen.bmp", "/screen.png"} {
		rec := doRequest(h, http.MethodGet, path, nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s status = %d, want 404", path, rec.Code)
		}
		if body := decodeBody(t, rec); body["error"] != "Image not yet generated" {
			t.Errorf("%s error = %v", path, body["error"])
		}
	}
}

func TestImageServing(t *testing.T) {
	h, cfg := newTestHandler(t, &fakeRenderer{}, nil)
	pngPath := strings.TrimSuffix(cfg.Render.OutputPath, ".bmp") + ".png"

	// Only the PNG exists: both routes fall back to it
	if err := os.WriteFile(pngPath, []byte("png-bytes"), 0644); err != nil {
		t.Fatal(err)
	}
	rec := doRequest(h, http.MethodGet, "/screen.bmp", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "png-bytes" {
		t.Fatalf("bmp fallback: status %d body %q", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q", ct)
	}

	if err := os.WriteFile(cfg.Render.OutputPath, []byte("bmp-bytes"), 0644); err != nil {
		t.Fatal(err)
	}
	rec = doRequest(h, http.MethodGet, "/screen.bmp", nil)
	if rec.Body.String() != "bmp-bytes" || rec.Header().Get("Content-Type") != "image/bmp" {
		t.Errorf("bmp preferred: body %q type %q", rec.Body.String(), rec.Header().Get("Content-Type"))
	}
	rec = doRequest(h, http.MethodGet, "/screen.png", nil)
	if rec.Body.String() != "png-bytes" {
		t.Errorf("png preferred: body %q", rec.Body.String())
	}

	for header, want := range map[string]string{
		"Cache-Control": "no-cache, no-store, must-revalidate",
		"Pragma":        "no-cache",
		"Expires":       "0",
	} {
		if got := rec.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}

	etag := rec.Header().Get("ETag")
	if etag == "" || !strings.HasPrefix(etag, `"`) {
		t.Fatalf("ETag = %q", etag)
	}
	rec = doRequest(h, http.MethodGet, "/screen.png", map[string]string{"If-None-Match": etag})
	if rec.Code != http.StatusNotModified {
		t.Errorf("conditional request status = %d, want 304", rec.Code)
	}
}

func TestRender(t *testing.T) {
	stats := &model.RenderStats{TotalDuration: 1500 * time.Millisecond, OutputSize: 48062}

	t.Run("success", func(t *testing.T) {
		r := &fakeRenderer{stats: stats}
		h, _ := newTestHandler(t, r, nil)

		rec := doRequest(h, http.MethodPost, "/api/render", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		body := decodeBody(t, rec)
		if body["success"] != true {
			t.Errorf("success = %v", body["success"])
		}
		got := body["stats"].(map[string]interface{})
		if got["totalDuration"] != float64(1500) || got["outputSize"] != float64(48062) {
			t.Errorf("stats = %v", got)
		}
		if len(r.calls) != 1 || r.calls[0] != model.TriggerManual {
			t.Errorf("triggers = %v", r.calls)
		}
	})

	t.Run("busy", func(t *testing.T) {
		h, _ := newTestHandler(t, &fakeRenderer{err: pipeline.ErrRunInProgress}, nil)
		rec := doRequest(h, http.MethodPost, "/api/render", nil)
		if rec.Code != http.StatusConflict {
			t.Errorf("status = %d, want 409", rec.Code)
		}
	})

	t.Run("stage failure", func(t *testing.T) {
		err := &pipeline.StageError{Stage: pipeline.StageRasterizing, Err: errors.New("browser crashed")}
		h, _ := newTestHandler(t, &fakeRenderer{err: err}, nil)

		rec := doRequest(h, http.MethodPost, "/api/render", nil)
		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("status = %d, want 500", rec.Code)
		}
		body := decodeBody(t, rec)
		if body["success"] != false || body["stage"] != string(pipeline.StageRasterizing) {
			t.Errorf("unexpected body: %v", body)
		}
		if !strings.Contains(body["error"].(string), "browser crashed") {
			t.Errorf("error = %v", body["error"])
		}
	})

	t.Run("get not allowed", func(t *testing.T) {
		h, _ := newTestHandler(t, &fakeRenderer{stats: stats}, nil)
		rec := doRequest(h, http.MethodGet, "/api/render", nil)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("status = %d, want 405", rec.Code)
		}
	})
}

func TestStatus(t *testing.T) {
	r := &fakeRenderer{}
	h, _ := newTestHandler(t, r, nil)

	body := decodeBody(t, doRequest(h, http.MethodGet, "/api/status", nil))
	if body["status"] != "running" {
		t.Errorf("status = %v", body["status"])
	}
	if body["lastRender"] != nil {
		t.Errorf("lastRender = %v, want null before the first render", body["lastRender"])
	}
	if body["nextRun"] != "2026-10-19T15:15:00Z" {
		t.Errorf("nextRun = %v", body["nextRun"])
	}
	cfg := body["config"].(map[string]interface{})
	if cfg["refreshIntervalMinutes"] != float64(15) || cfg["schedule"] != "*/15 * * * *" {
		t.Errorf("config = %v", cfg)
	}

	r.stats = &model.RenderStats{OutputSize: 100}
	body = decodeBody(t, doRequest(h, http.MethodGet, "/api/status", nil))
	last, ok := body["lastRender"].(map[string]interface{})
	if !ok || last["outputSize"] != float64(100) {
		t.Errorf("lastRender = %v", body["lastRender"])
	}
}

func TestRuns(t *testing.T) {
	runs := &fakeRuns{runs: []*model.Run{{ID: "r1", Trigger: model.TriggerScheduled, Status: model.RunStatusCompleted}}}
	h, _ := newTestHandler(t, &fakeRenderer{}, runs)

	tests := []struct {
		query      string
		wantStatus int
		wantLimit  int
	}{
		{"", http.StatusOK, defaultRunsLimit},
		{"?limit=5", http.StatusOK, 5},
		{"?limit=0", http.StatusBadRequest, 0},
		{"?limit=abc", http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		runs.limit = 0
		rec := doRequest(h, http.MethodGet, "/api/runs"+tt.query, nil)
		if rec.Code != tt.wantStatus {
			t.Errorf("%q: status = %d, want %d", tt.query, rec.Code, tt.wantStatus)
		}
		if runs.limit != tt.wantLimit {
			t.Errorf("%q: limit = %d, want %d", tt.query, runs.limit, tt.wantLimit)
		}
	}

	body := decodeBody(t, doRequest(h, http.MethodGet, "/api/runs", nil))
	list := body["runs"].([]interface{})
	if len(list) != 1 || list[0].(map[string]interface{})["id"] != "r1" {
		t.Errorf("runs = %v", list)
	}
}

func TestRunsWithoutHistory(t *testing.T) {
	h, _ := newTestHandler(t, &fakeRenderer{}, nil)

	body := decodeBody(t, doRequest(h, http.MethodGet, "/api/runs", nil))
	if list, ok := body["runs"].([]interface{}); !ok || len(list) != 0 {
		t.Errorf("runs = %v, want empty list", body["runs"])
	}
}

func TestPreflight(t *testing.T) {
	h, _ := newTestHandler(t, &fakeRenderer{}, nil)

	rec := doRequest(h, http.MethodOptions, "/api/render", nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(got, "Access-Token") {
		t.Errorf("allowed headers = %q", got)
	}
}
