package pipeline

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/niski84/TRMNL-POWER/pkg/model"
)

type fakeCollector struct{}

func (fakeCollector) Collect(ctx context.Context) model.ViewModel {
	return model.ViewModel{
		Title:     "Test",
		Timestamp: "now",
		Cards: []model.Card{
			{Label: "A", Value: model.NumberValue(1), Trend: model.TrendNeutral},
			{Label: "B", Value: model.NumberValue(2), Trend: model.TrendNeutral},
		},
	}
}

type fakeRenderer struct {
	err error
}

func (f fakeRenderer) Render(vm model.ViewModel) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "<html><body>" + vm.Title + "</body></html>", nil
}

type fakeRasterizer struct {
	err     error
	block   chan struct{}
	started chan struct{}
	closed  int
}

func (f *fakeRasterizer) Init(ctx context.Context) error { return nil }

func (f *fakeRasterizer) Render(ctx context.Context, html, outputPath string) error {
	if f.started != nil {
		close(f.started)
	}
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(outputPath, []byte("raster:"+html), 0644)
}

func (f *fakeRasterizer) Close() error {
	f.closed++
	return nil
}

type fakeConverter struct {
	output string
	err    error
}

func (f *fakeConverter) Convert(ctx context.Context, rasterPath string) error {
	if f.err != nil {
		return f.err
	}
	data, err := os.ReadFile(rasterPath)
	if err != nil {
		return err
	}
	return os.WriteFile(f.output, append([]byte("BM"), data...), 0644)
}

func (f *fakeConverter) OutputPath() string { return f.output }

type memoryRecorder struct {
	mu   sync.Mutex
	runs map[string]model.Run
	next int
	fail bool
}

func (m *memoryRecorder) CreateRun(ctx context.Context, run *model.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("database is locked")
	}
	m.next++
	run.ID = string(rune('a' + m.next))
	m.runs[run.ID] = *run
	return nil
}

func (m *memoryRecorder) UpdateRun(ctx context.Context, run *model.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = *run
	return nil
}

func newTestPipeline(t *testing.T, rast *fakeRasterizer, conv *fakeConverter, renderer fakeRenderer, opts ...Option) (*Pipeline, string) {
	t.Helper()
	dir := t.TempDir()
	if conv.output == "" {
		conv.output = filepath.Join(dir, "screen.bmp")
	}
	raster := filepath.Join(dir, "render.png")
	return New(fakeCollector{}, renderer, rast, conv, raster, log.New(io.Discard), opts...), raster
}

func TestRenderSuccess(t *testing.T) {
	rec := &memoryRecorder{runs: map[string]model.Run{}}
	conv := &fakeConverter{}
	fixed := time.Date(2026, 10, 19, 15, 0, 0, 0, time.UTC)
	p, raster := newTestPipeline(t, &fakeRasterizer{}, conv, fakeRenderer{},
		WithRecorder(rec), WithClock(func() time.Time { return fixed }))

	if p.Stats() != nil {
		t.Fatal("expected nil stats before the first run")
	}

	stats, err := p.Render(context.Background(), model.TriggerManual)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}

	if stats.OutputPath != conv.output {
		t.Errorf("OutputPath = %q, want %q", stats.OutputPath, conv.output)
	}
	info, err := os.Stat(conv.output)
	if err != nil {
		t.Fatalf("output missing: %v", err)
	}
	if stats.OutputSize != info.Size() || stats.OutputSize == 0 {
		t.Errorf("OutputSize = %d, file size = %d", stats.OutputSize, info.Size())
	}
	if !stats.LastRenderTime.Equal(fixed) {
		t.Errorf("LastRenderTime = %v", stats.LastRenderTime)
	}
	if stats.TotalDuration < stats.RasterizeDuration {
		t.Errorf("total %v shorter than a stage %v", stats.TotalDuration, stats.RasterizeDuration)
	}
	if _, err := os.Stat(raster); !os.IsNotExist(err) {
		t.Error("temp raster was not removed")
	}

	got := p.Stats()
	if got == nil || got.OutputSize != stats.OutputSize {
		t.Errorf("Stats() = %+v", got)
	}

	if len(rec.runs) != 1 {
		t.Fatalf("recorded %d runs, want 1", len(rec.runs))
	}
	for _, run := range rec.runs {
		if run.Status != model.RunStatusCompleted || run.Trigger != model.TriggerManual {
			t.Errorf("run = %+v", run)
		}
		if len(run.Checksum) != 64 || run.Bytes != stats.OutputSize || run.FinishedAt == nil {
			t.Errorf("run details incomplete: %+v", run)
		}
	}
}

func TestRenderFailureKeepsPreviousStats(t *testing.T) {
	rast := &fakeRasterizer{}
	rec := &memoryRecorder{runs: map[string]model.Run{}}
	p, _ := newTestPipeline(t, rast, &fakeConverter{}, fakeRenderer{}, WithRecorder(rec))

	first, err := p.Render(context.Background(), model.TriggerStartup)
	if err != nil {
		t.Fatalf("first Render failed: %v", err)
	}

	rast.err = errors.New("browser crashed")
	_, err = p.Render(context.Background(), model.TriggerScheduled)

	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != StageRasterizing {
		t.Fatalf("expected rasterizing StageError, got %v", err)
	}

	if got := p.Stats(); got == nil || !got.LastRenderTime.Equal(first.LastRenderTime) {
		t.Errorf("stats changed after failure: %+v", got)
	}

	var failed int
	for _, run := range rec.runs {
		if run.Status == model.RunStatusFailed {
			failed++
			if run.Stage != string(StageRasterizing) || run.ErrorText == "" {
				t.Errorf("failed run = %+v", run)
			}
		}
	}
	if failed != 1 {
		t.Errorf("recorded %d failed runs, want 1", failed)
	}
}

func TestRenderStageErrors(t *testing.T) {
	tests := []struct {
		name     string
		renderer fakeRenderer
		conv     *fakeConverter
		stage    Stage
	}{
		{"template", fakeRenderer{err: errors.New("template unreadable")}, &fakeConverter{}, StageTemplating},
		{"conversion", fakeRenderer{}, &fakeConverter{err: errors.New("decode failed")}, StageConverting},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newTestPipeline(t, &fakeRasterizer{}, tt.conv, tt.renderer)

			_, err := p.Render(context.Background(), model.TriggerCLI)
			var stageErr *StageError
			if !errors.As(err, &stageErr) || stageErr.Stage != tt.stage {
				t.Fatalf("expected %s StageError, got %v", tt.stage, err)
			}
			if p.Stats() != nil {
				t.Error("stats must stay nil after a failed first run")
			}
			if _, err := os.Stat(tt.conv.output); !os.IsNotExist(err) {
				t.Error("no artifact should exist after a failed first run")
			}
		})
	}
}

func TestRenderRejectsConcurrentRun(t *testing.T) {
	rast := &fakeRasterizer{block: make(chan struct{}), started: make(chan struct{})}
	p, _ := newTestPipeline(t, rast, &fakeConverter{}, fakeRenderer{})

	done := make(chan error, 1)
	go func() {
		_, err := p.Render(context.Background(), model.TriggerScheduled)
		done <- err
	}()

	<-rast.started
	if _, err := p.Render(context.Background(), model.TriggerManual); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("expected ErrRunInProgress, got %v", err)
	}

	close(rast.block)
	if err := <-done; err != nil {
		t.Errorf("first run failed: %v", err)
	}
}

func TestRecorderFailureDoesNotFailRun(t *testing.T) {
	rec := &memoryRecorder{runs: map[string]model.Run{}, fail: true}
	p, _ := newTestPipeline(t, &fakeRasterizer{}, &fakeConverter{}, fakeRenderer{}, WithRecorder(rec))

	if _, err := p.Render(context.Background(), model.TriggerManual); err != nil {
		t.Fatalf("Render failed because of the recorder: %v", err)
	}
}

func TestInitializeAndClose(t *testing.T) {
	rast := &fakeRasterizer{}
	p, _ := newTestPipeline(t, rast, &fakeConverter{}, fakeRenderer{})
	dir := filepath.Join(t.TempDir(), "out", "nested")

	if err := p.Initialize(context.Background(), dir); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Errorf("output directory not created: %v", err)
	}

	if err := p.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if rast.closed != 1 {
		t.Errorf("rasterizer closed %d times", rast.closed)
	}
}

func TestStageErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	err := error(&StageError{Stage: StageConverting, Err: inner})
	if !errors.Is(err, inner) {
		t.Error("StageError does not unwrap")
	}
	if err.Error() != "converting: boom" {
		t.Errorf("Error() = %q", err.Error())
	}
}
