// Package pipeline sequences one dashboard render: collect data, fill the
// template, rasterize the page and convert the screenshot for the display.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"

	"github.com/niski84/TRMNL-POWER/pkg/model"
)

// ErrRunInProgress is returned when Render is called while another run is active
var ErrRunInProgress = errors.New("render already in progress")

// Stage names a step of a render run
type Stage string

const (
	StageCollecting  Stage = "collecting"
	StageTemplating  Stage = "templating"
	StageRasterizing Stage = "rasterizing"
	StageConverting  Stage = "converting"
	StageFinalizing  Stage = "finalizing"
)

// StageError reports which stage of a run failed
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// DataCollector produces the normalized view model. It never fails.
type DataCollector interface {
	Collect(ctx context.Context) model.ViewModel
}

// TemplateRenderer turns a view model into an HTML document
type TemplateRenderer interface {
	Render(vm model.ViewModel) (string, error)
}

// Rasterizer screenshots HTML into a PNG file
type Rasterizer interface {
	Init(ctx context.Context) error
	Render(ctx context.Context, html string, outputPath string) error
	Close() error
}

// BitmapConverter turns the screenshot into the served artifact
type BitmapConverter interface {
	Convert(ctx context.Context, rasterPath string) error
	OutputPath() string
}

// Recorder persists run history. Failures are logged and never fail a run.
type Recorder interface {
	CreateRun(ctx context.Context, run *model.Run) error
	UpdateRun(ctx context.Context, run *model.Run) error
}

// Pipeline owns the render components and the last successful stats
type Pipeline struct {
	collector  DataCollector
	renderer   TemplateRenderer
	rasterizer Rasterizer
	converter  BitmapConverter
	recorder   Recorder
	rasterPath string
	logger     *log.Logger
	now        func() time.Time

	runMu   sync.Mutex
	statsMu sync.RWMutex
	last    *model.RenderStats
}

// Option customizes a Pipeline
type Option func(*Pipeline)

// WithRecorder records every run attempt
func WithRecorder(r Recorder) Option {
	return func(p *Pipeline) { p.recorder = r }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New creates a pipeline. rasterPath is where the browser screenshot is staged.
func New(collector DataCollector, renderer TemplateRenderer, rasterizer Rasterizer, converter BitmapConverter, rasterPath string, logger *log.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		collector:  collector,
		renderer:   renderer,
		rasterizer: rasterizer,
		converter:  converter,
		rasterPath: rasterPath,
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Initialize creates the output directories and starts the rasterizer
func (p *Pipeline) Initialize(ctx context.Context, outputDirs ...string) error {
	for _, dir := range outputDirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory %s: %w", dir, err)
		}
	}
	if err := p.rasterizer.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize rasterizer: %w", err)
	}
	p.logger.Info("pipeline initialized")
	return nil
}

// Stats returns the stats of the last successful run, or nil before the first one
func (p *Pipeline) Stats() *model.RenderStats {
	p.statsMu.RLock()
	defer p.statsMu.RUnlock()
	if p.last == nil {
		return nil
	}
	s := *p.last
	return &s
}

// Render runs every stage in order. A second call while a run is active
// returns ErrRunInProgress immediately. On failure the previous artifact and
// stats are left untouched and a *StageError is returned.
func (p *Pipeline) Render(ctx context.Context, trigger model.Trigger) (model.RenderStats, error) {
	if !p.runMu.TryLock() {
		return model.RenderStats{}, ErrRunInProgress
	}
	defer p.runMu.Unlock()

	run := &model.Run{
		Trigger:   trigger,
		StartedAt: p.now(),
		Status:    model.RunStatusRunning,
	}
	p.recordStart(ctx, run)

	p.logger.Info("render started", "trigger", trigger)
	start := time.Now()
	var stats model.RenderStats

	t := time.Now()
	vm := p.collector.Collect(ctx)
	stats.DataFetchDuration = time.Since(t)
	if err := model.ValidateViewModel(vm); err != nil {
		p.logger.Warn("view model outside card bounds", "err", err)
	}

	t = time.Now()
	html, err := p.renderer.Render(vm)
	if err != nil {
		return stats, p.fail(ctx, run, stats, start, StageTemplating, err)
	}
	stats.TemplateDuration = time.Since(t)

	t = time.Now()
	if err := p.rasterizer.Render(ctx, html, p.rasterPath); err != nil {
		return stats, p.fail(ctx, run, stats, start, StageRasterizing, err)
	}
	stats.RasterizeDuration = time.Since(t)

	t = time.Now()
	if err := p.converter.Convert(ctx, p.rasterPath); err != nil {
		return stats, p.fail(ctx, run, stats, start, StageConverting, err)
	}
	stats.ConversionDuration = time.Since(t)

	outputPath := p.converter.OutputPath()
	if info, err := os.Stat(outputPath); err == nil {
		stats.OutputSize = info.Size()
	} else {
		p.logger.Warn("could not stat output", "path", outputPath, "err", err)
	}
	if err := os.Remove(p.rasterPath); err != nil && !os.IsNotExist(err) {
		p.logger.Warn("failed to remove temp raster", "path", p.rasterPath, "err", err)
	}

	stats.TotalDuration = time.Since(start)
	stats.OutputPath = outputPath
	stats.LastRenderTime = p.now()

	p.statsMu.Lock()
	s := stats
	p.last = &s
	p.statsMu.Unlock()

	p.logger.Info("render complete",
		"total", stats.TotalDuration.Round(time.Millisecond),
		"dataFetch", stats.DataFetchDuration.Round(time.Millisecond),
		"template", stats.TemplateDuration.Round(time.Millisecond),
		"rasterize", stats.RasterizeDuration.Round(time.Millisecond),
		"conversion", stats.ConversionDuration.Round(time.Millisecond),
		"size", humanize.Bytes(uint64(stats.OutputSize)),
		"path", outputPath,
	)

	run.ApplyStats(stats)
	run.Status = model.RunStatusCompleted
	if sum, err := fileChecksum(outputPath); err == nil {
		run.Checksum = sum
	}
	p.recordFinish(ctx, run)

	return stats, nil
}

func (p *Pipeline) fail(ctx context.Context, run *model.Run, stats model.RenderStats, start time.Time, stage Stage, err error) error {
	stageErr := &StageError{Stage: stage, Err: err}
	p.logger.Error("render failed", "stage", stage, "err", err)

	stats.TotalDuration = time.Since(start)
	run.ApplyStats(stats)
	run.ArtifactPath = ""
	run.Status = model.RunStatusFailed
	run.Stage = string(stage)
	run.ErrorText = err.Error()
	p.recordFinish(ctx, run)

	return stageErr
}

func (p *Pipeline) recordStart(ctx context.Context, run *model.Run) {
	if p.recorder == nil {
		return
	}
	if err := p.recorder.CreateRun(ctx, run); err != nil {
		p.logger.Warn("failed to record run start", "err", err)
	}
}

func (p *Pipeline) recordFinish(ctx context.Context, run *model.Run) {
	if p.recorder == nil {
		return
	}
	finished := p.now()
	run.FinishedAt = &finished
	if run.ID == "" {
		// the start was never recorded
		return
	}
	if err := p.recorder.UpdateRun(ctx, run); err != nil {
		p.logger.Warn("failed to record run result", "run_id", run.ID, "err", err)
	}
}

// Close releases the rasterizer
func (p *Pipeline) Close() error {
	if err := p.rasterizer.Close(); err != nil {
		return fmt.Errorf("failed to close rasterizer: %w", err)
	}
	return nil
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
