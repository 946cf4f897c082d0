package render

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"

	"github.com/niski84/TRMNL-POWER/pkg/config"
)

// ErrRasterizeFailed wraps every failure to turn HTML into a screenshot
var ErrRasterizeFailed = errors.New("rasterize failed")

// Backend defines the interface for rasterization backends
type Backend interface {
	// Init launches the browser ahead of the first Render
	Init(ctx context.Context) error

	// Render loads html into a page of the configured viewport size and
	// writes a PNG screenshot of exactly that viewport to outputPath
	Render(ctx context.Context, html string, outputPath string) error

	// Close releases the browser. Safe to call more than once.
	Close() error

	// Name returns the name of the backend
	Name() string
}

// Options is the resolved browser configuration shared by all backends
type Options struct {
	Width             int
	Height            int
	ChromiumPath      string
	Timeout           time.Duration
	Settle            time.Duration
	Sandbox           bool
	DeviceScaleFactor float64
}

// NewOptions resolves renderer settings for a display of the given size
func NewOptions(cfg config.RendererConfig, width, height int) Options {
	opts := Options{
		Width:             width,
		Height:            height,
		ChromiumPath:      cfg.ChromiumPath,
		Timeout:           time.Duration(cfg.TimeoutMS) * time.Millisecond,
		Settle:            time.Duration(cfg.SettleMS) * time.Millisecond,
		Sandbox:           cfg.Sandbox,
		DeviceScaleFactor: cfg.DeviceScaleFactor,
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.DeviceScaleFactor <= 0 {
		opts.DeviceScaleFactor = 1
	}
	return opts
}

// NewBackend creates the rasterization backend named in cfg.
// Browsers are launched lazily on the first Render.
func NewBackend(cfg config.RendererConfig, width, height int, logger *log.Logger) (Backend, error) {
	opts := NewOptions(cfg, width, height)
	switch cfg.Backend {
	case "", config.BackendRod:
		return NewChromiumRenderer(opts, logger.WithPrefix("rod")), nil
	case config.BackendPlaywright:
		return NewPlaywrightRenderer(opts, logger.WithPrefix("playwright")), nil
	case config.BackendChromedp:
		return NewChromedpRenderer(opts, logger.WithPrefix("chromedp")), nil
	default:
		return nil, fmt.Errorf("unknown renderer backend %q", cfg.Backend)
	}
}

// findChromeBinary tries to locate a Chrome binary in common locations
func findChromeBinary(logger *log.Logger) string {
	candidatePaths := []string{
		"./chrome-linux64/chrome",
		"/usr/bin/chromium",
		"/usr/bin/chromium-browser",
		"/usr/bin/google-chrome",
		"/usr/bin/google-chrome-stable",
		"/snap/bin/chromium",

		// macOS
		"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
		"/Applications/Chromium.app/Contents/MacOS/Chromium",
	}

	for _, path := range candidatePaths {
		if info, err := os.Stat(path); err == nil && info.Mode()&0111 != 0 {
			logger.Debug("found chrome binary", "path", path)
			return path
		}
	}
	logger.Debug("no chrome binary found in candidate paths")
	return ""
}

// generateInstanceID creates a unique identifier for a renderer instance
func generateInstanceID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}

func rasterizeError(backend string, err error) error {
	return fmt.Errorf("%w (%s): %w", ErrRasterizeFailed, backend, err)
}

// settle waits d for fonts and late layout, returning early with ctx's error
func settle(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
