package render

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/niski84/TRMNL-POWER/pkg/config"
	"github.com/niski84/TRMNL-POWER/pkg/fileutil"
)

// ChromiumRenderer rasterizes HTML with a rod-controlled Chromium
type ChromiumRenderer struct {
	opts       Options
	logger     *log.Logger
	mu         sync.Mutex
	launcher   *launcher.Launcher
	browser    *rod.Browser
	instanceID string // Unique ID for this renderer instance
	profileDir string // Unique profile directory for this instance
}

// NewChromiumRenderer creates a new Chromium renderer instance
func NewChromiumRenderer(opts Options, logger *log.Logger) *ChromiumRenderer {
	instanceID := generateInstanceID()
	profileDir := filepath.Join(os.TempDir(), ".trmnl-chromium-"+instanceID)

	logger.Debug("created renderer", "instance", instanceID, "profile", profileDir)

	return &ChromiumRenderer{
		opts:       opts,
		logger:     logger,
		instanceID: instanceID,
		profileDir: profileDir,
	}
}

// getBrowser initializes or returns existing browser instance. Caller holds r.mu.
func (r *ChromiumRenderer) getBrowser() (*rod.Browser, error) {
	if r.browser != nil {
		return r.browser, nil
	}

	if err := os.MkdirAll(r.profileDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create profile directory: %w", err)
	}

	l := launcher.New()

	chromePath := r.opts.ChromiumPath
	if chromePath == "" {
		chromePath = findChromeBinary(r.logger)
	}
	if chromePath != "" {
		l = l.Bin(chromePath)
		r.logger.Info("using chrome binary", "path", chromePath)
	} else {
		r.logger.Warn("no chrome binary configured, rod will download one")
	}

	// Server flags, always on
	l = l.Set("disable-gpu")
	l = l.Set("disable-dev-shm-usage")
	l = l.Set("no-first-run")
	l = l.Set("no-default-browser-check")
	l = l.Set("hide-scrollbars")
	l = l.Set("disable-breakpad")
	l = l.Set("user-data-dir", r.profileDir)
	if !r.opts.Sandbox {
		l = l.NoSandbox(true)
		l = l.Set("disable-setuid-sandbox")
	}
	l = l.Headless(true)

	launchURL, err := l.Launch()
	if err != nil {
		if chromePath == "" {
			return nil, fmt.Errorf("failed to launch browser: %w (set renderer.chromiumPath to a Chrome or Chromium binary)", err)
		}
		return nil, fmt.Errorf("failed to launch browser at %q: %w", chromePath, err)
	}

	browser := rod.New().ControlURL(launchURL)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	r.launcher = l
	r.browser = browser
	r.logger.Info("chromium browser initialized", "instance", r.instanceID)
	return browser, nil
}

// Init launches the browser if it is not running yet
func (r *ChromiumRenderer) Init(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.getBrowser()
	return err
}

// Render loads html and writes a viewport-sized PNG screenshot to outputPath
func (r *ChromiumRenderer) Render(ctx context.Context, html string, outputPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	png, err := r.capture(ctx, html)
	if err != nil {
		return rasterizeError(r.Name(), err)
	}
	if err := fileutil.WriteFile(outputPath, png, 0644); err != nil {
		return rasterizeError(r.Name(), err)
	}
	return nil
}

func (r *ChromiumRenderer) capture(ctx context.Context, html string) ([]byte, error) {
	browser, err := r.getBrowser()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize browser: %w", err)
	}

	page, err := browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	defer page.Close()

	if err := page.SetViewport(
		&proto.EmulationSetDeviceMetricsOverride{
			Width:             r.opts.Width,
			Height:            r.opts.Height,
			DeviceScaleFactor: r.opts.DeviceScaleFactor,
			Mobile:            false,
		},
	); err != nil {
		return nil, fmt.Errorf("failed to set viewport: %w", err)
	}

	page = page.Context(ctx).Timeout(r.opts.Timeout)

	wait := page.WaitRequestIdle(300*time.Millisecond, nil, nil, nil)
	if err := page.SetDocumentContent(html); err != nil {
		return nil, fmt.Errorf("failed to set page content: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return nil, fmt.Errorf("failed to wait for page load: %w", err)
	}
	wait()

	if err := settle(ctx, r.opts.Settle); err != nil {
		return nil, err
	}

	png, err := page.Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to capture screenshot: %w", err)
	}
	return png, nil
}

// Close closes the browser instance
func (r *ChromiumRenderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.browser == nil {
		return nil
	}

	r.logger.Info("closing chromium browser", "instance", r.instanceID)
	err := r.browser.Close()
	r.browser = nil
	if r.launcher != nil {
		r.launcher.Kill()
		r.launcher = nil
	}
	os.RemoveAll(r.profileDir)
	return err
}

// Name returns the backend name
func (r *ChromiumRenderer) Name() string {
	return config.BackendRod
}
