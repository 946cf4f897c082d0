package render

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/playwright-community/playwright-go"

	"github.com/niski84/TRMNL-POWER/pkg/config"
	"github.com/niski84/TRMNL-POWER/pkg/fileutil"
)

// PlaywrightRenderer rasterizes HTML using Playwright's Chromium
type PlaywrightRenderer struct {
	opts       Options
	logger     *log.Logger
	mu         sync.Mutex
	pw         *playwright.Playwright
	browser    playwright.Browser
	instanceID string
}

// NewPlaywrightRenderer creates a new Playwright renderer instance
func NewPlaywrightRenderer(opts Options, logger *log.Logger) *PlaywrightRenderer {
	instanceID := generateInstanceID()
	logger.Debug("created renderer", "instance", instanceID)

	return &PlaywrightRenderer{
		opts:       opts,
		logger:     logger,
		instanceID: instanceID,
	}
}

// getBrowser initializes or returns existing browser instance. Caller holds r.mu.
func (r *PlaywrightRenderer) getBrowser() (playwright.Browser, error) {
	if r.browser != nil {
		return r.browser, nil
	}

	// Home directories are often read-only in containers
	if os.Getenv("PLAYWRIGHT_BROWSERS_PATH") == "" {
		os.Setenv("PLAYWRIGHT_BROWSERS_PATH", "/tmp/.playwright-cache")
	}
	if os.Getenv("PLAYWRIGHT_DRIVER_PATH") == "" {
		os.Setenv("PLAYWRIGHT_DRIVER_PATH", "/tmp/.playwright-driver")
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start Playwright: %w (install the driver or use the rod backend)", err)
	}

	launchOptions := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(true),
		Args: []string{
			"--disable-dev-shm-usage",
			"--disable-gpu",
			"--no-first-run",
			"--no-default-browser-check",
			"--hide-scrollbars",
			"--disable-breakpad",
		},
	}
	if !r.opts.Sandbox {
		launchOptions.Args = append(launchOptions.Args, "--no-sandbox", "--disable-setuid-sandbox")
	}

	chromiumPath := r.opts.ChromiumPath
	if chromiumPath == "" {
		chromiumPath = findChromeBinary(r.logger)
	}
	if chromiumPath != "" {
		launchOptions.ExecutablePath = playwright.String(chromiumPath)
		r.logger.Info("using chromium binary", "path", chromiumPath)
	} else {
		r.logger.Warn("no system chromium found, using playwright's bundled browser")
	}

	browser, err := pw.Chromium.Launch(launchOptions)
	if err != nil {
		pw.Stop()
		return nil, fmt.Errorf("failed to launch Chromium: %w", err)
	}

	r.pw = pw
	r.browser = browser
	r.logger.Info("playwright chromium initialized", "instance", r.instanceID)
	return browser, nil
}

// Init starts Playwright and launches the browser
func (r *PlaywrightRenderer) Init(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.getBrowser()
	return err
}

// Render loads html and writes a viewport-sized PNG screenshot to outputPath
func (r *PlaywrightRenderer) Render(ctx context.Context, html string, outputPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return rasterizeError(r.Name(), err)
	}

	png, err := r.capture(ctx, html)
	if err != nil {
		return rasterizeError(r.Name(), err)
	}
	if err := fileutil.WriteFile(outputPath, png, 0644); err != nil {
		return rasterizeError(r.Name(), err)
	}
	return nil
}

// capture renders html in a fresh browser context. Playwright calls do not
// take a context, so cancelling ctx closes the browser context, which aborts
// any call in flight.
func (r *PlaywrightRenderer) capture(ctx context.Context, html string) ([]byte, error) {
	browser, err := r.getBrowser()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize browser: %w", err)
	}

	browserCtx, err := browser.NewContext(playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{
			Width:  r.opts.Width,
			Height: r.opts.Height,
		},
		DeviceScaleFactor: playwright.Float(r.opts.DeviceScaleFactor),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}
	defer browserCtx.Close()
	stop := context.AfterFunc(ctx, func() { _ = browserCtx.Close() })
	defer stop()

	page, err := browserCtx.NewPage()
	if err != nil {
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	defer page.Close()

	page.SetDefaultTimeout(float64(r.opts.Timeout.Milliseconds()))

	if err := page.SetContent(html, playwright.PageSetContentOptions{
		WaitUntil: playwright.WaitUntilStateNetworkidle,
	}); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("failed to set page content: %w", err)
	}

	if err := settle(ctx, r.opts.Settle); err != nil {
		return nil, err
	}

	png, err := page.Screenshot(playwright.PageScreenshotOptions{
		FullPage: playwright.Bool(false),
		Type:     playwright.ScreenshotTypePng,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("failed to capture screenshot: %w", err)
	}
	return png, nil
}

// Close closes the browser and stops the Playwright driver
func (r *PlaywrightRenderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	if r.browser != nil {
		r.logger.Info("closing playwright browser", "instance", r.instanceID)
		if err := r.browser.Close(); err != nil {
			firstErr = fmt.Errorf("failed to close browser: %w", err)
		}
		r.browser = nil
	}
	if r.pw != nil {
		if err := r.pw.Stop(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to stop playwright: %w", err)
		}
		r.pw = nil
	}
	return firstErr
}

// Name returns the backend name
func (r *PlaywrightRenderer) Name() string {
	return config.BackendPlaywright
}
