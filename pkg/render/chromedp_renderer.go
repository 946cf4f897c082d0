package render

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/niski84/TRMNL-POWER/pkg/config"
	"github.com/niski84/TRMNL-POWER/pkg/fileutil"
)

// ChromedpRenderer rasterizes HTML through the DevTools protocol with chromedp.
// The page is loaded from a data URL so nothing touches the filesystem.
type ChromedpRenderer struct {
	opts   Options
	logger *log.Logger

	mu            sync.Mutex
	allocCancel   context.CancelFunc
	browser       context.Context
	browserCancel context.CancelFunc
}

// NewChromedpRenderer creates a chromedp renderer
func NewChromedpRenderer(opts Options, logger *log.Logger) *ChromedpRenderer {
	return &ChromedpRenderer{opts: opts, logger: logger}
}

// getBrowser starts the shared browser context. Caller holds r.mu.
func (r *ChromedpRenderer) getBrowser() (context.Context, error) {
	if r.browser != nil {
		return r.browser, nil
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.WindowSize(r.opts.Width, r.opts.Height),
	)
	if !r.opts.Sandbox {
		allocOpts = append(allocOpts, chromedp.NoSandbox)
	}

	execPath := r.opts.ChromiumPath
	if execPath == "" {
		execPath = findChromeBinary(r.logger)
	}
	if execPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(execPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	// Starts the browser process
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	r.allocCancel = allocCancel
	r.browser = browserCtx
	r.browserCancel = browserCancel
	r.logger.Info("chromedp browser initialized", "exec", execPath)
	return browserCtx, nil
}

// Init starts the browser process
func (r *ChromedpRenderer) Init(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.getBrowser()
	return err
}

// Render loads html and writes a viewport-sized PNG screenshot to outputPath
func (r *ChromedpRenderer) Render(ctx context.Context, html string, outputPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	browser, err := r.getBrowser()
	if err != nil {
		return rasterizeError(r.Name(), err)
	}

	tabCtx, tabCancel := chromedp.NewContext(browser)
	defer tabCancel()

	runCtx, cancel := context.WithTimeout(tabCtx, r.opts.Timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	dataURL := "data:text/html;base64," + base64.StdEncoding.EncodeToString([]byte(html))

	idle := make(chan struct{}, 1)
	chromedp.ListenTarget(runCtx, networkIdleListener(idle))

	var png []byte
	err = chromedp.Run(runCtx,
		chromedp.EmulateViewport(int64(r.opts.Width), int64(r.opts.Height), chromedp.EmulateScale(r.opts.DeviceScaleFactor)),
		page.SetLifecycleEventsEnabled(true),
		chromedp.Navigate(dataURL),
		chromedp.WaitReady("body"),
		waitNetworkIdle(idle),
		chromedp.Sleep(r.opts.Settle),
		chromedp.CaptureScreenshot(&png),
	)
	if err != nil {
		return rasterizeError(r.Name(), err)
	}

	if err := fileutil.WriteFile(outputPath, png, 0644); err != nil {
		return rasterizeError(r.Name(), err)
	}
	return nil
}

// networkIdleListener signals idle on the page's networkIdle lifecycle event.
// Each navigation starts with an init event, which discards a signal left
// over from the previous document.
func networkIdleListener(idle chan struct{}) func(ev any) {
	return func(ev any) {
		e, ok := ev.(*page.EventLifecycleEvent)
		if !ok {
			return
		}
		switch e.Name {
		case "init":
			select {
			case <-idle:
			default:
			}
		case "networkIdle":
			select {
			case idle <- struct{}{}:
			default:
			}
		}
	}
}

// waitNetworkIdle blocks until the page has had no network activity for the
// browser's idle window, or the render context ends.
func waitNetworkIdle(idle <-chan struct{}) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		select {
		case <-idle:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("waiting for network idle: %w", ctx.Err())
		}
	})
}

// Close shuts the browser down
func (r *ChromedpRenderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.browser == nil {
		return nil
	}
	err := chromedp.Cancel(r.browser)
	r.browserCancel()
	r.allocCancel()
	r.browser = nil
	return err
}

// Name returns the backend name
func (r *ChromedpRenderer) Name() string {
	return config.BackendChromedp
}
