package render

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/niski84/TRMNL-POWER/pkg/config"
)

func TestNewBackend(t *testing.T) {
	logger := log.New(io.Discard)

	tests := []struct {
		backend string
		want    string
	}{
		{"", config.BackendRod},
		{config.BackendRod, config.BackendRod},
		{config.BackendPlaywright, config.BackendPlaywright},
		{config.BackendChromedp, config.BackendChromedp},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			b, err := NewBackend(config.RendererConfig{Backend: tt.backend}, 800, 480, logger)
			if err != nil {
				t.Fatalf("NewBackend(%q) failed: %v", tt.backend, err)
			}
			if b.Name() != tt.want {
				t.Errorf("Name() = %q, want %q", b.Name(), tt.want)
			}
			// No browser was launched, so closing twice is a no-op
			if err := b.Close(); err != nil {
				t.Errorf("first Close failed: %v", err)
			}
			if err := b.Close(); err != nil {
				t.Errorf("second Close failed: %v", err)
			}
		})
	}
}

func TestNewBackendUnknown(t *testing.T) {
	if _, err := NewBackend(config.RendererConfig{Backend: "wkhtmltoimage"}, 800, 480, log.New(io.Discard)); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestNewOptions(t *testing.T) {
	opts := NewOptions(config.RendererConfig{SettleMS: 250}, 800, 480)

	if opts.Width != 800 || opts.Height != 480 {
		t.Errorf("viewport = %dx%d", opts.Width, opts.Height)
	}
	if opts.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s default", opts.Timeout)
	}
	if opts.Settle != 250*time.Millisecond {
		t.Errorf("Settle = %v", opts.Settle)
	}
	if opts.DeviceScaleFactor != 1 {
		t.Errorf("DeviceScaleFactor = %v, want 1", opts.DeviceScaleFactor)
	}
}

func TestSettle(t *testing.T) {
	if err := settle(context.Background(), 0); err != nil {
		t.Errorf("zero settle returned %v", err)
	}
	if err := settle(context.Background(), 5*time.Millisecond); err != nil {
		t.Errorf("settle returned %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if err := settle(ctx, time.Minute); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("settle must return as soon as the context is cancelled")
	}
}

func TestPlaywrightRenderCancelledContext(t *testing.T) {
	r := NewPlaywrightRenderer(NewOptions(config.RendererConfig{}, 800, 480), log.New(io.Discard))
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.Render(ctx, "<html><body></body></html>", t.TempDir()+"/out.png")
	if !errors.Is(err, ErrRasterizeFailed) || !errors.Is(err, context.Canceled) {
		t.Errorf("expected a cancelled rasterize error, got %v", err)
	}
}
