package convert

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/niski84/TRMNL-POWER/pkg/config"
	"github.com/niski84/TRMNL-POWER/pkg/fileutil"
)

// MagickReducer shells out to ImageMagick to write a BMP3 1-bit image
type MagickReducer struct {
	Binary    string
	Threshold int
	Timeout   time.Duration
}

// NewMagickReducer creates an ImageMagick reducer from cfg
func NewMagickReducer(cfg config.ConverterConfig) *MagickReducer {
	r := &MagickReducer{
		Binary:    cfg.MagickBinary,
		Threshold: cfg.Threshold,
		Timeout:   time.Duration(cfg.TimeoutMS) * time.Millisecond,
	}
	if r.Binary == "" {
		r.Binary = "convert"
	}
	if r.Threshold <= 0 || r.Threshold > 100 {
		r.Threshold = 50
	}
	if r.Timeout <= 0 {
		r.Timeout = 10 * time.Second
	}
	return r
}

// Name returns the reducer name
func (r *MagickReducer) Name() string {
	return config.ReducerImageMagick
}

// Reduce runs `convert src -threshold N% -type Bilevel -depth 1 -compress none BMP3:dst`
func (r *MagickReducer) Reduce(ctx context.Context, src, dst string) error {
	bin, err := exec.LookPath(r.Binary)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrReducerUnavailable, r.Binary, err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	// ImageMagick writes the file itself, so reserve a sibling temp name and rename after
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".*.bmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpName)

	cmd := exec.CommandContext(ctx, bin,
		src,
		"-threshold", fmt.Sprintf("%d%%", r.Threshold),
		"-type", "Bilevel",
		"-depth", "1",
		"-compress", "none",
		"BMP3:"+tmpName,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: timed out after %s", ErrReducerUnavailable, r.Timeout)
		}
		return fmt.Errorf("%w: %v: %s", ErrReducerUnavailable, err, strings.TrimSpace(string(out)))
	}

	if err := os.Chmod(tmpName, 0644); err != nil {
		return fmt.Errorf("failed to chmod reduced image: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return fmt.Errorf("failed to move reduced image into place: %w", err)
	}
	return nil
}

// NativeReducer encodes the 1-bit BMP in process
type NativeReducer struct{}

// Name returns the reducer name
func (NativeReducer) Name() string {
	return config.ReducerNative
}

// Reduce decodes src and writes a 1-bit BMP to dst
func (NativeReducer) Reduce(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	img, err := decodeImage(src)
	if err != nil {
		return err
	}
	data, err := Encode1BitBMP(img)
	if err != nil {
		return fmt.Errorf("failed to encode bmp: %w", err)
	}
	return fileutil.WriteFile(dst, data, 0644)
}

// NoneReducer disables reduction; the PNG is always copied to the output path
type NoneReducer struct{}

// Name returns the reducer name
func (NoneReducer) Name() string {
	return config.ReducerNone
}

// Reduce always reports the reducer as unavailable
func (NoneReducer) Reduce(context.Context, string, string) error {
	return fmt.Errorf("%w: reduction disabled", ErrReducerUnavailable)
}
