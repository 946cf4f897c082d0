// Package convert turns a browser screenshot into the artifact served to the
// display: an exact-size two-color PNG, reduced to a 1-bit BMP when possible.
package convert

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"golang.org/x/image/draw"

	"github.com/niski84/TRMNL-POWER/pkg/config"
	"github.com/niski84/TRMNL-POWER/pkg/fileutil"
)

// ErrReducerUnavailable means depth reduction could not run; the caller falls back to the PNG
var ErrReducerUnavailable = errors.New("depth reducer unavailable")

// midpoint of the 8-bit gray range
const grayThreshold = 128

var bilevelPalette = color.Palette{color.White, color.Black}

// Reducer converts a two-color PNG at src into the final artifact at dst
type Reducer interface {
	Reduce(ctx context.Context, src, dst string) error
	Name() string
}

// Converter resizes, thresholds and reduces rasterized pages
type Converter struct {
	width      int
	height     int
	outputPath string
	reducer    Reducer
	logger     *log.Logger
}

// NewConverter creates a converter writing to outputPath
func NewConverter(width, height int, outputPath string, reducer Reducer, logger *log.Logger) *Converter {
	return &Converter{
		width:      width,
		height:     height,
		outputPath: outputPath,
		reducer:    reducer,
		logger:     logger,
	}
}

// NewReducer builds the reducer named in cfg
func NewReducer(cfg config.ConverterConfig) (Reducer, error) {
	switch cfg.Reducer {
	case "", config.ReducerImageMagick:
		return NewMagickReducer(cfg), nil
	case config.ReducerNative:
		return NativeReducer{}, nil
	case config.ReducerNone:
		return NoneReducer{}, nil
	default:
		return nil, fmt.Errorf("unknown reducer %q", cfg.Reducer)
	}
}

// OutputPath returns the final artifact path
func (c *Converter) OutputPath() string {
	return c.outputPath
}

// IntermediatePath is the output path with a .png extension
func IntermediatePath(outputPath string) string {
	ext := filepath.Ext(outputPath)
	if strings.EqualFold(ext, ".png") {
		return outputPath
	}
	return strings.TrimSuffix(outputPath, ext) + ".png"
}

// Convert produces the artifact from the screenshot at rasterPath. Only
// failures to build the intermediate PNG are returned. A failed reduction
// falls back to copying the PNG bytes to the output path, and a failed copy
// is logged while the previous artifact stays in place.
func (c *Converter) Convert(ctx context.Context, rasterPath string) error {
	pngPath := IntermediatePath(c.outputPath)

	if err := c.writeBilevelPNG(rasterPath, pngPath); err != nil {
		return err
	}

	if pngPath == c.outputPath {
		c.logger.Debug("png output configured, skipping depth reduction", "path", pngPath)
		return nil
	}

	err := c.reducer.Reduce(ctx, pngPath, c.outputPath)
	if err == nil {
		c.logger.Debug("depth reduced", "reducer", c.reducer.Name(), "path", c.outputPath)
		return nil
	}

	c.logger.Warn("depth reduction failed, copying png to output", "reducer", c.reducer.Name(), "err", err)
	if err := fileutil.CopyFile(pngPath, c.outputPath); err != nil {
		c.logger.Error("failed to copy fallback png, keeping previous artifact", "path", c.outputPath, "err", err)
	}
	return nil
}

func (c *Converter) writeBilevelPNG(rasterPath, pngPath string) error {
	src, err := decodeImage(rasterPath)
	if err != nil {
		return err
	}

	out := Bilevel(src, c.width, c.height)
	return fileutil.WriteWith(pngPath, func(w io.Writer) error {
		return png.Encode(w, out)
	})
}

// Bilevel scales src to exactly width x height and thresholds it to black and white
func Bilevel(src image.Image, width, height int) *image.Paletted {
	scaled := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.BiLinear.Scale(scaled, scaled.Bounds(), src, src.Bounds(), draw.Src, nil)

	out := image.NewPaletted(scaled.Bounds(), bilevelPalette)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			g := color.GrayModel.Convert(scaled.At(x, y)).(color.Gray)
			if g.Y < grayThreshold {
				out.SetColorIndex(x, y, 1)
			}
		}
	}
	return out
}

func decodeImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open raster %s: %w", path, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode raster %s: %w", path, err)
	}
	return img, nil
}
