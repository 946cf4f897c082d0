// Package config loads the renderer configuration file.
//
// JSON files may carry // and /* */ comments and trailing commas; they are
// normalized with jsonc before decoding. Files ending in .yaml or .yml are
// decoded with yaml.v3 using the same key names.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/niski84/TRMNL-POWER/pkg/model"
)

// Renderer backends
const (
	BackendRod        = "rod"
	BackendPlaywright = "playwright"
	BackendChromedp   = "chromedp"
)

// Depth reducers
const (
	ReducerImageMagick = "imagemagick"
	ReducerNative      = "native"
	ReducerNone        = "none"
)

// Config is the complete service configuration
type Config struct {
	Server      ServerConfig      `json:"server" yaml:"server"`
	Render      RenderConfig      `json:"render" yaml:"render"`
	DataSources DataSourcesConfig `json:"dataSources" yaml:"dataSources"`
	TRMNL       TRMNLConfig       `json:"trmnl" yaml:"trmnl"`
	Paths       PathsConfig       `json:"paths" yaml:"paths"`
	Renderer    RendererConfig    `json:"renderer" yaml:"renderer"`
	Converter   ConverterConfig   `json:"converter" yaml:"converter"`
	History     HistoryConfig     `json:"history" yaml:"history"`
	Logging     LoggingConfig     `json:"logging" yaml:"logging"`
}

// ServerConfig holds the HTTP listener settings
type ServerConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// RenderConfig holds output geometry, cadence and file locations
type RenderConfig struct {
	Width                  int    `json:"width" yaml:"width"`
	Height                 int    `json:"height" yaml:"height"`
	RefreshIntervalMinutes int    `json:"refreshIntervalMinutes" yaml:"refreshIntervalMinutes"`
	Schedule               string `json:"schedule" yaml:"schedule"` // Optional cron expression overriding the interval
	OutputPath             string `json:"outputPath" yaml:"outputPath"`
	TempPath               string `json:"tempPath" yaml:"tempPath"`
}

// DataSourcesConfig lists the collector inputs, merged in this order
type DataSourcesConfig struct {
	JSONFiles    []string         `json:"jsonFiles" yaml:"jsonFiles"`
	APIEndpoints []string         `json:"apiEndpoints" yaml:"apiEndpoints"`
	Scripts      []string         `json:"scripts" yaml:"scripts"`
	Calendars    []CalendarSource `json:"calendars" yaml:"calendars"`
	TimeoutMS    int              `json:"timeoutMS" yaml:"timeoutMS"`
}

// CalendarSource is an ICS feed summarized into dashboard keys
type CalendarSource struct {
	Name          string `json:"name" yaml:"name"`
	URL           string `json:"url" yaml:"url"`
	LookaheadDays int    `json:"lookaheadDays" yaml:"lookaheadDays"`
}

// TRMNLConfig holds the device handshake values
type TRMNLConfig struct {
	APIKey             string `json:"apiKey" yaml:"apiKey"`
	FriendlyID         string `json:"friendlyId" yaml:"friendlyId"`
	RefreshRateSeconds int    `json:"refreshRateSeconds" yaml:"refreshRateSeconds"`
}

// PathsConfig holds template and output locations
type PathsConfig struct {
	Template  string `json:"template" yaml:"template"` // Empty selects the built-in template
	OutputDir string `json:"outputDir" yaml:"outputDir"`
}

// RendererConfig holds headless browser settings
type RendererConfig struct {
	Backend           string  `json:"backend" yaml:"backend"` // "rod" (default), "playwright" or "chromedp"
	ChromiumPath      string  `json:"chromiumPath" yaml:"chromiumPath"`
	TimeoutMS         int     `json:"timeoutMS" yaml:"timeoutMS"`
	SettleMS          int     `json:"settleMS" yaml:"settleMS"`
	Sandbox           bool    `json:"sandbox" yaml:"sandbox"` // Chrome runs with --no-sandbox unless set
	DeviceScaleFactor float64 `json:"deviceScaleFactor" yaml:"deviceScaleFactor"`
}

// ConverterConfig holds bitmap conversion settings
type ConverterConfig struct {
	Reducer      string `json:"reducer" yaml:"reducer"` // "imagemagick" (default), "native" or "none"
	MagickBinary string `json:"magickBinary" yaml:"magickBinary"`
	TimeoutMS    int    `json:"timeoutMS" yaml:"timeoutMS"`
	Threshold    int    `json:"threshold" yaml:"threshold"` // Percent passed to the external reducer
}

// HistoryConfig holds run history settings
type HistoryConfig struct {
	DBPath        string `json:"dbPath" yaml:"dbPath"` // Empty disables history
	RetentionDays int    `json:"retentionDays" yaml:"retentionDays"`
	MaxRuns       int    `json:"maxRuns" yaml:"maxRuns"`
}

// LoggingConfig holds the log level
type LoggingConfig struct {
	Level string `json:"level" yaml:"level"`
}

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// Load reads, decodes, defaults and validates the configuration at path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes raw config bytes. ext selects the decoder (".yaml"/".yml" or JSON otherwise).
func Parse(data []byte, ext string) (*Config, error) {
	cfg := &Config{}

	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	default:
		if err := jsonAPI.Unmarshal(jsonc.ToJSON(data), cfg); err != nil {
			return nil, err
		}
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero values with their defaults
func (c *Config) ApplyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 3000
	}

	if c.Render.Width == 0 {
		c.Render.Width = 800
	}
	if c.Render.Height == 0 {
		c.Render.Height = 480
	}
	if c.Render.RefreshIntervalMinutes == 0 {
		c.Render.RefreshIntervalMinutes = 15
	}
	if c.Paths.OutputDir == "" {
		c.Paths.OutputDir = "output"
	}
	if c.Render.OutputPath == "" {
		c.Render.OutputPath = filepath.Join(c.Paths.OutputDir, "screen.bmp")
	}
	if c.Render.TempPath == "" {
		c.Render.TempPath = filepath.Join(c.Paths.OutputDir, "render.tmp")
	}

	if c.DataSources.TimeoutMS == 0 {
		c.DataSources.TimeoutMS = 5000
	}
	for i := range c.DataSources.Calendars {
		if c.DataSources.Calendars[i].LookaheadDays == 0 {
			c.DataSources.Calendars[i].LookaheadDays = 7
		}
	}

	if c.TRMNL.RefreshRateSeconds == 0 {
		c.TRMNL.RefreshRateSeconds = c.Render.RefreshIntervalMinutes * 60
	}

	if c.Renderer.Backend == "" {
		c.Renderer.Backend = BackendRod
	}
	if c.Renderer.TimeoutMS == 0 {
		c.Renderer.TimeoutMS = 30000
	}
	if c.Renderer.SettleMS == 0 {
		c.Renderer.SettleMS = 500
	}
	if c.Renderer.DeviceScaleFactor == 0 {
		c.Renderer.DeviceScaleFactor = 1
	}

	if c.Converter.Reducer == "" {
		c.Converter.Reducer = ReducerImageMagick
	}
	if c.Converter.MagickBinary == "" {
		c.Converter.MagickBinary = "convert"
	}
	if c.Converter.TimeoutMS == 0 {
		c.Converter.TimeoutMS = 10000
	}
	if c.Converter.Threshold == 0 {
		c.Converter.Threshold = 50
	}

	if c.History.RetentionDays == 0 {
		c.History.RetentionDays = 30
	}
	if c.History.MaxRuns == 0 {
		c.History.MaxRuns = 1000
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate rejects configurations the pipeline cannot run with
func (c *Config) Validate() error {
	if c.Render.Width <= 0 || c.Render.Height <= 0 {
		return fmt.Errorf("render dimensions must be positive, got %dx%d", c.Render.Width, c.Render.Height)
	}
	if c.Render.RefreshIntervalMinutes < 0 {
		return fmt.Errorf("refreshIntervalMinutes must be positive, got %d", c.Render.RefreshIntervalMinutes)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}

	switch c.Renderer.Backend {
	case BackendRod, BackendPlaywright, BackendChromedp:
	default:
		return fmt.Errorf("unknown renderer backend '%s'", c.Renderer.Backend)
	}

	switch c.Converter.Reducer {
	case ReducerImageMagick, ReducerNative, ReducerNone:
	default:
		return fmt.Errorf("unknown converter reducer '%s'", c.Converter.Reducer)
	}
	if c.Converter.Threshold < 1 || c.Converter.Threshold > 99 {
		return fmt.Errorf("converter threshold must be between 1 and 99 percent, got %d", c.Converter.Threshold)
	}

	for _, cal := range c.DataSources.Calendars {
		if cal.Name == "" || cal.URL == "" {
			return fmt.Errorf("calendar sources need both name and url")
		}
	}

	if c.Render.Schedule != "" {
		if err := model.ValidateCronExpression(c.Render.Schedule); err != nil {
			return err
		}
	}

	if filepath.Clean(c.RasterPath()) == filepath.Clean(intermediatePath(c.Render.OutputPath)) {
		return fmt.Errorf("tempPath %q and outputPath %q resolve to the same png %q, use different file names",
			c.Render.TempPath, c.Render.OutputPath, c.RasterPath())
	}

	return nil
}

// ScheduleSpec returns the cron spec driving periodic renders. A minute
// step is only a fixed interval when it divides the hour; other intervals
// use @every.
func (c *Config) ScheduleSpec() string {
	if c.Render.Schedule != "" {
		return c.Render.Schedule
	}
	n := c.Render.RefreshIntervalMinutes
	if n > 0 && n < 60 && 60%n == 0 {
		return fmt.Sprintf("*/%d * * * *", n)
	}
	return fmt.Sprintf("@every %dm", n)
}

// intermediatePath mirrors the converter's bilevel png location: the output
// path itself for .png outputs, otherwise the output path with a .png extension.
func intermediatePath(outputPath string) string {
	ext := filepath.Ext(outputPath)
	if strings.EqualFold(ext, ".png") {
		return outputPath
	}
	return strings.TrimSuffix(outputPath, ext) + ".png"
}

// RasterPath is the temporary screenshot location derived from the temp path
func (c *Config) RasterPath() string {
	p := c.Render.TempPath
	if ext := filepath.Ext(p); ext != "" {
		return strings.TrimSuffix(p, ext) + ".png"
	}
	return p + ".png"
}
