// Package cli implements the trmnl-renderer command-line interface.
//
// The serve command runs the scheduled render loop together with the HTTP
// endpoints polled by the device. render performs a single render and exits,
// validate-template checks a dashboard template for the tokens and layout
// hooks the renderer relies on, and generate-template writes a starter one.
package cli

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/niski84/TRMNL-POWER/pkg/collect"
	"github.com/niski84/TRMNL-POWER/pkg/config"
	"github.com/niski84/TRMNL-POWER/pkg/convert"
	"github.com/niski84/TRMNL-POWER/pkg/pipeline"
	"github.com/niski84/TRMNL-POWER/pkg/render"
	"github.com/niski84/TRMNL-POWER/pkg/store"
	"github.com/niski84/TRMNL-POWER/pkg/tmpl"
)

const (
	appName           = "trmnl-renderer"
	defaultConfigPath = "config.json"
)

// CLI holds shared state for all commands.
type CLI struct {
	Logger     *log.Logger
	configPath string
	verbose    bool
}

// New creates a new CLI instance with a default logger.
func New(w io.Writer) *CLI {
	return &CLI{Logger: newLogger(w, log.InfoLevel)}
}

// RootCommand creates the root cobra command with all subcommands registered.
func (c *CLI) RootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          appName,
		Short:        "Render dashboards for TRMNL e-ink displays",
		Long:         `trmnl-renderer collects JSON data, renders it into an HTML dashboard, rasterizes it with a headless browser and serves the result as a 1-bit bitmap for TRMNL devices.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", defaultConfigPath, "path to the configuration file (.json or .yaml)")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(c.serveCommand())
	root.AddCommand(c.renderCommand())
	root.AddCommand(c.validateTemplateCommand())
	root.AddCommand(c.generateTemplateCommand())

	return root
}

// Execute runs the root command with ctx.
func (c *CLI) Execute(ctx context.Context) error {
	return c.RootCommand().ExecuteContext(ctx)
}

// loadConfig reads the configuration and applies its log level.
// --verbose wins over the configured level.
func (c *CLI) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, err
	}

	level, err := parseLevel(cfg.Logging.Level)
	if err != nil {
		c.Logger.Warn("unknown log level, using info", "level", cfg.Logging.Level)
		level = log.InfoLevel
	}
	if c.verbose {
		level = log.DebugLevel
	}
	c.Logger.SetLevel(level)

	c.Logger.Debug("configuration loaded", "path", c.configPath, "backend", cfg.Renderer.Backend, "reducer", cfg.Converter.Reducer)
	return cfg, nil
}

// stack is the wired render pipeline plus the optional history store.
type stack struct {
	pipeline *pipeline.Pipeline
	store    *store.Store
}

func (s *stack) Close() error {
	var firstErr error
	if err := s.pipeline.Close(); err != nil {
		firstErr = err
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// newStack wires collector, template renderer, browser backend, converter
// and, when history.dbPath is set, the run store.
func (c *CLI) newStack(ctx context.Context, cfg *config.Config) (*stack, error) {
	logger := c.Logger

	collector := collect.NewCollector(cfg.DataSources, logger.WithPrefix("collect"))
	renderer := tmpl.NewRenderer(cfg.Paths.Template, logger.WithPrefix("template"))

	backend, err := render.NewBackend(cfg.Renderer, cfg.Render.Width, cfg.Render.Height, logger.WithPrefix("render"))
	if err != nil {
		return nil, err
	}

	reducer, err := convert.NewReducer(cfg.Converter)
	if err != nil {
		return nil, err
	}
	converter := convert.NewConverter(cfg.Render.Width, cfg.Render.Height, cfg.Render.OutputPath, reducer, logger.WithPrefix("convert"))

	var opts []pipeline.Option
	var st *store.Store
	if cfg.History.DBPath != "" {
		st, err = store.NewStore(cfg.History.DBPath, logger.WithPrefix("store"))
		if err != nil {
			return nil, fmt.Errorf("failed to open run history: %w", err)
		}
		opts = append(opts, pipeline.WithRecorder(st))
	}

	p := pipeline.New(collector, renderer, backend, converter, cfg.RasterPath(), logger.WithPrefix("pipeline"), opts...)

	dirs := []string{cfg.Paths.OutputDir, filepath.Dir(cfg.Render.OutputPath), filepath.Dir(cfg.RasterPath())}
	if err := p.Initialize(ctx, dirs...); err != nil {
		_ = p.Close()
		if st != nil {
			_ = st.Close()
		}
		return nil, err
	}

	return &stack{pipeline: p, store: st}, nil
}
