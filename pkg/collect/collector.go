// Package collect gathers dashboard data from files, HTTP endpoints and
// calendars, merges it in source order and normalizes it into a view model.
package collect

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/charmbracelet/log"

	"github.com/niski84/TRMNL-POWER/pkg/config"
	"github.com/niski84/TRMNL-POWER/pkg/model"
)

// Collector merges every configured source and normalizes the result.
// Collect never fails: unavailable sources are logged and skipped.
type Collector struct {
	sources []Source
	logger  *log.Logger
	now     func() time.Time
}

// Option customizes a Collector
type Option func(*Collector)

// WithClock overrides the time source used for default timestamps
func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

// WithSources appends extra sources after the configured ones
func WithSources(sources ...Source) Option {
	return func(c *Collector) { c.sources = append(c.sources, sources...) }
}

// NewCollector builds sources in merge order: files, endpoints, scripts, calendars
func NewCollector(cfg config.DataSourcesConfig, logger *log.Logger, opts ...Option) *Collector {
	client := &http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond}
	if cfg.TimeoutMS <= 0 {
		client.Timeout = 5 * time.Second
	}

	c := &Collector{
		logger: logger,
		now:    time.Now,
	}

	for _, path := range cfg.JSONFiles {
		c.sources = append(c.sources, &FileSource{Path: path})
	}
	for _, url := range cfg.APIEndpoints {
		c.sources = append(c.sources, &HTTPSource{URL: url, Client: client})
	}
	for _, path := range cfg.Scripts {
		c.sources = append(c.sources, &ScriptSource{Path: path})
	}
	for _, cal := range cfg.Calendars {
		c.sources = append(c.sources, &CalendarSource{
			CalendarName:  cal.Name,
			URL:           cal.URL,
			LookaheadDays: cal.LookaheadDays,
			Client:        client,
			Now:           func() time.Time { return c.now() },
		})
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CollectRaw fetches every source and merges the successful ones
func (c *Collector) CollectRaw(ctx context.Context) *RawData {
	merged := NewRawData()
	for _, src := range c.sources {
		raw, err := src.Fetch(ctx)
		if err != nil {
			if errors.Is(err, ErrScriptUnsupported) {
				c.logger.Warn("script source ignored", "source", src.Name(), "reason", err)
				continue
			}
			c.logger.Warn("source skipped", "source", src.Name(), "err", err)
			continue
		}
		merged.Merge(raw)
		c.logger.Debug("source merged", "source", src.Name(), "keys", raw.Len())
	}
	return merged
}

// Collect returns the normalized view model for the current data
func (c *Collector) Collect(ctx context.Context) model.ViewModel {
	return Normalize(c.CollectRaw(ctx), c.now())
}
