package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

const (
	// DefaultTitle is used when no source provides a title
	DefaultTitle = "TRMNL Dashboard"
	// NotAvailable replaces empty labels and values
	NotAvailable = "N/A"
	// PlaceholderLabel is the label of padding cards
	PlaceholderLabel = "Placeholder"

	MinCards = 2
	MaxCards = 4
)

// Trend is the direction indicator rendered next to a card value
type Trend string

const (
	TrendUp      Trend = "up"
	TrendDown    Trend = "down"
	TrendNeutral Trend = "neutral"
)

// ParseTrend maps a raw trend string to a Trend. Anything unrecognized is neutral.
func ParseTrend(s string) Trend {
	switch Trend(s) {
	case TrendUp, TrendDown:
		return Trend(s)
	default:
		return TrendNeutral
	}
}

// Value holds either a number or a display string
type Value struct {
	Num   float64
	Text  string
	IsNum bool
}

// NumberValue wraps a numeric card value
func NumberValue(f float64) Value {
	return Value{Num: f, IsNum: true}
}

// TextValue wraps a textual card value
func TextValue(s string) Value {
	return Value{Text: s}
}

// String returns the unformatted representation of the value
func (v Value) String() string {
	if v.IsNum {
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	}
	return v.Text
}

// IsEmpty reports whether the value is an empty string
func (v Value) IsEmpty() bool {
	return !v.IsNum && v.Text == ""
}

// MarshalJSON emits numbers as JSON numbers and text as JSON strings
func (v Value) MarshalJSON() ([]byte, error) {
	if v.IsNum {
		return json.Marshal(v.Num)
	}
	return json.Marshal(v.Text)
}

// UnmarshalJSON accepts a JSON number or string
func (v *Value) UnmarshalJSON(data []byte) error {
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		*v = NumberValue(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("card value must be a number or string: %w", err)
	}
	*v = TextValue(s)
	return nil
}

// Card is one metric tile on the dashboard
type Card struct {
	Label string `json:"label"`
	Value Value  `json:"value"`
	Unit  string `json:"unit"`
	Trend Trend  `json:"trend"`
}

// ViewModel is the normalized input of the template renderer
type ViewModel struct {
	Title     string `json:"title"`
	Timestamp string `json:"timestamp"`
	Cards     []Card `json:"cards"`
}

// RenderStats describes the last successful pipeline run
type RenderStats struct {
	DataFetchDuration  time.Duration
	TemplateDuration   time.Duration
	RasterizeDuration  time.Duration
	ConversionDuration time.Duration
	TotalDuration      time.Duration
	OutputPath         string
	OutputSize         int64
	LastRenderTime     time.Time
}

type renderStatsJSON struct {
	DataFetchDuration  int64  `json:"dataFetchDuration"`
	RenderDuration     int64  `json:"renderDuration"`
	RasterizeDuration  int64  `json:"rasterizeDuration"`
	ConversionDuration int64  `json:"conversionDuration"`
	TotalDuration      int64  `json:"totalDuration"`
	OutputPath         string `json:"outputPath"`
	OutputSize         int64  `json:"outputSize"`
	LastRenderTime     string `json:"lastRenderTime"`
}

// MarshalJSON reports durations in milliseconds and the completion time as RFC 3339
func (s RenderStats) MarshalJSON() ([]byte, error) {
	return json.Marshal(renderStatsJSON{
		DataFetchDuration:  s.DataFetchDuration.Milliseconds(),
		RenderDuration:     s.TemplateDuration.Milliseconds(),
		RasterizeDuration:  s.RasterizeDuration.Milliseconds(),
		ConversionDuration: s.ConversionDuration.Milliseconds(),
		TotalDuration:      s.TotalDuration.Milliseconds(),
		OutputPath:         s.OutputPath,
		OutputSize:         s.OutputSize,
		LastRenderTime:     s.LastRenderTime.UTC().Format(time.RFC3339Nano),
	})
}

// Trigger identifies what started a render run
type Trigger string

const (
	TriggerStartup   Trigger = "startup"
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
	TriggerCLI       Trigger = "cli"
)

// Run status values
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// Run is one recorded render attempt
type Run struct {
	ID           string     `json:"id"`
	Trigger      Trigger    `json:"trigger"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Status       string     `json:"status"`
	Stage        string     `json:"stage,omitempty"` // Stage that failed, if any
	ErrorText    string     `json:"error_text,omitempty"`
	ArtifactPath string     `json:"artifact_path,omitempty"`
	Bytes        int64      `json:"bytes"`
	Checksum     string     `json:"checksum,omitempty"`
	DataFetchMS  int64      `json:"data_fetch_ms"`
	TemplateMS   int64      `json:"template_ms"`
	RasterizeMS  int64      `json:"rasterize_ms"`
	ConversionMS int64      `json:"conversion_ms"`
	TotalMS      int64      `json:"total_ms"`
	CreatedAt    time.Time  `json:"created_at"`
}

// ApplyStats copies stage timings and artifact details onto the run
func (r *Run) ApplyStats(s RenderStats) {
	r.DataFetchMS = s.DataFetchDuration.Milliseconds()
	r.TemplateMS = s.TemplateDuration.Milliseconds()
	r.RasterizeMS = s.RasterizeDuration.Milliseconds()
	r.ConversionMS = s.ConversionDuration.Milliseconds()
	r.TotalMS = s.TotalDuration.Milliseconds()
	r.ArtifactPath = s.OutputPath
	r.Bytes = s.OutputSize
}
