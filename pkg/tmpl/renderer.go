// Package tmpl fills the dashboard HTML template from a view model.
package tmpl

import (
	_ "embed"
	"errors"
	"fmt"
	"math"
	"os"
	"regexp"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"

	"github.com/niski84/TRMNL-POWER/pkg/model"
)

const (
	TokenTitle     = "{{TITLE}}"
	TokenTimestamp = "{{TIMESTAMP}}"
	TokenCards     = "{{CARDS}}"
)

// ErrTemplateUnreadable is returned when the template file cannot be read
var ErrTemplateUnreadable = errors.New("template unreadable")

//go:embed default.html
var defaultTemplate string

var contentOpenTag = regexp.MustCompile(`<div class="content"[^>]*>`)

var htmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#039;",
)

// Renderer substitutes view model fields into an HTML template.
// The template is re-read on every call so edits apply without a restart.
type Renderer struct {
	templatePath string
	logger       *log.Logger
}

// NewRenderer creates a renderer. An empty path selects the built-in template.
func NewRenderer(templatePath string, logger *log.Logger) *Renderer {
	return &Renderer{templatePath: templatePath, logger: logger}
}

// Load returns the raw template text
func (r *Renderer) Load() (string, error) {
	if r.templatePath == "" {
		return defaultTemplate, nil
	}
	data, err := os.ReadFile(r.templatePath)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrTemplateUnreadable, r.templatePath, err)
	}
	return string(data), nil
}

// Render produces the final HTML document for vm
func (r *Renderer) Render(vm model.ViewModel) (string, error) {
	tpl, err := r.Load()
	if err != nil {
		return "", err
	}

	html := Fill(tpl, vm)
	r.logger.Debug("template rendered", "cards", len(vm.Cards), "bytes", len(html))
	return html, nil
}

// Fill performs the placeholder substitutions on tpl. Only the first
// occurrence of each token is replaced, in title, timestamp, cards order.
func Fill(tpl string, vm model.ViewModel) string {
	html := strings.Replace(tpl, TokenTitle, EscapeHTML(vm.Title), 1)
	html = strings.Replace(html, TokenTimestamp, EscapeHTML(vm.Timestamp), 1)
	html = strings.Replace(html, TokenCards, RenderCards(vm.Cards), 1)

	if loc := contentOpenTag.FindStringIndex(html); loc != nil {
		replacement := fmt.Sprintf(`<div class="%s" id="content">`, LayoutClass(len(vm.Cards)))
		html = html[:loc[0]] + replacement + html[loc[1]:]
	}
	return html
}

// LayoutClass returns the content container class for a card count
func LayoutClass(cardCount int) string {
	switch cardCount {
	case 1:
		return "content single"
	case 3:
		return "content three"
	default:
		return "content"
	}
}

// RenderCards builds the concatenated card fragments
func RenderCards(cards []model.Card) string {
	var b strings.Builder
	for _, card := range cards {
		unitHTML := ""
		if card.Unit != "" {
			unitHTML = `<span class="card-unit">` + EscapeHTML(card.Unit) + `</span>`
		}
		trendHTML := ""
		if card.Trend != model.TrendNeutral {
			trendHTML = fmt.Sprintf(`<div class="card-trend trend-%s"></div>`, card.Trend)
		}

		fmt.Fprintf(&b, `
    <div class="card">
      <div class="card-label">%s</div>
      <div class="card-value-container">
        <div class="card-value">%s</div>
        %s
      </div>
      %s
    </div>`, EscapeHTML(card.Label), EscapeHTML(FormatValue(card.Value)), unitHTML, trendHTML)
	}
	return b.String()
}

// FormatValue renders numbers with thousands separators and at most three decimals
func FormatValue(v model.Value) string {
	if !v.IsNum {
		return v.Text
	}
	if math.IsInf(v.Num, 0) || math.IsNaN(v.Num) {
		return v.String()
	}
	return humanize.CommafWithDigits(math.Round(v.Num*1000)/1000, 3)
}

// EscapeHTML escapes & < > " and '
func EscapeHTML(s string) string {
	return htmlEscaper.Replace(s)
}
