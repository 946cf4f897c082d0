package tmpl

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var viewportMeta = regexp.MustCompile(`<meta[^>]+name="viewport"[^>]+content="([^"]*)"`)
var viewportDimension = regexp.MustCompile(`(width|height)\s*=\s*(\d+)`)

// Validate inspects template text and returns human readable warnings.
// An empty result means the template looks usable for the given display size.
func Validate(content string, width, height int) []string {
	var warnings []string

	for _, token := range []string{TokenTitle, TokenTimestamp, TokenCards} {
		if !strings.Contains(content, token) {
			warnings = append(warnings, fmt.Sprintf("missing placeholder %s", token))
		}
	}

	if !strings.Contains(strings.ToLower(content), "<body") {
		warnings = append(warnings, "missing <body> element")
	}

	if !contentOpenTag.MatchString(content) {
		warnings = append(warnings, `missing <div class="content"> container, layout class will not be applied`)
	}

	m := viewportMeta.FindStringSubmatch(content)
	if m == nil {
		warnings = append(warnings, "missing viewport meta tag")
		return warnings
	}

	dims := map[string]int{}
	for _, d := range viewportDimension.FindAllStringSubmatch(m[1], -1) {
		n, err := strconv.Atoi(d[2])
		if err == nil {
			dims[d[1]] = n
		}
	}
	if w, ok := dims["width"]; ok && w != width {
		warnings = append(warnings, fmt.Sprintf("viewport width %d does not match display width %d", w, width))
	}
	if h, ok := dims["height"]; ok && h != height {
		warnings = append(warnings, fmt.Sprintf("viewport height %d does not match display height %d", h, height))
	}

	return warnings
}
