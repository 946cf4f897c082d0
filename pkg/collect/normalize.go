package collect

import (
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/niski84/TRMNL-POWER/pkg/model"
)

// TimestampLayout matches the en-US locale string of a date and time
const TimestampLayout = "1/2/2006, 3:04:05 PM"

const (
	maxValueRunes = 20
	keepRunes     = 17
)

var reservedKeys = map[string]bool{
	"title":     true,
	"timestamp": true,
	"cards":     true,
}

// Normalize turns merged raw data into a view model with 2 to 4 cards.
// now supplies the timestamp when the data carries none.
func Normalize(raw *RawData, now time.Time) model.ViewModel {
	if raw == nil {
		raw = NewRawData()
	}

	vm := model.ViewModel{
		Title:     model.DefaultTitle,
		Timestamp: now.Format(TimestampLayout),
	}
	if v, ok := raw.Get("title"); ok && truthy(v) {
		if s := stringify(v); s != "" {
			vm.Title = s
		}
	}
	if v, ok := raw.Get("timestamp"); ok && truthy(v) {
		if s := stringify(v); s != "" {
			vm.Timestamp = s
		}
	}

	var cards []model.Card
	if v, ok := raw.Get("cards"); ok {
		if items, isArray := v.([]interface{}); isArray {
			for _, item := range items {
				cards = append(cards, cardFromItem(item))
			}
		}
	}

	// No usable cards array: synthesize cards from the first non-reserved keys
	if len(cards) == 0 {
		for _, key := range raw.Keys() {
			if reservedKeys[key] {
				continue
			}
			if len(cards) == model.MaxCards {
				break
			}
			v, _ := raw.Get(key)
			cards = append(cards, newCard(FormatLabel(key), FormatValue(v), "", model.TrendNeutral))
		}
	}

	for len(cards) < model.MinCards {
		cards = append(cards, newCard(model.PlaceholderLabel, model.TextValue(model.NotAvailable), "", model.TrendNeutral))
	}
	if len(cards) > model.MaxCards {
		cards = cards[:model.MaxCards]
	}

	vm.Cards = cards
	return vm
}

// RawFromViewModel is the inverse of Normalize for an already normalized view model
func RawFromViewModel(vm model.ViewModel) *RawData {
	raw := NewRawData()
	raw.Set("title", vm.Title)
	raw.Set("timestamp", vm.Timestamp)

	items := make([]interface{}, 0, len(vm.Cards))
	for _, c := range vm.Cards {
		var value interface{} = c.Value.Text
		if c.Value.IsNum {
			value = c.Value.Num
		}
		items = append(items, map[string]interface{}{
			"label": c.Label,
			"value": value,
			"unit":  c.Unit,
			"trend": string(c.Trend),
		})
	}
	raw.Set("cards", items)
	return raw
}

func cardFromItem(item interface{}) model.Card {
	fields, _ := item.(map[string]interface{})

	label := model.NotAvailable
	if v := fields["label"]; truthy(v) {
		label = stringify(v)
	}

	value := model.TextValue(model.NotAvailable)
	switch v := fields["value"].(type) {
	case nil:
	case float64:
		value = model.NumberValue(v)
	default:
		value = model.TextValue(stringify(v))
	}

	unit := ""
	if v := fields["unit"]; truthy(v) {
		unit = stringify(v)
	}

	trend := model.TrendNeutral
	if s, ok := fields["trend"].(string); ok {
		trend = model.ParseTrend(s)
	}

	return newCard(label, value, unit, trend)
}

// newCard enforces the never-empty label and value rule
func newCard(label string, value model.Value, unit string, trend model.Trend) model.Card {
	if label == "" {
		label = model.NotAvailable
	}
	if value.IsEmpty() {
		value = model.TextValue(model.NotAvailable)
	}
	return model.Card{Label: label, Value: value, Unit: unit, Trend: trend}
}

// FormatLabel converts a camelCase or snake_case key to Title Case.
// Every uppercase ASCII letter starts a new word and underscores become spaces;
// consecutive separators leave empty words, so "a__b" becomes "A  B".
func FormatLabel(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch {
		case r >= 'A' && r <= 'Z':
			b.WriteByte(' ')
			b.WriteRune(r)
		case r == '_':
			b.WriteByte(' ')
		default:
			b.WriteRune(r)
		}
	}

	words := strings.Split(strings.TrimSpace(b.String()), " ")
	for i, w := range words {
		if w == "" {
			continue
		}
		first, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(first)) + strings.ToLower(w[size:])
	}
	return strings.Join(words, " ")
}

// FormatValue converts a raw value into a card value. Numbers pass through,
// booleans become Yes/No, null becomes N/A and long text is truncated.
func FormatValue(v interface{}) model.Value {
	switch x := v.(type) {
	case nil:
		return model.TextValue(model.NotAvailable)
	case float64:
		return model.NumberValue(x)
	case bool:
		if x {
			return model.TextValue("Yes")
		}
		return model.TextValue("No")
	}

	s := stringify(v)
	if utf8.RuneCountInString(s) > maxValueRunes {
		runes := []rune(s)
		s = string(runes[:keepRunes]) + "..."
	}
	return model.TextValue(s)
}

func truthy(v interface{}) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case float64:
		return x != 0 && !math.IsNaN(x)
	default:
		return true
	}
}

// stringify renders arrays as comma-joined elements and objects as compact JSON
func stringify(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case []interface{}:
		parts := make([]string, len(x))
		for i, item := range x {
			parts[i] = stringify(item)
		}
		return strings.Join(parts, ",")
	default:
		data, err := jsonAPI.Marshal(x)
		if err != nil {
			return ""
		}
		return string(data)
	}
}
