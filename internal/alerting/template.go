package alerting

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// News flag texts substituted for {news}.
const (
	NewsRecent = "🚩Coin news for the last 24 hours🚩"
	NewsNone   = "📢No coin news in the last 24 hours"
)

// DefaultTemplate is used when no template file is configured.
const DefaultTemplate = `<b>#{ticker}</b> +{percent_diff}% in {minutes} min
Price: {old_price} → {new_price} (+{diff})
24h: {yesterday_change}%
30m: {half_hour_change}%
{news}`

// MessageData holds the values substituted into the alert template.
type MessageData struct {
	Ticker          string
	NewPrice        decimal.Decimal
	OldPrice        decimal.Decimal
	Minutes         int
	YesterdayChange decimal.Decimal
	HalfHourChange  decimal.Decimal
	News            string
	Precision       int32
}

// Diff is new minus old price.
func (m MessageData) Diff() decimal.Decimal {
	return m.NewPrice.Sub(m.OldPrice)
}

// PercentDiff is the rise from old to new price in percent.
func (m MessageData) PercentDiff() decimal.Decimal {
	return PercentChange(m.OldPrice, m.NewPrice)
}

// PercentChange returns (to/from - 1) * 100; zero when from is zero.
func PercentChange(from, to decimal.Decimal) decimal.Decimal {
	if from.IsZero() {
		return decimal.Zero
	}
	return to.Div(from).Sub(decimal.NewFromInt(1)).Mul(decimal.NewFromInt(100))
}

// Template renders alert captions from {placeholder} text.
type Template struct {
	text string
}

// NewTemplate wraps template text; empty text selects DefaultTemplate.
func NewTemplate(text string) *Template {
	if strings.TrimSpace(text) == "" {
		text = DefaultTemplate
	}
	return &Template{text: text}
}

// LoadTemplate reads the template file at path. An empty path selects DefaultTemplate.
func LoadTemplate(path string) (*Template, error) {
	if path == "" {
		return NewTemplate(""), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read message template: %w", err)
	}
	if strings.TrimSpace(string(raw)) == "" {
		return nil, errors.New("message template is empty")
	}
	return NewTemplate(string(raw)), nil
}

// Render substitutes every known placeholder; unknown braces are left as is.
func (t *Template) Render(data MessageData) string {
	p := data.Precision
	replacer := strings.NewReplacer(
		"{ticker}", data.Ticker,
		"{new_price}", data.NewPrice.StringFixedBank(p),
		"{old_price}", data.OldPrice.StringFixedBank(p),
		"{diff}", data.Diff().StringFixedBank(p),
		"{percent_diff}", data.PercentDiff().StringFixedBank(p),
		"{minutes}", strconv.Itoa(data.Minutes),
		"{yesterday_change}", data.YesterdayChange.StringFixedBank(p),
		"{half_hour_change}", data.HalfHourChange.StringFixedBank(p),
		"{news}", data.News,
	)
	return replacer.Replace(t.text)
}
