package alerting

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderAllPlaceholders(t *testing.T) {
	tpl := NewTemplate("{ticker}|{new_price}|{old_price}|{diff}|{percent_diff}|{minutes}|{yesterday_change}|{half_hour_change}|{news}")
	got := tpl.Render(MessageData{
		Ticker:          "BTC/USDT",
		NewPrice:        decimal.RequireFromString("102.5"),
		OldPrice:        decimal.RequireFromString("100"),
		Minutes:         2,
		YesterdayChange: decimal.RequireFromString("5.125"),
		HalfHourChange:  decimal.RequireFromString("-1.5"),
		News:            NewsNone,
		Precision:       2,
	})
	assert.Equal(t, "BTC/USDT|102.50|100.00|2.50|2.50|2|5.12|-1.50|"+NewsNone, got)
}

func TestPercentChange(t *testing.T) {
	assert.True(t, PercentChange(decimal.NewFromInt(100), decimal.RequireFromString("102.5")).Equal(decimal.RequireFromString("2.5")))
	assert.True(t, PercentChange(decimal.Zero, decimal.NewFromInt(1)).IsZero())
}

func TestLoadTemplate(t *testing.T) {
	tpl, err := LoadTemplate("")
	require.NoError(t, err)
	assert.Contains(t, tpl.Render(MessageData{Ticker: "ETH/USDT"}), "#ETH/USDT")

	path := filepath.Join(t.TempDir(), "message.txt")
	require.NoError(t, os.WriteFile(path, []byte("{ticker} in {minutes}m"), 0o644))
	tpl, err = LoadTemplate(path)
	require.NoError(t, err)
	assert.Equal(t, "SOL/USDT in 7m", tpl.Render(MessageData{Ticker: "SOL/USDT", Minutes: 7}))

	_, err = LoadTemplate(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}
