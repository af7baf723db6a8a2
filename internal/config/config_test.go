package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		// an explicit missing path is a read error, not a silent default
		t.Fatalf("expected error for explicit missing config file, got %+v", cfg)
	}

	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, cfg.Engine.PollInterval)
	assert.Equal(t, 20*time.Second, cfg.Engine.ScanInterval)
	assert.Equal(t, 10, cfg.Engine.WindowSize)
	assert.Equal(t, 10, cfg.Engine.MaxPollFailures)
	assert.Equal(t, int32(2), cfg.Engine.NumsPrecision)
	assert.True(t, cfg.Engine.AlignPolls)
	assert.Equal(t, 5, cfg.Alerting.DeliveryAttempts)
	assert.Equal(t, "file", cfg.Storage.Driver)
	assert.Equal(t, []string{"binance"}, cfg.EnabledExchanges())
}

func TestLoadFileWithLegacyOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
nums_precision: 4
relay_cooldown_hours: 2.5
exchanges:
  bybit:
    enabled: true
    percent_difference: 1.5
alerting:
  telegram:
    bot_token: token
    chat_ids: "1,2"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, int32(4), cfg.Engine.NumsPrecision)
	assert.Equal(t, 150*time.Minute, cfg.RelayCooldown())
	assert.Equal(t, 1.5, cfg.Exchanges["bybit"].PercentDifference)
	assert.Equal(t, "USDT", cfg.Exchanges["bybit"].Quote)
	assert.Equal(t, []string{"1", "2"}, cfg.Alerting.Telegram.ChatIDs)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Engine: EngineConfig{PollInterval: time.Minute, ScanInterval: time.Second, WindowSize: 10, NumsPrecision: 2},
			Exchanges: map[string]ExchangeConfig{
				"binance": {Enabled: true, PercentDifference: 3},
			},
			Storage:  StorageConfig{Driver: "file"},
			Retry:    RetryConfig{MaxAttempts: 3},
			Alerting: AlertingConfig{DeliveryAttempts: 5},
		}
	}

	cfg := base()
	require.NoError(t, cfg.Validate())

	cfg = base()
	cfg.Exchanges["binance"] = ExchangeConfig{Enabled: true}
	assert.Error(t, cfg.Validate(), "zero threshold must be rejected")

	cfg = base()
	cfg.Storage.Driver = "postgres"
	assert.Error(t, cfg.Validate(), "postgres requires a dsn")

	cfg = base()
	cfg.Alerting.Telegram.ChatIDs = []string{"1"}
	assert.Error(t, cfg.Validate(), "chat ids without token")

	cfg = base()
	cfg.Relay.Telegram.Driver = "smtp"
	assert.Error(t, cfg.Validate())
}

type fakeSSM struct {
	values map[string]string
	calls  int
}

func (f *fakeSSM) GetParameter(ctx context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.calls++
	v, ok := f.values[aws.ToString(in.Name)]
	if !ok {
		return nil, errors.New("parameter not found")
	}
	return &ssm.GetParameterOutput{Parameter: &types.Parameter{Value: aws.String(v)}}, nil
}

func TestResolveSecrets(t *testing.T) {
	cfg := Config{
		Alerting: AlertingConfig{Telegram: TelegramConfig{BotToken: "ssm:/pricewatch/bot"}},
		Relay:    RelayConfig{Telegram: TelegramConfig{BotToken: "plain"}},
		Exchanges: map[string]ExchangeConfig{
			"binance": {APIKey: "ssm:/pricewatch/binance/key", APISecret: "raw"},
		},
	}
	client := &fakeSSM{values: map[string]string{
		"/pricewatch/bot":         "123:abc",
		"/pricewatch/binance/key": "key",
	}}

	require.True(t, cfg.hasSSMRefs())
	require.NoError(t, cfg.resolveWith(context.Background(), client))
	assert.Equal(t, "123:abc", cfg.Alerting.Telegram.BotToken)
	assert.Equal(t, "plain", cfg.Relay.Telegram.BotToken)
	assert.Equal(t, "key", cfg.Exchanges["binance"].APIKey)
	assert.Equal(t, "raw", cfg.Exchanges["binance"].APISecret)
	assert.Equal(t, 2, client.calls)

	cfg.News.Token = "ssm:/missing"
	assert.Error(t, cfg.resolveWith(context.Background(), client))
}
