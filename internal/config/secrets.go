package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

const ssmPrefix = "ssm:"

// ParameterGetter is the subset of the SSM client used for secret resolution.
type ParameterGetter interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// ResolveSecrets replaces every "ssm:<name>" secret value with the decrypted
// parameter from AWS Systems Manager Parameter Store. AWS credentials are only
// loaded when at least one value carries the prefix.
func (c *Config) ResolveSecrets(ctx context.Context) error {
	if !c.hasSSMRefs() {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var opts []func(*awsconfig.LoadOptions) error
	if c.Secrets.AWSRegion != "" {
		opts = append(opts, awsconfig.WithRegion(c.Secrets.AWSRegion))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}

	return c.resolveWith(ctx, ssm.NewFromConfig(awsCfg))
}

func (c *Config) resolveWith(ctx context.Context, client ParameterGetter) error {
	fields := map[string]*string{
		"alerting.telegram.bot_token": &c.Alerting.Telegram.BotToken,
		"relay.telegram.bot_token":    &c.Relay.Telegram.BotToken,
		"storage.dsn":                 &c.Storage.DSN,
		"storage.redis.password":      &c.Storage.Redis.Password,
		"news.token":                  &c.News.Token,
	}
	for key, value := range fields {
		resolved, err := resolveValue(ctx, client, key, *value)
		if err != nil {
			return err
		}
		*value = resolved
	}

	for name, ex := range c.Exchanges {
		var err error
		if ex.APIKey, err = resolveValue(ctx, client, "exchanges."+name+".api_key", ex.APIKey); err != nil {
			return err
		}
		if ex.APISecret, err = resolveValue(ctx, client, "exchanges."+name+".api_secret", ex.APISecret); err != nil {
			return err
		}
		c.Exchanges[name] = ex
	}
	return nil
}

func resolveValue(ctx context.Context, client ParameterGetter, key, value string) (string, error) {
	if !strings.HasPrefix(value, ssmPrefix) {
		return value, nil
	}
	name := strings.TrimPrefix(value, ssmPrefix)
	out, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("resolve %s from ssm: %w", key, err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("resolve %s from ssm: parameter %s has no value", key, name)
	}
	return *out.Parameter.Value, nil
}

func (c *Config) hasSSMRefs() bool {
	values := []string{
		c.Alerting.Telegram.BotToken,
		c.Relay.Telegram.BotToken,
		c.Storage.DSN,
		c.Storage.Redis.Password,
		c.News.Token,
	}
	for _, ex := range c.Exchanges {
		values = append(values, ex.APIKey, ex.APISecret)
	}
	for _, v := range values {
		if strings.HasPrefix(v, ssmPrefix) {
			return true
		}
	}
	return false
}
