package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"pricewatch/internal/config"
	"pricewatch/internal/retry"
)

// Sender delivers one caption (and optional PNG image) to one recipient.
// A nil or empty image sends a text message instead of a photo.
type Sender interface {
	Send(ctx context.Context, chatID, caption string, image []byte) error
}

// NewSender builds the transport selected by cfg.Driver.
func NewSender(cfg config.TelegramConfig, logger zerolog.Logger) (Sender, error) {
	if cfg.BotToken == "" {
		return NewLogSender(logger), nil
	}
	switch cfg.Driver {
	case "", "http":
		return NewTelegramSender(cfg.BotToken, cfg.APIBase, cfg.RequestTimeout, logger), nil
	case "botapi":
		return NewBotAPISender(cfg.BotToken, cfg.APIBase, cfg.RequestTimeout, logger)
	}
	return nil, fmt.Errorf("unknown telegram driver %q", cfg.Driver)
}

// SendWithRetry attempts delivery up to attempts times with no pause between attempts.
func SendWithRetry(ctx context.Context, sender Sender, chatID, caption string, image []byte, attempts int, logger zerolog.Logger) error {
	return retry.Immediate(attempts).Do(ctx, func(ctx context.Context) error {
		return sender.Send(ctx, chatID, caption, image)
	}, func(attempt int, err error) {
		logger.Warn().Err(err).Str("chat_id", chatID).Int("attempt", attempt).Msg("telegram 发送失败")
	})
}

// TelegramSender 通过 Telegram Bot HTTP API 推送消息。
type TelegramSender struct {
	botToken string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramSender 构造 Telegram 发送器。
func NewTelegramSender(botToken, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramSender{
		botToken: botToken,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Send 调用 sendPhoto (有图片) 或 sendMessage API。
func (n *TelegramSender) Send(ctx context.Context, chatID, caption string, image []byte) error {
	var (
		req *http.Request
		err error
	)
	if len(image) > 0 {
		req, err = n.photoRequest(ctx, chatID, caption, image)
	} else {
		req, err = n.messageRequest(ctx, chatID, caption)
	}
	if err != nil {
		return err
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	body, _ := io.ReadAll(resp.Body)
	decodeErr := json.Unmarshal(body, &result)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if result.Description != "" {
			return fmt.Errorf("telegram 响应码异常: %d: %s", resp.StatusCode, result.Description)
		}
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}
	if decodeErr == nil && !result.OK {
		return fmt.Errorf("telegram 返回 ok=false: %s", result.Description)
	}

	n.logger.Info().Str("chat_id", chatID).Bool("photo", len(image) > 0).Msg("告警已发送 (Telegram)")
	return nil
}

func (n *TelegramSender) photoRequest(ctx context.Context, chatID, caption string, image []byte) (*http.Request, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for field, value := range map[string]string{
		"chat_id":    chatID,
		"caption":    caption,
		"parse_mode": "HTML",
	} {
		if err := writer.WriteField(field, value); err != nil {
			return nil, fmt.Errorf("write %s field: %w", field, err)
		}
	}
	part, err := writer.CreateFormFile("photo", "graph.png")
	if err != nil {
		return nil, fmt.Errorf("create photo part: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, fmt.Errorf("write photo part: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart body: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendPhoto", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return nil, fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req, nil
}

func (n *TelegramSender) messageRequest(ctx context.Context, chatID, text string) (*http.Request, error) {
	payload := map[string]string{
		"chat_id":    chatID,
		"text":       text,
		"parse_mode": "HTML",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// LogSender only logs; it stands in when no bot token is configured.
type LogSender struct {
	logger zerolog.Logger
}

// NewLogSender constructs a LogSender.
func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{logger: logger.With().Str("component", "alert_log").Logger()}
}

// Send implements Sender.
func (l *LogSender) Send(ctx context.Context, chatID, caption string, image []byte) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	l.logger.Info().Str("chat_id", chatID).Int("image_bytes", len(image)).Str("caption", caption).Msg("telegram not configured, alert logged only")
	return nil
}

// ErrNoRecipients is returned when a sender has nobody to deliver to.
var ErrNoRecipients = errors.New("alerting: no recipients configured")

var (
	_ Sender = (*TelegramSender)(nil)
	_ Sender = (*LogSender)(nil)
)
