package alerting

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// BotAPISender delivers through the telegram-bot-api client.
type BotAPISender struct {
	bot    *tgbotapi.BotAPI
	logger zerolog.Logger
}

// NewBotAPISender authenticates the bot (getMe) against baseURL.
func NewBotAPISender(botToken, baseURL string, timeout time.Duration, logger zerolog.Logger) (*BotAPISender, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	endpoint := strings.TrimRight(baseURL, "/") + "/bot%s/%s"

	bot, err := tgbotapi.NewBotAPIWithClient(botToken, endpoint, &http.Client{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("telegram bot api: %w", err)
	}
	return &BotAPISender{
		bot:    bot,
		logger: logger.With().Str("component", "alert_botapi").Str("bot", bot.Self.UserName).Logger(),
	}, nil
}

// Send implements Sender.
func (b *BotAPISender) Send(ctx context.Context, chatID, caption string, image []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	chat := tgbotapi.BaseChat{}
	if id, err := strconv.ParseInt(chatID, 10, 64); err == nil {
		chat.ChatID = id
	} else {
		chat.ChannelUsername = chatID
	}

	var msg tgbotapi.Chattable
	if len(image) > 0 {
		photo := tgbotapi.NewPhoto(0, tgbotapi.FileBytes{Name: "graph.png", Bytes: image})
		photo.BaseChat = chat
		photo.Caption = caption
		photo.ParseMode = tgbotapi.ModeHTML
		msg = photo
	} else {
		text := tgbotapi.NewMessage(0, caption)
		text.BaseChat = chat
		text.ParseMode = tgbotapi.ModeHTML
		msg = text
	}

	if _, err := b.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram bot api send: %w", err)
	}
	b.logger.Info().Str("chat_id", chatID).Bool("photo", len(image) > 0).Msg("告警已发送 (bot api)")
	return nil
}

var _ Sender = (*BotAPISender)(nil)
