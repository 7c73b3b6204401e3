// Package notify implements the outbound message sinks. The alerter
// treats every sink as fire-and-forget.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/giftscan/giftscan/internal/httpx"
)

// TelegramSink posts HTML-formatted messages to one chat via the Bot
// API.
type TelegramSink struct {
	client *resty.Client
	chatID string
	log    zerolog.Logger
}

// NewTelegramSink builds the sink. An empty token or chat id yields a
// sink that logs and drops every message, which keeps the scanner
// runnable without credentials.
func NewTelegramSink(apiBaseURL, botToken, chatID string, log zerolog.Logger) *TelegramSink {
	if apiBaseURL == "" {
		apiBaseURL = "https://api.telegram.org"
	}
	s := &TelegramSink{
		chatID: chatID,
		log:    log.With().Str("component", "telegram_sink").Logger(),
	}
	if botToken != "" {
		s.client = httpx.NewClient(fmt.Sprintf("%s/bot%s", apiBaseURL, botToken), 10*time.Second)
	}
	return s
}

// Send delivers one HTML payload.
func (s *TelegramSink) Send(ctx context.Context, html string) error {
	if s.client == nil || s.chatID == "" {
		s.log.Warn().Msg("bot token or chat id not configured, dropping message")
		return nil
	}

	var body struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{
			"chat_id":                  s.chatID,
			"text":                     html,
			"parse_mode":               "HTML",
			"disable_web_page_preview": true,
		}).
		SetResult(&body).
		Post("/sendMessage")
	if err != nil {
		return fmt.Errorf("telegram send failed: %w", err)
	}
	if resp.StatusCode() != 200 || !body.OK {
		return fmt.Errorf("telegram rejected message: status %d: %s", resp.StatusCode(), body.Description)
	}

	s.log.Debug().Int("bytes", len(html)).Msg("message delivered")
	return nil
}
