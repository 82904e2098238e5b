package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const telegramAPIBase = "https://api.telegram.org"

// TelegramNotifier delivers alerts to a Telegram chat via the Bot API.
// Info-level alerts are sent silently (no client-side notification sound);
// warnings and critical alerts ring.
type TelegramNotifier struct {
	botToken string
	chatID   string
	apiBase  string
	client   *http.Client
}

// NewTelegramNotifier creates a Telegram notifier. botToken comes from
// @BotFather, chatID is the target chat/group/channel.
func NewTelegramNotifier(botToken, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		apiBase:  telegramAPIBase,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Send(ctx context.Context, alert Alert) error {
	emoji, silent := "💰", true
	switch alert.Level {
	case AlertWarning:
		emoji, silent = "⚠️", false
	case AlertCritical:
		emoji, silent = "🚨", false
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"chat_id":              t.chatID,
		"text":                 fmt.Sprintf("%s *%s*\n\n%s", emoji, escapeMarkdown(alert.Title), escapeMarkdown(alert.Message)),
		"parse_mode":           "MarkdownV2",
		"disable_notification": silent,
	})

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	defer resp.Body.Close()

	var apiResp struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return fmt.Errorf("telegram: decode response: %w", err)
	}
	if !apiResp.OK {
		return fmt.Errorf("telegram: api error (status %d): %s", resp.StatusCode, apiResp.Description)
	}
	return nil
}

// escapeMarkdown escapes the characters Telegram MarkdownV2 reserves.
func escapeMarkdown(s string) string {
	var buf bytes.Buffer
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			buf.WriteByte('\\')
		}
		buf.WriteByte(s[i])
	}
	return buf.String()
}
