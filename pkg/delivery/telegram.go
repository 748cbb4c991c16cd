package delivery

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/jdziat/durable-broadcast/pkg/core"
)

// telebot reports API errors it has no named value for as
// "telegram: <description> (<code>)".
var apiCodeSuffix = regexp.MustCompile(`\((\d{3})\)$`)

// TelegramTransport sends through the Telegram Bot API using telebot.
type TelegramTransport struct {
	bot *tele.Bot
}

var _ Transport = (*TelegramTransport)(nil)

// NewTelegramBot builds a send-only bot. It never polls for updates and skips
// the getMe round trip, so construction works without network access.
// An empty apiURL selects the public Bot API.
func NewTelegramBot(token, apiURL string) (*tele.Bot, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	return tele.NewBot(tele.Settings{
		Token:   token,
		URL:     apiURL,
		Offline: true,
	})
}

// NewTelegramTransport wraps bot.
func NewTelegramTransport(bot *tele.Bot) *TelegramTransport {
	return &TelegramTransport{bot: bot}
}

// SendText sends a plain text message.
func (t *TelegramTransport) SendText(ctx context.Context, chatID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return core.Transient(err)
	}
	_, err := t.bot.Send(tele.ChatID(chatID), text, &tele.SendOptions{
		DisableWebPagePreview: true,
	})
	return ClassifyTelegram(err)
}

// CopyMessage copies an existing message into chatID. A non-empty caption
// replaces the original caption.
func (t *TelegramTransport) CopyMessage(ctx context.Context, chatID, fromChatID int64, messageID int, caption string) error {
	if err := ctx.Err(); err != nil {
		return core.Transient(err)
	}
	params := map[string]any{
		"chat_id":      chatID,
		"from_chat_id": fromChatID,
		"message_id":   messageID,
	}
	if caption != "" {
		params["caption"] = caption
	}
	_, err := t.bot.Raw("copyMessage", params)
	if err != nil && copySourceMissing(err) {
		return core.SourceUnavailable(err)
	}
	return ClassifyTelegram(err)
}

// copySourceMissing reports the 400s Telegram returns when the message being
// copied is gone. They say nothing about the recipient.
func copySourceMissing(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "message to copy not found") ||
		strings.Contains(msg, "message_id_invalid")
}

// ClassifyTelegram maps a telebot error onto the delivery error classes:
// 403 and 400 are permanent, 429 is a rate limit carrying retry_after, and
// anything else is transient. CopyMessage checks for a missing source first.
func ClassifyTelegram(err error) error {
	if err == nil {
		return nil
	}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		return core.RateLimited(time.Duration(flood.RetryAfter)*time.Second, err)
	}
	var floodRef *tele.FloodError
	if errors.As(err, &floodRef) && floodRef != nil {
		return core.RateLimited(time.Duration(floodRef.RetryAfter)*time.Second, err)
	}

	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		return classifyCode(apiErr.Code, err)
	}

	if m := apiCodeSuffix.FindStringSubmatch(err.Error()); m != nil {
		code, _ := strconv.Atoi(m[1])
		return classifyCode(code, err)
	}
	return core.Transient(err)
}

func classifyCode(code int, err error) error {
	switch code {
	case 400, 403:
		return core.Permanent(code, err)
	case 429:
		return core.RateLimited(0, err)
	default:
		return core.Transient(err)
	}
}
