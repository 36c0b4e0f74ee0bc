package notifier

import (
	"context"
	"errors"
	"strings"

	tele "gopkg.in/telebot.v4"
)

// TelegramSender posts alerts to one chat (optionally one forum topic).
type TelegramSender struct {
	bot      *tele.Bot
	chat     *tele.Chat
	threadID int
}

func NewTelegramSender(token string, chatID int64, threadID int) (*TelegramSender, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("telegram token is empty")
	}
	if chatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	bot, err := tele.NewBot(tele.Settings{Token: token, Offline: true})
	if err != nil {
		return nil, err
	}
	return &TelegramSender{bot: bot, chat: &tele.Chat{ID: chatID}, threadID: threadID}, nil
}

// SendText sends text. telebot has no per-call context; the caller's
// deadline is only checked up front.
func (t *TelegramSender) SendText(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	opts := &tele.SendOptions{DisableWebPagePreview: true}
	if t.threadID > 0 {
		opts.ThreadID = t.threadID
	}
	_, err := t.bot.Send(t.chat, text, opts)
	return err
}
