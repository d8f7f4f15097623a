// Package telegram adapts the Telegram Bot API to the dispatcher's needs.
package telegram

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Bot wraps the Bot API client with the small surface the dispatcher uses.
type Bot struct {
	api *tgbotapi.BotAPI
}

// New authorizes against the Bot API.
func New(token string) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram authorize: %w", err)
	}
	return &Bot{api: api}, nil
}

// Username returns the bot account name, for startup logging.
func (b *Bot) Username() string { return b.api.Self.UserName }

// Send delivers a plain text reply to a chat.
func (b *Bot) Send(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// SendKeyboard delivers a reply with a one-time reply keyboard, one button
// per label.
func (b *Bot) SendKeyboard(chatID int64, text string, rows [][]string) error {
	var kb [][]tgbotapi.KeyboardButton
	for _, row := range rows {
		var r []tgbotapi.KeyboardButton
		for _, label := range row {
			r = append(r, tgbotapi.NewKeyboardButton(label))
		}
		kb = append(kb, r)
	}
	msg := tgbotapi.NewMessage(chatID, text)
	markup := tgbotapi.NewReplyKeyboard(kb...)
	markup.OneTimeKeyboard = true
	msg.ReplyMarkup = markup
	if _, err := b.api.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// Updates starts long polling and returns the inbound update channel.
func (b *Bot) Updates() tgbotapi.UpdatesChannel {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	return b.api.GetUpdatesChan(u)
}

// Stop terminates long polling.
func (b *Bot) Stop() { b.api.StopReceivingUpdates() }
