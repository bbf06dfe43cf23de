package alerts

import (
	"context"
	"errors"
	"net/http"
	"strings"

	tele "gopkg.in/telebot.v4"
)

// Telegram sends alerts through the Bot API. The bot is offline: it never
// polls for updates and never calls getMe at startup.
type Telegram struct {
	bot  *tele.Bot
	chat tele.ChatID
	opt  *tele.SendOptions
}

func NewTelegram(cfg Config) (*Telegram, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("alerts.chat_id is required")
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.APIURL,
		Token:   cfg.Token,
		Offline: true,
		Client:  &http.Client{Timeout: cfg.Timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{
		bot:  b,
		chat: tele.ChatID(cfg.ChatID),
		opt: &tele.SendOptions{
			ParseMode:             tele.ModeHTML,
			ThreadID:              cfg.ThreadID,
			DisableWebPagePreview: true,
		},
	}, nil
}

// Send posts text to the configured chat. telebot has no per-request
// context, so cancellation is bounded by the HTTP client timeout.
func (t *Telegram) Send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.bot.Send(t.chat, text, t.opt)
	return err
}
