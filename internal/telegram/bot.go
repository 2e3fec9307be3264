// Package telegram adapts the Telegram Bot API to the bridge: it turns
// updates into bridge.Update values and implements transport.Transport.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/ashureev/tgcode/internal/bridge"
	"github.com/ashureev/tgcode/internal/sentry"
	"github.com/ashureev/tgcode/internal/transport"
)

// pollTimeout is the long-polling timeout in seconds.
const pollTimeout = 60

// Handler consumes converted updates.
type Handler interface {
	Dispatch(ctx context.Context, u bridge.Update)
}

// Config configures the bot.
type Config struct {
	Token string
	// Endpoint overrides the Bot API URL format, mostly for tests.
	Endpoint string
	// Allowed reports whether a user may talk to the bot.
	Allowed func(userID int64) bool
}

// Bot is a long-polling Telegram client.
type Bot struct {
	api     *tgbotapi.BotAPI
	allowed func(int64) bool
	files   *http.Client
	logger  *slog.Logger
}

// New connects to the Bot API and verifies the token.
func New(cfg Config, logger *slog.Logger) (*Bot, error) {
	if logger == nil {
		logger = slog.Default()
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	client := &http.Client{Timeout: (pollTimeout + 10) * time.Second}
	api, err := tgbotapi.NewBotAPIWithClient(cfg.Token, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("connect to telegram: %w", err)
	}
	allowed := cfg.Allowed
	if allowed == nil {
		allowed = func(int64) bool { return true }
	}
	logger.Info("telegram bot authorized", "username", api.Self.UserName)
	return &Bot{api: api, allowed: allowed, files: &http.Client{}, logger: logger}, nil
}

// Username returns the bot's username.
func (b *Bot) Username() string {
	return b.api.Self.UserName
}

// Run polls for updates and hands them to h one at a time until ctx is
// cancelled.
func (b *Bot) Run(ctx context.Context, h Handler) error {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = pollTimeout
	cfg.AllowedUpdates = []string{"message", "callback_query"}
	updates := b.api.GetUpdatesChan(cfg)
	b.logger.Info("telegram polling started")

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			b.logger.Info("telegram polling stopped", "reason", ctx.Err())
			return nil
		case upd, ok := <-updates:
			if !ok {
				return errors.New("telegram update channel closed")
			}
			b.handle(ctx, h, upd)
		}
	}
}

func (b *Bot) handle(ctx context.Context, h Handler, upd tgbotapi.Update) {
	defer func() {
		if v := recover(); v != nil {
			b.logger.Error("update handler panicked", "update_id", upd.UpdateID, "panic", v)
			sentry.ReportPanic(v, map[string]string{"component": "telegram"})
		}
	}()

	u, ok := b.convert(upd)
	if !ok {
		return
	}
	if !b.allowed(u.UserID) {
		b.logger.Warn("ignoring update from unauthorized user",
			"user_id", u.UserID, "conversation_id", u.ConversationID)
		if u.Callback != nil {
			_ = b.AnswerCallback(ctx, u.ConversationID, u.Callback.ID, "Not allowed.")
		}
		return
	}
	h.Dispatch(ctx, u)
}

// convert maps a Telegram update onto a bridge update. ok is false for
// updates the bridge does not handle.
func (b *Bot) convert(upd tgbotapi.Update) (bridge.Update, bool) {
	if cq := upd.CallbackQuery; cq != nil {
		if cq.Message == nil || cq.From == nil {
			return bridge.Update{}, false
		}
		return bridge.Update{
			ConversationID: cq.Message.Chat.ID,
			UserID:         cq.From.ID,
			Callback:       &bridge.Callback{ID: cq.ID, Data: cq.Data, MessageID: cq.Message.MessageID},
		}, true
	}

	m := upd.Message
	if m == nil || m.Chat == nil || m.From == nil {
		return bridge.Update{}, false
	}
	u := bridge.Update{
		ConversationID: m.Chat.ID,
		UserID:         m.From.ID,
		MessageID:      m.MessageID,
		Text:           m.Text,
	}
	if u.Text == "" {
		u.Text = m.Caption
	}
	if d := m.Document; d != nil {
		u.Files = append(u.Files, bridge.Attachment{
			Filename: d.FileName,
			Mime:     d.MimeType,
			Size:     int64(d.FileSize),
			Open:     b.opener(d.FileID),
		})
	}
	if len(m.Photo) > 0 {
		p := m.Photo[len(m.Photo)-1]
		u.Files = append(u.Files, bridge.Attachment{
			Filename: "photo.jpg",
			Mime:     "image/jpeg",
			Size:     int64(p.FileSize),
			Open:     b.opener(p.FileID),
		})
	}
	if u.Text == "" && len(u.Files) == 0 {
		return bridge.Update{}, false
	}
	return u, true
}

func (b *Bot) opener(fileID string) func(context.Context) (io.ReadCloser, error) {
	return func(ctx context.Context) (io.ReadCloser, error) {
		link, err := b.api.GetFileDirectURL(fileID)
		if err != nil {
			return nil, fmt.Errorf("resolve file %s: %w", fileID, err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
		if err != nil {
			return nil, fmt.Errorf("build file request: %w", err)
		}
		resp, err := b.files.Do(req)
		if err != nil {
			return nil, fmt.Errorf("download file %s: %w", fileID, err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("download file %s: status %d", fileID, resp.StatusCode)
		}
		return resp.Body, nil
	}
}

// SendText implements transport.Transport.
func (b *Bot) SendText(_ context.Context, msg transport.Message) (int, error) {
	cfg := tgbotapi.NewMessage(msg.ConversationID, msg.Text)
	cfg.ReplyToMessageID = msg.ReplyTo
	cfg.AllowSendingWithoutReply = true
	if kb := keyboard(msg.Buttons); kb != nil {
		cfg.ReplyMarkup = *kb
	}
	sent, err := b.api.Send(cfg)
	if err != nil {
		return 0, fmt.Errorf("telegram send: %w", err)
	}
	return sent.MessageID, nil
}

// EditText implements transport.Transport. Editing without buttons removes the
// inline keyboard.
func (b *Bot) EditText(_ context.Context, conversationID int64, messageID int, text string, buttons [][]transport.Button) error {
	cfg := tgbotapi.NewEditMessageText(conversationID, messageID, text)
	cfg.ReplyMarkup = keyboard(buttons)
	if _, err := b.api.Send(cfg); err != nil {
		if isNotModified(err) {
			return nil
		}
		return fmt.Errorf("telegram edit: %w", err)
	}
	return nil
}

// AnswerCallback implements transport.CallbackAnswerer.
func (b *Bot) AnswerCallback(_ context.Context, _ int64, callbackID, text string) error {
	if _, err := b.api.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		return fmt.Errorf("telegram answer callback: %w", err)
	}
	return nil
}

func keyboard(rows [][]transport.Button) *tgbotapi.InlineKeyboardMarkup {
	if len(rows) == 0 {
		return nil
	}
	out := make([][]tgbotapi.InlineKeyboardButton, 0, len(rows))
	for _, row := range rows {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, btn := range row {
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(btn.Text, btn.Data))
		}
		out = append(out, tgbotapi.NewInlineKeyboardRow(buttons...))
	}
	kb := tgbotapi.NewInlineKeyboardMarkup(out...)
	return &kb
}

func isNotModified(err error) bool {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		return strings.Contains(apiErr.Message, "message is not modified")
	}
	return strings.Contains(err.Error(), "message is not modified")
}
