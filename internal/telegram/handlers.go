package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/suspectuso/cashier/internal/ledger"
)

var errUsage = errors.New("usage: /pair <PAYMENT_ID> <PILOT_USERNAME>")

// Commands backs the chat commands that touch the ledger
type Commands interface {
	Pair(ctx context.Context, paymentID, pilot string) (int, error)
	Unpaid(ctx context.Context) ([]ledger.Flight, error)
}

// Bot wraps the telegram bot with handlers
type Bot struct {
	bot      *bot.Bot
	chatID   int64
	commands Commands
	location *time.Location
	log      *slog.Logger
}

// New creates a new telegram bot. Ledger commands are only accepted from chatID.
func New(token string, chatID int64, loc *time.Location, log *slog.Logger) (*Bot, error) {
	if loc == nil {
		loc = time.UTC
	}

	b := &Bot{
		chatID:   chatID,
		location: loc,
		log:      log,
	}

	opts := []bot.Option{
		bot.WithDefaultHandler(b.defaultHandler),
	}

	tgBot, err := bot.New(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}

	b.bot = tgBot

	tgBot.RegisterHandler(bot.HandlerTypeMessageText, "/start", bot.MatchTypePrefix, b.startHandler)
	tgBot.RegisterHandler(bot.HandlerTypeMessageText, "/help", bot.MatchTypePrefix, b.helpHandler)
	tgBot.RegisterHandler(bot.HandlerTypeMessageText, "/pair", bot.MatchTypePrefix, b.pairHandler)
	tgBot.RegisterHandler(bot.HandlerTypeMessageText, "/unpaid", bot.MatchTypePrefix, b.unpaidHandler)

	return b, nil
}

// SetCommands attaches the ledger commands. Until then /pair and /unpaid
// answer that the bot is starting.
func (b *Bot) SetCommands(c Commands) {
	b.commands = c
}

// Start starts the bot polling
func (b *Bot) Start(ctx context.Context) {
	b.bot.Start(ctx)
}

// --- Handlers ---

func (b *Bot) startHandler(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	if update.Message == nil {
		return
	}

	b.sendMessage(ctx, update.Message.Chat.ID, "Keep calm, I am working 24/7. 🪂", nil)
}

func (b *Bot) helpHandler(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	if update.Message == nil {
		return
	}

	text := strings.Join([]string{
		"<b>Cashier commands</b>",
		"",
		"<code>/pair &lt;PAYMENT_ID&gt; &lt;PILOT_USERNAME&gt;</code> - pair a bank payment with an XContest pilot",
		"<code>/unpaid</code> - list flights reported as unpaid",
	}, "\n")

	b.sendMessage(ctx, update.Message.Chat.ID, text, nil)
}

func (b *Bot) pairHandler(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	msg := update.Message
	if !b.authorized(msg) {
		return
	}

	paymentID, pilot, err := parsePairArgs(msg.Text)
	if err != nil {
		b.sendMessage(ctx, msg.Chat.ID, html.EscapeString(err.Error()), nil)
		return
	}

	if b.commands == nil {
		b.sendMessage(ctx, msg.Chat.ID, "Still starting up, try again in a moment.", nil)
		return
	}

	settled, err := b.commands.Pair(ctx, paymentID, pilot)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		b.sendMessage(ctx, msg.Chat.ID, fmt.Sprintf("❌ Payment <code>%s</code> not found.", html.EscapeString(paymentID)), nil)
		return
	case err != nil:
		b.log.Error("pair payment", "payment_id", paymentID, "pilot", pilot, "error", err)
		b.sendMessage(ctx, msg.Chat.ID, fmt.Sprintf("❌ %s", html.EscapeString(err.Error())), nil)
		return
	}

	var userID int64
	if msg.From != nil {
		userID = msg.From.ID
	}
	b.log.Info("payment paired from chat", "payment_id", paymentID, "pilot", pilot, "user_id", userID)
	b.sendMessage(ctx, msg.Chat.ID, fmt.Sprintf(
		"✅ Payment <code>%s</code> paired with <b>%s</b>, %d flight(s) marked as paid.",
		html.EscapeString(paymentID), html.EscapeString(pilot), settled,
	), nil)
}

func (b *Bot) unpaidHandler(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	msg := update.Message
	if !b.authorized(msg) {
		return
	}

	if b.commands == nil {
		b.sendMessage(ctx, msg.Chat.ID, "Still starting up, try again in a moment.", nil)
		return
	}

	flights, err := b.commands.Unpaid(ctx)
	if err != nil {
		b.log.Error("list unpaid flights", "error", err)
		b.sendMessage(ctx, msg.Chat.ID, "❌ Could not load unpaid flights.", nil)
		return
	}

	b.sendMessage(ctx, msg.Chat.ID, formatUnpaid(flights, b.location), UnpaidKeyboard(flights, b.location))
}

func (b *Bot) defaultHandler(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	if update.Message == nil {
		return
	}

	b.log.Debug("ignoring message", "chat_id", update.Message.Chat.ID)
}

// authorized reports whether the message comes from the cashier chat
func (b *Bot) authorized(msg *models.Message) bool {
	if msg == nil {
		return false
	}
	if msg.Chat.ID != b.chatID {
		b.log.Warn("command from foreign chat", "chat_id", msg.Chat.ID)
		return false
	}
	return true
}

func (b *Bot) sendMessage(ctx context.Context, chatID int64, text string, keyboard *models.InlineKeyboardMarkup) {
	params := &bot.SendMessageParams{
		ChatID:    chatID,
		Text:      text,
		ParseMode: models.ParseModeHTML,
	}
	if keyboard != nil {
		params.ReplyMarkup = keyboard
	}

	_, err := b.bot.SendMessage(ctx, params)
	if err != nil {
		b.log.Error("send message", "error", err)
	}
}

// SendNotification sends a notification message to a chat
func (b *Bot) SendNotification(ctx context.Context, chatID int64, text string, keyboard *models.InlineKeyboardMarkup) error {
	disablePreview := true
	params := &bot.SendMessageParams{
		ChatID:    chatID,
		Text:      text,
		ParseMode: models.ParseModeHTML,
		LinkPreviewOptions: &models.LinkPreviewOptions{
			IsDisabled: &disablePreview,
		},
	}
	if keyboard != nil {
		params.ReplyMarkup = keyboard
	}

	_, err := b.bot.SendMessage(ctx, params)
	return err
}

// parsePairArgs splits "/pair[@bot] PAYMENT_ID PILOT"
func parsePairArgs(text string) (paymentID, pilot string, err error) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", "", errUsage
	}

	cmd, _, _ := strings.Cut(fields[0], "@")
	if cmd != "/pair" || len(fields) < 3 {
		return "", "", errUsage
	}

	return fields[1], strings.Join(fields[2:], " "), nil
}

func formatUnpaid(flights []ledger.Flight, loc *time.Location) string {
	if len(flights) == 0 {
		return "🎉 No unpaid flights."
	}

	lines := []string{fmt.Sprintf("<b>Unpaid flights (%d):</b>", len(flights))}
	for _, f := range flights {
		lines = append(lines, fmt.Sprintf("• %s - %s",
			html.EscapeString(f.PilotID), f.UploadedAt.In(loc).Format("2.1.2006 15:04")))
	}
	return strings.Join(lines, "\n")
}
