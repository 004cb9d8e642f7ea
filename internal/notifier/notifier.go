package notifier

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"time"

	"github.com/go-telegram/bot/models"
	"github.com/shopspring/decimal"

	"github.com/suspectuso/cashier/internal/ledger"
	"github.com/suspectuso/cashier/internal/reconcile"
	"github.com/suspectuso/cashier/internal/telegram"
)

// Sender delivers a formatted chat message
type Sender interface {
	SendNotification(ctx context.Context, chatID int64, text string, keyboard *models.InlineKeyboardMarkup) error
}

// Notifier formats reconciliation events and sends them to the cashier chat
type Notifier struct {
	sender   Sender
	chatID   int64
	fees     reconcile.FeeSchedule
	location *time.Location
	log      *slog.Logger
}

// New creates a new Notifier. Times are rendered in loc.
func New(sender Sender, chatID int64, fees reconcile.FeeSchedule, loc *time.Location, log *slog.Logger) *Notifier {
	if loc == nil {
		loc = time.UTC
	}

	return &Notifier{
		sender:   sender,
		chatID:   chatID,
		fees:     fees,
		location: loc,
		log:      log,
	}
}

// NotifyOffense reports a flight flown without a matched payment
func (n *Notifier) NotifyOffense(ctx context.Context, o reconcile.Offense) error {
	text := n.formatOffenseMessage(o)

	var keyboard *models.InlineKeyboardMarkup
	if o.Link != "" {
		keyboard = telegram.FlightKeyboard(o.Link)
	}

	if err := n.sender.SendNotification(ctx, n.chatID, text, keyboard); err != nil {
		return fmt.Errorf("%w: offense %s: %w", reconcile.ErrDeliveryFailed, o.FlightID, err)
	}

	n.log.Debug("offense sent", "flight_id", o.FlightID, "chat_id", n.chatID)
	return nil
}

// NotifyPayment announces a newly received payment
func (n *Notifier) NotifyPayment(ctx context.Context, p ledger.Payment) error {
	text := n.formatPaymentMessage(p)

	if err := n.sender.SendNotification(ctx, n.chatID, text, nil); err != nil {
		return fmt.Errorf("%w: payment %s: %w", reconcile.ErrDeliveryFailed, p.ExternalID, err)
	}

	n.log.Debug("payment announced", "payment_id", p.ExternalID, "chat_id", n.chatID)
	return nil
}

func (n *Notifier) formatOffenseMessage(o reconcile.Offense) string {
	pilot := html.EscapeString(o.PilotID)
	if o.PilotName != "" && !strings.EqualFold(o.PilotName, o.PilotID) {
		pilot = fmt.Sprintf("%s (%s)", html.EscapeString(o.PilotName), pilot)
	}

	flown := o.UploadedAt.In(n.location).Format("2.1.2006 15:04")
	if o.Link != "" {
		flown = fmt.Sprintf("<a href='%s'>%s</a>", html.EscapeString(o.Link), flown)
	}

	lines := []string{
		"<b>Offending flight:</b>",
		fmt.Sprintf("⚠️ %s flew on %s without a paid starting fee", pilot, flown),
	}
	return strings.Join(lines, "\n")
}

func (n *Notifier) formatPaymentMessage(p ledger.Payment) string {
	amount := decimal.New(p.AmountMinor, -2).String()
	currency := p.Currency
	if currency == "" || currency == "CZK" {
		currency = "Kč"
	}

	from := p.Payer
	if from == "" {
		from = "unknown payer"
	}

	message := p.Reference
	if message == "" {
		message = p.VariableSymbol
	}
	if message == "" {
		message = "(no message)"
	}

	kind := n.fees.Classify(p.AmountMinor)

	icon := "❓"
	if p.PilotID != "" {
		icon = "✅"
	}

	lines := []string{
		"<b>New transaction:</b>",
		fmt.Sprintf("%s %s %s from %s - %s",
			icon, amount, html.EscapeString(currency), html.EscapeString(from), html.EscapeString(message)),
	}

	switch {
	case p.PilotID != "":
		lines = append(lines, fmt.Sprintf("Paired with <code>%s</code> (%s fee)", html.EscapeString(p.PilotID), kind))
	case kind != reconcile.FeeUnknown:
		lines = append(lines, fmt.Sprintf("Looks like a %s fee. Pairing command: <code>/pair %s &lt;PILOT_USERNAME&gt;</code>",
			kind, html.EscapeString(p.ExternalID)))
	default:
		lines = append(lines, "Fee type not detected. Please resolve manually.")
	}

	return strings.Join(lines, "\n")
}
