package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"querygate/internal/ai"
	"querygate/internal/gate"
	"querygate/internal/store"
)

const (
	callbackBuy          = "buy_subscription"
	callbackCheckPayment = "check_payment_"

	// Warn about the remaining free allowance once it gets this low.
	lowQuotaThreshold = 3
)

// Bot drives the chat transport: it long-polls Telegram for updates and
// translates them into engine operations.
type Bot struct {
	client   *Client
	engine   *gate.Engine
	provider ai.Provider
	priceUSD float64
}

// NewBot creates a Bot.
func NewBot(client *Client, engine *gate.Engine, provider ai.Provider, priceUSD float64) *Bot {
	return &Bot{
		client:   client,
		engine:   engine,
		provider: provider,
		priceUSD: priceUSD,
	}
}

// Run long-polls for updates until ctx is cancelled. Each update is handled
// in its own goroutine so one slow AI reply does not stall the rest.
func (b *Bot) Run(ctx context.Context) error {
	if err := b.client.DeleteWebhook(ctx, true); err != nil {
		return fmt.Errorf("failed to clear webhook: %w", err)
	}
	log.Info().Msg("Telegram bot started")

	var offset int64
	for {
		updates, err := b.client.GetUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				log.Info().Msg("Telegram bot stopped")
				return nil
			}
			log.Warn().Err(err).Msg("getUpdates failed, retrying")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(3 * time.Second):
			}
			continue
		}

		for _, update := range updates {
			if update.UpdateID >= offset {
				offset = update.UpdateID + 1
			}
			update := update
			go b.handleUpdate(ctx, update)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update Update) {
	switch {
	case update.CallbackQuery != nil:
		b.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil:
		b.handleMessage(ctx, update.Message)
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *Message) {
	if msg.From == nil || msg.Text == "" {
		return
	}
	userID := strconv.FormatInt(msg.From.ID, 10)

	if strings.HasPrefix(msg.Text, "/start") {
		b.handleStart(ctx, msg.Chat.ID, userID)
		return
	}
	b.handleQuery(ctx, msg.Chat.ID, userID, msg.Text)
}

func (b *Bot) handleStart(ctx context.Context, chatID int64, userID string) {
	remaining, err := b.engine.Remaining(ctx, userID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to read remaining quota")
		b.reply(ctx, chatID, "Something went wrong, please try again later.", nil)
		return
	}

	text := fmt.Sprintf(
		"Hi! I'm an AI assistant.\n\n"+
			"You have %d free requests left today.\n"+
			"Subscribe for unlimited access.",
		remaining)
	b.reply(ctx, chatID, text, b.buyKeyboard())
}

func (b *Bot) handleQuery(ctx context.Context, chatID int64, userID, prompt string) {
	decision, err := b.engine.CheckAccess(ctx, userID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Access check failed")
		b.reply(ctx, chatID, "Something went wrong, please try again later.", nil)
		return
	}

	if !decision.Allowed {
		text := fmt.Sprintf(
			"You've used up today's %d free requests.\n"+
				"Subscribe for unlimited access, or come back in %s.",
			b.engine.Limit(), formatWait(decision.RetryAfter))
		b.reply(ctx, chatID, text, b.buyKeyboard())
		return
	}

	_ = b.client.SendChatAction(ctx, chatID, "typing")

	answer, err := b.provider.Complete(ctx, prompt)
	if errors.Is(err, ai.ErrOverloaded) {
		b.reply(ctx, chatID, "The AI is overloaded right now, please try again in a minute.", nil)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("AI completion failed")
		b.reply(ctx, chatID, "Something went wrong, please try again later.", nil)
		return
	}
	b.reply(ctx, chatID, answer, nil)

	if !decision.Subscribed && decision.Remaining <= lowQuotaThreshold {
		b.reply(ctx, chatID, fmt.Sprintf("You have %d free requests left today.", decision.Remaining), nil)
	}
}

func (b *Bot) handleCallback(ctx context.Context, cb *CallbackQuery) {
	if cb.From == nil || cb.Message == nil {
		_ = b.client.AnswerCallbackQuery(ctx, cb.ID, "Could not process that request.")
		return
	}
	userID := strconv.FormatInt(cb.From.ID, 10)
	chatID := cb.Message.Chat.ID

	switch {
	case cb.Data == callbackBuy:
		_ = b.client.AnswerCallbackQuery(ctx, cb.ID, "")
		b.handleBuy(ctx, chatID, userID)
	case strings.HasPrefix(cb.Data, callbackCheckPayment):
		_ = b.client.AnswerCallbackQuery(ctx, cb.ID, "")
		b.handleCheckPayment(ctx, chatID, userID, strings.TrimPrefix(cb.Data, callbackCheckPayment))
	default:
		_ = b.client.AnswerCallbackQuery(ctx, cb.ID, "")
	}
}

func (b *Bot) handleBuy(ctx context.Context, chatID int64, userID string) {
	res, err := b.engine.Purchase(ctx, userID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Purchase failed")
		b.reply(ctx, chatID, "Could not create a payment, please try again later.", nil)
		return
	}

	text := fmt.Sprintf(
		"Pay %g %s with the button below.\nThe invoice is valid for 24 hours.",
		res.Invoice.Amount, res.Invoice.Currency)
	if res.AlreadyPending {
		text = "You already have an unpaid invoice:\n" + text
	}
	b.reply(ctx, chatID, text, b.checkoutKeyboard(res.Invoice))
}

func (b *Bot) handleCheckPayment(ctx context.Context, chatID int64, userID, invoiceID string) {
	status, err := b.engine.CheckPayment(ctx, invoiceID)
	if err != nil {
		log.Warn().Err(err).
			Str("user_id", userID).
			Str("invoice_id", invoiceID).
			Msg("Payment check failed")
		b.reply(ctx, chatID, "Payment not found yet. If you've already paid, try again in a minute.", nil)
		return
	}

	switch status {
	case store.InvoicePaid:
		b.reply(ctx, chatID, "Subscription activated! You now have unlimited access.", nil)
	case store.InvoicePending:
		b.reply(ctx, chatID, "Payment not found yet. If you've already paid, try again in a minute.", nil)
	default:
		b.reply(ctx, chatID, "That invoice is no longer valid. Use the subscribe button to start over.", b.buyKeyboard())
	}
}

func (b *Bot) reply(ctx context.Context, chatID int64, text string, markup *InlineKeyboardMarkup) {
	if err := b.client.SendMessage(ctx, chatID, text, markup); err != nil {
		log.Warn().Err(err).Int64("chat_id", chatID).Msg("Failed to send message")
	}
}

func (b *Bot) buyKeyboard() *InlineKeyboardMarkup {
	return &InlineKeyboardMarkup{InlineKeyboard: [][]InlineKeyboardButton{{
		{Text: fmt.Sprintf("Subscribe (%g USD)", b.priceUSD), CallbackData: callbackBuy},
	}}}
}

func (b *Bot) checkoutKeyboard(inv *store.Invoice) *InlineKeyboardMarkup {
	return &InlineKeyboardMarkup{InlineKeyboard: [][]InlineKeyboardButton{{
		{Text: "Go to payment", URL: inv.CheckoutURL},
		{Text: "Check payment", CallbackData: callbackCheckPayment + inv.InvoiceID},
	}}}
}

func formatWait(d time.Duration) string {
	d = d.Round(time.Minute)
	hours := int(d / time.Hour)
	minutes := int(d % time.Hour / time.Minute)
	if hours == 0 {
		return fmt.Sprintf("%dm", minutes)
	}
	return fmt.Sprintf("%dh %dm", hours, minutes)
}
