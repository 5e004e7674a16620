// Package gate is the engine facade: it gates access to the metered AI
// backend behind the daily free quota and paid subscriptions, and turns
// purchase requests into tracked invoices. Transports talk only to this
// package.
package gate

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"querygate/internal/metrics"
	"querygate/internal/payment"
	"querygate/internal/quota"
	"querygate/internal/store"
	"querygate/internal/subscription"
)

// Config fixes the commercial terms of a purchase.
type Config struct {
	PriceUSD float64
	Currency string
}

// PurchaseResult is the outcome of a purchase request. AlreadyPending is
// true when an earlier invoice was still awaiting payment and has been
// returned instead of a fresh one.
type PurchaseResult struct {
	Invoice        *store.Invoice
	AlreadyPending bool
}

// Engine wires the quota tracker, subscription ledger, payment processor,
// and polling scheduler into the two operations the chat transport needs.
type Engine struct {
	tracker   *quota.Tracker
	ledger    *subscription.Ledger
	store     *store.Store
	processor payment.Processor
	poller    *payment.Poller
	cfg       Config
}

// New creates an Engine.
func New(tracker *quota.Tracker, ledger *subscription.Ledger, s *store.Store, processor payment.Processor, poller *payment.Poller, cfg Config) *Engine {
	if cfg.PriceUSD <= 0 {
		cfg.PriceUSD = 3
	}
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	return &Engine{
		tracker:   tracker,
		ledger:    ledger,
		store:     s,
		processor: processor,
		poller:    poller,
		cfg:       cfg,
	}
}

// CheckAccess decides whether the user may make one AI query, consuming a
// free unit unless a subscription is active.
func (e *Engine) CheckAccess(ctx context.Context, userID string) (quota.Decision, error) {
	d, err := e.tracker.TryConsume(ctx, userID)
	if err != nil {
		return quota.Decision{}, err
	}
	switch {
	case d.Subscribed:
		metrics.AccessDecisionsTotal.WithLabelValues("subscribed").Inc()
	case d.Allowed:
		metrics.AccessDecisionsTotal.WithLabelValues("allowed").Inc()
	default:
		metrics.AccessDecisionsTotal.WithLabelValues("denied").Inc()
	}
	return d, nil
}

// Remaining reports the user's free requests left today.
func (e *Engine) Remaining(ctx context.Context, userID string) (int, error) {
	return e.tracker.Remaining(ctx, userID)
}

// Limit returns the configured daily free allowance.
func (e *Engine) Limit() int { return e.tracker.Limit() }

// Purchase opens a subscription invoice for the user. If an earlier invoice
// is still pending it is returned unchanged; its polling task keeps running
// and is never discarded, because silently dropping it could lose a
// confirmed payment.
func (e *Engine) Purchase(ctx context.Context, userID string) (*PurchaseResult, error) {
	if existing, err := e.store.PendingInvoice(ctx, userID); err == nil {
		return &PurchaseResult{Invoice: existing, AlreadyPending: true}, nil
	} else if !isNotFound(err) {
		return nil, err
	}

	inv, err := e.processor.CreateInvoice(ctx, userID, e.cfg.PriceUSD, e.cfg.Currency)
	if err != nil {
		return nil, err
	}

	saved, created, err := e.store.CreatePendingInvoice(ctx, inv)
	if err != nil {
		return nil, err
	}
	if !created {
		// Lost a race with a concurrent purchase; the remote invoice just
		// opened will expire on the processor side unused.
		return &PurchaseResult{Invoice: saved, AlreadyPending: true}, nil
	}

	metrics.InvoicesCreatedTotal.Inc()
	log.Info().
		Str("user_id", userID).
		Str("invoice_id", saved.InvoiceID).
		Float64("amount", saved.Amount).
		Str("currency", saved.Currency).
		Msg("Subscription invoice created")

	e.poller.Register(ctx, saved)
	return &PurchaseResult{Invoice: saved}, nil
}

// CheckPayment performs one immediate confirmation attempt for the invoice
// and returns its (possibly updated) status.
func (e *Engine) CheckPayment(ctx context.Context, invoiceID string) (store.InvoiceStatus, error) {
	return e.poller.CheckNow(ctx, invoiceID)
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
