package payment

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"querygate/internal/metrics"
	"querygate/internal/store"
	"querygate/internal/subscription"
)

// PollerConfig tunes the invoice confirmation loop.
type PollerConfig struct {
	InitialInterval      time.Duration // first wait before polling
	MaxInterval          time.Duration // backoff cap
	MaxWait              time.Duration // total wait before forcing local expiry
	SubscriptionDuration time.Duration // credited per paid invoice
}

// Poller drives asynchronous confirmation of pending invoices: one
// goroutine per in-flight invoice, exponential backoff between status
// queries, and a forced local expiry once MaxWait elapses without a
// conclusive answer from the processor.
type Poller struct {
	store     *store.Store
	processor Processor
	ledger    *subscription.Ledger
	cfg       PollerConfig
	backoff   backoffConfig

	mu       sync.Mutex
	inflight map[string]struct{}
	wg       sync.WaitGroup

	nowFn func() time.Time
	rngFn func() float64
}

// NewPoller creates a Poller. Zero config fields get sane defaults
// (5s initial, 1m cap, 24h max wait, 30 days credited).
func NewPoller(s *store.Store, processor Processor, ledger *subscription.Ledger, cfg PollerConfig) *Poller {
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 5 * time.Second
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = time.Minute
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 24 * time.Hour
	}
	if cfg.SubscriptionDuration <= 0 {
		cfg.SubscriptionDuration = 30 * 24 * time.Hour
	}
	return &Poller{
		store:     s,
		processor: processor,
		ledger:    ledger,
		cfg:       cfg,
		backoff: backoffConfig{
			Initial:    cfg.InitialInterval,
			Multiplier: 2,
			Jitter:     0.1,
			Max:        cfg.MaxInterval,
		},
		inflight: make(map[string]struct{}),
		nowFn:    time.Now,
		rngFn:    rand.Float64,
	}
}

// Register starts a polling task for the invoice. Registering an invoice
// that already has a task running is a no-op; the older task is left to
// complete naturally.
func (p *Poller) Register(ctx context.Context, inv *store.Invoice) {
	p.mu.Lock()
	if _, running := p.inflight[inv.InvoiceID]; running {
		p.mu.Unlock()
		return
	}
	p.inflight[inv.InvoiceID] = struct{}{}
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			delete(p.inflight, inv.InvoiceID)
			p.mu.Unlock()
		}()
		p.run(ctx, inv)
	}()
}

// Resume replays state a previous process left behind: paid invoices whose
// subscription was never credited are applied immediately, and invoices
// still pending are re-registered for polling so confirmation is not
// abandoned across restarts.
func (p *Poller) Resume(ctx context.Context) error {
	unapplied, err := p.store.UnappliedPaidInvoices(ctx)
	if err != nil {
		return err
	}
	for _, inv := range unapplied {
		log.Warn().
			Str("invoice_id", inv.InvoiceID).
			Str("user_id", inv.UserID).
			Msg("Replaying paid invoice left unapplied by previous run")
		if err := p.ledger.Activate(ctx, inv.UserID, inv.InvoiceID, p.cfg.SubscriptionDuration); err != nil {
			return err
		}
	}

	pending, err := p.store.PendingInvoices(ctx)
	if err != nil {
		return err
	}
	for _, inv := range pending {
		p.Register(ctx, inv)
	}
	if len(pending) > 0 {
		log.Info().Int("count", len(pending)).Msg("Re-registered pending invoices for polling")
	}
	return nil
}

// Wait blocks until all polling tasks have finished. Call after cancelling
// the context passed to Register/Resume.
func (p *Poller) Wait() {
	p.wg.Wait()
}

func (p *Poller) run(ctx context.Context, inv *store.Invoice) {
	deadline := inv.CreatedAt.Add(p.cfg.MaxWait)
	attempt := 0

	for {
		delay := p.backoff.nextDelay(attempt, p.rngFn())
		attempt++

		select {
		case <-ctx.Done():
			// Invoice stays pending in storage; the next start resumes it.
			return
		case <-time.After(delay):
		}

		status, err := p.processor.InvoiceStatus(ctx, inv.InvoiceID)
		switch {
		case err == nil:
			if status.Terminal() {
				p.settle(ctx, inv, status)
				return
			}
		case isTerminal(err):
			metrics.PollErrorsTotal.WithLabelValues("terminal").Inc()
			log.Warn().Err(err).
				Str("invoice_id", inv.InvoiceID).
				Msg("Processor rejected invoice, marking expired")
			p.settle(ctx, inv, store.InvoiceExpired)
			return
		default:
			metrics.PollErrorsTotal.WithLabelValues("transient").Inc()
			log.Debug().Err(err).
				Str("invoice_id", inv.InvoiceID).
				Int("attempt", attempt).
				Msg("Invoice status poll failed, will retry")
		}

		if p.nowFn().After(deadline) {
			log.Warn().
				Str("invoice_id", inv.InvoiceID).
				Dur("max_wait", p.cfg.MaxWait).
				Msg("Invoice never reached a terminal status, forcing local expiry")
			p.settle(ctx, inv, store.InvoiceExpired)
			return
		}
	}
}

// settle persists the terminal status and, for paid invoices, credits the
// subscription. The status write always happens before activation so a
// crash in between is recoverable by replaying the stored paid row.
func (p *Poller) settle(ctx context.Context, inv *store.Invoice, status store.InvoiceStatus) {
	if err := p.store.SetInvoiceStatus(ctx, inv.InvoiceID, status); err != nil {
		log.Error().Err(err).
			Str("invoice_id", inv.InvoiceID).
			Str("status", string(status)).
			Msg("Failed to persist invoice status")
		return
	}
	metrics.InvoiceOutcomesTotal.WithLabelValues(string(status)).Inc()

	if status != store.InvoicePaid {
		log.Info().
			Str("invoice_id", inv.InvoiceID).
			Str("user_id", inv.UserID).
			Str("status", string(status)).
			Msg("Invoice closed without payment")
		return
	}

	if err := p.ledger.Activate(ctx, inv.UserID, inv.InvoiceID, p.cfg.SubscriptionDuration); err != nil {
		// The paid status is already durable; Resume replays it next start.
		log.Error().Err(err).
			Str("invoice_id", inv.InvoiceID).
			Str("user_id", inv.UserID).
			Msg("Failed to activate subscription for paid invoice")
	}
}

// CheckNow performs one immediate status query for the invoice, applying
// any terminal transition it observes. It returns the invoice's (possibly
// updated) local status. Transient processor failures leave the invoice
// pending and are reported to the caller.
func (p *Poller) CheckNow(ctx context.Context, invoiceID string) (store.InvoiceStatus, error) {
	inv, err := p.store.Invoice(ctx, invoiceID)
	if err != nil {
		return "", err
	}
	if inv.Status.Terminal() {
		return inv.Status, nil
	}

	status, err := p.processor.InvoiceStatus(ctx, invoiceID)
	if err != nil {
		if isTerminal(err) {
			metrics.PollErrorsTotal.WithLabelValues("terminal").Inc()
			p.settle(ctx, inv, store.InvoiceExpired)
			return store.InvoiceExpired, nil
		}
		metrics.PollErrorsTotal.WithLabelValues("transient").Inc()
		return store.InvoicePending, err
	}
	if !status.Terminal() {
		return store.InvoicePending, nil
	}

	p.settle(ctx, inv, status)
	return status, nil
}

func isTerminal(err error) bool {
	var terminal *TerminalError
	return errors.As(err, &terminal)
}
