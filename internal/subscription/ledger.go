// Package subscription owns subscription state transitions. It is the only
// component that mutates a user's subscription expiry.
package subscription

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"querygate/internal/store"
)

// Ledger tracks time-bounded entitlements that bypass the free quota.
type Ledger struct {
	store *store.Store
	nowFn func() time.Time
}

// NewLedger creates a Ledger backed by the shared store.
func NewLedger(s *store.Store) *Ledger {
	return &Ledger{store: s, nowFn: time.Now}
}

// IsActive reports whether the user holds an unexpired subscription at
// query time.
func (l *Ledger) IsActive(ctx context.Context, userID string) (bool, error) {
	u, err := l.store.GetOrCreateUser(ctx, userID)
	if err != nil {
		return false, err
	}
	return u.SubscriptionActiveAt(l.nowFn()), nil
}

// ExpiresAt returns the user's subscription expiry, or the zero time when
// no subscription was ever credited.
func (l *Ledger) ExpiresAt(ctx context.Context, userID string) (time.Time, error) {
	u, err := l.store.GetOrCreateUser(ctx, userID)
	if err != nil {
		return time.Time{}, err
	}
	if u.SubscriptionExpiresAt == nil {
		return time.Time{}, nil
	}
	return *u.SubscriptionExpiresAt, nil
}

// Activate credits the paid invoice by extending the user's subscription.
// Renewals stack: an active subscription extends from its current expiry,
// an inactive one from now. The operation is idempotent per invoice; a
// duplicated paid delivery leaves the expiry unchanged.
func (l *Ledger) Activate(ctx context.Context, userID, invoiceID string, duration time.Duration) error {
	applied, expiresAt, err := l.store.ApplySubscription(ctx, userID, invoiceID, duration, l.nowFn())
	if err != nil {
		return err
	}

	if !applied {
		log.Debug().
			Str("user_id", userID).
			Str("invoice_id", invoiceID).
			Msg("Invoice already credited, subscription unchanged")
		return nil
	}

	log.Info().
		Str("user_id", userID).
		Str("invoice_id", invoiceID).
		Time("expires_at", expiresAt).
		Msg("Subscription activated")
	return nil
}
