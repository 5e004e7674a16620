// Package quota enforces the daily free-tier allowance. Subscribed users
// bypass it entirely; everyone else gets a fixed number of requests per UTC
// calendar day, reset lazily on the first access of a new day.
package quota

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"querygate/internal/store"
	"querygate/internal/subscription"
)

// DefaultDailyLimit is the free allowance when none is configured.
const DefaultDailyLimit = 10

// Reason explains a denied access decision.
type Reason string

// ReasonQuotaExhausted means the user spent today's free allowance.
// It is an expected denial, not an error condition.
const ReasonQuotaExhausted Reason = "quota_exhausted"

// Decision is the outcome of an access check.
type Decision struct {
	Allowed    bool
	Subscribed bool
	Reason     Reason
	Remaining  int           // free units left today (after this decision)
	RetryAfter time.Duration // time until the next UTC midnight, on denial
}

var errExhausted = errors.New("free quota exhausted")

// Tracker enforces the daily free limit using the shared store.
type Tracker struct {
	store  *store.Store
	ledger *subscription.Ledger
	limit  int
	nowFn  func() time.Time
}

// NewTracker creates a Tracker. A non-positive limit falls back to
// DefaultDailyLimit.
func NewTracker(s *store.Store, ledger *subscription.Ledger, limit int) *Tracker {
	if limit <= 0 {
		limit = DefaultDailyLimit
	}
	return &Tracker{store: s, ledger: ledger, limit: limit, nowFn: time.Now}
}

// Limit returns the configured daily free allowance.
func (t *Tracker) Limit() int { return t.limit }

// TryConsume decides whether the user may make one request. An active
// subscription allows unconditionally without touching the counter.
// Otherwise the date check, reset, and increment run as a single atomic
// update, so concurrent requests from one user can never overspend the
// allowance.
func (t *Tracker) TryConsume(ctx context.Context, userID string) (Decision, error) {
	active, err := t.ledger.IsActive(ctx, userID)
	if err != nil {
		return Decision{}, err
	}
	if active {
		return Decision{Allowed: true, Subscribed: true}, nil
	}

	now := t.nowFn().UTC()
	today := now.Format(store.DateLayout)

	var remaining int
	_, err = t.store.UpdateUser(ctx, userID, func(u *store.User) error {
		if u.LastResetDate != today {
			u.FreeUsedToday = 0
			u.LastResetDate = today
		}
		if u.FreeUsedToday >= t.limit {
			return errExhausted
		}
		u.FreeUsedToday++
		remaining = t.limit - u.FreeUsedToday
		return nil
	})
	if errors.Is(err, errExhausted) {
		retryAfter := untilNextUTCMidnight(now)
		log.Debug().
			Str("user_id", userID).
			Dur("retry_after", retryAfter).
			Msg("Free quota exhausted")
		return Decision{
			Allowed:    false,
			Reason:     ReasonQuotaExhausted,
			Remaining:  0,
			RetryAfter: retryAfter,
		}, nil
	}
	if err != nil {
		return Decision{}, err
	}

	return Decision{Allowed: true, Remaining: remaining}, nil
}

// Remaining reports how many free requests the user has left today without
// consuming one. A day boundary that has not been crossed on-access yet
// still counts as a full allowance.
func (t *Tracker) Remaining(ctx context.Context, userID string) (int, error) {
	u, err := t.store.GetOrCreateUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	today := t.nowFn().UTC().Format(store.DateLayout)
	if u.LastResetDate != today {
		return t.limit, nil
	}
	if u.FreeUsedToday >= t.limit {
		return 0, nil
	}
	return t.limit - u.FreeUsedToday, nil
}

func untilNextUTCMidnight(now time.Time) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	return next.Sub(now)
}
