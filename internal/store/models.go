package store

import "time"

// DateLayout is the calendar-date format used for quota reset tracking.
// Dates are always computed in UTC.
const DateLayout = "2006-01-02"

// User is one end-user record. All mutations go through Store.UpdateUser;
// no component holds a long-lived mutable copy.
type User struct {
	UserID                string
	FreeUsedToday         int
	LastResetDate         string // DateLayout, UTC
	SubscriptionExpiresAt *time.Time
}

// SubscriptionActiveAt reports whether the user holds an unexpired
// subscription at the given instant.
func (u *User) SubscriptionActiveAt(now time.Time) bool {
	return u.SubscriptionExpiresAt != nil && u.SubscriptionExpiresAt.After(now)
}

// InvoiceStatus is the lifecycle state of a payment invoice.
type InvoiceStatus string

const (
	InvoicePending InvoiceStatus = "pending"
	InvoicePaid    InvoiceStatus = "paid"
	InvoiceExpired InvoiceStatus = "expired"
	InvoiceFailed  InvoiceStatus = "failed"
)

// Terminal reports whether no further status transition is possible.
func (s InvoiceStatus) Terminal() bool {
	switch s {
	case InvoicePaid, InvoiceExpired, InvoiceFailed:
		return true
	}
	return false
}

// Invoice is one payment attempt issued to the external processor.
// Terminal invoices are retained for audit and never mutated again.
type Invoice struct {
	InvoiceID   string
	UserID      string
	OrderID     string
	Amount      float64
	Currency    string
	Status      InvoiceStatus
	CheckoutURL string
	CreatedAt   time.Time

	// Applied marks a paid invoice whose subscription extension has been
	// credited, so duplicated paid notifications never double-extend.
	Applied bool
}
