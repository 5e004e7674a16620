// Package payment integrates the external payment processor: invoice
// creation, status polling, and settlement reconciliation.
package payment

import (
	"context"
	"fmt"

	"querygate/internal/store"
)

// Processor abstracts the payment provider behind a capability interface so
// a different processor can be substituted without touching quota or
// subscription logic.
type Processor interface {
	// CreateInvoice opens a new invoice with the processor and returns the
	// processor-issued id plus the checkout URL.
	CreateInvoice(ctx context.Context, userID string, amount float64, currency string) (*store.Invoice, error)

	// InvoiceStatus queries the processor for the invoice's current status.
	// Failures are classified as *TransientError (retry) or *TerminalError
	// (do not retry).
	InvoiceStatus(ctx context.Context, invoiceID string) (store.InvoiceStatus, error)
}

// TransientError is a processor failure worth retrying: network trouble,
// rate limiting, or a 5xx response.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient processor error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// TerminalError is a definitive processor rejection: the invoice is
// invalid, unknown, or expired on the remote side. Retrying cannot help.
type TerminalError struct {
	Reason string
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("terminal processor error: %s", e.Reason)
}
