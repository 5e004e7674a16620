package payment

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"querygate/internal/store"
	"querygate/internal/subscription"
)

// stubProcessor returns queued status results in order, repeating the last
// one once the queue is exhausted.
type stubProcessor struct {
	mu      sync.Mutex
	results []statusResult
	calls   int
}

type statusResult struct {
	status store.InvoiceStatus
	err    error
}

func (s *stubProcessor) CreateInvoice(ctx context.Context, userID string, amount float64, currency string) (*store.Invoice, error) {
	return nil, &TerminalError{Reason: "not implemented"}
}

func (s *stubProcessor) InvoiceStatus(ctx context.Context, invoiceID string) (store.InvoiceStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.results) == 0 {
		return store.InvoicePending, nil
	}
	r := s.results[0]
	if len(s.results) > 1 {
		s.results = s.results[1:]
	}
	return r.status, r.err
}

func newPollerFixture(t *testing.T, proc Processor, cfg PollerConfig) (*Poller, *store.Store, *subscription.Ledger) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ledger := subscription.NewLedger(s)
	if cfg.InitialInterval == 0 {
		cfg.InitialInterval = time.Millisecond
	}
	if cfg.MaxInterval == 0 {
		cfg.MaxInterval = 5 * time.Millisecond
	}
	return NewPoller(s, proc, ledger, cfg), s, ledger
}

func registerPending(t *testing.T, s *store.Store, userID, invoiceID string) *store.Invoice {
	t.Helper()
	inv, created, err := s.CreatePendingInvoice(context.Background(), &store.Invoice{
		InvoiceID: invoiceID,
		UserID:    userID,
		OrderID:   "ord_" + invoiceID,
		Amount:    3,
		Currency:  "USD",
		CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.True(t, created)
	return inv
}

func invoiceStatus(t *testing.T, s *store.Store, invoiceID string) store.InvoiceStatus {
	t.Helper()
	inv, err := s.Invoice(context.Background(), invoiceID)
	require.NoError(t, err)
	return inv.Status
}

func TestPollerPaidActivatesSubscription(t *testing.T) {
	proc := &stubProcessor{results: []statusResult{
		{status: store.InvoicePending},
		{status: store.InvoicePending},
		{status: store.InvoicePaid},
	}}
	poller, s, ledger := newPollerFixture(t, proc, PollerConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inv := registerPending(t, s, "user_42", "inv_1")
	poller.Register(ctx, inv)

	require.Eventually(t, func() bool {
		return invoiceStatus(t, s, "inv_1") == store.InvoicePaid
	}, 2*time.Second, time.Millisecond)
	poller.Wait()

	active, err := ledger.IsActive(ctx, "user_42")
	require.NoError(t, err)
	require.True(t, active, "subscription should be active after payment")
}

func TestPollerTransientErrorsRetried(t *testing.T) {
	proc := &stubProcessor{results: []statusResult{
		{err: &TransientError{Err: context.DeadlineExceeded}},
		{err: &TransientError{Err: context.DeadlineExceeded}},
		{status: store.InvoicePaid},
	}}
	poller, s, _ := newPollerFixture(t, proc, PollerConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	poller.Register(ctx, registerPending(t, s, "user_1", "inv_1"))

	require.Eventually(t, func() bool {
		return invoiceStatus(t, s, "inv_1") == store.InvoicePaid
	}, 2*time.Second, time.Millisecond)

	proc.mu.Lock()
	calls := proc.calls
	proc.mu.Unlock()
	require.GreaterOrEqual(t, calls, 3, "transient failures should be retried")
}

func TestPollerTerminalErrorExpiresInvoice(t *testing.T) {
	proc := &stubProcessor{results: []statusResult{
		{err: &TerminalError{Reason: "invoice not found on processor"}},
	}}
	poller, s, ledger := newPollerFixture(t, proc, PollerConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	poller.Register(ctx, registerPending(t, s, "user_1", "inv_1"))

	require.Eventually(t, func() bool {
		return invoiceStatus(t, s, "inv_1") == store.InvoiceExpired
	}, 2*time.Second, time.Millisecond)

	active, err := ledger.IsActive(ctx, "user_1")
	require.NoError(t, err)
	require.False(t, active)
}

func TestPollerMaxWaitForcesExpiry(t *testing.T) {
	// Processor never answers conclusively.
	proc := &stubProcessor{}
	poller, s, _ := newPollerFixture(t, proc, PollerConfig{MaxWait: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	poller.Register(ctx, registerPending(t, s, "user_1", "inv_1"))

	require.Eventually(t, func() bool {
		return invoiceStatus(t, s, "inv_1") == store.InvoiceExpired
	}, 2*time.Second, time.Millisecond)

	// A fresh purchase can now create a new invoice.
	_, created, err := s.CreatePendingInvoice(context.Background(), &store.Invoice{
		InvoiceID: "inv_2",
		UserID:    "user_1",
		OrderID:   "ord_inv_2",
		Amount:    3,
		Currency:  "USD",
		CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.True(t, created)
}

func TestPollerRegisterSameInvoiceTwice(t *testing.T) {
	proc := &stubProcessor{}
	poller, s, _ := newPollerFixture(t, proc, PollerConfig{InitialInterval: time.Hour, MaxInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())

	inv := registerPending(t, s, "user_1", "inv_1")
	poller.Register(ctx, inv)
	poller.Register(ctx, inv)

	poller.mu.Lock()
	inflight := len(poller.inflight)
	poller.mu.Unlock()
	require.Equal(t, 1, inflight, "duplicate registration should be a no-op")

	cancel()
	poller.Wait()
}

func TestPollerResume(t *testing.T) {
	proc := &stubProcessor{results: []statusResult{{status: store.InvoicePaid}}}
	poller, s, ledger := newPollerFixture(t, proc, PollerConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A pending invoice and a paid-but-unapplied invoice, as left behind by
	// a crashed previous process.
	registerPending(t, s, "user_1", "inv_pending")
	registerPending(t, s, "user_2", "inv_paid")
	require.NoError(t, s.SetInvoiceStatus(ctx, "inv_paid", store.InvoicePaid))

	require.NoError(t, poller.Resume(ctx))

	// The paid invoice is credited synchronously.
	active, err := ledger.IsActive(ctx, "user_2")
	require.NoError(t, err)
	require.True(t, active, "unapplied paid invoice should be replayed at startup")

	// The pending one is polled to completion.
	require.Eventually(t, func() bool {
		return invoiceStatus(t, s, "inv_pending") == store.InvoicePaid
	}, 2*time.Second, time.Millisecond)
}

func TestCheckNow(t *testing.T) {
	t.Run("terminal_local_status_short_circuits", func(t *testing.T) {
		proc := &stubProcessor{}
		poller, s, _ := newPollerFixture(t, proc, PollerConfig{})
		ctx := context.Background()

		registerPending(t, s, "user_1", "inv_1")
		require.NoError(t, s.SetInvoiceStatus(ctx, "inv_1", store.InvoicePaid))

		status, err := poller.CheckNow(ctx, "inv_1")
		require.NoError(t, err)
		require.Equal(t, store.InvoicePaid, status)
		require.Zero(t, proc.calls, "no remote query for locally terminal invoices")
	})

	t.Run("paid_settles_and_activates", func(t *testing.T) {
		proc := &stubProcessor{results: []statusResult{{status: store.InvoicePaid}}}
		poller, s, ledger := newPollerFixture(t, proc, PollerConfig{})
		ctx := context.Background()

		registerPending(t, s, "user_1", "inv_1")
		status, err := poller.CheckNow(ctx, "inv_1")
		require.NoError(t, err)
		require.Equal(t, store.InvoicePaid, status)

		active, err := ledger.IsActive(ctx, "user_1")
		require.NoError(t, err)
		require.True(t, active)
	})

	t.Run("pending_stays_pending", func(t *testing.T) {
		proc := &stubProcessor{}
		poller, s, _ := newPollerFixture(t, proc, PollerConfig{})
		ctx := context.Background()

		registerPending(t, s, "user_1", "inv_1")
		status, err := poller.CheckNow(ctx, "inv_1")
		require.NoError(t, err)
		require.Equal(t, store.InvoicePending, status)
	})

	t.Run("transient_error_reported", func(t *testing.T) {
		proc := &stubProcessor{results: []statusResult{{err: &TransientError{Err: context.DeadlineExceeded}}}}
		poller, s, _ := newPollerFixture(t, proc, PollerConfig{})
		ctx := context.Background()

		registerPending(t, s, "user_1", "inv_1")
		status, err := poller.CheckNow(ctx, "inv_1")
		require.Error(t, err)
		require.Equal(t, store.InvoicePending, status)
		require.Equal(t, store.InvoicePending, invoiceStatus(t, s, "inv_1"))
	})

	t.Run("unknown_invoice", func(t *testing.T) {
		proc := &stubProcessor{}
		poller, _, _ := newPollerFixture(t, proc, PollerConfig{})

		_, err := poller.CheckNow(context.Background(), "inv_missing")
		require.ErrorIs(t, err, store.ErrNotFound)
	})
}
