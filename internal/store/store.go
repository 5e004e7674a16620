package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

var (
	// ErrStorageUnavailable indicates the durable store could not be
	// reached or the operation could not be completed. It is surfaced to
	// the caller, never retried here: quota and subscription decisions
	// must not proceed on stale data.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")
)

const userLockStripes = 64

// Store is the durable sqlite-backed store shared by all engine components.
// Every write to a single user's data happens inside one transaction while
// holding that user's lock stripe, so read-modify-write sequences are
// serialized per user and independent across users.
type Store struct {
	db        *sql.DB
	dbPath    string
	userLocks [userLockStripes]sync.Mutex
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	// Pragmas in the DSN so every pool connection is configured
	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite works best with a single writer connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, dbPath: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Info().Str("dbPath", path).Msg("Store opened")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		free_used_today INTEGER NOT NULL DEFAULT 0,
		last_reset_date TEXT NOT NULL DEFAULT '',
		subscription_expires_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS invoices (
		invoice_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(user_id),
		order_id TEXT NOT NULL,
		amount REAL NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		checkout_url TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		applied INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_invoices_user ON invoices(user_id);
	CREATE INDEX IF NOT EXISTS idx_invoices_status ON invoices(status);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_invoices_one_pending
		ON invoices(user_id) WHERE status = 'pending';
	`
	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// userLock returns the lock stripe serializing writes for the given user.
func (s *Store) userLock(userID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return &s.userLocks[h.Sum32()%userLockStripes]
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrStorageUnavailable, err)
}

// GetOrCreateUser returns the user record, creating an empty one on first
// access. Users are never deleted.
func (s *Store) GetOrCreateUser(ctx context.Context, userID string) (*User, error) {
	mu := s.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (user_id) VALUES (?) ON CONFLICT(user_id) DO NOTHING`, userID)
	if err != nil {
		return nil, storageErr("create user", err)
	}
	return s.getUser(ctx, s.db, userID)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) getUser(ctx context.Context, q querier, userID string) (*User, error) {
	var (
		u         User
		expiresAt sql.NullInt64
	)
	err := q.QueryRowContext(ctx,
		`SELECT user_id, free_used_today, last_reset_date, subscription_expires_at
		 FROM users WHERE user_id = ?`, userID).
		Scan(&u.UserID, &u.FreeUsedToday, &u.LastResetDate, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("get user", err)
	}
	if expiresAt.Valid {
		t := time.Unix(expiresAt.Int64, 0).UTC()
		u.SubscriptionExpiresAt = &t
	}
	return &u, nil
}

// UpdateUser applies mutate to the current user record and persists the
// result as one transaction. The record is created first if absent. The
// whole read-modify-write is serialized against other updates for the same
// user; an error from mutate aborts the update untouched.
func (s *Store) UpdateUser(ctx context.Context, userID string, mutate func(*User) error) (*User, error) {
	mu := s.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("begin update", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO users (user_id) VALUES (?) ON CONFLICT(user_id) DO NOTHING`, userID); err != nil {
		return nil, storageErr("create user", err)
	}

	u, err := s.getUser(ctx, tx, userID)
	if err != nil {
		return nil, err
	}

	if err := mutate(u); err != nil {
		return nil, err
	}

	var expiresAt sql.NullInt64
	if u.SubscriptionExpiresAt != nil {
		expiresAt = sql.NullInt64{Int64: u.SubscriptionExpiresAt.Unix(), Valid: true}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET free_used_today = ?, last_reset_date = ?, subscription_expires_at = ?
		 WHERE user_id = ?`,
		u.FreeUsedToday, u.LastResetDate, expiresAt, userID); err != nil {
		return nil, storageErr("update user", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, storageErr("commit update", err)
	}
	return u, nil
}

// CreatePendingInvoice inserts inv unless the user already has a pending
// invoice, in which case the existing invoice is returned unchanged and
// created is false. This is the sole write path for new invoices, keeping
// the at-most-one-pending invariant (also enforced by a partial unique
// index in the schema).
func (s *Store) CreatePendingInvoice(ctx context.Context, inv *Invoice) (saved *Invoice, created bool, err error) {
	mu := s.userLock(inv.UserID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, storageErr("begin invoice", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO users (user_id) VALUES (?) ON CONFLICT(user_id) DO NOTHING`, inv.UserID); err != nil {
		return nil, false, storageErr("create user", err)
	}

	existing, err := s.scanInvoice(tx.QueryRowContext(ctx,
		invoiceColumns+` WHERE user_id = ? AND status = 'pending'`, inv.UserID))
	if err == nil {
		if err := tx.Commit(); err != nil {
			return nil, false, storageErr("commit invoice", err)
		}
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO invoices (invoice_id, user_id, order_id, amount, currency, status, checkout_url, created_at, applied)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		inv.InvoiceID, inv.UserID, inv.OrderID, inv.Amount, inv.Currency,
		string(InvoicePending), inv.CheckoutURL, inv.CreatedAt.Unix()); err != nil {
		return nil, false, storageErr("insert invoice", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, storageErr("commit invoice", err)
	}

	out := *inv
	out.Status = InvoicePending
	out.Applied = false
	return &out, true, nil
}

const invoiceColumns = `SELECT invoice_id, user_id, order_id, amount, currency, status, checkout_url, created_at, applied FROM invoices`

func (s *Store) scanInvoice(row *sql.Row) (*Invoice, error) {
	var (
		inv       Invoice
		status    string
		createdAt int64
		applied   int
	)
	err := row.Scan(&inv.InvoiceID, &inv.UserID, &inv.OrderID, &inv.Amount,
		&inv.Currency, &status, &inv.CheckoutURL, &createdAt, &applied)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("scan invoice", err)
	}
	inv.Status = InvoiceStatus(status)
	inv.CreatedAt = time.Unix(createdAt, 0).UTC()
	inv.Applied = applied == 1
	return &inv, nil
}

// Invoice returns the invoice with the given id, or ErrNotFound.
func (s *Store) Invoice(ctx context.Context, invoiceID string) (*Invoice, error) {
	inv, err := s.scanInvoice(s.db.QueryRowContext(ctx,
		invoiceColumns+` WHERE invoice_id = ?`, invoiceID))
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("invoice %s: %w", invoiceID, ErrNotFound)
	}
	return inv, err
}

// PendingInvoice returns the user's pending invoice, or ErrNotFound.
func (s *Store) PendingInvoice(ctx context.Context, userID string) (*Invoice, error) {
	return s.scanInvoice(s.db.QueryRowContext(ctx,
		invoiceColumns+` WHERE user_id = ? AND status = 'pending'`, userID))
}

// PendingInvoices returns all invoices still pending, oldest first. Used at
// startup to re-register polling tasks that a previous process left behind.
func (s *Store) PendingInvoices(ctx context.Context) ([]*Invoice, error) {
	rows, err := s.db.QueryContext(ctx,
		invoiceColumns+` WHERE status = 'pending' ORDER BY created_at ASC`)
	if err != nil {
		return nil, storageErr("list pending invoices", err)
	}
	defer rows.Close()

	var out []*Invoice
	for rows.Next() {
		var (
			inv       Invoice
			status    string
			createdAt int64
			applied   int
		)
		if err := rows.Scan(&inv.InvoiceID, &inv.UserID, &inv.OrderID, &inv.Amount,
			&inv.Currency, &status, &inv.CheckoutURL, &createdAt, &applied); err != nil {
			return nil, storageErr("scan pending invoice", err)
		}
		inv.Status = InvoiceStatus(status)
		inv.CreatedAt = time.Unix(createdAt, 0).UTC()
		inv.Applied = applied == 1
		out = append(out, &inv)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list pending invoices", err)
	}
	return out, nil
}

// UnappliedPaidInvoices returns paid invoices whose subscription extension
// has not been credited yet. A crash between persisting a paid status and
// activating the subscription leaves such a row behind; startup replays it.
func (s *Store) UnappliedPaidInvoices(ctx context.Context) ([]*Invoice, error) {
	rows, err := s.db.QueryContext(ctx,
		invoiceColumns+` WHERE status = 'paid' AND applied = 0 ORDER BY created_at ASC`)
	if err != nil {
		return nil, storageErr("list unapplied invoices", err)
	}
	defer rows.Close()

	var out []*Invoice
	for rows.Next() {
		var (
			inv       Invoice
			status    string
			createdAt int64
			applied   int
		)
		if err := rows.Scan(&inv.InvoiceID, &inv.UserID, &inv.OrderID, &inv.Amount,
			&inv.Currency, &status, &inv.CheckoutURL, &createdAt, &applied); err != nil {
			return nil, storageErr("scan unapplied invoice", err)
		}
		inv.Status = InvoiceStatus(status)
		inv.CreatedAt = time.Unix(createdAt, 0).UTC()
		inv.Applied = applied == 1
		out = append(out, &inv)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list unapplied invoices", err)
	}
	return out, nil
}

// SetInvoiceStatus transitions a pending invoice to the given status.
// Transitions are forward-only: once an invoice is terminal the call is a
// no-op, so duplicated poll results cannot rewind state. ErrNotFound is
// returned when the invoice does not exist at all.
func (s *Store) SetInvoiceStatus(ctx context.Context, invoiceID string, status InvoiceStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE invoices SET status = ? WHERE invoice_id = ? AND status = 'pending'`,
		string(status), invoiceID)
	if err != nil {
		return storageErr("set invoice status", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storageErr("set invoice status", err)
	}
	if affected == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM invoices WHERE invoice_id = ?`, invoiceID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("invoice %s: %w", invoiceID, ErrNotFound)
		}
		if err != nil {
			return storageErr("set invoice status", err)
		}
		// Already terminal; forward-only transitions make this a no-op.
	}
	return nil
}

// ApplySubscription credits a paid invoice: in one transaction it claims the
// invoice's applied marker and, if this call was the first to claim it,
// extends the user's subscription from max(current expiry, now). Returns
// whether this call performed the extension and the resulting expiry.
func (s *Store) ApplySubscription(ctx context.Context, userID, invoiceID string, duration time.Duration, now time.Time) (applied bool, expiresAt time.Time, err error) {
	mu := s.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, time.Time{}, storageErr("begin apply", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE invoices SET applied = 1 WHERE invoice_id = ? AND applied = 0`, invoiceID)
	if err != nil {
		return false, time.Time{}, storageErr("claim invoice", err)
	}
	claimed, err := res.RowsAffected()
	if err != nil {
		return false, time.Time{}, storageErr("claim invoice", err)
	}

	u, err := s.getUser(ctx, tx, userID)
	if err != nil {
		return false, time.Time{}, err
	}

	if claimed == 0 {
		// Invoice already credited (or unknown): report current expiry.
		if err := tx.Commit(); err != nil {
			return false, time.Time{}, storageErr("commit apply", err)
		}
		if u.SubscriptionExpiresAt != nil {
			return false, *u.SubscriptionExpiresAt, nil
		}
		return false, time.Time{}, nil
	}

	// Stacking renewal: an active subscription keeps its remaining time.
	base := now
	if u.SubscriptionExpiresAt != nil && u.SubscriptionExpiresAt.After(now) {
		base = *u.SubscriptionExpiresAt
	}
	// Stored at second precision; keep the returned value consistent.
	newExpiry := base.Add(duration).UTC().Truncate(time.Second)

	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET subscription_expires_at = ? WHERE user_id = ?`,
		newExpiry.Unix(), userID); err != nil {
		return false, time.Time{}, storageErr("extend subscription", err)
	}

	if err := tx.Commit(); err != nil {
		return false, time.Time{}, storageErr("commit apply", err)
	}
	return true, newExpiry, nil
}
