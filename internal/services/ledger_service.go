package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/burocratadebolso/backend/internal/models"
)

// LedgerService is the durable store for accounts and purchases. All
// cross-row mutations (balance update + purchase transition) run inside a
// single database transaction; the compare-and-set on the purchase status is
// the mechanism that makes settlement exactly-once under duplicate or
// concurrent webhook deliveries.
type LedgerService struct {
	db        *sql.DB
	txTimeout time.Duration
}

func NewLedgerService(db *sql.DB) *LedgerService {
	txTimeout := 5 * time.Second
	if env := os.Getenv("LEDGER_TX_TIMEOUT_SECONDS"); env != "" {
		if val, err := strconv.Atoi(env); err == nil && val > 0 {
			txTimeout = time.Duration(val) * time.Second
		}
	}
	return &LedgerService{
		db:        db,
		txTimeout: txTimeout,
	}
}

// WithinTx runs fn inside one database transaction with the ledger's short
// deadline. A blown deadline surfaces as ErrStorageTimeout so callers can
// acknowledge the provider and schedule an internal retry instead of letting
// notification retries pile up.
func (s *LedgerService) WithinTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.txTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.mapTimeout(err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return s.mapTimeout(err)
	}

	if err := tx.Commit(); err != nil {
		return s.mapTimeout(err)
	}

	return nil
}

func (s *LedgerService) mapTimeout(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrStorageTimeout, err)
	}
	return err
}

// CreatePurchase inserts a new PENDING purchase row. The caller assigns the
// ID; it doubles as the provider's external reference.
func (s *LedgerService) CreatePurchase(ctx context.Context, p *models.Purchase) error {
	p.Status = models.PurchasePending
	p.CreatedAt = time.Now()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO purchases
		(id, account_id, package, credit_amount, price, provider, provider_payment_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, p.ID, p.AccountID, p.Package, p.CreditAmount, p.Price, p.Provider, p.ProviderPaymentID, p.Status, p.CreatedAt)

	return err
}

// SetProviderPaymentID records the provider's payment identifier once the
// checkout has been created. Best effort: the intent row is already durable.
func (s *LedgerService) SetProviderPaymentID(ctx context.Context, purchaseID, providerPaymentID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE purchases SET provider_payment_id = $1 WHERE id = $2
	`, providerPaymentID, purchaseID)
	return err
}

func (s *LedgerService) GetPurchase(ctx context.Context, id string) (*models.Purchase, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, package, credit_amount, price, provider,
		       COALESCE(provider_payment_id, ''), status, created_at, settled_at
		FROM purchases WHERE id = $1
	`, id)
	return scanPurchase(row)
}

// FindPendingPurchaseByProviderPaymentID is the secondary correlation key,
// used when the provider echoes its own payment ID but no external
// reference.
func (s *LedgerService) FindPendingPurchaseByProviderPaymentID(ctx context.Context, provider, providerPaymentID string) (*models.Purchase, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, package, credit_amount, price, provider,
		       COALESCE(provider_payment_id, ''), status, created_at, settled_at
		FROM purchases
		WHERE provider = $1 AND provider_payment_id = $2
		ORDER BY created_at DESC
		LIMIT 1
	`, provider, providerPaymentID)
	return scanPurchase(row)
}

// FindSolePendingPurchaseByAccount returns the account's PENDING purchase if
// and only if there is exactly one. With several pending purchases the match
// is ambiguous and the event must be left for manual reconciliation rather
// than guessed at.
func (s *LedgerService) FindSolePendingPurchaseByAccount(ctx context.Context, accountID string) (*models.Purchase, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, package, credit_amount, price, provider,
		       COALESCE(provider_payment_id, ''), status, created_at, settled_at
		FROM purchases
		WHERE account_id = $1 AND status = $2
		ORDER BY created_at DESC
		LIMIT 2
	`, accountID, models.PurchasePending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pending []*models.Purchase
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		pending = append(pending, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	switch len(pending) {
	case 0:
		return nil, fmt.Errorf("%w: no pending purchase for account %s", ErrNotFound, accountID)
	case 1:
		return pending[0], nil
	default:
		return nil, fmt.Errorf("%w: account %s has multiple pending purchases", ErrNotFound, accountID)
	}
}

func (s *LedgerService) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, credit_balance, plan, version, created_at, updated_at
		FROM accounts WHERE id = $1
	`, id)
	return scanAccount(row)
}

func (s *LedgerService) GetAccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, credit_balance, plan, version, created_at, updated_at
		FROM accounts WHERE email = $1
	`, email)
	return scanAccount(row)
}

// LockAccountTx reads the account under FOR UPDATE so the balance write that
// follows cannot race another settlement in flight.
func (s *LedgerService) LockAccountTx(tx *sql.Tx, id string) (*models.Account, error) {
	row := tx.QueryRow(`
		SELECT id, email, credit_balance, plan, version, created_at, updated_at
		FROM accounts WHERE id = $1
		FOR UPDATE
	`, id)
	return scanAccount(row)
}

// UpdateAccountBalanceTx writes the new balance and plan with an optimistic
// version check on top of the row lock.
func (s *LedgerService) UpdateAccountBalanceTx(tx *sql.Tx, id string, balance models.Credits, plan string, version int) error {
	result, err := tx.Exec(`
		UPDATE accounts
		SET credit_balance = $1, plan = $2, version = version + 1, updated_at = $3
		WHERE id = $4 AND version = $5
	`, balance.Value(), plan, time.Now(), id, version)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: account %s version %d", ErrConflict, id, version)
	}

	return nil
}

// TransitionPurchaseTx is the compare-and-set out of PENDING. Zero rows
// affected means another delivery already settled the purchase; the caller
// must abort the whole transaction, balance write included.
func (s *LedgerService) TransitionPurchaseTx(tx *sql.Tx, id, fromStatus, toStatus string, settledAt time.Time) error {
	result, err := tx.Exec(`
		UPDATE purchases
		SET status = $1, settled_at = $2
		WHERE id = $3 AND status = $4
	`, toStatus, settledAt, id, fromStatus)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: purchase %s is not %s", ErrConflict, id, fromStatus)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPurchase(row rowScanner) (*models.Purchase, error) {
	p := &models.Purchase{}
	err := row.Scan(&p.ID, &p.AccountID, &p.Package, &p.CreditAmount, &p.Price,
		&p.Provider, &p.ProviderPaymentID, &p.Status, &p.CreatedAt, &p.SettledAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: purchase", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func scanAccount(row rowScanner) (*models.Account, error) {
	a := &models.Account{}
	var balance int64
	err := row.Scan(&a.ID, &a.Email, &balance, &a.Plan, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: account", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	a.Balance = models.CreditsFromStorage(balance)
	return a, nil
}
