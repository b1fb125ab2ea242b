package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/burocratadebolso/backend/internal/audit"
	"github.com/burocratadebolso/backend/internal/models"
	"github.com/go-redis/redis/v8"
)

// RetryQueueKey is the Redis list holding payment events whose settlement
// hit a storage timeout. The webhook is acknowledged first; the worker
// replays from here.
const RetryQueueKey = "reconcile_retry_queue"

// ReconciliationService applies a payment event's effect exactly once.
// Providers deliver at least once — duplicated, concurrent, out of order —
// and the compare-and-set on the purchase row is what collapses all of that
// into a single settlement.
type ReconciliationService struct {
	ledger *LedgerService
	redis  *redis.Client
	audit  *audit.Logger
}

func NewReconciliationService(ledger *LedgerService, redisClient *redis.Client) *ReconciliationService {
	return &ReconciliationService{
		ledger: ledger,
		redis:  redisClient,
		audit:  audit.NewLogger(),
	}
}

// Settle runs the reconciliation state machine for one event. A nil return
// means the event was fully handled, including the no-op outcomes (already
// settled, no matching purchase, unrecognized status).
func (s *ReconciliationService) Settle(ctx context.Context, event *models.PaymentEvent) error {
	purchase, err := s.resolvePurchase(ctx, event)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Fail closed: never guess at a purchase. Manual
			// reconciliation picks these up from the audit trail.
			log.Printf("[RECONCILE] No matching purchase for %s payment %s (ref=%q): %v",
				event.Provider, event.ProviderPaymentID, event.ExternalReference, err)
			return nil
		}
		return err
	}

	if purchase.IsTerminal() {
		// Duplicate delivery; the idempotency guard.
		log.Printf("[RECONCILE] Purchase %s already %s, ignoring %s notification",
			purchase.ID, purchase.Status, event.Provider)
		return nil
	}

	switch event.Status {
	case models.EventApproved:
		return s.applyApproval(ctx, purchase, event)
	case models.EventFailed:
		return s.markFailed(ctx, purchase, event)
	default:
		log.Printf("[RECONCILE] Unrecognized status for purchase %s from %s, leaving for manual review",
			purchase.ID, event.Provider)
		return nil
	}
}

// resolvePurchase correlates an event with its purchase: external reference
// first, then the provider's payment ID, then the payer email — and the
// email path only matches when the account has exactly one pending purchase.
func (s *ReconciliationService) resolvePurchase(ctx context.Context, event *models.PaymentEvent) (*models.Purchase, error) {
	if event.ExternalReference != "" {
		return s.ledger.GetPurchase(ctx, event.ExternalReference)
	}

	if event.ProviderPaymentID != "" {
		purchase, err := s.ledger.FindPendingPurchaseByProviderPaymentID(ctx, event.Provider, event.ProviderPaymentID)
		if err == nil {
			return purchase, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	if event.PayerEmail != "" {
		account, err := s.ledger.GetAccountByEmail(ctx, event.PayerEmail)
		if err != nil {
			return nil, err
		}
		return s.ledger.FindSolePendingPurchaseByAccount(ctx, account.ID)
	}

	return nil, ErrNotFound
}

func (s *ReconciliationService) applyApproval(ctx context.Context, purchase *models.Purchase, event *models.PaymentEvent) error {
	effect, err := CreditPolicy(purchase.Package)
	if err != nil {
		// Cannot happen for rows created through the intent service.
		s.audit.LogError(purchase.ID, purchase.AccountID, err)
		return err
	}
	// The stored snapshot wins over the current policy table, so pending
	// purchases settle at the price of credits they were sold at.
	effect.CreditAmount = purchase.CreditAmount

	err = s.ledger.WithinTx(ctx, func(tx *sql.Tx) error {
		account, err := s.ledger.LockAccountTx(tx, purchase.AccountID)
		if err != nil {
			return err
		}

		if err := s.ledger.TransitionPurchaseTx(tx, purchase.ID, models.PurchasePending, models.PurchaseApproved, time.Now()); err != nil {
			return err
		}

		newBalance, newPlan := effect.Apply(account.Balance, account.Plan)
		return s.ledger.UpdateAccountBalanceTx(tx, account.ID, newBalance, newPlan, account.Version)
	})

	if errors.Is(err, ErrConflict) {
		// A concurrent delivery won the compare-and-set; the whole
		// transaction rolled back, balance write included.
		log.Printf("[RECONCILE] Lost settlement race for purchase %s, no-op", purchase.ID)
		return nil
	}
	if err != nil {
		s.audit.LogError(purchase.ID, purchase.AccountID, err)
		return err
	}

	s.audit.LogSettlement(purchase.ID, purchase.AccountID, event.Provider, models.PurchaseApproved, effect.CreditAmount)
	log.Printf("[RECONCILE] Purchase %s approved, %s credits applied to account %s",
		purchase.ID, purchase.Package, purchase.AccountID)
	return nil
}

func (s *ReconciliationService) markFailed(ctx context.Context, purchase *models.Purchase, event *models.PaymentEvent) error {
	err := s.ledger.WithinTx(ctx, func(tx *sql.Tx) error {
		return s.ledger.TransitionPurchaseTx(tx, purchase.ID, models.PurchasePending, models.PurchaseFailed, time.Now())
	})

	if errors.Is(err, ErrConflict) {
		log.Printf("[RECONCILE] Purchase %s already settled, failure notification ignored", purchase.ID)
		return nil
	}
	if err != nil {
		s.audit.LogError(purchase.ID, purchase.AccountID, err)
		return err
	}

	s.audit.LogSettlement(purchase.ID, purchase.AccountID, event.Provider, models.PurchaseFailed, 0)
	log.Printf("[RECONCILE] Purchase %s marked FAILED", purchase.ID)
	return nil
}

// QueueRetry pushes an event onto the internal retry list after a storage
// timeout. The webhook has already been acknowledged by then.
func (s *ReconciliationService) QueueRetry(ctx context.Context, event *models.PaymentEvent) error {
	if s.redis == nil {
		log.Printf("[RETRY] Redis unavailable, dropping retry for %s payment %s",
			event.Provider, event.ProviderPaymentID)
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	return s.redis.RPush(ctx, RetryQueueKey, data).Err()
}

// RunRetryWorker replays queued events until ctx is cancelled. Settlement is
// idempotent, so replaying an event that actually committed is harmless.
func (s *ReconciliationService) RunRetryWorker(ctx context.Context) {
	if s.redis == nil {
		log.Println("[RETRY] Redis unavailable, retry worker not started")
		return
	}

	log.Println("[RETRY] Reconciliation retry worker started")
	for {
		result, err := s.redis.BLPop(ctx, 5*time.Second, RetryQueueKey).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				log.Println("[RETRY] Reconciliation retry worker stopped")
				return
			}
			log.Printf("[RETRY] Queue read failed: %v", err)
			time.Sleep(time.Second)
			continue
		}

		// BLPop returns [key, value].
		if len(result) != 2 {
			continue
		}

		var event models.PaymentEvent
		if err := json.Unmarshal([]byte(result[1]), &event); err != nil {
			log.Printf("[RETRY] Dropping undecodable retry entry: %v", err)
			continue
		}

		if err := s.Settle(ctx, &event); err != nil {
			if errors.Is(err, ErrStorageTimeout) {
				log.Printf("[RETRY] Storage still timing out for %s payment %s, re-queueing",
					event.Provider, event.ProviderPaymentID)
				if qErr := s.QueueRetry(ctx, &event); qErr != nil {
					log.Printf("[RETRY] Re-queue failed: %v", qErr)
				}
				time.Sleep(time.Second)
				continue
			}
			log.Printf("[RETRY] Settlement failed permanently for %s payment %s: %v",
				event.Provider, event.ProviderPaymentID, err)
		}
	}
}
