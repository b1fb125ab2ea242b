package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/burocratadebolso/backend/internal/models"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
)

func expectGetPurchase(mock sqlmock.Sqlmock, id string, rows *sqlmock.Rows) {
	mock.ExpectQuery("FROM purchases WHERE id = \\$1").
		WithArgs(id).
		WillReturnRows(rows)
}

func expectLockAccount(mock sqlmock.Sqlmock, id string, rows *sqlmock.Rows) {
	mock.ExpectQuery("FROM accounts WHERE id = \\$1 FOR UPDATE").
		WithArgs(id).
		WillReturnRows(rows)
}

func TestReconciliationService_Settle_Approval(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewReconciliationService(NewLedgerService(db), nil)

	t.Run("bronze approval credits the account", func(t *testing.T) {
		expectGetPurchase(mock, "p-1", purchaseRows().
			AddRow("p-1", "acct-1", "bronze", 30, 15.00, "abacatepay", "bill-1", models.PurchasePending, time.Now(), nil))

		mock.ExpectBegin()
		expectLockAccount(mock, "acct-1", accountRows().
			AddRow("acct-1", "user@example.com", 0, models.PlanFree, 1, time.Now(), time.Now()))
		mock.ExpectExec("UPDATE purchases SET status = \\$1, settled_at = \\$2 WHERE id = \\$3 AND status = \\$4").
			WithArgs(models.PurchaseApproved, sqlmock.AnyArg(), "p-1", models.PurchasePending).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE accounts SET credit_balance = \\$1, plan = \\$2, version = version \\+ 1, updated_at = \\$3 WHERE id = \\$4 AND version = \\$5").
			WithArgs(int64(30), models.PlanFree, sqlmock.AnyArg(), "acct-1", 1).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := service.Settle(context.Background(), &models.PaymentEvent{
			Provider:          models.ProviderAbacatePay,
			ProviderPaymentID: "bill-1",
			Status:            models.EventApproved,
			ExternalReference: "p-1",
		})
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("silver approval stacks on the existing balance", func(t *testing.T) {
		expectGetPurchase(mock, "p-2", purchaseRows().
			AddRow("p-2", "acct-1", "silver", 60, 25.00, "mercadopago", "mp-7", models.PurchasePending, time.Now(), nil))

		mock.ExpectBegin()
		expectLockAccount(mock, "acct-1", accountRows().
			AddRow("acct-1", "user@example.com", 12, models.PlanFree, 4, time.Now(), time.Now()))
		mock.ExpectExec("UPDATE purchases").
			WithArgs(models.PurchaseApproved, sqlmock.AnyArg(), "p-2", models.PurchasePending).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE accounts").
			WithArgs(int64(72), models.PlanFree, sqlmock.AnyArg(), "acct-1", 4).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := service.Settle(context.Background(), &models.PaymentEvent{
			Provider:          models.ProviderMercadoPago,
			ProviderPaymentID: "mp-7",
			Status:            models.EventApproved,
			ExternalReference: "p-2",
		})
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("pro approval upgrades the plan to unlimited", func(t *testing.T) {
		expectGetPurchase(mock, "p-3", purchaseRows().
			AddRow("p-3", "acct-1", "pro", models.UnlimitedSentinel, 50.00, "mercadopago", "mp-8", models.PurchasePending, time.Now(), nil))

		mock.ExpectBegin()
		expectLockAccount(mock, "acct-1", accountRows().
			AddRow("acct-1", "user@example.com", 12, models.PlanFree, 2, time.Now(), time.Now()))
		mock.ExpectExec("UPDATE purchases").
			WithArgs(models.PurchaseApproved, sqlmock.AnyArg(), "p-3", models.PurchasePending).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE accounts").
			WithArgs(int64(models.UnlimitedSentinel), models.PlanPro, sqlmock.AnyArg(), "acct-1", 2).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := service.Settle(context.Background(), &models.PaymentEvent{
			Provider:          models.ProviderMercadoPago,
			ProviderPaymentID: "mp-8",
			Status:            models.EventApproved,
			ExternalReference: "p-3",
		})
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestReconciliationService_Settle_Idempotency(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewReconciliationService(NewLedgerService(db), nil)

	t.Run("duplicate delivery for a settled purchase is a no-op", func(t *testing.T) {
		settled := time.Now()
		expectGetPurchase(mock, "p-1", purchaseRows().
			AddRow("p-1", "acct-1", "bronze", 30, 15.00, "abacatepay", "bill-1", models.PurchaseApproved, time.Now(), &settled))

		err := service.Settle(context.Background(), &models.PaymentEvent{
			Provider:          models.ProviderAbacatePay,
			Status:            models.EventApproved,
			ExternalReference: "p-1",
		})
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("lost compare-and-set rolls everything back", func(t *testing.T) {
		expectGetPurchase(mock, "p-1", purchaseRows().
			AddRow("p-1", "acct-1", "bronze", 30, 15.00, "abacatepay", "bill-1", models.PurchasePending, time.Now(), nil))

		mock.ExpectBegin()
		expectLockAccount(mock, "acct-1", accountRows().
			AddRow("acct-1", "user@example.com", 0, models.PlanFree, 1, time.Now(), time.Now()))
		mock.ExpectExec("UPDATE purchases").
			WithArgs(models.PurchaseApproved, sqlmock.AnyArg(), "p-1", models.PurchasePending).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		err := service.Settle(context.Background(), &models.PaymentEvent{
			Provider:          models.ProviderAbacatePay,
			Status:            models.EventApproved,
			ExternalReference: "p-1",
		})
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestReconciliationService_Settle_Failure(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewReconciliationService(NewLedgerService(db), nil)

	t.Run("failure event marks the purchase FAILED", func(t *testing.T) {
		expectGetPurchase(mock, "p-1", purchaseRows().
			AddRow("p-1", "acct-1", "bronze", 30, 15.00, "abacatepay", "bill-1", models.PurchasePending, time.Now(), nil))

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE purchases").
			WithArgs(models.PurchaseFailed, sqlmock.AnyArg(), "p-1", models.PurchasePending).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := service.Settle(context.Background(), &models.PaymentEvent{
			Provider:          models.ProviderAbacatePay,
			Status:            models.EventFailed,
			ExternalReference: "p-1",
		})
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("failure after settlement is ignored", func(t *testing.T) {
		expectGetPurchase(mock, "p-1", purchaseRows().
			AddRow("p-1", "acct-1", "bronze", 30, 15.00, "abacatepay", "bill-1", models.PurchasePending, time.Now(), nil))

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE purchases").
			WithArgs(models.PurchaseFailed, sqlmock.AnyArg(), "p-1", models.PurchasePending).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		err := service.Settle(context.Background(), &models.PaymentEvent{
			Provider:          models.ProviderAbacatePay,
			Status:            models.EventFailed,
			ExternalReference: "p-1",
		})
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestReconciliationService_Settle_Correlation(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewReconciliationService(NewLedgerService(db), nil)

	t.Run("unmatched event is acknowledged without effect", func(t *testing.T) {
		mock.ExpectQuery("FROM purchases WHERE id = \\$1").
			WithArgs("ghost").
			WillReturnRows(purchaseRows())

		err := service.Settle(context.Background(), &models.PaymentEvent{
			Provider:          models.ProviderAbacatePay,
			Status:            models.EventApproved,
			ExternalReference: "ghost",
		})
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("falls back to the provider payment id", func(t *testing.T) {
		mock.ExpectQuery("WHERE provider = \\$1 AND provider_payment_id = \\$2").
			WithArgs(models.ProviderMercadoPago, "mp-9").
			WillReturnRows(purchaseRows().
				AddRow("p-9", "acct-1", "bronze", 30, 15.00, "mercadopago", "mp-9", models.PurchasePending, time.Now(), nil))

		mock.ExpectBegin()
		expectLockAccount(mock, "acct-1", accountRows().
			AddRow("acct-1", "user@example.com", 0, models.PlanFree, 1, time.Now(), time.Now()))
		mock.ExpectExec("UPDATE purchases").
			WithArgs(models.PurchaseApproved, sqlmock.AnyArg(), "p-9", models.PurchasePending).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE accounts").
			WithArgs(int64(30), models.PlanFree, sqlmock.AnyArg(), "acct-1", 1).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := service.Settle(context.Background(), &models.PaymentEvent{
			Provider:          models.ProviderMercadoPago,
			ProviderPaymentID: "mp-9",
			Status:            models.EventApproved,
		})
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("payer email matches only a sole pending purchase", func(t *testing.T) {
		mock.ExpectQuery("FROM accounts WHERE email = \\$1").
			WithArgs("user@example.com").
			WillReturnRows(accountRows().
				AddRow("acct-1", "user@example.com", 0, models.PlanFree, 1, time.Now(), time.Now()))
		mock.ExpectQuery("FROM purchases WHERE account_id = \\$1 AND status = \\$2").
			WithArgs("acct-1", models.PurchasePending).
			WillReturnRows(purchaseRows().
				AddRow("p-1", "acct-1", "bronze", 30, 15.00, "abacatepay", "", models.PurchasePending, time.Now(), nil).
				AddRow("p-2", "acct-1", "silver", 60, 25.00, "abacatepay", "", models.PurchasePending, time.Now(), nil))

		// Ambiguous: two pending purchases, so nothing is settled.
		err := service.Settle(context.Background(), &models.PaymentEvent{
			Provider:   models.ProviderAbacatePay,
			Status:     models.EventApproved,
			PayerEmail: "user@example.com",
		})
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("event with no correlation keys is dropped", func(t *testing.T) {
		err := service.Settle(context.Background(), &models.PaymentEvent{
			Provider: models.ProviderAbacatePay,
			Status:   models.EventApproved,
		})
		assert.NoError(t, err)
	})
}

func TestReconciliationService_Settle_UnknownStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewReconciliationService(NewLedgerService(db), nil)

	expectGetPurchase(mock, "p-1", purchaseRows().
		AddRow("p-1", "acct-1", "bronze", 30, 15.00, "abacatepay", "bill-1", models.PurchasePending, time.Now(), nil))

	err = service.Settle(context.Background(), &models.PaymentEvent{
		Provider:          models.ProviderAbacatePay,
		Status:            models.EventUnknown,
		ExternalReference: "p-1",
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReconciliationService_QueueRetry(t *testing.T) {
	t.Run("pushes the event onto the retry list", func(t *testing.T) {
		redisClient, redisMock := redismock.NewClientMock()
		service := NewReconciliationService(nil, redisClient)

		event := &models.PaymentEvent{
			Provider:          models.ProviderAbacatePay,
			ProviderPaymentID: "bill-1",
			Status:            models.EventApproved,
			ExternalReference: "p-1",
		}
		data, err := json.Marshal(event)
		assert.NoError(t, err)

		redisMock.ExpectRPush(RetryQueueKey, data).SetVal(1)

		err = service.QueueRetry(context.Background(), event)
		assert.NoError(t, err)
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})

	t.Run("missing redis drops the retry without error", func(t *testing.T) {
		service := NewReconciliationService(nil, nil)

		err := service.QueueRetry(context.Background(), &models.PaymentEvent{
			Provider: models.ProviderAbacatePay,
		})
		assert.NoError(t, err)
	})
}
