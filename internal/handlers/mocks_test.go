package handlers

import (
	"context"

	"github.com/burocratadebolso/backend/internal/models"
	"github.com/burocratadebolso/backend/internal/services"
	"github.com/stretchr/testify/mock"
)

type MockReconciler struct {
	mock.Mock
}

func (m *MockReconciler) Settle(ctx context.Context, event *models.PaymentEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockReconciler) QueueRetry(ctx context.Context, event *models.PaymentEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

type MockPaymentFetcher struct {
	mock.Mock
}

func (m *MockPaymentFetcher) GetPayment(ctx context.Context, paymentID string) (*services.PaymentDetails, error) {
	args := m.Called(ctx, paymentID)
	if details := args.Get(0); details != nil {
		return details.(*services.PaymentDetails), args.Error(1)
	}
	return nil, args.Error(1)
}
