package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/gavelhound/gavelhound/internal/predictor"
)

// MockPredictor is a mock implementation of the profit predictor
type MockPredictor struct {
	mock.Mock
}

// Predict mocks profit estimation for a listing
func (m *MockPredictor) Predict(ctx context.Context, signals predictor.ListingSignals) (float64, error) {
	args := m.Called(ctx, signals)
	return args.Get(0).(float64), args.Error(1)
}
