// Package payment implements the simulated charge operation guarded by the
// idempotency layer.
package payment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Request is a charge request
type Request struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency" validate:"required"`
}

// Receipt is the result of a successful charge
type Receipt struct {
	ID        string          `json:"id"`
	Message   string          `json:"message"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

// Processor charges a payment
type Processor interface {
	Process(ctx context.Context, req Request) (*Receipt, error)
}

// Service simulates a payment provider that takes a fixed delay per charge
type Service struct {
	delay time.Duration
	clock clock.Clock
}

// NewService returns a service that takes delay per charge, timed by clk.
// A nil clk uses the wall clock.
func NewService(delay time.Duration, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.New()
	}
	return &Service{delay: delay, clock: clk}
}

// Process charges req after the configured delay
func (s *Service) Process(ctx context.Context, req Request) (*Receipt, error) {
	if s.delay > 0 {
		timer := s.clock.Timer(s.delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, fmt.Errorf("payment processing interrupted: %w", ctx.Err())
		}
	}

	return &Receipt{
		ID:        "pay_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		Message:   fmt.Sprintf("Charged %s %s", req.Amount.String(), req.Currency),
		Amount:    req.Amount,
		Currency:  req.Currency,
		Status:    "completed",
		CreatedAt: s.clock.Now().UTC(),
	}, nil
}
