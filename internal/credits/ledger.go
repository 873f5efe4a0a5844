package credits

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MimeLyc/slide-translator/pkg/log"
)

// ErrAccountNotFound is returned by stores for unknown users.
var ErrAccountNotFound = errors.New("credit account not found")

// ErrInvalidAmount is returned for non-positive debit or refund amounts.
var ErrInvalidAmount = errors.New("credit amount must be positive")

// InsufficientCreditsError is the user-displayable refusal of a debit.
type InsufficientCreditsError struct {
	UserID    string
	Required  int64
	Available int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, available %d", e.Required, e.Available)
}

// IsInsufficientCredits reports whether err is (or wraps) an InsufficientCreditsError.
func IsInsufficientCredits(err error) bool {
	var target *InsufficientCreditsError
	return errors.As(err, &target)
}

// Store persists balances. AtomicDecrement must apply the debit only when the
// balance covers it, as one conditional update; it returns ok=false with the
// current balance otherwise.
type Store interface {
	FindBalance(ctx context.Context, userID string) (int64, error)
	AtomicDecrement(ctx context.Context, userID string, amount int64) (remaining int64, ok bool, err error)
	Increment(ctx context.Context, userID string, amount int64) (int64, error)
	SetBalance(ctx context.Context, userID string, balance int64) error
}

type Check struct {
	IsEnough  bool  `json:"isEnough"`
	Available int64 `json:"available"`
}

// Ledger enforces non-negative balances on top of a Store.
type Ledger struct {
	store Store
}

func NewLedger(store Store) *Ledger {
	return &Ledger{store: store}
}

// CheckSufficientCredits is informational only; ConsumeCredits is the
// authoritative gate under concurrency.
func (l *Ledger) CheckSufficientCredits(ctx context.Context, userID string, required int64) (Check, error) {
	if err := validateUser(userID); err != nil {
		return Check{}, err
	}
	available, err := l.store.FindBalance(ctx, userID)
	if err != nil {
		return Check{}, fmt.Errorf("find balance for %s: %w", userID, err)
	}
	return Check{IsEnough: available >= required, Available: available}, nil
}

// ConsumeCredits debits amount and returns the remaining balance.
func (l *Ledger) ConsumeCredits(ctx context.Context, userID string, amount int64) (int64, error) {
	if err := validateUser(userID); err != nil {
		return 0, err
	}
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	remaining, ok, err := l.store.AtomicDecrement(ctx, userID, amount)
	if err != nil {
		return 0, fmt.Errorf("consume %d credits for %s: %w", amount, userID, err)
	}
	if !ok {
		log.Info("Refused debit of %d credits for user %s (available %d)", amount, userID, remaining)
		return remaining, &InsufficientCreditsError{UserID: userID, Required: amount, Available: remaining}
	}
	log.Debug("Consumed %d credits for user %s, %d remaining", amount, userID, remaining)
	return remaining, nil
}

// RefundCredits returns previously consumed credits.
func (l *Ledger) RefundCredits(ctx context.Context, userID string, amount int64) (int64, error) {
	if err := validateUser(userID); err != nil {
		return 0, err
	}
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	balance, err := l.store.Increment(ctx, userID, amount)
	if err != nil {
		return 0, fmt.Errorf("refund %d credits for %s: %w", amount, userID, err)
	}
	return balance, nil
}

func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	if err := validateUser(userID); err != nil {
		return 0, err
	}
	return l.store.FindBalance(ctx, userID)
}

// SetBalance is an administrative override.
func (l *Ledger) SetBalance(ctx context.Context, userID string, balance int64) error {
	if err := validateUser(userID); err != nil {
		return err
	}
	if balance < 0 {
		return fmt.Errorf("balance must not be negative, got %d", balance)
	}
	return l.store.SetBalance(ctx, userID, balance)
}

// CalculateRequiredCredits is the billing policy: one credit per unit.
func CalculateRequiredCredits(unitCount int) int64 {
	if unitCount <= 0 {
		return 0
	}
	return int64(unitCount)
}

func validateUser(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("user id is required")
	}
	return nil
}
