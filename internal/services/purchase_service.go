package services

import (
	"context"
	"errors"

	"YDCoursePurchase/internal/account"
	"YDCoursePurchase/internal/models"
	"YDCoursePurchase/internal/purchase"
)

var (
	ErrMissingPrice    = errors.New("missing price")
	ErrHistoryDisabled = errors.New("purchase history requires a database")
	ErrNoAccount       = errors.New("no signing account configured")
)

type Workflow interface {
	Purchase(sess purchase.Session, courseID, price string) purchase.Status
	Status() purchase.Status
	Subscribe() (<-chan purchase.Status, func())
}

type AccountView interface {
	Display() account.Display
	RefetchAll(ctx context.Context)
	HasPurchased(courseID string) bool
	HasEnoughBalance(price string) bool
}

type History interface {
	ListAttempts(ctx context.Context, account string, chainID int64, limit int) ([]models.Attempt, error)
}

// PurchaseService binds the workflow to the configured wallet session.
type PurchaseService struct {
	Workflow Workflow
	Session  purchase.Session
	Account  AccountView
	History  History
}

func (s *PurchaseService) Start(courseID, price string) (purchase.Status, error) {
	if courseID == "" {
		return purchase.Status{}, ErrMissingCourseID
	}
	if price == "" {
		return purchase.Status{}, ErrMissingPrice
	}
	return s.Workflow.Purchase(s.Session, courseID, price), nil
}

func (s *PurchaseService) Status() purchase.Status {
	return s.Workflow.Status()
}

func (s *PurchaseService) Subscribe() (<-chan purchase.Status, func()) {
	return s.Workflow.Subscribe()
}

func (s *PurchaseService) Attempts(ctx context.Context, limit int) ([]models.Attempt, error) {
	if s.History == nil {
		return nil, ErrHistoryDisabled
	}
	return s.History.ListAttempts(ctx, s.Session.Account.Hex(), s.Session.ChainID, limit)
}

type AccountSummary struct {
	account.Display
	Course           string `json:"course,omitempty"`
	HasPurchased     *bool  `json:"hasPurchased,omitempty"`
	HasEnoughBalance *bool  `json:"hasEnoughBalance,omitempty"`
}

// Summary is the display view of the account. When courseID and price are
// given it also answers the purchase-button questions from the cache.
func (s *PurchaseService) Summary(courseID, price string) AccountSummary {
	sum := AccountSummary{Display: s.Account.Display(), Course: courseID}
	if courseID != "" {
		owned := s.Account.HasPurchased(courseID)
		sum.HasPurchased = &owned
	}
	if price != "" {
		enough := s.Account.HasEnoughBalance(price)
		sum.HasEnoughBalance = &enough
	}
	return sum
}

func (s *PurchaseService) Refetch(ctx context.Context) account.Display {
	s.Account.RefetchAll(ctx)
	return s.Account.Display()
}
