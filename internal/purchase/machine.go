package purchase

import (
	"errors"
	"fmt"

	"YDCoursePurchase/internal/classify"
)

var ErrInvalidTransition = errors.New("invalid purchase transition")

// Event is an input to Transition.
type Event interface {
	name() string
}

type Started struct {
	IntentID string
	CourseID string
	Price    string
}

type ChecksPassed struct {
	NeedsApproval bool
}

type ApprovalSubmitted struct {
	Tx string
}

type ApprovalConfirmed struct{}

type AllowanceSettled struct{}

type PurchaseSubmitted struct {
	Tx string
}

type PurchaseConfirmed struct{}

type Failed struct {
	Failure Failure
}

type TimerFired struct{}

func (Started) name() string           { return "started" }
func (ChecksPassed) name() string      { return "checks_passed" }
func (ApprovalSubmitted) name() string { return "approval_submitted" }
func (ApprovalConfirmed) name() string { return "approval_confirmed" }
func (AllowanceSettled) name() string  { return "allowance_settled" }
func (PurchaseSubmitted) name() string { return "purchase_submitted" }
func (PurchaseConfirmed) name() string { return "purchase_confirmed" }
func (Failed) name() string            { return "failed" }
func (TimerFired) name() string        { return "timer_fired" }

// Transition computes the status that follows s on ev. It has no side
// effects; the caller stamps UpdatedAt.
func Transition(s Status, ev Event) (Status, error) {
	next := s
	switch e := ev.(type) {
	case Started:
		if s.Step != Idle {
			break
		}
		next = Status{Step: Checking, IntentID: e.IntentID, CourseID: e.CourseID, Price: e.Price}
		return settle(next), nil

	case ChecksPassed:
		if s.Step != Checking {
			break
		}
		next.Step = Purchasing
		if e.NeedsApproval {
			next.Step = Approving
		}
		return settle(next), nil

	case ApprovalSubmitted:
		if s.Step != Approving || s.ApproveTx != "" {
			break
		}
		next.ApproveTx = e.Tx
		return settle(next), nil

	case ApprovalConfirmed:
		if s.Step != Approving || s.ApproveTx == "" {
			break
		}
		next.Step = WaitingApproval
		return settle(next), nil

	case AllowanceSettled:
		if s.Step != WaitingApproval {
			break
		}
		next.Step = Purchasing
		return settle(next), nil

	case PurchaseSubmitted:
		if s.Step != Purchasing || s.PurchaseTx != "" {
			break
		}
		next.PurchaseTx = e.Tx
		return settle(next), nil

	case PurchaseConfirmed:
		if s.Step != Purchasing || s.PurchaseTx == "" {
			break
		}
		next.Step = Success
		return settle(next), nil

	case Failed:
		if s.Step.Terminal() {
			break
		}
		// Idle only fails through a precondition check; no chain call was made.
		if s.Step == Idle && e.Failure.Kind != classify.PreconditionFailed {
			break
		}
		next.Step = Error
		next.Kind = e.Failure.Kind
		next.Cause = e.Failure.Cause
		next.Message = e.Failure.Message
		next.Retryable = e.Failure.Retryable()
		return settle(next), nil

	case TimerFired:
		if !s.Step.Terminal() {
			break
		}
		return Status{Step: Idle}, nil
	}
	return s, fmt.Errorf("%w: %s in %s", ErrInvalidTransition, ev.name(), s.Step)
}

func settle(s Status) Status {
	s.Loading = s.Step.Busy()
	return s
}
