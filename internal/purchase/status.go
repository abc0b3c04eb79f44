// Package purchase runs the course purchase workflow: authoritative checks,
// an optional token approval, a final re-validation with dry-run and the
// purchase transaction itself.
//
// The workflow state is an explicit Status advanced only by Transition, so
// the same events always produce the same sequence of steps.
package purchase

import (
	"time"

	"YDCoursePurchase/internal/classify"
)

type Step string

const (
	Idle            Step = "idle"
	Checking        Step = "checking"
	Approving       Step = "approving"
	WaitingApproval Step = "waiting_approval"
	Purchasing      Step = "purchasing"
	Success         Step = "success"
	Error           Step = "error"
)

func (s Step) Terminal() bool {
	return s == Success || s == Error
}

// Busy reports whether a chain interaction may be in flight.
func (s Step) Busy() bool {
	switch s {
	case Checking, Approving, WaitingApproval, Purchasing:
		return true
	}
	return false
}

// Status is the workflow state published to callers.
type Status struct {
	Step       Step          `json:"step"`
	IntentID   string        `json:"intentId,omitempty"`
	CourseID   string        `json:"courseId,omitempty"`
	Price      string        `json:"price,omitempty"`
	Kind       classify.Kind `json:"kind,omitempty"`
	Cause      classify.Kind `json:"cause,omitempty"`
	Message    string        `json:"message,omitempty"`
	Retryable  bool          `json:"retryable"`
	ApproveTx  string        `json:"approveTx,omitempty"`
	PurchaseTx string        `json:"purchaseTx,omitempty"`
	Loading    bool          `json:"loading"`
	UpdatedAt  time.Time     `json:"updatedAt"`
}

// Failure is what ends an intent in the error step. Kind is the user-facing
// taxonomy entry; Cause is what the raw failure classified as.
type Failure struct {
	Kind    classify.Kind
	Cause   classify.Kind
	Message string
}

func (f Failure) Retryable() bool {
	if !f.Kind.Retryable() {
		return false
	}
	return f.Cause == "" || f.Cause.Retryable()
}

func (f Failure) Error() string {
	return string(f.Kind) + ": " + f.Message
}

// failure classifies err and files it under kind. prefix, when set, is
// prepended to the classified message.
func failure(kind classify.Kind, prefix string, err error) *Failure {
	c := classify.Error(err)
	msg := c.Message
	if prefix != "" {
		msg = prefix + ": " + msg
	}
	return &Failure{Kind: kind, Cause: c.Kind, Message: msg}
}

// reverted is failure for a mined transaction whose receipt reports a revert.
func reverted(kind classify.Kind, prefix, reason string) *Failure {
	if reason == "" {
		reason = "transaction reverted"
	}
	c := classify.Classify(reason)
	return &Failure{Kind: kind, Cause: c.Kind, Message: prefix + ": " + c.Message}
}

// plain is a failure decided locally rather than classified from a remote error.
func plain(kind classify.Kind, msg string) *Failure {
	return &Failure{Kind: kind, Cause: kind, Message: msg}
}
