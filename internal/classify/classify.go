// Package classify maps raw chain, signer and RPC failures onto the closed
// set of failure kinds shown to users.
package classify

import "strings"

type Kind string

const (
	PreconditionFailed    Kind = "PreconditionFailed"
	AlreadyPurchased      Kind = "AlreadyPurchased"
	InsufficientBalance   Kind = "InsufficientBalance"
	InsufficientAllowance Kind = "InsufficientAllowance"
	ApprovalFailed        Kind = "ApprovalFailed"
	ApprovalNotEffective  Kind = "ApprovalNotEffective"
	SimulationFailed      Kind = "SimulationFailed"
	PurchaseFailed        Kind = "PurchaseFailed"
	UserRejected          Kind = "UserRejected"
	InsufficientGas       Kind = "InsufficientGas"
	CourseNotFound        Kind = "CourseNotFound"
	CourseInactive        Kind = "CourseInactive"
	SelfPurchaseForbidden Kind = "SelfPurchaseForbidden"
	Unknown               Kind = "Unknown"
)

// Retryable reports whether re-invoking the purchase can succeed without an
// external change to the course or ownership state.
func (k Kind) Retryable() bool {
	switch k {
	case AlreadyPurchased, CourseNotFound, CourseInactive, SelfPurchaseForbidden:
		return false
	}
	return true
}

// MaxMessageLen caps the generic fallback message.
const MaxMessageLen = 100

type Failure struct {
	Kind    Kind
	Message string
}

type rule struct {
	match   func(string) bool
	kind    Kind
	message string
}

func contains(tokens ...string) func(string) bool {
	return func(s string) bool {
		for _, t := range tokens {
			if strings.Contains(s, t) {
				return true
			}
		}
		return false
	}
}

func containsAll(tokens ...string) func(string) bool {
	return func(s string) bool {
		for _, t := range tokens {
			if !strings.Contains(s, t) {
				return false
			}
		}
		return true
	}
}

// Order matters: first match wins.
var rules = []rule{
	{contains("user rejected", "User rejected", "user denied", "User denied"), UserRejected, "user cancelled the transaction"},
	{contains("insufficient funds"), InsufficientGas, "not enough ETH to pay for gas"},
	{contains("ERC20InsufficientBalance"), InsufficientBalance, "YD token balance too low"},
	{contains("ERC20InsufficientAllowance"), InsufficientAllowance, "YD token allowance too low, approve again"},
	{contains("Already purchased"), AlreadyPurchased, "course already purchased"},
	{contains("Course does not exist"), CourseNotFound, "course does not exist"},
	{contains("Course is not active"), CourseInactive, "course is not active"},
	{contains("Cannot buy your own course"), SelfPurchaseForbidden, "cannot buy your own course"},
	{containsAll("Function", "not found on ABI"), Unknown, "ABI mismatch, check the contract interface definition"},
	{containsAll("method", "not found"), Unknown, "ABI mismatch, check the contract interface definition"},
	{contains("Internal JSON-RPC error"), Unknown, "contract call failed, check the network connection and contract state"},
}

// Classify is pure: the same raw message always yields the same Failure.
func Classify(raw string) Failure {
	for _, r := range rules {
		if r.match(raw) {
			return Failure{Kind: r.kind, Message: r.message}
		}
	}
	return Failure{Kind: Unknown, Message: Truncate(raw, MaxMessageLen)}
}

// Error classifies err; a nil error classifies as Unknown with an empty message.
func Error(err error) Failure {
	if err == nil {
		return Failure{Kind: Unknown}
	}
	return Classify(err.Error())
}

// Truncate cuts s to max runes and appends "..." when it was longer.
func Truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
