package classify

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyKnownMarkers(t *testing.T) {
	cases := []struct {
		raw  string
		kind Kind
	}{
		{"MetaMask Tx Signature: User rejected the request.", UserRejected},
		{"signer: user rejected transaction", UserRejected},
		{"insufficient funds for gas * price + value", InsufficientGas},
		{"execution reverted: ERC20InsufficientBalance(0xabc, 1, 2)", InsufficientBalance},
		{"execution reverted: ERC20InsufficientAllowance(0xabc, 0, 2)", InsufficientAllowance},
		{"execution reverted: Already purchased", AlreadyPurchased},
		{"execution reverted: Course does not exist", CourseNotFound},
		{"execution reverted: Course is not active", CourseInactive},
		{"execution reverted: Cannot buy your own course", SelfPurchaseForbidden},
		{"Internal JSON-RPC error.", Unknown},
	}
	for _, tc := range cases {
		got := Classify(tc.raw)
		require.Equal(t, tc.kind, got.Kind, tc.raw)
		require.NotEmpty(t, got.Message)
	}
}

func TestClassifyFirstMatchWins(t *testing.T) {
	// A rejection wrapping a revert marker is still a rejection.
	got := Classify("User rejected: Already purchased")
	require.Equal(t, UserRejected, got.Kind)
}

func TestClassifyIsCaseSensitive(t *testing.T) {
	got := Classify("execution reverted: already purchased")
	require.Equal(t, Unknown, got.Kind)
	require.Equal(t, "execution reverted: already purchased", got.Message)
}

func TestClassifyFallbackTruncates(t *testing.T) {
	raw := strings.Repeat("x", 150)
	got := Classify(raw)
	require.Equal(t, Unknown, got.Kind)
	require.Equal(t, strings.Repeat("x", 100)+"...", got.Message)

	exact := strings.Repeat("y", 100)
	require.Equal(t, exact, Classify(exact).Message)
}

func TestClassifyDeterministic(t *testing.T) {
	raw := "dial tcp 127.0.0.1:8545: connect: connection refused"
	require.Equal(t, Classify(raw), Classify(raw))
}

func TestError(t *testing.T) {
	require.Equal(t, UserRejected, Error(errors.New("user rejected transaction")).Kind)
	require.Equal(t, Failure{Kind: Unknown}, Error(nil))
}

func TestRetryable(t *testing.T) {
	for _, k := range []Kind{AlreadyPurchased, CourseNotFound, CourseInactive, SelfPurchaseForbidden} {
		require.False(t, k.Retryable(), k)
	}
	for _, k := range []Kind{UserRejected, InsufficientAllowance, ApprovalNotEffective, InsufficientBalance, Unknown} {
		require.True(t, k.Retryable(), k)
	}
}
