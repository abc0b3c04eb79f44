// Package chain is the client side of the YD token and course marketplace
// contracts: read calls, signed writes, dry-run simulation and receipt
// tracking over one or more JSON-RPC endpoints.
package chain

import (
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrNoSigner        = errors.New("no signer configured")
	ErrNoEndpoints     = errors.New("rpc endpoints is empty")
	ErrChainIDMismatch = errors.New("rpc endpoint reports a different chain id")
)

// Contract binds a deployed address to the ABI used to talk to it.
type Contract struct {
	Name    string
	Address common.Address
	ABI     *abi.ABI
}

func (c Contract) Resolved() bool {
	return c.ABI != nil && c.Address != (common.Address{})
}

// TxHandle refers to one submitted transaction. It is never reused.
type TxHandle struct {
	Hash        common.Hash
	Contract    string
	Method      string
	From        common.Address
	Nonce       uint64
	Value       *big.Int
	SubmittedAt time.Time
}

type Receipt struct {
	TxHash       common.Hash
	Success      bool
	BlockNumber  uint64
	GasUsed      uint64
	RevertReason string
}

// RevertError carries the decoded reason of a reverted call or gas estimate.
type RevertError struct {
	Reason string
	Err    error
}

func (e *RevertError) Error() string {
	return "execution reverted: " + e.Reason
}

func (e *RevertError) Unwrap() error {
	return e.Err
}
