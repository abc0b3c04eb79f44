package chain

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

type ReceiptSource interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

type revertReasoner interface {
	RevertReason(ctx context.Context, hash common.Hash, block *big.Int) (string, error)
}

// Tracker waits for submitted transactions to be mined.
type Tracker struct {
	Source   ReceiptSource
	Interval time.Duration
	Timeout  time.Duration
	Heads    *HeadSubscriber
	Log      *zap.Logger
}

func NewTracker(src ReceiptSource, interval, timeout time.Duration, heads *HeadSubscriber, log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{Source: src, Interval: interval, Timeout: timeout, Heads: heads, Log: log}
}

// WaitForConfirmation blocks until the receipt for h is available, ctx is
// done or the tracker timeout passes. A reverted transaction is reported as
// Receipt.Success == false, not as an error.
func (t *Tracker) WaitForConfirmation(ctx context.Context, h TxHandle) (Receipt, error) {
	interval := t.Interval
	if interval <= 0 {
		interval = time.Second
	}
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}
	log := t.Log.With(zap.String("tx", h.Hash.Hex()), zap.String("method", h.Method))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		var wake <-chan struct{}
		if t.Heads != nil {
			wake = t.Heads.Next()
		}

		r, err := t.Source.TransactionReceipt(ctx, h.Hash)
		switch {
		case err == nil && r != nil:
			return t.receipt(ctx, h, r), nil
		case err == nil, errors.Is(err, ethereum.NotFound):
		case ctx.Err() != nil:
			return Receipt{}, ctx.Err()
		default:
			log.Warn("receipt lookup failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return Receipt{}, ctx.Err()
		case <-ticker.C:
		case <-wake:
		}
	}
}

func (t *Tracker) receipt(ctx context.Context, h TxHandle, r *types.Receipt) Receipt {
	out := Receipt{
		TxHash:  h.Hash,
		Success: r.Status == types.ReceiptStatusSuccessful,
		GasUsed: r.GasUsed,
	}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	if out.Success {
		return out
	}
	if rr, ok := t.Source.(revertReasoner); ok {
		reason, err := rr.RevertReason(ctx, h.Hash, r.BlockNumber)
		if err != nil {
			t.Log.Warn("revert reason lookup failed", zap.String("tx", h.Hash.Hex()), zap.Error(err))
		}
		out.RevertReason = reason
	}
	return out
}
