package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"YDCoursePurchase/internal/metrics"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
)

// Client performs contract reads, simulations and signed writes for one
// network. Writes are serialized so nonces are handed out in order.
type Client struct {
	rpc     *MultiRPCClient
	chainID *big.Int
	signer  Signer
	writeMu sync.Mutex
	log     *zap.Logger
}

// Dial connects to the endpoints and checks that they serve expectedChainID.
func Dial(ctx context.Context, endpoints []string, failThreshold int, expectedChainID int64, signer Signer, log *zap.Logger) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}
	multi, err := NewMultiRPCClient(ctx, endpoints, failThreshold, log)
	if err != nil {
		return nil, err
	}
	id, err := withFailover(ctx, multi, func(ec *ethclient.Client) (*big.Int, error) {
		return ec.ChainID(ctx)
	})
	if err != nil {
		multi.Close()
		return nil, fmt.Errorf("chain id: %w", err)
	}
	if id.Int64() != expectedChainID {
		multi.Close()
		return nil, fmt.Errorf("%w: got %s, want %d", ErrChainIDMismatch, id, expectedChainID)
	}
	return &Client{rpc: multi, chainID: id, signer: signer, log: log}, nil
}

func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// Account is the signing account, or the zero address when read-only.
func (c *Client) Account() common.Address {
	if c.signer == nil {
		return common.Address{}
	}
	return c.signer.Address()
}

func (c *Client) Close() {
	c.rpc.Close()
}

func (c *Client) Read(ctx context.Context, ct Contract, method string, args ...any) ([]any, error) {
	data, err := ct.ABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s.%s: %w", ct.Name, method, err)
	}
	to := ct.Address
	out, err := withFailover(ctx, c.rpc, func(ec *ethclient.Client) ([]byte, error) {
		return ec.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	})
	if err != nil {
		return nil, decodeRevert(err, ct.ABI)
	}
	values, err := ct.ABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s.%s: %w", ct.Name, method, err)
	}
	return values, nil
}

// Simulate dry-runs a write as from and reports whether it would revert.
func (c *Client) Simulate(ctx context.Context, ct Contract, method string, from common.Address, args ...any) error {
	data, err := ct.ABI.Pack(method, args...)
	if err != nil {
		return fmt.Errorf("pack %s.%s: %w", ct.Name, method, err)
	}
	to := ct.Address
	_, err = withFailover(ctx, c.rpc, func(ec *ethclient.Client) ([]byte, error) {
		return ec.CallContract(ctx, ethereum.CallMsg{From: from, To: &to, Data: data}, nil)
	})
	if err != nil {
		return decodeRevert(err, ct.ABI)
	}
	return nil
}

// Write signs and submits a transaction calling method on ct. value is the
// ETH attached to payable calls and may be nil.
func (c *Client) Write(ctx context.Context, ct Contract, method string, value *big.Int, args ...any) (TxHandle, error) {
	if c.signer == nil {
		return TxHandle{}, ErrNoSigner
	}
	data, err := ct.ABI.Pack(method, args...)
	if err != nil {
		return TxHandle{}, fmt.Errorf("pack %s.%s: %w", ct.Name, method, err)
	}
	if value == nil {
		value = new(big.Int)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	from := c.signer.Address()
	to := ct.Address
	msg := ethereum.CallMsg{From: from, To: &to, Value: value, Data: data}

	gas, err := withFailover(ctx, c.rpc, func(ec *ethclient.Client) (uint64, error) {
		return ec.EstimateGas(ctx, msg)
	})
	if err != nil {
		return TxHandle{}, decodeRevert(err, ct.ABI)
	}
	nonce, err := withFailover(ctx, c.rpc, func(ec *ethclient.Client) (uint64, error) {
		return ec.PendingNonceAt(ctx, from)
	})
	if err != nil {
		return TxHandle{}, fmt.Errorf("nonce: %w", err)
	}
	gasPrice, err := withFailover(ctx, c.rpc, func(ec *ethclient.Client) (*big.Int, error) {
		return ec.SuggestGasPrice(ctx)
	})
	if err != nil {
		return TxHandle{}, fmt.Errorf("gas price: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      gas + gas/5,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := c.signer.SignTx(ctx, tx, c.chainID)
	if err != nil {
		return TxHandle{}, err
	}
	_, err = withFailover(ctx, c.rpc, func(ec *ethclient.Client) (struct{}, error) {
		return struct{}{}, ec.SendTransaction(ctx, signed)
	})
	if err != nil && !strings.Contains(err.Error(), "already known") {
		return TxHandle{}, err
	}

	metrics.TxSubmitted.WithLabelValues(method).Inc()
	c.log.Info("transaction submitted",
		zap.String("contract", ct.Name),
		zap.String("method", method),
		zap.String("tx", signed.Hash().Hex()),
		zap.Uint64("nonce", nonce),
	)
	return TxHandle{
		Hash:        signed.Hash(),
		Contract:    ct.Name,
		Method:      method,
		From:        from,
		Nonce:       nonce,
		Value:       value,
		SubmittedAt: time.Now().UTC(),
	}, nil
}

func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return withFailover(ctx, c.rpc, func(ec *ethclient.Client) (*types.Receipt, error) {
		return ec.TransactionReceipt(ctx, hash)
	})
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return withFailover(ctx, c.rpc, func(ec *ethclient.Client) (uint64, error) {
		return ec.BlockNumber(ctx)
	})
}

// RevertReason replays a mined transaction at its block to recover the
// revert message the receipt does not carry.
func (c *Client) RevertReason(ctx context.Context, hash common.Hash, block *big.Int) (string, error) {
	tx, err := withFailover(ctx, c.rpc, func(ec *ethclient.Client) (*types.Transaction, error) {
		tx, _, err := ec.TransactionByHash(ctx, hash)
		return tx, err
	})
	if err != nil {
		return "", err
	}
	from, err := types.Sender(types.LatestSignerForChainID(c.chainID), tx)
	if err != nil {
		return "", err
	}
	msg := ethereum.CallMsg{From: from, To: tx.To(), Value: tx.Value(), Data: tx.Data(), Gas: tx.Gas()}
	_, err = withFailover(ctx, c.rpc, func(ec *ethclient.Client) ([]byte, error) {
		return ec.CallContract(ctx, msg, block)
	})
	if err == nil {
		return "", nil
	}
	err = decodeRevert(err, TokenABI, MarketplaceABI)
	var rev *RevertError
	if errors.As(err, &rev) {
		return rev.Reason, nil
	}
	return err.Error(), nil
}

// decodeRevert turns revert data attached to a JSON-RPC error into a
// RevertError, using the custom errors declared in abis when the data is
// not a plain Error(string).
func decodeRevert(err error, abis ...*abi.ABI) error {
	var de rpc.DataError
	if !errors.As(err, &de) {
		return err
	}
	s, ok := de.ErrorData().(string)
	if !ok {
		return err
	}
	data, derr := hexutil.Decode(s)
	if derr != nil || len(data) < 4 {
		return err
	}
	if reason, uerr := abi.UnpackRevert(data); uerr == nil {
		return &RevertError{Reason: reason, Err: err}
	}
	var id [4]byte
	copy(id[:], data[:4])
	for _, a := range abis {
		if a == nil {
			continue
		}
		if e, lerr := a.ErrorByID(id); lerr == nil {
			return &RevertError{Reason: e.Name, Err: err}
		}
	}
	return err
}
