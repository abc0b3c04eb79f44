package services

import (
	"context"
	"math/big"

	"YDCoursePurchase/internal/chain"
	"YDCoursePurchase/internal/classify"
	"YDCoursePurchase/internal/pricing"
	"YDCoursePurchase/internal/units"

	"go.uber.org/zap"
)

type TxWriter interface {
	Write(ctx context.Context, ct chain.Contract, method string, value *big.Int, args ...any) (chain.TxHandle, error)
}

type Confirmer interface {
	WaitForConfirmation(ctx context.Context, h chain.TxHandle) (chain.Receipt, error)
}

// ExchangeService trades ETH and YD with the marketplace at its fixed rate.
type ExchangeService struct {
	Writer      TxWriter
	Tracker     Confirmer
	Pricing     pricing.Service
	Marketplace chain.Contract
	Log         *zap.Logger
}

type ExchangeResult struct {
	pricing.Quote
	Tx      string        `json:"tx,omitempty"`
	Success bool          `json:"success"`
	Kind    classify.Kind `json:"kind,omitempty"`
	Message string        `json:"message,omitempty"`
}

func (s ExchangeService) Quote(side pricing.Side, amount string) (pricing.Quote, error) {
	return s.Pricing.Quote(side, amount)
}

// Rate is the exchange rate and platform fee quotes are computed with.
func (s ExchangeService) Rate(ctx context.Context) (pricing.Snapshot, error) {
	return s.Pricing.CurrentSnapshot(ctx)
}

// Buy sends ethAmount (human ETH) to buyTokens. Chain failures are reported
// in the result; only invalid input is returned as an error.
func (s ExchangeService) Buy(ctx context.Context, ethAmount string) (ExchangeResult, error) {
	q, err := s.Pricing.Quote(pricing.Buy, ethAmount)
	if err != nil {
		return ExchangeResult{}, err
	}
	wei, _ := units.ParseToken(ethAmount)
	return s.submit(ctx, q, "buyTokens", wei)
}

func (s ExchangeService) Sell(ctx context.Context, tokenAmount string) (ExchangeResult, error) {
	q, err := s.Pricing.Quote(pricing.Sell, tokenAmount)
	if err != nil {
		return ExchangeResult{}, err
	}
	amount, _ := units.ParseToken(tokenAmount)
	return s.submit(ctx, q, "sellTokens", nil, amount)
}

func (s ExchangeService) submit(ctx context.Context, q pricing.Quote, method string, value *big.Int, args ...any) (ExchangeResult, error) {
	log := s.Log
	if log == nil {
		log = zap.NewNop()
	}
	res := ExchangeResult{Quote: q}

	tx, err := s.Writer.Write(ctx, s.Marketplace, method, value, args...)
	if err != nil {
		f := classify.Error(err)
		res.Kind, res.Message = f.Kind, f.Message
		log.Warn("exchange submit failed", zap.String("method", method), zap.Error(err))
		return res, nil
	}
	res.Tx = tx.Hash.Hex()

	r, err := s.Tracker.WaitForConfirmation(ctx, tx)
	if err != nil {
		f := classify.Error(err)
		res.Kind, res.Message = f.Kind, f.Message
		return res, nil
	}
	if !r.Success {
		f := classify.Classify(r.RevertReason)
		res.Kind, res.Message = f.Kind, f.Message
		return res, nil
	}
	res.Success = true
	log.Info("exchange confirmed", zap.String("method", method), zap.String("tx", res.Tx), zap.String("out", q.Out))
	return res, nil
}
