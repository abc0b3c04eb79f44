// Package pricing holds the marketplace's fixed exchange and fee arithmetic.
// All amounts are base units with 18 decimals for both ETH and YD.
package pricing

import (
	"context"
	"errors"
	"math/big"

	"YDCoursePurchase/internal/units"

	"github.com/shopspring/decimal"
)

const (
	DefaultTokensPerETH = 4000
	DefaultFeeBps       = 500
	bpsDenominator      = 10000
)

var (
	ErrUnknownSide = errors.New("side must be buy or sell")
	ErrZeroAmount  = errors.New("amount must be greater than zero")
)

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

type Service struct {
	TokensPerETH int64
	FeeBps       int64
}

func New(tokensPerETH, feeBps int64) Service {
	if tokensPerETH <= 0 {
		tokensPerETH = DefaultTokensPerETH
	}
	if feeBps < 0 || feeBps > bpsDenominator {
		feeBps = DefaultFeeBps
	}
	return Service{TokensPerETH: tokensPerETH, FeeBps: feeBps}
}

type Snapshot struct {
	TokensPerETH int64  `json:"tokens_per_eth"`
	FeeBps       int64  `json:"fee_bps"`
	Source       string `json:"source"`
}

func (s Service) CurrentSnapshot(ctx context.Context) (Snapshot, error) {
	return Snapshot{
		TokensPerETH: s.TokensPerETH,
		FeeBps:       s.FeeBps,
		Source:       "fixed",
	}, nil
}

// TokensForETH is the YD paid out by buyTokens for wei.
func (s Service) TokensForETH(wei *big.Int) *big.Int {
	return new(big.Int).Mul(wei, big.NewInt(s.TokensPerETH))
}

// ETHForTokens is the wei paid out by sellTokens for tokens, rounded down.
func (s Service) ETHForTokens(tokens *big.Int) *big.Int {
	return new(big.Int).Quo(tokens, big.NewInt(s.TokensPerETH))
}

// Split divides a course price into the platform fee and the creator's share.
func (s Service) Split(price *big.Int) (fee, creator *big.Int) {
	fee = new(big.Int).Mul(price, big.NewInt(s.FeeBps))
	fee.Quo(fee, big.NewInt(bpsDenominator))
	creator = new(big.Int).Sub(price, fee)
	return fee, creator
}

type Quote struct {
	Side   Side   `json:"side"`
	In     string `json:"in"`
	Out    string `json:"out"`
	InWei  string `json:"in_wei"`
	OutWei string `json:"out_wei"`
}

// Quote prices an exchange of amount (human units of the input asset).
func (s Service) Quote(side Side, amount string) (Quote, error) {
	in, err := units.ParseToken(amount)
	if err != nil {
		return Quote{}, err
	}
	if in.Sign() == 0 {
		return Quote{}, ErrZeroAmount
	}
	var out *big.Int
	switch side {
	case Buy:
		out = s.TokensForETH(in)
	case Sell:
		out = s.ETHForTokens(in)
	default:
		return Quote{}, ErrUnknownSide
	}
	return Quote{
		Side:   side,
		In:     units.FormatToken(in),
		Out:    units.FormatToken(out),
		InWei:  in.String(),
		OutWei: out.String(),
	}, nil
}

type FeeBreakdown struct {
	Price   string `json:"price"`
	Fee     string `json:"fee"`
	Creator string `json:"creator"`
	FeePct  string `json:"fee_pct"`
}

func (s Service) Breakdown(price *big.Int) FeeBreakdown {
	fee, creator := s.Split(price)
	return FeeBreakdown{
		Price:   units.FormatToken(price),
		Fee:     units.FormatToken(fee),
		Creator: units.FormatToken(creator),
		FeePct:  decimal.New(s.FeeBps, -2).String(),
	}
}
