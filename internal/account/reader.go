// Package account reads the chain facts a purchase depends on: token
// balance, allowance granted to the marketplace, and purchased courses.
//
// Reader always goes to the chain and is what write-gating decisions use.
// Watcher keeps a polled copy of the same facts for display only.
package account

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"YDCoursePurchase/internal/chain"
	"YDCoursePurchase/internal/models"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"
)

// Caller is the read side of the chain client.
type Caller interface {
	Read(ctx context.Context, ct chain.Contract, method string, args ...any) ([]any, error)
}

type Reader struct {
	Caller      Caller
	Token       chain.Contract
	Marketplace chain.Contract
}

func NewReader(c Caller, token, marketplace chain.Contract) *Reader {
	return &Reader{Caller: c, Token: token, Marketplace: marketplace}
}

func (r *Reader) Balance(ctx context.Context, owner common.Address) (*big.Int, error) {
	out, err := r.Caller.Read(ctx, r.Token, "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	return single[*big.Int](out, "balanceOf")
}

// Allowance is what owner has approved the marketplace to spend.
func (r *Reader) Allowance(ctx context.Context, owner common.Address) (*big.Int, error) {
	out, err := r.Caller.Read(ctx, r.Token, "allowance", owner, r.Marketplace.Address)
	if err != nil {
		return nil, err
	}
	return single[*big.Int](out, "allowance")
}

func (r *Reader) HasPurchased(ctx context.Context, courseID string, owner common.Address) (bool, error) {
	out, err := r.Caller.Read(ctx, r.Marketplace, "hasUserPurchasedCourse", courseID, owner)
	if err != nil {
		return false, err
	}
	return single[bool](out, "hasUserPurchasedCourse")
}

func (r *Reader) PurchasedCourses(ctx context.Context, owner common.Address) ([]string, error) {
	out, err := r.Caller.Read(ctx, r.Marketplace, "getUserPurchasedCourses", owner)
	if err != nil {
		return nil, err
	}
	return single[[]string](out, "getUserPurchasedCourses")
}

func (r *Reader) CourseIDs(ctx context.Context) ([]string, error) {
	out, err := r.Caller.Read(ctx, r.Marketplace, "getAllCourseIds")
	if err != nil {
		return nil, err
	}
	return single[[]string](out, "getAllCourseIds")
}

func (r *Reader) Course(ctx context.Context, courseID string) (models.Course, error) {
	out, err := r.Caller.Read(ctx, r.Marketplace, "getCourse", courseID)
	if err != nil {
		return models.Course{}, err
	}
	var raw struct {
		Title         string
		Description   string
		Price         *big.Int
		Creator       common.Address
		IsActive      bool
		CreatedAt     *big.Int
		PurchaseCount *big.Int
		Category      string
	}
	if err := r.Marketplace.ABI.Methods["getCourse"].Outputs.Copy(&raw, out); err != nil {
		return models.Course{}, fmt.Errorf("getCourse: %w", err)
	}
	c := models.Course{
		ID:          courseID,
		Title:       raw.Title,
		Description: raw.Description,
		Price:       raw.Price,
		Creator:     raw.Creator,
		IsActive:    raw.IsActive,
		Category:    raw.Category,
	}
	if raw.CreatedAt != nil && raw.CreatedAt.Sign() > 0 {
		c.CreatedAt = time.Unix(raw.CreatedAt.Int64(), 0).UTC()
	}
	if raw.PurchaseCount != nil {
		c.PurchaseCount = raw.PurchaseCount.Uint64()
	}
	return c, nil
}

func (r *Reader) Reserves(ctx context.Context) (models.Reserves, error) {
	out, err := r.Caller.Read(ctx, r.Marketplace, "getExchangeReserves")
	if err != nil {
		return models.Reserves{}, err
	}
	if len(out) != 2 {
		return models.Reserves{}, fmt.Errorf("getExchangeReserves: expected 2 values, got %d", len(out))
	}
	eth, ok1 := out[0].(*big.Int)
	tok, ok2 := out[1].(*big.Int)
	if !ok1 || !ok2 {
		return models.Reserves{}, fmt.Errorf("getExchangeReserves: unexpected types %T, %T", out[0], out[1])
	}
	return models.Reserves{ETH: eth, Token: tok}, nil
}

// Snapshot reads balance, allowance and the purchased set together. A single
// failed read fails the whole batch.
func (r *Reader) Snapshot(ctx context.Context, owner common.Address, chainID int64) (models.Snapshot, error) {
	snap := models.Snapshot{Account: owner, ChainID: chainID}
	var purchased []string

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		snap.Balance, err = r.Balance(gctx, owner)
		return err
	})
	g.Go(func() (err error) {
		snap.Allowance, err = r.Allowance(gctx, owner)
		return err
	})
	g.Go(func() (err error) {
		purchased, err = r.PurchasedCourses(gctx, owner)
		return err
	})
	if err := g.Wait(); err != nil {
		return models.Snapshot{}, err
	}
	snap.PurchasedCourseIDs = models.CourseSet(purchased)
	snap.ReadAt = time.Now().UTC()
	return snap, nil
}

func single[T any](out []any, method string) (T, error) {
	var zero T
	if len(out) != 1 {
		return zero, fmt.Errorf("%s: expected 1 value, got %d", method, len(out))
	}
	v, ok := out[0].(T)
	if !ok {
		return zero, fmt.Errorf("%s: unexpected type %T", method, out[0])
	}
	return v, nil
}
