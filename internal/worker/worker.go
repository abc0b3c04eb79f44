// Package worker keeps the display copy of an account fresh and persists it.
package worker

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"YDCoursePurchase/internal/account"
	"YDCoursePurchase/internal/models"
	"YDCoursePurchase/internal/store"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

var zeroAccount = common.Address{}.Hex()

type Poller interface {
	Run(ctx context.Context)
	RefetchAll(ctx context.Context)
	Display() account.Display
}

// Heads wakes the worker on new blocks.
type Heads interface {
	Run(ctx context.Context)
	Next() <-chan struct{}
	Latest() uint64
}

type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap models.AccountSnapshot) error
	GetSnapshot(ctx context.Context, account string, chainID int64) (*models.AccountSnapshot, error)
}

type Worker struct {
	Poller   Poller
	Store    SnapshotStore
	Heads    Heads
	Interval time.Duration
	// MinRefetch spaces out head-driven refetches on fast chains.
	MinRefetch time.Duration
	Log        *zap.Logger

	// last is what the store holds for the current account. Only SyncOnce
	// touches it.
	last *models.AccountSnapshot
}

func (w *Worker) Run(ctx context.Context) {
	if w.Log == nil {
		w.Log = zap.NewNop()
	}
	interval := w.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.Poller.Run(ctx)
	}()
	if w.Heads != nil {
		wg.Add(2)
		go func() {
			defer wg.Done()
			w.Heads.Run(ctx)
		}()
		go func() {
			defer wg.Done()
			w.followHeads(ctx)
		}()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := w.SyncOnce(ctx); err != nil && ctx.Err() == nil {
			w.Log.Warn("snapshot sync failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-ticker.C:
		}
	}
}

// SyncOnce persists the current display view when it differs from the
// stored one. It writes nothing without a scope or while a balance read is
// in flight.
func (w *Worker) SyncOnce(ctx context.Context) error {
	if w.Log == nil {
		w.Log = zap.NewNop()
	}
	d := w.Poller.Display()
	if d.BalanceLoading || d.ChainID == 0 || d.Account == zeroAccount {
		return nil
	}
	snap := models.AccountSnapshot{
		Account:   d.Account,
		ChainID:   d.ChainID,
		Balance:   d.Balance,
		Allowance: d.Allowance,
		Purchased: d.Purchased,
		UpdatedAt: time.Now().UTC(),
	}
	if w.Heads != nil {
		snap.Block = w.Heads.Latest()
	}

	if w.Store == nil {
		w.Log.Debug("account snapshot",
			zap.String("account", snap.Account),
			zap.String("balance", snap.Balance),
			zap.String("allowance", snap.Allowance),
			zap.Int("purchased", len(snap.Purchased)),
			zap.Uint64("block", snap.Block),
		)
		return nil
	}

	if w.last == nil || w.last.Account != snap.Account || w.last.ChainID != snap.ChainID {
		prev, err := w.Store.GetSnapshot(ctx, snap.Account, snap.ChainID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			w.last = nil
		case err != nil:
			return err
		default:
			w.last = prev
			w.Log.Info("resuming from stored snapshot",
				zap.String("account", prev.Account),
				zap.Uint64("block", prev.Block),
				zap.Time("updated_at", prev.UpdatedAt),
			)
		}
	}
	if w.last != nil && sameState(*w.last, snap) {
		return nil
	}
	if err := w.Store.SaveSnapshot(ctx, snap); err != nil {
		return err
	}
	w.last = &snap
	return nil
}

func sameState(a, b models.AccountSnapshot) bool {
	return a.Account == b.Account && a.ChainID == b.ChainID &&
		a.Balance == b.Balance && a.Allowance == b.Allowance &&
		slices.Equal(a.Purchased, b.Purchased)
}

func (w *Worker) followHeads(ctx context.Context) {
	var last time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.Heads.Next():
		}
		if time.Since(last) < w.MinRefetch {
			continue
		}
		last = time.Now()
		w.Log.Debug("refetching on new head", zap.Uint64("block", w.Heads.Latest()))
		w.Poller.RefetchAll(ctx)
	}
}
