package account

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"YDCoursePurchase/internal/chain"
	"YDCoursePurchase/internal/metrics"
	"YDCoursePurchase/internal/models"
	"YDCoursePurchase/internal/units"

	"github.com/allegro/bigcache/v3"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

var (
	ErrNoScope      = errors.New("watcher has no account scope")
	ErrScopeChanged = errors.New("account scope changed during read")
)

// Scope is the (account, chain, contracts) combination cached values belong
// to. Changing any part of it invalidates everything read for the old one.
type Scope struct {
	Account     common.Address
	ChainID     int64
	Token       common.Address
	Marketplace common.Address
}

func (s Scope) Valid() bool {
	return s.Account != (common.Address{}) && s.ChainID != 0 &&
		s.Token != (common.Address{}) && s.Marketplace != (common.Address{})
}

func (s Scope) key(query string) string {
	return fmt.Sprintf("%d/%s/%s/%s/%s", s.ChainID, s.Token.Hex(), s.Marketplace.Hex(), s.Account.Hex(), query)
}

func (s Scope) reader(c Caller) *Reader {
	return NewReader(c, chain.Token(s.Token), chain.Marketplace(s.Marketplace))
}

type Intervals struct {
	Balance   time.Duration `yaml:"balance"`
	Allowance time.Duration `yaml:"allowance"`
	Purchased time.Duration `yaml:"purchased"`
	Reserves  time.Duration `yaml:"reserves"`
}

func DefaultIntervals() Intervals {
	return Intervals{
		Balance:   10 * time.Second,
		Allowance: 10 * time.Second,
		Purchased: 30 * time.Second,
		Reserves:  30 * time.Second,
	}
}

type refresher interface {
	refetch(ctx context.Context) error
	poll() time.Duration
	label() string
	invalidate(s Scope)
	state() (time.Time, error)
}

// Watcher keeps display copies of the account facts, refreshed by polling
// and by explicit refetches. Nothing that gates a transaction reads from it.
type Watcher struct {
	caller Caller
	cache  *bigcache.BigCache
	log    *zap.Logger

	mu    sync.RWMutex
	scope Scope

	Balance   *Query[*big.Int]
	Allowance *Query[*big.Int]
	Purchased *Query[[]string]
	Reserves  *Query[models.Reserves]

	queries []refresher
}

// NewWatcher builds a watcher whose cached entries expire after window even
// without a scope change.
func NewWatcher(ctx context.Context, c Caller, intervals Intervals, window time.Duration, log *zap.Logger) (*Watcher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if window <= 0 {
		window = 10 * time.Minute
	}
	cfg := bigcache.DefaultConfig(window)
	cfg.Shards = 16
	cfg.MaxEntriesInWindow = 1024
	cfg.MaxEntrySize = 512
	cfg.CleanWindow = window
	cfg.Verbose = false
	cache, err := bigcache.New(ctx, cfg)
	if err != nil {
		return nil, err
	}

	w := &Watcher{caller: c, cache: cache, log: log}
	w.Balance = newQuery(w, "balance", intervals.Balance, func(ctx context.Context, s Scope) (*big.Int, error) {
		return s.reader(w.caller).Balance(ctx, s.Account)
	})
	w.Allowance = newQuery(w, "allowance", intervals.Allowance, func(ctx context.Context, s Scope) (*big.Int, error) {
		return s.reader(w.caller).Allowance(ctx, s.Account)
	})
	w.Purchased = newQuery(w, "purchased", intervals.Purchased, func(ctx context.Context, s Scope) ([]string, error) {
		return s.reader(w.caller).PurchasedCourses(ctx, s.Account)
	})
	w.Reserves = newQuery(w, "reserves", intervals.Reserves, func(ctx context.Context, s Scope) (models.Reserves, error) {
		return s.reader(w.caller).Reserves(ctx)
	})
	w.queries = []refresher{w.Balance, w.Allowance, w.Purchased, w.Reserves}
	return w, nil
}

func (w *Watcher) Close() error {
	return w.cache.Close()
}

func (w *Watcher) Scope() Scope {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.scope
}

// SetScope switches the watched combination and drops every value cached
// for the previous one.
func (w *Watcher) SetScope(s Scope) {
	w.mu.Lock()
	old := w.scope
	if old == s {
		w.mu.Unlock()
		return
	}
	w.scope = s
	w.mu.Unlock()

	for _, q := range w.queries {
		q.invalidate(old)
	}
	w.log.Info("watcher scope changed",
		zap.String("account", s.Account.Hex()),
		zap.Int64("chain", s.ChainID),
	)
}

// Run polls every query on its own interval until ctx is done. Failed polls
// are logged and retried on the next tick.
func (w *Watcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, q := range w.queries {
		if q.poll() <= 0 {
			continue
		}
		wg.Add(1)
		go func(q refresher) {
			defer wg.Done()
			ticker := time.NewTicker(q.poll())
			defer ticker.Stop()
			for {
				w.pollOnce(ctx, q)
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
			}
		}(q)
	}
	wg.Wait()
}

func (w *Watcher) pollOnce(ctx context.Context, q refresher) {
	err := q.refetch(ctx)
	if err == nil || errors.Is(err, ErrNoScope) || errors.Is(err, ErrScopeChanged) || ctx.Err() != nil {
		return
	}
	metrics.WatcherPollErrors.WithLabelValues(q.label()).Inc()
	w.log.Warn("account poll failed", zap.String("query", q.label()), zap.Error(err))
}

// RefetchAll forces a fresh read of every query. Failures only affect
// display freshness and are logged.
func (w *Watcher) RefetchAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, q := range w.queries {
		wg.Add(1)
		go func(q refresher) {
			defer wg.Done()
			w.pollOnce(ctx, q)
		}(q)
	}
	wg.Wait()
}

// HasPurchased answers from the display cache.
func (w *Watcher) HasPurchased(courseID string) bool {
	ids, ok := w.Purchased.Value()
	if !ok {
		return false
	}
	for _, id := range ids {
		if id == courseID {
			return true
		}
	}
	return false
}

// HasEnoughBalance answers from the display cache; an unparsable price or
// an unknown balance yields false.
func (w *Watcher) HasEnoughBalance(price string) bool {
	bal, ok := w.Balance.Value()
	if !ok {
		return false
	}
	p, err := units.ParseToken(price)
	if err != nil {
		return false
	}
	return bal.Cmp(p) >= 0
}

type Display struct {
	Account          string          `json:"account"`
	ChainID          int64           `json:"chainId"`
	Balance          string          `json:"balance"`
	BalanceLoading   bool            `json:"balanceLoading"`
	Allowance        string          `json:"allowance"`
	AllowanceLoading bool            `json:"allowanceLoading"`
	Purchased        []string        `json:"purchasedCourseIds"`
	PurchasedLoading bool            `json:"purchasedLoading"`
	Reserves         *DisplayReserve `json:"reserves,omitempty"`
	// UpdatedAt and Errors are keyed by query name: balance, allowance,
	// purchased, reserves.
	UpdatedAt map[string]time.Time `json:"updatedAt,omitempty"`
	Errors    map[string]string    `json:"errors,omitempty"`
}

type DisplayReserve struct {
	ETH   string `json:"eth"`
	Token string `json:"token"`
}

// Display renders the cached values as human amounts.
func (w *Watcher) Display() Display {
	s := w.Scope()
	d := Display{
		Account:          s.Account.Hex(),
		ChainID:          s.ChainID,
		Balance:          "0",
		Allowance:        "0",
		Purchased:        []string{},
		BalanceLoading:   w.Balance.Loading(),
		AllowanceLoading: w.Allowance.Loading(),
		PurchasedLoading: w.Purchased.Loading(),
	}
	if v, ok := w.Balance.Value(); ok {
		d.Balance = units.FormatToken(v)
	}
	if v, ok := w.Allowance.Value(); ok {
		d.Allowance = units.FormatToken(v)
	}
	if v, ok := w.Purchased.Value(); ok && v != nil {
		d.Purchased = v
	}
	if v, ok := w.Reserves.Value(); ok {
		d.Reserves = &DisplayReserve{ETH: units.FormatToken(v.ETH), Token: units.FormatToken(v.Token)}
	}
	for _, q := range w.queries {
		at, err := q.state()
		if !at.IsZero() {
			if d.UpdatedAt == nil {
				d.UpdatedAt = map[string]time.Time{}
			}
			d.UpdatedAt[q.label()] = at
		}
		if err != nil {
			if d.Errors == nil {
				d.Errors = map[string]string{}
			}
			d.Errors[q.label()] = err.Error()
		}
	}
	return d
}

// Query is one independently refreshable cached read.
type Query[T any] struct {
	name     string
	interval time.Duration
	fetch    func(ctx context.Context, s Scope) (T, error)
	w        *Watcher

	mu        sync.Mutex
	inflight  int
	lastErr   error
	updatedAt time.Time
}

func newQuery[T any](w *Watcher, name string, interval time.Duration, fetch func(context.Context, Scope) (T, error)) *Query[T] {
	return &Query[T]{name: name, interval: interval, fetch: fetch, w: w}
}

// Value returns the cached value for the current scope.
func (q *Query[T]) Value() (T, bool) {
	var v T
	s := q.w.Scope()
	if !s.Valid() {
		return v, false
	}
	b, err := q.w.cache.Get(s.key(q.name))
	if err != nil {
		return v, false
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return v, false
	}
	return v, true
}

func (q *Query[T]) Loading() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inflight > 0
}

func (q *Query[T]) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastErr
}

func (q *Query[T]) UpdatedAt() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.updatedAt
}

// Refetch reads through to the chain regardless of the poll interval and
// caches the result for the scope it was read under.
func (q *Query[T]) Refetch(ctx context.Context) (T, error) {
	var zero T
	s := q.w.Scope()
	if !s.Valid() {
		return zero, ErrNoScope
	}

	q.mu.Lock()
	q.inflight++
	q.mu.Unlock()

	v, err := q.fetch(ctx, s)

	q.mu.Lock()
	defer q.mu.Unlock()
	q.inflight--
	if q.w.Scope() != s {
		return zero, ErrScopeChanged
	}
	q.lastErr = err
	if err != nil {
		return zero, err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return zero, err
	}
	if err := q.w.cache.Set(s.key(q.name), b); err != nil {
		return zero, err
	}
	q.updatedAt = time.Now().UTC()
	return v, nil
}

func (q *Query[T]) refetch(ctx context.Context) error {
	_, err := q.Refetch(ctx)
	return err
}

func (q *Query[T]) poll() time.Duration { return q.interval }

func (q *Query[T]) label() string { return q.name }

func (q *Query[T]) state() (time.Time, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.updatedAt, q.lastErr
}

// invalidate runs after the scope swap. Holding q.mu orders the delete
// after any Refetch that checked the old scope and is still writing it.
func (q *Query[T]) invalidate(old Scope) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if old.Valid() {
		if err := q.w.cache.Delete(old.key(q.name)); err != nil && !errors.Is(err, bigcache.ErrEntryNotFound) {
			q.w.log.Warn("cache delete failed", zap.String("query", q.name), zap.Error(err))
		}
	}
	q.lastErr = nil
	q.updatedAt = time.Time{}
}
