package purchase

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"YDCoursePurchase/internal/account"
	"YDCoursePurchase/internal/chain"
	"YDCoursePurchase/internal/classify"
	"YDCoursePurchase/internal/metrics"
	"YDCoursePurchase/internal/models"
	"YDCoursePurchase/internal/units"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Chain is the part of the chain client the workflow needs.
type Chain interface {
	Read(ctx context.Context, ct chain.Contract, method string, args ...any) ([]any, error)
	Simulate(ctx context.Context, ct chain.Contract, method string, from common.Address, args ...any) error
	Write(ctx context.Context, ct chain.Contract, method string, value *big.Int, args ...any) (chain.TxHandle, error)
}

type Tracker interface {
	WaitForConfirmation(ctx context.Context, h chain.TxHandle) (chain.Receipt, error)
}

// Refresher updates display caches after a confirmed purchase.
type Refresher interface {
	RefetchAll(ctx context.Context)
}

// Recorder persists finished intents.
type Recorder interface {
	RecordAttempt(ctx context.Context, a models.Attempt) error
}

// Session is the wallet and network context a purchase runs in.
type Session struct {
	Account     common.Address
	ChainID     int64
	Token       chain.Contract
	Marketplace chain.Contract
}

type Policy struct {
	ApprovalMultiplier int64         `yaml:"approval_multiplier"`
	SettleDelay        time.Duration `yaml:"settle_delay"`
	AllowancePoll      time.Duration `yaml:"allowance_poll"`
	AllowanceTimeout   time.Duration `yaml:"allowance_timeout"`
	GraceDelay         time.Duration `yaml:"grace_delay"`
	RefreshDelay       time.Duration `yaml:"refresh_delay"`
	SuccessDisplay     time.Duration `yaml:"success_display"`
	ErrorDisplay       time.Duration `yaml:"error_display"`
	MinPrice           string        `yaml:"min_price"`
	MaxPrice           string        `yaml:"max_price"`
}

func DefaultPolicy() Policy {
	return Policy{
		ApprovalMultiplier: 10,
		SettleDelay:        3 * time.Second,
		AllowancePoll:      time.Second,
		AllowanceTimeout:   15 * time.Second,
		GraceDelay:         time.Second,
		RefreshDelay:       2 * time.Second,
		SuccessDisplay:     5 * time.Second,
		ErrorDisplay:       8 * time.Second,
		MinPrice:           "1",
		MaxPrice:           "10000",
	}
}

type Options struct {
	Chain     Chain
	Tracker   Tracker
	Refresher Refresher
	Recorder  Recorder
	Policy    Policy
	Log       *zap.Logger
}

// Orchestrator owns the workflow status for one account. At most one intent
// is active; starting another supersedes it.
type Orchestrator struct {
	chain     Chain
	tracker   Tracker
	refresher Refresher
	recorder  Recorder
	policy    Policy
	minPrice  *big.Int
	maxPrice  *big.Int
	log       *zap.Logger

	ctx    context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	closed bool

	mu      sync.Mutex
	status  Status
	cancel  context.CancelFunc
	timer   *time.Timer
	subs    map[int]chan Status
	nextSub int
}

// stale ends drive when the intent lost the active slot.
var stale = &Failure{Kind: classify.Unknown, Message: "intent superseded"}

type intent struct {
	id        string
	sess      Session
	courseID  string
	price     *big.Int
	approve   *big.Int
	reader    *account.Reader
	startedAt time.Time
	log       *zap.Logger
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Chain == nil || opts.Tracker == nil {
		return nil, fmt.Errorf("purchase: chain and tracker are required")
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	p := opts.Policy
	if p.ApprovalMultiplier < 1 {
		p.ApprovalMultiplier = 1
	}
	lo, err := bound(p.MinPrice)
	if err != nil {
		return nil, fmt.Errorf("purchase: min price: %w", err)
	}
	hi, err := bound(p.MaxPrice)
	if err != nil {
		return nil, fmt.Errorf("purchase: max price: %w", err)
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		chain:     opts.Chain,
		tracker:   opts.Tracker,
		refresher: opts.Refresher,
		recorder:  opts.Recorder,
		policy:    p,
		minPrice:  lo,
		maxPrice:  hi,
		log:       opts.Log,
		ctx:       ctx,
		stop:      stop,
		status:    Status{Step: Idle},
		subs:      make(map[int]chan Status),
	}, nil
}

func bound(s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	return units.ParseToken(s)
}

// Status returns the current workflow status.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// Subscribe delivers every status change. A slow subscriber loses the
// oldest buffered updates, never the latest.
func (o *Orchestrator) Subscribe() (<-chan Status, func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextSub
	o.nextSub++
	ch := make(chan Status, 64)
	o.subs[id] = ch
	return ch, func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		if c, ok := o.subs[id]; ok {
			delete(o.subs, id)
			close(c)
		}
	}
}

// Close cancels the active intent and waits for background work to stop.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	if o.timer != nil {
		o.timer.Stop()
	}
	o.mu.Unlock()

	o.stop()
	o.wg.Wait()

	o.mu.Lock()
	for id, c := range o.subs {
		delete(o.subs, id)
		close(c)
	}
	o.mu.Unlock()
}

// Purchase starts a new intent for courseID at price (a human YD amount) and
// returns the status it entered. Any intent still running is superseded.
func (o *Orchestrator) Purchase(sess Session, courseID, price string) Status {
	id := uuid.NewString()
	log := o.log.With(
		zap.String("intent", id),
		zap.String("course", courseID),
		zap.String("account", sess.Account.Hex()),
	)

	o.mu.Lock()
	if o.closed {
		st := o.status
		o.mu.Unlock()
		return st
	}
	if o.cancel != nil {
		o.cancel()
		log.Info("superseding active intent", zap.String("previous", o.status.IntentID))
	}
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
	ctx, cancel := context.WithCancel(o.ctx)
	o.cancel = cancel
	o.status = Status{Step: Idle, IntentID: id, CourseID: courseID, Price: price}
	o.wg.Add(1)
	o.mu.Unlock()

	in := &intent{id: id, sess: sess, courseID: courseID, startedAt: time.Now().UTC(), log: log}

	if f := o.precondition(in, price); f != nil {
		defer o.wg.Done()
		cancel()
		st, _ := o.apply(in, Failed{Failure: *f})
		o.finish(in, st)
		return st
	}

	st, _ := o.apply(in, Started{IntentID: id, CourseID: courseID, Price: price})
	go o.run(ctx, cancel, in)
	return st
}

func (o *Orchestrator) precondition(in *intent, price string) *Failure {
	s := in.sess
	if s.Account == (common.Address{}) {
		return plain(classify.PreconditionFailed, "no active account")
	}
	if !s.Token.Resolved() || !s.Marketplace.Resolved() {
		return plain(classify.PreconditionFailed, fmt.Sprintf("contracts are not configured for chain %d", s.ChainID))
	}
	if in.courseID == "" {
		return plain(classify.PreconditionFailed, "course id is required")
	}
	p, err := units.ParseToken(price)
	if err != nil || p.Sign() == 0 {
		return plain(classify.PreconditionFailed, fmt.Sprintf("invalid price %q", price))
	}
	if (o.minPrice != nil && p.Cmp(o.minPrice) < 0) || (o.maxPrice != nil && p.Cmp(o.maxPrice) > 0) {
		return plain(classify.PreconditionFailed, fmt.Sprintf("price must be between %s and %s YD", o.policy.MinPrice, o.policy.MaxPrice))
	}
	in.price = p
	in.approve = new(big.Int).Mul(p, big.NewInt(o.policy.ApprovalMultiplier))
	in.reader = account.NewReader(o.chain, s.Token, s.Marketplace)
	return nil
}

// apply advances the status if ev belongs to the active intent. Events of a
// superseded intent are dropped.
func (o *Orchestrator) apply(in *intent, ev Event) (Status, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.status.IntentID != in.id {
		in.log.Debug("dropping event of superseded intent", zap.String("event", ev.name()))
		return o.status, false
	}
	next, err := Transition(o.status, ev)
	if err != nil {
		in.log.Warn("rejected transition", zap.Error(err))
		return o.status, false
	}
	next.UpdatedAt = time.Now().UTC()
	prev := o.status.Step
	o.status = next

	if next.Step != prev {
		metrics.PurchaseTransitions.WithLabelValues(string(next.Step)).Inc()
	}
	switch next.Step {
	case Success:
		metrics.PurchaseOutcomes.WithLabelValues("success").Inc()
		o.resetAfter(in.id, o.policy.SuccessDisplay)
	case Error:
		metrics.PurchaseOutcomes.WithLabelValues(string(next.Kind)).Inc()
		o.resetAfter(in.id, o.policy.ErrorDisplay)
	}
	in.log.Info("purchase status",
		zap.String("step", string(next.Step)),
		zap.String("event", ev.name()),
		zap.String("kind", string(next.Kind)),
	)
	o.publish(next)
	return next, true
}

func (o *Orchestrator) publish(s Status) {
	for _, c := range o.subs {
		select {
		case c <- s:
			continue
		default:
		}
		select {
		case <-c:
		default:
		}
		select {
		case c <- s:
		default:
		}
	}
}

// resetAfter schedules the return to idle. Called with o.mu held.
func (o *Orchestrator) resetAfter(id string, d time.Duration) {
	if o.timer != nil {
		o.timer.Stop()
	}
	o.timer = time.AfterFunc(d, func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		if o.closed || o.status.IntentID != id {
			return
		}
		next, err := Transition(o.status, TimerFired{})
		if err != nil {
			return
		}
		next.UpdatedAt = time.Now().UTC()
		o.status = next
		o.timer = nil
		if o.cancel != nil {
			o.cancel()
			o.cancel = nil
		}
		metrics.PurchaseTransitions.WithLabelValues(string(Idle)).Inc()
		o.publish(next)
	})
}

// run drives one intent. Its context is released as soon as the intent
// stops, whether or not a newer intent has replaced it.
func (o *Orchestrator) run(ctx context.Context, cancel context.CancelFunc, in *intent) {
	defer o.wg.Done()
	defer cancel()

	f := o.drive(ctx, in)
	if f == stale || ctx.Err() != nil {
		in.log.Info("intent stopped", zap.Error(ctx.Err()))
		return
	}
	var (
		st Status
		ok bool
	)
	if f != nil {
		st, ok = o.apply(in, Failed{Failure: *f})
	} else {
		st, ok = o.apply(in, PurchaseConfirmed{})
	}
	if ok {
		o.finish(in, st)
	}
}

// drive runs the workflow up to the final confirmation. A nil result means
// the purchase transaction was mined successfully.
func (o *Orchestrator) drive(ctx context.Context, in *intent) *Failure {
	needsApproval, f := o.check(ctx, in)
	if f != nil {
		return f
	}
	if _, ok := o.apply(in, ChecksPassed{NeedsApproval: needsApproval}); !ok {
		return stale
	}
	if needsApproval {
		if f := o.approve(ctx, in); f != nil {
			return f
		}
	}
	return o.purchase(ctx, in)
}

func (o *Orchestrator) check(ctx context.Context, in *intent) (bool, *Failure) {
	var (
		balance, allowance *big.Int
		owned              bool
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		balance, err = in.reader.Balance(gctx, in.sess.Account)
		return err
	})
	g.Go(func() (err error) {
		allowance, err = in.reader.Allowance(gctx, in.sess.Account)
		return err
	})
	g.Go(func() (err error) {
		owned, err = in.reader.HasPurchased(gctx, in.courseID, in.sess.Account)
		return err
	})
	if err := g.Wait(); err != nil {
		c := classify.Error(err)
		return false, &Failure{Kind: c.Kind, Cause: c.Kind, Message: "account check failed: " + c.Message}
	}

	switch {
	case owned:
		return false, plain(classify.AlreadyPurchased, "course already purchased")
	case balance.Cmp(in.price) < 0:
		return false, insufficientBalance(balance, in.price)
	}
	return allowance.Cmp(in.price) < 0, nil
}

func insufficientBalance(have, need *big.Int) *Failure {
	return plain(classify.InsufficientBalance,
		fmt.Sprintf("insufficient YD balance: have %s, need %s", units.FormatToken(have), units.FormatToken(need)))
}

func (o *Orchestrator) approve(ctx context.Context, in *intent) *Failure {
	tx, err := o.chain.Write(ctx, in.sess.Token, "approve", nil, in.sess.Marketplace.Address, in.approve)
	if err != nil {
		return failure(classify.ApprovalFailed, "approval failed", err)
	}
	if _, ok := o.apply(in, ApprovalSubmitted{Tx: tx.Hash.Hex()}); !ok {
		return stale
	}

	r, err := o.tracker.WaitForConfirmation(ctx, tx)
	if err != nil {
		return failure(classify.ApprovalFailed, "approval not confirmed", err)
	}
	if !r.Success {
		return reverted(classify.ApprovalFailed, "approval reverted", r.RevertReason)
	}
	if _, ok := o.apply(in, ApprovalConfirmed{}); !ok {
		return stale
	}

	allowance, f := o.settleAllowance(ctx, in)
	if f != nil {
		return f
	}
	if allowance.Cmp(in.price) < 0 {
		return plain(classify.ApprovalNotEffective,
			fmt.Sprintf("approval not effective: allowance %s, required %s", units.FormatToken(allowance), units.FormatToken(in.price)))
	}
	if _, ok := o.apply(in, AllowanceSettled{}); !ok {
		return stale
	}
	return nil
}

// settleAllowance waits for the approval to become visible: a fixed settle
// delay, then polling until the allowance covers the price or the timeout
// passes, then a short grace delay. It returns the last observed allowance.
func (o *Orchestrator) settleAllowance(ctx context.Context, in *intent) (*big.Int, *Failure) {
	p := o.policy
	if err := wait(ctx, p.SettleDelay); err != nil {
		return nil, failure(classify.ApprovalNotEffective, "allowance check interrupted", err)
	}

	deadline := time.Now().Add(p.AllowanceTimeout)
	var (
		last    *big.Int
		lastErr error
	)
	for {
		v, err := in.reader.Allowance(ctx, in.sess.Account)
		if err == nil {
			last = v
			if v.Cmp(in.price) >= 0 {
				break
			}
		} else {
			lastErr = err
			in.log.Warn("allowance re-read failed", zap.Error(err))
		}
		if p.AllowancePoll <= 0 || !time.Now().Add(p.AllowancePoll).Before(deadline) {
			break
		}
		if err := wait(ctx, p.AllowancePoll); err != nil {
			return nil, failure(classify.ApprovalNotEffective, "allowance check interrupted", err)
		}
	}
	if last == nil {
		return nil, failure(classify.ApprovalNotEffective, "allowance could not be read", lastErr)
	}

	if err := wait(ctx, p.GraceDelay); err != nil {
		return nil, failure(classify.ApprovalNotEffective, "allowance check interrupted", err)
	}
	return last, nil
}

func (o *Orchestrator) purchase(ctx context.Context, in *intent) *Failure {
	if f := o.revalidate(ctx, in); f != nil {
		return f
	}

	if err := o.chain.Simulate(ctx, in.sess.Marketplace, "purchaseCourse", in.sess.Account, in.courseID); err != nil {
		return failure(classify.SimulationFailed, "purchase simulation failed", err)
	}

	tx, err := o.chain.Write(ctx, in.sess.Marketplace, "purchaseCourse", nil, in.courseID)
	if err != nil {
		return failure(classify.PurchaseFailed, "purchase failed", err)
	}
	if _, ok := o.apply(in, PurchaseSubmitted{Tx: tx.Hash.Hex()}); !ok {
		return stale
	}

	r, err := o.tracker.WaitForConfirmation(ctx, tx)
	if err != nil {
		return failure(classify.PurchaseFailed, "purchase not confirmed", err)
	}
	if !r.Success {
		return reverted(classify.PurchaseFailed, "purchase reverted", r.RevertReason)
	}
	return nil
}

// revalidate repeats every gating read right before the purchase is sent.
// Nothing read during checking is reused.
func (o *Orchestrator) revalidate(ctx context.Context, in *intent) *Failure {
	var (
		balance, allowance *big.Int
		owned              bool
		course             models.Course
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		balance, err = in.reader.Balance(gctx, in.sess.Account)
		return err
	})
	g.Go(func() (err error) {
		allowance, err = in.reader.Allowance(gctx, in.sess.Account)
		return err
	})
	g.Go(func() (err error) {
		owned, err = in.reader.HasPurchased(gctx, in.courseID, in.sess.Account)
		return err
	})
	g.Go(func() (err error) {
		course, err = in.reader.Course(gctx, in.courseID)
		return err
	})
	if err := g.Wait(); err != nil {
		c := classify.Error(err)
		return &Failure{Kind: c.Kind, Cause: c.Kind, Message: "final check failed: " + c.Message}
	}

	switch {
	case !course.Exists():
		return plain(classify.CourseNotFound, "course does not exist")
	case owned:
		return plain(classify.AlreadyPurchased, "course already purchased")
	case !course.IsActive:
		return plain(classify.CourseInactive, "course is not active")
	case course.Creator == in.sess.Account:
		return plain(classify.SelfPurchaseForbidden, "cannot buy your own course")
	case balance.Cmp(in.price) < 0:
		return insufficientBalance(balance, in.price)
	case allowance.Cmp(in.price) < 0:
		return plain(classify.InsufficientAllowance,
			fmt.Sprintf("insufficient YD allowance: have %s, need %s", units.FormatToken(allowance), units.FormatToken(in.price)))
	}
	if course.Price != nil && course.Price.Cmp(in.price) != 0 {
		in.log.Warn("course price differs from requested price",
			zap.String("onchain", units.FormatToken(course.Price)),
			zap.String("requested", units.FormatToken(in.price)),
		)
	}
	return nil
}

// finish records a terminal intent and, after a success, refreshes the
// display caches in the background.
func (o *Orchestrator) finish(in *intent, st Status) {
	if o.recorder != nil {
		a := models.Attempt{
			IntentID:   in.id,
			Account:    in.sess.Account.Hex(),
			ChainID:    in.sess.ChainID,
			CourseID:   in.courseID,
			Price:      st.Price,
			Step:       string(st.Step),
			ErrorKind:  string(st.Kind),
			Cause:      string(st.Cause),
			Message:    st.Message,
			ApproveTx:  optional(st.ApproveTx),
			PurchaseTx: optional(st.PurchaseTx),
			StartedAt:  in.startedAt,
			FinishedAt: st.UpdatedAt,
		}
		ctx, cancel := context.WithTimeout(context.WithoutCancel(o.ctx), 5*time.Second)
		if err := o.recorder.RecordAttempt(ctx, a); err != nil {
			in.log.Warn("record attempt failed", zap.Error(err))
		}
		cancel()
	}

	if st.Step != Success || o.refresher == nil {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := wait(o.ctx, o.policy.RefreshDelay); err != nil {
			return
		}
		o.refresher.RefetchAll(o.ctx)
	}()
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
