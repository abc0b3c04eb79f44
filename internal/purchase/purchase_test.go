package purchase

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"YDCoursePurchase/internal/chain"
	"YDCoursePurchase/internal/classify"
	"YDCoursePurchase/internal/models"
	"YDCoursePurchase/internal/units"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var (
	buyer   = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	creator = common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")
	session = Session{
		Account:     buyer,
		ChainID:     31337,
		Token:       chain.Token(common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")),
		Marketplace: chain.Marketplace(common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512")),
	}
)

type course struct {
	price   int64
	creator common.Address
	active  bool
}

type write struct {
	method string
	args   []any
}

type fakeChain struct {
	mu          sync.Mutex
	balance     *big.Int
	allowance   *big.Int
	owned       map[string]bool
	courses     map[string]course
	approveErr  error
	purchaseErr error
	simulateErr error
	readErr     error
	noEffect    bool
	writes      []write
	writeCtxs   []context.Context
	reads       int
}

func newFakeChain(balance, allowance int64) *fakeChain {
	return &fakeChain{
		balance:   units.Token(balance),
		allowance: units.Token(allowance),
		owned:     map[string]bool{},
		courses: map[string]course{
			"1": {price: 100, creator: creator, active: true},
			"2": {price: 100, creator: creator, active: true},
		},
	}
}

func (f *fakeChain) Read(ctx context.Context, ct chain.Contract, method string, args ...any) ([]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.readErr != nil {
		return nil, f.readErr
	}
	switch method {
	case "balanceOf":
		return []any{new(big.Int).Set(f.balance)}, nil
	case "allowance":
		return []any{new(big.Int).Set(f.allowance)}, nil
	case "hasUserPurchasedCourse":
		return []any{f.owned[args[0].(string)]}, nil
	case "getCourse":
		c, ok := f.courses[args[0].(string)]
		if !ok {
			return []any{"", "", new(big.Int), common.Address{}, false, new(big.Int), new(big.Int), ""}, nil
		}
		return []any{"Course " + args[0].(string), "", units.Token(c.price), c.creator, c.active, big.NewInt(1700000000), big.NewInt(0), "dev"}, nil
	}
	return nil, errors.New("unexpected read " + method)
}

func (f *fakeChain) Simulate(ctx context.Context, ct chain.Contract, method string, from common.Address, args ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.simulateErr
}

func (f *fakeChain) Write(ctx context.Context, ct chain.Contract, method string, value *big.Int, args ...any) (chain.TxHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch method {
	case "approve":
		if f.approveErr != nil {
			return chain.TxHandle{}, f.approveErr
		}
		if !f.noEffect {
			f.allowance = new(big.Int).Set(args[1].(*big.Int))
		}
	case "purchaseCourse":
		if f.purchaseErr != nil {
			return chain.TxHandle{}, f.purchaseErr
		}
		id := args[0].(string)
		price := units.Token(f.courses[id].price)
		f.owned[id] = true
		f.balance.Sub(f.balance, price)
		f.allowance.Sub(f.allowance, price)
	}
	f.writes = append(f.writes, write{method: method, args: args})
	f.writeCtxs = append(f.writeCtxs, ctx)
	return chain.TxHandle{
		Hash:   common.BigToHash(big.NewInt(int64(len(f.writes)))),
		Method: method,
		From:   buyer,
	}, nil
}

func (f *fakeChain) written() []write {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]write(nil), f.writes...)
}

type fakeTracker struct {
	mu     sync.Mutex
	revert map[string]string
	block  map[string]chan struct{}
}

func (f *fakeTracker) WaitForConfirmation(ctx context.Context, h chain.TxHandle) (chain.Receipt, error) {
	f.mu.Lock()
	reason, failed := f.revert[h.Method]
	gate := f.block[h.Method]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return chain.Receipt{}, ctx.Err()
		}
	}
	return chain.Receipt{TxHash: h.Hash, Success: !failed, BlockNumber: 7, RevertReason: reason}, nil
}

type fakeRecorder struct {
	mu       sync.Mutex
	attempts []models.Attempt
}

func (f *fakeRecorder) RecordAttempt(ctx context.Context, a models.Attempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, a)
	return nil
}

func (f *fakeRecorder) all() []models.Attempt {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Attempt(nil), f.attempts...)
}

type fakeRefresher struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeRefresher) RefetchAll(ctx context.Context) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
}

func (f *fakeRefresher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testPolicy() Policy {
	p := DefaultPolicy()
	p.SettleDelay = time.Millisecond
	p.AllowancePoll = time.Millisecond
	p.AllowanceTimeout = 20 * time.Millisecond
	p.GraceDelay = time.Millisecond
	p.RefreshDelay = time.Millisecond
	p.SuccessDisplay = time.Hour
	p.ErrorDisplay = time.Hour
	return p
}

type harness struct {
	o         *Orchestrator
	chain     *fakeChain
	tracker   *fakeTracker
	recorder  *fakeRecorder
	refresher *fakeRefresher
	updates   <-chan Status
}

func newHarness(t *testing.T, fc *fakeChain, p Policy) *harness {
	t.Helper()
	h := &harness{
		chain:     fc,
		tracker:   &fakeTracker{revert: map[string]string{}, block: map[string]chan struct{}{}},
		recorder:  &fakeRecorder{},
		refresher: &fakeRefresher{},
	}
	o, err := New(Options{
		Chain:     fc,
		Tracker:   h.tracker,
		Refresher: h.refresher,
		Recorder:  h.recorder,
		Policy:    p,
		Log:       zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	h.o = o
	ch, cancel := o.Subscribe()
	h.updates = ch
	t.Cleanup(func() {
		cancel()
		o.Close()
	})
	return h
}

// until reads updates until one for intent reaches a terminal step.
func (h *harness) until(t *testing.T, intent string) []Status {
	t.Helper()
	var out []Status
	timeout := time.After(2 * time.Second)
	for {
		select {
		case s := <-h.updates:
			out = append(out, s)
			if s.IntentID == intent && s.Step.Terminal() {
				return out
			}
		case <-timeout:
			t.Fatalf("intent %s did not finish, got %v", intent, steps(out))
		}
	}
}

// steps collapses consecutive updates of the same step.
func steps(sts []Status) []Step {
	var out []Step
	for _, s := range sts {
		if len(out) == 0 || out[len(out)-1] != s.Step {
			out = append(out, s.Step)
		}
	}
	return out
}

func TestPurchaseWithApproval(t *testing.T) {
	h := newHarness(t, newFakeChain(500, 0), testPolicy())

	st := h.o.Purchase(session, "1", "100")
	require.Equal(t, Checking, st.Step)
	require.True(t, st.Loading)

	got := h.until(t, st.IntentID)
	require.Equal(t, []Step{Checking, Approving, WaitingApproval, Purchasing, Success}, steps(got))

	writes := h.chain.written()
	require.Len(t, writes, 2)
	require.Equal(t, "approve", writes[0].method)
	require.Equal(t, session.Marketplace.Address, writes[0].args[0])
	require.Equal(t, 0, units.Token(1000).Cmp(writes[0].args[1].(*big.Int)))
	require.Equal(t, "purchaseCourse", writes[1].method)
	require.Equal(t, "1", writes[1].args[0])

	final := h.o.Status()
	require.Equal(t, Success, final.Step)
	require.False(t, final.Loading)
	require.NotEmpty(t, final.ApproveTx)
	require.NotEmpty(t, final.PurchaseTx)

	attempts := h.recorder.all()
	require.Len(t, attempts, 1)
	require.Equal(t, "success", attempts[0].Step)
	require.NotNil(t, attempts[0].ApproveTx)
	require.Eventually(t, func() bool { return h.refresher.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestPurchaseSkipsApprovalWhenAllowanceSuffices(t *testing.T) {
	h := newHarness(t, newFakeChain(500, 200), testPolicy())

	st := h.o.Purchase(session, "1", "100")
	got := h.until(t, st.IntentID)

	require.Equal(t, []Step{Checking, Purchasing, Success}, steps(got))
	writes := h.chain.written()
	require.Len(t, writes, 1)
	require.Equal(t, "purchaseCourse", writes[0].method)
	require.Empty(t, h.o.Status().ApproveTx)
}

func TestPurchaseInsufficientBalance(t *testing.T) {
	h := newHarness(t, newFakeChain(50, 0), testPolicy())

	first := h.o.Purchase(session, "1", "100")
	got := h.until(t, first.IntentID)
	require.Equal(t, []Step{Checking, Error}, steps(got))

	a := h.o.Status()
	require.Equal(t, classify.InsufficientBalance, a.Kind)
	require.Contains(t, a.Message, "50")
	require.Contains(t, a.Message, "100")
	require.True(t, a.Retryable)
	require.Empty(t, h.chain.written())

	second := h.o.Purchase(session, "1", "100")
	require.NotEqual(t, first.IntentID, second.IntentID)
	h.until(t, second.IntentID)

	b := h.o.Status()
	require.Equal(t, a.Kind, b.Kind)
	require.Equal(t, a.Message, b.Message)
	require.Empty(t, h.chain.written())
}

func TestPurchaseAlreadyOwned(t *testing.T) {
	fc := newFakeChain(500, 0)
	fc.owned["1"] = true
	h := newHarness(t, fc, testPolicy())

	st := h.o.Purchase(session, "1", "100")
	h.until(t, st.IntentID)

	final := h.o.Status()
	require.Equal(t, Error, final.Step)
	require.Equal(t, classify.AlreadyPurchased, final.Kind)
	require.False(t, final.Retryable)
	require.Empty(t, h.chain.written())
}

func TestPurchaseApprovalRejected(t *testing.T) {
	fc := newFakeChain(500, 0)
	fc.approveErr = errors.New("User rejected the request.")
	h := newHarness(t, fc, testPolicy())

	st := h.o.Purchase(session, "1", "100")
	got := h.until(t, st.IntentID)

	require.Equal(t, []Step{Checking, Approving, Error}, steps(got))
	final := h.o.Status()
	require.Equal(t, classify.ApprovalFailed, final.Kind)
	require.Equal(t, classify.UserRejected, final.Cause)
	require.True(t, final.Retryable)
	require.Empty(t, h.chain.written())
}

func TestPurchaseApprovalReverted(t *testing.T) {
	h := newHarness(t, newFakeChain(500, 0), testPolicy())
	h.tracker.revert["approve"] = ""

	st := h.o.Purchase(session, "1", "100")
	got := h.until(t, st.IntentID)

	require.Equal(t, []Step{Checking, Approving, Error}, steps(got))
	require.Equal(t, classify.ApprovalFailed, h.o.Status().Kind)
	require.Len(t, h.chain.written(), 1)
}

func TestPurchaseApprovalNotEffective(t *testing.T) {
	fc := newFakeChain(500, 0)
	fc.noEffect = true
	h := newHarness(t, fc, testPolicy())

	st := h.o.Purchase(session, "1", "100")
	got := h.until(t, st.IntentID)

	require.Equal(t, []Step{Checking, Approving, WaitingApproval, Error}, steps(got))
	final := h.o.Status()
	require.Equal(t, classify.ApprovalNotEffective, final.Kind)
	require.Contains(t, final.Message, "allowance 0")
	require.Contains(t, final.Message, "required 100")
	require.Len(t, h.chain.written(), 1)
}

func TestPurchaseSimulationFailure(t *testing.T) {
	fc := newFakeChain(500, 200)
	fc.simulateErr = &chain.RevertError{Reason: "ERC20InsufficientAllowance"}
	h := newHarness(t, fc, testPolicy())

	st := h.o.Purchase(session, "1", "100")
	got := h.until(t, st.IntentID)

	require.Equal(t, []Step{Checking, Purchasing, Error}, steps(got))
	final := h.o.Status()
	require.Equal(t, classify.SimulationFailed, final.Kind)
	require.Equal(t, classify.InsufficientAllowance, final.Cause)
	require.Empty(t, h.chain.written())
}

func TestPurchaseFinalCourseChecks(t *testing.T) {
	cases := []struct {
		name   string
		id     string
		course *course
		kind   classify.Kind
	}{
		{name: "missing", id: "9", kind: classify.CourseNotFound},
		{name: "inactive", id: "1", course: &course{price: 100, creator: creator}, kind: classify.CourseInactive},
		{name: "own course", id: "1", course: &course{price: 100, creator: buyer, active: true}, kind: classify.SelfPurchaseForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fc := newFakeChain(500, 200)
			if tc.course != nil {
				fc.courses[tc.id] = *tc.course
			}
			h := newHarness(t, fc, testPolicy())

			st := h.o.Purchase(session, tc.id, "100")
			h.until(t, st.IntentID)

			final := h.o.Status()
			require.Equal(t, tc.kind, final.Kind)
			require.False(t, final.Retryable)
			require.Empty(t, h.chain.written())
		})
	}
}

func TestPurchaseRevertedOnChain(t *testing.T) {
	h := newHarness(t, newFakeChain(500, 200), testPolicy())
	h.tracker.revert["purchaseCourse"] = "Already purchased"

	st := h.o.Purchase(session, "1", "100")
	got := h.until(t, st.IntentID)

	require.Equal(t, []Step{Checking, Purchasing, Error}, steps(got))
	final := h.o.Status()
	require.Equal(t, classify.PurchaseFailed, final.Kind)
	require.Equal(t, classify.AlreadyPurchased, final.Cause)
	require.False(t, final.Retryable)
	require.NotEmpty(t, final.PurchaseTx)
}

func TestPurchaseReadFailure(t *testing.T) {
	fc := newFakeChain(500, 0)
	fc.readErr = errors.New("Internal JSON-RPC error.")
	h := newHarness(t, fc, testPolicy())

	st := h.o.Purchase(session, "1", "100")
	h.until(t, st.IntentID)

	final := h.o.Status()
	require.Equal(t, classify.Unknown, final.Kind)
	require.Contains(t, final.Message, "contract call failed")
}

func TestPurchasePreconditions(t *testing.T) {
	noAccount := session
	noAccount.Account = common.Address{}
	unresolved := session
	unresolved.Marketplace = chain.Contract{}

	cases := []struct {
		name  string
		sess  Session
		id    string
		price string
	}{
		{name: "no account", sess: noAccount, id: "1", price: "100"},
		{name: "unknown network", sess: unresolved, id: "1", price: "100"},
		{name: "empty course", sess: session, id: "", price: "100"},
		{name: "zero price", sess: session, id: "1", price: "0"},
		{name: "garbage price", sess: session, id: "1", price: "ten"},
		{name: "above bound", sess: session, id: "1", price: "10001"},
		{name: "below bound", sess: session, id: "1", price: "0.5"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fc := newFakeChain(500, 0)
			h := newHarness(t, fc, testPolicy())

			st := h.o.Purchase(tc.sess, tc.id, tc.price)
			require.Equal(t, Error, st.Step)
			require.Equal(t, classify.PreconditionFailed, st.Kind)
			require.Zero(t, fc.reads)
			require.Len(t, h.recorder.all(), 1)
		})
	}
}

func TestPurchaseSupersedesPendingApproval(t *testing.T) {
	fc := newFakeChain(500, 0)
	h := newHarness(t, fc, testPolicy())
	gate := make(chan struct{})
	h.tracker.block["approve"] = gate

	first := h.o.Purchase(session, "1", "100")
	require.Eventually(t, func() bool {
		s := h.o.Status()
		return s.Step == Approving && s.ApproveTx != ""
	}, time.Second, time.Millisecond)

	second := h.o.Purchase(session, "2", "100")
	got := h.until(t, second.IntentID)

	seenSecond := false
	for _, s := range got {
		if s.IntentID == second.IntentID {
			seenSecond = true
			continue
		}
		require.False(t, seenSecond, "update of superseded intent after the new one started: %+v", s)
		require.Equal(t, first.IntentID, s.IntentID)
	}

	close(gate)
	time.Sleep(20 * time.Millisecond)
	final := h.o.Status()
	require.Equal(t, second.IntentID, final.IntentID)
	require.Equal(t, Success, final.Step)
	require.Equal(t, "2", final.CourseID)

	for _, w := range h.chain.written() {
		if w.method == "purchaseCourse" {
			require.Equal(t, "2", w.args[0])
		}
	}
}

func TestPurchaseResetsToIdle(t *testing.T) {
	p := testPolicy()
	p.ErrorDisplay = 10 * time.Millisecond
	h := newHarness(t, newFakeChain(50, 0), p)

	st := h.o.Purchase(session, "1", "100")
	h.until(t, st.IntentID)

	require.Eventually(t, func() bool {
		s := h.o.Status()
		return s.Step == Idle && s.IntentID == "" && s.Kind == ""
	}, time.Second, 2*time.Millisecond)
}

func TestPurchaseCancelsPendingReset(t *testing.T) {
	p := testPolicy()
	p.ErrorDisplay = 30 * time.Millisecond
	fc := newFakeChain(50, 0)
	h := newHarness(t, fc, p)

	first := h.o.Purchase(session, "1", "100")
	h.until(t, first.IntentID)

	fc.mu.Lock()
	fc.balance = units.Token(500)
	fc.allowance = units.Token(500)
	fc.mu.Unlock()
	h.tracker.mu.Lock()
	h.tracker.block["purchaseCourse"] = make(chan struct{})
	h.tracker.mu.Unlock()

	second := h.o.Purchase(session, "1", "100")
	time.Sleep(60 * time.Millisecond)

	s := h.o.Status()
	require.Equal(t, second.IntentID, s.IntentID)
	require.Equal(t, Purchasing, s.Step)
}

func TestPurchaseReleasesIntentContext(t *testing.T) {
	fc := newFakeChain(5000, 0)
	h := newHarness(t, fc, testPolicy())

	for _, id := range []string{"1", "2"} {
		st := h.o.Purchase(session, id, "100")
		got := h.until(t, st.IntentID)
		require.Equal(t, Success, got[len(got)-1].Step)
	}

	fc.mu.Lock()
	ctxs := append([]context.Context(nil), fc.writeCtxs...)
	fc.mu.Unlock()
	require.NotEmpty(t, ctxs)
	require.Eventually(t, func() bool {
		for _, ctx := range ctxs {
			if ctx.Err() == nil {
				return false
			}
		}
		return true
	}, time.Second, time.Millisecond)

	// the orchestrator itself stays usable
	require.NoError(t, h.o.ctx.Err())
}

func TestPurchaseRejectsExponentPrice(t *testing.T) {
	fc := newFakeChain(500, 0)
	h := newHarness(t, fc, testPolicy())

	for _, price := range []string{"1e3", "1e20000000"} {
		st := h.o.Purchase(session, "1", price)
		require.Equal(t, Error, st.Step, price)
		require.Equal(t, classify.PreconditionFailed, st.Kind, price)
	}
	require.Zero(t, fc.reads)
}

func TestTransition(t *testing.T) {
	s, err := Transition(Status{Step: Idle, IntentID: "a"}, Started{IntentID: "a", CourseID: "1", Price: "100"})
	require.NoError(t, err)
	require.Equal(t, Checking, s.Step)
	require.True(t, s.Loading)

	s, err = Transition(s, ChecksPassed{NeedsApproval: true})
	require.NoError(t, err)
	require.Equal(t, Approving, s.Step)

	_, err = Transition(s, ApprovalConfirmed{})
	require.ErrorIs(t, err, ErrInvalidTransition)

	s, err = Transition(s, ApprovalSubmitted{Tx: "0x01"})
	require.NoError(t, err)
	_, err = Transition(s, ApprovalSubmitted{Tx: "0x02"})
	require.ErrorIs(t, err, ErrInvalidTransition)

	s, err = Transition(s, ApprovalConfirmed{})
	require.NoError(t, err)
	require.Equal(t, WaitingApproval, s.Step)

	s, err = Transition(s, AllowanceSettled{})
	require.NoError(t, err)
	require.Equal(t, Purchasing, s.Step)

	_, err = Transition(s, PurchaseConfirmed{})
	require.ErrorIs(t, err, ErrInvalidTransition)

	s, err = Transition(s, PurchaseSubmitted{Tx: "0x03"})
	require.NoError(t, err)
	s, err = Transition(s, PurchaseConfirmed{})
	require.NoError(t, err)
	require.Equal(t, Success, s.Step)
	require.False(t, s.Loading)
	require.Equal(t, "0x01", s.ApproveTx)
	require.Equal(t, "0x03", s.PurchaseTx)

	_, err = Transition(s, Failed{Failure: Failure{Kind: classify.Unknown}})
	require.ErrorIs(t, err, ErrInvalidTransition)

	s, err = Transition(s, TimerFired{})
	require.NoError(t, err)
	require.Equal(t, Status{Step: Idle}, s)
}

func TestTransitionRejects(t *testing.T) {
	cases := []struct {
		name string
		from Step
		ev   Event
	}{
		{"checks in idle", Idle, ChecksPassed{}},
		{"start while busy", Checking, Started{IntentID: "b"}},
		{"timer while busy", Purchasing, TimerFired{}},
		{"settled while approving", Approving, AllowanceSettled{}},
		{"chain failure from idle", Idle, Failed{Failure: Failure{Kind: classify.Unknown}}},
		{"failure after error", Error, Failed{Failure: Failure{Kind: classify.Unknown}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := Status{Step: tc.from, IntentID: "a"}
			out, err := Transition(in, tc.ev)
			require.ErrorIs(t, err, ErrInvalidTransition)
			require.Equal(t, in, out)
		})
	}
}

func TestFailureRetryable(t *testing.T) {
	require.True(t, Failure{Kind: classify.ApprovalFailed, Cause: classify.UserRejected}.Retryable())
	require.False(t, Failure{Kind: classify.PurchaseFailed, Cause: classify.CourseInactive}.Retryable())
	require.False(t, Failure{Kind: classify.AlreadyPurchased}.Retryable())
	require.True(t, Failure{Kind: classify.ApprovalNotEffective, Cause: classify.ApprovalNotEffective}.Retryable())
}
