// Package ledger owns the per-account privacy budgets.
//
// Every mutation of an account's budget happens while holding that account's
// lock, a weighted semaphore of size one. Waiters queue in FIFO order and give
// up after the configured timeout with a LedgerBusyError. Operations spanning
// all accounts take the whole global semaphore, which excludes every
// per-account operation for their duration.
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"dpledger/internal/core"
)

// RateWindow is the trailing window over which granted queries are counted.
const RateWindow = time.Hour

const globalWeight = 1 << 20

// GrantHistory returns timestamps of queries granted to an account since a
// point in time. It seeds the rate window after a restart.
type GrantHistory func(ctx context.Context, accountID string, since time.Time) ([]time.Time, error)

// AdmitFunc runs under the account lock before the budget check. It receives
// the number of grants in the trailing RateWindow, including reservations not
// yet committed. A non-nil error rejects the request.
type AdmitFunc func(recentGrants int) error

type Options struct {
	LockTimeout  time.Duration
	DefaultTotal float64
	History      GrantHistory
	Logger       *slog.Logger
	Now          func() time.Time
}

type Ledger struct {
	repo    core.BudgetRepository
	opts    Options
	log     *slog.Logger
	global  *semaphore.Weighted
	mu      sync.Mutex
	members map[string]*account
}

type account struct {
	sem *semaphore.Weighted

	// Guarded by Ledger.mu. Callers between member and leave.
	refs int

	// Guarded by sem.
	budget       *core.PrivacyBudget
	pending      float64
	pendingCount int
	grants       []time.Time
	grantsSeeded bool
}

func New(repo core.BudgetRepository, opts Options) *Ledger {
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 2 * time.Second
	}
	if opts.DefaultTotal <= 0 {
		opts.DefaultTotal = 10.0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Ledger{
		repo:    repo,
		opts:    opts,
		log:     log.With("component", "ledger"),
		global:  semaphore.NewWeighted(globalWeight),
		members: make(map[string]*account),
	}
}

func (l *Ledger) member(id string) *account {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.members[id]
	if !ok {
		a = &account{sem: semaphore.NewWeighted(1)}
		l.members[id] = a
	}
	a.refs++
	return a
}

// leave undoes member. An entry that never loaded a budget, such as an
// unknown id, is dropped once nobody holds it.
func (l *Ledger) leave(id string, a *account) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a.refs--
	if a.refs == 0 && a.budget == nil && a.pendingCount == 0 && l.members[id] == a {
		delete(l.members, id)
	}
}

// lock acquires the global semaphore (weight 1) and then the account's own,
// waiting at most LockTimeout. A caller whose ctx ends first gets ctx.Err().
func (l *Ledger) lock(ctx context.Context, id string) (*account, func(), error) {
	waitCtx, cancel := context.WithTimeout(ctx, l.opts.LockTimeout)
	defer cancel()

	if err := l.global.Acquire(waitCtx, 1); err != nil {
		return nil, nil, l.busy(ctx, id)
	}
	a := l.member(id)
	if err := a.sem.Acquire(waitCtx, 1); err != nil {
		l.leave(id, a)
		l.global.Release(1)
		return nil, nil, l.busy(ctx, id)
	}
	return a, func() {
		a.sem.Release(1)
		l.leave(id, a)
		l.global.Release(1)
	}, nil
}

// settle acquires the same locks without a deadline. Reservations use it: the
// budget is already held, so commit and release must complete.
func (l *Ledger) settle(id string) (*account, func()) {
	_ = l.global.Acquire(context.Background(), 1)
	a := l.member(id)
	_ = a.sem.Acquire(context.Background(), 1)
	return a, func() {
		a.sem.Release(1)
		l.leave(id, a)
		l.global.Release(1)
	}
}

func (l *Ledger) busy(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.log.Warn("ledger lock timeout", "account_id", id, "timeout", l.opts.LockTimeout)
	return &core.LedgerBusyError{AccountID: id}
}

// load fills a.budget from the repository on first touch. Caller holds a.sem.
func (l *Ledger) load(ctx context.Context, id string, a *account) error {
	if a.budget != nil {
		return nil
	}
	b, err := l.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	clamp(b)
	a.budget = b
	return nil
}

// recentGrants prunes the window and seeds it from history on first use.
// Caller holds a.sem.
func (l *Ledger) recentGrants(ctx context.Context, id string, a *account) (int, error) {
	now := l.opts.Now()
	cutoff := now.Add(-RateWindow)
	if !a.grantsSeeded {
		if l.opts.History != nil {
			ts, err := l.opts.History(ctx, id, cutoff)
			if err != nil {
				return 0, err
			}
			a.grants = append(ts, a.grants...)
		}
		a.grantsSeeded = true
	}
	i := 0
	for i < len(a.grants) && a.grants[i].Before(cutoff) {
		i++
	}
	a.grants = a.grants[i:]
	return len(a.grants) + a.pendingCount, nil
}

// Provision creates the budget row for a new account. total <= 0 uses the
// configured default.
func (l *Ledger) Provision(ctx context.Context, accountID string, total float64) (*core.PrivacyBudget, error) {
	if total <= 0 {
		total = l.opts.DefaultTotal
	}
	a, unlock, err := l.lock(ctx, accountID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	b := &core.PrivacyBudget{
		AccountID:        accountID,
		TotalEpsilon:     total,
		RemainingEpsilon: total,
		LastReset:        l.opts.Now().UTC(),
	}
	if err := l.repo.Create(ctx, b); err != nil {
		return nil, err
	}
	cp := *b
	a.budget = &cp
	return b, nil
}

// Status returns the current view of an account's budget. Outstanding
// reservations are not subtracted.
func (l *Ledger) Status(ctx context.Context, accountID string) (core.BudgetStatus, error) {
	a, unlock, err := l.lock(ctx, accountID)
	if err != nil {
		return core.BudgetStatus{}, err
	}
	defer unlock()

	if err := l.load(ctx, accountID, a); err != nil {
		return core.BudgetStatus{}, err
	}
	return core.StatusOf(*a.budget), nil
}

// ReserveRequest describes one attempt to spend epsilon.
type ReserveRequest struct {
	AccountID string
	Epsilon   float64
	// Admit, if set, runs under the lock before the budget check.
	Admit AdmitFunc
	// OnReject, if set, runs under the lock when Admit or the budget check
	// rejects the request.
	OnReject func(err error)
}

// Reserve checks the request against the account's available budget and, if
// it fits, holds epsilon until the reservation is committed or released. The
// available budget is the remaining epsilon minus outstanding reservations,
// so concurrent reservations can never jointly exceed it.
func (l *Ledger) Reserve(ctx context.Context, req ReserveRequest) (*Reservation, error) {
	if !(req.Epsilon > 0) {
		return nil, core.ErrInvalid("epsilon must be a positive number")
	}
	a, unlock, err := l.lock(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := l.load(ctx, req.AccountID, a); err != nil {
		return nil, err
	}

	reject := func(err error) (*Reservation, error) {
		if req.OnReject != nil {
			req.OnReject(err)
		}
		return nil, err
	}

	if req.Admit != nil {
		n, err := l.recentGrants(ctx, req.AccountID, a)
		if err != nil {
			return nil, err
		}
		if err := req.Admit(n); err != nil {
			return reject(err)
		}
	}

	available := a.budget.RemainingEpsilon - a.pending
	if req.Epsilon > available {
		if available < 0 {
			available = 0
		}
		return reject(&core.BudgetExhaustedError{Requested: req.Epsilon, Remaining: available})
	}

	a.pending += req.Epsilon
	a.pendingCount++
	return &Reservation{ledger: l, accountID: req.AccountID, epsilon: req.Epsilon}, nil
}

// CheckAndDeduct atomically checks and charges epsilon, returning the
// remaining budget.
func (l *Ledger) CheckAndDeduct(ctx context.Context, accountID string, epsilon float64) (float64, error) {
	r, err := l.Reserve(ctx, ReserveRequest{AccountID: accountID, Epsilon: epsilon})
	if err != nil {
		return 0, err
	}
	return r.Commit(ctx, nil)
}

// Reset restores an account's remaining budget to its total. onReset runs
// under the lock after the new state is persisted.
func (l *Ledger) Reset(ctx context.Context, accountID string, onReset func(core.PrivacyBudget)) (core.BudgetStatus, error) {
	a, unlock, err := l.lock(ctx, accountID)
	if err != nil {
		return core.BudgetStatus{}, err
	}
	defer unlock()

	if err := l.load(ctx, accountID, a); err != nil {
		return core.BudgetStatus{}, err
	}
	next := *a.budget
	next.RemainingEpsilon = next.TotalEpsilon
	next.LastReset = l.opts.Now().UTC()
	next.ResetCount++
	if err := l.repo.Save(ctx, &next); err != nil {
		return core.BudgetStatus{}, err
	}
	a.budget = &next
	l.log.Info("budget reset", "account_id", accountID, "total_epsilon", next.TotalEpsilon, "reset_count", next.ResetCount)
	if onReset != nil {
		onReset(next)
	}
	return core.StatusOf(next), nil
}

// ResetAll resets every account while holding the whole global semaphore and
// clears every rate window. onReset runs before the lock is released.
func (l *Ledger) ResetAll(ctx context.Context, onReset func()) (int, error) {
	waitCtx, cancel := context.WithTimeout(ctx, l.opts.LockTimeout)
	defer cancel()
	if err := l.global.Acquire(waitCtx, globalWeight); err != nil {
		return 0, l.busy(ctx, "*")
	}
	defer l.global.Release(globalWeight)

	budgets, err := l.repo.List(ctx)
	if err != nil {
		return 0, err
	}
	now := l.opts.Now().UTC()
	for i := range budgets {
		b := budgets[i]
		b.RemainingEpsilon = b.TotalEpsilon
		b.LastReset = now
		b.ResetCount++
		if err := l.repo.Save(ctx, &b); err != nil {
			// Drop cached state so the next touch rereads what was persisted.
			l.forget()
			return i, err
		}
	}

	// Per-account semaphores are all free while the global one is fully held.
	l.forget()
	l.log.Info("all budgets reset", "accounts", len(budgets))
	if onReset != nil {
		onReset()
	}
	return len(budgets), nil
}

// forget drops cached budgets and rate windows but keeps outstanding
// reservations. Caller holds the whole global semaphore.
func (l *Ledger) forget() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, a := range l.members {
		if a.pendingCount > 0 {
			a.budget = nil
			a.grants = nil
			a.grantsSeeded = true
			continue
		}
		delete(l.members, id)
	}
}

// Reservation is epsilon held against an account until Commit or Release.
// Exactly one of them takes effect; later calls are no-ops.
type Reservation struct {
	ledger    *Ledger
	accountID string
	epsilon   float64
	done      bool
	mu        sync.Mutex
}

func (r *Reservation) Epsilon() float64 { return r.epsilon }

// Commit charges the reserved epsilon and records a grant in the rate window.
// onCharged runs under the account lock with the new remaining budget. If
// persisting fails the reservation is released and nothing is charged.
func (r *Reservation) Commit(ctx context.Context, onCharged func(remaining float64)) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return 0, errors.New("reservation already settled")
	}
	r.done = true

	l := r.ledger
	a, unlock := l.settle(r.accountID)
	defer unlock()

	a.pending -= r.epsilon
	a.pendingCount--
	if a.pendingCount == 0 {
		a.pending = 0
	}

	if err := l.load(ctx, r.accountID, a); err != nil {
		return 0, err
	}
	next := *a.budget
	next.RemainingEpsilon -= r.epsilon
	clamp(&next)
	if err := l.repo.Save(ctx, &next); err != nil {
		return 0, err
	}
	a.budget = &next
	a.grants = append(a.grants, l.opts.Now())
	if onCharged != nil {
		onCharged(next.RemainingEpsilon)
	}
	return next.RemainingEpsilon, nil
}

// Release returns the reserved epsilon without charging it.
func (r *Reservation) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}
	r.done = true

	a, unlock := r.ledger.settle(r.accountID)
	defer unlock()
	a.pending -= r.epsilon
	a.pendingCount--
	if a.pendingCount == 0 {
		a.pending = 0
	}
}

// clamp enforces 0 <= remaining <= total.
func clamp(b *core.PrivacyBudget) {
	if b.RemainingEpsilon < 0 {
		b.RemainingEpsilon = 0
	}
	if b.RemainingEpsilon > b.TotalEpsilon {
		b.RemainingEpsilon = b.TotalEpsilon
	}
}
