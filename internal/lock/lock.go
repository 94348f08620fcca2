// Package lock implements the per-store exclusive/shared lock manager from
// spec.md §4.2: it arbitrates transaction admission and closing, the same
// way internal/apply.Applier in the teacher treats a batch of statements as
// one atomic admission unit, generalized here to a FIFO queue of pending
// transactions instead of a single in-flight one.
package lock

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"docengine/internal/dberr"
	"docengine/internal/future"
)

// Token is the opaque handle returned by OpenTransaction. It must be
// completed exactly once via TransactionComplete or TransactionFailed.
type Token struct {
	id         uint64
	storeNames []string
	exclusive  bool

	mu        sync.Mutex
	completed bool
}

type storeState struct {
	exclusive     bool
	readonlyCount int
}

type pending struct {
	token    *Token
	admitted chan struct{}
	rejected chan error
}

// Helper is the LockHelper for one database handle's set of stores.
type Helper struct {
	mu sync.Mutex

	storeState map[string]*storeState
	allStores  []string

	pending []*pending
	active  map[uint64]*Token

	// supportsConcurrent mirrors the backend constructor flag from
	// spec.md §4.2: when false, dispatch halts entirely while any
	// exclusive transaction is active, serializing the whole database.
	supportsConcurrent  bool
	activeExclusiveHeld bool

	readerSem *semaphore.Weighted // non-nil only when MaxReaders > 0

	closing      bool
	closeWaiters []future.Resolver[struct{}]

	nextID uint64
	log    *zap.Logger
}

// New builds a Helper for the given store names.
func New(storeNames []string, supportsConcurrent bool, maxReaders int, log *zap.Logger) *Helper {
	if log == nil {
		log = zap.NewNop()
	}
	states := make(map[string]*storeState, len(storeNames))
	for _, s := range storeNames {
		states[s] = &storeState{}
	}
	var sem *semaphore.Weighted
	if maxReaders > 0 {
		sem = semaphore.NewWeighted(int64(maxReaders))
	}
	return &Helper{
		storeState:         states,
		allStores:          append([]string(nil), storeNames...),
		active:             make(map[uint64]*Token),
		supportsConcurrent: supportsConcurrent,
		readerSem:          sem,
		log:                log,
	}
}

// OpenTransaction requests a lock over storeNames (nil/empty means every
// store) in exclusive or readonly mode, and blocks until the transaction
// is admitted, ctx is done, or the helper is closing.
func (h *Helper) OpenTransaction(ctx context.Context, storeNames []string, exclusive bool) (*Token, error) {
	if len(storeNames) == 0 {
		storeNames = h.allStores
	}

	h.mu.Lock()
	if err := h.validateStores(storeNames); err != nil {
		h.mu.Unlock()
		return nil, err
	}
	if h.closing {
		h.mu.Unlock()
		return nil, dberr.New(dberr.Closing, "provider is closing; no new transactions accepted")
	}

	h.nextID++
	token := &Token{id: h.nextID, storeNames: storeNames, exclusive: exclusive}
	p := &pending{token: token, admitted: make(chan struct{}), rejected: make(chan error, 1)}
	h.pending = append(h.pending, p)
	h.dispatchLocked()
	h.mu.Unlock()

	select {
	case <-p.admitted:
		return token, nil
	case err := <-p.rejected:
		return nil, err
	case <-ctx.Done():
		h.cancelPending(p)
		return nil, ctx.Err()
	}
}

func (h *Helper) validateStores(storeNames []string) error {
	for _, s := range storeNames {
		if _, ok := h.storeState[s]; !ok {
			return dberr.New(dberr.UnknownStore, fmt.Sprintf("unknown store %q", s))
		}
	}
	return nil
}

// cancelPending removes p from the queue if it never got admitted (the
// ctx.Done race with a concurrent admit).
func (h *Helper) cancelPending(p *pending) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, other := range h.pending {
		if other == p {
			h.pending = append(h.pending[:i], h.pending[i+1:]...)
			return
		}
	}
	// Already admitted concurrently with ctx cancellation: treat as
	// immediately completed so bookkeeping doesn't leak.
	select {
	case <-p.admitted:
		_ = h.TransactionFailed(p.token, errCanceledAfterAdmit)
	default:
	}
}

var errCanceledAfterAdmit = dberr.New(dberr.TransactionAborted, "caller context canceled immediately after admission")

// dispatchLocked admits pending transactions strictly in FIFO order: it
// only ever considers the head of the queue, so a transaction that cannot
// yet be admitted blocks everything behind it rather than letting a later
// arrival jump ahead — this is what spec.md §4.2 calls "checked FIFO
// without starvation": once something is blocked only on stores it
// actually names, nothing unrelated can be admitted ahead of it and delay
// it further, and the ordering guarantee (§5: admitted-in-order implies
// happens-before) falls out for free.
func (h *Helper) dispatchLocked() {
	for len(h.pending) > 0 {
		p := h.pending[0]
		if !h.canAdmitLocked(p.token) {
			return
		}
		h.pending = h.pending[1:]
		h.admitLocked(p.token)
		close(p.admitted)
	}
}

func (h *Helper) canAdmitLocked(t *Token) bool {
	if !h.supportsConcurrent && h.activeExclusiveHeld {
		return false
	}
	for _, s := range t.storeNames {
		st := h.storeState[s]
		if st.exclusive {
			return false
		}
		if t.exclusive && st.readonlyCount > 0 {
			return false
		}
	}
	if !t.exclusive && h.readerSem != nil {
		if !h.readerSem.TryAcquire(1) {
			return false
		}
	}
	return true
}

func (h *Helper) admitLocked(t *Token) {
	for _, s := range t.storeNames {
		st := h.storeState[s]
		if t.exclusive {
			st.exclusive = true
		} else {
			st.readonlyCount++
		}
	}
	if t.exclusive {
		h.activeExclusiveHeld = true
	}
	h.active[t.id] = t
}

func (h *Helper) releaseLocked(t *Token) {
	for _, s := range t.storeNames {
		st, ok := h.storeState[s]
		if !ok {
			continue
		}
		if t.exclusive {
			st.exclusive = false
		} else {
			st.readonlyCount--
		}
	}
	if t.exclusive {
		h.activeExclusiveHeld = false
	} else if h.readerSem != nil {
		h.readerSem.Release(1)
	}
	delete(h.active, t.id)
}

// TransactionComplete releases the locks held by token and dispatches
// waiting transactions. Completing the same token twice is a programmer
// error, except for the spurious completion-then-timeout sequence handled
// by NotifySpuriousAbort.
func (h *Helper) TransactionComplete(token *Token) error {
	token.mu.Lock()
	if token.completed {
		token.mu.Unlock()
		panic("lock: TransactionComplete called twice for the same token")
	}
	token.completed = true
	token.mu.Unlock()

	h.mu.Lock()
	h.releaseLocked(token)
	h.dispatchLocked()
	closing := h.maybeResolveCloseLocked()
	h.mu.Unlock()
	h.fireCloseWaiters(closing)
	return nil
}

// TransactionFailed releases the locks held by token (as TransactionComplete
// does) after a query failure or explicit abort.
func (h *Helper) TransactionFailed(token *Token, reason error) error {
	token.mu.Lock()
	if token.completed {
		token.mu.Unlock()
		panic("lock: TransactionFailed called twice for the same token")
	}
	token.completed = true
	token.mu.Unlock()

	h.mu.Lock()
	h.releaseLocked(token)
	h.dispatchLocked()
	closing := h.maybeResolveCloseLocked()
	h.mu.Unlock()
	h.fireCloseWaiters(closing)
	return nil
}

// NotifySpuriousAbort handles the known browser-engine quirk described in
// spec.md §5: a transaction that already completed successfully
// occasionally receives a later "abort: inactivity timeout" event from the
// backend. That event is ignored (not treated as a second completion) and
// logged, rather than panicking as a genuine double-complete would.
func (h *Helper) NotifySpuriousAbort(token *Token, reason string) {
	token.mu.Lock()
	alreadyDone := token.completed
	token.mu.Unlock()

	if alreadyDone {
		h.log.Info("ignoring spurious abort after transaction already completed",
			zap.Uint64("token", token.id), zap.String("reason", reason))
		return
	}
	_ = h.TransactionFailed(token, dberr.New(dberr.TransactionAborted, reason))
}

// CloseWhenPossible marks the helper as closing: no new transaction is
// admitted afterward, and it blocks until every already-admitted
// transaction has completed or aborted and the pending queue is drained.
func (h *Helper) CloseWhenPossible(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	done := h.maybeResolveCloseLocked()
	var closeFuture *future.Future[struct{}]
	if !done {
		var resolver future.Resolver[struct{}]
		closeFuture, resolver = future.New[struct{}]()
		h.closeWaiters = append(h.closeWaiters, resolver)
	}
	// Reject everything still pending; nothing new can be admitted once
	// closing, and an already-queued transaction that hasn't been
	// admitted yet must not block close forever.
	stillPending := h.pending
	h.pending = nil
	h.mu.Unlock()

	for _, p := range stillPending {
		p.rejected <- dberr.New(dberr.Closing, "provider closed while transaction was still pending")
	}

	if done {
		return nil
	}
	_, err := closeFuture.Wait(ctx)
	return err
}

func (h *Helper) maybeResolveCloseLocked() bool {
	return h.closing && len(h.active) == 0 && len(h.pending) == 0
}

func (h *Helper) fireCloseWaiters(resolved bool) {
	if !resolved {
		return
	}
	h.mu.Lock()
	waiters := h.closeWaiters
	h.closeWaiters = nil
	h.mu.Unlock()
	for _, w := range waiters {
		w.Resolve(struct{}{})
	}
}

// Exclusive reports whether token was opened in exclusive mode.
func (t *Token) Exclusive() bool { return t.exclusive }

// StoreNames returns the stores token holds a lock over.
func (t *Token) StoreNames() []string { return append([]string(nil), t.storeNames...) }
