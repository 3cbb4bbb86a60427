package frwlock

import (
	"context"
	"errors"
	"time"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"code.hybscloud.com/spin"
)

// Lock is a fair, priority-elevatable reader/writer/upgradable-reader lock,
// per spec §3/§4. The zero value is not usable; construct with New.
//
// Grounded on the teacher's Mutex (ilock.go): a single packed atomic state
// word plus CAS-loop registration/release methods, generalized from the
// teacher's four independent holder counters down to the one
// count/sentinel encoding state.go implements, and from the teacher's
// condvar-based wakeup to the lock-free waiter queues in queue.go (no
// mutex, no condvar: every suspension point is a requestNode's own result
// channel).
type Lock struct {
	state atomix.Uint64

	defaultQueue  waiterQueue
	elevatedQueue waiterQueue

	cfg Config

	disposed atomix.Uint64

	vacuumStop chan struct{}
	vacuumDone chan struct{}
}

// New constructs a Lock. Construction-time options are validated per spec
// §6.2; an invalid combination (e.g. both elevate-read and elevate-write)
// returns ErrConfigInvalid.
func New(opts ...Option) (*Lock, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	l := &Lock{cfg: cfg}
	if cfg.vacuumInterval > 0 {
		l.startVacuum()
	}
	return l, nil
}

func (l *Lock) now() time.Time {
	return l.cfg.timeProvider.Now()
}

// queueFor routes a waiter of the given kind to the elevated queue or the
// default (fair) queue, per spec §6.2's elevation modes.
func (l *Lock) queueFor(kind requestKind) *waiterQueue {
	switch l.cfg.elevation {
	case elevateRead:
		if kind == kindRead || kind == kindReadUpgrade {
			return &l.elevatedQueue
		}
	case elevateWrite:
		if kind == kindWrite || kind == kindWriteUpgrade {
			return &l.elevatedQueue
		}
	}
	return &l.defaultQueue
}

// optimisticAcquireOnce implements the per-kind predicate+transition pairs
// of spec §3.1/§4.1: if the predicate holds against word, it returns the
// target word to CAS to.
func optimisticAcquireOnce(word uint64, kind requestKind) (target uint64, can bool) {
	switch kind {
	case kindRead:
		if canEnterRead(word) {
			return withCount(word, readCountOf(word)+1), true
		}
	case kindReadUpgrade:
		if canEnterReadUpgrade(word) {
			return withUpgrade(withCount(word, readCountOf(word)+1), true), true
		}
	case kindWrite:
		if canEnterWrite(word) {
			return writeSentinel, true
		}
	case kindWriteUpgrade:
		if canEnterWriteUpgrade(word) {
			return withUpgrade(writeSentinel, true), true
		}
	}
	return 0, false
}

// tryAcquireFast is spec §4.1's optimistic, non-queued acquire attempt: it
// never enqueues and never blocks.
func (l *Lock) tryAcquireFast(kind requestKind) bool {
	sw := spin.Wait{}
	for {
		word := l.state.LoadAcquire()
		target, can := optimisticAcquireOnce(word, kind)
		if !can {
			return false
		}
		if l.state.CompareAndSwapAcqRel(word, target) {
			return true
		}
		sw.Once()
	}
}

// acquireOrMarkQueued implements spec §4.1's second bullet: after the
// caller has already enqueued, keep retrying the optimistic CAS; if the
// predicate never holds, instead try to set QueueChanged so the current
// holder's release path runs the dispatcher. Returns true iff the caller
// acquired the lock directly, without ever being dequeued.
func (l *Lock) acquireOrMarkQueued(kind requestKind) bool {
	sw := spin.Wait{}
	for {
		word := l.state.LoadAcquire()
		if target, can := optimisticAcquireOnce(word, kind); can {
			if l.state.CompareAndSwapAcqRel(word, target) {
				return true
			}
			sw.Once()
			continue
		}
		if queueChangedAllowed(word, kind) {
			target := withQueueChanged(word, true)
			if l.state.CompareAndSwapAcqRel(word, target) {
				return false
			}
			sw.Once()
			continue
		}
		return false
	}
}

// deadlineFromContext derives a requestNode's deadline from ctx, per spec
// §6.1: ctx carries both the deadline and the cancellation signal.
func deadlineFromContext(ctx context.Context) deadlineSpec {
	if ctx == nil {
		return deadlineSpec{kind: deadlineInfinite}
	}
	if at, ok := ctx.Deadline(); ok {
		return deadlineSpec{kind: deadlineAt, at: at}
	}
	return deadlineSpec{kind: deadlineInfinite}
}

func mapCtxErr(err error) error {
	if errors.Is(err, context.Canceled) {
		return ErrCancelled
	}
	return ErrTimeout
}

// watchWaiter spawns the single goroutine (if any) that settles a queued
// node on cancellation or deadline expiry independently of the dispatcher
// and vacuum scan, so a waiter is never left hanging solely because
// nothing else happens to touch the lock before its deadline. Returns the
// node's cancellation-registration handle (spec §3.2), or nil if there is
// nothing to watch (no ctx, no deadline).
func (l *Lock) watchWaiter(ctx context.Context, deadline deadlineSpec, n *requestNode) func() {
	if ctx == nil && deadline.kind != deadlineAt {
		return nil
	}
	var ctxDone <-chan struct{}
	if ctx != nil {
		ctxDone = ctx.Done()
	}
	var timer *time.Timer
	var timerC <-chan time.Time
	if deadline.kind == deadlineAt {
		timer = time.NewTimer(time.Until(deadline.at))
		timerC = timer.C
	}
	stop := make(chan struct{})
	go func() {
		if timer != nil {
			defer timer.Stop()
		}
		select {
		case <-ctxDone:
			if ctx != nil {
				if err := mapCtxErr(ctx.Err()); err != nil {
					n.tryCompleteAcquired(false, err)
				}
			}
		case <-timerC:
			n.tryCompleteAcquired(false, ErrTimeout)
		case <-stop:
		}
	}()
	return func() { close(stop) }
}

// enter implements spec §4.2's enqueue-on-contention sequencing, shared by
// the four blocking Enter* operations.
func (l *Lock) enter(ctx context.Context, kind requestKind) (bool, error) {
	if l.disposed.LoadAcquire() != 0 {
		return false, ErrDisposed
	}
	if l.tryAcquireFast(kind) {
		return true, nil
	}
	if ctx != nil {
		select {
		case <-ctx.Done():
			return false, mapCtxErr(ctx.Err())
		default:
		}
	}

	deadline := deadlineFromContext(ctx)
	q := l.queueFor(kind)

	if q.approxCount.AddAcqRel(1) > int64(maxReadCount) {
		q.approxCount.AddAcqRel(^int64(0))
		return false, ErrQueueOverflow
	}

	node := rentNode(kind, deadline, nil)
	node.runAsync = l.cfg.runContinuationsAsynchronously
	node.cancel = l.watchWaiter(ctx, deadline, node)

	backoff := iox.Backoff{}
	for !q.tryEnqueue(node) {
		if l.tryAcquireFast(kind) {
			q.approxCount.AddAcqRel(^int64(0))
			node.releaseUnused()
			return true, nil
		}
		backoff.Wait()
	}

	if l.acquireOrMarkQueued(kind) {
		node.tryReleaseBeforeAcquired()
		return true, nil
	}

	success, err := node.future.Wait()
	node.release() // drop the caller-reference
	return success, err
}

// TryEnterRead attempts the fast, non-queued shared acquire of spec §4.1.
func (l *Lock) TryEnterRead() bool {
	if l.disposed.LoadAcquire() != 0 {
		return false
	}
	return l.tryAcquireFast(kindRead)
}

// TryEnterReadUpgrade attempts the fast, non-queued upgradable-shared
// acquire of spec §4.1.
func (l *Lock) TryEnterReadUpgrade() bool {
	if l.disposed.LoadAcquire() != 0 {
		return false
	}
	return l.tryAcquireFast(kindReadUpgrade)
}

// TryEnterWrite attempts the fast, non-queued exclusive acquire of spec
// §4.1.
func (l *Lock) TryEnterWrite() bool {
	if l.disposed.LoadAcquire() != 0 {
		return false
	}
	return l.tryAcquireFast(kindWrite)
}

// TryEnterWriteUpgrade attempts the fast, non-queued upgraded-exclusive
// transition from an already-held upgradable-shared state, per spec §4.1.
func (l *Lock) TryEnterWriteUpgrade() bool {
	if l.disposed.LoadAcquire() != 0 {
		return false
	}
	return l.tryAcquireFast(kindWriteUpgrade)
}

// EnterRead blocks for shared access until acquired, ctx is done, or the
// lock is disposed. A plain deadline expiry (ctx.Err() ==
// context.DeadlineExceeded) returns (false, ErrTimeout); explicit
// cancellation returns (false, ErrCancelled); disposal returns
// (false, ErrDisposed).
func (l *Lock) EnterRead(ctx context.Context) (bool, error) {
	return l.enter(ctx, kindRead)
}

// EnterReadUpgrade blocks for upgradable-shared access. See EnterRead for
// the error taxonomy.
func (l *Lock) EnterReadUpgrade(ctx context.Context) (bool, error) {
	return l.enter(ctx, kindReadUpgrade)
}

// EnterWrite blocks for exclusive access. See EnterRead for the error
// taxonomy.
func (l *Lock) EnterWrite(ctx context.Context) (bool, error) {
	return l.enter(ctx, kindWrite)
}

// EnterWriteUpgrade blocks for the upgraded-exclusive transition from an
// already-held upgradable-shared state. See EnterRead for the error
// taxonomy.
func (l *Lock) EnterWriteUpgrade(ctx context.Context) (bool, error) {
	return l.enter(ctx, kindWriteUpgrade)
}

// ExitRead releases one shared hold, per spec §4.6. Panics if no reader is
// held (a programmer error, not a runtime condition callers should
// recover from — the teacher's ilock.go release paths make the same
// assumption about balanced lock/unlock calls).
func (l *Lock) ExitRead() {
	sw := spin.Wait{}
	for {
		word := l.state.LoadAcquire()
		count := readCountOf(word)
		if isWriteWord(word) || count == 0 {
			panic("frwlock: ExitRead called without holding a shared lock")
		}
		remaining := count - 1
		upgrade := upgradeOf(word)
		// A queued write-upgrade waiter becomes admissible the instant only
		// the upgradable reader itself remains (spec §3.1's CanEnterWriteUpgrade
		// allows a count of at most one), not only when the count reaches
		// zero outright.
		if queueChangedOf(word) && (remaining == 0 || (remaining == 1 && upgrade)) {
			target := withUpgrade(writeSentinel, upgrade)
			if l.state.CompareAndSwapAcqRel(word, target) {
				l.dequeueUnderExclusive()
				return
			}
			sw.Once()
			continue
		}
		if l.state.CompareAndSwapAcqRel(word, withCount(word, remaining)) {
			return
		}
		sw.Once()
	}
}

// ExitReadUpgrade releases the upgradable-shared hold, per spec §4.6.
func (l *Lock) ExitReadUpgrade() {
	sw := spin.Wait{}
	for {
		word := l.state.LoadAcquire()
		if isWriteWord(word) || !upgradeOf(word) {
			panic("frwlock: ExitReadUpgrade called without holding the upgradable-shared lock")
		}
		count := readCountOf(word)
		if count == 1 && queueChangedOf(word) {
			if l.state.CompareAndSwapAcqRel(word, writeSentinel) {
				l.dequeueUnderExclusive()
				return
			}
			sw.Once()
			continue
		}
		target := withUpgrade(withCount(word, count-1), false)
		if l.state.CompareAndSwapAcqRel(word, target) {
			return
		}
		sw.Once()
	}
}

// ExitWrite releases the exclusive hold, per spec §4.6. The state word is
// already Exclusive, so this is exactly the Dequeue-Under-Exclusive
// dispatcher of spec §4.4.
func (l *Lock) ExitWrite() {
	word := l.state.LoadAcquire()
	if !isWriteWord(word) || upgradeOf(word) {
		panic("frwlock: ExitWrite called without holding the exclusive lock")
	}
	l.dequeueUnderExclusive()
}

// ExitWriteUpgrade releases the upgraded-exclusive hold, reverting to the
// upgradable-shared state the caller held before the upgrade (spec §4.6):
// dequeueUnderExclusive's upgrade accounting folds this holder back in as
// the "extra" reader that never appears in any dequeued batch.
func (l *Lock) ExitWriteUpgrade() {
	word := l.state.LoadAcquire()
	if !isWriteWord(word) || !upgradeOf(word) {
		panic("frwlock: ExitWriteUpgrade called without holding the upgraded-exclusive lock")
	}
	l.dequeueUnderExclusive()
}

// exitRead refunds n reserved shared slots that the dispatcher granted but
// could not deliver to their waiters (spec §4.6's phantom-read
// accounting): the waiters settled via timeout or cancellation in the
// race window between the state CAS and their completion. clearUpgrade is
// set when one of the phantoms was itself the read-upgrade waiter, so its
// reserved upgrade flag must be refunded too.
func (l *Lock) exitRead(n uint64, clearUpgrade bool) {
	sw := spin.Wait{}
	for {
		word := l.state.LoadAcquire()
		count := readCountOf(word)
		if isWriteWord(word) || count < n {
			panic("frwlock: exitRead refund exceeds live reader count")
		}
		remaining := count - n
		upgrade := upgradeOf(word) && !clearUpgrade
		if queueChangedOf(word) && (remaining == 0 || (remaining == 1 && upgrade)) {
			target := withUpgrade(writeSentinel, upgrade)
			if l.state.CompareAndSwapAcqRel(word, target) {
				l.dequeueUnderExclusive()
				return
			}
			sw.Once()
			continue
		}
		target := withUpgrade(withCount(word, remaining), upgrade)
		if l.state.CompareAndSwapAcqRel(word, target) {
			return
		}
		sw.Once()
	}
}

// GetState returns a decoded snapshot of the lock's packed state word, per
// spec §6.1. Intended for diagnostics and tests, not for synchronization
// decisions (the word may change the instant it is read).
func (l *Lock) GetState() lockStateView {
	return decodeState(l.state.LoadAcquire())
}

// Dispose implements spec §6.1/§7: idempotently stops the vacuum loop and
// fails every waiter still queued, in either queue, with ErrDisposed.
// Any Enter* call made after Dispose also fails with ErrDisposed; Try*
// calls made after Dispose simply return false.
func (l *Lock) Dispose() {
	if !l.disposed.CompareAndSwapAcqRel(0, 1) {
		return
	}
	l.stopVacuum()
	l.drainQueue(&l.defaultQueue)
	l.drainQueue(&l.elevatedQueue)
}

func (l *Lock) drainQueue(q *waiterQueue) {
	for {
		node, ok := q.dequeue()
		if !ok {
			return
		}
		if !node.tryCompleteAcquired(false, ErrDisposed) {
			node.release()
		}
	}
}
