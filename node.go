package frwlock

import (
	"sync"
	"sync/atomic"
	"time"

	"code.hybscloud.com/atomix"
)

// requestKind is the kind of lock a waiter's requestNode is queued for,
// per spec §3.2.
type requestKind uint8

const (
	kindUninitialized requestKind = iota
	kindRead
	kindWrite
	kindReadUpgrade
	kindWriteUpgrade
)

func (k requestKind) isUpgrade() bool {
	return k == kindReadUpgrade || k == kindWriteUpgrade
}

func (k requestKind) isWrite() bool {
	return k == kindWrite || k == kindWriteUpgrade
}

// nodeState is the one-shot completion state of a requestNode, per spec
// §4.7: Pending -> {Completed, Failed, Deadborn}, CAS-transitioned exactly
// once.
type nodeState uint64

const (
	statePending nodeState = iota
	stateCompleted
	stateFailed
	stateDeadborn
)

// deadlineKind distinguishes the three deadline shapes spec §3.2 allows:
// zero (pure fast path, caller never waits), infinite (no timeout checks),
// or an absolute instant.
type deadlineKind uint8

const (
	deadlineZero deadlineKind = iota
	deadlineInfinite
	deadlineAt
)

type deadlineSpec struct {
	kind deadlineKind
	at   time.Time
}

func (d deadlineSpec) elapsed(now time.Time) bool {
	switch d.kind {
	case deadlineZero:
		return true
	case deadlineInfinite:
		return false
	default:
		return !now.Before(d.at)
	}
}

// requestNode is a pooled waiter record, per spec §3.2. Every shared field
// is accessed only through atomix atomics, per spec §5.
type requestNode struct {
	kind     requestKind
	deadline deadlineSpec

	// refCount starts at 2 (queue-reference + caller-reference) and is
	// never allowed to climb back above that after construction (spec
	// §3.2 invariant #1). It is released exactly twice over the node's
	// lifetime; the second release returns the node to its pool.
	refCount atomix.Uint64

	// state is the CAS-guarded one-shot completion state (spec §4.7).
	state atomix.Uint64 // holds a nodeState value

	// cancel, if non-nil, unregisters this node's cancellation callback
	// (spec §3.2's "cancellation-registration handle").
	cancel func()

	// runAsync mirrors Config.runContinuationsAsynchronously (spec §6.2):
	// when set, TryCompleteAcquired's continuation (the future resolution
	// and reference release) is dispatched onto its own goroutine instead
	// of running inline on the releaser's goroutine. Set by the caller
	// after rentNode returns; defaults to false (inline) so callers that
	// never touch it, including tests, get the old synchronous behavior.
	runAsync bool

	future resultFuture

	next atomic.Pointer[requestNode]
}

// resultFuture is the per-waiter one-shot result channel of spec §3.2/§3,
// supporting both a blocking Wait and a cooperative Poll. version tracks
// resets the way spec §4.7's last paragraph describes ("the result
// channel's version number is incremented on each reset"); a node whose
// version saturates is dropped instead of recycled.
type resultFuture struct {
	done    chan struct{}
	success bool
	err     error
	version uint32
}

const versionSaturation = ^uint32(0)

func (f *resultFuture) reset() {
	f.done = make(chan struct{})
	f.success = false
	f.err = nil
	if f.version != versionSaturation {
		f.version++
	}
}

// saturated reports whether this future's version has wrapped to the
// sentinel, meaning its node must be dropped to the garbage collector
// rather than recycled (spec §3.2).
func (f *resultFuture) saturated() bool {
	return f.version == versionSaturation
}

// complete publishes a result. Must only be called once, after the
// node's state CAS has already settled; the channel close is the
// happens-before edge a blocked Wait synchronizes on.
func (f *resultFuture) complete(success bool, err error) {
	f.success = success
	f.err = err
	close(f.done)
}

// Wait blocks until the future resolves. Cancellation and deadline expiry
// are not observed here directly: a separate watcher (see Lock.enter)
// settles the node itself on either condition, so every path that reaches
// completion funnels through the same one-shot transition.
func (f *resultFuture) Wait() (bool, error) {
	<-f.done
	return f.success, f.err
}

// Poll is the cooperative, non-blocking variant: (acquired, resolved).
func (f *resultFuture) Poll() (success bool, err error, resolved bool) {
	select {
	case <-f.done:
		return f.success, f.err, true
	default:
		return false, nil, false
	}
}

// nodePools holds one sync.Pool per requestKind, per spec §3.2/§5's
// "pooled per type" requirement. sync.Pool already gives the per-P
// fast-path-plus-shared-fallback shape spec §5 describes (see DESIGN.md);
// no bespoke arena is built.
var nodePools = [5]sync.Pool{
	kindUninitialized: {New: func() any { return &requestNode{} }},
	kindRead:          {New: func() any { return &requestNode{} }},
	kindWrite:         {New: func() any { return &requestNode{} }},
	kindReadUpgrade:   {New: func() any { return &requestNode{} }},
	kindWriteUpgrade:  {New: func() any { return &requestNode{} }},
}

// rentNode rents a requestNode of the given kind from its pool, per spec
// §3.2's lifecycle first step, initializing refCount to 2.
func rentNode(k requestKind, d deadlineSpec, cancel func()) *requestNode {
	n := nodePools[k].Get().(*requestNode)
	n.kind = k
	n.deadline = d
	n.cancel = cancel
	n.runAsync = false
	n.refCount.StoreRelease(2)
	n.state.StoreRelease(uint64(statePending))
	n.future.reset()
	n.next.Store(nil)
	return n
}

// release decrements refCount by one; on reaching zero, returns the node
// to its pool (or drops it, if its future has saturated), per spec §3.2.
func (n *requestNode) release() {
	remaining := n.refCount.AddAcqRel(^uint64(0)) // -1
	if remaining != 0 {
		return
	}
	if n.cancel != nil {
		n.cancel()
		n.cancel = nil
	}
	if n.future.saturated() {
		return
	}
	nodePools[n.kind].Put(n)
}

// casState attempts the one-shot Pending -> target transition.
func (n *requestNode) casState(target nodeState) bool {
	return n.state.CompareAndSwapAcqRel(uint64(statePending), uint64(target))
}

func (n *requestNode) loadState() nodeState {
	return nodeState(n.state.LoadAcquire())
}

// TryReleaseBeforeAcquired implements spec §4.7: used when the acquirer
// raced to the lock after enqueue; the queue will skip this node.
func (n *requestNode) tryReleaseBeforeAcquired() {
	n.casState(stateDeadborn)
	n.release() // drop the caller-reference; the queue still owns one
}

// releaseUnused implements spec §4.7's ReleaseUnused. It is called only
// when TryEnqueue never actually linked the node in (spec §4.2 step 4):
// the node was never observed by any other goroutine, so it is returned
// to the pool directly rather than through the two-reference protocol.
// Uses CAS rather than an unconditional store per spec §9's open-question
// recommendation: a lost CAS means a concurrent caller already raced
// ahead of us, which must not be overwritten.
func (n *requestNode) releaseUnused() {
	n.casState(stateDeadborn)
	n.refCount.StoreRelease(0)
	if n.cancel != nil {
		n.cancel()
		n.cancel = nil
	}
	if !n.future.saturated() {
		nodePools[n.kind].Put(n)
	}
}

// tryCompleteAcquired implements spec §4.7's TryCompleteAcquired: the
// dispatcher or a timeout/cancellation path calls this exactly once per
// node; only the first caller wins the CAS. Drops the queue-reference.
//
// The CAS itself always runs inline, since its return value is the
// caller's only signal of who won the race. Everything after it — the
// cancellation-hook teardown, resolving the future, and releasing the
// queue-reference — is the "continuation" spec §6.2's
// runContinuationsAsynchronously knob controls: inline on the releaser's
// goroutine by default, or handed to a worker goroutine when set, per
// spec §7's propagation policy a panicking continuation is recovered and
// re-raised on a detached goroutine (recoverResultChannelException)
// rather than being allowed to run uncaught wherever it happens to execute.
func (n *requestNode) tryCompleteAcquired(success bool, err error) bool {
	target := stateCompleted
	if !success {
		target = stateFailed
	}
	if !n.casState(target) {
		return false
	}
	continuation := func() {
		defer recoverResultChannelException()
		if n.cancel != nil {
			cancel := n.cancel
			n.cancel = nil
			cancel()
		}
		n.future.complete(success, err)
		n.release() // drop queue-reference
	}
	if n.runAsync {
		go continuation()
	} else {
		continuation()
	}
	return true
}

// checkQueueCanHold implements spec §4.5/§4.7's CheckQueueCanHold: called
// during dequeue. If the deadline elapsed, completes with not-acquired and
// reports not-pending; otherwise if already non-pending, releases the
// queue-reference and reports not-pending. Returns true iff still pending.
func (n *requestNode) checkQueueCanHold(now time.Time) bool {
	if n.deadline.elapsed(now) {
		n.tryCompleteAcquired(false, ErrTimeout)
		return false
	}
	if n.loadState() != statePending {
		n.release()
		return false
	}
	return true
}
