package frwlock

import (
	"sync/atomic"
	"time"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/spin"
)

// waiterQueue is a lock-free singly-linked FIFO of requestNodes, per spec
// §3.3/§4.3. Head and tail are independent atomic pointers; the approx
// count bounds dequeue-chain work but is never load-bearing for
// correctness, per spec §4.3's "Approximate count" paragraph.
//
// Grounded on the Michael & Scott queue in
// other_examples/29d19ece_petenewcomb-psg-go__internal-nbcq-nbcq.go.go,
// simplified to spec §4.3's pseudocode: no ABA tagged-pointer counter,
// since Go's garbage collector (unlike the C original this algorithm is
// usually implemented against) removes the classic reuse-hazard that
// tagging exists to guard against.
type waiterQueue struct {
	head atomic.Pointer[requestNode]
	tail atomic.Pointer[requestNode]

	// approxCount bounds dequeue-chain scans; spec §4.3 is explicit
	// that it is "not for correctness."
	approxCount atomix.Int64
}

// tryEnqueue implements spec §4.3's TryEnqueue: may return false to ask
// the caller to retry. v.next must already be nil.
func (q *waiterQueue) tryEnqueue(v *requestNode) bool {
	v.next.Store(nil)

	tail := q.tail.Load()
	if tail == nil {
		return q.head.CompareAndSwap(nil, v) && q.tail.CompareAndSwap(nil, v)
	}

	next := tail.next.Load()
	if next != nil {
		// Help the lagging enqueuer finish, then let the caller retry
		// against the advanced tail rather than dereferencing the pointer
		// we just declared stale (spec §9's second open question).
		q.tail.CompareAndSwap(tail, next)
		return false
	}

	if !tail.next.CompareAndSwap(nil, v) {
		return false
	}
	// Best-effort: failure here is harmless, another enqueuer/dequeuer
	// will help swing the tail forward.
	q.tail.CompareAndSwap(tail, v)
	return true
}

// enqueue retries tryEnqueue with spin.Wait backoff between attempts, per
// spec §4.2 step 4's "spin-back" and §4.1's backoff description (each
// spin either reloads memory or reuses the prior observation, decided by
// spin.Wait internally based on whether the spin would yield).
func (q *waiterQueue) enqueue(v *requestNode) {
	sw := spin.Wait{}
	for !q.tryEnqueue(v) {
		sw.Once()
	}
	q.approxCount.AddAcqRel(1)
}

// tryDequeue implements spec §4.3's TryDequeue: (node, true) on success,
// (nil, false) means a concurrent dequeuer won the race (retry), and
// (nil, true) means the queue was observed empty.
func (q *waiterQueue) tryDequeue() (node *requestNode, ok bool) {
	head := q.head.Load()
	if head == nil {
		return nil, q.head.Load() == nil
	}
	next := head.next.Load()
	if !q.head.CompareAndSwap(head, next) {
		return nil, false
	}
	return head, true
}

// dequeue retries tryDequeue with spin backoff until it observes either a
// node or a genuinely empty queue.
func (q *waiterQueue) dequeue() (*requestNode, bool) {
	sw := spin.Wait{}
	for {
		node, ok := q.tryDequeue()
		if node != nil {
			q.approxCount.AddAcqRel(^int64(0)) // -1
			return node, true
		}
		if ok {
			return nil, false
		}
		sw.Once()
	}
}

// approxLen returns the approximate waiter count, used only to bound scan
// work (spec §3.3/§4.3).
func (q *waiterQueue) approxLen() int64 {
	return q.approxCount.LoadRelaxed()
}

// vacuum implements spec §4.3's Vacuum: walk from head, splicing out any
// later node whose deadline elapsed or whose state is no longer pending.
// The head node has no predecessor to splice from and is not inspected;
// the next dequeue handles it. Aborts
// immediately if the head pointer changes mid-walk, since that means a
// concurrent dequeue raced ahead of the scan.
func (q *waiterQueue) vacuum(now time.Time) {
	head := q.head.Load()
	if head == nil {
		return
	}
	prev := head
	cur := prev.next.Load()
	for cur != nil {
		if q.head.Load() != head {
			return
		}
		dead := cur.deadline.elapsed(now) || cur.loadState() != statePending
		next := cur.next.Load()
		if dead {
			if prev.next.CompareAndSwap(cur, next) {
				if cur.deadline.elapsed(now) {
					cur.tryCompleteAcquired(false, ErrTimeout)
				} else {
					cur.release()
				}
				q.approxCount.AddAcqRel(^int64(0)) // -1
				cur = next
				continue
			}
			// Lost the splice race (a dequeuer already consumed cur);
			// re-read and keep walking from the same predecessor.
			next = prev.next.Load()
			cur = next
			continue
		}
		prev = cur
		cur = next
	}
}
