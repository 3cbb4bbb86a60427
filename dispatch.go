package frwlock

import "time"

// dequeueState accumulates the result of a Dequeue-Under-Exclusive pass,
// per spec §4.4. It persists across retries of the main loop within a
// single dequeueUnderExclusive call, so a read batch collected on one
// iteration survives a later CAS loss or QueueChanged-triggered retry.
type dequeueState struct {
	reads          []*requestNode
	readCount      uint64
	isUpgrade      bool
	upgradeInBatch bool // an admitted node in reads is itself read+upgrade
	queueRemaining bool
}

// dequeueUnderExclusive is the release dispatcher of spec §4.4. Precondition:
// the State Word is IsWrite. It is invoked by any releaser that leaves the
// lock in a state that must admit waiters.
func (l *Lock) dequeueUnderExclusive() {
	ds := &dequeueState{}
	now := l.now()

	for {
		word := l.state.LoadAcquire()
		if !isWriteWord(word) {
			// Contract violation: spec §9 requires this remain checked,
			// not soft-recovered.
			panic("frwlock: dequeueUnderExclusive invoked with non-exclusive state")
		}
		ds.isUpgrade = ds.isUpgrade || upgradeOf(word)

		var selectedWrite *requestNode

		switch l.cfg.elevation {
		case elevateNone:
			selectedWrite = l.dequeueWriteOrReadChain(&l.defaultQueue, ds, now)

		case elevateRead:
			l.dequeueReadChain(&l.elevatedQueue, ds, now)
			if len(ds.reads) == 0 {
				selectedWrite = l.dequeueWriteOrReadChain(&l.defaultQueue, ds, now)
			} else if l.defaultQueue.approxLen() > 0 {
				ds.queueRemaining = true
			}

		case elevateWrite:
			if len(ds.reads) > 0 {
				if l.elevatedQueue.approxLen() > 0 {
					ds.queueRemaining = true
				}
			} else {
				selectedWrite = l.dequeueWriteOnly(&l.elevatedQueue, ds, now)
				if selectedWrite == nil {
					l.dequeueReadChain(&l.defaultQueue, ds, now)
				}
			}
		}

		if selectedWrite != nil {
			if selectedWrite.tryCompleteAcquired(true, nil) {
				return
			}
			// The node settled (timeout/cancel) in the race window; drop
			// our reference to it and retry the whole main loop.
			selectedWrite.release()
			continue
		}

		if queueChangedOf(word) {
			cleared := withQueueChanged(word, false)
			l.state.CompareAndSwapAcqRel(word, cleared)
			continue
		}

		extra := uint64(0)
		if ds.isUpgrade && !ds.upgradeInBatch {
			// The upgradable reader already held its slot before we went
			// exclusive (e.g. ExitWriteUpgrade reverting to upgradable-
			// read) and is not itself a queued waiter; account for it.
			extra = 1
		}

		var target uint64
		target = withCount(target, ds.readCount+extra)
		target = withUpgrade(target, ds.isUpgrade)
		target = withQueueChanged(target, ds.queueRemaining)

		if !l.state.CompareAndSwapAcqRel(word, target) {
			continue
		}
		l.completeAdmittedReaders(ds)
		return
	}
}

// dequeueReadChain implements spec §4.5's "Dequeue a chain of reads".
func (l *Lock) dequeueReadChain(q *waiterQueue, ds *dequeueState, now time.Time) {
	start := q.approxLen()
	if start < 0 {
		start = 0
	}
	limit := start
	var processed int64

	for {
		node, ok := q.dequeue()
		if !ok {
			return
		}
		processed++
		if cur := q.approxLen(); cur > limit {
			limit = cur
		}

		if !node.checkQueueCanHold(now) {
			continue
		}

		if node.kind.isWrite() || (node.kind.isUpgrade() && ds.isUpgrade) {
			q.enqueue(node)
			if len(ds.reads) == 0 && processed <= limit {
				continue
			}
			ds.queueRemaining = true
			return
		}

		if node.kind.isUpgrade() {
			ds.isUpgrade = true
			ds.upgradeInBatch = true
		}
		ds.reads = append(ds.reads, node)
		ds.readCount++
	}
}

// dequeueWriteOrReadChain implements spec §4.5's "Dequeue a write or a
// chain of reads": identical to dequeueReadChain, plus the extra case
// that a dequeued write whose batch-so-far is empty and whose upgrade
// parity matches is consumed as the selected writer.
func (l *Lock) dequeueWriteOrReadChain(q *waiterQueue, ds *dequeueState, now time.Time) *requestNode {
	start := q.approxLen()
	if start < 0 {
		start = 0
	}
	limit := start
	var processed int64

	for {
		node, ok := q.dequeue()
		if !ok {
			return nil
		}
		processed++
		if cur := q.approxLen(); cur > limit {
			limit = cur
		}

		if !node.checkQueueCanHold(now) {
			continue
		}

		if node.kind.isWrite() {
			if len(ds.reads) == 0 && node.kind.isUpgrade() == ds.isUpgrade {
				return node
			}
			q.enqueue(node)
			if len(ds.reads) == 0 && processed <= limit {
				continue
			}
			ds.queueRemaining = true
			return nil
		}

		if node.kind.isUpgrade() && ds.isUpgrade {
			q.enqueue(node)
			if len(ds.reads) == 0 && processed <= limit {
				continue
			}
			ds.queueRemaining = true
			return nil
		}

		if node.kind.isUpgrade() {
			ds.isUpgrade = true
			ds.upgradeInBatch = true
		}
		ds.reads = append(ds.reads, node)
		ds.readCount++
	}
}

// dequeueWriteOnly drains the elevated queue for a single admissible
// writer, per spec §4.4's Elevated=Write first step: the elevated queue
// in this mode holds only write/write-upgrade kinds, so no read batch is
// built from it.
func (l *Lock) dequeueWriteOnly(q *waiterQueue, ds *dequeueState, now time.Time) *requestNode {
	start := q.approxLen()
	if start < 0 {
		start = 0
	}
	limit := start
	var processed int64

	for {
		node, ok := q.dequeue()
		if !ok {
			return nil
		}
		processed++
		if cur := q.approxLen(); cur > limit {
			limit = cur
		}

		if !node.checkQueueCanHold(now) {
			continue
		}

		if node.kind.isUpgrade() == ds.isUpgrade {
			return node
		}
		q.enqueue(node)
		if processed <= limit {
			continue
		}
		ds.queueRemaining = true
		return nil
	}
}

// completeAdmittedReaders implements spec §4.6's "Completion cleanup":
// complete every admitted reader node now that the new, non-exclusive
// state is published. A node that can no longer be completed (it settled
// via timeout/cancellation in the race window) contributes a phantom
// read, whose reserved slot is then refunded via ExitRead.
func (l *Lock) completeAdmittedReaders(ds *dequeueState) {
	var phantom uint64
	var phantomUpgrade bool
	for _, n := range ds.reads {
		if !n.tryCompleteAcquired(true, nil) {
			phantom++
			if n.kind.isUpgrade() {
				phantomUpgrade = true
			}
		}
	}
	if phantom > 0 {
		l.exitRead(phantom, phantomUpgrade)
	}
}
