package frwlock

import "time"

// startVacuum launches the background scan of spec §4.8: on each tick, it
// walks both waiter queues and unlinks any node after the head whose
// deadline has elapsed or whose state has already settled without anyone
// noticing (e.g. a cancellation that raced with a quiet, never-released
// lock). The head node itself is not inspected; the next dequeue skips it.
// Grounded on the teacher's intention-lock package having no equivalent
// (the condvar-based ilock.Mutex needs no such sweep, since every
// release broadcasts); this is a new piece of machinery this lock's
// lock-free queue design requires, built in the same CAS-loop,
// no-extra-locking style as the rest of the package.
func (l *Lock) startVacuum() {
	l.vacuumStop = make(chan struct{})
	l.vacuumDone = make(chan struct{})
	go l.vacuumLoop()
}

// vacuumLoop's cadence is driven by the real wall clock regardless of
// cfg.timeProvider: the provider injects "what time is it" for deadline
// comparisons (so tests can fake elapsed-deadline scenarios without
// sleeping), but "when do we next scan" is a plain wall-clock ticker.
func (l *Lock) vacuumLoop() {
	defer close(l.vacuumDone)
	ticker := time.NewTicker(l.cfg.vacuumInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.vacuumStop:
			return
		case <-ticker.C:
			now := l.now()
			l.defaultQueue.vacuum(now)
			l.elevatedQueue.vacuum(now)
		}
	}
}

// stopVacuum is idempotent-safe only when called once from Dispose, which
// itself is guarded by the disposed CAS.
func (l *Lock) stopVacuum() {
	if l.vacuumStop == nil {
		return
	}
	close(l.vacuumStop)
	<-l.vacuumDone
}
