package frwlock

import (
	"errors"
	"fmt"

	"code.hybscloud.com/iox"
)

// Error taxonomy, per spec §7. Every error reaches the caller through the
// acquire future; no release path ever returns or panics with one of
// these (CAS-loss and transient queue races are retried internally and
// never observable, per spec §7's propagation policy).
var (
	// ErrTimeout is returned when Enter* woke up because its deadline
	// elapsed before the lock was granted.
	ErrTimeout = errors.New("frwlock: acquire timed out")

	// ErrCancelled is returned when the caller's cancellation fired
	// before the lock was granted.
	ErrCancelled = errors.New("frwlock: acquire cancelled")

	// ErrConfigInvalid is returned by New when construction options are
	// contradictory (spec §6.2's last paragraph).
	ErrConfigInvalid = errors.New("frwlock: invalid configuration")

	// ErrDisposed is returned to any acquire made after Dispose, and to
	// any waiter still queued at the moment Dispose runs (spec §7).
	ErrDisposed = errors.New("frwlock: lock disposed")
)

// ErrQueueOverflow is spec §7's QueueOverflow: more than maxReadCount
// waiters are already queued. It aliases iox's would-block semantics
// (code.hybscloud.com/iox, the pack's own "this is backpressure, not a
// hard failure" convention from hayabusa-cloud-lfq) for ecosystem
// consistency with the rest of this module's internal retry plumbing,
// while still being distinguishable via errors.Is from a plain timeout.
var ErrQueueOverflow = fmt.Errorf("frwlock: waiter queue overflow: %w", iox.ErrWouldBlock)

// IsQueueOverflow reports whether err denotes queue backpressure, using
// the same iox.IsWouldBlock delegation hayabusa-cloud-lfq's errors.go uses.
func IsQueueOverflow(err error) bool {
	return errors.Is(err, ErrQueueOverflow) || iox.IsWouldBlock(err)
}

// recoverResultChannelException is spec §7's last-resort safety net: if a
// continuation registered on a future's completion panics (users must not
// panic from continuations, but a releaser's thread must never be
// poisoned by one that does), the panic is re-raised on a detached
// goroutine instead of propagating into the releaser.
func recoverResultChannelException() {
	if r := recover(); r != nil {
		go func(r any) {
			panic(r)
		}(r)
	}
}
