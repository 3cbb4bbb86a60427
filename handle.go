package frwlock

import (
	"context"
	"sync"
)

// ReadHandle is a released-once-per-acquire RAII token for a shared hold,
// per SPEC_FULL.md §2A. Pooled like requestNode, so the common Acquire/
// Release cycle does not allocate.
type ReadHandle struct {
	lock     *Lock
	released bool
}

var readHandlePool = sync.Pool{New: func() any { return &ReadHandle{} }}

// AcquireRead blocks via Lock.EnterRead and, on success, returns a handle
// whose Release calls Lock.ExitRead exactly once. A non-nil error means
// no handle was granted (ErrTimeout/ErrCancelled/ErrDisposed).
func AcquireRead(ctx context.Context, l *Lock) (*ReadHandle, error) {
	ok, err := l.EnterRead(ctx)
	if !ok {
		return nil, err
	}
	h := readHandlePool.Get().(*ReadHandle)
	h.lock = l
	h.released = false
	return h, nil
}

// Release is idempotent: a second call is a no-op, since callers
// sometimes defer Release alongside an earlier explicit call on an error
// path.
func (h *ReadHandle) Release() {
	if h.released {
		return
	}
	h.released = true
	h.lock.ExitRead()
	h.lock = nil
	readHandlePool.Put(h)
}

// WriteHandle is the exclusive-hold counterpart of ReadHandle.
type WriteHandle struct {
	lock     *Lock
	released bool
}

var writeHandlePool = sync.Pool{New: func() any { return &WriteHandle{} }}

// AcquireWrite blocks via Lock.EnterWrite and, on success, returns a
// handle whose Release calls Lock.ExitWrite exactly once.
func AcquireWrite(ctx context.Context, l *Lock) (*WriteHandle, error) {
	ok, err := l.EnterWrite(ctx)
	if !ok {
		return nil, err
	}
	h := writeHandlePool.Get().(*WriteHandle)
	h.lock = l
	h.released = false
	return h, nil
}

func (h *WriteHandle) Release() {
	if h.released {
		return
	}
	h.released = true
	h.lock.ExitWrite()
	h.lock = nil
	writeHandlePool.Put(h)
}

// UpgradableReadHandle is the upgradable-shared-hold RAII token. It can
// be upgraded to an UpgradedWriteHandle via AcquireWriteUpgrade, and is
// released like any other handle.
type UpgradableReadHandle struct {
	lock     *Lock
	released bool
}

var upgradableReadHandlePool = sync.Pool{New: func() any { return &UpgradableReadHandle{} }}

// AcquireReadUpgrade blocks via Lock.EnterReadUpgrade and, on success,
// returns a handle whose Release calls Lock.ExitReadUpgrade exactly once.
func AcquireReadUpgrade(ctx context.Context, l *Lock) (*UpgradableReadHandle, error) {
	ok, err := l.EnterReadUpgrade(ctx)
	if !ok {
		return nil, err
	}
	h := upgradableReadHandlePool.Get().(*UpgradableReadHandle)
	h.lock = l
	h.released = false
	return h, nil
}

func (h *UpgradableReadHandle) Release() {
	if h.released {
		return
	}
	h.released = true
	h.lock.ExitReadUpgrade()
	h.lock = nil
	upgradableReadHandlePool.Put(h)
}

// AcquireWriteUpgrade blocks via Lock.EnterWriteUpgrade and returns an
// UpgradedWriteHandle whose Release reverts to the upgradable-shared hold
// via Lock.ExitWriteUpgrade. h keeps that hold whichever way this call
// settles, and is still released separately with its own Release.
func AcquireWriteUpgrade(ctx context.Context, h *UpgradableReadHandle) (*UpgradedWriteHandle, error) {
	ok, err := h.lock.EnterWriteUpgrade(ctx)
	if !ok {
		return nil, err
	}
	wh := upgradedWriteHandlePool.Get().(*UpgradedWriteHandle)
	wh.reader = h
	wh.released = false
	return wh, nil
}

// UpgradedWriteHandle is the temporary exclusive hold obtained by
// upgrading an UpgradableReadHandle. Releasing it restores the original
// upgradable-shared hold rather than freeing the lock outright.
type UpgradedWriteHandle struct {
	reader   *UpgradableReadHandle
	released bool
}

var upgradedWriteHandlePool = sync.Pool{New: func() any { return &UpgradedWriteHandle{} }}

func (h *UpgradedWriteHandle) Release() {
	if h.released {
		return
	}
	h.released = true
	h.reader.lock.ExitWriteUpgrade()
	h.reader = nil
	upgradedWriteHandlePool.Put(h)
}
