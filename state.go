package frwlock

// Package-level bit layout for the packed lock state word, per spec §3.1:
//
//	|63          |62      |61 .......................... 0|
//	|QueueChanged|Upgrade |       ReadCount / WriteSentinel|
//
// The low 62 bits hold either the live reader count, or — when every one
// of those bits is set — act as a sentinel meaning "held exclusive". This
// mirrors the teacher's (ilock.go) four-field bit-packed uint64, collapsed
// from four independent counters down to the one reader-count/sentinel
// encoding this spec requires.
const (
	queueChangedBit uint64 = 1 << 63
	upgradeBit      uint64 = 1 << 62

	countMask    uint64 = upgradeBit - 1 // low 62 bits
	writeSentinel uint64 = countMask     // all-ones over the count field

	// maxReadCount is the largest reader count strictly below the write
	// sentinel; attempts to exceed it fail the acquire (spec §3.1).
	maxReadCount uint64 = writeSentinel - 1
)

// isWriteWord reports whether the packed word denotes the Exclusive state.
func isWriteWord(word uint64) bool {
	return word&countMask == writeSentinel
}

// readCountOf extracts the live reader count, or 0 if the word is Exclusive.
func readCountOf(word uint64) uint64 {
	if isWriteWord(word) {
		return 0
	}
	return word & countMask
}

func queueChangedOf(word uint64) bool { return word&queueChangedBit != 0 }
func upgradeOf(word uint64) bool      { return word&upgradeBit != 0 }

func withQueueChanged(word uint64, set bool) uint64 {
	if set {
		return word | queueChangedBit
	}
	return word &^ queueChangedBit
}

func withUpgrade(word uint64, set bool) uint64 {
	if set {
		return word | upgradeBit
	}
	return word &^ upgradeBit
}

func withCount(word uint64, count uint64) uint64 {
	return (word &^ countMask) | (count & countMask)
}

// canEnterRead implements spec §3.1's CanEnterRead predicate. The upgrade
// flag is deliberately ignored: ordinary readers may coexist with an
// upgradable reader.
func canEnterRead(word uint64) bool {
	return !isWriteWord(word) && !queueChangedOf(word) && readCountOf(word) < maxReadCount
}

// canEnterReadUpgrade implements spec §3.1's CanEnterReadUpgrade predicate,
// encoded (per spec) as: word <= maxReadCount.
func canEnterReadUpgrade(word uint64) bool {
	return !isWriteWord(word) && !upgradeOf(word) && !queueChangedOf(word) && word <= maxReadCount
}

// canEnterWrite implements spec §3.1's CanEnterWrite predicate: the word
// must be entirely zero (no readers, no upgrade, no queue-changed flag).
func canEnterWrite(word uint64) bool {
	return word == 0
}

// canEnterWriteUpgrade implements spec §3.1's CanEnterWriteUpgrade
// predicate: the sole reader is the upgradable one requesting the upgrade.
func canEnterWriteUpgrade(word uint64) bool {
	return upgradeOf(word) && !isWriteWord(word) && readCountOf(word) <= 1
}

// queueChangedAllowed reports whether the QueueChanged bit may legally be
// set by a waiter of the given kind in the current word, per spec §4.1's
// per-kind preconditions on the "inform the releaser" CAS.
func queueChangedAllowed(word uint64, k requestKind) bool {
	if queueChangedOf(word) {
		return false
	}
	switch k {
	case kindWrite:
		return true
	case kindRead:
		return isWriteWord(word)
	case kindReadUpgrade:
		return isWriteWord(word) && !upgradeOf(word)
	case kindWriteUpgrade:
		return upgradeOf(word)
	default:
		return false
	}
}

// lockStateView is the decoded, test/debug-friendly view of the packed
// word, returned by Lock.GetState (spec §6.1).
type lockStateView struct {
	ReadCount    uint64
	IsWrite      bool
	Upgrade      bool
	QueueChanged bool
	Raw          uint64
}

func decodeState(word uint64) lockStateView {
	return lockStateView{
		ReadCount:    readCountOf(word),
		IsWrite:      isWriteWord(word),
		Upgrade:      upgradeOf(word),
		QueueChanged: queueChangedOf(word),
		Raw:          word,
	}
}
