// Package frwlock implements a fair, lock-free reader/writer lock with an
// upgradable-shared state, in the spirit of the package's namesake
// intention lock: a small number of logical lock states, packed into one
// atomic word, entered and released through CAS-loop registration methods.
//
// ## Overview
//
// Where an intention lock layers provisional IS/IX states on top of S/X so
// that a thread can safely descend a tree without locking every node, this
// lock layers a single provisional state — Upgradable-Shared — on top of
// ordinary Shared and Exclusive access. A caller holding Upgradable-Shared
// may later request Upgraded-Exclusive without ever dropping its read
// access in between, which an ordinary reader cannot do (it would have to
// release its Shared hold and race every other waiter to re-acquire
// Exclusive).
//
// The five states are:
//
//	Free               no holders
//	Shared             N ordinary readers
//	Upgradable-Shared  N readers, one of which may request an upgrade
//	Exclusive          one writer
//	Upgraded-Exclusive one writer, which was an Upgradable-Shared holder
//
// The transition matrix (Yes = granted immediately, Queue = granted once
// admitted by the release dispatcher):
//
//	+----------------+------+--------+------------------+-----------+
//	|Request/Holding | Free | Shared | Upgradable-Shared | Exclusive |
//	+----------------+------+--------+------------------+-----------+
//	|Request Shared   | Yes  |  Yes   |       Yes         |   Queue   |
//	|Request Upgrad.  | Yes  |  Yes   |       Queue       |   Queue   |
//	|Request Exclusive| Yes  | Queue  |       Queue       |   Queue   |
//	+----------------+------+--------+------------------+-----------+
//
// Unlike the intention lock's condvar-based wakeup, contended callers here
// park on a per-waiter lock-free queue node's own result channel; the
// releasing goroutine runs a bounded dispatch pass (dequeueUnderExclusive)
// that admits a batch of readers or a single writer before publishing the
// new state word, rather than broadcasting to every waiter and letting
// them re-race the predicate.
package frwlock
