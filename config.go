package frwlock

import "time"

// elevationMode selects which queue read/write waiters are routed to on
// contention, per spec §6.2.
type elevationMode uint8

const (
	elevateNone elevationMode = iota
	elevateRead
	elevateWrite
)

// TimeProvider is the injected clock source that the release dispatcher
// and the vacuum scan compare waiter deadlines against, per spec §6.2.
// The vacuum tick cadence and each waiter's own deadline timer use the
// real clock. Grounded on the teacher's plain New()-time
// construction, generalized to an interface because tests need a fake
// clock (see vacuum.go/vacuum_test.go) and the pack shows no dedicated
// clock-abstraction library to import for this (DESIGN.md).
type TimeProvider interface {
	Now() time.Time
}

type realTimeProvider struct{}

func (realTimeProvider) Now() time.Time { return time.Now() }

// Config is the validated construction-time configuration of a Lock, per
// spec §6.2.
type Config struct {
	runContinuationsAsynchronously bool
	elevation                      elevationMode
	vacuumInterval                 time.Duration
	timeProvider                   TimeProvider

	sawElevateRead  bool
	sawElevateWrite bool
}

// Option configures a Lock at construction time.
type Option func(*Config)

// WithRunContinuationsAsynchronously controls whether a future's
// continuation runs on a worker goroutine instead of directly on the
// releaser's goroutine. Default: direct dispatch (off).
func WithRunContinuationsAsynchronously(async bool) Option {
	return func(c *Config) { c.runContinuationsAsynchronously = async }
}

// WithElevateReadQueue routes queued read and read-upgrade requests to the
// elevated queue (readers preferred). Mutually exclusive with
// WithElevateWriteQueue.
func WithElevateReadQueue() Option {
	return func(c *Config) { c.elevation = elevateRead; c.sawElevateRead = true }
}

// WithElevateWriteQueue routes queued write and write-upgrade requests to
// the elevated queue (writers preferred). Mutually exclusive with
// WithElevateReadQueue.
func WithElevateWriteQueue() Option {
	return func(c *Config) { c.elevation = elevateWrite; c.sawElevateWrite = true }
}

// WithVacuumQueueInterval sets the periodic scan interval that unlinks
// dead waiters. Must be > 0; omit this option (or pass 0) to disable the
// timer.
func WithVacuumQueueInterval(d time.Duration) Option {
	return func(c *Config) { c.vacuumInterval = d }
}

// WithTimeProvider injects the clock source the dispatcher and the vacuum
// scan use for deadline checks, for deterministic tests.
func WithTimeProvider(tp TimeProvider) Option {
	return func(c *Config) { c.timeProvider = tp }
}

func defaultConfig() Config {
	return Config{timeProvider: realTimeProvider{}}
}

// validate enforces spec §6.2's last paragraph: exactly one of the
// elevate-read/elevate-write options may be active (fair if neither), and
// a configured vacuum interval must be positive.
func (c Config) validate() error {
	if c.sawElevateRead && c.sawElevateWrite {
		return ErrConfigInvalid
	}
	if c.vacuumInterval < 0 {
		return ErrConfigInvalid
	}
	return nil
}
