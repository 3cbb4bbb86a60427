package frwlock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfigIsFairAndUsesRealClock(t *testing.T) {
	cfg := defaultConfig()
	assert.Equal(t, elevateNone, cfg.elevation)
	assert.NoError(t, cfg.validate())
	assert.IsType(t, realTimeProvider{}, cfg.timeProvider)
}

func TestOptionsApply(t *testing.T) {
	cfg := defaultConfig()
	WithRunContinuationsAsynchronously(true)(&cfg)
	WithVacuumQueueInterval(time.Second)(&cfg)
	assert.True(t, cfg.runContinuationsAsynchronously)
	assert.Equal(t, time.Second, cfg.vacuumInterval)
}

func TestElevateReadAndElevateWriteAreMutuallyExclusive(t *testing.T) {
	cfg := defaultConfig()
	WithElevateReadQueue()(&cfg)
	WithElevateWriteQueue()(&cfg)
	assert.ErrorIs(t, cfg.validate(), ErrConfigInvalid)
}

func TestElevateReadAlone(t *testing.T) {
	cfg := defaultConfig()
	WithElevateReadQueue()(&cfg)
	assert.NoError(t, cfg.validate())
	assert.Equal(t, elevateRead, cfg.elevation)
}

func TestNegativeVacuumIntervalRejected(t *testing.T) {
	cfg := defaultConfig()
	WithVacuumQueueInterval(-time.Second)(&cfg)
	assert.ErrorIs(t, cfg.validate(), ErrConfigInvalid)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	l, err := New(WithElevateReadQueue(), WithElevateWriteQueue())
	assert.Nil(t, l)
	assert.ErrorIs(t, err, ErrConfigInvalid)
}

func TestNewWithoutVacuumOptionNeverStartsLoop(t *testing.T) {
	l, err := New()
	assert.NoError(t, err)
	assert.Nil(t, l.vacuumStop)
	l.Dispose()
}

type fakeTimeProvider struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeTimeProvider) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeTimeProvider) set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}

func (f *fakeTimeProvider) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func TestWithTimeProviderIsUsedForNow(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tp := &fakeTimeProvider{}
	tp.set(fixed)
	l, err := New(WithTimeProvider(tp))
	assert.NoError(t, err)
	assert.True(t, l.now().Equal(fixed))
	l.Dispose()
}
