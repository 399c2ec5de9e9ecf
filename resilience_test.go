//go:build !integration

package ldappool

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(name string, config *CircuitBreakerConfig, clock *fakeClock) *CircuitBreaker {
	cb := NewCircuitBreaker(name, config, slog.Default())
	cb.now = clock.Now
	return cb
}

func TestCircuitBreaker(t *testing.T) {
	failing := func() error { return errors.New("connection failed") }
	ok := func() error { return nil }

	t.Run("state transitions", func(t *testing.T) {
		clock := newFakeClock()
		cb := newTestBreaker("test", &CircuitBreakerConfig{
			MaxFailures:         3,
			Timeout:             100 * time.Millisecond,
			HalfOpenMaxRequests: 2,
		}, clock)

		assert.Equal(t, StateCircuitClosed, cb.State())

		for i := 0; i < 3; i++ {
			assert.Error(t, cb.Execute(failing))
		}
		assert.Equal(t, StateCircuitOpen, cb.State())

		called := false
		err := cb.Execute(func() error {
			called = true
			return nil
		})
		var cbErr *CircuitBreakerError
		require.ErrorAs(t, err, &cbErr)
		assert.False(t, called, "open circuit must not run the call")
		assert.Equal(t, "OPEN", cbErr.State)
		assert.Equal(t, 3, cbErr.Failures)

		clock.Advance(150 * time.Millisecond)

		for i := 0; i < 2; i++ {
			assert.NoError(t, cb.Execute(ok))
		}
		assert.Equal(t, StateCircuitClosed, cb.State())
	})

	t.Run("success resets the consecutive failure count", func(t *testing.T) {
		cb := newTestBreaker("consecutive", &CircuitBreakerConfig{
			MaxFailures:         2,
			Timeout:             time.Minute,
			HalfOpenMaxRequests: 1,
		}, newFakeClock())

		_ = cb.Execute(failing)
		_ = cb.Execute(ok)
		_ = cb.Execute(failing)
		assert.Equal(t, StateCircuitClosed, cb.State())
	})

	t.Run("concurrent access", func(t *testing.T) {
		cb := newTestBreaker("concurrent", &CircuitBreakerConfig{
			MaxFailures:         5,
			Timeout:             time.Hour,
			HalfOpenMaxRequests: 3,
		}, newFakeClock())

		for i := 0; i < 10; i++ {
			_ = cb.Execute(failing)
		}

		var wg sync.WaitGroup
		var rejected, successes atomic.Int64
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := cb.Execute(ok); err != nil {
					rejected.Add(1)
				} else {
					successes.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int64(50), rejected.Load())
		assert.Equal(t, int64(0), successes.Load())
		assert.Equal(t, int64(55), cb.Stats().Rejected, "five were rejected while opening")
	})

	t.Run("half open single failure reopens circuit", func(t *testing.T) {
		clock := newFakeClock()
		cb := newTestBreaker("half-open-test", &CircuitBreakerConfig{
			MaxFailures:         2,
			Timeout:             50 * time.Millisecond,
			HalfOpenMaxRequests: 3,
		}, clock)

		for i := 0; i < 2; i++ {
			_ = cb.Execute(failing)
		}
		assert.Equal(t, StateCircuitOpen, cb.State())

		clock.Advance(60 * time.Millisecond)
		assert.Error(t, cb.Execute(failing))
		assert.Equal(t, StateCircuitOpen, cb.State())
	})

	t.Run("half open admits a bounded number of concurrent trials", func(t *testing.T) {
		clock := newFakeClock()
		cb := newTestBreaker("half-open-limit", &CircuitBreakerConfig{
			MaxFailures:         1,
			Timeout:             time.Second,
			HalfOpenMaxRequests: 3,
		}, clock)

		_ = cb.Execute(failing)
		require.Equal(t, StateCircuitOpen, cb.State())
		clock.Advance(2 * time.Second)

		var decided, done sync.WaitGroup
		var admitted, rejected atomic.Int64
		release := make(chan struct{})
		for i := 0; i < 10; i++ {
			decided.Add(1)
			done.Add(1)
			go func() {
				defer done.Done()
				err := cb.Execute(func() error {
					admitted.Add(1)
					decided.Done()
					<-release
					return nil
				})
				if err != nil {
					rejected.Add(1)
					decided.Done()
				}
			}()
		}
		decided.Wait()

		assert.Equal(t, int64(3), admitted.Load(), "trials still in flight hold their slots")
		assert.Equal(t, int64(7), rejected.Load())
		assert.Equal(t, StateCircuitHalfOpen, cb.State())

		close(release)
		done.Wait()
		assert.Equal(t, StateCircuitClosed, cb.State())
	})

	t.Run("statistics tracking", func(t *testing.T) {
		cb := newTestBreaker("stats", DefaultCircuitBreakerConfig(), newFakeClock())

		for i := 0; i < 3; i++ {
			_ = cb.Execute(ok)
		}
		for i := 0; i < 2; i++ {
			_ = cb.Execute(failing)
		}

		stats := cb.Stats()
		assert.Equal(t, "stats", stats.Name)
		assert.Equal(t, StateCircuitClosed, stats.State)
		assert.Equal(t, int64(5), stats.Requests)
		assert.Equal(t, int64(3), stats.Successes)
		assert.Equal(t, int64(2), stats.Failures)
		assert.False(t, stats.LastFailure.IsZero())
	})

	t.Run("reset functionality", func(t *testing.T) {
		cb := newTestBreaker("reset", &CircuitBreakerConfig{
			MaxFailures:         1,
			Timeout:             time.Hour,
			HalfOpenMaxRequests: 1,
		}, newFakeClock())

		_ = cb.Execute(failing)
		assert.Equal(t, StateCircuitOpen, cb.State())

		cb.Reset()
		assert.Equal(t, StateCircuitClosed, cb.State())
		assert.Equal(t, int64(0), cb.Stats().Failures)
		assert.NoError(t, cb.Execute(ok))
	})
}

func TestCircuitBreakerState_String(t *testing.T) {
	assert.Equal(t, "CLOSED", StateCircuitClosed.String())
	assert.Equal(t, "OPEN", StateCircuitOpen.String())
	assert.Equal(t, "HALF_OPEN", StateCircuitHalfOpen.String())
	assert.Equal(t, "UNKNOWN", CircuitBreakerState(9).String())
}

func TestCircuitBreakerError(t *testing.T) {
	cbErr := &CircuitBreakerError{
		State:       "OPEN",
		Failures:    5,
		LastFailure: time.Now().Add(-1 * time.Minute),
		NextRetry:   time.Now().Add(30 * time.Second),
	}

	assert.Contains(t, cbErr.Error(), "circuit breaker is OPEN after 5 failures")
	assert.ErrorIs(t, cbErr, ErrServerUnavailable)
	assert.True(t, IsConnectionError(cbErr))
}
