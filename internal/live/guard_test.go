package live

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pscheid92/marketplace/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestGlobalLimiter_AcquireRelease(t *testing.T) {
	limiter := NewGlobalLimiter(3)

	// Acquire 3 slots (at limit)
	assert.True(t, limiter.Acquire())
	assert.True(t, limiter.Acquire())
	assert.True(t, limiter.Acquire())
	assert.Equal(t, int64(3), limiter.Current())

	// 4th acquire should fail
	assert.False(t, limiter.Acquire())
	assert.Equal(t, int64(3), limiter.Current())

	limiter.Release()
	assert.Equal(t, int64(2), limiter.Current())

	assert.True(t, limiter.Acquire())
	assert.Equal(t, int64(3), limiter.Current())
}

func TestGlobalLimiter_Concurrent(t *testing.T) {
	limiter := NewGlobalLimiter(100)
	var successCount, failCount int64

	// Barrier so all goroutines race for the slots at once
	start := make(chan struct{})
	var wg sync.WaitGroup

	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if limiter.Acquire() {
				atomic.AddInt64(&successCount, 1)
			} else {
				atomic.AddInt64(&failCount, 1)
			}
		}()
	}

	close(start)
	wg.Wait()

	assert.Equal(t, int64(100), atomic.LoadInt64(&successCount))
	assert.Equal(t, int64(100), atomic.LoadInt64(&failCount))
	assert.Equal(t, int64(100), limiter.Current())
}

func TestGlobalLimiter_ZeroMax(t *testing.T) {
	limiter := NewGlobalLimiter(0)
	assert.False(t, limiter.Acquire())
}

func TestUserLimiter_AcquireRelease(t *testing.T) {
	limiter := NewUserLimiter(2)

	assert.True(t, limiter.Acquire(42))
	assert.True(t, limiter.Acquire(42))
	assert.Equal(t, 2, limiter.Count(42))

	// 3rd acquire for user 42 should fail
	assert.False(t, limiter.Acquire(42))

	// Different user is unaffected
	assert.True(t, limiter.Acquire(7))

	limiter.Release(42)
	assert.Equal(t, 1, limiter.Count(42))
	assert.True(t, limiter.Acquire(42))
}

func TestUserLimiter_ReleaseToZeroDropsEntry(t *testing.T) {
	limiter := NewUserLimiter(5)

	assert.True(t, limiter.Acquire(42))
	limiter.Release(42)
	limiter.Release(42) // extra release must not go negative

	assert.Equal(t, 0, limiter.Count(42))
	assert.Empty(t, limiter.users)
}

func TestGuard_GlobalCheckedFirst(t *testing.T) {
	guard := NewGuard(1, 1)

	ok, reason := guard.Acquire(42)
	assert.True(t, ok)
	assert.Empty(t, reason)

	ok, reason = guard.Acquire(42)
	assert.False(t, ok)
	assert.Equal(t, LimitReasonGlobal, reason)
	assert.ErrorIs(t, reason.Err(), domain.ErrGlobalCapacity)
}

func TestGuard_PerUserRollsBackGlobal(t *testing.T) {
	guard := NewGuard(10, 1)

	ok, _ := guard.Acquire(42)
	assert.True(t, ok)

	ok, reason := guard.Acquire(42)
	assert.False(t, ok)
	assert.Equal(t, LimitReasonPerUser, reason)
	assert.ErrorIs(t, reason.Err(), domain.ErrUserCapacity)
	assert.Equal(t, int64(1), guard.Global().Current(), "global slot must be rolled back")

	guard.Release(42)
	assert.Equal(t, int64(0), guard.Global().Current())
	assert.Equal(t, 0, guard.PerUser().Count(42))
}
