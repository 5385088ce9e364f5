package live

import (
	"sync"
	"sync/atomic"

	"github.com/pscheid92/marketplace/internal/domain"
)

// GlobalLimiter limits total concurrent live connections per instance.
// Uses atomic operations for lock-free counting.
type GlobalLimiter struct {
	current atomic.Int64
	max     int64
}

// NewGlobalLimiter creates a limiter with the specified maximum connections.
func NewGlobalLimiter(max int64) *GlobalLimiter {
	return &GlobalLimiter{max: max}
}

// Acquire attempts to acquire a connection slot.
// Returns true if successful, false if at capacity.
func (l *GlobalLimiter) Acquire() bool {
	for {
		current := l.current.Load()
		if current >= l.max {
			return false
		}
		if l.current.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

// Release releases a connection slot.
func (l *GlobalLimiter) Release() {
	l.current.Add(-1)
}

// Current returns the current number of connections.
func (l *GlobalLimiter) Current() int64 {
	return l.current.Load()
}

// Max returns the maximum allowed connections.
func (l *GlobalLimiter) Max() int64 {
	return l.max
}

// UserLimiter limits concurrent live connections per user.
type UserLimiter struct {
	mu     sync.Mutex
	users  map[domain.UserID]int
	maxPer int
}

// NewUserLimiter creates a limiter with the specified per-user maximum.
func NewUserLimiter(maxPer int) *UserLimiter {
	return &UserLimiter{
		users:  make(map[domain.UserID]int),
		maxPer: maxPer,
	}
}

// Acquire attempts to acquire a slot for userID.
func (l *UserLimiter) Acquire(userID domain.UserID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.users[userID] >= l.maxPer {
		return false
	}
	l.users[userID]++
	return true
}

// Release releases a slot for userID. Entries are dropped when they reach zero.
func (l *UserLimiter) Release(userID domain.UserID) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if count := l.users[userID]; count > 0 {
		l.users[userID] = count - 1
		if l.users[userID] == 0 {
			delete(l.users, userID)
		}
	}
}

// Count returns the number of slots held by userID.
func (l *UserLimiter) Count(userID domain.UserID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.users[userID]
}

// MaxPer returns the maximum connections allowed per user.
func (l *UserLimiter) MaxPer() int {
	return l.maxPer
}

// LimitReason describes why an admission was rejected.
type LimitReason string

const (
	LimitReasonGlobal  LimitReason = "global_limit"
	LimitReasonPerUser LimitReason = "per_user_limit"
)

// Err maps the reason to the domain error handlers translate into HTTP statuses.
func (r LimitReason) Err() error {
	switch r {
	case LimitReasonGlobal:
		return domain.ErrGlobalCapacity
	case LimitReasonPerUser:
		return domain.ErrUserCapacity
	default:
		return nil
	}
}

// Guard combines the global and per-user limiters.
type Guard struct {
	global  *GlobalLimiter
	perUser *UserLimiter
}

// NewGuard creates a combined admission guard.
func NewGuard(globalMax int64, perUserMax int) *Guard {
	return &Guard{
		global:  NewGlobalLimiter(globalMax),
		perUser: NewUserLimiter(perUserMax),
	}
}

// Acquire checks the global cap first, then the per-user cap.
// Returns false and the reason if either limit is exceeded.
func (g *Guard) Acquire(userID domain.UserID) (bool, LimitReason) {
	if !g.global.Acquire() {
		return false, LimitReasonGlobal
	}

	if !g.perUser.Acquire(userID) {
		g.global.Release() // Rollback global
		return false, LimitReasonPerUser
	}

	return true, ""
}

// Release releases both slots for userID.
func (g *Guard) Release(userID domain.UserID) {
	g.perUser.Release(userID)
	g.global.Release()
}

// Global returns the global limiter.
func (g *Guard) Global() *GlobalLimiter {
	return g.global
}

// PerUser returns the per-user limiter.
func (g *Guard) PerUser() *UserLimiter {
	return g.perUser
}
