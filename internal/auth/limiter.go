package auth

import (
	"sync"
	"time"
)

type attempts struct {
	count       int
	first       time.Time
	lockedUntil time.Time
}

// attemptLimiter はクライアントごとのログイン失敗回数を数え、上限に達したら一定時間ロックします。
type attemptLimiter struct {
	max    int
	window time.Duration
	lock   time.Duration
	now    func() time.Time

	mu      sync.Mutex
	clients map[string]*attempts
}

func newAttemptLimiter(max int, window, lock time.Duration, now func() time.Time) *attemptLimiter {
	return &attemptLimiter{
		max:     max,
		window:  window,
		lock:    lock,
		now:     now,
		clients: make(map[string]*attempts),
	}
}

// lockedFor はロック中であれば残り時間を返します。
func (l *attemptLimiter) lockedFor(client string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.clients[client]
	if !ok {
		return 0
	}
	if remaining := a.lockedUntil.Sub(l.now()); remaining > 0 {
		return remaining
	}
	return 0
}

// fail は失敗を記録し、残りの試行回数を返します。
func (l *attemptLimiter) fail(client string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	a, ok := l.clients[client]
	if !ok || now.Sub(a.first) > l.window {
		a = &attempts{first: now}
		l.clients[client] = a
	}
	a.count++
	if a.count >= l.max {
		a.count = l.max
		a.lockedUntil = now.Add(l.lock)
	}
	return l.max - a.count
}

func (l *attemptLimiter) reset(client string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.clients, client)
}
