package utils

import (
	"context"
	"sync"
	"time"

	"coldreach/config"

	"github.com/go-redis/redis/v8"
)

// JobLock is a best-effort single-flight guard for periodic jobs. With Redis
// enabled it also covers multiple processes via SETNX; without it, only
// overlapping goroutines in this process are excluded. State transitions stay
// conditional either way, so a rare overlap is safe, just wasteful.
type JobLock struct {
	name   string
	ttl    time.Duration
	client *redis.Client
	mu     sync.Mutex
	held   bool
}

func NewJobLock(name string, ttl time.Duration) *JobLock {
	l := &JobLock{name: name, ttl: ttl}
	if config.AppConfig.Redis.Enabled {
		l.client = redis.NewClient(&redis.Options{
			Addr:     config.AppConfig.Redis.Address,
			Password: config.AppConfig.Redis.Password,
			DB:       config.AppConfig.Redis.DB,
		})
	}
	return l
}

// TryAcquire returns true when the caller may run the job now.
func (l *JobLock) TryAcquire(ctx context.Context) bool {
	l.mu.Lock()
	if l.held {
		l.mu.Unlock()
		return false
	}
	l.held = true
	l.mu.Unlock()

	if l.client != nil {
		ok, err := l.client.SetNX(ctx, "joblock:"+l.name, "1", l.ttl).Result()
		if err != nil {
			// Redis being down must not stop the engine; fall back to the
			// in-process guard alone.
			return true
		}
		if !ok {
			l.mu.Lock()
			l.held = false
			l.mu.Unlock()
			return false
		}
	}
	return true
}

// Release frees the lock after the job finishes.
func (l *JobLock) Release(ctx context.Context) {
	if l.client != nil {
		l.client.Del(ctx, "joblock:"+l.name)
	}
	l.mu.Lock()
	l.held = false
	l.mu.Unlock()
}
