package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	defaultLockTTL   = 5 * time.Minute
	defaultLockRetry = 50 * time.Millisecond
)

// ErrLockNotAcquired is returned by AcquireWait when the context ends first.
var ErrLockNotAcquired = errors.New("lock not acquired")

// lockStore defines the operations used by Lock.
type lockStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)
	CompareAndExpire(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
}

// Lock implements a single-owner lock using SETNX + TTL.
type Lock struct {
	client lockStore
	key    string
	ttl    time.Duration
	owner  string
}

// NewLock constructs a Redis-backed lock.
func NewLock(client lockStore, key string, ttl time.Duration) (*Lock, error) {
	if client == nil {
		return nil, errors.New("redis client required for lock")
	}
	if key == "" {
		return nil, errors.New("lock key is required")
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &Lock{client: client, key: key, ttl: ttl}, nil
}

// Key returns the locked key.
func (l *Lock) Key() string { return l.key }

// Acquire tries to own the lock for the configured TTL.
func (l *Lock) Acquire(ctx context.Context) (bool, error) {
	owner := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, owner, l.ttl)
	if err != nil {
		return false, fmt.Errorf("setnx: %w", err)
	}
	if ok {
		l.owner = owner
	}
	return ok, nil
}

// AcquireWait polls until the lock is owned or ctx is done.
func (l *Lock) AcquireWait(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		every = defaultLockRetry
	}
	for {
		ok, err := l.Acquire(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		timer := time.NewTimer(every)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %s", ErrLockNotAcquired, l.key)
		case <-timer.C:
		}
	}
}

// Release frees the lock if this Lock still owns it. A lock that expired and was taken
// by someone else is left alone.
func (l *Lock) Release(ctx context.Context) error {
	if l.owner == "" {
		return nil
	}
	owner := l.owner
	l.owner = ""
	if _, err := l.client.CompareAndDelete(ctx, l.key, owner); err != nil {
		return fmt.Errorf("release lock %s: %w", l.key, err)
	}
	return nil
}

// Extend pushes the expiry of an owned lock out by the full TTL. It reports false when
// the lock is no longer owned.
func (l *Lock) Extend(ctx context.Context) (bool, error) {
	if l.owner == "" {
		return false, nil
	}
	ok, err := l.client.CompareAndExpire(ctx, l.key, l.owner, l.ttl)
	if err != nil {
		return false, fmt.Errorf("extend lock %s: %w", l.key, err)
	}
	if !ok {
		l.owner = ""
	}
	return ok, nil
}

// Locker hands out locks on arbitrary keys sharing one store and TTL.
type Locker struct {
	client lockStore
	ttl    time.Duration
}

func NewLocker(client lockStore, ttl time.Duration) (*Locker, error) {
	if client == nil {
		return nil, errors.New("redis client required for locker")
	}
	return &Locker{client: client, ttl: ttl}, nil
}

// Obtain blocks until key is locked or ctx ends. Callers must Release.
func (l *Locker) Obtain(ctx context.Context, key string) (*Lock, error) {
	lock, err := NewLock(l.client, key, l.ttl)
	if err != nil {
		return nil, err
	}
	if err := lock.AcquireWait(ctx, defaultLockRetry); err != nil {
		return nil, err
	}
	return lock, nil
}
