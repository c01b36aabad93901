package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/semaphore"

	"clawcontrol/internal/apperr"
	"clawcontrol/internal/domain"
	"clawcontrol/internal/repo"
)

// ErrAlreadyRunning is returned when another pass holds the dispatch lock.
var ErrAlreadyRunning = errors.New("dispatch pass already running")

// Locker serializes dispatch passes. Acquire blocks for at most the lock's
// wait budget and returns a release func on success.
type Locker interface {
	Acquire(ctx context.Context) (release func(), err error)
}

func alreadyRunning(holder string) error {
	e := apperr.Wrap(apperr.CodeDispatchAlreadyRunning, ErrAlreadyRunning, "another dispatch pass holds the lock")
	if holder != "" {
		e = e.WithDetails(map[string]any{"holder": holder})
	}
	return e
}

// MemoryLock serializes passes within one process.
type MemoryLock struct {
	sem  *semaphore.Weighted
	wait time.Duration
}

func NewMemoryLock(wait time.Duration) *MemoryLock {
	return &MemoryLock{sem: semaphore.NewWeighted(1), wait: wait}
}

func (l *MemoryLock) Acquire(ctx context.Context) (func(), error) {
	if l.sem.TryAcquire(1) {
		return func() { l.sem.Release(1) }, nil
	}
	if l.wait <= 0 {
		return nil, alreadyRunning("")
	}
	waitCtx, cancel := context.WithTimeout(ctx, l.wait)
	defer cancel()
	if err := l.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, alreadyRunning("")
	}
	return func() { l.sem.Release(1) }, nil
}

const leasePollInterval = 50 * time.Millisecond

var errLockLost = errors.New("dispatch lock lost")

// keepAlive calls renew every third of ttl until the returned stop func runs,
// so a pass that outlives the ttl keeps the lock. It gives up once renew fails.
func keepAlive(ttl time.Duration, renew func(context.Context) error) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		tick := time.NewTicker(ttl / 3)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				if err := renew(ctx); err != nil {
					return
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// LeaseLock holds a named row in the leases table. An expired lease can be
// taken over by any owner.
type LeaseLock struct {
	DB    *sql.DB
	Repo  repo.Repo
	Name  string
	Owner string
	TTL   time.Duration
	Wait  time.Duration
	Now   func() time.Time
}

func NewLeaseLock(db *sql.DB, name string, ttl, wait time.Duration) *LeaseLock {
	return &LeaseLock{
		DB:    db,
		Repo:  repo.Repo{DB: db},
		Name:  name,
		Owner: uuid.NewString(),
		TTL:   ttl,
		Wait:  wait,
		Now:   time.Now,
	}
}

func (l *LeaseLock) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l *LeaseLock) Acquire(ctx context.Context) (func(), error) {
	deadline := l.now().Add(l.Wait)
	for {
		holder, err := l.tryAcquire(ctx)
		if err != nil {
			return nil, err
		}
		if holder == "" {
			stop := keepAlive(l.ttl(), l.renew)
			return func() {
				stop()
				// Release outlives the pass context.
				_ = l.Repo.DeleteLease(context.Background(), nil, l.Name, l.Owner)
			}, nil
		}
		if !l.now().Before(deadline) {
			return nil, alreadyRunning(holder)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(leasePollInterval):
		}
	}
}

func (l *LeaseLock) ttl() time.Duration {
	if l.TTL <= 0 {
		return 2 * time.Minute
	}
	return l.TTL
}

func (l *LeaseLock) renew(ctx context.Context) error {
	expires := l.now().UTC().Add(l.ttl()).Format(time.RFC3339Nano)
	ok, err := l.Repo.RenewLease(ctx, nil, l.Name, l.Owner, expires)
	if err != nil {
		return err
	}
	if !ok {
		return errLockLost
	}
	return nil
}

// tryAcquire returns the current holder when the lease is taken, "" on success.
func (l *LeaseLock) tryAcquire(ctx context.Context) (string, error) {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	now := l.now().UTC()
	existing, err := l.Repo.GetLease(ctx, tx, l.Name)
	switch {
	case err == nil:
		expires, perr := time.Parse(time.RFC3339Nano, existing.ExpiresAt)
		if perr == nil && now.Before(expires) && existing.OwnerID != l.Owner {
			return existing.OwnerID, nil
		}
	case !errors.Is(err, repo.ErrNotFound):
		return "", fmt.Errorf("read lease %s: %w", l.Name, err)
	}
	if err := l.Repo.UpsertLease(ctx, tx, domain.Lease{
		Name:       l.Name,
		OwnerID:    l.Owner,
		AcquiredAt: now.Format(time.RFC3339Nano),
		ExpiresAt:  now.Add(l.ttl()).Format(time.RFC3339Nano),
	}); err != nil {
		return "", fmt.Errorf("write lease %s: %w", l.Name, err)
	}
	return "", tx.Commit()
}

// releaseScript deletes the key only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the key only while it still carries our token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLock serializes passes across processes sharing a redis server.
type RedisLock struct {
	Client redis.UniversalClient
	Key    string
	TTL    time.Duration
	Wait   time.Duration
}

func NewRedisLock(url, key string, ttl, wait time.Duration) (*RedisLock, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisLock{Client: redis.NewClient(opt), Key: key, TTL: ttl, Wait: wait}, nil
}

func (l *RedisLock) Acquire(ctx context.Context) (func(), error) {
	token := uuid.NewString()
	ttl := l.TTL
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	deadline := time.Now().Add(l.Wait)
	for {
		ok, err := l.Client.SetNX(ctx, l.Key, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis lock %s: %w", l.Key, err)
		}
		if ok {
			stop := keepAlive(ttl, func(ctx context.Context) error {
				n, err := renewScript.Run(ctx, l.Client, []string{l.Key}, token, ttl.Milliseconds()).Int()
				if err != nil {
					return err
				}
				if n == 0 {
					return errLockLost
				}
				return nil
			})
			return func() {
				stop()
				_ = releaseScript.Run(context.Background(), l.Client, []string{l.Key}, token).Err()
			}, nil
		}
		if !time.Now().Before(deadline) {
			holder, _ := l.Client.Get(ctx, l.Key).Result()
			return nil, alreadyRunning(holder)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(leasePollInterval):
		}
	}
}

func (l *RedisLock) Close() error {
	return l.Client.Close()
}

// Chain acquires each lock in order and releases them in reverse.
type Chain []Locker

func (c Chain) Acquire(ctx context.Context) (func(), error) {
	var releases []func()
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, l := range c {
		if l == nil {
			continue
		}
		release, err := l.Acquire(ctx)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, release)
	}
	return releaseAll, nil
}
