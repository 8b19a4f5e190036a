package syncutil

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a Locker shared by every replica pointed at the same Redis.
// Keys expire after the lease, so a crashed holder releases automatically.
// A holder that unlocks after its key expired has lost the lease; that is
// logged and reported through OnLeaseLost.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	wait   time.Duration
	lease  time.Duration
	poll   time.Duration
	logger *slog.Logger

	// OnLeaseLost is called when an unlock finds the key expired or taken.
	OnLeaseLost func(key string)
}

// NewRedisLocker returns a RedisLocker storing keys under prefix.
func NewRedisLocker(client redis.UniversalClient, prefix string, wait, lease time.Duration, logger *slog.Logger) *RedisLocker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLocker{
		client: client,
		prefix: prefix,
		wait:   wait,
		lease:  lease,
		poll:   50 * time.Millisecond,
		logger: logger,
	}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return nil, fmt.Errorf("syncutil: token: %w", err)
	}
	token := hex.EncodeToString(b[:])
	rkey := l.prefix + key
	deadline := time.Now().Add(l.wait)

	for {
		ok, err := l.client.SetNX(ctx, rkey, token, l.lease).Result()
		if err != nil {
			return nil, fmt.Errorf("syncutil: redis lock %s: %w", key, err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return nil, ErrLockTimeout
		}
		timer := time.NewTimer(l.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			n, err := releaseScript.Run(ctx, l.client, []string{rkey}, token).Int64()
			l.released(key, n, err)
		})
	}, nil
}

// released inspects the result of the release script. Zero deleted keys
// means another holder may have run alongside us.
func (l *RedisLocker) released(key string, deleted int64, err error) {
	if err != nil {
		l.logger.Warn("redis lock release failed", "key", key, "error", err)
		return
	}
	if deleted > 0 {
		return
	}
	l.logger.Error("redis lock lease expired before release", "key", key, "lease", l.lease.String())
	if l.OnLeaseLost != nil {
		l.OnLeaseLost(key)
	}
}

var _ Locker = (*RedisLocker)(nil)
