package lock

import (
	"context"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/creditsync/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const keyAccountDay = "creditsync:lock:usage:%s:%s"

var Module = fx.Module("lock",
	fx.Provide(NewAccountDayLocker),
)

// AccountDayLocker keeps two overlapping runs from syncing the same
// account-day bucket at once. Correctness does not depend on it; it only
// saves duplicate work.
type AccountDayLocker struct {
	locker *Locker
	ttl    time.Duration
	log    *zap.Logger
}

// NewAccountDayLocker returns nil when locking is disabled. A nil locker
// grants every acquisition.
func NewAccountDayLocker(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (*AccountDayLocker, error) {
	if !cfg.Sync.LockEnabled {
		return nil, nil
	}
	addr := strings.TrimSpace(cfg.Redis.Addr)
	if addr == "" {
		return nil, fmt.Errorf("sync lock enabled but REDIS_ADDR is empty")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.Redis.Password),
		DB:       cfg.Redis.DB,
	})
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return NewAccountDayLockerWithClient(client, cfg.Sync.LockTTL, log), nil
}

func NewAccountDayLockerWithClient(client redis.UniversalClient, ttl time.Duration, log *zap.Logger) *AccountDayLocker {
	if log == nil {
		log = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &AccountDayLocker{
		locker: NewLocker(client),
		ttl:    ttl,
		log:    log.Named("lock"),
	}
}

func Key(accountID, day string) string {
	return fmt.Sprintf(keyAccountDay, strings.TrimSpace(accountID), strings.TrimSpace(day))
}

// Acquire takes the lease for (accountID, day). acquired is false when
// another run holds it. Redis errors are returned so the caller can decide
// to proceed unlocked.
func (l *AccountDayLocker) Acquire(ctx context.Context, accountID, day string) (release func(), acquired bool, err error) {
	noop := func() {}
	if l == nil {
		return noop, true, nil
	}
	key := Key(accountID, day)
	token, ok, err := l.locker.TryLock(ctx, key, l.ttl)
	if err != nil {
		return noop, false, err
	}
	if !ok {
		return noop, false, nil
	}
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := l.locker.Release(releaseCtx, key, token); err != nil {
			l.log.Warn("lock release failed", zap.String("key", key), zap.Error(err))
		}
	}, true, nil
}
