package rueidisstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/rueidis"

	"github.com/dcbickfo/regencache"
	"github.com/dcbickfo/regencache/internal/contextx"
	"github.com/dcbickfo/regencache/internal/locktoken"
	"github.com/dcbickfo/regencache/internal/luascript"
)

// lockTokenPrefix marks lock values in Redis so they are recognizable when
// inspecting the store.
const lockTokenPrefix = "__regencache:lock:"

// releaseLockLua deletes the lock key only while it still holds our token,
// so an expired-and-reacquired lock is never released out from under the new
// holder.
var releaseLockLua = luascript.New(`if redis.call("GET",KEYS[1]) == ARGV[1] then return redis.call("DEL",KEYS[1]) else return 0 end`)

// LockFactory implements regencache.DistributedLockFactory with SET NX PX
// and token-checked release. The lock auto-expires after its expiry
// regardless of holder liveness.
type LockFactory struct {
	client rueidis.Client
	tokens *locktoken.Generator
}

// NewLockFactory creates a LockFactory on the given client.
func NewLockFactory(client rueidis.Client) *LockFactory {
	return &LockFactory{
		client: client,
		tokens: locktoken.NewGenerator(lockTokenPrefix),
	}
}

// CreateLock tries to acquire lockKey. A nil lock with nil error means
// another holder has it.
func (f *LockFactory) CreateLock(ctx context.Context, lockKey string, expiry time.Duration) (regencache.DistributedLock, error) {
	token := f.tokens.Next()
	err := f.client.Do(ctx, f.client.B().Set().Key(lockKey).Value(token).Nx().Px(expiry).Build()).Error()
	if rueidis.IsRedisNil(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("acquire lock %q: %w", lockKey, err)
	}
	return &lockHandle{
		client: f.client,
		key:    lockKey,
		token:  token,
		expiry: expiry,
	}, nil
}

type lockHandle struct {
	client rueidis.Client
	key    string
	token  string
	expiry time.Duration

	releaseOnce sync.Once
	releaseErr  error
}

// Release deletes the lock if this handle still owns it. Idempotent; later
// calls return the first outcome.
func (h *lockHandle) Release(ctx context.Context) error {
	h.releaseOnce.Do(func() {
		cleanupCtx, cancel := contextx.WithCleanupTimeout(ctx, h.expiry)
		defer cancel()
		if err := releaseLockLua.Exec(cleanupCtx, h.client, []string{h.key}, []string{h.token}).Error(); err != nil {
			h.releaseErr = fmt.Errorf("release lock %q: %w", h.key, err)
		}
	})
	return h.releaseErr
}
