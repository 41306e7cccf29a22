package runlock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	logx "catalert/pkg/logx"
)

const defaultRedisKey = "catalert:cycle"

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a SET NX PX lock shared by every process using the same key.
type Redis struct {
	rdb *redis.Client
	key string
	ttl time.Duration
	log logx.Logger
}

func NewRedis(rdb *redis.Client, key string, ttl time.Duration, log logx.Logger) *Redis {
	if key == "" {
		key = defaultRedisKey
	}
	return &Redis{rdb: rdb, key: key, ttl: ttl, log: log}
}

func (l *Redis) Acquire(ctx context.Context) (Unlock, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrHeld
	}
	return func(ctx context.Context) error {
		n, err := releaseScript.Run(ctx, l.rdb, []string{l.key}, token).Int()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if n == 0 {
			l.log.Warn("cycle lock expired before release", logx.String("key", l.key))
		}
		return nil
	}, nil
}

func (l *Redis) Close() error { return l.rdb.Close() }
