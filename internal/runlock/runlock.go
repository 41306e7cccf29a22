// Package runlock keeps two catalert processes from running a cycle against
// the same snapshot at once.
package runlock

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	logx "catalert/pkg/logx"
)

// ErrHeld means another process holds the lock; the cycle is skipped.
var ErrHeld = errors.New("cycle lock held by another process")

// Unlock releases an acquired lock. It is safe to call once.
type Unlock func(ctx context.Context) error

type Locker interface {
	// Acquire takes the lock or returns ErrHeld without waiting.
	Acquire(ctx context.Context) (Unlock, error)
	Close() error
}

// Config selects the driver.
//
// Driver values:
//   - "file": O_EXCL lock file next to the store (default)
//   - "redis": SET NX PX on a shared key
//   - "none": no cross-process locking
type Config struct {
	Driver string
	Path   string
	// TTL bounds how long a crashed holder blocks others. Default 10m.
	TTL time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisKey      string
}

func Open(cfg Config, log logx.Logger) (Locker, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	log = log.With(logx.String("comp", "runlock"))
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "file":
		if strings.TrimSpace(cfg.Path) == "" {
			return nil, errors.New("lock path is required for file driver")
		}
		return NewFile(cfg.Path, cfg.TTL, log), nil
	case "redis":
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return nil, errors.New("lock redis addr is required")
		}
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		return NewRedis(rdb, cfg.RedisKey, cfg.TTL, log), nil
	case "none":
		return Nop{}, nil
	default:
		return nil, errors.New("unknown lock driver: " + driver)
	}
}

// Nop never contends.
type Nop struct{}

func (Nop) Acquire(context.Context) (Unlock, error) {
	return func(context.Context) error { return nil }, nil
}

func (Nop) Close() error { return nil }
