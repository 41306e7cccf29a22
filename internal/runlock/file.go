package runlock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	logx "catalert/pkg/logx"
)

// File is a lock file created with O_EXCL. A file older than TTL is treated as
// left behind by a crashed holder and taken over. Takeovers are serialized by
// a second O_EXCL file next to the lock.
type File struct {
	path string
	ttl  time.Duration
	log  logx.Logger
	now  func() time.Time

	// afterInspect runs between reading a stale lock and taking it over.
	afterInspect func()
}

type fileOwner struct {
	Token      string    `json:"token"`
	PID        int       `json:"pid"`
	Host       string    `json:"host"`
	AcquiredAt time.Time `json:"acquired_at"`
}

func NewFile(path string, ttl time.Duration, log logx.Logger) *File {
	return &File{path: path, ttl: ttl, log: log, now: time.Now}
}

func (l *File) Acquire(ctx context.Context) (Unlock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return nil, err
	}
	host, _ := os.Hostname()
	owner := fileOwner{Token: uuid.NewString(), PID: os.Getpid(), Host: host, AcquiredAt: l.now().UTC()}

	err := create(l.path, owner)
	if err == nil {
		return l.unlock(owner.Token), nil
	}
	if !errors.Is(err, fs.ErrExist) {
		return nil, err
	}
	seen, stale, err := l.inspect(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		// Released in between; leave it to the next cycle.
		return nil, ErrHeld
	}
	if err != nil {
		return nil, err
	}
	if !stale {
		return nil, ErrHeld
	}
	if l.afterInspect != nil {
		l.afterInspect()
	}
	if err := l.takeOver(seen, owner); err != nil {
		return nil, err
	}
	return l.unlock(owner.Token), nil
}

// takeOver replaces the stale lock seen with one owned by owner. It holds the
// takeover guard throughout and gives up with ErrHeld when the lock changed
// since it was inspected.
func (l *File) takeOver(seen, owner fileOwner) error {
	guard := l.path + ".takeover"
	if err := create(guard, owner); err != nil {
		if !errors.Is(err, fs.ErrExist) {
			return err
		}
		if _, stale, _ := l.inspect(guard); stale {
			// A holder crashed mid-takeover. Clear it; the next cycle retries.
			l.log.Warn("removing stale lock takeover guard", logx.String("path", guard))
			_ = os.Remove(guard)
		}
		return ErrHeld
	}
	defer os.Remove(guard)

	cur, stale, err := l.inspect(l.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return err
	case !stale || cur.Token != seen.Token:
		return ErrHeld
	default:
		l.log.Warn("taking over stale cycle lock",
			logx.String("path", l.path), logx.Duration("ttl", l.ttl),
			logx.Int("pid", cur.PID), logx.String("host", cur.Host))
		if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	if err := create(l.path, owner); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return ErrHeld
		}
		return err
	}
	return nil
}

// inspect reads the owner recorded in path and whether the file outlived the
// TTL. A half-written file yields a zero owner.
func (l *File) inspect(path string) (fileOwner, bool, error) {
	var owner fileOwner
	st, err := os.Stat(path)
	if err != nil {
		return owner, false, err
	}
	if b, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(b, &owner)
	}
	return owner, l.now().Sub(st.ModTime()) > l.ttl, nil
}

func (l *File) Close() error { return nil }

func create(path string, owner fileOwner) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(owner); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return err
	}
	return f.Close()
}

// unlock removes the file only if it still carries our token, so a holder
// that outlived its TTL cannot delete a successor's lock.
func (l *File) unlock(token string) Unlock {
	return func(context.Context) error {
		b, err := os.ReadFile(l.path)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		var cur fileOwner
		if err := json.Unmarshal(b, &cur); err != nil || cur.Token != token {
			return fmt.Errorf("cycle lock %s taken over by another holder", l.path)
		}
		if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	}
}
