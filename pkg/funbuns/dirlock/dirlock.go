// Package dirlock provides advisory locks over a storage directory.
//
// Writers hold an exclusive lock for every multi-step change of the block
// set; readers that must not observe a half-written set hold a shared lock.
// Locks are flock(2) based, so they also exclude other open file descriptions
// inside the same process.
package dirlock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	fberrors "github.com/genamethi/funbuns/pkg/funbuns/errors"
)

// FileName is the lock file created inside the locked directory.
const FileName = ".lock"

// Mode selects shared or exclusive locking.
type Mode int

const (
	Shared Mode = iota
	Exclusive
)

// String returns the mode name.
func (m Mode) String() string {
	if m == Exclusive {
		return "exclusive"
	}
	return "shared"
}

// Lock is a held directory lock. Release is safe to call more than once.
type Lock struct {
	file *os.File
	dir  string
	mode Mode
}

// Acquire takes the lock without blocking. Contention returns an error
// wrapping errors.ErrDirectoryLocked.
func Acquire(dir string, mode Mode) (*Lock, error) {
	path := filepath.Join(dir, FileName)
	file, err := os.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	how := syscall.LOCK_SH
	if mode == Exclusive {
		how = syscall.LOCK_EX
	}
	if err := syscall.Flock(int(file.Fd()), how|syscall.LOCK_NB); err != nil { //nolint:gosec // G115: uintptr->int is safe on 64-bit
		_ = file.Close()
		return nil, fmt.Errorf("%w: %s (%s)", fberrors.ErrDirectoryLocked, dir, mode)
	}
	return &Lock{file: file, dir: dir, mode: mode}, nil
}

// AcquireContext retries Acquire with backoff until it succeeds or ctx is done.
func AcquireContext(ctx context.Context, dir string, mode Mode, retry fberrors.RetryConfig) (*Lock, error) {
	res := fberrors.WithRetryContext(ctx, retry, func(context.Context) (*Lock, error) {
		return Acquire(dir, mode)
	})
	if res.Err != nil {
		return nil, res.Err
	}
	return res.Value, nil
}

// Release unlocks and closes the lock file.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN) //nolint:gosec // G115: uintptr->int is safe on 64-bit
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	return err
}

// Mode returns the lock mode.
func (l *Lock) Mode() Mode {
	return l.mode
}

// Dir returns the locked directory.
func (l *Lock) Dir() string {
	return l.dir
}
