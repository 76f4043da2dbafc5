package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Sentinel backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Defaults for Storage.
const (
	DefaultTargetBlockPrimes = 500000
	DefaultReadConcurrency   = 4
	DefaultLockTimeout       = 30 * time.Second
	DefaultSentinelFile      = "resume_sentinel.json"
	DefaultSentinelDB        = "resume_sentinel.db"
)

// Errors returned by Resolve.
var (
	ErrMissingDataDir     = errors.New("data_dir is required")
	ErrOverlappingDirs    = errors.New("runs_dir and blocks_dir must be disjoint")
	ErrInvalidTarget      = errors.New("target_block_primes must be positive")
	ErrLenientResume      = errors.New("strict_resume cannot be disabled")
	ErrUnknownBackend     = errors.New("unknown sentinel_backend")
	ErrInvalidConcurrency = errors.New("read_concurrency must be positive")
)

// Storage holds the typed storage settings. Paths are only meaningful after
// Resolve; every engine receives resolved paths from here.
type Storage struct {
	DataDir           string
	RunsDir           string
	BlocksDir         string
	BackupDir         string
	SentinelBackend   string
	SentinelPath      string
	TargetBlockPrimes int
	ReadConcurrency   int
	LockTimeout       time.Duration
	Compression       bool
	StrictResume      bool
}

// DefaultStorage returns settings rooted at dataDir.
func DefaultStorage(dataDir string) Storage {
	return Storage{
		DataDir:           dataDir,
		SentinelBackend:   BackendFile,
		TargetBlockPrimes: DefaultTargetBlockPrimes,
		ReadConcurrency:   DefaultReadConcurrency,
		LockTimeout:       DefaultLockTimeout,
		Compression:       true,
		StrictResume:      true,
	}
}

// StorageFrom builds Storage from a generic Config. Missing keys take defaults.
func StorageFrom(c Config) Storage {
	return Storage{
		DataDir:           c.String("data_dir", ""),
		RunsDir:           c.String("runs_dir", ""),
		BlocksDir:         c.String("blocks_dir", ""),
		BackupDir:         c.String("backup_dir", ""),
		SentinelBackend:   c.String("sentinel_backend", BackendFile),
		SentinelPath:      c.String("sentinel_path", ""),
		TargetBlockPrimes: c.Int("target_block_primes", DefaultTargetBlockPrimes),
		ReadConcurrency:   c.Int("read_concurrency", DefaultReadConcurrency),
		LockTimeout:       c.Duration("lock_timeout", DefaultLockTimeout),
		Compression:       c.Bool("compression", true),
		StrictResume:      c.Bool("strict_resume", true),
	}
}

// Resolve fills derived paths, makes them absolute and validates the result.
func (s Storage) Resolve() (Storage, error) {
	if s.DataDir == "" {
		return Storage{}, ErrMissingDataDir
	}
	if !s.StrictResume {
		return Storage{}, ErrLenientResume
	}
	if s.TargetBlockPrimes <= 0 {
		return Storage{}, fmt.Errorf("%w: %d", ErrInvalidTarget, s.TargetBlockPrimes)
	}
	if s.ReadConcurrency <= 0 {
		return Storage{}, fmt.Errorf("%w: %d", ErrInvalidConcurrency, s.ReadConcurrency)
	}
	if s.LockTimeout <= 0 {
		s.LockTimeout = DefaultLockTimeout
	}
	if s.SentinelBackend == "" {
		s.SentinelBackend = BackendFile
	}

	var err error
	if s.DataDir, err = filepath.Abs(s.DataDir); err != nil {
		return Storage{}, fmt.Errorf("resolve data_dir: %w", err)
	}
	under := func(p, def string) string {
		if p == "" {
			p = def
		}
		if !filepath.IsAbs(p) {
			p = filepath.Join(s.DataDir, p)
		}
		return filepath.Clean(p)
	}
	s.RunsDir = under(s.RunsDir, "runs")
	s.BlocksDir = under(s.BlocksDir, "blocks")
	s.BackupDir = under(s.BackupDir, "backup")

	switch s.SentinelBackend {
	case BackendFile:
		s.SentinelPath = under(s.SentinelPath, DefaultSentinelFile)
	case BackendSQLite:
		s.SentinelPath = under(s.SentinelPath, DefaultSentinelDB)
	default:
		return Storage{}, fmt.Errorf("%w: %q", ErrUnknownBackend, s.SentinelBackend)
	}

	if nested(s.RunsDir, s.BlocksDir) || nested(s.BlocksDir, s.RunsDir) {
		return Storage{}, fmt.Errorf("%w: %s, %s", ErrOverlappingDirs, s.RunsDir, s.BlocksDir)
	}
	return s, nil
}

// nested reports whether child equals parent or lies below it.
func nested(parent, child string) bool {
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
