/*
Package config provides storage configuration for funbuns.

# Generic Values

Config wraps a map[string]any and provides typed accessors that return a
default on a missing key or a type mismatch:

	cfg := config.New(map[string]any{"lock_timeout": "10s"})
	timeout := cfg.Duration("lock_timeout", 30*time.Second) // 10s

Duration accepts a time.ParseDuration string, a number of seconds or a
time.Duration. Int accepts int, int64 and whole float64 values.

# Storage Settings

Storage is the typed view used by every engine. StorageFrom maps the keys
data_dir, runs_dir, blocks_dir, backup_dir, sentinel_backend, sentinel_path,
target_block_primes, read_concurrency, lock_timeout, compression and
strict_resume. Resolve anchors relative paths under data_dir and rejects:

  - runs and blocks directories that are equal or nested
  - a non-positive target_block_primes or read_concurrency
  - strict_resume: false (there is no lenient resume mode)
  - an unknown sentinel backend

# File Loading

	st, err := config.LoadStorage("funbuns.yaml")

LoadStorage accepts .yaml, .yml and .json files.
*/
package config
