package seqstore

import (
	"errors"
	"fmt"
	"time"
)

// DedicatedMode selects the storage policy of a store's buckets.
type DedicatedMode string

const (
	// DedicatedAuto gives busy stores dedicated buckets while the open
	// dedicated bucket budget allows it.
	DedicatedAuto DedicatedMode = "auto"
	// DedicatedAlways gives every bucket its own database.
	DedicatedAlways DedicatedMode = "always"
	// DedicatedNever keeps every bucket in the shared database.
	DedicatedNever DedicatedMode = "never"
)

// Config configures a [Manager].
type Config struct {
	// Dir is the environment directory. Created if missing.
	Dir string

	// BucketSpan is the width of the time window a new bucket covers.
	BucketSpan time.Duration

	// MaxBucketEntries and MaxBucketBytes split the active bucket once
	// reached. Zero disables the limit.
	MaxBucketEntries int64
	MaxBucketBytes   int64

	// DedicatedThresholdBytes is the previous-bucket size from which a store
	// in [DedicatedAuto] mode counts as busy.
	DedicatedThresholdBytes int64

	// MaxOpenDedicatedBuckets caps dedicated buckets opened by the auto
	// policy.
	MaxOpenDedicatedBuckets int

	// StatsTTL is how long an environment stats snapshot is reused.
	StatsTTL time.Duration

	// LockTimeout bounds waiting for the environment lock.
	LockTimeout time.Duration

	// CacheSizeKiB is the page cache per open database.
	CacheSizeKiB int

	// Retention retires closed buckets older than this regardless of
	// acknowledgement. Zero keeps buckets until acknowledged.
	Retention time.Duration

	// Reader holds the defaults for readers opened without options.
	Reader ReaderOptions
}

// ReaderOptions configures a [Reader].
type ReaderOptions struct {
	// MaxInflight caps delivered but unacknowledged entries. Zero disables.
	MaxInflight int
	// MaxInflightBytes caps their accounted size. Zero disables.
	MaxInflightBytes int64
	// RedeliveryTimeout is how long an entry stays inflight before it is
	// delivered again.
	RedeliveryTimeout time.Duration
}

// StoreOptions configures one store. Persisted with the store.
type StoreOptions struct {
	Dedicated DedicatedMode `json:"dedicated,omitempty"`
	// Retention overrides [Config.Retention] when non-zero.
	Retention time.Duration `json:"retention,omitempty"`
}

// DefaultConfig returns the defaults used for zero fields.
func DefaultConfig() Config {
	return Config{
		BucketSpan:              time.Minute,
		MaxBucketEntries:        100_000,
		MaxBucketBytes:          64 << 20,
		DedicatedThresholdBytes: 8 << 20,
		MaxOpenDedicatedBuckets: 64,
		StatsTTL:                5 * time.Second,
		LockTimeout:             10 * time.Second,
		CacheSizeKiB:            8192,
		Reader: ReaderOptions{
			MaxInflight:       1000,
			MaxInflightBytes:  16 << 20,
			RedeliveryTimeout: 30 * time.Second,
		},
	}
}

// withDefaults fills zero durations and the bucket span. Limits that may be
// disabled with zero are left alone.
func (c Config) withDefaults() Config {
	d := DefaultConfig()

	if c.BucketSpan == 0 {
		c.BucketSpan = d.BucketSpan
	}

	if c.StatsTTL == 0 {
		c.StatsTTL = d.StatsTTL
	}

	if c.LockTimeout == 0 {
		c.LockTimeout = d.LockTimeout
	}

	if c.CacheSizeKiB == 0 {
		c.CacheSizeKiB = d.CacheSizeKiB
	}

	if c.Reader.RedeliveryTimeout == 0 {
		c.Reader.RedeliveryTimeout = d.Reader.RedeliveryTimeout
	}

	return c
}

// Validate reports every invalid field, joined.
func (c Config) Validate() error {
	var errs []error

	if c.Dir == "" {
		errs = append(errs, errors.New("dir is required"))
	}

	if c.BucketSpan < time.Millisecond {
		errs = append(errs, fmt.Errorf("bucket_span %s: must be at least 1ms", c.BucketSpan))
	}

	for name, v := range map[string]int64{
		"max_bucket_entries":         c.MaxBucketEntries,
		"max_bucket_bytes":           c.MaxBucketBytes,
		"dedicated_threshold_bytes":  c.DedicatedThresholdBytes,
		"max_open_dedicated_buckets": int64(c.MaxOpenDedicatedBuckets),
		"cache_size_kib":             int64(c.CacheSizeKiB),
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s %d: must not be negative", name, v))
		}
	}

	for name, v := range map[string]time.Duration{
		"stats_ttl":    c.StatsTTL,
		"lock_timeout": c.LockTimeout,
		"retention":    c.Retention,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s %s: must not be negative", name, v))
		}
	}

	err := c.Reader.Validate()
	if err != nil {
		errs = append(errs, err)
	}

	if len(errs) == 0 {
		return nil
	}

	return configError("validate config", fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...)))
}

// Validate reports invalid reader limits.
func (o ReaderOptions) Validate() error {
	switch {
	case o.MaxInflight < 0:
		return fmt.Errorf("%w: max_inflight %d: must not be negative", ErrInvalidConfig, o.MaxInflight)
	case o.MaxInflightBytes < 0:
		return fmt.Errorf("%w: max_inflight_bytes %d: must not be negative", ErrInvalidConfig, o.MaxInflightBytes)
	case o.RedeliveryTimeout < 0:
		return fmt.Errorf("%w: redelivery_timeout %s: must not be negative", ErrInvalidConfig, o.RedeliveryTimeout)
	default:
		return nil
	}
}

// Validate rejects unknown modes.
func (o StoreOptions) Validate() error {
	switch o.Dedicated {
	case "", DedicatedAuto, DedicatedAlways, DedicatedNever:
	default:
		return configError("store options", fmt.Errorf("%w: dedicated %q: want auto, always or never", ErrInvalidConfig, o.Dedicated))
	}

	if o.Retention < 0 {
		return configError("store options", fmt.Errorf("%w: retention %s: must not be negative", ErrInvalidConfig, o.Retention))
	}

	return nil
}

func (o StoreOptions) mode() DedicatedMode {
	if o.Dedicated == "" {
		return DedicatedAuto
	}

	return o.Dedicated
}
