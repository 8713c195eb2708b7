package kv

import "errors"

var (
	// ErrClosed is returned by operations on a closed [Env].
	ErrClosed = errors.New("kv: env closed")

	// ErrBucketClosed is returned by operations on a closed [Bucket].
	ErrBucketClosed = errors.New("kv: bucket closed")

	// ErrLockTimeout is returned when the environment lock is held by another
	// process for longer than [Options.LockTimeout].
	ErrLockTimeout = errors.New("kv: env lock timeout")

	// ErrManifestInvalid reports an unreadable or incompatible ENV.json.
	ErrManifestInvalid = errors.New("kv: invalid env manifest")
)
