// Package kv is the embedded transactional key-value engine underneath
// seqstore.
//
// An [Env] is a directory holding:
//
//	LOCK            flock(2) target, one Env per directory at a time
//	ENV.json        environment identity (UUIDv7) and format version
//	shared.sqlite   catalog tables plus entries of every shared bucket
//	dedicated/      one SQLite file per dedicated bucket
//
// Keys are opaque byte strings compared with memcmp, so callers that want a
// logical order must encode keys big-endian. All SQLite handles run with
// journal_mode=WAL and synchronous=FULL; every committed write is one fsync.
//
// # Handles
//
// [Env.OpenBucket] returns a new [*Bucket] on every call. Several handles may
// be open for the same bucket; dedicated handles share one refcounted
// database connection that is closed when the last handle closes.
//
// # Errors
//
// SQLite failures are returned wrapped (fmt.Errorf with %w) so callers can
// inspect [github.com/mattn/go-sqlite3.Error] codes via [errors.As].
package kv
