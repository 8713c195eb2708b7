// Package seqstore is a durable, ordered, per-destination message store.
//
// Every [Store] appends entries under a strictly increasing [AckID]. Entries
// are partitioned into time-ordered buckets, each stored either in its own
// dedicated database or in the environment's shared database (see [pkg/kv]).
// [Reader]s drain a store in id order and track which entries are inflight and
// which have been acknowledged. Closed buckets that every reader has
// acknowledged, or that exceeded the store's retention, are retired.
//
// # Handles
//
// A [BucketStore] is one open handle onto a bucket. The [Manager] creates
// every handle, registers it with its [Tracker] before returning it, and
// deregisters it exactly once when it closes it. A bucket may have several
// open handles at once: the store's writer and one per reader.
//
// # Errors
//
// All public APIs return errors classified by [Kind] (see [Error]). Use
// [KindOf], [IsRetryable] and [IsUnrecoverable] instead of matching messages.
// Unrecoverable database failures shut the manager down asynchronously; every
// subsequent call returns [ErrClosed].
//
// # Concurrency
//
// There is no global lock. The tracker is lock-free; each store serializes
// bucket routing under its own mutex; each reader serializes delivery under
// its own mutex. Lock order is reader before store.
package seqstore
