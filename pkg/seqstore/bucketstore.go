package seqstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/calvinalkan/seqstore/pkg/kv"
)

// Entry is one stored message.
type Entry struct {
	ID         AckID
	Payload    []byte
	EnqueuedAt int64 // ms
}

// Size is the number of bytes the entry accounts for: payload plus id.
func (e Entry) Size() int64 {
	return int64(len(e.Payload)) + AckIDSize
}

// BucketStore is one open handle onto a bucket's entries.
//
// Handles are created and closed by the [Manager]; there is no Close method
// here. Every method fails with [ErrClosed] once the handle is closed.
type BucketStore interface {
	StoreID() StoreID
	BucketID() BucketID
	StorageType() StorageType

	// Put writes e. The write is durable when Put returns.
	Put(ctx context.Context, e Entry) error
	// Get returns the entry with the given id.
	Get(ctx context.Context, id AckID) (Entry, bool, error)
	// Scan calls fn for up to limit entries with id >= from, in id order.
	Scan(ctx context.Context, from AckID, limit int, fn func(Entry) error) error
	// DeleteRange deletes entries with ids in [from, to).
	DeleteRange(ctx context.Context, from, to AckID) (int64, error)
	// Usage returns the entry count and their accounted [Entry.Size] total.
	Usage(ctx context.Context) (int64, int64, error)
}

// bucketStore adapts a kv bucket handle.
//
// The stored value is the 8-byte enqueue time, encoded like the time of an
// [AckID], followed by the payload.
type bucketStore struct {
	mgr    *Manager
	store  StoreID
	bucket BucketID
	typ    StorageType
	kv     *kv.Bucket
	closed atomic.Bool
}

const valueHeaderSize = 8

func (b *bucketStore) StoreID() StoreID         { return b.store }
func (b *bucketStore) BucketID() BucketID       { return b.bucket }
func (b *bucketStore) StorageType() StorageType { return b.typ }

func (b *bucketStore) String() string {
	return fmt.Sprintf("%s#%d(%s)", b.store, b.bucket, b.typ)
}

func (b *bucketStore) check(op string) error {
	if b.closed.Load() {
		return illegalState(op, fmt.Errorf("%w: bucket store %s", ErrClosed, b))
	}

	return nil
}

func (b *bucketStore) wrap(op string, err error) error {
	return b.mgr.observe(withStore(Wrap(op, err), b.store))
}

func (b *bucketStore) Put(ctx context.Context, e Entry) error {
	err := b.check("put")
	if err != nil {
		return err
	}

	value := make([]byte, 0, valueHeaderSize+len(e.Payload))
	value = binary.BigEndian.AppendUint64(value, sortableTime(e.EnqueuedAt))
	value = append(value, e.Payload...)

	return b.wrap("put", b.kv.Put(ctx, e.ID.Bytes(), value))
}

func (b *bucketStore) Get(ctx context.Context, id AckID) (Entry, bool, error) {
	err := b.check("get")
	if err != nil {
		return Entry{}, false, err
	}

	value, ok, err := b.kv.Get(ctx, id.Bytes())
	if err != nil || !ok {
		return Entry{}, false, b.wrap("get", err)
	}

	e, err := decodeEntry(id.Bytes(), value)
	if err != nil {
		return Entry{}, false, NewUnrecoverable("get", ReasonCorrupt, err)
	}

	return e, true, nil
}

var errStopScan = errors.New("stop scan")

func (b *bucketStore) Scan(ctx context.Context, from AckID, limit int, fn func(Entry) error) error {
	err := b.check("scan")
	if err != nil {
		return err
	}

	var cbErr error

	err = b.kv.Scan(ctx, from.Bytes(), limit, func(key, value []byte) error {
		e, decErr := decodeEntry(key, value)
		if decErr != nil {
			cbErr = NewUnrecoverable("scan", ReasonCorrupt, decErr)

			return errStopScan
		}

		cbErr = fn(e)
		if cbErr != nil {
			return errStopScan
		}

		return nil
	})
	if errors.Is(err, errStopScan) {
		return cbErr
	}

	return b.wrap("scan", err)
}

func (b *bucketStore) DeleteRange(ctx context.Context, from, to AckID) (int64, error) {
	err := b.check("delete range")
	if err != nil {
		return 0, err
	}

	n, err := b.kv.DeleteRange(ctx, from.Bytes(), to.Bytes())

	return n, b.wrap("delete range", err)
}

func (b *bucketStore) Usage(ctx context.Context) (int64, int64, error) {
	err := b.check("usage")
	if err != nil {
		return 0, 0, err
	}

	count, raw, err := b.kv.Usage(ctx)
	if err != nil {
		return 0, 0, b.wrap("usage", err)
	}

	// raw counts key + header + payload; the accounted size is payload + id.
	return count, raw - count*valueHeaderSize, nil
}

// first returns the smallest entry.
func (b *bucketStore) first(ctx context.Context) (Entry, bool, error) {
	var (
		out   Entry
		found bool
	)

	err := b.Scan(ctx, MinAckID, 1, func(e Entry) error {
		out, found = e, true

		return nil
	})

	return out, found, err
}

// last returns the largest id.
func (b *bucketStore) last(ctx context.Context) (AckID, bool, error) {
	key, ok, err := b.kv.Last(ctx)
	if err != nil || !ok {
		return AckID{}, false, b.wrap("last", err)
	}

	id, err := AckIDFromBytes(key)
	if err != nil {
		return AckID{}, false, NewUnrecoverable("last", ReasonCorrupt, err)
	}

	return id, true, nil
}

// maxSeq returns the largest sequence number stored in the bucket.
func (b *bucketStore) maxSeq(ctx context.Context) (uint64, error) {
	suffix, ok, err := b.kv.MaxKeySuffix(ctx, AckIDSize-8)
	if err != nil || !ok {
		return 0, b.wrap("max seq", err)
	}

	if len(suffix) != 8 {
		return 0, NewUnrecoverable("max seq", ReasonCorrupt, fmt.Errorf("seq suffix of %d bytes", len(suffix)))
	}

	return binary.BigEndian.Uint64(suffix), nil
}

// maxEnqueuedAt returns the latest enqueue time stored in the bucket.
func (b *bucketStore) maxEnqueuedAt(ctx context.Context) (int64, bool, error) {
	prefix, ok, err := b.kv.MaxValuePrefix(ctx, valueHeaderSize)
	if err != nil || !ok {
		return 0, false, b.wrap("max enqueued at", err)
	}

	if len(prefix) != valueHeaderSize {
		return 0, false, NewUnrecoverable("max enqueued at", ReasonCorrupt, fmt.Errorf("value header of %d bytes", len(prefix)))
	}

	return timeFromSortable(binary.BigEndian.Uint64(prefix)), true, nil
}

func decodeEntry(key, value []byte) (Entry, error) {
	id, err := AckIDFromBytes(key)
	if err != nil {
		return Entry{}, err
	}

	if len(value) < valueHeaderSize {
		return Entry{}, fmt.Errorf("entry %s: value of %d bytes", id, len(value))
	}

	return Entry{
		ID:         id,
		EnqueuedAt: timeFromSortable(binary.BigEndian.Uint64(value[:valueHeaderSize])),
		Payload:    value[valueHeaderSize:],
	}, nil
}
