package seqstore

import (
	"github.com/calvinalkan/seqstore/pkg/kv"
)

// StorageType says where a bucket's entries live.
type StorageType uint8

const (
	// Shared buckets live in the environment's shared database.
	Shared StorageType = iota
	// Dedicated buckets own a database file.
	Dedicated
)

func (t StorageType) String() string {
	if t == Dedicated {
		return "dedicated"
	}

	return "shared"
}

// BucketState is the lifecycle state of a bucket.
type BucketState uint8

const (
	// BucketOpen buckets accept new entries.
	BucketOpen BucketState = iota
	// BucketClosed buckets are read-only and wait for retirement.
	BucketClosed
	// BucketRetired buckets have had their storage deleted.
	BucketRetired
)

func (s BucketState) String() string {
	switch s {
	case BucketOpen:
		return "open"
	case BucketClosed:
		return "closed"
	case BucketRetired:
		return "retired"
	default:
		return "unknown"
	}
}

// Bucket describes one contiguous id range [Min, Max) of a store.
type Bucket struct {
	ID          BucketID
	Store       StoreID
	Min         AckID
	Max         AckID
	StorageType StorageType
	State       BucketState
	EntryCount  int64
	ByteSize    int64
	CreatedAt   int64
	ClosedAt    int64
}

// Contains reports whether id falls in [Min, Max).
func (b Bucket) Contains(id AckID) bool {
	return !id.Less(b.Min) && id.Less(b.Max)
}

// Key returns the tracker key of the bucket.
func (b Bucket) Key() BucketStoreKey {
	return NewBucketStoreKey(b.Store, b.ID)
}

func (b Bucket) ref() kv.BucketRef {
	return kv.BucketRef{Store: b.Store.String(), ID: uint64(b.ID), Dedicated: b.StorageType == Dedicated}
}

func (b Bucket) meta() kv.BucketMeta {
	return kv.BucketMeta{
		Store:      b.Store.String(),
		ID:         uint64(b.ID),
		Dedicated:  b.StorageType == Dedicated,
		Min:        b.Min.Bytes(),
		Max:        b.Max.Bytes(),
		State:      int(b.State),
		EntryCount: b.EntryCount,
		ByteSize:   b.ByteSize,
		CreatedAt:  b.CreatedAt,
		ClosedAt:   b.ClosedAt,
	}
}

func bucketFromMeta(store StoreID, m kv.BucketMeta) (Bucket, error) {
	lo, err := AckIDFromBytes(m.Min)
	if err != nil {
		return Bucket{}, err
	}

	hi, err := AckIDFromBytes(m.Max)
	if err != nil {
		return Bucket{}, err
	}

	typ := Shared
	if m.Dedicated {
		typ = Dedicated
	}

	return Bucket{
		ID:          BucketID(m.ID),
		Store:       store,
		Min:         lo,
		Max:         hi,
		StorageType: typ,
		State:       BucketState(m.State),
		EntryCount:  m.EntryCount,
		ByteSize:    m.ByteSize,
		CreatedAt:   m.CreatedAt,
		ClosedAt:    m.ClosedAt,
	}, nil
}
