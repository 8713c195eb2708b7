package seqstore

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// StoreID names a store. It is a comparable value and may be used as a map
// key.
type StoreID struct {
	Group string
	Name  string
}

// NewStoreID validates and returns a StoreID.
func NewStoreID(group, name string) (StoreID, error) {
	id := StoreID{Group: group, Name: name}

	err := id.Validate()
	if err != nil {
		return StoreID{}, err
	}

	return id, nil
}

// ParseStoreID parses "group/name". The name may contain further slashes.
func ParseStoreID(s string) (StoreID, error) {
	group, name, ok := strings.Cut(s, "/")
	if !ok {
		return StoreID{}, fmt.Errorf("%w: store id %q: want group/name", ErrInvalidConfig, s)
	}

	return NewStoreID(group, name)
}

// Validate rejects empty components.
func (id StoreID) Validate() error {
	if id.Group == "" || id.Name == "" {
		return fmt.Errorf("%w: store id %q: group and name must be non-empty", ErrInvalidConfig, id.String())
	}

	return nil
}

func (id StoreID) String() string {
	return id.Group + "/" + id.Name
}

// BucketID identifies a bucket within its store. Ids are assigned in creation
// order and never reused.
type BucketID uint64

func (id BucketID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// BucketStoreKey identifies every handle onto one bucket. The hash is
// computed once at construction.
type BucketStoreKey struct {
	store  StoreID
	bucket BucketID
	hash   uint64
}

// NewBucketStoreKey returns the key for the given store and bucket.
func NewBucketStoreKey(store StoreID, bucket BucketID) BucketStoreKey {
	var d xxhash.Digest

	d.Reset()
	_, _ = d.WriteString(store.Group)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(store.Name)
	_, _ = d.Write([]byte{0})
	_, _ = d.Write(binary.BigEndian.AppendUint64(nil, uint64(bucket)))

	return BucketStoreKey{store: store, bucket: bucket, hash: d.Sum64()}
}

// StoreID returns the store component.
func (k BucketStoreKey) StoreID() StoreID {
	return k.store
}

// BucketID returns the bucket component.
func (k BucketStoreKey) BucketID() BucketID {
	return k.bucket
}

// Hash returns the cached hash of both components.
func (k BucketStoreKey) Hash() uint64 {
	return k.hash
}

func (k BucketStoreKey) String() string {
	return k.store.String() + "#" + k.bucket.String()
}
