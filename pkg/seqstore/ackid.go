package seqstore

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/calvinalkan/seqstore/pkg/clock"
)

// AckIDSize is the encoded size of an [AckID] in bytes.
const AckIDSize = 16

// AckID identifies one entry. Ids are totally ordered by (Time, Seq); the
// encoded form sorts the same way byte-wise.
type AckID struct {
	// Time is the entry's logical time in milliseconds. For delayed entries
	// it is the time the entry becomes available.
	Time int64
	// Seq is unique per generator and strictly increasing in mint order.
	Seq uint64
}

var (
	// MinAckID sorts before every minted id.
	MinAckID = AckID{Time: math.MinInt64}
	// MaxAckID sorts after every minted id.
	MaxAckID = AckID{Time: math.MaxInt64, Seq: math.MaxUint64}
)

// Compare returns -1, 0 or +1.
func (a AckID) Compare(b AckID) int {
	switch {
	case a.Time < b.Time:
		return -1
	case a.Time > b.Time:
		return 1
	case a.Seq < b.Seq:
		return -1
	case a.Seq > b.Seq:
		return 1
	default:
		return 0
	}
}

// Less reports whether a sorts before b.
func (a AckID) Less(b AckID) bool {
	return a.Compare(b) < 0
}

// Successor returns the smallest id strictly greater than a.
func (a AckID) Successor() AckID {
	if a.Seq == math.MaxUint64 {
		return AckID{Time: a.Time + 1}
	}

	return AckID{Time: a.Time, Seq: a.Seq + 1}
}

// AppendBinary appends the 16-byte encoding of a to dst.
func (a AckID) AppendBinary(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint64(dst, sortableTime(a.Time))

	return binary.BigEndian.AppendUint64(dst, a.Seq)
}

// Bytes returns the 16-byte encoding of a.
func (a AckID) Bytes() []byte {
	return a.AppendBinary(make([]byte, 0, AckIDSize))
}

// String formats as "<time>.<seq>".
func (a AckID) String() string {
	return strconv.FormatInt(a.Time, 10) + "." + strconv.FormatUint(a.Seq, 10)
}

// AckIDFromBytes decodes the output of [AckID.Bytes].
func AckIDFromBytes(b []byte) (AckID, error) {
	if len(b) != AckIDSize {
		return AckID{}, fmt.Errorf("ack id: want %d bytes, got %d", AckIDSize, len(b))
	}

	return AckID{
		Time: timeFromSortable(binary.BigEndian.Uint64(b[:8])),
		Seq:  binary.BigEndian.Uint64(b[8:]),
	}, nil
}

// ParseAckID parses the output of [AckID.String].
func ParseAckID(s string) (AckID, error) {
	ts, seq, ok := strings.Cut(s, ".")
	if !ok {
		return AckID{}, fmt.Errorf("ack id %q: missing '.'", s)
	}

	t, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return AckID{}, fmt.Errorf("ack id %q: time: %w", s, err)
	}

	n, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return AckID{}, fmt.Errorf("ack id %q: seq: %w", s, err)
	}

	return AckID{Time: t, Seq: n}, nil
}

// sortableTime flips the sign bit so that negative times sort before
// positive ones when compared as big-endian bytes.
func sortableTime(t int64) uint64 {
	return uint64(t) ^ (1 << 63)
}

func timeFromSortable(u uint64) int64 {
	return int64(u ^ (1 << 63))
}

func maxAckID(a, b AckID) AckID {
	if a.Less(b) {
		return b
	}

	return a
}

// AckIDGenerator mints strictly increasing ids from a clock.
//
// The clock is wrapped in [clock.AlwaysIncreasing], so a regressing wall
// clock stalls the time component instead of moving it backwards. The
// sequence component is shared by [AckIDGenerator.Next] and
// [AckIDGenerator.At], which keeps delayed ids unique too.
type AckIDGenerator struct {
	clock *clock.AlwaysIncreasing

	mu   sync.Mutex
	last AckID
	seq  uint64
}

// NewAckIDGenerator returns a generator reading time from c.
func NewAckIDGenerator(c clock.Clock) *AckIDGenerator {
	return &AckIDGenerator{clock: clock.NewAlwaysIncreasing(c), last: MinAckID}
}

// Next returns an id strictly greater than every id it returned before.
func (g *AckIDGenerator) Next() AckID {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.nextLocked()
}

func (g *AckIDGenerator) nextLocked() AckID {
	t := max(g.clock.Now(), g.last.Time)

	g.seq++
	g.last = AckID{Time: t, Seq: g.seq}

	return g.last
}

// At returns a unique id with time t, for entries that become available at
// t. A t that is not after the current position behaves like Next.
func (g *AckIDGenerator) At(t int64) AckID {
	g.mu.Lock()
	defer g.mu.Unlock()

	if t <= max(g.clock.Now(), g.last.Time) {
		return g.nextLocked()
	}

	g.seq++

	return AckID{Time: t, Seq: g.seq}
}

// Now returns the generator's current time position.
func (g *AckIDGenerator) Now() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	return max(g.clock.Now(), g.last.Time)
}

// Last returns the last id returned by Next, or [MinAckID].
func (g *AckIDGenerator) Last() AckID {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.last
}

// Restore raises the generator's floor after a reopen: future ids have a
// sequence above maxSeq and a time not before floor.
func (g *AckIDGenerator) Restore(floor int64, maxSeq uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.seq = max(g.seq, maxSeq)

	if floor > g.last.Time {
		g.last = AckID{Time: floor, Seq: g.seq}
	}
}
