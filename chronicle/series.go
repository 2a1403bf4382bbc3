package chronicle

import "sort"

type snapshot[V any] struct {
	timestamp uint64
	value     V
}

// Series is an append-only time series of values keyed by strictly increasing
// timestamps. It backs every per-account, per-key and aggregate history kept
// by a chronicle and is queryable by "value as of T" via binary search.
//
// Series performs no validation of the payload itself; negative liquidity,
// empty byte strings and repeated identical values are all legal. Entries are
// never pruned so historical queries stay answerable for audit purposes.
//
// Series is not safe for concurrent use; the owning chronicle serialises
// access.
type Series[V any] struct {
	snapshots []snapshot[V]
}

// NewSeries constructs an empty series.
func NewSeries[V any]() *Series[V] {
	return &Series[V]{}
}

// Append records value as effective from timestamp onward. The timestamp must
// be strictly greater than the last stored one; otherwise ErrStaleTimestamp is
// returned and the series is unchanged.
func (s *Series[V]) Append(timestamp uint64, value V) error {
	if n := len(s.snapshots); n > 0 && timestamp <= s.snapshots[n-1].timestamp {
		return ErrStaleTimestamp
	}
	s.snapshots = append(s.snapshots, snapshot[V]{timestamp: timestamp, value: value})
	return nil
}

// ValueAt returns the value effective at the given timestamp: the value stored
// at the greatest timestamp <= the query. The zero value of V is returned when
// the series is empty or the query precedes the first entry.
func (s *Series[V]) ValueAt(timestamp uint64) V {
	idx := sort.Search(len(s.snapshots), func(i int) bool {
		return s.snapshots[i].timestamp > timestamp
	})
	if idx == 0 {
		var zero V
		return zero
	}
	return s.snapshots[idx-1].value
}

// Latest returns the most recently appended value, or the zero value of V when
// the series is empty.
func (s *Series[V]) Latest() V {
	if len(s.snapshots) == 0 {
		var zero V
		return zero
	}
	return s.snapshots[len(s.snapshots)-1].value
}

// LastTimestamp returns the greatest stored timestamp, or 0 when the series is
// empty.
func (s *Series[V]) LastTimestamp() uint64 {
	if len(s.snapshots) == 0 {
		return 0
	}
	return s.snapshots[len(s.snapshots)-1].timestamp
}

// Len reports the number of stored snapshots.
func (s *Series[V]) Len() int {
	return len(s.snapshots)
}

// Cursor tracks a strictly increasing sequence of settled timestamps and
// answers floor queries over it. RemoteChronicle keeps one per settlement
// axis plus one for the derived finalized sequence.
type Cursor struct {
	timestamps []uint64
}

// Append records a newly settled timestamp. ErrStaleTimestamp is returned when
// the timestamp does not advance the cursor.
func (c *Cursor) Append(timestamp uint64) error {
	if n := len(c.timestamps); n > 0 && timestamp <= c.timestamps[n-1] {
		return ErrStaleTimestamp
	}
	c.timestamps = append(c.timestamps, timestamp)
	return nil
}

// FloorAt returns the greatest settled timestamp <= the query, or 0 when none
// qualifies.
func (c *Cursor) FloorAt(timestamp uint64) uint64 {
	idx := sort.Search(len(c.timestamps), func(i int) bool {
		return c.timestamps[i] > timestamp
	})
	if idx == 0 {
		return 0
	}
	return c.timestamps[idx-1]
}

// Last returns the most recently settled timestamp, or 0 when the cursor is
// empty.
func (c *Cursor) Last() uint64 {
	if len(c.timestamps) == 0 {
		return 0
	}
	return c.timestamps[len(c.timestamps)-1]
}
