// Package types provides the value types shared by Tidemark packages.
package types

import (
	"sort"
	"time"
)

// Epoch is the zero point of the range timeline. A range whose begin and end
// both equal Epoch has not been calculated yet or covers an empty index.
var Epoch = time.Unix(0, 0).UTC()

// IndexRange describes the time span of the documents stored in one index.
type IndexRange struct {
	// IndexName is the unique key of the range
	IndexName string `json:"index_name"`

	// Begin is the timestamp of the oldest document
	Begin time.Time `json:"begin"`

	// End is the timestamp of the newest document
	End time.Time `json:"end"`

	// CalculatedAt is when the span was computed
	CalculatedAt time.Time `json:"calculated_at"`

	// Ordinal orders ranges for enumeration (the index number for managed indices)
	Ordinal int `json:"ordinal"`
}

// NewIndexRange builds an IndexRange with all timestamps normalized to UTC
// at millisecond precision, which is the precision every store persists.
func NewIndexRange(indexName string, begin, end, calculatedAt time.Time, ordinal int) IndexRange {
	return IndexRange{
		IndexName:    indexName,
		Begin:        normalize(begin),
		End:          normalize(end),
		CalculatedAt: normalize(calculatedAt),
		Ordinal:      ordinal,
	}
}

// EmptyIndexRange returns the epoch/epoch sentinel for an index.
func EmptyIndexRange(indexName string, calculatedAt time.Time, ordinal int) IndexRange {
	return NewIndexRange(indexName, Epoch, Epoch, calculatedAt, ordinal)
}

// IsEmpty reports whether the range is the uncalculated sentinel.
func (r IndexRange) IsEmpty() bool {
	return r.Begin.Equal(Epoch) && r.End.Equal(Epoch)
}

// Overlaps reports whether the range intersects the closed interval [begin, end].
func (r IndexRange) Overlaps(begin, end time.Time) bool {
	return !r.Begin.After(end) && !r.End.Before(begin)
}

// CompareIndexRanges orders by ordinal, then by index name so that the order is
// total even when two ranges share an ordinal.
func CompareIndexRanges(a, b IndexRange) int {
	switch {
	case a.Ordinal < b.Ordinal:
		return -1
	case a.Ordinal > b.Ordinal:
		return 1
	case a.IndexName < b.IndexName:
		return -1
	case a.IndexName > b.IndexName:
		return 1
	default:
		return 0
	}
}

// SortIndexRanges sorts ranges in enumeration order.
func SortIndexRanges(ranges []IndexRange) {
	sort.Slice(ranges, func(i, j int) bool {
		return CompareIndexRanges(ranges[i], ranges[j]) < 0
	})
}

func normalize(t time.Time) time.Time {
	if t.IsZero() {
		return Epoch
	}
	return time.UnixMilli(t.UnixMilli()).UTC()
}
