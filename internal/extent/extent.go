// Package extent implements the coalescing extent list used to answer
// block-status ("which byte ranges are holes, zero, or allocated data")
// requests.
package extent

import "fmt"

// Type is a bitmask describing the allocation status of a byte range.
type Type uint32

const (
	// Hole marks a range that is not backed by storage.
	Hole Type = 1 << iota
	// Zero marks a range that reads as zero.
	Zero
)

// validBits is the set of type bits this package understands. Anything
// outside it is rejected by Add as a reserved bit.
const validBits = Hole | Zero

// Record is a single (offset, length, type) entry in a Set.
type Record struct {
	Offset uint64
	Length uint64
	Type   Type
}

// End returns the exclusive end offset of the record.
func (r Record) End() uint64 { return r.Offset + r.Length }

// Result reports the outcome of an Add call.
type Result int

const (
	// OK means the record was appended normally.
	OK Result = iota
	// Full means the window is exhausted; the set accepted no more than it
	// could hold (possibly nothing, if already full). Not an error.
	Full
)

// Set is an ordered, coalescing sequence of extent records covering
// [start, end). Adjacent records of identical type are merged; gaps are
// filled with synthetic allocated-data (type 0) records.
type Set struct {
	start, end uint64
	records    []Record
	full       bool
}

// New creates a Set covering [start, end). end must be strictly greater
// than start.
func New(start, end uint64) (*Set, error) {
	if end <= start {
		return nil, fmt.Errorf("extent: invalid range [%d, %d)", start, end)
	}
	return &Set{start: start, end: end}, nil
}

// Start returns the window's start offset.
func (s *Set) Start() uint64 { return s.start }

// End returns the window's exclusive end offset.
func (s *Set) End() uint64 { return s.end }

// Full reports whether the set has stopped accepting new records because a
// prior Add reached or overran the window end.
func (s *Set) Full() bool { return s.full }

// frontier is the offset immediately after the last record, i.e. how much
// of the window has been filled so far.
func (s *Set) frontier() uint64 {
	if len(s.records) == 0 {
		return s.start
	}
	return s.records[len(s.records)-1].End()
}

// Add appends a record of the given type starting at offset, for length
// bytes. Offsets must be non-decreasing across calls (out-of-order offsets
// are rejected). A gap between the current frontier and offset is filled
// with a synthetic allocated-data record. A record that would overrun the
// window is truncated to fit and the set is marked Full; further calls
// then return Full without modifying the set.
func (s *Set) Add(offset, length uint64, typ Type) (Result, error) {
	if length == 0 {
		return OK, fmt.Errorf("extent: zero-length record")
	}
	if typ&^validBits != 0 {
		return OK, fmt.Errorf("extent: reserved type bits set: %#x", typ)
	}

	if s.full {
		return Full, nil
	}

	frontier := s.frontier()
	if offset < frontier {
		return OK, fmt.Errorf("extent: out-of-order offset %d (frontier %d)", offset, frontier)
	}

	if offset > frontier {
		s.append(Record{Offset: frontier, Length: offset - frontier, Type: 0})
	}

	end := offset + length
	truncated := false
	if end > s.end {
		end = s.end
		truncated = true
	}
	if end > offset {
		s.append(Record{Offset: offset, Length: end - offset, Type: typ})
	}

	if truncated || s.frontier() >= s.end {
		s.full = true
		if truncated {
			return Full, nil
		}
	}
	return OK, nil
}

// append adds a record to the tail, merging it into the previous record if
// the types match and the ranges are contiguous.
func (s *Set) append(r Record) {
	if n := len(s.records); n > 0 {
		last := &s.records[n-1]
		if last.Type == r.Type && last.End() == r.Offset {
			last.Length += r.Length
			return
		}
	}
	s.records = append(s.records, r)
}

// Count returns the number of records currently in the set.
func (s *Set) Count() int { return len(s.records) }

// Get returns the i'th record. ok is false if i is out of range.
func (s *Set) Get(i int) (rec Record, ok bool) {
	if i < 0 || i >= len(s.records) {
		return Record{}, false
	}
	return s.records[i], true
}

// Records returns a copy of the current record list.
func (s *Set) Records() []Record {
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// TotalLength returns the sum of all record lengths, i.e. how much of the
// window has actually been described.
func (s *Set) TotalLength() uint64 {
	var total uint64
	for _, r := range s.records {
		total += r.Length
	}
	return total
}

// TrimTo narrows the set to a sub-window [start, end) of the original
// range, dropping or truncating records that fall outside it. Used by
// filters that translate offsets (e.g. the offset filter shrinking a
// plugin's extents to the exported window). start/end must lie within the
// original [s.start, s.end].
func (s *Set) TrimTo(start, end uint64) {
	if end <= start {
		s.start, s.end, s.records, s.full = start, start, nil, false
		return
	}

	kept := s.records[:0:0]
	for _, r := range s.records {
		rStart, rEnd := r.Offset, r.End()
		if rEnd <= start || rStart >= end {
			continue
		}
		if rStart < start {
			r.Length -= start - rStart
			r.Offset = start
		}
		if r.End() > end {
			r.Length = end - r.Offset
		}
		kept = append(kept, r)
	}

	s.start, s.end = start, end
	s.records = kept
	s.full = s.frontier() >= s.end
}
