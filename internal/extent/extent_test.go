package extent

import "testing"

func TestNew_InvalidRange(t *testing.T) {
	if _, err := New(100, 100); err == nil {
		t.Fatal("expected error for end == start")
	}
	if _, err := New(100, 50); err == nil {
		t.Fatal("expected error for end < start")
	}
}

func TestAdd_CoalescesAdjacentSameType(t *testing.T) {
	s, err := New(0, 64*1024)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := s.Add(0, 16*1024, Hole|Zero); err != nil {
		t.Fatalf("Add 1: %v", err)
	}
	if _, err := s.Add(16*1024, 16*1024, Hole|Zero); err != nil {
		t.Fatalf("Add 2: %v", err)
	}
	if _, err := s.Add(32*1024, 32*1024, 0); err != nil {
		t.Fatalf("Add 3: %v", err)
	}

	if s.Count() != 2 {
		t.Fatalf("expected 2 coalesced records, got %d", s.Count())
	}
	r0, _ := s.Get(0)
	if r0.Offset != 0 || r0.Length != 32*1024 || r0.Type != Hole|Zero {
		t.Errorf("record 0 = %+v, want {0, 32768, HOLE|ZERO}", r0)
	}
	r1, _ := s.Get(1)
	if r1.Offset != 32*1024 || r1.Length != 32*1024 || r1.Type != 0 {
		t.Errorf("record 1 = %+v, want {32768, 32768, 0}", r1)
	}
}

func TestAdd_GapFilledWithSyntheticRecord(t *testing.T) {
	s, _ := New(0, 1000)
	if _, err := s.Add(100, 100, Hole); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if s.Count() != 2 {
		t.Fatalf("expected synthetic gap record, got %d records", s.Count())
	}
	gap, _ := s.Get(0)
	if gap.Offset != 0 || gap.Length != 100 || gap.Type != 0 {
		t.Errorf("gap record = %+v, want {0, 100, 0}", gap)
	}
}

func TestAdd_OutOfOrderRejected(t *testing.T) {
	s, _ := New(0, 1000)
	if _, err := s.Add(500, 100, 0); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := s.Add(400, 100, 0); err == nil {
		t.Fatal("expected error for out-of-order offset")
	}
}

func TestAdd_ZeroLengthRejected(t *testing.T) {
	s, _ := New(0, 1000)
	if _, err := s.Add(0, 0, 0); err == nil {
		t.Fatal("expected error for zero length")
	}
}

func TestAdd_ReservedBitsRejected(t *testing.T) {
	s, _ := New(0, 1000)
	if _, err := s.Add(0, 100, 1<<30); err == nil {
		t.Fatal("expected error for reserved type bits")
	}
}

func TestAdd_TruncatesAtWindowEndAndMarksFull(t *testing.T) {
	s, _ := New(0, 64*1024)

	res, err := s.Add(32*1024, 64*1024, 0) // straddles the end
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if res != Full {
		t.Fatalf("expected Full, got %v", res)
	}
	if !s.Full() {
		t.Fatal("expected set to be marked full")
	}

	last, _ := s.Get(s.Count() - 1)
	if last.End() != 64*1024 {
		t.Errorf("last record end = %d, want %d", last.End(), 64*1024)
	}

	// Subsequent adds are no-ops.
	before := s.Count()
	res, err = s.Add(64*1024, 10, 0)
	if err != nil {
		t.Fatalf("Add after full: %v", err)
	}
	if res != Full {
		t.Errorf("expected Full after set is full, got %v", res)
	}
	if s.Count() != before {
		t.Errorf("set was modified after becoming full: %d -> %d records", before, s.Count())
	}
}

func TestAdd_ExactFitMarksFullWithoutTruncation(t *testing.T) {
	s, _ := New(0, 1000)
	res, err := s.Add(0, 1000, 0)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if res != OK {
		t.Errorf("expected OK for exact fit, got %v", res)
	}
	if !s.Full() {
		t.Error("expected set to be full after exactly reaching the window end")
	}
}

func TestInvariant_AdjacentRecordsDifferTypeAndAreContiguous(t *testing.T) {
	s, _ := New(0, 100000)
	adds := []struct {
		off, length uint64
		typ         Type
	}{
		{0, 100, Hole},
		{100, 200, Hole}, // merges with previous
		{300, 50, 0},
		{350, 400, Zero},
		{750, 250, Zero}, // merges with previous
	}
	for _, a := range adds {
		if _, err := s.Add(a.off, a.length, a.typ); err != nil {
			t.Fatalf("Add(%d,%d,%v): %v", a.off, a.length, a.typ, err)
		}
	}

	for i := 0; i < s.Count()-1; i++ {
		cur, _ := s.Get(i)
		next, _ := s.Get(i + 1)
		if cur.End() != next.Offset {
			t.Errorf("record %d end %d != record %d offset %d", i, cur.End(), i+1, next.Offset)
		}
		if cur.Type == next.Type {
			t.Errorf("adjacent records %d and %d have the same type %v", i, i+1, cur.Type)
		}
	}
}

func TestScenarioS3_ExtentsCoalescing(t *testing.T) {
	// S3 from spec.md: three backend records collapse into two.
	s, _ := New(0, 64*1024)
	if _, err := s.Add(0, 16*1024, Hole|Zero); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Add(16*1024, 16*1024, Hole|Zero); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Add(32*1024, 32*1024, 0); err != nil {
		t.Fatal(err)
	}

	if s.Count() != 2 {
		t.Fatalf("expected 2 extents, got %d", s.Count())
	}
	r0, _ := s.Get(0)
	r1, _ := s.Get(1)
	if r0.Offset != 0 || r0.Length != 32*1024 {
		t.Errorf("extent 0 = %+v", r0)
	}
	if r1.Offset != 32*1024 || r1.Length != 32*1024 {
		t.Errorf("extent 1 = %+v", r1)
	}
}

func TestTrimTo_PreservesAndTruncatesRanges(t *testing.T) {
	s, _ := New(0, 1000)
	s.Add(0, 200, Hole)
	s.Add(200, 300, 0)
	s.Add(500, 500, Zero)

	s.TrimTo(100, 600)

	if s.Start() != 100 || s.End() != 600 {
		t.Fatalf("window = [%d, %d), want [100, 600)", s.Start(), s.End())
	}
	recs := s.Records()
	if len(recs) != 3 {
		t.Fatalf("expected 3 records after trim, got %d: %+v", len(recs), recs)
	}
	if recs[0].Offset != 100 || recs[0].End() != 200 {
		t.Errorf("record 0 = %+v", recs[0])
	}
	if recs[2].Offset != 500 || recs[2].End() != 600 {
		t.Errorf("record 2 = %+v", recs[2])
	}
}

func TestTotalLength_CoversWholeWindowOnceFull(t *testing.T) {
	s, _ := New(0, 4096)
	s.Add(0, 1024, Hole)
	s.Add(1024, 3072, 0)

	if got := s.TotalLength(); got != 4096 {
		t.Errorf("TotalLength() = %d, want 4096", got)
	}
}
