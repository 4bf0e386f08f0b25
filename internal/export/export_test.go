package export

import "strings"

import "testing"

func TestAdd_RejectsEmptyAndOverlong(t *testing.T) {
	s := New()
	if err := s.Add("", "", false); err == nil {
		t.Fatal("expected error for empty name")
	}
	long := strings.Repeat("a", MaxNameLength+1)
	if err := s.Add(long, "", false); err == nil {
		t.Fatal("expected error for over-long name")
	}
}

func TestAdd_RejectsInvalidUTF8(t *testing.T) {
	s := New()
	if err := s.Add(string([]byte{0xff, 0xfe}), "", false); err == nil {
		t.Fatal("expected error for invalid UTF-8 name")
	}
}

func TestUseDefault_OnlyOnceAndBeforeConcrete(t *testing.T) {
	s := New()
	if err := s.UseDefault(); err != nil {
		t.Fatalf("first UseDefault: %v", err)
	}
	if err := s.UseDefault(); err == nil {
		t.Fatal("expected error on duplicate default sentinel")
	}

	s2 := New()
	if err := s2.Add("primary", "", false); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s2.UseDefault(); err == nil {
		t.Fatal("expected error adding default sentinel after concrete entry")
	}
}

func TestResolveDefault(t *testing.T) {
	s := New()
	if err := s.UseDefault(); err != nil {
		t.Fatalf("UseDefault: %v", err)
	}
	if err := s.ResolveDefault("primary"); err != nil {
		t.Fatalf("ResolveDefault: %v", err)
	}

	e, ok := s.Get(0)
	if !ok || e.Name != "primary" || e.IsDefaultSentinel() {
		t.Errorf("entry 0 = %+v, want resolved name %q", e, "primary")
	}
}

func TestResolveDefault_NoopWithoutSentinel(t *testing.T) {
	s := New()
	s.Add("a", "", false)
	if err := s.ResolveDefault("b"); err != nil {
		t.Fatalf("ResolveDefault: %v", err)
	}
	e, _ := s.Get(0)
	if e.Name != "a" {
		t.Errorf("entry should be unchanged, got %+v", e)
	}
}
