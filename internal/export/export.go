// Package export implements the ordered list of exports a backend
// advertises to a connecting client.
package export

import (
	"fmt"
	"unicode/utf8"
)

// MaxNameLength is the wire-protocol convention bound on export name
// length in bytes.
const MaxNameLength = 4096

// UseDefault is the sentinel name used to mean "use the server-side
// default export name". The pipeline resolves it to a concrete name
// before the set reaches the client.
const UseDefault = "\x00__use_default__"

// Entry is a single export advertised to a client.
type Entry struct {
	Name        string
	Description string
	HasDesc     bool
}

// IsDefaultSentinel reports whether e is the "use the default export"
// marker.
func (e Entry) IsDefaultSentinel() bool { return e.Name == UseDefault }

// Set is an ordered sequence of export entries. It may contain the
// default-sentinel entry at most once, and only before any concrete
// entries.
type Set struct {
	entries      []Entry
	haveDefault  bool
	haveConcrete bool
}

// New creates an empty exports set.
func New() *Set { return &Set{} }

// Add appends a named export. desc is optional; pass hasDesc=false to
// omit it. Rejects names that are empty, over-long, or not valid UTF-8.
func (s *Set) Add(name string, desc string, hasDesc bool) error {
	if name == "" {
		return fmt.Errorf("export: name must not be empty")
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("export: name exceeds %d bytes", MaxNameLength)
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("export: name is not valid UTF-8")
	}
	if hasDesc && !utf8.ValidString(desc) {
		return fmt.Errorf("export: description is not valid UTF-8")
	}

	s.entries = append(s.entries, Entry{Name: name, Description: desc, HasDesc: hasDesc})
	s.haveConcrete = true
	return nil
}

// UseDefault appends the default-export sentinel. It may only be called
// once, and only before any concrete entry has been added.
func (s *Set) UseDefault() error {
	if s.haveDefault {
		return fmt.Errorf("export: default sentinel already present")
	}
	if s.haveConcrete {
		return fmt.Errorf("export: default sentinel must precede concrete entries")
	}
	s.entries = append(s.entries, Entry{Name: UseDefault})
	s.haveDefault = true
	return nil
}

// Count returns the number of entries, including an unresolved sentinel.
func (s *Set) Count() int { return len(s.entries) }

// Get returns the i'th entry.
func (s *Set) Get(i int) (Entry, bool) {
	if i < 0 || i >= len(s.entries) {
		return Entry{}, false
	}
	return s.entries[i], true
}

// Entries returns a copy of the entry list.
func (s *Set) Entries() []Entry {
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// ResolveDefault replaces the default sentinel (if present) with a
// concrete name. Called by the dispatcher after asking the backend of the
// context it was given (the pipeline's topmost one) for its default export
// name, before the set is handed to the wire front-end.
func (s *Set) ResolveDefault(name string) error {
	if !s.haveDefault {
		return nil
	}
	for i, e := range s.entries {
		if e.IsDefaultSentinel() {
			s.entries[i] = Entry{Name: name}
		}
	}
	s.haveDefault = false
	return nil
}
