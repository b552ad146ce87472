// Package entityref defines the typed identifier that flows through every
// other package in this module: a (Kind, ID) pair identifying one row in
// one iModel database.
package entityref

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind is the closed set of entity kinds the engine knows how to clone.
// The single-letter values are also the on-wire prefix used in the string
// form of a Ref (see Ref.String / Parse).
type Kind string

const (
	Element      Kind = "e"
	Model        Kind = "m"
	Aspect       Kind = "a"
	Relationship Kind = "r"
	CodeSpec     Kind = "c"
	Font         Kind = "f"
)

// Valid reports whether k is one of the closed set of known kinds.
func (k Kind) Valid() bool {
	switch k {
	case Element, Model, Aspect, Relationship, CodeSpec, Font:
		return true
	default:
		return false
	}
}

// Reserved element IDs that always map to themselves across every clone
// operation: the root element (1), the dictionary model (0xE) and the
// real-world element (0x10).
const (
	RootSubjectID     uint64 = 0x1
	DictionaryModelID uint64 = 0xE
	RealWorldID       uint64 = 0x10
)

// IsReservedElementID reports whether id is one of the element ids that are
// always self-mapped rather than remapped.
func IsReservedElementID(id uint64) bool {
	switch id {
	case RootSubjectID, DictionaryModelID, RealWorldID:
		return true
	default:
		return false
	}
}

// Ref is a tagged identifier: a Kind plus the store-assigned integer id of
// the row of that kind. The zero value is invalid (id 0 is never assigned
// by a store).
type Ref struct {
	Kind Kind
	ID   uint64
}

// New builds a Ref, without validating that kind is one of the closed set
// (use Valid to check before trusting caller input).
func New(kind Kind, id uint64) Ref {
	return Ref{Kind: kind, ID: id}
}

// Valid reports whether r has a non-zero id and a recognized kind. A zero
// id is never a store-assigned identifier, so it can never be valid.
func (r Ref) Valid() bool {
	return r.ID != 0 && r.Kind.Valid()
}

// String renders r in its persisted form "<prefix><hex-id>", e.g. "e1a2b3".
func (r Ref) String() string {
	return fmt.Sprintf("%s%x", r.Kind, r.ID)
}

// Parse reconstructs a Ref from its persisted string form. It fails if s is
// empty, the prefix isn't a known Kind, or the remainder isn't valid hex.
func Parse(s string) (Ref, error) {
	if len(s) < 2 {
		return Ref{}, fmt.Errorf("entityref: %q too short to contain a kind prefix and id", s)
	}
	kind := Kind(s[:1])
	if !kind.Valid() {
		return Ref{}, fmt.Errorf("entityref: %q has unrecognized kind prefix %q", s, kind)
	}
	id, err := strconv.ParseUint(strings.TrimPrefix(s[1:], "0x"), 16, 64)
	if err != nil {
		return Ref{}, fmt.Errorf("entityref: %q has malformed id: %w", s, err)
	}
	if id == 0 {
		return Ref{}, fmt.Errorf("entityref: %q has zero id, which is never valid", s)
	}
	return Ref{Kind: kind, ID: id}, nil
}
