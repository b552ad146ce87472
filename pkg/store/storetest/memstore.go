// Package storetest provides a minimal in-memory store.Reader/Writer/
// Catalog implementation for exercising the synchronization core's unit
// tests without a real relational iModel backing it. It is intentionally
// small: enough behavior to drive Exporter/Transformer/Importer tests,
// nothing else.
package storetest

import (
	"context"
	"sort"
	"strings"

	"github.com/itwin/imodel-sync/pkg/entityref"
	"github.com/itwin/imodel-sync/pkg/store"
)

// Store is an in-memory database. Construct one with New: the zero
// value's maps are nil, so writing to it panics.
type Store struct {
	byRef      map[entityref.Ref]store.Entity
	byCode     map[string]entityref.Ref
	byGUID     map[string]entityref.Ref
	nextID     map[entityref.Kind]uint64
	classVer   map[string]string
	schemaRows []int64
}

// New returns an empty Store with id allocation starting above the
// reserved element ids.
func New() *Store {
	return &Store{
		byRef:  map[entityref.Ref]store.Entity{},
		byCode: map[string]entityref.Ref{},
		byGUID: map[string]entityref.Ref{},
		nextID: map[entityref.Kind]uint64{
			entityref.Element:      entityref.RealWorldID + 1,
			entityref.Model:        1,
			entityref.Aspect:       1,
			entityref.Relationship: 1,
			entityref.CodeSpec:     1,
			entityref.Font:         1,
		},
		classVer: map[string]string{},
	}
}

func codeKey(c store.Code) string {
	return c.Spec.String() + "|" + c.Scope.String() + "|" + c.Value
}

// Seed inserts e at its existing Ref (used to build fixtures directly,
// bypassing id allocation).
func (s *Store) Seed(e store.Entity) {
	s.byRef[e.Ref] = e
	if e.Code.Valid() {
		s.byCode[codeKey(e.Code)] = e.Ref
	}
	if e.FederationGUID.Valid() {
		s.byGUID[e.FederationGUID.String()] = e.Ref
	}
	if e.Ref.ID >= s.nextID[e.Ref.Kind] {
		s.nextID[e.Ref.Kind] = e.Ref.ID + 1
	}
}

// SetSchemaVersion registers the version reported by SchemaVersion.
func (s *Store) SetSchemaVersion(schemaName, version string) {
	s.classVer[schemaName] = version
}

// GetEntity implements store.Reader.
func (s *Store) GetEntity(_ context.Context, ref entityref.Ref) (store.Entity, error) {
	e, ok := s.byRef[ref]
	if !ok {
		return store.Entity{}, store.ErrNotFound
	}
	return e, nil
}

// FindByCode implements store.Reader.
func (s *Store) FindByCode(_ context.Context, code store.Code) (store.Entity, error) {
	ref, ok := s.byCode[codeKey(code)]
	if !ok {
		return store.Entity{}, store.ErrNotFound
	}
	return s.byRef[ref], nil
}

// FindByFederationGUID implements store.Reader.
func (s *Store) FindByFederationGUID(_ context.Context, guid entityref.FederationGUID) (store.Entity, error) {
	ref, ok := s.byGUID[guid.String()]
	if !ok || !guid.Valid() {
		return store.Entity{}, store.ErrNotFound
	}
	return s.byRef[ref], nil
}

// IterateByClass implements store.Reader. class matches by equality only.
// scope, if valid, restricts to entities whose OwnerElement equals scope,
// for every kind; this fixture store doesn't model element-in-model
// membership beyond what tests set up directly.
func (s *Store) IterateByClass(_ context.Context, kind entityref.Kind, class string, scope entityref.Ref, fn func(store.Entity) error) error {
	var refs []entityref.Ref
	for ref, e := range s.byRef {
		if ref.Kind != kind {
			continue
		}
		if class != "" && e.Class != class {
			continue
		}
		if scope.Valid() && e.OwnerElement != scope {
			continue
		}
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
	for _, ref := range refs {
		if err := fn(s.byRef[ref]); err != nil {
			return err
		}
	}
	return nil
}

// IterateRelationships implements store.Reader.
func (s *Store) IterateRelationships(_ context.Context, class string, elementFilter func(entityref.Ref) bool, fn func(store.Entity) error) error {
	var refs []entityref.Ref
	for ref, e := range s.byRef {
		if ref.Kind != entityref.Relationship {
			continue
		}
		if class != "" && e.Class != class {
			continue
		}
		if elementFilter != nil && (!elementFilter(e.SourceElementID) || !elementFilter(e.TargetElementID)) {
			continue
		}
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
	for _, ref := range refs {
		if err := fn(s.byRef[ref]); err != nil {
			return err
		}
	}
	return nil
}

// InsertEntity implements store.Writer, allocating a fresh id in e.Ref.Kind
// unless e.Ref is already valid (used by reserved self-mapped ids).
func (s *Store) InsertEntity(_ context.Context, e store.Entity) (entityref.Ref, error) {
	if !e.Ref.Valid() {
		id := s.nextID[e.Ref.Kind]
		s.nextID[e.Ref.Kind] = id + 1
		e.Ref = entityref.New(e.Ref.Kind, id)
	}
	if _, exists := s.byRef[e.Ref]; exists {
		return entityref.Ref{}, store.ErrAlreadyExists
	}
	s.Seed(e)
	return e.Ref, nil
}

// UpdateEntity implements store.Writer.
func (s *Store) UpdateEntity(_ context.Context, e store.Entity) error {
	if _, ok := s.byRef[e.Ref]; !ok {
		return store.ErrNotFound
	}
	s.Seed(e)
	return nil
}

// DeleteEntity implements store.Writer.
func (s *Store) DeleteEntity(_ context.Context, ref entityref.Ref) error {
	e, ok := s.byRef[ref]
	if !ok {
		return store.ErrNotFound
	}
	if e.Code.Valid() {
		delete(s.byCode, codeKey(e.Code))
	}
	if e.FederationGUID.Valid() {
		delete(s.byGUID, e.FederationGUID.String())
	}
	delete(s.byRef, ref)
	return nil
}

// Schemas implements store.Catalog.
func (s *Store) Schemas(_ context.Context) ([]int64, error) {
	return s.schemaRows, nil
}

// SetSchemas configures the rows Schemas returns, ascending.
func (s *Store) SetSchemas(rows []int64) {
	sorted := append([]int64(nil), rows...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	s.schemaRows = sorted
}

// ClassName implements store.Catalog; it always returns store.ErrNotFound,
// since the fixtures in this repo's tests address classes by name.
func (s *Store) ClassName(_ context.Context, classID int64) (string, error) {
	return "", store.ErrNotFound
}

// ClassID implements store.Catalog; unused by the fixtures in this repo's
// tests, which address classes by name throughout.
func (s *Store) ClassID(_ context.Context, className string) (int64, error) {
	return 0, store.ErrNotFound
}

// IsDescendantClass implements store.Catalog as plain equality plus a
// dotted-prefix convention tests can use to declare a hierarchy, e.g.
// candidate class "Foo.Bar.Sub" is a descendant of "Foo.Bar".
func (s *Store) IsDescendantClass(_ context.Context, candidate, class string) (bool, error) {
	if candidate == class {
		return true, nil
	}
	return strings.HasPrefix(candidate, class+"."), nil
}

// SchemaVersion implements store.Catalog.
func (s *Store) SchemaVersion(_ context.Context, schemaName string) (string, error) {
	v, ok := s.classVer[schemaName]
	if !ok {
		return "", store.ErrNotFound
	}
	return v, nil
}
