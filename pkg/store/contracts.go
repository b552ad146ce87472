package store

import (
	"context"

	"github.com/itwin/imodel-sync/pkg/entityref"
)

// PropertyBag is an entity's property values, keyed by property name. A
// navigation property's value is an entityref.Ref pointing at the element
// it references (still in the *source's* id space until remapped).
// Binary, point, geometry and other payload types are opaque to the core
// and pass through untouched (GeometryRewriter describes a geometry-stream
// remapper, but nothing in this module invokes one).
type PropertyBag map[string]interface{}

// Clone returns a shallow copy of the bag, safe for a caller to mutate
// without perturbing the original (used when PendingReferenceMap rewrites
// a navigation property in place before re-submitting an entity).
func (p PropertyBag) Clone() PropertyBag {
	out := make(PropertyBag, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// NavigationRefs returns every navigation-property value in the bag that
// is a non-nil entityref.Ref, keyed by property name.
func (p PropertyBag) NavigationRefs() map[string]entityref.Ref {
	out := map[string]entityref.Ref{}
	for k, v := range p {
		if r, ok := v.(entityref.Ref); ok {
			out[k] = r
		}
	}
	return out
}

// Code is an element's (spec, scope, value) identity triple, unique
// within its scope.
type Code struct {
	Spec  entityref.Ref // CodeSpec id
	Scope entityref.Ref // scoping element id
	Value string
}

// Valid reports whether the code has a scope to be unique within. A code
// with an invalid scope is never used for lookup-by-code resolution.
func (c Code) Valid() bool {
	return c.Scope.Valid()
}

// Entity is the generic envelope every exported row travels in. Class is
// the fully-qualified ECClass-style name; it drives exclusion-by-class and
// the "target class must match" check in the transformer's target-id
// resolution priority.
type Entity struct {
	Ref             entityref.Ref
	Class           string
	FederationGUID  entityref.FederationGUID // only meaningful for Element
	Code            Code                     // only meaningful for Element
	OwnerElement    entityref.Ref            // only meaningful for ElementAspect
	SourceElementID entityref.Ref            // only meaningful for Relationship
	TargetElementID entityref.Ref            // only meaningful for Relationship
	LastModified    string                   // opaque watermark used as aspect "version"
	Properties      PropertyBag
}

// Reader is the read-side contract the core needs from a single iModel
// database (source or target).
type Reader interface {
	// GetEntity fetches one row by kind+id. Returns ErrNotFound if absent.
	GetEntity(ctx context.Context, ref entityref.Ref) (Entity, error)
	// FindByCode looks up an element by its (spec, scope, value) code.
	// Returns ErrNotFound if no element has that code.
	FindByCode(ctx context.Context, code Code) (Entity, error)
	// FindByFederationGUID looks up an element by federation GUID.
	FindByFederationGUID(ctx context.Context, guid entityref.FederationGUID) (Entity, error)
	// IterateByClass streams every row of the given kind whose class
	// equals or descends from class, optionally scoped to a containing
	// model (elements) or owning element (aspects). fn is called once
	// per row in an order the store considers natural; it may suspend
	// between batches but each row is fully materialized before the next
	// is requested (§9: async generators become batch-suspending
	// iterators).
	IterateByClass(ctx context.Context, kind entityref.Kind, class string, scope entityref.Ref, fn func(Entity) error) error
	// IterateRelationships streams every relationship row whose class
	// matches and whose endpoints both satisfy elementFilter.
	IterateRelationships(ctx context.Context, class string, elementFilter func(entityref.Ref) bool, fn func(Entity) error) error
}

// Writer is the write-side contract the core needs from the target
// database (or the source, during reverse sync provenance writes).
type Writer interface {
	InsertEntity(ctx context.Context, e Entity) (entityref.Ref, error)
	UpdateEntity(ctx context.Context, e Entity) error
	// DeleteEntity returns ErrNotFound (not a fatal error) if the row is
	// already gone, which the transformer tolerates during change-mode
	// deletes.
	DeleteEntity(ctx context.Context, ref entityref.Ref) error
}

// Catalog is the metadata-catalog contract: schema/class lookups that do
// not vary per row. Schema authoring and upgrade are out of scope; the
// core only queries it.
type Catalog interface {
	// Schemas returns every schema's row id, ascending, so that
	// dependency references among schemas hold when processed in order.
	Schemas(ctx context.Context) ([]int64, error)
	// ClassName resolves a class row id to its fully-qualified name.
	ClassName(ctx context.Context, classID int64) (string, error)
	// ClassID resolves a fully-qualified class name to its row id.
	ClassID(ctx context.Context, className string) (int64, error)
	// IsDescendantClass reports whether candidate is class or a
	// descendant of it (used for polymorphic exclude-by-class).
	IsDescendantClass(ctx context.Context, candidate, class string) (bool, error)
	// SchemaVersion returns the semantic version string of a schema, used
	// for the "source schema too old" precondition check.
	SchemaVersion(ctx context.Context, schemaName string) (string, error)
}

// ChangeOpCode is the kind of change a single EC-level change row records.
type ChangeOpCode string

const (
	Inserted ChangeOpCode = "Inserted"
	Updated  ChangeOpCode = "Updated"
	Deleted  ChangeOpCode = "Deleted"
)

// ChangedECInstance is one row of an opened changeset, after the partial-
// change unifier has coalesced per-column fragments into a single record.
type ChangedECInstance struct {
	Ref     entityref.Ref
	Class   string
	Op      ChangeOpCode
	OldVals PropertyBag
	NewVals PropertyBag
}

// ChangeReader is the changeset-access contract: opening a changeset and
// iterating its unified rows. One ChangeReader corresponds to one open
// changeset file.
type ChangeReader interface {
	// Rows iterates every unified changed row in store-assigned order.
	Rows(ctx context.Context, fn func(ChangedECInstance) error) error
	Close() error
}

// ChangeHub is the contract for reaching the external hub that stores
// changesets, keyed by changeset index within a single source iModel.
type ChangeHub interface {
	// Open returns a ChangeReader for the changeset at the given index.
	Open(ctx context.Context, changesetIndex int64) (ChangeReader, error)
	// CurrentIndex returns the latest changeset index known to the hub.
	CurrentIndex(ctx context.Context) (int64, error)
}

// GeometryRewriter rewrites a binary geometry stream, remapping the font
// ids and element ids it references through the two supplied lookup
// functions. It is treated as an opaque binary transform; no code in this
// module calls it.
type GeometryRewriter func(geometry []byte, remapFont func(uint64) (uint64, bool), remapElement func(uint64) (uint64, bool)) ([]byte, error)
