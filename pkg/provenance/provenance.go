// Package provenance reads and writes the durable source-to-target
// mapping records described in §3: per-element and per-relationship
// external-source-aspects, and the single run-level target-scope record
// that carries the synchronization watermark.
package provenance

import (
	"context"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/itwin/imodel-sync/pkg/changeset"
	"github.com/itwin/imodel-sync/pkg/entityref"
	"github.com/itwin/imodel-sync/pkg/store"
)

// AspectKind is the external-source-aspect's distinguished kind field.
type AspectKind string

const (
	KindElement      AspectKind = "Element"
	KindRelationship AspectKind = "Relationship"
	KindScope        AspectKind = "Scope"
)

// AspectClass is the fully-qualified class every provenance aspect is
// stored under.
const AspectClass = "BisCore:ExternalSourceAspect"

// MigrationPolicy decides what happens to a relationship provenance
// aspect written by the old (pre-fix) method, which stored the
// target-side relationship instance id instead of the source-side one
// (§8 open question 1; see DESIGN.md).
type MigrationPolicy int

const (
	// RejectOldFormat makes ReadRelationshipProvenance fail on an
	// old-format aspect until the caller migrates it out of band.
	RejectOldFormat MigrationPolicy = iota
	// MigrateOnRead reads an old-format aspect's identifier as the target
	// id. The read itself writes nothing; the aspect takes the corrected
	// layout when the caller next writes it with
	// WriteRelationshipProvenance.
	MigrateOnRead
)

// ErrOldRelationshipProvenanceFormat is returned by
// ReadRelationshipProvenance when RejectOldFormat is in effect and the
// aspect found still uses the pre-fix layout.
var ErrOldRelationshipProvenanceFormat = fmt.Errorf("provenance: relationship aspect uses the pre-fix target-keyed format")

// findAspect locates the one aspect of the given kind+identifier scoped
// to scopeElement. Aspects are structurally owned by whichever element
// they describe (the target element for Element-kind aspects, the scope
// element itself for Relationship- and Scope-kind aspects), so the store
// query filters by class only; the scope match is an application-level
// property check, mirroring how a real ECSql query would add a WHERE
// clause on the aspect's Scope.Id navigation property.
func findAspect(ctx context.Context, r store.Reader, scopeElement entityref.Ref, kind AspectKind, identifier string) (store.Entity, bool, error) {
	var found store.Entity
	ok := false
	err := r.IterateByClass(ctx, entityref.Aspect, AspectClass, entityref.Ref{}, func(e store.Entity) error {
		if ok {
			return nil
		}
		if fmt.Sprint(e.Properties["scope"]) != scopeElement.String() {
			return nil
		}
		if AspectKind(fmt.Sprint(e.Properties["kind"])) == kind && fmt.Sprint(e.Properties["identifier"]) == identifier {
			found, ok = e, true
		}
		return nil
	})
	if err != nil {
		return store.Entity{}, false, err
	}
	return found, ok, nil
}

// FindElementTarget resolves source element src to its target id via a
// persisted aspect on scopeElement, returning ok=false if none exists.
func FindElementTarget(ctx context.Context, r store.Reader, scopeElement, src entityref.Ref) (entityref.Ref, bool, error) {
	aspect, ok, err := findAspect(ctx, r, scopeElement, KindElement, src.String())
	if err != nil || !ok {
		return entityref.Ref{}, false, err
	}
	return aspect.OwnerElement, true, nil
}

// WriteElementProvenance upserts the per-element aspect recording that
// src maps to tgt, with version as the source's last-modified watermark.
// It is the caller's responsibility to have already decided that
// federation-GUID provenance does not apply (§4.6).
func WriteElementProvenance(ctx context.Context, w store.Writer, r store.Reader, scopeElement, src, tgt entityref.Ref, version string) error {
	existing, ok, err := findAspect(ctx, r, scopeElement, KindElement, src.String())
	if err != nil {
		return err
	}
	e := store.Entity{
		Ref:          entityref.New(entityref.Aspect, 0),
		Class:        AspectClass,
		OwnerElement: tgt,
		LastModified: version,
		Properties: store.PropertyBag{
			"kind":       string(KindElement),
			"identifier": src.String(),
			"scope":      scopeElement.String(),
			"version":    version,
		},
	}
	if ok {
		e.Ref = existing.Ref
		return w.UpdateEntity(ctx, e)
	}
	_, err = w.InsertEntity(ctx, e)
	return err
}

// relIdentifierKey is the properties field relationship aspects use,
// distinct from elements: §4.6 keys them on the source relationship
// instance id and stores the corresponding target id separately.
const relIdentifierKey = "provenanceRelInstanceId"

// ReadRelationshipProvenance resolves the source relationship instance
// srcRelID to its target relationship id, applying policy to an
// old-format aspect if one is found.
func ReadRelationshipProvenance(ctx context.Context, r store.Reader, scopeElement entityref.Ref, srcRelID string, policy MigrationPolicy) (entityref.Ref, bool, error) {
	aspect, ok, err := findAspect(ctx, r, scopeElement, KindRelationship, srcRelID)
	if err != nil || !ok {
		return entityref.Ref{}, false, err
	}
	targetRelIDStr, hasNew := aspect.Properties[relIdentifierKey]
	if !hasNew {
		switch policy {
		case RejectOldFormat:
			return entityref.Ref{}, false, ErrOldRelationshipProvenanceFormat
		case MigrateOnRead:
			// old format stored the target id as the aspect identifier
			// itself; treat aspect.Properties["identifier"] as the
			// target and leave migration of the stored record to the
			// caller's subsequent WriteRelationshipProvenance call.
			targetRelIDStr = aspect.Properties["identifier"]
		}
	}
	targetRef, parseErr := entityref.Parse(fmt.Sprint(targetRelIDStr))
	if parseErr != nil {
		return entityref.Ref{}, false, fmt.Errorf("provenance: malformed target relationship id %v: %w", targetRelIDStr, parseErr)
	}
	return targetRef, true, nil
}

// WriteRelationshipProvenance upserts the aspect recording that source
// relationship instance srcRelID maps to tgtRel, in the corrected format
// (identifier = source id, provenanceRelInstanceId = target id).
func WriteRelationshipProvenance(ctx context.Context, w store.Writer, r store.Reader, scopeElement entityref.Ref, srcRelID string, tgtRel entityref.Ref) error {
	existing, ok, err := findAspect(ctx, r, scopeElement, KindRelationship, srcRelID)
	if err != nil {
		return err
	}
	e := store.Entity{
		Ref:          entityref.New(entityref.Aspect, 0),
		Class:        AspectClass,
		OwnerElement: scopeElement,
		Properties: store.PropertyBag{
			"kind":           string(KindRelationship),
			"identifier":     srcRelID,
			"scope":          scopeElement.String(),
			relIdentifierKey: tgtRel.String(),
		},
	}
	if ok {
		e.Ref = existing.Ref
		return w.UpdateEntity(ctx, e)
	}
	_, err = w.InsertEntity(ctx, e)
	return err
}

// ScopeRecord is the target-scope provenance record (§3): the one
// aspect per source database that carries the synchronization watermark
// and the reciprocal pending-changeset lists.
type ScopeRecord struct {
	Aspect                             store.Entity
	ScopeElement                       entityref.Ref
	SourceDbID                         string
	Version                            changeset.Version
	ReverseVersion                     changeset.Version
	PendingSyncChangesetIndices        []int64
	PendingReverseSyncChangesetIndices []int64
}

func unmarshalScope(e store.Entity) (ScopeRecord, error) {
	rec := ScopeRecord{Aspect: e, ScopeElement: e.OwnerElement}
	if id, ok := e.Properties["identifier"]; ok {
		rec.SourceDbID = fmt.Sprint(id)
	}
	v, err := changeset.ParseVersion(e.LastModified)
	if err != nil {
		return ScopeRecord{}, err
	}
	rec.Version = v

	blob, _ := e.Properties["jsonProperties"].(string)
	if blob == "" {
		rec.ReverseVersion = changeset.Never
		return rec, nil
	}
	if rv := gjson.Get(blob, "reverseSyncVersion"); rv.Exists() {
		parsed, err := changeset.ParseVersion(rv.String())
		if err != nil {
			return ScopeRecord{}, err
		}
		rec.ReverseVersion = parsed
	} else {
		rec.ReverseVersion = changeset.Never
	}
	for _, v := range gjson.Get(blob, "pendingSyncChangesetIndices").Array() {
		rec.PendingSyncChangesetIndices = append(rec.PendingSyncChangesetIndices, v.Int())
	}
	for _, v := range gjson.Get(blob, "pendingReverseSyncChangesetIndices").Array() {
		rec.PendingReverseSyncChangesetIndices = append(rec.PendingReverseSyncChangesetIndices, v.Int())
	}
	return rec, nil
}

func (rec ScopeRecord) marshalBlob() (string, error) {
	blob := "{}"
	var err error
	blob, err = sjson.Set(blob, "reverseSyncVersion", rec.ReverseVersion.String())
	if err != nil {
		return "", err
	}
	blob, err = sjson.Set(blob, "pendingSyncChangesetIndices", rec.PendingSyncChangesetIndices)
	if err != nil {
		return "", err
	}
	blob, err = sjson.Set(blob, "pendingReverseSyncChangesetIndices", rec.PendingReverseSyncChangesetIndices)
	if err != nil {
		return "", err
	}
	return blob, nil
}

// ReadScope finds the target-scope provenance record for sourceDbID,
// owned by scopeElement. ok is false if no such record has been written
// yet (first synchronization).
func ReadScope(ctx context.Context, r store.Reader, scopeElement entityref.Ref, sourceDbID string) (ScopeRecord, bool, error) {
	aspect, ok, err := findAspect(ctx, r, scopeElement, KindScope, sourceDbID)
	if err != nil || !ok {
		return ScopeRecord{}, false, err
	}
	rec, err := unmarshalScope(aspect)
	return rec, err == nil, err
}

// WriteScope upserts rec, failing with store.ErrPreconditionFailed if
// another scope record already occupies scopeElement under a different
// sourceDbID (§7: "provenance scope conflict").
func WriteScope(ctx context.Context, w store.Writer, r store.Reader, scopeElement entityref.Ref, sourceDbID string, rec ScopeRecord) error {
	var conflict error
	err := r.IterateByClass(ctx, entityref.Aspect, AspectClass, scopeElement, func(e store.Entity) error {
		if AspectKind(fmt.Sprint(e.Properties["kind"])) != KindScope {
			return nil
		}
		if id := fmt.Sprint(e.Properties["identifier"]); id != sourceDbID {
			conflict = fmt.Errorf("%w: scope element %s already has a target-scope record for source %q",
				store.ErrPreconditionFailed, scopeElement, id)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if conflict != nil {
		return conflict
	}

	existing, ok, err := findAspect(ctx, r, scopeElement, KindScope, sourceDbID)
	if err != nil {
		return err
	}

	// rec is expected to already be the full record (the caller reads the
	// current row, mutates only the fields its own sync direction owns,
	// and passes the result straight back here). Filling rec's zero-valued
	// fields from the on-disk row would undo exactly that kind of
	// deliberate clear — e.g. the pending-index list a Finalize call just
	// reset to nil — so this write is a plain overwrite, not a merge.
	blob, err := rec.marshalBlob()
	if err != nil {
		return fmt.Errorf("provenance: encoding scope jsonProperties: %w", err)
	}

	e := store.Entity{
		Ref:          entityref.New(entityref.Aspect, 0),
		Class:        AspectClass,
		OwnerElement: scopeElement,
		LastModified: rec.Version.String(),
		Properties: store.PropertyBag{
			"kind":           string(KindScope),
			"identifier":     sourceDbID,
			"scope":          scopeElement.String(),
			"jsonProperties": blob,
		},
	}
	if ok {
		e.Ref = existing.Ref
		return w.UpdateEntity(ctx, e)
	}
	_, err = w.InsertEntity(ctx, e)
	return err
}
