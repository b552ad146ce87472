// Package transform implements Transformer, the per-run orchestrator
// that drives an export.Exporter over the source, resolves each
// candidate entity to a target id, and applies the result through an
// importer.Importer across elements, models and relationships (§4.6).
// Element aspects are not applied: Process sets no OnExportAspect hook,
// so the Exporter visits source aspects without anything importing them.
package transform

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/blang/semver/v4"
	"golang.org/x/sync/errgroup"

	"github.com/itwin/imodel-sync/pkg/changeset"
	"github.com/itwin/imodel-sync/pkg/clone"
	"github.com/itwin/imodel-sync/pkg/cprint"
	"github.com/itwin/imodel-sync/pkg/crud"
	"github.com/itwin/imodel-sync/pkg/entityref"
	"github.com/itwin/imodel-sync/pkg/export"
	"github.com/itwin/imodel-sync/pkg/importer"
	"github.com/itwin/imodel-sync/pkg/pending"
	"github.com/itwin/imodel-sync/pkg/provenance"
	"github.com/itwin/imodel-sync/pkg/store"
)

// State is the run's position in the Constructed -> Initialized ->
// Processing -> Finalized -> Disposed state machine (§4.6).
type State int

const (
	Constructed State = iota
	Initialized
	Processing
	Finalized
	Disposed
)

func (s State) String() string {
	switch s {
	case Constructed:
		return "Constructed"
	case Initialized:
		return "Initialized"
	case Processing:
		return "Processing"
	case Finalized:
		return "Finalized"
	case Disposed:
		return "Disposed"
	default:
		return "Unknown"
	}
}

// ErrWrongState is returned when a Transformer method is called out of
// its allowed state-machine order.
type ErrWrongState struct {
	Method   string
	Have     State
	WantOneOf []State
}

func (e *ErrWrongState) Error() string {
	return fmt.Sprintf("transform: %s called in state %s, want one of %v", e.Method, e.Have, e.WantOneOf)
}

// Options configures one synchronization run.
type Options struct {
	// ScopeElement is the target-side element provenance records attach
	// to: a Subject representing "content that came from this source".
	ScopeElement entityref.Ref
	SourceDbID   string

	ReverseSync bool

	ExplicitStartChangesetIndex *int64
	IgnoreMissingChangesets     bool

	// MinSourceSchemaName/MinSourceSchemaVersion gate the run on the
	// source's schema being at least this new (§7 precondition).
	// Either empty field skips the check.
	MinSourceSchemaName    string
	MinSourceSchemaVersion string

	NoProvenance                       bool
	ForceExternalSourceAspectProvenance bool
	PreservedIDMode                    bool
	SourceWasCopiedToTarget            bool

	DanglingPolicy  pending.DanglingPolicy
	MigrationPolicy provenance.MigrationPolicy
	Export          export.Options

	Silent bool // suppress cprint narration, e.g. for tests

	// OnEvent, if set, is called for every create/update/delete this run
	// applies to the target, in addition to (not instead of) the normal
	// cprint narration. A caller driving several runs back-to-back (see
	// pkg/runner) uses this to accumulate a Stats summary without
	// parsing console output.
	OnEvent func(crud.Event)
}

// Transformer is the single-run orchestrator. It is not safe for
// concurrent use; §5 mandates single-threaded cooperative
// execution with no parallelism inside the core (the one exception,
// the federation-GUID sweep's two independent table scans, is isolated
// to Initialize and touches no shared mutable state).
type Transformer struct {
	source       store.Reader
	sourceWriter store.Writer // only used for reverse-sync provenance writes
	target       store.Reader
	targetWriter store.Writer
	catalog      store.Catalog
	hub          store.ChangeHub
	clone        *clone.Context
	registry     crud.Registry

	opts Options

	state State

	version  changeset.Version
	changed  *changeset.ChangedInstanceIds
	pending  *pending.Map

	insertedThisRun map[uint64]bool // target element ids inserted or updated this run, for entity-recreation detection
	srcExistsCache  map[entityref.Ref]bool
}

// New constructs a Transformer in the Constructed state.
func New(source store.Reader, sourceWriter store.Writer, target store.Reader, targetWriter store.Writer,
	catalog store.Catalog, hub store.ChangeHub, cc *clone.Context, imp *importer.Importer, opts Options) *Transformer {
	if opts.Export.ProgressInterval == 0 {
		opts.Export = export.DefaultOptions()
	}
	return &Transformer{
		source:          source,
		sourceWriter:    sourceWriter,
		target:          target,
		targetWriter:    targetWriter,
		catalog:         catalog,
		hub:             hub,
		clone:           cc,
		registry:        buildRegistry(imp, cc, target, targetWriter),
		opts:            opts,
		state:           Constructed,
		insertedThisRun: map[uint64]bool{},
		srcExistsCache:  map[entityref.Ref]bool{},
	}
}

// Version returns the synchronization watermark this run started from, as
// determined by Initialize.
func (t *Transformer) Version() changeset.Version {
	return t.version
}

func (t *Transformer) requireState(method string, want ...State) error {
	for _, s := range want {
		if t.state == s {
			return nil
		}
	}
	return &ErrWrongState{Method: method, Have: t.state, WantOneOf: want}
}

// Initialize opens the target-scope provenance record, computes the
// synchronization watermark and changed-instance set, and pre-populates
// the element remap via the federation-GUID sweep (§4.6).
func (t *Transformer) Initialize(ctx context.Context) error {
	if err := t.requireState("Initialize", Constructed); err != nil {
		return err
	}

	if t.opts.MinSourceSchemaVersion != "" {
		if err := t.checkSchemaVersion(ctx); err != nil {
			return err
		}
	}

	rec, found, err := provenance.ReadScope(ctx, t.target, t.opts.ScopeElement, t.opts.SourceDbID)
	if err != nil {
		return fmt.Errorf("transform: reading scope provenance: %w", err)
	}
	if !found {
		rec = provenance.ScopeRecord{
			ScopeElement:   t.opts.ScopeElement,
			SourceDbID:     t.opts.SourceDbID,
			Version:        changeset.Never,
			ReverseVersion: changeset.Never,
		}
	}

	syncVersion := rec.Version
	pendingIdx := rec.PendingSyncChangesetIndices
	if t.opts.ReverseSync {
		syncVersion = rec.ReverseVersion
		pendingIdx = rec.PendingReverseSyncChangesetIndices
	}
	t.version = syncVersion

	if t.hub != nil {
		currentIdx, err := t.hub.CurrentIndex(ctx)
		if err != nil {
			return fmt.Errorf("transform: reading current changeset index: %w", err)
		}
		sel, err := changeset.SelectDeltaRanges(syncVersion, pendingIdx, t.opts.ExplicitStartChangesetIndex, currentIdx, t.opts.IgnoreMissingChangesets)
		if err != nil {
			return err
		}
		ids, err := changeset.BuildFromHub(ctx, t.hub, sel)
		if err != nil {
			return err
		}
		t.changed = ids
	}

	if err := t.federationGUIDSweep(ctx); err != nil {
		return err
	}

	t.pending, err = pending.New(t.opts.DanglingPolicy, t.sourceExists)
	if err != nil {
		return err
	}

	t.state = Initialized
	return nil
}

func (t *Transformer) checkSchemaVersion(ctx context.Context) error {
	have, err := t.catalog.SchemaVersion(ctx, t.opts.MinSourceSchemaName)
	if err != nil {
		return fmt.Errorf("transform: reading source schema version: %w", err)
	}
	haveVer, err := semver.Parse(have)
	if err != nil {
		return fmt.Errorf("transform: parsing source schema version %q: %w", have, err)
	}
	wantVer, err := semver.Parse(t.opts.MinSourceSchemaVersion)
	if err != nil {
		return fmt.Errorf("transform: parsing required schema version %q: %w", t.opts.MinSourceSchemaVersion, err)
	}
	if haveVer.LT(wantVer) {
		return fmt.Errorf("%w: source schema %s is %s, need >= %s",
			store.ErrPreconditionFailed, t.opts.MinSourceSchemaName, have, t.opts.MinSourceSchemaVersion)
	}
	return nil
}

type guidElem struct {
	Ref  entityref.Ref
	GUID entityref.FederationGUID
}

func scanGUIDElements(ctx context.Context, r store.Reader) ([]guidElem, error) {
	var out []guidElem
	err := r.IterateByClass(ctx, entityref.Element, "", entityref.Ref{}, func(e store.Entity) error {
		if e.FederationGUID.Valid() {
			out = append(out, guidElem{Ref: e.Ref, GUID: e.FederationGUID})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GUID.Compare(out[j].GUID) < 0 })
	return out, nil
}

// federationGUIDSweep scans both databases' federation-GUID-bearing
// elements concurrently (the one exception to "no parallelism in the
// core": two independent reads with no shared mutable state), then
// merges the GUID-sorted lists with a two-pointer walk, remapping every
// equal-GUID pair. Reserved element ids are already self-mapped by
// clone.New.
func (t *Transformer) federationGUIDSweep(ctx context.Context) error {
	var srcElems, tgtElems []guidElem
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		srcElems, err = scanGUIDElements(gctx, t.source)
		return err
	})
	g.Go(func() error {
		var err error
		tgtElems, err = scanGUIDElements(gctx, t.target)
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("transform: federation-guid sweep: %w", err)
	}

	i, j := 0, 0
	for i < len(srcElems) && j < len(tgtElems) {
		switch c := srcElems[i].GUID.Compare(tgtElems[j].GUID); {
		case c < 0:
			i++
		case c > 0:
			j++
		default:
			t.clone.RemapElement(srcElems[i].Ref.ID, tgtElems[j].Ref.ID)
			i++
			j++
		}
	}
	return nil
}

// sourceExists reports whether ref names a real row in the source,
// consulted by pending.Map to distinguish "not yet processed" from
// "dangling". Results are cached since this is called once per
// candidate reference.
func (t *Transformer) sourceExists(ref entityref.Ref) bool {
	if ok, cached := t.srcExistsCache[ref]; cached {
		return ok
	}
	_, err := t.source.GetEntity(context.Background(), ref)
	ok := err == nil
	t.srcExistsCache[ref] = ok
	return ok
}

func (t *Transformer) narrate(ev crud.Event, detail string) {
	if !t.opts.Silent {
		cprint.NarrateEvent(ev, detail)
	}
	if t.opts.OnEvent != nil {
		t.opts.OnEvent(ev)
	}
}

// Process drives the Exporter over the source, wiring its hooks to this
// Transformer's per-element/model/relationship/deletion handlers.
func (t *Transformer) Process(ctx context.Context) error {
	if err := t.requireState("Process", Initialized); err != nil {
		return err
	}
	t.state = Processing

	opts := t.opts.Export
	opts.OnExportElement = t.onExportElement
	opts.OnExportModel = t.onExportModel
	opts.OnExportRelationship = t.onExportRelationship
	opts.OnExportCodeSpec = t.onExportCodeSpec
	opts.OnExportFont = t.onExportFont
	opts.OnDeleteElement = t.onDeleteElement
	opts.OnDeleteModel = t.onDeleteModel
	opts.OnDeleteRelationship = t.onDeleteRelationship

	ex := export.New(t.source, t.catalog, opts)
	if t.changed != nil {
		ex = ex.WithChangedInstanceIds(t.changed)
	}
	return ex.Run(ctx)
}

// resolveTargetElement applies the 5-step priority from §4.6 step 1.
func (t *Transformer) resolveTargetElement(ctx context.Context, src store.Entity) (entityref.Ref, bool, error) {
	if t.opts.PreservedIDMode || t.opts.SourceWasCopiedToTarget {
		return src.Ref, true, nil
	}
	if tgtID, ok := t.clone.FindTarget(entityref.Element, src.Ref.ID); ok {
		return entityref.New(entityref.Element, tgtID), true, nil
	}
	if src.FederationGUID.Valid() {
		tgt, err := t.target.FindByFederationGUID(ctx, src.FederationGUID)
		if err == nil {
			return tgt.Ref, true, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return entityref.Ref{}, false, err
		}
	}
	if src.Code.Valid() {
		tgt, err := t.target.FindByCode(ctx, src.Code)
		if err == nil && tgt.Class == src.Class {
			return tgt.Ref, true, nil
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return entityref.Ref{}, false, err
		}
	}
	return entityref.Ref{}, false, nil
}

// remapNavigationProps rewrites every resolvable navigation property
// from source to target id space, and returns the set of references that
// remain unresolved (still pointing at a source id), for pending
// registration.
func (t *Transformer) remapNavigationProps(props store.PropertyBag) (store.PropertyBag, []entityref.Ref) {
	out := props.Clone()
	var missing []entityref.Ref
	for key, srcRef := range props.NavigationRefs() {
		if tgtID, ok := t.clone.FindTarget(srcRef.Kind, srcRef.ID); ok {
			out[key] = entityref.New(srcRef.Kind, tgtID)
			continue
		}
		if srcRef.Kind == entityref.Element {
			missing = append(missing, srcRef)
		}
	}
	return out, missing
}

func (t *Transformer) onExportElement(ctx context.Context, src store.Entity, isUpdate bool) error {
	tgtRef, hasTarget, err := t.resolveTargetElement(ctx, src)
	if err != nil {
		return err
	}

	if hasTarget && t.changed == nil {
		existing, err := t.target.GetEntity(ctx, tgtRef)
		if err == nil && existing.LastModified == src.LastModified && src.LastModified != "" {
			return nil // no change detected vs. the already-present target
		}
	}

	_, missing := t.remapNavigationProps(src.Properties)

	// apply re-resolves navigation properties at the moment it actually
	// runs rather than trusting a snapshot taken when the gap was first
	// registered: pending.Map may invoke this well after other elements
	// have since populated the remap table that src's properties depend on.
	apply := func(entityref.Ref) error {
		props, _ := t.remapNavigationProps(src.Properties)
		toInsert := store.Entity{
			Ref:            entityref.New(entityref.Element, 0),
			Class:          src.Class,
			FederationGUID: src.FederationGUID,
			Code:           src.Code,
			LastModified:   src.LastModified,
			Properties:     props,
		}
		op := crud.Create
		if hasTarget {
			toInsert.Ref = tgtRef
			op = crud.Update
		}

		result, err := doImport(ctx, &t.registry, entityref.Element, op, toInsert)
		if err != nil {
			return err
		}
		t.clone.RemapElement(src.Ref.ID, result.ID)
		t.insertedThisRun[result.ID] = true
		t.narrate(crud.Event{Op: op, Kind: entityref.Element}, result.String())

		if err := t.pending.ResolveReference(src.Ref); err != nil {
			return err
		}
		if t.opts.NoProvenance {
			return nil
		}
		return t.writeElementProvenance(ctx, src, result)
	}

	if len(missing) == 0 {
		return apply(src.Ref)
	}
	return t.pending.Register(src.Ref, missing, apply)
}

func (t *Transformer) writeElementProvenance(ctx context.Context, src store.Entity, tgt entityref.Ref) error {
	if src.FederationGUID.Valid() && !t.opts.ForceExternalSourceAspectProvenance {
		tgtEntity, err := t.target.GetEntity(ctx, tgt)
		if err == nil && tgtEntity.FederationGUID.Valid() {
			return nil // the federation GUID itself is the provenance
		}
	}
	return provenance.WriteElementProvenance(ctx, t.targetWriter, t.target, t.opts.ScopeElement, src.Ref, tgt, src.LastModified)
}

// onExportModel resolves through the Element remap table, not a
// separate Model one: a Model's id is its modeled Element's id in BIS,
// so clone.Context tracks only the Element side and this handler reuses
// that lookup rather than a Model entry that would never be populated.
func (t *Transformer) onExportModel(ctx context.Context, src store.Entity, isUpdate bool) error {
	tgtID, hasTarget := t.clone.FindTarget(entityref.Element, src.Ref.ID)
	e := store.Entity{Class: src.Class, Properties: src.Properties.Clone()}
	op := crud.Create
	if hasTarget {
		e.Ref = entityref.New(entityref.Model, tgtID)
		op = crud.Update
	} else {
		e.Ref = entityref.New(entityref.Model, 0)
	}
	result, err := doImport(ctx, &t.registry, entityref.Model, op, e)
	if err != nil {
		return err
	}
	if !hasTarget {
		t.clone.RemapElement(src.Ref.ID, result.ID)
	}
	t.narrate(crud.Event{Op: op, Kind: entityref.Model}, result.String())
	return nil
}

// onExportCodeSpec merges src into the target by name via clone.Context's
// CodeSpecImporter singleton rather than a per-row insert-or-update, since
// CodeSpecs are matched by unique name across the whole database, not by a
// remembered target id (§4.4).
func (t *Transformer) onExportCodeSpec(ctx context.Context, src store.Entity) error {
	before, existed := t.clone.FindTarget(entityref.CodeSpec, src.Ref.ID)
	out, err := t.registry.Create(ctx, entityref.CodeSpec, crud.Event{Op: crud.Create, Kind: entityref.CodeSpec, Obj: src})
	if err != nil {
		return err
	}
	result := out.(entityref.Ref)
	if !existed || before != result.ID {
		t.narrate(crud.Event{Op: crud.Create, Kind: entityref.CodeSpec}, result.String())
	}
	return nil
}

// onExportFont mirrors onExportCodeSpec for Font, via FontImporter.
func (t *Transformer) onExportFont(ctx context.Context, src store.Entity) error {
	name := fmt.Sprint(src.Properties["name"])
	before, existed := t.clone.FindTarget(entityref.Font, src.Ref.ID)
	fa := fontArgs{SrcFontNum: src.Ref.ID, Name: name}
	out, err := t.registry.Create(ctx, entityref.Font, crud.Event{Op: crud.Create, Kind: entityref.Font, Obj: fa})
	if err != nil {
		return err
	}
	tgtID := out.(uint64)
	if !existed || before != tgtID {
		t.narrate(crud.Event{Op: crud.Create, Kind: entityref.Font}, entityref.New(entityref.Font, tgtID).String())
	}
	return nil
}

func (t *Transformer) onExportRelationship(ctx context.Context, src store.Entity, isUpdate bool) error {
	srcRelID := src.Ref.String()
	tgtRef, found, err := provenance.ReadRelationshipProvenance(ctx, t.target, t.opts.ScopeElement, srcRelID, t.opts.MigrationPolicy)
	if err != nil {
		return err
	}

	srcTgt, srcOK := t.clone.FindTarget(entityref.Element, src.SourceElementID.ID)
	dstTgt, dstOK := t.clone.FindTarget(entityref.Element, src.TargetElementID.ID)
	if !srcOK || !dstOK {
		return nil // endpoints unresolved in the target; skip (will retry on a later sync)
	}

	e := store.Entity{
		Class:           src.Class,
		SourceElementID: entityref.New(entityref.Element, srcTgt),
		TargetElementID: entityref.New(entityref.Element, dstTgt),
		Properties:      src.Properties.Clone(),
	}
	op := crud.Create
	if found {
		e.Ref = tgtRef
		op = crud.Update
	} else {
		e.Ref = entityref.New(entityref.Relationship, 0)
	}

	result, err := doImport(ctx, &t.registry, entityref.Relationship, op, e)
	if err != nil {
		return err
	}
	t.narrate(crud.Event{Op: op, Kind: entityref.Relationship}, result.String())

	if t.opts.NoProvenance {
		return nil
	}
	return provenance.WriteRelationshipProvenance(ctx, t.targetWriter, t.target, t.opts.ScopeElement, srcRelID, result)
}

func (t *Transformer) onDeleteElement(ctx context.Context, srcRef entityref.Ref) error {
	tgtRef, ok := t.resolveDeletedElementTarget(ctx, srcRef)
	if !ok {
		return nil
	}
	if t.insertedThisRun[tgtRef.ID] {
		return nil // entity recreation: an insert or update for this target id already landed this run
	}
	err := doDelete(ctx, &t.registry, entityref.Element, tgtRef)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err == nil {
		t.narrate(crud.Event{Op: crud.Delete, Kind: entityref.Element}, tgtRef.String())
	}
	return err
}

func (t *Transformer) resolveDeletedElementTarget(ctx context.Context, srcRef entityref.Ref) (entityref.Ref, bool) {
	if tgt, ok, err := provenance.FindElementTarget(ctx, t.target, t.opts.ScopeElement, srcRef); err == nil && ok {
		return tgt, true
	}
	if tgtID, ok := t.clone.FindTarget(entityref.Element, srcRef.ID); ok {
		return entityref.New(entityref.Element, tgtID), true
	}
	return entityref.Ref{}, false
}

func (t *Transformer) onDeleteModel(ctx context.Context, srcRef entityref.Ref) error {
	tgtID, ok := t.clone.FindTarget(entityref.Element, srcRef.ID)
	if !ok {
		return nil
	}
	tgtRef := entityref.New(entityref.Model, tgtID)
	err := doDelete(ctx, &t.registry, entityref.Model, tgtRef)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if errors.Is(err, store.ErrModelHasElements) {
		// The model's definition still has elements modeled against it;
		// BIS gives a Model the same id as its modeled partition element,
		// so deleting that element instead (tgtID is already the resolved
		// target id) cascades the model away with it.
		elemRef := entityref.New(entityref.Element, tgtID)
		if t.insertedThisRun[elemRef.ID] {
			return nil
		}
		delErr := doDelete(ctx, &t.registry, entityref.Element, elemRef)
		if errors.Is(delErr, store.ErrNotFound) {
			return nil
		}
		if delErr == nil {
			t.narrate(crud.Event{Op: crud.Delete, Kind: entityref.Element}, elemRef.String())
		}
		return delErr
	}
	if err == nil {
		t.narrate(crud.Event{Op: crud.Delete, Kind: entityref.Model}, tgtRef.String())
	}
	return err
}

func (t *Transformer) onDeleteRelationship(ctx context.Context, srcRef entityref.Ref) error {
	tgtRef, found, err := provenance.ReadRelationshipProvenance(ctx, t.target, t.opts.ScopeElement, srcRef.String(), t.opts.MigrationPolicy)
	if err != nil {
		return err
	}
	if !found {
		return nil // no provenance, nothing resolvable to delete
	}
	err = doDelete(ctx, &t.registry, entityref.Relationship, tgtRef)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err == nil {
		t.narrate(crud.Event{Op: crud.Delete, Kind: entityref.Relationship}, tgtRef.String())
	}
	return err
}

// Finalize writes the new watermark, rotates the pending-changeset
// lists, and force-completes any entities still waiting on references
// that never resolved (§4.6).
func (t *Transformer) Finalize(ctx context.Context, newVersion changeset.Version, processedIndices []int64) error {
	if err := t.requireState("Finalize", Processing); err != nil {
		return err
	}

	var warnings []string
	if err := t.pending.ForceComplete(func(ref entityref.Ref, missing []entityref.Ref) {
		warnings = append(warnings, fmt.Sprintf("%s never resolved %d reference(s)", ref, len(missing)))
	}); err != nil {
		return err
	}

	removedFonts, err := t.clone.Fonts.DetectRemoved(ctx, t.source)
	if err != nil {
		return err
	}
	for _, src := range removedFonts {
		warnings = append(warnings, fmt.Sprintf("source font %d no longer present in source, but its target font was not deleted (fonts are a shared, merge-by-name resource)", src))
	}

	rec, found, err := provenance.ReadScope(ctx, t.target, t.opts.ScopeElement, t.opts.SourceDbID)
	if err != nil {
		return err
	}
	if !found {
		rec = provenance.ScopeRecord{ScopeElement: t.opts.ScopeElement, SourceDbID: t.opts.SourceDbID, ReverseVersion: changeset.Never, Version: changeset.Never}
	}
	if t.opts.ReverseSync {
		rec.ReverseVersion = newVersion
		rec.PendingReverseSyncChangesetIndices = nil
		rec.PendingSyncChangesetIndices = appendUnique(rec.PendingSyncChangesetIndices, processedIndices)
	} else {
		rec.Version = newVersion
		rec.PendingSyncChangesetIndices = nil
		rec.PendingReverseSyncChangesetIndices = appendUnique(rec.PendingReverseSyncChangesetIndices, processedIndices)
	}

	if err := provenance.WriteScope(ctx, t.targetWriter, t.target, t.opts.ScopeElement, t.opts.SourceDbID, rec); err != nil {
		return err
	}

	t.state = Finalized
	for _, w := range warnings {
		if !t.opts.Silent {
			cprint.NarrateEvent(crud.Event{Op: crud.Update, Kind: entityref.Aspect}, "warning: "+w)
		}
	}
	return nil
}

func appendUnique(base []int64, add []int64) []int64 {
	seen := make(map[int64]bool, len(base))
	out := append([]int64(nil), base...)
	for _, v := range out {
		seen[v] = true
	}
	for _, v := range add {
		if !seen[v] {
			out = append(out, v)
			seen[v] = true
		}
	}
	return out
}

// Dispose releases the Transformer; after this, no further method calls
// are permitted. It is always safe to call regardless of prior state.
func (t *Transformer) Dispose() {
	t.state = Disposed
}
