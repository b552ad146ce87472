// Package export implements the Exporter half of the synchronization
// engine: it walks a source store.Reader in the order §4.5 pins
// down, applies change-gating and exclusion rules, and calls back into
// caller-supplied hooks rather than writing anywhere itself — the
// Transformer is the one collaborator that turns these callbacks into
// importer.Importer calls.
package export

import (
	"context"
	"sort"
	"strings"

	"github.com/itwin/imodel-sync/pkg/changeset"
	"github.com/itwin/imodel-sync/pkg/entityref"
	"github.com/itwin/imodel-sync/pkg/store"
)

// AspectStrategy selects how ElementAspects are traversed relative to
// their owning element (§4.5).
type AspectStrategy int

const (
	// Inline emits each aspect immediately after its owning element.
	Inline AspectStrategy = iota
	// Detached runs two sequential passes over all aspects after every
	// element has been visited: unique aspects, then multi-aspects
	// batched by owner.
	Detached
)

const (
	recipeDefinitionClass = "BisCore:RecipeDefinitionElement"
	definitionElementBase = "BisCore:DefinitionElement"
)

// Options configures one export run. The zero value is not ready to use;
// call DefaultOptions and override individual fields.
type Options struct {
	WantGeometry       bool
	WantSystemSchemas  bool
	WantTemplateModels bool
	VisitElements      bool
	VisitRelationships bool
	ProgressInterval   int
	AspectStrategy     AspectStrategy

	ExcludedElementIDs map[uint64]struct{}
	ExcludedClasses    []string
	ExcludedCategories map[uint64]struct{}

	ShouldExportElement      func(store.Entity) bool
	ShouldExportModel        func(store.Entity) bool
	ShouldExportAspect       func(store.Entity) bool
	ShouldExportRelationship func(store.Entity) bool
	ShouldExportCodeSpec     func(store.Entity) bool
	ShouldExportFont         func(store.Entity) bool

	OnExportElement      func(ctx context.Context, e store.Entity, isUpdate bool) error
	OnExportModel        func(ctx context.Context, e store.Entity, isUpdate bool) error
	OnExportAspect       func(ctx context.Context, e store.Entity, isUpdate bool) error
	OnExportRelationship func(ctx context.Context, e store.Entity, isUpdate bool) error
	OnExportCodeSpec     func(ctx context.Context, e store.Entity) error
	OnExportFont         func(ctx context.Context, e store.Entity) error

	OnDeleteElement      func(ctx context.Context, ref entityref.Ref) error
	OnDeleteModel        func(ctx context.Context, ref entityref.Ref) error
	OnDeleteRelationship func(ctx context.Context, ref entityref.Ref) error

	OnProgress func(count int)

	// PreExportElement runs before change-gating/exclusion for every
	// candidate element; returning an error aborts the run.
	PreExportElement func(ctx context.Context, e store.Entity) error
}

// DefaultOptions returns sensible defaults: every want/visit flag true,
// a progress interval of 1000, inline aspects.
func DefaultOptions() Options {
	return Options{
		WantGeometry:       true,
		WantSystemSchemas:  true,
		WantTemplateModels: true,
		VisitElements:      true,
		VisitRelationships: true,
		ProgressInterval:   1000,
		AspectStrategy:     Inline,
	}
}

// Exporter walks r in traversal order, optionally gated by a
// ChangedInstanceIds, calling back into Options' hooks.
type Exporter struct {
	r       store.Reader
	cat     store.Catalog
	changed *changeset.ChangedInstanceIds
	opts    Options

	progress int
}

// New returns an Exporter reading from r, consulting cat for schema and
// class-hierarchy queries, configured by opts.
func New(r store.Reader, cat store.Catalog, opts Options) *Exporter {
	return &Exporter{r: r, cat: cat, opts: opts}
}

// WithChangedInstanceIds restricts the run to entities recorded as
// inserted or updated, and enables the post-pass delete emission. Call
// before Run; a nil argument (the default) performs a full export.
func (e *Exporter) WithChangedInstanceIds(c *changeset.ChangedInstanceIds) *Exporter {
	e.changed = c
	return e
}

// bumpProgress increments the running count and fires OnProgress every
// ProgressInterval entities.
func (e *Exporter) bumpProgress() {
	e.progress++
	interval := e.opts.ProgressInterval
	if interval <= 0 {
		interval = 1000
	}
	if e.opts.OnProgress != nil && e.progress%interval == 0 {
		e.opts.OnProgress(e.progress)
	}
}

// gate reports whether id of kind should be emitted under the active
// ChangedInstanceIds, and whether it is an update (vs. insert) if so. A
// nil ChangedInstanceIds (full export) always emits, with isUpdate left
// false — the Transformer resolves insert-vs-update itself by looking up
// the target (§4.6 step 1).
func (e *Exporter) gate(kind entityref.Kind, id uint64) (emit bool, isUpdate bool) {
	if e.changed == nil {
		return true, false
	}
	upd, changed := e.changed.IsChanged(kind, id)
	return changed, upd
}

// isExcluded applies the exclusion rules in §4.5, evaluated after
// change gating: excluded-by-id, excluded-by-class (polymorphic),
// excluded-by-category, and RecipeDefinitionElement when
// WantTemplateModels is false.
func (e *Exporter) isExcluded(ctx context.Context, ent store.Entity) (bool, error) {
	if ent.Ref.Kind == entityref.Element {
		if _, ok := e.opts.ExcludedElementIDs[ent.Ref.ID]; ok {
			return true, nil
		}
	}
	for _, cls := range e.opts.ExcludedClasses {
		desc, err := e.cat.IsDescendantClass(ctx, ent.Class, cls)
		if err != nil {
			return false, err
		}
		if desc {
			return true, nil
		}
	}
	if len(e.opts.ExcludedCategories) > 0 {
		if cat, ok := ent.Properties["category"].(entityref.Ref); ok {
			if _, excluded := e.opts.ExcludedCategories[cat.ID]; excluded {
				return true, nil
			}
		}
	}
	if !e.opts.WantTemplateModels {
		desc, err := e.cat.IsDescendantClass(ctx, ent.Class, recipeDefinitionClass)
		if err != nil {
			return false, err
		}
		if desc || ent.Class == recipeDefinitionClass {
			return true, nil
		}
	}
	return false, nil
}

// isDefinitionElement reports whether class is (or descends from)
// BisCore:DefinitionElement, used to order definition partitions ahead
// of other partition kinds within a subject (§4.5 step 4).
func (e *Exporter) isDefinitionElement(ctx context.Context, class string) bool {
	if strings.Contains(class, "Definition") {
		return true
	}
	desc, err := e.cat.IsDescendantClass(ctx, class, definitionElementBase)
	return err == nil && desc
}

// Run drives a full traversal: schemas, codespecs, fonts, elements
// (+ inline or detached aspects), relationships, then (in change-gated
// mode) the deletion pass.
func (e *Exporter) Run(ctx context.Context) error {
	if err := e.exportSchemas(ctx); err != nil {
		return err
	}
	if err := e.exportCodeSpecs(ctx); err != nil {
		return err
	}
	if err := e.exportFonts(ctx); err != nil {
		return err
	}
	if e.opts.VisitElements {
		if err := e.exportElements(ctx); err != nil {
			return err
		}
	}
	if e.opts.VisitRelationships {
		if err := e.exportRelationships(ctx); err != nil {
			return err
		}
	}
	if e.changed != nil {
		if err := e.exportDeletes(ctx); err != nil {
			return err
		}
	}
	return nil
}

// exportSchemas walks schema row ids in ascending order (§4.5 step
// 1), counting each toward progress; Options has no schema hook, so
// nothing is emitted for them. The system schemas filter is not modeled per-row here —
// Catalog.Schemas is trusted to already reflect WantSystemSchemas via
// the caller's DataStore configuration, since schema enumeration is an
// external-collaborator query (§6), not a per-row class check this
// package can apply.
func (e *Exporter) exportSchemas(ctx context.Context) error {
	rows, err := e.cat.Schemas(ctx)
	if err != nil {
		return err
	}
	for range rows {
		e.bumpProgress()
	}
	return nil
}

func (e *Exporter) exportCodeSpecs(ctx context.Context) error {
	return e.r.IterateByClass(ctx, entityref.CodeSpec, "", entityref.Ref{}, func(ent store.Entity) error {
		defer e.bumpProgress()
		if e.opts.ShouldExportCodeSpec != nil && !e.opts.ShouldExportCodeSpec(ent) {
			return nil
		}
		if e.opts.OnExportCodeSpec != nil {
			return e.opts.OnExportCodeSpec(ctx, ent)
		}
		return nil
	})
}

func (e *Exporter) exportFonts(ctx context.Context) error {
	return e.r.IterateByClass(ctx, entityref.Font, "", entityref.Ref{}, func(ent store.Entity) error {
		defer e.bumpProgress()
		if e.opts.ShouldExportFont != nil && !e.opts.ShouldExportFont(ent) {
			return nil
		}
		if e.opts.OnExportFont != nil {
			return e.opts.OnExportFont(ctx, ent)
		}
		return nil
	})
}

// exportElements visits every candidate element (and, in Inline aspect
// mode, its aspects immediately after), with definition-classed elements
// ordered ahead of the rest — the coarse-grained approximation of "within
// each subject, definition partitions before other partition kinds" that
// this package's flat store.Reader contract supports (it has no
// model-containment tree to walk; see DESIGN.md).
func (e *Exporter) exportElements(ctx context.Context) error {
	var definitions, rest []store.Entity
	err := e.r.IterateByClass(ctx, entityref.Element, "", entityref.Ref{}, func(ent store.Entity) error {
		if e.isDefinitionElement(ctx, ent.Class) {
			definitions = append(definitions, ent)
		} else {
			rest = append(rest, ent)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, batch := range [][]store.Entity{definitions, rest} {
		for _, ent := range batch {
			if err := e.exportOneElement(ctx, ent); err != nil {
				return err
			}
		}
	}

	if e.opts.AspectStrategy == Detached {
		return e.exportDetachedAspects(ctx)
	}
	return nil
}

func (e *Exporter) exportOneElement(ctx context.Context, ent store.Entity) error {
	defer e.bumpProgress()

	if e.opts.PreExportElement != nil {
		if err := e.opts.PreExportElement(ctx, ent); err != nil {
			return err
		}
	}

	emit, isUpdate := e.gate(entityref.Element, ent.Ref.ID)
	if !emit {
		return nil
	}
	excluded, err := e.isExcluded(ctx, ent)
	if err != nil {
		return err
	}
	if excluded {
		return nil
	}
	if e.opts.ShouldExportElement != nil && !e.opts.ShouldExportElement(ent) {
		return nil
	}
	if e.opts.OnExportElement != nil {
		if err := e.opts.OnExportElement(ctx, ent, isUpdate); err != nil {
			return err
		}
	}

	if e.opts.AspectStrategy == Inline {
		return e.exportInlineAspectsOf(ctx, ent.Ref)
	}
	return nil
}

func (e *Exporter) exportInlineAspectsOf(ctx context.Context, owner entityref.Ref) error {
	return e.r.IterateByClass(ctx, entityref.Aspect, "", owner, func(a store.Entity) error {
		return e.exportOneAspect(ctx, a)
	})
}

func (e *Exporter) exportOneAspect(ctx context.Context, a store.Entity) error {
	defer e.bumpProgress()
	emit, isUpdate := e.gate(entityref.Aspect, a.Ref.ID)
	if !emit {
		return nil
	}
	excluded, err := e.isExcluded(ctx, a)
	if err != nil {
		return err
	}
	if excluded {
		return nil
	}
	if e.opts.ShouldExportAspect != nil && !e.opts.ShouldExportAspect(a) {
		return nil
	}
	if e.opts.OnExportAspect != nil {
		return e.opts.OnExportAspect(ctx, a, isUpdate)
	}
	return nil
}

// exportDetachedAspects runs the two-pass detached strategy: every
// unique aspect (Properties["multi"] unset or false), then every
// multi-aspect, both in owner order.
func (e *Exporter) exportDetachedAspects(ctx context.Context) error {
	var unique, multi []store.Entity
	err := e.r.IterateByClass(ctx, entityref.Aspect, "", entityref.Ref{}, func(a store.Entity) error {
		if isMulti, _ := a.Properties["multi"].(bool); isMulti {
			multi = append(multi, a)
		} else {
			unique = append(unique, a)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, batch := range [][]store.Entity{unique, multi} {
		sort.SliceStable(batch, func(i, j int) bool { return batch[i].OwnerElement.ID < batch[j].OwnerElement.ID })
		for _, a := range batch {
			if err := e.exportOneAspect(ctx, a); err != nil {
				return err
			}
		}
	}
	return nil
}

// exportRelationships visits every relationship in the source (§4.5 step
// 6), applying change gating, the exclusion rules and
// ShouldExportRelationship; endpoints are not filtered here.
func (e *Exporter) exportRelationships(ctx context.Context) error {
	return e.r.IterateRelationships(ctx, "", nil, func(rel store.Entity) error {
		defer e.bumpProgress()
		emit, isUpdate := e.gate(entityref.Relationship, rel.Ref.ID)
		if !emit {
			return nil
		}
		excluded, err := e.isExcluded(ctx, rel)
		if err != nil {
			return err
		}
		if excluded {
			return nil
		}
		if e.opts.ShouldExportRelationship != nil && !e.opts.ShouldExportRelationship(rel) {
			return nil
		}
		if e.opts.OnExportRelationship != nil {
			return e.opts.OnExportRelationship(ctx, rel, isUpdate)
		}
		return nil
	})
}

// exportDeletes emits deletions after the insert/update pass, models
// before elements (§4.5: "a model-containment constraint forbids
// deleting an element under a still-existing model"), then
// relationships. Errors from the hooks that indicate "already gone" are
// the Transformer's concern (it recognizes store.ErrNotFound), not
// swallowed here.
func (e *Exporter) exportDeletes(ctx context.Context) error {
	if e.opts.OnDeleteModel != nil {
		for _, id := range e.changed.DeletedIDs(entityref.Model) {
			if err := e.opts.OnDeleteModel(ctx, entityref.New(entityref.Model, id)); err != nil {
				return err
			}
		}
	}
	if e.opts.OnDeleteElement != nil {
		for _, id := range e.changed.DeletedIDs(entityref.Element) {
			if err := e.opts.OnDeleteElement(ctx, entityref.New(entityref.Element, id)); err != nil {
				return err
			}
		}
	}
	if e.opts.OnDeleteRelationship != nil {
		for _, id := range e.changed.DeletedIDs(entityref.Relationship) {
			if err := e.opts.OnDeleteRelationship(ctx, entityref.New(entityref.Relationship, id)); err != nil {
				return err
			}
		}
	}
	return nil
}
