// Package clone owns the remap state a single synchronization run
// accumulates: four per-kind CompactRemapTables (§4.4), the reverse
// element lookup deletion propagation needs, and the two small
// "singleton" importers (codespec, font) whose merge semantics don't fit
// a plain id-to-id remap.
package clone

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/gofrs/flock"

	"github.com/itwin/imodel-sync/pkg/entityref"
	"github.com/itwin/imodel-sync/pkg/remap"
	"github.com/itwin/imodel-sync/pkg/store"
)

// Context maintains the four remap tables a run needs, and the reverse
// element table that deletion propagation and entity-recreation
// detection consult (§4.6).
type Context struct {
	element     remap.Table
	aspect      remap.Table
	codeSpec    remap.Table
	font        remap.Table
	reverseElem map[uint64]uint64

	CodeSpecs *CodeSpecImporter
	Fonts     *FontImporter
}

// New returns an empty Context with the reserved element ids
// (RootSubject, DictionaryModel, RealWorld) already self-mapped, as
// every run requires regardless of provenance (§4.6).
func New() *Context {
	c := &Context{reverseElem: map[uint64]uint64{}}
	for _, id := range []uint64{entityref.RootSubjectID, entityref.DictionaryModelID, entityref.RealWorldID} {
		c.RemapElement(id, id)
	}
	c.CodeSpecs = &CodeSpecImporter{cc: c}
	c.Fonts = &FontImporter{cc: c}
	return c
}

func (c *Context) tableFor(kind entityref.Kind) *remap.Table {
	switch kind {
	case entityref.Element:
		return &c.element
	case entityref.Aspect:
		return &c.aspect
	case entityref.CodeSpec:
		return &c.codeSpec
	case entityref.Font:
		return &c.font
	default:
		return nil
	}
}

// RemapElement records src -> tgt for an element, and its reverse edge.
func (c *Context) RemapElement(src, tgt uint64) {
	c.element.Remap(src, tgt)
	c.reverseElem[tgt] = src
}

// RemapAspect records src -> tgt for an aspect.
func (c *Context) RemapAspect(src, tgt uint64) { c.aspect.Remap(src, tgt) }

// RemapCodeSpec records src -> tgt for a CodeSpec.
func (c *Context) RemapCodeSpec(src, tgt uint64) { c.codeSpec.Remap(src, tgt) }

// RemapFont records src -> tgt for a font.
func (c *Context) RemapFont(src, tgt uint64) { c.font.Remap(src, tgt) }

// FindTarget looks up the target id remapped from src for kind. ok is
// false if kind is unsupported or src has no recorded mapping.
func (c *Context) FindTarget(kind entityref.Kind, src uint64) (uint64, bool) {
	t := c.tableFor(kind)
	if t == nil {
		return 0, false
	}
	return t.Get(src)
}

// FindSource is the reverse of FindTarget(Element, ...): given a target
// element id, returns the source id it was cloned from, if any. Used by
// deletion propagation and entity-recreation detection.
func (c *Context) FindSource(tgt uint64) (uint64, bool) {
	src, ok := c.reverseElem[tgt]
	return src, ok
}

// RemoveElement drops src's element mapping (and its reverse edge),
// letting a subsequent clone re-use that source identity — the
// in-database template-cloning case §4.4 calls out.
func (c *Context) RemoveElement(src uint64) {
	if tgt, ok := c.element.Get(src); ok {
		delete(c.reverseElem, tgt)
	}
	c.element = *remap.NewFromRuns(withoutSrc(c.element.Runs(), src))
}

// withoutSrc rebuilds a run list with src's point mapping removed, by
// replaying every other point into a fresh table. CompactRemapTable has
// no native "unset one point" operation, so this is the direct way to
// express it without reaching into remap's internals.
func withoutSrc(runs []remap.Run, src uint64) []remap.Run {
	t := remap.New()
	for _, r := range runs {
		for i := uint64(0); i < r.Length; i++ {
			s := r.From + i
			if s == src {
				continue
			}
			t.Remap(s, r.To+i)
		}
	}
	return t.Runs()
}

// persisted is the on-disk shape SaveTo/LoadFrom read and write.
type persisted struct {
	Element  []remap.Run       `json:"element"`
	Aspect   []remap.Run       `json:"aspect"`
	CodeSpec []remap.Run       `json:"codeSpec"`
	Font     []remap.Run       `json:"font"`
	Reverse  map[uint64]uint64 `json:"reverseElement"`
}

// SaveTo serializes every remap table to path, holding an exclusive file
// lock for the duration so a concurrent run (which would corrupt state
// either way) cannot race it: if another process holds the lock, SaveTo
// waits up to 10 seconds for it and then fails.
func (c *Context) SaveTo(path string) error {
	lock := flock.New(path + ".lock")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	locked, err := lock.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("clone: locking %s: %w", path, err)
	}
	if !locked {
		return fmt.Errorf("clone: %s is held by another process", path)
	}
	defer lock.Unlock()

	data := persisted{
		Element:  c.element.Runs(),
		Aspect:   c.aspect.Runs(),
		CodeSpec: c.codeSpec.Runs(),
		Font:     c.font.Runs(),
		Reverse:  c.reverseElem,
	}
	blob, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("clone: encoding remap state: %w", err)
	}
	if err := os.WriteFile(path, blob, 0o644); err != nil {
		return fmt.Errorf("clone: writing %s: %w", path, err)
	}
	return nil
}

// LoadFrom restores a Context previously written by SaveTo.
func LoadFrom(path string) (*Context, error) {
	lock := flock.New(path + ".lock")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	locked, err := lock.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("clone: locking %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("clone: %s is held by another process", path)
	}
	defer lock.Unlock()

	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("clone: reading %s: %w", path, err)
	}
	var data persisted
	if err := json.Unmarshal(blob, &data); err != nil {
		return nil, fmt.Errorf("clone: decoding %s: %w", path, err)
	}

	c := &Context{
		element:     *remap.NewFromRuns(data.Element),
		aspect:      *remap.NewFromRuns(data.Aspect),
		codeSpec:    *remap.NewFromRuns(data.CodeSpec),
		font:        *remap.NewFromRuns(data.Font),
		reverseElem: data.Reverse,
	}
	if c.reverseElem == nil {
		c.reverseElem = map[uint64]uint64{}
	}
	c.CodeSpecs = &CodeSpecImporter{cc: c}
	c.Fonts = &FontImporter{cc: c}
	return c, nil
}

// CodeSpecImporter merges source CodeSpecs into the target by unique
// name, reusing an existing target row rather than ever creating a
// duplicate (§4.4).
type CodeSpecImporter struct {
	cc *Context
}

// Import resolves src (a CodeSpec entity) to a target id: the existing
// remap if already recorded, else a target row matching src's name if
// one exists, else a freshly inserted row.
func (ci *CodeSpecImporter) Import(ctx context.Context, r store.Reader, w store.Writer, src store.Entity) (entityref.Ref, error) {
	if tgt, ok := ci.cc.FindTarget(entityref.CodeSpec, src.Ref.ID); ok {
		return entityref.New(entityref.CodeSpec, tgt), nil
	}

	name := fmt.Sprint(src.Properties["name"])
	var found entityref.Ref
	err := r.IterateByClass(ctx, entityref.CodeSpec, src.Class, entityref.Ref{}, func(e store.Entity) error {
		if found.Valid() {
			return nil
		}
		if fmt.Sprint(e.Properties["name"]) == name {
			found = e.Ref
		}
		return nil
	})
	if err != nil {
		return entityref.Ref{}, err
	}
	if found.Valid() {
		ci.cc.RemapCodeSpec(src.Ref.ID, found.ID)
		return found, nil
	}

	tgtRef, err := w.InsertEntity(ctx, store.Entity{
		Ref:        entityref.New(entityref.CodeSpec, 0),
		Class:      src.Class,
		Properties: src.Properties.Clone(),
	})
	if err != nil {
		return entityref.Ref{}, err
	}
	ci.cc.RemapCodeSpec(src.Ref.ID, tgtRef.ID)
	return tgtRef, nil
}

// FontImporter maps a source font number to a target font number. The
// first time a source font number is seen it reuses a target font row
// with the same name if one exists, and inserts a new row otherwise.
type FontImporter struct {
	cc                 *Context
	cacheInvalidations int

	// DetectRemovedFonts controls whether DetectRemoved reports a mapped
	// source font number that no longer appears in the source font table.
	// A reported font is never deleted from the target. Off by default:
	// fonts are an additive, merge-by-name
	// resource shared across every source ever cloned into a target, so
	// removing one could orphan geometry streams cloned from a different,
	// still-live source.
	DetectRemovedFonts bool
}

// Import resolves srcFontNum to a target font number, by name if the
// font is new to this context.
func (fi *FontImporter) Import(ctx context.Context, r store.Reader, w store.Writer, srcFontNum uint64, name string) (uint64, error) {
	if tgt, ok := fi.cc.FindTarget(entityref.Font, srcFontNum); ok {
		return tgt, nil
	}

	var found entityref.Ref
	err := r.IterateByClass(ctx, entityref.Font, "", entityref.Ref{}, func(e store.Entity) error {
		if found.Valid() {
			return nil
		}
		if fmt.Sprint(e.Properties["name"]) == name {
			found = e.Ref
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if found.Valid() {
		fi.cc.RemapFont(srcFontNum, found.ID)
		fi.InvalidateCache()
		return found.ID, nil
	}

	tgtRef, err := w.InsertEntity(ctx, store.Entity{
		Ref:        entityref.New(entityref.Font, 0),
		Properties: store.PropertyBag{"name": name},
	})
	if err != nil {
		return 0, err
	}
	fi.cc.RemapFont(srcFontNum, tgtRef.ID)
	fi.InvalidateCache()
	return tgtRef.ID, nil
}

// InvalidateCache marks the target font cache stale, so the next
// geometry stream rewrite re-reads the font table instead of trusting a
// snapshot taken before this import (§4.4: "clearing the target
// font cache so the map is reread").
func (fi *FontImporter) InvalidateCache() {
	fi.cacheInvalidations++
}

// CacheInvalidations reports how many times InvalidateCache has fired,
// for tests and diagnostics.
func (fi *FontImporter) CacheInvalidations() int {
	return fi.cacheInvalidations
}

// DetectRemoved reports every source font number this context has ever
// mapped into a target font that no longer appears in the source font
// table r. It does nothing (and returns nil) unless DetectRemovedFonts
// is set: fonts are shared, merge-by-name resources that may be in use
// by a different source cloned into the same target, so this is
// diagnostic only and never drives a delete.
func (fi *FontImporter) DetectRemoved(ctx context.Context, r store.Reader) ([]uint64, error) {
	if !fi.DetectRemovedFonts {
		return nil, nil
	}

	present := map[uint64]bool{}
	err := r.IterateByClass(ctx, entityref.Font, "", entityref.Ref{}, func(e store.Entity) error {
		present[e.Ref.ID] = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	var removed []uint64
	for _, run := range fi.cc.font.Runs() {
		for src := run.From; src < run.From+run.Length; src++ {
			if !present[src] {
				removed = append(removed, src)
			}
		}
	}
	return removed, nil
}
