package export

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/itwin/imodel-sync/pkg/changeset"
	"github.com/itwin/imodel-sync/pkg/entityref"
	"github.com/itwin/imodel-sync/pkg/store"
	"github.com/itwin/imodel-sync/pkg/store/storetest"
)

func seedElement(t *testing.T, db *storetest.Store, id uint64, class string) store.Entity {
	t.Helper()
	e := store.Entity{Ref: entityref.New(entityref.Element, id), Class: class}
	db.Seed(e)
	return e
}

func TestExporter_FullExportVisitsEveryKindInOrder(t *testing.T) {
	ctx := context.Background()
	db := storetest.New()
	db.SetSchemas([]int64{1, 2})
	db.Seed(store.Entity{Ref: entityref.New(entityref.CodeSpec, 1), Class: "CS"})
	db.Seed(store.Entity{Ref: entityref.New(entityref.Font, 1), Properties: store.PropertyBag{"name": "Arial"}})
	seedElement(t, db, 0x100, "BisCore:PhysicalElement")
	db.Seed(store.Entity{
		Ref: entityref.New(entityref.Relationship, 1), Class: "R",
		SourceElementID: entityref.New(entityref.Element, 0x100),
		TargetElementID: entityref.New(entityref.Element, 0x100),
	})

	var seen []string
	opts := DefaultOptions()
	opts.OnExportCodeSpec = func(ctx context.Context, e store.Entity) error { seen = append(seen, "codespec"); return nil }
	opts.OnExportFont = func(ctx context.Context, e store.Entity) error { seen = append(seen, "font"); return nil }
	opts.OnExportElement = func(ctx context.Context, e store.Entity, isUpdate bool) error {
		seen = append(seen, "element")
		return nil
	}
	opts.OnExportRelationship = func(ctx context.Context, e store.Entity, isUpdate bool) error {
		seen = append(seen, "relationship")
		return nil
	}

	ex := New(db, db, opts)
	require.NoError(t, ex.Run(ctx))
	require.Equal(t, []string{"codespec", "font", "element", "relationship"}, seen)
}

func TestExporter_DefinitionElementsOrderedFirst(t *testing.T) {
	ctx := context.Background()
	db := storetest.New()
	seedElement(t, db, 1, "BisCore:PhysicalElement")
	seedElement(t, db, 2, "BisCore:DefinitionElement")

	var order []uint64
	opts := DefaultOptions()
	opts.OnExportElement = func(ctx context.Context, e store.Entity, isUpdate bool) error {
		order = append(order, e.Ref.ID)
		return nil
	}
	ex := New(db, db, opts)
	require.NoError(t, ex.Run(ctx))
	require.Equal(t, []uint64{2, 1}, order)
}

func TestExporter_FullExport_NeverFlagsUpdate(t *testing.T) {
	ctx := context.Background()
	db := storetest.New()
	seedElement(t, db, 1, "C")

	var gotUpdate bool
	opts := DefaultOptions()
	opts.OnExportElement = func(ctx context.Context, e store.Entity, isUpdate bool) error {
		gotUpdate = isUpdate
		return nil
	}
	ex := New(db, db, opts)
	require.NoError(t, ex.Run(ctx))
	require.False(t, gotUpdate)
}

func TestExporter_ChangeGated_OnlyInsertedOrUpdatedEmitted(t *testing.T) {
	ctx := context.Background()
	db := storetest.New()
	seedElement(t, db, 1, "C")
	seedElement(t, db, 2, "C")
	seedElement(t, db, 3, "C")

	changed := changeset.New()
	changed.Absorb(store.ChangedECInstance{Ref: entityref.New(entityref.Element, 1), Op: store.Inserted})
	changed.Absorb(store.ChangedECInstance{Ref: entityref.New(entityref.Element, 2), Op: store.Updated})
	// id 3 has no change row: must not be emitted.

	seen := map[uint64]bool{}
	opts := DefaultOptions()
	opts.OnExportElement = func(ctx context.Context, e store.Entity, isUpdate bool) error {
		seen[e.Ref.ID] = isUpdate
		return nil
	}
	ex := New(db, db, opts).WithChangedInstanceIds(changed)
	require.NoError(t, ex.Run(ctx))

	require.Len(t, seen, 2)
	require.Equal(t, false, seen[1])
	require.Equal(t, true, seen[2])
	_, has3 := seen[3]
	require.False(t, has3)
}

func TestExporter_ExcludedByID(t *testing.T) {
	ctx := context.Background()
	db := storetest.New()
	seedElement(t, db, 1, "C")
	seedElement(t, db, 2, "C")

	opts := DefaultOptions()
	opts.ExcludedElementIDs = map[uint64]struct{}{2: {}}
	var seen []uint64
	opts.OnExportElement = func(ctx context.Context, e store.Entity, isUpdate bool) error {
		seen = append(seen, e.Ref.ID)
		return nil
	}
	ex := New(db, db, opts)
	require.NoError(t, ex.Run(ctx))
	require.Equal(t, []uint64{1}, seen)
}

func TestExporter_ExcludedByClass(t *testing.T) {
	ctx := context.Background()
	db := storetest.New()
	seedElement(t, db, 1, "Foo.Bar")
	seedElement(t, db, 2, "Foo.Bar.Sub") // storetest's IsDescendantClass prefix convention

	opts := DefaultOptions()
	opts.ExcludedClasses = []string{"Foo.Bar"}
	var seen []uint64
	opts.OnExportElement = func(ctx context.Context, e store.Entity, isUpdate bool) error {
		seen = append(seen, e.Ref.ID)
		return nil
	}
	ex := New(db, db, opts)
	require.NoError(t, ex.Run(ctx))
	require.Empty(t, seen, "both the class itself and its descendant must be excluded")
}

func TestExporter_ExcludedByCategory(t *testing.T) {
	ctx := context.Background()
	db := storetest.New()
	catRef := entityref.New(entityref.Element, 0x50)
	db.Seed(store.Entity{Ref: entityref.New(entityref.Element, 1), Class: "C", Properties: store.PropertyBag{"category": catRef}})
	db.Seed(store.Entity{Ref: entityref.New(entityref.Element, 2), Class: "C"})

	opts := DefaultOptions()
	opts.ExcludedCategories = map[uint64]struct{}{0x50: {}}
	var seen []uint64
	opts.OnExportElement = func(ctx context.Context, e store.Entity, isUpdate bool) error {
		seen = append(seen, e.Ref.ID)
		return nil
	}
	ex := New(db, db, opts)
	require.NoError(t, ex.Run(ctx))
	require.Equal(t, []uint64{2}, seen)
}

func TestExporter_TemplateModelsExcludedWhenDisabled(t *testing.T) {
	ctx := context.Background()
	db := storetest.New()
	seedElement(t, db, 1, "BisCore:RecipeDefinitionElement")
	seedElement(t, db, 2, "C")

	opts := DefaultOptions()
	opts.WantTemplateModels = false
	var seen []uint64
	opts.OnExportElement = func(ctx context.Context, e store.Entity, isUpdate bool) error {
		seen = append(seen, e.Ref.ID)
		return nil
	}
	ex := New(db, db, opts)
	require.NoError(t, ex.Run(ctx))
	require.Equal(t, []uint64{2}, seen)
}

func TestExporter_ShouldExportElementHookCanReject(t *testing.T) {
	ctx := context.Background()
	db := storetest.New()
	seedElement(t, db, 1, "C")

	opts := DefaultOptions()
	opts.ShouldExportElement = func(store.Entity) bool { return false }
	called := false
	opts.OnExportElement = func(ctx context.Context, e store.Entity, isUpdate bool) error {
		called = true
		return nil
	}
	ex := New(db, db, opts)
	require.NoError(t, ex.Run(ctx))
	require.False(t, called)
}

func TestExporter_InlineAspectsFollowOwner(t *testing.T) {
	ctx := context.Background()
	db := storetest.New()
	owner := seedElement(t, db, 1, "C")
	db.Seed(store.Entity{Ref: entityref.New(entityref.Aspect, 1), Class: "A", OwnerElement: owner.Ref})

	var order []string
	opts := DefaultOptions()
	opts.OnExportElement = func(ctx context.Context, e store.Entity, isUpdate bool) error {
		order = append(order, "element")
		return nil
	}
	opts.OnExportAspect = func(ctx context.Context, e store.Entity, isUpdate bool) error {
		order = append(order, "aspect")
		return nil
	}
	ex := New(db, db, opts)
	require.NoError(t, ex.Run(ctx))
	require.Equal(t, []string{"element", "aspect"}, order)
}

func TestExporter_DetachedAspects_UniqueBeforeMulti(t *testing.T) {
	ctx := context.Background()
	db := storetest.New()
	owner := seedElement(t, db, 1, "C")
	db.Seed(store.Entity{Ref: entityref.New(entityref.Aspect, 1), Class: "Multi", OwnerElement: owner.Ref, Properties: store.PropertyBag{"multi": true}})
	db.Seed(store.Entity{Ref: entityref.New(entityref.Aspect, 2), Class: "Unique", OwnerElement: owner.Ref})

	var order []string
	opts := DefaultOptions()
	opts.AspectStrategy = Detached
	opts.OnExportAspect = func(ctx context.Context, e store.Entity, isUpdate bool) error {
		order = append(order, e.Class)
		return nil
	}
	ex := New(db, db, opts)
	require.NoError(t, ex.Run(ctx))
	require.Equal(t, []string{"Unique", "Multi"}, order)
}

func TestExporter_Deletes_ModelsBeforeElementsBeforeRelationships(t *testing.T) {
	ctx := context.Background()
	db := storetest.New()
	changed := changeset.New()
	changed.Absorb(store.ChangedECInstance{Ref: entityref.New(entityref.Model, 1), Op: store.Updated})
	changed.Absorb(store.ChangedECInstance{Ref: entityref.New(entityref.Model, 1), Op: store.Deleted})
	changed.Absorb(store.ChangedECInstance{Ref: entityref.New(entityref.Element, 2), Op: store.Updated})
	changed.Absorb(store.ChangedECInstance{Ref: entityref.New(entityref.Element, 2), Op: store.Deleted})
	changed.Absorb(store.ChangedECInstance{Ref: entityref.New(entityref.Relationship, 3), Op: store.Updated})
	changed.Absorb(store.ChangedECInstance{Ref: entityref.New(entityref.Relationship, 3), Op: store.Deleted})

	var order []string
	opts := DefaultOptions()
	opts.OnDeleteModel = func(ctx context.Context, ref entityref.Ref) error { order = append(order, "model"); return nil }
	opts.OnDeleteElement = func(ctx context.Context, ref entityref.Ref) error { order = append(order, "element"); return nil }
	opts.OnDeleteRelationship = func(ctx context.Context, ref entityref.Ref) error {
		order = append(order, "relationship")
		return nil
	}
	ex := New(db, db, opts).WithChangedInstanceIds(changed)
	require.NoError(t, ex.Run(ctx))
	require.Equal(t, []string{"model", "element", "relationship"}, order)
}

func TestExporter_ProgressFiresAtInterval(t *testing.T) {
	ctx := context.Background()
	db := storetest.New()
	for i := uint64(1); i <= 5; i++ {
		seedElement(t, db, i, "C")
	}

	opts := DefaultOptions()
	opts.ProgressInterval = 2
	var fired []int
	opts.OnProgress = func(n int) { fired = append(fired, n) }
	ex := New(db, db, opts)
	require.NoError(t, ex.Run(ctx))
	require.Contains(t, fired, 2)
	require.Contains(t, fired, 4)
}
