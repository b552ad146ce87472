package transform

import (
	"context"
	"fmt"

	"github.com/itwin/imodel-sync/pkg/clone"
	"github.com/itwin/imodel-sync/pkg/crud"
	"github.com/itwin/imodel-sync/pkg/entityref"
	"github.com/itwin/imodel-sync/pkg/importer"
	"github.com/itwin/imodel-sync/pkg/store"
)

// buildRegistry assembles the per-Kind Actions a Transformer dispatches
// every apply through: the driver itself never branches on kind beyond
// picking which registry entry to call (crud.Registry.Do).
func buildRegistry(imp *importer.Importer, cc *clone.Context, r store.Reader, w store.Writer) crud.Registry {
	var reg crud.Registry
	reg.MustRegister(entityref.Element, elementActions{imp: imp})
	reg.MustRegister(entityref.Model, modelActions{imp: imp})
	reg.MustRegister(entityref.Relationship, relationshipActions{imp: imp})
	reg.MustRegister(entityref.CodeSpec, codeSpecActions{cc: cc, r: r, w: w})
	reg.MustRegister(entityref.Font, fontActions{cc: cc, r: r, w: w})
	return reg
}

// doImport dispatches a create/update through reg, wrapping e as the Obj
// of a crud.Event the way the Actions implementations below expect to
// unwrap it via crud.EventFromArg.
func doImport(ctx context.Context, reg *crud.Registry, kind entityref.Kind, op crud.Op, e store.Entity) (entityref.Ref, error) {
	out, err := reg.Do(ctx, kind, op, crud.Event{Op: op, Kind: kind, Obj: e})
	if err != nil {
		return entityref.Ref{}, err
	}
	return out.(entityref.Ref), nil
}

// doDelete dispatches a delete through reg for the single target ref.
func doDelete(ctx context.Context, reg *crud.Registry, kind entityref.Kind, ref entityref.Ref) error {
	_, err := reg.Delete(ctx, kind, crud.Event{Op: crud.Delete, Kind: kind, Obj: ref})
	return err
}

// elementActions routes Element creates/updates/deletes through
// importer.Importer, which itself picks insert-vs-update from the
// entity's Ref.
type elementActions struct{ imp *importer.Importer }

func (a elementActions) Create(ctx context.Context, args ...crud.Arg) (crud.Arg, error) {
	return a.imp.ImportElement(ctx, crud.EventFromArg(args[0]).Obj.(store.Entity))
}

func (a elementActions) Update(ctx context.Context, args ...crud.Arg) (crud.Arg, error) {
	return a.imp.ImportElement(ctx, crud.EventFromArg(args[0]).Obj.(store.Entity))
}

func (a elementActions) Delete(ctx context.Context, args ...crud.Arg) (crud.Arg, error) {
	return nil, a.imp.DeleteElement(ctx, crud.EventFromArg(args[0]).Obj.(entityref.Ref))
}

// modelActions mirrors elementActions for the Model kind.
type modelActions struct{ imp *importer.Importer }

func (a modelActions) Create(ctx context.Context, args ...crud.Arg) (crud.Arg, error) {
	return a.imp.ImportModel(ctx, crud.EventFromArg(args[0]).Obj.(store.Entity))
}

func (a modelActions) Update(ctx context.Context, args ...crud.Arg) (crud.Arg, error) {
	return a.imp.ImportModel(ctx, crud.EventFromArg(args[0]).Obj.(store.Entity))
}

func (a modelActions) Delete(ctx context.Context, args ...crud.Arg) (crud.Arg, error) {
	return nil, a.imp.DeleteModel(ctx, crud.EventFromArg(args[0]).Obj.(entityref.Ref))
}

// relationshipActions mirrors elementActions for the Relationship kind.
type relationshipActions struct{ imp *importer.Importer }

func (a relationshipActions) Create(ctx context.Context, args ...crud.Arg) (crud.Arg, error) {
	return a.imp.ImportRelationship(ctx, crud.EventFromArg(args[0]).Obj.(store.Entity))
}

func (a relationshipActions) Update(ctx context.Context, args ...crud.Arg) (crud.Arg, error) {
	return a.imp.ImportRelationship(ctx, crud.EventFromArg(args[0]).Obj.(store.Entity))
}

func (a relationshipActions) Delete(ctx context.Context, args ...crud.Arg) (crud.Arg, error) {
	return nil, a.imp.DeleteRelationship(ctx, crud.EventFromArg(args[0]).Obj.(entityref.Ref))
}

// codeSpecActions routes through clone.Context's merge-by-name
// CodeSpecImporter. CodeSpecs have no update or delete semantics of
// their own (§4.4): Update behaves identically to Create, and Delete is
// never dispatched since nothing ever calls it.
type codeSpecActions struct {
	cc *clone.Context
	r  store.Reader
	w  store.Writer
}

func (a codeSpecActions) Create(ctx context.Context, args ...crud.Arg) (crud.Arg, error) {
	return a.cc.CodeSpecs.Import(ctx, a.r, a.w, crud.EventFromArg(args[0]).Obj.(store.Entity))
}

func (a codeSpecActions) Update(ctx context.Context, args ...crud.Arg) (crud.Arg, error) {
	return a.Create(ctx, args...)
}

func (a codeSpecActions) Delete(ctx context.Context, args ...crud.Arg) (crud.Arg, error) {
	return nil, fmt.Errorf("crud: CodeSpec delete is not supported")
}

// fontArgs carries a font import's two inputs as a single Obj, since
// FontImporter.Import takes both the source font number and its name.
type fontArgs struct {
	SrcFontNum uint64
	Name       string
}

// fontActions mirrors codeSpecActions for the Font kind.
type fontActions struct {
	cc *clone.Context
	r  store.Reader
	w  store.Writer
}

func (a fontActions) Create(ctx context.Context, args ...crud.Arg) (crud.Arg, error) {
	fa := crud.EventFromArg(args[0]).Obj.(fontArgs)
	return a.cc.Fonts.Import(ctx, a.r, a.w, fa.SrcFontNum, fa.Name)
}

func (a fontActions) Update(ctx context.Context, args ...crud.Arg) (crud.Arg, error) {
	return a.Create(ctx, args...)
}

func (a fontActions) Delete(ctx context.Context, args ...crud.Arg) (crud.Arg, error) {
	return nil, fmt.Errorf("crud: Font delete is not supported")
}
