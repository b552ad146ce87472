// Package importer is the narrow façade the Transformer drives to apply
// one row at a time to the target store: insert-or-update for elements,
// models, aspects and relationships, delete for each of those, plus the
// two post-processing hooks (geometry optimization, project extents).
// Insert/update failures are fatal; delete failures carry store.ErrNotFound
// through unswallowed, since only the Transformer knows whether a given
// delete is running in change-gated mode (§4.8).
package importer

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/itwin/imodel-sync/pkg/crud"
	"github.com/itwin/imodel-sync/pkg/entityref"
	"github.com/itwin/imodel-sync/pkg/store"
)

// ActionError is importer's name for crud.ActionError: the wrapper
// identifying which entity and which operation a fatal insert/update/
// delete failure happened on.
type ActionError = crud.ActionError

// defaultBackOff retries up to 4 times with an exponential/jittered
// backoff starting at 1s with a 3x multiplier (so roughly 1s, 3s, 9s,
// 27s before giving up).
func defaultBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 1 * time.Second
	eb.Multiplier = 3
	return backoff.WithMaxRetries(eb, 4)
}

// Importer applies rows to a single store.Writer. OptimizeGeometryFunc
// and ComputeProjectExtentsFunc are optional hooks; the geometry codec
// and extents computation are external collaborators (§1
// non-goals), so Importer only calls through to them if the caller
// supplied one.
type Importer struct {
	w                         store.Writer
	OptimizeGeometryFunc      func(ctx context.Context, element entityref.Ref) error
	ComputeProjectExtentsFunc func(ctx context.Context) error
}

// New returns an Importer writing through w.
func New(w store.Writer) *Importer {
	return &Importer{w: w}
}

func fail(op crud.Op, kind entityref.Kind, name string, err error) error {
	return &ActionError{OperationType: op, Kind: kind, Name: name, Err: err}
}

// insert retries a transient store.ErrRetryable failure, and wraps any
// other failure in a permanent ActionError so backoff.Retry stops.
func insert(ctx context.Context, w store.Writer, kind entityref.Kind, e store.Entity, name string) (entityref.Ref, error) {
	var ref entityref.Ref
	err := backoff.Retry(func() error {
		r, err := w.InsertEntity(ctx, e)
		if err == nil {
			ref = r
			return nil
		}
		if errors.Is(err, store.ErrRetryable) {
			return err
		}
		return backoff.Permanent(fail(crud.Create, kind, name, err))
	}, defaultBackOff())
	return ref, err
}

func update(ctx context.Context, w store.Writer, kind entityref.Kind, e store.Entity) error {
	return backoff.Retry(func() error {
		err := w.UpdateEntity(ctx, e)
		if err == nil {
			return nil
		}
		if errors.Is(err, store.ErrRetryable) {
			return err
		}
		return backoff.Permanent(fail(crud.Update, kind, e.Ref.String(), err))
	}, defaultBackOff())
}

// deleteRef retries transient failures and wraps unexpected ones in an
// ActionError, but lets store.ErrNotFound and store.ErrModelHasElements
// through unwrapped so a caller can recognize and act on them directly —
// the former to swallow in change-gated mode (§4.8), the latter to defer
// a Model delete to its modeled element (§4.6).
func deleteRef(ctx context.Context, w store.Writer, kind entityref.Kind, ref entityref.Ref) error {
	return backoff.Retry(func() error {
		err := w.DeleteEntity(ctx, ref)
		if err == nil {
			return nil
		}
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrModelHasElements) {
			return backoff.Permanent(err)
		}
		if errors.Is(err, store.ErrRetryable) {
			return err
		}
		return backoff.Permanent(fail(crud.Delete, kind, ref.String(), err))
	}, defaultBackOff())
}

// ImportElement inserts e if it has no target id yet (e.Ref.ID == 0), or
// updates the existing row at e.Ref otherwise. Returns the (possibly
// newly assigned) target ref.
func (im *Importer) ImportElement(ctx context.Context, e store.Entity) (entityref.Ref, error) {
	if e.Ref.ID == 0 {
		return insert(ctx, im.w, entityref.Element, e, e.Class)
	}
	return e.Ref, update(ctx, im.w, entityref.Element, e)
}

// ImportModel mirrors ImportElement for the Model kind.
func (im *Importer) ImportModel(ctx context.Context, e store.Entity) (entityref.Ref, error) {
	if e.Ref.ID == 0 {
		return insert(ctx, im.w, entityref.Model, e, e.Class)
	}
	return e.Ref, update(ctx, im.w, entityref.Model, e)
}

// ImportElementUniqueAspect inserts or updates a single-instance aspect
// owned by one element.
func (im *Importer) ImportElementUniqueAspect(ctx context.Context, a store.Entity) (entityref.Ref, error) {
	if a.Ref.ID == 0 {
		return insert(ctx, im.w, entityref.Aspect, a, a.Class)
	}
	return a.Ref, update(ctx, im.w, entityref.Aspect, a)
}

// ImportElementMultiAspects inserts or updates each of owner's
// multi-aspects. Each aspect carries its own Ref, set by the caller to
// ID==0 for a fresh insert or an existing id for an in-place update —
// BIS multi-aspects don't get replace-all semantics here; the Exporter/
// Transformer decide per-aspect insert-vs-update the same way it does
// for any other entity.
func (im *Importer) ImportElementMultiAspects(ctx context.Context, owner entityref.Ref, aspects []store.Entity) ([]entityref.Ref, error) {
	out := make([]entityref.Ref, 0, len(aspects))
	for _, a := range aspects {
		a.OwnerElement = owner
		ref, err := im.ImportElementUniqueAspect(ctx, a)
		if err != nil {
			return out, err
		}
		out = append(out, ref)
	}
	return out, nil
}

// ImportRelationship inserts or updates a link-table relationship row.
func (im *Importer) ImportRelationship(ctx context.Context, r store.Entity) (entityref.Ref, error) {
	if r.Ref.ID == 0 {
		return insert(ctx, im.w, entityref.Relationship, r, r.Class)
	}
	return r.Ref, update(ctx, im.w, entityref.Relationship, r)
}

// DeleteElement deletes the target element at ref. The returned error may
// be store.ErrNotFound (via errors.Is), which change-gated callers treat
// as a no-op rather than a fatal failure.
func (im *Importer) DeleteElement(ctx context.Context, ref entityref.Ref) error {
	return deleteRef(ctx, im.w, entityref.Element, ref)
}

// DeleteModel mirrors DeleteElement for the Model kind. The returned
// error may also be store.ErrModelHasElements (via errors.Is) when the
// model's definition still has elements modeled against it; Transformer
// defers to the modeled element's own delete in that case (§4.6).
func (im *Importer) DeleteModel(ctx context.Context, ref entityref.Ref) error {
	return deleteRef(ctx, im.w, entityref.Model, ref)
}

// DeleteRelationship mirrors DeleteElement for the Relationship kind.
func (im *Importer) DeleteRelationship(ctx context.Context, ref entityref.Ref) error {
	return deleteRef(ctx, im.w, entityref.Relationship, ref)
}

// DeleteAspect mirrors DeleteElement for the Aspect kind.
func (im *Importer) DeleteAspect(ctx context.Context, ref entityref.Ref) error {
	return deleteRef(ctx, im.w, entityref.Aspect, ref)
}

// OptimizeGeometry invokes OptimizeGeometryFunc if set; a no-op
// otherwise, since geometry stream encoding is an external collaborator
// (§1 non-goals).
func (im *Importer) OptimizeGeometry(ctx context.Context, element entityref.Ref) error {
	if im.OptimizeGeometryFunc == nil {
		return nil
	}
	return im.OptimizeGeometryFunc(ctx, element)
}

// ComputeProjectExtents invokes ComputeProjectExtentsFunc if set; a
// no-op otherwise.
func (im *Importer) ComputeProjectExtents(ctx context.Context) error {
	if im.ComputeProjectExtentsFunc == nil {
		return nil
	}
	return im.ComputeProjectExtentsFunc(ctx)
}
