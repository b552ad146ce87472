package importer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/itwin/imodel-sync/pkg/entityref"
	"github.com/itwin/imodel-sync/pkg/store"
	"github.com/itwin/imodel-sync/pkg/store/storetest"
)

// flakyWriter wraps storetest.Store, failing the first N InsertEntity
// calls with store.ErrRetryable before delegating.
type flakyWriter struct {
	*storetest.Store
	retriesLeft int
	insertCalls int
}

func (f *flakyWriter) InsertEntity(ctx context.Context, e store.Entity) (entityref.Ref, error) {
	f.insertCalls++
	if f.retriesLeft > 0 {
		f.retriesLeft--
		return entityref.Ref{}, store.ErrRetryable
	}
	return f.Store.InsertEntity(ctx, e)
}

func TestImportElement_InsertsWhenNoRef(t *testing.T) {
	ctx := context.Background()
	im := New(storetest.New())
	ref, err := im.ImportElement(ctx, store.Entity{
		Ref:   entityref.New(entityref.Element, 0),
		Class: "BisCore:PhysicalElement",
	})
	require.NoError(t, err)
	require.True(t, ref.Valid())
}

func TestImportElement_UpdatesWhenRefPresent(t *testing.T) {
	ctx := context.Background()
	db := storetest.New()
	ref, err := db.InsertEntity(ctx, store.Entity{Ref: entityref.New(entityref.Element, 0), Class: "C"})
	require.NoError(t, err)

	im := New(db)
	got, err := im.ImportElement(ctx, store.Entity{Ref: ref, Class: "C", LastModified: "v2"})
	require.NoError(t, err)
	require.Equal(t, ref, got)

	fetched, err := db.GetEntity(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, "v2", fetched.LastModified)
}

func TestImportElement_RetriesTransientThenSucceeds(t *testing.T) {
	ctx := context.Background()
	fw := &flakyWriter{Store: storetest.New(), retriesLeft: 2}
	im := New(fw)

	ref, err := im.ImportElement(ctx, store.Entity{Ref: entityref.New(entityref.Element, 0), Class: "C"})
	require.NoError(t, err)
	require.True(t, ref.Valid())
	require.Equal(t, 3, fw.insertCalls, "2 failures + 1 success")
}

// rejectingWriter always fails UpdateEntity with a non-retryable error.
type rejectingWriter struct {
	*storetest.Store
}

func (r *rejectingWriter) UpdateEntity(ctx context.Context, e store.Entity) error {
	return errors.New("target rejected the row")
}

func TestImportElement_NonRetryableFailureIsFatalActionError(t *testing.T) {
	ctx := context.Background()
	rw := &rejectingWriter{Store: storetest.New()}
	im := New(rw)

	_, err := im.ImportElement(ctx, store.Entity{Ref: entityref.New(entityref.Element, 0x1a), Class: "C"})
	require.Error(t, err)

	var actionErr *ActionError
	require.True(t, errors.As(err, &actionErr))
	require.Equal(t, entityref.Element, actionErr.Kind)
}

func TestDeleteElement_NotFoundPassesThroughUnwrapped(t *testing.T) {
	ctx := context.Background()
	im := New(storetest.New())
	err := im.DeleteElement(ctx, entityref.New(entityref.Element, 0x1234))
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteElement_Succeeds(t *testing.T) {
	ctx := context.Background()
	db := storetest.New()
	ref, err := db.InsertEntity(ctx, store.Entity{Ref: entityref.New(entityref.Element, 0), Class: "C"})
	require.NoError(t, err)

	im := New(db)
	require.NoError(t, im.DeleteElement(ctx, ref))

	_, err = db.GetEntity(ctx, ref)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestImportElementMultiAspects_SetsOwnerAndInsertsEach(t *testing.T) {
	ctx := context.Background()
	db := storetest.New()
	owner := entityref.New(entityref.Element, 0x10)
	im := New(db)

	refs, err := im.ImportElementMultiAspects(ctx, owner, []store.Entity{
		{Ref: entityref.New(entityref.Aspect, 0), Class: "A1"},
		{Ref: entityref.New(entityref.Aspect, 0), Class: "A2"},
	})
	require.NoError(t, err)
	require.Len(t, refs, 2)

	for _, ref := range refs {
		fetched, err := db.GetEntity(ctx, ref)
		require.NoError(t, err)
		require.Equal(t, owner, fetched.OwnerElement)
	}
}

func TestOptimizeGeometry_NoHookIsNoOp(t *testing.T) {
	im := New(storetest.New())
	require.NoError(t, im.OptimizeGeometry(context.Background(), entityref.New(entityref.Element, 1)))
}

func TestOptimizeGeometry_InvokesHook(t *testing.T) {
	im := New(storetest.New())
	called := false
	im.OptimizeGeometryFunc = func(ctx context.Context, element entityref.Ref) error {
		called = true
		return nil
	}
	require.NoError(t, im.OptimizeGeometry(context.Background(), entityref.New(entityref.Element, 1)))
	require.True(t, called)
}

func TestComputeProjectExtents_PropagatesHookError(t *testing.T) {
	im := New(storetest.New())
	wantErr := errors.New("boom")
	im.ComputeProjectExtentsFunc = func(ctx context.Context) error { return wantErr }
	err := im.ComputeProjectExtents(context.Background())
	require.ErrorIs(t, err, wantErr)
}
