package provenance

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/itwin/imodel-sync/pkg/changeset"
	"github.com/itwin/imodel-sync/pkg/entityref"
	"github.com/itwin/imodel-sync/pkg/store"
	"github.com/itwin/imodel-sync/pkg/store/storetest"
)

func TestElementProvenance_RoundTrips(t *testing.T) {
	ctx := context.Background()
	db := storetest.New()
	scopeElement := entityref.New(entityref.Element, 0x20)
	src := entityref.New(entityref.Element, 0x100)
	tgt := entityref.New(entityref.Element, 0x200)

	_, ok, err := FindElementTarget(ctx, db, scopeElement, src)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, WriteElementProvenance(ctx, db, db, scopeElement, src, tgt, "2024-01-01T00:00:00Z"))

	found, ok, err := FindElementTarget(ctx, db, scopeElement, src)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, tgt, found)
}

func TestElementProvenance_UpdateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := storetest.New()
	scopeElement := entityref.New(entityref.Element, 0x20)
	src := entityref.New(entityref.Element, 0x100)
	tgt1 := entityref.New(entityref.Element, 0x200)
	tgt2 := entityref.New(entityref.Element, 0x201)

	require.NoError(t, WriteElementProvenance(ctx, db, db, scopeElement, src, tgt1, "v1"))
	require.NoError(t, WriteElementProvenance(ctx, db, db, scopeElement, src, tgt2, "v2"))

	found, ok, err := FindElementTarget(ctx, db, scopeElement, src)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, tgt2, found, "re-writing provenance for the same source id must update in place, not duplicate")
}

func TestElementProvenance_DistinctScopesDoNotCollide(t *testing.T) {
	ctx := context.Background()
	db := storetest.New()
	scopeA := entityref.New(entityref.Element, 0x20)
	scopeB := entityref.New(entityref.Element, 0x21)
	src := entityref.New(entityref.Element, 0x100)
	tgtA := entityref.New(entityref.Element, 0x200)
	tgtB := entityref.New(entityref.Element, 0x201)

	require.NoError(t, WriteElementProvenance(ctx, db, db, scopeA, src, tgtA, "v1"))
	require.NoError(t, WriteElementProvenance(ctx, db, db, scopeB, src, tgtB, "v1"))

	foundA, ok, err := FindElementTarget(ctx, db, scopeA, src)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, tgtA, foundA)

	foundB, ok, err := FindElementTarget(ctx, db, scopeB, src)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, tgtB, foundB)
}

func TestRelationshipProvenance_RoundTrips(t *testing.T) {
	ctx := context.Background()
	db := storetest.New()
	scopeElement := entityref.New(entityref.Element, 0x20)
	tgtRel := entityref.New(entityref.Relationship, 0x500)

	require.NoError(t, WriteRelationshipProvenance(ctx, db, db, scopeElement, "r1a2", tgtRel))

	found, ok, err := ReadRelationshipProvenance(ctx, db, scopeElement, "r1a2", RejectOldFormat)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, tgtRel, found)
}

func TestRelationshipProvenance_OldFormatRejectedByDefault(t *testing.T) {
	ctx := context.Background()
	db := storetest.New()
	scopeElement := entityref.New(entityref.Element, 0x20)

	// simulate an aspect written by the pre-fix method: identifier holds
	// the target id directly, with no provenanceRelInstanceId property.
	db.Seed(store.Entity{
		Ref:          entityref.New(entityref.Aspect, 1),
		Class:        AspectClass,
		OwnerElement: scopeElement,
		Properties: store.PropertyBag{
			"kind":       string(KindRelationship),
			"identifier": "r9f",
			"scope":      scopeElement.String(),
		},
	})

	_, _, err := ReadRelationshipProvenance(ctx, db, scopeElement, "r9f", RejectOldFormat)
	require.ErrorIs(t, err, ErrOldRelationshipProvenanceFormat)
}

func TestRelationshipProvenance_OldFormatMigratedOnRead(t *testing.T) {
	ctx := context.Background()
	db := storetest.New()
	scopeElement := entityref.New(entityref.Element, 0x20)

	db.Seed(store.Entity{
		Ref:          entityref.New(entityref.Aspect, 1),
		Class:        AspectClass,
		OwnerElement: scopeElement,
		Properties: store.PropertyBag{
			"kind":       string(KindRelationship),
			"identifier": "r9f",
			"scope":      scopeElement.String(),
		},
	})

	found, ok, err := ReadRelationshipProvenance(ctx, db, scopeElement, "r9f", MigrateOnRead)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "r9f", found.String())
}

func TestScope_FirstReadIsNotFound(t *testing.T) {
	ctx := context.Background()
	db := storetest.New()
	scopeElement := entityref.New(entityref.Element, 0x20)

	_, ok, err := ReadScope(ctx, db, scopeElement, "source-db-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestScope_RoundTripsWatermarkAndPendingLists(t *testing.T) {
	ctx := context.Background()
	db := storetest.New()
	scopeElement := entityref.New(entityref.Element, 0x20)

	rec := ScopeRecord{
		ScopeElement:                       scopeElement,
		Version:                            changeset.Version{ChangesetID: "cs5", Index: 5},
		ReverseVersion:                     changeset.Version{ChangesetID: "cs9", Index: 9},
		PendingSyncChangesetIndices:        []int64{6, 7},
		PendingReverseSyncChangesetIndices: []int64{10},
	}
	require.NoError(t, WriteScope(ctx, db, db, scopeElement, "source-db-1", rec))

	got, ok, err := ReadScope(ctx, db, scopeElement, "source-db-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, rec.Version, got.Version)
	require.Equal(t, rec.ReverseVersion, got.ReverseVersion)
	require.Equal(t, rec.PendingSyncChangesetIndices, got.PendingSyncChangesetIndices)
	require.Equal(t, rec.PendingReverseSyncChangesetIndices, got.PendingReverseSyncChangesetIndices)
}

func TestScope_ConflictingSourceRejected(t *testing.T) {
	ctx := context.Background()
	db := storetest.New()
	scopeElement := entityref.New(entityref.Element, 0x20)

	rec := ScopeRecord{Version: changeset.Never, ReverseVersion: changeset.Never}
	require.NoError(t, WriteScope(ctx, db, db, scopeElement, "source-db-1", rec))

	err := WriteScope(ctx, db, db, scopeElement, "source-db-2", rec)
	require.ErrorIs(t, err, store.ErrPreconditionFailed)
}
