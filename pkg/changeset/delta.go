package changeset

import (
	"context"
	"fmt"

	"github.com/itwin/imodel-sync/pkg/rangealgebra"
	"github.com/itwin/imodel-sync/pkg/store"
)

// Selection is the outcome of change-gated delta selection (§4.9):
// the subranges of changeset indices the engine will stream, plus whether
// a gap or overlap was detected against the prior synchronization.
type Selection struct {
	Ranges      []rangealgebra.Range
	GapDetected bool
	StartIndex  int64
	EndIndex    int64
}

// SelectDeltaRanges computes the inclusive changeset index ranges to
// process, given the target-scope provenance record's watermark, its
// recorded pending indices, an optional explicit start override, and the
// source's current changeset index.
//
// If startIndex != syncVersion.Index+1 and syncVersion.Index != -1, a gap
// or overlap exists; the run fails unless ignoreMissing is set, in which
// case the gap is merely reported via Selection.GapDetected.
func SelectDeltaRanges(syncVersion Version, pending []int64, explicitStart *int64, currentIndex int64, ignoreMissing bool) (Selection, error) {
	startIndex := syncVersion.Index + 1
	if explicitStart != nil {
		startIndex = *explicitStart
	}
	endIndex := currentIndex

	gap := startIndex != syncVersion.Index+1 && syncVersion.Index != -1
	if gap && !ignoreMissing {
		return Selection{}, fmt.Errorf(
			"%w: changeset range starts at %d but synchronization is at %d (gap or overlap)",
			store.ErrPreconditionFailed, startIndex, syncVersion.Index)
	}

	if startIndex > endIndex {
		// nothing new to stream; this is not an error, just an empty run.
		return Selection{StartIndex: startIndex, EndIndex: endIndex, GapDetected: gap}, nil
	}

	ranges, err := rangealgebra.SubtractRange(startIndex, endIndex, pending)
	if err != nil {
		return Selection{}, err
	}
	return Selection{Ranges: ranges, GapDetected: gap, StartIndex: startIndex, EndIndex: endIndex}, nil
}

// BuildFromHub opens and absorbs every changeset in sel.Ranges from hub,
// classifying each row via its store.ChangedECInstance fields, and
// returns the resulting ChangedInstanceIds.
func BuildFromHub(ctx context.Context, hub store.ChangeHub, sel Selection) (*ChangedInstanceIds, error) {
	ids := New()
	for _, r := range sel.Ranges {
		for idx := r.Start; idx <= r.End; idx++ {
			reader, err := hub.Open(ctx, idx)
			if err != nil {
				return nil, fmt.Errorf("changeset: opening changeset %d: %w", idx, err)
			}
			err = reader.Rows(ctx, func(row store.ChangedECInstance) error {
				ids.Absorb(row)
				return nil
			})
			closeErr := reader.Close()
			if err != nil {
				return nil, fmt.Errorf("changeset: reading changeset %d: %w", idx, err)
			}
			if closeErr != nil {
				return nil, fmt.Errorf("changeset: closing changeset %d: %w", idx, closeErr)
			}
		}
	}
	return ids, nil
}
