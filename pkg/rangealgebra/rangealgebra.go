// Package rangealgebra subtracts a set of skipped integers out of an
// inclusive integer range, producing the ordered, disjoint subranges that
// remain. It backs the change-gated delta selector (the changeset indices
// to stream are "everything in [start, end] except the ones already
// recorded as pending").
package rangealgebra

import (
	"fmt"
	"sort"

	"github.com/samber/lo"
)

// Range is an inclusive [Start, End] integer range with Start <= End.
type Range struct {
	Start int64
	End   int64
}

// SubtractRange computes the ordered disjoint subranges covering every
// integer in [start, end] that is not in skipped. skipped may be unsorted,
// may contain duplicates, and may contain values outside [start, end]; all
// of that is tolerated. It fails only when start > end.
func SubtractRange(start, end int64, skipped []int64) ([]Range, error) {
	if start > end {
		return nil, fmt.Errorf("rangealgebra: invalid range [%d, %d]: start > end", start, end)
	}

	ranges := []Range{{Start: start, End: end}}

	skips := lo.Uniq(skipped)
	sort.Slice(skips, func(i, j int) bool { return skips[i] < skips[j] })

	for _, k := range skips {
		if k < start || k > end {
			continue
		}
		ranges = subtractOne(ranges, k)
	}
	return ranges, nil
}

// subtractOne removes a single value k from the ordered disjoint ranges,
// splitting the one range that contains it (if any) into up to two
// subranges and dropping either half if it would be degenerate (i.e. if k
// sits exactly on an endpoint).
func subtractOne(ranges []Range, k int64) []Range {
	out := make([]Range, 0, len(ranges)+1)
	for _, r := range ranges {
		if k < r.Start || k > r.End {
			out = append(out, r)
			continue
		}
		if r.Start <= k-1 {
			out = append(out, Range{Start: r.Start, End: k - 1})
		}
		if k+1 <= r.End {
			out = append(out, Range{Start: k + 1, End: r.End})
		}
	}
	return out
}
