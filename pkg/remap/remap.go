// Package remap implements CompactRemapTable, a run-length-compressed,
// mutable, order-preserving mapping from non-negative integers to
// non-negative integers. It backs every per-kind remap table CloneContext
// owns (element, aspect, codespec, font).
package remap

import "sort"

// Run is a maximal consecutive range of keys whose images are also
// consecutive: From+i maps to To+i for 0 <= i < Length.
type Run struct {
	From   uint64
	To     uint64
	Length uint64
}

// end returns the last key covered by the run (inclusive).
func (r Run) end() uint64 { return r.From + r.Length - 1 }

// contains reports whether key falls within the run's domain.
func (r Run) contains(key uint64) bool {
	return key >= r.From && key <= r.end()
}

// valueAt returns the image of key under this run. Caller must ensure
// r.contains(key).
func (r Run) valueAt(key uint64) uint64 {
	return r.To + (key - r.From)
}

// mergeable reports whether a immediately precedes b with contiguous
// images, i.e. whether the two runs could be replaced by one.
func mergeable(a, b Run) bool {
	return a.From+a.Length == b.From && a.To+a.Length == b.To
}

// Table is a CompactRemapTable: disjoint runs sorted ascending by From,
// with no two adjacent runs mergeable (that invariant is maintained by
// every mutation).
type Table struct {
	runs []Run
}

// New returns an empty remap table.
func New() *Table {
	return &Table{}
}

// NewFromRuns rebuilds a table from a run list previously obtained via
// Runs, e.g. after decoding persisted state. The runs are trusted to
// already satisfy the table's sorted, disjoint, non-mergeable invariants
// (as Runs() always produces), so they're installed directly rather than
// replayed through Remap.
func NewFromRuns(runs []Run) *Table {
	t := &Table{runs: make([]Run, len(runs))}
	copy(t.runs, runs)
	return t
}

// search returns the index of the run containing key, or (-1, insertion
// index) if no run contains it. The insertion index is the position at
// which a new run starting at key would be spliced to keep runs sorted.
func (t *Table) search(key uint64) (containingIdx int, insertAt int) {
	i := sort.Search(len(t.runs), func(i int) bool {
		return t.runs[i].From > key
	})
	// i is the first run whose From is strictly greater than key; the
	// candidate containing run, if any, is i-1.
	if i > 0 && t.runs[i-1].contains(key) {
		return i - 1, i - 1
	}
	return -1, i
}

// Get returns the image of key and true, or (0, false) if key is
// unmapped. O(log R) where R is the run count.
func (t *Table) Get(key uint64) (uint64, bool) {
	idx, _ := t.search(key)
	if idx < 0 {
		return 0, false
	}
	return t.runs[idx].valueAt(key), true
}

// Remap inserts or updates the single mapping key -> value, splitting and
// merging runs as needed to preserve the table's invariants. Splits and
// merges are atomic within this call.
func (t *Table) Remap(key, value uint64) {
	idx, insertAt := t.search(key)
	if idx < 0 {
		t.insertFresh(insertAt, key, value)
		return
	}

	r := t.runs[idx]
	offset := key - r.From
	if r.valueAt(key) == value {
		return // already mapped to value: no-op
	}

	var replacement []Run
	if offset > 0 {
		replacement = append(replacement, Run{From: r.From, To: r.To, Length: offset})
	}
	newRun := Run{From: key, To: value, Length: 1}
	replacement = append(replacement, newRun)
	if tailLen := r.Length - offset - 1; tailLen > 0 {
		replacement = append(replacement, Run{
			From:   key + 1,
			To:     r.To + offset + 1,
			Length: tailLen,
		})
	}

	t.runs = append(t.runs[:idx], append(replacement, t.runs[idx+1:]...)...)

	newRunIdx := idx
	if offset > 0 {
		newRunIdx++ // the "before" split piece occupies idx; newRun comes next
	}
	t.mergeAround(newRunIdx)
}

// insertFresh inserts a brand-new 1-length run at position at and merges
// it with whichever neighbors become contiguous.
func (t *Table) insertFresh(at int, key, value uint64) {
	r := Run{From: key, To: value, Length: 1}
	t.runs = append(t.runs, Run{})
	copy(t.runs[at+1:], t.runs[at:])
	t.runs[at] = r
	t.mergeAround(at)
}

// mergeAround tries to merge the run at idx with its immediate right
// neighbor, then its immediate left neighbor. A single Remap call only
// ever needs to look one run in each direction: every other run in the
// table was already non-mergeable with its own neighbors before this
// call, and this call only touches the run(s) adjacent to idx.
func (t *Table) mergeAround(idx int) {
	if idx+1 < len(t.runs) && mergeable(t.runs[idx], t.runs[idx+1]) {
		t.runs[idx].Length += t.runs[idx+1].Length
		t.runs = append(t.runs[:idx+1], t.runs[idx+2:]...)
	}
	if idx-1 >= 0 && mergeable(t.runs[idx-1], t.runs[idx]) {
		t.runs[idx-1].Length += t.runs[idx].Length
		t.runs = append(t.runs[:idx], t.runs[idx+1:]...)
	}
}

// Runs returns the table's runs in From-ascending order. The returned
// slice is a copy; mutating it does not affect the table.
func (t *Table) Runs() []Run {
	out := make([]Run, len(t.runs))
	copy(out, t.runs)
	return out
}

// Len returns the number of runs currently stored.
func (t *Table) Len() int {
	return len(t.runs)
}

// Clone returns an independent deep copy of t.
func (t *Table) Clone() *Table {
	return &Table{runs: t.Runs()}
}
