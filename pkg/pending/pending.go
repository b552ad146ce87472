// Package pending tracks elements whose insertion is blocked on
// references that have not yet been mapped to a target id (§4.7):
// PendingReferenceMap and the PartiallyCommittedEntity records it owns.
package pending

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-memdb"

	"github.com/itwin/imodel-sync/pkg/entityref"
	"github.com/itwin/imodel-sync/pkg/store"
)

// DanglingPolicy controls what happens when a reference points at an
// entity that never existed in the source at all.
type DanglingPolicy int

const (
	// Reject fails the run the moment a dangling reference is detected.
	Reject DanglingPolicy = iota
	// Ignore drops the reference from the missing set instead of
	// waiting for it to resolve.
	Ignore
)

// CompleteFunc re-transforms the owning entity now that every required
// reference has resolved, and applies the result to the target row.
type CompleteFunc func(entityref.Ref) error

// PartiallyCommittedEntity is the record owned by one referencer element,
// tracking which of its required references are still unmapped.
type PartiallyCommittedEntity struct {
	Referencer entityref.Ref
	missing    map[entityref.Ref]struct{}
	onComplete CompleteFunc
}

func (p *PartiallyCommittedEntity) resolve(ref entityref.Ref) bool {
	delete(p.missing, ref)
	return len(p.missing) == 0
}

// pendingEdge is the memdb row: one (referencer, referenced) pair. The
// "referenced" index gives "all edges for this referenced id" (fired when
// a reference resolves); the "referencer" index is declared but nothing
// queries it, and ForceComplete walks the entities map instead.
type pendingEdge struct {
	Referencer string // entityref.Ref.String(), primary-key component
	Referenced string // entityref.Ref.String(), primary-key component
}

var schema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		"edge": {
			Name: "edge",
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:   "id",
					Unique: true,
					Indexer: &memdb.CompoundIndex{
						Indexes: []memdb.Indexer{
							&memdb.StringFieldIndex{Field: "Referencer"},
							&memdb.StringFieldIndex{Field: "Referenced"},
						},
					},
				},
				"referenced": {
					Name:    "referenced",
					Indexer: &memdb.StringFieldIndex{Field: "Referenced"},
				},
				"referencer": {
					Name:    "referencer",
					Indexer: &memdb.StringFieldIndex{Field: "Referencer"},
				},
			},
		},
	},
}

// Map is the PendingReferenceMap: an index from referenced entity to the
// referencer records waiting on it, plus the PartiallyCommittedEntity
// owned by each referencer.
type Map struct {
	mu       sync.Mutex
	db       *memdb.MemDB
	policy   DanglingPolicy
	sourceOK func(entityref.Ref) bool // reports whether ref exists in the source at all
	entities map[entityref.Ref]*PartiallyCommittedEntity
}

// New returns an empty Map. sourceExists reports whether a ref names a
// real source entity; it is consulted to distinguish "not yet processed"
// from "dangling" when Register is called.
func New(policy DanglingPolicy, sourceExists func(entityref.Ref) bool) (*Map, error) {
	db, err := memdb.NewMemDB(schema)
	if err != nil {
		return nil, fmt.Errorf("pending: building index: %w", err)
	}
	return &Map{
		db:       db,
		policy:   policy,
		sourceOK: sourceExists,
		entities: map[entityref.Ref]*PartiallyCommittedEntity{},
	}, nil
}

// Register records that referencer cannot be finalized until every ref in
// missing has a mapping, and installs onComplete to run once they all do.
// If missing is empty, onComplete is invoked immediately.
func (m *Map) Register(referencer entityref.Ref, missing []entityref.Ref, onComplete CompleteFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending := map[entityref.Ref]struct{}{}
	for _, ref := range missing {
		if m.sourceOK != nil && !m.sourceOK(ref) {
			switch m.policy {
			case Reject:
				return fmt.Errorf("pending: %s references %s, which does not exist in the source: %w", referencer, ref, store.ErrDanglingReference)
			case Ignore:
				continue
			}
		}
		pending[ref] = struct{}{}
	}

	if len(pending) == 0 {
		return onComplete(referencer)
	}

	pce := &PartiallyCommittedEntity{Referencer: referencer, missing: pending, onComplete: onComplete}
	m.entities[referencer] = pce

	txn := m.db.Txn(true)
	for ref := range pending {
		edge := pendingEdge{Referencer: referencer.String(), Referenced: ref.String()}
		if err := txn.Insert("edge", edge); err != nil {
			txn.Abort()
			return fmt.Errorf("pending: indexing edge: %w", err)
		}
	}
	txn.Commit()
	return nil
}

// ResolveReference notifies the map that ref now has a mapping, firing
// the completion callback of every referencer whose missing set becomes
// empty as a result.
func (m *Map) ResolveReference(ref entityref.Ref) error {
	m.mu.Lock()
	var toFire []*PartiallyCommittedEntity

	txn := m.db.Txn(true)
	it, err := txn.Get("edge", "referenced", ref.String())
	if err != nil {
		txn.Abort()
		m.mu.Unlock()
		return fmt.Errorf("pending: querying edges for %s: %w", ref, err)
	}
	var matched []pendingEdge
	for raw := it.Next(); raw != nil; raw = it.Next() {
		matched = append(matched, raw.(pendingEdge))
	}
	for _, edge := range matched {
		if err := txn.Delete("edge", edge); err != nil {
			txn.Abort()
			m.mu.Unlock()
			return fmt.Errorf("pending: removing edge: %w", err)
		}
		referencer, parseErr := entityref.Parse(edge.Referencer)
		if parseErr != nil {
			continue
		}
		pce, ok := m.entities[referencer]
		if !ok {
			continue
		}
		if pce.resolve(ref) {
			delete(m.entities, referencer)
			toFire = append(toFire, pce)
		}
	}
	txn.Commit()
	m.mu.Unlock()

	for _, pce := range toFire {
		if err := pce.onComplete(pce.Referencer); err != nil {
			return fmt.Errorf("pending: completing %s: %w", pce.Referencer, err)
		}
	}
	return nil
}

// Len reports how many entities are still partially committed.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entities)
}

// ForceComplete fires every remaining PartiallyCommittedEntity's callback
// regardless of its missing set, as the Transformer does at finalization
// (§4.7). onWarn, if non-nil, is called once per forced entity so
// the caller can log it.
func (m *Map) ForceComplete(onWarn func(entityref.Ref, []entityref.Ref)) error {
	m.mu.Lock()
	remaining := make([]*PartiallyCommittedEntity, 0, len(m.entities))
	for _, pce := range m.entities {
		remaining = append(remaining, pce)
	}
	m.entities = map[entityref.Ref]*PartiallyCommittedEntity{}
	m.mu.Unlock()

	for _, pce := range remaining {
		if onWarn != nil {
			still := make([]entityref.Ref, 0, len(pce.missing))
			for ref := range pce.missing {
				still = append(still, ref)
			}
			onWarn(pce.Referencer, still)
		}
		if err := pce.onComplete(pce.Referencer); err != nil {
			return fmt.Errorf("pending: force-completing %s: %w", pce.Referencer, err)
		}
	}
	return nil
}
