// Package crud is the dispatch layer between a kind-agnostic driver loop
// and the per-kind create/update/delete logic that knows how to apply one
// row to a target store. A Registry holds one Actions implementation per
// entityref.Kind; the driver never branches on kind itself, it just calls
// Registry.Do with the Event it computed.
package crud

import (
	"context"
	"fmt"

	"github.com/itwin/imodel-sync/pkg/entityref"
)

// Kind identifies which per-entity-kind Actions implementation handles an
// event. It is the same closed set entityref.Ref uses.
type Kind = entityref.Kind

// Op represents the type of the operation.
type Op struct {
	name string
}

func (op *Op) String() string {
	return op.name
}

var (
	// Create is a constant representing create operations.
	Create = Op{"Create"}
	// Update is a constant representing update operations.
	Update = Op{"Update"}
	// Delete is a constant representing delete operations.
	Delete = Op{"Delete"}
)

// Arg is an argument to a callback function.
type Arg interface{}

// Actions is an interface for CRUD operations on any entity
type Actions interface {
	Create(context.Context, ...Arg) (Arg, error)
	Delete(context.Context, ...Arg) (Arg, error)
	Update(context.Context, ...Arg) (Arg, error)
}

// Event represents an event to perform an imperative operation that
// moves the target store closer to the source's state.
type Event struct {
	Op     Op
	Kind   Kind
	Obj    interface{}
	OldObj interface{}
}

// EventFromArg converts arg into Event.
// It panics if the type of arg is not Event.
func EventFromArg(arg Arg) Event {
	event, ok := arg.(Event)
	if !ok {
		panic("unexpected type, expected crud.Event")
	}
	return event
}

// ActionError represents an error happens in performing CRUD action of an entity.
type ActionError struct {
	OperationType Op     `json:"operation"`
	Kind          Kind   `json:"kind"`
	Name          string `json:"name"`
	Err           error  `json:"error"`
}

func (e *ActionError) Unwrap() error {
	return e.Err
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%s %s %s failed: %v", e.OperationType.String(), e.Kind, e.Name, e.Err)
}
