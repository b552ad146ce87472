package crud

import (
	"context"
	"fmt"
)

// Registry maps an entityref.Kind to the Actions implementation that knows
// how to create, update and delete rows of that kind against a target
// store. The zero value is ready to use.
type Registry struct {
	actions map[Kind]Actions
}

// Register associates kind with a, failing if kind is empty, a is nil, or
// kind is already registered.
func (r *Registry) Register(kind Kind, a Actions) error {
	if kind == "" {
		return fmt.Errorf("crud: empty kind")
	}
	if a == nil {
		return fmt.Errorf("crud: nil actions for kind %s", kind)
	}
	if r.actions == nil {
		r.actions = make(map[Kind]Actions)
	}
	if _, ok := r.actions[kind]; ok {
		return fmt.Errorf("crud: kind %s already registered", kind)
	}
	r.actions[kind] = a
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(kind Kind, a Actions) {
	if err := r.Register(kind, a); err != nil {
		panic(err)
	}
}

// Get returns the Actions registered for kind.
func (r *Registry) Get(kind Kind) (Actions, error) {
	if kind == "" {
		return nil, fmt.Errorf("crud: empty kind")
	}
	a, ok := r.actions[kind]
	if !ok {
		return nil, fmt.Errorf("crud: no actions registered for kind %s", kind)
	}
	return a, nil
}

// Create looks up kind's Actions and invokes Create on it.
func (r *Registry) Create(ctx context.Context, kind Kind, args ...Arg) (Arg, error) {
	a, err := r.Get(kind)
	if err != nil {
		return nil, err
	}
	return a.Create(ctx, args...)
}

// Update looks up kind's Actions and invokes Update on it.
func (r *Registry) Update(ctx context.Context, kind Kind, args ...Arg) (Arg, error) {
	a, err := r.Get(kind)
	if err != nil {
		return nil, err
	}
	return a.Update(ctx, args...)
}

// Delete looks up kind's Actions and invokes Delete on it.
func (r *Registry) Delete(ctx context.Context, kind Kind, args ...Arg) (Arg, error) {
	a, err := r.Get(kind)
	if err != nil {
		return nil, err
	}
	return a.Delete(ctx, args...)
}

// Do dispatches to Create, Update or Delete based on op.
func (r *Registry) Do(ctx context.Context, kind Kind, op Op, args ...Arg) (Arg, error) {
	switch op {
	case Create:
		return r.Create(ctx, kind, args...)
	case Update:
		return r.Update(ctx, kind, args...)
	case Delete:
		return r.Delete(ctx, kind, args...)
	default:
		return nil, fmt.Errorf("crud: unknown op %s", op.String())
	}
}
