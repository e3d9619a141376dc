package proclet

import (
	"context"

	"github.com/hashicorp/nu"
)

// Invoker is the subset of client.Runtime a handle needs in order to
// dispatch a call: resolve+invoke a closure against a target id, and bump
// its refcount. It is declared here (rather than importing package
// client) to avoid an import cycle — client imports proclet for Header
// and Slab, proclet imports only this narrow interface back.
type Invoker interface {
	// Invoke performs the fast/slow-path dispatch of spec.md §4.4
	// against target, running closureID with the archived args and
	// decoding the archived result into resultPtr.
	Invoke(ctx context.Context, target nu.ProcletID, closureID string, args interface{}, resultPtr interface{}) error

	// RefcountDelta applies delta to target's strong refcount, used by
	// handle copy/drop. Per spec.md §4.6, copies are synchronous and
	// drops may be issued asynchronously.
	RefcountDelta(ctx context.Context, target nu.ProcletID, delta int64, async bool) error

	// Destroy tears down target once its refcount has reached zero.
	Destroy(ctx context.Context, target nu.ProcletID) error
}

// erasedTarget is the single internal representation every typed handle
// variant carries, per spec.md §9 "map deep template inheritance to a
// small set of typed handle variants... carrying only a compile-time
// phantom witness."
type erasedTarget struct {
	id nu.ProcletID
	rt Invoker
}

// Proclet is a strong, reference-counted handle to a proclet of type T.
// Copying it (via Copy) bumps the remote refcount; Drop decrements it.
// The zero value is the empty handle (IsEmpty reports true). Non-empty
// handles are built inside this package by newProclet and duplicated with
// Copy; client.Runtime.MakeProclet returns a bare ProcletID, and no
// exported function wraps one in a Proclet[T].
type Proclet[T any] struct {
	target erasedTarget
}

// newProclet wraps a freshly allocated or already-referenced id into a
// strong handle without touching the refcount (used by construction and
// by internal plumbing that already accounted for the +1).
func newProclet[T any](id nu.ProcletID, rt Invoker) Proclet[T] {
	return Proclet[T]{target: erasedTarget{id: id, rt: rt}}
}

// ID returns the underlying proclet identifier.
func (p Proclet[T]) ID() nu.ProcletID { return p.target.id }

// IsEmpty reports whether this is the sentinel empty handle returned by a
// failed constructor (spec.md §7 "out-of-memory... handles' constructors
// return a sentinel empty handle").
func (p Proclet[T]) IsEmpty() bool { return p.target.id.IsNil() }

// Copy produces a new strong handle to the same proclet, synchronously
// incrementing the remote refcount per spec.md §4.6 ("copies must be
// synchronous: the callee must observe the increment before the old
// handle is usable").
func (p Proclet[T]) Copy(ctx context.Context) (Proclet[T], error) {
	if p.IsEmpty() {
		return p, nil
	}
	if err := p.target.rt.RefcountDelta(ctx, p.target.id, +1, false); err != nil {
		return Proclet[T]{}, err
	}
	return newProclet[T](p.target.id, p.target.rt), nil
}

// Drop decrements the remote refcount. Per spec.md §4.6, drops may be
// issued asynchronously; async=true fires the RPC without waiting for the
// reply.
func (p Proclet[T]) Drop(ctx context.Context, async bool) error {
	if p.IsEmpty() {
		return nil
	}
	return p.target.rt.RefcountDelta(ctx, p.target.id, -1, async)
}

// Weak produces a WeakProclet that never extends the target's lifetime,
// per spec.md §4.6.
func (p Proclet[T]) Weak() WeakProclet[T] {
	return WeakProclet[T]{target: p.target}
}

// Run dispatches closureID against the target proclet, decoding the
// result into a value of type R. It is the generic stand-in for
// `proclet.run(&T::f, args)` in spec.md §4.4: fast path when local,
// serialized RPC otherwise, fully transparent to the caller.
func Run[T, R any](ctx context.Context, p Proclet[T], closureID string, args interface{}) (R, error) {
	var result R
	if p.IsEmpty() {
		return result, nu.ErrDestroyedTarget
	}
	err := p.target.rt.Invoke(ctx, p.target.id, closureID, args, &result)
	return result, err
}

// WeakProclet never touches the refcount; dereferencing (via RunWeak) a
// WeakProclet whose target has been destroyed fails rather than
// producing garbage, per spec.md invariant 5: with nu.ErrDestroyedTarget
// for a nil id, otherwise with the error from resolving the id.
type WeakProclet[T any] struct {
	target erasedTarget
}

func (w WeakProclet[T]) ID() nu.ProcletID { return w.target.id }

// Upgrade attempts to produce a strong handle, synchronously
// incrementing the refcount only if the target is still alive. The
// runtime reports failure by returning nu.ErrDestroyedTarget from the
// underlying refcount RPC, which Upgrade surfaces as (zero, false).
func (w WeakProclet[T]) Upgrade(ctx context.Context) (Proclet[T], bool) {
	if w.target.id.IsNil() {
		return Proclet[T]{}, false
	}
	if err := w.target.rt.RefcountDelta(ctx, w.target.id, +1, false); err != nil {
		return Proclet[T]{}, false
	}
	return newProclet[T](w.target.id, w.target.rt), true
}

// RunWeak dispatches closureID against a weak handle's target without
// upgrading first (a thin convenience used by RemSharedPtr's internal
// routing, spec.md §4.6).
func RunWeak[T, R any](ctx context.Context, w WeakProclet[T], closureID string, args interface{}) (R, error) {
	var result R
	if w.target.id.IsNil() {
		return result, nu.ErrDestroyedTarget
	}
	err := w.target.rt.Invoke(ctx, w.target.id, closureID, args, &result)
	return result, err
}
