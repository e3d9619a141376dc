package proclet

import (
	"context"

	"github.com/hashicorp/nu"
)

// RemRawPtr is an unmanaged reference to a value living inside some
// proclet's slab: no lifetime management at all, per spec.md §4.6. It
// carries a WeakProclet to reach the enclosing heap, matching the
// original's internal representation ("each internally carries a
// WeakProclet<ErasedType> to reach the enclosing heap").
type RemRawPtr[T any] struct {
	Owner  WeakProclet[T]
	Offset uint64
}

// Deref fetches the pointee, dispatched through the owning proclet (fast
// path if local, RPC otherwise). It fails with nu.ErrDestroyedTarget for
// a nil owner, and with the dispatch error if the owning proclet has been
// destroyed or has moved out from under an in-flight migration — callers are expected to hold a migration guard
// when they need the dereference to be safe, per spec.md §5 "a raw
// pointer is not dereferenceable while the proclet is in transit."
func (p RemRawPtr[T]) Deref(ctx context.Context) (T, error) {
	var zero T
	if p.Owner.target.id.IsNil() {
		return zero, nu.ErrDestroyedTarget
	}
	return RunWeak[T, T](ctx, p.Owner, "__slab_deref", p.Offset)
}

// RemUniquePtr is an exclusively-owned remote pointer: dropping it
// destroys the pointee, per spec.md §4.6.
type RemUniquePtr[T any] struct {
	owner  WeakProclet[T]
	offset uint64
	live   bool
}

// MakeRemUnique wraps offset within owner's slab as a uniquely-owned
// pointer. Used by closures such as the spec.md §8 scenario-1 example
// (`make_rem_unique<vector<int>>(move(v))`).
func MakeRemUnique[T any](owner WeakProclet[T], offset uint64) RemUniquePtr[T] {
	return RemUniquePtr[T]{owner: owner, offset: offset, live: true}
}

func (p RemUniquePtr[T]) Deref(ctx context.Context) (T, error) {
	var zero T
	if !p.live || p.owner.target.id.IsNil() {
		return zero, nu.ErrDestroyedTarget
	}
	return RunWeak[T, T](ctx, p.owner, "__slab_deref", p.offset)
}

// Drop destroys the pointee exactly once. Calling Drop on an already-
// dropped or empty handle is a no-op, matching "the remote vector's
// destructor runs exactly once" from spec.md §8 scenario 1.
func (p *RemUniquePtr[T]) Drop(ctx context.Context) error {
	if !p.live || p.owner.target.id.IsNil() {
		return nil
	}
	p.live = false
	var discard struct{}
	return RunWeakVoid(ctx, p.owner, "__slab_free", p.offset, &discard)
}

// RunWeakVoid is RunWeak specialized for closures with no meaningful
// return value (destructors, refcount-only updates).
func RunWeakVoid[T any](ctx context.Context, w WeakProclet[T], closureID string, args interface{}, out interface{}) error {
	if w.target.id.IsNil() {
		return nu.ErrDestroyedTarget
	}
	return w.target.rt.Invoke(ctx, w.target.id, closureID, args, out)
}

// RemSharedPtr is reference-counted on the remote side: copying it fans
// out a remote-side clone of the shared refcount rather than touching a
// local counter, per spec.md §4.6. Because it embeds a WeakProclet
// (not a strong Proclet) to reach the enclosing heap, a cycle of
// RemSharedPtrs can never keep the enclosing proclet alive by itself —
// see spec.md §9 "cyclic handles."
type RemSharedPtr[T any] struct {
	owner  WeakProclet[T]
	offset uint64
}

func MakeRemShared[T any](owner WeakProclet[T], offset uint64) RemSharedPtr[T] {
	return RemSharedPtr[T]{owner: owner, offset: offset}
}

func (p RemSharedPtr[T]) Deref(ctx context.Context) (T, error) {
	var zero T
	if p.owner.target.id.IsNil() {
		return zero, nu.ErrDestroyedTarget
	}
	return RunWeak[T, T](ctx, p.owner, "__slab_deref", p.offset)
}

// Copy fans out a remote-side shared_ptr clone: the owning proclet bumps
// an internal per-object refcount for offset, independent of the
// enclosing proclet's own strong handle refcount.
func (p RemSharedPtr[T]) Copy(ctx context.Context) (RemSharedPtr[T], error) {
	if p.owner.target.id.IsNil() {
		return p, nu.ErrDestroyedTarget
	}
	var ack struct{}
	if err := RunWeakVoid(ctx, p.owner, "__shared_incref", p.offset, &ack); err != nil {
		return RemSharedPtr[T]{}, err
	}
	return p, nil
}

// Drop decrements the remote shared refcount, freeing the pointee when it
// reaches zero.
func (p RemSharedPtr[T]) Drop(ctx context.Context) error {
	if p.owner.target.id.IsNil() {
		return nil
	}
	var ack struct{}
	return RunWeakVoid(ctx, p.owner, "__shared_decref", p.offset, &ack)
}
