// Package nu implements the core of a distributed proclet runtime: a
// cluster-wide address space of independently migratable objects.
//
// Applications allocate a proclet with client.Runtime.MakeProclet, which
// returns its ProcletID, and call closures on it with Runtime.Invoke or
// RunAsync exactly as if the object were local. No exported function
// wraps that ID in a typed proclet.Proclet[T] handle. The runtime transparently resolves the target, dispatches the call
// locally or over RPC, and may relocate the proclet between calls to
// relieve memory or CPU pressure on the node currently hosting it.
package nu

import (
	"errors"
	"fmt"
)

// ProcletID uniquely identifies a proclet across the whole cluster. It is
// the sole key used to locate a proclet's Header on whichever node
// currently hosts it; it carries no embedded address information the way
// the original system's virtual-memory slot did (see SPEC_FULL.md §3.1).
type ProcletID uint64

// NilProcletID is the reserved null identifier. No proclet is ever
// allocated this id.
const NilProcletID ProcletID = 0

func (id ProcletID) String() string {
	return fmt.Sprintf("proclet:%016x", uint64(id))
}

// IsNil reports whether id is the reserved null identifier.
func (id ProcletID) IsNil() bool {
	return id == NilProcletID
}

// Status is the lifecycle state of a proclet on a particular node, per the
// Proclet Header invariants: a proclet is Present on at most one node at
// any externally observable instant.
type Status uint8

const (
	StatusAbsent Status = iota
	StatusPresent
	StatusMigratingOut
	StatusMigratingIn
	StatusDestroying
)

func (s Status) String() string {
	switch s {
	case StatusAbsent:
		return "absent"
	case StatusPresent:
		return "present"
	case StatusMigratingOut:
		return "migrating-out"
	case StatusMigratingIn:
		return "migrating-in"
	case StatusDestroying:
		return "destroying"
	default:
		return "unknown"
	}
}

// Error kinds from spec.md §7. These are sentinel errors: remote replies
// carry one of these as their status code and callers compare with
// errors.Is.
var (
	// ErrOutOfMemory is returned when a target proclet's slab cannot hold
	// the arguments (or constructor state) being copied into it.
	ErrOutOfMemory = errors.New("nu: out of memory")

	// ErrWrongClient signals a stale id->ip cache entry. Callers of the
	// public API never see this: the rpcclient layer retries internally
	// after re-resolving through the controller.
	ErrWrongClient = errors.New("nu: wrong client")

	// ErrDestroyedTarget is returned for a call through an empty (nil-id)
	// handle, for a migration of an id this node does not host, and for
	// a remote reply carrying the destroyed status. An id the controller
	// no longer resolves fails with the resolve error instead.
	ErrDestroyedTarget = errors.New("nu: destroyed target")

	// ErrPinned is returned by the migrator when a migration is requested
	// against a pinned proclet.
	ErrPinned = errors.New("nu: proclet is pinned")

	// ErrNoDestination is returned when the controller cannot reserve a
	// migration destination (e.g. no node has enough free capacity).
	ErrNoDestination = errors.New("nu: no migration destination available")

	// ErrSerialization is a fatal programming error: a closure or argument
	// could not be archived. Per spec.md §7 this is never recovered from.
	ErrSerialization = errors.New("nu: serialization failure")
)

// ClosureError is a re-materialized exception from a remote closure
// invocation (spec.md §4.4 "closure-exception"). It round-trips through
// structs.RemoteError on the wire.
type ClosureError struct {
	Kind    string
	Message string
}

func (e *ClosureError) Error() string {
	return fmt.Sprintf("nu: remote closure error (%s): %s", e.Kind, e.Message)
}
