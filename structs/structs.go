// Package structs holds the wire types exchanged between nodes and the
// controller, and the self-describing binary archive codec used to encode
// them. It plays the role nomad/structs plays for Nomad's RPCs: every
// request/reply pair and every status code lives here, independent of the
// packages that send and receive them.
package structs

import (
	"bytes"
	"time"

	codec "github.com/hashicorp/go-msgpack/v2/codec"
)

// MsgpackHandle is the shared archive handle used to encode and decode
// every RPC payload and migration stream. A single package-level handle
// (mirroring nomad/structs.MsgpackHandle) avoids re-building reflection
// caches per call.
var MsgpackHandle = newMsgpackHandle()

func newMsgpackHandle() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.RawToString = true
	h.WriteExt = true
	return h
}

// Encode archives v into a fresh buffer using the shared archive handle.
func Encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, MsgpackHandle)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode unarchives data into v using the shared archive handle.
func Decode(data []byte, v interface{}) error {
	dec := codec.NewDecoder(bytes.NewReader(data), MsgpackHandle)
	return dec.Decode(v)
}

// RPCType enumerates the data-plane request kinds of spec.md §6. The
// rpcpool transport does not write it on the wire: net/rpc selects the
// handler by method name.
type RPCType byte

const (
	RPCProcletCall RPCType = iota
	RPCConstruct
	RPCDestroy
	RPCRefcountDelta
	RPCMigrationStream
)

// StatusCode is the first field of every RPC reply, per spec.md §6.
type StatusCode byte

const (
	StatusOK StatusCode = iota
	StatusWrongClient
	StatusOutOfMemory
	StatusDestroyed
	StatusException
)

func (s StatusCode) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusWrongClient:
		return "wrong-client"
	case StatusOutOfMemory:
		return "out-of-memory"
	case StatusDestroyed:
		return "destroyed"
	case StatusException:
		return "exception"
	default:
		return "unrecognized"
	}
}

// RemoteError is how a remote closure-exception or out-of-band error
// travels back in an RPC reply, per spec.md §9 "Exceptions as RPC
// results": the error kind and message are serialized rather than thrown
// across the network, and re-raised as a nu.ClosureError on the caller.
type RemoteError struct {
	Kind    string
	Message string
}

// ProcletID mirrors nu.ProcletID as a plain uint64 wrapper, so that the
// wire types carry no dependency on package nu.
type ProcletID uint64

// NodeIP identifies a node by its RPC-reachable address, e.g. "10.0.0.4:7070".
type NodeIP string

// --- Controller protocol (spec.md §4.2, §6) ---

type AllocateProcletRequest struct {
	Capacity uint64
	IPHint   NodeIP
	Pinned   bool
}

type AllocateProcletResponse struct {
	ID     ProcletID
	HomeIP NodeIP
}

type ResolveProcletRequest struct {
	ID ProcletID
}

type ResolveProcletResponse struct {
	IP NodeIP
}

type AcquireMigrationDestRequest struct {
	ID             ProcletID
	Pinned         bool
	ResourceDemand uint64
}

type AcquireMigrationDestResponse struct {
	Guard string // opaque reservation token, released on abort
	IP    NodeIP
}

type ReleaseMigrationDestRequest struct {
	Guard string
}

type UpdateLocationRequest struct {
	ID    ProcletID
	NewIP NodeIP
}

type DestroyProcletRequest struct {
	ID ProcletID
}

type ControllerStatsResponse struct {
	TotalProclets int
	Nodes         map[NodeIP]NodeStats
}

type NodeStats struct {
	FreeBytes uint64
	FreeCores int
}

// --- Data-plane protocol (spec.md §4.4, §6) ---

// ProcletCallRequest carries a closure invocation: the archived closure id
// plus its archived argument buffer, destined for a single proclet.
type ProcletCallRequest struct {
	Target    ProcletID
	ClosureID string
	Args      []byte
}

type ProcletCallResponse struct {
	Status StatusCode
	Result []byte
	Err    *RemoteError
}

type ConstructRequest struct {
	ID       ProcletID
	Capacity uint64
	Ctor     string
	Args     []byte
}

type ConstructResponse struct {
	Status StatusCode
	Err    *RemoteError
}

type DestroyRequest struct {
	ID ProcletID
}

type DestroyResponse struct {
	Status StatusCode
}

type RefcountDeltaRequest struct {
	ID    ProcletID
	Delta int64
}

type RefcountDeltaResponse struct {
	Status  StatusCode
	Reached int64 // resulting ref_cnt, informational
}

// MigrationEnvelope frames a migration stream: the serialized header,
// slab bytes, and any not-yet-started continuations captured from the
// victim's run queue (see migrator package for why only these, and not
// live goroutine stacks, are captured).
type MigrationEnvelope struct {
	ID           ProcletID
	HeaderBytes  []byte
	SlabBytes    []byte
	PendingTasks [][]byte
	ShippedAt    time.Time
}

type MigrationStreamResponse struct {
	Status StatusCode
}

// NodeHeartbeat is a node's periodic capacity report to the controller,
// feeding bestDestination's node table (spec.md §4.7 pressure signaling
// side of the controller API).
type NodeHeartbeat struct {
	IP        NodeIP
	FreeBytes uint64
	FreeCores int
}
