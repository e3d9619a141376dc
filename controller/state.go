// Package controller implements the cluster's single source of truth for
// proclet location, per spec.md §4.2: id allocation, id->ip resolution,
// migration-destination selection, and per-node capacity accounting. It
// deliberately carries no replication or persistence (see SPEC_FULL.md
// Non-goals) — a restart loses the table, matching the original system's
// own controller.
package controller

import (
	"sync"
	"sync/atomic"

	iradix "github.com/hashicorp/go-immutable-radix/v2"

	"github.com/hashicorp/nu/structs"
)

// state holds the controller's in-memory tables. The id->ip index is an
// immutable radix tree swapped under an atomic.Pointer: readers (resolve
// calls, by far the hottest path) never take a lock, matching the
// read-skewed idiom spec.md §4.9 asks for at this kind of lookup site.
// Every write path instead serializes through a single mutex and installs
// a new tree, the copy-on-write analogue of the original's RCU table.
type state struct {
	idx atomic.Pointer[iradix.Tree[structs.NodeIP]]

	writeMu sync.Mutex
	nextID  uint64

	nodesMu sync.Mutex
	nodes   map[structs.NodeIP]*nodeState
}

type nodeState struct {
	FreeBytes uint64
	FreeCores int
}

func newState() *state {
	s := &state{nodes: make(map[structs.NodeIP]*nodeState)}
	s.idx.Store(iradix.New[structs.NodeIP]())
	return s
}

func keyFor(id structs.ProcletID) []byte {
	k := make([]byte, 8)
	v := uint64(id)
	for i := 7; i >= 0; i-- {
		k[i] = byte(v)
		v >>= 8
	}
	return k
}

// allocateID mints a fresh cluster-unique proclet id. IDs are never
// reused within a controller's lifetime, sidestepping spec.md's id-reuse
// Open Question entirely (see DESIGN.md).
func (s *state) allocateID() structs.ProcletID {
	return structs.ProcletID(atomic.AddUint64(&s.nextID, 1))
}

// put installs or overwrites id's location.
func (s *state) put(id structs.ProcletID, ip structs.NodeIP) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	tree := s.idx.Load()
	newTree, _, _ := tree.Insert(keyFor(id), ip)
	s.idx.Store(newTree)
}

// remove deletes id's location entry.
func (s *state) remove(id structs.ProcletID) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	tree := s.idx.Load()
	newTree, _, _ := tree.Delete(keyFor(id))
	s.idx.Store(newTree)
}

// resolve reads id's current location without ever blocking a concurrent
// writer, per the read-skewed design above.
func (s *state) resolve(id structs.ProcletID) (structs.NodeIP, bool) {
	tree := s.idx.Load()
	return tree.Get(keyFor(id))
}

// registerNode records or refreshes a node's advertised free capacity,
// reached through the RegisterNode RPC that each node's controller
// client sends from its heartbeat loop.
func (s *state) registerNode(ip structs.NodeIP, freeBytes uint64, freeCores int) {
	s.nodesMu.Lock()
	defer s.nodesMu.Unlock()
	s.nodes[ip] = &nodeState{FreeBytes: freeBytes, FreeCores: freeCores}
}

// bestDestination picks the node with the most free capacity able to hold
// demand bytes, excluding exclude (normally the proclet's current host).
// Ties are broken by NodeIP ascending for determinism across repeated
// runs, the same tie-break spec.md leaves open for the pressure handler
// (see DESIGN.md Open Questions).
func (s *state) bestDestination(demand uint64, exclude structs.NodeIP) (structs.NodeIP, bool) {
	s.nodesMu.Lock()
	defer s.nodesMu.Unlock()

	var best structs.NodeIP
	var bestFree uint64
	found := false
	for ip, ns := range s.nodes {
		if ip == exclude || ns.FreeBytes < demand {
			continue
		}
		if !found || ns.FreeBytes > bestFree || (ns.FreeBytes == bestFree && ip < best) {
			best, bestFree, found = ip, ns.FreeBytes, true
		}
	}
	return best, found
}

func (s *state) stats() structs.ControllerStatsResponse {
	s.nodesMu.Lock()
	defer s.nodesMu.Unlock()

	resp := structs.ControllerStatsResponse{Nodes: make(map[structs.NodeIP]structs.NodeStats, len(s.nodes))}
	for ip, ns := range s.nodes {
		resp.Nodes[ip] = structs.NodeStats{FreeBytes: ns.FreeBytes, FreeCores: ns.FreeCores}
	}

	tree := s.idx.Load()
	resp.TotalProclets = tree.Len()
	return resp
}
