// Package procletserver is the RPC-facing side of a node: it hosts every
// proclet currently resident on the node, dispatches incoming closure
// calls, and applies remote refcount/destroy/migration-install requests.
// It is the callee half of spec.md §4.4's fast/slow path split — the
// fast (same-node) path in client.Runtime never goes through net/rpc at
// all and calls straight into Host.
package procletserver

import (
	"context"
	"fmt"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/mitchellh/hashstructure"

	"github.com/hashicorp/nu"
	"github.com/hashicorp/nu/client/mempool"
	"github.com/hashicorp/nu/proclet"
	"github.com/hashicorp/nu/rcu"
	"github.com/hashicorp/nu/sched"
	"github.com/hashicorp/nu/structs"
)

// Closure is a registered method body: it runs with slab already
// installed as current for token (proclet.Current(uint64(token))),
// receives archived args, and returns an archived result. Application
// code registers these once per proclet type at startup, the same way
// the original system's templated proclet::run dispatches through a
// compile-time method pointer — here, through a string closure id
// resolved in a registry instead (spec.md §9 notes the closure-id
// indirection explicitly).
type Closure func(ctx context.Context, tok sched.Token, slab *proclet.Slab, args []byte) ([]byte, error)

// Constructor builds the initial slab contents for a freshly allocated
// proclet of a given type, analogous to the original's placement-new
// constructor call.
type Constructor func(slab *proclet.Slab, ctorArgs []byte) error

// Registry holds the closure and constructor tables, shared process-wide
// (application code registers into it during init, before the runtime
// starts serving).
type Registry struct {
	mu           sync.RWMutex
	closures     map[string]Closure
	constructors map[string]Constructor
}

// NewRegistry constructs an empty closure/constructor registry.
func NewRegistry() *Registry {
	return &Registry{
		closures:     make(map[string]Closure),
		constructors: make(map[string]Constructor),
	}
}

// RegisterClosure installs a closure under id. Re-registering the same id
// overwrites the previous entry, matching a hot-reload-friendly registry
// pattern; application code is expected to register each id exactly once
// during init in normal operation.
func (r *Registry) RegisterClosure(id string, c Closure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closures[id] = c
}

// RegisterConstructor installs a constructor under id.
func (r *Registry) RegisterConstructor(id string, c Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[id] = c
}

func (r *Registry) closure(id string) (Closure, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.closures[id]
	return c, ok
}

func (r *Registry) constructor(id string) (Constructor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.constructors[id]
	return c, ok
}

// Host owns every proclet currently resident on this node: a flat
// id->Header table plus the closure registry needed to actually run
// calls against them. The table is read far more often than it is
// written (every Invoke looks a proclet up; only Install/Remove
// mutate it), so it is guarded by an rcu.Lock rather than a plain
// mutex — the "handle table" spec.md §4.9 names as one of rcu's
// pervasive use sites.
type Host struct {
	reg *Registry
	sch *sched.Scheduler
	mem *mempool.Pool
	log hclog.Logger

	mu       *rcu.Lock
	proclets map[nu.ProcletID]*proclet.Header

	constructMu     sync.Mutex
	recentConstruct map[uint64]structs.ConstructResponse
}

// NewHost constructs an empty Host. sch doubles as the rcu.Lock's
// Prioritizer: a write to the proclet table asks every Kthread to stop
// admitting proclet-owned work for the duration, matching sched being
// the real scheduler behind the PrioritizeAndWait path of spec.md §4.9.
// mem backs the remote-construct RPC path's budget check: an incoming
// Construct debits the same node-wide pool a locally issued MakeProclet
// does, so a node's advertised free-byte count (read by mem.FreeBytes,
// fed into the heartbeat) stays accurate regardless of which node
// initiated the allocation.
func NewHost(reg *Registry, sch *sched.Scheduler, mem *mempool.Pool, log hclog.Logger) *Host {
	return &Host{
		reg:             reg,
		sch:             sch,
		mem:             mem,
		log:             log.Named("procletserver"),
		mu:              rcu.NewWithScheduler(nu.NilProcletID, sch),
		proclets:        make(map[nu.ProcletID]*proclet.Header),
		recentConstruct: make(map[uint64]structs.ConstructResponse),
	}
}

// Install registers a newly allocated or newly migrated-in header as
// resident on this node.
func (h *Host) Install(hdr *proclet.Header) {
	h.mu.Writer(func() {
		h.proclets[hdr.ID] = hdr
	})
}

// Lookup implements migrator.Registry.
func (h *Host) Lookup(id nu.ProcletID) (*proclet.Header, bool) {
	tok := uint64(sched.NewToken())
	h.mu.RLock(tok)
	defer h.mu.RUnlock(tok)
	hdr, ok := h.proclets[id]
	return hdr, ok
}

// Remove implements migrator.Registry.
func (h *Host) Remove(id nu.ProcletID) {
	h.mu.Writer(func() {
		delete(h.proclets, id)
	})
}

// Constructor exposes a registered constructor by id, used by
// client.Runtime when allocating a proclet that lands locally.
func (h *Host) Constructor(id string) (Constructor, bool) {
	return h.reg.constructor(id)
}

// All returns a snapshot of every resident header, used by the pressure
// handler to rank victims.
func (h *Host) All() []*proclet.Header {
	tok := uint64(sched.NewToken())
	h.mu.RLock(tok)
	defer h.mu.RUnlock(tok)
	out := make([]*proclet.Header, 0, len(h.proclets))
	for _, hdr := range h.proclets {
		out = append(out, hdr)
	}
	return out
}

// Invoke runs closureID against a locally-resident proclet, used both by
// the fast path (client.Runtime calling directly, no RPC involved) and by
// the RPC handler below once a request has arrived over the wire.
func (h *Host) Invoke(ctx context.Context, target nu.ProcletID, closureID string, args []byte) ([]byte, structs.StatusCode, error) {
	hdr, ok := h.Lookup(target)
	if !ok {
		return nil, structs.StatusWrongClient, nil
	}
	if hdr.GetStatus() != nu.StatusPresent {
		return nil, structs.StatusWrongClient, nil
	}

	closure, ok := h.reg.closure(closureID)
	if !ok {
		return nil, structs.StatusException, fmt.Errorf("procletserver: unknown closure %q", closureID)
	}

	hdr.Enter()
	defer hdr.Leave()
	hdr.RecordLocalCall()

	tok := sched.NewToken()
	restore := proclet.Install(uint64(tok), hdr.Slab)
	defer restore()

	start := time.Now()
	result, err := closure(ctx, tok, hdr.Slab, args)
	hdr.AddMonitorCycles(time.Since(start))
	if err != nil {
		if ce, ok := err.(*nu.ClosureError); ok {
			return nil, structs.StatusException, ce
		}
		return nil, structs.StatusException, err
	}
	return result, structs.StatusOK, nil
}

// --- net/rpc-facing methods, registered under the name "ProcletServer" ---

type RPC Host

func (h *Host) AsRPC() *RPC { return (*RPC)(h) }

func (r *RPC) host() *Host { return (*Host)(r) }

func (r *RPC) Call(req structs.ProcletCallRequest, resp *structs.ProcletCallResponse) error {
	h := r.host()
	result, status, err := h.Invoke(context.Background(), nu.ProcletID(req.Target), req.ClosureID, req.Args)
	if status == structs.StatusException {
		if ce, ok := err.(*nu.ClosureError); ok {
			resp.Status = status
			resp.Err = &structs.RemoteError{Kind: ce.Kind, Message: ce.Message}
			return nil
		}
		return err
	}
	resp.Status = status
	resp.Result = result
	return nil
}

// Construct allocates and installs a new proclet. Requests are keyed by a
// hash of (ID, Capacity, Ctor, Args) so a client retrying after a dropped response
// (the allocate-then-construct RPC has no idempotent retry of its own)
// observes the original result instead of double-constructing.
func (r *RPC) Construct(req structs.ConstructRequest, resp *structs.ConstructResponse) error {
	h := r.host()

	key, err := hashstructure.Hash(req, nil)
	if err != nil {
		return fmt.Errorf("procletserver: hash construct request: %w", err)
	}
	if cached, ok := h.cachedConstruct(key); ok {
		*resp = cached
		return nil
	}

	ctor, ok := h.reg.constructor(req.Ctor)
	if !ok {
		return fmt.Errorf("procletserver: unknown constructor %q", req.Ctor)
	}

	if !h.mem.Reserve(req.Capacity) {
		resp.Status = structs.StatusOutOfMemory
		h.cacheConstruct(key, *resp)
		return nil
	}

	hdr := proclet.NewHeader(nu.ProcletID(req.ID), req.Capacity, "")
	if err := ctor(hdr.Slab, req.Args); err != nil {
		h.mem.ReleaseBudget(req.Capacity)
		resp.Status = structs.StatusOutOfMemory
		h.cacheConstruct(key, *resp)
		return nil
	}
	h.Install(hdr)
	resp.Status = structs.StatusOK
	h.cacheConstruct(key, *resp)
	return nil
}

// cachedConstruct returns the response recorded for a prior identical
// construct request, if any.
func (h *Host) cachedConstruct(key uint64) (structs.ConstructResponse, bool) {
	h.constructMu.Lock()
	defer h.constructMu.Unlock()
	resp, ok := h.recentConstruct[key]
	return resp, ok
}

// cacheConstruct records a construct response under its request hash,
// capping the cache so a long-lived node doesn't accumulate one entry per
// construct call forever.
func (h *Host) cacheConstruct(key uint64, resp structs.ConstructResponse) {
	h.constructMu.Lock()
	defer h.constructMu.Unlock()
	const maxCached = 4096
	if len(h.recentConstruct) >= maxCached {
		for k := range h.recentConstruct {
			delete(h.recentConstruct, k)
			break
		}
	}
	h.recentConstruct[key] = resp
}

func (r *RPC) Destroy(req structs.DestroyRequest, resp *structs.DestroyResponse) error {
	h := r.host()
	h.remove(nu.ProcletID(req.ID))
	resp.Status = structs.StatusOK
	return nil
}

func (r *RPC) RefcountDelta(req structs.RefcountDeltaRequest, resp *structs.RefcountDeltaResponse) error {
	h := r.host()
	hdr, ok := h.Lookup(nu.ProcletID(req.ID))
	if !ok {
		resp.Status = structs.StatusWrongClient
		return nil
	}
	newCount, destroyed := hdr.AddRefCnt(req.Delta)
	if destroyed {
		h.remove(nu.ProcletID(req.ID))
	}
	resp.Status = structs.StatusOK
	resp.Reached = newCount
	return nil
}

// remove releases hdr's budget (either back to its shard, for proclets
// allocated through client.Runtime's own local path and later reached by
// a remote RefcountDelta, or straight to the node-wide pool for ones
// built here by Construct) before dropping it from the table.
func (h *Host) remove(id nu.ProcletID) {
	if hdr, ok := h.Lookup(id); ok {
		if hdr.MemShard >= 0 {
			h.mem.Release(hdr.MemShard, hdr.Capacity)
		} else {
			h.mem.ReleaseBudget(hdr.Capacity)
		}
	}
	h.Remove(id)
}

// MigrationStream implements the destination side of the migrator's ship
// step: reconstruct a header and slab from the envelope and re-enqueue
// every pending task, per spec.md §4.5 steps 4-5.
func (r *RPC) MigrationStream(env structs.MigrationEnvelope, resp *structs.MigrationStreamResponse) error {
	h := r.host()

	var scalar struct {
		Capacity uint64
		RefCnt   int64
		Pinned   bool
	}
	if err := structs.Decode(env.HeaderBytes, &scalar); err != nil {
		return fmt.Errorf("procletserver: decode header: %w", err)
	}

	var objects map[uint64]interface{}
	if err := structs.Decode(env.SlabBytes, &objects); err != nil {
		return fmt.Errorf("procletserver: decode slab: %w", err)
	}

	if !h.mem.Reserve(scalar.Capacity) {
		resp.Status = structs.StatusOutOfMemory
		return nil
	}

	hdr := proclet.NewHeader(nu.ProcletID(env.ID), scalar.Capacity, "")
	hdr.RefCnt = scalar.RefCnt
	hdr.Pinned = scalar.Pinned
	var used uint64
	for range objects {
		used++
	}
	hdr.Slab.Restore(objects, used)
	hdr.SetStatus(nu.StatusPresent)
	h.Install(hdr)

	for _, raw := range env.PendingTasks {
		var t struct {
			ClosureID string
			Args      []byte
		}
		if err := structs.Decode(raw, &t); err != nil {
			continue
		}
		closureID, args, owner := t.ClosureID, t.Args, hdr.ID
		h.sch.Submit(&sched.Task{
			Owner:  owner,
			Header: hdr,
			Run: func(sched.Token) {
				_, _, _ = h.Invoke(context.Background(), owner, closureID, args)
			},
		})
	}

	resp.Status = structs.StatusOK
	return nil
}
