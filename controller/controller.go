package controller

import (
	"fmt"
	"net"
	"net/rpc"
	"sync"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-uuid"

	"github.com/hashicorp/nu/rpcpool"
	"github.com/hashicorp/nu/structs"
)

// DefaultCapacity is used when an AllocateProcletRequest does not specify
// one, matching spec.md §4.1's "a proclet's capacity defaults to a
// runtime-configured size."
const DefaultCapacity = 64 << 20

// Controller is the RPC-addressable cluster authority: proclet id
// allocation, id->ip resolution, migration-destination selection, and
// node capacity bookkeeping. Exactly one instance runs per cluster.
type Controller struct {
	log hclog.Logger
	st  *state

	guardsMu sync.Mutex
	guards   map[string]structs.ProcletID
}

// New constructs a Controller ready to be registered on an *rpc.Server.
func New(log hclog.Logger) *Controller {
	return &Controller{
		log:    log.Named("controller"),
		st:     newState(),
		guards: make(map[string]structs.ProcletID),
	}
}

// Serve registers the controller's RPC methods and blocks accepting
// connections on ln, in the same shape rpcpool.Serve uses for data-plane
// nodes.
func (c *Controller) Serve(ln net.Listener) error {
	server := rpc.NewServer()
	if err := server.RegisterName("Controller", (*rpcMethods)(c)); err != nil {
		return fmt.Errorf("controller: register rpc methods: %w", err)
	}
	rpcpool.Serve(ln, server, c.log)
	return nil
}

// rpcMethods is Controller reborn under the net/rpc calling convention
// (exported Method(args, *reply) error signatures); kept as a distinct
// named type so Controller's own Go-idiomatic methods below stay free of
// RPC plumbing concerns.
type rpcMethods Controller

func (c *rpcMethods) asController() *Controller { return (*Controller)(c) }

func (c *rpcMethods) AllocateProclet(req structs.AllocateProcletRequest, resp *structs.AllocateProcletResponse) error {
	ctl := c.asController()
	capacity := req.Capacity
	if capacity == 0 {
		capacity = DefaultCapacity
	}

	ip := req.IPHint
	if ip == "" {
		best, ok := ctl.st.bestDestination(capacity, "")
		if !ok {
			return fmt.Errorf("controller: %w", errNoCapacity)
		}
		ip = best
	}

	id := ctl.st.allocateID()
	ctl.st.put(id, ip)
	*resp = structs.AllocateProcletResponse{ID: id, HomeIP: ip}
	return nil
}

func (c *rpcMethods) ResolveProclet(req structs.ResolveProcletRequest, resp *structs.ResolveProcletResponse) error {
	ctl := c.asController()
	ip, ok := ctl.st.resolve(req.ID)
	if !ok {
		return fmt.Errorf("controller: %w", errUnknownProclet)
	}
	resp.IP = ip
	return nil
}

func (c *rpcMethods) AcquireMigrationDest(req structs.AcquireMigrationDestRequest, resp *structs.AcquireMigrationDestResponse) error {
	ctl := c.asController()
	if req.Pinned {
		return fmt.Errorf("controller: %w", errPinned)
	}

	curIP, _ := ctl.st.resolve(req.ID)
	dest, ok := ctl.st.bestDestination(req.ResourceDemand, curIP)
	if !ok {
		return fmt.Errorf("controller: %w", errNoCapacity)
	}

	guard, err := uuid.GenerateUUID()
	if err != nil {
		return fmt.Errorf("controller: mint migration guard: %w", err)
	}
	ctl.guardsMu.Lock()
	ctl.guards[guard] = req.ID
	ctl.guardsMu.Unlock()

	*resp = structs.AcquireMigrationDestResponse{Guard: guard, IP: dest}
	return nil
}

func (c *rpcMethods) ReleaseMigrationDest(req structs.ReleaseMigrationDestRequest, resp *struct{}) error {
	ctl := c.asController()
	ctl.guardsMu.Lock()
	delete(ctl.guards, req.Guard)
	ctl.guardsMu.Unlock()
	return nil
}

func (c *rpcMethods) UpdateLocation(req structs.UpdateLocationRequest, resp *struct{}) error {
	ctl := c.asController()
	ctl.st.put(req.ID, req.NewIP)
	return nil
}

func (c *rpcMethods) DestroyProclet(req structs.DestroyProcletRequest, resp *struct{}) error {
	ctl := c.asController()
	ctl.st.remove(req.ID)
	return nil
}

func (c *rpcMethods) RegisterNode(req structs.NodeHeartbeat, resp *struct{}) error {
	ctl := c.asController()
	ctl.st.registerNode(req.IP, req.FreeBytes, req.FreeCores)
	return nil
}

func (c *rpcMethods) Stats(req struct{}, resp *structs.ControllerStatsResponse) error {
	ctl := c.asController()
	*resp = ctl.st.stats()
	return nil
}
