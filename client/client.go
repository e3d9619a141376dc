// Package client assembles the per-node runtime: the fast/slow call
// dispatch of spec.md §4.4, local proclet hosting, the migration and
// pressure-relief loops, and the connection pool shared by all of it.
// It plays the role the teacher's client.Client played for a Nomad node
// — one long-lived object constructed once per process and handed to
// every subsystem that needs to reach the rest of the cluster.
package client

import (
	"context"
	"fmt"
	"net"
	"net/rpc"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-uuid"

	"github.com/hashicorp/nu"
	"github.com/hashicorp/nu/client/mempool"
	"github.com/hashicorp/nu/client/procletserver"
	"github.com/hashicorp/nu/client/pressure"
	"github.com/hashicorp/nu/client/rpcclient"
	"github.com/hashicorp/nu/controller"
	"github.com/hashicorp/nu/future"
	"github.com/hashicorp/nu/migrator"
	"github.com/hashicorp/nu/proclet"
	"github.com/hashicorp/nu/rpcpool"
	"github.com/hashicorp/nu/sched"
	"github.com/hashicorp/nu/structs"
)

// Config mirrors the teacher's client.Config shape: plain fields filled
// in by command/agent's HCL-parsed configuration, with DefaultConfig
// supplying baseline values.
type Config struct {
	SelfIP        structs.NodeIP
	ControllerIP  structs.NodeIP
	ListenAddr    string
	MemoryBudget  uint64
	MaxPoolConns  int
	DialTimeout   time.Duration
	NumKthreads   int
	PressureCfg   pressure.Config
	HeartbeatEvry time.Duration
	MemProbeEvry  time.Duration
}

// DefaultConfig returns baseline values; callers fill in SelfIP,
// ControllerIP, and ListenAddr.
func DefaultConfig() *Config {
	return &Config{
		MemoryBudget:  1 << 30,
		MaxPoolConns:  64,
		DialTimeout:   10 * time.Second,
		NumKthreads:   0,
		PressureCfg:   pressure.DefaultConfig(),
		HeartbeatEvry: 5 * time.Second,
		MemProbeEvry:  mempool.DefaultProbeInterval,
	}
}

// Runtime is the node-local handle application code is built against: it
// implements proclet.Invoker, so every Proclet[T]/WeakProclet[T] handle
// constructed through it dispatches transparently whether the target
// turns out to be local or remote.
type Runtime struct {
	cfg *Config
	log hclog.Logger

	pool  *rpcpool.Pool
	ctl   *controller.Client
	rpc   *rpcclient.Client
	host  *procletserver.Host
	mem   *mempool.Pool
	sch   *sched.Scheduler
	mig   *migrator.Migrator
	press *pressure.Handler
	src   *capacitySource
}

// New wires up every collaborator described in SPEC_FULL.md's client
// section from cfg. reg must already hold every closure/constructor the
// application will need before Serve is called.
func New(cfg *Config, reg *procletserver.Registry, log hclog.Logger) (*Runtime, error) {
	pool := rpcpool.NewPool(cfg.MaxPoolConns, cfg.DialTimeout)
	ctl := controller.NewClient(pool, cfg.ControllerIP)
	rc := rpcclient.New(pool, ctl, log)
	sch := sched.New(cfg.NumKthreads)
	mem := mempool.New(cfg.MemoryBudget)
	host := procletserver.NewHost(reg, sch, mem, log)

	rt := &Runtime{cfg: cfg, log: log.Named("client"), pool: pool, ctl: ctl, rpc: rc, host: host, mem: mem, sch: sch}
	rt.mig = migrator.New(sch, host, ctl, rt, cfg.SelfIP)

	rt.src = &capacitySource{mem: mem, total: cfg.MemoryBudget}
	rt.press = pressure.New(cfg.PressureCfg, rt.src, rt.mig, host, log)

	return rt, nil
}

// capacitySource adapts mempool.Pool plus the node's configured budget
// into pressure.Source. CPU load comes from a probe installed with
// SetCPULoadProbe; with none installed CPULoad reports 0, so CPU
// pressure never triggers.
type capacitySource struct {
	mem   *mempool.Pool
	total uint64
	load  func() float64
}

func (c *capacitySource) FreeBytes() uint64  { return c.mem.FreeBytes() }
func (c *capacitySource) TotalBytes() uint64 { return c.total }
func (c *capacitySource) CPULoad() float64 {
	if c.load == nil {
		return 0
	}
	return c.load()
}

// SetCPULoadProbe wires an OS-specific CPU load sampler into the pressure
// handler's Source. Nothing in this module installs one; a caller that
// wants CPU pressure sets it before Serve.
func (r *Runtime) SetCPULoadProbe(probe func() float64) {
	r.src.load = probe
}

// Serve starts the scheduler, the RPC listener, the pressure loop, and
// the controller heartbeat, blocking until ctx is done.
func (r *Runtime) Serve(ctx context.Context) error {
	r.sch.Start()
	defer r.sch.Stop()

	ln, err := net.Listen("tcp", r.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("client: listen %s: %w", r.cfg.ListenAddr, err)
	}
	defer ln.Close()

	server := rpc.NewServer()
	if err := server.RegisterName("ProcletServer", r.host.AsRPC()); err != nil {
		return fmt.Errorf("client: register rpc methods: %w", err)
	}
	go rpcpool.Serve(ln, server, r.log)

	go r.press.Run(ctx)
	go r.mem.RunProbe(ctx, r.cfg.MemProbeEvry)

	errCh := r.ctl.RunHeartbeatLoop(ctx, r.cfg.HeartbeatEvry, r.cfg.SelfIP, func() (uint64, int) {
		return r.mem.FreeBytes(), r.sch.NumKthreads()
	})
	go func() {
		for err := range errCh {
			r.log.Warn("heartbeat loop reported errors", "error", err)
		}
	}()

	<-ctx.Done()
	r.pool.Shutdown()
	return nil
}

// ShipMigration implements migrator.Shipper by calling the destination's
// ProcletServer.MigrationStream RPC directly through the connection pool
// (migration is just another RPC kind on the same wire, per spec.md §6).
func (r *Runtime) ShipMigration(ctx context.Context, ip structs.NodeIP, env *structs.MigrationEnvelope) error {
	var resp structs.MigrationStreamResponse
	if err := r.pool.RPC(ip, "ProcletServer.MigrationStream", *env, &resp); err != nil {
		return err
	}
	if resp.Status != structs.StatusOK {
		return fmt.Errorf("client: migration install failed with status %s", resp.Status)
	}
	return nil
}

// MakeProclet allocates a fresh proclet of capacity bytes, constructed via
// ctorID with the given archived constructor arguments, and returns its
// id. It is the entry point the handle-construction helpers call into.
func (r *Runtime) MakeProclet(ctx context.Context, capacity uint64, ctorID string, ctorArgs []byte, pinned bool) (nu.ProcletID, error) {
	id, homeIP, err := r.ctl.AllocateProclet(ctx, capacity, r.cfg.SelfIP, pinned)
	if err != nil {
		return nu.NilProcletID, fmt.Errorf("client: allocate proclet: %w", err)
	}

	if homeIP != r.cfg.SelfIP {
		req := structs.ConstructRequest{ID: structs.ProcletID(id), Capacity: capacity, Ctor: ctorID, Args: ctorArgs}
		var resp structs.ConstructResponse
		if err := r.pool.RPC(homeIP, "ProcletServer.Construct", req, &resp); err != nil {
			return nu.NilProcletID, err
		}
		if resp.Status != structs.StatusOK {
			return nu.NilProcletID, nu.ErrOutOfMemory
		}
		return id, nil
	}

	shardIdx, ok := r.mem.Allocate(uint64(id), capacity)
	if !ok {
		return nu.NilProcletID, nu.ErrOutOfMemory
	}
	hdr := proclet.NewHeader(id, capacity, r.cfg.SelfIP)
	hdr.Pinned = pinned
	hdr.MemShard = shardIdx
	if ctorID != "" {
		ctor, ok := r.host.Constructor(ctorID)
		if !ok {
			r.mem.Release(shardIdx, capacity)
			return nu.NilProcletID, fmt.Errorf("client: unknown constructor %q", ctorID)
		}
		if err := ctor(hdr.Slab, ctorArgs); err != nil {
			r.mem.Release(shardIdx, capacity)
			return nu.NilProcletID, err
		}
	}
	r.host.Install(hdr)
	return id, nil
}

// Invoke implements proclet.Invoker: fast path when target is resident on
// this node, slow path (through rpcclient) otherwise.
func (r *Runtime) Invoke(ctx context.Context, target nu.ProcletID, closureID string, args interface{}, resultPtr interface{}) error {
	argBytes, err := structs.Encode(args)
	if err != nil {
		return nu.ErrSerialization
	}

	if _, ok := r.host.Lookup(target); ok {
		result, status, err := r.host.Invoke(ctx, target, closureID, argBytes)
		if status != structs.StatusWrongClient {
			if err != nil {
				return err
			}
			return structs.Decode(result, resultPtr)
		}
		// Our own host table was stale (the proclet migrated away
		// concurrently); fall through to the slow path below.
	}

	resp, err := r.rpc.Call(ctx, target, closureID, argBytes)
	if err != nil {
		return err
	}
	switch resp.Status {
	case structs.StatusOK:
		return structs.Decode(resp.Result, resultPtr)
	case structs.StatusDestroyed:
		return nu.ErrDestroyedTarget
	case structs.StatusOutOfMemory:
		return nu.ErrOutOfMemory
	case structs.StatusException:
		if resp.Err != nil {
			return &nu.ClosureError{Kind: resp.Err.Kind, Message: resp.Err.Message}
		}
		return fmt.Errorf("client: remote exception with no detail")
	default:
		return fmt.Errorf("client: unexpected remote status %s", resp.Status)
	}
}

// RunAsync implements spec.md §4.4's run_async: it spawns a goroutine
// running the synchronous Invoke (the Go stand-in for "a fiber running
// the synchronous form") and immediately returns a Future the caller
// can Get or Ready-poll for the outcome. resultPtr is populated exactly
// as a direct Invoke call would populate it, but only becomes safe to
// read once the returned Future has resolved.
func (r *Runtime) RunAsync(ctx context.Context, target nu.ProcletID, closureID string, args interface{}, resultPtr interface{}) future.Future[error] {
	promise, fut := future.NewPromise[error]()
	go func() {
		promise.Set(r.Invoke(ctx, target, closureID, args, resultPtr))
	}()
	return fut
}

// RefcountDelta implements proclet.Invoker.
func (r *Runtime) RefcountDelta(ctx context.Context, target nu.ProcletID, delta int64, async bool) error {
	if hdr, ok := r.host.Lookup(target); ok {
		_, destroyed := hdr.AddRefCnt(delta)
		if destroyed {
			r.host.Remove(target)
			r.releaseCapacity(hdr)
			_ = r.ctl.DestroyProclet(ctx, target)
		}
		return nil
	}

	if async {
		go func() {
			_, _ = r.rpc.RefcountDelta(context.Background(), target, delta)
		}()
		return nil
	}
	resp, err := r.rpc.RefcountDelta(ctx, target, delta)
	if err != nil {
		return err
	}
	if resp.Status == structs.StatusDestroyed {
		return nu.ErrDestroyedTarget
	}
	return nil
}

// Destroy implements proclet.Invoker.
func (r *Runtime) Destroy(ctx context.Context, target nu.ProcletID) error {
	if hdr, ok := r.host.Lookup(target); ok {
		r.host.Remove(target)
		r.releaseCapacity(hdr)
		return r.ctl.DestroyProclet(ctx, target)
	}
	return r.rpc.Destroy(ctx, target)
}

// releaseCapacity credits a departing local proclet's capacity back to
// whichever accounting the original allocation used: the shard it was
// carved from if it went through MakeProclet's local path, or the
// node-wide budget directly if it arrived via migration-in or a remote
// Construct (both build a Header with MemShard left at the -1 that
// NewHeader sets).
func (r *Runtime) releaseCapacity(hdr *proclet.Header) {
	if hdr.MemShard >= 0 {
		r.mem.Release(hdr.MemShard, hdr.Capacity)
		return
	}
	r.mem.ReleaseBudget(hdr.Capacity)
}

// Drain issues an operator-triggered migration for id, tagged with a
// fresh opaque token (for audit/log correlation) using the same go-uuid
// minting the controller uses for its own migration guards.
func (r *Runtime) Drain(ctx context.Context, id nu.ProcletID) error {
	token, err := uuid.GenerateUUID()
	if err != nil {
		return fmt.Errorf("client: mint drain token: %w", err)
	}
	r.log.Info("operator-triggered drain", "proclet", id, "token", token)
	return r.mig.Migrate(ctx, id)
}
