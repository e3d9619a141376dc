// Package rpcclient is the slow-path transport: resolving a proclet id to
// its hosting node's IP and issuing the call over RPC, with automatic
// recovery from a stale cache entry (spec.md §4.4 "wrong client").
package rpcclient

import (
	"context"
	"fmt"
	"sync/atomic"

	iradix "github.com/hashicorp/go-immutable-radix/v2"
	hclog "github.com/hashicorp/go-hclog"

	"github.com/hashicorp/nu"
	"github.com/hashicorp/nu/controller"
	"github.com/hashicorp/nu/rpcpool"
	"github.com/hashicorp/nu/structs"
)

// Resolver is the subset of controller.Client used to re-resolve a stale
// id->ip cache entry.
type Resolver interface {
	ResolveProclet(ctx context.Context, id nu.ProcletID) (structs.NodeIP, error)
}

// Client is the node-local slow path: an id->ip cache backed by an
// immutable radix tree swapped under an atomic.Pointer (lock-free reads,
// matching the read-skewed idiom spec.md §4.9 asks for at this site — see
// DESIGN.md), plus the connection pool used to actually place the call.
type Client struct {
	cache atomic.Pointer[iradix.Tree[structs.NodeIP]]
	pool  *rpcpool.Pool
	ctl   Resolver
	log   hclog.Logger
}

var _ Resolver = (*controller.Client)(nil)

// New constructs an rpcclient.Client using pool for transport and ctl to
// resolve/re-resolve proclet locations.
func New(pool *rpcpool.Pool, ctl Resolver, log hclog.Logger) *Client {
	c := &Client{pool: pool, ctl: ctl, log: log.Named("rpcclient")}
	c.cache.Store(iradix.New[structs.NodeIP]())
	return c
}

func idKey(id nu.ProcletID) []byte {
	k := make([]byte, 8)
	v := uint64(id)
	for i := 7; i >= 0; i-- {
		k[i] = byte(v)
		v >>= 8
	}
	return k
}

// Locate resolves id to a hosting IP, consulting the local cache first
// and falling back to the controller on a miss. The result is cached for
// subsequent lookups.
func (c *Client) Locate(ctx context.Context, id nu.ProcletID) (structs.NodeIP, error) {
	if ip, ok := c.cache.Load().Get(idKey(id)); ok {
		return ip, nil
	}
	return c.refresh(ctx, id)
}

func (c *Client) refresh(ctx context.Context, id nu.ProcletID) (structs.NodeIP, error) {
	ip, err := c.ctl.ResolveProclet(ctx, id)
	if err != nil {
		return "", fmt.Errorf("rpcclient: resolve %s: %w", id, err)
	}
	for {
		old := c.cache.Load()
		updated, _, _ := old.Insert(idKey(id), ip)
		if c.cache.CompareAndSwap(old, updated) {
			break
		}
	}
	return ip, nil
}

// invalidate drops id's cache entry, forcing the next Locate to
// re-resolve through the controller.
func (c *Client) invalidate(id nu.ProcletID) {
	for {
		old := c.cache.Load()
		updated, _, ok := old.Delete(idKey(id))
		if !ok {
			return
		}
		if c.cache.CompareAndSwap(old, updated) {
			return
		}
	}
}

// Call performs a remote closure invocation against target, retrying once
// after re-resolving if the cached IP turns out to be stale (the
// destination replies StatusWrongClient because the proclet has since
// migrated away from it).
func (c *Client) Call(ctx context.Context, target nu.ProcletID, closureID string, args []byte) (*structs.ProcletCallResponse, error) {
	ip, err := c.Locate(ctx, target)
	if err != nil {
		return nil, err
	}

	resp, err := c.callOnce(ip, target, closureID, args)
	if err != nil {
		return nil, err
	}
	if resp.Status == structs.StatusWrongClient {
		c.invalidate(target)
		c.pool.Invalidate(ip)
		ip, err = c.refresh(ctx, target)
		if err != nil {
			return nil, err
		}
		resp, err = c.callOnce(ip, target, closureID, args)
		if err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func (c *Client) callOnce(ip structs.NodeIP, target nu.ProcletID, closureID string, args []byte) (*structs.ProcletCallResponse, error) {
	req := structs.ProcletCallRequest{Target: structs.ProcletID(target), ClosureID: closureID, Args: args}
	var resp structs.ProcletCallResponse
	if err := c.pool.RPC(ip, "ProcletServer.Call", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RefcountDelta issues a remote refcount adjustment against target.
func (c *Client) RefcountDelta(ctx context.Context, target nu.ProcletID, delta int64) (*structs.RefcountDeltaResponse, error) {
	ip, err := c.Locate(ctx, target)
	if err != nil {
		return nil, err
	}
	req := structs.RefcountDeltaRequest{ID: structs.ProcletID(target), Delta: delta}
	var resp structs.RefcountDeltaResponse
	if err := c.pool.RPC(ip, "ProcletServer.RefcountDelta", req, &resp); err != nil {
		return nil, err
	}
	if resp.Status == structs.StatusWrongClient {
		c.invalidate(target)
		c.pool.Invalidate(ip)
		ip, err = c.refresh(ctx, target)
		if err != nil {
			return nil, err
		}
		if err := c.pool.RPC(ip, "ProcletServer.RefcountDelta", req, &resp); err != nil {
			return nil, err
		}
	}
	return &resp, nil
}

// Destroy tells target's hosting node to tear it down.
func (c *Client) Destroy(ctx context.Context, target nu.ProcletID) error {
	ip, err := c.Locate(ctx, target)
	if err != nil {
		return err
	}
	var resp structs.DestroyResponse
	req := structs.DestroyRequest{ID: structs.ProcletID(target)}
	if err := c.pool.RPC(ip, "ProcletServer.Destroy", req, &resp); err != nil {
		return err
	}
	c.invalidate(target)
	return nil
}
