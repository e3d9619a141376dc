package controller

import (
	"context"
	"time"

	multierror "github.com/hashicorp/go-multierror"

	"github.com/hashicorp/nu"
	"github.com/hashicorp/nu/rpcpool"
	"github.com/hashicorp/nu/structs"
)

// Client is the node-side handle to the cluster controller, grounded on
// the retry/dial shape of the teacher's Client.RPC method: every call
// goes through a shared rpcpool.Pool so repeated calls reuse one
// multiplexed yamux session per controller address.
type Client struct {
	pool *rpcpool.Pool
	addr structs.NodeIP
}

// NewClient constructs a controller client dialing addr lazily through
// pool.
func NewClient(pool *rpcpool.Pool, addr structs.NodeIP) *Client {
	return &Client{pool: pool, addr: addr}
}

// AllocateProclet reserves a fresh id and home node for a new proclet.
func (c *Client) AllocateProclet(ctx context.Context, capacity uint64, ipHint structs.NodeIP, pinned bool) (nu.ProcletID, structs.NodeIP, error) {
	req := structs.AllocateProcletRequest{Capacity: capacity, IPHint: ipHint, Pinned: pinned}
	var resp structs.AllocateProcletResponse
	if err := c.pool.RPC(c.addr, "Controller.AllocateProclet", req, &resp); err != nil {
		return nu.NilProcletID, "", err
	}
	return nu.ProcletID(resp.ID), resp.HomeIP, nil
}

// ResolveProclet looks up id's current host.
func (c *Client) ResolveProclet(ctx context.Context, id nu.ProcletID) (structs.NodeIP, error) {
	req := structs.ResolveProcletRequest{ID: structs.ProcletID(id)}
	var resp structs.ResolveProcletResponse
	if err := c.pool.RPC(c.addr, "Controller.ResolveProclet", req, &resp); err != nil {
		return "", err
	}
	return resp.IP, nil
}

// AcquireMigrationDest implements migrator.Destinator.
func (c *Client) AcquireMigrationDest(ctx context.Context, id nu.ProcletID, pinned bool, demand uint64) (string, structs.NodeIP, error) {
	req := structs.AcquireMigrationDestRequest{ID: structs.ProcletID(id), Pinned: pinned, ResourceDemand: demand}
	var resp structs.AcquireMigrationDestResponse
	if err := c.pool.RPC(c.addr, "Controller.AcquireMigrationDest", req, &resp); err != nil {
		return "", "", err
	}
	return resp.Guard, resp.IP, nil
}

// ReleaseMigrationDest implements migrator.Destinator.
func (c *Client) ReleaseMigrationDest(ctx context.Context, guard string) error {
	return c.pool.RPC(c.addr, "Controller.ReleaseMigrationDest", structs.ReleaseMigrationDestRequest{Guard: guard}, &struct{}{})
}

// UpdateLocation implements migrator.Destinator.
func (c *Client) UpdateLocation(ctx context.Context, id nu.ProcletID, newIP structs.NodeIP) error {
	req := structs.UpdateLocationRequest{ID: structs.ProcletID(id), NewIP: newIP}
	return c.pool.RPC(c.addr, "Controller.UpdateLocation", req, &struct{}{})
}

// DestroyProclet notifies the controller that id no longer exists
// anywhere in the cluster.
func (c *Client) DestroyProclet(ctx context.Context, id nu.ProcletID) error {
	return c.pool.RPC(c.addr, "Controller.DestroyProclet", structs.DestroyProcletRequest{ID: structs.ProcletID(id)}, &struct{}{})
}

// Heartbeat reports this node's free capacity, feeding the controller's
// migration-destination ranking.
func (c *Client) Heartbeat(ctx context.Context, self structs.NodeIP, freeBytes uint64, freeCores int) error {
	req := structs.NodeHeartbeat{IP: self, FreeBytes: freeBytes, FreeCores: freeCores}
	return c.pool.RPC(c.addr, "Controller.RegisterNode", req, &struct{}{})
}

// Stats fetches a cluster-wide snapshot, used by command-line tooling and
// tests.
func (c *Client) Stats(ctx context.Context) (structs.ControllerStatsResponse, error) {
	var resp structs.ControllerStatsResponse
	err := c.pool.RPC(c.addr, "Controller.Stats", struct{}{}, &resp)
	return resp, err
}

// RunHeartbeatLoop heartbeats every interval until ctx is done, collecting
// multiple consecutive failures into a single aggregate error channel
// write so a caller can alert without a tight retry loop; matches the
// teacher's steady-heartbeat goroutine shape in client/client.go.
func (c *Client) RunHeartbeatLoop(ctx context.Context, interval time.Duration, self structs.NodeIP, freeFn func() (uint64, int)) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		var errs *multierror.Error
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				if err := errs.ErrorOrNil(); err != nil {
					errCh <- err
				}
				close(errCh)
				return
			case <-ticker.C:
				freeBytes, freeCores := freeFn()
				if err := c.Heartbeat(ctx, self, freeBytes, freeCores); err != nil {
					errs = multierror.Append(errs, err)
				}
			}
		}
	}()
	return errCh
}
