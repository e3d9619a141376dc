package rpcclient

import (
	"context"
	"net"
	"net/rpc"
	"testing"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/hashicorp/nu"
	"github.com/hashicorp/nu/rpcpool"
	"github.com/hashicorp/nu/structs"
)

// fakeProcletServer stands in for client/procletserver.RPC, replying
// StatusWrongClient for every target in wrongFor so tests can exercise the
// stale-cache recovery path without a real migration.
type fakeProcletServer struct {
	wrongFor map[structs.ProcletID]bool
}

func (f *fakeProcletServer) Call(req structs.ProcletCallRequest, resp *structs.ProcletCallResponse) error {
	if f.wrongFor[req.Target] {
		resp.Status = structs.StatusWrongClient
		return nil
	}
	resp.Status = structs.StatusOK
	resp.Result = []byte("ok")
	return nil
}

func (f *fakeProcletServer) RefcountDelta(req structs.RefcountDeltaRequest, resp *structs.RefcountDeltaResponse) error {
	if f.wrongFor[req.ID] {
		resp.Status = structs.StatusWrongClient
		return nil
	}
	resp.Status = structs.StatusOK
	resp.Reached = 1
	return nil
}

func (f *fakeProcletServer) Destroy(req structs.DestroyRequest, resp *structs.DestroyResponse) error {
	resp.Status = structs.StatusOK
	return nil
}

func startFakeNode(t *testing.T, srv *fakeProcletServer) structs.NodeIP {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	rpcSrv := rpc.NewServer()
	require.NoError(t, rpcSrv.RegisterName("ProcletServer", srv))

	go rpcpool.Serve(ln, rpcSrv, hclog.NewNullLogger())
	t.Cleanup(func() { ln.Close() })
	return structs.NodeIP(ln.Addr().String())
}

type fakeResolver struct {
	ip  structs.NodeIP
	hit int
}

func (r *fakeResolver) ResolveProclet(ctx context.Context, id nu.ProcletID) (structs.NodeIP, error) {
	r.hit++
	return r.ip, nil
}

func TestLocateCachesAfterFirstResolve(t *testing.T) {
	resolver := &fakeResolver{ip: "10.0.0.1:7070"}
	c := New(rpcpool.NewPool(4, time.Second), resolver, hclog.NewNullLogger())

	ip, err := c.Locate(context.Background(), nu.ProcletID(1))
	require.NoError(t, err)
	require.Equal(t, structs.NodeIP("10.0.0.1:7070"), ip)
	require.Equal(t, 1, resolver.hit)

	_, err = c.Locate(context.Background(), nu.ProcletID(1))
	require.NoError(t, err)
	require.Equal(t, 1, resolver.hit) // second lookup served from cache
}

func TestCallSucceedsOnFreshCache(t *testing.T) {
	ip := startFakeNode(t, &fakeProcletServer{wrongFor: map[structs.ProcletID]bool{}})
	resolver := &fakeResolver{ip: ip}
	c := New(rpcpool.NewPool(4, time.Second), resolver, hclog.NewNullLogger())

	resp, err := c.Call(context.Background(), nu.ProcletID(1), "closure", []byte("args"))
	require.NoError(t, err)
	require.Equal(t, structs.StatusOK, resp.Status)
}

func TestCallRecoversFromWrongClient(t *testing.T) {
	stale := startFakeNode(t, &fakeProcletServer{wrongFor: map[structs.ProcletID]bool{1: true}})
	fresh := startFakeNode(t, &fakeProcletServer{wrongFor: map[structs.ProcletID]bool{}})

	resolver := &fakeResolver{ip: stale}
	c := New(rpcpool.NewPool(4, time.Second), resolver, hclog.NewNullLogger())

	// Prime the cache with the stale location, then repoint the resolver at
	// the real host before the retry inside Call re-resolves.
	_, err := c.Locate(context.Background(), nu.ProcletID(1))
	require.NoError(t, err)
	resolver.ip = fresh

	resp, err := c.Call(context.Background(), nu.ProcletID(1), "closure", []byte("args"))
	require.NoError(t, err)
	require.Equal(t, structs.StatusOK, resp.Status)
	require.Equal(t, 2, resolver.hit) // initial resolve + re-resolve after wrong-client
}

func TestDestroyInvalidatesCache(t *testing.T) {
	ip := startFakeNode(t, &fakeProcletServer{wrongFor: map[structs.ProcletID]bool{}})
	resolver := &fakeResolver{ip: ip}
	c := New(rpcpool.NewPool(4, time.Second), resolver, hclog.NewNullLogger())

	require.NoError(t, c.Destroy(context.Background(), nu.ProcletID(1)))
	require.Equal(t, 1, resolver.hit)

	_, err := c.Locate(context.Background(), nu.ProcletID(1))
	require.NoError(t, err)
	require.Equal(t, 2, resolver.hit) // cache was invalidated by Destroy, forced re-resolve
}
