package procletserver

import (
	"context"
	"testing"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/hashicorp/nu"
	"github.com/hashicorp/nu/client/mempool"
	"github.com/hashicorp/nu/proclet"
	"github.com/hashicorp/nu/sched"
	"github.com/hashicorp/nu/structs"
)

func newTestHost(t *testing.T) (*Host, *Registry) {
	t.Helper()
	reg := NewRegistry()
	sch := sched.New(1)
	mem := mempool.New(1 << 20)
	return NewHost(reg, sch, mem, hclog.NewNullLogger()), reg
}

func echoClosure(ctx context.Context, tok sched.Token, slab *proclet.Slab, args []byte) ([]byte, error) {
	out := make([]byte, len(args))
	copy(out, args)
	return out, nil
}

func TestInstallLookupRemove(t *testing.T) {
	h, _ := newTestHost(t)
	hdr := proclet.NewHeader(nu.ProcletID(1), 1024, "10.0.0.1:7070")

	h.Install(hdr)
	got, ok := h.Lookup(nu.ProcletID(1))
	require.True(t, ok)
	require.Same(t, hdr, got)

	require.Len(t, h.All(), 1)

	h.Remove(nu.ProcletID(1))
	_, ok = h.Lookup(nu.ProcletID(1))
	require.False(t, ok)
}

func TestInvokeRunsRegisteredClosure(t *testing.T) {
	h, reg := newTestHost(t)
	reg.RegisterClosure("echo", echoClosure)

	hdr := proclet.NewHeader(nu.ProcletID(1), 1024, "10.0.0.1:7070")
	h.Install(hdr)

	result, status, err := h.Invoke(context.Background(), nu.ProcletID(1), "echo", []byte("hi"))
	require.NoError(t, err)
	require.Equal(t, structs.StatusOK, status)
	require.Equal(t, []byte("hi"), result)
}

func TestInvokeUnknownProcletReturnsWrongClient(t *testing.T) {
	h, _ := newTestHost(t)
	_, status, err := h.Invoke(context.Background(), nu.ProcletID(99), "echo", nil)
	require.NoError(t, err)
	require.Equal(t, structs.StatusWrongClient, status)
}

func TestInvokeUnknownClosureReturnsException(t *testing.T) {
	h, _ := newTestHost(t)
	hdr := proclet.NewHeader(nu.ProcletID(1), 1024, "10.0.0.1:7070")
	h.Install(hdr)

	_, status, err := h.Invoke(context.Background(), nu.ProcletID(1), "missing", nil)
	require.Error(t, err)
	require.Equal(t, structs.StatusException, status)
}

func TestInvokeMigratingOutReturnsWrongClient(t *testing.T) {
	h, reg := newTestHost(t)
	reg.RegisterClosure("echo", echoClosure)

	hdr := proclet.NewHeader(nu.ProcletID(1), 1024, "10.0.0.1:7070")
	hdr.SetStatus(nu.StatusMigratingOut)
	h.Install(hdr)

	_, status, err := h.Invoke(context.Background(), nu.ProcletID(1), "echo", nil)
	require.NoError(t, err)
	require.Equal(t, structs.StatusWrongClient, status)
}

func TestConstructInstallsProclet(t *testing.T) {
	h, reg := newTestHost(t)
	reg.RegisterConstructor("greeter", func(slab *proclet.Slab, args []byte) error {
		_, ok := slab.Allocate(uint64(len(args)), string(args))
		if !ok {
			return context.DeadlineExceeded
		}
		return nil
	})

	rpc := h.AsRPC()
	req := structs.ConstructRequest{ID: structs.ProcletID(1), Capacity: 1024, Ctor: "greeter", Args: []byte("hello")}
	var resp structs.ConstructResponse
	require.NoError(t, rpc.Construct(req, &resp))
	require.Equal(t, structs.StatusOK, resp.Status)

	_, ok := h.Lookup(nu.ProcletID(1))
	require.True(t, ok)
}

func TestConstructUnknownCtorErrors(t *testing.T) {
	h, _ := newTestHost(t)
	rpc := h.AsRPC()

	req := structs.ConstructRequest{ID: structs.ProcletID(1), Capacity: 1024, Ctor: "missing", Args: nil}
	var resp structs.ConstructResponse
	require.Error(t, rpc.Construct(req, &resp))
}

func TestConstructIsIdempotentForIdenticalRetries(t *testing.T) {
	h, reg := newTestHost(t)
	calls := 0
	reg.RegisterConstructor("greeter", func(slab *proclet.Slab, args []byte) error {
		calls++
		slab.Allocate(uint64(len(args)), string(args))
		return nil
	})

	rpc := h.AsRPC()
	req := structs.ConstructRequest{ID: structs.ProcletID(1), Capacity: 1024, Ctor: "greeter", Args: []byte("hello")}

	var resp1, resp2 structs.ConstructResponse
	require.NoError(t, rpc.Construct(req, &resp1))
	require.NoError(t, rpc.Construct(req, &resp2))

	require.Equal(t, resp1, resp2)
	require.Equal(t, 1, calls) // second identical request served from cache, not re-constructed
}

func TestRefcountDeltaDestroysOnReachingZero(t *testing.T) {
	h, _ := newTestHost(t)
	hdr := proclet.NewHeader(nu.ProcletID(1), 1024, "10.0.0.1:7070")
	h.Install(hdr)

	rpc := h.AsRPC()
	var resp structs.RefcountDeltaResponse
	require.NoError(t, rpc.RefcountDelta(structs.RefcountDeltaRequest{ID: structs.ProcletID(1), Delta: -1}, &resp))
	require.Equal(t, structs.StatusOK, resp.Status)

	_, ok := h.Lookup(nu.ProcletID(1))
	require.False(t, ok)
}

func TestDestroyRemovesProclet(t *testing.T) {
	h, _ := newTestHost(t)
	hdr := proclet.NewHeader(nu.ProcletID(1), 1024, "10.0.0.1:7070")
	h.Install(hdr)

	rpc := h.AsRPC()
	var resp structs.DestroyResponse
	require.NoError(t, rpc.Destroy(structs.DestroyRequest{ID: structs.ProcletID(1)}, &resp))

	_, ok := h.Lookup(nu.ProcletID(1))
	require.False(t, ok)
}
