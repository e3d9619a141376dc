package client

import (
	"context"
	"net"
	"testing"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/hashicorp/nu"
	"github.com/hashicorp/nu/client/procletserver"
	"github.com/hashicorp/nu/controller"
	"github.com/hashicorp/nu/proclet"
	"github.com/hashicorp/nu/sched"
	"github.com/hashicorp/nu/structs"
)

func startTestController(t *testing.T) structs.NodeIP {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctl := controller.New(hclog.NewNullLogger())
	go ctl.Serve(ln)
	t.Cleanup(func() { ln.Close() })
	return structs.NodeIP(ln.Addr().String())
}

func newTestRuntime(t *testing.T, selfIP, controllerIP structs.NodeIP, reg *procletserver.Registry) *Runtime {
	t.Helper()
	cfg := DefaultConfig()
	cfg.SelfIP = selfIP
	cfg.ControllerIP = controllerIP
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.NumKthreads = 1

	rt, err := New(cfg, reg, hclog.NewNullLogger())
	require.NoError(t, err)
	return rt
}

func TestMakeProcletLocalFastPath(t *testing.T) {
	ctlIP := startTestController(t)
	selfIP := structs.NodeIP("10.0.0.1:7070")

	reg := procletserver.NewRegistry()
	reg.RegisterConstructor("greeter", func(slab *proclet.Slab, args []byte) error {
		_, ok := slab.Allocate(8, "hello")
		if !ok {
			return nu.ErrOutOfMemory
		}
		return nil
	})

	rt := newTestRuntime(t, selfIP, ctlIP, reg)

	// MakeProclet always passes cfg.SelfIP as the allocation hint, so the
	// controller lands it locally without needing a registered node.
	id, err := rt.MakeProclet(context.Background(), 64, "greeter", nil, false)
	require.NoError(t, err)
	require.NotEqual(t, nu.NilProcletID, id)

	_, ok := rt.host.Lookup(id)
	require.True(t, ok)
}

func TestInvokeDispatchesLocalClosure(t *testing.T) {
	ctlIP := startTestController(t)
	selfIP := structs.NodeIP("10.0.0.1:7070")

	reg := procletserver.NewRegistry()
	rt := newTestRuntime(t, selfIP, ctlIP, reg)

	reg.RegisterClosure("echo", func(ctx context.Context, tok sched.Token, slab *proclet.Slab, args []byte) ([]byte, error) {
		return args, nil
	})

	id, err := rt.MakeProclet(context.Background(), 64, "", nil, false)
	require.NoError(t, err)

	var out string
	err = rt.Invoke(context.Background(), id, "echo", "hello", &out)
	require.NoError(t, err)
	require.Equal(t, "hello", out)
}

func TestRefcountDeltaDestroysLocalProclet(t *testing.T) {
	ctlIP := startTestController(t)
	selfIP := structs.NodeIP("10.0.0.1:7070")

	reg := procletserver.NewRegistry()
	rt := newTestRuntime(t, selfIP, ctlIP, reg)

	id, err := rt.MakeProclet(context.Background(), 64, "", nil, false)
	require.NoError(t, err)

	err = rt.RefcountDelta(context.Background(), id, -1, false)
	require.NoError(t, err)

	_, ok := rt.host.Lookup(id)
	require.False(t, ok)
}

func TestDestroyRemovesLocalProclet(t *testing.T) {
	ctlIP := startTestController(t)
	selfIP := structs.NodeIP("10.0.0.1:7070")

	reg := procletserver.NewRegistry()
	rt := newTestRuntime(t, selfIP, ctlIP, reg)

	id, err := rt.MakeProclet(context.Background(), 64, "", nil, false)
	require.NoError(t, err)

	require.NoError(t, rt.Destroy(context.Background(), id))
	_, ok := rt.host.Lookup(id)
	require.False(t, ok)
}
