package rpcpool

import (
	"net"
	"net/rpc"
	"testing"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/hashicorp/nu/structs"
)

type Echo struct{}

func (Echo) Double(in string, out *string) error {
	*out = in + in
	return nil
}

func startEchoServer(t *testing.T) net.Addr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := rpc.NewServer()
	require.NoError(t, srv.RegisterName("Echo", Echo{}))

	go Serve(ln, srv, hclog.NewNullLogger())
	t.Cleanup(func() { ln.Close() })
	return ln.Addr()
}

func TestPoolRoundTrip(t *testing.T) {
	addr := startEchoServer(t)

	p := NewPool(4, time.Second)
	defer p.Shutdown()

	var out string
	err := p.RPC(nodeIPOf(addr), "Echo.Double", "ab", &out)
	require.NoError(t, err)
	require.Equal(t, "abab", out)
}

func TestPoolReusesCachedConnection(t *testing.T) {
	addr := startEchoServer(t)
	ip := nodeIPOf(addr)

	p := NewPool(4, time.Second)
	defer p.Shutdown()

	var out string
	require.NoError(t, p.RPC(ip, "Echo.Double", "x", &out))
	c1, err := p.acquire(ip)
	require.NoError(t, err)

	require.NoError(t, p.RPC(ip, "Echo.Double", "y", &out))
	c2, err := p.acquire(ip)
	require.NoError(t, err)

	require.Same(t, c1, c2)
}

func TestPoolInvalidateForcesRedial(t *testing.T) {
	addr := startEchoServer(t)
	ip := nodeIPOf(addr)

	p := NewPool(4, time.Second)
	defer p.Shutdown()

	var out string
	require.NoError(t, p.RPC(ip, "Echo.Double", "x", &out))
	c1, err := p.acquire(ip)
	require.NoError(t, err)

	p.Invalidate(ip)

	c2, err := p.acquire(ip)
	require.NoError(t, err)
	require.NotSame(t, c1, c2)
}

func nodeIPOf(addr net.Addr) structs.NodeIP {
	return structs.NodeIP(addr.String())
}
