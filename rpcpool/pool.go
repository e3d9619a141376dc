// Package rpcpool provides the cluster wire-protocol transport: a
// connection pool that multiplexes many logical RPCs over one cached
// yamux session per destination, and the net/rpc ClientCodec
// that frames requests using the archive codec in package structs.
//
// It is the Go analogue of nomad's helper/pool.ConnPool, used exactly the
// way client/client.go uses it: one pool per node, RPC(ip, method, args,
// reply) picks up a cached connection or dials a fresh one.
package rpcpool

import (
	"fmt"
	"net"
	"net/rpc"
	"sync"
	"time"

	metrics "github.com/armon/go-metrics"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/yamux"

	"github.com/hashicorp/nu/structs"
)

// conn wraps a yamux session to a single destination along with the
// net/rpc client multiplexed over its first stream.
type conn struct {
	ip      structs.NodeIP
	session *yamux.Session
	client  *rpc.Client
	lastUse time.Time
}

func (c *conn) Close() {
	if c.client != nil {
		c.client.Close()
	}
	if c.session != nil {
		c.session.Close()
	}
}

// Pool caches one multiplexed connection per destination IP, evicting the
// least-recently-used entry once maxConns is exceeded, mirroring
// clientRPCCache/clientMaxStreams in client/client.go.
type Pool struct {
	dialTimeout time.Duration

	mu    sync.Mutex
	conns *lru.Cache[structs.NodeIP, *conn]
}

// NewPool constructs a connection pool bounded to maxConns cached
// destinations. Evicted connections are closed.
func NewPool(maxConns int, dialTimeout time.Duration) *Pool {
	p := &Pool{dialTimeout: dialTimeout}
	cache, err := lru.NewWithEvict(maxConns, func(_ structs.NodeIP, c *conn) {
		c.Close()
	})
	if err != nil {
		// maxConns <= 0 from a misconfigured caller; fall back to a
		// single-entry cache rather than panicking the runtime.
		cache, _ = lru.NewWithEvict[structs.NodeIP, *conn](1, func(_ structs.NodeIP, c *conn) { c.Close() })
	}
	p.conns = cache
	return p
}

// RPC issues method against the given destination, dialing and caching a
// new multiplexed connection on first use or after a prior connection
// failure invalidated the cache entry.
func (p *Pool) RPC(ip structs.NodeIP, method string, args, reply interface{}) error {
	c, err := p.acquire(ip)
	if err != nil {
		metrics.IncrCounter([]string{"nu", "rpcpool", "dial_error"}, 1)
		return err
	}

	if err := c.client.Call(method, args, reply); err != nil {
		// Treat any transport-level failure as connection poisoning: drop
		// the cached entry so the next call redials.
		p.invalidate(ip)
		metrics.IncrCounter([]string{"nu", "rpcpool", "call_error"}, 1)
		return err
	}
	metrics.IncrCounter([]string{"nu", "rpcpool", "call"}, 1)
	return nil
}

// Invalidate drops any cached connection to ip, forcing the next RPC to
// redial. Called by the rpcclient layer on a wrong-client reply.
func (p *Pool) Invalidate(ip structs.NodeIP) {
	p.invalidate(ip)
}

func (p *Pool) invalidate(ip structs.NodeIP) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns.Remove(ip)
}

func (p *Pool) acquire(ip structs.NodeIP) (*conn, error) {
	p.mu.Lock()
	if c, ok := p.conns.Get(ip); ok {
		p.mu.Unlock()
		c.lastUse = time.Now()
		return c, nil
	}
	p.mu.Unlock()

	c, err := p.dial(ip)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.conns.Get(ip); ok {
		// Lost the race with a concurrent dialer; keep the existing
		// connection and close the one we just built.
		c.Close()
		return existing, nil
	}
	p.conns.Add(ip, c)
	return c, nil
}

// Shutdown closes every cached connection. Analogous to
// client.Client.Shutdown's c.connPool.Shutdown() call.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ip := range p.conns.Keys() {
		if c, ok := p.conns.Peek(ip); ok {
			c.Close()
		}
	}
	p.conns.Purge()
}

func (p *Pool) dial(ip structs.NodeIP) (*conn, error) {
	nc, err := net.DialTimeout("tcp", string(ip), p.dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("rpcpool: dial %s: %w", ip, err)
	}
	if tcp, ok := nc.(*net.TCPConn); ok {
		tcp.SetKeepAlive(true)
		tcp.SetNoDelay(true)
	}

	yamuxCfg := yamux.DefaultConfig()
	session, err := yamux.Client(nc, yamuxCfg)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("rpcpool: yamux client %s: %w", ip, err)
	}

	stream, err := session.Open()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("rpcpool: open stream %s: %w", ip, err)
	}

	client := rpc.NewClientWithCodec(NewClientCodec(stream))
	return &conn{ip: ip, session: session, client: client, lastUse: time.Now()}, nil
}
