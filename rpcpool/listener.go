package rpcpool

import (
	"io"
	"net"
	"net/rpc"

	metrics "github.com/armon/go-metrics"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/hashicorp/yamux"
)

// Serve accepts connections on ln, multiplexes each with yamux, and hands
// every resulting sub-stream to server.ServeCodec using the archive codec.
// It plays the role of nomad-rpc.go's rpcHandler.listen/handleMultiplex
// pair, minus the Raft/TLS/streaming byte-switch this system has no use
// for: every connection here carries exactly one protocol.
func Serve(ln net.Listener, server *rpc.Server, logger hclog.Logger) {
	logger = logger.Named("rpcpool")
	for {
		conn, err := ln.Accept()
		if err != nil {
			logger.Info("rpc listener closed", "error", err)
			return
		}
		go serveConn(conn, server, logger)
	}
}

func serveConn(conn net.Conn, server *rpc.Server, logger hclog.Logger) {
	defer conn.Close()

	cfg := yamux.DefaultConfig()
	session, err := yamux.Server(conn, cfg)
	if err != nil {
		logger.Error("yamux server setup failed", "error", err)
		return
	}
	defer session.Close()

	for {
		stream, err := session.Accept()
		if err != nil {
			if err != io.EOF {
				logger.Debug("session closed", "error", err)
			}
			return
		}
		metrics.IncrCounter([]string{"nu", "rpcpool", "accept_stream"}, 1)
		go server.ServeCodec(NewServerCodec(stream))
	}
}
