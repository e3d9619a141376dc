// Command nu-node runs one node's proclet runtime: it hosts resident
// proclets, serves the data-plane RPC endpoint, and runs the pressure and
// heartbeat loops (spec.md §4.4, §4.7).
//
// A real deployment registers its own proclet types (closures and
// constructors) before calling agent.New; this binary hosts the empty
// registry, useful as a bare migration/allocation target for integration
// tests and the perf harness in package perf.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/hashicorp/nu/client/procletserver"
	"github.com/hashicorp/nu/command/agent"
)

func main() {
	configPath := flag.String("config", "nu-node.hcl", "path to node configuration file")
	logLevel := flag.String("log-level", "info", "log level")
	flag.Parse()

	log := hclog.New(&hclog.LoggerOptions{
		Name:  "nu-node",
		Level: hclog.LevelFromString(*logLevel),
	})

	cfg, err := agent.LoadConfigFile(*configPath)
	if err != nil {
		log.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	reg := procletserver.NewRegistry()

	a, err := agent.New(cfg, reg, log)
	if err != nil {
		log.Error("failed to construct agent", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := a.Run(ctx); err != nil {
		log.Error("node runtime exited", "error", err)
		os.Exit(1)
	}
}
