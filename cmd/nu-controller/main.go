// Command nu-controller runs the cluster's single controller process:
// proclet id allocation, id->ip resolution, and migration-destination
// selection (spec.md §4.2). Exactly one instance runs per cluster.
package main

import (
	"flag"
	"net"
	"os"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/hashicorp/nu/controller"
)

func main() {
	addr := flag.String("listen", ":7000", "address to listen on for node connections")
	logLevel := flag.String("log-level", "info", "log level")
	flag.Parse()

	log := hclog.New(&hclog.LoggerOptions{
		Name:  "nu-controller",
		Level: hclog.LevelFromString(*logLevel),
	})

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Error("failed to listen", "addr", *addr, "error", err)
		os.Exit(1)
	}
	log.Info("controller listening", "addr", *addr)

	ctl := controller.New(log)
	if err := ctl.Serve(ln); err != nil {
		log.Error("controller exited", "error", err)
		os.Exit(1)
	}
}
