// Package agent wires a node's on-disk HCL configuration into a running
// client.Runtime, the same load-then-construct shape the teacher's own
// command/agent package uses for a Nomad client process.
package agent

import (
	"context"
	"os"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/hashicorp/hcl"
	"github.com/pkg/errors"

	"github.com/hashicorp/nu/client"
	nuconfig "github.com/hashicorp/nu/client/config"
	"github.com/hashicorp/nu/client/procletserver"
)

// Agent owns one node's runtime for the lifetime of the process.
type Agent struct {
	log hclog.Logger
	rt  *client.Runtime
}

// LoadConfigFile reads and decodes an HCL configuration file into a
// validated client/config.Config.
func LoadConfigFile(path string) (*nuconfig.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "error reading config %s", path)
	}

	var raw nuconfig.RawConfig
	if err := hcl.Decode(&raw, string(data)); err != nil {
		return nil, errors.Wrapf(err, "error parsing config %s", path)
	}

	cfg, err := nuconfig.Parse(&raw)
	if err != nil {
		return nil, errors.Wrapf(err, "error validating config %s", path)
	}
	return cfg, nil
}

// New constructs an Agent from a validated configuration and an
// application-supplied closure/constructor registry. reg is populated by
// the embedding application's own init before New is called — the
// runtime itself has no notion of what proclet types exist, only how to
// host whichever ones get registered.
func New(cfg *nuconfig.Config, reg *procletserver.Registry, log hclog.Logger) (*Agent, error) {
	rtCfg := &client.Config{
		SelfIP:        cfg.SelfIP,
		ControllerIP:  cfg.ControllerIP,
		ListenAddr:    cfg.ListenAddr,
		MemoryBudget:  cfg.MemoryBudget,
		MaxPoolConns:  cfg.MaxPoolConns,
		DialTimeout:   cfg.DialTimeout,
		NumKthreads:   cfg.NumKthreads,
		PressureCfg:   cfg.Pressure,
		HeartbeatEvry: cfg.HeartbeatEvery,
		MemProbeEvry:  cfg.MemProbeEvery,
	}

	rt, err := client.New(rtCfg, reg, log)
	if err != nil {
		return nil, errors.Wrap(err, "error constructing runtime")
	}
	return &Agent{log: log.Named("agent"), rt: rt}, nil
}

// Runtime exposes the underlying client.Runtime for application code that
// needs to construct handles against it.
func (a *Agent) Runtime() *client.Runtime { return a.rt }

// Run blocks serving the node's RPC endpoint and background loops until
// ctx is canceled.
func (a *Agent) Run(ctx context.Context) error {
	a.log.Info("starting node runtime")
	return a.rt.Serve(ctx)
}
