// Package config is the internal, validated form of a node's HCL
// configuration: raw duration/byte-size strings parsed once at startup
// into the typed values the rest of the runtime consumes, the same
// two-stage shape the teacher used for its ArtifactConfig (parse from a
// string-field agent config, fail fast with a wrapped error naming the
// offending field).
package config

import (
	"fmt"
	"time"

	humanize "github.com/dustin/go-humanize"

	"github.com/hashicorp/nu/client/pressure"
	"github.com/hashicorp/nu/structs"
)

// RawConfig is the shape decoded directly out of HCL: every size/duration
// field is a string so the HCL decoder never has to understand
// time.Duration or byte suffixes itself.
type RawConfig struct {
	SelfIP       string `hcl:"self_ip"`
	ControllerIP string `hcl:"controller_ip"`
	ListenAddr   string `hcl:"listen_addr"`

	MemoryBudget string `hcl:"memory_budget"`
	MaxPoolConns int    `hcl:"max_pool_conns"`
	DialTimeout  string `hcl:"dial_timeout"`
	NumKthreads  int    `hcl:"num_kthreads"`

	HeartbeatEvery       string  `hcl:"heartbeat_every"`
	MemHighWatermark     float64 `hcl:"mem_high_watermark"`
	CPUHighWatermark     float64 `hcl:"cpu_high_watermark"`
	PressurePollInterval string  `hcl:"pressure_poll_interval"`
	MemProbeInterval     string  `hcl:"mem_probe_interval"`
}

// Config is the validated, typed configuration client.Config is built
// from.
type Config struct {
	SelfIP       structs.NodeIP
	ControllerIP structs.NodeIP
	ListenAddr   string

	MemoryBudget uint64
	MaxPoolConns int
	DialTimeout  time.Duration
	NumKthreads  int

	HeartbeatEvery time.Duration
	Pressure       pressure.Config
	MemProbeEvery  time.Duration
}

// Parse validates and converts a RawConfig decoded from HCL, matching the
// teacher's ArtifactConfigFromAgent shape: one time.ParseDuration or
// humanize.ParseBytes call per field, each error wrapped with the
// offending field's name.
func Parse(raw *RawConfig) (*Config, error) {
	if raw.SelfIP == "" {
		return nil, fmt.Errorf("config: self_ip is required")
	}
	if raw.ControllerIP == "" {
		return nil, fmt.Errorf("config: controller_ip is required")
	}

	memoryBudget, err := humanize.ParseBytes(defaultStr(raw.MemoryBudget, "1GB"))
	if err != nil {
		return nil, fmt.Errorf("config: error parsing memory_budget: %w", err)
	}

	dialTimeout, err := time.ParseDuration(defaultStr(raw.DialTimeout, "10s"))
	if err != nil {
		return nil, fmt.Errorf("config: error parsing dial_timeout: %w", err)
	}

	heartbeatEvery, err := time.ParseDuration(defaultStr(raw.HeartbeatEvery, "5s"))
	if err != nil {
		return nil, fmt.Errorf("config: error parsing heartbeat_every: %w", err)
	}

	pressurePoll, err := time.ParseDuration(defaultStr(raw.PressurePollInterval, "2s"))
	if err != nil {
		return nil, fmt.Errorf("config: error parsing pressure_poll_interval: %w", err)
	}

	memProbeEvery, err := time.ParseDuration(defaultStr(raw.MemProbeInterval, "500ms"))
	if err != nil {
		return nil, fmt.Errorf("config: error parsing mem_probe_interval: %w", err)
	}

	pcfg := pressure.DefaultConfig()
	pcfg.PollInterval = pressurePoll
	if raw.MemHighWatermark > 0 {
		pcfg.MemHighWatermark = raw.MemHighWatermark
	}
	if raw.CPUHighWatermark > 0 {
		pcfg.CPUHighWatermark = raw.CPUHighWatermark
	}

	maxConns := raw.MaxPoolConns
	if maxConns <= 0 {
		maxConns = 64
	}

	return &Config{
		SelfIP:         structs.NodeIP(raw.SelfIP),
		ControllerIP:   structs.NodeIP(raw.ControllerIP),
		ListenAddr:     defaultStr(raw.ListenAddr, ":7070"),
		MemoryBudget:   memoryBudget,
		MaxPoolConns:   maxConns,
		DialTimeout:    dialTimeout,
		NumKthreads:    raw.NumKthreads,
		HeartbeatEvery: heartbeatEvery,
		Pressure:       pcfg,
		MemProbeEvery:  memProbeEvery,
	}, nil
}

func defaultStr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
