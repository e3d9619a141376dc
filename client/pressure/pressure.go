// Package pressure implements the node-local signal loop of spec.md §4.7:
// watch memory and CPU headroom, and when either crosses a configured
// threshold, pick a victim proclet to migrate away and hand it to the
// migrator.
package pressure

import (
	"context"
	"sort"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/hashicorp/consul/lib"

	"github.com/hashicorp/nu"
	"github.com/hashicorp/nu/proclet"
)

// Source reports the node's current headroom. A real deployment backs
// this with /proc or a cgroup read; tests supply a fake.
type Source interface {
	FreeBytes() uint64
	TotalBytes() uint64
	CPULoad() float64 // 0..1, fraction of cores currently busy
}

// Migrator is the subset of migrator.Migrator's surface the pressure
// handler needs.
type Migrator interface {
	Migrate(ctx context.Context, id nu.ProcletID) error
}

// Lister yields every proclet currently resident, for victim ranking.
type Lister interface {
	All() []*proclet.Header
}

// Config tunes the thresholds and cadence of the handler.
type Config struct {
	// MemHighWatermark triggers eviction once free bytes fall below this
	// fraction of TotalBytes.
	MemHighWatermark float64
	// CPUHighWatermark triggers eviction once CPULoad exceeds this value.
	CPUHighWatermark float64
	// PollInterval is jittered by up to 25% (via consul/lib.RandomStagger)
	// on each tick so a cluster of otherwise-identical nodes does not
	// evaluate pressure in lockstep.
	PollInterval time.Duration
}

// DefaultConfig matches spec.md §4.7's suggested starting thresholds.
func DefaultConfig() Config {
	return Config{
		MemHighWatermark: 0.10,
		CPUHighWatermark: 0.90,
		PollInterval:     2 * time.Second,
	}
}

// Handler runs the poll loop and drives migrations when thresholds are
// crossed.
type Handler struct {
	cfg  Config
	src  Source
	mig  Migrator
	list Lister
	log  hclog.Logger
}

// New constructs a Handler.
func New(cfg Config, src Source, mig Migrator, list Lister, log hclog.Logger) *Handler {
	return &Handler{cfg: cfg, src: src, mig: mig, list: list, log: log.Named("pressure")}
}

// Run blocks polling until ctx is done.
func (h *Handler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(h.cfg.PollInterval + lib.RandomStagger(h.cfg.PollInterval/4)):
			h.tick(ctx)
		}
	}
}

func (h *Handler) tick(ctx context.Context) {
	free := h.src.FreeBytes()
	total := h.src.TotalBytes()
	memPressure := total > 0 && float64(free)/float64(total) < h.cfg.MemHighWatermark
	cpuPressure := h.src.CPULoad() > h.cfg.CPUHighWatermark

	if !memPressure && !cpuPressure {
		return
	}

	victim, ok := h.selectVictim(memPressure)
	if !ok {
		h.log.Warn("pressure detected but no eligible victim found", "mem", memPressure, "cpu", cpuPressure)
		return
	}

	h.log.Info("migrating proclet to relieve pressure", "proclet", victim, "mem", memPressure, "cpu", cpuPressure)
	if err := h.mig.Migrate(ctx, victim); err != nil {
		h.log.Error("migration failed", "proclet", victim, "error", err)
	}
}

// selectVictim ranks resident, unpinned proclets and returns the best
// candidate: under memory pressure, the largest slab (frees the most
// bytes fastest); under CPU pressure, the one with the highest recent
// monitor-cycle count (spec.md §4.10 "selects proclets by highest
// recent monitor cycles" — the busiest, and so the most likely to
// actually relieve load by leaving). Ties are broken by ProcletID
// ascending for determinism — spec.md leaves the tie-break unspecified;
// see DESIGN.md.
func (h *Handler) selectVictim(byMemory bool) (nu.ProcletID, bool) {
	headers := h.list.All()
	candidates := headers[:0:0]
	for _, hdr := range headers {
		if !hdr.Pinned {
			candidates = append(candidates, hdr)
		}
	}
	if len(candidates) == 0 {
		return nu.NilProcletID, false
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		var score func(*proclet.Header) uint64
		if byMemory {
			score = func(hd *proclet.Header) uint64 { return hd.Slab.Used() }
		} else {
			score = func(hd *proclet.Header) uint64 { return uint64(hd.MonitorCycles) }
		}
		sa, sb := score(a), score(b)
		if sa != sb {
			return sa > sb
		}
		return a.ID < b.ID
	})
	return candidates[0].ID, true
}
