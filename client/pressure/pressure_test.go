package pressure

import (
	"context"
	"sync"
	"testing"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/hashicorp/nu"
	"github.com/hashicorp/nu/proclet"
)

type fakeSource struct {
	free, total uint64
	cpu         float64
}

func (f *fakeSource) FreeBytes() uint64  { return f.free }
func (f *fakeSource) TotalBytes() uint64 { return f.total }
func (f *fakeSource) CPULoad() float64   { return f.cpu }

type fakeLister struct {
	headers []*proclet.Header
}

func (f *fakeLister) All() []*proclet.Header { return f.headers }

type fakeMigrator struct {
	mu       sync.Mutex
	migrated []nu.ProcletID
	fail     bool
}

func (f *fakeMigrator) Migrate(ctx context.Context, id nu.ProcletID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return context.DeadlineExceeded
	}
	f.migrated = append(f.migrated, id)
	return nil
}

func testLogger() hclog.Logger {
	return hclog.NewNullLogger()
}

func TestTickDoesNothingUnderNoPressure(t *testing.T) {
	src := &fakeSource{free: 900, total: 1000, cpu: 0.1}
	mig := &fakeMigrator{}
	list := &fakeLister{}

	h := New(DefaultConfig(), src, mig, list, testLogger())
	h.tick(context.Background())

	require.Empty(t, mig.migrated)
}

func TestTickMigratesUnderMemoryPressure(t *testing.T) {
	hdr := proclet.NewHeader(nu.ProcletID(1), 1024, "10.0.0.1:7070")
	hdr.Slab.Allocate(100, "payload")

	src := &fakeSource{free: 10, total: 1000, cpu: 0.1} // 1% free < 10% watermark
	mig := &fakeMigrator{}
	list := &fakeLister{headers: []*proclet.Header{hdr}}

	h := New(DefaultConfig(), src, mig, list, testLogger())
	h.tick(context.Background())

	require.Equal(t, []nu.ProcletID{1}, mig.migrated)
}

func TestTickSkipsPinnedProclets(t *testing.T) {
	hdr := proclet.NewHeader(nu.ProcletID(1), 1024, "10.0.0.1:7070")
	hdr.Pinned = true

	src := &fakeSource{free: 10, total: 1000, cpu: 0.1}
	mig := &fakeMigrator{}
	list := &fakeLister{headers: []*proclet.Header{hdr}}

	h := New(DefaultConfig(), src, mig, list, testLogger())
	h.tick(context.Background())

	require.Empty(t, mig.migrated)
}

func TestSelectVictimBreaksTiesByProcletIDAscending(t *testing.T) {
	a := proclet.NewHeader(nu.ProcletID(5), 1024, "10.0.0.1:7070")
	b := proclet.NewHeader(nu.ProcletID(2), 1024, "10.0.0.1:7070")
	a.Slab.Allocate(50, "x")
	b.Slab.Allocate(50, "y")

	list := &fakeLister{headers: []*proclet.Header{a, b}}
	h := New(DefaultConfig(), &fakeSource{}, &fakeMigrator{}, list, testLogger())

	victim, ok := h.selectVictim(true)
	require.True(t, ok)
	require.Equal(t, nu.ProcletID(2), victim)
}

func TestSelectVictimByCPUPrefersHighestMonitorCycles(t *testing.T) {
	a := proclet.NewHeader(nu.ProcletID(1), 1024, "10.0.0.1:7070")
	b := proclet.NewHeader(nu.ProcletID(2), 1024, "10.0.0.1:7070")
	b.AddMonitorCycles(100 * time.Millisecond)

	list := &fakeLister{headers: []*proclet.Header{a, b}}
	h := New(DefaultConfig(), &fakeSource{}, &fakeMigrator{}, list, testLogger())

	victim, ok := h.selectVictim(false)
	require.True(t, ok)
	require.Equal(t, nu.ProcletID(2), victim)
}

func TestSelectVictimNoEligibleCandidates(t *testing.T) {
	list := &fakeLister{}
	h := New(DefaultConfig(), &fakeSource{}, &fakeMigrator{}, list, testLogger())

	_, ok := h.selectVictim(true)
	require.False(t, ok)
}
