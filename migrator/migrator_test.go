package migrator

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hashicorp/nu"
	"github.com/hashicorp/nu/proclet"
	"github.com/hashicorp/nu/sched"
	"github.com/hashicorp/nu/structs"
)

type fakeRegistry struct {
	mu    sync.Mutex
	store map[nu.ProcletID]*proclet.Header
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{store: make(map[nu.ProcletID]*proclet.Header)}
}

func (r *fakeRegistry) Lookup(id nu.ProcletID) (*proclet.Header, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.store[id]
	return h, ok
}

func (r *fakeRegistry) Remove(id nu.ProcletID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.store, id)
}

type fakeDestinator struct {
	destIP      structs.NodeIP
	released    bool
	committedTo structs.NodeIP
}

func (f *fakeDestinator) AcquireMigrationDest(ctx context.Context, id nu.ProcletID, pinned bool, demand uint64) (string, structs.NodeIP, error) {
	return "guard-1", f.destIP, nil
}

func (f *fakeDestinator) ReleaseMigrationDest(ctx context.Context, guard string) error {
	f.released = true
	return nil
}

func (f *fakeDestinator) UpdateLocation(ctx context.Context, id nu.ProcletID, newIP structs.NodeIP) error {
	f.committedTo = newIP
	return nil
}

type fakeShipper struct {
	shipped *structs.MigrationEnvelope
	fail    bool
}

func (f *fakeShipper) ShipMigration(ctx context.Context, ip structs.NodeIP, env *structs.MigrationEnvelope) error {
	if f.fail {
		return context.DeadlineExceeded
	}
	f.shipped = env
	return nil
}

func TestMigrateHappyPath(t *testing.T) {
	reg := newFakeRegistry()
	id := nu.ProcletID(1)
	hdr := proclet.NewHeader(id, 1024, "10.0.0.1:7070")
	hdr.Slab.Allocate(8, "payload")
	reg.store[id] = hdr

	dest := &fakeDestinator{destIP: "10.0.0.2:7070"}
	ship := &fakeShipper{}
	sch := sched.New(1)

	m := New(sch, reg, dest, ship, "10.0.0.1:7070")
	err := m.Migrate(context.Background(), id)
	require.NoError(t, err)

	require.Equal(t, structs.NodeIP("10.0.0.2:7070"), dest.committedTo)
	require.NotNil(t, ship.shipped)
	require.False(t, dest.released) // committed, so the guard is consumed, not released

	_, stillHosted := reg.Lookup(id)
	require.False(t, stillHosted)
}

func TestMigratePinnedRejected(t *testing.T) {
	reg := newFakeRegistry()
	id := nu.ProcletID(2)
	hdr := proclet.NewHeader(id, 1024, "10.0.0.1:7070")
	hdr.Pinned = true
	reg.store[id] = hdr

	m := New(sched.New(1), reg, &fakeDestinator{}, &fakeShipper{}, "10.0.0.1:7070")
	err := m.Migrate(context.Background(), id)
	require.ErrorIs(t, err, nu.ErrPinned)
}

func TestMigrateShipFailureReleasesGuardAndResumes(t *testing.T) {
	reg := newFakeRegistry()
	id := nu.ProcletID(3)
	hdr := proclet.NewHeader(id, 1024, "10.0.0.1:7070")
	reg.store[id] = hdr

	dest := &fakeDestinator{destIP: "10.0.0.2:7070"}
	ship := &fakeShipper{fail: true}

	m := New(sched.New(1), reg, dest, ship, "10.0.0.1:7070")
	err := m.Migrate(context.Background(), id)
	require.Error(t, err)
	require.True(t, dest.released)

	_, stillHosted := reg.Lookup(id)
	require.True(t, stillHosted)
	require.Equal(t, nu.StatusPresent, hdr.GetStatus())
}
