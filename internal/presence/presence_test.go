package presence

import (
	"context"
	"testing"
	"time"

	"ridehail/internal/domain"
	"ridehail/internal/shared/models"
	"ridehail/internal/shared/util"
	"ridehail/internal/store"
)

type fakeDriverStore struct {
	drivers        map[string]*domain.Driver
	statusUpdates  []domain.DriverStatus
}

func newFakeDriverStore(d *domain.Driver) *fakeDriverStore {
	return &fakeDriverStore{drivers: map[string]*domain.Driver{d.DriverID: d}}
}

func (f *fakeDriverStore) GetDriver(ctx context.Context, driverID string) (*domain.Driver, error) {
	d, ok := f.drivers[driverID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return d, nil
}
func (f *fakeDriverStore) GetDriverByInternalID(ctx context.Context, internalID string) (*domain.Driver, error) {
	return nil, store.ErrNotFound
}
func (f *fakeDriverStore) GetDriverByPhone(ctx context.Context, phone string) (*domain.Driver, error) {
	return nil, store.ErrNotFound
}
func (f *fakeDriverStore) CreateDriver(ctx context.Context, d *domain.Driver) error { return nil }
func (f *fakeDriverStore) UpdateDriverStatus(ctx context.Context, driverID string, status domain.DriverStatus) error {
	f.statusUpdates = append(f.statusUpdates, status)
	if d, ok := f.drivers[driverID]; ok {
		d.Status = status
	}
	return nil
}
func (f *fakeDriverStore) UpdateDriverLocation(ctx context.Context, driverID string, loc domain.LatLng) error {
	return nil
}
func (f *fakeDriverStore) UpdateDriverPushToken(ctx context.Context, driverID, token string) error {
	return nil
}
func (f *fakeDriverStore) AdjustWallet(ctx context.Context, driverID string, fn func(d *domain.Driver) (*domain.Transaction, error)) (int, *domain.Transaction, error) {
	return 0, nil, store.ErrNotFound
}
func (f *fakeDriverStore) MutateDriverState(ctx context.Context, driverID string, fn func(d *domain.Driver) error) error {
	return store.ErrNotFound
}
func (f *fakeDriverStore) ListDriversByVehicleType(ctx context.Context, vehicleType domain.VehicleType, statuses []domain.DriverStatus) ([]*domain.Driver, error) {
	return nil, nil
}
func (f *fakeDriverStore) ListTimerActiveDrivers(ctx context.Context) ([]*domain.Driver, error) {
	return nil, nil
}

type fakeLocationStore struct {
	samples []*domain.LocationSample
}

func (f *fakeLocationStore) InsertSample(ctx context.Context, s *domain.LocationSample) error {
	f.samples = append(f.samples, s)
	return nil
}

type fakeFanout struct {
	joins      int
	broadcasts int
	batches    int
	forwards   int
	lastStatus domain.DriverStatus
}

func (f *fakeFanout) JoinVehicleRoom(driverID string, vehicleType domain.VehicleType, socketID string) {
	f.joins++
}
func (f *fakeFanout) BroadcastDriverLocation(driverID string, vehicleType domain.VehicleType, loc domain.LatLng, status domain.DriverStatus) {
	f.broadcasts++
	f.lastStatus = status
}
func (f *fakeFanout) BroadcastDriverLocations(entries []Entry) { f.batches++ }
func (f *fakeFanout) ForwardUserLocation(rideID, driverID string, userID string, loc domain.LatLng) {
	f.forwards++
}

func testSweepConfig() models.SweepConfig {
	return models.SweepConfig{
		OfflineAfterSeconds:    30,
		EvictAfterSeconds:      120,
		ActiveRideTTLSeconds:   600,
		UserLocationTTLSeconds: 300,
		SweepIntervalSeconds:   60,
	}
}

func TestRegisterDriverJoinsRoomAndBroadcasts(t *testing.T) {
	driver := &domain.Driver{DriverID: "DRV001", VehicleType: domain.VehicleBike}
	ds := newFakeDriverStore(driver)
	ls := &fakeLocationStore{}
	fanout := &fakeFanout{}
	r := NewRegistry(ds, ls, fanout, util.New(), testSweepConfig())

	if err := r.RegisterDriver(context.Background(), "DRV001", "sock1", domain.LatLng{Lat: 1, Lng: 2}); err != nil {
		t.Fatalf("RegisterDriver: %v", err)
	}
	if fanout.joins != 1 || fanout.broadcasts != 1 {
		t.Fatalf("expected one join and one broadcast, got %+v", fanout)
	}
	if len(ds.statusUpdates) != 1 || ds.statusUpdates[0] != domain.DriverLive {
		t.Fatalf("expected driver marked live, got %v", ds.statusUpdates)
	}
	if len(ls.samples) != 1 {
		t.Fatalf("expected one location sample persisted, got %d", len(ls.samples))
	}
}

func TestSetDriverLiveUpdatesKnownEntry(t *testing.T) {
	driver := &domain.Driver{DriverID: "DRV001", VehicleType: domain.VehicleBike}
	ds := newFakeDriverStore(driver)
	r := NewRegistry(ds, &fakeLocationStore{}, &fakeFanout{}, util.New(), testSweepConfig())
	_ = r.RegisterDriver(context.Background(), "DRV001", "sock1", domain.LatLng{})

	r.mu.Lock()
	r.drivers["DRV001"].Status = domain.DriverOnRide
	r.mu.Unlock()

	r.SetDriverLive("DRV001")

	r.mu.RLock()
	status := r.drivers["DRV001"].Status
	r.mu.RUnlock()
	if status != domain.DriverLive {
		t.Fatalf("expected driver status reset to live, got %s", status)
	}
}

func TestRemoveActiveRideEvictsEntry(t *testing.T) {
	r := NewRegistry(&fakeDriverStore{drivers: map[string]*domain.Driver{}}, &fakeLocationStore{}, &fakeFanout{}, util.New(), testSweepConfig())
	r.TouchActiveRide("RID1")
	r.RemoveActiveRide("RID1")

	r.activeMu.Lock()
	_, ok := r.active["RID1"]
	r.activeMu.Unlock()
	if ok {
		t.Fatal("expected the active ride entry to be removed")
	}
}

func TestUserLocationUpdateForwardsOnlyWithAssignedDriver(t *testing.T) {
	fanout := &fakeFanout{}
	r := NewRegistry(&fakeDriverStore{drivers: map[string]*domain.Driver{}}, &fakeLocationStore{}, fanout, util.New(), testSweepConfig())

	if err := r.UserLocationUpdate(context.Background(), "u1", "RID1", "", domain.LatLng{}); err != nil {
		t.Fatalf("UserLocationUpdate: %v", err)
	}
	if fanout.forwards != 0 {
		t.Fatalf("expected no forward without an assigned driver, got %d", fanout.forwards)
	}

	if err := r.UserLocationUpdate(context.Background(), "u1", "RID1", "DRV001", domain.LatLng{}); err != nil {
		t.Fatalf("UserLocationUpdate: %v", err)
	}
	if fanout.forwards != 1 {
		t.Fatalf("expected exactly one forward once a driver is assigned, got %d", fanout.forwards)
	}
}

func TestSweepOnceMarksStaleDriversOfflineThenEvicts(t *testing.T) {
	ds := &fakeDriverStore{drivers: map[string]*domain.Driver{}}
	r := NewRegistry(ds, &fakeLocationStore{}, &fakeFanout{}, util.New(), testSweepConfig())

	r.mu.Lock()
	r.drivers["DRV001"] = &Entry{DriverID: "DRV001", IsOnline: true, LastUpdate: time.Now().Add(-time.Hour)}
	r.mu.Unlock()

	r.sweepOnce(context.Background())

	r.mu.RLock()
	entry, ok := r.drivers["DRV001"]
	r.mu.RUnlock()
	if !ok {
		t.Fatal("expected the entry to still exist after only going offline")
	}
	if entry.IsOnline {
		t.Fatal("expected the stale entry to be marked offline")
	}
	if len(ds.statusUpdates) != 1 || ds.statusUpdates[0] != domain.DriverOffline {
		t.Fatalf("expected the store to be told the driver went offline, got %v", ds.statusUpdates)
	}

	r.mu.Lock()
	r.drivers["DRV001"].LastUpdate = time.Now().Add(-time.Hour)
	r.mu.Unlock()

	r.sweepOnce(context.Background())

	r.mu.RLock()
	_, stillThere := r.drivers["DRV001"]
	r.mu.RUnlock()
	if stillThere {
		t.Fatal("expected the long-offline entry to be evicted")
	}
}

func TestSweepOnceDelegatesToDedupSweeper(t *testing.T) {
	r := NewRegistry(&fakeDriverStore{drivers: map[string]*domain.Driver{}}, &fakeLocationStore{}, &fakeFanout{}, util.New(), testSweepConfig())
	d := &fakeDedupSweeper{}
	r.SetDedupSweeper(d)

	r.sweepOnce(context.Background())

	if d.calls != 1 {
		t.Fatalf("expected the sweeper to delegate exactly once, got %d", d.calls)
	}
}

type fakeDedupSweeper struct{ calls int }

func (f *fakeDedupSweeper) SweepDedup(olderThan time.Duration) { f.calls++ }
