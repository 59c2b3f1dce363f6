package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"ridehail/internal/domain"
	"ridehail/internal/shared/apperrors"
	"ridehail/internal/shared/util"
	"ridehail/internal/store"
)

type fakeRideStore struct {
	rides      map[string]*domain.Ride
	acceptErr  error
	rejections []domain.RejectionRecord
}

func newFakeRideStore() *fakeRideStore {
	return &fakeRideStore{rides: map[string]*domain.Ride{}}
}

func (f *fakeRideStore) CreateRide(ctx context.Context, r *domain.Ride) error {
	f.rides[r.RaidID] = r
	return nil
}
func (f *fakeRideStore) GetRide(ctx context.Context, raidID string) (*domain.Ride, error) {
	r, ok := f.rides[raidID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return r, nil
}
func (f *fakeRideStore) Accept(ctx context.Context, raidID, driverID string) (*domain.Ride, error) {
	if f.acceptErr != nil {
		return nil, f.acceptErr
	}
	r, ok := f.rides[raidID]
	if !ok {
		return nil, store.ErrNotFound
	}
	r.DriverRef = driverID
	r.Status = domain.RideAccepted
	return r, nil
}
func (f *fakeRideStore) AppendRejection(ctx context.Context, raidID string, rec domain.RejectionRecord) error {
	f.rejections = append(f.rejections, rec)
	return nil
}
func (f *fakeRideStore) Transition(ctx context.Context, raidID string, from, to domain.RideStatus, mutate func(r *domain.Ride)) (*domain.Ride, error) {
	r, ok := f.rides[raidID]
	if !ok {
		return nil, store.ErrNotFound
	}
	mutate(r)
	r.Status = to
	return r, nil
}

type fakeDriverStore struct {
	drivers []*domain.Driver
}

func (f *fakeDriverStore) GetDriver(ctx context.Context, driverID string) (*domain.Driver, error) {
	return nil, store.ErrNotFound
}
func (f *fakeDriverStore) GetDriverByInternalID(ctx context.Context, internalID string) (*domain.Driver, error) {
	return nil, store.ErrNotFound
}
func (f *fakeDriverStore) GetDriverByPhone(ctx context.Context, phone string) (*domain.Driver, error) {
	return nil, store.ErrNotFound
}
func (f *fakeDriverStore) CreateDriver(ctx context.Context, d *domain.Driver) error { return nil }
func (f *fakeDriverStore) UpdateDriverStatus(ctx context.Context, driverID string, status domain.DriverStatus) error {
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
	return f.drivers, nil
}
func (f *fakeDriverStore) ListTimerActiveDrivers(ctx context.Context) ([]*domain.Driver, error) {
	return nil, nil
}

type fakeAllocator struct{ n int }

func (a *fakeAllocator) Allocate(ctx context.Context) string {
	a.n++
	return "RID00000" + string(rune('0'+a.n))
}

type fakePricer struct{ fare int }

func (p *fakePricer) CalculateFare(vehicleType domain.VehicleType, km float64) int { return p.fare }

type fakeGateway struct {
	broadcasts   int
	accepted     int
	alreadySents int
	rejections   int
}

func (g *fakeGateway) BroadcastNewRideRequest(vehicleType domain.VehicleType, ride *domain.Ride) {
	g.broadcasts++
}
func (g *fakeGateway) EmitRideAccepted(userRef string, ride *domain.Ride) { g.accepted++ }
func (g *fakeGateway) BroadcastRideAlreadyAccepted(vehicleType domain.VehicleType, excludeDriverID string, raidID string) {
	g.alreadySents++
}
func (g *fakeGateway) EmitDriverRejectedRide(userRef, driverID, reason string) { g.rejections++ }

type fakePusher struct{}

func (fakePusher) Send(ctx context.Context, pushToken, title, body string, data map[string]string) error {
	return nil
}

func newTestEngine() (*Engine, *fakeRideStore, *fakeGateway) {
	rides := newFakeRideStore()
	gw := &fakeGateway{}
	e := NewEngine(rides, &fakeDriverStore{}, &fakeAllocator{}, &fakePricer{fare: 120}, gw, fakePusher{}, util.New(), 5)
	return e, rides, gw
}

func TestBookRideRejectsMissingFields(t *testing.T) {
	e, _, _ := newTestEngine()
	_, err := e.BookRide(context.Background(), BookRideInput{})
	if err == nil {
		t.Fatal("expected an error for a missing userRef/vehicleType")
	}
}

func TestBookRideRejectsInvalidVehicleType(t *testing.T) {
	e, _, _ := newTestEngine()
	_, err := e.BookRide(context.Background(), BookRideInput{
		UserRef: "u1", VehicleType: "helicopter", Pickup: domain.Address{Address: "somewhere"},
	})
	if err == nil {
		t.Fatal("expected an error for an invalid vehicle type")
	}
}

func TestBookRideSucceedsAndFansOut(t *testing.T) {
	e, rides, gw := newTestEngine()
	res, err := e.BookRide(context.Background(), BookRideInput{
		UserRef: "u1", CustomerID: "CUST12345", VehicleType: "Bike",
		Pickup: domain.Address{Address: "somewhere"}, DistanceKm: 3,
	})
	if err != nil {
		t.Fatalf("BookRide: %v", err)
	}
	if res.Fare != 120 {
		t.Fatalf("expected fare 120, got %d", res.Fare)
	}
	if res.OTP != "2345" {
		t.Fatalf("expected OTP derived from last 4 of customer id, got %s", res.OTP)
	}
	if res.VehicleType != domain.VehicleBike {
		t.Fatalf("expected normalized vehicle type bike, got %s", res.VehicleType)
	}
	if _, ok := rides.rides[res.RaidID]; !ok {
		t.Fatal("expected the ride to be persisted")
	}
	if gw.broadcasts != 1 {
		t.Fatalf("expected exactly one newRideRequest broadcast, got %d", gw.broadcasts)
	}
}

func TestBookRideDedupSuppressesSecondBroadcast(t *testing.T) {
	e, _, gw := newTestEngine()
	ride := &domain.Ride{RaidID: "RID000001", VehicleType: domain.VehicleBike}
	found, alreadySent := e.fanOut(context.Background(), ride)
	if alreadySent {
		t.Fatal("expected the first fan-out to not be marked alreadySent")
	}
	_ = found

	found2, alreadySent2 := e.fanOut(context.Background(), ride)
	if !alreadySent2 {
		t.Fatal("expected the second fan-out inside the dedup window to be suppressed")
	}
	if found2 != 0 {
		t.Fatalf("expected a suppressed fan-out to report 0 drivers found, got %d", found2)
	}
	if gw.broadcasts != 1 {
		t.Fatalf("expected only one broadcast across both calls, got %d", gw.broadcasts)
	}
}

func TestBookRideRetryWithSamePayloadReturnsSameRaidID(t *testing.T) {
	e, rides, gw := newTestEngine()
	in := BookRideInput{
		UserRef: "u1", CustomerID: "CUST12345", VehicleType: "bike",
		Pickup: domain.Address{Address: "somewhere"}, Drop: domain.Address{Address: "elsewhere"},
		DistanceKm: 3,
	}

	first, err := e.BookRide(context.Background(), in)
	if err != nil {
		t.Fatalf("first BookRide: %v", err)
	}
	if first.AlreadySent {
		t.Fatal("expected the first submission to not be marked alreadySent")
	}

	second, err := e.BookRide(context.Background(), in)
	if err != nil {
		t.Fatalf("second BookRide: %v", err)
	}
	if second.RaidID != first.RaidID {
		t.Fatalf("expected the retried bookRide to return the same raidId, got %s and %s", first.RaidID, second.RaidID)
	}
	if !second.AlreadySent {
		t.Fatal("expected the retried bookRide to be marked alreadySent")
	}
	if len(rides.rides) != 1 {
		t.Fatalf("expected only one ride to be persisted across both calls, got %d", len(rides.rides))
	}
	if gw.broadcasts != 1 {
		t.Fatalf("expected only one newRideRequest broadcast across both calls, got %d", gw.broadcasts)
	}
}

func TestAcceptRideMapsRideTakenToAppError(t *testing.T) {
	e, rides, _ := newTestEngine()
	rides.acceptErr = store.ErrRideTaken

	_, err := e.AcceptRide(context.Background(), "RID000001", "DRV001")
	if !errors.Is(err, apperrors.ErrRideTaken) {
		t.Fatalf("expected apperrors.ErrRideTaken, got %v", err)
	}
}

func TestAcceptRideNotifiesGateway(t *testing.T) {
	e, rides, gw := newTestEngine()
	rides.rides["RID000001"] = &domain.Ride{RaidID: "RID000001", VehicleType: domain.VehicleBike, PassengerRef: "u1"}

	ride, err := e.AcceptRide(context.Background(), "RID000001", "DRV001")
	if err != nil {
		t.Fatalf("AcceptRide: %v", err)
	}
	if ride.DriverRef != "DRV001" {
		t.Fatalf("expected ride to be assigned to DRV001, got %s", ride.DriverRef)
	}
	if gw.accepted != 1 || gw.alreadySents != 1 {
		t.Fatalf("expected exactly one accepted + one alreadySent broadcast, got %+v", gw)
	}
}

func TestSweepDedupEvictsOldEntries(t *testing.T) {
	e, _, _ := newTestEngine()
	e.dedup["RID1"] = dedupEntry{lastEmittedAt: time.Now().Add(-time.Hour)}
	e.dedup["RID2"] = dedupEntry{lastEmittedAt: time.Now()}

	e.SweepDedup(time.Minute)

	if _, ok := e.dedup["RID1"]; ok {
		t.Fatal("expected the stale entry to be evicted")
	}
	if _, ok := e.dedup["RID2"]; !ok {
		t.Fatal("expected the fresh entry to survive")
	}
}
