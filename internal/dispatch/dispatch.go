// Package dispatch implements the Dispatch Engine (§4.4):
// vehicle-type-filtered fan-out, deduplication, and acceptance
// arbitration. Where the teacher's matching consumer offered rides to
// drivers sequentially over a broker round-trip, this fan-out is
// synchronous and broadcasts to the whole vehicle-type room at once —
// the core is a single process, so there is no cross-service RPC hop
// to hide latency behind.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ridehail/internal/domain"
	"ridehail/internal/shared/apperrors"
	"ridehail/internal/shared/util"
	"ridehail/internal/store"
)

// Gateway is implemented by the realtime gateway.
type Gateway interface {
	BroadcastNewRideRequest(vehicleType domain.VehicleType, ride *domain.Ride)
	EmitRideAccepted(userRef string, ride *domain.Ride)
	BroadcastRideAlreadyAccepted(vehicleType domain.VehicleType, excludeDriverID string, raidID string)
	EmitDriverRejectedRide(userRef, driverID, reason string)
}

// Pusher is a best-effort push-notification sink (§9, §1: push
// delivery is out of scope beyond this interface). It never blocks
// dispatch and its failures are EXTERNAL_UNAVAILABLE, logged only.
type Pusher interface {
	Send(ctx context.Context, pushToken string, title, body string, data map[string]string) error
}

type dedupEntry struct {
	lastEmittedAt time.Time
}

// bookingDedupEntry caches a BookRideResult keyed on the submitted
// payload (not the server-generated raidId), so a client retrying the
// same bookRide call within the window gets back the same raidId and
// never triggers a second allocation/persist/broadcast (§4.4,
// testable property: identical payload twice within 5s -> one
// newRideRequest, same raidId both times).
type bookingDedupEntry struct {
	result        BookRideResult
	lastEmittedAt time.Time
}

type Engine struct {
	rideStore   store.RideStore
	driverStore store.DriverStore
	seqAlloc    Allocator
	pricing     Pricer
	gateway     Gateway
	pusher      Pusher
	log         *util.Logger

	dedupMu sync.Mutex
	dedup   map[string]dedupEntry

	bookDedupMu sync.Mutex
	bookDedup   map[string]bookingDedupEntry

	dedupWindow time.Duration
}

// Allocator is the Ride Identity Service's public surface.
type Allocator interface {
	Allocate(ctx context.Context) string
}

// Pricer is the Pricing Cache's public surface.
type Pricer interface {
	CalculateFare(vehicleType domain.VehicleType, km float64) int
}

func NewEngine(rideStore store.RideStore, driverStore store.DriverStore, alloc Allocator, pricer Pricer, gw Gateway, pusher Pusher, log *util.Logger, dedupWindowSeconds int) *Engine {
	window := time.Duration(dedupWindowSeconds) * time.Second
	if window <= 0 {
		window = 5 * time.Second
	}
	return &Engine{
		rideStore:   rideStore,
		driverStore: driverStore,
		seqAlloc:    alloc,
		pricing:     pricer,
		gateway:     gw,
		pusher:      pusher,
		log:         log,
		dedup:       make(map[string]dedupEntry),
		bookDedup:   make(map[string]bookingDedupEntry),
		dedupWindow: window,
	}
}

// BookRideInput mirrors the inbound bookRide payload (§6).
type BookRideInput struct {
	UserRef     string          `json:"userRef"`
	CustomerID  string          `json:"customerId"`
	UserName    string          `json:"userName"`
	UserMobile  string          `json:"userMobile"`
	Pickup      domain.Address  `json:"pickup"`
	Drop        domain.Address  `json:"drop"`
	VehicleType string          `json:"vehicleType"`
	DistanceKm  float64         `json:"distanceKm"`
}

// BookRideResult mirrors §4.4 step 9's return payload.
type BookRideResult struct {
	RaidID       string             `json:"raidId"`
	InternalID   string             `json:"internalId"`
	OTP          string             `json:"otp"`
	Fare         int                `json:"fare"`
	VehicleType  domain.VehicleType `json:"vehicleType"`
	DriversFound int                `json:"driversFound"`
	AlreadySent  bool               `json:"alreadySent"`
}

// BookRide runs the pipeline in §4.4.
func (e *Engine) BookRide(ctx context.Context, in BookRideInput) (*BookRideResult, error) {
	instance := "dispatch.BookRide"

	if in.UserRef == "" || in.VehicleType == "" || in.DistanceKm < 0 {
		return nil, apperrors.New(apperrors.KindInvalidInput, "MISSING_FIELD", "userRef, vehicleType and a non-negative distanceKm are required")
	}
	if in.Pickup.Address == "" && in.Pickup.Lat == 0 && in.Pickup.Lng == 0 {
		return nil, apperrors.New(apperrors.KindInvalidInput, "MISSING_PICKUP", "pickup location is required")
	}

	vehicleType := domain.VehicleType(normalizeVehicleType(in.VehicleType))
	if !domain.ValidVehicleType(string(vehicleType)) {
		return nil, apperrors.New(apperrors.KindInvalidInput, "INVALID_VEHICLE_TYPE", "vehicleType must be one of bike, taxi, port")
	}

	// Dedup key is derived from the payload the client can retry with,
	// not the raidId we are about to allocate below: a retried bookRide
	// must hit this check and short-circuit before a new raidId ever
	// exists (§4.4 testable property).
	key := bookingKey(in.UserRef, vehicleType, in)
	if cached, ok := e.lookupBooking(key); ok {
		cached.AlreadySent = true
		cached.DriversFound = 0
		e.log.Info(instance, fmt.Sprintf("duplicate bookRide suppressed raidId=%s", cached.RaidID))
		return &cached, nil
	}

	raidID := e.seqAlloc.Allocate(ctx)
	fare := e.pricing.CalculateFare(vehicleType, in.DistanceKm)
	otp := deriveOTP(in.CustomerID)

	ride := &domain.Ride{
		RaidID:         raidID,
		InternalID:     util.GenerateUUID(),
		PassengerRef:   in.UserRef,
		PassengerName:  in.UserName,
		PassengerPhone: in.UserMobile,
		CustomerID:     in.CustomerID,
		VehicleType:    vehicleType,
		Pickup:         in.Pickup,
		Drop:           in.Drop,
		DistanceKm:     in.DistanceKm,
		Fare:           fare,
		OTP:            otp,
		Status:         domain.RidePending,
		CreatedAt:      time.Now(),
	}

	if err := e.rideStore.CreateRide(ctx, ride); err != nil {
		e.log.Error(instance, err)
		return nil, apperrors.Wrap(apperrors.KindConflict, "DUPLICATE_RIDE", err)
	}

	driversFound, alreadySent := e.fanOut(ctx, ride)

	e.log.OK(instance, fmt.Sprintf("raidId=%s vehicleType=%s fare=%d driversFound=%d", raidID, vehicleType, fare, driversFound))

	result := BookRideResult{
		RaidID:       raidID,
		InternalID:   ride.InternalID,
		OTP:          otp,
		Fare:         fare,
		VehicleType:  vehicleType,
		DriversFound: driversFound,
		AlreadySent:  alreadySent,
	}
	e.rememberBooking(key, result)

	return &result, nil
}

// bookingKey identifies a bookRide submission by the fields the client
// actually sent, so retries of the same request land on the same key
// before any server-generated id exists.
func bookingKey(userRef string, vehicleType domain.VehicleType, in BookRideInput) string {
	return fmt.Sprintf("%s|%s|%s|%.6f|%.6f|%s|%.6f|%.6f|%.3f",
		userRef, vehicleType,
		in.Pickup.Address, in.Pickup.Lat, in.Pickup.Lng,
		in.Drop.Address, in.Drop.Lat, in.Drop.Lng,
		in.DistanceKm)
}

func (e *Engine) lookupBooking(key string) (BookRideResult, bool) {
	e.bookDedupMu.Lock()
	defer e.bookDedupMu.Unlock()
	entry, ok := e.bookDedup[key]
	if !ok || time.Since(entry.lastEmittedAt) >= e.dedupWindow {
		return BookRideResult{}, false
	}
	return entry.result, true
}

func (e *Engine) rememberBooking(key string, result BookRideResult) {
	e.bookDedupMu.Lock()
	defer e.bookDedupMu.Unlock()
	e.bookDedup[key] = bookingDedupEntry{result: result, lastEmittedAt: time.Now()}
}

// fanOut checks the dedup window, then emits newRideRequest exactly
// once to the vehicle-type room and attempts push to eligible drivers
// (§4.4 steps 7-8).
func (e *Engine) fanOut(ctx context.Context, ride *domain.Ride) (driversFound int, alreadySent bool) {
	e.dedupMu.Lock()
	if entry, ok := e.dedup[ride.RaidID]; ok && time.Since(entry.lastEmittedAt) < e.dedupWindow {
		e.dedupMu.Unlock()
		return 0, true
	}
	e.dedup[ride.RaidID] = dedupEntry{lastEmittedAt: time.Now()}
	e.dedupMu.Unlock()

	e.gateway.BroadcastNewRideRequest(ride.VehicleType, ride)

	eligible, err := e.driverStore.ListDriversByVehicleType(ctx, ride.VehicleType,
		[]domain.DriverStatus{domain.DriverLive})
	if err != nil {
		e.log.Warn("dispatch.fanOut", "could not load eligible drivers for push: "+err.Error())
		return 0, false
	}

	for _, d := range eligible {
		if d.PushToken == "" {
			continue
		}
		go func(token string) {
			pushCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			data := map[string]string{"raidId": ride.RaidID, "vehicleType": string(ride.VehicleType)}
			if err := e.pusher.Send(pushCtx, token, "New ride request", "A new ride is available nearby", data); err != nil {
				e.log.Warn("dispatch.push", "push send failed (EXTERNAL_UNAVAILABLE): "+err.Error())
			}
		}(d.PushToken)
	}

	return len(eligible), false
}

// AcceptRide performs the CAS arbitration of §4.4.
func (e *Engine) AcceptRide(ctx context.Context, raidID, driverID string) (*domain.Ride, error) {
	ride, err := e.rideStore.Accept(ctx, raidID, driverID)
	if errors.Is(err, store.ErrRideTaken) {
		return nil, apperrors.ErrRideTaken
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindStoreUnavailable, "STORE_UNAVAILABLE", err)
	}

	e.gateway.EmitRideAccepted(ride.PassengerRef, ride)
	e.gateway.BroadcastRideAlreadyAccepted(ride.VehicleType, driverID, raidID)
	return ride, nil
}

// RejectRide appends the rejection and notifies the passenger,
// leaving the ride's status untouched so it stays dispatchable
// (§4.4).
func (e *Engine) RejectRide(ctx context.Context, raidID, driverID, reason string) error {
	rec := domain.RejectionRecord{DriverID: driverID, Reason: reason, At: time.Now()}
	if err := e.rideStore.AppendRejection(ctx, raidID, rec); err != nil {
		return err
	}

	ride, err := e.rideStore.GetRide(ctx, raidID)
	if err != nil {
		return nil
	}
	e.gateway.EmitDriverRejectedRide(ride.PassengerRef, driverID, reason)
	return nil
}

// SweepDedup evicts DedupEntry rows older than olderThan (§5, §4.7
// sweeper duty (d)).
func (e *Engine) SweepDedup(olderThan time.Duration) {
	e.dedupMu.Lock()
	for id, entry := range e.dedup {
		if time.Since(entry.lastEmittedAt) > olderThan {
			delete(e.dedup, id)
		}
	}
	e.dedupMu.Unlock()

	e.bookDedupMu.Lock()
	for key, entry := range e.bookDedup {
		if time.Since(entry.lastEmittedAt) > olderThan {
			delete(e.bookDedup, key)
		}
	}
	e.bookDedupMu.Unlock()
}

func normalizeVehicleType(v string) string {
	out := make([]byte, 0, len(v))
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}

// deriveOTP implements §4.4 step 5 / §8's boundary case: last-4 of the
// customer id if it has at least 4 characters, else 4 random digits.
func deriveOTP(customerID string) string {
	if len(customerID) >= 4 {
		return customerID[len(customerID)-4:]
	}
	return util.RandomDigits(4)
}
