// Package rideengine implements the Ride State Machine (§4.3):
// authoritative lifecycle transitions and the mandatory completion
// side-effect ordering.
package rideengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ridehail/internal/domain"
	"ridehail/internal/events"
	"ridehail/internal/shared/apperrors"
	"ridehail/internal/shared/util"
	"ridehail/internal/store"
	"ridehail/internal/wallet"
)

// Gateway is implemented by the realtime gateway; the state machine
// never touches sockets directly.
type Gateway interface {
	EmitRideStatusUpdate(userRef string, raidID string, status domain.RideStatus)
	EmitBillAlert(userRef string, raidID string, fare int)
	EmitRideCompleted(userRef string, ride *domain.Ride)
}

// PresenceSetter is implemented by the presence registry, so
// completion can flip the driver back to live and drop the
// ActiveRide mirror without rideengine importing presence.
type PresenceSetter interface {
	SetDriverLive(driverID string)
	RemoveActiveRide(rideID string)
}

// Pricer is the Pricing Cache's public surface, used to recompute the
// authoritative fare at completion (§4.3, §9: client-supplied fare is
// never trusted).
type Pricer interface {
	CalculateFare(vehicleType domain.VehicleType, km float64) int
}

// EventPublisher is the mq.Publisher's ride-topic-facing surface; the
// state machine mirrors every status transition onto it for external
// analytics consumers that don't hold a live socket (§9 supplement).
type EventPublisher interface {
	PublishRideEvent(ctx context.Context, routingKey string, payload interface{}) error
}

type Engine struct {
	rides    store.RideStore
	passenger store.PassengerStore
	pricing  Pricer
	ledger   *wallet.Ledger
	gateway  Gateway
	presence PresenceSetter
	events   EventPublisher
	log      *util.Logger

	completionMu sync.Map // raidId -> *sync.Mutex, serialises completion per ride (§5)
}

func NewEngine(rides store.RideStore, passenger store.PassengerStore, pricing Pricer, ledger *wallet.Ledger, gw Gateway, presence PresenceSetter, log *util.Logger) *Engine {
	return &Engine{rides: rides, passenger: passenger, pricing: pricing, ledger: ledger, gateway: gw, presence: presence, log: log}
}

// SetEventPublisher wires the outbox publisher after construction,
// the same deferred-wiring shape as wallet.Ledger and pricing.Cache.
func (e *Engine) SetEventPublisher(pub EventPublisher) { e.events = pub }

// publishStatus mirrors a status transition onto ride_topic. Best
// effort: it never blocks the transition that triggered it and its
// failures are logged only (§7, EXTERNAL_UNAVAILABLE).
func (e *Engine) publishStatus(raidID string, status domain.RideStatus) {
	if e.events == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		payload := events.RideStatusEvent{RaidID: raidID, Status: status, Timestamp: time.Now()}
		if err := e.events.PublishRideEvent(ctx, events.RideStatusRoutingKey(status), payload); err != nil {
			e.log.Warn("rideengine.publishStatus", "ride event publish failed (EXTERNAL_UNAVAILABLE): "+err.Error())
		}
	}()
}

// Arrive transitions accepted -> arrived.
func (e *Engine) Arrive(ctx context.Context, raidID string) (*domain.Ride, error) {
	ride, err := e.rides.Transition(ctx, raidID, domain.RideAccepted, domain.RideArrived, func(r *domain.Ride) {
		now := time.Now()
		r.ArrivedAt = &now
	})
	if err != nil {
		return nil, translateTransitionErr(err)
	}
	e.gateway.EmitRideStatusUpdate(ride.PassengerRef, raidID, domain.RideArrived)
	e.publishStatus(raidID, domain.RideArrived)
	return ride, nil
}

// Start transitions arrived -> started, gated on OTP (§4.3).
func (e *Engine) Start(ctx context.Context, raidID, otpSubmitted string) (*domain.Ride, error) {
	current, err := e.rides.GetRide(ctx, raidID)
	if err != nil {
		return nil, apperrors.ErrRideNotFound
	}
	if otpSubmitted != current.OTP {
		return nil, apperrors.ErrInvalidOTP
	}

	ride, err := e.rides.Transition(ctx, raidID, domain.RideArrived, domain.RideStarted, func(r *domain.Ride) {
		now := time.Now()
		r.StartedAt = &now
	})
	if err != nil {
		return nil, translateTransitionErr(err)
	}
	e.gateway.EmitRideStatusUpdate(ride.PassengerRef, raidID, domain.RideStarted)
	e.publishStatus(raidID, domain.RideStarted)
	return ride, nil
}

// CompleteInput mirrors the inbound driverCompletedRide / simple-complete
// payload (§6).
type CompleteInput struct {
	RaidID           string
	DriverID         string
	ActualDistanceKm float64
	ActualPickup     *domain.Address
	ActualDrop       *domain.Address
	PaymentMethod    domain.PaymentMethod
}

// Complete runs the mandatory completion side-effect ordering of
// §4.3: persist -> credit driver -> debit passenger (if wallet) ->
// billAlert -> rideCompleted (no status) -> rideStatusUpdate ->
// driver live. The whole sequence is serialised per raidId so two
// concurrent completions for the same ride can't interleave events.
func (e *Engine) Complete(ctx context.Context, in CompleteInput) (*domain.Ride, error) {
	lockAny, _ := e.completionMu.LoadOrStore(in.RaidID, &sync.Mutex{})
	lock := lockAny.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()

	current, err := e.rides.GetRide(ctx, in.RaidID)
	if err != nil {
		return nil, apperrors.ErrRideNotFound
	}
	if current.Status != domain.RideStarted {
		return nil, apperrors.ErrInvalidTransition
	}

	fare := e.pricing.CalculateFare(current.VehicleType, in.ActualDistanceKm)
	paymentMethod := in.PaymentMethod
	if paymentMethod == "" {
		paymentMethod = domain.PaymentCash
	}

	// 1. Persist ride.status = completed, completedAt, actualDistanceKm, actualFare.
	ride, err := e.rides.Transition(ctx, in.RaidID, domain.RideStarted, domain.RideCompleted, func(r *domain.Ride) {
		now := time.Now()
		r.CompletedAt = &now
		r.ActualDistanceKm = in.ActualDistanceKm
		r.ActualFare = fare
		r.PaymentMethod = paymentMethod
		if in.ActualPickup != nil {
			r.ActualPickup = in.ActualPickup
		}
		if in.ActualDrop != nil {
			r.ActualDrop = in.ActualDrop
		}
	})
	if err != nil {
		return nil, translateTransitionErr(err)
	}

	// 2. Credit driver wallet and write Transaction.
	if _, _, err := e.ledger.Credit(ctx, in.DriverID, fare, domain.MethodRideFare, "ride fare", in.RaidID); err != nil {
		e.log.Error("rideengine.Complete", err)
	}

	// 3. If passenger paid by wallet, debit passenger wallet.
	if paymentMethod == domain.PaymentWallet {
		if _, err := e.passenger.AdjustPassengerWallet(ctx, ride.PassengerRef, -fare); err != nil {
			e.log.Warn("rideengine.Complete", fmt.Sprintf("passenger wallet debit failed raidId=%s: %v", in.RaidID, err))
		}
	}

	// 4. Emit billAlert to the passenger first.
	e.gateway.EmitBillAlert(ride.PassengerRef, in.RaidID, fare)

	// 5. Then emit rideCompleted without a terminal status field.
	e.gateway.EmitRideCompleted(ride.PassengerRef, ride)

	// 6. Emit rideStatusUpdate{status: completed} after rideCompleted.
	e.gateway.EmitRideStatusUpdate(ride.PassengerRef, in.RaidID, domain.RideCompleted)
	e.publishStatus(in.RaidID, domain.RideCompleted)
	e.publishCompleted(ride)

	// 7. Set driver status = live; remove the ActiveRide from memory.
	e.presence.SetDriverLive(in.DriverID)
	e.presence.RemoveActiveRide(in.RaidID)

	e.completionMu.Delete(in.RaidID)
	return ride, nil
}

// publishCompleted mirrors the full completed-ride snapshot onto
// ride_topic, independent of publishStatus's bare status transition
// (§9 supplement: analytics consumers need the fare/distance detail
// the realtime rideCompleted payload carries but rideStatusUpdate
// doesn't).
func (e *Engine) publishCompleted(ride *domain.Ride) {
	if e.events == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		payload := events.RideCompletedEvent{
			RaidID: ride.RaidID, DriverRef: ride.DriverRef, PassengerRef: ride.PassengerRef,
			ActualFare: ride.ActualFare, ActualDistanceKm: ride.ActualDistanceKm,
			CompletedAt: time.Now(),
		}
		if err := e.events.PublishRideEvent(ctx, events.RideCompletedRoutingKey, payload); err != nil {
			e.log.Warn("rideengine.publishCompleted", "ride event publish failed (EXTERNAL_UNAVAILABLE): "+err.Error())
		}
	}()
}

// Cancel is permitted from pending, accepted, arrived by either party
// (§4.3). From started (or any other status) it returns
// ErrInvalidTransition; no caller turns that into a Complete, so a
// started ride ends only through Complete with its own distance.
func (e *Engine) Cancel(ctx context.Context, raidID string) (*domain.Ride, error) {
	current, err := e.rides.GetRide(ctx, raidID)
	if err != nil {
		return nil, apperrors.ErrRideNotFound
	}

	switch current.Status {
	case domain.RidePending, domain.RideAccepted, domain.RideArrived:
	default:
		return nil, apperrors.ErrInvalidTransition
	}

	ride, err := e.rides.Transition(ctx, raidID, current.Status, domain.RideCancelled, func(r *domain.Ride) {
		now := time.Now()
		r.CancelledAt = &now
	})
	if err != nil {
		return nil, translateTransitionErr(err)
	}

	e.gateway.EmitRideStatusUpdate(ride.PassengerRef, raidID, domain.RideCancelled)
	e.publishStatus(raidID, domain.RideCancelled)
	if ride.DriverRef != "" {
		e.presence.SetDriverLive(ride.DriverRef)
	}
	e.presence.RemoveActiveRide(raidID)
	return ride, nil
}

func translateTransitionErr(err error) error {
	if err == store.ErrNotFound {
		return apperrors.ErrRideNotFound
	}
	return apperrors.ErrInvalidTransition
}
