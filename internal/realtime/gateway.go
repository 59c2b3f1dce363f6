package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"ridehail/internal/dispatch"
	"ridehail/internal/domain"
	"ridehail/internal/presence"
	"ridehail/internal/pricing"
	"ridehail/internal/rideengine"
	"ridehail/internal/shared/apperrors"
	"ridehail/internal/shared/jwt"
	"ridehail/internal/shared/util"
	"ridehail/internal/store"
	"ridehail/internal/workinghours"
)

// Gateway wires the Hub's raw connection/room primitives to every
// domain component's outbound interface (pricing.Broadcaster,
// wallet.Notifier, workinghours.Notifier, presence.Fanout,
// dispatch.Gateway, rideengine.Gateway) and dispatches inbound events
// from §6 into the corresponding engine call.
type Gateway struct {
	hub *Hub
	log *util.Logger

	drivers      store.DriverStore
	rides        store.RideStore
	dispatch     *dispatch.Engine
	rideEngine   *rideengine.Engine
	workingHours *workinghours.Service
	presenceReg  *presence.Registry
	pricingCache *pricing.Cache
}

// NewGateway constructs a Gateway with its connection-level dependencies
// only. The engines it fronts (dispatch, rideengine, workinghours,
// presence, pricing) each take a Gateway-shaped interface as a
// constructor argument, so they can't exist before this does; call
// Wire once they're built to complete the cycle before serving traffic.
func NewGateway(hub *Hub, drivers store.DriverStore, rides store.RideStore, log *util.Logger) *Gateway {
	g := &Gateway{hub: hub, log: log, drivers: drivers, rides: rides}
	hub.OnConnect = g.onConnect
	hub.Dispatch = g.onEvent
	return g
}

// Wire binds the engines built against this Gateway's interfaces. Must
// be called before ServeWS accepts any connection.
func (g *Gateway) Wire(disp *dispatch.Engine, ride *rideengine.Engine, wh *workinghours.Service, pres *presence.Registry, pc *pricing.Cache) {
	g.dispatch = disp
	g.rideEngine = ride
	g.workingHours = wh
	g.presenceReg = pres
	g.pricingCache = pc
}

// onConnect emits currentPrices immediately after handshake (§6).
func (g *Gateway) onConnect(c *Conn) {
	c.send(withEvent("currentPrices", struct {
		Prices map[domain.VehicleType]int `json:"prices"`
	}{Prices: g.pricingCache.Snapshot()}))
}

type ackResult struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func failAck(err error) ackResult {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		return ackResult{Success: false, Message: appErr.Message}
	}
	return ackResult{Success: false, Message: err.Error()}
}

// onEvent is the tagged-union inbound dispatcher of §6: every event
// name a connection can send maps to exactly one case here, run
// serially per connection by Hub.readLoop.
func (g *Gateway) onEvent(c *Conn, event string, payload json.RawMessage, ack func(interface{})) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch event {
	case "registerUser":
		g.join(c, c.principalID)
		ack(ackResult{Success: true})

	case "registerDriver":
		var in struct {
			Lat float64 `json:"lat"`
			Lng float64 `json:"lng"`
		}
		_ = json.Unmarshal(payload, &in)
		err := g.presenceReg.RegisterDriver(ctx, c.principalID, c.id, domain.LatLng{Lat: in.Lat, Lng: in.Lng})
		if err != nil {
			ack(failAck(err))
			return
		}
		ack(ackResult{Success: true})

	case "driverGoOnline":
		res, err := g.workingHours.Start(ctx, c.principalID)
		if err != nil {
			ack(failAck(err))
			return
		}
		ack(ackResult{Success: true, Data: res})

	case "driverOffline":
		if err := g.workingHours.Stop(ctx, c.principalID); err != nil {
			ack(failAck(err))
			return
		}
		ack(ackResult{Success: true})

	case "driverLocationUpdate":
		var in struct {
			Lat    float64 `json:"lat"`
			Lng    float64 `json:"lng"`
			Status string  `json:"status,omitempty"`
		}
		if err := json.Unmarshal(payload, &in); err != nil {
			ack(ackResult{Success: false, Message: "malformed payload"})
			return
		}
		var status *domain.DriverStatus
		if in.Status != "" {
			s := domain.DriverStatus(in.Status)
			status = &s
		}
		if err := g.presenceReg.DriverLocationUpdate(ctx, c.principalID, domain.LatLng{Lat: in.Lat, Lng: in.Lng}, status); err != nil {
			ack(failAck(err))
			return
		}
		ack(ackResult{Success: true})

	case "driverHeartbeat":
		g.presenceReg.TouchActiveRide("heartbeat:" + c.principalID)
		ack(ackResult{Success: true})

	case "requestDriverLocations":
		var in struct {
			Lat         float64 `json:"lat"`
			Lng         float64 `json:"lng"`
			Radius      float64 `json:"radius"`
			VehicleType string  `json:"vehicleType,omitempty"`
		}
		if err := json.Unmarshal(payload, &in); err != nil {
			ack(ackResult{Success: false, Message: "malformed payload"})
			return
		}
		types := []domain.VehicleType{domain.VehicleBike, domain.VehicleTaxi, domain.VehiclePort}
		if in.VehicleType != "" {
			types = []domain.VehicleType{domain.VehicleType(in.VehicleType)}
		}
		var nearby []*domain.Driver
		for _, vt := range types {
			candidates, err := g.drivers.ListDriversByVehicleType(ctx, vt, []domain.DriverStatus{domain.DriverLive})
			if err != nil {
				ack(failAck(err))
				return
			}
			for _, d := range candidates {
				if in.Radius <= 0 || util.Haversine(in.Lat, in.Lng, d.LastKnownLocation.Lat, d.LastKnownLocation.Lng) <= in.Radius {
					nearby = append(nearby, d)
				}
			}
		}
		ack(ackResult{Success: true, Data: nearby})

	case "requestNearbyDrivers":
		var in struct {
			VehicleType string `json:"vehicleType"`
		}
		_ = json.Unmarshal(payload, &in)
		drivers, err := g.drivers.ListDriversByVehicleType(ctx, domain.VehicleType(in.VehicleType), []domain.DriverStatus{domain.DriverLive})
		if err != nil {
			ack(failAck(err))
			return
		}
		ack(ackResult{Success: true, Data: drivers})

	case "getCurrentPrices":
		ack(ackResult{Success: true, Data: g.pricingCache.Snapshot()})

	case "bookRide":
		var in dispatch.BookRideInput
		if err := json.Unmarshal(payload, &in); err != nil {
			ack(ackResult{Success: false, Message: "malformed payload"})
			return
		}
		in.UserRef = c.principalID
		res, err := g.dispatch.BookRide(ctx, in)
		if err != nil {
			ack(failAck(err))
			return
		}
		g.presenceReg.TouchActiveRide(res.RaidID)
		ack(ackResult{Success: true, Data: res})

	case "acceptRide":
		var in struct {
			RaidID string `json:"raidId"`
		}
		if err := json.Unmarshal(payload, &in); err != nil {
			ack(ackResult{Success: false, Message: "malformed payload"})
			return
		}
		ride, err := g.dispatch.AcceptRide(ctx, in.RaidID, c.principalID)
		if err != nil {
			ack(failAck(err))
			return
		}
		ack(ackResult{Success: true, Data: ride})

	case "rejectRide":
		var in struct {
			RaidID string `json:"raidId"`
			Reason string `json:"reason"`
		}
		if err := json.Unmarshal(payload, &in); err != nil {
			ack(ackResult{Success: false, Message: "malformed payload"})
			return
		}
		if err := g.dispatch.RejectRide(ctx, in.RaidID, c.principalID, in.Reason); err != nil {
			ack(failAck(err))
			return
		}
		ack(ackResult{Success: true})

	case "cancelRide":
		var in struct {
			RaidID string `json:"raidId"`
		}
		if err := json.Unmarshal(payload, &in); err != nil {
			ack(ackResult{Success: false, Message: "malformed payload"})
			return
		}
		ride, err := g.rideEngine.Cancel(ctx, in.RaidID)
		if err != nil {
			ack(failAck(err))
			return
		}
		ack(ackResult{Success: true, Data: ride})

	case "otpVerified":
		var in struct {
			RaidID string `json:"raidId"`
			OTP    string `json:"otp"`
		}
		if err := json.Unmarshal(payload, &in); err != nil {
			ack(ackResult{Success: false, Message: "malformed payload"})
			return
		}
		ride, err := g.rideEngine.Start(ctx, in.RaidID, in.OTP)
		if err != nil {
			ack(failAck(err))
			return
		}
		ack(ackResult{Success: true, Data: ride})

	case "driverStartedRide":
		var in struct {
			RaidID string `json:"raidId"`
		}
		if err := json.Unmarshal(payload, &in); err != nil {
			ack(ackResult{Success: false, Message: "malformed payload"})
			return
		}
		ride, err := g.rideEngine.Arrive(ctx, in.RaidID)
		if err != nil {
			ack(failAck(err))
			return
		}
		ack(ackResult{Success: true, Data: ride})

	case "driverCompletedRide":
		var in struct {
			RaidID           string          `json:"raidId"`
			ActualDistanceKm float64         `json:"actualDistanceKm"`
			ActualPickup     *domain.Address `json:"actualPickup,omitempty"`
			ActualDrop       *domain.Address `json:"actualDrop,omitempty"`
			PaymentMethod    string          `json:"paymentMethod,omitempty"`
		}
		if err := json.Unmarshal(payload, &in); err != nil {
			ack(ackResult{Success: false, Message: "malformed payload"})
			return
		}
		ride, err := g.rideEngine.Complete(ctx, rideengine.CompleteInput{
			RaidID: in.RaidID, DriverID: c.principalID,
			ActualDistanceKm: in.ActualDistanceKm,
			ActualPickup:     in.ActualPickup, ActualDrop: in.ActualDrop,
			PaymentMethod: domain.PaymentMethod(in.PaymentMethod),
		})
		if err != nil {
			ack(failAck(err))
			return
		}
		ack(ackResult{Success: true, Data: ride})

	case "userLocationUpdate":
		var in struct {
			RaidID   string  `json:"raidId"`
			DriverID string  `json:"driverId,omitempty"`
			Lat      float64 `json:"lat"`
			Lng      float64 `json:"lng"`
		}
		if err := json.Unmarshal(payload, &in); err != nil {
			ack(ackResult{Success: false, Message: "malformed payload"})
			return
		}
		if err := g.presenceReg.UserLocationUpdate(ctx, c.principalID, in.RaidID, in.DriverID, domain.LatLng{Lat: in.Lat, Lng: in.Lng}); err != nil {
			ack(failAck(err))
			return
		}
		ack(ackResult{Success: true})

	case "updateFCMToken":
		var in struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal(payload, &in); err != nil {
			ack(ackResult{Success: false, Message: "malformed payload"})
			return
		}
		if c.subject == jwt.SubjectDriver {
			if err := g.drivers.UpdateDriverPushToken(ctx, c.principalID, in.Token); err != nil {
				ack(failAck(err))
				return
			}
		}
		ack(ackResult{Success: true})

	case "requestRideOTP":
		var in struct {
			RaidID string `json:"raidId"`
		}
		if err := json.Unmarshal(payload, &in); err != nil {
			ack(ackResult{Success: false, Message: "malformed payload"})
			return
		}
		ride, err := g.rides.GetRide(ctx, in.RaidID)
		if err != nil {
			ack(ackResult{Success: false, Message: "ride not found"})
			return
		}
		if ride.DriverRef != c.principalID && ride.PassengerRef != c.principalID {
			ack(ackResult{Success: false, Message: "not a participant in this ride"})
			return
		}
		ack(ackResult{Success: true, Data: struct {
			OTP string `json:"otp"`
		}{OTP: ride.OTP}})

	default:
		ack(ackResult{Success: false, Message: "unknown event: " + event})
	}
}

func (g *Gateway) join(c *Conn, room string) { g.hub.join(c, room) }

// ---- pricing.Broadcaster ----

func (g *Gateway) BroadcastPriceUpdate(prices map[domain.VehicleType]int) {
	g.hub.emitToRoomAll(withEvent("priceUpdate", struct {
		Prices map[domain.VehicleType]int `json:"prices"`
	}{Prices: prices}))
}

// ---- wallet.Notifier ----

func (g *Gateway) EmitWalletUpdate(driverID string, newBalance int, tx *domain.Transaction) {
	g.hub.emitToDriver(driverID, withEvent("walletUpdate", struct {
		NewBalance  int                 `json:"newBalance"`
		Transaction *domain.Transaction `json:"transaction"`
	}{NewBalance: newBalance, Transaction: tx}))
}

// ---- workinghours.Notifier ----

func (g *Gateway) EmitWorkingHoursWarning(driverID string, remainingSeconds int, warningsIssued int) {
	g.hub.emitToDriver(driverID, withEvent("workingHoursWarning", struct {
		RemainingSeconds int `json:"remainingSeconds"`
		WarningsIssued   int `json:"warningsIssued"`
	}{RemainingSeconds: remainingSeconds, WarningsIssued: warningsIssued}))
}

func (g *Gateway) EmitAutoStop(driverID string) {
	g.hub.emitToDriver(driverID, withEvent("autoStop", struct{}{}))
}

// ---- presence.Fanout ----

func (g *Gateway) JoinVehicleRoom(driverID string, vehicleType domain.VehicleType, socketID string) {
	g.hub.mu.RLock()
	c := g.hub.conns[socketID]
	g.hub.mu.RUnlock()
	if c == nil {
		return
	}
	g.hub.join(c, driverRoom(vehicleType))
	g.hub.join(c, driverPrivateRoom(driverID))
}

// BroadcastDriverLocation reaches every observer of the driver, not
// just the driver's own connection (§4.7): its vehicle-type room, and
// its own private room so a dashboard watching driver_<driverId>
// directly still sees the delta.
func (g *Gateway) BroadcastDriverLocation(driverID string, vehicleType domain.VehicleType, loc domain.LatLng, status domain.DriverStatus) {
	payload := withEvent("driverLiveLocationUpdate", struct {
		DriverID string              `json:"driverId"`
		Location domain.LatLng       `json:"location"`
		Status   domain.DriverStatus `json:"status"`
	}{DriverID: driverID, Location: loc, Status: status})
	if vehicleType != "" {
		g.hub.emitToRoom(driverRoom(vehicleType), payload)
	}
	g.hub.emitToRoom(driverPrivateRoom(driverID), payload)
}

func (g *Gateway) BroadcastDriverLocations(entries []presence.Entry) {
	byRoom := map[string][]presence.Entry{}
	for _, e := range entries {
		room := driverRoom(e.VehicleType)
		byRoom[room] = append(byRoom[room], e)
	}
	for room, es := range byRoom {
		g.hub.emitToRoom(room, withEvent("driverLocationsUpdate", struct {
			Drivers []presence.Entry `json:"drivers"`
		}{Drivers: es}))
	}
}

func (g *Gateway) ForwardUserLocation(rideID, driverID string, userID string, loc domain.LatLng) {
	g.hub.emitToDriver(driverID, withEvent("userLiveLocationUpdate", struct {
		RaidID   string        `json:"raidId"`
		UserID   string        `json:"userId"`
		Location domain.LatLng `json:"location"`
	}{RaidID: rideID, UserID: userID, Location: loc}))
}

// ---- dispatch.Gateway ----

func (g *Gateway) BroadcastNewRideRequest(vehicleType domain.VehicleType, ride *domain.Ride) {
	g.hub.emitToRoom(driverRoom(vehicleType), withEvent("newRideRequest", ride))
}

func (g *Gateway) EmitRideAccepted(userRef string, ride *domain.Ride) {
	g.hub.emitToUser(userRef, withEvent("rideAccepted", ride))
}

func (g *Gateway) BroadcastRideAlreadyAccepted(vehicleType domain.VehicleType, excludeDriverID string, raidID string) {
	g.hub.emitToRoomExcept(driverRoom(vehicleType), excludeDriverID, withEvent("rideAlreadyAccepted", struct {
		RaidID string `json:"raidId"`
	}{RaidID: raidID}))
}

func (g *Gateway) EmitDriverRejectedRide(userRef, driverID, reason string) {
	g.hub.emitToUser(userRef, withEvent("driverRejectedRide", struct {
		DriverID string `json:"driverId"`
		Reason   string `json:"reason,omitempty"`
	}{DriverID: driverID, Reason: reason}))
}

// ---- rideengine.Gateway ----

func (g *Gateway) EmitRideStatusUpdate(userRef string, raidID string, status domain.RideStatus) {
	payload := withEvent("rideStatusUpdate", struct {
		RaidID string            `json:"raidId"`
		Status domain.RideStatus `json:"status"`
	}{RaidID: raidID, Status: status})
	g.hub.emitToUser(userRef, payload)
}

func (g *Gateway) EmitBillAlert(userRef string, raidID string, fare int) {
	g.hub.emitToUser(userRef, withEvent("billAlert", struct {
		RaidID string `json:"raidId"`
		Fare   int    `json:"fare"`
	}{RaidID: raidID, Fare: fare}))
}

// EmitRideCompleted deliberately omits a status field (§4.3): the
// completed status is only ever carried by the rideStatusUpdate that
// follows it.
func (g *Gateway) EmitRideCompleted(userRef string, ride *domain.Ride) {
	g.hub.emitToUser(userRef, withEvent("rideCompleted", struct {
		RaidID           string          `json:"raidId"`
		DriverRef        string          `json:"driverRef"`
		ActualFare       int             `json:"actualFare"`
		ActualDistanceKm float64         `json:"actualDistanceKm"`
		PaymentMethod    domain.PaymentMethod `json:"paymentMethod"`
		ActualPickup     *domain.Address `json:"actualPickup,omitempty"`
		ActualDrop       *domain.Address `json:"actualDrop,omitempty"`
	}{
		RaidID: ride.RaidID, DriverRef: ride.DriverRef,
		ActualFare: ride.ActualFare, ActualDistanceKm: ride.ActualDistanceKm,
		PaymentMethod: ride.PaymentMethod, ActualPickup: ride.ActualPickup, ActualDrop: ride.ActualDrop,
	}))
}
