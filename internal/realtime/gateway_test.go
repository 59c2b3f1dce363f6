package realtime

import (
	"testing"

	"ridehail/internal/domain"
	"ridehail/internal/shared/jwt"
	"ridehail/internal/shared/util"
)

func newTestGateway() (*Gateway, *Hub) {
	h := NewHub(nil, util.New())
	gw := NewGateway(h, nil, nil, util.New())
	return gw, h
}

func TestBroadcastNewRideRequestReachesVehicleRoom(t *testing.T) {
	gw, h := newTestGateway()
	driver := newTestConn("d", jwt.SubjectDriver, "DRV001")
	h.register(driver)
	h.join(driver, driverRoom(domain.VehicleBike))

	gw.BroadcastNewRideRequest(domain.VehicleBike, &domain.Ride{RaidID: "RID1"})

	m := drain(t, driver.sendCh)
	if m["event"] != "newRideRequest" {
		t.Fatalf("expected newRideRequest event, got %v", m["event"])
	}
	if m["raidId"] != "RID1" {
		t.Fatalf("expected the ride payload to be embedded, got %v", m)
	}
}

func TestEmitRideAcceptedTargetsPassengerByUserRef(t *testing.T) {
	gw, h := newTestGateway()
	user := newTestConn("u", jwt.SubjectPassenger, "user-internal-1")
	h.register(user)

	gw.EmitRideAccepted("user-internal-1", &domain.Ride{RaidID: "RID1"})

	m := drain(t, user.sendCh)
	if m["event"] != "rideAccepted" {
		t.Fatalf("expected rideAccepted event, got %v", m["event"])
	}
}

func TestEmitRideCompletedOmitsStatusField(t *testing.T) {
	gw, h := newTestGateway()
	user := newTestConn("u", jwt.SubjectPassenger, "user-internal-1")
	h.register(user)

	gw.EmitRideCompleted("user-internal-1", &domain.Ride{RaidID: "RID1", ActualFare: 150})

	m := drain(t, user.sendCh)
	if _, hasStatus := m["status"]; hasStatus {
		t.Fatal("expected rideCompleted to never carry a status field")
	}
	if m["actualFare"] != float64(150) {
		t.Fatalf("expected actualFare 150, got %v", m["actualFare"])
	}
}

func TestJoinVehicleRoomJoinsBothRoomsForKnownSocket(t *testing.T) {
	gw, h := newTestGateway()
	driver := newTestConn("sock1", jwt.SubjectDriver, "DRV001")
	h.register(driver)

	gw.JoinVehicleRoom("DRV001", domain.VehicleBike, "sock1")

	h.mu.RLock()
	_, inVehicleRoom := h.rooms[driverRoom(domain.VehicleBike)][driver.id]
	_, inPrivateRoom := h.rooms[driverPrivateRoom("DRV001")][driver.id]
	h.mu.RUnlock()
	if !inVehicleRoom || !inPrivateRoom {
		t.Fatal("expected the driver's socket to join both the vehicle and private rooms")
	}
}

func TestFailAckPassesThroughPlainErrorMessage(t *testing.T) {
	got := failAck(errNamed("boom"))
	if got.Success {
		t.Fatal("expected failAck to mark the result unsuccessful")
	}
	if got.Message != "boom" {
		t.Fatalf("expected message to be passed through, got %s", got.Message)
	}
}

type namedErr struct{ msg string }

func (e namedErr) Error() string { return e.msg }

func errNamed(msg string) error { return namedErr{msg: msg} }
