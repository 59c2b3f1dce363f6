package realtime

import (
	"encoding/json"
	"testing"

	"ridehail/internal/domain"
	"ridehail/internal/shared/jwt"
	"ridehail/internal/shared/util"

	"golang.org/x/time/rate"
)

func newTestConn(id string, subject jwt.Subject, principalID string) *Conn {
	return &Conn{
		id:          id,
		sendCh:      make(chan []byte, 8),
		subject:     subject,
		principalID: principalID,
		rooms:       make(map[string]bool),
		limiter:     rate.NewLimiter(inboundRateLimit, inboundRateBurst),
	}
}

func drain(t *testing.T, ch chan []byte) map[string]interface{} {
	t.Helper()
	select {
	case body := <-ch:
		var m map[string]interface{}
		if err := json.Unmarshal(body, &m); err != nil {
			t.Fatalf("unmarshal sent body: %v", err)
		}
		return m
	default:
		t.Fatal("expected a message on the send channel")
		return nil
	}
}

func TestJoinAndEmitToRoomDeliversToMembers(t *testing.T) {
	h := NewHub(nil, util.New())
	a := newTestConn("a", jwt.SubjectDriver, "DRV001")
	b := newTestConn("b", jwt.SubjectDriver, "DRV002")
	h.register(a)
	h.register(b)
	h.join(a, driverRoom(domain.VehicleBike))
	h.join(b, driverRoom(domain.VehicleBike))

	h.emitToRoom(driverRoom(domain.VehicleBike), withEvent("newRideRequest", struct{ RaidID string }{RaidID: "RID1"}))

	drain(t, a.sendCh)
	drain(t, b.sendCh)
}

func TestEmitToRoomExceptSkipsExcludedDriver(t *testing.T) {
	h := NewHub(nil, util.New())
	a := newTestConn("a", jwt.SubjectDriver, "DRV001")
	b := newTestConn("b", jwt.SubjectDriver, "DRV002")
	h.register(a)
	h.register(b)
	h.join(a, driverRoom(domain.VehicleBike))
	h.join(b, driverRoom(domain.VehicleBike))

	h.emitToRoomExcept(driverRoom(domain.VehicleBike), "DRV001", withEvent("rideAlreadyAccepted", struct{}{}))

	select {
	case <-a.sendCh:
		t.Fatal("expected the excluded driver to receive nothing")
	default:
	}
	drain(t, b.sendCh)
}

func TestEmitToDriverAndUserTargetSingleConnection(t *testing.T) {
	h := NewHub(nil, util.New())
	driver := newTestConn("d", jwt.SubjectDriver, "DRV001")
	user := newTestConn("u", jwt.SubjectPassenger, "user-internal-1")
	h.register(driver)
	h.register(user)

	h.emitToDriver("DRV001", withEvent("walletUpdate", struct{}{}))
	h.emitToUser("user-internal-1", withEvent("rideStatusUpdate", struct{}{}))

	drain(t, driver.sendCh)
	drain(t, user.sendCh)

	select {
	case <-user.sendCh:
		t.Fatal("expected the driver-only emit to not reach the user connection")
	default:
	}
}

func TestUnregisterRemovesConnFromRoomsAndIndexes(t *testing.T) {
	h := NewHub(nil, util.New())
	c := newTestConn("a", jwt.SubjectDriver, "DRV001")
	h.register(c)
	h.join(c, driverRoom(domain.VehicleBike))

	h.unregister(c)

	h.mu.RLock()
	_, stillConn := h.conns["a"]
	_, stillDriver := h.driverConn["DRV001"]
	_, stillRoom := h.rooms[driverRoom(domain.VehicleBike)]
	h.mu.RUnlock()
	if stillConn || stillDriver || stillRoom {
		t.Fatal("expected unregister to clear every index for the connection")
	}
}

func TestWithAckIDInjectsAckIDField(t *testing.T) {
	out := withAckID("ack-1", ackResult{Success: true})
	m, ok := out.(map[string]interface{})
	if !ok {
		t.Fatalf("expected a map result, got %T", out)
	}
	if m["ackId"] != "ack-1" {
		t.Fatalf("expected ackId to be injected, got %v", m["ackId"])
	}
}

func TestWithAckIDPassesThroughWhenEmpty(t *testing.T) {
	res := ackResult{Success: true}
	out := withAckID("", res)
	if out != interface{}(res) {
		t.Fatalf("expected the original value when ackId is empty, got %v", out)
	}
}

func TestBearerFromHeaderStripsPrefix(t *testing.T) {
	if got := bearerFromHeader("Bearer abc123"); got != "abc123" {
		t.Fatalf("expected abc123, got %s", got)
	}
}

func TestDriverRoomNaming(t *testing.T) {
	if got := driverRoom(domain.VehicleBike); got != "drivers_bike" {
		t.Fatalf("unexpected room name: %s", got)
	}
	if got := driverPrivateRoom("DRV001"); got != "driver_DRV001" {
		t.Fatalf("unexpected private room name: %s", got)
	}
}

func TestConnLimiterRejectsOnceBurstExhausted(t *testing.T) {
	c := newTestConn("a", jwt.SubjectDriver, "DRV001")

	for i := 0; i < inboundRateBurst; i++ {
		if !c.limiter.Allow() {
			t.Fatalf("expected burst capacity %d to be available, exhausted at %d", inboundRateBurst, i)
		}
	}
	if c.limiter.Allow() {
		t.Fatal("expected the limiter to reject once burst capacity is exhausted")
	}
}
