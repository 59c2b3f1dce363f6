// Package realtime implements the Realtime Gateway (§4.8): session
// registration, room membership, inbound event routing, and outbound
// fan-out over a gorilla/websocket connection, grounded on the
// teacher's driver websocket handler but generalized from a single
// driver-only channel into the full room model of §4.8.
package realtime

import (
	"encoding/json"
	"net/http"
	"sync"

	"ridehail/internal/domain"
	"ridehail/internal/shared/jwt"
	"ridehail/internal/shared/util"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// inboundRateLimit caps how many events a single connection can push
// into Dispatch per second; driverLocationUpdate at typical GPS
// cadences sits well under this, a misbehaving client does not.
const (
	inboundRateLimit = 10
	inboundRateBurst = 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func driverRoom(vehicleType domain.VehicleType) string { return "drivers_" + string(vehicleType) }
func driverPrivateRoom(driverID string) string          { return "driver_" + driverID }

// Conn is one connected socket's session state. Inbound events for a
// single connection are processed serially by its own read loop
// goroutine (§5); outbound writes go through sendCh so a slow client
// never blocks another connection's handler.
type Conn struct {
	id      string
	ws      *websocket.Conn
	sendCh  chan []byte
	subject jwt.Subject
	// principalID is the driverId or userInternalId bound to this
	// session by the handshake token (§4.8).
	principalID string

	mu      sync.Mutex
	rooms   map[string]bool
	limiter *rate.Limiter
}

func (c *Conn) send(v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.sendCh <- body:
	default:
		// bounded channel saturated: drop with no caller block (§9,
		// "fire-and-forget" outbound operations).
	}
}

// Hub owns every live connection and the room index. The Gateway
// wraps it to implement the Gateway/Fanout/Notifier/Broadcaster
// interfaces each domain component depends on.
type Hub struct {
	issuer *jwt.Issuer
	log    *util.Logger

	mu    sync.RWMutex
	conns map[string]*Conn
	rooms map[string]map[string]*Conn // room -> connID -> Conn

	driverConn map[string]*Conn // driverId -> its current connection (single-writer convention, §5)
	userConn   map[string]*Conn // userInternalId -> its current connection

	OnConnect func(c *Conn) // hook for emitting currentPrices right after handshake
	Dispatch  func(c *Conn, eventName string, payload json.RawMessage, ack func(interface{}))
}

func NewHub(issuer *jwt.Issuer, log *util.Logger) *Hub {
	return &Hub{
		issuer:     issuer,
		log:        log,
		conns:      make(map[string]*Conn),
		rooms:      make(map[string]map[string]*Conn),
		driverConn: make(map[string]*Conn),
		userConn:   make(map[string]*Conn),
	}
}

// inboundEnvelope is the tagged-union wire shape every inbound event
// arrives in (§9: represent as a closed set of event variants).
type inboundEnvelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	AckID   string          `json:"ackId,omitempty"`
}

type outboundAck struct {
	AckID   string      `json:"ackId,omitempty"`
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Fields  interface{} `json:"fields,omitempty"`
}

// ServeWS upgrades the connection, authenticates it, and runs the
// per-connection read/write loops until disconnect. Handlers already
// in flight when the client disconnects are allowed to run to
// completion (§4.8): ServeWS doesn't cancel Dispatch calls, it only
// stops reading further frames.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("realtime.ServeWS", "upgrade failed: "+err.Error())
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearerFromHeader(r.Header.Get("Authorization"))
	}
	claims, err := h.issuer.Parse(token)
	if err != nil {
		_ = ws.WriteJSON(outboundAck{Success: false, Message: "unauthenticated"})
		ws.Close()
		return
	}

	c := &Conn{
		id:          util.GenerateUUID(),
		ws:          ws,
		sendCh:      make(chan []byte, 256),
		subject:     claims.Subject,
		principalID: claims.ID,
		rooms:       make(map[string]bool),
		limiter:     rate.NewLimiter(inboundRateLimit, inboundRateBurst),
	}

	h.register(c)
	defer h.unregister(c)

	go h.writeLoop(c)

	if h.OnConnect != nil {
		h.OnConnect(c)
	}

	h.readLoop(c)
}

func bearerFromHeader(v string) string {
	const prefix = "Bearer "
	if len(v) > len(prefix) && v[:len(prefix)] == prefix {
		return v[len(prefix):]
	}
	return v
}

func (h *Hub) register(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.id] = c
	switch c.subject {
	case jwt.SubjectDriver:
		h.driverConn[c.principalID] = c
	default:
		h.userConn[c.principalID] = c
	}
}

func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c.id)
	if h.driverConn[c.principalID] == c {
		delete(h.driverConn, c.principalID)
	}
	if h.userConn[c.principalID] == c {
		delete(h.userConn, c.principalID)
	}
	for room := range c.rooms {
		if members := h.rooms[room]; members != nil {
			delete(members, c.id)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	close(c.sendCh)
}

func (h *Hub) join(c *Conn, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[string]*Conn)
	}
	h.rooms[room][c.id] = c
	c.mu.Lock()
	c.rooms[room] = true
	c.mu.Unlock()
}

func (h *Hub) writeLoop(c *Conn) {
	for body := range c.sendCh {
		if err := c.ws.WriteMessage(websocket.TextMessage, body); err != nil {
			return
		}
	}
}

func (h *Hub) readLoop(c *Conn) {
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		var env inboundEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.send(outboundAck{Success: false, Message: "malformed event envelope"})
			continue
		}

		if !c.limiter.Allow() {
			c.send(withAckID(env.AckID, outboundAck{Success: false, Message: "rate limit exceeded"}))
			continue
		}

		if h.Dispatch == nil {
			continue
		}
		h.Dispatch(c, env.Event, env.Payload, func(result interface{}) {
			c.send(withAckID(env.AckID, result))
		})
	}
}

func withAckID(ackID string, result interface{}) interface{} {
	if ackID == "" {
		return result
	}
	body, err := json.Marshal(result)
	if err != nil {
		return result
	}
	var m map[string]interface{}
	if err := json.Unmarshal(body, &m); err != nil {
		return result
	}
	m["ackId"] = ackID
	return m
}

// emitToRoom broadcasts a payload to every connection in room.
func (h *Hub) emitToRoom(room string, v interface{}) {
	h.mu.RLock()
	members := h.rooms[room]
	conns := make([]*Conn, 0, len(members))
	for _, c := range members {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.send(v)
	}
}

func (h *Hub) emitToRoomExcept(room, exceptDriverID string, v interface{}) {
	h.mu.RLock()
	except := h.driverConn[exceptDriverID]
	members := h.rooms[room]
	conns := make([]*Conn, 0, len(members))
	for _, c := range members {
		if c != except {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.send(v)
	}
}

// emitToRoomAll broadcasts to every currently connected socket,
// regardless of room membership (§4.1: priceUpdate reaches every
// observer, driver or passenger).
func (h *Hub) emitToRoomAll(v interface{}) {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.send(v)
	}
}

func (h *Hub) emitToDriver(driverID string, v interface{}) {
	h.mu.RLock()
	c := h.driverConn[driverID]
	h.mu.RUnlock()
	if c != nil {
		c.send(v)
	}
}

func (h *Hub) emitToUser(userRef string, v interface{}) {
	h.mu.RLock()
	c := h.userConn[userRef]
	h.mu.RUnlock()
	if c != nil {
		c.send(v)
	}
}

func withEvent(name string, payload interface{}) map[string]interface{} {
	body, _ := json.Marshal(payload)
	var fields map[string]interface{}
	_ = json.Unmarshal(body, &fields)
	if fields == nil {
		fields = map[string]interface{}{}
	}
	fields["event"] = name
	return fields
}
