// Package presence implements the Presence Registry & Live-Location
// Fan-out (§4.7): an in-memory map of online drivers, periodic
// broadcast, and the sweeper that evicts stale process-local state.
package presence

import (
	"context"
	"sync"
	"time"

	"ridehail/internal/domain"
	"ridehail/internal/shared/models"
	"ridehail/internal/shared/util"
	"ridehail/internal/store"
)

// Entry is the in-memory PresenceEntry per driver (§3).
type Entry struct {
	DriverID    string              `json:"driverId"`
	SocketID    string              `json:"-"`
	Location    domain.LatLng       `json:"location"`
	LastUpdate  time.Time           `json:"lastUpdate"`
	Status      domain.DriverStatus `json:"status"`
	IsOnline    bool                `json:"isOnline"`
	VehicleType domain.VehicleType  `json:"vehicleType"`
}

// Fanout is implemented by the realtime gateway; the registry never
// touches websocket connections directly.
type Fanout interface {
	JoinVehicleRoom(driverID string, vehicleType domain.VehicleType, socketID string)
	BroadcastDriverLocation(driverID string, vehicleType domain.VehicleType, loc domain.LatLng, status domain.DriverStatus)
	BroadcastDriverLocations(entries []Entry)
	ForwardUserLocation(rideID, driverID string, userID string, loc domain.LatLng)
}

// DedupSweeper lets the sweeper also evict the dispatch engine's
// DedupEntry map (§4.7 sweeper duty (d)) without presence importing
// dispatch.
type DedupSweeper interface {
	SweepDedup(olderThan time.Duration)
}

type Registry struct {
	driverStore store.DriverStore
	locStore    store.LocationStore
	fanout      Fanout
	log         *util.Logger
	cfg         models.SweepConfig

	mu      sync.RWMutex
	drivers map[string]*Entry

	activeMu sync.Mutex
	active   map[string]time.Time // rideId -> createdAtMonotonic, mirrors ActiveRide TTL bookkeeping

	userLocMu sync.Mutex
	userLoc   map[string]time.Time // userId -> lastUpdate

	dedup DedupSweeper
	stop  chan struct{}
}

func NewRegistry(driverStore store.DriverStore, locStore store.LocationStore, fanout Fanout, log *util.Logger, cfg models.SweepConfig) *Registry {
	return &Registry{
		driverStore: driverStore,
		locStore:    locStore,
		fanout:      fanout,
		log:         log,
		cfg:         cfg,
		drivers:     make(map[string]*Entry),
		active:      make(map[string]time.Time),
		userLoc:     make(map[string]time.Time),
		stop:        make(chan struct{}),
	}
}

// SetDedupSweeper wires the dispatch engine's dedup map into the
// sweeper loop. Called once during startup wiring.
func (r *Registry) SetDedupSweeper(d DedupSweeper) { r.dedup = d }

// RegisterDriver re-reads vehicleType from the store (never trusting
// the client's hint), joins the socket to the vehicle-type room,
// persists status live, and broadcasts the location delta (§4.7).
func (r *Registry) RegisterDriver(ctx context.Context, driverID, socketID string, loc domain.LatLng) error {
	d, err := r.driverStore.GetDriver(ctx, driverID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.drivers[driverID] = &Entry{
		DriverID:    driverID,
		SocketID:    socketID,
		Location:    loc,
		LastUpdate:  time.Now(),
		Status:      domain.DriverLive,
		IsOnline:    true,
		VehicleType: d.VehicleType,
	}
	r.mu.Unlock()

	r.fanout.JoinVehicleRoom(driverID, d.VehicleType, socketID)

	if err := r.driverStore.UpdateDriverStatus(ctx, driverID, domain.DriverLive); err != nil {
		return err
	}
	if err := r.driverStore.UpdateDriverLocation(ctx, driverID, loc); err != nil {
		return err
	}
	if err := r.locStore.InsertSample(ctx, &domain.LocationSample{
		SubjectID: driverID, Kind: domain.SubjectDriver, Lat: loc.Lat, Lng: loc.Lng,
		Timestamp: time.Now(), Status: string(domain.DriverLive),
	}); err != nil {
		r.log.Warn("presence.RegisterDriver", "location sample persist failed: "+err.Error())
	}

	r.fanout.BroadcastDriverLocation(driverID, d.VehicleType, loc, domain.DriverLive)
	return nil
}

// DriverLocationUpdate updates the PresenceEntry, persists the
// sample, and emits driverLiveLocationUpdate (§4.7).
func (r *Registry) DriverLocationUpdate(ctx context.Context, driverID string, loc domain.LatLng, status *domain.DriverStatus) error {
	r.mu.Lock()
	entry, ok := r.drivers[driverID]
	if ok {
		entry.Location = loc
		entry.LastUpdate = time.Now()
		if status != nil {
			entry.Status = *status
		}
	}
	r.mu.Unlock()

	effectiveStatus := domain.DriverLive
	var vehicleType domain.VehicleType
	if ok {
		effectiveStatus = entry.Status
		vehicleType = entry.VehicleType
	} else if status != nil {
		effectiveStatus = *status
	}

	if vehicleType == "" {
		// Not yet registered this connection cycle (client sent
		// driverLocationUpdate before registerDriver): fall back to the
		// store's authoritative vehicleType so the broadcast still
		// reaches the right room.
		if d, err := r.driverStore.GetDriver(ctx, driverID); err == nil {
			vehicleType = d.VehicleType
		}
	}

	if err := r.locStore.InsertSample(ctx, &domain.LocationSample{
		SubjectID: driverID, Kind: domain.SubjectDriver, Lat: loc.Lat, Lng: loc.Lng,
		Timestamp: time.Now(), Status: string(effectiveStatus),
	}); err != nil {
		r.log.Warn("presence.DriverLocationUpdate", "location sample persist failed: "+err.Error())
	}

	r.fanout.BroadcastDriverLocation(driverID, vehicleType, loc, effectiveStatus)
	return nil
}

// UserLocationUpdate forwards a passenger's location to the assigned
// driver's room, or persists-only if no driver is yet assigned (§4.7).
func (r *Registry) UserLocationUpdate(ctx context.Context, userID, rideID, driverID string, loc domain.LatLng) error {
	r.userLocMu.Lock()
	r.userLoc[userID] = time.Now()
	r.userLocMu.Unlock()

	if err := r.locStore.InsertSample(ctx, &domain.LocationSample{
		SubjectID: userID, Kind: domain.SubjectUser, Lat: loc.Lat, Lng: loc.Lng,
		RideRef: rideID, Timestamp: time.Now(),
	}); err != nil {
		r.log.Warn("presence.UserLocationUpdate", "location sample persist failed: "+err.Error())
	}

	if driverID == "" {
		return nil
	}
	r.fanout.ForwardUserLocation(rideID, driverID, userID, loc)
	return nil
}

// TouchActiveRide marks a ride as recently seen for sweeper TTL
// purposes (§5: a ride in pending > 3 hours is evicted from memory).
func (r *Registry) TouchActiveRide(rideID string) {
	r.activeMu.Lock()
	r.active[rideID] = time.Now()
	r.activeMu.Unlock()
}

func (r *Registry) RemoveActiveRide(rideID string) {
	r.activeMu.Lock()
	delete(r.active, rideID)
	r.activeMu.Unlock()
}

// SetDriverLive marks a driver's presence status back to live after
// ride completion without touching the realtime socket (§4.3 step 7).
func (r *Registry) SetDriverLive(driverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.drivers[driverID]; ok {
		e.Status = domain.DriverLive
	}
}

// Start launches the periodic broadcaster (3s cadence) and sweeper
// (60s cadence, configurable) as independent goroutines (§4.7, §5).
func (r *Registry) Start() {
	go r.broadcastLoop()
	go r.sweepLoop()
}

func (r *Registry) Close() { close(r.stop) }

func (r *Registry) broadcastLoop() {
	interval := time.Duration(r.cfg.BroadcastIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.broadcastOnline()
		}
	}
}

func (r *Registry) broadcastOnline() {
	cutoff := time.Now().Add(-time.Duration(r.cfg.OfflineAfterSeconds) * time.Second)

	r.mu.RLock()
	entries := make([]Entry, 0, len(r.drivers))
	for _, e := range r.drivers {
		if e.IsOnline && e.LastUpdate.After(cutoff) {
			entries = append(entries, *e)
		}
	}
	r.mu.RUnlock()

	r.fanout.BroadcastDriverLocations(entries)
}

func (r *Registry) sweepLoop() {
	interval := time.Duration(r.cfg.SweepIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.sweepOnce(context.Background())
		}
	}
}

// sweepOnce performs the five sweeper duties of §4.7 / §5.
func (r *Registry) sweepOnce(ctx context.Context) {
	offlineAfter := time.Duration(r.cfg.OfflineAfterSeconds) * time.Second
	evictAfter := time.Duration(r.cfg.EvictAfterSeconds) * time.Second
	activeTTL := time.Duration(r.cfg.ActiveRideTTLSeconds) * time.Second
	userLocTTL := time.Duration(r.cfg.UserLocationTTLSeconds) * time.Second
	now := time.Now()

	r.mu.Lock()
	var goneOffline []string
	for id, e := range r.drivers {
		if e.IsOnline && now.Sub(e.LastUpdate) > offlineAfter {
			e.IsOnline = false
			goneOffline = append(goneOffline, id)
		} else if !e.IsOnline && now.Sub(e.LastUpdate) > evictAfter {
			delete(r.drivers, id)
		}
	}
	r.mu.Unlock()

	// Store writes happen outside the map lock (§5: no suspension point
	// may hold a lock).
	for _, id := range goneOffline {
		if err := r.driverStore.UpdateDriverStatus(ctx, id, domain.DriverOffline); err != nil {
			r.log.Warn("presence.sweep", "mark offline failed: "+err.Error())
		}
	}

	r.activeMu.Lock()
	for id, createdAt := range r.active {
		if now.Sub(createdAt) > activeTTL {
			delete(r.active, id)
		}
	}
	r.activeMu.Unlock()

	r.userLocMu.Lock()
	for id, last := range r.userLoc {
		if now.Sub(last) > userLocTTL {
			delete(r.userLoc, id)
		}
	}
	r.userLocMu.Unlock()

	if r.dedup != nil {
		r.dedup.SweepDedup(60 * time.Second)
	}
}
