// Package pricing implements the Pricing Cache (§4.1): an in-memory
// per-vehicle-type per-km price, initialized from the store and
// replaced atomically by admin writes.
package pricing

import (
	"context"
	"math"
	"sync"
	"time"

	"ridehail/internal/domain"
	"ridehail/internal/events"
	"ridehail/internal/shared/util"
	"ridehail/internal/store"
)

var defaultPrices = map[domain.VehicleType]int{
	domain.VehicleBike: 15,
	domain.VehicleTaxi: 40,
	domain.VehiclePort: 75,
}

// Broadcaster is implemented by the realtime gateway; Cache calls it
// after every admin price update so connected observers get
// `priceUpdate` without the cache importing the gateway package.
type Broadcaster interface {
	BroadcastPriceUpdate(prices map[domain.VehicleType]int)
}

// EventPublisher is the mq.Publisher's ride-topic-facing surface; the
// cache mirrors every admin price update onto it alongside the
// realtime priceUpdate broadcast.
type EventPublisher interface {
	PublishRideEvent(ctx context.Context, routingKey string, payload interface{}) error
}

type Cache struct {
	mu     sync.RWMutex
	prices map[domain.VehicleType]int
	store  store.PricingStore
	bcast  Broadcaster
	events EventPublisher
	log    *util.Logger
}

func NewCache(st store.PricingStore, bcast Broadcaster, log *util.Logger) *Cache {
	return &Cache{prices: cloneDefaults(), store: st, bcast: bcast, log: log}
}

// SetEventPublisher wires the outbox publisher after construction,
// the same deferred-wiring shape used elsewhere to keep the broker
// connection out of every constructor signature (§4.1).
func (c *Cache) SetEventPublisher(pub EventPublisher) { c.events = pub }

func cloneDefaults() map[domain.VehicleType]int {
	out := make(map[domain.VehicleType]int, len(defaultPrices))
	for k, v := range defaultPrices {
		out[k] = v
	}
	return out
}

// ApplyConfigDefaults overlays the config-supplied default per-km
// prices on top of the package's hardcoded fallback, before Load
// pulls any admin-persisted override from the store. Lets a
// deployment retune the §4.1 fallback prices via config.yaml without
// touching the price table.
func (c *Cache) ApplyConfigDefaults(cfg map[string]int) {
	if len(cfg) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, price := range cfg {
		if price <= 0 {
			continue
		}
		c.prices[domain.VehicleType(name)] = price
	}
}

// Load initializes the cache from the store, falling back to
// defaults for any vehicle type absent from the store.
func (c *Cache) Load(ctx context.Context) error {
	loaded, err := c.store.LoadPrices(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for vt, price := range loaded {
		if price > 0 {
			c.prices[vt] = price
		}
	}
	return nil
}

// Snapshot returns a read-only copy of the current price table.
func (c *Cache) Snapshot() map[domain.VehicleType]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[domain.VehicleType]int, len(c.prices))
	for k, v := range c.prices {
		out[k] = v
	}
	return out
}

// CalculateFare returns round(km * price[vehicleType]), falling back
// to the default price if the cached price is missing or non-positive
// (§4.1: never returns ≤ 0 for positive km).
func (c *Cache) CalculateFare(vehicleType domain.VehicleType, km float64) int {
	c.mu.RLock()
	perKm, ok := c.prices[vehicleType]
	c.mu.RUnlock()

	if !ok || perKm <= 0 {
		perKm = defaultPrices[vehicleType]
	}
	if perKm <= 0 {
		perKm = 1
	}
	return int(math.Round(km * float64(perKm)))
}

// SetPrice persists an admin-initiated price update, replaces the
// cache entry atomically, and broadcasts priceUpdate to observers.
func (c *Cache) SetPrice(ctx context.Context, vehicleType domain.VehicleType, perKm int) error {
	if perKm <= 0 {
		perKm = defaultPrices[vehicleType]
	}
	if err := c.store.SavePrice(ctx, vehicleType, perKm); err != nil {
		return err
	}

	c.mu.Lock()
	c.prices[vehicleType] = perKm
	snapshot := make(map[domain.VehicleType]int, len(c.prices))
	for k, v := range c.prices {
		snapshot[k] = v
	}
	c.mu.Unlock()

	if c.bcast != nil {
		c.bcast.BroadcastPriceUpdate(snapshot)
	}
	if c.events != nil {
		go func() {
			ctx2, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			payload := events.PriceUpdateEvent{Prices: snapshot, Timestamp: time.Now()}
			if err := c.events.PublishRideEvent(ctx2, events.PriceUpdatedRoutingKey, payload); err != nil {
				c.log.Warn("pricing.SetPrice", "price event publish failed (EXTERNAL_UNAVAILABLE): "+err.Error())
			}
		}()
	}
	return nil
}
