// Package events defines the domain-event payloads published onto the
// outbox (§9 supplement, SPEC_FULL §B): every ride/wallet/price
// mutation that the realtime gateway emits to observers is mirrored
// here for the external analytics and push-notification consumers.
package events

import (
	"time"

	"ridehail/internal/domain"
)

// RideStatusEvent mirrors an outbound rideStatusUpdate.
type RideStatusEvent struct {
	RaidID    string           `json:"raidId"`
	Status    domain.RideStatus `json:"status"`
	Timestamp time.Time        `json:"timestamp"`
}

// RideCompletedEvent carries the full completed ride snapshot for
// analytics, independent of the realtime rideCompleted payload's
// deliberate omission of a terminal status field.
type RideCompletedEvent struct {
	RaidID           string  `json:"raidId"`
	DriverRef        string  `json:"driverRef"`
	PassengerRef     string  `json:"passengerRef"`
	ActualFare       int     `json:"actualFare"`
	ActualDistanceKm float64 `json:"actualDistanceKm"`
	CompletedAt      time.Time `json:"completedAt"`
}

// WalletEvent mirrors an outbound walletUpdate.
type WalletEvent struct {
	DriverID     string          `json:"driverId"`
	NewBalance   int             `json:"newBalance"`
	Amount       int             `json:"amount"`
	Type         domain.TxType   `json:"type"`
	Method       domain.TxMethod `json:"method"`
	Timestamp    time.Time       `json:"timestamp"`
}

// PriceUpdateEvent mirrors an outbound priceUpdate.
type PriceUpdateEvent struct {
	Prices    map[domain.VehicleType]int `json:"prices"`
	Timestamp time.Time                  `json:"timestamp"`
}

// PushNotification is what the push worker consumes off push_topic.
type PushNotification struct {
	PushToken string            `json:"pushToken"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Data      map[string]string `json:"data,omitempty"`
}

// RideStatusRoutingKey builds the ride_topic routing key for a status
// transition, e.g. "ride.status.accepted".
func RideStatusRoutingKey(status domain.RideStatus) string {
	return "ride.status." + string(status)
}

const (
	RideCompletedRoutingKey = "ride.completed"
	WalletUpdatedRoutingKey = "wallet.updated"
	PriceUpdatedRoutingKey  = "price.updated"
	PushNotifyRoutingKey    = "push.notify"
)
