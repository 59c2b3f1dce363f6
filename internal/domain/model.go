// Package domain holds the persistent entities shared by every
// component in §3: Driver, Ride, Transaction, LocationSample, and the
// durable SequenceCounter. These are plain value types; no component
// owns a pointer into another's state, they reference each other by
// id.
package domain

import "time"

type DriverStatus string

const (
	DriverOffline DriverStatus = "offline"
	DriverLive    DriverStatus = "live"
	DriverOnRide  DriverStatus = "onRide"
)

type VehicleType string

const (
	VehicleBike VehicleType = "bike"
	VehicleTaxi VehicleType = "taxi"
	VehiclePort VehicleType = "port"
)

func ValidVehicleType(v string) bool {
	switch VehicleType(v) {
	case VehicleBike, VehicleTaxi, VehiclePort:
		return true
	default:
		return false
	}
}

type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Driver is a person who can accept rides (§3).
type Driver struct {
	DriverID                    string       `json:"driverId"` // stable external id, e.g. DRV001
	InternalID                  string       `json:"internalId"`
	DisplayName                 string       `json:"displayName"`
	Phone                       string       `json:"phone"`
	VehicleType                 VehicleType  `json:"vehicleType"` // immutable after provisioning
	VehicleNumber               string       `json:"vehicleNumber"`
	Wallet                      int          `json:"wallet"`
	Status                      DriverStatus `json:"status"`
	WorkingHoursLimit           int          `json:"workingHoursLimit"` // 12 or 24 (hours)
	WorkingHoursDeductionAmount int          `json:"workingHoursDeductionAmount"`
	RemainingWorkingSeconds     int          `json:"remainingWorkingSeconds"`
	TimerActive                 bool         `json:"timerActive"`
	WarningsIssued              int          `json:"warningsIssued"` // 0..3
	ExtendedHoursPurchased      bool         `json:"extendedHoursPurchased"`
	LastKnownLocation           LatLng       `json:"lastKnownLocation"`
	PushToken                   string       `json:"-"`
	UpdatedAt                   time.Time    `json:"updatedAt"`
}

type RideStatus string

const (
	RidePending   RideStatus = "pending"
	RideAccepted  RideStatus = "accepted"
	RideArrived   RideStatus = "arrived"
	RideStarted   RideStatus = "started"
	RideCompleted RideStatus = "completed"
	RideCancelled RideStatus = "cancelled"
)

type PaymentMethod string

const (
	PaymentCash           PaymentMethod = "cash"
	PaymentOnline         PaymentMethod = "online"
	PaymentWallet         PaymentMethod = "wallet"
	PaymentDriverTransfer PaymentMethod = "driver_transfer"
)

// Address is a location with a human-readable label, used for pickup
// and drop points.
type Address struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address"`
}

// RejectionRecord is one entry in a ride's rejectedBy multiset (§4.4).
type RejectionRecord struct {
	DriverID string    `json:"driverId"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// Ride is a booking instance (§3).
type Ride struct {
	RaidID         string `json:"raidId"` // RIDnnnnnn
	InternalID     string `json:"internalId"`
	PassengerRef   string `json:"passengerRef"`
	PassengerName  string `json:"passengerName"`
	PassengerPhone string `json:"passengerPhone"`
	CustomerID     string `json:"customerId"` // external customer id, used to derive OTP

	VehicleType VehicleType `json:"vehicleType"`
	Pickup      Address     `json:"pickup"`
	Drop        Address     `json:"drop"`
	DistanceKm  float64     `json:"distanceKm"`
	Fare        int         `json:"fare"`
	OTP         string      `json:"otp,omitempty"`

	Status    RideStatus        `json:"status"`
	DriverRef string            `json:"driverRef,omitempty"`
	Rejected  []RejectionRecord `json:"rejected,omitempty"`

	ActualDistanceKm float64       `json:"actualDistanceKm,omitempty"`
	ActualFare       int           `json:"actualFare,omitempty"`
	ActualPickup     *Address      `json:"actualPickup,omitempty"`
	ActualDrop       *Address      `json:"actualDrop,omitempty"`
	PaymentMethod    PaymentMethod `json:"paymentMethod,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	AcceptedAt  *time.Time `json:"acceptedAt,omitempty"`
	ArrivedAt   *time.Time `json:"arrivedAt,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CancelledAt *time.Time `json:"cancelledAt,omitempty"`
}

type TxType string

const (
	TxDebit  TxType = "debit"
	TxCredit TxType = "credit"
)

type TxMethod string

const (
	MethodShiftStartFee       TxMethod = "shift_start_fee"
	MethodExtendedAutoDebit   TxMethod = "extended_hours_auto_debit"
	MethodExtendedPurchase    TxMethod = "extended_hours_purchase"
	MethodExtraHalfTime       TxMethod = "extra_half_time"
	MethodExtraFullTime       TxMethod = "extra_full_time"
	MethodRideFare            TxMethod = "ride_fare"
	MethodAdminCredit         TxMethod = "admin_credit"
	MethodAdminDebit          TxMethod = "admin_debit"
)

// Transaction is a ledger entry paired with every wallet mutation (§3).
type Transaction struct {
	ID           string    `json:"id"`
	DriverRef    string    `json:"driverRef"`
	Amount       int       `json:"amount"` // positive
	Type         TxType    `json:"type"`
	Method       TxMethod  `json:"method"`
	Description  string    `json:"description,omitempty"`
	BalanceAfter int       `json:"balanceAfter,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	RideRef      string    `json:"rideRef,omitempty"`
}

type LocationSubjectKind string

const (
	SubjectDriver LocationSubjectKind = "driver"
	SubjectUser   LocationSubjectKind = "user"
)

// LocationSample is an append-only point sample (§3).
type LocationSample struct {
	SubjectID string
	Kind      LocationSubjectKind
	Lat       float64
	Lng       float64
	RideRef   string
	Timestamp time.Time
	Status    string
}

// SequenceCounter is a durable monotonic counter (§3), currently used
// only for ride id allocation.
type SequenceCounter struct {
	ID       string
	Sequence int
}
