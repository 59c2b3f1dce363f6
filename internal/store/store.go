// Package store defines the Persistent Store Adapter (§2): typed
// reads/writes for Driver, Ride, Transaction, LocationSample, and
// SequenceCounter, independent of the concrete database driver.
package store

import (
	"context"

	"ridehail/internal/domain"
)

// DriverStore provides row-level access to Driver, with AdjustWallet
// as the sole path for atomic wallet mutation and MutateDriverState
// for working-hours state that leaves the wallet alone (§5: the
// Driver row is the serialisation point).
type DriverStore interface {
	GetDriver(ctx context.Context, driverID string) (*domain.Driver, error)
	GetDriverByInternalID(ctx context.Context, internalID string) (*domain.Driver, error)
	GetDriverByPhone(ctx context.Context, phone string) (*domain.Driver, error)
	CreateDriver(ctx context.Context, d *domain.Driver) error
	UpdateDriverStatus(ctx context.Context, driverID string, status domain.DriverStatus) error
	UpdateDriverLocation(ctx context.Context, driverID string, loc domain.LatLng) error
	UpdateDriverPushToken(ctx context.Context, driverID, token string) error

	// AdjustWallet runs fn against the current driver row under a
	// row lock and persists whatever mutation fn makes, returning the
	// resulting balance. fn returning an error aborts the mutation
	// with no state change (§4.2).
	AdjustWallet(ctx context.Context, driverID string, fn func(d *domain.Driver) (*domain.Transaction, error)) (int, *domain.Transaction, error)

	// MutateDriverState runs fn against the current driver row under
	// the same row lock as AdjustWallet but without requiring a
	// Transaction, for timer-only mutations (pause/resume/tick
	// warnings) that never touch the wallet (§4.6).
	MutateDriverState(ctx context.Context, driverID string, fn func(d *domain.Driver) error) error

	ListDriversByVehicleType(ctx context.Context, vehicleType domain.VehicleType, statuses []domain.DriverStatus) ([]*domain.Driver, error)
	ListTimerActiveDrivers(ctx context.Context) ([]*domain.Driver, error)
}

// RideStore provides row-level access to Ride, with Accept as the CAS
// arbitration primitive (§4.4).
type RideStore interface {
	CreateRide(ctx context.Context, r *domain.Ride) error
	GetRide(ctx context.Context, raidID string) (*domain.Ride, error)
	Accept(ctx context.Context, raidID, driverID string) (*domain.Ride, error)
	AppendRejection(ctx context.Context, raidID string, rec domain.RejectionRecord) error
	Transition(ctx context.Context, raidID string, from, to domain.RideStatus, mutate func(r *domain.Ride)) (*domain.Ride, error)
}

// TransactionStore persists ledger entries.
type TransactionStore interface {
	CreateTransaction(ctx context.Context, tx *domain.Transaction) error
	ListTransactions(ctx context.Context, driverRef string, limit int) ([]*domain.Transaction, error)
}

// LocationStore persists append-only location samples.
type LocationStore interface {
	InsertSample(ctx context.Context, s *domain.LocationSample) error
}

// SequenceStore allocates durable monotonic sequence numbers.
type SequenceStore interface {
	NextSequence(ctx context.Context, id string) (int, error)
}

// PassengerStore provides the passenger-wallet side of the ledger
// (§9 supplement: passenger wallet as a first-class balance).
type PassengerStore interface {
	GetPassengerBalance(ctx context.Context, userRef string) (int, error)
	AdjustPassengerWallet(ctx context.Context, userRef string, delta int) (int, error)
	ResolveCustomerID(ctx context.Context, customerID string) (userRef string, err error)
}

// PricingStore provides the durable side of the Pricing Cache (§4.1).
type PricingStore interface {
	LoadPrices(ctx context.Context) (map[domain.VehicleType]int, error)
	SavePrice(ctx context.Context, vehicleType domain.VehicleType, perKm int) error
}

// Store is the full Persistent Store Adapter surface. A concrete
// implementation (postgres.go) backs every sub-interface with the
// same pgx pool.
type Store interface {
	DriverStore
	RideStore
	TransactionStore
	LocationStore
	SequenceStore
	PassengerStore
	PricingStore
}
