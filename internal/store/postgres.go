package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ridehail/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore backs every store sub-interface with a single pgx
// pool, the way the teacher's per-domain repo.go files each wrap the
// same pool type.
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

var ErrNotFound = errors.New("store: not found")

func (s *PostgresStore) GetDriver(ctx context.Context, driverID string) (*domain.Driver, error) {
	return scanDriver(s.db.QueryRow(ctx, driverSelectColumns+` WHERE driver_id = $1`, driverID))
}

func (s *PostgresStore) GetDriverByInternalID(ctx context.Context, internalID string) (*domain.Driver, error) {
	return scanDriver(s.db.QueryRow(ctx, driverSelectColumns+` WHERE internal_id = $1`, internalID))
}

func (s *PostgresStore) GetDriverByPhone(ctx context.Context, phone string) (*domain.Driver, error) {
	return scanDriver(s.db.QueryRow(ctx, driverSelectColumns+` WHERE phone = $1`, phone))
}

const driverSelectColumns = `
	SELECT driver_id, internal_id, display_name, phone, vehicle_type, vehicle_number,
	       wallet, status, working_hours_limit, working_hours_deduction_amount,
	       remaining_working_seconds, timer_active, warnings_issued, extended_hours_purchased,
	       last_lat, last_lng, push_token, updated_at
	FROM drivers`

func scanDriver(row pgx.Row) (*domain.Driver, error) {
	var d domain.Driver
	err := row.Scan(&d.DriverID, &d.InternalID, &d.DisplayName, &d.Phone, &d.VehicleType, &d.VehicleNumber,
		&d.Wallet, &d.Status, &d.WorkingHoursLimit, &d.WorkingHoursDeductionAmount,
		&d.RemainingWorkingSeconds, &d.TimerActive, &d.WarningsIssued, &d.ExtendedHoursPurchased,
		&d.LastKnownLocation.Lat, &d.LastKnownLocation.Lng, &d.PushToken, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan driver: %w", err)
	}
	return &d, nil
}

func (s *PostgresStore) CreateDriver(ctx context.Context, d *domain.Driver) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO drivers (driver_id, internal_id, display_name, phone, vehicle_type, vehicle_number,
		                      wallet, status, working_hours_limit, working_hours_deduction_amount,
		                      remaining_working_seconds, timer_active, warnings_issued, extended_hours_purchased,
		                      last_lat, last_lng, push_token, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		`,
		d.DriverID, d.InternalID, d.DisplayName, d.Phone, d.VehicleType, d.VehicleNumber,
		d.Wallet, d.Status, d.WorkingHoursLimit, d.WorkingHoursDeductionAmount,
		d.RemainingWorkingSeconds, d.TimerActive, d.WarningsIssued, d.ExtendedHoursPurchased,
		d.LastKnownLocation.Lat, d.LastKnownLocation.Lng, d.PushToken, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("insert driver: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateDriverStatus(ctx context.Context, driverID string, status domain.DriverStatus) error {
	_, err := s.db.Exec(ctx, `UPDATE drivers SET status = $1, updated_at = now() WHERE driver_id = $2`, status, driverID)
	return err
}

func (s *PostgresStore) UpdateDriverLocation(ctx context.Context, driverID string, loc domain.LatLng) error {
	_, err := s.db.Exec(ctx, `UPDATE drivers SET last_lat = $1, last_lng = $2, updated_at = now() WHERE driver_id = $3`,
		loc.Lat, loc.Lng, driverID)
	return err
}

func (s *PostgresStore) UpdateDriverPushToken(ctx context.Context, driverID, token string) error {
	_, err := s.db.Exec(ctx, `UPDATE drivers SET push_token = $1, updated_at = now() WHERE driver_id = $2`, token, driverID)
	return err
}

// AdjustWallet is the sole atomic read-modify-write path for wallet
// mutations (§5): select … for update pins the row for the duration
// of the transaction, so two concurrent callers for the same driver
// serialise rather than race on a stale read.
func (s *PostgresStore) AdjustWallet(ctx context.Context, driverID string, fn func(d *domain.Driver) (*domain.Transaction, error)) (int, *domain.Transaction, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := scanDriver(tx.QueryRow(ctx, driverSelectColumns+` WHERE driver_id = $1 FOR UPDATE`, driverID))
	if err != nil {
		return 0, nil, err
	}

	txRecord, err := fn(d)
	if err != nil {
		return 0, nil, err
	}

	if err := writeDriverState(ctx, tx, d); err != nil {
		return 0, nil, err
	}

	if txRecord != nil {
		txRecord.BalanceAfter = d.Wallet
		if err := insertTransaction(ctx, tx, txRecord); err != nil {
			return 0, nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, nil, fmt.Errorf("commit: %w", err)
	}
	return d.Wallet, txRecord, nil
}

func (s *PostgresStore) MutateDriverState(ctx context.Context, driverID string, fn func(d *domain.Driver) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := scanDriver(tx.QueryRow(ctx, driverSelectColumns+` WHERE driver_id = $1 FOR UPDATE`, driverID))
	if err != nil {
		return err
	}

	if err := fn(d); err != nil {
		return err
	}

	if err := writeDriverState(ctx, tx, d); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func writeDriverState(ctx context.Context, tx pgx.Tx, d *domain.Driver) error {
	_, err := tx.Exec(ctx, `
		UPDATE drivers SET
			wallet = $1, status = $2, remaining_working_seconds = $3, timer_active = $4,
			warnings_issued = $5, extended_hours_purchased = $6, updated_at = now()
		WHERE driver_id = $7
		`,
		d.Wallet, d.Status, d.RemainingWorkingSeconds, d.TimerActive,
		d.WarningsIssued, d.ExtendedHoursPurchased, d.DriverID,
	)
	if err != nil {
		return fmt.Errorf("write driver state: %w", err)
	}
	return nil
}

func insertTransaction(ctx context.Context, tx pgx.Tx, t *domain.Transaction) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO transactions (id, driver_ref, amount, type, method, description, balance_after, timestamp, ride_ref)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`,
		t.ID, t.DriverRef, t.Amount, t.Type, t.Method, t.Description, t.BalanceAfter, t.Timestamp, t.RideRef,
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListDriversByVehicleType(ctx context.Context, vehicleType domain.VehicleType, statuses []domain.DriverStatus) ([]*domain.Driver, error) {
	rows, err := s.db.Query(ctx, driverSelectColumns+` WHERE vehicle_type = $1 AND status = ANY($2)`, vehicleType, statuses)
	if err != nil {
		return nil, fmt.Errorf("list drivers by vehicle type: %w", err)
	}
	defer rows.Close()

	var out []*domain.Driver
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListTimerActiveDrivers(ctx context.Context) ([]*domain.Driver, error) {
	rows, err := s.db.Query(ctx, driverSelectColumns+` WHERE timer_active = true AND remaining_working_seconds > 0`)
	if err != nil {
		return nil, fmt.Errorf("list timer active drivers: %w", err)
	}
	defer rows.Close()

	var out []*domain.Driver
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

const rideSelectColumns = `
	SELECT raid_id, internal_id, passenger_ref, passenger_name, passenger_phone, customer_id,
	       vehicle_type, pickup_lat, pickup_lng, pickup_address, drop_lat, drop_lng, drop_address,
	       distance_km, fare, otp, status, coalesce(driver_ref, ''),
	       actual_distance_km, actual_fare, payment_method,
	       created_at, accepted_at, arrived_at, started_at, completed_at, cancelled_at
	FROM rides`

func scanRide(row pgx.Row) (*domain.Ride, error) {
	var r domain.Ride
	err := row.Scan(&r.RaidID, &r.InternalID, &r.PassengerRef, &r.PassengerName, &r.PassengerPhone, &r.CustomerID,
		&r.VehicleType, &r.Pickup.Lat, &r.Pickup.Lng, &r.Pickup.Address, &r.Drop.Lat, &r.Drop.Lng, &r.Drop.Address,
		&r.DistanceKm, &r.Fare, &r.OTP, &r.Status, &r.DriverRef,
		&r.ActualDistanceKm, &r.ActualFare, &r.PaymentMethod,
		&r.CreatedAt, &r.AcceptedAt, &r.ArrivedAt, &r.StartedAt, &r.CompletedAt, &r.CancelledAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan ride: %w", err)
	}
	return &r, nil
}

// rowQuerier is the subset of *pgxpool.Pool and pgx.Tx that
// loadRejections needs, so the same helper serves both a plain read
// and a read taken inside Transition's row-locked transaction.
type rowQuerier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

// loadRejections reads the rejectedBy multiset (§3, §4.4) for a ride.
// It's a separate query rather than a join because ride_rejections is
// unbounded and the common read path (single ride, few rejections)
// doesn't benefit from folding it into rideSelectColumns.
func loadRejections(ctx context.Context, q rowQuerier, raidID string) ([]domain.RejectionRecord, error) {
	rows, err := q.Query(ctx, `
		SELECT driver_id, reason, at FROM ride_rejections WHERE raid_id = $1 ORDER BY at`, raidID)
	if err != nil {
		return nil, fmt.Errorf("load rejections: %w", err)
	}
	defer rows.Close()

	var out []domain.RejectionRecord
	for rows.Next() {
		var rec domain.RejectionRecord
		var reason *string
		if err := rows.Scan(&rec.DriverID, &reason, &rec.At); err != nil {
			return nil, fmt.Errorf("scan rejection: %w", err)
		}
		if reason != nil {
			rec.Reason = *reason
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateRide(ctx context.Context, r *domain.Ride) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO rides (raid_id, internal_id, passenger_ref, passenger_name, passenger_phone, customer_id,
		                    vehicle_type, pickup_lat, pickup_lng, pickup_address, drop_lat, drop_lng, drop_address,
		                    distance_km, fare, otp, status, payment_method, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
		`,
		r.RaidID, r.InternalID, r.PassengerRef, r.PassengerName, r.PassengerPhone, r.CustomerID,
		r.VehicleType, r.Pickup.Lat, r.Pickup.Lng, r.Pickup.Address, r.Drop.Lat, r.Drop.Lng, r.Drop.Address,
		r.DistanceKm, r.Fare, r.OTP, r.Status, r.PaymentMethod, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert ride: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRide(ctx context.Context, raidID string) (*domain.Ride, error) {
	r, err := scanRide(s.db.QueryRow(ctx, rideSelectColumns+` WHERE raid_id = $1`, raidID))
	if err != nil {
		return nil, err
	}
	rejected, err := loadRejections(ctx, s.db, raidID)
	if err != nil {
		return nil, err
	}
	r.Rejected = rejected
	return r, nil
}

// Accept is the CAS arbitration primitive of §4.4: the UPDATE's WHERE
// clause only matches a row still in pending, so two concurrent
// callers for the same raidId can never both succeed — the database's
// row lock, not a read-then-write race, is the serialisation point.
func (s *PostgresStore) Accept(ctx context.Context, raidID, driverID string) (*domain.Ride, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE rides SET status = $1, driver_ref = $2, accepted_at = now()
		WHERE raid_id = $3 AND status = $4
		`, domain.RideAccepted, driverID, raidID, domain.RidePending)
	if err != nil {
		return nil, fmt.Errorf("accept ride: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrRideTaken
	}
	return s.GetRide(ctx, raidID)
}

var ErrRideTaken = errors.New("store: ride no longer pending")

func (s *PostgresStore) AppendRejection(ctx context.Context, raidID string, rec domain.RejectionRecord) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO ride_rejections (raid_id, driver_id, reason, at) VALUES ($1,$2,$3,$4)
		`, raidID, rec.DriverID, rec.Reason, rec.At)
	return err
}

// Transition performs a CAS from `from` to `to`, applying mutate to
// populate the written columns that vary by transition (arrival/start/
// complete/cancel timestamps, actual distance/fare). It does not
// attempt to generalize arbitrary column writes: one fixed UPDATE
// writes status, actual distance/fare, payment method and the four
// transition timestamps; other fields mutate changes are not persisted.
func (s *PostgresStore) Transition(ctx context.Context, raidID string, from, to domain.RideStatus, mutate func(r *domain.Ride)) (*domain.Ride, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	r, err := scanRide(tx.QueryRow(ctx, rideSelectColumns+` WHERE raid_id = $1 FOR UPDATE`, raidID))
	if err != nil {
		return nil, err
	}
	if r.Status != from {
		return nil, ErrInvalidTransition
	}
	if r.Rejected, err = loadRejections(ctx, tx, raidID); err != nil {
		return nil, err
	}

	mutate(r)
	r.Status = to

	_, err = tx.Exec(ctx, `
		UPDATE rides SET status = $1, actual_distance_km = $2, actual_fare = $3, payment_method = $4,
			arrived_at = $5, started_at = $6, completed_at = $7, cancelled_at = $8
		WHERE raid_id = $9
		`,
		r.Status, r.ActualDistanceKm, r.ActualFare, r.PaymentMethod,
		r.ArrivedAt, r.StartedAt, r.CompletedAt, r.CancelledAt, r.RaidID,
	)
	if err != nil {
		return nil, fmt.Errorf("write ride transition: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return r, nil
}

var ErrInvalidTransition = errors.New("store: ride not in expected status")

func (s *PostgresStore) CreateTransaction(ctx context.Context, t *domain.Transaction) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO transactions (id, driver_ref, amount, type, method, description, balance_after, timestamp, ride_ref)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, t.ID, t.DriverRef, t.Amount, t.Type, t.Method, t.Description, t.BalanceAfter, t.Timestamp, t.RideRef)
	return err
}

func (s *PostgresStore) ListTransactions(ctx context.Context, driverRef string, limit int) ([]*domain.Transaction, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, driver_ref, amount, type, method, description, balance_after, timestamp, coalesce(ride_ref, '')
		FROM transactions WHERE driver_ref = $1 ORDER BY timestamp DESC LIMIT $2
		`, driverRef, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Transaction
	for rows.Next() {
		var t domain.Transaction
		if err := rows.Scan(&t.ID, &t.DriverRef, &t.Amount, &t.Type, &t.Method, &t.Description, &t.BalanceAfter, &t.Timestamp, &t.RideRef); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertSample(ctx context.Context, smp *domain.LocationSample) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO location_samples (subject_id, kind, lat, lng, ride_ref, timestamp, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, smp.SubjectID, smp.Kind, smp.Lat, smp.Lng, smp.RideRef, smp.Timestamp, smp.Status)
	return err
}

// NextSequence increments the named counter and recycles it to 100000
// once it exceeds 999999 (§4.5, §8).
func (s *PostgresStore) NextSequence(ctx context.Context, id string) (int, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var seq int
	err = tx.QueryRow(ctx, `SELECT sequence FROM sequence_counters WHERE id = $1 FOR UPDATE`, id).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		seq = 100000
		if _, err := tx.Exec(ctx, `INSERT INTO sequence_counters (id, sequence) VALUES ($1, $2)`, id, seq); err != nil {
			return 0, fmt.Errorf("seed sequence: %w", err)
		}
	} else if err != nil {
		return 0, fmt.Errorf("read sequence: %w", err)
	} else {
		seq++
		if seq > 999999 {
			seq = 100000
		}
		if _, err := tx.Exec(ctx, `UPDATE sequence_counters SET sequence = $1 WHERE id = $2`, seq, id); err != nil {
			return 0, fmt.Errorf("write sequence: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return seq, nil
}

func (s *PostgresStore) GetPassengerBalance(ctx context.Context, userRef string) (int, error) {
	var balance int
	err := s.db.QueryRow(ctx, `SELECT wallet FROM passengers WHERE user_ref = $1`, userRef).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get passenger balance: %w", err)
	}
	return balance, nil
}

func (s *PostgresStore) AdjustPassengerWallet(ctx context.Context, userRef string, delta int) (int, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var balance int
	err = tx.QueryRow(ctx, `SELECT wallet FROM passengers WHERE user_ref = $1 FOR UPDATE`, userRef).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		balance = 0
		if _, err := tx.Exec(ctx, `INSERT INTO passengers (user_ref, wallet) VALUES ($1, 0)`, userRef); err != nil {
			return 0, fmt.Errorf("seed passenger: %w", err)
		}
	} else if err != nil {
		return 0, fmt.Errorf("read passenger balance: %w", err)
	}

	newBalance := balance + delta
	if newBalance < 0 {
		return 0, ErrInsufficientBalance
	}

	if _, err := tx.Exec(ctx, `UPDATE passengers SET wallet = $1 WHERE user_ref = $2`, newBalance, userRef); err != nil {
		return 0, fmt.Errorf("write passenger balance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return newBalance, nil
}

var ErrInsufficientBalance = errors.New("store: insufficient passenger balance")

func (s *PostgresStore) ResolveCustomerID(ctx context.Context, customerID string) (string, error) {
	var userRef string
	err := s.db.QueryRow(ctx, `SELECT user_ref FROM passengers WHERE customer_id = $1`, customerID).Scan(&userRef)
	if errors.Is(err, pgx.ErrNoRows) {
		return customerID, nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve customer id: %w", err)
	}
	return userRef, nil
}

func (s *PostgresStore) LoadPrices(ctx context.Context) (map[domain.VehicleType]int, error) {
	rows, err := s.db.Query(ctx, `SELECT vehicle_type, per_km FROM prices`)
	if err != nil {
		return nil, fmt.Errorf("load prices: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.VehicleType]int)
	for rows.Next() {
		var vt domain.VehicleType
		var perKm int
		if err := rows.Scan(&vt, &perKm); err != nil {
			return nil, err
		}
		out[vt] = perKm
	}
	return out, rows.Err()
}

func (s *PostgresStore) SavePrice(ctx context.Context, vehicleType domain.VehicleType, perKm int) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO prices (vehicle_type, per_km) VALUES ($1, $2)
		ON CONFLICT (vehicle_type) DO UPDATE SET per_km = excluded.per_km
		`, vehicleType, perKm)
	return err
}
