package wallet

import (
	"context"
	"testing"

	"ridehail/internal/domain"
	"ridehail/internal/shared/apperrors"
	"ridehail/internal/shared/util"
	"ridehail/internal/store"
)

type fakeDriverStore struct {
	drivers map[string]*domain.Driver
}

func newFakeDriverStore(d *domain.Driver) *fakeDriverStore {
	return &fakeDriverStore{drivers: map[string]*domain.Driver{d.DriverID: d}}
}

func (f *fakeDriverStore) GetDriver(ctx context.Context, driverID string) (*domain.Driver, error) {
	d, ok := f.drivers[driverID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *d
	return &cp, nil
}
func (f *fakeDriverStore) GetDriverByInternalID(ctx context.Context, internalID string) (*domain.Driver, error) {
	return nil, store.ErrNotFound
}
func (f *fakeDriverStore) GetDriverByPhone(ctx context.Context, phone string) (*domain.Driver, error) {
	return nil, store.ErrNotFound
}
func (f *fakeDriverStore) CreateDriver(ctx context.Context, d *domain.Driver) error { return nil }
func (f *fakeDriverStore) UpdateDriverStatus(ctx context.Context, driverID string, status domain.DriverStatus) error {
	return nil
}
func (f *fakeDriverStore) UpdateDriverLocation(ctx context.Context, driverID string, loc domain.LatLng) error {
	return nil
}
func (f *fakeDriverStore) UpdateDriverPushToken(ctx context.Context, driverID, token string) error {
	return nil
}
func (f *fakeDriverStore) AdjustWallet(ctx context.Context, driverID string, fn func(d *domain.Driver) (*domain.Transaction, error)) (int, *domain.Transaction, error) {
	d, ok := f.drivers[driverID]
	if !ok {
		return 0, nil, store.ErrNotFound
	}
	tx, err := fn(d)
	if err != nil {
		return 0, nil, err
	}
	return d.Wallet, tx, nil
}
func (f *fakeDriverStore) MutateDriverState(ctx context.Context, driverID string, fn func(d *domain.Driver) error) error {
	d, ok := f.drivers[driverID]
	if !ok {
		return store.ErrNotFound
	}
	return fn(d)
}
func (f *fakeDriverStore) ListDriversByVehicleType(ctx context.Context, vehicleType domain.VehicleType, statuses []domain.DriverStatus) ([]*domain.Driver, error) {
	return nil, nil
}
func (f *fakeDriverStore) ListTimerActiveDrivers(ctx context.Context) ([]*domain.Driver, error) {
	return nil, nil
}

type fakeNotifier struct {
	calls   int
	balance int
}

func (f *fakeNotifier) EmitWalletUpdate(driverID string, newBalance int, tx *domain.Transaction) {
	f.calls++
	f.balance = newBalance
}

func TestDebitReducesBalance(t *testing.T) {
	driver := &domain.Driver{DriverID: "DRV001", InternalID: "int-1", Wallet: 500}
	st := newFakeDriverStore(driver)
	notif := &fakeNotifier{}
	l := NewLedger(st, notif, util.New())

	balance, tx, err := l.Debit(context.Background(), "DRV001", 100, domain.MethodShiftStartFee, "shift fee", "")
	if err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if balance != 400 {
		t.Fatalf("expected balance 400, got %d", balance)
	}
	if tx.Type != domain.TxDebit || tx.Amount != 100 {
		t.Fatalf("unexpected transaction: %+v", tx)
	}
	if notif.calls != 1 || notif.balance != 400 {
		t.Fatalf("expected exactly one notification with balance 400, got calls=%d balance=%d", notif.calls, notif.balance)
	}
}

func TestDebitInsufficientBalanceLeavesStateUnchanged(t *testing.T) {
	driver := &domain.Driver{DriverID: "DRV001", InternalID: "int-1", Wallet: 50}
	st := newFakeDriverStore(driver)
	notif := &fakeNotifier{}
	l := NewLedger(st, notif, util.New())

	_, _, err := l.Debit(context.Background(), "DRV001", 100, domain.MethodShiftStartFee, "shift fee", "")
	if err != apperrors.ErrInsufficientBalance {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if driver.Wallet != 50 {
		t.Fatalf("expected wallet to remain unchanged at 50, got %d", driver.Wallet)
	}
	if notif.calls != 0 {
		t.Fatalf("expected no notification on failed debit, got %d calls", notif.calls)
	}
}

func TestCreditIncreasesBalance(t *testing.T) {
	driver := &domain.Driver{DriverID: "DRV001", InternalID: "int-1", Wallet: 0}
	st := newFakeDriverStore(driver)
	l := NewLedger(st, &fakeNotifier{}, util.New())

	balance, tx, err := l.Credit(context.Background(), "DRV001", 300, domain.MethodRideFare, "ride payout", "RID000001")
	if err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if balance != 300 {
		t.Fatalf("expected balance 300, got %d", balance)
	}
	if tx.Type != domain.TxCredit || tx.RideRef != "RID000001" {
		t.Fatalf("unexpected transaction: %+v", tx)
	}
}

func TestDebitIsIdempotentWithinMinuteBucket(t *testing.T) {
	driver := &domain.Driver{DriverID: "DRV001", InternalID: "int-1", Wallet: 500}
	st := newFakeDriverStore(driver)
	l := NewLedger(st, &fakeNotifier{}, util.New())

	first, _, err := l.Debit(context.Background(), "DRV001", 100, domain.MethodShiftStartFee, "shift fee", "RID1")
	if err != nil {
		t.Fatalf("first Debit: %v", err)
	}
	second, _, err := l.Debit(context.Background(), "DRV001", 100, domain.MethodShiftStartFee, "shift fee", "RID1")
	if err != nil {
		t.Fatalf("second Debit: %v", err)
	}
	if first != second {
		t.Fatalf("expected retried debit to return cached balance %d, got %d", first, second)
	}
	if driver.Wallet != 400 {
		t.Fatalf("expected the retry to be absorbed by the idempotency cache, wallet should still be 400, got %d", driver.Wallet)
	}
}
