package workinghours

import (
	"context"
	"testing"

	"ridehail/internal/domain"
	"ridehail/internal/shared/apperrors"
	"ridehail/internal/shared/models"
	"ridehail/internal/shared/util"
	"ridehail/internal/store"
	"ridehail/internal/wallet"
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
	warnings int
	stops    int
}

func (f *fakeNotifier) EmitWorkingHoursWarning(driverID string, remainingSeconds int, warningsIssued int) {
	f.warnings++
}
func (f *fakeNotifier) EmitAutoStop(driverID string) { f.stops++ }

func testConfig() models.WorkingHoursConfig {
	return models.WorkingHoursConfig{DeductionAmount: 100, ShiftStartFee: 100, WarningSeconds: []int{3600, 1800, 600}, ExpiryExtendHrs: 12}
}

func TestStartNewShiftDebitsFeeAndArmsTimer(t *testing.T) {
	driver := &domain.Driver{DriverID: "DRV001", InternalID: "int-1", Wallet: 500, WorkingHoursLimit: 12}
	ds := newFakeDriverStore(driver)
	ledger := wallet.NewLedger(ds, nil, util.New())
	s := NewService(ds, ledger, &fakeNotifier{}, util.New(), testConfig())

	res, err := s.Start(context.Background(), "DRV001")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if res.AmountDeducted != 100 || res.Resumed || res.Duplicate {
		t.Fatalf("expected a fresh new-shift start, got %+v", res)
	}
	if driver.Wallet != 400 {
		t.Fatalf("expected shift start fee of 100 debited, wallet=%d", driver.Wallet)
	}
	if driver.RemainingWorkingSeconds != 12*3600 {
		t.Fatalf("expected 12h of running time, got %d", driver.RemainingWorkingSeconds)
	}
	if !driver.TimerActive || driver.Status != domain.DriverLive {
		t.Fatalf("expected driver to be live with an active timer, got %+v", driver)
	}
	s.disarm("DRV001")
}

func TestStartRejectsInsufficientBalance(t *testing.T) {
	driver := &domain.Driver{DriverID: "DRV001", InternalID: "int-1", Wallet: 50, WorkingHoursLimit: 12}
	ds := newFakeDriverStore(driver)
	ledger := wallet.NewLedger(ds, nil, util.New())
	s := NewService(ds, ledger, &fakeNotifier{}, util.New(), testConfig())

	_, err := s.Start(context.Background(), "DRV001")
	if err != apperrors.ErrInsufficientBalance {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestStartResumesWithoutDebitingAgain(t *testing.T) {
	driver := &domain.Driver{DriverID: "DRV001", InternalID: "int-1", Wallet: 500, WorkingHoursLimit: 12, RemainingWorkingSeconds: 4000, TimerActive: false}
	ds := newFakeDriverStore(driver)
	ledger := wallet.NewLedger(ds, nil, util.New())
	s := NewService(ds, ledger, &fakeNotifier{}, util.New(), testConfig())

	res, err := s.Start(context.Background(), "DRV001")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !res.Resumed || res.AmountDeducted != 0 {
		t.Fatalf("expected a resume with no debit, got %+v", res)
	}
	if driver.Wallet != 500 {
		t.Fatalf("expected wallet untouched by a resume, got %d", driver.Wallet)
	}
	s.disarm("DRV001")
}

func TestStartDetectsDuplicate(t *testing.T) {
	driver := &domain.Driver{DriverID: "DRV001", InternalID: "int-1", Wallet: 500, WorkingHoursLimit: 12, RemainingWorkingSeconds: 4000, TimerActive: true, Status: domain.DriverLive}
	ds := newFakeDriverStore(driver)
	ledger := wallet.NewLedger(ds, nil, util.New())
	s := NewService(ds, ledger, &fakeNotifier{}, util.New(), testConfig())

	s.arm("DRV001", 4000)
	defer s.disarm("DRV001")

	res, err := s.Start(context.Background(), "DRV001")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !res.Duplicate {
		t.Fatalf("expected duplicate start to be detected, got %+v", res)
	}
}

func TestStopClearsTimerActiveAndDisarms(t *testing.T) {
	driver := &domain.Driver{DriverID: "DRV001", InternalID: "int-1", Wallet: 500, TimerActive: true, Status: domain.DriverLive}
	ds := newFakeDriverStore(driver)
	ledger := wallet.NewLedger(ds, nil, util.New())
	s := NewService(ds, ledger, &fakeNotifier{}, util.New(), testConfig())
	s.arm("DRV001", 100)

	if err := s.Stop(context.Background(), "DRV001"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if driver.TimerActive || driver.Status != domain.DriverOffline {
		t.Fatalf("expected driver offline with timer inactive, got %+v", driver)
	}
	if s.hasTimer("DRV001") {
		t.Fatalf("expected the tick loop to be disarmed")
	}
}

func TestTickFiresWarningAtThreshold(t *testing.T) {
	driver := &domain.Driver{DriverID: "DRV001", InternalID: "int-1", Wallet: 500, TimerActive: true, RemainingWorkingSeconds: 3601}
	ds := newFakeDriverStore(driver)
	ledger := wallet.NewLedger(ds, nil, util.New())
	notif := &fakeNotifier{}
	s := NewService(ds, ledger, notif, util.New(), testConfig())

	done, err := s.tick(context.Background(), "DRV001")
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if done {
		t.Fatalf("expected tick to not stop the loop at the first warning boundary")
	}
	if driver.RemainingWorkingSeconds != 3600 {
		t.Fatalf("expected countdown to 3600, got %d", driver.RemainingWorkingSeconds)
	}
	if notif.warnings != 1 {
		t.Fatalf("expected exactly one warning fired, got %d", notif.warnings)
	}
	if driver.WarningsIssued != 1 {
		t.Fatalf("expected warningsIssued to advance to 1, got %d", driver.WarningsIssued)
	}
}

func TestExpireAutoDebitsWhenBalanceSufficient(t *testing.T) {
	driver := &domain.Driver{DriverID: "DRV001", InternalID: "int-1", Wallet: 500, TimerActive: true, RemainingWorkingSeconds: 1}
	ds := newFakeDriverStore(driver)
	ledger := wallet.NewLedger(ds, nil, util.New())
	notif := &fakeNotifier{}
	s := NewService(ds, ledger, notif, util.New(), testConfig())

	done, err := s.tick(context.Background(), "DRV001")
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if done {
		t.Fatalf("expected auto-debit expiry to keep the driver's shift running")
	}
	if driver.Wallet != 400 {
		t.Fatalf("expected deduction of 100 on expiry, wallet=%d", driver.Wallet)
	}
	if !driver.ExtendedHoursPurchased {
		t.Fatalf("expected ExtendedHoursPurchased to be set")
	}
	if driver.RemainingWorkingSeconds != s.expiryExtendSeconds() {
		t.Fatalf("expected the shift to extend by 12h, got %d", driver.RemainingWorkingSeconds)
	}
}

func TestExpireAutoStopsWhenBalanceInsufficient(t *testing.T) {
	driver := &domain.Driver{DriverID: "DRV001", InternalID: "int-1", Wallet: 10, TimerActive: true, RemainingWorkingSeconds: 1}
	ds := newFakeDriverStore(driver)
	ledger := wallet.NewLedger(ds, nil, util.New())
	notif := &fakeNotifier{}
	s := NewService(ds, ledger, notif, util.New(), testConfig())

	done, err := s.tick(context.Background(), "DRV001")
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if !done {
		t.Fatalf("expected insufficient balance to stop the timer loop")
	}
	if driver.TimerActive || driver.Status != domain.DriverOffline {
		t.Fatalf("expected the driver to auto-stop offline, got %+v", driver)
	}
	if notif.stops != 1 {
		t.Fatalf("expected exactly one auto-stop notification, got %d", notif.stops)
	}
}
