// Package workinghours implements the Working-Hours Service (§4.6)
// and the Clock & Timer Wheel (§2): a per-driver countdown with
// tiered warnings, automatic debit on ignore, and the resume-vs-new-
// shift decision tree, serialised on the Driver row alongside the
// Wallet Ledger (§5: the start function is the sole debit site for
// shift_start_fee).
package workinghours

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ridehail/internal/domain"
	"ridehail/internal/shared/apperrors"
	"ridehail/internal/shared/models"
	"ridehail/internal/shared/util"
	"ridehail/internal/store"
	"ridehail/internal/wallet"
)

// Notifier delivers timer events to the driver's realtime connection;
// the realtime gateway's implementation sends no push notification.
type Notifier interface {
	EmitWorkingHoursWarning(driverID string, remainingSeconds int, warningsIssued int)
	EmitAutoStop(driverID string)
}

const (
	defaultShiftStartFee     = 100
	defaultExpiryExtendHours = 12
)

var defaultWarningThresholds = []int{3600, 1800, 600}

// TimerEntry is the in-memory wake schedule for one driver's tick
// loop (§3: In-memory only).
type TimerEntry struct {
	cancel context.CancelFunc
}

type Service struct {
	driverStore store.DriverStore
	ledger      *wallet.Ledger
	notif       Notifier
	log         *util.Logger
	cfg         models.WorkingHoursConfig

	mu     sync.Mutex
	timers map[string]*TimerEntry
}

// shiftStartFee, warningThresholds and expiryExtendSeconds resolve
// their config-supplied tunable, falling back to the spec's fixed
// defaults when a deployment leaves the field unset (§4.6, §9
// ambient stack: config seeds these but never requires them).
func (s *Service) shiftStartFee() int {
	if s.cfg.ShiftStartFee > 0 {
		return s.cfg.ShiftStartFee
	}
	return defaultShiftStartFee
}

func (s *Service) warningThresholds() []int {
	if len(s.cfg.WarningSeconds) > 0 {
		return s.cfg.WarningSeconds
	}
	return defaultWarningThresholds
}

func (s *Service) expiryExtendSeconds() int {
	if s.cfg.ExpiryExtendHrs > 0 {
		return s.cfg.ExpiryExtendHrs * 3600
	}
	return defaultExpiryExtendHours * 3600
}

func NewService(driverStore store.DriverStore, ledger *wallet.Ledger, notif Notifier, log *util.Logger, cfg models.WorkingHoursConfig) *Service {
	return &Service{
		driverStore: driverStore,
		ledger:      ledger,
		notif:       notif,
		log:         log,
		cfg:         cfg,
		timers:      make(map[string]*TimerEntry),
	}
}

// StartResult reports the decision §4.6's start decision tree made,
// for the acknowledgement payload.
type StartResult struct {
	AmountDeducted int
	Resumed        bool
	Duplicate      bool
}

// Start implements the go-online decision tree: duplicate start →
// resume → new shift, evaluated under the driver-row lock via
// AdjustWallet (new shift) or MutateDriverState (resume/duplicate).
func (s *Service) Start(ctx context.Context, driverID string) (*StartResult, error) {
	instance := "workinghours.Start"

	d, err := s.driverStore.GetDriver(ctx, driverID)
	if err != nil {
		return nil, err
	}

	if d.Status == domain.DriverLive && d.TimerActive && s.hasTimer(driverID) {
		s.log.Info(instance, fmt.Sprintf("duplicate start driver=%s", driverID))
		return &StartResult{Duplicate: true}, nil
	}

	if d.RemainingWorkingSeconds > 0 && !d.TimerActive {
		err := s.driverStore.MutateDriverState(ctx, driverID, func(d *domain.Driver) error {
			d.TimerActive = true
			d.Status = domain.DriverLive
			return nil
		})
		if err != nil {
			return nil, err
		}
		s.arm(driverID, d.RemainingWorkingSeconds)
		s.log.OK(instance, fmt.Sprintf("resume driver=%s remaining=%d", driverID, d.RemainingWorkingSeconds))
		return &StartResult{Resumed: true}, nil
	}

	fee := s.shiftStartFee()
	if d.Wallet < fee {
		return nil, apperrors.ErrInsufficientBalance
	}

	_, _, err = s.ledger.Debit(ctx, driverID, fee, domain.MethodShiftStartFee, "shift start fee", "")
	if err != nil {
		return nil, err
	}

	limitSeconds := d.WorkingHoursLimit * 3600
	err = s.driverStore.MutateDriverState(ctx, driverID, func(d *domain.Driver) error {
		d.RemainingWorkingSeconds = limitSeconds
		d.WarningsIssued = 0
		d.ExtendedHoursPurchased = false
		d.TimerActive = true
		d.Status = domain.DriverLive
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.arm(driverID, limitSeconds)
	s.log.OK(instance, fmt.Sprintf("new shift driver=%s limitSeconds=%d", driverID, limitSeconds))
	return &StartResult{AmountDeducted: fee}, nil
}

// Stop implements go-offline pause semantics: cancel the tick,
// persist remaining seconds, no wallet mutation.
func (s *Service) Stop(ctx context.Context, driverID string) error {
	s.disarm(driverID)
	return s.driverStore.MutateDriverState(ctx, driverID, func(d *domain.Driver) error {
		d.TimerActive = false
		d.Status = domain.DriverOffline
		return nil
	})
}

// Pause and Resume are explicit aliases of Stop/Start that never
// debit (§4.6); Resume only ever hits the resume (or duplicate) branch
// because it is only legal when RemainingWorkingSeconds > 0.
func (s *Service) Pause(ctx context.Context, driverID string) error {
	return s.Stop(ctx, driverID)
}

func (s *Service) Resume(ctx context.Context, driverID string) (*StartResult, error) {
	d, err := s.driverStore.GetDriver(ctx, driverID)
	if err != nil {
		return nil, err
	}
	duplicate := d.Status == domain.DriverLive && d.TimerActive && s.hasTimer(driverID)
	if !duplicate && (d.RemainingWorkingSeconds <= 0 || d.TimerActive) {
		return nil, apperrors.New(apperrors.KindDomainRule, "NOTHING_TO_RESUME", "no paused working time to resume")
	}
	return s.Start(ctx, driverID)
}

// Extend debits workingHoursDeductionAmount and adds additionalHours
// of running time (§4.6 manual extend).
func (s *Service) Extend(ctx context.Context, driverID string, additionalHours int) error {
	d, err := s.driverStore.GetDriver(ctx, driverID)
	if err != nil {
		return err
	}
	amount := d.WorkingHoursDeductionAmount
	if amount <= 0 {
		amount = s.cfg.DeductionAmount
	}
	if _, _, err := s.ledger.Debit(ctx, driverID, amount, domain.MethodExtendedPurchase, "manual extend", ""); err != nil {
		return err
	}
	return s.driverStore.MutateDriverState(ctx, driverID, func(d *domain.Driver) error {
		d.RemainingWorkingSeconds += additionalHours * 3600
		d.WarningsIssued = 0
		return nil
	})
}

// AddHalfTime and AddFullTime debit an amount determined by the
// driver's workingHoursLimit (§4.6): 12h → half 50 / full 100;
// 24h → half 100 / full 200.
func (s *Service) AddHalfTime(ctx context.Context, driverID string) error {
	return s.addTime(ctx, driverID, true)
}

func (s *Service) AddFullTime(ctx context.Context, driverID string) error {
	return s.addTime(ctx, driverID, false)
}

func (s *Service) addTime(ctx context.Context, driverID string, half bool) error {
	d, err := s.driverStore.GetDriver(ctx, driverID)
	if err != nil {
		return err
	}

	var amount, seconds int
	switch d.WorkingHoursLimit {
	case 24:
		if half {
			amount, seconds = 100, 12*3600
		} else {
			amount, seconds = 200, 24*3600
		}
	default: // 12h
		if half {
			amount, seconds = 50, 6*3600
		} else {
			amount, seconds = 100, 12*3600
		}
	}

	method := domain.MethodExtraFullTime
	if half {
		method = domain.MethodExtraHalfTime
	}

	if _, _, err := s.ledger.Debit(ctx, driverID, amount, method, "add working time", ""); err != nil {
		return err
	}
	return s.driverStore.MutateDriverState(ctx, driverID, func(d *domain.Driver) error {
		d.RemainingWorkingSeconds += seconds
		return nil
	})
}

// Snapshot returns the current timer state for the working-hours
// status endpoint (§9 supplement).
func (s *Service) Snapshot(ctx context.Context, driverID string) (*domain.Driver, error) {
	return s.driverStore.GetDriver(ctx, driverID)
}

func (s *Service) hasTimer(driverID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[driverID]
	return ok
}

func (s *Service) disarm(driverID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[driverID]; ok {
		t.cancel()
		delete(s.timers, driverID)
	}
}

// arm starts the per-driver tick goroutine. Only one tick loop per
// driver ever runs: arm always disarms any prior entry first.
func (s *Service) arm(driverID string, remainingSeconds int) {
	s.mu.Lock()
	if t, ok := s.timers[driverID]; ok {
		t.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.timers[driverID] = &TimerEntry{cancel: cancel}
	s.mu.Unlock()

	go s.tickLoop(ctx, driverID)
}

// tickLoop decrements remainingWorkingSeconds every second, firing
// warnings at exactly the 3600/1800/600s boundaries and handling
// expiry at zero (§4.6, §8: boundary behaviour).
func (s *Service) tickLoop(ctx context.Context, driverID string) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			done, err := s.tick(context.Background(), driverID)
			if err != nil {
				s.log.Error("workinghours.tick", err)
				return
			}
			if done {
				return
			}
		}
	}
}

// tick applies one second of countdown under the driver-row lock and
// returns true when the tick loop for this driver should stop
// (auto-stop, or the driver went offline out from under the timer).
func (s *Service) tick(ctx context.Context, driverID string) (bool, error) {
	var expired bool
	var stop bool
	var remaining int
	var warningFired int
	var warningsIssued int

	err := s.driverStore.MutateDriverState(ctx, driverID, func(d *domain.Driver) error {
		if !d.TimerActive {
			stop = true
			return nil
		}
		d.RemainingWorkingSeconds--
		remaining = d.RemainingWorkingSeconds

		for i, threshold := range s.warningThresholds() {
			if remaining == threshold && d.WarningsIssued == i {
				d.WarningsIssued = i + 1
				warningFired = remaining
				warningsIssued = d.WarningsIssued
			}
		}

		if remaining <= 0 {
			expired = true
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if stop {
		return true, nil
	}

	if warningFired > 0 && s.notif != nil {
		s.notif.EmitWorkingHoursWarning(driverID, warningFired, warningsIssued)
	}

	if expired {
		return s.expire(ctx, driverID)
	}
	return false, nil
}

// expire implements §4.6's expiry branch: auto-debit and continue, or
// stop offline with no Transaction.
func (s *Service) expire(ctx context.Context, driverID string) (bool, error) {
	d, err := s.driverStore.GetDriver(ctx, driverID)
	if err != nil {
		return true, err
	}

	deduction := d.WorkingHoursDeductionAmount
	if deduction <= 0 {
		deduction = s.cfg.DeductionAmount
	}

	if d.Wallet >= deduction {
		if _, _, err := s.ledger.Debit(ctx, driverID, deduction, domain.MethodExtendedAutoDebit, "extended hours auto debit", ""); err != nil {
			return true, err
		}
		err := s.driverStore.MutateDriverState(ctx, driverID, func(d *domain.Driver) error {
			d.RemainingWorkingSeconds += s.expiryExtendSeconds()
			d.WarningsIssued = 0
			d.ExtendedHoursPurchased = true
			return nil
		})
		return false, err
	}

	err = s.driverStore.MutateDriverState(ctx, driverID, func(d *domain.Driver) error {
		d.TimerActive = false
		d.Status = domain.DriverOffline
		return nil
	})
	if err != nil {
		return true, err
	}
	if s.notif != nil {
		s.notif.EmitAutoStop(driverID)
	}
	return true, nil
}

// Rearm re-arms the timer for a driver recovered at startup (§6:
// process-wide state init: arm timers for all drivers with
// timerActive == true and remainingWorkingSeconds > 0).
func (s *Service) Rearm(d *domain.Driver) {
	if d.TimerActive && d.RemainingWorkingSeconds > 0 {
		s.arm(d.DriverID, d.RemainingWorkingSeconds)
	}
}
