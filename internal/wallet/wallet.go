// Package wallet implements the Wallet Ledger (§4.2): atomic
// debit/credit against the Driver row with a paired Transaction
// record and a walletUpdate broadcast.
package wallet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ridehail/internal/domain"
	"ridehail/internal/events"
	"ridehail/internal/shared/apperrors"
	"ridehail/internal/shared/util"
	"ridehail/internal/store"
)

// Notifier is implemented by the realtime gateway; the ledger
// broadcasts walletUpdate through it after every committed mutation.
type Notifier interface {
	EmitWalletUpdate(driverID string, newBalance int, tx *domain.Transaction)
}

// EventPublisher is the mq.Publisher's ride-topic-facing surface; the
// ledger mirrors every committed mutation onto it for external
// analytics consumers that don't hold a live socket.
type EventPublisher interface {
	PublishRideEvent(ctx context.Context, routingKey string, payload interface{}) error
}

type Ledger struct {
	store  store.DriverStore
	notif  Notifier
	events EventPublisher
	log    *util.Logger

	idemMu sync.Mutex
	idem   map[string]idemEntry
}

type idemEntry struct {
	result    int
	tx        *domain.Transaction
	expiresAt time.Time
}

func NewLedger(st store.DriverStore, notif Notifier, log *util.Logger) *Ledger {
	return &Ledger{store: st, notif: notif, log: log, idem: make(map[string]idemEntry)}
}

// SetEventPublisher wires the outbox publisher after construction so
// call sites without a broker connection (tests, and NewLedger's
// existing callers) don't need a constructor param they'd otherwise
// always pass nil.
func (l *Ledger) SetEventPublisher(pub EventPublisher) { l.events = pub }

func (l *Ledger) publishWalletEvent(driverID string, balance int, tx *domain.Transaction) {
	if l.events == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		payload := events.WalletEvent{
			DriverID: driverID, NewBalance: balance, Amount: tx.Amount,
			Type: tx.Type, Method: tx.Method, Timestamp: time.Now(),
		}
		if err := l.events.PublishRideEvent(ctx, events.WalletUpdatedRoutingKey, payload); err != nil {
			l.log.Warn("wallet.publishWalletEvent", "wallet event publish failed (EXTERNAL_UNAVAILABLE): "+err.Error())
		}
	}()
}

// idempotencyKey matches §4.2: (driverId, method, rideRef, minute-bucket),
// used to de-risk a caller retrying after STORE_UNAVAILABLE.
func idempotencyKey(driverID string, method domain.TxMethod, rideRef string, at time.Time) string {
	return fmt.Sprintf("%s|%s|%s|%d", driverID, method, rideRef, at.Unix()/60)
}

func (l *Ledger) cached(key string) (int, *domain.Transaction, bool) {
	l.idemMu.Lock()
	defer l.idemMu.Unlock()
	e, ok := l.idem[key]
	if !ok || time.Now().After(e.expiresAt) {
		return 0, nil, false
	}
	return e.result, e.tx, true
}

func (l *Ledger) remember(key string, balance int, tx *domain.Transaction) {
	l.idemMu.Lock()
	defer l.idemMu.Unlock()
	l.idem[key] = idemEntry{result: balance, tx: tx, expiresAt: time.Now().Add(2 * time.Minute)}
}

// Debit requires balance >= amount; on insufficient balance it makes
// no state change and writes no Transaction (§4.2).
func (l *Ledger) Debit(ctx context.Context, driverID string, amount int, method domain.TxMethod, description, rideRef string) (int, *domain.Transaction, error) {
	instance := "wallet.Debit"
	key := idempotencyKey(driverID, method, rideRef, time.Now())
	if balance, tx, ok := l.cached(key); ok {
		return balance, tx, nil
	}

	balance, tx, err := l.store.AdjustWallet(ctx, driverID, func(d *domain.Driver) (*domain.Transaction, error) {
		if d.Wallet < amount {
			return nil, apperrors.ErrInsufficientBalance
		}
		d.Wallet -= amount
		return &domain.Transaction{
			ID:          util.GenerateUUID(),
			DriverRef:   d.InternalID,
			Amount:      amount,
			Type:        domain.TxDebit,
			Method:      method,
			Description: description,
			Timestamp:   time.Now(),
			RideRef:     rideRef,
		}, nil
	})
	if err != nil {
		l.log.Warn(instance, fmt.Sprintf("debit failed driver=%s method=%s: %v", driverID, method, err))
		return 0, nil, err
	}

	l.remember(key, balance, tx)
	l.log.OK(instance, fmt.Sprintf("debit driver=%s amount=%d method=%s balance=%d", driverID, amount, method, balance))
	if l.notif != nil {
		l.notif.EmitWalletUpdate(driverID, balance, tx)
	}
	l.publishWalletEvent(driverID, balance, tx)
	return balance, tx, nil
}

// Credit always succeeds against the Driver row invariant (wallet
// never needs a floor check for a credit).
func (l *Ledger) Credit(ctx context.Context, driverID string, amount int, method domain.TxMethod, description, rideRef string) (int, *domain.Transaction, error) {
	instance := "wallet.Credit"
	key := idempotencyKey(driverID, method, rideRef, time.Now())
	if balance, tx, ok := l.cached(key); ok {
		return balance, tx, nil
	}

	balance, tx, err := l.store.AdjustWallet(ctx, driverID, func(d *domain.Driver) (*domain.Transaction, error) {
		d.Wallet += amount
		return &domain.Transaction{
			ID:          util.GenerateUUID(),
			DriverRef:   d.InternalID,
			Amount:      amount,
			Type:        domain.TxCredit,
			Method:      method,
			Description: description,
			Timestamp:   time.Now(),
			RideRef:     rideRef,
		}, nil
	})
	if err != nil {
		l.log.Error(instance, err)
		return 0, nil, err
	}

	l.remember(key, balance, tx)
	l.log.OK(instance, fmt.Sprintf("credit driver=%s amount=%d method=%s balance=%d", driverID, amount, method, balance))
	if l.notif != nil {
		l.notif.EmitWalletUpdate(driverID, balance, tx)
	}
	l.publishWalletEvent(driverID, balance, tx)
	return balance, tx, nil
}
