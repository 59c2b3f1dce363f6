package restapi

import (
	"sync"
	"time"

	"ridehail/internal/shared/util"
)

// otpBootstrap issues and checks the short-lived OTP used by the
// driver auth-bootstrap flow (§9 supplement): request-driver-otp
// generates one against the driver's phone, get-complete-driver-info
// consumes it. In-memory only, mirroring the pack's idempotency-cache
// pattern (wallet.Ledger) rather than a durable table, since a login
// OTP is only ever meaningful for a few minutes.
type otpBootstrap struct {
	mu      sync.Mutex
	entries map[string]otpEntry
}

type otpEntry struct {
	code      string
	expiresAt time.Time
}

func newOTPBootstrap() *otpBootstrap {
	return &otpBootstrap{entries: make(map[string]otpEntry)}
}

func (o *otpBootstrap) issue(phone string) string {
	code := util.RandomDigits(4)
	o.mu.Lock()
	o.entries[phone] = otpEntry{code: code, expiresAt: time.Now().Add(5 * time.Minute)}
	o.mu.Unlock()
	return code
}

func (o *otpBootstrap) verify(phone, code string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.entries[phone]
	if !ok || time.Now().After(e.expiresAt) {
		return false
	}
	if e.code != code {
		return false
	}
	delete(o.entries, phone)
	return true
}
