// Package rideid implements the Ride Identity Service (§4.5):
// monotonic sequential ride identifier allocation with wrap recycling
// and a degraded fallback on store error.
package rideid

import (
	"context"
	"fmt"
	"time"

	"ridehail/internal/shared/util"
	"ridehail/internal/store"
)

const counterID = "raidId"

type Allocator struct {
	store store.SequenceStore
	log   *util.Logger
}

func NewAllocator(st store.SequenceStore, log *util.Logger) *Allocator {
	return &Allocator{store: st, log: log}
}

// Allocate returns RID + zero-padded six-digit sequence. On any store
// error it falls back to RID + the last 6 digits of the current
// unix-millis + 3 random digits, and logs the degradation; a rare
// fallback collision surfaces downstream as a duplicate-key error on
// Ride insert and is retried by the caller (§4.5).
func (a *Allocator) Allocate(ctx context.Context) string {
	seq, err := a.store.NextSequence(ctx, counterID)
	if err != nil {
		a.log.Warn("rideid.Allocate", fmt.Sprintf("sequence store unavailable, falling back: %v", err))
		millis := time.Now().UnixMilli()
		tail := millis % 1000000
		return fmt.Sprintf("RID%06d%s", tail, util.RandomDigits(3))
	}
	return fmt.Sprintf("RID%06d", seq)
}
