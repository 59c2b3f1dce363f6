package rideid

import (
	"context"
	"errors"
	"strings"
	"testing"

	"ridehail/internal/shared/util"
)

type fakeSeqStore struct {
	next int
	err  error
}

func (f *fakeSeqStore) NextSequence(ctx context.Context, id string) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.next++
	return f.next, nil
}

func TestAllocateFormatsZeroPaddedSequence(t *testing.T) {
	a := NewAllocator(&fakeSeqStore{}, util.New())

	got := a.Allocate(context.Background())
	if got != "RID000001" {
		t.Fatalf("expected RID000001, got %s", got)
	}

	got = a.Allocate(context.Background())
	if got != "RID000002" {
		t.Fatalf("expected RID000002, got %s", got)
	}
}

func TestAllocateFallsBackOnStoreError(t *testing.T) {
	a := NewAllocator(&fakeSeqStore{err: errors.New("db down")}, util.New())

	got := a.Allocate(context.Background())
	if !strings.HasPrefix(got, "RID") {
		t.Fatalf("expected fallback id to still carry the RID prefix, got %s", got)
	}
	if len(got) != len("RID")+6+3 {
		t.Fatalf("expected fallback id to be 6 sequence digits + 3 random digits, got %q (len %d)", got, len(got))
	}
}
