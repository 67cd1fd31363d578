package fieldsync

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLedgerCheckOrRecordReplays(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	l := NewLedger(store, time.Hour)
	ctx := context.Background()

	calls := 0
	compute := func() (*RecordOutcome, error) {
		calls++
		return &RecordOutcome{Kind: OutcomeKnockAccepted, KnockID: "k1", ServerSequence: 7}, nil
	}

	first, replayed, err := l.CheckOrRecord(ctx, store, "dev-1", "rec-1", compute)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if replayed {
		t.Fatal("first submission reported as replay")
	}

	second, replayed, err := l.CheckOrRecord(ctx, store, "dev-1", "rec-1", compute)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if !replayed {
		t.Fatal("retry not reported as replay")
	}
	if calls != 1 {
		t.Fatalf("compute ran %d times, want 1", calls)
	}
	if second.ServerSequence != first.ServerSequence || second.KnockID != first.KnockID {
		t.Fatalf("replayed outcome differs: %+v vs %+v", second, first)
	}
}

func TestLedgerOutcomesScopedByDevice(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	l := NewLedger(store, time.Hour)
	ctx := context.Background()

	calls := 0
	compute := func() (*RecordOutcome, error) {
		calls++
		return &RecordOutcome{Kind: OutcomeKnockAccepted}, nil
	}
	if _, _, err := l.CheckOrRecord(ctx, store, "dev-1", "rec-1", compute); err != nil {
		t.Fatal(err)
	}
	if _, _, err := l.CheckOrRecord(ctx, store, "dev-2", "rec-1", compute); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Fatalf("same record id on different devices must compute twice, got %d", calls)
	}
}

func TestLedgerAcquireBlocksConcurrentDuplicate(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	l := NewLedger(store, time.Hour)

	release, err := l.Acquire("dev-1", []string{"rec-1", "rec-2"})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	if _, err := l.Acquire("dev-1", []string{"rec-2"}); !errors.Is(err, ErrSessionInProgress) {
		t.Fatalf("overlapping acquire: got %v, want ErrSessionInProgress", err)
	}

	// A different device may use the same record ids.
	r2, err := l.Acquire("dev-2", []string{"rec-1"})
	if err != nil {
		t.Fatalf("cross-device acquire: %v", err)
	}
	r2()

	release()
	r3, err := l.Acquire("dev-1", []string{"rec-1"})
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	r3()
}

func TestLedgerPurge(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	l := NewLedger(store, time.Hour)
	ctx := context.Background()

	now := time.Now()
	l.now = func() time.Time { return now }

	old := &RecordOutcome{
		DeviceID:       "dev-1",
		ClientRecordID: "rec-old",
		Kind:           OutcomeKnockAccepted,
		RecordedAt:     now.Add(-2 * time.Hour),
	}
	fresh := &RecordOutcome{
		DeviceID:       "dev-1",
		ClientRecordID: "rec-new",
		Kind:           OutcomeKnockAccepted,
		RecordedAt:     now.Add(-time.Minute),
	}
	if err := store.PutOutcome(ctx, old); err != nil {
		t.Fatal(err)
	}
	if err := store.PutOutcome(ctx, fresh); err != nil {
		t.Fatal(err)
	}

	if err := l.Purge(ctx); err != nil {
		t.Fatalf("purge: %v", err)
	}

	got, err := store.GetOutcome(ctx, "dev-1", "rec-old")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Error("expired outcome survived purge")
	}
	got, err = store.GetOutcome(ctx, "dev-1", "rec-new")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Error("fresh outcome purged")
	}
}
