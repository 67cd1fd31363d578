package fieldsync

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Ledger deduplicates client submissions across retried sync attempts.
// Recorded outcomes live in the record store with a bounded retention
// window; the in-flight set lives in memory and guards against concurrent
// duplicates (a client retrying after a timeout while the original request
// is still being applied).
type Ledger struct {
	store     RecordStore
	retention time.Duration

	inflightMu sync.Mutex
	inflight   map[string]bool

	now func() time.Time
}

// NewLedger creates a ledger over the given store.
func NewLedger(store RecordStore, retention time.Duration) *Ledger {
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return &Ledger{
		store:     store,
		retention: retention,
		inflight:  make(map[string]bool),
		now:       time.Now,
	}
}

// Acquire marks the given record keys in-flight for the duration of a sync
// session. If any key is already in flight, nothing is acquired and
// ErrSessionInProgress is returned: the retry must wait for the original
// request to finish and then observe its recorded outcome.
func (l *Ledger) Acquire(deviceID string, recordIDs []string) (release func(), err error) {
	l.inflightMu.Lock()
	defer l.inflightMu.Unlock()

	keys := make([]string, 0, len(recordIDs))
	for _, id := range recordIDs {
		keys = append(keys, outcomeKey(deviceID, id))
	}
	for _, k := range keys {
		if l.inflight[k] {
			return nil, newSyncError(SyncErrorTypeInProgress,
				"a submission with the same record id is being applied", "", nil, ErrSessionInProgress)
		}
	}
	for _, k := range keys {
		l.inflight[k] = true
	}
	return func() {
		l.inflightMu.Lock()
		defer l.inflightMu.Unlock()
		for _, k := range keys {
			delete(l.inflight, k)
		}
	}, nil
}

// CheckOrRecord returns the previously recorded outcome for the submission
// if one exists; otherwise it runs compute exactly once and records the
// result. Concurrent duplicate submissions are rejected with
// ErrSessionInProgress while the first is still applying.
//
// The store passed in may be a transaction shadow so the outcome commits
// atomically with the submission's effects.
func (l *Ledger) CheckOrRecord(ctx context.Context, store RecordStore, deviceID, clientRecordID string, compute func() (*RecordOutcome, error)) (*RecordOutcome, bool, error) {
	prior, err := store.GetOutcome(ctx, deviceID, clientRecordID)
	if err != nil {
		return nil, false, fmt.Errorf("ledger lookup failed: %w", err)
	}
	if prior != nil {
		return prior, true, nil
	}

	out, err := compute()
	if err != nil {
		return nil, false, err
	}
	out.DeviceID = deviceID
	out.ClientRecordID = clientRecordID
	if out.RecordedAt.IsZero() {
		out.RecordedAt = l.now()
	}
	if err := store.PutOutcome(ctx, out); err != nil {
		return nil, false, fmt.Errorf("ledger record failed: %w", err)
	}
	return out, false, nil
}

// Purge removes outcomes older than the retention window.
func (l *Ledger) Purge(ctx context.Context) error {
	return l.store.PurgeOutcomesBefore(ctx, l.now().Add(-l.retention))
}
