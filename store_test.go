package fieldsync

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// withStores runs a test against every RecordStore implementation.
func withStores(t *testing.T, fn func(t *testing.T, store RecordStore)) {
	t.Run("memory", func(t *testing.T) {
		store := NewMemoryStore()
		defer store.Close()
		fn(t, store)
	})
	t.Run("sqlite", func(t *testing.T) {
		store, err := NewSQLiteStore(DefaultSQLiteStoreConfig(t.TempDir() + "/test.db"))
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		defer store.Close()
		fn(t, store)
	})
}

func testKnock(id string, seq uint64, repID string, millis int64) Knock {
	return Knock{
		KnockID:         id,
		RepID:           repID,
		DeviceID:        "dev-1",
		Outcome:         OutcomeNoAnswer,
		Location:        GeoPoint{Lat: 37.77, Lon: -122.41},
		ClientTimestamp: Timestamp{WallMillis: millis, DeviceID: "dev-1"},
		ServerSequence:  seq,
	}
}

func TestStoreKnockLog(t *testing.T) {
	withStores(t, func(t *testing.T, store RecordStore) {
		ctx := context.Background()
		for i := uint64(1); i <= 5; i++ {
			k := testKnock(fmt.Sprintf("k%d", i), i, "rep-1", int64(i*1000))
			if err := store.AppendKnocks(ctx, []Knock{k}); err != nil {
				t.Fatalf("append: %v", err)
			}
		}

		got, err := store.KnocksSince(ctx, 2, 2)
		if err != nil {
			t.Fatalf("since: %v", err)
		}
		if len(got) != 2 || got[0].ServerSequence != 3 || got[1].ServerSequence != 4 {
			t.Fatalf("KnocksSince(2, 2) = %+v", got)
		}

		k, err := store.GetKnock(ctx, "k3")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if k.ServerSequence != 3 {
			t.Errorf("k3 sequence = %d", k.ServerSequence)
		}
		if _, err := store.GetKnock(ctx, "missing"); !errors.Is(err, ErrKnockNotFound) {
			t.Errorf("missing knock: got %v", err)
		}

		// Duplicate appends are ignored, not doubled.
		if err := store.AppendKnocks(ctx, []Knock{testKnock("k3", 3, "rep-1", 3000)}); err != nil {
			t.Fatalf("re-append: %v", err)
		}
		all, err := store.KnocksSince(ctx, 0, 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(all) != 5 {
			t.Fatalf("knock count after duplicate append = %d, want 5", len(all))
		}
	})
}

func TestStoreKnocksByRep(t *testing.T) {
	withStores(t, func(t *testing.T, store RecordStore) {
		ctx := context.Background()
		seed := []Knock{
			testKnock("k1", 1, "rep-1", 1000),
			testKnock("k2", 2, "rep-2", 2000),
			testKnock("k3", 3, "rep-1", 3000),
			testKnock("k4", 4, "rep-1", 9000),
		}
		if err := store.AppendKnocks(ctx, seed); err != nil {
			t.Fatal(err)
		}

		got, err := store.KnocksByRep(ctx, "rep-1", 2000, 9000, 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 2 || got[0].KnockID != "k3" || got[1].KnockID != "k4" {
			t.Fatalf("window query = %+v", got)
		}

		got, err = store.KnocksByRep(ctx, "rep-1", 0, 0, 2)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 2 {
			t.Fatalf("limit ignored: %d knocks", len(got))
		}
	})
}

func TestStorePruneKnocks(t *testing.T) {
	withStores(t, func(t *testing.T, store RecordStore) {
		ctx := context.Background()
		for i := uint64(1); i <= 4; i++ {
			if err := store.AppendKnocks(ctx, []Knock{testKnock(fmt.Sprintf("k%d", i), i, "rep-1", int64(i))}); err != nil {
				t.Fatal(err)
			}
		}
		if err := store.PruneKnocksThrough(ctx, 2); err != nil {
			t.Fatalf("prune: %v", err)
		}
		got, err := store.KnocksSince(ctx, 0, 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 2 || got[0].ServerSequence != 3 {
			t.Fatalf("after prune: %+v", got)
		}
		if _, err := store.GetKnock(ctx, "k1"); !errors.Is(err, ErrKnockNotFound) {
			t.Errorf("pruned knock still readable: %v", err)
		}
		if _, err := store.GetKnock(ctx, "k4"); err != nil {
			t.Errorf("retained knock lost: %v", err)
		}
	})
}

func TestStoreLeadCAS(t *testing.T) {
	withStores(t, func(t *testing.T, store RecordStore) {
		ctx := context.Background()
		lead := &Lead{LeadID: "lead-1", Name: "Ada", Status: StatusNew, Version: 1}

		if err := store.PutLead(ctx, lead, 0); err != nil {
			t.Fatalf("create: %v", err)
		}
		// Second create against version 0 loses.
		if err := store.PutLead(ctx, lead, 0); !errors.Is(err, ErrVersionMismatch) {
			t.Fatalf("duplicate create: got %v", err)
		}

		v2 := lead.Clone()
		v2.Version = 2
		v2.Status = StatusContacted
		if err := store.PutLead(ctx, v2, 1); err != nil {
			t.Fatalf("update: %v", err)
		}
		// Stale expected version loses.
		v3 := lead.Clone()
		v3.Version = 3
		if err := store.PutLead(ctx, v3, 1); !errors.Is(err, ErrVersionMismatch) {
			t.Fatalf("stale CAS: got %v", err)
		}

		cur, err := store.GetLead(ctx, "lead-1")
		if err != nil {
			t.Fatal(err)
		}
		if cur.Version != 2 || cur.Status != StatusContacted {
			t.Fatalf("current lead = %+v", cur)
		}

		// The replaced version is retained for three-way merges.
		prev, err := store.GetLeadVersion(ctx, "lead-1", 1)
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		if prev.Status != StatusNew {
			t.Errorf("history version 1 = %+v", prev)
		}
	})
}

func TestStoreLeadHistoryBounded(t *testing.T) {
	withStores(t, func(t *testing.T, store RecordStore) {
		ctx := context.Background()
		lead := &Lead{LeadID: "lead-1", Status: StatusNew, Version: 1}
		if err := store.PutLead(ctx, lead, 0); err != nil {
			t.Fatal(err)
		}
		for v := uint64(2); v <= leadHistoryDepth+3; v++ {
			next := lead.Clone()
			next.Version = v
			if err := store.PutLead(ctx, next, v-1); err != nil {
				t.Fatalf("put v%d: %v", v, err)
			}
		}
		if _, err := store.GetLeadVersion(ctx, "lead-1", 1); !errors.Is(err, ErrLeadNotFound) {
			t.Errorf("version beyond retention depth still present: %v", err)
		}
		if _, err := store.GetLeadVersion(ctx, "lead-1", leadHistoryDepth+2); err != nil {
			t.Errorf("recent version missing: %v", err)
		}
	})
}

func TestStoreListLeadsFilters(t *testing.T) {
	withStores(t, func(t *testing.T, store RecordStore) {
		ctx := context.Background()
		seed := []*Lead{
			{LeadID: "a", OwnerRepID: "rep-1", Status: StatusNew, Version: 1},
			{LeadID: "b", OwnerRepID: "rep-2", Status: StatusNew, Version: 1},
			{LeadID: "c", OwnerRepID: "rep-1", Status: StatusWon, Version: 1},
		}
		for _, l := range seed {
			if err := store.PutLead(ctx, l, 0); err != nil {
				t.Fatal(err)
			}
		}

		all, err := store.ListLeads(ctx, "", "")
		if err != nil {
			t.Fatal(err)
		}
		if len(all) != 3 || all[0].LeadID != "a" || all[2].LeadID != "c" {
			t.Fatalf("unfiltered list = %+v", all)
		}

		byRep, err := store.ListLeads(ctx, "rep-1", "")
		if err != nil {
			t.Fatal(err)
		}
		if len(byRep) != 2 {
			t.Fatalf("rep filter returned %d leads", len(byRep))
		}

		byStatus, err := store.ListLeads(ctx, "rep-1", StatusWon)
		if err != nil {
			t.Fatal(err)
		}
		if len(byStatus) != 1 || byStatus[0].LeadID != "c" {
			t.Fatalf("status filter = %+v", byStatus)
		}
	})
}

func TestStoreCounters(t *testing.T) {
	withStores(t, func(t *testing.T, store RecordStore) {
		ctx := context.Background()
		v, err := store.GetCounter(ctx, "c")
		if err != nil || v != 0 {
			t.Fatalf("unset counter = %d, %v", v, err)
		}
		if err := store.RaiseCounter(ctx, "c", 10); err != nil {
			t.Fatal(err)
		}
		// Raising to a lower value must not move the counter backward.
		if err := store.RaiseCounter(ctx, "c", 5); err != nil {
			t.Fatal(err)
		}
		v, err = store.GetCounter(ctx, "c")
		if err != nil {
			t.Fatal(err)
		}
		if v != 10 {
			t.Fatalf("counter = %d, want 10", v)
		}
	})
}

func TestStoreTransactionRollback(t *testing.T) {
	withStores(t, func(t *testing.T, store RecordStore) {
		ctx := context.Background()
		boom := errors.New("boom")
		err := store.RunInTransaction(ctx, func(tx RecordStore) error {
			if err := tx.AppendKnocks(ctx, []Knock{testKnock("k1", 1, "rep-1", 1000)}); err != nil {
				return err
			}
			if err := tx.PutLead(ctx, &Lead{LeadID: "lead-1", Status: StatusNew, Version: 1}, 0); err != nil {
				return err
			}
			if err := tx.RaiseCounter(ctx, counterKnockSeq, 1); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("transaction error = %v", err)
		}

		if _, err := store.GetKnock(ctx, "k1"); !errors.Is(err, ErrKnockNotFound) {
			t.Error("rolled-back knock persisted")
		}
		if _, err := store.GetLead(ctx, "lead-1"); !errors.Is(err, ErrLeadNotFound) {
			t.Error("rolled-back lead persisted")
		}
		if v, _ := store.GetCounter(ctx, counterKnockSeq); v != 0 {
			t.Errorf("rolled-back counter = %d", v)
		}
	})
}

func TestStoreTransactionCommit(t *testing.T) {
	withStores(t, func(t *testing.T, store RecordStore) {
		ctx := context.Background()
		err := store.RunInTransaction(ctx, func(tx RecordStore) error {
			if err := tx.AppendKnocks(ctx, []Knock{testKnock("k1", 1, "rep-1", 1000)}); err != nil {
				return err
			}
			return tx.RaiseCounter(ctx, counterKnockSeq, 1)
		})
		if err != nil {
			t.Fatalf("transaction: %v", err)
		}
		if _, err := store.GetKnock(ctx, "k1"); err != nil {
			t.Errorf("committed knock missing: %v", err)
		}
		if v, _ := store.GetCounter(ctx, counterKnockSeq); v != 1 {
			t.Errorf("committed counter = %d", v)
		}
	})
}

func TestStoreSetCoaching(t *testing.T) {
	withStores(t, func(t *testing.T, store RecordStore) {
		ctx := context.Background()
		if err := store.AppendKnocks(ctx, []Knock{testKnock("k1", 1, "rep-1", 1000)}); err != nil {
			t.Fatal(err)
		}
		res := &CoachingResult{FeedbackText: "good opener", Score: 82}
		if err := store.SetCoaching(ctx, "k1", res); err != nil {
			t.Fatalf("set coaching: %v", err)
		}
		k, err := store.GetKnock(ctx, "k1")
		if err != nil {
			t.Fatal(err)
		}
		if k.Coaching == nil || k.Coaching.Score != 82 {
			t.Fatalf("coaching not persisted: %+v", k.Coaching)
		}
		if err := store.SetCoaching(ctx, "missing", res); !errors.Is(err, ErrKnockNotFound) {
			t.Errorf("coaching on missing knock: %v", err)
		}
	})
}
