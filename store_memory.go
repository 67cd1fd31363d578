package fieldsync

import (
	"context"
	"sort"
	"sync"
	"time"
)

// leadHistoryDepth bounds how many prior lead versions each store retains
// for three-way merges.
const leadHistoryDepth = 8

// MemoryStore implements RecordStore with in-memory state. Useful for tests
// and ephemeral embedding.
type MemoryStore struct {
	mu   sync.RWMutex
	data *memData
	// inTx marks a transaction shadow; shadows skip locking because the
	// parent holds the write lock for the whole transaction.
	inTx bool
}

type memData struct {
	knocks   []Knock                     // ordered by ServerSequence
	knockIDs map[string]int              // knock ID -> index in knocks
	leads    map[string]*Lead            // current versions
	history  map[string]map[uint64]*Lead // retained prior versions
	outcomes map[string]*RecordOutcome   // deviceID "\x00" recordID -> outcome
	counters map[string]uint64
}

func newMemData() *memData {
	return &memData{
		knockIDs: make(map[string]int),
		leads:    make(map[string]*Lead),
		history:  make(map[string]map[uint64]*Lead),
		outcomes: make(map[string]*RecordOutcome),
		counters: make(map[string]uint64),
	}
}

func (d *memData) clone() *memData {
	c := newMemData()
	c.knocks = append([]Knock(nil), d.knocks...)
	for k, v := range d.knockIDs {
		c.knockIDs[k] = v
	}
	for k, v := range d.leads {
		c.leads[k] = v.Clone()
	}
	for id, versions := range d.history {
		m := make(map[uint64]*Lead, len(versions))
		for ver, l := range versions {
			m[ver] = l
		}
		c.history[id] = m
	}
	for k, v := range d.outcomes {
		c.outcomes[k] = v
	}
	for k, v := range d.counters {
		c.counters[k] = v
	}
	return c
}

// NewMemoryStore creates an empty in-memory record store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: newMemData()}
}

func (m *MemoryStore) rlock() func() {
	if m.inTx {
		return func() {}
	}
	m.mu.RLock()
	return m.mu.RUnlock
}

func (m *MemoryStore) lock() func() {
	if m.inTx {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

func outcomeKey(deviceID, recordID string) string {
	return deviceID + "\x00" + recordID
}

func (m *MemoryStore) AppendKnocks(ctx context.Context, knocks []Knock) error {
	defer m.lock()()
	for _, k := range knocks {
		if _, ok := m.data.knockIDs[k.KnockID]; ok {
			continue
		}
		m.data.knockIDs[k.KnockID] = len(m.data.knocks)
		m.data.knocks = append(m.data.knocks, k)
	}
	return nil
}

func (m *MemoryStore) KnocksSince(ctx context.Context, seq uint64, limit int) ([]Knock, error) {
	defer m.rlock()()
	// knocks are appended in sequence order; binary search the boundary.
	i := sort.Search(len(m.data.knocks), func(i int) bool {
		return m.data.knocks[i].ServerSequence > seq
	})
	var out []Knock
	for ; i < len(m.data.knocks); i++ {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, m.data.knocks[i])
	}
	return out, nil
}

func (m *MemoryStore) KnocksByRep(ctx context.Context, repID string, startMillis, endMillis int64, limit int) ([]Knock, error) {
	defer m.rlock()()
	var out []Knock
	for _, k := range m.data.knocks {
		if k.RepID != repID {
			continue
		}
		if startMillis != 0 && k.ClientTimestamp.WallMillis < startMillis {
			continue
		}
		if endMillis != 0 && k.ClientTimestamp.WallMillis > endMillis {
			continue
		}
		out = append(out, k)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) GetKnock(ctx context.Context, knockID string) (*Knock, error) {
	defer m.rlock()()
	i, ok := m.data.knockIDs[knockID]
	if !ok {
		return nil, ErrKnockNotFound
	}
	k := m.data.knocks[i]
	return &k, nil
}

func (m *MemoryStore) SetCoaching(ctx context.Context, knockID string, res *CoachingResult) error {
	defer m.lock()()
	i, ok := m.data.knockIDs[knockID]
	if !ok {
		return ErrKnockNotFound
	}
	m.data.knocks[i].Coaching = res
	return nil
}

func (m *MemoryStore) PruneKnocksThrough(ctx context.Context, seq uint64) error {
	defer m.lock()()
	i := sort.Search(len(m.data.knocks), func(i int) bool {
		return m.data.knocks[i].ServerSequence > seq
	})
	if i == 0 {
		return nil
	}
	for _, k := range m.data.knocks[:i] {
		delete(m.data.knockIDs, k.KnockID)
	}
	m.data.knocks = append([]Knock(nil), m.data.knocks[i:]...)
	for id := range m.data.knockIDs {
		m.data.knockIDs[id] -= i
	}
	return nil
}

func (m *MemoryStore) GetLead(ctx context.Context, leadID string) (*Lead, error) {
	defer m.rlock()()
	l, ok := m.data.leads[leadID]
	if !ok {
		return nil, ErrLeadNotFound
	}
	return l.Clone(), nil
}

func (m *MemoryStore) GetLeadVersion(ctx context.Context, leadID string, version uint64) (*Lead, error) {
	defer m.rlock()()
	if cur, ok := m.data.leads[leadID]; ok && cur.Version == version {
		return cur.Clone(), nil
	}
	if versions, ok := m.data.history[leadID]; ok {
		if l, ok := versions[version]; ok {
			return l.Clone(), nil
		}
	}
	return nil, ErrLeadNotFound
}

func (m *MemoryStore) PutLead(ctx context.Context, lead *Lead, expect uint64) error {
	defer m.lock()()
	cur, ok := m.data.leads[lead.LeadID]
	if !ok {
		if expect != 0 {
			return ErrVersionMismatch
		}
	} else {
		if cur.Version != expect {
			return ErrVersionMismatch
		}
		versions, ok := m.data.history[lead.LeadID]
		if !ok {
			versions = make(map[uint64]*Lead)
			m.data.history[lead.LeadID] = versions
		}
		versions[cur.Version] = cur
		if lead.Version > leadHistoryDepth {
			delete(versions, lead.Version-leadHistoryDepth)
		}
	}
	m.data.leads[lead.LeadID] = lead.Clone()
	return nil
}

func (m *MemoryStore) ListLeads(ctx context.Context, ownerRepID string, status LeadStatus) ([]Lead, error) {
	defer m.rlock()()
	out := make([]Lead, 0, len(m.data.leads))
	for _, l := range m.data.leads {
		if ownerRepID != "" && l.OwnerRepID != ownerRepID {
			continue
		}
		if status != "" && l.Status != status {
			continue
		}
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LeadID < out[j].LeadID })
	return out, nil
}

func (m *MemoryStore) GetOutcome(ctx context.Context, deviceID, clientRecordID string) (*RecordOutcome, error) {
	defer m.rlock()()
	out, ok := m.data.outcomes[outcomeKey(deviceID, clientRecordID)]
	if !ok {
		return nil, nil
	}
	c := *out
	return &c, nil
}

func (m *MemoryStore) PutOutcome(ctx context.Context, out *RecordOutcome) error {
	defer m.lock()()
	c := *out
	m.data.outcomes[outcomeKey(out.DeviceID, out.ClientRecordID)] = &c
	return nil
}

func (m *MemoryStore) PurgeOutcomesBefore(ctx context.Context, t time.Time) error {
	defer m.lock()()
	for k, o := range m.data.outcomes {
		if o.RecordedAt.Before(t) {
			delete(m.data.outcomes, k)
		}
	}
	return nil
}

func (m *MemoryStore) GetCounter(ctx context.Context, name string) (uint64, error) {
	defer m.rlock()()
	return m.data.counters[name], nil
}

func (m *MemoryStore) RaiseCounter(ctx context.Context, name string, v uint64) error {
	defer m.lock()()
	if v > m.data.counters[name] {
		m.data.counters[name] = v
	}
	return nil
}

// RunInTransaction applies fn to a shadow copy of the store and swaps it in
// only if fn succeeds, so a failed session leaves no partial state.
func (m *MemoryStore) RunInTransaction(ctx context.Context, fn func(tx RecordStore) error) error {
	if m.inTx {
		return fn(m)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	shadow := &MemoryStore{data: m.data.clone(), inTx: true}
	if err := fn(shadow); err != nil {
		return err
	}
	m.data = shadow.data
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}
