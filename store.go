package fieldsync

import (
	"context"
	"time"
)

// Cursor is a client's bookmark into the server's ordered knock log and
// per-lead version map. A client holding cursor C has every knock with
// ServerSequence <= C.KnockSeq and, for each lead it knows, every version
// up to the recorded one.
type Cursor struct {
	KnockSeq     uint64            `json:"knockSeq"`
	LeadVersions map[string]uint64 `json:"leadVersions,omitempty"`
}

// Clone returns a deep copy.
func (c Cursor) Clone() Cursor {
	out := Cursor{KnockSeq: c.KnockSeq}
	if c.LeadVersions != nil {
		out.LeadVersions = make(map[string]uint64, len(c.LeadVersions))
		for k, v := range c.LeadVersions {
			out.LeadVersions[k] = v
		}
	}
	return out
}

// OutcomeKind classifies a recorded submission outcome.
type OutcomeKind string

// Outcome kinds.
const (
	OutcomeKnockAccepted OutcomeKind = "knock_accepted"
	OutcomeLeadMerged    OutcomeKind = "lead_merged"
	OutcomeLeadRejected  OutcomeKind = "lead_rejected"
)

// RecordOutcome is the idempotency ledger entry for one submitted record.
// A retried submission with the same (deviceId, clientRecordId) observes
// this outcome verbatim instead of being applied again.
type RecordOutcome struct {
	DeviceID       string      `json:"deviceId"`
	ClientRecordID string      `json:"clientRecordId"`
	Kind           OutcomeKind `json:"kind"`
	KnockID        string      `json:"knockId,omitempty"`
	ServerSequence uint64      `json:"serverSequence,omitempty"`
	LeadID         string      `json:"leadId,omitempty"`
	LeadVersion    uint64      `json:"leadVersion,omitempty"`
	// RejectReason explains a lead rejection ("stale_write" or
	// "invalid_transition").
	RejectReason string    `json:"rejectReason,omitempty"`
	RecordedAt   time.Time `json:"recordedAt"`
}

// Counter names persisted through the record store.
const (
	counterKnockSeq       = "knock_seq"        // highest assigned server sequence
	counterOldestRetained = "oldest_retained"  // lowest sequence still in the hot log
)

// RecordStore is the durable keyed storage capability the engine builds on.
// Implementations must make RunInTransaction atomic: either every write
// inside fn becomes durable, or none do.
//
// Knocks are append-only; leads are guarded by compare-and-set on version.
type RecordStore interface {
	// AppendKnocks durably appends accepted knocks. Each knock must carry
	// a ServerSequence; sequences are never reused.
	AppendKnocks(ctx context.Context, knocks []Knock) error

	// KnocksSince returns up to limit knocks with ServerSequence > seq in
	// sequence order. limit <= 0 means no limit.
	KnocksSince(ctx context.Context, seq uint64, limit int) ([]Knock, error)

	// KnocksByRep returns up to limit knocks for a rep whose client
	// timestamp falls in [start, end] wall-clock milliseconds. Zero bounds
	// are open.
	KnocksByRep(ctx context.Context, repID string, startMillis, endMillis int64, limit int) ([]Knock, error)

	// GetKnock returns a knock by ID, or ErrKnockNotFound.
	GetKnock(ctx context.Context, knockID string) (*Knock, error)

	// SetCoaching attaches a coaching result to an accepted knock.
	SetCoaching(ctx context.Context, knockID string, res *CoachingResult) error

	// PruneKnocksThrough removes knocks with ServerSequence <= seq from
	// the hot log (after they have been archived).
	PruneKnocksThrough(ctx context.Context, seq uint64) error

	// GetLead returns the current lead, or ErrLeadNotFound.
	GetLead(ctx context.Context, leadID string) (*Lead, error)

	// GetLeadVersion returns a retained historical version of a lead, or
	// ErrLeadNotFound if that version has been pruned.
	GetLeadVersion(ctx context.Context, leadID string, version uint64) (*Lead, error)

	// PutLead writes a lead if the stored version equals expect (0 for a
	// new lead), retaining the prior version for three-way merges.
	// Returns ErrVersionMismatch on a lost race.
	PutLead(ctx context.Context, lead *Lead, expect uint64) error

	// ListLeads returns all current leads, optionally filtered by owner
	// rep and status.
	ListLeads(ctx context.Context, ownerRepID string, status LeadStatus) ([]Lead, error)

	// GetOutcome returns the recorded outcome for a submission, or nil if
	// none is recorded.
	GetOutcome(ctx context.Context, deviceID, clientRecordID string) (*RecordOutcome, error)

	// PutOutcome records a submission outcome.
	PutOutcome(ctx context.Context, out *RecordOutcome) error

	// PurgeOutcomesBefore removes outcomes recorded before t.
	PurgeOutcomesBefore(ctx context.Context, t time.Time) error

	// GetCounter returns a named monotonic counter (0 if unset).
	GetCounter(ctx context.Context, name string) (uint64, error)

	// RaiseCounter raises a named counter to at least v. Counters never
	// move backward.
	RaiseCounter(ctx context.Context, name string, v uint64) error

	// RunInTransaction applies fn atomically. The store passed to fn must
	// be used only within fn.
	RunInTransaction(ctx context.Context, fn func(tx RecordStore) error) error

	// Close releases resources.
	Close() error
}

// Ensure interfaces are implemented.
var (
	_ RecordStore = (*MemoryStore)(nil)
	_ RecordStore = (*SQLiteStore)(nil)
)
