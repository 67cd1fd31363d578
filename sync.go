package fieldsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// Rejection reasons carried in outcomes and responses.
const (
	ReasonStaleWrite        = "stale_write"
	ReasonInvalidTransition = "invalid_transition"
)

// casAttempts bounds optimistic-concurrency retries for a sync session.
const casAttempts = 3

// SyncRequest is one client sync submission: everything the device mutated
// while offline, plus the cursor marking the last server state it has seen.
type SyncRequest struct {
	DeviceID   string      `json:"deviceId"`
	RepID      string      `json:"repId"`
	Cursor     Cursor      `json:"cursor"`
	Knocks     []Knock     `json:"knocks,omitempty"`
	LeadDeltas []LeadDelta `json:"leadDeltas,omitempty"`
}

// AcceptedKnock reports the server sequence assigned to a submitted knock.
type AcceptedKnock struct {
	KnockID        string `json:"knockId"`
	ServerSequence uint64 `json:"serverSequence"`
}

// RejectedLeadDelta reports a lead delta that was not applied, with enough
// context for the client to re-base deterministically.
type RejectedLeadDelta struct {
	ClientRecordID     string `json:"clientRecordId"`
	LeadID             string `json:"leadId"`
	Reason             string `json:"reason"`
	CurrentServerState *Lead  `json:"currentServerState,omitempty"`
}

// SyncAccepted lists the records the server durably applied.
type SyncAccepted struct {
	Knocks  []AcceptedKnock `json:"knocks,omitempty"`
	LeadIDs []string        `json:"leadIds,omitempty"`
}

// SyncResponse is the atomic result of one sync session.
type SyncResponse struct {
	Accepted SyncAccepted        `json:"accepted"`
	Rejected []RejectedLeadDelta `json:"rejected,omitempty"`
	// ServerKnocks and ServerLeads are the records the client is missing,
	// bounded by the configured batch size.
	ServerKnocks []Knock `json:"serverKnocks,omitempty"`
	ServerLeads  []Lead  `json:"serverLeads,omitempty"`
	NewCursor    Cursor  `json:"newCursor"`
	// HasMore signals the delta was truncated; the client should issue a
	// follow-up sync with the new cursor.
	HasMore bool `json:"hasMore"`
}

// Sync runs one sync session: idempotency checks, per-record conflict
// resolution, durable apply, and delta computation, all atomic with respect
// to partial failure. A failed session records nothing and is safe to
// resubmit unchanged.
func (e *Engine) Sync(ctx context.Context, req *SyncRequest) (*SyncResponse, error) {
	if e.isClosed() {
		return nil, ErrClosed
	}
	if err := e.validateSyncRequest(req); err != nil {
		return nil, err
	}
	if err := e.checkCursor(ctx, req.Cursor); err != nil {
		return nil, err
	}

	recordIDs := make([]string, 0, len(req.Knocks)+len(req.LeadDeltas))
	for _, k := range req.Knocks {
		recordIDs = append(recordIDs, k.KnockID)
	}
	for _, d := range req.LeadDeltas {
		recordIDs = append(recordIDs, d.ClientRecordID)
	}
	release, err := e.ledger.Acquire(req.DeviceID, recordIDs)
	if err != nil {
		return nil, err
	}
	defer release()

	// Assigned sequences must not become visible out of commit order: a
	// download session that sees sequence n advances its cursor past every
	// lower sequence, so the lock is held from assignment through commit.
	if len(req.Knocks) > 0 {
		e.seqMu.Lock()
		defer e.seqMu.Unlock()
	}

	var resp *SyncResponse
	var accepted []Knock
	for attempt := 0; attempt < casAttempts; attempt++ {
		resp, accepted, err = e.runSession(ctx, req)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrVersionMismatch) {
			// The transaction rolled back: nothing was recorded and the
			// batch is safe to resubmit unchanged.
			return nil, newSyncError(SyncErrorTypeRetryable,
				"session apply failed", "", nil, err)
		}
		// Lost a CAS race with a concurrent session touching the same
		// lead: re-fetch and re-resolve against the new state.
	}
	if err != nil {
		return nil, newSyncError(SyncErrorTypeRetryable,
			"session lost concurrent lead updates repeatedly", "", nil, ErrRetryableSession)
	}

	// Post-commit side effects: derived state and live subscribers. Both
	// tolerate replay, so a crash here is recovered by rebuild on open.
	for _, k := range accepted {
		e.heatmap.Apply(k)
		e.hub.Broadcast(k)
	}
	e.stats.syncSessions.Add(1)
	e.stats.knocksAccepted.Add(uint64(len(accepted)))
	return resp, nil
}

func (e *Engine) validateSyncRequest(req *SyncRequest) error {
	if req.DeviceID == "" {
		return errors.New("device id is required")
	}
	maxBatch := e.config.Sync.MaxBatchSize
	if len(req.Knocks)+len(req.LeadDeltas) > maxBatch {
		return fmt.Errorf("batch of %d records exceeds limit %d", len(req.Knocks)+len(req.LeadDeltas), maxBatch)
	}
	for i := range req.Knocks {
		if err := req.Knocks[i].Validate(); err != nil {
			return fmt.Errorf("knock %d: %w", i, err)
		}
		if req.Knocks[i].DeviceID != req.DeviceID {
			return fmt.Errorf("knock %d: device %q does not match session device %q",
				i, req.Knocks[i].DeviceID, req.DeviceID)
		}
	}
	for i := range req.LeadDeltas {
		if err := req.LeadDeltas[i].Validate(); err != nil {
			return fmt.Errorf("lead delta %d: %w", i, err)
		}
		if req.LeadDeltas[i].DeviceID != req.DeviceID {
			return fmt.Errorf("lead delta %d: device %q does not match session device %q",
				i, req.LeadDeltas[i].DeviceID, req.DeviceID)
		}
	}
	return nil
}

// checkCursor rejects cursors older than the hot log's retention floor:
// knocks the cursor still needs have been archived away, so the client must
// perform a full resync from sequence zero.
func (e *Engine) checkCursor(ctx context.Context, c Cursor) error {
	oldest, err := e.store.GetCounter(ctx, counterOldestRetained)
	if err != nil {
		return err
	}
	if oldest > 1 && c.KnockSeq > 0 && c.KnockSeq < oldest-1 {
		return newSyncError(SyncErrorTypeCursor,
			fmt.Sprintf("cursor %d predates retained sequence %d", c.KnockSeq, oldest), "", nil, ErrCursorOutOfRange)
	}
	return nil
}

// runSession applies the batch in one store transaction and computes the
// response. Returned knocks are the newly accepted (non-replayed) ones for
// post-commit side effects.
func (e *Engine) runSession(ctx context.Context, req *SyncRequest) (*SyncResponse, []Knock, error) {
	resp := &SyncResponse{NewCursor: req.Cursor.Clone()}
	if resp.NewCursor.LeadVersions == nil {
		resp.NewCursor.LeadVersions = make(map[string]uint64)
	}
	var accepted []Knock

	err := e.store.RunInTransaction(ctx, func(tx RecordStore) error {
		var maxSeq uint64
		for i := range req.Knocks {
			k := req.Knocks[i]
			outcome, replayed, err := e.ledger.CheckOrRecord(ctx, tx, req.DeviceID, k.KnockID,
				func() (*RecordOutcome, error) {
					k.ServerSequence = e.seq.Add(1)
					if err := tx.AppendKnocks(ctx, []Knock{k}); err != nil {
						return nil, err
					}
					return &RecordOutcome{
						Kind:           OutcomeKnockAccepted,
						KnockID:        k.KnockID,
						ServerSequence: k.ServerSequence,
					}, nil
				})
			if err != nil {
				return err
			}
			if !replayed {
				accepted = append(accepted, k)
				if k.ServerSequence > maxSeq {
					maxSeq = k.ServerSequence
				}
			} else {
				e.stats.duplicates.Add(1)
			}
			resp.Accepted.Knocks = append(resp.Accepted.Knocks, AcceptedKnock{
				KnockID:        outcome.KnockID,
				ServerSequence: outcome.ServerSequence,
			})
		}
		if maxSeq > 0 {
			if err := tx.RaiseCounter(ctx, counterKnockSeq, maxSeq); err != nil {
				return err
			}
		}

		mergedIDs := make(map[string]bool)
		for i := range req.LeadDeltas {
			d := req.LeadDeltas[i]
			outcome, replayed, err := e.ledger.CheckOrRecord(ctx, tx, req.DeviceID, d.ClientRecordID,
				func() (*RecordOutcome, error) {
					return e.applyLeadDelta(ctx, tx, &d)
				})
			if err != nil {
				return err
			}
			if replayed {
				e.stats.duplicates.Add(1)
			}
			current, err := tx.GetLead(ctx, outcome.LeadID)
			if err != nil && !errors.Is(err, ErrLeadNotFound) {
				return err
			}
			switch outcome.Kind {
			case OutcomeLeadMerged:
				resp.Accepted.LeadIDs = append(resp.Accepted.LeadIDs, outcome.LeadID)
				if current != nil {
					mergedIDs[outcome.LeadID] = true
					resp.ServerLeads = append(resp.ServerLeads, *current)
					resp.NewCursor.LeadVersions[outcome.LeadID] = current.Version
				}
			case OutcomeLeadRejected:
				resp.Rejected = append(resp.Rejected, RejectedLeadDelta{
					ClientRecordID:     d.ClientRecordID,
					LeadID:             outcome.LeadID,
					Reason:             outcome.RejectReason,
					CurrentServerState: current,
				})
				if current != nil {
					mergedIDs[outcome.LeadID] = true
					resp.NewCursor.LeadVersions[outcome.LeadID] = current.Version
				}
			}
		}

		return e.computeDelta(ctx, tx, req, resp, mergedIDs)
	})
	if err != nil {
		return nil, nil, err
	}
	return resp, accepted, nil
}

// applyLeadDelta resolves and persists one lead delta inside a session
// transaction, returning the outcome to record in the ledger.
func (e *Engine) applyLeadDelta(ctx context.Context, tx RecordStore, d *LeadDelta) (*RecordOutcome, error) {
	leadID := d.Lead.LeadID

	server, err := tx.GetLead(ctx, leadID)
	if err != nil && !errors.Is(err, ErrLeadNotFound) {
		return nil, err
	}

	var base *Lead
	if d.BaseVersion > 0 {
		base, err = tx.GetLeadVersion(ctx, leadID, d.BaseVersion)
		if err != nil && !errors.Is(err, ErrLeadNotFound) {
			return nil, err
		}
	}

	res := ResolveLead(base, d, server)

	if res.Applied && server != nil && !validMergeTransition(server.Status, res.Merged.Status, res.StatusTieBreak) {
		e.stats.leadsRejected.Add(1)
		return &RecordOutcome{
			Kind:         OutcomeLeadRejected,
			LeadID:       leadID,
			LeadVersion:  server.Version,
			RejectReason: ReasonInvalidTransition,
		}, nil
	}

	if !res.Applied {
		e.stats.leadsRejected.Add(1)
		return &RecordOutcome{
			Kind:         OutcomeLeadRejected,
			LeadID:       leadID,
			LeadVersion:  server.Version,
			RejectReason: ReasonStaleWrite,
		}, nil
	}

	var expect uint64
	if server != nil {
		expect = server.Version
	}
	if err := tx.PutLead(ctx, res.Merged, expect); err != nil {
		return nil, err
	}
	if len(res.ConflictFields) > 0 {
		e.stats.conflictsResolved.Add(1)
	}
	e.stats.leadsMerged.Add(1)

	out := &RecordOutcome{
		Kind:        OutcomeLeadMerged,
		LeadID:      leadID,
		LeadVersion: res.Merged.Version,
	}
	if res.Stale {
		// Notes were preserved but the client's other edits lost; tell the
		// client to re-base.
		out.Kind = OutcomeLeadRejected
		out.RejectReason = ReasonStaleWrite
	}
	return out, nil
}

// validMergeTransition checks a resolved status change against the pipeline
// state machine. A terminal-to-terminal flip is allowed only when the
// resolver's tie-break chose it, since WON and LOST are incomparable.
func validMergeTransition(from, to LeadStatus, tieBreak bool) bool {
	if from == to || from.CanTransition(to) {
		return true
	}
	return from.Terminal() && to.Terminal() && tieBreak
}

// computeDelta fills the server-side portion of the response: knocks and
// leads the client has not seen, bounded by the configured batch size.
func (e *Engine) computeDelta(ctx context.Context, tx RecordStore, req *SyncRequest, resp *SyncResponse, already map[string]bool) error {
	limit := e.config.Sync.MaxDeltaBatch

	knocks, err := tx.KnocksSince(ctx, req.Cursor.KnockSeq, limit+1)
	if err != nil {
		return err
	}
	if len(knocks) > limit {
		knocks = knocks[:limit]
		resp.HasMore = true
	}
	resp.ServerKnocks = knocks
	if len(knocks) > 0 {
		resp.NewCursor.KnockSeq = knocks[len(knocks)-1].ServerSequence
	}

	leads, err := tx.ListLeads(ctx, "", "")
	if err != nil {
		return err
	}
	sort.Slice(leads, func(i, j int) bool { return leads[i].LeadID < leads[j].LeadID })
	budget := limit
	for i := range leads {
		l := leads[i]
		if l.Version <= req.Cursor.LeadVersions[l.LeadID] {
			continue
		}
		if already[l.LeadID] {
			continue
		}
		if budget <= 0 {
			resp.HasMore = true
			break
		}
		resp.ServerLeads = append(resp.ServerLeads, l)
		resp.NewCursor.LeadVersions[l.LeadID] = l.Version
		budget--
	}
	return nil
}
