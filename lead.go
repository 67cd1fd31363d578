package fieldsync

import (
	"errors"
	"fmt"
)

// LeadStatus is a lead's position in the sales pipeline.
type LeadStatus string

// Pipeline states. The forward chain NEW -> CONTACTED -> QUALIFIED ->
// {WON, LOST} is also the "more advanced" ordering used for conflict
// resolution. WON and LOST are terminal and mutually incomparable.
const (
	StatusNew       LeadStatus = "NEW"
	StatusContacted LeadStatus = "CONTACTED"
	StatusQualified LeadStatus = "QUALIFIED"
	StatusWon       LeadStatus = "WON"
	StatusLost      LeadStatus = "LOST"
)

var statusRank = map[LeadStatus]int{
	StatusNew:       0,
	StatusContacted: 1,
	StatusQualified: 2,
	StatusWon:       3,
	StatusLost:      3,
}

// Valid reports whether s is a known status.
func (s LeadStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// Terminal reports whether s is a terminal pipeline state.
func (s LeadStatus) Terminal() bool {
	return s == StatusWon || s == StatusLost
}

// Rank returns the status position in the forward chain. WON and LOST share
// the highest rank; ties between them are resolved by timestamp tie-break.
func (s LeadStatus) Rank() int {
	return statusRank[s]
}

// CanTransition reports whether a stored lead may move from s to next.
// Staying in place is allowed; backward transitions and moves out of a
// terminal state are not. Corrections by an authorized actor bypass this
// check at the API layer, not here.
func (s LeadStatus) CanTransition(next LeadStatus) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	if s == next {
		return true
	}
	if s.Terminal() {
		return false
	}
	return next.Rank() > s.Rank()
}

// Lead is a mutable prospect record. The server owns the authoritative copy
// after first acceptance; client copies are cached shadows. Version strictly
// increases with every accepted mutation.
type Lead struct {
	LeadID  string     `json:"leadId"`
	Name    string     `json:"name,omitempty"`
	Address string     `json:"address,omitempty"`
	Phone   string     `json:"phone,omitempty"`
	Email   string     `json:"email,omitempty"`
	Status  LeadStatus `json:"status"`
	// Notes is append-only under merge: concurrent contributions are
	// concatenated, never overwritten.
	Notes string `json:"notes,omitempty"`
	// OwnerRepID is the rep the lead is assigned to.
	OwnerRepID         string    `json:"ownerRepId,omitempty"`
	Version            uint64    `json:"version"`
	LastWriterDeviceID string    `json:"lastWriterDeviceId,omitempty"`
	UpdatedAt          Timestamp `json:"updatedAt"`
}

// Clone returns a deep copy.
func (l *Lead) Clone() *Lead {
	if l == nil {
		return nil
	}
	c := *l
	return &c
}

// Validate checks the lead fields a client must supply.
func (l *Lead) Validate() error {
	if l.LeadID == "" {
		return errors.New("lead id is required")
	}
	if l.Status != "" && !l.Status.Valid() {
		return fmt.Errorf("unknown status %q", l.Status)
	}
	return nil
}

// LeadDelta is one client-side lead mutation submitted during sync.
type LeadDelta struct {
	// ClientRecordID identifies this mutation for idempotent replay.
	ClientRecordID string `json:"clientRecordId"`
	DeviceID       string `json:"deviceId"`
	// BaseVersion is the server version the client's shadow was based on.
	// Zero means the lead was created offline and the client has never
	// seen a server copy.
	BaseVersion uint64 `json:"baseVersion"`
	// Timestamp is the client clock reading at mutation time.
	Timestamp Timestamp `json:"timestamp"`
	// Lead is the full desired state after the client's edits.
	Lead Lead `json:"lead"`
}

// Validate checks the delta fields a client must supply.
func (d *LeadDelta) Validate() error {
	if d.ClientRecordID == "" {
		return errors.New("client record id is required")
	}
	if d.DeviceID == "" {
		return errors.New("device id is required")
	}
	if err := d.Lead.Validate(); err != nil {
		return err
	}
	if !d.Lead.Status.Valid() {
		return fmt.Errorf("unknown status %q", d.Lead.Status)
	}
	return nil
}
