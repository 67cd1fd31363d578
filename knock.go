package fieldsync

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// KnockOutcome is the result of a door-to-door visit.
type KnockOutcome string

// Knock outcomes.
const (
	OutcomeNoAnswer      KnockOutcome = "no_answer"
	OutcomeNotInterested KnockOutcome = "not_interested"
	OutcomeCallback      KnockOutcome = "callback"
	OutcomeAppointment   KnockOutcome = "appointment"
	OutcomeSale          KnockOutcome = "sale"
	OutcomeNotHome       KnockOutcome = "not_home"
	OutcomeDoNotKnock    KnockOutcome = "do_not_knock"
)

var validOutcomes = map[KnockOutcome]bool{
	OutcomeNoAnswer:      true,
	OutcomeNotInterested: true,
	OutcomeCallback:      true,
	OutcomeAppointment:   true,
	OutcomeSale:          true,
	OutcomeNotHome:       true,
	OutcomeDoNotKnock:    true,
}

// Valid reports whether o is a known outcome.
func (o KnockOutcome) Valid() bool {
	return validOutcomes[o]
}

// GeoPoint is a WGS84 coordinate.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the coordinate is within range.
func (g GeoPoint) Valid() bool {
	return g.Lat >= -90 && g.Lat <= 90 && g.Lon >= -180 && g.Lon <= 180
}

// Knock is an immutable logged field visit. Once accepted and assigned a
// ServerSequence it is never mutated or deleted; corrections are new knocks
// referencing the original via CorrectsKnockID.
type Knock struct {
	KnockID string `json:"knockId"`
	RepID   string `json:"repId"`
	// LeadID links the knock to a lead, if any.
	LeadID string `json:"leadId,omitempty"`
	// CorrectsKnockID references an earlier knock this one corrects.
	CorrectsKnockID string       `json:"correctsKnockId,omitempty"`
	Location        GeoPoint     `json:"location"`
	Outcome         KnockOutcome `json:"outcome"`
	Notes           string       `json:"notes,omitempty"`
	ClientTimestamp Timestamp    `json:"clientTimestamp"`
	DeviceID        string       `json:"deviceId"`
	// ServerSequence is zero until the server accepts the knock, after
	// which it is the knock's position in the global log.
	ServerSequence uint64 `json:"serverSequence,omitempty"`
	// Coaching holds the AI coaching result, if one was supplied.
	Coaching *CoachingResult `json:"coaching,omitempty"`
}

// Validate checks the knock fields a client must supply.
func (k *Knock) Validate() error {
	if k.KnockID == "" {
		return errors.New("knock id is required")
	}
	if k.RepID == "" {
		return errors.New("rep id is required")
	}
	if k.DeviceID == "" {
		return errors.New("device id is required")
	}
	if !k.Outcome.Valid() {
		return fmt.Errorf("unknown outcome %q", k.Outcome)
	}
	if !k.Location.Valid() {
		return fmt.Errorf("location out of range: %.6f,%.6f", k.Location.Lat, k.Location.Lon)
	}
	return nil
}

// NewRecordID mints a lexicographically sortable record ID with the given
// prefix, used for server-created knocks and leads.
func NewRecordID(prefix string) string {
	return prefix + "_" + ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}
