package fieldsync

import "testing"

func TestStatusCanTransition(t *testing.T) {
	cases := []struct {
		from, to LeadStatus
		want     bool
	}{
		{StatusNew, StatusContacted, true},
		{StatusNew, StatusQualified, true},
		{StatusNew, StatusWon, true},
		{StatusContacted, StatusQualified, true},
		{StatusQualified, StatusWon, true},
		{StatusQualified, StatusLost, true},
		{StatusNew, StatusNew, true},
		{StatusContacted, StatusNew, false},
		{StatusQualified, StatusContacted, false},
		{StatusWon, StatusLost, false},
		{StatusLost, StatusWon, false},
		{StatusWon, StatusNew, false},
		{StatusNew, LeadStatus("BOGUS"), false},
		{LeadStatus("BOGUS"), StatusNew, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransition(c.to); got != c.want {
			t.Errorf("CanTransition(%s -> %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	if !StatusWon.Terminal() || !StatusLost.Terminal() {
		t.Error("WON and LOST must be terminal")
	}
	if StatusNew.Terminal() || StatusContacted.Terminal() || StatusQualified.Terminal() {
		t.Error("non-final statuses must not be terminal")
	}
}

func TestStatusRankOrdering(t *testing.T) {
	if StatusWon.Rank() != StatusLost.Rank() {
		t.Error("WON and LOST must share a rank")
	}
	chain := []LeadStatus{StatusNew, StatusContacted, StatusQualified, StatusWon}
	for i := 1; i < len(chain); i++ {
		if chain[i].Rank() <= chain[i-1].Rank() {
			t.Errorf("%s must rank above %s", chain[i], chain[i-1])
		}
	}
}

func TestLeadDeltaValidate(t *testing.T) {
	valid := LeadDelta{
		ClientRecordID: "rec-1",
		DeviceID:       "dev-1",
		Lead:           Lead{LeadID: "lead-1", Status: StatusNew},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid delta rejected: %v", err)
	}

	d := valid
	d.ClientRecordID = ""
	if err := d.Validate(); err == nil {
		t.Error("missing client record id accepted")
	}
	d = valid
	d.DeviceID = ""
	if err := d.Validate(); err == nil {
		t.Error("missing device id accepted")
	}
	d = valid
	d.Lead.LeadID = ""
	if err := d.Validate(); err == nil {
		t.Error("missing lead id accepted")
	}
	d = valid
	d.Lead.Status = "MAYBE"
	if err := d.Validate(); err == nil {
		t.Error("unknown status accepted")
	}
}
