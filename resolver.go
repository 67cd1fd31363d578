package fieldsync

import (
	"sort"
	"strings"
)

// LeadResolution is the outcome of resolving one client delta against the
// server's copy of the same lead.
type LeadResolution struct {
	// Merged is the resulting lead state. When Applied is false it is the
	// unchanged server copy.
	Merged *Lead
	// Applied reports whether a new version was produced.
	Applied bool
	// Stale reports that the client's shadow is behind the server and the
	// client must re-fetch before further edits. A stale delta may still
	// be Applied when it carries an append-only notes contribution.
	Stale bool
	// ConflictFields lists fields that were resolved by the ordering or
	// timestamp tie-break rather than a clean merge.
	ConflictFields []string
	// StatusTieBreak reports that the merged status was chosen by the
	// timestamp tie-break between incomparable terminal states.
	StatusTieBreak bool
}

// ResolveLead deterministically merges a client lead delta with the server's
// current copy. base is the server state the client's edits were made
// against, or nil when unknown (created offline, or history purged).
//
// The function is pure: given the same inputs it always produces the same
// result. Notes and status merge to the same content regardless of which of
// two concurrent deltas is resolved first; scalar conflicts are settled by
// the timestamp total order.
func ResolveLead(base *Lead, delta *LeadDelta, server *Lead) LeadResolution {
	client := delta.Lead.Clone()

	// Server never saw this lead: client wins outright.
	if server == nil {
		client.Version = 1
		client.LastWriterDeviceID = delta.DeviceID
		client.UpdatedAt = delta.Timestamp
		return LeadResolution{Merged: client, Applied: true}
	}

	// Client edited the server's current version: fast-forward. A claimed
	// base the server never issued gets no fast-forward; it falls through
	// to conflict resolution like any unknown base.
	if delta.BaseVersion == server.Version {
		client.Version = server.Version + 1
		client.LastWriterDeviceID = delta.DeviceID
		client.UpdatedAt = delta.Timestamp
		client.Notes = mergeNotes(server.Notes, server.Notes, delta.Lead.Notes)
		return LeadResolution{Merged: client, Applied: true}
	}

	// Server has advanced past the client's base.
	if delta.Timestamp.Compare(server.UpdatedAt) <= 0 {
		// The client's edit predates the server's last write: the server
		// copy is authoritative. Append-only notes are still preserved.
		baseNotes := server.Notes
		if base != nil {
			baseNotes = base.Notes
		}
		merged := mergeNotes(baseNotes, server.Notes, client.Notes)
		if merged != server.Notes {
			out := server.Clone()
			out.Notes = merged
			out.Version = server.Version + 1
			out.LastWriterDeviceID = delta.DeviceID
			return LeadResolution{Merged: out, Applied: true, Stale: true, ConflictFields: []string{"notes"}}
		}
		return LeadResolution{Merged: server.Clone(), Applied: false, Stale: true}
	}

	// Concurrent edits from a common base: field-level merge.
	if base == nil {
		base = &Lead{LeadID: server.LeadID}
	}
	out := server.Clone()
	res := LeadResolution{Merged: out, Applied: true}

	type scalar struct {
		name string
		get  func(*Lead) string
		set  func(*Lead, string)
	}
	scalars := []scalar{
		{"name", func(l *Lead) string { return l.Name }, func(l *Lead, v string) { l.Name = v }},
		{"address", func(l *Lead) string { return l.Address }, func(l *Lead, v string) { l.Address = v }},
		{"phone", func(l *Lead) string { return l.Phone }, func(l *Lead, v string) { l.Phone = v }},
		{"email", func(l *Lead) string { return l.Email }, func(l *Lead, v string) { l.Email = v }},
		{"ownerRepId", func(l *Lead) string { return l.OwnerRepID }, func(l *Lead, v string) { l.OwnerRepID = v }},
	}

	clientWinsTie := delta.Timestamp.Compare(server.UpdatedAt) > 0

	for _, f := range scalars {
		cv, sv, bv := f.get(client), f.get(server), f.get(base)
		clientChanged := cv != bv
		serverChanged := sv != bv
		switch {
		case clientChanged && !serverChanged:
			f.set(out, cv)
		case clientChanged && serverChanged && cv != sv:
			// Overlapping scalar change: larger (timestamp, deviceId) wins.
			if clientWinsTie {
				f.set(out, cv)
			}
			res.ConflictFields = append(res.ConflictFields, f.name)
		}
	}

	// Status merges by the pipeline forward chain: the more advanced stage
	// wins; incomparable terminal states fall back to the tie-break.
	if client.Status != base.Status || server.Status != base.Status {
		merged, tie := mergeStatus(client.Status, server.Status, clientWinsTie)
		if client.Status != base.Status && server.Status != base.Status && client.Status != server.Status {
			res.ConflictFields = append(res.ConflictFields, "status")
		}
		res.StatusTieBreak = tie
		out.Status = merged
	}

	out.Notes = mergeNotes(base.Notes, server.Notes, client.Notes)

	out.Version = server.Version + 1
	out.LastWriterDeviceID = delta.DeviceID
	if delta.Timestamp.Compare(server.UpdatedAt) > 0 {
		out.UpdatedAt = delta.Timestamp
	}
	return res
}

// mergeStatus picks between two statuses using the forward-chain total
// order. Equal-rank disagreements (WON vs LOST) are settled by the caller's
// tie-break result. Returns the winner and whether a tie-break decided it.
func mergeStatus(client, server LeadStatus, clientWinsTie bool) (LeadStatus, bool) {
	if client == server {
		return server, false
	}
	cr, sr := client.Rank(), server.Rank()
	if cr > sr {
		return client, false
	}
	if sr > cr {
		return server, false
	}
	if clientWinsTie {
		return client, true
	}
	return server, true
}

// mergeNotes merges append-only notes. The base's lines keep their order;
// contributions not present in the base are deduplicated and appended in a
// canonical sorted order so the result is independent of which side's delta
// arrives first. No contribution is ever dropped.
func mergeNotes(base, server, client string) string {
	if server == client {
		return server
	}
	baseLines := splitNotes(base)
	inBase := make(map[string]bool, len(baseLines))
	for _, l := range baseLines {
		inBase[l] = true
	}

	seen := make(map[string]bool)
	var additions []string
	for _, src := range []string{server, client} {
		for _, l := range splitNotes(src) {
			if inBase[l] || seen[l] {
				continue
			}
			seen[l] = true
			additions = append(additions, l)
		}
	}
	sort.Strings(additions)

	all := append(append([]string(nil), baseLines...), additions...)
	return strings.Join(all, "\n")
}

func splitNotes(s string) []string {
	if s == "" {
		return nil
	}
	var lines []string
	for _, l := range strings.Split(s, "\n") {
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}
