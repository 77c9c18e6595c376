package session

// Viewer is the identity an observer presents when asking what is live.
type Viewer struct {
	UserID      string
	DisplayName string
	IsAdmin     bool
	TeamIDs     []string
}

// InTeam reports whether the viewer belongs to teamID.
func (v Viewer) InTeam(teamID string) bool {
	if teamID == "" {
		return false
	}
	for _, id := range v.TeamIDs {
		if id == teamID {
			return true
		}
	}
	return false
}

// VisibilityPolicy holds the operator-controlled visibility switches. The
// zero value is the default policy: users see only their own sessions.
type VisibilityPolicy struct {
	// TeamVisibility lets members see live sessions other members opened on
	// connections shared with their team. Host and port of those records are
	// masked for non-admin viewers.
	TeamVisibility bool
}

// CanSee reports whether viewer may observe rec under policy.
func (p VisibilityPolicy) CanSee(viewer Viewer, rec Record) bool {
	if viewer.IsAdmin {
		return true
	}
	if rec.UserID == viewer.UserID {
		return true
	}
	return p.TeamVisibility && viewer.InTeam(rec.TeamID)
}

// Apply returns the copy of rec that viewer should receive. The original is
// never modified.
func (p VisibilityPolicy) Apply(viewer Viewer, rec Record) Record {
	if viewer.IsAdmin || rec.UserID == viewer.UserID {
		return rec
	}
	rec.Host = ""
	rec.Port = 0
	return rec
}

// Filter narrows records to what viewer may see. Admins get every record
// unmodified. The input slice is not modified.
func Filter(records []Record, viewer Viewer, policy VisibilityPolicy) []Record {
	result := make([]Record, 0, len(records))
	for _, rec := range records {
		if !policy.CanSee(viewer, rec) {
			continue
		}
		result = append(result, policy.Apply(viewer, rec))
	}
	return result
}

// Narrow keeps records matching the optional protocol and team filters of the
// query endpoint. Empty arguments match everything.
func Narrow(records []Record, protocolID, teamID string) []Record {
	if protocolID == "" && teamID == "" {
		return records
	}
	result := make([]Record, 0, len(records))
	for _, rec := range records {
		if protocolID != "" && rec.ProtocolID != protocolID {
			continue
		}
		if teamID != "" && rec.TeamID != teamID {
			continue
		}
		result = append(result, rec)
	}
	return result
}
