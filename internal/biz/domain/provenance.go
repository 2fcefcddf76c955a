package domain

import "time"

// Provenance records who created or last changed a record and where they asked from.
// Empty User or Target means the change was made by the bot itself.
type Provenance struct {
	User     string `json:"user,omitempty"`
	Target   string `json:"target,omitempty"`
	Created  int64  `json:"created"`
	Modified int64  `json:"last_modified"`
}

// Origin identifies the requester of a change
type Origin struct {
	User   string
	Target string
}

// SystemOrigin is used for changes made by the bot itself
var SystemOrigin = Origin{}

// NewProvenance creates a provenance stamped at now
func NewProvenance(origin Origin, now time.Time) Provenance {
	ms := now.UnixMilli()
	return Provenance{
		User:     origin.User,
		Target:   origin.Target,
		Created:  ms,
		Modified: ms,
	}
}

// Touch records a modification by origin at now
func (p *Provenance) Touch(origin Origin, now time.Time) {
	p.User = origin.User
	p.Target = origin.Target
	p.Modified = now.UnixMilli()
	if p.Created == 0 {
		p.Created = p.Modified
	}
}
