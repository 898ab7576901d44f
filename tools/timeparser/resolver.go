package timeparser

import (
	"time"
)

// Resolution is the outcome of reconciling a device timestamp with the
// server receipt instant.
type Resolution struct {
	CreatedAt  time.Time
	DeviceTime *time.Time
	LocalTime  time.Time
	// ParseErr is set when a device time was supplied but could not be parsed.
	ParseErr error
}

// Resolver reconciles device-supplied and server-observed time.
// The location only affects presentation; ordering uses absolute instants.
type Resolver struct {
	loc *time.Location
}

// NewResolver creates a resolver for the given display location
func NewResolver(loc *time.Location) *Resolver {
	if loc == nil {
		loc = time.UTC
	}
	return &Resolver{loc: loc}
}

// LoadResolver resolves an IANA zone name into a Resolver.
func LoadResolver(name string) (*Resolver, error) {
	if name == "" {
		return NewResolver(time.UTC), nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, err
	}
	return NewResolver(loc), nil
}

// Location returns the configured display location.
func (r *Resolver) Location() *time.Location {
	return r.loc
}

// Resolve produces the three timestamps of a ledger record. receivedAt must
// be captured when ingestion starts. A missing or unparsable device time
// leaves DeviceTime nil and LocalTime equal to receivedAt. Device times far
// from receivedAt are kept as-is.
func (r *Resolver) Resolve(raw any, receivedAt time.Time) Resolution {
	res := Resolution{
		CreatedAt: receivedAt,
		LocalTime: receivedAt,
	}
	deviceTime, err := ParseDeviceTime(raw, r.loc)
	if err != nil {
		if err != ErrAbsent {
			res.ParseErr = err
		}
		return res
	}
	res.DeviceTime = &deviceTime
	res.LocalTime = deviceTime
	return res
}

// Display converts an instant into the configured location.
func (r *Resolver) Display(t time.Time) time.Time {
	return t.In(r.loc)
}

// DisplayPtr is Display for optional instants.
func (r *Resolver) DisplayPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	out := t.In(r.loc)
	return &out
}
