package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/septivank/climax-ledger/internal/apperr"
)

// HeaderName carries the caller's API key
const HeaderName = "X-API-Key"

// Capability is what a route requires from the caller
type Capability int

const (
	Read Capability = iota
	Write
)

func (c Capability) String() string {
	if c == Write {
		return "write"
	}
	return "read"
}

// Mode describes which keys are configured
type Mode int

const (
	Open Mode = iota
	WriteKeyOnly
	ReadKeyOnly
	BothKeys
)

func (m Mode) String() string {
	switch m {
	case WriteKeyOnly:
		return "write-key"
	case ReadKeyOnly:
		return "read-key"
	case BothKeys:
		return "both-keys"
	default:
		return "open"
	}
}

// Policy decides which keys grant which capability.
// The write key also grants read. The legacy key grants both.
// A capability none of whose granting keys is configured is open.
type Policy struct {
	mode      Mode
	writeKeys [][]byte
	readKeys  [][]byte
}

// NewPolicy builds a policy from the configured keys. Empty keys are unset.
func NewPolicy(writeKey, readKey, legacyKey string) *Policy {
	p := &Policy{}
	for _, k := range []string{writeKey, legacyKey} {
		if k != "" {
			p.writeKeys = append(p.writeKeys, []byte(k))
		}
	}
	for _, k := range []string{readKey, writeKey, legacyKey} {
		if k != "" {
			p.readKeys = append(p.readKeys, []byte(k))
		}
	}

	hasWrite := writeKey != "" || legacyKey != ""
	switch {
	case hasWrite && readKey != "":
		p.mode = BothKeys
	case hasWrite:
		p.mode = WriteKeyOnly
	case readKey != "":
		p.mode = ReadKeyOnly
	default:
		p.mode = Open
	}
	return p
}

// Mode returns the configured variant
func (p *Policy) Mode() Mode {
	return p.mode
}

// Authorize checks key against the capability. The error is an
// authorization error from apperr.
func (p *Policy) Authorize(c Capability, key string) error {
	keys := p.readKeys
	if c == Write {
		keys = p.writeKeys
	}
	if len(keys) == 0 {
		return nil
	}
	for _, k := range keys {
		if subtle.ConstantTimeCompare([]byte(key), k) == 1 {
			return nil
		}
	}
	if key == "" {
		return apperr.Unauthorized("missing " + c.String() + " API key")
	}
	return apperr.Unauthorized("invalid " + c.String() + " API key")
}

// AuthorizeRequest checks the request's X-API-Key header
func (p *Policy) AuthorizeRequest(c Capability, r *http.Request) error {
	return p.Authorize(c, r.Header.Get(HeaderName))
}
