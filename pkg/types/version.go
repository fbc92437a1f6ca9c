package types

import (
	"fmt"

	"github.com/blang/semver/v4"
)

// ProtocolVersion is a RES protocol version as reported by a gateway during
// the version handshake. The zero value means no version has been negotiated.
type ProtocolVersion struct {
	v   semver.Version
	set bool
}

var (
	// SupportedProtocol is the protocol version this client implements.
	SupportedProtocol = MustParseProtocolVersion("1.2.1")

	// LegacyProtocol is assumed when a gateway does not answer the version
	// request, or answers it with an unusable version string.
	LegacyProtocol = MustParseProtocolVersion("1.1.1")
)

// ParseProtocolVersion parses a "major.minor.patch" protocol string.
func ParseProtocolVersion(s string) (ProtocolVersion, error) {
	v, err := semver.Parse(s)
	if err != nil {
		return ProtocolVersion{}, fmt.Errorf("invalid protocol version %q: %w", s, err)
	}
	if len(v.Pre) > 0 || len(v.Build) > 0 {
		return ProtocolVersion{}, fmt.Errorf("invalid protocol version %q: pre-release and build tags are not allowed", s)
	}
	return ProtocolVersion{v: v, set: true}, nil
}

// MustParseProtocolVersion is like ParseProtocolVersion but panics on error.
func MustParseProtocolVersion(s string) ProtocolVersion {
	p, err := ParseProtocolVersion(s)
	if err != nil {
		panic(err)
	}
	return p
}

// IsZero reports whether no version has been negotiated.
func (p ProtocolVersion) IsZero() bool { return !p.set }

// String implements the Stringer interface.
func (p ProtocolVersion) String() string {
	if !p.set {
		return ""
	}
	return p.v.String()
}

// Compare returns -1, 0 or 1 depending on whether p is lower than, equal to
// or higher than o.
func (p ProtocolVersion) Compare(o ProtocolVersion) int {
	return p.v.Compare(o.v)
}

// IsLegacy reports whether p predates the resource-returning call results
// introduced after LegacyProtocol. An unset version counts as legacy.
func (p ProtocolVersion) IsLegacy() bool {
	return !p.set || p.v.LTE(LegacyProtocol.v)
}

// SupportsUnsubscribeCount reports whether a single unsubscribe request may
// release several subscriptions at once via a count parameter.
func (p ProtocolVersion) SupportsUnsubscribeCount() bool {
	return p.set && p.v.GTE(SupportedProtocol.v)
}
