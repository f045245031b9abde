// Package oid defines the object-identifier types that flow through the
// merge engine: the raw content-addressed OID and the EpochId newtype that
// narrows an OID to "known to name a commit".
package oid

import (
	"fmt"
	"regexp"
)

// OID is a 40-character lowercase-hex object identifier naming a commit,
// tree, or blob in the content-addressed store. It is validated on
// construction and never mutated afterward.
type OID string

var hexPattern = regexp.MustCompile(`^[0-9a-f]{40}$`)

// Zero is the nil OID, returned by lookups that find nothing.
const Zero OID = ""

// Parse validates s as a 40-character lowercase-hex object id.
func Parse(s string) (OID, error) {
	if !hexPattern.MatchString(s) {
		return Zero, fmt.Errorf("oid: %q is not a 40-character lowercase-hex id", s)
	}
	return OID(s), nil
}

// IsZero reports whether o is the nil OID.
func (o OID) IsZero() bool {
	return o == Zero
}

// String implements fmt.Stringer.
func (o OID) String() string {
	return string(o)
}

// EpochId is an OID guaranteed (by whoever constructs it) to name a commit.
// It is immutable once constructed; construction does not itself perform
// an object-store read — the "names a commit" guarantee can be verified
// by reading it with objectstore.Store.ReadCommit.
type EpochId struct {
	oid OID
}

// NewEpochId wraps an already-validated OID as an EpochId.
func NewEpochId(o OID) EpochId {
	return EpochId{oid: o}
}

// OID returns the underlying object id.
func (e EpochId) OID() OID {
	return e.oid
}

// String implements fmt.Stringer.
func (e EpochId) String() string {
	return e.oid.String()
}

// IsZero reports whether e wraps the nil OID.
func (e EpochId) IsZero() bool {
	return e.oid.IsZero()
}

// Equal reports whether two epoch ids name the same commit.
func (e EpochId) Equal(other EpochId) bool {
	return e.oid == other.oid
}
