// Package types defines the identifiers, digests and time values shared by
// every Aura core package.
//
// All identifiers are 128-bit opaque values with equality and a total
// order. Each identifier kind is a distinct Go type so an AuthorityID can
// never be passed where a DeviceID is expected. Identifiers are built either
// from 32 bytes of entropy (hashed down to 128 bits) or deterministically
// from a string via a v5 UUID in a fixed per-kind namespace.
package types

import (
	"bytes"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// Per-kind UUID v5 namespaces. Changing any of these changes every
// string-derived identifier of that kind.
var (
	authorityNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("aura.authority"))
	deviceNamespace    = uuid.NewSHA1(uuid.NameSpaceOID, []byte("aura.device"))
	accountNamespace   = uuid.NewSHA1(uuid.NameSpaceOID, []byte("aura.account"))
	guardianNamespace  = uuid.NewSHA1(uuid.NameSpaceOID, []byte("aura.guardian"))
	contextNamespace   = uuid.NewSHA1(uuid.NameSpaceOID, []byte("aura.context"))
	sessionNamespace   = uuid.NewSHA1(uuid.NameSpaceOID, []byte("aura.session"))
)

// AuthorityID identifies an authority: an opaque actor backed by a
// threshold of devices.
type AuthorityID [16]byte

// DeviceID identifies a single device.
type DeviceID [16]byte

// AccountID identifies an account.
type AccountID [16]byte

// GuardianID identifies a guardian.
type GuardianID [16]byte

// ContextID identifies a relational context shared by authorities.
type ContextID [16]byte

// SessionID identifies a transport session.
type SessionID [16]byte

func idFromEntropy(entropy [32]byte) [16]byte {
	sum := blake3.Sum256(entropy[:])
	var out [16]byte
	copy(out[:], sum[:16])
	return out
}

func idFromString(ns uuid.UUID, name string) [16]byte {
	return uuid.NewSHA1(ns, []byte(name))
}

func parseID(kind, text string) ([16]byte, error) {
	u, err := uuid.Parse(text)
	if err != nil {
		return [16]byte{}, fmt.Errorf("parse %s id %q: %w", kind, text, err)
	}
	return u, nil
}

// NewAuthorityIDFromEntropy derives an AuthorityID from 32 bytes of entropy.
func NewAuthorityIDFromEntropy(entropy [32]byte) AuthorityID {
	return AuthorityID(idFromEntropy(entropy))
}

// AuthorityIDFromString derives a deterministic AuthorityID from name.
func AuthorityIDFromString(name string) AuthorityID {
	return AuthorityID(idFromString(authorityNamespace, name))
}

// ParseAuthorityID parses the UUID text form produced by String.
func ParseAuthorityID(text string) (AuthorityID, error) {
	id, err := parseID("authority", text)
	return AuthorityID(id), err
}

func (id AuthorityID) String() string                { return uuid.UUID(id).String() }
func (id AuthorityID) IsZero() bool                  { return id == AuthorityID{} }
func (id AuthorityID) Compare(other AuthorityID) int { return bytes.Compare(id[:], other[:]) }
func (id AuthorityID) MarshalText() ([]byte, error)  { return []byte(id.String()), nil }

func (id *AuthorityID) UnmarshalText(text []byte) error {
	parsed, err := ParseAuthorityID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// NewDeviceIDFromEntropy derives a DeviceID from 32 bytes of entropy.
func NewDeviceIDFromEntropy(entropy [32]byte) DeviceID {
	return DeviceID(idFromEntropy(entropy))
}

// DeviceIDFromString derives a deterministic DeviceID from name.
func DeviceIDFromString(name string) DeviceID {
	return DeviceID(idFromString(deviceNamespace, name))
}

// ParseDeviceID parses the UUID text form produced by String.
func ParseDeviceID(text string) (DeviceID, error) {
	id, err := parseID("device", text)
	return DeviceID(id), err
}

func (id DeviceID) String() string               { return uuid.UUID(id).String() }
func (id DeviceID) IsZero() bool                 { return id == DeviceID{} }
func (id DeviceID) Compare(other DeviceID) int   { return bytes.Compare(id[:], other[:]) }
func (id DeviceID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *DeviceID) UnmarshalText(text []byte) error {
	parsed, err := ParseDeviceID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// NewAccountIDFromEntropy derives an AccountID from 32 bytes of entropy.
func NewAccountIDFromEntropy(entropy [32]byte) AccountID {
	return AccountID(idFromEntropy(entropy))
}

// AccountIDFromString derives a deterministic AccountID from name.
func AccountIDFromString(name string) AccountID {
	return AccountID(idFromString(accountNamespace, name))
}

func (id AccountID) String() string               { return uuid.UUID(id).String() }
func (id AccountID) IsZero() bool                 { return id == AccountID{} }
func (id AccountID) Compare(other AccountID) int  { return bytes.Compare(id[:], other[:]) }
func (id AccountID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *AccountID) UnmarshalText(text []byte) error {
	parsed, err := parseID("account", string(text))
	if err != nil {
		return err
	}
	*id = AccountID(parsed)
	return nil
}

// NewGuardianIDFromEntropy derives a GuardianID from 32 bytes of entropy.
func NewGuardianIDFromEntropy(entropy [32]byte) GuardianID {
	return GuardianID(idFromEntropy(entropy))
}

// GuardianIDFromString derives a deterministic GuardianID from name.
func GuardianIDFromString(name string) GuardianID {
	return GuardianID(idFromString(guardianNamespace, name))
}

func (id GuardianID) String() string               { return uuid.UUID(id).String() }
func (id GuardianID) IsZero() bool                 { return id == GuardianID{} }
func (id GuardianID) Compare(other GuardianID) int { return bytes.Compare(id[:], other[:]) }
func (id GuardianID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *GuardianID) UnmarshalText(text []byte) error {
	parsed, err := parseID("guardian", string(text))
	if err != nil {
		return err
	}
	*id = GuardianID(parsed)
	return nil
}

// NewContextIDFromEntropy derives a ContextID from 32 bytes of entropy.
func NewContextIDFromEntropy(entropy [32]byte) ContextID {
	return ContextID(idFromEntropy(entropy))
}

// ContextIDFromString derives a deterministic ContextID from name.
func ContextIDFromString(name string) ContextID {
	return ContextID(idFromString(contextNamespace, name))
}

// ParseContextID parses the UUID text form produced by String.
func ParseContextID(text string) (ContextID, error) {
	id, err := parseID("context", text)
	return ContextID(id), err
}

func (id ContextID) String() string               { return uuid.UUID(id).String() }
func (id ContextID) IsZero() bool                 { return id == ContextID{} }
func (id ContextID) Compare(other ContextID) int  { return bytes.Compare(id[:], other[:]) }
func (id ContextID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *ContextID) UnmarshalText(text []byte) error {
	parsed, err := ParseContextID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// NewSessionIDFromEntropy derives a SessionID from 32 bytes of entropy.
func NewSessionIDFromEntropy(entropy [32]byte) SessionID {
	return SessionID(idFromEntropy(entropy))
}

// SessionIDFromString derives a deterministic SessionID from name.
func SessionIDFromString(name string) SessionID {
	return SessionID(idFromString(sessionNamespace, name))
}

func (id SessionID) String() string               { return uuid.UUID(id).String() }
func (id SessionID) IsZero() bool                 { return id == SessionID{} }
func (id SessionID) Compare(other SessionID) int  { return bytes.Compare(id[:], other[:]) }
func (id SessionID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *SessionID) UnmarshalText(text []byte) error {
	parsed, err := parseID("session", string(text))
	if err != nil {
		return err
	}
	*id = SessionID(parsed)
	return nil
}

// SortAuthorities sorts ids ascending in place and returns them.
func SortAuthorities(ids []AuthorityID) []AuthorityID {
	slices.SortFunc(ids, func(a, b AuthorityID) int { return a.Compare(b) })
	return ids
}
