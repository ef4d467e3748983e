// Package consensus runs two-round FROST threshold signing over a fixed
// witness set. A Coordinator owns each instance in its own goroutine and
// routes inbound messages to it by consensus id; Witnesses answer
// proposals with nonce commitments and signature shares. A successful
// instance yields a journal.CommitFact.
package consensus

import (
	"slices"
	"time"

	"github.com/hxrts/aura/pkg/coreerr"
	"github.com/hxrts/aura/pkg/crypto/frost"
	"github.com/hxrts/aura/pkg/types"
)

// DefaultTimeout bounds an instance that never reaches its threshold.
const DefaultTimeout = 30 * time.Second

// MinThreshold is the smallest signing threshold FROST supports.
const MinThreshold = 2

// Config fixes the witness set and keys for an instance.
type Config struct {
	// Witnesses is the signing set. It is kept sorted; a witness's FROST
	// identifier is its 1-based position.
	Witnesses []types.AuthorityID
	Threshold uint16
	Epoch     types.Epoch
	// Context is the journal context commit facts are written to.
	Context   types.ContextID
	PublicKey *frost.PublicKeyPackage
	Timeout   time.Duration
	// RoundTimeout bounds one signing set. When it passes with shares
	// missing, the silent members are excluded and a new set is planned.
	// Defaults to a sixth of Timeout.
	RoundTimeout time.Duration
	FastPath     bool
}

// Normalize returns a copy with sorted witnesses and defaults applied.
func (c Config) Normalize() Config {
	c.Witnesses = types.SortAuthorities(slices.Clone(c.Witnesses))
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.RoundTimeout <= 0 {
		c.RoundTimeout = c.Timeout / 6
	}
	return c
}

// Validate checks the config is usable. It expects a normalized config.
func (c Config) Validate() error {
	const op = "consensus.config"
	n := len(c.Witnesses)
	if n == 0 {
		return coreerr.New(coreerr.KindInvalid, op, "empty witness set")
	}
	if n > int(^uint16(0)) {
		return coreerr.New(coreerr.KindInvalid, op, "too many witnesses: %d", n)
	}
	for i := 1; i < n; i++ {
		if c.Witnesses[i] == c.Witnesses[i-1] {
			return coreerr.New(coreerr.KindInvalid, op, "duplicate witness %s", c.Witnesses[i])
		}
	}
	if c.Threshold < MinThreshold || int(c.Threshold) > n {
		return coreerr.New(coreerr.KindInvalid, op, "threshold %d out of range for %d witnesses", c.Threshold, n)
	}
	if c.PublicKey == nil {
		return coreerr.New(coreerr.KindInvalid, op, "missing group public key package")
	}
	if c.PublicKey.MinSigners != c.Threshold {
		return coreerr.New(coreerr.KindInvalid, op, "key package threshold %d does not match %d", c.PublicKey.MinSigners, c.Threshold)
	}
	for i := range c.Witnesses {
		if _, ok := c.PublicKey.VerifyingShare(frost.Identifier(i + 1)); !ok {
			return coreerr.New(coreerr.KindInvalid, op, "no verifying share for witness %s", c.Witnesses[i])
		}
	}
	return nil
}

// Identifier returns the FROST identifier of witness.
func (c Config) Identifier(witness types.AuthorityID) (frost.Identifier, bool) {
	i, ok := slices.BinarySearchFunc(c.Witnesses, witness, func(a, b types.AuthorityID) int { return a.Compare(b) })
	if !ok {
		return 0, false
	}
	return frost.Identifier(i + 1), true
}

// Witness returns the authority behind a FROST identifier.
func (c Config) Witness(id frost.Identifier) (types.AuthorityID, bool) {
	if id == 0 || int(id) > len(c.Witnesses) {
		return types.AuthorityID{}, false
	}
	return c.Witnesses[id-1], true
}

// IsWitness reports whether a is in the witness set.
func (c Config) IsWitness(a types.AuthorityID) bool {
	_, ok := c.Identifier(a)
	return ok
}

// GroupKey is the group verifying key as raw Ed25519 bytes.
func (c Config) GroupKey() [32]byte {
	return [32]byte(c.PublicKey.GroupPublicKey)
}
