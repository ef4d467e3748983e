// Package crypto provides the production CryptoEffects handler: Ed25519
// device signatures, BLAKE3 hashing and FROST aggregation.
package crypto

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"io"

	"github.com/hxrts/aura/pkg/coreerr"
	"github.com/hxrts/aura/pkg/crypto/frost"
	"github.com/hxrts/aura/pkg/types"
)

// Sizes of Ed25519 values on the wire.
const (
	PublicKeySize = ed25519.PublicKeySize
	SignatureSize = ed25519.SignatureSize
)

// Ed25519Signer signs with a single device key.
type Ed25519Signer struct {
	privKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey
	KeyID   string
}

// NewEd25519Signer generates a fresh key from rand.
func NewEd25519Signer(rand io.Reader, keyID string) (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &Ed25519Signer{privKey: priv, pubKey: pub, KeyID: keyID}, nil
}

// NewEd25519SignerFromSeed derives the key deterministically from seed.
func NewEd25519SignerFromSeed(seed [32]byte, keyID string) *Ed25519Signer {
	priv := ed25519.NewKeyFromSeed(seed[:])
	return &Ed25519Signer{
		privKey: priv,
		pubKey:  priv.Public().(ed25519.PublicKey),
		KeyID:   keyID,
	}
}

func (s *Ed25519Signer) Sign(msg []byte) []byte {
	return ed25519.Sign(s.privKey, msg)
}

func (s *Ed25519Signer) PublicKeyBytes() []byte {
	return s.pubKey
}

// Verify checks sig over msg under a raw 32-byte public key.
func Verify(pub, msg, sig []byte) (bool, error) {
	if len(pub) != PublicKeySize {
		return false, coreerr.Invalid(fmt.Sprintf("public key must be %d bytes, got %d", PublicKeySize, len(pub)))
	}
	if len(sig) != SignatureSize {
		return false, coreerr.Invalid(fmt.Sprintf("signature must be %d bytes, got %d", SignatureSize, len(sig)))
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig), nil
}

// Provider implements CryptoEffects on top of a device signer.
type Provider struct {
	signer *Ed25519Signer
}

// NewProvider wraps signer. A nil signer yields a verify-only provider.
func NewProvider(signer *Ed25519Signer) *Provider {
	return &Provider{signer: signer}
}

func (p *Provider) Sign(_ context.Context, msg []byte) ([]byte, error) {
	if p.signer == nil {
		return nil, coreerr.Internal("crypto provider has no signing key")
	}
	return p.signer.Sign(msg), nil
}

func (p *Provider) Verify(_ context.Context, pub, msg, sig []byte) (bool, error) {
	return Verify(pub, msg, sig)
}

func (p *Provider) Hash(data []byte) types.Hash32 {
	return types.HashBytes(data)
}

// FrostAggregate verifies every share and returns the group signature.
// Any failure is a permanent Crypto error.
func (p *Provider) FrostAggregate(_ context.Context, pkg *frost.SigningPackage, shares []frost.SignatureShare, pub *frost.PublicKeyPackage) ([frost.SignatureSize]byte, error) {
	sig, err := frost.Aggregate(pkg, shares, pub)
	if err != nil {
		return sig, &coreerr.Error{
			Kind:  coreerr.KindCrypto,
			Op:    "crypto.frost_aggregate",
			Msg:   "FROST aggregation failed: " + err.Error(),
			Cause: err,
		}
	}
	if !frost.Verify(pub.GroupPublicKey, pkg.Message, sig) {
		return sig, &coreerr.Error{Kind: coreerr.KindCrypto, Op: "crypto.frost_aggregate", Msg: "FROST aggregation failed: signature does not verify"}
	}
	return sig, nil
}
