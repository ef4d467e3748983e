// Package canonical is the single deterministic binary encoding used for
// everything Aura hashes or signs: prestate bindings, commit facts, wire
// payloads and journal snapshots.
//
// The encoding is CBOR with Core Deterministic Encoding (RFC 8949 §4.2):
// sorted map keys, shortest integer forms and no indefinite lengths. Nil
// slices and maps encode as empty containers so a value and its decoded
// copy always produce the same bytes. Struct fields are named by their
// json tags.
package canonical

import (
	"fmt"
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/hxrts/aura/pkg/types"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	opts := cbor.CoreDetEncOptions()
	opts.NilContainers = cbor.NilContainerAsEmpty
	encMode, err = opts.EncMode()
	if err != nil {
		panic("canonical: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("canonical: CBOR decoder initialization failed: " + err.Error())
	}
}

// RawMessage is a pre-encoded canonical value.
type RawMessage = cbor.RawMessage

// Marshal encodes v canonically.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes canonical bytes into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// NewEncoder returns a stream encoder writing canonical items to w.
func NewEncoder(w io.Writer) *cbor.Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder returns a stream decoder reading canonical items from r.
func NewDecoder(r io.Reader) *cbor.Decoder {
	return decMode.NewDecoder(r)
}

// Hash returns the BLAKE3 digest of v's canonical encoding.
func Hash(v any) (types.Hash32, error) {
	b, err := Marshal(v)
	if err != nil {
		return types.Hash32{}, err
	}
	return types.HashBytes(b), nil
}

// Equal reports whether a and b have identical canonical encodings.
func Equal(a, b any) (bool, error) {
	ab, err := Marshal(a)
	if err != nil {
		return false, err
	}
	bb, err := Marshal(b)
	if err != nil {
		return false, err
	}
	return string(ab) == string(bb), nil
}

// Diagnose renders canonical bytes in CBOR diagnostic notation.
func Diagnose(data []byte) (string, error) {
	s, err := cbor.Diagnose(data)
	if err != nil {
		return "", fmt.Errorf("canonical: diagnose: %w", err)
	}
	return s, nil
}
