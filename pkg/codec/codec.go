// Copyright (c) 2025 Gatekeeper Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package codec provides the byte-stable JSON encoding used for plan
// documents and execution artifacts, so two runs over the same inputs
// produce byte-identical output. Canonicalization follows RFC 8785 via
// github.com/gowebpki/jcs: marshal to an intermediate form, then re-emit
// with sorted keys and the shortest round-tripping number format.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"gopkg.in/yaml.v3"
)

// EncodingError is returned when a value cannot be represented in canonical
// form: cycles, non-finite numbers, or map keys encoding/json cannot
// stringify all surface as ordinary encoding/json errors, which Encode wraps
// into this type. Integer and encoding.TextMarshaler map keys are accepted
// and emitted as strings.
type EncodingError struct {
	Context string
	Err     error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("canonical encoding failed (%s): %v", e.Context, e.Err)
}

func (e *EncodingError) Unwrap() error { return e.Err }

// Encode serializes v into canonical form: map keys sorted in
// lexicographic byte order, insertion order preserved for sequences,
// minimal escaping, shortest round-tripping number format, and a single
// trailing newline.
//
// Round-trip law: Decode(Encode(x)) == x for any valid in-memory tree.
// Determinism law: structurally equal inputs produce byte-identical output.
func Encode(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, &EncodingError{Context: "marshal", Err: err}
	}

	canonical, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, &EncodingError{Context: "canonicalize", Err: err}
	}

	out := make([]byte, 0, len(canonical)+1)
	out = append(out, canonical...)
	out = append(out, '\n')
	return out, nil
}

// Decode parses canonical (or any valid) JSON bytes into v.
func Decode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// DecodeYAML is a convenience entry point for hand-authored plan documents.
// Plans on disk are frequently YAML even though the canonical wire format
// produced by the engine (plan.json, state.json, report.json) is always
// JSON; this only affects how an external loader ingests a Plan, never how
// the engine re-serializes one.
func DecodeYAML(data []byte, v any) error {
	return yaml.Unmarshal(data, v)
}

// EncodeString is Encode, returning a string instead of bytes.
func EncodeString(v any) (string, error) {
	b, err := Encode(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
