// Package signer computes and verifies webhook payload signatures.
//
// Signatures are HMAC-SHA256 over a canonical form of the JSON payload, so
// two payloads that differ only in key order or whitespace produce the same
// signature. The wire format is "sha256=<hex digest>".
package signer

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// SignaturePrefix identifies the digest algorithm on the wire.
const SignaturePrefix = "sha256="

// Canonicalize re-encodes a JSON document into its canonical form: object
// keys sorted, insignificant whitespace removed. Numbers pass through
// verbatim via json.Number so large integers survive the round trip.
func Canonicalize(payload []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("invalid JSON payload: %w", err)
	}

	canonical, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize payload: %w", err)
	}
	return canonical, nil
}

// Sign returns the signature header value for the payload.
func Sign(secret string, payload []byte) (string, error) {
	canonical, err := Canonicalize(payload)
	if err != nil {
		return "", err
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(canonical)
	return SignaturePrefix + hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify reports whether the signature matches the payload under the given
// secret. The comparison is constant time. Malformed payloads and signatures
// without the algorithm prefix verify as false.
func Verify(secret string, payload []byte, signature string) bool {
	if !strings.HasPrefix(signature, SignaturePrefix) {
		return false
	}

	expected, err := Sign(secret, payload)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(signature))
}
