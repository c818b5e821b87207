package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/gowebpki/jcs"
)

var errInvalidUTF8 = errors.New("payload contains invalid UTF-8")

// Fingerprint returns the hex SHA-256 of the RFC 8785 canonical form of payload.
//
// Payloads that differ only in object key order share a fingerprint. Any other
// difference in values, types, array order or key sets changes it. Numbers are
// compared by their ES6 serialisation, so 100, 100.0 and 1e2 agree. Strings
// must be valid UTF-8; malformed bytes are rejected rather than replaced.
func Fingerprint(payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if !utf8.Valid(raw) {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, errInvalidUTF8)
	}

	canonical, err := canonicalize(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalize runs raw through jcs. Transform only accepts an object or an
// array at the top level, so the value is wrapped in an array and unwrapped.
func canonicalize(raw []byte) ([]byte, error) {
	wrapped := make([]byte, 0, len(raw)+2)
	wrapped = append(wrapped, '[')
	wrapped = append(wrapped, raw...)
	wrapped = append(wrapped, ']')

	out, err := jcs.Transform(wrapped)
	if err != nil {
		return nil, err
	}
	out = bytes.TrimSpace(out)
	if len(out) < 2 || out[0] != '[' || out[len(out)-1] != ']' {
		return nil, fmt.Errorf("unexpected canonical form %q", out)
	}
	return out[1 : len(out)-1], nil
}
