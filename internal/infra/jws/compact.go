package jws

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
)

const (
	AlgES256 = "ES256"
	AlgHS256 = "HS256"
)

var errMalformed = errors.New("malformed detached jws")

type Header struct {
	Alg string `json:"alg"`
	Kid string `json:"kid,omitempty"`
	Typ string `json:"typ,omitempty"`
}

// Detached is a compact JWS whose payload segment has been checked against
// the bytes the caller supplied.
type Detached struct {
	Header       Header
	SigningInput string
	Signature    []byte
}

// ParseDetached splits signature into its three segments and binds it to
// payload. The payload segment must be exactly the base64url encoding of
// payload, and the header must name an algorithm.
func ParseDetached(payload []byte, signature string) (Detached, error) {
	parts := strings.Split(signature, ".")
	if len(parts) != 3 {
		return Detached{}, errMalformed
	}
	if parts[1] != base64.RawURLEncoding.EncodeToString(payload) {
		return Detached{}, errMalformed
	}
	rawHeader, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return Detached{}, errMalformed
	}
	var header Header
	if err := json.Unmarshal(rawHeader, &header); err != nil {
		return Detached{}, errMalformed
	}
	if strings.TrimSpace(header.Alg) == "" {
		return Detached{}, errMalformed
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil || len(sig) == 0 {
		return Detached{}, errMalformed
	}
	return Detached{
		Header:       header,
		SigningInput: parts[0] + "." + parts[1],
		Signature:    sig,
	}, nil
}

// PeekHeader decodes the header of a compact JWS without verifying anything.
func PeekHeader(signature string) (Header, bool) {
	first, _, ok := strings.Cut(signature, ".")
	if !ok {
		return Header{}, false
	}
	raw, err := base64.RawURLEncoding.DecodeString(first)
	if err != nil {
		return Header{}, false
	}
	var header Header
	if err := json.Unmarshal(raw, &header); err != nil || header.Alg == "" {
		return Header{}, false
	}
	return header, true
}
