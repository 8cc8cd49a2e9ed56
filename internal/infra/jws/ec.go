package jws

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/base64"
	"errors"
	"math/big"
	"strings"

	"github.com/dakydaky/ConsentBridge/internal/domain"
)

const coordSize = 32

// ECPublicKey rebuilds a P-256 public key from a JWK. Coordinates shorter
// than 32 bytes are left-padded; longer ones may only carry leading zeros.
func ECPublicKey(key domain.JWK) (*ecdsa.PublicKey, error) {
	if !strings.EqualFold(key.Kty, "EC") {
		return nil, errors.New("jwk is not an EC key")
	}
	if key.Crv != "" && key.Crv != "P-256" {
		return nil, errors.New("jwk curve is not P-256")
	}
	x, err := decodeCoordinate(key.X)
	if err != nil {
		return nil, err
	}
	y, err := decodeCoordinate(key.Y)
	if err != nil {
		return nil, err
	}
	pub := &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(x),
		Y:     new(big.Int).SetBytes(y),
	}
	if !pub.Curve.IsOnCurve(pub.X, pub.Y) {
		return nil, errors.New("jwk point is not on P-256")
	}
	return pub, nil
}

func decodeCoordinate(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("jwk coordinate missing")
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(value, "="))
	if err != nil {
		return nil, errors.New("jwk coordinate is not base64url")
	}
	if len(raw) > coordSize {
		offset := 0
		for offset < len(raw)-coordSize && raw[offset] == 0 {
			offset++
		}
		if len(raw)-offset > coordSize {
			return nil, errors.New("jwk coordinate too long")
		}
		raw = raw[offset:]
	}
	if len(raw) < coordSize {
		padded := make([]byte, coordSize)
		copy(padded[coordSize-len(raw):], raw)
		raw = padded
	}
	return raw, nil
}
