package jws

import (
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/json"
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

// SignFunc produces a raw signature over a JWS signing input.
type SignFunc func(signingInput []byte) ([]byte, error)

// SignDetached builds header.payload.signature where the payload segment is
// the base64url encoding of payload.
func SignDetached(header Header, payload []byte, sign SignFunc) (string, error) {
	if header.Alg == "" {
		return "", errors.New("jws header requires alg")
	}
	rawHeader, err := json.Marshal(header)
	if err != nil {
		return "", err
	}
	input := base64.RawURLEncoding.EncodeToString(rawHeader) + "." + base64.RawURLEncoding.EncodeToString(payload)
	sig, err := sign([]byte(input))
	if err != nil {
		return "", err
	}
	return input + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

func SignDetachedES256(payload []byte, key *ecdsa.PrivateKey, kid string) (string, error) {
	if key == nil {
		return "", errors.New("private key is required")
	}
	return SignDetached(Header{Alg: AlgES256, Kid: kid}, payload, func(input []byte) ([]byte, error) {
		return jwt.SigningMethodES256.Sign(string(input), key)
	})
}

// SignDetachedHS256 signs with a shared secret; kid names the owning tenant.
func SignDetachedHS256(payload []byte, secret []byte, kid string) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("secret is required")
	}
	return SignDetached(Header{Alg: AlgHS256, Kid: kid}, payload, func(input []byte) ([]byte, error) {
		return jwt.SigningMethodHS256.Sign(string(input), secret)
	})
}
