package soft

import (
	"encoding/base64"
	"math/big"
	"testing"
)

func decodeCoord(t *testing.T, value string) (*big.Int, []byte) {
	t.Helper()
	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		t.Fatalf("decode coordinate: %v", err)
	}
	return new(big.Int).SetBytes(raw), raw
}
