package soft

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/dakydaky/ConsentBridge/internal/domain"
	"github.com/dakydaky/ConsentBridge/internal/infra/crypto"
)

// Manager generates ES256 key pairs and signs with them. Private keys only
// leave the manager sealed; they are opened for the duration of one Sign call.
type Manager struct {
	sealer *crypto.Sealer
}

func NewManager(sealer *crypto.Sealer) *Manager {
	return &Manager{sealer: sealer}
}

func (m *Manager) Generate(_ context.Context, ref domain.KeyRef) (domain.JWK, []byte, error) {
	if err := validateKeyRef(ref); err != nil {
		return domain.JWK{}, nil, err
	}
	if m == nil || m.sealer == nil {
		return domain.JWK{}, nil, errors.New("soft key manager is not configured")
	}
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return domain.JWK{}, nil, err
	}
	der, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return domain.JWK{}, nil, err
	}
	defer clear(der)

	sealed, err := m.sealer.Seal(ref.TenantID, ref.KID, der)
	if err != nil {
		return domain.JWK{}, nil, err
	}
	pub, err := PublicJWK(&priv.PublicKey, ref.KID)
	if err != nil {
		return domain.JWK{}, nil, err
	}
	return pub, sealed, nil
}

func (m *Manager) Sign(_ context.Context, key domain.TenantKey, signingInput []byte) ([]byte, error) {
	if m == nil || m.sealer == nil {
		return nil, errors.New("soft key manager is not configured")
	}
	if key.Alg != domain.AlgES256 {
		return nil, fmt.Errorf("%w: unsupported algorithm %q", domain.ErrKeyMaterial, key.Alg)
	}
	if len(key.PrivateKeySealed) == 0 {
		return nil, fmt.Errorf("%w: no private key for %s", domain.ErrKeyMaterial, key.KID)
	}
	der, err := m.sealer.Open(key.TenantID, key.KID, key.PrivateKeySealed)
	if err != nil {
		return nil, err
	}
	defer clear(der)

	priv, err := x509.ParseECPrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrKeyMaterial, err)
	}
	sig, err := jwt.SigningMethodES256.Sign(string(signingInput), priv)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrKeyMaterial, err)
	}
	return sig, nil
}

// PublicJWK exports an EC public key in the form published by the key-set endpoints.
func PublicJWK(pub *ecdsa.PublicKey, kid string) (domain.JWK, error) {
	key, err := jwk.Import(pub)
	if err != nil {
		return domain.JWK{}, fmt.Errorf("export public key: %w", err)
	}
	raw, err := json.Marshal(key)
	if err != nil {
		return domain.JWK{}, err
	}
	var out domain.JWK
	if err := json.Unmarshal(raw, &out); err != nil {
		return domain.JWK{}, err
	}
	out.Kid = kid
	out.Alg = domain.AlgES256
	out.Use = "sig"
	return out, nil
}

func validateKeyRef(ref domain.KeyRef) error {
	if ref.TenantID == "" || ref.KID == "" {
		return errors.New("key ref requires tenant_id and kid")
	}
	if ref.Purpose != domain.KeyPurposeConsentToken {
		return fmt.Errorf("unsupported key purpose %q", ref.Purpose)
	}
	return nil
}
