package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dakydaky/ConsentBridge/internal/domain"
	"github.com/dakydaky/ConsentBridge/internal/infra/crypto"
	"github.com/dakydaky/ConsentBridge/internal/infra/jws"
	"github.com/dakydaky/ConsentBridge/internal/infra/keys/soft"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"
)

// verifyTenant is a placeholder tenant name; the CLI verifies against exactly
// the key set it was given.
const verifyTenant = "consentctl"

type keygenOutput struct {
	PrivateKeyPEM string     `json:"private_key_pem,omitempty"`
	PrivateKeyOut string     `json:"private_key_file,omitempty"`
	JWK           domain.JWK `json:"jwk"`
}

func runKeygen(_ context.Context, cmd *cli.Command) error {
	kid := cmd.String("kid")
	if kid == "" {
		kid = "ctok-" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	out, err := generateKey(kid)
	if err != nil {
		return err
	}
	if path := cmd.String("out"); path != "" {
		if err := os.WriteFile(path, []byte(out.PrivateKeyPEM), 0o600); err != nil {
			return fmt.Errorf("write private key: %w", err)
		}
		out.PrivateKeyPEM = ""
		out.PrivateKeyOut = path
	}
	return writeJSON(os.Stdout, out)
}

func generateKey(kid string) (keygenOutput, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return keygenOutput{}, err
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return keygenOutput{}, err
	}
	jwk, err := soft.PublicJWK(&key.PublicKey, kid)
	if err != nil {
		return keygenOutput{}, err
	}
	return keygenOutput{
		PrivateKeyPEM: string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})),
		JWK:           jwk,
	}, nil
}

func runSign(_ context.Context, cmd *cli.Command) error {
	payload, err := os.ReadFile(cmd.String("payload"))
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	var keyPEM []byte
	if path := cmd.String("key"); path != "" {
		keyPEM, err = os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read key: %w", err)
		}
	}
	signature, err := sign(payload, keyPEM, cmd.String("hs256-secret"), cmd.String("kid"))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(os.Stdout, signature)
	return err
}

func sign(payload, keyPEM []byte, secret, kid string) (string, error) {
	switch {
	case len(keyPEM) > 0 && secret != "":
		return "", errors.New("use either --key or --hs256-secret, not both")
	case secret != "":
		return jws.SignDetachedHS256(payload, []byte(secret), kid)
	case len(keyPEM) > 0:
		key, err := parsePrivateKey(keyPEM)
		if err != nil {
			return "", err
		}
		return jws.SignDetachedES256(payload, key, kid)
	default:
		return "", errors.New("--key or --hs256-secret is required")
	}
}

type receiptEnvelope struct {
	Receipt          json.RawMessage `json:"receipt"`
	ReceiptSignature string          `json:"receipt_signature"`
}

// runReceipt signs a board receipt the way the gateway verifies it: over the
// JCS form of the receipt object.
func runReceipt(_ context.Context, cmd *cli.Command) error {
	raw, err := os.ReadFile(cmd.String("receipt"))
	if err != nil {
		return fmt.Errorf("read receipt: %w", err)
	}
	var keyPEM []byte
	if path := cmd.String("key"); path != "" {
		keyPEM, err = os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read key: %w", err)
		}
	}
	envelope, err := signReceipt(raw, keyPEM, cmd.String("hs256-secret"), cmd.String("kid"))
	if err != nil {
		return err
	}
	return writeJSON(os.Stdout, envelope)
}

func signReceipt(receipt, keyPEM []byte, secret, kid string) (receiptEnvelope, error) {
	canonical, err := crypto.CanonicalizeJSON(receipt)
	if err != nil {
		return receiptEnvelope{}, fmt.Errorf("canonicalize receipt: %w", err)
	}
	signature, err := sign(canonical, keyPEM, secret, kid)
	if err != nil {
		return receiptEnvelope{}, err
	}
	return receiptEnvelope{Receipt: canonical, ReceiptSignature: signature}, nil
}

func parsePrivateKey(data []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("key file is not PEM")
	}
	switch block.Type {
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse pkcs8 key: %w", err)
		}
		key, ok := parsed.(*ecdsa.PrivateKey)
		if !ok || key.Curve != elliptic.P256() {
			return nil, errors.New("key is not a P-256 ECDSA key")
		}
		return key, nil
	case "EC PRIVATE KEY":
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse ec key: %w", err)
		}
		if key.Curve != elliptic.P256() {
			return nil, errors.New("key is not a P-256 ECDSA key")
		}
		return key, nil
	default:
		return nil, fmt.Errorf("unsupported PEM block %q", block.Type)
	}
}

func runVerify(ctx context.Context, cmd *cli.Command) error {
	payload, err := os.ReadFile(cmd.String("payload"))
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	signature, err := readSignature(cmd.String("signature"))
	if err != nil {
		return err
	}

	header, _ := jws.PeekHeader(signature)
	var ok bool
	switch {
	case cmd.String("hs256-secret") != "":
		// HS256 signatures name their tenant in kid.
		tenant := header.Kid
		if tenant == "" {
			tenant = verifyTenant
		}
		secrets := jws.StaticSecrets{tenant: []byte(cmd.String("hs256-secret"))}
		ok = jws.NewHS256Verifier(secrets).VerifyDetached(ctx, payload, signature, tenant)
	case cmd.String("jwks") != "":
		set, err := loadKeySet(ctx, cmd.String("jwks"))
		if err != nil {
			return err
		}
		ok = jws.NewJWKSVerifier(staticKeySet(set), nil).VerifyDetached(ctx, payload, signature, verifyTenant)
	default:
		return errors.New("--jwks or --hs256-secret is required")
	}

	if err := writeJSON(os.Stdout, map[string]any{"valid": ok, "alg": header.Alg, "kid": header.Kid}); err != nil {
		return err
	}
	if !ok {
		return cli.Exit("signature invalid", 1)
	}
	return nil
}

type staticKeySet domain.JWKSet

func (s staticKeySet) GetPublicKeys(context.Context, string) (domain.JWKSet, error) {
	return domain.JWKSet(s), nil
}

func readSignature(value string) (string, error) {
	if path, ok := strings.CutPrefix(value, "@"); ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read signature: %w", err)
		}
		value = string(data)
	}
	return strings.TrimSpace(value), nil
}

func loadKeySet(ctx context.Context, source string) (domain.JWKSet, error) {
	var data []byte
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, source, nil)
		if err != nil {
			return domain.JWKSet{}, err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return domain.JWKSet{}, fmt.Errorf("fetch jwks: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return domain.JWKSet{}, fmt.Errorf("fetch jwks: status %d", resp.StatusCode)
		}
		data, err = io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return domain.JWKSet{}, err
		}
	} else {
		var err error
		data, err = os.ReadFile(source)
		if err != nil {
			return domain.JWKSet{}, fmt.Errorf("read jwks: %w", err)
		}
	}
	var set domain.JWKSet
	if err := json.Unmarshal(data, &set); err != nil {
		return domain.JWKSet{}, fmt.Errorf("decode jwks: %w", err)
	}
	return set, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
