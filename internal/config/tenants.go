package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const minHS256SecretLen = 32

// TenantConfig is one entry of the tenants file. Static JWKS entries are
// published and trusted alongside keys generated by the gateway.
type TenantConfig struct {
	Slug        string       `yaml:"slug"`
	DisplayName string       `yaml:"display_name"`
	Type        string       `yaml:"type"`
	HS256Secret string       `yaml:"hs256_secret"`
	Endpoint    string       `yaml:"endpoint"`
	JWKS        StaticKeySet `yaml:"jwks"`
}

type StaticKeySet struct {
	Keys []StaticJWK `yaml:"keys"`
}

type StaticJWK struct {
	Kty string `yaml:"kty"`
	Use string `yaml:"use"`
	Alg string `yaml:"alg"`
	Kid string `yaml:"kid"`
	Crv string `yaml:"crv"`
	X   string `yaml:"x"`
	Y   string `yaml:"y"`
}

type tenantsFile struct {
	Tenants []TenantConfig `yaml:"tenants"`
}

func LoadTenantsFile(path string) ([]TenantConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tenants file: %w", err)
	}
	return ParseTenants(data)
}

func ParseTenants(data []byte) ([]TenantConfig, error) {
	var file tenantsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse tenants file: %w", err)
	}
	seen := make(map[string]bool, len(file.Tenants))
	for i := range file.Tenants {
		t := &file.Tenants[i]
		t.Slug = strings.TrimSpace(t.Slug)
		t.Type = strings.ToLower(strings.TrimSpace(t.Type))
		if t.Slug == "" {
			return nil, fmt.Errorf("tenants[%d].slug is required", i)
		}
		if seen[t.Slug] {
			return nil, fmt.Errorf("tenant %s is listed twice", t.Slug)
		}
		seen[t.Slug] = true
		if t.Type != "agent" && t.Type != "board" {
			return nil, fmt.Errorf("tenant %s: type must be 'agent' or 'board'", t.Slug)
		}
		if t.DisplayName == "" {
			t.DisplayName = t.Slug
		}
	}
	return file.Tenants, nil
}

func (c Config) Tenant(slug string) (TenantConfig, bool) {
	for _, t := range c.Tenants {
		if t.Slug == slug {
			return t, true
		}
	}
	return TenantConfig{}, false
}
