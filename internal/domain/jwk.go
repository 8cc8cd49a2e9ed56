package domain

// JWK is the public EC key representation published in key-set documents.
type JWK struct {
	Tenant string `json:"tenant,omitempty"`
	Kty    string `json:"kty"`
	Use    string `json:"use,omitempty"`
	Alg    string `json:"alg,omitempty"`
	Kid    string `json:"kid,omitempty"`
	Crv    string `json:"crv,omitempty"`
	X      string `json:"x,omitempty"`
	Y      string `json:"y,omitempty"`
}

type JWKSet struct {
	Keys []JWK `json:"keys"`
}
