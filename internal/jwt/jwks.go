package jwt

import (
	"context"
	"encoding/base64"
	"encoding/json"
)

// JWK es una clave pública en formato JSON Web Key (solo Ed25519).
type JWK struct {
	KID string `json:"kid"`
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	X   string `json:"x"`
}

// JWKS es el documento publicable con todas las claves que verifican.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// BuildJWKS arma el JWKS con las claves active y retiring del keystore.
func BuildJWKS(ctx context.Context, ks *Keystore) ([]byte, error) {
	rows, err := ks.VerifyingKeys(ctx)
	if err != nil {
		return nil, err
	}
	jwks := JWKS{Keys: make([]JWK, 0, len(rows))}
	for _, r := range rows {
		pubBytes, err := base64.RawStdEncoding.DecodeString(r.String("public_key"))
		if err != nil {
			continue
		}
		jwks.Keys = append(jwks.Keys, JWK{
			KID: r.String("kid"),
			Kty: "OKP",
			Crv: "Ed25519",
			Alg: "EdDSA",
			Use: "sig",
			X:   base64.RawURLEncoding.EncodeToString(pubBytes),
		})
	}
	return json.Marshal(jwks)
}
