package jwks

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"math/big"
)

// JWK is one entry of a published key set (RFC 7517); only the public
// members the gateway needs for verification are decoded.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use,omitempty"`
	Alg string `json:"alg,omitempty"`
	Kid string `json:"kid"`

	N string `json:"n,omitempty"`
	E string `json:"e,omitempty"`

	Crv string `json:"crv,omitempty"`
	X   string `json:"x,omitempty"`
	Y   string `json:"y,omitempty"`
}

type Set struct {
	Keys []JWK `json:"keys"`
}

var curves = map[string]elliptic.Curve{
	"P-256": elliptic.P256(),
	"P-384": elliptic.P384(),
	"P-521": elliptic.P521(),
}

// PublicKey converts the JWK into *rsa.PublicKey, *ecdsa.PublicKey or
// ed25519.PublicKey.
func (j JWK) PublicKey() (crypto.PublicKey, error) {
	switch j.Kty {
	case "RSA":
		n, err := decodeInt(j.N)
		if err != nil {
			return nil, fmt.Errorf("jwk %s: modulus: %w", j.Kid, err)
		}
		e, err := decodeInt(j.E)
		if err != nil {
			return nil, fmt.Errorf("jwk %s: exponent: %w", j.Kid, err)
		}
		if !e.IsInt64() || e.Int64() < 3 {
			return nil, fmt.Errorf("jwk %s: invalid exponent", j.Kid)
		}
		return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil

	case "EC":
		curve, ok := curves[j.Crv]
		if !ok {
			return nil, fmt.Errorf("jwk %s: unsupported EC curve %q", j.Kid, j.Crv)
		}
		x, err := decodeInt(j.X)
		if err != nil {
			return nil, fmt.Errorf("jwk %s: x: %w", j.Kid, err)
		}
		y, err := decodeInt(j.Y)
		if err != nil {
			return nil, fmt.Errorf("jwk %s: y: %w", j.Kid, err)
		}
		if !curve.IsOnCurve(x, y) {
			return nil, fmt.Errorf("jwk %s: point not on curve", j.Kid)
		}
		return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil

	case "OKP":
		if j.Crv != "Ed25519" {
			return nil, fmt.Errorf("jwk %s: unsupported OKP curve %q", j.Kid, j.Crv)
		}
		xb, err := base64.RawURLEncoding.DecodeString(j.X)
		if err != nil {
			return nil, fmt.Errorf("jwk %s: x: %w", j.Kid, err)
		}
		if len(xb) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("jwk %s: invalid Ed25519 key size", j.Kid)
		}
		return ed25519.PublicKey(xb), nil

	default:
		return nil, fmt.Errorf("jwk %s: unsupported kty %q", j.Kid, j.Kty)
	}
}

func decodeInt(s string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("empty")
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(b), nil
}

// FromRSA builds the published form of an RSA public key. Used by tests and
// local tooling that serve a key set.
func FromRSA(kid string, pub *rsa.PublicKey) JWK {
	return JWK{
		Kty: "RSA",
		Use: "sig",
		Alg: "RS256",
		Kid: kid,
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}
