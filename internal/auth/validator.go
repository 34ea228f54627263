package auth

import (
	"bytes"
	"context"
	"crypto"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"joblance-gateway/internal/apperr"
	"joblance-gateway/internal/jwks"

	"github.com/golang-jwt/jwt/v5"
)

// KeyProvider resolves an unversioned key id to a verification key.
type KeyProvider interface {
	Key(ctx context.Context, kid string) (crypto.PublicKey, error)
}

type RevocationChecker interface {
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

type InternalVerifier interface {
	Verify(raw string) (Identity, error)
}

// Credentials are the raw tokens a request presented. InternalToken wins
// when set; otherwise AccessToken must be an external token.
type Credentials struct {
	InternalToken string
	AccessToken   string
}

type ValidatorOptions struct {
	Keys        KeyProvider
	Revocations RevocationChecker
	Internal    InternalVerifier
	Algorithms  []string
	Leeway      time.Duration
	Now         func() time.Time
}

type Validator struct {
	keys        KeyProvider
	revocations RevocationChecker
	internal    InternalVerifier
	parser      *jwt.Parser
}

func NewValidator(opts ValidatorOptions) (*Validator, error) {
	if opts.Keys == nil || opts.Revocations == nil || opts.Internal == nil {
		return nil, errors.New("validator: keys, revocations and internal verifier are required")
	}
	if len(opts.Algorithms) == 0 {
		opts.Algorithms = []string{jwt.SigningMethodRS256.Alg()}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Validator{
		keys:        opts.Keys,
		revocations: opts.Revocations,
		internal:    opts.Internal,
		parser: jwt.NewParser(
			jwt.WithValidMethods(opts.Algorithms),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(opts.Leeway),
			jwt.WithTimeFunc(opts.Now),
		),
	}, nil
}

// Validate resolves the caller identity. Failures are *apperr.Error with
// one of the token codes, or DEPENDENCY_UNAVAILABLE when the key set or the
// revocation store cannot be reached.
func (v *Validator) Validate(ctx context.Context, cr Credentials) (Identity, error) {
	if cr.InternalToken != "" {
		id, err := v.internal.Verify(cr.InternalToken)
		if err != nil {
			return Identity{}, classify("auth:validate_internal", err)
		}
		return id, nil
	}
	if cr.AccessToken == "" {
		return Identity{}, apperr.New(apperr.CodeTokenMissing, "auth:validate", "", nil)
	}
	return v.ValidateExternal(ctx, cr.AccessToken)
}

// ValidateExternal verifies an Auth-service access token.
func (v *Validator) ValidateExternal(ctx context.Context, raw string) (Identity, error) {
	const op = "auth:validate_external"

	hdr, err := parseHeader(raw)
	if err != nil {
		return Identity{}, apperr.New(apperr.CodeTokenInvalid, op, "", err)
	}

	key, err := v.keys.Key(ctx, hdr.kid)
	if err != nil {
		if errors.Is(err, jwks.ErrUnavailable) {
			return Identity{}, apperr.New(apperr.CodeDependencyUnavailable, op, "signing keys unavailable", err)
		}
		return Identity{}, apperr.New(apperr.CodeTokenInvalid, op, "", err)
	}

	claims, err := v.verify(raw, hdr, key)
	if err != nil {
		return Identity{}, classify(op, err)
	}

	if claims.ID == "" {
		return Identity{}, apperr.New(apperr.CodeTokenInvalid, op, "token has no jti", nil)
	}
	revoked, err := v.revocations.IsRevoked(ctx, claims.ID)
	if err != nil {
		return Identity{}, apperr.New(apperr.CodeDependencyUnavailable, op, "revocation check unavailable", err)
	}
	if revoked {
		return Identity{}, apperr.New(apperr.CodeTokenRevoked, op, "", nil)
	}
	return claims.identity(false), nil
}

// verify checks the signature the Auth service produced: it signs over the
// header carrying the bare kid and adds the version suffix afterwards. A
// token signed over the header as delivered is accepted too.
func (v *Validator) verify(raw string, hdr header, key crypto.PublicKey) (Claims, error) {
	keyFunc := func(*jwt.Token) (any, error) { return key, nil }

	var claims Claims
	_, err := v.parser.ParseWithClaims(hdr.signed, &claims, keyFunc)
	if err == nil || hdr.signed == raw || !errors.Is(err, jwt.ErrTokenSignatureInvalid) {
		return claims, err
	}
	claims = Claims{}
	_, err = v.parser.ParseWithClaims(raw, &claims, keyFunc)
	return claims, err
}

type header struct {
	// kid is the key id without the signer's version suffix ("kid:version"),
	// which published key sets do not carry.
	kid string
	// signed is the token with its header re-encoded around kid.
	signed string
}

func parseHeader(raw string) (header, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return header{}, errors.New("token must have three segments")
	}
	hb, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return header{}, errors.New("header is not base64url")
	}
	var hdr struct {
		Kid string `json:"kid"`
	}
	if err := json.Unmarshal(hb, &hdr); err != nil {
		return header{}, errors.New("header is not json")
	}
	if hdr.Kid == "" {
		return header{}, errors.New("header has no kid")
	}
	kid := stripKeyVersion(hdr.Kid)
	if kid == hdr.Kid {
		return header{kid: kid, signed: raw}, nil
	}
	rebuilt, err := replaceKid(hb, kid)
	if err != nil {
		return header{}, err
	}
	parts[0] = base64.RawURLEncoding.EncodeToString(rebuilt)
	return header{kid: kid, signed: strings.Join(parts, ".")}, nil
}

// replaceKid re-encodes a header object compactly with its members in the
// order received and only the kid value changed.
func replaceKid(hb []byte, kid string) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(hb))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return nil, errors.New("header is not a json object")
	}

	var out bytes.Buffer
	enc := json.NewEncoder(&out)
	enc.SetEscapeHTML(false)
	writeString := func(s string) error {
		if err := enc.Encode(s); err != nil {
			return err
		}
		out.Truncate(out.Len() - 1) // Encode appends a newline
		return nil
	}

	out.WriteByte('{')
	for i := 0; dec.More(); i++ {
		tok, err := dec.Token()
		if err != nil {
			return nil, errors.New("header is not json")
		}
		name, _ := tok.(string)
		var val json.RawMessage
		if err := dec.Decode(&val); err != nil {
			return nil, errors.New("header is not json")
		}
		if i > 0 {
			out.WriteByte(',')
		}
		if err := writeString(name); err != nil {
			return nil, err
		}
		out.WriteByte(':')
		if name == "kid" {
			if err := writeString(kid); err != nil {
				return nil, err
			}
			continue
		}
		if err := json.Compact(&out, val); err != nil {
			return nil, errors.New("header is not json")
		}
	}
	out.WriteByte('}')
	return out.Bytes(), nil
}

func stripKeyVersion(kid string) string {
	if i := strings.IndexByte(kid, ':'); i >= 0 {
		return kid[:i]
	}
	return kid
}

func classify(op string, err error) error {
	if errors.Is(err, jwt.ErrTokenExpired) {
		return apperr.New(apperr.CodeTokenExpired, op, "", err)
	}
	return apperr.New(apperr.CodeTokenInvalid, op, "", err)
}
