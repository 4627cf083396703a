package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/noah-isme/commission-engine/internal/common"
)

// Private claim names carried by affiliate portal tokens.
const (
	ClaimAffiliateID = "affiliate_id"
	ClaimRoles       = "roles"
)

// ErrInvalidToken is returned for any token that fails parsing or validation.
var ErrInvalidToken = errors.New("auth: invalid token")

// Verifier turns bearer tokens issued by the affiliate portal into principals.
type Verifier struct {
	Secret    []byte
	Validator TokenValidator
	Now       func() time.Time
}

// NewVerifier builds an HS256 verifier.
func NewVerifier(secret, issuer, audience string, skew time.Duration) *Verifier {
	return &Verifier{
		Secret: []byte(secret),
		Validator: TokenValidator{
			Issuer:    issuer,
			Audience:  audience,
			ClockSkew: skew,
			Algorithm: jwa.HS256,
		},
	}
}

// Parse verifies the signature and claims of raw and maps it to a principal.
func (v *Verifier) Parse(raw string) (common.Principal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return common.Principal{}, ErrInvalidToken
	}
	algorithm, err := tokenAlgorithm(raw)
	if err != nil {
		return common.Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if v.Validator.Algorithm != "" && algorithm != v.Validator.Algorithm {
		return common.Principal{}, fmt.Errorf("%w: unexpected algorithm %s", ErrInvalidToken, algorithm)
	}
	tok, err := jwt.ParseString(raw, jwt.WithKey(algorithm, v.Secret), jwt.WithValidate(false))
	if err != nil {
		return common.Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if err := v.Validator.Validate(tok, algorithm, v.now()); err != nil {
		return common.Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	p := common.Principal{Subject: tok.Subject(), Roles: roles(tok)}
	if claim, ok := tok.Get(ClaimAffiliateID); ok {
		s, _ := claim.(string)
		id, err := uuid.Parse(s)
		if err != nil {
			return common.Principal{}, fmt.Errorf("%w: malformed %s", ErrInvalidToken, ClaimAffiliateID)
		}
		p.AffiliateID = id
	}
	return p, nil
}

// Issue signs a token for p. It backs the seeder and tests; production tokens
// come from the affiliate portal.
func (v *Verifier) Issue(p common.Principal, ttl time.Duration) (string, error) {
	now := v.now()
	b := jwt.NewBuilder().
		Subject(p.Subject).
		IssuedAt(now).
		NotBefore(now).
		Expiration(now.Add(ttl))
	if v.Validator.Issuer != "" {
		b = b.Issuer(v.Validator.Issuer)
	}
	if v.Validator.Audience != "" {
		b = b.Audience([]string{v.Validator.Audience})
	}
	if p.AffiliateID != uuid.Nil {
		b = b.Claim(ClaimAffiliateID, p.AffiliateID.String())
	}
	if len(p.Roles) > 0 {
		b = b.Claim(ClaimRoles, p.Roles)
	}
	tok, err := b.Build()
	if err != nil {
		return "", err
	}
	alg := v.Validator.Algorithm
	if alg == "" {
		alg = jwa.HS256
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(alg, v.Secret))
	if err != nil {
		return "", err
	}
	return string(signed), nil
}

func (v *Verifier) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

// roles accepts either a JSON array or a space separated string.
func roles(tok jwt.Token) []string {
	claim, ok := tok.Get(ClaimRoles)
	if !ok {
		return nil
	}
	switch v := claim.(type) {
	case string:
		return strings.Fields(v)
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func tokenAlgorithm(token string) (jwa.SignatureAlgorithm, error) {
	message, err := jws.ParseString(token)
	if err != nil {
		return "", err
	}
	signatures := message.Signatures()
	if len(signatures) != 1 {
		return "", errors.New("expected exactly one signature")
	}
	headers := signatures[0].ProtectedHeaders()
	if headers == nil {
		return "", errors.New("missing protected headers")
	}
	alg := headers.Algorithm()
	if alg == "" || alg == jwa.NoSignature {
		return "", errors.New("unsigned token")
	}
	return alg, nil
}
