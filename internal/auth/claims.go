package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// TokenValidator checks a parsed affiliate portal token: signing algorithm,
// registered claims and the shape of the private claims.
type TokenValidator struct {
	Issuer    string
	Audience  string
	ClockSkew time.Duration
	Algorithm jwa.SignatureAlgorithm
}

func (v TokenValidator) Validate(tok jwt.Token, algorithm jwa.SignatureAlgorithm, now time.Time) error {
	if tok == nil {
		return errors.New("auth: token is nil")
	}
	switch {
	case algorithm == "" || algorithm == jwa.NoSignature:
		return errors.New("auth: token is not signed")
	case v.Algorithm != "" && algorithm != v.Algorithm:
		return fmt.Errorf("auth: unexpected token algorithm %s", algorithm)
	}

	options := []jwt.ValidateOption{
		jwt.WithClock(jwt.ClockFunc(func() time.Time { return now })),
		jwt.WithAcceptableSkew(v.ClockSkew),
		jwt.WithRequiredClaim(jwt.SubjectKey),
		jwt.WithRequiredClaim(jwt.ExpirationKey),
		jwt.WithValidator(jwt.ValidatorFunc(portalClaims)),
	}
	if v.Issuer != "" {
		options = append(options, jwt.WithIssuer(v.Issuer))
	}
	if v.Audience != "" {
		options = append(options, jwt.WithAudience(v.Audience))
	}
	return jwt.Validate(tok, options...)
}

// portalClaims rejects tokens whose affiliate or role claims cannot be mapped
// to a principal.
func portalClaims(_ context.Context, tok jwt.Token) jwt.ValidationError {
	if claim, ok := tok.Get(ClaimAffiliateID); ok {
		s, isString := claim.(string)
		if !isString {
			return jwt.NewValidationError(fmt.Errorf("%s must be a string", ClaimAffiliateID))
		}
		if id, err := uuid.Parse(s); err != nil || id == uuid.Nil {
			return jwt.NewValidationError(fmt.Errorf("%s is not an affiliate id", ClaimAffiliateID))
		}
	}
	if claim, ok := tok.Get(ClaimRoles); ok {
		switch rs := claim.(type) {
		case string, []string:
		case []any:
			for _, r := range rs {
				if _, ok := r.(string); !ok {
					return jwt.NewValidationError(fmt.Errorf("%s must hold strings", ClaimRoles))
				}
			}
		default:
			return jwt.NewValidationError(fmt.Errorf("%s must be a string or a list", ClaimRoles))
		}
	}
	return nil
}
