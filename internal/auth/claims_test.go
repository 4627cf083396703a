package auth

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/require"
)

func build(t *testing.T, b *jwt.Builder) jwt.Token {
	t.Helper()
	tok, err := b.Build()
	require.NoError(t, err)
	return tok
}

func TestTokenValidatorChecksPortalClaims(t *testing.T) {
	now := time.Now()
	v := TokenValidator{Issuer: "issuer", Audience: "aud", ClockSkew: time.Second, Algorithm: jwa.HS256}
	valid := func() *jwt.Builder {
		return jwt.NewBuilder().Issuer("issuer").Audience([]string{"aud"}).Subject("sub").
			IssuedAt(now).NotBefore(now).Expiration(now.Add(time.Minute)).
			Claim(ClaimAffiliateID, uuid.NewString()).Claim(ClaimRoles, []string{"affiliate"})
	}

	require.NoError(t, v.Validate(build(t, valid()), jwa.HS256, now))
	require.NoError(t, v.Validate(build(t, valid().Claim(ClaimRoles, "operator auditor")), jwa.HS256, now))

	cases := map[string]struct {
		tok jwt.Token
		alg jwa.SignatureAlgorithm
	}{
		"issuer mismatch":    {build(t, valid().Issuer("other")), jwa.HS256},
		"expired":            {build(t, valid().Expiration(now.Add(-time.Minute))), jwa.HS256},
		"not yet valid":      {build(t, valid().NotBefore(now.Add(5*time.Minute))), jwa.HS256},
		"algorithm mismatch": {build(t, valid()), jwa.RS256},
		"unsigned":           {build(t, valid()), jwa.NoSignature},
		"missing subject": {build(t, jwt.NewBuilder().Issuer("issuer").Audience([]string{"aud"}).
			Expiration(now.Add(time.Minute))), jwa.HS256},
		"missing expiry": {build(t, jwt.NewBuilder().Issuer("issuer").Audience([]string{"aud"}).
			Subject("sub")), jwa.HS256},
		"affiliate id not a uuid": {build(t, valid().Claim(ClaimAffiliateID, "aff-42")), jwa.HS256},
		"nil affiliate id":        {build(t, valid().Claim(ClaimAffiliateID, uuid.Nil.String())), jwa.HS256},
		"numeric affiliate id":    {build(t, valid().Claim(ClaimAffiliateID, 42)), jwa.HS256},
		"roles not strings":       {build(t, valid().Claim(ClaimRoles, []any{"affiliate", 7})), jwa.HS256},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			require.Error(t, v.Validate(tc.tok, tc.alg, now))
		})
	}
}
