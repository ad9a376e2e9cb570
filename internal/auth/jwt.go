// Package auth verifies the HS256 bearer tokens issued by the campus portal.
package auth

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"

	"campuschat/pkg/interfaces"
	"campuschat/pkg/types"
)

var _ interfaces.IdentityVerifier = (*Verifier)(nil)

// Claims carries the identity; the user ID is the registered subject.
type Claims struct {
	Role string `json:"role"`
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks signature, expiry and issuer of a token.
type Verifier struct {
	secret []byte
	issuer string
	parser *jwt.Parser
}

// NewVerifier creates a verifier. An empty issuer skips the issuer check.
func NewVerifier(secret, issuer string) (*Verifier, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(5 * time.Second),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &Verifier{secret: []byte(secret), issuer: issuer, parser: jwt.NewParser(opts...)}, nil
}

// Verify turns a token into an identity.
func (v *Verifier) Verify(ctx context.Context, credential string) (types.Identity, error) {
	if credential == "" {
		return types.Identity{}, ErrInvalidToken
	}
	claims := &Claims{}
	token, err := v.parser.ParseWithClaims(credential, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return types.Identity{}, errors.Wrap(ErrInvalidToken, errorText(err))
	}
	if claims.Subject == "" {
		return types.Identity{}, errors.Wrap(ErrInvalidToken, "missing subject")
	}
	role := types.Role(claims.Role)
	if !role.Valid() {
		return types.Identity{}, ErrInvalidRole
	}
	return types.Identity{UserID: claims.Subject, Role: role, Name: claims.Name}, nil
}

// Issue signs a token for identity valid for ttl. Used by tests and the
// dev token command.
func (v *Verifier) Issue(identity types.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: string(identity.Role),
		Name: identity.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	return signed, errors.Wrap(err, "sign token")
}

func errorText(err error) string {
	if err == nil {
		return "token not valid"
	}
	return err.Error()
}
