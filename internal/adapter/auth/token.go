// Package auth issues and verifies the bearer credentials that identify
// callers of the API and push endpoints.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/cterryc/pyme-sub001/internal/domain"
)

// Roles carried in the role claim.
const (
	RoleApplicant = "applicant"
	RoleAdmin     = "admin"
)

// DefaultIssuer is the iss claim written and expected when none is configured.
const DefaultIssuer = "pyme"

// Claims are the JWT claims of a caller credential.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Identity is the verified caller behind a request.
type Identity struct {
	Subject string
	Role    string
}

// Admin reports whether the caller holds the administrator role.
func (i Identity) Admin() bool { return i.Role == RoleAdmin }

// Issuer signs credentials with an HMAC secret.
type Issuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer creates an issuer whose tokens expire after ttl.
func NewIssuer(secret []byte, issuer string, ttl time.Duration) *Issuer {
	if issuer == "" {
		issuer = DefaultIssuer
	}
	return &Issuer{secret: secret, issuer: issuer, ttl: ttl, now: time.Now}
}

// Issue returns a signed credential for subject with the given role.
func (i *Issuer) Issue(subject, role string) (string, error) {
	if subject == "" {
		return "", domain.ErrInvalidIdentity
	}
	now := i.now()
	claims := &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("signing credential: %w", err)
	}
	return signed, nil
}

// Verifier checks credentials signed by an Issuer sharing the same secret.
type Verifier struct {
	secret []byte
	issuer string
}

// NewVerifier creates a verifier for tokens from issuer.
func NewVerifier(secret []byte, issuer string) *Verifier {
	if issuer == "" {
		issuer = DefaultIssuer
	}
	return &Verifier{secret: secret, issuer: issuer}
}

// Verify parses and validates a credential. Every failure wraps
// domain.ErrInvalidIdentity.
func (v *Verifier) Verify(credential string) (Identity, error) {
	if credential == "" {
		return Identity{}, fmt.Errorf("%w: empty credential", domain.ErrInvalidIdentity)
	}

	token, err := jwt.ParseWithClaims(credential, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithIssuer(v.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", domain.ErrInvalidIdentity, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Identity{}, fmt.Errorf("%w: invalid claims", domain.ErrInvalidIdentity)
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", domain.ErrInvalidIdentity)
	}

	role := claims.Role
	if role == "" {
		role = RoleApplicant
	}
	return Identity{Subject: claims.Subject, Role: role}, nil
}

// IsInvalid reports whether err is a credential failure.
func IsInvalid(err error) bool {
	return errors.Is(err, domain.ErrInvalidIdentity)
}
