package auth

import (
	"errors"
	"time"

	"github.com/CharlesNg35/shellcn-sub007/internal/session"
	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned when a token is malformed, expired or
	// signed with another key.
	ErrInvalidToken = errors.New("invalid token")
	// ErrNoToken is returned when a request carries no bearer token.
	ErrNoToken = errors.New("missing bearer token")
)

// Claims are the viewer claims carried by a console or driver token.
type Claims struct {
	jwt.RegisteredClaims
	Name  string   `json:"name,omitempty"`
	Role  string   `json:"role,omitempty"`
	Teams []string `json:"teams,omitempty"`
}

// Verifier validates HS256 tokens and turns them into viewers.
type Verifier struct {
	secret    []byte
	issuer    string
	adminRole string
}

func NewVerifier(secret, issuer, adminRole string) *Verifier {
	if adminRole == "" {
		adminRole = "admin"
	}
	return &Verifier{secret: []byte(secret), issuer: issuer, adminRole: adminRole}
}

// Verify parses the token and returns the viewer it identifies.
func (v *Verifier) Verify(tokenString string) (session.Viewer, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return session.Viewer{}, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return session.Viewer{}, ErrInvalidToken
	}

	name := claims.Name
	if name == "" {
		name = claims.Subject
	}
	return session.Viewer{
		UserID:      claims.Subject,
		DisplayName: name,
		IsAdmin:     claims.Role == v.adminRole,
		TeamIDs:     claims.Teams,
	}, nil
}

// Issue signs a token for the given identity. The server never calls it on
// the request path; it serves the mock fleet, tests and operator tooling.
func (v *Verifier) Issue(userID, name, role string, teams []string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Name:  name,
		Role:  role,
		Teams: teams,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// AdminRole is the role claim that grants administrator visibility.
func (v *Verifier) AdminRole() string {
	return v.adminRole
}
