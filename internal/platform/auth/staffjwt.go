package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const defaultStaffIssuer = "kitchenline-backoffice"

// ErrNotStaffToken signals that the bearer token was not minted by the
// back-office issuer and should be verified through Firebase instead.
var ErrNotStaffToken = errors.New("auth: not a staff token")

type staffClaims struct {
	Role   string   `json:"role,omitempty"`
	Roles  []string `json:"roles,omitempty"`
	Email  string   `json:"email,omitempty"`
	Locale string   `json:"locale,omitempty"`
	jwt.RegisteredClaims
}

// StaffTokenVerifier validates HS256 tokens minted for back-office staff and
// service accounts that have no Firebase session.
type StaffTokenVerifier struct {
	secret []byte
	issuer string
}

// NewStaffTokenVerifier constructs a verifier over the shared signing secret.
// An empty issuer falls back to the default back-office issuer.
func NewStaffTokenVerifier(secret string, issuer string) (*StaffTokenVerifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("auth: staff token secret is required")
	}
	issuer = strings.TrimSpace(issuer)
	if issuer == "" {
		issuer = defaultStaffIssuer
	}
	return &StaffTokenVerifier{secret: []byte(secret), issuer: issuer}, nil
}

// Verify checks the token signature and lifetime and maps the claims onto an
// Identity. Tokens from other issuers return ErrNotStaffToken so callers can
// fall through to Firebase verification.
func (v *StaffTokenVerifier) Verify(tokenStr string) (*Identity, error) {
	if v == nil || len(v.secret) == 0 {
		return nil, ErrNotStaffToken
	}

	var unverified staffClaims
	if _, _, err := jwt.NewParser().ParseUnverified(tokenStr, &unverified); err != nil {
		return nil, ErrNotStaffToken
	}
	if unverified.Issuer != v.issuer {
		return nil, ErrNotStaffToken
	}

	claims := &staffClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected staff token signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %w", ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}
	if !token.Valid {
		return nil, ErrTokenInvalid
	}

	uid := strings.TrimSpace(claims.Subject)
	if uid == "" {
		return nil, fmt.Errorf("%w: staff token missing subject", ErrTokenInvalid)
	}

	roles := make([]string, 0, len(claims.Roles)+1)
	seen := make(map[string]struct{}, len(claims.Roles)+1)
	appendRole := func(raw string) {
		role := normaliseRole(raw)
		if role == "" {
			return
		}
		if _, ok := seen[role]; ok {
			return
		}
		seen[role] = struct{}{}
		roles = append(roles, role)
	}
	appendRole(claims.Role)
	for _, role := range claims.Roles {
		appendRole(role)
	}
	if len(roles) == 0 {
		roles = []string{RoleStaff}
	}

	return &Identity{
		UID:    uid,
		Email:  strings.TrimSpace(claims.Email),
		Locale: strings.TrimSpace(claims.Locale),
		Roles:  roles,
	}, nil
}

// NewStaffToken mints a signed staff token. The back-office tooling and tests
// use this to issue short-lived credentials.
func NewStaffToken(secret string, issuer string, identity Identity, ttl time.Duration, now time.Time) (string, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return "", errors.New("auth: staff token secret is required")
	}
	if strings.TrimSpace(identity.UID) == "" {
		return "", errors.New("auth: staff token subject is required")
	}
	if ttl <= 0 {
		return "", errors.New("auth: staff token ttl must be positive")
	}
	issuer = strings.TrimSpace(issuer)
	if issuer == "" {
		issuer = defaultStaffIssuer
	}
	now = now.UTC()

	claims := staffClaims{
		Roles:  identity.Roles,
		Email:  identity.Email,
		Locale: identity.Locale,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   strings.TrimSpace(identity.UID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("auth: sign staff token: %w", err)
	}
	return signed, nil
}
