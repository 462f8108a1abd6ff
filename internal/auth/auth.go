// Package auth verifies and mints session credentials that bind a
// connection to exactly one room, user and role.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/npezzotti/go-collab/internal/errs"
	"github.com/npezzotti/go-collab/internal/types"
)

const DefaultTTL = time.Hour * 24

// Claims is the signed payload of a session credential.
type Claims struct {
	RoomId string     `json:"roomId"`
	UserId string     `json:"userId"`
	Role   types.Role `json:"role"`
	jwt.RegisteredClaims
}

// Credential is a verified, immutable view of Claims.
type Credential struct {
	RoomId    string
	UserId    string
	Role      types.Role
	IssuedAt  time.Time
	ExpiresAt time.Time
}

func (c Credential) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

func (c Credential) IsCreator() bool {
	return c.Role == types.RoleCreator
}

// AuthError is returned for a missing, invalid or expired credential.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth: %s: %s", e.Reason, e.Err.Error())
	}

	return "auth: " + e.Reason
}

func (e *AuthError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}

	return errs.ErrUnauthorized
}

type Verifier struct {
	key []byte
	now func() time.Time
}

func NewVerifier(key []byte) *Verifier {
	return &Verifier{key: key, now: time.Now}
}

// Verify parses and validates a signed credential.
func (v *Verifier) Verify(token string) (Credential, error) {
	if v == nil || len(v.key) == 0 {
		return Credential{}, errs.ErrVerifierUnavailable
	}
	if token == "" {
		return Credential{}, &AuthError{Reason: "missing credential"}
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.key, nil
	},
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Credential{}, &AuthError{Reason: "credential expired", Err: errs.ErrExpired}
		}
		return Credential{}, &AuthError{Reason: "invalid credential", Err: fmt.Errorf("%w: %s", errs.ErrUnauthorized, err)}
	}

	if claims.RoomId == "" || claims.UserId == "" {
		return Credential{}, &AuthError{Reason: "credential missing room or user"}
	}
	if !claims.Role.Valid() {
		return Credential{}, &AuthError{Reason: fmt.Sprintf("unknown role %q", claims.Role)}
	}

	cred := Credential{
		RoomId:    claims.RoomId,
		UserId:    claims.UserId,
		Role:      claims.Role,
		ExpiresAt: claims.ExpiresAt.Time,
	}
	if claims.IssuedAt != nil {
		cred.IssuedAt = claims.IssuedAt.Time
	}

	return cred, nil
}

// Issuer mints credentials. Production credentials come from the identity
// service; this is used by the token command and by tests.
type Issuer struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

func NewIssuer(key []byte, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &Issuer{key: key, ttl: ttl, now: time.Now}
}

func (i *Issuer) Issue(roomId, userId string, role types.Role) (string, time.Time, error) {
	if roomId == "" || userId == "" {
		return "", time.Time{}, errs.NewValidation("credential", "room and user are required")
	}
	if !role.Valid() {
		return "", time.Time{}, errs.NewValidation("role", string(role))
	}

	now := i.now()
	exp := now.Add(i.ttl)
	claims := Claims{
		RoomId: roomId,
		UserId: userId,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userId,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(i.key)
	return signed, exp, err
}
