// Package identity turns bearer tokens into an Actor: the authenticated caller
// plus the predicates used to authorize each operation.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

var (
	ErrUnauthenticated = errors.New("identity: missing or invalid token")
	ErrForbidden       = errors.New("identity: operation not permitted")
)

type Role string

const (
	RoleMember  Role = "member"
	RoleManager Role = "manager"
	RoleAdmin   Role = "admin"
)

// Actor is the verified caller. It is passed explicitly into every operation
// that needs authorization.
type Actor struct {
	UserID string
	Email  string
	Role   Role
}

func (a Actor) Authenticated() bool { return a.UserID != "" }

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// CanManage reports whether the actor may act as the manager of a club
// owned by managerID.
func (a Actor) CanManage(managerID string) bool {
	if a.IsAdmin() {
		return true
	}
	return a.Role == RoleManager && a.UserID != "" && a.UserID == managerID
}

// CanManageAny reports whether the actor holds a management role at all.
func (a Actor) CanManageAny() bool {
	return a.Role == RoleManager || a.Role == RoleAdmin
}

type Claims struct {
	Role  string `json:"role"`
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Verifier validates HS256 tokens signed with a shared secret.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()),
	}
}

func (v *Verifier) Verify(tokenStr string) (Actor, error) {
	claims := &Claims{}
	t, err := v.parser.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return Actor{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if !t.Valid || claims.Subject == "" {
		return Actor{}, ErrUnauthenticated
	}

	role := Role(claims.Role)
	switch role {
	case RoleMember, RoleManager, RoleAdmin:
	case "":
		role = RoleMember
	default:
		return Actor{}, fmt.Errorf("%w: unknown role %q", ErrUnauthenticated, claims.Role)
	}
	return Actor{UserID: claims.Subject, Email: claims.Email, Role: role}, nil
}

// Issue signs a token for actor. Used by tooling and tests; production tokens
// come from the external identity provider.
func (v *Verifier) Issue(actor Actor, ttl time.Duration) (string, error) {
	claims := Claims{
		Role:  string(actor.Role),
		Email: actor.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.UserID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

type ctxKey struct{}

func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, ctxKey{}, a)
}

func FromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(ctxKey{}).(Actor)
	return a, ok && a.Authenticated()
}
