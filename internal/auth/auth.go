// Package auth issues and verifies the HS256 tokens that identify users and
// joined participants.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"livequiz-service/internal/domain"
)

// ErrInvalidToken is returned for malformed, forged or expired tokens.
var ErrInvalidToken = errors.New("invalid or expired token")

// Claims identify a user and, for participant tokens, the joined session.
type Claims struct {
	Name          string `json:"name,omitempty"`
	SessionID     string `json:"sid,omitempty"`
	ParticipantID string `json:"pid,omitempty"`
	jwt.RegisteredClaims
}

// UserID is the authenticated user, empty for guests.
func (c *Claims) UserID() string {
	return c.Subject
}

// Authenticator signs and validates tokens with a shared secret.
type Authenticator struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewAuthenticator(secret string, ttl time.Duration) *Authenticator {
	return &Authenticator{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// IssueUser returns a token for a signed-in user.
func (a *Authenticator) IssueUser(userID, name string) (string, error) {
	if userID == "" {
		return "", domain.ErrAuthenticationRequired
	}
	return a.sign(&Claims{Name: name, RegisteredClaims: jwt.RegisteredClaims{Subject: userID}})
}

// IssueParticipant returns a session-scoped token handed out on join.
func (a *Authenticator) IssueParticipant(p domain.Participant) (string, error) {
	return a.sign(&Claims{
		Name:          p.Name,
		SessionID:     p.SessionID,
		ParticipantID: p.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: p.UserID,
		},
	})
}

func (a *Authenticator) sign(c *Claims) (string, error) {
	now := a.now()
	c.IssuedAt = jwt.NewNumericDate(now)
	if a.ttl > 0 {
		c.ExpiresAt = jwt.NewNumericDate(now.Add(a.ttl))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses token and returns its claims.
func (a *Authenticator) Verify(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(a.now))
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

type claimsKey struct{}

// WithClaims attaches verified claims to ctx.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

// FromContext returns the claims attached by WithClaims.
func FromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*Claims)
	return c, ok && c != nil
}

// UserID returns the authenticated user id or ErrAuthenticationRequired.
func UserID(ctx context.Context) (string, error) {
	c, ok := FromContext(ctx)
	if !ok || c.UserID() == "" {
		return "", domain.ErrAuthenticationRequired
	}
	return c.UserID(), nil
}
