package permission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/haasonsaas/synapse/internal/store"
)

// Token verification errors.
var (
	ErrTokenInvalid      = errors.New("approval token invalid")
	ErrTokenExpired      = errors.New("approval token expired")
	ErrTokenRevoked      = errors.New("approval token revoked")
	ErrScopeNotGrantable = errors.New("scope is not grantable")
)

// Claims are the signed contents of an approval token.
type Claims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// Issued describes a freshly issued token.
type Issued struct {
	TokenID   string    `json:"token_id"`
	AgentID   string    `json:"agent_id"`
	Scope     string    `json:"scope"`
	ExpiresAt time.Time `json:"expires_at"`
	// Signed is the compact serialization the agent presents on calls.
	Signed string `json:"token"`
}

// Issue signs a time-bounded grant of scope to agentID, persists it, and
// writes an audit record.
func (l *Layer) Issue(ctx context.Context, agentID, scope string, ttl time.Duration) (*Issued, error) {
	if agentID == "" || scope == "" {
		return nil, fmt.Errorf("%w: agent id and scope are required", ErrTokenInvalid)
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	if len(l.grantable) > 0 && !l.grantable[scope] {
		return nil, fmt.Errorf("%w: %q", ErrScopeNotGrantable, scope)
	}

	now := l.clock.Now()
	tokenID := uuid.NewString()
	claims := Claims{
		Scope: scope,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			Subject:   agentID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(l.secret)
	if err != nil {
		return nil, fmt.Errorf("sign approval token: %w", err)
	}

	issued := &Issued{
		TokenID:   tokenID,
		AgentID:   agentID,
		Scope:     scope,
		ExpiresAt: now.Add(ttl),
		Signed:    signed,
	}

	if l.store != nil {
		record := &store.Token{
			TokenID:   tokenID,
			AgentID:   agentID,
			Scope:     scope,
			IssuedAt:  now,
			ExpiresAt: issued.ExpiresAt,
			Signature: signaturePart(signed),
		}
		if err := l.store.InsertToken(ctx, record); err != nil {
			return nil, err
		}
	}
	if l.audit != nil {
		if err := l.audit.TokenIssued(agentID, tokenID, scope, issued.ExpiresAt); err != nil {
			return nil, err
		}
	}
	l.logger.Info("approval token issued", "agent_id", agentID, "scope", scope, "token_id", tokenID, "ttl", ttl)
	return issued, nil
}

// Revoke marks a token revoked. Revoking twice is the same as once; only the
// first revocation writes an audit record.
func (l *Layer) Revoke(ctx context.Context, tokenID string) error {
	if l.store == nil {
		return fmt.Errorf("token revocation requires a store")
	}
	changed, err := l.store.RevokeToken(ctx, tokenID)
	if err != nil {
		return err
	}
	if changed && l.audit != nil {
		if err := l.audit.TokenRevoked(tokenID); err != nil {
			return err
		}
	}
	return nil
}

// verifyToken checks the signature, expiry, binding to agentID, and
// revocation state of a presented token.
func (l *Layer) verifyToken(ctx context.Context, agentID, raw string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return l.secret, nil
	}, jwt.WithTimeFunc(l.clock.Now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !parsed.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.Subject != agentID {
		return nil, fmt.Errorf("%w: issued to a different agent", ErrTokenInvalid)
	}
	if l.store != nil {
		record, err := l.store.GetToken(ctx, claims.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("%w: unknown token id", ErrTokenInvalid)
			}
			return nil, err
		}
		if record.Revoked {
			return nil, ErrTokenRevoked
		}
	}
	return claims, nil
}

func signaturePart(compact string) string {
	parts := strings.Split(compact, ".")
	if len(parts) != 3 {
		return ""
	}
	return parts[2]
}
