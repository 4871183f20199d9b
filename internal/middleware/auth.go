package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/agent-coordinator/internal/audit"
	apperrors "github.com/openclaw/agent-coordinator/internal/errors"
	"github.com/openclaw/agent-coordinator/internal/httputil"
)

type contextKey string

const OperatorContextKey contextKey = "operator"

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// Operator is the authenticated caller of the operator API. Tokens are
// issued by the product's auth system; this service only verifies them.
type Operator struct {
	ID       string
	TenantID string
}

func GetOperator(ctx context.Context) *Operator {
	if op, ok := ctx.Value(OperatorContextKey).(*Operator); ok {
		return op
	}
	return nil
}

func WithOperator(ctx context.Context, op *Operator) context.Context {
	return context.WithValue(ctx, OperatorContextKey, op)
}

// OperatorAuth verifies HS256 bearer tokens carrying "sub" and "tenant_id".
type OperatorAuth struct {
	secret []byte
}

func NewOperatorAuth(secret string) *OperatorAuth {
	return &OperatorAuth{secret: []byte(secret)}
}

func (m *OperatorAuth) Verify(tokenString string) (*Operator, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	tenantID, ok := claims["tenant_id"].(string)
	if !ok || tenantID == "" {
		return nil, fmt.Errorf("%w: tenant_id", ErrMissingClaim)
	}

	return &Operator{ID: sub, TenantID: tenantID}, nil
}

// Generate signs a token for op. Used by tooling and tests.
func (m *OperatorAuth) Generate(op Operator, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":       op.ID,
		"tenant_id": op.TenantID,
		"iat":       now.Unix(),
		"exp":       now.Add(expiresIn).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

func (m *OperatorAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			httputil.WriteError(w, apperrors.Unauthorized("Missing authentication token"))
			return
		}

		op, err := m.Verify(token)
		if err != nil {
			log.Warn().Err(err).Msg("operator auth: token rejected")
			audit.LogFromRequest(r, audit.Event{
				Type:    audit.EventAuthFailure,
				Details: map[string]interface{}{"reason": err.Error()},
			})
			if errors.Is(err, ErrExpiredToken) {
				httputil.WriteError(w, apperrors.Unauthorized("Token expired"))
				return
			}
			httputil.WriteError(w, apperrors.Unauthorized("Invalid token"))
			return
		}

		next.ServeHTTP(w, r.WithContext(WithOperator(r.Context(), op)))
	})
}

// extractToken reads the bearer header, falling back to the query string for
// EventSource clients that cannot set headers.
func extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}

	return r.URL.Query().Get("token")
}
