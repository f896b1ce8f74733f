package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims identify the operator of the control API
type Claims struct {
	Device string `json:"device"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

const RoleOperator = "operator"

// JWTManager issues and validates HS256 operator tokens
type JWTManager struct {
	secret   []byte
	issuer   string
	duration time.Duration
}

func NewJWTManager(secret, issuer string, duration time.Duration) *JWTManager {
	return &JWTManager{secret: []byte(secret), issuer: issuer, duration: duration}
}

func (m *JWTManager) GenerateToken(device, role string) (string, time.Time, error) {
	now := time.Now()
	expires := now.Add(m.duration)
	claims := Claims{
		Device: device,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   device,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expires, nil
}

func (m *JWTManager) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return m.secret, nil
	}, jwt.WithIssuer(m.issuer))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

type contextKey string

const claimsKey contextKey = "claims"

// TokenQueryParam carries the token for clients that cannot set headers,
// such as browser websockets
const TokenQueryParam = "access_token"

// Require rejects requests without a valid bearer token carrying role
func (m *JWTManager) Require(role string) func(http.Handler) http.Handler {
	return m.require(role, false)
}

// RequireStream is Require that also accepts the token in TokenQueryParam
func (m *JWTManager) RequireStream(role string) func(http.Handler) http.Handler {
	return m.require(role, true)
}

func (m *JWTManager) require(role string, allowQuery bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr, status, msg := bearerToken(r, allowQuery)
			if status != 0 {
				WriteError(w, status, msg)
				return
			}
			claims, err := m.ValidateToken(tokenStr)
			if err != nil {
				WriteError(w, http.StatusUnauthorized, "invalid token: "+err.Error())
				return
			}
			if claims.Role != role {
				WriteError(w, http.StatusForbidden, "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
		})
	}
}

func bearerToken(r *http.Request, allowQuery bool) (string, int, string) {
	header := r.Header.Get("Authorization")
	if header == "" {
		if allowQuery {
			if tok := r.URL.Query().Get(TokenQueryParam); tok != "" {
				return tok, 0, ""
			}
		}
		return "", http.StatusUnauthorized, "missing authorization"
	}
	tokenStr, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || tokenStr == "" {
		return "", http.StatusUnauthorized, "invalid authorization format"
	}
	return tokenStr, 0, ""
}

func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(*Claims)
	return claims, ok
}
