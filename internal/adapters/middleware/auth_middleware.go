package middleware

import (
	"context"
	"crypto/rsa"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/AchilleasB/family-hub/penalty-service/internal/core/domain"
)

type AuthMiddleware struct {
	publicKey *rsa.PublicKey
}

func NewAuthMiddleware(publicKey *rsa.PublicKey) *AuthMiddleware {
	return &AuthMiddleware{
		publicKey: publicKey,
	}
}

type contextKey string

const (
	MemberIDKey contextKey = "memberID"
	RoleKey     contextKey = "role"
)

// AnyMember lists every family role.
var AnyMember = []domain.Role{domain.RoleParent, domain.RoleTeen, domain.RoleChild}

// MemberID returns the authenticated member id stored by RequireRole.
func MemberID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(MemberIDKey).(string)
	return id, ok && id != ""
}

func RoleFrom(ctx context.Context) (domain.Role, bool) {
	role, ok := ctx.Value(RoleKey).(domain.Role)
	return role, ok
}

// bearerToken reads the Authorization header. Browsers cannot set headers on
// websocket upgrades, so GET requests may pass access_token instead.
func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if r.Method == http.MethodGet {
			if tok := r.URL.Query().Get("access_token"); tok != "" {
				return tok, true
			}
		}
		return "", false
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func (m *AuthMiddleware) RequireRole(roles []domain.Role, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tokenString, ok := bearerToken(r)
		if !ok {
			slog.Debug("missing or malformed authorization", slog.String("path", r.URL.Path))
			http.Error(w, "missing authorization header", http.StatusUnauthorized)
			return
		}

		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return m.publicKey, nil
		})
		if err != nil || !token.Valid {
			slog.Info("token rejected", slog.Any("error", err))
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			http.Error(w, "invalid token claims", http.StatusUnauthorized)
			return
		}

		memberID, ok := claims["sub"].(string)
		if !ok || memberID == "" {
			http.Error(w, "invalid token: missing member ID", http.StatusUnauthorized)
			return
		}

		roleClaim, _ := claims["role"].(string)
		role := domain.Role(roleClaim)
		if role == "" {
			http.Error(w, "invalid token: missing role", http.StatusUnauthorized)
			return
		}

		if !slices.Contains(roles, role) {
			slog.Info("role not allowed",
				slog.String("member", memberID), slog.String("role", roleClaim), slog.String("path", r.URL.Path))
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		ctx := context.WithValue(r.Context(), MemberIDKey, memberID)
		ctx = context.WithValue(ctx, RoleKey, role)

		next(w, r.WithContext(ctx))
	}
}
