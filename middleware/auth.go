package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/DavidNemeth/TimeSheet-App/models"
)

type contextKey string

const CallerContextKey contextKey = "caller"

type Claims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

var jwtSecret []byte

func SetJWTSecret(secret string) {
	jwtSecret = []byte(secret)
}

func GenerateToken(caller *models.Caller, expiration time.Duration) (string, error) {
	claims := &Claims{
		UserID:   caller.UserID,
		Username: caller.Username,
		Role:     caller.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(jwtSecret)
}

func ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, jwt.ErrSignatureInvalid
}

// AuthMiddleware requires a valid bearer token and stores the caller in the request context.
func AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var tokenString string
		authHeader := r.Header.Get("Authorization")
		if authHeader != "" {
			parts := strings.Split(authHeader, " ")
			if len(parts) == 2 && parts[0] == "Bearer" {
				tokenString = parts[1]
			}
		}

		// The web front-end may forward its session cookie instead
		if tokenString == "" {
			if cookie, err := r.Cookie("token"); err == nil {
				tokenString = cookie.Value
			}
		}

		if tokenString == "" {
			unauthorized(w, "missing bearer token")
			return
		}

		claims, err := ValidateToken(tokenString)
		if err != nil {
			unauthorized(w, "invalid token")
			return
		}

		caller := &models.Caller{UserID: claims.UserID, Username: claims.Username, Role: claims.Role}
		ctx := context.WithValue(r.Context(), CallerContextKey, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller := GetCallerFromContext(r.Context())
			if caller == nil {
				unauthorized(w, "unauthorized")
				return
			}

			for _, role := range roles {
				if strings.EqualFold(caller.Role, role) {
					next.ServeHTTP(w, r)
					return
				}
			}

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "forbidden"})
		})
	}
}

// GetCallerFromContext returns nil when the request was not authenticated.
func GetCallerFromContext(ctx context.Context) *models.Caller {
	caller, ok := ctx.Value(CallerContextKey).(*models.Caller)
	if !ok {
		return nil
	}
	return caller
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
