package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	claimsContextKey = "auth_claims"
	bearerPrefix     = "Bearer "
)

// Claims is the bearer token payload. Subject is the student id.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// IsAdmin reports whether the caller may use back-office endpoints.
func (claims *Claims) IsAdmin() bool {
	return claims != nil && claims.Role == RoleAdmin
}

func bearerAuth(signingKey []byte, issuer string) gin.HandlerFunc {
	parserOptions := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if strings.TrimSpace(issuer) != "" {
		parserOptions = append(parserOptions, jwt.WithIssuer(issuer))
	}
	parser := jwt.NewParser(parserOptions...)
	keyFunc := func(*jwt.Token) (any, error) { return signingKey, nil }

	return func(ctx *gin.Context) {
		header := ctx.GetHeader("Authorization")
		if !strings.HasPrefix(header, bearerPrefix) {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing bearer token"))
			return
		}
		claims := &Claims{}
		if _, err := parser.ParseWithClaims(strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix)), claims, keyFunc); err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid bearer token"))
			return
		}
		if strings.TrimSpace(claims.Subject) == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "token has no subject"))
			return
		}
		ctx.Set(claimsContextKey, claims)
		ctx.Next()
	}
}

func requireRole(role string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		claims := getClaims(ctx)
		if claims == nil || claims.Role != role {
			ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse("forbidden", "insufficient role"))
			return
		}
		ctx.Next()
	}
}

func getClaims(ctx *gin.Context) *Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*Claims)
	return claims
}
