package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"astroxgear/configs"
)

const (
	RoleCustomer = "customer"
	RoleAdmin    = "admin"

	customerKey = "customer_id"
	roleKey     = "role"
)

// Authz проверка Bearer JWT: sub это id покупателя, role это роль
type Authz struct {
	secret   []byte
	issuer   string
	audience string
}

func NewAuthz(cfg configs.Config) *Authz {
	return &Authz{
		secret:   []byte(cfg.Security.JWTSecret),
		issuer:   cfg.Security.Issuer,
		audience: cfg.Security.Audience,
	}
}

// Require validates the token and, when roles are given, that the token carries one of them.
func (a *Authz) Require(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			unauth(c, "invalid_request", "missing bearer token")
			return
		}

		raw := strings.TrimPrefix(auth, "Bearer ")
		opts := []jwt.ParserOption{
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
			jwt.WithLeeway(30 * time.Second),
		}
		if a.issuer != "" {
			opts = append(opts, jwt.WithIssuer(a.issuer))
		}
		if a.audience != "" {
			opts = append(opts, jwt.WithAudience(a.audience))
		}
		claims := jwt.MapClaims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
			return a.secret, nil
		}, opts...)
		if err != nil || !token.Valid {
			unauth(c, "invalid_token", "invalid jwt")
			return
		}

		sub, err := claims.GetSubject()
		if err != nil {
			unauth(c, "invalid_token", "missing subject")
			return
		}
		customerID, err := strconv.ParseInt(sub, 10, 64)
		if err != nil || customerID <= 0 {
			unauth(c, "invalid_token", "subject is not a customer id")
			return
		}

		role, _ := claims["role"].(string)
		if role == "" {
			role = RoleCustomer
		}
		if len(roles) > 0 && !contains(roles, role) {
			forbidden(c, "insufficient_scope", "role not allowed")
			return
		}

		c.Set(customerKey, customerID)
		c.Set(roleKey, role)
		c.Next()
	}
}

// CustomerID returns the authenticated customer set by Require.
func CustomerID(c *gin.Context) (int64, bool) {
	v, ok := c.Get(customerKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(int64)
	return id, ok
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func unauth(c *gin.Context, code, desc string) {
	c.Header("WWW-Authenticate", `Bearer error="`+code+`", error_description="`+desc+`"`)
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": code, "error_description": desc})
}

func forbidden(c *gin.Context, code, desc string) {
	c.Header("WWW-Authenticate", `Bearer error="`+code+`", error_description="`+desc+`"`)
	c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": code, "error_description": desc})
}
