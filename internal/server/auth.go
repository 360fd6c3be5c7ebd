package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"loatodo/internal/engine"
)

const (
	accountHeader = "X-Account-ID"
	accountKey    = "account"
)

var errUnauthenticated = errors.New("unauthenticated")

type authenticator struct {
	secret []byte
}

// middleware resolves the acting account and rejects anonymous requests.
func (a *authenticator) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		account, err := a.account(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(accountKey, account)
		c.Next()
	}
}

func (a *authenticator) account(r *http.Request) (string, error) {
	if len(a.secret) == 0 {
		account := strings.TrimSpace(r.Header.Get(accountHeader))
		if account == "" {
			return "", errUnauthenticated
		}
		return account, nil
	}

	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return "", errUnauthenticated
	}
	raw := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return "", errUnauthenticated
	}
	sub, err := token.Claims.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return "", errUnauthenticated
	}
	return sub, nil
}

// acting returns the authenticated account.
func acting(c *gin.Context) string {
	return c.GetString(accountKey)
}

// principal pairs the authenticated account with the :owner path segment.
func principal(c *gin.Context) engine.Principal {
	return engine.Principal{Acting: acting(c), Owner: c.Param("owner")}
}
