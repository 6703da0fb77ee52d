// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package stubserver

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const userKey = "user"

// authority issues and checks HS256 access tokens whose subject is the
// user's email.
type authority struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func (a *authority) issue(email string) (string, error) {
	now := a.now()
	claims := jwt.RegisteredClaims{
		Subject:   email,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *authority) parse(token string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(a.now))
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}

func bearer(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	tok := strings.TrimPrefix(h, "Bearer ")
	if tok == h {
		return ""
	}
	return tok
}

// subject returns the authenticated user, or "" for anonymous requests.
func (a *authority) subject(c *gin.Context) string {
	tok := bearer(c)
	if tok == "" {
		return ""
	}
	sub, err := a.parse(tok)
	if err != nil {
		return ""
	}
	return sub
}

// required rejects requests without a valid token.
func (a *authority) required() gin.HandlerFunc {
	return func(c *gin.Context) {
		sub := a.subject(c)
		if sub == "" {
			c.Header("WWW-Authenticate", "Bearer")
			detail(c, http.StatusUnauthorized, "Authentication required")
			return
		}
		c.Set(userKey, sub)
		c.Next()
	}
}
