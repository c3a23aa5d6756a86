package middleware

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const tokenTypeAccess = "access"

var ErrNotAccessToken = errors.New("access token required")

type Claims struct {
	UserID   uint64 `json:"sub"`
	Username string `json:"username"`
	Type     string `json:"typ"`
	jwt.RegisteredClaims
}

// SignAccessToken issues an HS256 access token for userID.
func SignAccessToken(secret []byte, userID uint64, username string, ttl time.Duration) (string, error) {
	claims := &Claims{
		UserID:   userID,
		Username: username,
		Type:     tokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func ParseToken(secret []byte, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if claims.Type != "" && claims.Type != tokenTypeAccess {
		return nil, ErrNotAccessToken
	}
	return claims, nil
}

// AuthMiddleware verifies the bearer token and stores userId and username
// in the gin context. Browsers can not set headers on a websocket upgrade,
// so ?token= is accepted as well.
func AuthMiddleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := extractBearer(c.Request.Header.Get("Authorization"))
		if tokenString == "" {
			tokenString = strings.TrimSpace(c.Query("token"))
		}
		if tokenString == "" {
			c.AbortWithStatusJSON(401, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": "Authorization header is missing or invalid",
			})
			return
		}

		claims, err := ParseToken(secret, tokenString)
		if err != nil {
			c.AbortWithStatusJSON(401, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": err.Error(),
			})
			return
		}

		c.Set("userId", strconv.FormatUint(claims.UserID, 10))
		c.Set("username", claims.Username)
		c.Next()
	}
}

func extractBearer(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
