package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// tokenIssuer は発行するトークンのIssuer。
const tokenIssuer = "notifan"

// コンテキストキー。
const (
	ctxKeyOperator = "operator"
	ctxKeyClientID = "client_id"
)

// headerKeyOperator は認証済みオペレーターを応答に付与するHTTPヘッダーキー。
const headerKeyOperator = "X-Operator"

// JWTClaims は運用APIで使うJWTトークンのクレームを表す。
// Subject にオペレーター名を持つ。
type JWTClaims struct {
	jwt.RegisteredClaims
	// ClientID はトークンがアクセスを許可されたクライアント。0の場合は全クライアント。
	ClientID int64 `json:"client_id,omitempty"`
}

// GenerateJWT はオペレーター用のJWTトークンを生成する。
// clientIDに0を指定すると全クライアントにアクセスできるトークンになる。
func GenerateJWT(secret, operator string, clientID int64) (string, error) {
	now := time.Now()
	claims := JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   operator,
			ExpiresAt: jwt.NewNumericDate(now.Add(24 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
		},
		ClientID: clientID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// JWTAuth はJWTトークンを検証するGinミドルウェアを返す。
// 検証に成功した場合、コンテキストに "operator" と "client_id" を設定する。
func JWTAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorizationヘッダーが必要です",
			})
			return
		}

		tokenString, found := strings.CutPrefix(authHeader, "Bearer ")
		if !found {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Bearer トークン形式が不正です",
			})
			return
		}

		claims := &JWTClaims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
			return []byte(secret), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(tokenIssuer))
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "トークンが無効です",
			})
			return
		}

		c.Set(ctxKeyOperator, claims.Subject)
		c.Set(ctxKeyClientID, claims.ClientID)
		c.Header(headerKeyOperator, claims.Subject)
		c.Next()
	}
}

// GetOperator はGinコンテキストからオペレーター名を取得する。
// JWTAuthミドルウェアが事前に適用されている必要がある。
func GetOperator(c *gin.Context) string {
	v, _ := c.Get(ctxKeyOperator)
	if op, ok := v.(string); ok {
		return op
	}
	return ""
}

// CanAccessClient はトークンが指定クライアントへのアクセスを許可されているかを返す。
// トークンのClientIDが0の場合はすべてのクライアントを許可する。
func CanAccessClient(c *gin.Context, clientID int64) bool {
	v, ok := c.Get(ctxKeyClientID)
	if !ok {
		return false
	}
	scope, ok := v.(int64)
	if !ok {
		return false
	}
	return scope == 0 || scope == clientID
}
