package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"collabCore/backend/internal/auth"
)

type verifyErrResp struct {
	Error string `json:"error"`
}

type VerifyClaims struct {
	ParticipantID string `json:"sub"`
	Username      string `json:"username"`
	Type          string `json:"typ"` // "access"
}

// AuthMiddleware 身份是外部协作方：默认把 token 交给 auth 服务的
// /v1/auth/verify 校验；authBaseURL 为空时退化成本地 HS256 解析
//（单机部署 / 测试用）。认证失败的连接在任何会话状态被碰到之前就被拒掉。
//
// authBaseURL 不要带路径：middleware 自己拼 + "/v1/auth/verify"。
func AuthMiddleware(authBaseURL string) gin.HandlerFunc {
	client := &http.Client{}
	verifyURL := strings.TrimRight(authBaseURL, "/") + "/v1/auth/verify"

	return func(c *gin.Context) {
		tokenString := extractBearer(c.Request.Header.Get("Authorization"))
		if tokenString == "" {
			// 兼容 WebSocket：浏览器没法自定义 Header，允许 ?token=
			tokenString = strings.TrimSpace(c.Query("token"))
		}
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": "Authorization header is missing or invalid",
			})
			return
		}

		var claims VerifyClaims
		if authBaseURL == "" {
			parsed, err := auth.ParseToken(tokenString)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"code":    "UNAUTHENTICATED",
					"message": "invalid token",
				})
				return
			}
			claims = VerifyClaims{ParticipantID: parsed.ParticipantID, Username: parsed.Username, Type: parsed.Type}
		} else if !verifyRemote(c, client, verifyURL, tokenString, &claims) {
			return
		}

		if claims.Type != "" && claims.Type != "access" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": "access token required",
			})
			return
		}

		c.Set("participantId", claims.ParticipantID)
		c.Set("username", claims.Username)
		c.Next()
	}
}

func verifyRemote(c *gin.Context, client *http.Client, verifyURL, tokenString string, claims *VerifyClaims) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 1200*time.Millisecond)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, verifyURL, bytes.NewReader([]byte("{}")))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "build verify request failed"})
		return false
	}
	req.Header.Set("Authorization", "Bearer "+tokenString)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		// 含超时：context deadline exceeded
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{
			"code":    "AUTH_UPSTREAM_ERROR",
			"message": "auth-service verify failed",
		})
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		var e verifyErrResp
		_ = json.NewDecoder(resp.Body).Decode(&e)
		msg := e.Error
		if msg == "" {
			msg = "invalid token"
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"code":    "UNAUTHENTICATED",
			"message": msg,
		})
		return false
	}
	if resp.StatusCode != http.StatusOK {
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{
			"code":    "AUTH_UPSTREAM_ERROR",
			"message": "auth-service verify non-200",
		})
		return false
	}

	if err := json.NewDecoder(resp.Body).Decode(claims); err != nil {
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{
			"code":    "AUTH_UPSTREAM_ERROR",
			"message": "invalid verify response",
		})
		return false
	}
	return true
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	// "Bearer " 前缀大小写不敏感
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
