package auth

import (
	"math"
	"net/http"
	"strconv"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login は POST /auth/login のハンドラーです。成功すると CSRF トークンをヘッダーで返します。
func (m *Manager) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "send username and password as JSON",
		})
		return
	}

	client := c.ClientIP()
	if wait := m.limiter.lockedFor(client); wait > 0 {
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"code":    "TOO_MANY_ATTEMPTS",
			"message": "too many failed logins, try again later",
		})
		return
	}

	if !m.verify(req.Username, req.Password) {
		remaining := m.limiter.fail(client)
		m.logger.Warn("login failed", zap.String("client", client), zap.Int("remaining", remaining))
		c.JSON(http.StatusUnauthorized, gin.H{
			"code":              "INVALID_CREDENTIALS",
			"message":           "invalid username or password",
			"remainingAttempts": remaining,
		})
		return
	}
	m.limiter.reset(client)

	token, err := newToken()
	if err != nil {
		m.logger.Error("failed to generate csrf token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "TOKEN_GENERATION_FAILED",
			"message": "failed to generate a CSRF token",
		})
		return
	}

	now := m.now().Unix()
	session := sessions.Default(c)
	session.Set(sessionKeyUser, req.Username)
	session.Set(sessionKeyIssuedAt, now)
	session.Set(sessionKeyLastActive, now)
	session.Set(sessionKeyCSRF, token)
	if err := session.Save(); err != nil {
		m.logger.Error("failed to save session", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "SESSION_SAVE_FAILED",
			"message": "failed to save the session",
		})
		return
	}

	m.logger.Info("login succeeded", zap.String("user", req.Username), zap.String("client", client))
	c.Header(CSRFHeader, token)
	c.Status(http.StatusNoContent)
}

// Logout は POST /auth/logout のハンドラーです。
func (m *Manager) Logout(c *gin.Context) {
	session := sessions.Default(c)
	session.Clear()
	if err := session.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "SESSION_SAVE_FAILED",
			"message": "failed to clear the session",
		})
		return
	}
	c.Status(http.StatusNoContent)
}
