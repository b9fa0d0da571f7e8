package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
)

// RequireLogin はログイン済みのセッションを要求するミドルウェアです。
// 有効期限切れとアイドルタイムアウトのセッションは破棄します。
func (m *Manager) RequireLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		user, _ := session.Get(sessionKeyUser).(string)
		if user == "" {
			abort(c, http.StatusUnauthorized, "UNAUTHORIZED", "login required")
			return
		}

		now := m.now()
		issuedAt := unixTime(session.Get(sessionKeyIssuedAt))
		if issuedAt.IsZero() || now.Sub(issuedAt) > m.opts.MaxLifetime {
			clearSession(session)
			abort(c, http.StatusUnauthorized, "SESSION_EXPIRED", "the session has expired")
			return
		}
		lastActive := unixTime(session.Get(sessionKeyLastActive))
		if lastActive.IsZero() || now.Sub(lastActive) > m.opts.IdleTimeout {
			clearSession(session)
			abort(c, http.StatusUnauthorized, "SESSION_IDLE_TIMEOUT", "the session was idle for too long")
			return
		}

		session.Set(sessionKeyLastActive, now.Unix())
		_ = session.Save()
		c.Set(ContextUserKey, user)
		c.Next()
	}
}

// VerifyCSRF は状態を変更するリクエストに X-CSRF-Token ヘッダーを要求します。
func (m *Manager) VerifyCSRF() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			c.Next()
			return
		}

		expected, _ := sessions.Default(c).Get(sessionKeyCSRF).(string)
		if expected == "" {
			abort(c, http.StatusForbidden, "CSRF_MISSING", "no CSRF token in session")
			return
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(c.GetHeader(CSRFHeader))) != 1 {
			abort(c, http.StatusForbidden, "CSRF_INVALID", "CSRF token mismatch")
			return
		}
		c.Next()
	}
}

func clearSession(session sessions.Session) {
	session.Clear()
	_ = session.Save()
}

func abort(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"code": code, "message": message})
}
