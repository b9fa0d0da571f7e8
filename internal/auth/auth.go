// Package auth は変換 API の任意のログイン保護（セッションと CSRF トークン）を提供します。
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	SessionCookieName = "fc_session"
	CSRFHeader        = "X-CSRF-Token"

	sessionKeyUser       = "user"
	sessionKeyIssuedAt   = "issued_at"
	sessionKeyLastActive = "last_active"
	sessionKeyCSRF       = "csrf"
)

// ContextUserKey は gin.Context にログインユーザー名を格納するキーです。
const ContextUserKey = "auth.user"

// Options は認証の設定です。ゼロ値の項目には既定値を使います。
type Options struct {
	Username     string
	PasswordHash string // bcrypt
	MaxLifetime  time.Duration
	IdleTimeout  time.Duration

	MaxAttempts   int
	AttemptWindow time.Duration
	LockDuration  time.Duration
}

func (o *Options) setDefaults() {
	if o.MaxLifetime <= 0 {
		o.MaxLifetime = 12 * time.Hour
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 30 * time.Minute
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.AttemptWindow <= 0 {
		o.AttemptWindow = 15 * time.Minute
	}
	if o.LockDuration <= 0 {
		o.LockDuration = 10 * time.Minute
	}
}

// Manager はログイン、セッション検証、CSRF 検証を行います。
type Manager struct {
	opts    Options
	limiter *attemptLimiter
	logger  *zap.Logger
	now     func() time.Time
}

// NewManager は Manager を作成します。
func NewManager(opts Options, logger *zap.Logger) (*Manager, error) {
	if opts.Username == "" || opts.PasswordHash == "" {
		return nil, errors.New("username and password hash are required")
	}
	if _, err := bcrypt.Cost([]byte(opts.PasswordHash)); err != nil {
		return nil, errors.New("password hash is not a bcrypt hash")
	}
	opts.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{opts: opts, logger: logger, now: time.Now}
	m.limiter = newAttemptLimiter(opts.MaxAttempts, opts.AttemptWindow, opts.LockDuration, func() time.Time { return m.now() })
	return m, nil
}

// NewSessionStore は署名付きクッキーのセッションストアを作成します。
func NewSessionStore(secret string, maxLifetime time.Duration, secure bool) sessions.Store {
	if maxLifetime <= 0 {
		maxLifetime = 12 * time.Hour
	}
	store := cookie.NewStore([]byte(secret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   int(maxLifetime.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	})
	return store
}

func (m *Manager) verify(username, password string) bool {
	if username != m.opts.Username {
		// ユーザー名の不一致でも比較コストを揃える
		_ = bcrypt.CompareHashAndPassword([]byte(m.opts.PasswordHash), []byte(password))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(m.opts.PasswordHash), []byte(password)) == nil
}

func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func unixTime(v any) time.Time {
	switch t := v.(type) {
	case int64:
		return time.Unix(t, 0)
	case int:
		return time.Unix(int64(t), 0)
	case float64:
		return time.Unix(int64(t), 0)
	}
	return time.Time{}
}
