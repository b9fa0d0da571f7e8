// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StorageBackendS3    = "s3"
	StorageBackendLocal = "local"

	ProgressBackendMemory = "memory"
	ProgressBackendRedis  = "redis"

	QueueModeLocal = "local"
	QueueModeAsynq = "asynq"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り、"*" で全許可）

	// アップロード制限
	MaxFileSize       int64    // 単一ファイルの最大サイズ（バイト）
	AllowedExtensions []string // 受け付ける拡張子（小文字、ドット付き）
	TrustRawFilenames bool     // ファイル名を検証せずジョブキーとして使う（互換モード）
	UploadRateLimit   float64  // アップロードの秒間リクエスト上限（0 で無制限）
	UploadRateBurst   int      // レート制限のバースト数

	// ストレージ設定
	StorageBackend  string // s3 または local
	LocalStorageDir string // local バックエンドの保存先
	AWSRegion       string
	AWSBucketName   string
	AWSEndpoint     string // MinIO / R2 などのカスタムエンドポイント
	AWSAccessKeyID  string // 空の場合はデフォルトの認証情報チェーンを使用
	AWSSecretKey    string

	// 変換設定
	SofficePath      string        // LibreOffice 実行ファイルのパス
	TargetFormat     string        // 変換先フォーマット
	ConvertTimeout   time.Duration // 0 の場合はタイムアウトなし
	ConvertWorkers   int           // 変換ワーカー数
	ConvertQueueSize int           // 変換待ちキューの長さ
	WorkspaceDir     string        // 作業ディレクトリのベース
	VerifyOutput     bool          // 変換結果PDFを pdfcpu で検証する

	// ジョブ/キュー設定
	QueueMode          string // local または asynq
	QueueRedisURL      string // Asynq / 進捗ストア用 Redis 接続URL
	ProgressBackend    string // memory または redis
	ProgressTTLMinutes int    // Redis 上の進捗の有効期限（0 で無期限）

	// イベント通知
	RabbitMQURL      string
	RabbitMQExchange string

	// 認証設定（任意）
	AuthEnabled     bool
	AppUsername     string // ログイン用ユーザー名
	AppPasswordHash string // bcryptでハッシュ化されたパスワード
	SessionSecret   string // セッション署名用の秘密鍵

	LogLevel string
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	targetFormat := strings.ToLower(getEnv("TARGET_FORMAT", "pdf"))

	config := &Config{
		Port:    getEnv("PORT", "8000"),
		GinMode: getEnv("GIN_MODE", "debug"),

		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),

		MaxFileSize:       getEnvAsInt64("MAX_FILE_SIZE", 10*1024*1024), // 10MB
		AllowedExtensions: parseExtensions(getEnv("ALLOWED_EXTENSIONS", ".doc,.docx")),
		TrustRawFilenames: getEnvAsBool("TRUST_RAW_FILENAMES", false),
		UploadRateLimit:   getEnvAsFloat("UPLOAD_RATE_LIMIT", 0),
		UploadRateBurst:   getEnvAsInt("UPLOAD_RATE_BURST", 5),

		StorageBackend:  getEnv("STORAGE_BACKEND", StorageBackendS3),
		LocalStorageDir: getEnv("LOCAL_STORAGE_DIR", filepath.Join(os.TempDir(), "file-converter", "store")),
		AWSRegion:       getEnv("AWS_REGION", "us-east-1"),
		AWSBucketName:   getEnv("AWS_BUCKET_NAME", ""),
		AWSEndpoint:     getEnv("AWS_ENDPOINT", ""),
		AWSAccessKeyID:  getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretKey:    getEnv("AWS_SECRET_ACCESS_KEY", ""),

		SofficePath:      getEnv("SOFFICE_PATH", "soffice"),
		TargetFormat:     targetFormat,
		ConvertTimeout:   getEnvAsDuration("CONVERT_TIMEOUT", 0),
		ConvertWorkers:   getEnvAsInt("CONVERT_WORKERS", 2),
		ConvertQueueSize: getEnvAsInt("CONVERT_QUEUE_SIZE", 64),
		WorkspaceDir:     getEnv("WORKSPACE_DIR", filepath.Join(os.TempDir(), "file-converter", "work")),
		VerifyOutput:     getEnvAsBool("VERIFY_OUTPUT", targetFormat == "pdf"),

		QueueMode:          getEnv("QUEUE_MODE", QueueModeLocal),
		QueueRedisURL:      getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),
		ProgressBackend:    getEnv("PROGRESS_BACKEND", ProgressBackendMemory),
		ProgressTTLMinutes: getEnvAsInt("PROGRESS_TTL_MINUTES", 0),

		RabbitMQURL:      getEnv("RABBITMQ_URL", ""),
		RabbitMQExchange: getEnv("RABBITMQ_EXCHANGE", "file_conversion"),

		AuthEnabled:     getEnvAsBool("AUTH_ENABLED", false),
		AppUsername:     getEnv("APP_USERNAME", ""),
		AppPasswordHash: getEnv("APP_PASSWORD_HASH", ""),
		SessionSecret:   getEnv("SESSION_SECRET", ""),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}
	if err := godotenv.Load(".env"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("MAX_FILE_SIZE must be positive")
	}
	if len(c.AllowedExtensions) == 0 {
		return fmt.Errorf("ALLOWED_EXTENSIONS must not be empty")
	}
	if c.ConvertTimeout < 0 {
		return fmt.Errorf("CONVERT_TIMEOUT must not be negative")
	}
	// 出力の検証は pdfcpu で行うため PDF 以外には使えない
	if c.VerifyOutput && c.TargetFormat != "pdf" {
		return fmt.Errorf("VERIFY_OUTPUT requires TARGET_FORMAT=pdf (got %s)", c.TargetFormat)
	}

	switch c.StorageBackend {
	case StorageBackendS3:
		if c.AWSBucketName == "" {
			return fmt.Errorf("AWS_BUCKET_NAME is required for the s3 storage backend")
		}
	case StorageBackendLocal:
		if c.LocalStorageDir == "" {
			return fmt.Errorf("LOCAL_STORAGE_DIR is required for the local storage backend")
		}
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND: %s", c.StorageBackend)
	}

	switch c.ProgressBackend {
	case ProgressBackendMemory:
	case ProgressBackendRedis:
		if c.QueueRedisURL == "" {
			return fmt.Errorf("QUEUE_REDIS_URL is required for the redis progress backend")
		}
	default:
		return fmt.Errorf("unknown PROGRESS_BACKEND: %s", c.ProgressBackend)
	}

	switch c.QueueMode {
	case QueueModeLocal:
		if c.ConvertWorkers <= 0 {
			return fmt.Errorf("CONVERT_WORKERS must be positive")
		}
	case QueueModeAsynq:
		if c.QueueRedisURL == "" {
			return fmt.Errorf("QUEUE_REDIS_URL is required in asynq queue mode")
		}
		// API と asynq ワーカーで進捗を共有するため
		if c.ProgressBackend != ProgressBackendRedis {
			return fmt.Errorf("PROGRESS_BACKEND=redis is required in asynq queue mode")
		}
	default:
		return fmt.Errorf("unknown QUEUE_MODE: %s", c.QueueMode)
	}

	if c.AuthEnabled {
		if c.AppUsername == "" {
			return fmt.Errorf("APP_USERNAME is required when AUTH_ENABLED=true")
		}
		if c.AppPasswordHash == "" {
			return fmt.Errorf("APP_PASSWORD_HASH is required when AUTH_ENABLED=true")
		}
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required when AUTH_ENABLED=true")
		}
	}

	return nil
}

// Location はストレージの保存先識別子（バケット名またはディレクトリ）を返します。
func (c *Config) Location() string {
	if c.StorageBackend == StorageBackendLocal {
		return c.LocalStorageDir
	}
	return c.AWSBucketName
}

func parseExtensions(raw string) []string {
	var exts []string
	for _, part := range strings.Split(raw, ",") {
		ext := strings.ToLower(strings.TrimSpace(part))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts = append(exts, ext)
	}
	return exts
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration は "90s" のような Go の duration 表記を受け付けます。
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
