// Package main はファイル変換APIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/YashwanthKothakota9/file-converter/internal/auth"
	"github.com/YashwanthKothakota9/file-converter/internal/config"
	"github.com/YashwanthKothakota9/file-converter/internal/converter"
	"github.com/YashwanthKothakota9/file-converter/internal/document"
	"github.com/YashwanthKothakota9/file-converter/internal/events"
	"github.com/YashwanthKothakota9/file-converter/internal/jobs"
	"github.com/YashwanthKothakota9/file-converter/internal/storage"
)

const (
	serviceName    = "file-converter-api"
	serviceVersion = "0.1.0"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server stopped with error", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	gateway, err := newGateway(ctx, cfg)
	if err != nil {
		return err
	}

	registry, closeRegistry, err := newRegistry(cfg)
	if err != nil {
		return err
	}
	defer closeRegistry()

	publisher := newPublisher(cfg, logger)
	defer publisher.Close()

	var inspector converter.Inspector
	if cfg.VerifyOutput {
		inspector = converter.PDFInspector{}
	}

	// 変換はワーカープール上で実行し、リクエスト処理をブロックしない
	pool := jobs.NewPool(cfg.ConvertWorkers, cfg.ConvertQueueSize, logger)
	pool.Start(context.WithoutCancel(ctx))
	defer pool.Stop()

	svc, err := document.NewService(document.Deps{
		Storage:   gateway,
		Runner:    &converter.Soffice{Path: cfg.SofficePath, Format: cfg.TargetFormat, Timeout: cfg.ConvertTimeout},
		Inspector: inspector,
		Progress:  registry,
		Executor:  pool,
		Events:    publisher,
		Logger:    logger,
	}, document.Options{
		MaxFileSize:       cfg.MaxFileSize,
		AllowedExtensions: cfg.AllowedExtensions,
		TrustRawFilenames: cfg.TrustRawFilenames,
		TargetFormat:      cfg.TargetFormat,
		WorkspaceDir:      cfg.WorkspaceDir,
	})
	if err != nil {
		return err
	}

	if cfg.QueueMode == config.QueueModeAsynq {
		manager, err := setupQueue(cfg, svc, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := manager.Shutdown(); err != nil {
				logger.Warn("failed to shut down queue", zap.Error(err))
			}
		}()
	}

	router, err := newRouter(cfg, svc, logger)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting API server",
			zap.String("addr", server.Addr),
			zap.String("mode", cfg.GinMode),
			zap.String("storage", cfg.StorageBackend),
			zap.String("location", cfg.Location()),
			zap.String("queue", cfg.QueueMode),
		)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.GinMode == gin.ReleaseMode {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zcfg.Level = level
	return zcfg.Build()
}

func newGateway(ctx context.Context, cfg *config.Config) (storage.Gateway, error) {
	if cfg.StorageBackend == config.StorageBackendLocal {
		return storage.NewLocalGateway(cfg.LocalStorageDir)
	}
	return storage.NewS3Gateway(ctx, storage.S3Options{
		Bucket:          cfg.AWSBucketName,
		Region:          cfg.AWSRegion,
		Endpoint:        cfg.AWSEndpoint,
		AccessKeyID:     cfg.AWSAccessKeyID,
		SecretAccessKey: cfg.AWSSecretKey,
	})
}

func newPublisher(cfg *config.Config, logger *zap.Logger) events.Publisher {
	if cfg.RabbitMQURL == "" {
		return events.Nop{}
	}
	publisher, err := events.NewAMQPPublisher(cfg.RabbitMQURL, cfg.RabbitMQExchange)
	if err != nil {
		// 通知は任意機能なので起動は続ける
		logger.Warn("job events disabled", zap.Error(err))
		return events.Nop{}
	}
	logger.Info("publishing job events", zap.String("exchange", cfg.RabbitMQExchange))
	return publisher
}

func newRouter(cfg *config.Config, svc *document.Service, logger *zap.Logger) (*gin.Engine, error) {
	gin.SetMode(cfg.GinMode)

	// デフォルトミドルウェア: Logger, Recovery
	router := gin.Default()
	router.Use(cors.New(corsConfig(cfg)))

	var authManager *auth.Manager
	if cfg.AuthEnabled {
		var err error
		authManager, err = auth.NewManager(auth.Options{
			Username:     cfg.AppUsername,
			PasswordHash: cfg.AppPasswordHash,
		}, logger)
		if err != nil {
			return nil, err
		}
		store := auth.NewSessionStore(cfg.SessionSecret, 0, cfg.GinMode == gin.ReleaseMode)
		router.Use(sessions.Sessions(auth.SessionCookieName, store))
	}

	setupRoutes(router, cfg, svc, authManager)
	return router, nil
}

func corsConfig(cfg *config.Config) cors.Config {
	corsCfg := cors.DefaultConfig()
	origins := strings.Split(cfg.CORSAllowedOrigins, ",")
	for i := range origins {
		origins[i] = strings.TrimSpace(origins[i])
	}
	if len(origins) == 1 && origins[0] == "*" {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = origins
		corsCfg.AllowCredentials = true
	}
	corsCfg.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization", auth.CSRFHeader}
	corsCfg.ExposeHeaders = []string{auth.CSRFHeader, "Content-Disposition"}
	return corsCfg
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": serviceName,
		"version": serviceVersion,
	})
}

func handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "Hello World"})
}

// setupRoutes は変換 API と認証周りの配線を行います。authManager が nil の場合は認証なしで公開します。
func setupRoutes(router *gin.Engine, cfg *config.Config, svc *document.Service, authManager *auth.Manager) {
	router.GET("/", handleRoot)
	router.GET("/health", handleHealth)

	api := router.Group("")
	if authManager != nil {
		authRoutes := router.Group("/auth")
		{
			// ログイン時はセッション未生成なので CSRF 検証は不要
			authRoutes.POST("/login", authManager.Login)
			authRoutes.POST("/logout", authManager.RequireLogin(), authManager.VerifyCSRF(), authManager.Logout)
		}
		api.Use(authManager.RequireLogin(), authManager.VerifyCSRF())
	}

	api.POST("/upload", document.RateLimit(cfg.UploadRateLimit, cfg.UploadRateBurst), document.UploadHandler(svc, cfg.MaxFileSize))
	api.GET("/upload-progress/:filename", document.UploadProgressHandler(svc))
	api.GET("/convert-progress/:filename", document.ConversionProgressHandler(svc))
	api.GET("/download/:filename", document.DownloadHandler(svc))
}
