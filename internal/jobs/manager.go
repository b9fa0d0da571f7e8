package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const (
	taskTypeConvert = "document:convert"
	queueName       = "conversion"

	// asynq はタイムアウト未指定のタスクを 30 分で打ち切るため、明示的に指定する
	unboundedTaskTimeout = 365 * 24 * time.Hour
	// 変換前後のダウンロード・アップロードに許す時間
	transferAllowance = 10 * time.Minute
)

// Converter はキューから取り出したジョブを処理します。
type Converter interface {
	Convert(ctx context.Context, key string) error
}

// TaskPayload は変換ジョブのペイロードです。
type TaskPayload struct {
	Key string `json:"key"`
}

// ManagerOptions は asynq の接続とワーカー設定です。
type ManagerOptions struct {
	RedisURL    string
	Concurrency int
	// ConvertTimeout は変換プロセスのタイムアウトです。0 の場合は無制限に待ちます。
	ConvertTimeout time.Duration
}

// Manager は asynq を使った変換ジョブの投入と実行を担います。
type Manager struct {
	client    *asynq.Client
	server    *asynq.Server
	mux       *asynq.ServeMux
	converter Converter
	logger    *zap.Logger
	timeout   time.Duration
}

// NewManager は Manager を初期化します。
func NewManager(opts ManagerOptions, converter Converter, logger *zap.Logger) (*Manager, error) {
	if converter == nil {
		return nil, errors.New("converter is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	redisOpt, err := asynq.ParseRedisURI(opts.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 2
	}

	client := asynq.NewClient(redisOpt)
	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				queueName: 1,
			},
		},
	)

	mux := asynq.NewServeMux()
	manager := &Manager{
		client:    client,
		server:    server,
		mux:       mux,
		converter: converter,
		logger:    logger,
		timeout:   taskTimeout(opts.ConvertTimeout),
	}
	mux.HandleFunc(taskTypeConvert, manager.handleConvertTask)
	return manager, nil
}

// StartWorkers は asynq サーバーをバックグラウンドで起動します。
func (m *Manager) StartWorkers() {
	go func() {
		if err := m.server.Run(m.mux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
			m.logger.Error("asynq server stopped with error", zap.Error(err))
		}
	}()
}

// Shutdown はサーバーとクライアントを閉じます。
func (m *Manager) Shutdown() error {
	m.server.Shutdown()
	return m.client.Close()
}

// Enqueue は変換ジョブをキューに投入します。変換は再試行しません。
func (m *Manager) Enqueue(ctx context.Context, key string) (string, error) {
	task, err := newConvertTask(key)
	if err != nil {
		return "", err
	}
	info, err := m.client.EnqueueContext(ctx, task, m.taskOptions()...)
	if err != nil {
		return "", err
	}
	m.logger.Info("conversion enqueued", zap.String("key", key), zap.String("task_id", info.ID))
	return info.ID, nil
}

func (m *Manager) taskOptions() []asynq.Option {
	return []asynq.Option{
		asynq.Queue(queueName),
		asynq.MaxRetry(0),
		asynq.Timeout(m.timeout),
	}
}

// taskTimeout は変換タイムアウトからタスク全体のタイムアウトを求めます。
func taskTimeout(convert time.Duration) time.Duration {
	if convert <= 0 {
		return unboundedTaskTimeout
	}
	return convert + transferAllowance
}

func newConvertTask(key string) (*asynq.Task, error) {
	if key == "" {
		return nil, fmt.Errorf("payload.Key is required")
	}
	body, err := json.Marshal(&TaskPayload{Key: key})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskTypeConvert, body), nil
}

func (m *Manager) handleConvertTask(ctx context.Context, task *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.Key == "" {
		return fmt.Errorf("missing key in payload: %w", asynq.SkipRetry)
	}

	if err := m.converter.Convert(ctx, payload.Key); err != nil {
		// 失敗は進捗に記録済みなので再試行しない
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return nil
}
