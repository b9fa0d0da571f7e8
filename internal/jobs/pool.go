// Package jobs は変換ジョブの実行基盤（プロセス内ワーカープールと asynq キュー）を提供します。
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrPoolClosed は停止済みのプールにタスクを投入したことを表します。
var ErrPoolClosed = errors.New("worker pool is closed")

// TaskFunc はワーカー上で実行される処理です。
type TaskFunc func(ctx context.Context) error

type task struct {
	name string
	fn   TaskFunc
	done chan error
}

// Pool は固定数のゴルーチンでタスクを実行するワーカープールです。
// 変換のようなブロッキング処理をリクエスト処理から切り離すために使います。
type Pool struct {
	workers int
	tasks   chan task
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewPool は Pool を作成します。Start を呼ぶまでタスクは実行されません。
func NewPool(workers, queueSize int, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		workers: workers,
		tasks:   make(chan task, queueSize),
		logger:  logger,
	}
}

// Start はワーカーを起動します。タスクは parent から派生したコンテキストで実行され、
// 投入元リクエストのキャンセルの影響を受けません。
func (p *Pool) Start(parent context.Context) {
	p.ctx, p.cancel = context.WithCancel(parent)
	p.logger.Info("starting conversion workers", zap.Int("workers", p.workers), zap.Int("queue_size", cap(p.tasks)))
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop は新規投入を止め、キュー内のタスクが終わるまで待ちます。
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
	if p.cancel != nil {
		p.cancel()
	}
	p.logger.Info("conversion workers stopped")
}

// Go はタスクをキューに投入し、完了時に結果が 1 回だけ送られるチャネルを返します。
// キューが満杯の場合は空きが出るか ctx が終了するまで待ちます。
func (p *Pool) Go(ctx context.Context, name string, fn func(context.Context) error) (<-chan error, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrPoolClosed
	}

	t := task{name: name, fn: fn, done: make(chan error, 1)}
	select {
	case p.tasks <- t:
		return t.done, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for t := range p.tasks {
		t.done <- p.run(id, t)
		close(t.done)
	}
}

func (p *Pool) run(id int, t task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("conversion task panicked", zap.Int("worker", id), zap.String("task", t.name), zap.Any("panic", r))
			err = fmt.Errorf("task %s panicked: %v", t.name, r)
		}
	}()
	p.logger.Debug("task started", zap.Int("worker", id), zap.String("task", t.name))
	return t.fn(p.ctx)
}
