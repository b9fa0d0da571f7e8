package progress

import (
	"context"
	"sync"
)

// UploadTracker は転送コールバックから受け取ったバイト数を積算し、
// アップロード進捗（seen / total * 100）として Registry に書き込みます。
// コールバックが並行・順不同に届いても積算値だけを使うため安全です。
type UploadTracker struct {
	ctx   context.Context
	reg   Registry
	key   string
	total int64

	mu   sync.Mutex
	seen int64
	err  error
}

// NewUploadTracker は key のアップロード進捗を追跡する UploadTracker を作成します。
func NewUploadTracker(ctx context.Context, reg Registry, key string, total int64) *UploadTracker {
	return &UploadTracker{ctx: ctx, reg: reg, key: key, total: total}
}

// Add は転送済みバイト数の差分を加算します。storage.ProgressFunc として渡せます。
func (t *UploadTracker) Add(delta int64) {
	if delta <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seen += delta
	if t.total <= 0 {
		return
	}
	pct := float64(t.seen) / float64(t.total) * 100
	t.record(pct)
}

// Complete は転送完了として進捗を 100 にします。
func (t *UploadTracker) Complete() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.record(100)
}

// Err は Registry への書き込みで最初に発生したエラーを返します。
func (t *UploadTracker) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *UploadTracker) record(pct float64) {
	if err := t.reg.SetUpload(t.ctx, t.key, clampPercent(pct)); err != nil && t.err == nil {
		t.err = err
	}
}
