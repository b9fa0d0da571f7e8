// Package events は変換ジョブの終了をメッセージブローカーへ通知します。
package events

import (
	"context"
	"time"
)

const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Event はジョブの終了通知です。
type Event struct {
	Key       string    `json:"key"`
	OutputKey string    `json:"output_key,omitempty"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Publisher はイベントを送信します。送信は best-effort で、失敗してもジョブの結果は変わりません。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Nop は何もしない Publisher です。
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }
