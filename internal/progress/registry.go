// Package progress はジョブキーごとのアップロード進捗と変換進捗を管理します。
//
// 変換進捗は固定のマイルストーン値（0/10/30/50/70/100）とエラー値 -1 のみを取ります。
// 100 と -1 は終端で、StartConversion で新しいジョブを開始するまで変化しません。
package progress

import (
	"context"
	"errors"
	"fmt"
)

// 変換進捗のマイルストーン
const (
	ConversionQueued     = 0
	ConversionPrepared   = 10 // 作業ディレクトリ作成済み
	ConversionDownloaded = 30 // 入力ファイルをストレージから取得済み
	ConversionStarted    = 50 // 変換プロセス起動済み
	ConversionExited     = 70 // 変換プロセス終了
	ConversionCompleted  = 100
	ConversionFailed     = -1
)

// 進捗APIで返すステータス
const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusError      = "error"
)

var (
	ErrNotFound     = errors.New("no progress recorded for key")
	ErrTerminal     = errors.New("conversion already finished")
	ErrRegression   = errors.New("conversion progress cannot decrease")
	ErrInvalidValue = errors.New("invalid conversion progress value")
)

// Registry は進捗の保存先です。同一キーへの書き込みは直列化されます。
type Registry interface {
	// StartUpload はアップロード進捗を 0 で初期化します。
	StartUpload(ctx context.Context, key string) error
	// SetUpload はアップロード進捗を更新します。現在値より小さい値は無視されます。
	SetUpload(ctx context.Context, key string, pct float64) error
	Upload(ctx context.Context, key string) (float64, error)

	// StartConversion は新しい変換を 0 で開始します（終端状態からのリセットを含む）。
	StartConversion(ctx context.Context, key string) error
	SetConversion(ctx context.Context, key string, pct int) error
	Conversion(ctx context.Context, key string) (int, error)
}

// Describe は内部の変換進捗値を API 向けの進捗とステータスに変換します。
// エラー値 -1 は進捗 0 として返します。
func Describe(pct int) (int, string) {
	switch {
	case pct == ConversionFailed:
		return 0, StatusError
	case pct >= ConversionCompleted:
		return ConversionCompleted, StatusCompleted
	default:
		return pct, StatusInProgress
	}
}

// IsTerminal は変換進捗が終端値かどうかを返します。
func IsTerminal(pct int) bool {
	return pct == ConversionCompleted || pct == ConversionFailed
}

func validConversionValue(pct int) bool {
	switch pct {
	case ConversionQueued, ConversionPrepared, ConversionDownloaded,
		ConversionStarted, ConversionExited, ConversionCompleted, ConversionFailed:
		return true
	}
	return false
}

// nextConversion は現在値 cur（未記録なら nil）から next への遷移を検証します。
func nextConversion(cur *int, next int) error {
	if !validConversionValue(next) {
		return fmt.Errorf("%w: %d", ErrInvalidValue, next)
	}
	if cur == nil {
		return nil
	}
	if IsTerminal(*cur) {
		return fmt.Errorf("%w (current=%d, next=%d)", ErrTerminal, *cur, next)
	}
	if next != ConversionFailed && next < *cur {
		return fmt.Errorf("%w (current=%d, next=%d)", ErrRegression, *cur, next)
	}
	return nil
}

func clampPercent(pct float64) float64 {
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
