// Package storage はオブジェクトストレージの抽象化レイヤーを提供します。
//
// 実装:
//   - S3Gateway: AWS S3 互換ストレージ（本番環境用、MinIO / R2 にも対応）
//   - LocalGateway: ローカルファイルシステム（開発環境・テスト用）
package storage

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound は指定されたキーのオブジェクトが存在しないことを表します。
	ErrNotFound = errors.New("object not found")
	// ErrInvalidKey は保存先として扱えないキーを表します。
	ErrInvalidKey = errors.New("invalid object key")
)

// ProgressFunc は転送済みバイト数の差分を受け取るコールバックです。
// 並行に呼ばれる場合があります。
type ProgressFunc func(delta int64)

// Gateway はジョブが利用するストレージ操作をまとめたインターフェースです。
type Gateway interface {
	// Location はバケット名など保存先の識別子を返します。
	Location() string
	Put(ctx context.Context, key string, body []byte, contentType string, onProgress ProgressFunc) error
	Get(ctx context.Context, key string) ([]byte, error)
	StatSize(ctx context.Context, key string) (int64, error)
	Download(ctx context.Context, key, destPath string, onProgress ProgressFunc) error
	Upload(ctx context.Context, srcPath, key string, onProgress ProgressFunc) error
	ListAllKeys(ctx context.Context) ([]string, error)
	// DeleteAll はベストエフォートで全キーの削除を試みます。
	// 一部失敗してもロールバックはせず、失敗分をまとめたエラーを返します。
	DeleteAll(ctx context.Context, keys []string) error
}

// Error はストレージ操作の失敗を表します。
type Error struct {
	Op  string
	Key string
	Err error
}

func (e *Error) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func wrapErr(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Key: key, Err: err}
}

// IsNotFound は err が存在しないオブジェクトを示すかどうかを返します。
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
