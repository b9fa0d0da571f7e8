// Package converter は外部の変換ツールを子プロセスとして実行します。
package converter

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

var (
	// ErrOutputMissing は終了コード 0 でも出力ファイルが生成されなかったことを表します。
	ErrOutputMissing = errors.New("converted file was not created")
	// ErrTimeout は変換が制限時間内に終わらずプロセスを終了させたことを表します。
	ErrTimeout = errors.New("conversion timed out")
)

// Job は 1 回の変換の入力と作業場所です。
// WorkDir は呼び出し側が用意し、他の変換と共有してはいけません。
type Job struct {
	InputPath string
	OutputDir string
	WorkDir   string
}

// Runner は変換プロセスを起動します。
type Runner interface {
	Start(ctx context.Context, job Job) (Process, error)
}

// Process は起動済みの変換プロセスです。
type Process interface {
	// Wait はプロセスの終了を待ち、生成されたファイルのパスを返します。
	Wait() (string, error)
}

// Convert は変換を起動して終了まで待ちます。
func Convert(ctx context.Context, r Runner, job Job) (string, error) {
	p, err := r.Start(ctx, job)
	if err != nil {
		return "", err
	}
	return p.Wait()
}

// Error は変換の失敗を表します。
type Error struct {
	ExitCode int // プロセスが起動しなかった場合は -1
	Stderr   string
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("conversion failed (exit code %d): %v", e.ExitCode, e.Err)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// OutputName は入力ファイル名の拡張子を format に置き換えた名前を返します。
// report.docx -> report.pdf, archive -> archive.pdf
func OutputName(name, format string) string {
	return strings.TrimSuffix(name, filepath.Ext(name)) + "." + format
}
