package converter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// Soffice は LibreOffice のヘッドレスモードでファイルを変換します。
type Soffice struct {
	Path    string        // 実行ファイル（既定: soffice）
	Format  string        // 変換先フォーマット（既定: pdf）
	Timeout time.Duration // 0 の場合は終了まで待ち続ける
}

// Start は変換プロセスを起動します。終了は待ちません。
func (s *Soffice) Start(ctx context.Context, job Job) (Process, error) {
	if job.InputPath == "" || job.OutputDir == "" || job.WorkDir == "" {
		return nil, &Error{ExitCode: -1, Err: errors.New("input path, output dir and work dir are required")}
	}

	cancel := context.CancelFunc(func() {})
	if s.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
	}

	format := s.format()
	cmd := exec.CommandContext(ctx, s.path(), sofficeArgs(job, format)...)
	cmd.Dir = job.WorkDir
	// プロファイルを作業ディレクトリに閉じ込め、同時実行時の競合を避ける
	cmd.Env = append(os.Environ(), "HOME="+job.WorkDir)
	cmd.WaitDelay = 5 * time.Second

	var stderr bytes.Buffer
	cmd.Stdout = &stderr
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, &Error{ExitCode: -1, Err: fmt.Errorf("failed to start %s: %w", s.path(), err)}
	}

	return &sofficeProcess{
		ctx:        ctx,
		cancel:     cancel,
		cmd:        cmd,
		stderr:     &stderr,
		outputPath: filepath.Join(job.OutputDir, OutputName(filepath.Base(job.InputPath), format)),
	}, nil
}

func (s *Soffice) path() string {
	if s.Path == "" {
		return "soffice"
	}
	return s.Path
}

func (s *Soffice) format() string {
	if s.Format == "" {
		return "pdf"
	}
	return s.Format
}

func sofficeArgs(job Job, format string) []string {
	profile := url.URL{Scheme: "file", Path: filepath.ToSlash(filepath.Join(job.WorkDir, "profile"))}
	return []string{
		"--headless",
		"-env:UserInstallation=" + profile.String(),
		"--convert-to",
		format,
		"--outdir",
		job.OutputDir,
		job.InputPath,
	}
}

type sofficeProcess struct {
	ctx        context.Context
	cancel     context.CancelFunc
	cmd        *exec.Cmd
	stderr     *bytes.Buffer
	outputPath string
}

func (p *sofficeProcess) Wait() (string, error) {
	defer p.cancel()

	if err := p.cmd.Wait(); err != nil {
		if errors.Is(p.ctx.Err(), context.DeadlineExceeded) {
			return "", &Error{ExitCode: exitCode(p.cmd), Stderr: p.stderr.String(), Err: ErrTimeout}
		}
		return "", &Error{ExitCode: exitCode(p.cmd), Stderr: p.stderr.String(), Err: err}
	}

	info, err := os.Stat(p.outputPath)
	if err != nil || info.IsDir() {
		return "", &Error{ExitCode: 0, Stderr: p.stderr.String(), Err: ErrOutputMissing}
	}
	return p.outputPath, nil
}

func exitCode(cmd *exec.Cmd) int {
	if cmd.ProcessState == nil {
		return -1
	}
	return cmd.ProcessState.ExitCode()
}
