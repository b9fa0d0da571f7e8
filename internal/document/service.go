// Package document はドキュメントのアップロード、変換、取得のジョブを管理します。
package document

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/YashwanthKothakota9/file-converter/internal/converter"
	"github.com/YashwanthKothakota9/file-converter/internal/events"
	"github.com/YashwanthKothakota9/file-converter/internal/progress"
	"github.com/YashwanthKothakota9/file-converter/internal/storage"
)

// Executor は変換をリクエスト処理とは別のゴルーチンで実行します。
type Executor interface {
	Go(ctx context.Context, name string, fn func(context.Context) error) (<-chan error, error)
}

// Scheduler は変換をキューに投入します。設定されている場合、Submit は変換の完了を待ちません。
type Scheduler interface {
	Enqueue(ctx context.Context, key string) (string, error)
}

// Deps は Service が利用する外部コンポーネントです。
type Deps struct {
	Storage   storage.Gateway
	Runner    converter.Runner
	Inspector converter.Inspector // nil の場合は出力を検証しない
	Progress  progress.Registry
	Executor  Executor // nil の場合は呼び出し元のゴルーチンで変換する
	Events    events.Publisher
	Logger    *zap.Logger
}

// Options はアップロードと変換の設定です。
type Options struct {
	MaxFileSize       int64
	AllowedExtensions []string
	TrustRawFilenames bool
	TargetFormat      string
	WorkspaceDir      string
}

// Upload はクライアントから受け取ったファイルです。
type Upload struct {
	Filename    string
	ContentType string
	Body        []byte
}

// SubmitResult は Submit の結果です。
type SubmitResult struct {
	Key         string
	OutputKey   string
	ContentType string
	Location    string
	Pages       int
	Queued      bool
	TaskID      string
}

// Service はジョブのライフサイクルを管理します。
type Service struct {
	storage   storage.Gateway
	runner    converter.Runner
	inspector converter.Inspector
	progress  progress.Registry
	executor  Executor
	scheduler Scheduler
	events    events.Publisher
	logger    *zap.Logger
	opts      Options
	now       func() time.Time

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewService は Service を作成します。
func NewService(deps Deps, opts Options) (*Service, error) {
	if deps.Storage == nil || deps.Runner == nil || deps.Progress == nil {
		return nil, errors.New("storage, runner and progress are required")
	}
	if opts.MaxFileSize <= 0 {
		return nil, errors.New("max file size must be positive")
	}
	if len(opts.AllowedExtensions) == 0 {
		return nil, errors.New("at least one allowed extension is required")
	}
	if opts.TargetFormat == "" {
		opts.TargetFormat = "pdf"
	}
	if opts.WorkspaceDir == "" {
		opts.WorkspaceDir = filepath.Join(os.TempDir(), "file-converter")
	}
	if err := os.MkdirAll(opts.WorkspaceDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create workspace dir: %w", err)
	}
	exts := make([]string, len(opts.AllowedExtensions))
	for i, ext := range opts.AllowedExtensions {
		exts[i] = strings.ToLower(ext)
	}
	opts.AllowedExtensions = exts

	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	return &Service{
		storage:   deps.Storage,
		runner:    deps.Runner,
		inspector: deps.Inspector,
		progress:  deps.Progress,
		executor:  deps.Executor,
		events:    deps.Events,
		logger:    deps.Logger,
		opts:      opts,
		now:       time.Now,
		inFlight:  make(map[string]struct{}),
	}, nil
}

// UseScheduler は変換をキュー経由で実行するよう切り替えます。起動時に一度だけ呼びます。
func (s *Service) UseScheduler(scheduler Scheduler) {
	s.scheduler = scheduler
}

// Submit はファイルを検証して保存し、変換を開始します。
// キューが設定されていない場合は変換の完了まで待ちます。
func (s *Service) Submit(ctx context.Context, up Upload) (*SubmitResult, error) {
	key := up.Filename
	j := newJob(key, converter.OutputName(key, s.opts.TargetFormat), StateReceived, s.logger)

	if err := s.validate(up); err != nil {
		_ = j.transition(StateFailed)
		return nil, err
	}
	if err := j.transition(StateValidated); err != nil {
		return nil, err
	}

	if !s.acquire(key) {
		return nil, conflictError(key)
	}
	handedOff := false
	defer func() {
		if !handedOff {
			s.release(key)
		}
	}()
	if err := s.checkQueueBusy(ctx, key); err != nil {
		return nil, err
	}

	contentType := detectContentType(up)
	if err := s.upload(ctx, j, up.Body, contentType); err != nil {
		return nil, s.fail(ctx, j, err)
	}

	result := &SubmitResult{
		Key:         key,
		OutputKey:   j.outputKey,
		ContentType: contentType,
		Location:    s.storage.Location(),
	}

	if err := s.progress.StartConversion(ctx, key); err != nil {
		return nil, s.fail(ctx, j, newError(KindStorage, codeStorageError, "failed to record conversion progress", err))
	}
	j.conversionStarted = true

	if s.scheduler != nil {
		taskID, err := s.scheduler.Enqueue(ctx, key)
		if err != nil {
			return nil, s.fail(ctx, j, newError(KindConversion, codeConversionFailed, "failed to enqueue conversion", err))
		}
		result.Queued = true
		result.TaskID = taskID
		return result, nil
	}

	if s.executor == nil {
		pages, err := s.runConversion(ctx, j)
		if err != nil {
			return nil, err
		}
		result.Pages = pages
		return result, nil
	}

	var pages int
	done, err := s.executor.Go(ctx, key, func(taskCtx context.Context) error {
		defer s.release(key)
		var convErr error
		pages, convErr = s.runConversion(taskCtx, j)
		return convErr
	})
	if err != nil {
		return nil, s.fail(ctx, j, newError(KindConversion, codeConversionFailed, "failed to schedule conversion", err))
	}
	handedOff = true

	select {
	case err := <-done:
		if err != nil {
			return nil, err
		}
		result.Pages = pages
		return result, nil
	case <-ctx.Done():
		// 変換はワーカー上で続行し、結果は進捗として残る
		return nil, ctx.Err()
	}
}

// Convert はストレージに保存済みのキーを変換します。キューのワーカーから呼ばれます。
func (s *Service) Convert(ctx context.Context, key string) error {
	j := newJob(key, converter.OutputName(key, s.opts.TargetFormat), StateUploaded, s.logger)
	j.conversionStarted = true
	_, err := s.runConversion(ctx, j)
	return err
}

// UploadProgress はアップロード進捗（0〜100）を返します。
func (s *Service) UploadProgress(ctx context.Context, key string) (float64, error) {
	pct, err := s.progress.Upload(ctx, key)
	if err != nil {
		return 0, progressError(key, "upload", err)
	}
	return pct, nil
}

// ConversionProgress は変換進捗とステータスを返します。
func (s *Service) ConversionProgress(ctx context.Context, key string) (int, string, error) {
	pct, err := s.progress.Conversion(ctx, key)
	if err != nil {
		return 0, "", progressError(key, "conversion", err)
	}
	value, status := progress.Describe(pct)
	return value, status, nil
}

func (s *Service) validate(up Upload) error {
	if err := validateKey(up.Filename, s.opts.TrustRawFilenames); err != nil {
		return err
	}
	ext := strings.ToLower(filepath.Ext(up.Filename))
	allowed := false
	for _, a := range s.opts.AllowedExtensions {
		if ext == a {
			allowed = true
			break
		}
	}
	if !allowed {
		return newError(KindValidation, codeInvalidInput,
			fmt.Sprintf("only %s files are allowed", strings.Join(s.opts.AllowedExtensions, " or ")), nil)
	}
	if int64(len(up.Body)) > s.opts.MaxFileSize {
		return newError(KindValidation, codeLimitExceeded,
			fmt.Sprintf("file size should not exceed %s", formatBytes(s.opts.MaxFileSize)), nil)
	}
	return nil
}

// validateKey はファイル名をジョブキーとして使えるか検証します。
// trustRaw が true の場合は空文字以外をそのまま受け入れます。
func validateKey(name string, trustRaw bool) error {
	if name == "" {
		return newError(KindValidation, codeInvalidInput, "filename is required", nil)
	}
	if trustRaw {
		return nil
	}
	if strings.ContainsAny(name, "/\\\x00") || strings.Contains(name, "..") {
		return newError(KindValidation, codeInvalidInput, "filename must be a plain file name", nil)
	}
	return nil
}

func (s *Service) acquire(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[key]; busy {
		return false
	}
	s.inFlight[key] = struct{}{}
	return true
}

func (s *Service) release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, key)
}

// checkQueueBusy はキュー利用時に他のプロセスで変換中のキーを拒否します。
func (s *Service) checkQueueBusy(ctx context.Context, key string) error {
	if s.scheduler == nil {
		return nil
	}
	pct, err := s.progress.Conversion(ctx, key)
	switch {
	case errors.Is(err, progress.ErrNotFound):
		return nil
	case err != nil:
		return newError(KindStorage, codeStorageError, "failed to read conversion progress", err)
	case !progress.IsTerminal(pct):
		return conflictError(key)
	}
	return nil
}

func (s *Service) upload(ctx context.Context, j *job, body []byte, contentType string) error {
	if err := j.transition(StateUploading); err != nil {
		return err
	}
	if err := s.progress.StartUpload(ctx, j.key); err != nil {
		return newError(KindStorage, codeStorageError, "failed to record upload progress", err)
	}
	tracker := progress.NewUploadTracker(ctx, s.progress, j.key, int64(len(body)))
	if err := s.storage.Put(ctx, j.key, body, contentType, tracker.Add); err != nil {
		return storageError("failed to store uploaded file", err)
	}
	tracker.Complete()
	if err := tracker.Err(); err != nil {
		return newError(KindStorage, codeStorageError, "failed to record upload progress", err)
	}
	return j.transition(StateUploaded)
}

// runConversion は保存済みの入力を変換し、結果をストレージに戻します。
// 変換進捗は 10/30/50/70/100 の順に記録され、失敗時は -1 になります。
func (s *Service) runConversion(ctx context.Context, j *job) (int, error) {
	if err := j.transition(StateConverting); err != nil {
		return 0, s.fail(ctx, j, err)
	}

	ws, err := createWorkspace(s.opts.WorkspaceDir)
	if err != nil {
		return 0, s.fail(ctx, j, newError(KindConversion, codeConversionFailed, "failed to prepare workspace", err))
	}
	defer func() {
		if rmErr := ws.remove(); rmErr != nil {
			j.logger.Warn("failed to remove workspace", zap.String("dir", ws.dir), zap.Error(rmErr))
		}
	}()
	if err := s.mark(ctx, j, progress.ConversionPrepared); err != nil {
		return 0, s.fail(ctx, j, err)
	}

	// キュー経由の場合はアップロード時の検証を経ていないことがある
	size, err := s.storage.StatSize(ctx, j.key)
	if err != nil {
		return 0, s.fail(ctx, j, storageError("failed to inspect source file", err))
	}
	if size > s.opts.MaxFileSize {
		return 0, s.fail(ctx, j, newError(KindValidation, codeLimitExceeded,
			fmt.Sprintf("file size should not exceed %s", formatBytes(s.opts.MaxFileSize)), nil))
	}

	inputPath := filepath.Join(ws.inDir, filepath.Base(j.key))
	if err := s.storage.Download(ctx, j.key, inputPath, nil); err != nil {
		return 0, s.fail(ctx, j, storageError("failed to download source file", err))
	}
	if err := s.mark(ctx, j, progress.ConversionDownloaded); err != nil {
		return 0, s.fail(ctx, j, err)
	}

	proc, err := s.runner.Start(ctx, converter.Job{InputPath: inputPath, OutputDir: ws.outDir, WorkDir: ws.dir})
	if err != nil {
		return 0, s.fail(ctx, j, newError(KindConversion, codeConversionFailed, "failed to start converter", err))
	}
	if err := s.mark(ctx, j, progress.ConversionStarted); err != nil {
		_, _ = proc.Wait()
		return 0, s.fail(ctx, j, err)
	}

	outputPath, waitErr := proc.Wait()
	if err := s.mark(ctx, j, progress.ConversionExited); err != nil {
		return 0, s.fail(ctx, j, err)
	}
	if waitErr != nil {
		return 0, s.fail(ctx, j, newError(KindConversion, codeConversionFailed, "conversion failed", waitErr))
	}

	var pages int
	if s.inspector != nil {
		pages, err = s.inspector.Inspect(outputPath)
		if err != nil {
			return 0, s.fail(ctx, j, newError(KindConversion, codeConversionFailed, "converted file is invalid", err))
		}
	}

	if err := s.storeOutput(ctx, j, outputPath); err != nil {
		return 0, s.fail(ctx, j, err)
	}
	if err := s.mark(ctx, j, progress.ConversionCompleted); err != nil {
		return 0, s.fail(ctx, j, err)
	}
	if err := j.transition(StateCompleted); err != nil {
		return 0, err
	}
	s.publish(ctx, j, nil)
	return pages, nil
}

// storeOutput は変換結果をアップロードし、出力キーのアップロード進捗も記録します。
func (s *Service) storeOutput(ctx context.Context, j *job, outputPath string) error {
	info, err := os.Stat(outputPath)
	if err != nil {
		return newError(KindConversion, codeConversionFailed, "converted file is missing", err)
	}
	if err := s.progress.StartUpload(ctx, j.outputKey); err != nil {
		return newError(KindStorage, codeStorageError, "failed to record upload progress", err)
	}
	tracker := progress.NewUploadTracker(ctx, s.progress, j.outputKey, info.Size())
	if err := s.storage.Upload(ctx, outputPath, j.outputKey, tracker.Add); err != nil {
		return storageError("failed to store converted file", err)
	}
	tracker.Complete()
	return nil
}

func (s *Service) mark(ctx context.Context, j *job, pct int) error {
	if err := s.progress.SetConversion(ctx, j.key, pct); err != nil {
		return newError(KindStorage, codeStorageError, "failed to record conversion progress", err)
	}
	return nil
}

// fail はジョブを失敗状態にして変換進捗を -1 にし、err を返します。
func (s *Service) fail(ctx context.Context, j *job, err error) error {
	if j.terminal() {
		return err
	}
	// リクエストがキャンセルされても失敗は記録する
	recordCtx := context.WithoutCancel(ctx)
	if !j.conversionStarted {
		// 前回のジョブの終端値が残っていても今回の失敗を記録できるようにする
		if startErr := s.progress.StartConversion(recordCtx, j.key); startErr != nil {
			j.logger.Error("failed to reset conversion progress", zap.Error(startErr))
		}
		j.conversionStarted = true
	}
	if setErr := s.progress.SetConversion(recordCtx, j.key, progress.ConversionFailed); setErr != nil && !errors.Is(setErr, progress.ErrTerminal) {
		j.logger.Error("failed to record conversion failure", zap.Error(setErr))
	}
	_ = j.transition(StateFailed)
	j.logger.Error("job failed", zap.Error(err))
	s.publish(recordCtx, j, err)
	return err
}

func (s *Service) publish(ctx context.Context, j *job, jobErr error) {
	event := events.Event{Key: j.key, Status: events.StatusCompleted, At: s.now().UTC()}
	if jobErr != nil {
		event.Status = events.StatusFailed
		event.Error = jobErr.Error()
	} else {
		event.OutputKey = j.outputKey
	}
	if err := s.events.Publish(ctx, event); err != nil {
		j.logger.Warn("failed to publish job event", zap.Error(err))
	}
}

func detectContentType(up Upload) string {
	ct := strings.TrimSpace(up.ContentType)
	if ct != "" && ct != "application/octet-stream" {
		return ct
	}
	return mimetype.Detect(up.Body).String()
}

func conflictError(key string) error {
	return newError(KindConflict, codeJobInProgress, fmt.Sprintf("a job for %s is already in progress", key), nil)
}

func progressError(key, kind string, err error) error {
	if errors.Is(err, progress.ErrNotFound) {
		return newError(KindNotFound, codeNotFound, fmt.Sprintf("no %s progress found for this file", kind), err)
	}
	return newError(KindStorage, codeStorageError, fmt.Sprintf("failed to read %s progress for %s", kind, key), err)
}

func storageError(message string, err error) error {
	var docErr *Error
	if errors.As(err, &docErr) {
		return err
	}
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return newError(KindNotFound, codeNotFound, "file not found", err)
	case errors.Is(err, storage.ErrInvalidKey):
		return newError(KindValidation, codeInvalidInput, "filename cannot be stored", err)
	}
	return newError(KindStorage, codeStorageError, message, err)
}

func formatBytes(n int64) string {
	const mib = 1024 * 1024
	if n >= mib && n%mib == 0 {
		return fmt.Sprintf("%dMB", n/mib)
	}
	return fmt.Sprintf("%d bytes", n)
}
