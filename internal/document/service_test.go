package document

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/YashwanthKothakota9/file-converter/internal/converter"
	"github.com/YashwanthKothakota9/file-converter/internal/events"
	"github.com/YashwanthKothakota9/file-converter/internal/jobs"
	"github.com/YashwanthKothakota9/file-converter/internal/progress"
	"github.com/YashwanthKothakota9/file-converter/internal/storage"
)

// fakeRunner は入力を読み込んで "<stem>.pdf" を書き出すだけの Runner です。
type fakeRunner struct {
	block    chan struct{} // 設定されている場合、Wait は close されるまで戻らない
	waitErr  error
	startErr error
	noOutput bool
}

func (r *fakeRunner) Start(ctx context.Context, job converter.Job) (converter.Process, error) {
	if r.startErr != nil {
		return nil, r.startErr
	}
	return &fakeProcess{runner: r, job: job}, nil
}

type fakeProcess struct {
	runner *fakeRunner
	job    converter.Job
}

func (p *fakeProcess) Wait() (string, error) {
	if p.runner.block != nil {
		<-p.runner.block
	}
	if p.runner.waitErr != nil {
		return "", p.runner.waitErr
	}
	out := filepath.Join(p.job.OutputDir, converter.OutputName(filepath.Base(p.job.InputPath), "pdf"))
	if p.runner.noOutput {
		return out, nil
	}
	data, err := os.ReadFile(p.job.InputPath)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(out, append([]byte("%PDF-1.4\n"), data...), 0o600); err != nil {
		return "", err
	}
	return out, nil
}

type fakeInspector struct {
	pages int
	err   error
}

func (i fakeInspector) Inspect(path string) (int, error) {
	if _, err := os.Stat(path); err != nil {
		return 0, err
	}
	return i.pages, i.err
}

// recordingRegistry は変換進捗の書き込み履歴を記録します。
type recordingRegistry struct {
	*progress.MemoryRegistry

	mu      sync.Mutex
	history map[string][]int
}

func newRecordingRegistry() *recordingRegistry {
	return &recordingRegistry{MemoryRegistry: progress.NewMemoryRegistry(), history: make(map[string][]int)}
}

func (r *recordingRegistry) StartConversion(ctx context.Context, key string) error {
	r.mu.Lock()
	r.history[key] = append(r.history[key], progress.ConversionQueued)
	r.mu.Unlock()
	return r.MemoryRegistry.StartConversion(ctx, key)
}

func (r *recordingRegistry) SetConversion(ctx context.Context, key string, pct int) error {
	if err := r.MemoryRegistry.SetConversion(ctx, key, pct); err != nil {
		return err
	}
	r.mu.Lock()
	r.history[key] = append(r.history[key], pct)
	r.mu.Unlock()
	return nil
}

func (r *recordingRegistry) historyFor(key string) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.history[key]...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) snapshot() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Event(nil), p.events...)
}

// failingGateway は一部の操作だけ失敗させる Gateway です。
type failingGateway struct {
	storage.Gateway
	putErr    error
	deleteErr error
}

func (g *failingGateway) Put(ctx context.Context, key string, body []byte, contentType string, onProgress storage.ProgressFunc) error {
	if g.putErr != nil {
		return g.putErr
	}
	return g.Gateway.Put(ctx, key, body, contentType, onProgress)
}

func (g *failingGateway) DeleteAll(ctx context.Context, keys []string) error {
	if g.deleteErr != nil {
		return g.deleteErr
	}
	return g.Gateway.DeleteAll(ctx, keys)
}

type testEnv struct {
	svc       *Service
	gateway   storage.Gateway
	registry  *recordingRegistry
	events    *recordingPublisher
	runner    *fakeRunner
	workspace string
}

type envOption func(*Deps, *Options)

func newTestEnv(t *testing.T, runner *fakeRunner, opts ...envOption) *testEnv {
	t.Helper()
	gw, err := storage.NewLocalGateway(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalGateway returned error: %v", err)
	}
	logger := zaptest.NewLogger(t)
	pool := jobs.NewPool(2, 8, logger)
	pool.Start(context.Background())
	t.Cleanup(pool.Stop)

	env := &testEnv{
		gateway:   gw,
		registry:  newRecordingRegistry(),
		events:    &recordingPublisher{},
		runner:    runner,
		workspace: t.TempDir(),
	}
	deps := Deps{
		Storage:   gw,
		Runner:    runner,
		Inspector: fakeInspector{pages: 3},
		Progress:  env.registry,
		Executor:  pool,
		Events:    env.events,
		Logger:    logger,
	}
	options := Options{
		MaxFileSize:       1024,
		AllowedExtensions: []string{".doc", ".DOCX"},
		TargetFormat:      "pdf",
		WorkspaceDir:      env.workspace,
	}
	for _, opt := range opts {
		opt(&deps, &options)
	}
	env.gateway = deps.Storage

	svc, err := NewService(deps, options)
	if err != nil {
		t.Fatalf("NewService returned error: %v", err)
	}
	env.svc = svc
	return env
}

func (e *testEnv) assertWorkspaceEmpty(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(e.workspace)
	if err != nil {
		t.Fatalf("failed to read workspace dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("workspace was not cleaned up: %d entries left", len(entries))
	}
}

func TestSubmitConvertsAndRecordsMilestones(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &fakeRunner{})

	result, err := env.svc.Submit(ctx, Upload{Filename: "report.docx", ContentType: "application/msword", Body: []byte("hello")})
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if result.OutputKey != "report.pdf" || result.Pages != 3 || result.Queued {
		t.Fatalf("unexpected result: %#v", result)
	}
	if result.Location != env.gateway.Location() {
		t.Fatalf("unexpected location: %s", result.Location)
	}

	want := []int{0, 10, 30, 50, 70, 100}
	if got := env.registry.historyFor("report.docx"); !reflect.DeepEqual(got, want) {
		t.Fatalf("milestones = %v, want %v", got, want)
	}

	pct, status, err := env.svc.ConversionProgress(ctx, "report.docx")
	if err != nil || pct != 100 || status != progress.StatusCompleted {
		t.Fatalf("ConversionProgress = (%d, %s, %v)", pct, status, err)
	}
	for _, key := range []string{"report.docx", "report.pdf"} {
		up, err := env.svc.UploadProgress(ctx, key)
		if err != nil || up != 100 {
			t.Fatalf("UploadProgress(%s) = (%v, %v)", key, up, err)
		}
	}

	out, err := env.gateway.Get(ctx, "report.pdf")
	if err != nil {
		t.Fatalf("output was not stored: %v", err)
	}
	if string(out) != "%PDF-1.4\nhello" {
		t.Fatalf("unexpected output: %q", out)
	}

	evs := env.events.snapshot()
	if len(evs) != 1 || evs[0].Status != events.StatusCompleted || evs[0].OutputKey != "report.pdf" {
		t.Fatalf("unexpected events: %#v", evs)
	}
	env.assertWorkspaceEmpty(t)
}

func TestSubmitConversionFailure(t *testing.T) {
	ctx := context.Background()
	runner := &fakeRunner{waitErr: &converter.Error{ExitCode: 1, Stderr: "source file could not be loaded", Err: errors.New("exit status 1")}}
	env := newTestEnv(t, runner)

	_, err := env.svc.Submit(ctx, Upload{Filename: "broken.docx", Body: []byte("not a doc")})
	if !IsKind(err, KindConversion) {
		t.Fatalf("expected conversion error, got %v", err)
	}
	var convErr *converter.Error
	if !errors.As(err, &convErr) || convErr.ExitCode != 1 {
		t.Fatalf("expected wrapped converter error, got %v", err)
	}

	pct, status, err := env.svc.ConversionProgress(ctx, "broken.docx")
	if err != nil || pct != 0 || status != progress.StatusError {
		t.Fatalf("ConversionProgress = (%d, %s, %v)", pct, status, err)
	}
	want := []int{0, 10, 30, 50, 70, -1}
	if got := env.registry.historyFor("broken.docx"); !reflect.DeepEqual(got, want) {
		t.Fatalf("milestones = %v, want %v", got, want)
	}
	if _, err := env.gateway.Get(ctx, "broken.pdf"); !storage.IsNotFound(err) {
		t.Fatalf("no output should be stored, got %v", err)
	}

	evs := env.events.snapshot()
	if len(evs) != 1 || evs[0].Status != events.StatusFailed || evs[0].Error == "" {
		t.Fatalf("unexpected events: %#v", evs)
	}
	env.assertWorkspaceEmpty(t)
}

func TestSubmitMissingOutputAndInvalidPDF(t *testing.T) {
	ctx := context.Background()

	env := newTestEnv(t, &fakeRunner{noOutput: true}, func(d *Deps, o *Options) { d.Inspector = nil })
	if _, err := env.svc.Submit(ctx, Upload{Filename: "empty.doc", Body: []byte("x")}); !IsKind(err, KindConversion) {
		t.Fatalf("expected conversion error for missing output, got %v", err)
	}
	if _, status, _ := env.svc.ConversionProgress(ctx, "empty.doc"); status != progress.StatusError {
		t.Fatalf("status = %s, want error", status)
	}

	env = newTestEnv(t, &fakeRunner{}, func(d *Deps, o *Options) {
		d.Inspector = fakeInspector{err: errors.New("unreadable")}
	})
	if _, err := env.svc.Submit(ctx, Upload{Filename: "garbled.docx", Body: []byte("x")}); !IsKind(err, KindConversion) {
		t.Fatalf("expected conversion error for invalid output, got %v", err)
	}
	if _, err := env.gateway.Get(ctx, "garbled.pdf"); !storage.IsNotFound(err) {
		t.Fatalf("invalid output must not be stored, got %v", err)
	}
}

func TestSubmitValidation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &fakeRunner{})

	cases := []struct {
		name string
		up   Upload
		code string
	}{
		{"extension", Upload{Filename: "notes.txt", Body: []byte("x")}, codeInvalidInput},
		{"no extension", Upload{Filename: "archive", Body: []byte("x")}, codeInvalidInput},
		{"too large", Upload{Filename: "big.docx", Body: make([]byte, 1025)}, codeLimitExceeded},
		{"empty name", Upload{Filename: "", Body: []byte("x")}, codeInvalidInput},
		{"traversal", Upload{Filename: "../etc.docx", Body: []byte("x")}, codeInvalidInput},
		{"separator", Upload{Filename: "dir/a.docx", Body: []byte("x")}, codeInvalidInput},
		{"backslash", Upload{Filename: `dir\a.docx`, Body: []byte("x")}, codeInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.svc.Submit(ctx, tc.up)
			var docErr *Error
			if !errors.As(err, &docErr) || docErr.Kind != KindValidation || docErr.Code != tc.code {
				t.Fatalf("expected validation error %s, got %v", tc.code, err)
			}
			if _, err := env.svc.UploadProgress(ctx, tc.up.Filename); !IsKind(err, KindNotFound) {
				t.Fatalf("no progress entry should exist, got %v", err)
			}
		})
	}

	// 拡張子は大文字小文字を区別しない
	if _, err := env.svc.Submit(ctx, Upload{Filename: "UPPER.DOC", Body: []byte("x")}); err != nil {
		t.Fatalf("uppercase extension should be accepted: %v", err)
	}
	// ちょうど上限のサイズは受け付ける
	if _, err := env.svc.Submit(ctx, Upload{Filename: "limit.docx", Body: make([]byte, 1024)}); err != nil {
		t.Fatalf("payload at the limit should be accepted: %v", err)
	}
}

func TestSubmitTrustRawFilenames(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &fakeRunner{}, func(d *Deps, o *Options) { o.TrustRawFilenames = true })

	result, err := env.svc.Submit(ctx, Upload{Filename: "team/report.docx", Body: []byte("x")})
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if result.OutputKey != "team/report.pdf" {
		t.Fatalf("unexpected output key: %s", result.OutputKey)
	}
	if _, err := env.gateway.Get(ctx, "team/report.pdf"); err != nil {
		t.Fatalf("output was not stored: %v", err)
	}
}

func TestSubmitRejectsKeyInFlight(t *testing.T) {
	ctx := context.Background()
	runner := &fakeRunner{block: make(chan struct{})}
	env := newTestEnv(t, runner)

	firstDone := make(chan error, 1)
	go func() {
		_, err := env.svc.Submit(ctx, Upload{Filename: "same.docx", Body: []byte("one")})
		firstDone <- err
	}()

	waitForConversion(t, env.svc, "same.docx", progress.ConversionStarted)

	if _, err := env.svc.Submit(ctx, Upload{Filename: "same.docx", Body: []byte("two")}); !IsKind(err, KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	// 進捗を読むのは変換中もブロックされない
	if pct, status, err := env.svc.ConversionProgress(ctx, "same.docx"); err != nil || pct != 50 || status != progress.StatusInProgress {
		t.Fatalf("ConversionProgress = (%d, %s, %v)", pct, status, err)
	}

	close(runner.block)
	if err := <-firstDone; err != nil {
		t.Fatalf("first Submit returned error: %v", err)
	}

	// 終了後は同じキーで新しいジョブを開始できる
	runner.block = nil
	if _, err := env.svc.Submit(ctx, Upload{Filename: "same.docx", Body: []byte("three")}); err != nil {
		t.Fatalf("resubmit returned error: %v", err)
	}
	want := []int{0, 10, 30, 50, 70, 100, 0, 10, 30, 50, 70, 100}
	if got := env.registry.historyFor("same.docx"); !reflect.DeepEqual(got, want) {
		t.Fatalf("milestones = %v, want %v", got, want)
	}
}

func TestSubmitIndependentKeysConcurrently(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &fakeRunner{})

	const n = 6
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("doc-%d.docx", i)
			if _, err := env.svc.Submit(ctx, Upload{Filename: name, Body: []byte(name)}); err != nil {
				errs <- fmt.Errorf("%s: %w", name, err)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	for i := 0; i < n; i++ {
		key := fmt.Sprintf("doc-%d.docx", i)
		want := []int{0, 10, 30, 50, 70, 100}
		if got := env.registry.historyFor(key); !reflect.DeepEqual(got, want) {
			t.Fatalf("%s milestones = %v, want %v", key, got, want)
		}
		out, err := env.gateway.Get(ctx, fmt.Sprintf("doc-%d.pdf", i))
		if err != nil || string(out) != "%PDF-1.4\n"+key {
			t.Fatalf("unexpected output for %s: %q (%v)", key, out, err)
		}
	}
	env.assertWorkspaceEmpty(t)
}

func TestSubmitUploadFailure(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &fakeRunner{}, func(d *Deps, o *Options) {
		d.Storage = &failingGateway{Gateway: d.Storage, putErr: errors.New("connection reset")}
	})

	if _, err := env.svc.Submit(ctx, Upload{Filename: "a.docx", Body: []byte("x")}); !IsKind(err, KindStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
	if _, status, err := env.svc.ConversionProgress(ctx, "a.docx"); err != nil || status != progress.StatusError {
		t.Fatalf("expected error status, got %s (%v)", status, err)
	}
}

func TestSubmitStartFailure(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &fakeRunner{startErr: errors.New("soffice: executable file not found")})

	if _, err := env.svc.Submit(ctx, Upload{Filename: "a.docx", Body: []byte("x")}); !IsKind(err, KindConversion) {
		t.Fatalf("expected conversion error, got %v", err)
	}
	want := []int{0, 10, 30, -1}
	if got := env.registry.historyFor("a.docx"); !reflect.DeepEqual(got, want) {
		t.Fatalf("milestones = %v, want %v", got, want)
	}
	env.assertWorkspaceEmpty(t)
}

type stubScheduler struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (s *stubScheduler) Enqueue(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.keys = append(s.keys, key)
	return "task-" + key, nil
}

func TestSubmitWithScheduler(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &fakeRunner{})
	sched := &stubScheduler{}
	env.svc.UseScheduler(sched)

	result, err := env.svc.Submit(ctx, Upload{Filename: "queued.docx", Body: []byte("x")})
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if !result.Queued || result.TaskID != "task-queued.docx" {
		t.Fatalf("unexpected result: %#v", result)
	}
	if pct, status, _ := env.svc.ConversionProgress(ctx, "queued.docx"); pct != 0 || status != progress.StatusInProgress {
		t.Fatalf("queued job should report (0, in_progress), got (%d, %s)", pct, status)
	}

	// 他のワーカーで変換待ちのキーは拒否する
	if _, err := env.svc.Submit(ctx, Upload{Filename: "queued.docx", Body: []byte("y")}); !IsKind(err, KindConflict) {
		t.Fatalf("expected conflict while queued, got %v", err)
	}

	if err := env.svc.Convert(ctx, "queued.docx"); err != nil {
		t.Fatalf("Convert returned error: %v", err)
	}
	if pct, status, _ := env.svc.ConversionProgress(ctx, "queued.docx"); pct != 100 || status != progress.StatusCompleted {
		t.Fatalf("got (%d, %s) after Convert", pct, status)
	}

	sched.err = errors.New("redis unavailable")
	if _, err := env.svc.Submit(ctx, Upload{Filename: "other.docx", Body: []byte("x")}); !IsKind(err, KindConversion) {
		t.Fatalf("expected conversion error when enqueue fails, got %v", err)
	}
	if _, status, _ := env.svc.ConversionProgress(ctx, "other.docx"); status != progress.StatusError {
		t.Fatalf("status = %s, want error", status)
	}
}

func TestProgressUnknownKey(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &fakeRunner{})

	if _, err := env.svc.UploadProgress(ctx, "never.docx"); !IsKind(err, KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, _, err := env.svc.ConversionProgress(ctx, "never.docx"); !IsKind(err, KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestJobTransitions(t *testing.T) {
	j := newJob("a.docx", "a.pdf", StateReceived, zaptest.NewLogger(t))
	for _, next := range []State{StateValidated, StateUploading, StateUploaded, StateConverting, StateCompleted} {
		if err := j.transition(next); err != nil {
			t.Fatalf("transition to %s returned error: %v", next, err)
		}
	}
	if err := j.transition(StateFailed); !errors.Is(err, errIllegalTransition) {
		t.Fatalf("expected illegal transition from completed, got %v", err)
	}

	j = newJob("b.docx", "b.pdf", StateReceived, zaptest.NewLogger(t))
	if err := j.transition(StateConverting); !errors.Is(err, errIllegalTransition) {
		t.Fatalf("expected illegal transition, got %v", err)
	}
	if j.state != StateReceived {
		t.Fatalf("state changed after refused transition: %s", j.state)
	}
}

func waitForConversion(t *testing.T, svc *Service, key string, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if pct, _, err := svc.ConversionProgress(context.Background(), key); err == nil && pct >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("conversion progress for %s never reached %d", key, want)
}

func TestConvertMissingSource(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &fakeRunner{})

	if err := env.registry.StartConversion(ctx, "gone.docx"); err != nil {
		t.Fatalf("StartConversion returned error: %v", err)
	}
	if err := env.svc.Convert(ctx, "gone.docx"); !IsKind(err, KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	want := []int{0, 10, -1}
	if got := env.registry.historyFor("gone.docx"); !reflect.DeepEqual(got, want) {
		t.Fatalf("milestones = %v, want %v", got, want)
	}
	env.assertWorkspaceEmpty(t)
}

func TestConvertRejectsOversizedSource(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &fakeRunner{})

	if err := env.gateway.Put(ctx, "huge.docx", make([]byte, 2048), "", nil); err != nil {
		t.Fatalf("Put returned error: %v", err)
	}
	if err := env.registry.StartConversion(ctx, "huge.docx"); err != nil {
		t.Fatalf("StartConversion returned error: %v", err)
	}
	if err := env.svc.Convert(ctx, "huge.docx"); !IsKind(err, KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, status, _ := env.svc.ConversionProgress(ctx, "huge.docx"); status != progress.StatusError {
		t.Fatalf("status = %s, want error", status)
	}
}
