package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
)

type stubConverter struct {
	keys []string
	err  error
}

func (s *stubConverter) Convert(ctx context.Context, key string) error {
	s.keys = append(s.keys, key)
	return s.err
}

func TestNewConvertTaskPayload(t *testing.T) {
	task, err := newConvertTask("report.docx")
	if err != nil {
		t.Fatalf("newConvertTask returned error: %v", err)
	}
	if task.Type() != taskTypeConvert {
		t.Fatalf("unexpected task type: %s", task.Type())
	}
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if payload.Key != "report.docx" {
		t.Fatalf("unexpected key: %s", payload.Key)
	}

	if _, err := newConvertTask(""); err == nil {
		t.Fatal("expected error for empty key")
	}
}

func TestHandleConvertTask(t *testing.T) {
	conv := &stubConverter{}
	m := &Manager{converter: conv}
	task, _ := newConvertTask("a.docx")

	if err := m.handleConvertTask(context.Background(), task); err != nil {
		t.Fatalf("handleConvertTask returned error: %v", err)
	}
	if len(conv.keys) != 1 || conv.keys[0] != "a.docx" {
		t.Fatalf("unexpected converted keys: %#v", conv.keys)
	}
}

func TestHandleConvertTaskFailureSkipsRetry(t *testing.T) {
	conv := &stubConverter{err: errors.New("soffice exited with 1")}
	m := &Manager{converter: conv}
	task, _ := newConvertTask("a.docx")

	err := m.handleConvertTask(context.Background(), task)
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}

	bad := asynq.NewTask(taskTypeConvert, []byte("{"))
	if err := m.handleConvertTask(context.Background(), bad); !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry for invalid payload, got %v", err)
	}
}

func TestTaskOptionsTimeout(t *testing.T) {
	tests := []struct {
		name    string
		convert time.Duration
		want    time.Duration
	}{
		{name: "no convert timeout", convert: 0, want: unboundedTaskTimeout},
		{name: "convert timeout", convert: 2 * time.Minute, want: 2*time.Minute + transferAllowance},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &Manager{timeout: taskTimeout(tt.convert)}

			var got time.Duration
			retries := -1
			for _, opt := range m.taskOptions() {
				switch opt.Type() {
				case asynq.TimeoutOpt:
					got = opt.Value().(time.Duration)
				case asynq.MaxRetryOpt:
					retries = opt.Value().(int)
				}
			}
			if got != tt.want {
				t.Fatalf("unexpected task timeout: got %s, want %s", got, tt.want)
			}
			if retries != 0 {
				t.Fatalf("conversions must not be retried, got MaxRetry(%d)", retries)
			}
		})
	}
}
