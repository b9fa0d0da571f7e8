package document

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// State はジョブの状態です。
type State string

const (
	StateReceived   State = "received"
	StateValidated  State = "validated"
	StateUploading  State = "uploading"
	StateUploaded   State = "uploaded"
	StateConverting State = "converting"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

var errIllegalTransition = errors.New("illegal job transition")

var transitions = map[State][]State{
	StateReceived:   {StateValidated, StateFailed},
	StateValidated:  {StateUploading, StateFailed},
	StateUploading:  {StateUploaded, StateFailed},
	StateUploaded:   {StateConverting, StateFailed},
	StateConverting: {StateCompleted, StateFailed},
}

func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// job は 1 つのジョブキーの処理状態を保持します。
// 同時に触るゴルーチンは常に 1 つだけです（投入側からワーカーへ引き渡されます）。
type job struct {
	key       string
	outputKey string
	state     State
	logger    *zap.Logger

	// conversionStarted は今回のジョブで変換進捗を 0 から開始済みかどうかです。
	conversionStarted bool
}

func newJob(key, outputKey string, state State, logger *zap.Logger) *job {
	return &job{
		key:       key,
		outputKey: outputKey,
		state:     state,
		logger:    logger.With(zap.String("key", key)),
	}
}

func (j *job) transition(to State) error {
	if !canTransition(j.state, to) {
		j.logger.Error("refusing job transition", zap.String("from", string(j.state)), zap.String("to", string(to)))
		return fmt.Errorf("%w: %s -> %s", errIllegalTransition, j.state, to)
	}
	j.logger.Info("job transition", zap.String("from", string(j.state)), zap.String("to", string(to)))
	j.state = to
	return nil
}

func (j *job) terminal() bool {
	return j.state == StateCompleted || j.state == StateFailed
}
