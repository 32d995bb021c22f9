package pipeline

import (
	"errors"
	"fmt"
)

var (
	ErrCancelled      = errors.New("run cancelled")
	ErrRunNotFound    = errors.New("run not found")
	ErrAlreadyRunning = errors.New("run is already executing")
	ErrFinished       = errors.New("run already finished")
	ErrInvalidBrief   = errors.New("invalid brief")
)

type Kind int

const (
	KindRecoverable Kind = iota
	KindFatal
)

func (k Kind) String() string {
	if k == KindFatal {
		return "fatal"
	}
	return "recoverable"
}

// StageError 阶段失败。Recoverable 会整体重试该阶段，Fatal 直接让 run 失败。
type StageError struct {
	Stage Stage
	Kind  Kind
	Err   error
}

func (e *StageError) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("%s stage failure: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("stage %s %s failure: %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func Recoverable(err error) error {
	return &StageError{Kind: KindRecoverable, Err: err}
}

func Fatal(err error) error {
	return &StageError{Kind: KindFatal, Err: err}
}

// classify 未分类的错误按 recoverable 处理
func classify(stage Stage, err error) *StageError {
	var se *StageError
	if errors.As(err, &se) {
		return &StageError{Stage: stage, Kind: se.Kind, Err: se.Err}
	}
	return &StageError{Stage: stage, Kind: KindRecoverable, Err: err}
}
