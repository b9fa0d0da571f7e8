package document

import (
	"errors"
	"net/http"
)

// Kind はエラーの分類です。HTTP ステータスの決定に使います。
type Kind int

const (
	KindValidation Kind = iota + 1
	KindConflict
	KindNotFound
	KindStorage
	KindConversion
)

// Error はクライアントに返すエラーコードとメッセージを持つエラーです。
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func newError(kind Kind, code, message string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Status は Kind と Code に対応する HTTP ステータスを返します。
func (e *Error) Status() int {
	switch e.Kind {
	case KindValidation:
		if e.Code == codeLimitExceeded {
			return http.StatusRequestEntityTooLarge
		}
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

const (
	codeInvalidInput     = "INVALID_INPUT"
	codeLimitExceeded    = "LIMIT_EXCEEDED"
	codeJobInProgress    = "JOB_IN_PROGRESS"
	codeNotFound         = "NOT_FOUND"
	codeStorageError     = "STORAGE_ERROR"
	codeConversionFailed = "CONVERSION_FAILED"
)

// IsKind は err が指定した Kind の *Error を含むかを返します。
func IsKind(err error, kind Kind) bool {
	var docErr *Error
	return errors.As(err, &docErr) && docErr.Kind == kind
}
