package apperrors

import (
	"errors"
	"fmt"
)

// ErrorCode classifies failures for logging and wire messages.
type ErrorCode string

const (
	ErrorCodeTransport     ErrorCode = "TRANSPORT_ERROR"
	ErrorCodeProtocol      ErrorCode = "PROTOCOL_ERROR"
	ErrorCodeAuth          ErrorCode = "AUTH_ERROR"
	ErrorCodeConfigInvalid ErrorCode = "CONFIG_INVALID"
	ErrorCodeSourceSearch  ErrorCode = "SOURCE_SEARCH_ERROR"
	ErrorCodeBufferFailed  ErrorCode = "BUFFER_FAILED"
	ErrorCodePlayerCrashed ErrorCode = "PLAYER_CRASHED"
	ErrorCodeCutoffReached ErrorCode = "CUTOFF_REACHED"
	ErrorCodeInternal      ErrorCode = "INTERNAL_ERROR"
)

var (
	// ErrAuth is returned when a secret does not match the room's secret.
	ErrAuth = errors.New("wrong secret")
	// ErrRoomNotFound is returned for operations on unknown room codes.
	ErrRoomNotFound = errors.New("room not found")
	// ErrSourceNotFound is returned when an event names an unconfigured source.
	ErrSourceNotFound = errors.New("source not found")
	// ErrQueueClosed is returned by blocking queue operations after shutdown.
	ErrQueueClosed = errors.New("queue closed")
	// ErrBufferCancelled is returned when a buffer task is cancelled by a skip.
	ErrBufferCancelled = errors.New("buffer cancelled")
	// ErrVersionMismatch is returned when client and server disagree on the
	// protocol major version.
	ErrVersionMismatch = errors.New("protocol version mismatch")
)

// AppError carries a code alongside a message. It is the payload of the
// user-visible `msg` event where one is warranted; otherwise it is logged
// and dropped.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (err *AppError) Error() string {
	if err.Err != nil {
		return fmt.Sprintf("%s: %v", err.Message, err.Err)
	}
	return err.Message
}

func (err *AppError) Unwrap() error {
	return err.Err
}

func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

func Wrap(code ErrorCode, message string, inner error) *AppError {
	return &AppError{Code: code, Message: message, Err: inner}
}

func NewConfigInvalid(source, reason string) *AppError {
	return &AppError{
		Code:    ErrorCodeConfigInvalid,
		Message: fmt.Sprintf("invalid configuration for source %q: %s", source, reason),
	}
}

func NewCutoffReached(message string) *AppError {
	return &AppError{Code: ErrorCodeCutoffReached, Message: message}
}

// CodeOf extracts the ErrorCode from any error, defaulting to INTERNAL_ERROR.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrorCodeInternal
}
