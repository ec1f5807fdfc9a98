package protocol

import (
	"errors"
	"fmt"
	"time"
)

// Required error codes the core emits (spec §6.2).
const (
	CodeUnknownCommand = "UNKNOWN_COMMAND"
	CodeInvalidParams  = "INVALID_PARAMS"
	CodeTimeout        = "TIMEOUT"
	CodeHandlerFailed  = "HANDLER_FAILED"
	CodeStaleEndpoint  = "STALE_ENDPOINT"
	CodeDisconnect     = "DISCONNECT"
	CodeUnknownTarget  = "UNKNOWN_TARGET"
	CodeEvicted        = "EVICTED"
	CodeRestarting     = "RESTARTING"
	CodeReloadFailed   = "RELOAD_FAILED"
)

// Metadata accompanies every Response, success or failure.
type Metadata struct {
	Command       string  `json:"command"`
	ExecutionTime float64 `json:"execution_time"`
}

// ErrorInfo is the error half of a Response.
type ErrorInfo struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}

// Response is the canonical success/failure envelope of spec §4.2/§6.2.
type Response struct {
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
	Error     *ErrorInfo `json:"error"`
	Data      any       `json:"data"`
	Message   string    `json:"message,omitempty"`
	Metadata  Metadata  `json:"metadata"`
}

// Success builds a successful Response. execTime is filled in by the
// scheduler, never by the handler itself (spec §4.2).
func Success(command string, data any, message string, execTime time.Duration) *Response {
	return &Response{
		Success:   true,
		Timestamp: time.Now(),
		Error:     nil,
		Data:      data,
		Message:   message,
		Metadata: Metadata{
			Command:       command,
			ExecutionTime: execTime.Seconds(),
		},
	}
}

// Failure builds an error Response with an explicit code.
func Failure(command, code, message, errType string, details any, execTime time.Duration) *Response {
	if errType == "" {
		errType = "Error"
	}
	return &Response{
		Success:   false,
		Timestamp: time.Now(),
		Error: &ErrorInfo{
			Message: message,
			Type:    errType,
			Code:    code,
			Details: details,
		},
		Data: nil,
		Metadata: Metadata{
			Command:       command,
			ExecutionTime: execTime.Seconds(),
		},
	}
}

// CodedError lets handler code opt into a specific wire error code instead
// of the scheduler's default HANDLER_FAILED classification (spec §4.2,
// §9 "exceptions for control flow from handlers").
type CodedError struct {
	Code    string
	Message string
	Type    string
}

func (e *CodedError) Error() string { return e.Message }

// NewCodedError constructs a CodedError with the given wire code.
func NewCodedError(code, message string) *CodedError {
	return &CodedError{Code: code, Message: message, Type: "CodedError"}
}

// FromError converts a handler's raised error into a HANDLER_FAILED
// Response unless it is (or wraps) a *CodedError, in which case its code
// and type are honored. Mirrors the "conversion rule for legacy handlers"
// of spec §4.2.
func FromError(command string, err error, execTime time.Duration) *Response {
	var ce *CodedError
	if errors.As(err, &ce) {
		return Failure(command, ce.Code, ce.Message, ce.Type, nil, execTime)
	}
	return Failure(command, CodeHandlerFailed, err.Error(), fmt.Sprintf("%T", err), nil, execTime)
}
