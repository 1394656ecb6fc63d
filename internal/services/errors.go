package services

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Code is the stable, user-visible classification of a failure.
type Code string

const (
	CodeValidation                  Code = "VALIDATION_ERROR"
	CodeInputNotFound               Code = "INPUT_NOT_FOUND"
	CodeUnsupportedFormat           Code = "UNSUPPORTED_FORMAT"
	CodeGenerationTimeout           Code = "GENERATION_TIMEOUT"
	CodeGenerationBadResponse       Code = "GENERATION_BAD_RESPONSE"
	CodeGenerationUnavailable       Code = "GENERATION_UNAVAILABLE"
	CodeGenerationMissingCapability Code = "GENERATION_MISSING_CAPABILITY"
	CodeGenerationPromptFailed      Code = "GENERATION_PROMPT_FAILED"
	CodeLipsyncFailed               Code = "LIPSYNC_FAILED"
	CodeCodecFailed                 Code = "CODEC_FAILED"
	CodeOutputWriteFailed           Code = "OUTPUT_WRITE_FAILED"
	CodeUnknown                     Code = "UNKNOWN_ERROR"
)

// Codes lists every member of the taxonomy in declaration order.
var Codes = []Code{
	CodeValidation,
	CodeInputNotFound,
	CodeUnsupportedFormat,
	CodeGenerationTimeout,
	CodeGenerationBadResponse,
	CodeGenerationUnavailable,
	CodeGenerationMissingCapability,
	CodeGenerationPromptFailed,
	CodeLipsyncFailed,
	CodeCodecFailed,
	CodeOutputWriteFailed,
	CodeUnknown,
}

// Retryable reports whether a caller may reasonably retry after this failure.
func (c Code) Retryable() bool {
	switch c {
	case CodeGenerationTimeout, CodeGenerationUnavailable:
		return true
	default:
		return false
	}
}

// IsGeneration reports whether the code belongs to the generation backend family.
func (c Code) IsGeneration() bool {
	return strings.HasPrefix(string(c), "GENERATION_")
}

// Error carries a taxonomy code, a human message and a structured payload.
type Error struct {
	Code      Code
	Message   string
	Details   map[string]any
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = strings.ToLower(strings.ReplaceAll(string(e.Code), "_", " "))
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New builds an Error without an underlying cause.
func New(code Code, message string, details map[string]any) *Error {
	return &Error{Code: code, Message: message, Details: details, Retryable: code.Retryable()}
}

// Wrap builds an Error around err. When err already carries a code the
// original classification is preserved and only the message is prefixed.
func Wrap(code Code, message string, err error, details map[string]any) *Error {
	var existing *Error
	if errors.As(err, &existing) && existing != nil && existing.Code != CodeUnknown {
		code = existing.Code
		details = mergeDetails(existing.Details, details)
	}
	return &Error{Code: code, Message: message, Details: details, Retryable: code.Retryable(), Err: err}
}

// CodeOf extracts the taxonomy code carried by err, or CodeUnknown.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var svcErr *Error
	if errors.As(err, &svcErr) && svcErr != nil && svcErr.Code != "" {
		return svcErr.Code
	}
	return CodeUnknown
}

// As normalizes err into an *Error, classifying unknown failures.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var svcErr *Error
	if errors.As(err, &svcErr) && svcErr != nil {
		return svcErr
	}
	return &Error{Code: CodeUnknown, Message: err.Error(), Err: err}
}

// ExitCode maps a code to the process exit status used by the CLI.
func ExitCode(code Code) int {
	switch code {
	case "":
		return 0
	case CodeValidation:
		return 10
	case CodeInputNotFound, CodeUnsupportedFormat:
		return 20
	case CodeGenerationTimeout, CodeGenerationBadResponse, CodeGenerationUnavailable,
		CodeGenerationMissingCapability, CodeGenerationPromptFailed:
		return 30
	case CodeLipsyncFailed:
		return 40
	case CodeCodecFailed:
		return 50
	case CodeOutputWriteFailed:
		return 60
	default:
		return 70
	}
}

// HTTPStatus maps a code to the response status used by the HTTP API.
func HTTPStatus(code Code) int {
	switch code {
	case "":
		return http.StatusOK
	case CodeValidation, CodeUnsupportedFormat:
		return http.StatusBadRequest
	case CodeInputNotFound:
		return http.StatusNotFound
	case CodeOutputWriteFailed:
		return http.StatusConflict
	case CodeGenerationTimeout:
		return http.StatusGatewayTimeout
	case CodeGenerationUnavailable:
		return http.StatusServiceUnavailable
	case CodeGenerationBadResponse, CodeGenerationPromptFailed, CodeGenerationMissingCapability:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ErrorResponse is the wire representation of a failure.
type ErrorResponse struct {
	Code      Code           `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details"`
	Retryable bool           `json:"retryable"`
	Timestamp string         `json:"timestamp"`
}

// Response renders err for API and CLI consumers.
func Response(err error) ErrorResponse {
	svcErr := As(err)
	if svcErr == nil {
		svcErr = &Error{Code: CodeUnknown, Message: "unexpected error"}
	}
	message := strings.TrimSpace(svcErr.Message)
	if message == "" {
		message = "unexpected error"
	}
	return ErrorResponse{
		Code:      svcErr.Code,
		Message:   message,
		Details:   svcErr.Details,
		Retryable: svcErr.Retryable,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

func mergeDetails(base, extra map[string]any) map[string]any {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
