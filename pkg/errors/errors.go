// Package errors provides the structured error system for memcachefs with error codes, categories, and context.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"syscall"
	"time"
)

// ErrorCode represents a structured error code for memcachefs operations.
type ErrorCode string

// Error code constants organized by category.
const (
	// Configuration Errors
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrCodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigSave       ErrorCode = "CONFIG_SAVE"

	// Connection Errors
	ErrCodeConnectionFailed ErrorCode = "CONNECTION_FAILED"
	ErrCodeNetworkError     ErrorCode = "NETWORK_ERROR"

	// Cache Errors
	ErrCodeKeyNotFound ErrorCode = "KEY_NOT_FOUND"
	ErrCodeKeyExists   ErrorCode = "KEY_EXISTS"
	ErrCodeIO          ErrorCode = "IO_ERROR"
	ErrCodeTooLarge    ErrorCode = "TOO_LARGE"
	ErrCodeProtocol    ErrorCode = "PROTOCOL_ERROR"

	// Filesystem Errors
	ErrCodeMountFailed   ErrorCode = "MOUNT_FAILED"
	ErrCodeUnmountFailed ErrorCode = "UNMOUNT_FAILED"
	ErrCodeUnsupported   ErrorCode = "UNSUPPORTED"
	ErrCodeBadHandle     ErrorCode = "BAD_HANDLE"

	// Resource Management Errors
	ErrCodeResourceExhausted ErrorCode = "RESOURCE_EXHAUSTED"

	// State Management Errors
	ErrCodeAlreadyStarted ErrorCode = "ALREADY_STARTED"
	ErrCodeNotInitialized ErrorCode = "NOT_INITIALIZED"

	// Internal System Errors
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryConnection    ErrorCategory = "connection"
	CategoryCache         ErrorCategory = "cache"
	CategoryFilesystem    ErrorCategory = "filesystem"
	CategoryResource      ErrorCategory = "resource"
	CategoryState         ErrorCategory = "state"
	CategoryInternal      ErrorCategory = "internal"
)

// MemcacheFSError represents a structured error with context and metadata.
type MemcacheFSError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Cause     error     `json:"-"`
	Timestamp time.Time `json:"timestamp"`

	Component string `json:"component"`
	Operation string `json:"operation,omitempty"`
	Key       string `json:"key,omitempty"`

	UserFacing bool `json:"user_facing"`
}

// Error implements the error interface.
func (e *MemcacheFSError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, msg)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *MemcacheFSError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error (for errors.Is compatibility).
func (e *MemcacheFSError) Is(target error) bool {
	if other, ok := target.(*MemcacheFSError); ok {
		return e.Code == other.Code
	}
	return false
}

// String returns a detailed string representation for logging.
func (e *MemcacheFSError) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Code=%s", e.Code))
	parts = append(parts, fmt.Sprintf("Category=%s", e.Category))
	parts = append(parts, fmt.Sprintf("Message=%q", e.Message))

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Key != "" {
		parts = append(parts, fmt.Sprintf("Key=%q", e.Key))
	}
	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}

	return fmt.Sprintf("MemcacheFSError{%s}", strings.Join(parts, ", "))
}

// Errno returns the errno reported at the filesystem boundary for this error.
func (e *MemcacheFSError) Errno() syscall.Errno {
	return GetDefaultErrno(e.Code)
}

// NewError creates a new memcachefs error with default values.
func NewError(code ErrorCode, message string) *MemcacheFSError {
	return &MemcacheFSError{
		Code:       code,
		Category:   GetCategory(code),
		Message:    message,
		Timestamp:  time.Now(),
		Details:    make(map[string]interface{}),
		UserFacing: IsUserFacingByDefault(code),
	}
}

// Sentinels for errors.Is comparisons. Matching is by code only.
var (
	ErrResourceExhausted = NewError(ErrCodeResourceExhausted, "no free handle")
	ErrNotFound          = NewError(ErrCodeKeyNotFound, "key not found")
	ErrExists            = NewError(ErrCodeKeyExists, "key already exists")
	ErrIO                = NewError(ErrCodeIO, "input/output error")
	ErrUnsupported       = NewError(ErrCodeUnsupported, "operation not supported")
	ErrTooLarge          = NewError(ErrCodeTooLarge, "value exceeds buffer capacity")
	ErrBadHandle         = NewError(ErrCodeBadHandle, "invalid file handle")
)

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	codeStr := string(code)
	switch {
	case strings.HasPrefix(codeStr, "INVALID_CONFIG") || strings.HasPrefix(codeStr, "CONFIG_"):
		return CategoryConfiguration
	case strings.HasPrefix(codeStr, "CONNECTION_") || strings.HasPrefix(codeStr, "NETWORK_"):
		return CategoryConnection
	case strings.HasPrefix(codeStr, "KEY_") || strings.HasPrefix(codeStr, "IO_") ||
		strings.HasPrefix(codeStr, "TOO_") || strings.HasPrefix(codeStr, "PROTOCOL_"):
		return CategoryCache
	case strings.HasPrefix(codeStr, "MOUNT_") || strings.HasPrefix(codeStr, "UNMOUNT_") ||
		strings.HasPrefix(codeStr, "UNSUPPORTED") || strings.HasPrefix(codeStr, "BAD_HANDLE"):
		return CategoryFilesystem
	case strings.HasPrefix(codeStr, "RESOURCE_"):
		return CategoryResource
	case strings.HasPrefix(codeStr, "ALREADY_") || strings.HasPrefix(codeStr, "NOT_INITIALIZED"):
		return CategoryState
	default:
		return CategoryInternal
	}
}

// IsUserFacingByDefault determines if an error should be shown to users.
func IsUserFacingByDefault(code ErrorCode) bool {
	userFacingCodes := map[ErrorCode]bool{
		ErrCodeInvalidConfig:     true,
		ErrCodeConfigValidation:  true,
		ErrCodeConnectionFailed:  true,
		ErrCodeKeyNotFound:       true,
		ErrCodeTooLarge:          true,
		ErrCodeMountFailed:       true,
		ErrCodeResourceExhausted: true,
	}
	return userFacingCodes[code]
}

// GetDefaultErrno returns the errno for an error code.
func GetDefaultErrno(code ErrorCode) syscall.Errno {
	errnoMap := map[ErrorCode]syscall.Errno{
		ErrCodeResourceExhausted: syscall.EMFILE,
		ErrCodeKeyNotFound:       syscall.ENOENT,
		ErrCodeKeyExists:         syscall.EEXIST,
		ErrCodeIO:                syscall.EIO,
		ErrCodeProtocol:          syscall.EIO,
		ErrCodeNetworkError:      syscall.EIO,
		ErrCodeConnectionFailed:  syscall.EIO,
		ErrCodeUnsupported:       syscall.ENOSYS,
		ErrCodeTooLarge:          syscall.EFBIG,
		ErrCodeBadHandle:         syscall.EBADF,
	}

	if errno, ok := errnoMap[code]; ok {
		return errno
	}
	return syscall.EIO
}

// ToErrno maps any error to the errno reported at the filesystem boundary.
// A nil error maps to 0; errors without a code map to EIO.
func ToErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var fsErr *MemcacheFSError
	if stderrors.As(err, &fsErr) {
		return fsErr.Errno()
	}
	var errno syscall.Errno
	if stderrors.As(err, &errno) {
		return errno
	}
	return syscall.EIO
}

// HasCode reports whether err, or any error it wraps, carries the given code.
func HasCode(err error, code ErrorCode) bool {
	var fsErr *MemcacheFSError
	for err != nil {
		if stderrors.As(err, &fsErr) {
			if fsErr.Code == code {
				return true
			}
			err = fsErr.Cause
			continue
		}
		return false
	}
	return false
}

// WithDetail adds detailed information to an error
func (e *MemcacheFSError) WithDetail(key string, value interface{}) *MemcacheFSError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *MemcacheFSError) WithComponent(component string) *MemcacheFSError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *MemcacheFSError) WithOperation(operation string) *MemcacheFSError {
	e.Operation = operation
	return e
}

// WithKey records the cache key the error refers to
func (e *MemcacheFSError) WithKey(key string) *MemcacheFSError {
	e.Key = key
	return e
}

// WithCause sets the underlying cause
func (e *MemcacheFSError) WithCause(cause error) *MemcacheFSError {
	e.Cause = cause
	return e
}

// UserFacingMessage returns a simplified message suitable for end users
func (e *MemcacheFSError) UserFacingMessage() string {
	if !e.UserFacing {
		return "An internal error occurred. Run with --verbose for details."
	}

	messages := map[ErrorCode]string{
		ErrCodeConnectionFailed:  "Failed to connect to memcached",
		ErrCodeKeyNotFound:       "File not found",
		ErrCodeInvalidConfig:     "Invalid configuration",
		ErrCodeMountFailed:       "Failed to mount filesystem",
		ErrCodeResourceExhausted: "Too many open files, raise --maxhandle",
		ErrCodeTooLarge:          "File too large for the handle buffer",
	}

	if msg, exists := messages[e.Code]; exists {
		return msg
	}
	return e.Message
}
