package errors

import (
	"fmt"
)

// ErrorCode represents a unique error code
type ErrorCode int

const (
	// ErrCodeUnknown represents an unknown error
	ErrCodeUnknown ErrorCode = 1000

	// Protocol errors (2000-2999)
	ErrCodeMalformedFrame ErrorCode = 2000
	ErrCodeFrameTooLarge  ErrorCode = 2001
	ErrCodeUnknownType    ErrorCode = 2002
	ErrCodeBadPayload     ErrorCode = 2003

	// Session errors (3000-3999)
	ErrCodeNameTaken           ErrorCode = 3000
	ErrCodeNotAuthenticated    ErrorCode = 3001
	ErrCodeParticipantNotFound ErrorCode = 3002
	ErrCodeAlreadyRegistered   ErrorCode = 3003

	// Room errors (4000-4999)
	ErrCodeRoomNotFound     ErrorCode = 4000
	ErrCodeRoomFull         ErrorCode = 4001
	ErrCodeBadPassword      ErrorCode = 4002
	ErrCodeNotInRoom        ErrorCode = 4003
	ErrCodeNotRoomMember    ErrorCode = 4004
	ErrCodeAlreadyInRoom    ErrorCode = 4005
	ErrCodeRoomNameRequired ErrorCode = 4006

	// Presenter errors (5000-5999)
	ErrCodeAlreadyPresenting ErrorCode = 5000
	ErrCodeNotPresenting     ErrorCode = 5001

	// Transfer errors (6000-6999)
	ErrCodeTransferFailed    ErrorCode = 6000
	ErrCodeTransferNotFound  ErrorCode = 6001
	ErrCodeChecksumMismatch  ErrorCode = 6002
	ErrCodeTransferExpired   ErrorCode = 6003
	ErrCodeFileNotFound      ErrorCode = 6004
	ErrCodeNoPortsAvailable  ErrorCode = 6005
	ErrCodeTransferCancelled ErrorCode = 6006

	// Network errors (7000-7999)
	ErrCodeNetworkError    ErrorCode = 7000
	ErrCodeLivenessTimeout ErrorCode = 7001
	ErrCodePeerUnreachable ErrorCode = 7002

	// Configuration errors (8000-8999)
	ErrCodeInvalidConfig ErrorCode = 8000

	// Validation errors (9000-9999)
	ErrCodeValidationFailed ErrorCode = 9000
	ErrCodeMissingParameter ErrorCode = 9001
)

// Error represents a custom error with code and message
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%d] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause of the error
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new Error with the given code and message
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with a code and message
func Wrap(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// IsErrorCode checks if the error has the given error code
func IsErrorCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}

	if e, ok := err.(*Error); ok {
		return e.Code == code
	}

	return false
}

// GetErrorCode returns the error code from an error, or ErrCodeUnknown if not found
func GetErrorCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeUnknown
	}

	if e, ok := err.(*Error); ok {
		return e.Code
	}

	return ErrCodeUnknown
}

// Common error constructors for convenience

// NewNameTakenError creates a name collision error
func NewNameTakenError(name string) *Error {
	return New(ErrCodeNameTaken, fmt.Sprintf("display name already in use: %s", name))
}

// NewNotAuthenticatedError is returned when a request requires registration first
func NewNotAuthenticatedError() *Error {
	return New(ErrCodeNotAuthenticated, "not registered")
}

// NewNotInRoomError is returned when a request requires room membership
func NewNotInRoomError() *Error {
	return New(ErrCodeNotInRoom, "not in a room")
}

// NewRoomNotFoundError creates a room not found error
func NewRoomNotFoundError(roomID string) *Error {
	return New(ErrCodeRoomNotFound, fmt.Sprintf("room not found: %s", roomID))
}

// NewRoomFullError creates a room full error
func NewRoomFullError(roomID string) *Error {
	return New(ErrCodeRoomFull, fmt.Sprintf("room is full: %s", roomID))
}

// NewBadPasswordError creates a bad password error
func NewBadPasswordError() *Error {
	return New(ErrCodeBadPassword, "incorrect room password")
}

// NewParticipantNotFoundError creates a participant not found error
func NewParticipantNotFoundError(participantID string) *Error {
	return New(ErrCodeParticipantNotFound, fmt.Sprintf("participant not found: %s", participantID))
}

// NewAlreadyPresentingError is returned when a room's presenter slot is taken
func NewAlreadyPresentingError(presenterID string) *Error {
	return New(ErrCodeAlreadyPresenting, fmt.Sprintf("room already has a presenter: %s", presenterID))
}

// NewTransferFailedError creates a transfer failure error
func NewTransferFailedError(message string, cause error) *Error {
	return Wrap(ErrCodeTransferFailed, message, cause)
}

// NewChecksumMismatchError is returned when a received file fails verification
func NewChecksumMismatchError(expected, actual string) *Error {
	return New(ErrCodeChecksumMismatch, fmt.Sprintf("checksum mismatch: expected %s, got %s", expected, actual))
}

// NewFileNotFoundError creates a shared file not found error
func NewFileNotFoundError(fileID string) *Error {
	return New(ErrCodeFileNotFound, fmt.Sprintf("file not found: %s", fileID))
}

// NewNetworkError creates a new network error
func NewNetworkError(message string, cause error) *Error {
	return Wrap(ErrCodeNetworkError, message, cause)
}

// NewLivenessTimeoutError is returned when a connection misses its heartbeat window
func NewLivenessTimeoutError(participantID string) *Error {
	return New(ErrCodeLivenessTimeout, fmt.Sprintf("liveness timeout: %s", participantID))
}

// NewValidationError creates a new validation error
func NewValidationError(message string) *Error {
	return New(ErrCodeValidationFailed, message)
}
