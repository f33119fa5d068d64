package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a business error so handlers can map it to an HTTP status
// and clients can branch on a stable code.
type Kind string

const (
	KindValidationFailed       Kind = "VALIDATION_FAILED"
	KindInsufficientPermission Kind = "INSUFFICIENT_PERMISSION"
	KindSourceDocumentNotFound Kind = "SOURCE_DOCUMENT_NOT_FOUND"
	KindChunkNotFound          Kind = "CHUNK_NOT_FOUND"
	KindDuplicate              Kind = "DUPLICATE"
	KindConflictProcessing     Kind = "CONFLICT_PROCESSING"
	KindPayloadTooLarge        Kind = "PAYLOAD_TOO_LARGE"
	KindUnsupportedMediaType   Kind = "UNSUPPORTED_MEDIA_TYPE"
	KindContentUnavailable     Kind = "CONTENT_UNAVAILABLE"
	KindSearchFailed           Kind = "SEARCH_FAILED"
	KindIngestionFailed        Kind = "INGESTION_FAILED"
	KindDeletionFailed         Kind = "DELETION_FAILED"
	KindExternalUnavailable    Kind = "EXTERNAL_UNAVAILABLE"
)

// Error is a tagged business error. Message is safe to surface to clients;
// Err carries the underlying cause for logs.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a tagged error without an underlying cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a tagged error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap tags an underlying error with a kind and message.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the Kind from an error chain. Untagged errors report
// INGESTION_FAILED-agnostic internal failure via the empty kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// MessageOf returns the client-safe message of a tagged error, or the plain
// error string for untagged errors.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}

// HTTPStatus maps an error kind to its HTTP status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidationFailed:
		return http.StatusBadRequest
	case KindInsufficientPermission:
		return http.StatusForbidden
	case KindSourceDocumentNotFound, KindChunkNotFound:
		return http.StatusNotFound
	case KindDuplicate, KindConflictProcessing:
		return http.StatusConflict
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindUnsupportedMediaType:
		return http.StatusUnsupportedMediaType
	case KindContentUnavailable:
		return http.StatusUnprocessableEntity
	case KindExternalUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
