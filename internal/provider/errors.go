package provider

import (
	"errors"
	"fmt"
)

// ErrorKind classifies provider failures.
type ErrorKind int

const (
	// KindHTTP is a transport-level failure (connect, read, timeout).
	KindHTTP ErrorKind = iota
	// KindSerialization is a request or response encode/decode failure.
	KindSerialization
	// KindModelNotSupported means no provider claims the model.
	KindModelNotSupported
	// KindAPI is a non-2xx upstream response.
	KindAPI
	// KindConfig is an invalid provider configuration.
	KindConfig
	// KindAuth is an OAuth token lookup or refresh failure.
	KindAuth
)

// Error is the provider error type consumed by the dispatcher's fallback
// logic.
type Error struct {
	Kind    ErrorKind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindAPI:
		return fmt.Sprintf("api error (status %d): %s", e.Status, e.Message)
	case KindModelNotSupported:
		return fmt.Sprintf("model not supported: %s", e.Message)
	case KindConfig:
		return fmt.Sprintf("configuration error: %s", e.Message)
	case KindAuth:
		return fmt.Sprintf("authentication error: %s", e.Message)
	case KindSerialization:
		if e.Err != nil {
			return fmt.Sprintf("serialization error: %v", e.Err)
		}
		return fmt.Sprintf("serialization error: %s", e.Message)
	default:
		if e.Err != nil {
			return fmt.Sprintf("http error: %v", e.Err)
		}
		return fmt.Sprintf("http error: %s", e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// IsClientError reports whether the error is a 4xx upstream API error.
// Client errors abort fallback: retrying other bindings cannot fix a bad
// request.
func (e *Error) IsClientError() bool {
	return e.Kind == KindAPI && e.Status >= 400 && e.Status < 500
}

// APIError builds an upstream API error.
func APIError(status int, message string) *Error {
	return &Error{Kind: KindAPI, Status: status, Message: message}
}

// HTTPError wraps a transport failure.
func HTTPError(err error) *Error {
	return &Error{Kind: KindHTTP, Err: err}
}

// SerializationError wraps an encode/decode failure.
func SerializationError(err error) *Error {
	return &Error{Kind: KindSerialization, Err: err}
}

// ModelNotSupported builds a missing-model error.
func ModelNotSupported(model string) *Error {
	return &Error{Kind: KindModelNotSupported, Message: model}
}

// ConfigError builds a configuration error.
func ConfigError(message string) *Error {
	return &Error{Kind: KindConfig, Message: message}
}

// AuthError builds an authentication error.
func AuthError(message string) *Error {
	return &Error{Kind: KindAuth, Message: message}
}

// IsClientError reports whether err is (or wraps) a 4xx API error.
func IsClientError(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.IsClientError()
}
