package mcp

import (
	"errors"
	"fmt"
)

var (
	// ErrServiceDiscoveryFailed is returned when the locator itself cannot be queried.
	// Failures of individual providers during discovery are never reported with it.
	ErrServiceDiscoveryFailed = errors.New("service discovery failed")
	// ErrToolNotFound is returned when the requested provider does not expose the tool.
	ErrToolNotFound = errors.New("tool not found")
	// ErrProviderNotFound is returned by Registry.GetConnection for an unknown provider.
	ErrProviderNotFound = errors.New("provider not found")
	// ErrServiceCommunicationFailed covers bind, send and decode failures, and empty results.
	ErrServiceCommunicationFailed = errors.New("service communication failed")
	// ErrExecutionFailed is returned when the tool handler ran and failed.
	ErrExecutionFailed = errors.New("execution failed")
	// ErrInvalidParameters is returned by tool handlers rejecting their arguments.
	ErrInvalidParameters = errors.New("invalid parameters")
	// ErrInvalidState is returned when a transport is used before Start or after Close.
	ErrInvalidState = errors.New("invalid state")
	// ErrTimeout is returned when no response arrived within the deadline.
	ErrTimeout = errors.New("timeout")
	// ErrPermissionDenied is returned when an Authorizer rejects a request.
	ErrPermissionDenied = errors.New("permission denied")
)

// ToolNotFoundError reports a tool that is not exposed by the given provider.
type ToolNotFoundError struct {
	ProviderID string
	Name       string
}

// MessageError ties a transport failure to the request it was carrying, so the protocol
// session can fail that single request instead of waiting for a response that never comes.
type MessageError struct {
	ID  MustString
	Err error
}

func (e *ToolNotFoundError) Error() string {
	if e.ProviderID == "" {
		return fmt.Sprintf("tool not found: %s", e.Name)
	}
	return fmt.Sprintf("tool not found: %s/%s", e.ProviderID, e.Name)
}

// Unwrap lets errors.Is match ErrToolNotFound.
func (e *ToolNotFoundError) Unwrap() error {
	return ErrToolNotFound
}

func (e *MessageError) Error() string {
	return fmt.Sprintf("message %s: %s", e.ID, e.Err)
}

func (e *MessageError) Unwrap() error {
	return e.Err
}

// errorFromResponse translates an error object received from a provider into the host's
// error taxonomy. The returned error still wraps the original JSONRPCError.
//
// A method-not-found answer means an unknown tool only when tool names the tool being
// called. For any other request it means the provider does not support the method.
func errorFromResponse(providerID, tool string, jErr *JSONRPCError) error {
	switch jErr.Code {
	case jsonRPCMethodNotFoundCode:
		if tool == "" {
			return fmt.Errorf("%w: %w", ErrServiceCommunicationFailed, jErr)
		}
		return fmt.Errorf("%w: %w", &ToolNotFoundError{ProviderID: providerID, Name: tool}, jErr)
	case jsonRPCInvalidParamsCode:
		return fmt.Errorf("%w: %w", ErrInvalidParameters, jErr)
	case jsonRPCInternalErrorCode:
		return fmt.Errorf("%w: %w", ErrExecutionFailed, jErr)
	case jsonRPCTimeoutCode:
		return fmt.Errorf("%w: %w: %w", ErrServiceCommunicationFailed, ErrTimeout, jErr)
	case jsonRPCPermissionDeniedCode:
		return fmt.Errorf("%w: %w", ErrPermissionDenied, jErr)
	case jsonRPCInvalidStateCode:
		return fmt.Errorf("%w: %w: %w", ErrServiceCommunicationFailed, ErrInvalidState, jErr)
	default:
		return fmt.Errorf("%w: %w", ErrServiceCommunicationFailed, jErr)
	}
}

// jsonRPCErrorFrom converts a handler error into the error object sent back to the host.
func jsonRPCErrorFrom(err error) JSONRPCError {
	var jErr JSONRPCError
	if errors.As(err, &jErr) {
		return jErr
	}
	var jErrPtr *JSONRPCError
	if errors.As(err, &jErrPtr) && jErrPtr != nil {
		return *jErrPtr
	}

	code := jsonRPCInternalErrorCode
	switch {
	case errors.Is(err, ErrToolNotFound):
		code = jsonRPCMethodNotFoundCode
	case errors.Is(err, ErrInvalidParameters):
		code = jsonRPCInvalidParamsCode
	case errors.Is(err, ErrPermissionDenied):
		code = jsonRPCPermissionDeniedCode
	case errors.Is(err, ErrTimeout):
		code = jsonRPCTimeoutCode
	}
	return JSONRPCError{
		Code:    code,
		Message: err.Error(),
	}
}
