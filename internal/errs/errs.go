// Package errs contains sentinel errors and typed errors shared by the
// gateway, the room engines and the storage layer.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates a missing or invalid session credential.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrExpired indicates the session credential is past its expiry.
	ErrExpired = errors.New("session expired")

	// ErrInvalidRoom indicates a room that does not exist or that the
	// caller's credential is not bound to.
	ErrInvalidRoom = errors.New("invalid room")

	// ErrValidation indicates a malformed or incomplete payload.
	ErrValidation = errors.New("validation failed")

	// ErrPersistence indicates the durable store rejected or failed an operation.
	ErrPersistence = errors.New("persistence failure")

	// ErrVerifierUnavailable indicates credentials cannot be checked at all.
	ErrVerifierUnavailable = errors.New("credential verifier unavailable")

	// ErrForbidden indicates the caller's role does not permit the operation.
	ErrForbidden = errors.New("forbidden")
)

// Room error codes carried on the wire.
const (
	CodeInvalidRoom = "INVALID_ROOM"
	CodeNotFound    = "NOT_FOUND"
)

// RoomError reports a room-scoped failure with a wire code.
type RoomError struct {
	Code   string
	RoomId string
	Err    error
}

func (e *RoomError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("room %q: %s: %s", e.RoomId, e.Code, e.Err.Error())
	}

	return fmt.Sprintf("room %q: %s", e.RoomId, e.Code)
}

func (e *RoomError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	if e.Code == CodeNotFound {
		return ErrNotFound
	}

	return ErrInvalidRoom
}

func NewInvalidRoom(roomId string) *RoomError {
	return &RoomError{Code: CodeInvalidRoom, RoomId: roomId}
}

func NewRoomNotFound(roomId string) *RoomError {
	return &RoomError{Code: CodeNotFound, RoomId: roomId}
}

// ValidationError reports a payload field that failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("invalid %s", e.Field)
	}

	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func NewValidation(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}
