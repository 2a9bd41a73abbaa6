package service

import (
	"fmt"

	"github.com/geolake/geolake/internal/store/model"
)

type ErrInvalidRequest struct {
	error
}

func NewErrInvalidRequest(message string) *ErrInvalidRequest {
	return &ErrInvalidRequest{fmt.Errorf("invalid request: %s", message)}
}

type ErrResourceNotFound struct {
	error
}

func NewErrResourceNotFound(id uint, resourceType string) *ErrResourceNotFound {
	return &ErrResourceNotFound{fmt.Errorf("%s %d not found", resourceType, id)}
}

func NewErrRequestNotFound(id uint) *ErrResourceNotFound {
	return NewErrResourceNotFound(id, "request")
}

func NewErrUserNotFound(id uint) *ErrResourceNotFound {
	return NewErrResourceNotFound(id, "user")
}

func NewErrDownloadNotFound(requestID uint) *ErrResourceNotFound {
	return &ErrResourceNotFound{fmt.Errorf("download of request %d not found", requestID)}
}

type ErrRequestNotDone struct {
	error
}

func NewErrRequestNotDone(id uint, status model.RequestStatus) *ErrRequestNotDone {
	return &ErrRequestNotDone{fmt.Errorf("request %d is %s, not done", id, status)}
}

type ErrInvalidTransition struct {
	error
}

func NewErrInvalidTransition(id uint, status model.RequestStatus, operation string) *ErrInvalidTransition {
	return &ErrInvalidTransition{fmt.Errorf("cannot %s request %d: request is %s", operation, id, status)}
}

type ErrForbidden struct {
	error
}

func NewErrForbidden(userID uint, operation string) *ErrForbidden {
	return &ErrForbidden{fmt.Errorf("user %d is not allowed to %s", userID, operation)}
}

// ErrExecutionFailure is a failure of the engine or of the artifact
// persistence. Its message becomes the fail reason of the request.
type ErrExecutionFailure struct {
	error
}

func NewErrExecutionFailure(err error) *ErrExecutionFailure {
	return &ErrExecutionFailure{fmt.Errorf("execution failed: %w", err)}
}

func (e *ErrExecutionFailure) Unwrap() error {
	return e.error
}

type ErrStorageWriteFailure struct {
	*ErrExecutionFailure
}

func NewErrStorageWriteFailure(err error) *ErrStorageWriteFailure {
	return &ErrStorageWriteFailure{&ErrExecutionFailure{fmt.Errorf("storage write failed: %w", err)}}
}

func (e *ErrStorageWriteFailure) Unwrap() error {
	return e.ErrExecutionFailure
}

type ErrUnauthenticated struct {
	error
}

func NewErrUnauthenticated() *ErrUnauthenticated {
	return &ErrUnauthenticated{fmt.Errorf("unknown api key")}
}
