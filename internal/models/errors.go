package models

import (
	"errors"
	"fmt"
)

// ErrValidation represents a validation error with field and message.
type ErrValidation struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e ErrValidation) Error() string {
	return fmt.Sprintf("validation error on field %s: %s", e.Field, e.Message)
}

var (
	// ErrURLRequired indicates the source URL is empty.
	ErrURLRequired = errors.New("url is required")

	// ErrInvalidURL indicates a malformed or unsupported source URL.
	ErrInvalidURL = errors.New("invalid URL: must be an absolute http or https URL")

	// ErrInvalidStatus indicates a status outside the job state machine.
	ErrInvalidStatus = errors.New("invalid job status")

	// ErrInvalidTransition indicates a status change the state machine forbids.
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrArtifactRequiresReady indicates an artifact path on a job that is not ready.
	ErrArtifactRequiresReady = errors.New("artifact_path may only be set on a ready job")

	// ErrReadyRequiresArtifact indicates a ready job without an artifact path.
	ErrReadyRequiresArtifact = errors.New("a ready job requires artifact_path and file_size_bytes")

	// ErrEmptyPatch indicates a patch that changes nothing.
	ErrEmptyPatch = errors.New("job patch is empty")
)
