package storage

import (
	"context"
	"errors"

	"github.com/RossTaxPrep/efile_layer/internal/app/domain/efile"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an update loses an optimistic-concurrency
	// race or would violate a uniqueness rule.
	ErrConflict = errors.New("conflict")
)

// TransmissionStore persists e-file transmissions.
//
// UpdateTransmission succeeds only when the supplied Version matches the
// stored one; the returned record carries the new Version. Write-once
// fields already set are never cleared.
type TransmissionStore interface {
	CreateTransmission(ctx context.Context, t efile.Transmission) (efile.Transmission, error)
	UpdateTransmission(ctx context.Context, t efile.Transmission) (efile.Transmission, error)
	GetTransmission(ctx context.Context, id string) (efile.Transmission, error)
	GetTransmissionBySubmissionID(ctx context.Context, submissionID string) (efile.Transmission, error)
	ListTransmissions(ctx context.Context, filter efile.ListFilter) ([]efile.Transmission, error)
}

// AcknowledgmentStore keeps an audit trail of applied acknowledgments.
// RecordAcknowledgment reports false when the (submission, status) pair was
// already recorded.
type AcknowledgmentStore interface {
	RecordAcknowledgment(ctx context.Context, rec efile.AckRecord) (bool, error)
	ListAcknowledgments(ctx context.Context, submissionID string) ([]efile.AckRecord, error)
}
