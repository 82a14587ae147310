package efile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/RossTaxPrep/efile_layer/internal/app/domain/efile"
	"github.com/RossTaxPrep/efile_layer/internal/app/metrics"
	"github.com/RossTaxPrep/efile_layer/internal/app/storage"
	"github.com/RossTaxPrep/efile_layer/internal/config"
	"github.com/RossTaxPrep/efile_layer/internal/mef"
	"github.com/RossTaxPrep/efile_layer/internal/schema"
	"github.com/RossTaxPrep/efile_layer/pkg/logger"
)

// Result codes reported in TransmitResult.Code.
const (
	CodeNotFound               = "NOT_FOUND"
	CodeInvalidState           = "INVALID_STATE"
	CodeConfigError            = "CONFIG_ERROR"
	CodeTransmissionsDisabled  = "TRANSMISSIONS_DISABLED"
	CodeDocumentRequired       = "DOCUMENT_REQUIRED"
	CodeUnsupportedReturnType  = "UNSUPPORTED_RETURN_TYPE"
	CodeValidationFailed       = "VALIDATION_FAILED"
	CodeConcurrentTransmission = "CONCURRENT_TRANSMISSION"
	CodeProductionNotApproved  = "PRODUCTION_NOT_APPROVED"
	CodeTransportError         = "TRANSPORT_ERROR"
	CodeRemoteRejected         = "REMOTE_REJECTED"
	CodePersistenceFailed      = "PERSISTENCE_FAILED"
	CodeStorageError           = "STORAGE_ERROR"
)

const testAckMessage = "Test submission accepted"

// ErrInvalidState is returned when an operation does not apply to the
// transmission's current status.
var ErrInvalidState = errors.New("invalid state")

// Validator checks return documents before they are sent.
type Validator interface {
	Validate(doc []byte, returnType string, vctx schema.Context) (schema.Result, error)
}

// Transport is the subset of the MeF client used by the orchestrator and the
// reconciler.
type Transport interface {
	ReserveSubmission(ctx context.Context) (mef.Submission, error)
	SendSubmission(ctx context.Context, doc []byte, returnType string, taxYear int, opts ...mef.SendOption) (mef.Submission, error)
	GetSubmissionStatus(ctx context.Context, submissionID string) (mef.Status, error)
	GetAcknowledgment(ctx context.Context, submissionID string) (*mef.Acknowledgment, error)
	GetAcknowledgments(ctx context.Context, submissionIDs []string) ([]mef.Acknowledgment, error)
	GetNewAcknowledgments(ctx context.Context) ([]mef.Acknowledgment, error)
}

var _ Transport = (*mef.Client)(nil)

// CreateRequest describes a new transmission.
type CreateRequest struct {
	ReturnID   string
	ClientID   string
	PreparerID string
	Method     string
	ReturnType string
	TaxYear    int
}

// TransmitRequest asks for a created transmission to be sent. An empty
// Document requests a test-mode transmission.
type TransmitRequest struct {
	TransmissionID string
	Document       []byte
	ReturnType     string
	TaxYear        int
}

// TransmitResult is the outcome of Transmit. Failures are reported through
// Code and Reason, never as a Go error.
type TransmitResult struct {
	Success      bool
	TestMode     bool
	Code         string
	Reason       string
	Transmission efile.Transmission
	Submission   *mef.Submission
	Errors       []efile.Issue
	Warnings     []efile.Issue
}

// Service orchestrates validation, transmission and persistence.
type Service struct {
	store     storage.TransmissionStore
	validator Validator
	transport Transport
	settings  config.Provider
	log       *logger.Logger

	now             func() time.Time
	persistAttempts int
	persistDelay    time.Duration
}

// New constructs the orchestrator.
func New(store storage.TransmissionStore, validator Validator, transport Transport, settings config.Provider, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("efile")
	}
	return &Service{
		store:           store,
		validator:       validator,
		transport:       transport,
		settings:        settings,
		log:             log,
		now:             func() time.Time { return time.Now().UTC() },
		persistAttempts: 3,
		persistDelay:    100 * time.Millisecond,
	}
}

// Create inserts a transmission in the created state.
func (s *Service) Create(ctx context.Context, req CreateRequest) (efile.Transmission, error) {
	returnID := strings.TrimSpace(req.ReturnID)
	clientID := strings.TrimSpace(req.ClientID)
	if returnID == "" {
		return efile.Transmission{}, fmt.Errorf("return_id is required")
	}
	if clientID == "" {
		return efile.Transmission{}, fmt.Errorf("client_id is required")
	}
	method, ok := efile.ParseMethod(req.Method)
	if !ok {
		return efile.Transmission{}, fmt.Errorf("method must be DIY or ERO, got %q", req.Method)
	}

	rec, err := s.store.CreateTransmission(ctx, efile.Transmission{
		ReturnID:   returnID,
		ClientID:   clientID,
		PreparerID: strings.TrimSpace(req.PreparerID),
		Method:     method,
		Status:     efile.StatusCreated,
		ReturnType: strings.ToUpper(strings.TrimSpace(req.ReturnType)),
		TaxYear:    req.TaxYear,
	})
	if err != nil {
		return efile.Transmission{}, err
	}
	s.log.WithField("transmission_id", rec.ID).
		WithField("return_id", rec.ReturnID).
		WithField("method", rec.Method).
		Info("transmission created")
	return rec, nil
}

// Get fetches a transmission.
func (s *Service) Get(ctx context.Context, id string) (efile.Transmission, error) {
	return s.store.GetTransmission(ctx, strings.TrimSpace(id))
}

// GetBySubmission fetches the transmission that owns submissionID.
func (s *Service) GetBySubmission(ctx context.Context, submissionID string) (efile.Transmission, error) {
	return s.store.GetTransmissionBySubmissionID(ctx, strings.TrimSpace(submissionID))
}

// List returns transmissions matching filter.
func (s *Service) List(ctx context.Context, filter efile.ListFilter) ([]efile.Transmission, error) {
	return s.store.ListTransmissions(ctx, filter)
}

// Complete marks an accepted transmission as completed.
func (s *Service) Complete(ctx context.Context, id, note string) (efile.Transmission, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return efile.Transmission{}, err
	}
	if !efile.CanTransition(rec.Status, efile.StatusCompleted) {
		return efile.Transmission{}, fmt.Errorf("%w: transmission %s is %s, only accepted transmissions can be completed", ErrInvalidState, rec.ID, rec.Status)
	}
	rec.Status = efile.StatusCompleted
	updated, err := s.store.UpdateTransmission(ctx, rec)
	if err != nil {
		return efile.Transmission{}, err
	}
	s.log.WithField("transmission_id", updated.ID).WithField("note", note).Info("transmission completed")
	return updated, nil
}

// Transmit runs the filing workflow for one created transmission. At most
// one caller can move a transmission out of created; the transport is
// invoked at most once per call and never when validation fails.
func (s *Service) Transmit(ctx context.Context, req TransmitRequest) TransmitResult {
	res := s.transmit(ctx, req)
	metrics.RecordTransmit(res.Code)
	entry := s.log.WithField("transmission_id", res.Transmission.ID).
		WithField("status", res.Transmission.Status).
		WithField("test_mode", res.TestMode)
	if res.Success {
		entry.WithField("submission_id", res.Transmission.SubmissionID).Info("transmit finished")
	} else {
		entry.WithField("code", res.Code).WithField("reason", res.Reason).Warn("transmit failed")
	}
	return res
}

func (s *Service) transmit(ctx context.Context, req TransmitRequest) TransmitResult {
	id := strings.TrimSpace(req.TransmissionID)
	rec, err := s.store.GetTransmission(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return TransmitResult{Code: CodeNotFound, Reason: fmt.Sprintf("transmission %s not found", id), Transmission: efile.Transmission{ID: id}}
		}
		return TransmitResult{Code: CodeStorageError, Reason: err.Error(), Transmission: efile.Transmission{ID: id}}
	}
	if rec.Status != efile.StatusCreated {
		return TransmitResult{
			Code:         CodeInvalidState,
			Reason:       fmt.Sprintf("transmission %s is %s; only created transmissions can be transmitted", rec.ID, rec.Status),
			Transmission: rec,
		}
	}

	cfg, err := s.settings.MeF(ctx)
	if err != nil {
		return TransmitResult{Code: CodeConfigError, Reason: "load settings: " + err.Error(), Transmission: rec}
	}
	if !cfg.TransmissionsEnabled {
		reason := mef.ErrTransmissionsDisabled.Error()
		return TransmitResult{Code: CodeTransmissionsDisabled, Reason: reason, Transmission: s.markError(ctx, rec, reason)}
	}

	returnType := strings.ToUpper(strings.TrimSpace(req.ReturnType))
	if returnType == "" {
		returnType = rec.ReturnType
	}
	taxYear := req.TaxYear
	if taxYear == 0 {
		taxYear = rec.TaxYear
	}

	if len(bytes.TrimSpace(req.Document)) == 0 {
		// Test mode never applies to production.
		if !cfg.AllowTestMode || cfg.Environment == config.EnvironmentProduction {
			return TransmitResult{Code: CodeDocumentRequired, Reason: "a return document is required", Transmission: rec}
		}
		return s.transmitTest(ctx, rec, returnType, taxYear)
	}

	result, err := s.validator.Validate(req.Document, returnType, schema.Context{TaxYear: taxYear, Environment: string(cfg.Environment)})
	if err != nil {
		return TransmitResult{Code: CodeUnsupportedReturnType, Reason: err.Error(), Transmission: rec}
	}
	errs, warnings := convertIssues(result.Errors), convertIssues(result.Warnings)
	if taxYear == 0 {
		taxYear = result.TaxYear
	}
	rec.ReturnType = returnType
	rec.TaxYear = taxYear

	if !result.Valid {
		reason := "validation failed: " + joinIssues(result.Errors)
		return TransmitResult{
			Code:         CodeValidationFailed,
			Reason:       reason,
			Transmission: s.markError(ctx, rec, reason),
			Errors:       errs,
			Warnings:     warnings,
		}
	}

	// The submission id is written with the claim, before the send, so an
	// acknowledgment can always find its record.
	reserved, err := s.transport.ReserveSubmission(ctx)
	if err != nil {
		reason := mef.Reason(err)
		return TransmitResult{Code: transportCode(err), Reason: reason, Transmission: s.markError(ctx, rec, reason), Warnings: warnings}
	}
	rec.Status = efile.StatusTransmitting
	rec.SubmissionID = reserved.ID
	rec.EFIN = reserved.EFIN
	rec.ETIN = reserved.ETIN
	rec.Environment = reserved.Environment
	claimed, err := s.store.UpdateTransmission(ctx, rec)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			current, getErr := s.store.GetTransmission(ctx, rec.ID)
			if getErr != nil {
				current = rec
			}
			return TransmitResult{
				Code:         CodeConcurrentTransmission,
				Reason:       fmt.Sprintf("transmission %s or its return is already being transmitted", rec.ID),
				Transmission: current,
				Warnings:     warnings,
			}
		}
		return TransmitResult{Code: CodeStorageError, Reason: err.Error(), Transmission: rec, Warnings: warnings}
	}
	rec = claimed

	sub, err := s.transport.SendSubmission(ctx, req.Document, returnType, taxYear, mef.WithSubmissionID(reserved.ID))
	// The send has happened; record its outcome even if the caller is gone.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if err != nil {
		reason := mef.Reason(err)
		return TransmitResult{
			Code:         transportCode(err),
			Reason:       reason,
			Transmission: s.markError(persistCtx, rec, reason),
			Warnings:     warnings,
		}
	}

	rec.Status = efile.StatusPending
	rec.SubmissionID = sub.ID
	rec.EFIN = sub.EFIN
	rec.ETIN = sub.ETIN
	rec.Environment = sub.Environment
	saved, err := s.save(persistCtx, rec)
	if err != nil {
		s.log.WithField("transmission_id", rec.ID).
			WithField("submission_id", sub.ID).
			WithError(err).
			Error("submission sent but not recorded; reconcile manually")
		return TransmitResult{
			Code:         CodePersistenceFailed,
			Reason:       fmt.Sprintf("submission %s was sent but could not be recorded: %v", sub.ID, err),
			Transmission: rec,
			Submission:   &sub,
			Warnings:     warnings,
		}
	}
	return TransmitResult{Success: true, Transmission: saved, Submission: &sub, Warnings: warnings}
}

func (s *Service) transmitTest(ctx context.Context, rec efile.Transmission, returnType string, taxYear int) TransmitResult {
	id := "TEST-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	rec.Status = efile.StatusAccepted
	rec.ReturnType = returnType
	rec.TaxYear = taxYear
	rec.SubmissionID = id
	rec.Environment = efile.EnvironmentTest
	rec.AckCode = efile.AckCodeAccepted
	rec.AckMessage = testAckMessage

	saved, err := s.save(ctx, rec)
	if err != nil {
		code := CodeStorageError
		if errors.Is(err, storage.ErrConflict) {
			code = CodeConcurrentTransmission
		}
		return TransmitResult{Code: code, Reason: err.Error(), TestMode: true, Transmission: rec}
	}
	return TransmitResult{
		Success:      true,
		TestMode:     true,
		Transmission: saved,
		Submission: &mef.Submission{
			ID:          id,
			Status:      mef.StatusAccepted,
			ReturnType:  returnType,
			TaxYear:     taxYear,
			Environment: efile.EnvironmentTest,
			ReceivedAt:  s.now(),
		},
	}
}

// markError moves rec to error with reason. Persistence problems are logged;
// the returned record reflects the intended state.
func (s *Service) markError(ctx context.Context, rec efile.Transmission, reason string) efile.Transmission {
	rec.Status = efile.StatusError
	rec.AckMessage = reason
	saved, err := s.save(ctx, rec)
	if err != nil {
		s.log.WithField("transmission_id", rec.ID).WithError(err).Warn("record transmission error failed")
		return rec
	}
	return saved
}

// save writes rec, retrying briefly on storage faults. Conflicts and missing
// records are returned immediately.
func (s *Service) save(ctx context.Context, rec efile.Transmission) (efile.Transmission, error) {
	attempts := s.persistAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		saved, err := s.store.UpdateTransmission(ctx, rec)
		if err == nil {
			return saved, nil
		}
		if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrNotFound) {
			return rec, err
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		s.log.WithField("transmission_id", rec.ID).WithField("attempt", attempt).WithError(err).Warn("persist transmission failed; retrying")
		select {
		case <-ctx.Done():
			return rec, ctx.Err()
		case <-time.After(s.persistDelay):
		}
	}
	return rec, lastErr
}

func transportCode(err error) string {
	switch mef.KindOf(err) {
	case mef.KindDisabled:
		return CodeTransmissionsDisabled
	case mef.KindNotApproved:
		return CodeProductionNotApproved
	case mef.KindConfig:
		return CodeConfigError
	case mef.KindPermanent:
		return CodeRemoteRejected
	default:
		return CodeTransportError
	}
}

func convertIssues(in []schema.Issue) []efile.Issue {
	out := make([]efile.Issue, 0, len(in))
	for _, i := range in {
		out = append(out, efile.Issue{Code: i.Code, Message: i.Message, Field: i.Field})
	}
	return out
}

func joinIssues(in []schema.Issue) string {
	msgs := make([]string, 0, len(in))
	for _, i := range in {
		msgs = append(msgs, i.Message)
	}
	return strings.Join(msgs, "; ")
}
