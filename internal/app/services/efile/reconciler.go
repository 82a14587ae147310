package efile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/RossTaxPrep/efile_layer/internal/app/domain/efile"
	"github.com/RossTaxPrep/efile_layer/internal/app/metrics"
	"github.com/RossTaxPrep/efile_layer/internal/app/storage"
	"github.com/RossTaxPrep/efile_layer/internal/mef"
	"github.com/RossTaxPrep/efile_layer/pkg/logger"
)

const (
	ackMessageAccepted = "Accepted by IRS"
	ackMessageRejected = "Rejected by IRS"

	maxApplyConflicts = 3
	pendingSweepLimit = 500

	defaultPassTimeout = 2 * time.Minute
)

type applyOutcome int

const (
	outcomeApplied applyOutcome = iota + 1
	outcomeRefreshed
	outcomeIgnored
	outcomeUnknown
)

// PendingSummary reports a sweep over stale pending transmissions.
type PendingSummary struct {
	Checked  int
	Resolved int
	Failed   int
}

// Reconciler applies acknowledgments to stored transmissions. Applying the
// same acknowledgment twice leaves the record unchanged apart from UpdatedAt.
type Reconciler struct {
	store     storage.TransmissionStore
	acks      storage.AcknowledgmentStore
	transport Transport
	log       *logger.Logger

	now         func() time.Time
	concurrency int
	passTimeout time.Duration

	group    singleflight.Group
	mu       sync.Mutex
	deferred map[string]struct{}
}

// NewReconciler constructs a reconciler. acks may be nil to skip the audit trail.
func NewReconciler(store storage.TransmissionStore, acks storage.AcknowledgmentStore, transport Transport, log *logger.Logger) *Reconciler {
	if log == nil {
		log = logger.NewDefault("efile-reconciler")
	}
	return &Reconciler{
		store:       store,
		acks:        acks,
		transport:   transport,
		log:         log,
		now:         func() time.Time { return time.Now().UTC() },
		concurrency: 4,
		passTimeout: defaultPassTimeout,
		deferred:    make(map[string]struct{}),
	}
}

// ReconcileNew drains new acknowledgments and applies them. Submissions whose
// acknowledgment could not be stored on an earlier pass are fetched again
// first. Concurrent callers share one pass, which runs to completion under
// its own timeout even if the caller that started it goes away.
func (r *Reconciler) ReconcileNew(ctx context.Context) ([]mef.Acknowledgment, error) {
	ch := r.group.DoChan("reconcile-new", func() (any, error) {
		passCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.passTimeout)
		defer cancel()
		start := time.Now()
		applied, err := r.reconcileNew(passCtx)
		metrics.RecordReconcile("new", time.Since(start), err == nil)
		return applied, err
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		applied, _ := res.Val.([]mef.Acknowledgment)
		return applied, res.Err
	}
}

// SetPassTimeout bounds a shared ReconcileNew pass. Non-positive values are ignored.
func (r *Reconciler) SetPassTimeout(d time.Duration) {
	if d > 0 {
		r.passTimeout = d
	}
}

func (r *Reconciler) reconcileNew(ctx context.Context) ([]mef.Acknowledgment, error) {
	var (
		applied []mef.Acknowledgment
		errs    []error
	)

	if ids := r.Deferred(); len(ids) > 0 {
		acks, err := r.transport.GetAcknowledgments(ctx, ids)
		if err != nil {
			r.log.WithField("deferred", len(ids)).WithError(err).Warn("refetch deferred acknowledgments failed")
			errs = append(errs, err)
		} else {
			applied = append(applied, r.applyAll(ctx, acks)...)
		}
	}

	acks, err := r.transport.GetNewAcknowledgments(ctx)
	applied = append(applied, r.applyAll(ctx, acks)...)
	if err != nil {
		errs = append(errs, err)
	}

	if len(applied) > 0 {
		r.log.WithField("applied", len(applied)).Info("acknowledgments reconciled")
	}
	return applied, errors.Join(errs...)
}

func (r *Reconciler) applyAll(ctx context.Context, acks []mef.Acknowledgment) []mef.Acknowledgment {
	var applied []mef.Acknowledgment
	for _, ack := range acks {
		outcome, err := r.apply(ctx, ack)
		if err != nil {
			r.deferID(ack.SubmissionID)
			r.log.WithField("submission_id", ack.SubmissionID).WithError(err).Warn("apply acknowledgment failed; deferred")
			continue
		}
		r.clearID(ack.SubmissionID)
		if outcome == outcomeApplied || outcome == outcomeRefreshed {
			applied = append(applied, ack)
		}
	}
	return applied
}

// ReconcileOne polls the status of one submission and, once a verdict
// exists, applies its acknowledgment.
func (r *Reconciler) ReconcileOne(ctx context.Context, submissionID string) (mef.Status, error) {
	status, err := r.transport.GetSubmissionStatus(ctx, submissionID)
	if err != nil {
		return "", err
	}
	if !status.Final() {
		return status, nil
	}
	ack, err := r.transport.GetAcknowledgment(ctx, submissionID)
	if err != nil {
		return status, err
	}
	if ack == nil {
		return status, nil
	}
	if _, err := r.apply(ctx, *ack); err != nil {
		r.deferID(submissionID)
		return status, err
	}
	r.clearID(submissionID)
	return status, nil
}

// ReconcilePending polls every pending transmission not updated within
// olderThan.
func (r *Reconciler) ReconcilePending(ctx context.Context, olderThan time.Duration) (PendingSummary, error) {
	start := time.Now()
	pending, err := r.store.ListTransmissions(ctx, efile.ListFilter{
		Status:        efile.StatusPending,
		UpdatedBefore: r.now().Add(-olderThan),
		Limit:         pendingSweepLimit,
	})
	if err != nil {
		metrics.RecordReconcile("pending", time.Since(start), false)
		return PendingSummary{}, err
	}

	var (
		mu      sync.Mutex
		summary PendingSummary
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, rec := range pending {
		rec := rec
		if rec.SubmissionID == "" || rec.Environment == efile.EnvironmentTest {
			continue
		}
		g.Go(func() error {
			status, err := r.ReconcileOne(gctx, rec.SubmissionID)
			mu.Lock()
			defer mu.Unlock()
			summary.Checked++
			if err != nil {
				summary.Failed++
				r.log.WithField("submission_id", rec.SubmissionID).WithError(err).Warn("pending reconcile failed")
				return nil
			}
			if status.Final() {
				summary.Resolved++
			}
			return nil
		})
	}
	_ = g.Wait()

	metrics.RecordReconcile("pending", time.Since(start), summary.Failed == 0)
	return summary, ctx.Err()
}

// apply records ack against its transmission, retrying lost version races.
func (r *Reconciler) apply(ctx context.Context, ack mef.Acknowledgment) (applyOutcome, error) {
	if !ack.Status.Final() {
		return outcomeIgnored, nil
	}
	for attempt := 0; attempt < maxApplyConflicts; attempt++ {
		rec, err := r.store.GetTransmissionBySubmissionID(ctx, ack.SubmissionID)
		if errors.Is(err, storage.ErrNotFound) {
			r.log.WithField("submission_id", ack.SubmissionID).Warn("acknowledgment for unknown submission skipped")
			return outcomeUnknown, nil
		}
		if err != nil {
			return 0, err
		}

		next, outcome := resolve(rec, ack)
		if outcome == outcomeIgnored {
			r.log.WithField("transmission_id", rec.ID).
				WithField("submission_id", ack.SubmissionID).
				WithField("status", rec.Status).
				WithField("ack_status", ack.Status).
				Warn("conflicting acknowledgment ignored")
			return outcomeIgnored, nil
		}

		saved, err := r.store.UpdateTransmission(ctx, next)
		if errors.Is(err, storage.ErrConflict) {
			continue
		}
		if err != nil {
			return 0, err
		}
		if err := r.audit(ctx, saved, ack); err != nil {
			return 0, err
		}
		if outcome == outcomeApplied {
			metrics.RecordAcknowledgment(string(ack.Status))
			r.log.WithField("transmission_id", saved.ID).
				WithField("submission_id", ack.SubmissionID).
				WithField("status", saved.Status).
				WithField("dcn", saved.DCN).
				Info("acknowledgment applied")
		}
		return outcome, nil
	}
	return 0, fmt.Errorf("acknowledgment %s: %w", ack.SubmissionID, storage.ErrConflict)
}

// resolve computes the record after ack. Only a verdict that matches a
// terminal record is re-applied; it may fill an empty DCN.
func resolve(rec efile.Transmission, ack mef.Acknowledgment) (efile.Transmission, applyOutcome) {
	target := efile.StatusRejected
	if ack.Status == mef.StatusAccepted {
		target = efile.StatusAccepted
	}

	switch {
	case efile.CanTransition(rec.Status, target) && !rec.Status.Terminal():
		rec.Status = target
		rec.DCN = ack.DCN
		if target == efile.StatusAccepted {
			rec.AckCode = efile.AckCodeAccepted
			rec.AckMessage = ackMessageAccepted
		} else {
			rec.AckCode = efile.AckCodeRejected
			rec.AckMessage = ackMessageRejected
			if len(ack.Errors) > 0 {
				// The first business rule number is the code the IRS reports.
				if ack.Errors[0].Code != "" {
					rec.AckCode = ack.Errors[0].Code
				}
				if ack.Errors[0].Message != "" {
					rec.AckMessage = ack.Errors[0].Message
				}
			}
		}
		return rec, outcomeApplied
	case rec.Status == target, rec.Status == efile.StatusCompleted && target == efile.StatusAccepted:
		if rec.DCN == "" {
			rec.DCN = ack.DCN
		}
		return rec, outcomeRefreshed
	default:
		return rec, outcomeIgnored
	}
}

func (r *Reconciler) audit(ctx context.Context, rec efile.Transmission, ack mef.Acknowledgment) error {
	if r.acks == nil {
		return nil
	}
	entry := efile.AckRecord{
		TransmissionID: rec.ID,
		SubmissionID:   ack.SubmissionID,
		Status:         string(ack.Status),
		DCN:            ack.DCN,
		ReceivedAt:     ack.Timestamp,
	}
	for _, e := range ack.Errors {
		entry.Errors = append(entry.Errors, efile.AckError{Code: e.Code, Message: e.Message, Severity: e.Severity, XPath: e.XPath})
	}
	if _, err := r.acks.RecordAcknowledgment(ctx, entry); err != nil {
		return fmt.Errorf("audit acknowledgment %s: %w", ack.SubmissionID, err)
	}
	return nil
}

// Deferred lists submissions whose acknowledgment will be fetched again on
// the next ReconcileNew.
func (r *Reconciler) Deferred() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.deferred))
	for id := range r.deferred {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Reconciler) deferID(id string) {
	r.mu.Lock()
	r.deferred[id] = struct{}{}
	r.mu.Unlock()
}

func (r *Reconciler) clearID(id string) {
	r.mu.Lock()
	delete(r.deferred, id)
	r.mu.Unlock()
}
