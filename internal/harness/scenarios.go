package harness

import (
	"context"
	"errors"
	"fmt"

	domain "github.com/RossTaxPrep/efile_layer/internal/app/domain/efile"
	"github.com/RossTaxPrep/efile_layer/internal/app/services/efile"
	"github.com/RossTaxPrep/efile_layer/internal/mef"
	"github.com/RossTaxPrep/efile_layer/internal/mef/mefsim"
	"github.com/RossTaxPrep/efile_layer/internal/mef/wire"
	"github.com/RossTaxPrep/efile_layer/internal/schema"
	"github.com/RossTaxPrep/efile_layer/pkg/testutil"
)

func (h *Harness) validSubmission(ctx context.Context) (string, string, error) {
	doc := testutil.ValidReturn1040(h.taxYear)
	res, err := h.deps.Validator.Validate(doc, "1040", schema.Context{TaxYear: h.taxYear})
	if err != nil {
		return "", "", err
	}
	if !res.Valid || len(res.Errors) > 0 {
		return "", "", fmt.Errorf("validation failed: %v", res.Errors)
	}

	out, err := h.transmit(ctx, "HP-001", doc, h.taxYear)
	if err != nil {
		return "", "", err
	}
	if !out.Success {
		return "", "", fmt.Errorf("transmit failed: %s: %s", out.Code, out.Reason)
	}
	if out.Transmission.Status != domain.StatusPending {
		return "", out.Transmission.SubmissionID, fmt.Errorf("expected pending, got %s", out.Transmission.Status)
	}
	h.happySubmission = out.Transmission.SubmissionID
	return "submission received", out.Transmission.SubmissionID, nil
}

func (h *Harness) statusCheck(ctx context.Context) (string, string, error) {
	id := h.happySubmission
	if id == "" {
		return "", "", errors.New("HP-001 produced no submission")
	}
	status, err := h.deps.Transport.GetSubmissionStatus(ctx, id)
	if err != nil {
		return "", id, err
	}
	switch status {
	case mef.StatusReceived, mef.StatusProcessing, mef.StatusAccepted, mef.StatusRejected:
		return fmt.Sprintf("status returned: %s", status), id, nil
	}
	return "", id, fmt.Errorf("unknown status %q", status)
}

func (h *Harness) ackRetrieval(ctx context.Context) (string, string, error) {
	id := h.happySubmission
	if id == "" {
		return "", "", errors.New("HP-001 produced no submission")
	}
	if sim := h.deps.Simulator; sim != nil {
		if err := sim.Resolve(id, mefsim.Accept("")); err != nil {
			return "", id, err
		}
	}

	ack, err := h.deps.Transport.GetAcknowledgment(ctx, id)
	if err != nil {
		return "", id, err
	}
	if ack == nil {
		if h.deps.Simulator == nil {
			return "", id, skipf("acknowledgment not yet available")
		}
		return "", id, errors.New("simulator accepted the submission but returned no acknowledgment")
	}

	if _, err := h.deps.Reconciler.ReconcileOne(ctx, id); err != nil {
		return "", id, fmt.Errorf("reconcile: %w", err)
	}
	want := domain.StatusRejected
	if ack.Status == mef.StatusAccepted {
		want = domain.StatusAccepted
	}
	rec, err := h.bySubmission(ctx, id)
	if err != nil {
		return "", id, err
	}
	if rec.Status != want {
		return "", id, fmt.Errorf("acknowledgment %s not applied: transmission is %s", ack.Status, rec.Status)
	}
	if want == domain.StatusAccepted && rec.DCN == "" {
		return "", id, errors.New("accepted transmission has no DCN")
	}
	return fmt.Sprintf("acknowledgment received: %s (DCN %s)", ack.Status, ack.DCN), id, nil
}

func (h *Harness) invalidSSN(ctx context.Context) (string, string, error) {
	doc := testutil.Return1040InvalidSSN(h.taxYear)
	res, err := h.deps.Validator.Validate(doc, "1040", schema.Context{TaxYear: h.taxYear})
	if err != nil {
		return "", "", err
	}
	if res.Valid || !res.HasError(schema.CodeInvalidSSN) {
		return "", "", errors.New("validation should have rejected the invalid SSN")
	}
	return h.expectRejectedBeforeSend(ctx, "CR-001", doc, "invalid SSN rejected by validation")
}

func (h *Harness) missingFilingStatus(ctx context.Context) (string, string, error) {
	doc := testutil.Return1040MissingFilingStatus(h.taxYear)
	res, err := h.deps.Validator.Validate(doc, "1040", schema.Context{TaxYear: h.taxYear})
	if err != nil {
		return "", "", err
	}
	if res.Valid || !res.HasError(schema.CodeMissingElement) {
		return "", "", errors.New("validation should have rejected the missing filing status")
	}
	return h.expectRejectedBeforeSend(ctx, "CR-002", doc, "missing filing status rejected by validation")
}

func (h *Harness) expectRejectedBeforeSend(ctx context.Context, scenarioID string, doc []byte, details string) (string, string, error) {
	before := h.sends()
	out, err := h.transmit(ctx, scenarioID, doc, h.taxYear)
	if err != nil {
		return "", "", err
	}
	if out.Success || out.Code != efile.CodeValidationFailed {
		return "", out.Transmission.SubmissionID, fmt.Errorf("expected %s, got %s", efile.CodeValidationFailed, out.Code)
	}
	if out.Transmission.Status != domain.StatusError {
		return "", "", fmt.Errorf("expected error status, got %s", out.Transmission.Status)
	}
	if after := h.sends(); after != before {
		return "", "", fmt.Errorf("invalid return reached the transport (%d sends)", after-before)
	}
	return details, "", nil
}

func (h *Harness) unusualTaxYear(context.Context) (string, string, error) {
	year := h.now().Year() - 10
	doc := testutil.Return1040(testutil.Individual{SSN: testutil.TestSSNThird, TaxYear: year, FilingStatus: "Single"})
	res, err := h.deps.Validator.Validate(doc, "1040", schema.Context{TaxYear: year})
	if err != nil {
		return "", "", err
	}
	if !res.Valid {
		return "", "", fmt.Errorf("unusual tax year must only warn: %v", res.Errors)
	}
	if !res.HasWarning(schema.CodeUnusualTaxYear) {
		return "", "", fmt.Errorf("tax year %d was not flagged", year)
	}
	return "unusual tax year flagged as warning", "", nil
}

func (h *Harness) transientRetry(ctx context.Context) (string, string, error) {
	cfg, err := h.deps.Settings.MeF(ctx)
	if err != nil {
		return "", "", err
	}
	if cfg.Retry.MaxAttempts < 3 {
		return "", "", fmt.Errorf("retry max attempts is %d, want at least 3", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.Multiplier <= 1 {
		return "", "", fmt.Errorf("retry multiplier is %v, want greater than 1", cfg.Retry.Multiplier)
	}
	policy := fmt.Sprintf("max attempts %d, initial delay %s, multiplier %v", cfg.Retry.MaxAttempts, cfg.Retry.InitialDelay, cfg.Retry.Multiplier)

	sim := h.deps.Simulator
	if sim == nil {
		return "retry policy configured (" + policy + "); fault injection unavailable", "", nil
	}

	before := h.sends()
	sim.FailNext(wire.ServiceSendSubmissions, 2, 503)
	out, err := h.transmit(ctx, "RT-001", testutil.ValidReturn1040(h.taxYear), h.taxYear)
	if err != nil {
		return "", "", err
	}
	if !out.Success {
		return "", "", fmt.Errorf("transmit did not recover: %s: %s", out.Code, out.Reason)
	}
	if calls := h.sends() - before; calls != 3 {
		return "", out.Transmission.SubmissionID, fmt.Errorf("expected 3 send attempts, saw %d", calls)
	}
	return "recovered after two 503 responses (" + policy + ")", out.Transmission.SubmissionID, nil
}

func (h *Harness) statusRecovery(ctx context.Context) (string, string, error) {
	sim := h.deps.Simulator
	if sim == nil {
		return "", "", skipf("verdict control requires the simulator")
	}
	out, err := h.transmit(ctx, "RV-001", testutil.ValidReturn1040(h.taxYear), h.taxYear)
	if err != nil {
		return "", "", err
	}
	if !out.Success {
		return "", "", fmt.Errorf("transmit failed: %s: %s", out.Code, out.Reason)
	}
	id := out.Transmission.SubmissionID

	if err := sim.MarkProcessing(id); err != nil {
		return "", id, err
	}
	status, err := h.deps.Reconciler.ReconcileOne(ctx, id)
	if err != nil {
		return "", id, err
	}
	if status != mef.StatusProcessing {
		return "", id, fmt.Errorf("expected Processing, got %s", status)
	}
	if rec, err := h.transmission(ctx, out.Transmission.ID); err != nil || rec.Status != domain.StatusPending {
		return "", id, fmt.Errorf("in-flight submission must stay pending: %v %s", err, rec.Status)
	}

	if err := sim.Resolve(id, mefsim.Reject(wire.ValidationError{
		RuleNum:  "IND-031-04",
		Severity: "Reject and Stop",
		Message:  "Primary SSN and name control do not match",
	})); err != nil {
		return "", id, err
	}
	status, err = h.deps.Reconciler.ReconcileOne(ctx, id)
	if err != nil {
		return "", id, err
	}
	rec, err := h.transmission(ctx, out.Transmission.ID)
	if err != nil {
		return "", id, err
	}
	if status != mef.StatusRejected || rec.Status != domain.StatusRejected {
		return "", id, fmt.Errorf("expected rejection to be applied, got remote %s local %s", status, rec.Status)
	}
	return "status poll recovered rejection: " + rec.AckMessage, id, nil
}

func (h *Harness) delayedAcks(ctx context.Context) (string, string, error) {
	sim := h.deps.Simulator
	if sim == nil {
		return "", "", skipf("verdict control requires the simulator")
	}
	ids := make(map[string]bool, 2)
	for i := 0; i < 2; i++ {
		out, err := h.transmit(ctx, "RV-002", testutil.ValidReturn1040(h.taxYear), h.taxYear)
		if err != nil {
			return "", "", err
		}
		if !out.Success {
			return "", "", fmt.Errorf("transmit failed: %s: %s", out.Code, out.Reason)
		}
		ids[out.Transmission.SubmissionID] = false
	}
	for id := range ids {
		if err := sim.Resolve(id, mefsim.Accept("")); err != nil {
			return "", id, err
		}
	}

	applied, err := h.deps.Reconciler.ReconcileNew(ctx)
	if err != nil {
		return "", "", err
	}
	for _, ack := range applied {
		if _, ok := ids[ack.SubmissionID]; ok {
			ids[ack.SubmissionID] = true
		}
	}
	for id, seen := range ids {
		if !seen {
			return "", id, fmt.Errorf("delayed acknowledgment for %s was not applied", id)
		}
		rec, err := h.bySubmission(ctx, id)
		if err != nil {
			return "", id, err
		}
		if rec.Status != domain.StatusAccepted {
			return "", id, fmt.Errorf("transmission for %s is %s", id, rec.Status)
		}
	}

	again, err := h.deps.Reconciler.ReconcileNew(ctx)
	if err != nil {
		return "", "", err
	}
	for _, ack := range again {
		if _, ok := ids[ack.SubmissionID]; ok {
			return "", ack.SubmissionID, errors.New("acknowledgment delivered twice")
		}
	}
	return fmt.Sprintf("%d delayed acknowledgments applied once", len(ids)), "", nil
}

func (h *Harness) killSwitch(ctx context.Context) (string, string, error) {
	if h.deps.KillSwitch == nil {
		return "", "", skipf("no kill switch wired")
	}
	cfg, err := h.deps.Settings.MeF(ctx)
	if err != nil {
		return "", "", err
	}
	if err := h.deps.KillSwitch.SetTransmissionsEnabled(ctx, false); err != nil {
		return "", "", fmt.Errorf("engage kill switch: %w", err)
	}
	defer func() {
		if err := h.deps.KillSwitch.SetTransmissionsEnabled(context.WithoutCancel(ctx), cfg.TransmissionsEnabled); err != nil {
			h.log.WithError(err).Error("restore kill switch failed")
		}
	}()

	before := h.sends()
	out, err := h.transmit(ctx, "KS-001", testutil.ValidReturn1040(h.taxYear), h.taxYear)
	if err != nil {
		return "", "", err
	}
	if out.Code != efile.CodeTransmissionsDisabled {
		return "", out.Transmission.SubmissionID, fmt.Errorf("expected %s, got %q", efile.CodeTransmissionsDisabled, out.Code)
	}
	if after := h.sends(); after != before {
		return "", "", fmt.Errorf("kill switch leaked %d sends", after-before)
	}
	return "transmission blocked: " + out.Reason, "", nil
}

func (h *Harness) bySubmission(ctx context.Context, submissionID string) (domain.Transmission, error) {
	rec, err := h.deps.Service.GetBySubmission(ctx, submissionID)
	if err != nil {
		return domain.Transmission{}, fmt.Errorf("load submission %s: %w", submissionID, err)
	}
	return rec, nil
}
