package efile

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/RossTaxPrep/efile_layer/internal/app/domain/efile"
	"github.com/RossTaxPrep/efile_layer/internal/app/storage"
	"github.com/RossTaxPrep/efile_layer/internal/app/storage/memory"
	"github.com/RossTaxPrep/efile_layer/internal/config"
	"github.com/RossTaxPrep/efile_layer/internal/mef"
	"github.com/RossTaxPrep/efile_layer/internal/mef/mefsim"
	"github.com/RossTaxPrep/efile_layer/internal/mef/wire"
	"github.com/RossTaxPrep/efile_layer/internal/schema"
	"github.com/RossTaxPrep/efile_layer/pkg/logger"
	"github.com/RossTaxPrep/efile_layer/pkg/testutil"
)

const simBase = "http://mefsim.local/a2a/mef"

type fixture struct {
	store    *memory.Store
	sim      *mefsim.Server
	settings *config.Live
	client   *mef.Client
	svc      *Service
}

func newFixture(t *testing.T, mutate func(*config.MeFConfig), simOpts ...mefsim.Option) *fixture {
	t.Helper()
	cfg := testutil.SimulatedMeF(simBase)
	if mutate != nil {
		mutate(&cfg)
	}
	settings := config.NewLive(cfg)
	sim := mefsim.New(append([]mefsim.Option{mefsim.WithLogger(logger.Discard())}, simOpts...)...)
	client, err := mef.New(settings,
		mef.WithHTTPClient(sim.HTTPClient()),
		mef.WithSleeper(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }),
		mef.WithLogger(logger.Discard()),
	)
	if err != nil {
		t.Fatalf("mef client: %v", err)
	}
	store := memory.New()
	validator := schema.New(schema.WithClock(func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }))
	svc := New(store, validator, client, settings, logger.Discard())
	svc.persistDelay = time.Millisecond
	return &fixture{store: store, sim: sim, settings: settings, client: client, svc: svc}
}

func (f *fixture) create(t *testing.T, returnID string) efile.Transmission {
	t.Helper()
	rec, err := f.svc.Create(context.Background(), CreateRequest{
		ReturnID:   returnID,
		ClientID:   "client-" + returnID,
		PreparerID: "preparer-1",
		Method:     "ero",
		ReturnType: "1040",
		TaxYear:    2025,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return rec
}

func TestCreateValidatesInput(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.svc.Create(ctx, CreateRequest{ClientID: "c"}); err == nil {
		t.Fatalf("expected missing return id error")
	}
	if _, err := f.svc.Create(ctx, CreateRequest{ReturnID: "r"}); err == nil {
		t.Fatalf("expected missing client id error")
	}
	if _, err := f.svc.Create(ctx, CreateRequest{ReturnID: "r", ClientID: "c", Method: "mail"}); err == nil {
		t.Fatalf("expected bad method error")
	}

	rec := f.create(t, "r1")
	if rec.Status != efile.StatusCreated || rec.Method != efile.MethodERO {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestTransmitHappyPath(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.create(t, "r1")

	res := f.svc.Transmit(context.Background(), TransmitRequest{
		TransmissionID: rec.ID,
		Document:       testutil.ValidReturn1040(2025),
	})
	if !res.Success {
		t.Fatalf("transmit failed: %s %s", res.Code, res.Reason)
	}
	if res.Transmission.Status != efile.StatusPending {
		t.Fatalf("expected pending, got %s", res.Transmission.Status)
	}
	if !mef.ValidSubmissionID(res.Transmission.SubmissionID) {
		t.Fatalf("bad submission id %q", res.Transmission.SubmissionID)
	}
	if res.Transmission.EFIN != testutil.TestEFIN || res.Transmission.ETIN != testutil.TestETIN {
		t.Fatalf("routing identity not recorded: %+v", res.Transmission)
	}
	if res.Transmission.Environment != efile.EnvironmentATS {
		t.Fatalf("expected ATS, got %s", res.Transmission.Environment)
	}
	if res.Submission == nil || res.Submission.ID != res.Transmission.SubmissionID {
		t.Fatalf("submission not returned: %+v", res.Submission)
	}
	if got := f.sim.Calls(wire.ServiceSendSubmissions); got != 1 {
		t.Fatalf("expected one send, got %d", got)
	}

	stored, err := f.svc.Get(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != efile.StatusPending || stored.SubmissionID != res.Transmission.SubmissionID {
		t.Fatalf("stored record mismatch: %+v", stored)
	}
}

func TestTransmitKillSwitchNeverSends(t *testing.T) {
	f := newFixture(t, func(c *config.MeFConfig) { c.TransmissionsEnabled = false })
	rec := f.create(t, "r1")

	res := f.svc.Transmit(context.Background(), TransmitRequest{TransmissionID: rec.ID, Document: testutil.ValidReturn1040(2025)})
	if res.Success || res.Code != CodeTransmissionsDisabled {
		t.Fatalf("expected TRANSMISSIONS_DISABLED, got %+v", res)
	}
	if !strings.Contains(res.Reason, "kill switch") {
		t.Fatalf("reason should name the kill switch: %q", res.Reason)
	}
	if res.Transmission.Status != efile.StatusError {
		t.Fatalf("expected error status, got %s", res.Transmission.Status)
	}
	if got := f.sim.Calls(wire.ServiceSendSubmissions); got != 0 {
		t.Fatalf("transport invoked %d times", got)
	}
}

func TestTransmitKillSwitchTakesEffectWithoutRestart(t *testing.T) {
	f := newFixture(t, nil)
	first := f.create(t, "r1")
	second := f.create(t, "r2")

	if res := f.svc.Transmit(context.Background(), TransmitRequest{TransmissionID: first.ID, Document: testutil.ValidReturn1040(2025)}); !res.Success {
		t.Fatalf("first transmit failed: %+v", res)
	}
	if err := f.settings.SetTransmissionsEnabled(context.Background(), false); err != nil {
		t.Fatalf("kill switch: %v", err)
	}
	res := f.svc.Transmit(context.Background(), TransmitRequest{TransmissionID: second.ID, Document: testutil.ValidReturn1040(2025)})
	if res.Code != CodeTransmissionsDisabled {
		t.Fatalf("expected TRANSMISSIONS_DISABLED, got %s", res.Code)
	}
	if got := f.sim.Calls(wire.ServiceSendSubmissions); got != 1 {
		t.Fatalf("expected exactly one send, got %d", got)
	}
}

func TestTransmitControlledReject(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.create(t, "r1")

	res := f.svc.Transmit(context.Background(), TransmitRequest{TransmissionID: rec.ID, Document: testutil.Return1040InvalidSSN(2025)})
	if res.Success || res.Code != CodeValidationFailed {
		t.Fatalf("expected VALIDATION_FAILED, got %+v", res)
	}
	found := false
	for _, e := range res.Errors {
		if e.Code == schema.CodeInvalidSSN {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected INVALID_SSN in %+v", res.Errors)
	}
	if res.Transmission.Status != efile.StatusError {
		t.Fatalf("expected error status, got %s", res.Transmission.Status)
	}
	if !strings.HasPrefix(res.Transmission.AckMessage, "validation failed: ") {
		t.Fatalf("reason not stored: %q", res.Transmission.AckMessage)
	}
	if got := f.sim.Calls(wire.ServiceSendSubmissions); got != 0 {
		t.Fatalf("invalid return was sent")
	}
}

func TestTransmitUnsupportedReturnType(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.create(t, "r1")

	res := f.svc.Transmit(context.Background(), TransmitRequest{TransmissionID: rec.ID, Document: testutil.ValidReturn1040(2025), ReturnType: "990"})
	if res.Code != CodeUnsupportedReturnType {
		t.Fatalf("expected UNSUPPORTED_RETURN_TYPE, got %s", res.Code)
	}
	if res.Transmission.Status != efile.StatusCreated {
		t.Fatalf("status should be unchanged, got %s", res.Transmission.Status)
	}
}

func TestTransmitTestMode(t *testing.T) {
	f := newFixture(t, func(c *config.MeFConfig) { c.AllowTestMode = true })
	rec := f.create(t, "r1")

	res := f.svc.Transmit(context.Background(), TransmitRequest{TransmissionID: rec.ID})
	if !res.Success || !res.TestMode {
		t.Fatalf("expected test-mode success, got %+v", res)
	}
	if !strings.HasPrefix(res.Transmission.SubmissionID, "TEST-") || len(res.Transmission.SubmissionID) != 17 {
		t.Fatalf("bad test submission id %q", res.Transmission.SubmissionID)
	}
	if res.Transmission.Status != efile.StatusAccepted || res.Transmission.Environment != efile.EnvironmentTest {
		t.Fatalf("unexpected record: %+v", res.Transmission)
	}
	if res.Transmission.AckCode != efile.AckCodeAccepted || res.Transmission.AckMessage != testAckMessage {
		t.Fatalf("unexpected ack: %s %s", res.Transmission.AckCode, res.Transmission.AckMessage)
	}
	if got := f.sim.Calls(wire.ServiceSendSubmissions); got != 0 {
		t.Fatalf("test mode reached the transport")
	}
}

func TestTransmitRequiresDocumentWithoutTestMode(t *testing.T) {
	f := newFixture(t, func(c *config.MeFConfig) { c.AllowTestMode = false })
	rec := f.create(t, "r1")

	res := f.svc.Transmit(context.Background(), TransmitRequest{TransmissionID: rec.ID})
	if res.Code != CodeDocumentRequired {
		t.Fatalf("expected DOCUMENT_REQUIRED, got %s", res.Code)
	}
	if res.Transmission.Status != efile.StatusCreated {
		t.Fatalf("status should be unchanged, got %s", res.Transmission.Status)
	}
}

func TestTestModeNeverInProduction(t *testing.T) {
	f := newFixture(t, func(c *config.MeFConfig) {
		c.Environment = config.EnvironmentProduction
		c.AllowTestMode = true
	})
	rec := f.create(t, "r1")

	res := f.svc.Transmit(context.Background(), TransmitRequest{TransmissionID: rec.ID})
	if res.Code != CodeDocumentRequired || res.TestMode {
		t.Fatalf("expected DOCUMENT_REQUIRED in production, got %s (test mode %v)", res.Code, res.TestMode)
	}
}

func TestTransmitRejectsNonCreated(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.create(t, "r1")
	doc := testutil.ValidReturn1040(2025)

	if res := f.svc.Transmit(context.Background(), TransmitRequest{TransmissionID: rec.ID, Document: doc}); !res.Success {
		t.Fatalf("first transmit failed: %+v", res)
	}
	res := f.svc.Transmit(context.Background(), TransmitRequest{TransmissionID: rec.ID, Document: doc})
	if res.Code != CodeInvalidState {
		t.Fatalf("expected INVALID_STATE, got %s", res.Code)
	}
	if got := f.sim.Calls(wire.ServiceSendSubmissions); got != 1 {
		t.Fatalf("expected one send, got %d", got)
	}
}

func TestTransmitNotFound(t *testing.T) {
	f := newFixture(t, nil)
	res := f.svc.Transmit(context.Background(), TransmitRequest{TransmissionID: "missing", Document: testutil.ValidReturn1040(2025)})
	if res.Code != CodeNotFound {
		t.Fatalf("expected NOT_FOUND, got %s", res.Code)
	}
}

func TestConcurrentTransmitSendsOnce(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.create(t, "r1")
	doc := testutil.ValidReturn1040(2025)

	const callers = 8
	results := make([]TransmitResult, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = f.svc.Transmit(context.Background(), TransmitRequest{TransmissionID: rec.ID, Document: doc})
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, res := range results {
		switch {
		case res.Success:
			successes++
		case res.Code == CodeConcurrentTransmission, res.Code == CodeInvalidState:
		default:
			t.Fatalf("unexpected failure: %s %s", res.Code, res.Reason)
		}
	}
	if successes != 1 {
		t.Fatalf("expected exactly one success, got %d", successes)
	}
	if got := f.sim.Calls(wire.ServiceSendSubmissions); got != 1 {
		t.Fatalf("expected one send, got %d", got)
	}
}

func TestSecondTransmissionForSameReturnConflicts(t *testing.T) {
	f := newFixture(t, nil)
	first := f.create(t, "r1")
	second := f.create(t, "r1")
	doc := testutil.ValidReturn1040(2025)

	if res := f.svc.Transmit(context.Background(), TransmitRequest{TransmissionID: first.ID, Document: doc}); !res.Success {
		t.Fatalf("first transmit failed: %+v", res)
	}
	res := f.svc.Transmit(context.Background(), TransmitRequest{TransmissionID: second.ID, Document: doc})
	if res.Code != CodeConcurrentTransmission {
		t.Fatalf("expected CONCURRENT_TRANSMISSION, got %s", res.Code)
	}
	if got := f.sim.Calls(wire.ServiceSendSubmissions); got != 1 {
		t.Fatalf("expected one send, got %d", got)
	}
}

func TestTransmitTransportFailures(t *testing.T) {
	t.Run("transient exhausted", func(t *testing.T) {
		f := newFixture(t, nil)
		rec := f.create(t, "r1")
		f.sim.FailNext(wire.ServiceSendSubmissions, 10, 503)

		res := f.svc.Transmit(context.Background(), TransmitRequest{TransmissionID: rec.ID, Document: testutil.ValidReturn1040(2025)})
		if res.Code != CodeTransportError {
			t.Fatalf("expected TRANSPORT_ERROR, got %s (%s)", res.Code, res.Reason)
		}
		if !strings.Contains(res.Reason, "max retries exceeded") {
			t.Fatalf("unexpected reason %q", res.Reason)
		}
		if res.Transmission.Status != efile.StatusError {
			t.Fatalf("expected error status, got %s", res.Transmission.Status)
		}
	})

	t.Run("permanent", func(t *testing.T) {
		f := newFixture(t, nil)
		rec := f.create(t, "r1")
		f.sim.FailNext(wire.ServiceSendSubmissions, 1, 400)

		res := f.svc.Transmit(context.Background(), TransmitRequest{TransmissionID: rec.ID, Document: testutil.ValidReturn1040(2025)})
		if res.Code != CodeRemoteRejected {
			t.Fatalf("expected REMOTE_REJECTED, got %s", res.Code)
		}
		if got := f.sim.Calls(wire.ServiceSendSubmissions); got != 1 {
			t.Fatalf("permanent failure retried: %d calls", got)
		}
	})

	t.Run("production not approved", func(t *testing.T) {
		f := newFixture(t, func(c *config.MeFConfig) {
			c.Environment = config.EnvironmentProduction
			p := c.Profiles["primary"]
			p.SoftwareDeveloperApproved = false
			c.Profiles["primary"] = p
		})
		rec := f.create(t, "r1")
		doc := testutil.Return1040(testutil.Individual{SSN: "123456789", TaxYear: 2025, FilingStatus: "Single"})

		res := f.svc.Transmit(context.Background(), TransmitRequest{TransmissionID: rec.ID, Document: doc})
		if res.Code != CodeProductionNotApproved {
			t.Fatalf("expected PRODUCTION_NOT_APPROVED, got %s (%s)", res.Code, res.Reason)
		}
		if got := f.sim.Calls(wire.ServiceSendSubmissions); got != 0 {
			t.Fatalf("unapproved production send reached the transport")
		}
	})
}

// flakyStore fails updates that move a transmission to pending.
type flakyStore struct {
	*memory.Store
}

func (s flakyStore) UpdateTransmission(ctx context.Context, t efile.Transmission) (efile.Transmission, error) {
	if t.Status == efile.StatusPending {
		return efile.Transmission{}, errors.New("database unavailable")
	}
	return s.Store.UpdateTransmission(ctx, t)
}

var _ storage.TransmissionStore = flakyStore{}

func TestTransmitPersistenceFailureAfterSend(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.create(t, "r1")
	f.svc.store = flakyStore{f.store}

	res := f.svc.Transmit(context.Background(), TransmitRequest{TransmissionID: rec.ID, Document: testutil.ValidReturn1040(2025)})
	if res.Code != CodePersistenceFailed {
		t.Fatalf("expected PERSISTENCE_FAILED, got %s", res.Code)
	}
	if res.Submission == nil || !mef.ValidSubmissionID(res.Submission.ID) {
		t.Fatalf("submission id must be reported: %+v", res.Submission)
	}
	if !strings.Contains(res.Reason, res.Submission.ID) {
		t.Fatalf("reason should carry the submission id: %q", res.Reason)
	}
	if got := f.sim.Calls(wire.ServiceSendSubmissions); got != 1 {
		t.Fatalf("expected one send, got %d", got)
	}
}

func TestAckReconcilesAfterPersistenceFailure(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.create(t, "r1")
	f.svc.store = flakyStore{f.store}

	res := f.svc.Transmit(context.Background(), TransmitRequest{TransmissionID: rec.ID, Document: testutil.ValidReturn1040(2025)})
	if res.Code != CodePersistenceFailed || res.Submission == nil {
		t.Fatalf("expected PERSISTENCE_FAILED with a submission, got %s", res.Code)
	}

	stuck, err := f.store.GetTransmission(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stuck.Status != efile.StatusTransmitting || stuck.SubmissionID != res.Submission.ID {
		t.Fatalf("claimed record should carry the submission id: status=%s id=%q", stuck.Status, stuck.SubmissionID)
	}
	if stuck.EFIN != testutil.TestEFIN || stuck.Environment != efile.EnvironmentATS {
		t.Fatalf("claimed record missing send details: %+v", stuck)
	}

	if err := f.sim.Resolve(res.Submission.ID, mefsim.Accept("00123456789012")); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	applied, err := f.reconciler().ReconcileNew(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(applied) != 1 {
		t.Fatalf("expected one applied acknowledgment, got %d", len(applied))
	}

	got, err := f.store.GetTransmission(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != efile.StatusAccepted || got.DCN != "00123456789012" {
		t.Fatalf("expected accepted with DCN, got %s %q", got.Status, got.DCN)
	}
}

func TestFailedSendKeepsReservedSubmissionID(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.create(t, "r1")
	f.sim.FailNext(wire.ServiceSendSubmissions, 5, 503)

	res := f.svc.Transmit(context.Background(), TransmitRequest{TransmissionID: rec.ID, Document: testutil.ValidReturn1040(2025)})
	if res.Code != CodeTransportError {
		t.Fatalf("expected TRANSPORT_ERROR, got %s", res.Code)
	}
	if res.Transmission.Status != efile.StatusError || !mef.ValidSubmissionID(res.Transmission.SubmissionID) {
		t.Fatalf("error record should keep the reserved id: status=%s id=%q", res.Transmission.Status, res.Transmission.SubmissionID)
	}
}

func TestComplete(t *testing.T) {
	f := newFixture(t, func(c *config.MeFConfig) { c.AllowTestMode = true })
	created := f.create(t, "r1")

	if _, err := f.svc.Complete(context.Background(), created.ID, "early"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if res := f.svc.Transmit(context.Background(), TransmitRequest{TransmissionID: created.ID}); !res.Success {
		t.Fatalf("test transmit failed: %+v", res)
	}
	done, err := f.svc.Complete(context.Background(), created.ID, "filed")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != efile.StatusCompleted {
		t.Fatalf("expected completed, got %s", done.Status)
	}
}
