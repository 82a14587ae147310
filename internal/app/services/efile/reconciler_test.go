package efile

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/RossTaxPrep/efile_layer/internal/app/domain/efile"
	"github.com/RossTaxPrep/efile_layer/internal/app/storage/memory"
	"github.com/RossTaxPrep/efile_layer/internal/config"
	"github.com/RossTaxPrep/efile_layer/internal/mef"
	"github.com/RossTaxPrep/efile_layer/internal/mef/mefsim"
	"github.com/RossTaxPrep/efile_layer/internal/mef/wire"
	"github.com/RossTaxPrep/efile_layer/pkg/logger"
	"github.com/RossTaxPrep/efile_layer/pkg/testutil"
)

// transmitPending sends a valid return and returns the pending record.
func (f *fixture) transmitPending(t *testing.T, returnID string) efile.Transmission {
	t.Helper()
	rec := f.create(t, returnID)
	res := f.svc.Transmit(context.Background(), TransmitRequest{TransmissionID: rec.ID, Document: testutil.ValidReturn1040(2025)})
	require.True(t, res.Success, "transmit: %s %s", res.Code, res.Reason)
	return res.Transmission
}

func (f *fixture) reconciler() *Reconciler {
	return NewReconciler(f.store, f.store, f.client, logger.Discard())
}

func TestReconcileNewAppliesAcceptance(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.transmitPending(t, "r1")
	require.NoError(t, f.sim.Resolve(rec.SubmissionID, mefsim.Accept("00123456789012")))

	r := f.reconciler()
	applied, err := r.ReconcileNew(context.Background())
	require.NoError(t, err)
	require.Len(t, applied, 1)

	got, err := f.store.GetTransmission(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, efile.StatusAccepted, got.Status)
	assert.Equal(t, efile.AckCodeAccepted, got.AckCode)
	assert.Equal(t, ackMessageAccepted, got.AckMessage)
	assert.Equal(t, "00123456789012", got.DCN)

	audit, err := f.store.ListAcknowledgments(context.Background(), rec.SubmissionID)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, rec.ID, audit[0].TransmissionID)

	applied, err = r.ReconcileNew(context.Background())
	require.NoError(t, err)
	assert.Empty(t, applied, "acknowledgment delivered twice")
}

func TestReconcileAppliesRejectionReason(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.transmitPending(t, "r1")
	require.NoError(t, f.sim.Resolve(rec.SubmissionID, mefsim.Reject(wire.ValidationError{
		RuleNum:  "IND-031-04",
		Severity: "Reject and Stop",
		Message:  "Primary SSN and name control do not match",
	})))

	_, err := f.reconciler().ReconcileNew(context.Background())
	require.NoError(t, err)

	got, err := f.store.GetTransmission(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, efile.StatusRejected, got.Status)
	assert.Equal(t, "IND-031-04", got.AckCode)
	assert.Equal(t, "Primary SSN and name control do not match", got.AckMessage)

	audit, err := f.store.ListAcknowledgments(context.Background(), rec.SubmissionID)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	require.Len(t, audit[0].Errors, 1)
	assert.Equal(t, "IND-031-04", audit[0].Errors[0].Code)
}

func TestRejectionWithoutRuleKeepsGenericCode(t *testing.T) {
	rec := efile.Transmission{Status: efile.StatusPending}
	next, outcome := resolve(rec, mef.Acknowledgment{Status: mef.StatusRejected})
	assert.Equal(t, outcomeApplied, outcome)
	assert.Equal(t, efile.AckCodeRejected, next.AckCode)
	assert.Equal(t, ackMessageRejected, next.AckMessage)
}

func TestSharedPassOutlivesCancelledCaller(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.transmitPending(t, "r1")
	require.NoError(t, f.sim.Resolve(rec.SubmissionID, mefsim.Accept("00123456789012")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _ = f.reconciler().ReconcileNew(ctx)

	require.Eventually(t, func() bool {
		got, err := f.store.GetTransmission(context.Background(), rec.ID)
		return err == nil && got.Status == efile.StatusAccepted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestApplyIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.transmitPending(t, "r1")
	r := f.reconciler()
	ack := mef.Acknowledgment{SubmissionID: rec.SubmissionID, Status: mef.StatusAccepted, DCN: "00000000000042"}

	first, err := r.apply(context.Background(), ack)
	require.NoError(t, err)
	assert.Equal(t, outcomeApplied, first)
	after, err := f.store.GetTransmission(context.Background(), rec.ID)
	require.NoError(t, err)

	second, err := r.apply(context.Background(), ack)
	require.NoError(t, err)
	assert.Equal(t, outcomeRefreshed, second)
	again, err := f.store.GetTransmission(context.Background(), rec.ID)
	require.NoError(t, err)

	assert.Equal(t, after.Status, again.Status)
	assert.Equal(t, after.AckCode, again.AckCode)
	assert.Equal(t, after.AckMessage, again.AckMessage)
	assert.Equal(t, after.DCN, again.DCN)

	audit, err := f.store.ListAcknowledgments(context.Background(), rec.SubmissionID)
	require.NoError(t, err)
	assert.Len(t, audit, 1)
}

func TestConflictingVerdictIgnored(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.transmitPending(t, "r1")
	r := f.reconciler()

	require.NoError(t, f.sim.Resolve(rec.SubmissionID, mefsim.Accept("")))
	_, err := r.ReconcileNew(context.Background())
	require.NoError(t, err)

	require.NoError(t, f.sim.Resolve(rec.SubmissionID, mefsim.Reject(wire.ValidationError{RuleNum: "R0000-500", Message: "late reject"})))
	applied, err := r.ReconcileNew(context.Background())
	require.NoError(t, err)
	assert.Empty(t, applied)

	got, err := f.store.GetTransmission(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, efile.StatusAccepted, got.Status)
	assert.Equal(t, ackMessageAccepted, got.AckMessage)
}

func TestAcceptanceOnCompletedRefreshesOnly(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.transmitPending(t, "r1")
	r := f.reconciler()
	ack := mef.Acknowledgment{SubmissionID: rec.SubmissionID, Status: mef.StatusAccepted, DCN: "00000000000007"}

	_, err := r.apply(context.Background(), ack)
	require.NoError(t, err)
	_, err = f.svc.Complete(context.Background(), rec.ID, "done")
	require.NoError(t, err)

	outcome, err := r.apply(context.Background(), ack)
	require.NoError(t, err)
	assert.Equal(t, outcomeRefreshed, outcome)

	got, err := f.store.GetTransmission(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, efile.StatusCompleted, got.Status)
}

func TestUnknownSubmissionSkipped(t *testing.T) {
	f := newFixture(t, nil)
	outcome, err := f.reconciler().apply(context.Background(), mef.Acknowledgment{SubmissionID: "1234562025001abcdefg", Status: mef.StatusAccepted})
	require.NoError(t, err)
	assert.Equal(t, outcomeUnknown, outcome)
}

// failOnceStore fails the first acceptance write for one transmission.
type failOnceStore struct {
	*memory.Store
	id     string
	failed atomic.Bool
}

func (s *failOnceStore) UpdateTransmission(ctx context.Context, t efile.Transmission) (efile.Transmission, error) {
	if t.ID == s.id && t.Status == efile.StatusAccepted && s.failed.CompareAndSwap(false, true) {
		return efile.Transmission{}, errors.New("write timeout")
	}
	return s.Store.UpdateTransmission(ctx, t)
}

func TestPartialFailureDefersAndRecovers(t *testing.T) {
	f := newFixture(t, nil)
	ok := f.transmitPending(t, "r1")
	bad := f.transmitPending(t, "r2")
	require.NoError(t, f.sim.Resolve(ok.SubmissionID, mefsim.Accept("")))
	require.NoError(t, f.sim.Resolve(bad.SubmissionID, mefsim.Accept("")))

	r := NewReconciler(&failOnceStore{Store: f.store, id: bad.ID}, f.store, f.client, logger.Discard())

	applied, err := r.ReconcileNew(context.Background())
	require.NoError(t, err)
	assert.Len(t, applied, 1)
	assert.Equal(t, []string{bad.SubmissionID}, r.Deferred())

	got, err := f.store.GetTransmission(context.Background(), ok.ID)
	require.NoError(t, err)
	assert.Equal(t, efile.StatusAccepted, got.Status)
	got, err = f.store.GetTransmission(context.Background(), bad.ID)
	require.NoError(t, err)
	assert.Equal(t, efile.StatusPending, got.Status)

	applied, err = r.ReconcileNew(context.Background())
	require.NoError(t, err)
	assert.Len(t, applied, 1)
	assert.Empty(t, r.Deferred())
	assert.Equal(t, 1, f.sim.Calls(wire.ServiceGetAcks))

	got, err = f.store.GetTransmission(context.Background(), bad.ID)
	require.NoError(t, err)
	assert.Equal(t, efile.StatusAccepted, got.Status)
}

func TestReconcileOne(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.transmitPending(t, "r1")
	r := f.reconciler()

	status, err := r.ReconcileOne(context.Background(), rec.SubmissionID)
	require.NoError(t, err)
	assert.Equal(t, mef.StatusReceived, status)

	require.NoError(t, f.sim.MarkProcessing(rec.SubmissionID))
	status, err = r.ReconcileOne(context.Background(), rec.SubmissionID)
	require.NoError(t, err)
	assert.Equal(t, mef.StatusProcessing, status)

	require.NoError(t, f.sim.Resolve(rec.SubmissionID, mefsim.Accept("")))
	status, err = r.ReconcileOne(context.Background(), rec.SubmissionID)
	require.NoError(t, err)
	assert.Equal(t, mef.StatusAccepted, status)

	got, err := f.store.GetTransmission(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, efile.StatusAccepted, got.Status)
	assert.NotEmpty(t, got.DCN)
}

func TestReconcilePendingSweep(t *testing.T) {
	f := newFixture(t, func(c *config.MeFConfig) { c.AllowTestMode = true })
	resolved := f.transmitPending(t, "r1")
	waiting := f.transmitPending(t, "r2")
	test := f.create(t, "r3")
	require.True(t, f.svc.Transmit(context.Background(), TransmitRequest{TransmissionID: test.ID}).Success)
	require.NoError(t, f.sim.Resolve(resolved.SubmissionID, mefsim.Accept("")))

	r := f.reconciler()
	r.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }

	summary, err := r.ReconcilePending(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, PendingSummary{Checked: 2, Resolved: 1, Failed: 0}, summary)

	got, err := f.store.GetTransmission(context.Background(), resolved.ID)
	require.NoError(t, err)
	assert.Equal(t, efile.StatusAccepted, got.Status)
	got, err = f.store.GetTransmission(context.Background(), waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, efile.StatusPending, got.Status)
}

func TestReconcilePendingSkipsFreshRecords(t *testing.T) {
	f := newFixture(t, nil)
	f.transmitPending(t, "r1")

	summary, err := f.reconciler().ReconcilePending(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Zero(t, summary.Checked)
	assert.Zero(t, f.sim.Calls(wire.ServiceGetSubmissionStatus))
}

func TestPollerLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, nil)
	rec := f.transmitPending(t, "r1")
	require.NoError(t, f.sim.Resolve(rec.SubmissionID, mefsim.Accept("")))

	p := NewPoller(f.reconciler(), config.ReconcileConfig{Schedule: "@every 1h"}, logger.Discard())
	assert.Equal(t, "efile-reconciler", p.Name())
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Start(context.Background()))

	p.RunOnce(context.Background())
	got, err := f.store.GetTransmission(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, efile.StatusAccepted, got.Status)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx))
	require.NoError(t, p.Stop(ctx))
}

func TestPollerRejectsBadSchedule(t *testing.T) {
	p := NewPoller(NewReconciler(memory.New(), nil, nil, logger.Discard()), config.ReconcileConfig{Schedule: "every tuesday"}, logger.Discard())
	require.Error(t, p.Start(context.Background()))
}
