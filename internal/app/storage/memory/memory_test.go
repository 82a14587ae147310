package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/RossTaxPrep/efile_layer/internal/app/domain/efile"
	"github.com/RossTaxPrep/efile_layer/internal/app/storage"
)

func TestTransmissionLifecycle(t *testing.T) {
	store := New()
	ctx := context.Background()

	created, err := store.CreateTransmission(ctx, efile.Transmission{ReturnID: "r1", ClientID: "c1", Method: efile.MethodERO})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == "" || created.Status != efile.StatusCreated || created.Version != 1 {
		t.Fatalf("unexpected created record: %+v", created)
	}

	created.Status = efile.StatusTransmitting
	moved, err := store.UpdateTransmission(ctx, created)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if moved.Version != 2 {
		t.Fatalf("expected version 2, got %d", moved.Version)
	}
	if moved.UpdatedAt.Before(created.UpdatedAt) {
		t.Fatalf("updated_at went backwards")
	}

	moved.Status = efile.StatusPending
	moved.SubmissionID = "12345620250010abcdefg"
	moved.EFIN = "123456"
	pending, err := store.UpdateTransmission(ctx, moved)
	if err != nil {
		t.Fatalf("update pending: %v", err)
	}

	bySub, err := store.GetTransmissionBySubmissionID(ctx, pending.SubmissionID)
	if err != nil {
		t.Fatalf("get by submission: %v", err)
	}
	if bySub.ID != created.ID {
		t.Fatalf("lookup returned %s, want %s", bySub.ID, created.ID)
	}

	listed, err := store.ListTransmissions(ctx, efile.ListFilter{Status: efile.StatusPending})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("expected 1 pending, got %d", len(listed))
	}
}

func TestUpdateRejectsStaleVersion(t *testing.T) {
	store := New()
	ctx := context.Background()

	created, _ := store.CreateTransmission(ctx, efile.Transmission{ReturnID: "r1"})
	first := created
	first.Status = efile.StatusTransmitting
	if _, err := store.UpdateTransmission(ctx, first); err != nil {
		t.Fatalf("first update: %v", err)
	}

	second := created
	second.Status = efile.StatusError
	_, err := store.UpdateTransmission(ctx, second)
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestUpdateKeepsWriteOnceFields(t *testing.T) {
	store := New()
	ctx := context.Background()

	rec, _ := store.CreateTransmission(ctx, efile.Transmission{ReturnID: "r1"})
	rec.Status = efile.StatusTransmitting
	rec, _ = store.UpdateTransmission(ctx, rec)
	rec.Status = efile.StatusPending
	rec.SubmissionID = "sub-1"
	rec.Environment = efile.EnvironmentATS
	rec, _ = store.UpdateTransmission(ctx, rec)

	rec.SubmissionID = ""
	rec.Environment = efile.EnvironmentProduction
	got, err := store.UpdateTransmission(ctx, rec)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.SubmissionID != "sub-1" || got.Environment != efile.EnvironmentATS {
		t.Fatalf("write-once fields changed: %+v", got)
	}
}

func TestOneLiveTransmissionPerReturn(t *testing.T) {
	store := New()
	ctx := context.Background()

	a, _ := store.CreateTransmission(ctx, efile.Transmission{ReturnID: "r1"})
	b, _ := store.CreateTransmission(ctx, efile.Transmission{ReturnID: "r1"})

	a.Status = efile.StatusTransmitting
	if _, err := store.UpdateTransmission(ctx, a); err != nil {
		t.Fatalf("first transmit: %v", err)
	}
	b.Status = efile.StatusTransmitting
	if _, err := store.UpdateTransmission(ctx, b); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict for second live transmission, got %v", err)
	}
}

func TestGetMissing(t *testing.T) {
	store := New()
	if _, err := store.GetTransmission(context.Background(), "nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := store.GetTransmissionBySubmissionID(context.Background(), "nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRecordAcknowledgmentDeduplicates(t *testing.T) {
	store := New()
	ctx := context.Background()
	rec := efile.AckRecord{SubmissionID: "sub-1", Status: "Accepted", DCN: "dcn", ReceivedAt: time.Now()}

	inserted, err := store.RecordAcknowledgment(ctx, rec)
	if err != nil || !inserted {
		t.Fatalf("first record: %v %v", inserted, err)
	}
	inserted, err = store.RecordAcknowledgment(ctx, rec)
	if err != nil || inserted {
		t.Fatalf("duplicate should be ignored: %v %v", inserted, err)
	}

	list, _ := store.ListAcknowledgments(ctx, "sub-1")
	if len(list) != 1 {
		t.Fatalf("expected 1 record, got %d", len(list))
	}
}
