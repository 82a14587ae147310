package system

import (
	"context"
	"errors"
	"testing"
)

type recordingService struct {
	name     string
	startErr error
	events   *[]string
}

func (r recordingService) Name() string { return r.name }

func (r recordingService) Start(context.Context) error {
	if r.startErr != nil {
		return r.startErr
	}
	*r.events = append(*r.events, "start "+r.name)
	return nil
}

func (r recordingService) Stop(context.Context) error {
	*r.events = append(*r.events, "stop "+r.name)
	return nil
}

func TestManagerOrdersLifecycle(t *testing.T) {
	var events []string
	m := NewManager()
	for _, name := range []string{"a", "b"} {
		if err := m.Register(recordingService{name: name, events: &events}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	want := []string{"start a", "start b", "stop b", "stop a"}
	if len(events) != len(want) {
		t.Fatalf("events = %v", events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events = %v, want %v", events, want)
		}
	}
}

func TestManagerRejectsDuplicates(t *testing.T) {
	m := NewManager()
	if err := m.Register(NoopService{ServiceName: "x"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.Register(NoopService{ServiceName: "x"}); err == nil {
		t.Fatalf("expected duplicate error")
	}
	if err := m.Register(NoopService{}); err == nil {
		t.Fatalf("expected error for unnamed service")
	}
}

func TestManagerRollsBackOnStartFailure(t *testing.T) {
	var events []string
	m := NewManager()
	_ = m.Register(recordingService{name: "a", events: &events})
	_ = m.Register(recordingService{name: "b", events: &events, startErr: errors.New("boom")})

	if err := m.Start(context.Background()); err == nil {
		t.Fatalf("expected start error")
	}
	if len(events) != 2 || events[1] != "stop a" {
		t.Fatalf("events = %v", events)
	}
}
