package system

import (
	"context"
	"fmt"
	"testing"
)

type recordingService struct {
	name     string
	events   *[]string
	startErr error
	stopErr  error
}

func (s *recordingService) Name() string { return s.name }

func (s *recordingService) Start(context.Context) error {
	*s.events = append(*s.events, "start:"+s.name)
	return s.startErr
}

func (s *recordingService) Stop(context.Context) error {
	*s.events = append(*s.events, "stop:"+s.name)
	return s.stopErr
}

func TestManagerStartStopOrder(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager()
	var events []string
	for _, name := range []string{"a", "b", "c"} {
		if err := mgr.Register(&recordingService{name: name, events: &events}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}

	if err := mgr.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := mgr.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	want := []string{"start:a", "start:b", "start:c", "stop:c", "stop:b", "stop:a"}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events[%d] = %q, want %q", i, events[i], want[i])
		}
	}
}

func TestManagerStartFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager()
	var events []string
	mgr.Register(&recordingService{name: "a", events: &events})
	mgr.Register(&recordingService{name: "b", events: &events, startErr: fmt.Errorf("boom")})
	mgr.Register(&recordingService{name: "c", events: &events})

	if err := mgr.Start(ctx); err == nil {
		t.Fatal("start succeeded despite failing service")
	}

	want := []string{"start:a", "start:b", "stop:a"}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events[%d] = %q, want %q", i, events[i], want[i])
		}
	}

	// A failed start leaves the manager stoppable without side effects.
	if err := mgr.Stop(ctx); err != nil {
		t.Fatalf("stop after failed start: %v", err)
	}
	if len(events) != len(want) {
		t.Fatalf("stop after failed start ran services: %v", events)
	}
}

func TestManagerRegisterRules(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager()
	if err := mgr.Register(NoopService{ServiceName: "dup"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := mgr.Register(NoopService{ServiceName: "dup"}); err == nil {
		t.Fatal("duplicate name accepted")
	}
	if err := mgr.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := mgr.Register(NoopService{ServiceName: "late"}); err == nil {
		t.Fatal("registration accepted after start")
	}
	if err := mgr.Start(ctx); err != nil {
		t.Fatalf("second start should be a no-op, got %v", err)
	}
}

func TestManagerStopCollectsFirstError(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager()
	var events []string
	mgr.Register(&recordingService{name: "a", events: &events})
	mgr.Register(&recordingService{name: "b", events: &events, stopErr: fmt.Errorf("stuck")})
	mgr.Register(&recordingService{name: "c", events: &events})

	if err := mgr.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := mgr.Stop(ctx); err == nil {
		t.Fatal("stop error swallowed")
	}

	// All three still got a stop attempt.
	stops := 0
	for _, ev := range events {
		if ev == "stop:a" || ev == "stop:b" || ev == "stop:c" {
			stops++
		}
	}
	if stops != 3 {
		t.Fatalf("stop attempts = %d, want 3 (events %v)", stops, events)
	}
}
