package system

import (
	"context"
	"errors"
	"testing"
)

type recordingService struct {
	name      string
	startErr  error
	starts    *[]string
	stops     *[]string
}

func (s recordingService) Name() string { return s.name }

func (s recordingService) Start(ctx context.Context) error {
	if s.startErr != nil {
		return s.startErr
	}
	*s.starts = append(*s.starts, s.name)
	return nil
}

func (s recordingService) Stop(ctx context.Context) error {
	*s.stops = append(*s.stops, s.name)
	return nil
}

func Test_ManagerStartsInOrderAndStopsInReverse(t *testing.T) {
	var starts, stops []string
	m := NewManager()
	m.Register(recordingService{name: "a", starts: &starts, stops: &stops})
	m.Register(recordingService{name: "b", starts: &starts, stops: &stops})
	m.Register(recordingService{name: "c", starts: &starts, stops: &stops})

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := []string{"a", "b", "c"}; !equal(starts, got) {
		t.Fatalf("expected start order %v, got %v", got, starts)
	}

	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := []string{"c", "b", "a"}; !equal(stops, got) {
		t.Fatalf("expected stop order %v, got %v", got, stops)
	}
}

func Test_ManagerStartRollsBackOnFailure(t *testing.T) {
	var starts, stops []string
	m := NewManager()
	m.Register(recordingService{name: "a", starts: &starts, stops: &stops})
	m.Register(recordingService{name: "b", startErr: errors.New("boom"), starts: &starts, stops: &stops})
	m.Register(recordingService{name: "c", starts: &starts, stops: &stops})

	err := m.Start(context.Background())
	if err == nil {
		t.Fatalf("expected start error")
	}
	if got := []string{"a"}; !equal(starts, got) {
		t.Fatalf("expected only a to have started, got %v", starts)
	}
	if got := []string{"a"}; !equal(stops, got) {
		t.Fatalf("expected already-started service a to be rolled back, got %v", stops)
	}
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
