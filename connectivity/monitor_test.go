package connectivity

import "testing"

func TestTransitions(t *testing.T) {
	m := NewMonitor(true)

	if !m.IsOnline() {
		t.Fatal("expected monitor to start online")
	}

	var edges []bool
	m.OnChange(func(s Snapshot) { edges = append(edges, s.IsOnline) })

	m.SetOnline(false)
	m.SetOnline(false) // redundant, must not fire
	m.SetOnline(true)

	if len(edges) != 2 || edges[0] != false || edges[1] != true {
		t.Fatalf("expected edges [false true], got %v", edges)
	}
}

func TestLastOnlineAtSurvivesGoingOffline(t *testing.T) {
	m := NewMonitor(true)
	up := m.Snapshot().LastOnlineAt
	if up.IsZero() {
		t.Fatal("expected LastOnlineAt to be set while online")
	}

	m.SetOnline(false)
	snap := m.Snapshot()
	if snap.IsOnline {
		t.Fatal("expected offline")
	}
	if !snap.LastOnlineAt.Equal(up) {
		t.Fatal("going offline must not clear LastOnlineAt")
	}
}

func TestOnChangeCancel(t *testing.T) {
	m := NewMonitor(true)

	fired := 0
	cancel := m.OnChange(func(Snapshot) { fired++ })
	cancel()

	m.SetOnline(false)
	if fired != 0 {
		t.Fatalf("cancelled handler fired %d times", fired)
	}
}

func TestNeverOnline(t *testing.T) {
	m := NewMonitor(false)
	if !m.Snapshot().LastOnlineAt.IsZero() {
		t.Fatal("expected zero LastOnlineAt for a monitor that was never online")
	}
}
