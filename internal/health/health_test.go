package health

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestOverallRollup(t *testing.T) {
	tests := []struct {
		name   string
		checks map[string]Status
		want   Status
	}{
		{"no checks", nil, Unknown},
		{"all healthy", map[string]Status{"install": Healthy, "feed": Healthy}, Healthy},
		{"degraded lock", map[string]Status{"install": Healthy, "lock": Degraded, "feed": Healthy}, Degraded},
		{"unhealthy beats degraded", map[string]Status{"lock": Degraded, "feed": Unhealthy}, Unhealthy},
		{"unknown is worst", map[string]Status{"feed": Unhealthy, "service": Unknown}, Unknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMonitor()
			for name, s := range tt.checks {
				m.Update(name, s, "")
			}
			if got := m.Overall(); got != tt.want {
				t.Fatalf("Overall() = %q, want %q", got, tt.want)
			}
			if got := m.Summary()["status"]; got != string(tt.want) {
				t.Fatalf("Summary status = %v, want %q", got, tt.want)
			}
		})
	}
}

func TestStatusValidity(t *testing.T) {
	for _, s := range []Status{Healthy, Degraded, Unhealthy, Unknown} {
		if !s.IsValid() {
			t.Errorf("IsValid(%q) = false", s)
		}
	}
	for _, s := range []Status{"", "ok", "green"} {
		if s.IsValid() {
			t.Errorf("IsValid(%q) = true", s)
		}
	}

	m := NewMonitor()
	m.Update("journal", Status("green"), "")
	if c, ok := m.Get("journal"); !ok || c.Status != Unhealthy {
		t.Fatalf("invalid status recorded as %+v, %v; want Unhealthy", c, ok)
	}
	if _, ok := m.Get("audit"); ok {
		t.Fatal("Get returned a check that was never recorded")
	}
}

func TestSummaryMatchesComponentsUnderConcurrency(t *testing.T) {
	m := NewMonitor()
	m.Update("install", Healthy, "")

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				m.Update("install", Degraded, "pending version staged")
			} else {
				m.Update("install", Healthy, "")
			}
		}(i)
		go func() {
			defer wg.Done()
			s := m.Summary()
			components, _ := s["components"].(map[string]string)
			if s["status"] != components["install"] {
				t.Errorf("summary inconsistent: overall=%v install=%q", s["status"], components["install"])
			}
		}()
	}
	wg.Wait()
}

func TestRunRecordsProbeResults(t *testing.T) {
	m := NewMonitor()
	m.Run(context.Background(), time.Second,
		Probe{Name: "source", Check: func(context.Context) (Status, string) { return Healthy, "feed reachable" }},
		Probe{Name: "lock", Check: func(context.Context) (Status, string) { return Degraded, "held by pid 42" }},
	)
	if got := m.Overall(); got != Degraded {
		t.Fatalf("Overall() = %q, want %q", got, Degraded)
	}
	c, ok := m.Get("source")
	if !ok || c.Message != "feed reachable" || c.UpdatedAt.IsZero() {
		t.Fatalf("source check = %+v, %v", c, ok)
	}
	all := m.All()
	if len(all) != 2 || all[0].Name != "lock" || all[1].Name != "source" {
		t.Fatalf("All() not sorted by name: %+v", all)
	}
}

func TestRunTimesOutSlowProbe(t *testing.T) {
	m := NewMonitor()
	release := make(chan struct{})
	defer close(release)
	start := time.Now()
	m.Run(context.Background(), 50*time.Millisecond,
		Probe{Name: "feed", Check: func(context.Context) (Status, string) {
			<-release
			return Healthy, ""
		}},
	)
	if time.Since(start) > 2*time.Second {
		t.Fatal("Run did not honor the probe timeout")
	}
	if c, _ := m.Get("feed"); c.Status != Unknown {
		t.Fatalf("slow probe status = %q, want %q", c.Status, Unknown)
	}
}
