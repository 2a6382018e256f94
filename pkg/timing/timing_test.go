package timing

import (
	"testing"
	"time"
)

func TestGetMetricsOnlyMarkedPhases(t *testing.T) {
	timer := NewTimer()
	timer.StartDNS()
	time.Sleep(time.Millisecond)
	timer.EndDNS()

	m := timer.GetMetrics()
	if m.DNSLookup <= 0 {
		t.Fatalf("expected a positive DNS duration")
	}
	if m.TCPConnect != 0 {
		t.Fatalf("expected TCPConnect to be zero when never started")
	}
	if m.TotalTime <= 0 {
		t.Fatalf("expected a positive total time")
	}
}

func TestGetConnectionTime(t *testing.T) {
	m := Metrics{DNSLookup: time.Millisecond, TCPConnect: 2 * time.Millisecond, TLSHandshake: 3 * time.Millisecond}
	if got, want := m.GetConnectionTime(), 6*time.Millisecond; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestGetNetworkTime(t *testing.T) {
	m := Metrics{TotalTime: 10 * time.Millisecond, TTFB: 4 * time.Millisecond}
	if got, want := m.GetNetworkTime(), 6*time.Millisecond; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
}
