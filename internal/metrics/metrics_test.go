package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bardlex/powgate/pkg/circuit"
	"github.com/bardlex/powgate/pkg/log"
)

// gathered returns the value of the first sample of name whose labels contain want
func gathered(t *testing.T, name string, want map[string]string) (float64, bool) {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metric:
		for _, m := range mf.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if labels[k] != v {
					continue metric
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue(), true
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue(), true
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount()), true
			}
		}
	}
	return 0, false
}

func TestCounters(t *testing.T) {
	before, _ := gathered(t, "powgate_verdicts_total", map[string]string{"verdict": "accepted"})
	VerdictSent("accepted")
	VerdictSent("accepted")
	after, ok := gathered(t, "powgate_verdicts_total", map[string]string{"verdict": "accepted"})
	if !ok {
		t.Fatal("Expected powgate_verdicts_total to be registered")
	}
	if after-before != 2 {
		t.Errorf("Expected +2 accepted verdicts, got %v", after-before)
	}

	ChallengeIssued(17)
	if v, ok := gathered(t, "powgate_challenges_issued_total", map[string]string{"difficulty": "17"}); !ok || v < 1 {
		t.Errorf("Expected difficulty=17 challenge counted, got %v (found=%v)", v, ok)
	}
}

func TestSessionGauge(t *testing.T) {
	before, _ := gathered(t, "powgate_sessions_active", nil)
	SessionStarted()
	mid, _ := gathered(t, "powgate_sessions_active", nil)
	SessionEnded("accepted", 20*time.Millisecond)
	after, _ := gathered(t, "powgate_sessions_active", nil)

	if mid-before != 1 {
		t.Errorf("Expected gauge +1 while active, got %v", mid-before)
	}
	if after != before {
		t.Errorf("Expected gauge back to %v, got %v", before, after)
	}
	if n, ok := gathered(t, "powgate_session_duration_seconds", map[string]string{"outcome": "accepted"}); !ok || n < 1 {
		t.Errorf("Expected a duration sample, got %v", n)
	}
}

func TestBreakerStateChanged(t *testing.T) {
	BreakerStateChanged("redis", circuit.StateClosed, circuit.StateOpen)
	if v, _ := gathered(t, "powgate_breaker_state", map[string]string{"breaker": "redis"}); v != float64(circuit.StateOpen) {
		t.Errorf("Expected state %d, got %v", circuit.StateOpen, v)
	}
}

func TestServe(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	addr := l.Addr().String()
	_ = l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, addr, log.Nop()) }()

	AcceptError()

	var body string
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err != nil {
			time.Sleep(20 * time.Millisecond)
			continue
		}
		b, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		body = string(b)
		break
	}

	if !strings.Contains(body, "powgate_accept_errors_total") {
		t.Errorf("Expected metrics body to contain powgate_accept_errors_total")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
