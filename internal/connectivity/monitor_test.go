package connectivity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func expectFire(t *testing.T, ch <-chan struct{}, want bool) {
	t.Helper()
	select {
	case <-ch:
		if !want {
			t.Fatalf("hook fired unexpectedly")
		}
	case <-time.After(200 * time.Millisecond):
		if want {
			t.Fatalf("hook did not fire")
		}
	}
}

func TestInitialStateFromNetwork(t *testing.T) {
	if !New(Options{Network: true}).IsOnline() {
		t.Fatalf("reachable network should start online")
	}
	if New(Options{Network: false}).IsOnline() {
		t.Fatalf("unreachable network should start offline")
	}
	if New(Options{Network: true, Forced: true}).IsOnline() {
		t.Fatalf("forced offline should win")
	}
	st := New(Options{Network: true}).State()
	if st.Backend != BackendUnknown {
		t.Fatalf("backend should start unknown, got %v", st.Backend)
	}
}

func TestOnlineHooksAreDebounced(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := New(Options{Clock: clock, Debounce: time.Second, Network: false})
	online := make(chan struct{}, 4)
	m.OnOnline(func() { online <- struct{}{} })

	m.SetNetwork(true)
	if !m.IsOnline() {
		t.Fatalf("flag should flip immediately")
	}
	clock.Advance(999 * time.Millisecond)
	expectFire(t, online, false)
	clock.Advance(time.Millisecond)
	expectFire(t, online, true)
}

func TestOfflineCancelsPendingOnline(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := New(Options{Clock: clock, Debounce: time.Second, Network: false})
	online := make(chan struct{}, 4)
	offline := make(chan struct{}, 4)
	m.OnOnline(func() { online <- struct{}{} })
	m.OnOffline(func() { offline <- struct{}{} })

	m.SetNetwork(true)
	clock.Advance(500 * time.Millisecond)
	m.SetNetwork(false)
	expectFire(t, offline, true)
	clock.Advance(2 * time.Second)
	expectFire(t, online, false)
}

func TestFaultStaysOfflineUntilHealthyReport(t *testing.T) {
	m := New(Options{Network: true})
	var offline, online atomic.Int32
	m.OnOffline(func() { offline.Add(1) })
	m.OnOnline(func() { online.Add(1) })

	m.ReportFault(errors.New("write failed"))
	if m.IsOnline() || offline.Load() != 1 {
		t.Fatalf("fault should force offline: online=%v hooks=%d", m.IsOnline(), offline.Load())
	}
	m.SetNetwork(true)
	if m.IsOnline() {
		t.Fatalf("network report must not clear a fault")
	}
	m.SetBackend(true)
	if !m.IsOnline() || online.Load() != 1 {
		t.Fatalf("healthy backend should clear the fault: online=%v hooks=%d", m.IsOnline(), online.Load())
	}
}

func TestBackendDownAndForced(t *testing.T) {
	m := New(Options{Network: true})
	var changes []State
	m.OnChange(func(s State) { changes = append(changes, s) })

	m.SetBackend(true)
	m.SetBackend(false)
	if m.IsOnline() {
		t.Fatalf("backend down should be offline")
	}
	m.SetBackend(true)
	m.SetForced(true)
	if m.IsOnline() {
		t.Fatalf("forced should be offline")
	}
	m.SetForced(false)
	if !m.IsOnline() {
		t.Fatalf("should be back online")
	}
	if len(changes) != 4 {
		t.Fatalf("expected 4 transitions, got %d", len(changes))
	}
}

func TestProberCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if err := NewProber(srv.URL).Check(context.Background()); err != nil {
		t.Fatalf("reachable probe: %v", err)
	}
	if err := NewProber("").Check(context.Background()); err != nil {
		t.Fatalf("blank url should be reachable: %v", err)
	}

	dead := httptest.NewServer(http.NotFoundHandler())
	url := dead.URL
	dead.Close()
	if err := NewProber(url, WithProbeRetry(2), WithProbeTimeout(time.Second)).Check(context.Background()); err == nil {
		t.Fatalf("closed server should be unreachable")
	}
}

func TestBackoff(t *testing.T) {
	cases := map[int]time.Duration{0: 100 * time.Millisecond, 1: 100 * time.Millisecond, 3: 400 * time.Millisecond, 9: 3200 * time.Millisecond}
	for in, want := range cases {
		if got := Backoff(in); got != want {
			t.Fatalf("Backoff(%d)=%v want %v", in, got, want)
		}
	}
}
