package egress

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
)

type scriptedRunner struct {
	mu       sync.Mutex
	calls    []string
	failures map[string]int
	statuses []string
}

func (r *scriptedRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	arg := strings.Join(args, " ")
	r.calls = append(r.calls, arg)

	if arg == "status" {
		if len(r.statuses) == 0 {
			return []byte("Status update: Disconnected\n"), nil
		}
		out := r.statuses[0]
		if len(r.statuses) > 1 {
			r.statuses = r.statuses[1:]
		}
		return []byte(out), nil
	}

	if r.failures[arg] > 0 {
		r.failures[arg]--
		return []byte("Error: daemon busy\n"), errors.New("exit status 1")
	}
	return []byte("Success\n"), nil
}

func (r *scriptedRunner) count(arg string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == arg {
			n++
		}
	}
	return n
}

func newTestRotator(r Runner, timeout time.Duration) *WarpRotator {
	return NewWarpRotator("warp-cli", timeout,
		WithRunner(r),
		WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
		WithPolling(time.Millisecond, 0),
	)
}

func TestParseStatus(t *testing.T) {
	tests := []struct {
		name      string
		out       string
		connected bool
		ip        string
	}{
		{name: "connected", out: "Status update: Connected\nNetwork: healthy\n", connected: true},
		{name: "disconnected", out: "Status update: Disconnected\nReason: Manual Disconnection\n", connected: false},
		{name: "connecting", out: "Status update: Connecting\n", connected: false},
		{name: "with ip", out: "Status update: Connected\nPublic IP: 104.28.1.7\n", connected: true, ip: "104.28.1.7"},
		{name: "empty", out: "", connected: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := ParseStatus(tt.out)
			if st.Connected != tt.connected {
				t.Errorf("Connected = %v, want %v", st.Connected, tt.connected)
			}
			if st.IP != tt.ip {
				t.Errorf("IP = %q, want %q", st.IP, tt.ip)
			}
		})
	}
}

func TestWarpRotator_Rotate(t *testing.T) {
	r := &scriptedRunner{
		statuses: []string{
			"Status update: Connecting\n",
			"Status update: Connected\nPublic IP: 10.0.0.9\n",
		},
	}
	w := newTestRotator(r, time.Second)

	id, err := w.Rotate(context.Background())
	if err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}
	if id != "10.0.0.9" {
		t.Errorf("identifier = %q, want 10.0.0.9", id)
	}
	if r.calls[0] != "disconnect" || r.calls[1] != "connect" {
		t.Errorf("call order = %v, want disconnect then connect", r.calls)
	}
}

func TestWarpRotator_RetriesCommands(t *testing.T) {
	r := &scriptedRunner{
		failures: map[string]int{"disconnect": 2},
		statuses: []string{"Status update: Connected\n"},
	}
	w := newTestRotator(r, time.Second)

	id, err := w.Rotate(context.Background())
	if err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}
	if id != "connected" {
		t.Errorf("identifier = %q, want connected", id)
	}
	if got := r.count("disconnect"); got != 3 {
		t.Errorf("disconnect calls = %d, want 3", got)
	}
}

func TestWarpRotator_GivesUp(t *testing.T) {
	tests := []struct {
		name     string
		runner   *scriptedRunner
		wantArg  string
		wantRuns int
	}{
		{
			name:     "disconnect keeps failing",
			runner:   &scriptedRunner{failures: map[string]int{"disconnect": 10}},
			wantArg:  "disconnect",
			wantRuns: 3,
		},
		{
			name:     "tunnel never comes up",
			runner:   &scriptedRunner{},
			wantArg:  "connect",
			wantRuns: 3,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newTestRotator(tt.runner, 20*time.Millisecond)
			if _, err := w.Rotate(context.Background()); err == nil {
				t.Fatal("expected error")
			}
			if got := tt.runner.count(tt.wantArg); got != tt.wantRuns {
				t.Errorf("%s calls = %d, want %d", tt.wantArg, got, tt.wantRuns)
			}
		})
	}
}

func TestWarpRotator_CurrentIdentifierDisconnected(t *testing.T) {
	w := newTestRotator(&scriptedRunner{}, time.Second)
	if _, err := w.CurrentIdentifier(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("error = %v, want ErrNotConnected", err)
	}
}
