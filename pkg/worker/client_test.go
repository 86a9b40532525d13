package worker

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cookieguardian/cookieguardian/pkg/rotation"
	"github.com/cookieguardian/cookieguardian/pkg/worker/protocol"
)

type fakeHandler struct {
	mu        sync.Mutex
	extracts  []protocol.ExtractParams
	extractFn func(*protocol.ExtractParams) (*protocol.ExtractResult, error)
	validFn   func(*protocol.ValidateParams) (*protocol.ValidateResult, error)
}

func (h *fakeHandler) Platforms() []string { return []string{"github"} }

func (h *fakeHandler) Extract(_ context.Context, p *protocol.ExtractParams, emit Emit) (*protocol.ExtractResult, error) {
	h.mu.Lock()
	h.extracts = append(h.extracts, *p)
	h.mu.Unlock()
	emit("info", "logging in as "+p.Credentials.Username)
	return h.extractFn(p)
}

func (h *fakeHandler) Validate(_ context.Context, p *protocol.ValidateParams, _ Emit) (*protocol.ValidateResult, error) {
	return h.validFn(p)
}

// pipeLauncher runs Serve in-process over pipes.
type pipeLauncher struct {
	h        Handler
	mu       sync.Mutex
	launches int
}

func (l *pipeLauncher) Launch(ctx context.Context) (*Process, error) {
	l.mu.Lock()
	l.launches++
	l.mu.Unlock()

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	done := make(chan error, 1)
	go func() {
		err := Serve(context.Background(), inR, outW, l.h, ServeOptions{Name: "test"})
		outW.Close()
		done <- err
	}()
	return &Process{
		Stdin:  inW,
		Stdout: outR,
		Wait:   func() error { return <-done },
		Kill: func() error {
			inR.Close()
			return nil
		},
	}, nil
}

func TestClient_Extract(t *testing.T) {
	exp := time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC)
	h := &fakeHandler{extractFn: func(p *protocol.ExtractParams) (*protocol.ExtractResult, error) {
		return &protocol.ExtractResult{Cookies: []protocol.Cookie{
			{Name: "session", Domain: "github.com", Value: "abc", ExpiresAt: &exp},
		}}, nil
	}}
	l := &pipeLauncher{h: h}
	c := NewClient(l, WithStartupTimeout(time.Second))

	res, err := c.Extract(context.Background(), "github", rotation.Credentials{Username: "u", Password: "p"}, "socks5://127.0.0.1:1080")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if len(res.Cookies) != 1 || res.Cookies[0].Value != "abc" || !res.Cookies[0].ExpiresAt.Equal(exp) {
		t.Errorf("cookies = %+v", res.Cookies)
	}
	if len(h.extracts) != 1 || h.extracts[0].ProxyHandle != "socks5://127.0.0.1:1080" {
		t.Errorf("handler saw %+v", h.extracts)
	}

	// Each call gets its own process.
	if _, err := c.Extract(context.Background(), "github", rotation.Credentials{Username: "u", Password: "p"}, ""); err != nil {
		t.Fatalf("second Extract() error = %v", err)
	}
	if l.launches != 2 {
		t.Errorf("launches = %d, want 2", l.launches)
	}
}

func TestClient_ExtractEmptyResult(t *testing.T) {
	h := &fakeHandler{extractFn: func(*protocol.ExtractParams) (*protocol.ExtractResult, error) {
		return &protocol.ExtractResult{}, nil
	}}
	c := NewClient(&pipeLauncher{h: h})

	_, err := c.Extract(context.Background(), "github", rotation.Credentials{Username: "u", Password: "p"}, "")
	if rotation.ClassOf(err) != rotation.ErrorClassUnclassified {
		t.Errorf("error class = %v, want unclassified (err %v)", rotation.ClassOf(err), err)
	}
}

func TestClient_ErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		werr      *Error
		wantClass rotation.ErrorClass
		check     func(t *testing.T, err error)
	}{
		{
			name:      "two factor",
			werr:      &Error{Code: protocol.CodeTwoFactorRequired, Message: "enter code"},
			wantClass: rotation.ErrorClassTwoFactor,
			check: func(t *testing.T, err error) {
				if !rotation.IsTwoFactor(err) {
					t.Error("IsTwoFactor() = false")
				}
			},
		},
		{
			name:      "rate limited keeps retry hint",
			werr:      &Error{Code: protocol.CodeRateLimited, Message: "slow", Retryable: true, RetryAfter: 90 * time.Second},
			wantClass: rotation.ErrorClassRateLimited,
			check: func(t *testing.T, err error) {
				var re *rotation.RotationError
				if !errors.As(err, &re) || re.RetryAfter != 90*time.Second {
					t.Errorf("RetryAfter = %v, want 90s", re)
				}
			},
		},
		{name: "credentials", werr: &Error{Code: protocol.CodeCredentials, Message: "bad"}, wantClass: rotation.ErrorClassCredential},
		{name: "network", werr: &Error{Code: protocol.CodeNetwork, Message: "reset", Retryable: true}, wantClass: rotation.ErrorClassTransientNetwork},
		{name: "timeout", werr: &Error{Code: protocol.CodeTimeout, Message: "slow"}, wantClass: rotation.ErrorClassTransientNetwork},
		{
			name:      "captcha keeps its code",
			werr:      &Error{Code: protocol.CodeCaptcha, Message: "challenge"},
			wantClass: rotation.ErrorClassUnclassified,
			check: func(t *testing.T, err error) {
				var re *rotation.RotationError
				if !errors.As(err, &re) || re.Code != rotation.ErrCodeCaptcha {
					t.Errorf("code = %+v, want CAPTCHA", re)
				}
			},
		},
		{name: "unknown retryable", werr: &Error{Code: "WEIRD", Message: "x", Retryable: true}, wantClass: rotation.ErrorClassTransientNetwork},
		{name: "unknown", werr: &Error{Code: "WEIRD", Message: "x"}, wantClass: rotation.ErrorClassUnclassified},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &fakeHandler{extractFn: func(*protocol.ExtractParams) (*protocol.ExtractResult, error) {
				return nil, tt.werr
			}}
			c := NewClient(&pipeLauncher{h: h})
			_, err := c.Extract(context.Background(), "github", rotation.Credentials{Username: "u", Password: "p"}, "")
			if err == nil {
				t.Fatal("Extract() succeeded")
			}
			if got := rotation.ClassOf(err); got != tt.wantClass {
				t.Errorf("ClassOf() = %v, want %v (err %v)", got, tt.wantClass, err)
			}
			if tt.check != nil {
				tt.check(t, err)
			}
		})
	}
}

func TestMapError_RedactsMessage(t *testing.T) {
	err := MapError(&protocol.ErrorMessage{Code: protocol.CodeCredentials, Message: "rejected password=hunter2"}, "github")
	if strings.Contains(err.Error(), "hunter2") {
		t.Errorf("error leaks secret: %v", err)
	}
}

func TestClient_Validate(t *testing.T) {
	h := &fakeHandler{validFn: func(p *protocol.ValidateParams) (*protocol.ValidateResult, error) {
		if len(p.Cookies) == 1 && p.Cookies[0].Value == "good" {
			return &protocol.ValidateResult{Valid: true}, nil
		}
		return &protocol.ValidateResult{Valid: false, Reason: "redirected to login"}, nil
	}}
	c := NewClient(&pipeLauncher{h: h})

	ok, err := c.Validate(context.Background(), "github", []rotation.Cookie{{Name: "s", Value: "good"}})
	if err != nil || !ok {
		t.Errorf("Validate(good) = %v, %v", ok, err)
	}
	ok, err = c.Validate(context.Background(), "github", []rotation.Cookie{{Name: "s", Value: "stale"}})
	if err != nil || ok {
		t.Errorf("Validate(stale) = %v, %v", ok, err)
	}
}

type silentLauncher struct{}

func (silentLauncher) Launch(context.Context) (*Process, error) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	return &Process{
		Stdin:  inW,
		Stdout: outR,
		Wait: func() error {
			_, _ = io.Copy(io.Discard, inR)
			outW.Close()
			return nil
		},
	}, nil
}

func TestClient_StartupTimeout(t *testing.T) {
	c := NewClient(silentLauncher{}, WithStartupTimeout(50*time.Millisecond))

	_, err := c.Extract(context.Background(), "github", rotation.Credentials{Username: "u", Password: "p"}, "")
	if !rotation.IsRetryable(err) {
		t.Errorf("startup timeout should be retryable, got %v", err)
	}
}

func TestClient_Probe(t *testing.T) {
	c := NewClient(&pipeLauncher{h: &fakeHandler{}})
	ready, err := c.Probe(context.Background())
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if ready.Version != protocol.Version || ready.Worker != "test" {
		t.Errorf("ready = %+v", ready)
	}
}

func TestCommandLauncher_Environ(t *testing.T) {
	t.Setenv("USER_CREDENTIALS_GITHUB", "secret")
	t.Setenv("GITHUB_TOKEN", "tok")
	t.Setenv("GUARDIAN_KEEP", "yes")

	l := &CommandLauncher{
		Exclude: []string{"USER_CREDENTIALS_*", "GITHUB_TOKEN"},
		Env:     map[string]string{"WORKER_MODE": "headless"},
	}
	env := strings.Join(l.environ(), "\n")
	for _, leaked := range []string{"USER_CREDENTIALS_GITHUB=", "GITHUB_TOKEN="} {
		if strings.Contains(env, leaked) {
			t.Errorf("environment contains %s", leaked)
		}
	}
	for _, kept := range []string{"GUARDIAN_KEEP=yes", "WORKER_MODE=headless"} {
		if !strings.Contains(env, kept) {
			t.Errorf("environment missing %s", kept)
		}
	}
}

func TestTimeoutSeconds(t *testing.T) {
	if got := timeoutSeconds(context.Background()); got != 120 {
		t.Errorf("no deadline = %d, want 120", got)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if got := timeoutSeconds(ctx); got < 9 || got > 10 {
		t.Errorf("10s deadline = %d", got)
	}
}
