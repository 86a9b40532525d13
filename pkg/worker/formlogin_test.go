package worker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cookieguardian/cookieguardian/pkg/worker/protocol"
)

// fakeSite serves a login form on /login and an authenticated page on /home.
type fakeSite struct {
	mu       sync.Mutex
	posts    int
	response func(w http.ResponseWriter, r *http.Request)
}

func (s *fakeSite) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			http.SetCookie(w, &http.Cookie{Name: "csrf", Value: "t0k", Path: "/"})
			w.Write([]byte(`<form method="post"></form>`))
			return
		}
		s.mu.Lock()
		s.posts++
		s.mu.Unlock()
		if c, err := r.Cookie("csrf"); err != nil || c.Value != "t0k" {
			http.Error(w, "missing csrf", http.StatusForbidden)
			return
		}
		_ = r.ParseForm()
		if r.Form.Get("login") != "alice" || r.Form.Get("pw") != "secret" {
			w.Write([]byte("Incorrect username or password."))
			return
		}
		s.response(w, r)
	})
	mux.HandleFunc("/home", func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("user_session"); err == nil && c.Value == "sess-1" {
			w.Write([]byte("dashboard"))
			return
		}
		http.Redirect(w, r, "/login", http.StatusFound)
	})
	return mux
}

func newTestFormLogin(srv *httptest.Server) *FormLogin {
	return NewFormLogin([]Site{{
		Platform:         "GitHub",
		LoginURL:         srv.URL + "/login",
		UsernameField:    "login",
		PasswordField:    "pw",
		CheckURL:         srv.URL + "/home",
		SessionCookies:   []string{"user_session"},
		TwoFactorMarkers: []string{"two-factor authentication"},
		CaptchaMarkers:   []string{"verify you are human"},
		FailureMarkers:   []string{"incorrect username or password"},
	}}, srv.Client().Transport)
}

func noEmit(string, string) {}

func TestFormLogin_Extract(t *testing.T) {
	site := &fakeSite{response: func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "user_session", Value: "sess-1", MaxAge: 14 * 24 * 3600, Path: "/"})
		http.SetCookie(w, &http.Cookie{Name: "tracking", Value: "zzz", Path: "/"})
		http.Redirect(w, r, "/home", http.StatusFound)
	}}
	srv := httptest.NewServer(site.handler())
	defer srv.Close()
	f := newTestFormLogin(srv)

	res, err := f.Extract(context.Background(), &protocol.ExtractParams{
		Platform:    "github",
		Credentials: protocol.Credentials{Username: "alice", Password: "secret"},
	}, noEmit)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if len(res.Cookies) != 1 {
		t.Fatalf("cookies = %+v, want only user_session", res.Cookies)
	}
	ck := res.Cookies[0]
	if ck.Name != "user_session" || ck.Value != "sess-1" || ck.Domain != "127.0.0.1" {
		t.Errorf("cookie = %+v", ck)
	}
	if ck.MaxAge == nil || *ck.MaxAge != 14*24*3600 {
		t.Errorf("MaxAge = %v", ck.MaxAge)
	}
	if ck.SetDate == nil || time.Since(*ck.SetDate) > time.Minute {
		t.Errorf("SetDate = %v", ck.SetDate)
	}

	valid, err := f.Validate(context.Background(), &protocol.ValidateParams{Platform: "github", Cookies: res.Cookies}, noEmit)
	if err != nil || !valid.Valid {
		t.Errorf("Validate(fresh) = %+v, %v", valid, err)
	}
	stale, err := f.Validate(context.Background(), &protocol.ValidateParams{
		Platform: "github",
		Cookies:  []protocol.Cookie{{Name: "user_session", Value: "old"}},
	}, noEmit)
	if err != nil || stale.Valid || stale.Reason == "" {
		t.Errorf("Validate(stale) = %+v, %v", stale, err)
	}
}

func TestFormLogin_ExtractFailures(t *testing.T) {
	tests := []struct {
		name     string
		password string
		respond  func(w http.ResponseWriter, r *http.Request)
		wantCode string
	}{
		{
			name:     "wrong password",
			password: "nope",
			wantCode: protocol.CodeCredentials,
		},
		{
			name:     "second factor",
			password: "secret",
			respond: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("<h1>Two-factor authentication</h1>"))
			},
			wantCode: protocol.CodeTwoFactorRequired,
		},
		{
			name:     "captcha",
			password: "secret",
			respond: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("Please verify you are human"))
			},
			wantCode: protocol.CodeCaptcha,
		},
		{
			name:     "rate limited",
			password: "secret",
			respond: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Retry-After", "120")
				w.WriteHeader(http.StatusTooManyRequests)
			},
			wantCode: protocol.CodeRateLimited,
		},
		{
			name:     "server error",
			password: "secret",
			respond: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
			wantCode: protocol.CodeNetwork,
		},
		{
			name:     "no session cookie",
			password: "secret",
			respond: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("welcome"))
			},
			wantCode: protocol.CodeCredentials,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer((&fakeSite{response: tt.respond}).handler())
			defer srv.Close()

			_, err := newTestFormLogin(srv).Extract(context.Background(), &protocol.ExtractParams{
				Platform:    "github",
				Credentials: protocol.Credentials{Username: "alice", Password: tt.password},
			}, noEmit)
			var we *Error
			if !errors.As(err, &we) {
				t.Fatalf("Extract() error = %v, want *Error", err)
			}
			if we.Code != tt.wantCode {
				t.Errorf("code = %s, want %s", we.Code, tt.wantCode)
			}
			if tt.wantCode == protocol.CodeRateLimited && we.RetryAfter != 2*time.Minute {
				t.Errorf("RetryAfter = %v, want 2m", we.RetryAfter)
			}
		})
	}
}

func TestFormLogin_UnknownPlatform(t *testing.T) {
	f := NewFormLogin(nil, nil)
	_, err := f.Extract(context.Background(), &protocol.ExtractParams{Platform: "myspace"}, noEmit)
	var we *Error
	if !errors.As(err, &we) || we.Code != protocol.CodeUnsupported {
		t.Errorf("Extract() error = %v, want %s", err, protocol.CodeUnsupported)
	}
}

func TestFormLogin_BadProxyHandle(t *testing.T) {
	f := NewFormLogin([]Site{{Platform: "x", LoginURL: "http://x.test/login", CheckURL: "http://x.test/"}}, nil)
	_, err := f.Extract(context.Background(), &protocol.ExtractParams{
		Platform:    "x",
		Credentials: protocol.Credentials{Username: "u", Password: "p"},
		ProxyHandle: "::not a url",
	}, noEmit)
	var we *Error
	if !errors.As(err, &we) || we.Code != protocol.CodeBadCommand {
		t.Errorf("Extract() error = %v, want %s", err, protocol.CodeBadCommand)
	}
}

func TestRecorder_DeletedCookieDropped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/set" {
			http.SetCookie(w, &http.Cookie{Name: "a", Value: "1"})
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "a", Value: "", MaxAge: -1})
	}))
	defer srv.Close()

	rec := &recorder{next: srv.Client().Transport}
	client := &http.Client{Transport: rec}
	for _, p := range []string{"/set", "/clear", "/set"} {
		resp, err := client.Get(srv.URL + p)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
	}
	if got := rec.cookies(nil); len(got) != 1 || got[0].Name != "a" {
		t.Errorf("cookies = %+v, want one cookie a", got)
	}
}
