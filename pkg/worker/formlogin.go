package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/cookieguardian/cookieguardian/pkg/worker/protocol"
)

const maxBodySize = 1 << 20

// Site describes how to log in to one platform with an HTML form post.
type Site struct {
	Platform      string            `yaml:"platform" validate:"required"`
	LoginURL      string            `yaml:"login_url" validate:"required,url"`
	UsernameField string            `yaml:"username_field"`
	PasswordField string            `yaml:"password_field"`
	ExtraFields   map[string]string `yaml:"extra_fields"`

	// CheckURL must answer 200 for an authenticated session and redirect or
	// reject otherwise.
	CheckURL string `yaml:"check_url" validate:"required,url"`

	// SessionCookies limits which cookies are returned; empty returns all.
	SessionCookies []string `yaml:"session_cookies"`

	TwoFactorMarkers []string `yaml:"two_factor_markers"`
	CaptchaMarkers   []string `yaml:"captcha_markers"`
	FailureMarkers   []string `yaml:"failure_markers"`
}

// FormLogin is a Handler that signs in by posting a login form and keeps the
// cookies the site sets along the way.
type FormLogin struct {
	sites     map[string]Site
	transport http.RoundTripper
	timeout   time.Duration
}

// NewFormLogin creates a handler for sites. A nil transport uses a clone of
// http.DefaultTransport.
func NewFormLogin(sites []Site, transport http.RoundTripper) *FormLogin {
	f := &FormLogin{
		sites:     make(map[string]Site, len(sites)),
		transport: transport,
		timeout:   60 * time.Second,
	}
	for _, s := range sites {
		if s.UsernameField == "" {
			s.UsernameField = "username"
		}
		if s.PasswordField == "" {
			s.PasswordField = "password"
		}
		f.sites[strings.ToLower(s.Platform)] = s
	}
	return f
}

// Platforms implements Handler.
func (f *FormLogin) Platforms() []string {
	out := make([]string, 0, len(f.sites))
	for p := range f.sites {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (f *FormLogin) site(platform string) (Site, error) {
	s, ok := f.sites[strings.ToLower(platform)]
	if !ok {
		return Site{}, &Error{Code: protocol.CodeUnsupported, Message: "no login configured for " + platform}
	}
	return s, nil
}

func (f *FormLogin) baseTransport(proxyHandle string) (http.RoundTripper, error) {
	if f.transport != nil {
		return f.transport, nil
	}
	t := http.DefaultTransport.(*http.Transport).Clone()
	if proxyHandle != "" {
		u, err := url.Parse(proxyHandle)
		if err != nil || u.Host == "" {
			return nil, &Error{Code: protocol.CodeBadCommand, Message: "proxy handle is not a URL"}
		}
		t.Proxy = http.ProxyURL(u)
	}
	return t, nil
}

// Extract implements Handler.
func (f *FormLogin) Extract(ctx context.Context, params *protocol.ExtractParams, emit Emit) (*protocol.ExtractResult, error) {
	site, err := f.site(params.Platform)
	if err != nil {
		return nil, err
	}
	base, err := f.baseTransport(params.ProxyHandle)
	if err != nil {
		return nil, err
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}
	rec := &recorder{next: base}
	client := &http.Client{Transport: rec, Jar: jar, Timeout: f.timeout}

	// Load the form first so pre-login cookies (CSRF, consent) are in the jar.
	emit("info", "loading login page")
	page0, err := f.get(ctx, client, site.LoginURL)
	if err != nil {
		return nil, err
	}
	drain(page0)

	form := url.Values{}
	for k, v := range site.ExtraFields {
		form.Set(k, v)
	}
	form.Set(site.UsernameField, params.Credentials.Username)
	form.Set(site.PasswordField, params.Credentials.Password)

	emit("info", "submitting credentials")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, site.LoginURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := client.Do(req)
	if err != nil {
		return nil, transportError(ctx, err)
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	resp.Body.Close()

	if err := statusError(resp); err != nil {
		return nil, err
	}
	page := strings.ToLower(string(body))
	switch {
	case containsAny(page, site.TwoFactorMarkers):
		return nil, &Error{Code: protocol.CodeTwoFactorRequired, Message: "site asked for a second factor"}
	case containsAny(page, site.CaptchaMarkers):
		return nil, &Error{Code: protocol.CodeCaptcha, Message: "site presented a captcha"}
	case containsAny(page, site.FailureMarkers):
		return nil, &Error{Code: protocol.CodeCredentials, Message: "site rejected the credentials"}
	}

	cookies := rec.cookies(site.SessionCookies)
	if len(cookies) == 0 {
		return nil, &Error{Code: protocol.CodeCredentials, Message: "login did not set a session cookie"}
	}
	emit("info", fmt.Sprintf("captured %d cookies", len(cookies)))
	return &protocol.ExtractResult{Cookies: cookies}, nil
}

// Validate implements Handler.
func (f *FormLogin) Validate(ctx context.Context, params *protocol.ValidateParams, emit Emit) (*protocol.ValidateResult, error) {
	site, err := f.site(params.Platform)
	if err != nil {
		return nil, err
	}
	base, err := f.baseTransport("")
	if err != nil {
		return nil, err
	}
	client := &http.Client{
		Transport: base,
		Timeout:   f.timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, site.CheckURL, nil)
	if err != nil {
		return nil, err
	}
	for _, c := range params.Cookies {
		req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}

	emit("debug", "checking session")
	resp, err := client.Do(req)
	if err != nil {
		return nil, transportError(ctx, err)
	}
	drain(resp)

	switch {
	case resp.StatusCode == http.StatusOK:
		return &protocol.ValidateResult{Valid: true}, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, statusError(resp)
	default:
		return &protocol.ValidateResult{Valid: false, Reason: "check returned status " + strconv.Itoa(resp.StatusCode)}, nil
	}
}

func (f *FormLogin) get(ctx context.Context, client *http.Client, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, transportError(ctx, err)
	}
	if err := statusError(resp); err != nil {
		drain(resp)
		return nil, err
	}
	return resp, nil
}

func statusError(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		wait := time.Minute
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs >= 0 {
			wait = time.Duration(secs) * time.Second
		}
		return &Error{Code: protocol.CodeRateLimited, Message: "site is rate limiting", Retryable: true, RetryAfter: wait}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &Error{Code: protocol.CodeCredentials, Message: "site returned status " + strconv.Itoa(resp.StatusCode)}
	case resp.StatusCode >= 500:
		return &Error{Code: protocol.CodeNetwork, Message: "site returned status " + strconv.Itoa(resp.StatusCode), Retryable: true}
	}
	return nil
}

func transportError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Code: protocol.CodeTimeout, Message: "request timed out", Retryable: true}
	}
	var uerr *url.Error
	if errors.As(err, &uerr) && uerr.Timeout() {
		return &Error{Code: protocol.CodeTimeout, Message: "request timed out", Retryable: true}
	}
	return &Error{Code: protocol.CodeNetwork, Message: "request failed", Retryable: true}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))
	resp.Body.Close()
}

func containsAny(page string, markers []string) bool {
	for _, m := range markers {
		if m != "" && strings.Contains(page, strings.ToLower(m)) {
			return true
		}
	}
	return false
}

// recorder keeps every Set-Cookie seen during a login with the attributes
// the jar discards.
type recorder struct {
	next http.RoundTripper

	mu    sync.Mutex
	order []string
	seen  map[string]protocol.Cookie
}

func (r *recorder) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := r.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	var setDate *time.Time
	if d, err := http.ParseTime(resp.Header.Get("Date")); err == nil {
		d = d.UTC()
		setDate = &d
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seen == nil {
		r.seen = make(map[string]protocol.Cookie)
	}
	for _, c := range resp.Cookies() {
		domain := strings.TrimPrefix(c.Domain, ".")
		if domain == "" {
			domain = req.URL.Hostname()
		}
		key := domain + "\x00" + c.Name

		if c.MaxAge < 0 || c.Value == "" {
			delete(r.seen, key)
			continue
		}
		ck := protocol.Cookie{Name: c.Name, Domain: domain, Value: c.Value, SetDate: setDate}
		if !c.Expires.IsZero() {
			exp := c.Expires.UTC()
			ck.ExpiresAt = &exp
		}
		if c.MaxAge > 0 {
			ma := int64(c.MaxAge)
			ck.MaxAge = &ma
		}
		if _, ok := r.seen[key]; !ok {
			r.order = append(r.order, key)
		}
		r.seen[key] = ck
	}
	return resp, nil
}

func (r *recorder) cookies(names []string) []protocol.Cookie {
	r.mu.Lock()
	defer r.mu.Unlock()

	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	var out []protocol.Cookie
	done := make(map[string]bool, len(r.order))
	for _, key := range r.order {
		ck, ok := r.seen[key]
		if !ok || done[key] {
			continue
		}
		done[key] = true
		if len(want) > 0 && !want[ck.Name] {
			continue
		}
		out = append(out, ck)
	}
	return out
}
