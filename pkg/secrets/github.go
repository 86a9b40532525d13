package secrets

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/cookieguardian/cookieguardian/pkg/rotation"
	"github.com/cookieguardian/cookieguardian/pkg/telemetry"
)

// DefaultAPIURL is the public GitHub REST endpoint.
const DefaultAPIURL = "https://api.github.com"

var _ rotation.SecretsStore = (*GitHubStore)(nil)

// GitHubStore writes GitHub Actions repository secrets. Public keys are
// cached per repository; the cache entry is dropped whenever a write fails so
// a rotated key is picked up on the next attempt.
type GitHubStore struct {
	apiURL string
	http   *http.Client
	logger *telemetry.Logger

	mu   sync.Mutex
	keys map[string]rotation.PublicKey
}

// Option configures a GitHubStore.
type Option func(*GitHubStore)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *GitHubStore) {
		s.http = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *telemetry.Logger) Option {
	return func(s *GitHubStore) {
		s.logger = l.NewComponentLogger("secrets")
	}
}

// NewGitHubStore creates a store for apiURL authenticated with token.
func NewGitHubStore(apiURL, token string, timeout time.Duration, opts ...Option) *GitHubStore {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	client := &http.Client{}
	if token != "" {
		client = oauth2.NewClient(context.Background(), oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	}
	client.Timeout = timeout

	s := &GitHubStore{
		apiURL: strings.TrimRight(apiURL, "/"),
		http:   client,
		logger: telemetry.NopLogger(),
		keys:   make(map[string]rotation.PublicKey),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type publicKeyResponse struct {
	KeyID string `json:"key_id"`
	Key   string `json:"key"`
}

type putSecretRequest struct {
	EncryptedValue string `json:"encrypted_value"`
	KeyID          string `json:"key_id"`
}

// GetPublicKey returns the repository's Actions public key.
func (s *GitHubStore) GetPublicKey(ctx context.Context, repo string) (rotation.PublicKey, error) {
	s.mu.Lock()
	key, ok := s.keys[repo]
	s.mu.Unlock()
	if ok {
		return key, nil
	}

	resp, err := s.do(ctx, http.MethodGet, "/repos/"+repo+"/actions/secrets/public-key", nil)
	if err != nil {
		return rotation.PublicKey{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return rotation.PublicKey{}, classifyStatus(resp, "get public key for "+repo)
	}

	var body publicKeyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return rotation.PublicKey{}, rotation.NewTransientNetworkError("failed to decode public key response", err)
	}
	if body.KeyID == "" || body.Key == "" {
		return rotation.PublicKey{}, rotation.NewInjectionError("public key response is incomplete", nil)
	}

	key = rotation.PublicKey{KeyID: body.KeyID, Key: body.Key}
	s.mu.Lock()
	s.keys[repo] = key
	s.mu.Unlock()
	return key, nil
}

// PutSecret creates or replaces secret name in repo. The value must already
// be sealed for the repository's current public key. Writing the same name
// and value twice leaves the same state.
func (s *GitHubStore) PutSecret(ctx context.Context, repo, name, encryptedValue string) error {
	key, err := s.GetPublicKey(ctx, repo)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(putSecretRequest{EncryptedValue: encryptedValue, KeyID: key.KeyID})
	if err != nil {
		return fmt.Errorf("failed to encode secret payload: %w", err)
	}

	resp, err := s.do(ctx, http.MethodPut, "/repos/"+repo+"/actions/secrets/"+name, payload)
	if err != nil {
		s.forget(repo)
		return err
	}
	defer resp.Body.Close()

	// 201 on create, 204 on update.
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent {
		s.forget(repo)
		return classifyStatus(resp, "put secret "+name)
	}

	s.logger.Zerolog().Debug().
		Str("repo", repo).
		Str("secret", name).
		Int("status", resp.StatusCode).
		Msg("Secret written")
	return nil
}

// CheckAccess verifies the token can read repo's Actions public key.
func (s *GitHubStore) CheckAccess(ctx context.Context, repo string) error {
	_, err := s.GetPublicKey(ctx, repo)
	return err
}

// Repository is the subset of GitHub's repository object used by discovery.
type Repository struct {
	FullName    string   `json:"full_name"`
	Description string   `json:"description"`
	Language    string   `json:"language"`
	Topics      []string `json:"topics"`
	Archived    bool     `json:"archived"`
	Fork        bool     `json:"fork"`
}

const reposPerPage = 100

// ListOrgRepos returns every repository of org, following pagination until a
// short page is returned.
func (s *GitHubStore) ListOrgRepos(ctx context.Context, org string) ([]Repository, error) {
	if org == "" {
		return nil, fmt.Errorf("organization is required")
	}

	var all []Repository
	for page := 1; ; page++ {
		path := fmt.Sprintf("/orgs/%s/repos?per_page=%d&page=%d", url.PathEscape(org), reposPerPage, page)
		resp, err := s.do(ctx, http.MethodGet, path, nil)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode != http.StatusOK {
			err := classifyStatus(resp, "list repositories of "+org)
			resp.Body.Close()
			return nil, err
		}

		var batch []Repository
		err = json.NewDecoder(resp.Body).Decode(&batch)
		resp.Body.Close()
		if err != nil {
			return nil, rotation.NewTransientNetworkError("failed to decode repository list", err)
		}

		all = append(all, batch...)
		s.logger.Zerolog().Debug().
			Str("org", org).
			Int("page", page).
			Int("repos", len(batch)).
			Msg("Listed repositories")
		if len(batch) < reposPerPage {
			return all, nil
		}
	}
}

func (s *GitHubStore) forget(repo string) {
	s.mu.Lock()
	delete(s.keys, repo)
	s.mu.Unlock()
}

func (s *GitHubStore) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.apiURL+path, rdr)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, rotation.NewTransientNetworkError(method+" "+path+" failed", err)
	}
	return resp, nil
}

// classifyStatus maps an unexpected response to the rotation error taxonomy.
// The body is not included because it may echo request content.
func classifyStatus(resp *http.Response, op string) error {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	msg := fmt.Sprintf("%s: unexpected status %d", op, resp.StatusCode)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests ||
		(resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0"):
		return rotation.NewRateLimitedError(msg, retryAfter(resp)).WithCode(rotation.ErrCodeRateLimited)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return rotation.NewCredentialError(msg, nil).WithCode(rotation.ErrCodeCredentials)
	case resp.StatusCode >= 500:
		return rotation.NewTransientNetworkError(msg, nil).WithCode(rotation.ErrCodeNetwork)
	default:
		return rotation.NewInjectionError(msg, nil)
	}
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return time.Minute
}
