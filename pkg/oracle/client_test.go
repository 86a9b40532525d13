package oracle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPClient_Complete(t *testing.T) {
	var gotAuth string
	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"{\"ok\":true}"}}],"usage":{"prompt_tokens":42,"completion_tokens":7}}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "k-123", "")
	resp, err := c.Complete(context.Background(), CompletionRequest{Kind: KindStrategy, Input: []byte(`{"platform":"x"}`), MaxOutputTokens: 64})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	if gotAuth != "Bearer k-123" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotReq.Model != DefaultModel || gotReq.MaxTokens != 64 || len(gotReq.Messages) != 2 {
		t.Errorf("request = %+v", gotReq)
	}
	if string(resp.Content) != `{"ok":true}` {
		t.Errorf("Content = %s", resp.Content)
	}
	if resp.InputTokens != 42 || resp.OutputTokens != 7 {
		t.Errorf("usage = %d/%d, want 42/7", resp.InputTokens, resp.OutputTokens)
	}
}

func TestHTTPClient_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "k", "m")
	if _, err := c.Complete(context.Background(), CompletionRequest{Kind: KindStrategy}); err == nil {
		t.Error("Complete() should fail on 429")
	}
}

func TestStripFences(t *testing.T) {
	got := string(stripFences([]byte("```json\n{\"a\":1}\n```")))
	if got != `{"a":1}` {
		t.Errorf("stripFences() = %q", got)
	}
}
