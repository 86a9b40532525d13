package worker

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/cookieguardian/cookieguardian/pkg/worker/protocol"
)

func decodeAll(t *testing.T, out *bytes.Buffer) []*protocol.Message {
	t.Helper()
	dec := protocol.NewDecoder(out)
	var msgs []*protocol.Message
	for {
		msg, err := dec.Decode()
		if err != nil {
			break
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

func TestServe(t *testing.T) {
	h := &fakeHandler{
		extractFn: func(*protocol.ExtractParams) (*protocol.ExtractResult, error) {
			return &protocol.ExtractResult{Cookies: []protocol.Cookie{{Name: "s", Domain: "x.com", Value: "v"}}}, nil
		},
		validFn: func(*protocol.ValidateParams) (*protocol.ValidateResult, error) {
			return nil, &Error{Code: protocol.CodeRateLimited, Message: "slow", Retryable: true}
		},
	}
	in := strings.Join([]string{
		`{"type":"CMD","timestamp":"2026-01-01T00:00:00Z","data":{"id":"a","type":"extract","timeout":5,"params":{"platform":"github","credentials":{"username":"u","password":"p"}}}}`,
		``,
		`{"type":"CMD","timestamp":"2026-01-01T00:00:00Z","data":{"id":"b","type":"validate","timeout":5,"params":{"platform":"github","cookies":[]}}}`,
		`not json`,
		`{"type":"CMD","timestamp":"2026-01-01T00:00:00Z","data":{"id":"c","type":"extract","timeout":5,"params":{"platform":"github","credentials":{}}}}`,
	}, "\n") + "\n"

	var out bytes.Buffer
	if err := Serve(context.Background(), strings.NewReader(in), &out, h, ServeOptions{}); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}

	msgs := decodeAll(t, &out)
	var types []string
	for _, m := range msgs {
		types = append(types, string(m.Type))
	}
	want := "READY EVENT DONE ERROR ERROR ERROR EXIT"
	if got := strings.Join(types, " "); got != want {
		t.Fatalf("message sequence = %q, want %q", got, want)
	}

	var ready protocol.ReadyMessage
	_ = protocol.ParseData(msgs[0].Data, &ready)
	if ready.Worker != "guardian-worker" || len(ready.Platforms) != 1 {
		t.Errorf("ready = %+v", ready)
	}

	var rl protocol.ErrorMessage
	_ = protocol.ParseData(msgs[3].Data, &rl)
	if rl.CommandID != "b" || rl.Code != protocol.CodeRateLimited || !rl.Retryable {
		t.Errorf("validate error = %+v", rl)
	}

	var bad protocol.ErrorMessage
	_ = protocol.ParseData(msgs[4].Data, &bad)
	if bad.Code != protocol.CodeBadCommand || bad.CommandID != "" {
		t.Errorf("malformed line error = %+v", bad)
	}

	var noCreds protocol.ErrorMessage
	_ = protocol.ParseData(msgs[5].Data, &noCreds)
	if noCreds.CommandID != "c" || noCreds.Code != protocol.CodeBadCommand {
		t.Errorf("missing credentials error = %+v", noCreds)
	}

	var exit protocol.ExitMessage
	_ = protocol.ParseData(msgs[6].Data, &exit)
	if exit.Reason != "stdin_closed" || exit.CommandsTotal != 3 {
		t.Errorf("exit = %+v", exit)
	}
}

func TestErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"classified", &Error{Code: protocol.CodeCaptcha, Message: "x"}, protocol.CodeCaptcha},
		{"deadline", context.DeadlineExceeded, protocol.CodeTimeout},
		{"other", errors.New("boom"), protocol.CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errorMessage("id", tt.err); got.Code != tt.want || got.CommandID != "id" {
				t.Errorf("errorMessage() = %+v, want code %s", got, tt.want)
			}
		})
	}
}
