package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
)

func TestEncoder(t *testing.T) {
	tests := []struct {
		name    string
		msgType MessageType
		data    interface{}
		wantErr bool
	}{
		{
			name:    "encode ready message",
			msgType: MessageTypeReady,
			data:    &ReadyMessage{Version: Version, Worker: "http-form", PID: 1234, Platforms: []string{"github"}},
		},
		{
			name:    "encode done message",
			msgType: MessageTypeDone,
			data:    &DoneMessage{CommandID: "cmd-1", Result: json.RawMessage(`{"valid":true}`), Duration: 1.5},
		},
		{
			name:    "encode error message",
			msgType: MessageTypeError,
			data:    &ErrorMessage{CommandID: "cmd-1", Code: CodeRateLimited, Message: "slow down", Retryable: true, RetryAfter: 30},
		},
		{
			name:    "encode exit message",
			msgType: MessageTypeExit,
			data:    &ExitMessage{Reason: "stdin_closed", CommandsTotal: 2},
		},
		{
			name:    "invalid message type",
			msgType: MessageType("INVALID"),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := NewEncoder(&buf).Encode(tt.msgType, tt.data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Encode() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if buf.Len() != 0 {
					t.Errorf("wrote %d bytes for an invalid message", buf.Len())
				}
				return
			}

			out := buf.String()
			if !strings.HasSuffix(out, "\n") || strings.Count(out, "\n") != 1 {
				t.Errorf("output is not a single line: %q", out)
			}
			var msg Message
			if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &msg); err != nil {
				t.Fatalf("output is not valid JSON: %v", err)
			}
			if msg.Type != tt.msgType {
				t.Errorf("Message type = %v, want %v", msg.Type, tt.msgType)
			}
		})
	}
}

func TestEncoder_RejectsInvalidCommandAndEvent(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	if err := enc.EncodeCommand(&CommandMessage{ID: "c", Type: CommandTypeExtract}); err == nil {
		t.Error("EncodeCommand() accepted a command without timeout or params")
	}
	if err := enc.EncodeEvent(&EventMessage{CommandID: "c", Level: "loud"}); err == nil {
		t.Error("EncodeEvent() accepted an invalid level")
	}
	if buf.Len() != 0 {
		t.Errorf("wrote %d bytes for rejected messages", buf.Len())
	}
}

func TestEncoder_ConcurrentLinesStayIntact(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = enc.EncodeEvent(&EventMessage{CommandID: "c", Message: strings.Repeat("x", 512)})
		}()
	}
	wg.Wait()

	dec := NewDecoder(&buf)
	n := 0
	for {
		_, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Decode() error = %v after %d lines", err, n)
		}
		n++
	}
	if n != 20 {
		t.Errorf("decoded %d lines, want 20", n)
	}
}

func TestDecoder(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
		anyErr  bool
		msgType MessageType
	}{
		{
			name:    "decode ready message",
			input:   `{"type":"READY","timestamp":"2026-01-01T00:00:00Z","data":{"version":"1","worker":"http-form","pid":7}}`,
			msgType: MessageTypeReady,
		},
		{
			name:    "decode error message",
			input:   `{"type":"ERROR","timestamp":"2026-01-01T00:00:00Z","data":{"command_id":"c","code":"CAPTCHA","message":"challenge"}}`,
			msgType: MessageTypeError,
		},
		{
			name:   "invalid json",
			input:  `{invalid json`,
			anyErr: true,
		},
		{
			name:   "unknown type",
			input:  `{"type":"HELLO","timestamp":"2026-01-01T00:00:00Z"}`,
			anyErr: true,
		},
		{
			name:    "empty line",
			input:   ``,
			wantErr: ErrEmptyLine,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := NewDecoder(strings.NewReader(tt.input + "\n")).Decode()
			switch {
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Decode() error = %v, want %v", err, tt.wantErr)
				}
			case tt.anyErr:
				if err == nil {
					t.Error("Decode() expected error")
				}
			default:
				if err != nil {
					t.Fatalf("Decode() error = %v", err)
				}
				if msg.Type != tt.msgType {
					t.Errorf("Message type = %v, want %v", msg.Type, tt.msgType)
				}
			}
		})
	}
}

func TestDecoder_EOF(t *testing.T) {
	if _, err := NewDecoder(strings.NewReader("")).Decode(); !errors.Is(err, io.EOF) {
		t.Errorf("Decode() error = %v, want io.EOF", err)
	}
}

func TestDecodeCommand(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		cmdType CommandType
	}{
		{
			name:    "valid extract command",
			input:   `{"type":"CMD","timestamp":"2026-01-01T00:00:00Z","data":{"id":"cmd-1","type":"extract","timeout":60,"params":{"platform":"github"}}}`,
			cmdType: CommandTypeExtract,
		},
		{
			name:    "valid validate command",
			input:   `{"type":"CMD","timestamp":"2026-01-01T00:00:00Z","data":{"id":"cmd-2","type":"validate","timeout":30,"params":{"platform":"github","cookies":[]}}}`,
			cmdType: CommandTypeValidate,
		},
		{
			name:    "wrong message type",
			input:   `{"type":"EVENT","timestamp":"2026-01-01T00:00:00Z","data":{}}`,
			wantErr: true,
		},
		{
			name:    "unknown command type",
			input:   `{"type":"CMD","timestamp":"2026-01-01T00:00:00Z","data":{"id":"cmd-3","type":"exec","timeout":30,"params":{}}}`,
			wantErr: true,
		},
		{
			name:    "invalid timeout",
			input:   `{"type":"CMD","timestamp":"2026-01-01T00:00:00Z","data":{"id":"cmd-4","type":"extract","timeout":0,"params":{}}}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := NewDecoder(strings.NewReader(tt.input + "\n")).DecodeCommand()
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeCommand() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && cmd.Type != tt.cmdType {
				t.Errorf("Command type = %v, want %v", cmd.Type, tt.cmdType)
			}
		})
	}
}

func TestExtractParamsValidate(t *testing.T) {
	tests := []struct {
		name    string
		params  ExtractParams
		wantErr bool
	}{
		{"complete", ExtractParams{Platform: "github", Credentials: Credentials{Username: "u", Password: "p"}}, false},
		{"no platform", ExtractParams{Credentials: Credentials{Username: "u", Password: "p"}}, true},
		{"no password", ExtractParams{Platform: "github", Credentials: Credentials{Username: "u"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.params.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
