// Package protocol defines the JSON-lines protocol spoken over stdio between
// guardian and an extraction worker process.
//
// The worker announces itself with READY, then answers each CMD with optional
// EVENT lines followed by exactly one DONE or ERROR. It sends EXIT before
// terminating, typically after its stdin is closed.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Version is the protocol revision this package speaks.
const Version = "1"

// MessageType represents the type of message in the protocol.
type MessageType string

const (
	// MessageTypeReady indicates the worker is ready to receive commands
	MessageTypeReady MessageType = "READY"
	// MessageTypeCommand indicates a command from guardian
	MessageTypeCommand MessageType = "CMD"
	// MessageTypeEvent indicates a progress event from the worker
	MessageTypeEvent MessageType = "EVENT"
	// MessageTypeDone indicates successful completion
	MessageTypeDone MessageType = "DONE"
	// MessageTypeError indicates an error occurred
	MessageTypeError MessageType = "ERROR"
	// MessageTypeExit indicates the worker is exiting
	MessageTypeExit MessageType = "EXIT"
)

// CommandType represents the type of command to execute.
type CommandType string

const (
	// CommandTypeExtract logs in and returns the session cookies
	CommandTypeExtract CommandType = "extract"
	// CommandTypeValidate checks that cookies still authenticate
	CommandTypeValidate CommandType = "validate"
)

// Error codes a worker may report. They map onto guardian's error classes.
const (
	CodeTwoFactorRequired = "TWO_FACTOR_REQUIRED"
	CodeRateLimited       = "RATE_LIMITED"
	CodeCredentials       = "CREDENTIALS"
	CodeCaptcha           = "CAPTCHA"
	CodeNetwork           = "NETWORK"
	CodeTimeout           = "TIMEOUT"
	CodeUnsupported       = "UNSUPPORTED_PLATFORM"
	CodeInternal          = "INTERNAL_ERROR"
	CodeBadCommand        = "BAD_COMMAND"
)

// Message is the envelope for every protocol line.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ReadyMessage is sent when the worker is ready to receive commands.
type ReadyMessage struct {
	Version   string            `json:"version"`
	Worker    string            `json:"worker"`
	PID       int               `json:"pid"`
	Platforms []string          `json:"platforms,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// CommandMessage contains a command to execute.
type CommandMessage struct {
	ID      string          `json:"id"`
	Type    CommandType     `json:"type"`
	Timeout int             `json:"timeout"` // seconds
	Params  json.RawMessage `json:"params"`
}

// EventMessage contains progress information during command execution.
// Workers must not put cookie values or credentials in events.
type EventMessage struct {
	CommandID string `json:"command_id"`
	Level     string `json:"level"` // info, warn, debug
	Message   string `json:"message"`
}

// DoneMessage indicates successful command completion.
type DoneMessage struct {
	CommandID string          `json:"command_id"`
	Result    json.RawMessage `json:"result"`
	Duration  float64         `json:"duration"` // seconds
}

// ErrorMessage indicates an error occurred.
type ErrorMessage struct {
	CommandID  string `json:"command_id,omitempty"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
	RetryAfter int    `json:"retry_after,omitempty"` // seconds
}

// ExitMessage is sent before the worker terminates.
type ExitMessage struct {
	Reason        string `json:"reason"`
	ExitCode      int    `json:"exit_code"`
	CommandsTotal int    `json:"commands_total"`
}

// Credentials are passed to the worker for a single extract command.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Cookie is one cookie as exchanged with the worker.
type Cookie struct {
	Name      string     `json:"name"`
	Domain    string     `json:"domain"`
	Value     string     `json:"value"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	MaxAge    *int64     `json:"max_age,omitempty"`
	SetDate   *time.Time `json:"set_date,omitempty"`
}

// ExtractParams contains parameters for an extract command.
type ExtractParams struct {
	Platform    string      `json:"platform"`
	Credentials Credentials `json:"credentials"`
	ProxyHandle string      `json:"proxy_handle,omitempty"`
}

// ExtractResult contains the cookies obtained by an extract command.
type ExtractResult struct {
	Cookies []Cookie `json:"cookies"`
}

// ValidateParams contains parameters for a validate command.
type ValidateParams struct {
	Platform string   `json:"platform"`
	Cookies  []Cookie `json:"cookies"`
}

// ValidateResult reports whether the cookies authenticated.
type ValidateResult struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// Validate checks if the message type is valid.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeReady, MessageTypeCommand, MessageTypeEvent,
		MessageTypeDone, MessageTypeError, MessageTypeExit:
		return nil
	default:
		return fmt.Errorf("invalid message type: %s", mt)
	}
}

// Validate checks if the command type is valid.
func (ct CommandType) Validate() error {
	switch ct {
	case CommandTypeExtract, CommandTypeValidate:
		return nil
	default:
		return fmt.Errorf("invalid command type: %s", ct)
	}
}

// Validate checks if the command message is valid.
func (cmd *CommandMessage) Validate() error {
	if cmd.ID == "" {
		return fmt.Errorf("command ID is required")
	}
	if err := cmd.Type.Validate(); err != nil {
		return err
	}
	if cmd.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if len(cmd.Params) == 0 {
		return fmt.Errorf("command params are required")
	}
	return nil
}

// Validate checks if the event message is valid.
func (evt *EventMessage) Validate() error {
	if evt.CommandID == "" {
		return fmt.Errorf("command ID is required")
	}
	if evt.Level == "" {
		evt.Level = "info"
	}
	switch evt.Level {
	case "info", "warn", "debug":
		return nil
	default:
		return fmt.Errorf("invalid event level: %s", evt.Level)
	}
}

// Validate checks that an extract command names a platform and credentials.
func (p *ExtractParams) Validate() error {
	if p.Platform == "" {
		return fmt.Errorf("platform is required")
	}
	if p.Credentials.Username == "" || p.Credentials.Password == "" {
		return fmt.Errorf("credentials are required")
	}
	return nil
}
