// Package worker drives extraction worker processes over the stdio protocol
// in package protocol, and provides the worker-side serving loop.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/cookieguardian/cookieguardian/pkg/rotation"
	"github.com/cookieguardian/cookieguardian/pkg/telemetry"
	"github.com/cookieguardian/cookieguardian/pkg/worker/protocol"
)

const (
	// DefaultStartupTimeout bounds the wait for READY.
	DefaultStartupTimeout = 30 * time.Second

	// DefaultCommandTimeout is sent to the worker when the caller's context
	// carries no deadline.
	DefaultCommandTimeout = 2 * time.Minute

	// shutdownGrace is how long a worker may take to exit after stdin closes.
	shutdownGrace = 5 * time.Second
)

var _ rotation.Extractor = (*Client)(nil)

// Process is a running worker.
type Process struct {
	Stdin  io.WriteCloser
	Stdout io.ReadCloser

	// Wait blocks until the process exits.
	Wait func() error

	// Kill terminates the process immediately.
	Kill func() error
}

// Launcher starts a fresh worker process.
type Launcher interface {
	Launch(ctx context.Context) (*Process, error)
}

// CommandLauncher starts the worker as a local executable. The worker
// inherits guardian's environment minus the variables listed in Exclude.
type CommandLauncher struct {
	Command []string
	Env     map[string]string

	// Exclude lists variable names, or prefixes ending in "*", withheld
	// from the worker.
	Exclude []string

	// Stderr receives the worker's diagnostic output; nil discards it.
	Stderr io.Writer
}

// Launch implements Launcher.
func (l *CommandLauncher) Launch(ctx context.Context) (*Process, error) {
	if len(l.Command) == 0 {
		return nil, fmt.Errorf("worker command is empty")
	}

	cmd := exec.CommandContext(ctx, l.Command[0], l.Command[1:]...)
	cmd.Env = l.environ()
	cmd.Stderr = l.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker %s: %w", l.Command[0], err)
	}

	return &Process{
		Stdin:  stdin,
		Stdout: stdout,
		Wait:   cmd.Wait,
		Kill:   cmd.Process.Kill,
	}, nil
}

func (l *CommandLauncher) environ() []string {
	env := make([]string, 0, len(os.Environ())+len(l.Env))
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if l.excluded(name) {
			continue
		}
		env = append(env, kv)
	}
	for k, v := range l.Env {
		env = append(env, k+"="+v)
	}
	return env
}

func (l *CommandLauncher) excluded(name string) bool {
	for _, ex := range l.Exclude {
		if prefix, ok := strings.CutSuffix(ex, "*"); ok {
			if strings.HasPrefix(name, prefix) {
				return true
			}
		} else if name == ex {
			return true
		}
	}
	return false
}

// Client implements rotation.Extractor by running one worker process per
// command. Concurrent coordinators therefore never share a browser session.
type Client struct {
	launcher       Launcher
	startupTimeout time.Duration
	logger         *telemetry.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithStartupTimeout sets how long to wait for READY.
func WithStartupTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.startupTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *telemetry.Logger) Option {
	return func(c *Client) {
		c.logger = l.NewComponentLogger("worker")
	}
}

// NewClient creates a client that starts workers with launcher.
func NewClient(launcher Launcher, opts ...Option) *Client {
	c := &Client{
		launcher:       launcher,
		startupTimeout: DefaultStartupTimeout,
		logger:         telemetry.NopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Extract implements rotation.Extractor.
func (c *Client) Extract(ctx context.Context, platform string, creds rotation.Credentials, proxyHandle string) (*rotation.ExtractResult, error) {
	params := &protocol.ExtractParams{
		Platform:    platform,
		Credentials: protocol.Credentials{Username: creds.Username, Password: creds.Password},
		ProxyHandle: proxyHandle,
	}
	var result protocol.ExtractResult
	if err := c.call(ctx, platform, protocol.CommandTypeExtract, params, &result); err != nil {
		return nil, err
	}
	if len(result.Cookies) == 0 {
		return nil, rotation.NewUnclassifiedError("worker returned no cookies", nil).WithPlatform(platform)
	}

	out := &rotation.ExtractResult{Cookies: make([]rotation.Cookie, 0, len(result.Cookies))}
	for _, ck := range result.Cookies {
		out.Cookies = append(out.Cookies, rotation.Cookie{
			Name:      ck.Name,
			Domain:    ck.Domain,
			Value:     ck.Value,
			ExpiresAt: ck.ExpiresAt,
			MaxAge:    ck.MaxAge,
			SetDate:   ck.SetDate,
		})
	}
	return out, nil
}

// Validate implements rotation.Extractor.
func (c *Client) Validate(ctx context.Context, platform string, cookies []rotation.Cookie) (bool, error) {
	params := &protocol.ValidateParams{Platform: platform, Cookies: make([]protocol.Cookie, 0, len(cookies))}
	for _, ck := range cookies {
		params.Cookies = append(params.Cookies, protocol.Cookie{
			Name:      ck.Name,
			Domain:    ck.Domain,
			Value:     ck.Value,
			ExpiresAt: ck.ExpiresAt,
			MaxAge:    ck.MaxAge,
			SetDate:   ck.SetDate,
		})
	}

	var result protocol.ValidateResult
	if err := c.call(ctx, platform, protocol.CommandTypeValidate, params, &result); err != nil {
		return false, err
	}
	if !result.Valid && result.Reason != "" {
		c.logger.WithPlatform(platform).Infof("Worker rejected cookies: %s", telemetry.RedactString(result.Reason))
	}
	return result.Valid, nil
}

// Probe starts a worker, waits for READY and shuts it down again.
func (c *Client) Probe(ctx context.Context) (*protocol.ReadyMessage, error) {
	s, err := c.start(ctx)
	if err != nil {
		return nil, err
	}
	defer s.close()
	return s.ready, nil
}

type session struct {
	proc   *Process
	enc    *protocol.Encoder
	msgs   chan *protocol.Message
	errs   chan error
	done   chan struct{}
	ready  *protocol.ReadyMessage
	logger *telemetry.Logger
}

func (c *Client) start(ctx context.Context) (*session, error) {
	proc, err := c.launcher.Launch(ctx)
	if err != nil {
		return nil, rotation.NewUnclassifiedError("failed to launch worker", err)
	}

	s := &session{
		proc:   proc,
		enc:    protocol.NewEncoder(proc.Stdin),
		msgs:   make(chan *protocol.Message),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
		logger: c.logger,
	}
	go s.read(protocol.NewDecoder(proc.Stdout))

	timer := time.NewTimer(c.startupTimeout)
	defer timer.Stop()

	select {
	case msg := <-s.msgs:
		if msg.Type != protocol.MessageTypeReady {
			s.close()
			return nil, rotation.NewUnclassifiedError(fmt.Sprintf("expected READY from worker, got %s", msg.Type), nil)
		}
		var ready protocol.ReadyMessage
		if err := protocol.ParseData(msg.Data, &ready); err != nil {
			s.close()
			return nil, rotation.NewUnclassifiedError("malformed READY from worker", err)
		}
		s.ready = &ready
		return s, nil
	case err := <-s.errs:
		s.close()
		return nil, rotation.NewUnclassifiedError("worker exited before READY", err)
	case <-timer.C:
		s.close()
		return nil, rotation.NewTransientNetworkError("timeout waiting for worker READY", nil).WithCode(rotation.ErrCodeTimeout)
	case <-ctx.Done():
		s.close()
		return nil, ctx.Err()
	}
}

func (s *session) read(dec *protocol.Decoder) {
	for {
		msg, err := dec.Decode()
		if errors.Is(err, protocol.ErrEmptyLine) {
			continue
		}
		if err != nil {
			s.errs <- err
			return
		}
		select {
		case s.msgs <- msg:
		case <-s.done:
			// Keep draining so the worker never blocks writing EXIT.
		}
	}
}

// close ends the session: stdin is closed so the worker can exit on its own,
// and it is killed if it has not done so within the grace period.
func (s *session) close() error {
	close(s.done)

	var result *multierror.Error
	if err := s.proc.Stdin.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to close worker stdin: %w", err))
	}

	exited := make(chan error, 1)
	go func() { exited <- s.proc.Wait() }()

	select {
	case err := <-exited:
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			result = multierror.Append(result, err)
		}
	case <-time.After(shutdownGrace):
		s.logger.Warn("Worker did not exit after stdin closed, killing it")
		if s.proc.Kill != nil {
			if err := s.proc.Kill(); err != nil {
				result = multierror.Append(result, fmt.Errorf("failed to kill worker: %w", err))
			}
		}
		<-exited
	}
	return result.ErrorOrNil()
}

func (c *Client) call(ctx context.Context, platform string, typ protocol.CommandType, params interface{}, out interface{}) error {
	s, err := c.start(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.close(); err != nil {
			c.logger.WithError(err).Debug("Worker shutdown reported errors")
		}
	}()

	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to encode command params: %w", err)
	}
	cmd := &protocol.CommandMessage{
		ID:      uuid.NewString(),
		Type:    typ,
		Timeout: timeoutSeconds(ctx),
		Params:  raw,
	}
	if err := s.enc.EncodeCommand(cmd); err != nil {
		return rotation.NewUnclassifiedError("failed to send command to worker", err)
	}

	log := c.logger.WithPlatform(platform).WithField("command_id", cmd.ID)
	for {
		select {
		case <-ctx.Done():
			return rotation.NewTransientNetworkError("worker command interrupted", ctx.Err()).WithCode(rotation.ErrCodeTimeout)

		case err := <-s.errs:
			return rotation.NewUnclassifiedError("worker stream ended", err)

		case msg := <-s.msgs:
			switch msg.Type {
			case protocol.MessageTypeEvent:
				var evt protocol.EventMessage
				if err := protocol.ParseData(msg.Data, &evt); err == nil {
					log.Zerolog().Debug().Str("level", evt.Level).Msg(telemetry.RedactString(evt.Message))
				}

			case protocol.MessageTypeDone:
				var done protocol.DoneMessage
				if err := protocol.ParseData(msg.Data, &done); err != nil {
					return rotation.NewUnclassifiedError("malformed DONE from worker", err)
				}
				if done.CommandID != cmd.ID {
					return rotation.NewUnclassifiedError(fmt.Sprintf("command ID mismatch: expected %s, got %s", cmd.ID, done.CommandID), nil)
				}
				if err := protocol.ParseData(done.Result, out); err != nil {
					return rotation.NewUnclassifiedError("malformed result from worker", err)
				}
				return nil

			case protocol.MessageTypeError:
				var em protocol.ErrorMessage
				if err := protocol.ParseData(msg.Data, &em); err != nil {
					return rotation.NewUnclassifiedError("malformed ERROR from worker", err)
				}
				if em.CommandID != "" && em.CommandID != cmd.ID {
					return rotation.NewUnclassifiedError(fmt.Sprintf("command ID mismatch: expected %s, got %s", cmd.ID, em.CommandID), nil)
				}
				return MapError(&em, platform)

			case protocol.MessageTypeExit:
				return rotation.NewUnclassifiedError("worker exited unexpectedly", nil)

			default:
				return rotation.NewUnclassifiedError(fmt.Sprintf("unexpected message type: %s", msg.Type), nil)
			}
		}
	}
}

// MapError converts a worker ERROR into the rotation error taxonomy. The
// worker's message is scrubbed before it is kept.
func MapError(em *protocol.ErrorMessage, platform string) error {
	msg := telemetry.RedactString(em.Message)
	if msg == "" {
		msg = strings.ToLower(em.Code)
	}

	switch em.Code {
	case protocol.CodeTwoFactorRequired:
		return rotation.ErrTwoFactorRequired
	case protocol.CodeRateLimited:
		wait := time.Duration(em.RetryAfter) * time.Second
		return rotation.NewRateLimitedError(msg, wait).WithCode(em.Code).WithPlatform(platform)
	case protocol.CodeCredentials:
		return rotation.NewCredentialError(msg, nil).WithCode(em.Code).WithPlatform(platform)
	case protocol.CodeNetwork, protocol.CodeTimeout:
		return rotation.NewTransientNetworkError(msg, nil).WithCode(em.Code).WithPlatform(platform)
	case protocol.CodeCaptcha:
		return rotation.NewUnclassifiedError(msg, nil).WithCode(em.Code).WithPlatform(platform)
	}
	if em.Retryable {
		return rotation.NewTransientNetworkError(msg, nil).WithCode(em.Code).WithPlatform(platform)
	}
	return rotation.NewUnclassifiedError(msg, nil).WithCode(em.Code).WithPlatform(platform)
}

func timeoutSeconds(ctx context.Context) int {
	if dl, ok := ctx.Deadline(); ok {
		secs := int(math.Ceil(time.Until(dl).Seconds()))
		if secs < 1 {
			secs = 1
		}
		return secs
	}
	return int(DefaultCommandTimeout / time.Second)
}
