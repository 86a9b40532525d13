package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cookieguardian/cookieguardian/pkg/worker/protocol"
)

// Emit reports progress for the running command. Messages must not contain
// cookie values or credentials.
type Emit func(level, message string)

// Handler performs extraction inside a worker process.
type Handler interface {
	Platforms() []string
	Extract(ctx context.Context, params *protocol.ExtractParams, emit Emit) (*protocol.ExtractResult, error)
	Validate(ctx context.Context, params *protocol.ValidateParams, emit Emit) (*protocol.ValidateResult, error)
}

// Error is returned by a Handler to report a classified failure.
type Error struct {
	Code       string
	Message    string
	Retryable  bool
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// ServeOptions describes the serving worker.
type ServeOptions struct {
	Name string

	// TTL ends the loop when it elapses; zero means no limit.
	TTL time.Duration
}

// Serve announces READY on out and answers commands read from in until in is
// closed, ctx ends or the TTL elapses. It sends EXIT before returning.
func Serve(ctx context.Context, in io.Reader, out io.Writer, h Handler, opts ServeOptions) error {
	enc := protocol.NewEncoder(out)
	dec := protocol.NewDecoder(in)

	if opts.Name == "" {
		opts.Name = "guardian-worker"
	}
	if err := enc.EncodeReady(&protocol.ReadyMessage{
		Version:   protocol.Version,
		Worker:    opts.Name,
		PID:       os.Getpid(),
		Platforms: h.Platforms(),
	}); err != nil {
		return fmt.Errorf("failed to send ready: %w", err)
	}

	if opts.TTL > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.TTL)
		defer cancel()
	}

	type decoded struct {
		cmd *protocol.CommandMessage
		err error
	}
	cmds := make(chan decoded)
	go func() {
		for {
			cmd, err := dec.DecodeCommand()
			if errors.Is(err, protocol.ErrEmptyLine) {
				continue
			}
			select {
			case cmds <- decoded{cmd, err}:
			case <-ctx.Done():
				return
			}
			if errors.Is(err, io.EOF) || errors.Is(err, protocol.ErrStream) {
				return
			}
		}
	}()

	total := 0
	reason, code := "completed", 0
	var loopErr error

loop:
	for {
		select {
		case <-ctx.Done():
			reason = "ttl_expired"
			break loop
		case d := <-cmds:
			if errors.Is(d.err, io.EOF) {
				reason = "stdin_closed"
				break loop
			}
			if errors.Is(d.err, protocol.ErrStream) {
				reason, code, loopErr = "error", 1, d.err
				break loop
			}
			if d.err != nil {
				// The stream stays usable after a malformed line.
				_ = enc.EncodeError(&protocol.ErrorMessage{Code: protocol.CodeBadCommand, Message: d.err.Error()})
				continue
			}
			total++
			if err := runCommand(ctx, enc, h, d.cmd); err != nil {
				reason, code, loopErr = "error", 1, err
				break loop
			}
		}
	}

	_ = enc.EncodeExit(&protocol.ExitMessage{Reason: reason, ExitCode: code, CommandsTotal: total})
	return loopErr
}

func runCommand(ctx context.Context, enc *protocol.Encoder, h Handler, cmd *protocol.CommandMessage) error {
	cmdCtx, cancel := context.WithTimeout(ctx, time.Duration(cmd.Timeout)*time.Second)
	defer cancel()

	emit := func(level, message string) {
		_ = enc.EncodeEvent(&protocol.EventMessage{CommandID: cmd.ID, Level: level, Message: message})
	}

	start := time.Now()
	result, err := handleCommand(cmdCtx, h, cmd, emit)
	if err != nil {
		return enc.EncodeError(errorMessage(cmd.ID, err))
	}
	return enc.EncodeDone(&protocol.DoneMessage{
		CommandID: cmd.ID,
		Result:    result,
		Duration:  time.Since(start).Seconds(),
	})
}

func handleCommand(ctx context.Context, h Handler, cmd *protocol.CommandMessage, emit Emit) (json.RawMessage, error) {
	switch cmd.Type {
	case protocol.CommandTypeExtract:
		var params protocol.ExtractParams
		if err := protocol.ParseData(cmd.Params, &params); err != nil {
			return nil, &Error{Code: protocol.CodeBadCommand, Message: err.Error()}
		}
		if err := params.Validate(); err != nil {
			return nil, &Error{Code: protocol.CodeBadCommand, Message: err.Error()}
		}
		result, err := h.Extract(ctx, &params, emit)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)

	case protocol.CommandTypeValidate:
		var params protocol.ValidateParams
		if err := protocol.ParseData(cmd.Params, &params); err != nil {
			return nil, &Error{Code: protocol.CodeBadCommand, Message: err.Error()}
		}
		result, err := h.Validate(ctx, &params, emit)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)

	default:
		return nil, &Error{Code: protocol.CodeBadCommand, Message: fmt.Sprintf("unsupported command type: %s", cmd.Type)}
	}
}

func errorMessage(id string, err error) *protocol.ErrorMessage {
	var we *Error
	if errors.As(err, &we) {
		return &protocol.ErrorMessage{
			CommandID:  id,
			Code:       we.Code,
			Message:    we.Message,
			Retryable:  we.Retryable,
			RetryAfter: int(we.RetryAfter / time.Second),
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &protocol.ErrorMessage{CommandID: id, Code: protocol.CodeTimeout, Message: "command timed out", Retryable: true}
	}
	return &protocol.ErrorMessage{CommandID: id, Code: protocol.CodeInternal, Message: err.Error()}
}
