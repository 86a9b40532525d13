package egress

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"

	"github.com/cookieguardian/cookieguardian/pkg/rotation"
)

const (
	// DefaultBinary is the WARP client CLI.
	DefaultBinary = "warp-cli"

	// DefaultConnectTimeout bounds waiting for the tunnel after connect.
	DefaultConnectTimeout = 30 * time.Second

	// commandAttempts is how often connect and disconnect are tried.
	commandAttempts = 3

	defaultPollInterval = 2 * time.Second
	defaultSettleDelay  = 2 * time.Second
)

// ErrNotConnected is returned when the tunnel does not report a connected state.
var ErrNotConnected = errors.New("warp is not connected")

var _ rotation.EgressRotator = (*WarpRotator)(nil)

// Runner executes a command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands as local processes.
type ExecRunner struct{}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Status is the parsed output of warp-cli status.
type Status struct {
	Connected bool
	IP        string
	Raw       string
}

// WarpRotator changes the outbound identity by reconnecting Cloudflare WARP.
type WarpRotator struct {
	binary         string
	connectTimeout time.Duration
	pollInterval   time.Duration
	settleDelay    time.Duration
	runner         Runner
	newBackOff     func() backoff.BackOff
}

// Option configures a WarpRotator.
type Option func(*WarpRotator)

// WithRunner replaces the process runner.
func WithRunner(r Runner) Option {
	return func(w *WarpRotator) {
		w.runner = r
	}
}

// WithBackOff replaces the retry policy for connect and disconnect.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(w *WarpRotator) {
		w.newBackOff = fn
	}
}

// WithPolling sets the status poll interval and the pause between
// disconnect and connect.
func WithPolling(interval, settle time.Duration) Option {
	return func(w *WarpRotator) {
		w.pollInterval = interval
		w.settleDelay = settle
	}
}

// NewWarpRotator creates a rotator for binary.
func NewWarpRotator(binary string, connectTimeout time.Duration, opts ...Option) *WarpRotator {
	if binary == "" {
		binary = DefaultBinary
	}
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	w := &WarpRotator{
		binary:         binary,
		connectTimeout: connectTimeout,
		pollInterval:   defaultPollInterval,
		settleDelay:    defaultSettleDelay,
		runner:         ExecRunner{},
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 8 * time.Second
			return b
		},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Rotate disconnects and reconnects the tunnel and returns the new identifier.
func (w *WarpRotator) Rotate(ctx context.Context) (string, error) {
	start := time.Now()

	if err := w.retry(ctx, "disconnect", func(ctx context.Context) error {
		return w.command(ctx, "disconnect")
	}); err != nil {
		return "", err
	}

	if err := sleep(ctx, w.settleDelay); err != nil {
		return "", err
	}

	if err := w.retry(ctx, "connect", func(ctx context.Context) error {
		if err := w.command(ctx, "connect"); err != nil {
			return err
		}
		return w.waitConnected(ctx)
	}); err != nil {
		return "", err
	}

	id, err := w.CurrentIdentifier(ctx)
	if err != nil {
		return "", err
	}

	log.Info().
		Str("identifier", id).
		Dur("duration", time.Since(start)).
		Msg("egress rotated")
	return id, nil
}

// CurrentIdentifier returns the tunnel's egress IP, or "connected" when the
// client does not print one.
func (w *WarpRotator) CurrentIdentifier(ctx context.Context) (string, error) {
	st, err := w.Status(ctx)
	if err != nil {
		return "", err
	}
	if !st.Connected {
		return "", ErrNotConnected
	}
	if st.IP != "" {
		return st.IP, nil
	}
	return "connected", nil
}

// Status runs warp-cli status and parses the result. A non-zero exit still
// yields a status when output was produced.
func (w *WarpRotator) Status(ctx context.Context) (Status, error) {
	out, err := w.runner.Run(ctx, w.binary, "status")
	if len(out) == 0 && err != nil {
		return Status{}, rotation.NewTransientNetworkError(w.binary+" status failed", err)
	}
	return ParseStatus(string(out)), nil
}

// ParseStatus interprets warp-cli status output such as
//
//	Status update: Connected
//	Network: healthy
func ParseStatus(out string) Status {
	st := Status{Raw: strings.TrimSpace(out)}
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		switch {
		case key == "status update" || key == "status":
			fields := strings.Fields(value)
			st.Connected = len(fields) > 0 && strings.EqualFold(fields[0], "connected")
		case key == "ip" || key == "ip address" || strings.HasSuffix(key, " ip"):
			if st.IP == "" {
				st.IP = value
			}
		}
	}
	return st
}

func (w *WarpRotator) command(ctx context.Context, arg string) error {
	out, err := w.runner.Run(ctx, w.binary, arg)
	if err != nil {
		return rotation.NewTransientNetworkError(
			fmt.Sprintf("%s %s failed: %s", w.binary, arg, firstLine(out)), err)
	}
	return nil
}

func (w *WarpRotator) waitConnected(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, w.connectTimeout)
	defer cancel()

	for {
		st, err := w.Status(ctx)
		if err == nil && st.Connected {
			return nil
		}
		if err := sleep(ctx, w.pollInterval); err != nil {
			return rotation.NewTransientNetworkError("warp connection timed out", ErrNotConnected)
		}
	}
}

func (w *WarpRotator) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := fn(ctx)
		if err != nil {
			log.Warn().Err(err).Str("op", op).Int("attempt", attempt).Msg("warp command failed")
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(w.newBackOff()),
		backoff.WithMaxTries(commandAttempts),
	)
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func firstLine(b []byte) string {
	line, _, _ := bytes.Cut(bytes.TrimSpace(b), []byte("\n"))
	return string(line)
}
