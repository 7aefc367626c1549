// Package helper is the child-process side of account setup. A helper
// executable builds a Runtime from its arguments, runs its own setup logic
// against the requested operation and finally calls Terminate, which reports
// the outcome to the launching process and exits.
package helper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/snowmerak/accountsetup.go/lib/accounts"
	"github.com/snowmerak/accountsetup.go/lib/channel"
	"github.com/snowmerak/accountsetup.go/lib/protocol"
)

var ErrTerminated = errors.New("helper already terminated")

// Option configures a Runtime.
type Option func(*Runtime)

// WithStdout replaces the stream used when no channel name was given.
func WithStdout(w io.Writer) Option {
	return func(r *Runtime) { r.stdout = w }
}

// WithExit replaces os.Exit.
func WithExit(exit func(code int)) Option {
	return func(r *Runtime) { r.exit = exit }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(r *Runtime) { r.logger = logger }
}

func WithConnectTimeout(d time.Duration) Option {
	return func(r *Runtime) { r.connectTimeout = d }
}

// Runtime holds the operation a helper was started for and the result it
// will report.
type Runtime struct {
	desc    protocol.Descriptor
	args    []string
	account *accounts.Account

	stdout         io.Writer
	exit           func(code int)
	logger         zerolog.Logger
	connectTimeout time.Duration

	mu           sync.Mutex
	exitPayload  []byte
	cancelled    bool
	editExisting bool
	existingID   accounts.AccountID
	terminated   bool
}

// New parses args (without the program name) and prepares the account the
// helper works on. For CreateNew the account is a fresh, unsaved record; for
// EditExisting it is looked up in store and is nil when it does not exist.
// store may be nil.
func New(args []string, store accounts.Store, opts ...Option) *Runtime {
	r := &Runtime{
		desc:           protocol.ParseInvocation(args),
		args:           append([]string(nil), args...),
		stdout:         os.Stdout,
		exit:           os.Exit,
		logger:         log.Logger,
		connectTimeout: channel.DefaultDialTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}

	r.logger = r.logger.With().
		Str("setup_type", r.desc.Type.String()).
		Str("socket", r.desc.SocketName).
		Logger()

	switch r.desc.Type {
	case protocol.CreateNew:
		r.account = r.newAccount(store)
	case protocol.EditExisting:
		if store == nil {
			r.logger.Warn().Stringer("account", r.desc.AccountID).Msg("no account store to load account from")
			break
		}
		account, err := store.Account(r.desc.AccountID)
		if err != nil {
			r.logger.Warn().Err(err).Stringer("account", r.desc.AccountID).Msg("account to edit not found")
			break
		}
		r.account = account
	default:
		r.logger.Warn().Msg("started without --create or --edit")
	}

	return r
}

func (r *Runtime) newAccount(store accounts.Store) *accounts.Account {
	if writer, ok := store.(accounts.Writer); ok {
		account, err := writer.NewAccount(r.desc.ProviderName)
		if err == nil {
			return account
		}
		r.logger.Warn().Err(err).Str("provider", r.desc.ProviderName).Msg("failed to create account record")
	}
	return &accounts.Account{Provider: r.desc.ProviderName, Enabled: true}
}

// Descriptor returns the parsed invocation.
func (r *Runtime) Descriptor() protocol.Descriptor { return r.desc }

func (r *Runtime) SetupType() protocol.SetupType { return r.desc.Type }

// Account returns the account being created or edited. It is nil when an
// account to edit could not be found.
func (r *Runtime) Account() *accounts.Account { return r.account }

func (r *Runtime) ServiceType() string { return r.desc.ServiceType }

func (r *Runtime) ParentWindowID() uint64 { return r.desc.WindowID }

// Args returns the raw arguments, including any extra parameters the
// orchestrator appended.
func (r *Runtime) Args() []string { return append([]string(nil), r.args...) }

// SetExitPayload sets the opaque payload returned with the result.
func (r *Runtime) SetExitPayload(payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exitPayload = append([]byte(nil), payload...)
}

// SetExitData encodes a structured value as the exit payload.
func (r *Runtime) SetExitData(v any) error {
	payload, err := protocol.EncodeExitData(v)
	if err != nil {
		return err
	}
	r.SetExitPayload(payload)
	return nil
}

// ReportExisting makes the helper report id instead of its own account,
// e.g. after the user picked an account that already existed.
func (r *Runtime) ReportExisting(id accounts.AccountID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.editExisting = true
	r.existingID = id
}

// ReportCancelled reports that no account was produced and terminates.
func (r *Runtime) ReportCancelled(ctx context.Context) error {
	r.mu.Lock()
	r.cancelled = true
	r.mu.Unlock()
	return r.Terminate(ctx)
}

// Outcome returns the message Terminate would send now.
func (r *Runtime) Outcome() protocol.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcomeLocked()
}

func (r *Runtime) outcomeLocked() protocol.Outcome {
	o := protocol.Outcome{ExitPayload: r.exitPayload}
	switch {
	case r.editExisting:
		o.Result = protocol.Created(r.existingID)
	case r.cancelled:
		o.Result = protocol.Cancelled()
	case r.account != nil:
		o.Result = protocol.Created(r.account.ID)
	default:
		o.Result = protocol.Created(0)
	}
	return o
}

// Terminate delivers the outcome and exits with status 0. It must be the
// helper's last action; later calls return ErrTerminated. A delivery failure
// is logged and returned, but the exit still happens.
func (r *Runtime) Terminate(ctx context.Context) error {
	r.mu.Lock()
	if r.terminated {
		r.mu.Unlock()
		return ErrTerminated
	}
	r.terminated = true
	outcome := r.outcomeLocked()
	r.mu.Unlock()

	err := r.deliver(ctx, outcome)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to deliver result")
	} else {
		r.logger.Debug().Stringer("result", outcome.Result).Int("payload_bytes", len(outcome.ExitPayload)).Msg("result delivered")
	}

	r.exit(0)
	return err
}

func (r *Runtime) deliver(ctx context.Context, outcome protocol.Outcome) error {
	if r.desc.SocketName == "" {
		if _, err := io.WriteString(r.stdout, outcome.Result.Text()); err != nil {
			return fmt.Errorf("failed to write result to stdout: %w", err)
		}
		return nil
	}

	msg, err := outcome.MarshalBinary()
	if err != nil {
		return err
	}

	conn, err := channel.Dial(ctx, r.desc.SocketName, r.connectTimeout)
	if err != nil {
		return err
	}
	return conn.SendOnce(msg)
}
