// Package orchestrator runs account setup helpers. It resolves the helper for
// a provider, starts it with the operation on its command line, waits for it
// to exit and reports the single result it sent back.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/snowmerak/accountsetup.go/lib/accounts"
	"github.com/snowmerak/accountsetup.go/lib/channel"
	"github.com/snowmerak/accountsetup.go/lib/locator"
	"github.com/snowmerak/accountsetup.go/lib/process"
	"github.com/snowmerak/accountsetup.go/lib/protocol"
)

const (
	// DefaultDrainTimeout is how long the result channel and the helper's
	// stderr are still read after the helper exited.
	DefaultDrainTimeout = time.Second

	tracerName = "github.com/snowmerak/accountsetup.go/lib/orchestrator"
)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPluginDirectories sets the helper search path.
func WithPluginDirectories(dirs ...string) Option {
	return func(o *Orchestrator) { o.pluginDirs = append([]string(nil), dirs...) }
}

// WithAdditionalParameters sets arguments appended to every helper command
// line.
func WithAdditionalParameters(args ...string) Option {
	return func(o *Orchestrator) { o.extraArgs = append([]string(nil), args...) }
}

func WithParentWindow(windowID uint64) Option {
	return func(o *Orchestrator) { o.windowID = windowID }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithFinishedHandler registers fn to receive every completion. It runs on
// the goroutine that finished the session.
func WithFinishedHandler(fn func(Completion)) Option {
	return func(o *Orchestrator) { o.onFinished = fn }
}

func WithDrainTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.drainTimeout = d
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = tracer }
}

// Request names the operation to run.
type Request struct {
	// Type selects the operation. Unset picks EditExisting when AccountID is
	// non-zero and CreateNew otherwise.
	Type protocol.SetupType
	// ProviderName is used by CreateNew.
	ProviderName string
	// AccountID is used by EditExisting.
	AccountID   accounts.AccountID
	ServiceType string
}

func (r Request) setupType() protocol.SetupType {
	switch {
	case r.Type != protocol.Unset:
		return r.Type
	case r.AccountID != 0:
		return protocol.EditExisting
	default:
		return protocol.CreateNew
	}
}

// Orchestrator runs at most one helper at a time.
type Orchestrator struct {
	store        accounts.Store
	logger       zerolog.Logger
	tracer       trace.Tracer
	onFinished   func(Completion)
	drainTimeout time.Duration

	mu         sync.Mutex
	pluginDirs []string
	extraArgs  []string
	windowID   uint64
	current    *Session
}

// New returns an Orchestrator looking up providers and accounts in store.
func New(store accounts.Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:        store,
		logger:       log.Logger,
		drainTimeout: DefaultDrainTimeout,
		pluginDirs:   []string{locator.DefaultPluginDir},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(tracerName)
	}
	return o
}

// CreateAccount starts a helper creating an account for providerName.
func (o *Orchestrator) CreateAccount(ctx context.Context, providerName, serviceType string) (*Session, error) {
	return o.Start(ctx, Request{Type: protocol.CreateNew, ProviderName: providerName, ServiceType: serviceType})
}

// EditAccount starts a helper editing the account with id.
func (o *Orchestrator) EditAccount(ctx context.Context, id accounts.AccountID, serviceType string) (*Session, error) {
	return o.Start(ctx, Request{Type: protocol.EditExisting, AccountID: id, ServiceType: serviceType})
}

// Start begins a session. Lookup failures and spawn failures are reported
// through the session's completion, which is then already available when
// Start returns; the only error returned here is ErrBusy.
//
// ctx only carries trace and log context. Cancelling it does not stop a
// running helper; see KillRunningPlugin.
func (o *Orchestrator) Start(ctx context.Context, req Request) (*Session, error) {
	setupType := req.setupType()

	o.mu.Lock()
	if o.current != nil && o.current.isActive() {
		o.mu.Unlock()
		return nil, ErrBusy
	}
	s := newSession(setupType, req.ProviderName)
	s.onFinished = o.onFinished
	s.logger = o.logger.With().
		Str("session", s.id).
		Str("setup_type", setupType.String()).
		Logger()
	o.current = s
	dirs := append([]string(nil), o.pluginDirs...)
	inv := protocol.Invocation{
		WindowID:    o.windowID,
		ServiceType: req.ServiceType,
		Extra:       append([]string(nil), o.extraArgs...),
	}
	if setupType == protocol.EditExisting {
		inv.AccountID = req.AccountID
	}
	o.mu.Unlock()

	ctx, s.span = o.tracer.Start(
		context.WithoutCancel(ctx),
		"accountsetup.session",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("accountsetup.session_id", s.id),
			attribute.String("accountsetup.setup_type", setupType.String()),
			attribute.Int64("accountsetup.account_id", int64(req.AccountID)),
			attribute.String("accountsetup.service_type", req.ServiceType),
		),
	)
	provider, err := o.resolveProvider(s, req)
	if err != nil {
		return s, nil
	}
	inv.ProviderName = provider.Name()

	reg, err := locator.New(dirs...).Resolve(provider)
	if err != nil {
		s.logger.Warn().Err(err).Msg("no setup plugin found")
		s.fail(PluginNotFound, err)
		return s, nil
	}

	o.spawn(ctx, s, reg, inv)
	return s, nil
}

// resolveProvider finds the provider the session runs for. On failure the
// session is finished.
func (o *Orchestrator) resolveProvider(s *Session, req Request) (*accounts.Provider, error) {
	if o.store == nil {
		err := errors.New("no account store")
		if s.setupType == protocol.EditExisting {
			s.fail(AccountNotFound, err)
		} else {
			s.fail(PluginNotFound, err)
		}
		return nil, err
	}

	providerName := req.ProviderName
	if s.setupType == protocol.EditExisting {
		account, err := o.lookupAccount(req.AccountID)
		if err != nil {
			s.logger.Warn().Err(err).Stringer("account", req.AccountID).Msg("account to edit not found")
			s.fail(AccountNotFound, err)
			return nil, err
		}
		providerName = account.ProviderName()
	}

	s.mu.Lock()
	s.providerName = providerName
	s.logger = s.logger.With().Str("provider", providerName).Logger()
	s.mu.Unlock()
	s.span.SetAttributes(attribute.String("accountsetup.provider", providerName))

	provider, err := o.store.Provider(providerName)
	if err != nil {
		s.logger.Warn().Err(err).Msg("provider not found")
		s.fail(PluginNotFound, err)
		return nil, err
	}
	return provider, nil
}

// lookupAccount resolves an account to edit. Id 0 marks an unsaved account
// and never resolves.
func (o *Orchestrator) lookupAccount(id accounts.AccountID) (*accounts.Account, error) {
	if id == 0 {
		return nil, fmt.Errorf("%w: %d", accounts.ErrAccountNotFound, id)
	}
	return o.store.Account(id)
}

// spawn opens the result channel, starts the helper and hands both to a
// supervising goroutine. The channel name embeds our own pid, so it is
// opened before the helper starts and the helper never races the listener.
func (o *Orchestrator) spawn(ctx context.Context, s *Session, reg locator.Registration, inv protocol.Invocation) {
	s.span.SetAttributes(attribute.String("accountsetup.plugin_path", reg.Path))

	s.mu.Lock()
	s.logger = s.logger.With().Str("plugin", reg.Name).Logger()
	s.phase = Starting
	s.pluginName = reg.Name
	s.mu.Unlock()

	inv.SocketName = protocol.SocketName(inv.ProviderName, os.Getpid())
	ln, err := channel.Listen(inv.SocketName)
	if err != nil {
		s.logger.Error().Err(err).Str("socket", inv.SocketName).Msg("failed to open result channel")
		s.fail(PluginCrashed, err)
		return
	}

	args := inv.Args()

	s.mu.Lock()
	if s.detached {
		s.mu.Unlock()
		ln.Close()
		s.fail(PluginCrashed, errors.New("killed before start"))
		return
	}
	proc, err := process.Start(reg.Path, args)
	if err != nil {
		s.mu.Unlock()
		ln.Close()
		s.logger.Error().Err(err).Str("path", reg.Path).Msg("failed to start plugin")
		s.fail(PluginCrashed, err)
		return
	}
	s.proc = proc
	s.phase = Running
	s.mu.Unlock()

	s.logger.Debug().
		Int("pid", proc.Pid()).
		Str("path", reg.Path).
		Strs("args", args).
		Msg("plugin started")
	s.span.AddEvent("plugin.started", trace.WithAttributes(attribute.Int("accountsetup.pid", proc.Pid())))

	go o.supervise(ctx, s, proc, ln)
}

// KillRunningPlugin kills the helper of the current session. The session is
// detached: its resources are still reaped, but it never completes and no
// finished handler runs for it. It reports false when no helper is starting
// or running.
func (o *Orchestrator) KillRunningPlugin() bool {
	o.mu.Lock()
	s := o.current
	o.mu.Unlock()
	if s == nil {
		return false
	}
	return s.kill()
}

// Current returns the most recent session, or nil.
func (o *Orchestrator) Current() *Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

func (o *Orchestrator) IsPluginRunning() bool {
	s := o.Current()
	return s != nil && s.Phase().Active()
}

// PluginName returns the running helper's file name, or "" when none runs.
func (o *Orchestrator) PluginName() string {
	s := o.Current()
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.phase.Active() {
		return ""
	}
	return s.pluginName
}

// ProviderName returns the running helper's provider, or "" when none runs.
func (o *Orchestrator) ProviderName() string {
	s := o.Current()
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.phase.Active() {
		return ""
	}
	return s.providerName
}

// SetupType returns the operation of the most recent session.
func (o *Orchestrator) SetupType() protocol.SetupType {
	if s := o.Current(); s != nil {
		return s.setupType
	}
	return protocol.Unset
}

func (o *Orchestrator) last() Completion {
	if s := o.Current(); s != nil {
		return s.Completion()
	}
	return Completion{}
}

// Error returns the error code of the last completed session.
func (o *Orchestrator) Error() ErrorCode { return o.last().Error }

func (o *Orchestrator) CreatedAccountID() accounts.AccountID { return o.last().CreatedAccountID() }

func (o *Orchestrator) AccountCreated() bool { return o.last().AccountCreated() }

func (o *Orchestrator) ExitPayload() []byte { return o.last().ExitPayload }

func (o *Orchestrator) PluginDirectories() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.pluginDirs...)
}

// SetPluginDirectories replaces the helper search path for later sessions.
func (o *Orchestrator) SetPluginDirectories(dirs ...string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pluginDirs = append([]string(nil), dirs...)
}

func (o *Orchestrator) AdditionalParameters() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.extraArgs...)
}

func (o *Orchestrator) SetAdditionalParameters(args ...string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.extraArgs = append([]string(nil), args...)
}

func (o *Orchestrator) SetParentWindow(windowID uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.windowID = windowID
}
