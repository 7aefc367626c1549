package orchestrator

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/snowmerak/accountsetup.go/lib/accounts"
	"github.com/snowmerak/accountsetup.go/lib/process"
	"github.com/snowmerak/accountsetup.go/lib/protocol"
)

// Completion is the single notification emitted when a session ends.
type Completion struct {
	SessionID    string
	Phase        Phase
	Error        ErrorCode
	SetupType    protocol.SetupType
	ProviderName string
	PluginName   string

	// Result is None when the helper exited without reporting anything.
	Result      protocol.Result
	ExitPayload []byte
}

// Err returns the sentinel error for Error, or nil.
func (c Completion) Err() error {
	return c.Error.Err()
}

// CreatedAccountID returns the reported account id, or zero.
func (c Completion) CreatedAccountID() accounts.AccountID {
	id, _ := c.Result.AccountID()
	return id
}

// AccountCreated reports whether a stored account was reported. A helper
// that reports id 0 finished without storing anything.
func (c Completion) AccountCreated() bool {
	id, ok := c.Result.AccountID()
	return ok && id != 0
}

// Session is one run of a helper process.
type Session struct {
	id           string
	setupType    protocol.SetupType
	providerName string
	logger       zerolog.Logger
	span         trace.Span
	onFinished   func(Completion)

	mu         sync.Mutex
	phase      Phase
	pluginName string
	proc       *process.Process
	detached   bool
	completion Completion

	done     chan struct{}
	doneOnce sync.Once
}

func newSession(setupType protocol.SetupType, providerName string) *Session {
	return &Session{
		id:           newSessionID(),
		setupType:    setupType,
		providerName: providerName,
		phase:        Resolving,
		done:         make(chan struct{}),
	}
}

func newSessionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return strings.ReplaceAll(id.String(), "-", "")
}

func (s *Session) ID() string { return s.id }

func (s *Session) SetupType() protocol.SetupType { return s.setupType }

func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Done is closed once the completion is available and the finished handler,
// if any, has returned.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the session completes or ctx is done. A session stopped
// with KillRunningPlugin never completes.
func (s *Session) Wait(ctx context.Context) (Completion, error) {
	select {
	case <-s.done:
		return s.Completion(), nil
	case <-ctx.Done():
		return Completion{}, ctx.Err()
	}
}

// Completion returns the final state, or the zero value before Done.
func (s *Session) Completion() Completion {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completion
}

func (s *Session) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

func (s *Session) isActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase == Resolving || s.phase.Active()
}

// fail ends the session with code.
func (s *Session) fail(code ErrorCode, err error) {
	if err != nil {
		s.span.RecordError(err)
	}
	s.span.SetStatus(codes.Error, code.String())
	s.finish(Completion{Phase: Failed, Error: code})
}

// complete ends the session successfully with outcome.
func (s *Session) complete(outcome protocol.Outcome) {
	s.span.SetStatus(codes.Ok, "")
	s.finish(Completion{
		Phase:       Completed,
		Result:      outcome.Result,
		ExitPayload: outcome.ExitPayload,
	})
}

func (s *Session) finish(c Completion) {
	s.doneOnce.Do(func() {
		s.mu.Lock()
		c.SessionID = s.id
		c.SetupType = s.setupType
		c.ProviderName = s.providerName
		c.PluginName = s.pluginName
		s.phase = c.Phase
		s.proc = nil
		detached := s.detached
		if !detached {
			s.completion = c
		}
		s.mu.Unlock()

		s.span.SetAttributes(
			attribute.String("accountsetup.phase", c.Phase.String()),
			attribute.String("accountsetup.result", c.Result.String()),
		)
		s.span.End()

		if detached {
			s.logger.Warn().Msg("killed plugin reaped, no completion emitted")
			return
		}

		s.logger.Info().
			Stringer("phase", c.Phase).
			Stringer("error", c.Error).
			Stringer("result", c.Result).
			Int("payload_bytes", len(c.ExitPayload)).
			Msg("setup session finished")

		if s.onFinished != nil {
			s.onFinished(c)
		}
		close(s.done)
	})
}

// kill detaches the session and kills its helper. It reports false when no
// helper is starting or running.
func (s *Session) kill() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.phase.Active() || s.detached {
		return false
	}
	s.detached = true
	if s.proc != nil {
		if err := s.proc.Kill(); err != nil {
			s.logger.Error().Err(err).Msg("failed to kill plugin")
		}
	}
	return true
}
