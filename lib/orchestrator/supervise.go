package orchestrator

import (
	"bufio"
	"context"
	"errors"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/snowmerak/accountsetup.go/lib/channel"
	"github.com/snowmerak/accountsetup.go/lib/process"
	"github.com/snowmerak/accountsetup.go/lib/protocol"
)

// supervise watches the helper's stderr, the result channel and the helper's
// exit together. The session finishes only after all three returned, so a
// completion never precedes the helper's exit.
func (o *Orchestrator) supervise(ctx context.Context, s *Session, proc *process.Process, ln *channel.Listener) {
	defer proc.Close()

	var (
		state     process.ExitState
		msg       []byte
		acceptErr error
	)

	var g errgroup.Group
	g.Go(func() error {
		s.drainStderr(proc.Stderr())
		return nil
	})
	g.Go(func() error {
		msg, acceptErr = ln.AcceptOnce(ctx, 0)
		return nil
	})
	g.Go(func() error {
		var err error
		state, err = proc.Wait()

		// A result may still be queued, and a grandchild may hold stderr.
		ln.Expire(o.drainTimeout)
		proc.ExpireStderr(o.drainTimeout)
		return err
	})

	if err := g.Wait(); err != nil {
		s.logger.Error().Err(err).Msg("lost track of plugin")
		s.fail(PluginCrashed, err)
		return
	}

	s.span.AddEvent("plugin.exited")
	if state.Crashed() {
		s.logger.Warn().Stringer("exit", state).Int("discarded_bytes", len(msg)).Msg("plugin crashed")
		s.fail(PluginCrashed, errors.New(state.String()))
		return
	}

	s.complete(s.decodeOutcome(msg, acceptErr))
}

// decodeOutcome turns what arrived on the channel into an outcome. Nothing
// received or a malformed message yields an outcome without a result.
func (s *Session) decodeOutcome(msg []byte, acceptErr error) protocol.Outcome {
	if acceptErr != nil {
		if errors.Is(acceptErr, channel.ErrTimedOut) {
			s.logger.Debug().Msg("plugin exited without sending a result")
		} else {
			s.logger.Warn().Err(acceptErr).Msg("failed to receive result")
		}
		return protocol.Outcome{}
	}

	var outcome protocol.Outcome
	if err := outcome.UnmarshalBinary(msg); err != nil {
		s.logger.Warn().Err(err).Int("bytes", len(msg)).Msg("discarding malformed result")
		return protocol.Outcome{}
	}
	return outcome
}

func (s *Session) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		s.logger.Debug().Str("stderr", scanner.Text()).Msg("plugin output")
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			// Keep the pipe flowing so the helper never blocks on a write.
			io.Copy(io.Discard, r)
			return
		}
		s.logger.Debug().Err(err).Msg("stopped reading plugin output")
	}
}
