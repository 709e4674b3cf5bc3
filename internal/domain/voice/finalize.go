package voice

import (
	"context"
	"errors"
	"fmt"

	"github.com/getsentry/sentry-go"
	"go.opentelemetry.io/otel/attribute"

	"github.com/clinicdoc/voicedoc/internal/platform/hipaa"
	"github.com/clinicdoc/voicedoc/internal/platform/telemetry"
	"github.com/clinicdoc/voicedoc/internal/platform/websocket"
)

// finish runs the session's finalization once; every caller gets the same
// result.
func (m *Manager) finish(rt *sessionRuntime, trigger string) (*FinalizationResult, error) {
	rt.finalizeOnce.Do(func() {
		rt.result, rt.err = m.finalize(rt, trigger)
		close(rt.done)
	})
	<-rt.done
	return rt.result, rt.err
}

// finalize takes the session from Created/Active to Closed, or to Errored
// when the owner recorded a failure: flush the provider, commit the last
// commands, seal the audio and write the audit record in one transaction.
func (m *Manager) finalize(rt *sessionRuntime, trigger string) (*FinalizationResult, error) {
	ctx, span := telemetry.StartSpan(context.Background(), "voice.finalize",
		attribute.String("voice.session_id", rt.id.String()),
		attribute.String("voice.trigger", trigger),
	)
	log := m.logger.With().Str("session_id", rt.id.String()).Str("trigger", trigger).Logger()

	// Stop taking audio at once; the in-flight provider call is cancelled and
	// its result dropped by the owner.
	rt.mu.Lock()
	if rt.failReason == "" && rt.accepting() {
		_ = rt.session.transition(StateFinalizing)
	}
	rt.mu.Unlock()
	rt.stopOwner()

	rt.mu.Lock()
	s := rt.session.clone()
	failReason, failErr := rt.failReason, rt.failErr
	rt.mu.Unlock()

	var cmds []*Command
	var persistErr error
	flushed := false
	if failReason == "" {
		s.UpdatedAt = m.now()
		sctx, cancel := m.storeCtx()
		persistErr = m.repo.UpdateSession(sctx, s)
		cancel()
		if persistErr != nil {
			failReason, failErr = ReasonPersistenceFailure, persistErr
		} else {
			m.publish(rt.id, "state", map[string]interface{}{"state": s.State})
			cmds = m.flush(ctx, rt, s)
			flushed = true
		}
	}
	if !flushed {
		m.discard(ctx, rt, s)
	}

	now := m.now()
	s.EndedAt = &now
	s.UpdatedAt = now
	expiry := m.envelope.Retention().ExpiryFor(now)
	s.ExpiresAt = &expiry
	if failReason != "" {
		s.State = StateErrored
		s.ErrorReason = failReason
	} else {
		_ = s.transition(StateClosed)
	}

	rt.mu.Lock()
	audio := rt.audio
	committed := rt.tally.clone()
	committedCount := rt.nextPos - 1
	rt.mu.Unlock()
	tally := committed.clone()
	tally.add(cmds)

	var sealed *hipaa.SealedAudio
	if len(audio) > 0 {
		var err error
		if sealed, err = m.envelope.Seal(s.ID, audio, now); err != nil {
			log.Error().Err(err).Msg("seal session audio")
			sealed = nil
		}
	}

	err := m.commitTerminal(s, cmds, sealed, tally)
	if err == nil && sealed != nil {
		s.HasAudio = true
		s.AudioKeyVersion = sealed.KeyVersion
	}
	if err != nil {
		// Record the failure on a session without the unsaved commands.
		log.Error().Err(err).Msg("finalization write failed")
		failErr = err
		cmds = nil
		tally = committed
		s.State = StateErrored
		s.ErrorReason = ReasonPersistenceFailure
		s.CommandCount = committedCount
		if ferr := m.commitTerminal(s, nil, sealed, tally); ferr != nil {
			log.Error().Err(ferr).Msg("could not record errored session")
		}
		err = fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
	} else if persistErr != nil {
		err = fmt.Errorf("%w: %v", ErrPersistenceFailure, persistErr)
	}

	rt.mu.Lock()
	rt.session = s
	rt.audio = nil
	rt.pending = nil
	rt.nextPos += len(cmds)
	rt.tally = tally
	rt.mu.Unlock()

	m.release(rt, s, err == nil)
	m.metrics.SessionFinished(string(s.State), s.Duration())
	for _, c := range cmds {
		m.metrics.Command(string(c.Category), c.Unconfirmed)
		m.publish(rt.id, "command", c)
	}
	m.publish(rt.id, "state", map[string]interface{}{"state": s.State, "error_reason": s.ErrorReason})
	if m.live != nil {
		m.live.CloseTopic(websocket.SessionTopic(rt.id.String()))
	}

	if s.State == StateErrored {
		m.reportErrored(s, failErr)
		log.Warn().Str("reason", s.ErrorReason).Int("commands", s.CommandCount).Msg("voice session errored")
	} else {
		log.Info().
			Int("commands", s.CommandCount).
			Int64("duration_ms", s.DurationMillis).
			Bool("degraded", s.Degraded).
			Msg("voice session closed")
	}
	telemetry.EndSpan(span, err)
	return newFinalizationResult(s, tally), err
}

// flush drains what the provider still holds. When the flush fails or
// returns nothing while a partial is pending, the partial is kept as
// unconfirmed text. Returned commands carry their positions; s is updated.
func (m *Manager) flush(ctx context.Context, rt *sessionRuntime, s *Session) []*Command {
	fctx, cancel := context.WithTimeout(ctx, m.opts.FinalizeTimeout)
	res, err := rt.provider.Finalize(fctx, m.sessionContext(s, 0))
	cancel()

	rt.mu.Lock()
	pending := rt.pending
	rt.mu.Unlock()

	var cmds []*Command
	switch {
	case err == nil && !res.Empty():
		s.addConfidence(res.Confidence)
		cmds = m.buildCommands(ctx, res.Text, res.Confidence)
	case pending != nil && !pending.Empty():
		if err != nil {
			m.logger.Warn().Err(err).Str("session_id", s.ID.String()).Msg("provider flush failed, keeping partial")
		}
		c := m.partialCommand(ctx, pending)
		s.addConfidence(c.Confidence)
		cmds = []*Command{c}
	case err != nil:
		m.logger.Warn().Err(err).Str("session_id", s.ID.String()).Msg("provider flush failed")
	}

	rt.mu.Lock()
	rt.assignPositions(cmds, m.now())
	rt.mu.Unlock()
	s.CommandCount += len(cmds)
	return cmds
}

// discard lets the provider drop what it holds for a session that will not
// be flushed. The returned text is not used.
func (m *Manager) discard(ctx context.Context, rt *sessionRuntime, s *Session) {
	fctx, cancel := context.WithTimeout(ctx, m.opts.FinalizeTimeout)
	defer cancel()
	if _, err := rt.provider.Finalize(fctx, m.sessionContext(s, 0)); err != nil {
		m.logger.Debug().Err(err).Str("session_id", s.ID.String()).Msg("provider release failed")
	}
}

func (m *Manager) commitTerminal(s *Session, cmds []*Command, sealed *hipaa.SealedAudio, t commandTally) error {
	audit := m.auditRecord(s, t)
	sctx, cancel := m.storeCtx()
	defer cancel()
	return m.repo.Finalize(sctx, s, cmds, sealed, audit)
}

// interrupt moves a session without an owner to Errored.
func (m *Manager) interrupt(ctx context.Context, s *Session) (*Session, error) {
	cmds, err := m.repo.ListCommands(ctx, s.ID)
	if err != nil {
		return nil, fmt.Errorf("list commands of %s: %w", s.ID, err)
	}
	now := m.now()
	s.State = StateErrored
	s.ErrorReason = ReasonInterrupted
	s.EndedAt = &now
	s.UpdatedAt = now
	expiry := m.envelope.Retention().ExpiryFor(now)
	s.ExpiresAt = &expiry

	audit := m.auditRecord(s, tallyCommands(cmds))
	if err := m.repo.Finalize(ctx, s, nil, nil, audit); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
	}
	m.metrics.SessionFinished(string(s.State), s.Duration())
	m.reportErrored(s, nil)
	return s, nil
}

func (m *Manager) auditRecord(s *Session, t commandTally) *hipaa.SessionAuditRecord {
	at := m.now()
	if s.EndedAt != nil {
		at = *s.EndedAt
	}
	rec := hipaa.NewSessionAuditRecord(s.ID, string(s.State), at)
	rec.UserID = s.UserID
	rec.EncounterRef = s.EncounterRef
	rec.ClinicID = s.ClinicID
	rec.Provider = s.Provider
	rec.Reason = s.ErrorReason
	rec.Degraded = s.Degraded
	rec.DurationMillis = s.DurationMillis
	rec.AggregateConfidence = s.AggregateConfidence
	rec.CommandCount = s.CommandCount
	rec.UnconfirmedCount = t.unconfirmed
	for k, v := range t.byCategory {
		rec.CommandsByCategory[k] = v
	}
	if s.ExpiresAt != nil {
		rec.ExpiresAt = *s.ExpiresAt
	}
	return rec
}

// release frees the encounter. A runtime whose final write failed stays
// registered so later stops return the same outcome.
func (m *Manager) release(rt *sessionRuntime, s *Session, forget bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.encounters[s.EncounterRef]; ok && id == s.ID {
		delete(m.encounters, s.EncounterRef)
	}
	if forget {
		delete(m.sessions, rt.id)
	}
}

func (m *Manager) reportErrored(s *Session, cause error) {
	if cause == nil {
		cause = errors.New("voice session errored: " + s.ErrorReason)
	}
	hub := sentry.CurrentHub().Clone()
	hub.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("session_id", s.ID.String())
		scope.SetTag("clinic_id", s.ClinicID)
		scope.SetTag("provider", s.Provider)
		scope.SetTag("reason", s.ErrorReason)
	})
	hub.CaptureException(cause)
}
