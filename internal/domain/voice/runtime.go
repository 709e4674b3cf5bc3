package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/clinicdoc/voicedoc/internal/platform/stt"
	"github.com/clinicdoc/voicedoc/internal/platform/telemetry"
	"github.com/clinicdoc/voicedoc/internal/platform/transcript"
)

type chunkJob struct {
	in    ChunkInput
	reply chan chunkReply
}

type chunkReply struct {
	ack *ChunkAck
	err error
}

// sessionRuntime is the in-memory half of an open session. Fields under mu
// are written only by the owner goroutine until finalization takes over.
type sessionRuntime struct {
	id       uuid.UUID
	provider stt.Provider

	mu           sync.Mutex
	session      *Session
	audio        []byte
	pending      *stt.Result
	nextPos      int
	tally        commandTally
	lastActivity time.Time
	// inFlight is set while the owner waits on the provider; the idle
	// sweep leaves such sessions alone.
	inFlight   bool
	lastAck    *ChunkAck
	heldSeq    int64
	failReason string
	failErr    error

	jobs      chan *chunkJob
	ctx       context.Context
	cancel    context.CancelFunc
	quit      chan struct{}
	quitOnce  sync.Once
	ownerDone chan struct{}

	finalizeOnce sync.Once
	done         chan struct{}
	result       *FinalizationResult
	err          error
}

func newSessionRuntime(s *Session, provider stt.Provider, now time.Time) *sessionRuntime {
	ctx, cancel := context.WithCancel(context.Background())
	return &sessionRuntime{
		id:           s.ID,
		provider:     provider,
		session:      s.clone(),
		nextPos:      s.CommandCount + 1,
		tally:        commandTally{byCategory: map[string]int{}},
		lastActivity: now,
		jobs:         make(chan *chunkJob),
		ctx:          ctx,
		cancel:       cancel,
		quit:         make(chan struct{}),
		ownerDone:    make(chan struct{}),
		done:         make(chan struct{}),
	}
}

func (rt *sessionRuntime) stopOwner() {
	rt.cancel()
	rt.quitOnce.Do(func() { close(rt.quit) })
	<-rt.ownerDone
}

func (rt *sessionRuntime) accepting() bool {
	return rt.session.State == StateCreated || rt.session.State == StateActive
}

// own is the session's owner goroutine.
func (m *Manager) own(rt *sessionRuntime) {
	defer close(rt.ownerDone)
	for {
		select {
		case <-rt.quit:
			return
		case job := <-rt.jobs:
			ack, fatal, err := m.handleChunk(rt, job.in)
			job.reply <- chunkReply{ack: ack, err: err}
			if fatal {
				go m.finish(rt, TriggerError)
				return
			}
		}
	}
}

// handleChunk transcribes one chunk and commits its commands. The bool reports
// that the session must move to Errored.
func (m *Manager) handleChunk(rt *sessionRuntime, in ChunkInput) (*ChunkAck, bool, error) {
	rt.mu.Lock()
	s := rt.session
	if !rt.accepting() {
		rt.mu.Unlock()
		m.metrics.Chunk("rejected")
		return nil, false, ErrSessionNotAccepting
	}
	if in.Sequence > 0 && in.Sequence <= s.LastChunkSeq {
		ack := rt.duplicateAck(in.Sequence)
		rt.mu.Unlock()
		m.metrics.Chunk("duplicate")
		return ack, false, nil
	}
	retry := in.Sequence > 0 && in.Sequence == rt.heldSeq
	if !retry && m.opts.MaxAudioBytes > 0 && int64(len(rt.audio)+len(in.Data)) > m.opts.MaxAudioBytes {
		rt.mu.Unlock()
		m.metrics.Chunk("audio_limit")
		return nil, false, ErrAudioLimit
	}
	sc := m.sessionContext(s, in.Sequence)
	rt.lastActivity = m.now()
	rt.inFlight = true
	rt.mu.Unlock()

	res, err := m.transcribe(rt, in.Data, sc)
	var cmds []*Command
	if err == nil && res.IsFinal && !res.Empty() {
		cmds = m.buildCommands(rt.ctx, res.Text, res.Confidence)
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.inFlight = false
	if !rt.accepting() {
		// Finalization started while the provider was working; the late
		// result is dropped.
		m.metrics.Chunk("discarded")
		return nil, false, ErrSessionNotAccepting
	}

	now := m.now()
	rt.lastActivity = now
	next := s.clone()
	next.UpdatedAt = now
	if next.State == StateCreated {
		_ = next.transition(StateActive)
	}
	if !retry {
		next.DurationMillis += m.chunkDuration(in).Milliseconds()
		next.AudioBytes += int64(len(in.Data))
	}

	if err != nil {
		if !stt.IsRetryable(err) {
			rt.failReason = ReasonProviderRejected
			rt.failErr = err
			m.metrics.Chunk("provider_rejected")
			return nil, true, err
		}
		if !errors.Is(err, stt.ErrProviderUnavailable) {
			err = stt.Unavailable(rt.provider.Name(), err)
		}
		// Keep the audio and mark the session; later chunks are still tried.
		next.Degraded = true
		sctx, cancel := m.storeCtx()
		defer cancel()
		if perr := m.repo.UpdateSession(sctx, next); perr != nil {
			return nil, true, m.persistenceFailed(rt, perr)
		}
		if !retry {
			rt.audio = append(rt.audio, in.Data...)
		}
		rt.heldSeq = in.Sequence
		rt.session = next
		m.metrics.Chunk("provider_unavailable")
		m.logger.Warn().Err(err).Str("session_id", rt.id.String()).Msg("speech provider unavailable, session degraded")
		m.publish(rt.id, "degraded", map[string]interface{}{"sequence": in.Sequence})
		return nil, false, err
	}

	if res.IsFinal && !res.Empty() {
		next.addConfidence(res.Confidence)
	}
	rt.assignPositions(cmds, now)
	next.CommandCount += len(cmds)
	if in.Sequence > 0 {
		next.LastChunkSeq = in.Sequence
	}

	sctx, cancel := m.storeCtx()
	defer cancel()
	if perr := m.repo.AppendCommands(sctx, next, cmds); perr != nil {
		return nil, true, m.persistenceFailed(rt, perr)
	}

	// Committed: advance the runtime.
	if !retry {
		rt.audio = append(rt.audio, in.Data...)
	}
	rt.heldSeq = 0
	rt.nextPos += len(cmds)
	rt.tally.add(cmds)
	rt.session = next
	if res.IsFinal {
		rt.pending = nil
	} else {
		p := res
		rt.pending = &p
	}

	ack := &ChunkAck{
		SessionID:      next.ID,
		Sequence:       in.Sequence,
		State:          next.State,
		Commands:       cmds,
		Degraded:       next.Degraded,
		DurationMillis: next.DurationMillis,
	}
	if ack.Commands == nil {
		ack.Commands = []*Command{}
	}
	if !res.IsFinal {
		ack.Partial = res.Text
	}
	rt.lastAck = ack

	m.metrics.Chunk("accepted")
	for _, c := range cmds {
		m.metrics.Command(string(c.Category), c.Unconfirmed)
		m.publish(rt.id, "command", c)
	}
	if ack.Partial != "" {
		m.publish(rt.id, "partial", map[string]string{"text": ack.Partial})
	}
	if s.State != next.State {
		m.publish(rt.id, "state", map[string]interface{}{"state": next.State})
	}
	if m.opts.MaxDuration > 0 && next.Duration() >= m.opts.MaxDuration {
		go m.finish(rt, TriggerMaxDuration)
	}
	return ack, false, nil
}

func (rt *sessionRuntime) touch(now time.Time) {
	rt.mu.Lock()
	rt.lastActivity = now
	rt.mu.Unlock()
}

// duplicateAck answers a repeated sequence number without reprocessing.
func (rt *sessionRuntime) duplicateAck(seq int64) *ChunkAck {
	if rt.lastAck != nil && rt.lastAck.Sequence == seq {
		cp := *rt.lastAck
		cp.Duplicate = true
		return &cp
	}
	return &ChunkAck{
		SessionID:      rt.id,
		Sequence:       seq,
		State:          rt.session.State,
		Duplicate:      true,
		Commands:       []*Command{},
		Degraded:       rt.session.Degraded,
		DurationMillis: rt.session.DurationMillis,
	}
}

func (rt *sessionRuntime) assignPositions(cmds []*Command, now time.Time) {
	for i, c := range cmds {
		c.SessionID = rt.id
		c.Position = rt.nextPos + i
		c.CreatedAt = now
	}
}

func (m *Manager) persistenceFailed(rt *sessionRuntime, err error) error {
	rt.failReason = ReasonPersistenceFailure
	rt.failErr = err
	m.metrics.Chunk("persistence_failure")
	m.logger.Error().Err(err).Str("session_id", rt.id.String()).Msg("command log write failed")
	return fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
}

func (m *Manager) sessionContext(s *Session, seq int64) stt.SessionContext {
	return stt.SessionContext{
		SessionID: s.ID,
		ClinicID:  s.ClinicID,
		Language:  s.Language,
		Model:     m.opts.Model,
		Sequence:  seq,
		Offset:    s.Duration(),
		Phrases:   m.phrases,
	}
}

func (m *Manager) chunkDuration(in ChunkInput) time.Duration {
	if in.Duration > 0 {
		return in.Duration
	}
	if m.opts.AudioBytesPerSecond <= 0 {
		return 0
	}
	return time.Duration(int64(len(in.Data)) * int64(time.Second) / m.opts.AudioBytesPerSecond)
}

// transcribe calls the provider with bounded exponential backoff. Only
// ErrProviderUnavailable and timeouts are retried.
func (m *Manager) transcribe(rt *sessionRuntime, chunk []byte, sc stt.SessionContext) (stt.Result, error) {
	name := rt.provider.Name()
	ctx, span := telemetry.StartSpan(rt.ctx, "stt.transcribe",
		attribute.String("stt.provider", name),
		attribute.String("voice.session_id", sc.SessionID.String()),
		attribute.Int("audio.bytes", len(chunk)),
	)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.opts.RetryInitial
	b.MaxInterval = m.opts.RetryMax
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(m.opts.MaxRetries)), ctx)

	op := func() (stt.Result, error) {
		if err := m.sem.Acquire(ctx, 1); err != nil {
			return stt.Result{}, backoff.Permanent(err)
		}
		defer m.sem.Release(1)

		callCtx := ctx
		if m.opts.ProviderTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, m.opts.ProviderTimeout)
			defer cancel()
		}
		start := time.Now()
		res, err := rt.provider.Transcribe(callCtx, chunk, sc)
		switch {
		case err == nil:
			m.metrics.ProviderRequest(name, "ok", time.Since(start))
			return res, nil
		case ctx.Err() != nil:
			m.metrics.ProviderRequest(name, "cancelled", time.Since(start))
			return stt.Result{}, backoff.Permanent(ctx.Err())
		case stt.IsRetryable(err):
			m.metrics.ProviderRequest(name, "unavailable", time.Since(start))
			return stt.Result{}, err
		default:
			m.metrics.ProviderRequest(name, "rejected", time.Since(start))
			return stt.Result{}, backoff.Permanent(err)
		}
	}
	notify := func(err error, wait time.Duration) {
		rt.touch(m.now())
		m.metrics.ProviderRetry(name)
		m.logger.Debug().Err(err).Str("provider", name).Dur("wait", wait).Msg("retrying speech provider")
	}

	res, err := backoff.RetryNotifyWithData(op, policy, notify)
	telemetry.EndSpan(span, err)
	return res, err
}

// buildCommands classifies recognized text and annotates each command.
// Positions are assigned at commit.
func (m *Manager) buildCommands(ctx context.Context, text string, confidence float64) []*Command {
	var out []*Command
	for _, tc := range m.processor.Process(text, confidence) {
		out = append(out, m.annotate(ctx, &Command{
			Category:    tc.Category,
			Section:     tc.Section,
			RawText:     tc.RawText,
			Text:        tc.Text,
			Confidence:  tc.Confidence,
			Unconfirmed: tc.Unconfirmed,
		}))
	}
	return out
}

func (m *Manager) annotate(ctx context.Context, c *Command) *Command {
	if m.extractor == nil || c.Category == transcript.CategorySectionMarker || c.Text == "" {
		return c
	}
	ctx, span := telemetry.StartSpan(ctx, "extract.annotate", attribute.String("command.category", string(c.Category)))
	c.Annotations = m.extractor.Extract(ctx, c.Text)
	telemetry.EndSpan(span, nil)
	return c
}

// partialCommand commits held partial text as unconfirmed free text with its
// confidence capped below the acceptance threshold.
func (m *Manager) partialCommand(ctx context.Context, p *stt.Result) *Command {
	threshold := m.processor.Options().AcceptanceThreshold
	conf := p.Confidence
	if conf >= threshold {
		conf = threshold - 0.01
	}
	if conf < 0 {
		conf = 0
	}
	text := strings.Join(strings.Fields(strings.TrimSuffix(strings.TrimSuffix(p.Text, "..."), "…")), " ")
	return m.annotate(ctx, &Command{
		Category:    transcript.CategoryFreeText,
		RawText:     p.Text,
		Text:        text,
		Confidence:  conf,
		Unconfirmed: true,
	})
}
