package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/clinicdoc/voicedoc/internal/platform/extract"
	"github.com/clinicdoc/voicedoc/internal/platform/hipaa"
	"github.com/clinicdoc/voicedoc/internal/platform/note"
	"github.com/clinicdoc/voicedoc/internal/platform/stt"
	"github.com/clinicdoc/voicedoc/internal/platform/telemetry"
	"github.com/clinicdoc/voicedoc/internal/platform/transcript"
	"github.com/clinicdoc/voicedoc/internal/platform/websocket"
)

// Options are the session limits and provider call policy.
type Options struct {
	Language            string
	Model               string
	MaxDuration         time.Duration
	IdleTimeout         time.Duration
	SweepInterval       time.Duration
	FinalizeTimeout     time.Duration
	ProviderTimeout     time.Duration
	StoreTimeout        time.Duration
	MaxChunkBytes       int64
	MaxAudioBytes       int64
	AudioBytesPerSecond int64
	MaxRetries          int
	RetryInitial        time.Duration
	RetryMax            time.Duration
	MaxConcurrent       int64
}

// DefaultOptions returns the service defaults.
func DefaultOptions() Options {
	return Options{
		Language:            "pt-BR",
		Model:               "medical_dictation",
		MaxDuration:         300 * time.Second,
		IdleTimeout:         60 * time.Second,
		SweepInterval:       5 * time.Second,
		FinalizeTimeout:     5 * time.Second,
		ProviderTimeout:     30 * time.Second,
		StoreTimeout:        10 * time.Second,
		MaxChunkBytes:       2 << 20,
		MaxAudioBytes:       50 << 20,
		AudioBytesPerSecond: 32000,
		MaxRetries:          3,
		RetryInitial:        200 * time.Millisecond,
		RetryMax:            2 * time.Second,
		MaxConcurrent:       10,
	}
}

// LiveFeed receives session events for WebSocket listeners.
// *websocket.Hub satisfies it.
type LiveFeed interface {
	Publish(ctx context.Context, event websocket.Event) error
	CloseTopic(topic string)
}

// Deps are the collaborators of a Manager. Extractor, Live and Metrics are
// optional.
type Deps struct {
	Repo      Repository
	Selector  *stt.Selector
	Processor *transcript.Processor
	Extractor *extract.Extractor
	Envelope  *hipaa.Envelope
	Live      LiveFeed
	Metrics   *telemetry.Metrics
	Logger    zerolog.Logger
	// Phrases are recognition hints sent with every provider call.
	Phrases []string
}

// Manager runs dictation sessions. Each open session has one owner
// goroutine that processes its chunks in arrival order and is the only
// writer of its command log.
type Manager struct {
	repo      Repository
	selector  *stt.Selector
	processor *transcript.Processor
	extractor *extract.Extractor
	envelope  *hipaa.Envelope
	live      LiveFeed
	metrics   *telemetry.Metrics
	logger    zerolog.Logger
	phrases   []string
	opts      Options
	sem       *semaphore.Weighted
	now       func() time.Time

	mu         sync.Mutex
	sessions   map[uuid.UUID]*sessionRuntime
	encounters map[string]uuid.UUID
	closed     bool

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// NewManager creates a Manager. Call Recover before serving and
// StartSweeper to enforce idle and duration limits.
func NewManager(d Deps, opts Options) *Manager {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 10 * time.Second
	}
	return &Manager{
		repo:       d.Repo,
		selector:   d.Selector,
		processor:  d.Processor,
		extractor:  d.Extractor,
		envelope:   d.Envelope,
		live:       d.Live,
		metrics:    d.Metrics,
		logger:     d.Logger.With().Str("component", "voice").Logger(),
		phrases:    d.Phrases,
		opts:       opts,
		sem:        semaphore.NewWeighted(opts.MaxConcurrent),
		now:        func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
		sessions:   make(map[uuid.UUID]*sessionRuntime),
		encounters: make(map[string]uuid.UUID),
	}
}

// Start opens a session for an encounter. A second start while the
// encounter has an open session fails with ErrSessionConflict.
func (m *Manager) Start(ctx context.Context, p StartParams) (*Session, error) {
	ref := strings.TrimSpace(p.EncounterRef)
	if ref == "" {
		return nil, fmt.Errorf("%w: encounter_ref is required", ErrInvalidInput)
	}
	if p.UserID == "" {
		return nil, fmt.Errorf("%w: user is required", ErrInvalidInput)
	}
	lang := p.Language
	if lang == "" {
		lang = m.opts.Language
	}

	providerName := m.selector.NameFor(p.ClinicID)
	provider, err := m.selector.Provider(providerName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrSessionNotAccepting
	}
	if _, busy := m.encounters[ref]; busy {
		m.mu.Unlock()
		return nil, ErrSessionConflict
	}
	now := m.now()
	s := &Session{
		ID:           uuid.New(),
		UserID:       p.UserID,
		EncounterRef: ref,
		ClinicID:     p.ClinicID,
		Provider:     providerName,
		Language:     lang,
		State:        StateCreated,
		StartedAt:    now,
		UpdatedAt:    now,
	}
	m.encounters[ref] = s.ID
	m.mu.Unlock()

	if err := m.repo.CreateSession(ctx, s); err != nil {
		m.mu.Lock()
		delete(m.encounters, ref)
		m.mu.Unlock()
		if errors.Is(err, ErrSessionConflict) {
			return nil, ErrSessionConflict
		}
		return nil, fmt.Errorf("%w: create session: %v", ErrPersistenceFailure, err)
	}

	rt := newSessionRuntime(s, provider, now)
	m.mu.Lock()
	m.sessions[s.ID] = rt
	m.mu.Unlock()
	go m.own(rt)

	m.metrics.SessionStarted(providerName)
	m.logger.Info().
		Str("session_id", s.ID.String()).
		Str("clinic_id", s.ClinicID).
		Str("provider", providerName).
		Msg("voice session started")
	m.publish(s.ID, "state", map[string]interface{}{"state": s.State})
	return s.clone(), nil
}

// Submit hands a chunk to the session owner and waits for its ack.
func (m *Manager) Submit(ctx context.Context, id uuid.UUID, in ChunkInput) (*ChunkAck, error) {
	if len(in.Data) == 0 {
		return nil, fmt.Errorf("%w: empty audio chunk", ErrInvalidInput)
	}
	if m.opts.MaxChunkBytes > 0 && int64(len(in.Data)) > m.opts.MaxChunkBytes {
		m.metrics.Chunk("too_large")
		return nil, ErrChunkTooLarge
	}

	rt := m.runtime(id)
	if rt == nil {
		if _, err := m.repo.GetSession(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrSessionNotAccepting
	}

	job := &chunkJob{in: in, reply: make(chan chunkReply, 1)}
	select {
	case rt.jobs <- job:
	case <-rt.quit:
		return nil, ErrSessionNotAccepting
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-job.reply:
		return r.ack, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop finalizes the session and returns its summary. Stopping a terminal
// session returns the stored summary; concurrent stops share one
// finalization.
func (m *Manager) Stop(ctx context.Context, id uuid.UUID) (*FinalizationResult, error) {
	if rt := m.runtime(id); rt != nil {
		return m.finish(rt, TriggerStop)
	}

	s, err := m.repo.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.State.Open() {
		// Open in the store but not owned here: a previous process died.
		if s, err = m.interrupt(ctx, s); err != nil {
			return nil, err
		}
	}
	cmds, err := m.repo.ListCommands(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	return newFinalizationResult(s, tallyCommands(cmds)), nil
}

// Session returns the current view of a session. Sessions past their
// retention window fail with ErrSessionExpired.
func (m *Manager) Session(ctx context.Context, id uuid.UUID) (*Session, error) {
	s, err := m.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.expired(s) {
		return nil, ErrSessionExpired
	}
	return s, nil
}

func (m *Manager) lookup(ctx context.Context, id uuid.UUID) (*Session, error) {
	if rt := m.runtime(id); rt != nil {
		rt.mu.Lock()
		defer rt.mu.Unlock()
		return rt.session.clone(), nil
	}
	return m.repo.GetSession(ctx, id)
}

// List returns sessions matching f that are still within retention.
func (m *Manager) List(ctx context.Context, f ListFilter) ([]*Session, int, error) {
	f.RetainedAt = m.now()
	return m.repo.ListSessions(ctx, f)
}

// Commands returns the command log accepted so far. It is readable in every
// state until the retention window ends.
func (m *Manager) Commands(ctx context.Context, id uuid.UUID) ([]*Command, error) {
	if _, err := m.Session(ctx, id); err != nil {
		return nil, err
	}
	return m.repo.ListCommands(ctx, id)
}

// Note rebuilds the structured note from the command log. Open sessions
// fail with ErrSessionNotClosed, expired ones with ErrSessionExpired.
func (m *Manager) Note(ctx context.Context, id uuid.UUID) (*note.StructuredNote, error) {
	s, err := m.Session(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.State.Terminal() {
		return nil, ErrSessionNotClosed
	}
	cmds, err := m.repo.ListCommands(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	entries := make([]note.Entry, len(cmds))
	for i, c := range cmds {
		entries[i] = c.Entry()
	}
	return note.Assemble(id.String(), entries), nil
}

// Audio decrypts the sealed audio of a terminal session.
func (m *Manager) Audio(ctx context.Context, id uuid.UUID) ([]byte, error) {
	s, err := m.Session(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.State.Terminal() {
		return nil, ErrSessionNotClosed
	}
	ct, version, err := m.repo.GetAudio(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.envelope.Open(id, ct, version)
}

// Delete removes a terminal session, its commands and its sealed audio. The
// deletion is recorded as ev in the same write; open sessions fail with
// ErrSessionNotClosed. Expired sessions may still be deleted.
func (m *Manager) Delete(ctx context.Context, id uuid.UUID, ev *hipaa.PHIAccessEvent) error {
	if rt := m.runtime(id); rt != nil {
		rt.mu.Lock()
		terminal := rt.session.State.Terminal()
		rt.mu.Unlock()
		if !terminal {
			return ErrSessionNotClosed
		}
	}
	ev.SessionID = id
	ev.Action = hipaa.AuditSessionDeleted
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.AccessedAt.IsZero() {
		ev.AccessedAt = m.now()
	}
	if err := m.repo.DeleteSession(ctx, id, ev); err != nil {
		if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrSessionNotClosed) {
			return err
		}
		return fmt.Errorf("%w: delete session: %v", ErrPersistenceFailure, err)
	}

	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	m.logger.Info().
		Str("session_id", id.String()).
		Str("deleted_by", ev.AccessedBy).
		Msg("voice session deleted")
	return nil
}

// Configuration returns the effective settings for a clinic.
func (m *Manager) Configuration(clinicID string) Configuration {
	popts := m.processor.Options()
	return Configuration{
		ClinicID:            clinicID,
		Provider:            m.selector.NameFor(clinicID),
		AvailableProviders:  m.selector.Names(),
		Language:            m.opts.Language,
		Model:               m.opts.Model,
		ConfidenceThreshold: popts.AcceptanceThreshold,
		SimilarityThreshold: popts.SimilarityThreshold,
		MaxDurationSeconds:  int64(m.opts.MaxDuration / time.Second),
		IdleTimeoutSeconds:  int64(m.opts.IdleTimeout / time.Second),
		MaxAudioBytes:       m.opts.MaxAudioBytes,
		MaxChunkBytes:       m.opts.MaxChunkBytes,
		RetentionSeconds:    int64(m.envelope.Retention().Window / time.Second),
	}
}

// SetProvider overrides the provider of a clinic for sessions started from
// now on. Open sessions keep the provider they started with.
func (m *Manager) SetProvider(clinicID, name string) error {
	if err := m.selector.Override(clinicID, name); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	m.logger.Info().Str("clinic_id", clinicID).Str("provider", name).Msg("speech provider overridden")
	return nil
}

// Recover moves sessions left open by a previous process to Errored with
// reason "interrupted". Their buffered audio is lost.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	open, err := m.repo.ListOpenSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list open sessions: %w", err)
	}
	n := 0
	for _, s := range open {
		if m.runtime(s.ID) != nil {
			continue
		}
		if _, err := m.interrupt(ctx, s); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		m.logger.Warn().Int("count", n).Msg("recovered interrupted voice sessions")
	}
	return n, nil
}

// StartSweeper enforces the idle and duration limits every SweepInterval
// until Close.
func (m *Manager) StartSweeper() {
	if m.opts.SweepInterval <= 0 || m.sweepStop != nil {
		return
	}
	m.sweepStop = make(chan struct{})
	m.sweepDone = make(chan struct{})
	go func() {
		defer close(m.sweepDone)
		ticker := time.NewTicker(m.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.sweepStop:
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

func (m *Manager) sweep() {
	now := m.now()
	for _, rt := range m.runtimes() {
		rt.mu.Lock()
		state := rt.session.State
		duration := rt.session.Duration()
		idle := now.Sub(rt.lastActivity)
		busy := rt.inFlight
		rt.mu.Unlock()

		if state != StateCreated && state != StateActive {
			continue
		}
		switch {
		case m.opts.MaxDuration > 0 && duration >= m.opts.MaxDuration:
			go m.finish(rt, TriggerMaxDuration)
		case !busy && m.opts.IdleTimeout > 0 && idle >= m.opts.IdleTimeout:
			go m.finish(rt, TriggerIdle)
		}
	}
}

// Close stops the sweeper and finalizes every open session.
func (m *Manager) Close(ctx context.Context) error {
	if m.sweepStop != nil {
		close(m.sweepStop)
		<-m.sweepDone
		m.sweepStop = nil
	}
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, rt := range m.runtimes() {
		rt := rt
		g.Go(func() error {
			_, err := m.finish(rt, TriggerShutdown)
			return err
		})
	}
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) runtime(id uuid.UUID) *sessionRuntime {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

func (m *Manager) runtimes() []*sessionRuntime {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*sessionRuntime, 0, len(m.sessions))
	for _, rt := range m.sessions {
		out = append(out, rt)
	}
	return out
}

func (m *Manager) expired(s *Session) bool {
	return m.envelope.Retention().Expired(s.ExpiresAt, m.now())
}

// storeCtx bounds store writes that must not be cut short by a client
// disconnect or a stop.
func (m *Manager) storeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), m.opts.StoreTimeout)
}

func (m *Manager) publish(id uuid.UUID, kind string, data interface{}) {
	if m.live == nil {
		return
	}
	raw, err := json.Marshal(data)
	if err != nil {
		m.logger.Warn().Err(err).Str("session_id", id.String()).Msg("encode live event")
		return
	}
	_ = m.live.Publish(context.Background(), websocket.Event{
		Type:      kind,
		Topic:     websocket.SessionTopic(id.String()),
		SessionID: id.String(),
		Timestamp: m.now(),
		Data:      raw,
	})
}
