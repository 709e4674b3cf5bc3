package voice

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/clinicdoc/voicedoc/internal/domain/terminology"
	"github.com/clinicdoc/voicedoc/internal/platform/db"
	"github.com/clinicdoc/voicedoc/internal/platform/extract"
	"github.com/clinicdoc/voicedoc/internal/platform/hipaa"
	"github.com/clinicdoc/voicedoc/internal/platform/stt"
	"github.com/clinicdoc/voicedoc/internal/platform/transcript"
	"github.com/clinicdoc/voicedoc/internal/platform/websocket"
	"github.com/clinicdoc/voicedoc/migrations"
)

type testEnv struct {
	mgr  *Manager
	repo Repository
	db   *sql.DB
	keys *hipaa.Keyring
	live *recordingFeed
}

func testKey(b byte) []byte {
	k := make([]byte, 32)
	for i := range k {
		k[i] = b
	}
	return k
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()
	sqldb, err := db.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sqldb.Close() })
	_, err = db.NewSQLiteMigrator(sqldb, migrations.SQLite()).Up(ctx)
	require.NoError(t, err)
	return sqldb
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.RetryInitial = time.Millisecond
	opts.RetryMax = 2 * time.Millisecond
	opts.MaxRetries = 2
	opts.SweepInterval = 0
	opts.FinalizeTimeout = time.Second
	opts.ProviderTimeout = 2 * time.Second
	return opts
}

// newTestEnv wires a manager over in-memory SQLite. providers are registered
// next to "loopback"; defaultProvider picks the one sessions use.
func newTestEnv(t *testing.T, defaultProvider string, providers map[string]stt.Provider, tweak func(*Options)) *testEnv {
	t.Helper()
	sqldb := openTestDB(t)
	keys, err := hipaa.NewKeyring(testKey(7), 1)
	require.NoError(t, err)
	repo := NewRepoSQLite(sqldb, keys)
	return newTestEnvWithRepo(t, sqldb, repo, keys, defaultProvider, providers, tweak)
}

func newTestEnvWithRepo(t *testing.T, sqldb *sql.DB, repo Repository, keys *hipaa.Keyring,
	defaultProvider string, providers map[string]stt.Provider, tweak func(*Options)) *testEnv {
	t.Helper()

	reg := stt.NewRegistry()
	reg.Register("loopback", func() (stt.Provider, error) { return stt.NewLoopbackProvider(), nil })
	for name, p := range providers {
		p := p
		reg.Register(name, func() (stt.Provider, error) { return p, nil })
	}
	if defaultProvider == "" {
		defaultProvider = "loopback"
	}

	proc, err := transcript.NewProcessor(transcript.DefaultTriggers(), transcript.DefaultOptions())
	require.NoError(t, err)

	terms := terminology.NewService(
		terminology.NewStaticIndex(terminology.DefaultICD10(), terminology.DefaultTerms()),
		terminology.NewStaticVocabulary(terminology.DefaultTerms()),
	)
	vocab, err := terms.Vocabulary(context.Background(), "pt-BR")
	require.NoError(t, err)
	ex := extract.New(vocab, terms, extract.Options{LookupTimeout: time.Second, MaxCandidates: 3}, zerolog.Nop())

	opts := testOptions()
	if tweak != nil {
		tweak(&opts)
	}
	live := &recordingFeed{}
	mgr := NewManager(Deps{
		Repo:      repo,
		Selector:  stt.NewSelector(reg, defaultProvider, nil),
		Processor: proc,
		Extractor: ex,
		Envelope:  hipaa.NewEnvelope(keys, hipaa.NewRetentionPolicy(24*time.Hour)),
		Live:      live,
		Logger:    zerolog.Nop(),
		Phrases:   transcript.DefaultTriggers().Phrases(),
	}, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Close(ctx)
	})
	return &testEnv{mgr: mgr, repo: repo, db: sqldb, keys: keys, live: live}
}

func (e *testEnv) start(t *testing.T, encounter string) *Session {
	t.Helper()
	s, err := e.mgr.Start(context.Background(), StartParams{
		UserID:       "dr-ana",
		ClinicID:     "clinic-a",
		EncounterRef: encounter,
	})
	require.NoError(t, err)
	return s
}

func (e *testEnv) say(t *testing.T, s *Session, seq int64, text string) *ChunkAck {
	t.Helper()
	ack, err := e.mgr.Submit(context.Background(), s.ID, ChunkInput{Data: []byte(text), Sequence: seq})
	require.NoError(t, err)
	return ack
}

// recordingFeed captures live events.
type recordingFeed struct {
	mu     sync.Mutex
	events []websocket.Event
	closed []string
}

func (f *recordingFeed) Publish(_ context.Context, ev websocket.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *recordingFeed) CloseTopic(topic string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, topic)
}

func (f *recordingFeed) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	for i, ev := range f.events {
		out[i] = ev.Type
	}
	return out
}

// flakyProvider wraps loopback and fails chunks containing a marker word.
type flakyProvider struct {
	*stt.LoopbackProvider
	name        string
	marker      string
	fail        func(provider string) error
	finalizeErr error

	mu    sync.Mutex
	calls int
}

func newFlakyProvider(name, marker string, fail func(string) error) *flakyProvider {
	return &flakyProvider{LoopbackProvider: stt.NewLoopbackProvider(), name: name, marker: marker, fail: fail}
}

func (p *flakyProvider) Name() string { return p.name }

func (p *flakyProvider) Transcribe(ctx context.Context, chunk []byte, sc stt.SessionContext) (stt.Result, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if p.marker != "" && strings.Contains(string(chunk), p.marker) {
		return stt.Result{}, p.fail(p.name)
	}
	return p.LoopbackProvider.Transcribe(ctx, chunk, sc)
}

func (p *flakyProvider) Finalize(ctx context.Context, sc stt.SessionContext) (stt.Result, error) {
	if p.finalizeErr != nil {
		return stt.Result{}, p.finalizeErr
	}
	return p.LoopbackProvider.Finalize(ctx, sc)
}

func (p *flakyProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// blockingProvider holds every call until its context ends.
type blockingProvider struct {
	started chan struct{}
}

func (p *blockingProvider) Name() string { return "blocking" }

func (p *blockingProvider) Transcribe(ctx context.Context, _ []byte, _ stt.SessionContext) (stt.Result, error) {
	select {
	case p.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return stt.Result{}, ctx.Err()
}

func (p *blockingProvider) Finalize(context.Context, stt.SessionContext) (stt.Result, error) {
	return stt.Result{IsFinal: true}, nil
}

// slowProvider answers like loopback after a fixed delay.
type slowProvider struct {
	*stt.LoopbackProvider
	delay time.Duration
}

func (p *slowProvider) Name() string { return "slow" }

func (p *slowProvider) Transcribe(ctx context.Context, chunk []byte, sc stt.SessionContext) (stt.Result, error) {
	select {
	case <-time.After(p.delay):
	case <-ctx.Done():
		return stt.Result{}, ctx.Err()
	}
	return p.LoopbackProvider.Transcribe(ctx, chunk, sc)
}

// failingRepo fails command appends on demand.
type failingRepo struct {
	Repository
	mu         sync.Mutex
	failAppend bool
}

var errDiskFull = errors.New("disk full")

func (r *failingRepo) setFailAppend(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failAppend = v
}

func (r *failingRepo) AppendCommands(ctx context.Context, s *Session, cmds []*Command) error {
	r.mu.Lock()
	fail := r.failAppend
	r.mu.Unlock()
	if fail {
		return errDiskFull
	}
	return r.Repository.AppendCommands(ctx, s, cmds)
}
