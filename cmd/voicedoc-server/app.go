package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/clinicdoc/voicedoc/internal/config"
	"github.com/clinicdoc/voicedoc/internal/domain/terminology"
	"github.com/clinicdoc/voicedoc/internal/domain/voice"
	"github.com/clinicdoc/voicedoc/internal/platform/db"
	"github.com/clinicdoc/voicedoc/internal/platform/extract"
	"github.com/clinicdoc/voicedoc/internal/platform/hipaa"
	"github.com/clinicdoc/voicedoc/internal/platform/stt"
	"github.com/clinicdoc/voicedoc/internal/platform/telemetry"
	"github.com/clinicdoc/voicedoc/internal/platform/transcript"
	"github.com/clinicdoc/voicedoc/internal/platform/webhook"
	"github.com/clinicdoc/voicedoc/internal/platform/websocket"
	"github.com/clinicdoc/voicedoc/migrations"
)

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.Level(level).With().Timestamp().Str("service", "voicedoc").Logger()
}

// store is the opened persistence backend: exactly one of pool and sqlite is
// set.
type store struct {
	pool   *pgxpool.Pool
	sqlite *sql.DB
}

func openStore(ctx context.Context, cfg *config.Config) (*store, error) {
	switch cfg.StoreDriver {
	case "sqlite":
		sqldb, err := db.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return &store{sqlite: sqldb}, nil
	case "postgres":
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		return &store{pool: pool}, nil
	}
	return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
}

func (s *store) pinger() db.Pinger {
	if s.pool != nil {
		return s.pool
	}
	return db.SQLPinger{DB: s.sqlite}
}

func (s *store) repository(cipher voice.FieldCipher) voice.Repository {
	if s.pool != nil {
		return voice.NewRepoPG(s.pool, cipher)
	}
	return voice.NewRepoSQLite(s.sqlite, cipher)
}

// Close releases the connection.
func (s *store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.sqlite != nil {
		s.sqlite.Close()
	}
}

// app holds the wired voice pipeline.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	store   *store
	redis   *redis.Client
	keys    *hipaa.Keyring
	repo    voice.Repository
	terms   *terminology.Service
	metrics *telemetry.Metrics
	hub     *websocket.Hub
	// notifier is nil unless WEBHOOK_URLS is set.
	notifier *webhook.Notifier
	mgr      *voice.Manager
}

// liveFeeds fans session events out to every feed.
type liveFeeds []voice.LiveFeed

func (f liveFeeds) Publish(ctx context.Context, ev websocket.Event) error {
	for _, l := range f {
		_ = l.Publish(ctx, ev)
	}
	return nil
}

func (f liveFeeds) CloseTopic(topic string) {
	for _, l := range f {
		l.CloseTopic(topic)
	}
}

// buildApp opens the store and wires the pipeline. The embedded store is
// migrated on open; PostgreSQL expects "migrate up" to have run.
func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: telemetry.NewMetrics(), hub: websocket.NewHub(logger)}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.store = st
	if st.sqlite != nil {
		n, err := db.NewSQLiteMigrator(st.sqlite, migrations.SQLite()).Up(ctx)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("migrate embedded store: %w", err)
		}
		if n > 0 {
			logger.Info().Int("applied", n).Msg("embedded store migrated")
		}
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		a.redis = redis.NewClient(opts)
	}

	a.keys, err = hipaa.NewKeyringFromConfig(hipaa.KeyConfig{
		Key:            cfg.EncryptionKey,
		Version:        cfg.KeyVersion,
		Previous:       cfg.PreviousKeys,
		AllowEphemeral: !cfg.IsProduction(),
	}, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.repo = st.repository(a.keys)

	a.terms = terminology.NewService(a.codeSearcher(), a.vocabularySource())
	vocab, err := a.terms.Vocabulary(ctx, cfg.VoiceLanguage)
	if err != nil || vocab.Len() == 0 {
		if err != nil {
			logger.Warn().Err(err).Msg("vocabulary store unavailable, using built-in terms")
		}
		vocab, _ = terminology.NewService(nil, terminology.NewStaticVocabulary(terminology.DefaultTerms())).
			Vocabulary(ctx, cfg.VoiceLanguage)
	}
	extractor := extract.New(vocab, a.terms, extract.Options{
		LookupTimeout: cfg.CodeLookupTimeout,
		MaxCandidates: cfg.CodeLookupMaxCandidates,
	}, logger)

	triggers := transcript.DefaultTriggers()
	if cfg.TriggersFile != "" {
		if triggers, err = transcript.LoadTriggers(cfg.TriggersFile); err != nil {
			a.Close()
			return nil, err
		}
	}
	processor, err := transcript.NewProcessor(triggers, transcript.Options{
		SimilarityThreshold: cfg.SimilarityThreshold,
		AcceptanceThreshold: cfg.ConfidenceThreshold,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	selector, err := buildSelector(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	feeds := liveFeeds{a.hub}
	if cfg.WebhookURLs != "" {
		urls, err := webhook.ParseURLs(cfg.WebhookURLs)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.notifier = webhook.NewNotifier(webhook.Config{
			URLs:         urls,
			Secret:       cfg.WebhookSecret,
			Timeout:      cfg.WebhookTimeout,
			MaxRetries:   cfg.WebhookMaxRetries,
			RetryInitial: time.Second,
			RetryMax:     30 * time.Second,
		}, logger)
		feeds = append(feeds, a.notifier)
	}

	a.mgr = voice.NewManager(voice.Deps{
		Repo:      a.repo,
		Selector:  selector,
		Processor: processor,
		Extractor: extractor,
		Envelope:  hipaa.NewEnvelope(a.keys, hipaa.NewRetentionPolicy(cfg.Retention)),
		Live:      feeds,
		Metrics:   a.metrics,
		Logger:    logger,
		Phrases:   triggers.Phrases(),
	}, managerOptions(cfg))
	return a, nil
}

func (a *app) codeSearcher() terminology.CodeSearcher {
	var backend terminology.CodeSearcher
	switch a.cfg.CodeLookupBackend {
	case "postgres":
		backend = terminology.NewICD10RepoPG(a.store.pool)
	case "typesense":
		backend = terminology.NewTypesenseSearcher(a.cfg.TypesenseURL, a.cfg.TypesenseAPIKey, a.cfg.TypesenseCollection)
	default:
		backend = terminology.NewStaticIndex(terminology.DefaultICD10(), terminology.DefaultTerms())
	}
	return terminology.NewCachedSearcher(backend, terminology.CacheOptions{
		TTL:     a.cfg.CodeLookupCacheTTL,
		Size:    a.cfg.CodeLookupCacheSize,
		Timeout: a.cfg.CodeLookupTimeout,
		Redis:   a.redis,
	}, a.metrics, a.logger)
}

func (a *app) vocabularySource() terminology.VocabularyRepository {
	if a.store.pool != nil {
		return terminology.NewTermRepoPG(a.store.pool)
	}
	return terminology.NewStaticVocabulary(terminology.DefaultTerms())
}

// Close releases external connections. The manager is closed separately so
// open sessions can be finalized first.
func (a *app) Close() {
	if a.redis != nil {
		a.redis.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
}

func buildSelector(cfg *config.Config) (*stt.Selector, error) {
	reg := stt.NewRegistry()
	reg.Register("loopback", func() (stt.Provider, error) { return stt.NewLoopbackProvider(), nil })
	if cfg.STTHTTPEndpoint != "" {
		reg.Register("http", func() (stt.Provider, error) {
			p, err := stt.NewHTTPProvider(stt.HTTPConfig{
				Endpoint:      cfg.STTHTTPEndpoint,
				APIKey:        cfg.STTHTTPAPIKey,
				Timeout:       cfg.STTTimeout,
				MaxConcurrent: cfg.STTMaxConcurrent,
			})
			if err != nil {
				return nil, err
			}
			return p, nil
		})
	}
	if cfg.STTGoogleAPIKey != "" {
		reg.Register("google", func() (stt.Provider, error) {
			p, err := stt.NewGoogleProvider(stt.GoogleConfig{
				Endpoint:      cfg.STTGoogleEndpoint,
				APIKey:        cfg.STTGoogleAPIKey,
				Model:         cfg.VoiceModel,
				Timeout:       cfg.STTTimeout,
				MaxConcurrent: cfg.STTMaxConcurrent,
			})
			if err != nil {
				return nil, err
			}
			return p, nil
		})
	}

	if !reg.Has(cfg.STTDefaultProvider) {
		return nil, fmt.Errorf("STT_DEFAULT_PROVIDER %q is not configured (available: %s)",
			cfg.STTDefaultProvider, strings.Join(reg.Names(), ", "))
	}
	clinics, err := stt.ParseClinicProviders(cfg.STTClinicProviders)
	if err != nil {
		return nil, fmt.Errorf("STT_CLINIC_PROVIDERS: %w", err)
	}
	for clinic, name := range clinics {
		if !reg.Has(name) {
			return nil, fmt.Errorf("STT_CLINIC_PROVIDERS: clinic %s uses unconfigured provider %q", clinic, name)
		}
	}
	return stt.NewSelector(reg, cfg.STTDefaultProvider, clinics), nil
}

func managerOptions(cfg *config.Config) voice.Options {
	opts := voice.DefaultOptions()
	opts.Language = cfg.VoiceLanguage
	opts.Model = cfg.VoiceModel
	opts.MaxDuration = cfg.MaxDuration
	opts.IdleTimeout = cfg.IdleTimeout
	opts.SweepInterval = cfg.SweepInterval
	opts.FinalizeTimeout = cfg.FinalizeTimeout
	opts.ProviderTimeout = cfg.STTTimeout
	opts.MaxChunkBytes = int64(cfg.MaxChunkBytes)
	opts.MaxAudioBytes = int64(cfg.MaxAudioBytes)
	opts.AudioBytesPerSecond = int64(cfg.AudioBytesPerSecond)
	opts.MaxRetries = cfg.STTMaxRetries
	opts.RetryInitial = cfg.STTRetryInitial
	opts.RetryMax = cfg.STTRetryMax
	opts.MaxConcurrent = int64(cfg.STTMaxConcurrent)
	return opts
}

// shutdownTimeout bounds graceful shutdown, including finalizing open
// sessions.
const shutdownTimeout = 15 * time.Second
