// Package app wires configuration into long-lived services: the identifier
// ledger, sessions, circuit controller, retrieval engine, orchestrator and
// the optional status server.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/docharvest/internal/allocator"
	"github.com/JakeFAU/docharvest/internal/api"
	"github.com/JakeFAU/docharvest/internal/circuit"
	"github.com/JakeFAU/docharvest/internal/circuit/torctl"
	"github.com/JakeFAU/docharvest/internal/clock/system"
	"github.com/JakeFAU/docharvest/internal/config"
	"github.com/JakeFAU/docharvest/internal/cookies"
	collyfetcher "github.com/JakeFAU/docharvest/internal/fetcher/colly"
	"github.com/JakeFAU/docharvest/internal/fingerprint"
	"github.com/JakeFAU/docharvest/internal/harvest"
	"github.com/JakeFAU/docharvest/internal/hash/sha256"
	"github.com/JakeFAU/docharvest/internal/id/uuid"
	"github.com/JakeFAU/docharvest/internal/ledger/file"
	"github.com/JakeFAU/docharvest/internal/ledger/memory"
	"github.com/JakeFAU/docharvest/internal/ledger/postgres"
	"github.com/JakeFAU/docharvest/internal/logging"
	"github.com/JakeFAU/docharvest/internal/metrics"
	"github.com/JakeFAU/docharvest/internal/orchestrator"
	pubmemory "github.com/JakeFAU/docharvest/internal/publisher/memory"
	pspublisher "github.com/JakeFAU/docharvest/internal/publisher/pubsub"
	"github.com/JakeFAU/docharvest/internal/ratelimit"
	"github.com/JakeFAU/docharvest/internal/retrieval"
	"github.com/JakeFAU/docharvest/internal/retry"
	"github.com/JakeFAU/docharvest/internal/session"
	"github.com/JakeFAU/docharvest/internal/storage/gcs"
	"github.com/JakeFAU/docharvest/internal/storage/local"
	memorystorage "github.com/JakeFAU/docharvest/internal/storage/memory"
)

// App holds the services shared by every command.
type App struct {
	cfg     config.Config
	logger  *zap.Logger
	ledgers harvest.LedgerProvider
	closers []func() error

	clientFactory harvest.ClientFactory
	signaler      circuit.Signaler
	sleeper       harvest.Sleeper
	clock         harvest.Clock
	blobs         harvest.BlobStore
	publisher     harvest.Publisher
	ids           harvest.IDGenerator
}

// Option overrides a collaborator, mostly for tests and dry runs.
type Option func(*App)

// WithLedgers replaces the configured ledger backend.
func WithLedgers(p harvest.LedgerProvider) Option {
	return func(a *App) { a.ledgers = p }
}

// WithClientFactory replaces the colly-backed HTTP client factory.
func WithClientFactory(f harvest.ClientFactory) Option {
	return func(a *App) { a.clientFactory = f }
}

// WithSignaler replaces the Tor control-port signaler.
func WithSignaler(s circuit.Signaler) Option {
	return func(a *App) { a.signaler = s }
}

// WithSleeper replaces the wall-clock sleeper used by every backoff.
func WithSleeper(s harvest.Sleeper) Option {
	return func(a *App) { a.sleeper = s }
}

// WithBlobStore replaces the configured artifact store.
func WithBlobStore(b harvest.BlobStore) Option {
	return func(a *App) { a.blobs = b }
}

// WithPublisher replaces the configured notification publisher.
func WithPublisher(p harvest.Publisher) Option {
	return func(a *App) { a.publisher = p }
}

// WithIDGenerator replaces the run id generator.
func WithIDGenerator(g harvest.IDGenerator) Option {
	return func(a *App) { a.ids = g }
}

// New initializes shared services. It fails fast when a backend is unreachable.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	metrics.Init()
	clock := system.New()
	a := &App{
		cfg:           cfg,
		logger:        logging.OrNop(logger),
		clientFactory: collyfetcher.Factory(cfg.Fetch.MaxBodyBytes),
		sleeper:       clock,
		clock:         clock,
		ids:           uuid.New(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.ledgers == nil {
		ledgers, err := a.openLedgers(ctx)
		if err != nil {
			return nil, err
		}
		a.ledgers = ledgers
	}
	return a, nil
}

func (a *App) openLedgers(ctx context.Context) (harvest.LedgerProvider, error) {
	switch a.cfg.Ledger.Backend {
	case "postgres":
		p, err := postgres.NewProvider(ctx, postgres.Config{DSN: a.cfg.Ledger.DSN, Table: a.cfg.Ledger.Table})
		if err != nil {
			return nil, fmt.Errorf("init postgres ledger: %w", err)
		}
		a.closers = append(a.closers, func() error { p.Close(); return nil })
		a.logger.Info("using postgres ledger", zap.String("table", a.cfg.Ledger.Table))
		return p, nil
	case "memory":
		a.logger.Warn("using in-memory ledger; issued identifiers are not persisted")
		return memory.NewProvider(), nil
	default:
		a.logger.Info("using file ledger", zap.String("dir", a.cfg.Ledger.Dir))
		return file.NewProvider(a.cfg.Ledger.Dir, a.logger), nil
	}
}

// Reset deletes the ledger for exactly r.
func (a *App) Reset(ctx context.Context, r harvest.Range) error {
	if err := allocator.Reset(ctx, a.ledgers, r); err != nil {
		return err
	}
	a.logger.Info("ledger reset", zap.Stringer("range", r), zap.String("key", r.Key()))
	return nil
}

// Run is one fully wired run over a range.
type Run struct {
	ID            string
	Orchestrator  *orchestrator.Orchestrator
	Circuit       *circuit.Controller
	Sessions      *session.Store
	Allocator     *allocator.Allocator
	// Notifications is set when pubsub.backend is memory.
	Notifications *pubmemory.Publisher
	server        *api.Server
	port          int
	logger        *zap.Logger
	closers       []func() error
}

// NewRun builds every collaborator for a run over r.
func (a *App) NewRun(ctx context.Context, r harvest.Range) (*Run, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	runID, err := a.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate run id: %w", err)
	}
	log := a.logger.With(zap.String("run_id", runID))
	run := &Run{ID: runID, logger: log}

	ledger, err := a.ledgers.Open(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", r.Key(), err)
	}
	allocOpts := []allocator.Option{allocator.WithLogger(log)}
	if a.cfg.Ledger.DenseFallback {
		allocOpts = append(allocOpts, allocator.WithDenseFallback(0))
	}
	alloc, err := allocator.New(ctx, r, ledger, allocOpts...)
	if err != nil {
		_ = ledger.Close()
		return nil, err
	}
	run.Allocator = alloc
	run.closers = append(run.closers, alloc.Close)

	if err := a.wireRun(ctx, run, log); err != nil {
		_ = run.Close()
		return nil, err
	}
	return run, nil
}

func (a *App) wireRun(ctx context.Context, run *Run, log *zap.Logger) error {
	agents, err := fingerprint.LoadAgents(a.cfg.Sessions.UserAgentsFile)
	if err != nil {
		return fmt.Errorf("load user agents: %w", err)
	}
	rotator, err := fingerprint.New(agents, a.cfg.Sessions.RotateEvery)
	if err != nil {
		return err
	}

	var cookieStore cookies.Store = cookies.NewMemoryStore()
	if a.cfg.Sessions.CookieDir != "" {
		cookieStore = cookies.NewFileStore(a.cfg.Sessions.CookieDir)
	}
	sessions, err := session.NewStore(session.Config{
		Proxy:          a.cfg.Circuit.Proxy,
		AcceptLanguage: a.cfg.Sessions.AcceptLanguage,
		Headers:        a.cfg.Sessions.Headers,
		Timeout:        a.cfg.Fetch.Timeout,
	}, rotator, cookieStore, a.clientFactory, a.clock, log)
	if err != nil {
		return err
	}
	run.Sessions = sessions

	controller, err := a.buildCircuit(agents[0], log)
	if err != nil {
		return err
	}
	run.Circuit = controller

	blobs, err := a.blobStore(ctx, run)
	if err != nil {
		return err
	}
	engineOpts := []retrieval.Option{
		retrieval.WithHasher(sha256.New()),
		retrieval.WithClock(a.clock),
		retrieval.WithLogger(log),
	}
	publisher, err := a.notificationPublisher(ctx, run)
	if err != nil {
		return err
	}
	if publisher != nil {
		engineOpts = append(engineOpts, retrieval.WithPublisher(publisher))
	}
	engine, err := retrieval.New(retrieval.Config{
		MaxRetries:   a.cfg.Fetch.MaxRetries,
		BlockBackoff: retry.Jittered{Min: a.cfg.Fetch.BlockBackoffMin, Max: a.cfg.Fetch.BlockBackoffMax},
		ErrorBackoff: retry.Jittered{Min: a.cfg.Fetch.ErrorBackoffMin, Max: a.cfg.Fetch.ErrorBackoffMax},
		Suffix:       a.cfg.Target.ArtifactSuffix,
		ContentType:  a.cfg.Target.ContentType,
		Prefix:       a.cfg.Storage.Prefix,
		Topic:        a.cfg.PubSub.Topic,
		RunID:        run.ID,
	}, sessions, blobs, a.sleeper, engineOpts...)
	if err != nil {
		return err
	}

	orchOpts := []orchestrator.Option{orchestrator.WithLogger(log), orchestrator.WithClock(a.clock)}
	if a.cfg.Run.RequestsPerSecond > 0 {
		orchOpts = append(orchOpts, orchestrator.WithPacer(ratelimit.New(ratelimit.Config{RPS: a.cfg.Run.RequestsPerSecond})))
	}
	orch, err := orchestrator.New(orchestrator.Config{
		RunID:                 run.ID,
		URLTemplate:           a.cfg.Target.URLTemplate,
		BatchSize:             a.cfg.Run.BatchSize,
		RotationInterval:      a.cfg.Run.RotationInterval,
		RotationPause:         a.cfg.Run.RotationPause,
		InitialRotation:       a.cfg.Run.InitialRotation,
		ResetCadenceOnBlock:   a.cfg.Run.ResetCadenceOnBlock,
		MergeBlockWithCadence: a.cfg.Run.MergeBlockWithCadence,
	}, run.Allocator, engine, controller, sessions, a.sleeper, orchOpts...)
	if err != nil {
		return err
	}
	run.Orchestrator = orch

	if a.cfg.Server.Enabled {
		run.server = api.NewServer(orch, controller, log)
		run.port = a.cfg.Server.Port
	}
	return nil
}

func (a *App) buildCircuit(userAgent string, log *zap.Logger) (*circuit.Controller, error) {
	probe, err := a.clientFactory(harvest.ClientOptions{
		UserAgent:         userAgent,
		Proxy:             a.cfg.Circuit.Proxy,
		Timeout:           a.cfg.Circuit.ResolveTimeout,
		DisableKeepAlives: true,
	})
	if err != nil {
		return nil, fmt.Errorf("build address probe client: %w", err)
	}
	resolver, err := circuit.NewResolver(circuit.ResolverConfig{
		Services:         a.cfg.Circuit.Resolvers,
		Attempts:         a.cfg.Circuit.ResolveRetries,
		Backoff:          retry.Fixed{Interval: a.cfg.Circuit.ResolveDelay},
		Timeout:          a.cfg.Circuit.ResolveTimeout,
		MinAddressLength: a.cfg.Circuit.MinAddressLength,
		RequireIP:        true,
	}, probe, a.sleeper, log)
	if err != nil {
		return nil, err
	}
	signaler := a.signaler
	if signaler == nil {
		signaler = torctl.New(torctl.Config{
			Addr:     a.cfg.Circuit.ControlAddr,
			Password: a.cfg.Circuit.ControlPassword,
		})
	}
	return circuit.New(circuit.Config{
		MaxRotations:  a.cfg.Circuit.MaxRotations,
		SignalRetries: a.cfg.Circuit.SignalRetries,
		SignalBackoff: retry.Exponential{Base: a.cfg.Circuit.SignalBaseDelay},
		Stabilize:     a.cfg.Circuit.Stabilize,
	}, signaler, resolver, a.sleeper, a.clock, log)
}

func (a *App) blobStore(ctx context.Context, run *Run) (harvest.BlobStore, error) {
	if a.blobs != nil {
		return a.blobs, nil
	}
	switch a.cfg.Storage.Backend {
	case "gcs":
		store, err := gcs.Open(ctx, gcs.Config{Bucket: a.cfg.Storage.GCSBucket}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("init gcs storage: %w", err)
		}
		run.closers = append(run.closers, store.Close)
		return store, nil
	case "memory":
		a.logger.Warn("using in-memory artifact storage; artifacts are discarded on exit")
		return memorystorage.NewBlobStore(), nil
	default:
		store, err := local.New(local.Config{BaseDir: a.cfg.Storage.Dir})
		if err != nil {
			return nil, fmt.Errorf("init local storage: %w", err)
		}
		return store, nil
	}
}

func (a *App) notificationPublisher(ctx context.Context, run *Run) (harvest.Publisher, error) {
	if a.publisher != nil {
		return a.publisher, nil
	}
	if a.cfg.PubSub.Topic == "" {
		return nil, nil
	}
	if a.cfg.PubSub.Backend == "memory" {
		a.logger.Warn("using in-memory notifications; nothing reaches a broker",
			zap.String("topic", a.cfg.PubSub.Topic), zap.Int("buffer", a.cfg.PubSub.Buffer))
		pub := pubmemory.New(a.cfg.PubSub.Buffer, a.logger.Named("notifications"))
		run.Notifications = pub
		return pub, nil
	}
	pub, err := pspublisher.Open(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.Topic, a.logger)
	if err != nil {
		return nil, fmt.Errorf("init pubsub: %w", err)
	}
	run.closers = append(run.closers, pub.Close)
	return pub, nil
}

// Execute runs the orchestrator, serving status alongside it when enabled.
func (r *Run) Execute(ctx context.Context) (orchestrator.Summary, error) {
	if r.server != nil {
		srvCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := r.server.ListenAndServe(srvCtx, r.port); err != nil {
				r.logger.Error("status server failed", zap.Error(err))
			}
		}()
		defer func() {
			stop()
			select {
			case <-done:
			case <-time.After(10 * time.Second):
			}
		}()
	}
	return r.Orchestrator.Run(ctx)
}

// Close releases the run's ledger, storage and publisher.
func (r *Run) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

// Close shuts down shared services and flushes the logger.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	_ = a.logger.Sync()
	return errors.Join(errs...)
}
