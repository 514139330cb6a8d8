package main

import (
	"log/slog"
	"time"

	"github.com/crestline/approvald/approval"
	"github.com/crestline/approvald/archive"
	"github.com/crestline/approvald/comments"
	"github.com/crestline/approvald/config"
	"github.com/crestline/approvald/docstore"
	"github.com/crestline/approvald/engine"
	"github.com/crestline/approvald/events"
	"github.com/crestline/approvald/identity"
	"github.com/crestline/approvald/metadata"
	"github.com/crestline/approvald/metrics"
	"github.com/crestline/approvald/notify"
	"github.com/crestline/approvald/paths"
	"github.com/crestline/approvald/placement"
)

// app is the wired object graph behind every command.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	resolver *paths.Resolver
	engine   *engine.Engine
	identity identity.Provider
	notify   *notify.Service
	retrier  *placement.Retrier
	metrics  *metrics.Metrics
	sink     events.Sink
}

// buildApp wires the stores and the engine from configuration. The
// event sink is the only part that can fail to come up.
func buildApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	resolver := paths.NewResolver(
		cfg.Stores.NetworkRoot,
		cfg.Stores.LocalFallbackRoot,
		cfg.ProjectRootOrDefault(),
		time.Duration(cfg.Stores.ProbeCacheSeconds)*time.Second,
		logger,
	)
	if err := resolver.EnsureRoots(); err != nil {
		return nil, err
	}

	store := docstore.New(logger)
	rootFn := func(root paths.Root) func() string {
		return func() string { return resolver.Resolve(root) }
	}

	repo := approval.NewRepository(store, rootFn(paths.QueueRoot), logger)
	arch := archive.New(store, rootFn(paths.ArchiveRoot), cfg.Stores.ArchiveCap, logger)
	meta := metadata.New(store, rootFn(paths.MetadataRoot), rootFn(paths.ProjectRoot), logger)
	inbox := notify.NewService(store, rootFn(paths.NotifyRoot), logger)
	threads := comments.New(store, rootFn(paths.QueueRoot), logger)
	placer := placement.NewPlacer(store,
		func() string { return cfg.ProjectRootOrDefault() },
		func() string { return cfg.StagingRootOrDefault() },
		rootFn(paths.QueueRoot),
		logger)
	provider := identity.NewFileProvider(cfg.IdentitySourceOrDefault(), logger)

	var sink events.Sink = events.NoopSink{}
	if cfg.Events.NATSURL != "" {
		natsSink, err := events.NewNATSSink(cfg.Events.NATSURL, cfg.Events.SubjectPrefix, logger)
		if err != nil {
			return nil, err
		}
		sink = natsSink
	}

	var instruments *metrics.Metrics
	if cfg.Metrics.ListenAddr != "" {
		instruments = metrics.New()
	}

	eng := engine.New(engine.Deps{
		Repo:                repo,
		Identity:            provider,
		Archive:             arch,
		Metadata:            meta,
		Notify:              inbox,
		Comments:            threads,
		Placer:              placer,
		Resolver:            resolver,
		Sink:                sink,
		Metrics:             instruments,
		AllowDegradedWrites: cfg.Stores.AllowDegradedWrites,
		Logger:              logger,
	})

	retrier := placement.NewRetrier(placer, arch, meta,
		time.Duration(cfg.Placement.RetryIntervalSeconds)*time.Second, logger)

	return &app{
		cfg:      cfg,
		logger:   logger,
		resolver: resolver,
		engine:   eng,
		identity: provider,
		notify:   inbox,
		retrier:  retrier,
		metrics:  instruments,
		sink:     sink,
	}, nil
}

func (a *app) close() {
	if err := a.sink.Close(); err != nil {
		a.logger.Warn("Event sink close failed", slog.String("error", err.Error()))
	}
}
