package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"tvboxd/internal/channel"
	"tvboxd/internal/config"
	"tvboxd/internal/database"
	"tvboxd/internal/diag"
	"tvboxd/internal/httpclient"
	"tvboxd/internal/identity"
	"tvboxd/internal/maintenance"
	"tvboxd/internal/manifest"
	"tvboxd/internal/models"
	"tvboxd/internal/player"
	"tvboxd/internal/repository"
	"tvboxd/internal/storage"
	"tvboxd/internal/surface"
	"tvboxd/internal/urlutil"
	"tvboxd/internal/version"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the signage playback daemon",
	Long: `Run the playback daemon: register the device, synchronize the
playlist manifest, connect the live update channel, and start playback.

The daemon keeps playing from its local cache through server outages and
exposes a diagnostics API on the configured port.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	initLogging(cfg)
	logger := slog.Default()

	baseURL := urlutil.NormalizeBaseURL(cfg.Coordinator.BaseURL)

	logger.Info("starting tvboxd",
		slog.String("version", version.Short()),
		slog.String("coordinator", baseURL),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Device state database (identity + manifest snapshot).
	db, err := database.New(cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("opening device database: %w", err)
	}
	defer db.Close()

	identRepo := repository.NewIdentityRepository(db.DB)
	manifestRepo := repository.NewManifestRepository(db.DB)

	// One resilient client shared by registration, manifest fetches,
	// media downloads, and telemetry.
	clientCfg := httpclient.DefaultConfig()
	clientCfg.Timeout = cfg.Coordinator.FetchTimeout
	clientCfg.RetryAttempts = cfg.Coordinator.RetryAttempts
	clientCfg.RetryDelay = cfg.Coordinator.RetryDelay
	clientCfg.RetryMaxDelay = cfg.Coordinator.RetryMaxDelay
	clientCfg.UserAgent = version.UserAgent()
	clientCfg.Logger = logger
	client := httpclient.New(clientCfg)

	// Establish the device identity, registering on first boot.
	boot := identity.NewBootstrapper(identRepo, client,
		baseURL, cfg.Coordinator.DeviceName, cfg.Coordinator.TenantID, logger)
	ident, err := boot.Bootstrap(ctx)
	if err != nil {
		return fmt.Errorf("bootstrapping device identity: %w", err)
	}

	cache, err := storage.NewMediaCache(cfg.Storage.BaseDir, cfg.Storage.MaxEntries, logger)
	if err != nil {
		return fmt.Errorf("opening media cache: %w", err)
	}
	cache.EvictExpired(cfg.Storage.MetadataTTL)

	sync := manifest.NewSynchronizer(manifestRepo, client, baseURL, logger)
	resolver := player.NewCacheResolver(cache, client, logger)

	surf, err := buildSurface(cfg, logger)
	if err != nil {
		return err
	}

	// All manifest refreshes go through one path. An auth rejection means
	// the credential went stale, so re-register with the stable device UUID
	// and retry once rather than looping on the dead token. A blocked signal
	// halts playback immediately, independent of any in-flight manifest.
	var scheduler *player.Scheduler
	resync := func(ctx context.Context) (*models.Manifest, error) {
		m, err := sync.Fetch(ctx, ident.DeviceID)
		if err == nil {
			return m, nil
		}

		var blocked *models.BlockedError
		if errors.As(err, &blocked) {
			scheduler.SetBlocked(blocked.Reason)
			return nil, err
		}
		if !errors.Is(err, models.ErrAuth) {
			return nil, err
		}

		logger.Warn("credential rejected, re-registering device")
		// The device UUID is stable, so the device ID survives; only the
		// token changes and Reregister primes the client with it.
		if _, regErr := boot.Reregister(ctx); regErr != nil {
			return nil, fmt.Errorf("re-registering after auth failure: %w", regErr)
		}
		return sync.Fetch(ctx, ident.DeviceID)
	}

	scheduler = player.New(cfg.Playback, surf, resolver, nil, resync, powerHandler(logger), logger)

	session := channel.NewSession(cfg.Channel, client, baseURL, ident, scheduler, logger)
	scheduler.SetTelemetry(session)

	// Seed playback: cached manifest first so the screen lights up fast,
	// then a network refresh. Scenario: box boots with the network down and
	// still plays the prior manifest from cache.
	if cached, err := sync.LoadCached(ctx); err == nil {
		scheduler.ApplyManifest(cached)
	}
	go func() {
		m, err := resync(ctx)
		if err != nil {
			logger.Warn("initial manifest fetch failed, playing from cache",
				slog.String("error", err.Error()))
			return
		}
		scheduler.ApplyManifest(m)
	}()

	// Maintenance: cache eviction and periodic resync.
	mnt, err := maintenance.New(cache, cfg.Storage.MetadataTTL, cfg.Playback.ResyncInterval,
		func(ctx context.Context) error {
			m, err := resync(ctx)
			if err != nil {
				return err
			}
			scheduler.ApplyManifest(m)
			return nil
		}, logger)
	if err != nil {
		return fmt.Errorf("building maintenance runner: %w", err)
	}
	mnt.Start()
	defer mnt.Stop()

	// Diagnostics API.
	diagServer := diag.NewServer(cfg.Server, logger, version.Short())
	diag.NewHandler(version.Short(), ident.DeviceID).
		WithScheduler(scheduler).
		WithSession(session).
		WithSynchronizer(sync).
		WithCache(cache).
		WithDB(db).
		Register(diagServer.API())

	errChan := make(chan error, 1)
	go func() {
		errChan <- diagServer.ListenAndServe(ctx)
	}()

	// Live update channel: commands and manifest pushes in, heartbeats and
	// telemetry out.
	go session.Run(ctx)
	go pumpChannelEvents(ctx, session, scheduler, resync, logger)

	go scheduler.Run(ctx)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		return nil
	case err := <-errChan:
		if err != nil {
			return fmt.Errorf("diagnostics server: %w", err)
		}
		return nil
	}
}

// pumpChannelEvents translates live channel events into scheduler inputs.
func pumpChannelEvents(ctx context.Context, session *channel.Session, scheduler *player.Scheduler, resync player.ResyncFunc, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-session.Events():
			switch ev.Type {
			case channel.EventCommand:
				scheduler.Command(ev.Command)

			case channel.EventManifestChanged:
				m, err := resync(ctx)
				if err != nil {
					logger.Warn("manifest refresh after push failed",
						slog.String("error", err.Error()))
					continue
				}
				scheduler.ApplyManifest(m)

			case channel.EventBlocked:
				scheduler.SetBlocked(ev.Reason)

			case channel.EventUnblocked:
				scheduler.SetUnblocked()
			}
		}
	}
}

func buildSurface(cfg *config.Config, logger *slog.Logger) (player.MediaSurface, error) {
	if cfg.Playback.PlayerCommand == "" {
		logger.Warn("no player command configured, using logging surface")
		return surface.NewLogSurface(logger), nil
	}
	return surface.NewExecSurface(cfg.Playback.PlayerCommand, logger)
}

func powerHandler(logger *slog.Logger) player.PowerHandler {
	return func(ctx context.Context) {
		// Acknowledged only; actually powering off is the platform
		// integration's job, not the playback core's.
		logger.Info("power command acknowledged")
	}
}
