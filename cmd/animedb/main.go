package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/billpoulson/animedb/internal/auth"
	"github.com/billpoulson/animedb/internal/downloader"
	"github.com/billpoulson/animedb/internal/federation"
	"github.com/billpoulson/animedb/internal/handlers"
	"github.com/billpoulson/animedb/internal/organizer"
	"github.com/billpoulson/animedb/internal/plex"
	"github.com/billpoulson/animedb/internal/queue"
	"github.com/billpoulson/animedb/internal/scheduler"
	"github.com/billpoulson/animedb/internal/store"
	"github.com/billpoulson/animedb/internal/update"
	"github.com/billpoulson/animedb/internal/upnp"
	"github.com/billpoulson/animedb/pkg/config"
	"github.com/billpoulson/animedb/pkg/database"
	"github.com/billpoulson/animedb/pkg/logging"
	"github.com/billpoulson/animedb/pkg/monitoring"
	"github.com/billpoulson/animedb/pkg/server"
	"github.com/billpoulson/animedb/pkg/version"
)

func main() {
	logger := logging.NewLoggerWithService("animedb")
	config.LoadEnv(logger)

	dataDir := config.GetEnv("DATA_DIR", "./data")
	downloadRoot := config.GetEnv("DOWNLOAD_PATH", filepath.Join(dataDir, "downloads"))
	mediaRoot := config.GetEnv("MEDIA_PATH", filepath.Join(dataDir, "media"))
	for _, dir := range []string{dataDir, downloadRoot, mediaRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.WithError(err).WithField("dir", dir).Fatal("Failed to create data directory")
		}
	}

	// The rollback check must run before anything else touches disk: a bad
	// update gets its files restored here.
	updater := update.NewManager(update.Config{
		DataDir:     dataDir,
		FrontendDir: config.GetEnv("FRONTEND_DIR", ""),
		Repo:        config.GetEnv("UPDATE_REPO", "billpoulson/animedb"),
		Logger:      logger,
	})
	boot := updater.CheckRollback()
	logger.WithField("boot", boot).Info("Startup rollback check complete")

	dbCfg := database.DefaultConfig()
	dbCfg.Path = config.GetEnv("DB_PATH", filepath.Join(dataDir, "animedb.db"))
	dbConn := database.MustConnect(dbCfg, logger)
	defer dbConn.Close()

	st := store.New(dbConn, logger)
	ctx := context.Background()

	instanceID, err := st.EnsureInstanceID(ctx)
	if err != nil {
		logger.WithError(err).Fatal("Failed to establish instance identity")
	}
	instanceName := config.GetEnv("INSTANCE_NAME", "AnimeDB")
	outputFormat := config.GetEnv("OUTPUT_FORMAT", "mkv")
	port := config.GetEnvInt("PORT", 8085)

	metrics := monitoring.NewMetricsCollector("animedb", version.Version, version.GetShortCommit())
	jobCounter, _, _ := metrics.CreateDownloadMetrics()
	transferCounter, byteCounter := metrics.CreateFederationMetrics()

	dl := downloader.New(downloader.Config{
		ToolPath:     config.GetEnv("YTDLP_PATH", "yt-dlp"),
		DownloadRoot: downloadRoot,
		OutputFormat: outputFormat,
		Logger:       logger,
	})
	jobQueue := queue.New(queue.Config{
		Store:      st,
		Runner:     dl,
		Logger:     logger,
		JobCounter: jobCounter,
	})
	if err := jobQueue.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start download queue")
	}
	defer jobQueue.Stop()

	mediaOrg := organizer.New(organizer.Config{
		DownloadRoot: downloadRoot,
		MediaRoot:    mediaRoot,
		Logger:       logger,
	})

	// Plex settings prefer the database; env is the bootstrap fallback.
	plexURL, _ := st.GetSetting(ctx, store.SettingPlexURL)
	if plexURL == "" {
		plexURL = config.GetEnv("PLEX_URL", "")
	}
	plexToken, _ := st.GetSetting(ctx, store.SettingPlexToken)
	if plexToken == "" {
		plexToken = config.GetEnv("PLEX_TOKEN", "")
	}
	plexClient := plex.NewNotifier(plex.NotifierConfig{
		URL:    store.NormalizePeerURL(plexURL),
		Token:  plexToken,
		Logger: logger,
	})

	fedClient := federation.NewClient(federation.ClientConfig{
		Store:        st,
		Organizer:    mediaOrg,
		Plex:         plexClient,
		Logger:       logger,
		DownloadRoot: downloadRoot,
		Transfers:    transferCounter,
		Bytes:        byteCounter,
	})
	fedServer := federation.NewServer(federation.ServerConfig{
		Store:        st,
		Logger:       logger,
		InstanceID:   instanceID,
		InstanceName: instanceName,
	})

	// Manual external URL wins over UPnP. A persisted setting survives
	// restarts; the env variable seeds fresh installs.
	manualURL, _ := st.GetSetting(ctx, store.SettingExternalURL)
	if manualURL == "" {
		manualURL = config.GetEnv("EXTERNAL_URL", "")
	}
	nat := upnp.NewManager(upnp.ManagerConfig{
		Logger:    logger,
		Port:      port,
		LeaseTTL:  uint32(config.GetEnvInt("UPNP_LEASE_SECONDS", 3600)),
		ManualURL: store.NormalizePeerURL(manualURL),
		OnRenew: func(newURL string) {
			fedClient.AnnounceAll(instanceID, newURL)
		},
	})
	defer nat.Stop()

	// Mapping negotiation can block on network discovery; keep boot fast and
	// announce once an address is known.
	go func() {
		nat.Start()
		if url := nat.ExternalURL(); url != "" {
			fedClient.AnnounceAll(instanceID, url)
		}
	}()

	peerSync := scheduler.New(scheduler.Config{
		Store:           st,
		Client:          fedClient,
		Logger:          logger,
		IntervalMinutes: config.GetEnvIntInRange("PEER_SYNC_INTERVAL_MINUTES", scheduler.DefaultIntervalMinutes, scheduler.MinIntervalMinutes, scheduler.MaxIntervalMinutes),
	})
	peerSync.Start()
	defer peerSync.Stop()

	gate := auth.NewGate(auth.GateConfig{
		Store:        st,
		Logger:       logger,
		AuthDisabled: config.GetEnvBool("AUTH_DISABLED", false),
	})

	handlers.Init(handlers.Config{
		Store:        st,
		Logger:       logger,
		Queue:        jobQueue,
		Organizer:    mediaOrg,
		Federation:   fedClient,
		NAT:          nat,
		Updater:      updater,
		Plex:         plexClient,
		InstanceID:   instanceID,
		InstanceName: instanceName,
		OutputFormat: outputFormat,
		UpdateCmd:    config.GetEnv("UPDATE_COMMAND", ""),
		AllowedHosts: config.GetEnvList("ALLOWED_HOSTS", []string{"youtube.com", "youtu.be"}),
	})

	healthChecker := monitoring.NewHealthChecker("animedb", version.Version)
	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(dbConn))
	healthChecker.AddCheck("downloads_dir", monitoring.DiskHealthCheck(downloadRoot))
	healthChecker.AddCheck("media_dir", monitoring.DiskHealthCheck(mediaRoot))
	healthChecker.AddCheck("configuration", monitoring.ConfigurationHealthCheck(map[string]string{
		"INSTANCE_NAME": instanceName,
		"DB_PATH":       dbCfg.Path,
	}))

	router := server.SetupRouter(logger, "animedb")
	router.Use(metrics.MetricsMiddleware())
	router.GET("/metrics", metrics.Handler())
	router.GET("/health/details", healthChecker.Handler())

	// Federation surface: bearer API key only.
	fed := router.Group("/", gate.RequireAPIKey())
	fedServer.Register(fed)

	// Open UI endpoints.
	open := router.Group("/api")
	open.GET("/config", handlers.AppConfig)
	open.POST("/auth/login", handlers.Login)
	open.GET("/auth/status", handlers.AuthStatus)

	// Session-gated operator API.
	api := router.Group("/api", gate.RequireSession(false))
	api.POST("/auth/logout", handlers.Logout)

	api.POST("/downloads", handlers.CreateDownload)
	api.GET("/downloads", handlers.ListDownloads)
	api.GET("/downloads/:id", handlers.GetDownload)
	api.PATCH("/downloads/:id", handlers.UpdateDownload)
	api.DELETE("/downloads/:id", handlers.DeleteDownload)
	api.POST("/downloads/:id/cancel", handlers.CancelDownload)
	api.POST("/downloads/:id/move", handlers.MoveDownload)
	api.POST("/downloads/:id/unmove", handlers.UnmoveDownload)

	api.POST("/libraries", handlers.CreateLibrary)
	api.GET("/libraries", handlers.ListLibraries)
	api.PATCH("/libraries/:id", handlers.UpdateLibrary)
	api.DELETE("/libraries/:id", handlers.DeleteLibrary)
	api.GET("/libraries/scan", handlers.ScanLibraries)

	api.POST("/keys", handlers.CreateAPIKey)
	api.GET("/keys", handlers.ListAPIKeys)
	api.DELETE("/keys/:id", handlers.DeleteAPIKey)

	api.POST("/peers", handlers.CreatePeer)
	api.GET("/peers", handlers.ListPeers)
	api.PATCH("/peers/:id", handlers.UpdatePeer)
	api.DELETE("/peers/:id", handlers.DeletePeer)
	api.GET("/peers/:id/library", handlers.PeerLibrary)
	api.POST("/peers/:id/pull/:remoteId", handlers.PullFromPeer)
	api.POST("/peers/:id/replicate", handlers.ReplicateFromPeer)
	api.POST("/peers/:id/resolve", handlers.ResolvePeer)
	api.POST("/peers/connect", handlers.ConnectPeer)
	api.POST("/peers/connection-string", handlers.ConnectionString)

	api.GET("/networking", handlers.Networking)
	api.PUT("/networking/external-url", handlers.SetExternalURL)
	api.POST("/networking/upnp-retry", handlers.RetryUPnP)

	api.GET("/system", handlers.SystemInfo)
	api.GET("/system/update-check", handlers.UpdateCheck)
	api.POST("/system/update", handlers.ApplyUpdate)

	// Media stream URLs get handed to external players that cannot send
	// headers, so query tokens are accepted here only.
	stream := router.Group("/api", gate.RequireSession(true))
	stream.GET("/downloads/:id/stream", handlers.StreamDownload)

	cfg := server.DefaultConfig("animedb", "8085")
	cfg.OnListen = updater.CleanupAfterSuccessfulUpdate
	if err := server.Start(cfg, router, logger); err != nil {
		logger.WithError(err).Fatal("Server error")
	}
}
