package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"bloomsite/api/internal/agent"
	"bloomsite/api/internal/app"
	"bloomsite/api/internal/blob"
	"bloomsite/api/internal/config"
	"bloomsite/api/internal/docstore"
	"bloomsite/api/internal/email"
	"bloomsite/api/internal/export"
	"bloomsite/api/internal/formsync"
	"bloomsite/api/internal/logging"
	"bloomsite/api/internal/search"
	"bloomsite/api/internal/session"
	"bloomsite/api/internal/store"
)

func main() {
	cfg := config.Load()
	logging.Init(cfg.LogLevel, cfg.LogFormat)
	log := logging.Component("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatal().Err(err).Msg("migrations failed")
	}

	dataStore := store.NewPostgresStore(db)

	var docs docstore.Store
	if strings.TrimSpace(cfg.CosmosEndpoint) != "" {
		cosmos, err := docstore.NewCosmos(docstore.CosmosConfig{
			Endpoint:          cfg.CosmosEndpoint,
			Key:               cfg.CosmosKey,
			FormDatabase:      cfg.CosmosFormDatabase,
			FormContainer:     cfg.CosmosFormContainer,
			UsersDatabase:     cfg.CosmosUsersDatabase,
			ProfilesContainer: cfg.CosmosProfilesContainer,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("cosmos client failed")
		}
		docs = cosmos
	} else {
		log.Warn().Msg("COSMOS_ENDPOINT not set, form definitions and profiles are kept in memory")
		docs = docstore.NewMemory()
	}

	var sessions *session.RedisStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		sessions, err = session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("redis connection failed")
		}
		defer sessions.Close()
		log.Info().Msg("using redis for refresh token storage")
	} else {
		log.Info().Msg("using postgres for refresh token storage")
	}

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts)

	var uploader *blob.Uploader
	if strings.TrimSpace(cfg.StorageEndpoint) != "" {
		uploader, err = blob.New(blob.Config{
			Endpoint:  cfg.StorageEndpoint,
			AccessKey: cfg.StorageAccessKey,
			SecretKey: cfg.StorageSecretKey,
			Bucket:    cfg.StorageContainer,
			UseSSL:    cfg.StorageUseSSL,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("object storage client failed")
		}
	}

	var agentClient *agent.Client
	if strings.TrimSpace(cfg.ProjectEndpoint) != "" {
		agentClient, err = agent.NewDefault(agent.Config{
			Endpoint:   cfg.ProjectEndpoint,
			AgentID:    cfg.AgentID,
			APIVersion: cfg.AgentAPIVersion,
			Timeout:    cfg.AgentTimeout,
		})
		if err != nil {
			log.Error().Err(err).Msg("content agent disabled")
		}
	}

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})

	worker := formsync.NewWorker(dataStore, docs, searchService, formsync.Options{
		PollInterval: cfg.SyncPollInterval,
		BatchSize:    cfg.SyncBatchSize,
	})

	deps := app.Deps{
		Store:    dataStore,
		Docs:     docs,
		Search:   searchService,
		Uploader: uploader,
		Agent:    agentClient,
		Mailer:   mailer,
		Exporter: export.NewService(docs),
		Notify:   worker.Notify,
	}
	if sessions != nil {
		deps.Sessions = sessions
	}
	service := app.New(cfg, deps)
	if err := service.Bootstrap(ctx); err != nil {
		log.Warn().Err(err).Msg("bootstrap error (will retry on next restart)")
	}

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		worker.Run(ctx)
	}()

	reconciler := formsync.NewReconciler(dataStore, worker.Notify)
	if err := reconciler.Start(cfg.SyncReconcileSpec); err != nil {
		log.Fatal().Err(err).Msg("form reconciliation failed to start")
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("bloomsite api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server failed")
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	reconciler.Stop()
	<-workerDone
}
