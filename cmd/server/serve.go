package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"symptom-triage/internal/agent"
	"symptom-triage/internal/audit"
	"symptom-triage/internal/config"
	"symptom-triage/internal/consultation"
	"symptom-triage/internal/offline"
	"symptom-triage/internal/platform/telegram"
	"symptom-triage/internal/report"
	"symptom-triage/internal/rules"
	"symptom-triage/internal/scoring"
	"symptom-triage/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the triage HTTP API",
	RunE:  runServe,
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := telemetry.InitLogger(cfg.LogFile, cfg.LogLevel, true)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, _, shutdownTelemetry, err := telemetry.InitTelemetry(ctx, cfg.TelemetryDir, version)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer shutdownTelemetry()

	// 1. Rules and offline tree
	ruleStore, err := rules.NewStore(cfg.RulesFile, logger)
	if err != nil {
		return fmt.Errorf("loading rules: %w", err)
	}
	if err := ruleStore.Watch(ctx); err != nil {
		logger.Warn("rules hot reload disabled", "error", err)
	}
	flow, err := offline.Load(cfg.OfflineFlowFile)
	if err != nil {
		return fmt.Errorf("loading offline flow: %w", err)
	}

	// 2. Infrastructure
	var repo consultation.Repository
	db, err := connectDB(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Warn("could not connect to database, sessions are kept in memory only", "error", err)
	} else {
		defer db.Close()
		if err := runMigrations(cfg.MigrationsURL, cfg.DatabaseURL); err != nil {
			logger.Error("migrations failed", "error", err)
		} else {
			logger.Info("migrations applied")
		}
		repo = consultation.NewRepository(db)
	}

	auditStore, err := audit.Open(cfg.AuditDB)
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	defer auditStore.Close()

	// 3. Clients
	client := newTriageClient(cfg)
	var sink consultation.HandoffSink
	var alerter consultation.Alerter = report.LogAlerter{Logger: logger}
	if cfg.Telegram.Token != "" {
		reportSvc := report.NewService(telegram.NewClient(cfg.Telegram.Token), cfg.Telegram.ChatID, logger)
		sink, alerter = reportSvc, reportSvc
	} else {
		logger.Warn("telegram is not configured, handoffs are only stored")
	}

	// 4. Services
	deps := consultation.Deps{
		Client:  client,
		Repo:    repo,
		Sink:    sink,
		Alerter: alerter,
		Audit:   auditStore,
		Rules:   ruleStore,
		Flow:    flow,
		Logger:  logger,
	}
	svc := consultation.NewService(deps, settingsFrom(cfg))
	handler := consultation.NewHandler(svc, logger, originChecker(cfg.AllowedOrigins))

	// 5. Router
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", agent.ClientVersionHeader},
		MaxAge:         300,
	}))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	r.Route("/api", func(r chi.Router) {
		consultation.RegisterRoutes(r, handler)
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "port", cfg.Port, "remote_mode", cfg.Remote.Mode, "version", version)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
	}
	return nil
}

// connectDB waits for the database to come up.
func connectDB(ctx context.Context, url string, logger *slog.Logger) (*sql.DB, error) {
	if url == "" {
		return nil, errors.New("database_url is empty")
	}
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, err
	}
	const attempts = 10
	for i := 0; i < attempts; i++ {
		if err = db.PingContext(ctx); err == nil {
			logger.Info("connected to database")
			return db, nil
		}
		logger.Info("waiting for database", "attempt", i+1, "of", attempts)
		select {
		case <-ctx.Done():
			db.Close()
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
	db.Close()
	return nil, err
}

func newTriageClient(cfg *config.Config) consultation.TriageClient {
	switch cfg.Remote.Mode {
	case config.RemoteOpenAI:
		return agent.NewOpenAIClient(cfg.Remote.APIKey, cfg.Remote.Model, cfg.Remote.BaseURL)
	case config.RemoteNone:
		return nil
	default:
		return agent.NewHTTPClient(cfg.Remote.BaseURL, cfg.Remote.ClientVersion)
	}
}

func settingsFrom(cfg *config.Config) consultation.Settings {
	s := consultation.DefaultSettings()
	s.TurnTimeout = cfg.Timing.TurnTimeout
	s.ClosingDelay = cfg.Timing.ClosingDelay
	s.HandoffDelay = cfg.Timing.HandoffDelay
	s.OfflineDelay = cfg.Timing.OfflineDelay
	s.EmergencyThreshold = cfg.Thresholds.Emergency
	s.CrisisThreshold = cfg.Thresholds.Crisis
	s.OutOfScopeLimit = cfg.Thresholds.OutOfScopeLimit
	s.Scoring = scoring.Thresholds{
		WaiverMaxSeverity: cfg.Thresholds.WaiverMaxSeverity,
		ComplexMinTurns:   cfg.Thresholds.ComplexMinTurns,
	}
	return s
}

// originChecker mirrors the CORS allow-list for websocket upgrades.
func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return nil
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}
