package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	lifecycle "spikealerts/internal/alerts/application"
	alerts "spikealerts/internal/alerts/domain"
	alertrepo "spikealerts/internal/alerts/infrastructure/postgres"
	"spikealerts/internal/auth"
	"spikealerts/internal/config"
	"spikealerts/internal/directory"
	"spikealerts/internal/export"
	"spikealerts/internal/feed"
	"spikealerts/internal/notify"
	"spikealerts/internal/observability/metrics"
	reportrepo "spikealerts/internal/reports/infrastructure/postgres"
	roster "spikealerts/internal/roster/application"
	"spikealerts/internal/scheduler"
	sensorrepo "spikealerts/internal/sensors/infrastructure/postgres"
	"spikealerts/internal/sms"
	subscriberrepo "spikealerts/internal/subscribers/infrastructure/postgres"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	logger := log.New(os.Stdout, "", log.LstdFlags)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("config error: %v", err)
	}
	loc := cfg.Location()

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("db open error: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Fatalf("db ping error: %v", err)
	}

	metrics.Init()

	feedClient, err := feed.NewClient(cfg.FeedBaseURL, cfg.FeedAPIKey, feed.WithLocation(loc))
	if err != nil {
		logger.Fatalf("feed client error: %v", err)
	}
	smsClient, err := sms.NewClient(cfg.SMSBaseURL, cfg.SMSAccountSID, cfg.SMSAuthToken, cfg.SMSNumber)
	if err != nil {
		logger.Fatalf("sms client error: %v", err)
	}
	var directoryClient *directory.Client
	if cfg.DirectoryBaseURL != "" {
		directoryClient, err = directory.NewClient(cfg.DirectoryBaseURL, cfg.DirectoryToken)
		if err != nil {
			logger.Fatalf("directory client error: %v", err)
		}
	}

	sensorRepo := sensorrepo.NewSensorRepository(db)
	activeRepo := alertrepo.NewActiveRepository(db)
	archiveRepo := alertrepo.NewArchiveRepository(db)
	subscriberRepo := subscriberrepo.NewSubscriberRepository(db)
	reportRepo := reportrepo.NewReportRepository(db)

	quiet := notify.QuietHours{StartHour: cfg.QuietStartHour, EndHour: cfg.QuietEndHour, Location: loc}
	dispatcher, err := notify.NewDispatcher(smsClient, subscriberRepo, quiet, cfg.MessagePacing, logger)
	if err != nil {
		logger.Fatalf("dispatcher error: %v", err)
	}

	service, err := lifecycle.NewService(feedClient, sensorRepo, activeRepo, archiveRepo, subscriberRepo, reportRepo, dispatcher, logger,
		lifecycle.WithRules(alerts.Rules{
			Threshold:   cfg.SpikeThreshold,
			Ceiling:     cfg.SanityCeiling,
			StaleCutoff: cfg.StaleCutoff,
		}),
		lifecycle.WithRadius(cfg.AlertRadius),
		lifecycle.WithElevatedLag(cfg.ElevatedLag),
		lifecycle.WithReportBaseURL(cfg.ReportBaseURL),
		lifecycle.WithLocation(loc))
	if err != nil {
		logger.Fatalf("lifecycle service error: %v", err)
	}

	var reconciler *roster.Reconciler
	{
		var dir roster.Directory
		if directoryClient != nil {
			dir = directoryClient
		}
		reconciler, err = roster.NewReconciler(feedClient, sensorRepo, dir, subscriberRepo, dispatcher, cfg.AlertRadius, logger)
		if err != nil {
			logger.Fatalf("reconciler error: %v", err)
		}
	}

	// A cycle may pace out many texts, so its budget is the whole interval.
	cycle := func(ctx context.Context) error {
		runCtx, cancel := context.WithTimeout(ctx, cfg.PollInterval)
		defer cancel()
		_, err := service.RunCycle(runCtx)
		return err
	}
	daily := func(ctx context.Context) error {
		runCtx, cancel := context.WithTimeout(ctx, cfg.PollInterval)
		defer cancel()
		_, err := reconciler.Run(runCtx)
		return err
	}

	loop, err := scheduler.New(cycle, daily, cfg.PollInterval, cfg.DailySchedule, logger,
		scheduler.WithRunDuration(cfg.RunDuration),
		scheduler.WithLocation(loc))
	if err != nil {
		logger.Fatalf("scheduler error: %v", err)
	}

	mux := http.NewServeMux()
	export.NewHandler(archiveRepo, reportRepo, logger).Register(mux)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "db unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	authMiddleware := auth.NewMiddleware([]byte(cfg.AdminJWTSecret), auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}))
	server := &http.Server{Addr: cfg.HTTPAddr, Handler: loggingMiddleware(authMiddleware.Wrap(mux), logger)}
	go func() {
		logger.Printf("http listening on %s", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("http server error: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := loop.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		notifyOperator(smsClient, cfg.OperatorNumber, runErr, logger)
		logger.Fatalf("run loop error: %v", runErr)
	}
	logger.Printf("shutdown complete")
}

// notifyOperator texts the on-call number when the loop dies abnormally.
func notifyOperator(client *sms.Client, operator string, cause error, logger *log.Logger) {
	if operator == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Send(ctx, operator, "SpikeAlerts is down: "+cause.Error()); err != nil {
		logger.Printf("operator notification failed: %v", err)
	}
}

func loggingMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Printf("http %s %s %d %s", r.Method, r.URL.Path, resp.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
