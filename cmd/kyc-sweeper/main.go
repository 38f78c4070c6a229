// ==============================================================================
// KYC SWEEPER - cmd/kyc-sweeper/main.go
// ==============================================================================
// Runs the periodic review sweep (SLA timeouts, pending assignment) and serves
// health, readiness and metrics endpoints.
// ==============================================================================
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"kycreview/internal/audit"
	"kycreview/internal/kyc"
	"kycreview/internal/metrics"
	"kycreview/internal/middleware"
	"kycreview/internal/repository/postgres"
	"kycreview/internal/scheduler"
	"kycreview/pkg/cache"
	"kycreview/pkg/config"
	"kycreview/pkg/logger"
)

func main() {
	_ = config.LoadDotEnv()
	cfg := config.Load()
	log := logger.New(cfg.Service)

	if err := cfg.ValidateCore(); err != nil {
		log.Fatal("Invalid configuration", map[string]interface{}{"error": err.Error()})
	}
	if err := cfg.ValidateKYC(); err != nil {
		log.Fatal("Invalid KYC configuration", map[string]interface{}{"error": err.Error()})
	}

	log.Info("Starting KYC sweeper", map[string]interface{}{
		"port":     cfg.Server.Port,
		"interval": cfg.Sweeper.Interval.String(),
	})

	db, err := sqlx.Connect("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatal("Failed to connect to database", map[string]interface{}{
			"error": err.Error(),
		})
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	log.Info("Database connected", nil)

	redisCache, err := cache.NewRedisCache(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatal("Failed to connect to Redis", map[string]interface{}{
			"error": err.Error(),
		})
	}
	defer redisCache.Close()

	log.Info("Redis connected", nil)

	sinks := audit.FanOut{audit.NewLogSink(log)}
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaSink, err := audit.NewKafkaSink(cfg.Kafka, log)
		if err != nil {
			log.Fatal("Failed to create Kafka audit sink", map[string]interface{}{
				"error": err.Error(),
			})
		}
		defer kafkaSink.Close()
		sinks = append(sinks, kafkaSink)
		log.Info("Kafka audit sink enabled", map[string]interface{}{"topic": cfg.Kafka.Topic})
	}

	m := metrics.New(nil)
	store := postgres.NewApplicationRepository(db)
	roster := postgres.NewReviewerRepository(db)

	svc, err := kyc.NewKYCService(store, roster, cfg.KYC, log,
		kyc.WithEventSink(sinks),
		kyc.WithMetrics(m),
		kyc.WithSweepConcurrency(cfg.Sweeper.Concurrency),
	)
	if err != nil {
		log.Fatal("Failed to create KYC service", map[string]interface{}{"error": err.Error()})
	}

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 10*time.Second)
	if cfg.Sweeper.ReviewersFile != "" {
		seeded, err := seedRoster(startupCtx, roster, cfg.Sweeper.ReviewersFile)
		if err != nil {
			cancelStartup()
			log.Fatal("Failed to seed reviewer roster", map[string]interface{}{
				"file":  cfg.Sweeper.ReviewersFile,
				"error": err.Error(),
			})
		}
		log.Info("Reviewer roster seeded", map[string]interface{}{"reviewers": seeded})
	}
	if err := svc.ValidateRoster(startupCtx); err != nil {
		cancelStartup()
		log.Fatal("Reviewer roster cannot take escalations", map[string]interface{}{"error": err.Error()})
	}
	cancelStartup()

	sweeper := scheduler.NewScheduler(svc, cfg.Sweeper, log,
		scheduler.WithLease(redisCache),
		scheduler.WithStatusStore(redisCache),
		scheduler.WithMetrics(m),
	)

	r := mux.NewRouter()
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.Recovery(log))
	r.Use(middleware.CorrelationID)
	r.Use(middleware.NewLoggingMiddleware(log, "/health", "/ready", "/metrics").Log)

	r.HandleFunc("/health", healthCheck).Methods("GET")
	r.HandleFunc("/ready", readyCheck(db, redisCache)).Methods("GET")
	r.HandleFunc("/sweeps/last", lastSweep(redisCache, cfg.Sweeper.LeaseKey)).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	srv := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()
	sweeper.Start(runCtx)

	go func() {
		log.Info("KYC sweeper ops server started", map[string]interface{}{
			"address": srv.Addr,
		})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed to start", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down KYC sweeper...", nil)

	stopRun()
	sweeper.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("KYC sweeper forced to shutdown", map[string]interface{}{
			"error": err.Error(),
		})
	}

	log.Info("KYC sweeper stopped gracefully", nil)
}

func seedRoster(ctx context.Context, w kyc.RosterWriter, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	reviewers, err := kyc.ParseRoster(f)
	if err != nil {
		return 0, err
	}
	return len(reviewers), kyc.SeedRoster(ctx, w, reviewers)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func healthCheck(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"service":   "kyc-sweeper",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func readyCheck(db *sqlx.DB, rc *cache.RedisCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "reason": "database unavailable"})
			return
		}
		if err := rc.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "reason": "redis unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "service": "kyc-sweeper"})
	}
}

func lastSweep(rc *cache.RedisCache, leaseKey string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var last scheduler.Result
		err := rc.Get(r.Context(), scheduler.LastRunKey, &last)
		if errors.Is(err, redis.Nil) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no sweep recorded"})
			return
		}
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "sweep status unavailable"})
			return
		}
		holder, err := rc.LeaseHolder(r.Context(), leaseKey)
		if err != nil {
			holder = "unknown"
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"last_run":     last,
			"lease_holder": holder,
		})
	}
}
