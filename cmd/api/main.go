package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"presence/internal/attendance"
	"presence/internal/auth"
	"presence/internal/challenge"
	"presence/internal/cloudinary"
	"presence/internal/config"
	"presence/internal/face"
	"presence/internal/handler"
	"presence/internal/httpmiddleware"
	"presence/internal/liveness"
	"presence/internal/logger"
	"presence/internal/queue"
	"presence/internal/store"
	"presence/internal/verify"
)

func main() {
	cfg := config.Load()
	log := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Development: !cfg.Production()})
	defer func() { _ = log.Sync() }()

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.App, log *zap.Logger) error {
	db, err := store.NewDB(cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.EnsureSchema(ctx); err != nil {
		return err
	}
	log.Info("database ready", zap.String("dialect", db.Dialect.String()))

	var rdb *store.Redis
	if cfg.QueueBackend != "memory" || cfg.LivenessStore == "redis" {
		rdb = store.NewRedis(cfg.RedisAddr)
		defer rdb.Close()
		if !rdb.Healthy(ctx) {
			log.Warn("redis not reachable at startup", zap.String("addr", cfg.RedisAddr))
		}
	}

	notes := attendance.NewNotifications(db)
	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		mem := queue.NewInMemory(256)
		q = mem
		// No separate worker can read an in-process queue.
		go func() {
			if err := notes.Deliver(ctx, mem, log.Named("notify")); err != nil {
				log.Error("notification delivery stopped", zap.Error(err))
			}
		}()
	} else {
		q = queue.NewRedisQueue(rdb.Client, cfg.NotifyQueueKey)
	}

	var livenessStore liveness.Store
	if cfg.LivenessStore == "redis" {
		livenessStore = liveness.NewRedisStore(rdb.Client, cfg.LivenessTTL)
	} else {
		livenessStore = liveness.NewMemoryStore()
	}
	tracker := liveness.NewTracker(livenessStore,
		liveness.WithTTL(cfg.LivenessTTL),
		liveness.WithLogger(log.Named("liveness")))
	go tracker.RunSweeper(ctx, cfg.LivenessSweepInterval)

	dir := attendance.NewDirectory(db, time.Minute)
	ledger := attendance.NewLedger(db,
		attendance.WithRetryPolicy(attendance.RetryPolicy{MaxAttempts: cfg.LedgerMaxAttempts, Backoff: cfg.LedgerRetryBackoff}),
		attendance.WithPublisher(q),
		attendance.WithLogger(log.Named("ledger")),
		attendance.WithLocation(cfg.Location()))
	codec := challenge.NewCodec(dir, cfg.ChallengeSigningKey)
	if !codec.Signed() {
		log.Warn("CHALLENGE_SIGNING_KEY not set, challenges are unsigned")
	}

	detector, closeDetector, err := newDetector(cfg, log)
	if err != nil {
		return err
	}
	defer closeDetector()

	opts := []verify.Option{verify.WithLogger(log.Named("verify"))}
	archive := cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
	if archive.Configured() {
		opts = append(opts, verify.WithArchiver(archive))
		log.Info("capture archive enabled", zap.String("cloud", cfg.CloudinaryCloudName))
	}
	svc := verify.NewService(codec, detector, face.NewMatcher(cfg.FaceMatchThreshold), tracker, dir, ledger,
		verify.Config{
			ChallengeMaxAge:     cfg.ChallengeMaxAge,
			TrustClientVerified: cfg.TrustClientVerified,
			Location:            cfg.Location(),
		}, opts...)

	h := handler.New(handler.Deps{
		Verifier:      svc,
		Tracker:       tracker,
		Codec:         codec,
		Ledger:        ledger,
		Notifications: notes,
		DB:            db,
		Redis:         rdb,
		Log:           log.Named("http"),
	})

	ipLimit := httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)
	verifyLimit := httpmiddleware.NewSimpleTokenBucket(cfg.VerifyLimitPerMin, cfg.VerifyLimitPerMin)
	go pruneBuckets(ctx, ipLimit, verifyLimit)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))
	r.Use(securityHeaders())
	r.Use(ipLimit.GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	h.Register(r, handler.Routes{
		Auth:        auth.Bearer(cfg.JWTSigningKey, cfg.JWTIssuer),
		VerifyLimit: verifyLimit.KeyedMiddleware(auth.SubjectKey),
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}
	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server forced shutdown", zap.Error(err))
	}
	log.Info("server exited")
	return nil
}

func pruneBuckets(ctx context.Context, limiters ...*httpmiddleware.SimpleTokenBucket) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, l := range limiters {
				l.Prune(10 * time.Minute)
			}
		}
	}
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}
