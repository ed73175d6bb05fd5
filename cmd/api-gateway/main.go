package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/bimbel-api/api/swagger"
	"github.com/noah-isme/bimbel-api/internal/handler"
	"github.com/noah-isme/bimbel-api/internal/middleware"
	"github.com/noah-isme/bimbel-api/internal/models"
	"github.com/noah-isme/bimbel-api/internal/repository"
	"github.com/noah-isme/bimbel-api/internal/service"
	"github.com/noah-isme/bimbel-api/pkg/cache"
	"github.com/noah-isme/bimbel-api/pkg/config"
	"github.com/noah-isme/bimbel-api/pkg/database"
	"github.com/noah-isme/bimbel-api/pkg/jobs"
	"github.com/noah-isme/bimbel-api/pkg/logger"
	"github.com/noah-isme/bimbel-api/pkg/mailer"
	corsmiddleware "github.com/noah-isme/bimbel-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/bimbel-api/pkg/middleware/requestid"
	"github.com/noah-isme/bimbel-api/pkg/push"
	"github.com/noah-isme/bimbel-api/pkg/storage"
)

// @title Bimbel API
// @version 1.0.0
// @description Enrollment and payment lifecycle API for the bimbel marketplace
// @BasePath /api/v1
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer redisClient.Close()

	proofStore, err := storage.NewLocalStorage(cfg.Storage.ProofDir)
	if err != nil {
		logr.Fatal("failed to init proof storage", zap.Error(err))
	}

	validate := validator.New()
	metrics := service.NewMetricsService()

	var email service.EmailSender
	if cfg.Notifications.SendgridAPIKey != "" {
		email = mailer.NewSendgridMailer(cfg.Notifications.SendgridAPIKey, cfg.Notifications.FromName, cfg.Notifications.FromEmail)
	} else {
		logr.Warn("SENDGRID_API_KEY not set, emails are logged instead of sent")
		email = mailer.NewConsoleMailer(logr)
	}
	pushSender := push.NewWebhookSender(cfg.Notifications.PushWebhookURL, logr)

	notifier := service.NewNotificationService(email, pushSender, logr, metrics, jobs.QueueConfig{
		Workers:    cfg.Notifications.Workers,
		MaxRetries: cfg.Notifications.MaxRetries,
		RetryDelay: cfg.Notifications.RetryDelay,
		Logger:     logr,
	})

	enrollmentRepo := repository.NewEnrollmentRepository(db)
	classRepo := repository.NewClassRepository(db)
	studentRepo := repository.NewStudentRepository(db)
	userRepo := repository.NewUserRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)

	authService := service.NewAuthService(userRepo, validate, logr, service.AuthConfig{
		Secret:     cfg.JWT.Secret,
		Expiration: cfg.JWT.Expiration,
		Issuer:     "bimbel-api",
	})
	cacheService := service.NewCacheService(cacheRepo, metrics, 10*time.Minute, logr, true)
	classService := service.NewClassService(classRepo, cacheService, logr)
	enrollmentService := service.NewEnrollmentService(enrollmentRepo, classRepo, studentRepo, proofStore, notifier, validate, logr, cfg.Billing.PendingPaymentTTL)
	schedulerService := service.NewSchedulerService(enrollmentRepo, notifier, cache.NewLease(redisClient), proofStore, logr, metrics, service.SchedulerConfig{
		ReminderDay:       cfg.Billing.ReminderDays,
		UrgentReminderDay: cfg.Billing.UrgentReminderDay,
		OverdueGraceDays:  cfg.Billing.OverdueGraceDays,
		SuspendAfterDays:  cfg.Billing.SuspendAfterDays,
		OverdueDedupDays:  cfg.Billing.OverdueDedupDays,
		TrialNoticeDays:   cfg.Billing.TrialNoticeDays,
		PendingPaymentTTL: cfg.Billing.PendingPaymentTTL,
		LeaseTTL:          cfg.Sweeps.LeaseTTL,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	notifier.Start(ctx)
	defer notifier.Stop()

	if cfg.Sweeps.IntervalEnabled {
		go runSweepTicker(ctx, schedulerService, cfg.Sweeps.Interval, logr)
	}

	authHandler := handler.NewAuthHandler(authService)
	classHandler := handler.NewClassHandler(classService)
	enrollmentHandler := handler.NewEnrollmentHandler(enrollmentService, proofStore)
	sweepHandler := handler.NewSweepHandler(schedulerService)
	metricsHandler := handler.NewMetricsHandler(metrics)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metrics))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/ready", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "reason": "database"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	v1 := r.Group("/api/v1")
	v1.POST("/auth/login", authHandler.Login)
	v1.GET("/classes", classHandler.List)
	v1.GET("/classes/:id", classHandler.Get)

	authed := v1.Group("")
	authed.Use(middleware.JWT(authService))
	authed.GET("/auth/me", authHandler.Me)

	enrollments := authed.Group("/enrollments")
	enrollments.POST("", enrollmentHandler.Create)
	enrollments.GET("", enrollmentHandler.List)
	enrollments.GET("/:id", enrollmentHandler.Get)
	enrollments.POST("/:id/proof", enrollmentHandler.SubmitProof)

	staff := middleware.RequireRoles(models.RoleAdmin, models.RoleStaff)
	enrollments.GET("/:id/proof", staff, enrollmentHandler.DownloadProof)
	enrollments.POST("/:id/review", staff,
		middleware.Audit(userRepo, models.AuditActionEnrollmentReview, "enrollments"),
		enrollmentHandler.ReviewEnrollmentProof)
	enrollments.POST("/:id/payments/:pid/review", staff,
		middleware.Audit(userRepo, models.AuditActionPaymentReview, "enrollments"),
		enrollmentHandler.ReviewMonthlyPayment)

	sweeps := authed.Group("/sweeps", staff, middleware.Audit(userRepo, models.AuditActionSweepRun, "sweeps"))
	sweeps.POST("/daily", sweepHandler.RunDaily)
	sweeps.POST("/reminders", sweepHandler.RunReminders)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Error("graceful shutdown failed", zap.Error(err))
	}
}

// runSweepTicker drives the sweeps internally when no external cron is
// configured. The Redis lease keeps concurrent replicas from double-running.
func runSweepTicker(ctx context.Context, scheduler *service.SchedulerService, interval time.Duration, logr *zap.Logger) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if summary, err := scheduler.RunDailySweep(ctx); err != nil {
				logr.Error("daily sweep failed", zap.Error(err))
			} else if !summary.Skipped {
				logr.Info("daily sweep finished",
					zap.Int("processed", summary.Processed),
					zap.Int("expired", summary.Expired),
					zap.Int("deleted", summary.Deleted),
					zap.Int("errors", summary.Errors))
			}
			if summary, err := scheduler.RunReminderSweep(ctx); err != nil {
				logr.Error("reminder sweep failed", zap.Error(err))
			} else if !summary.Skipped {
				logr.Info("reminder sweep finished",
					zap.Int("reminders", summary.RemindersSent),
					zap.Int("overdue", summary.OverdueNoticesSent),
					zap.Int("suspended", summary.SuspensionsApplied),
					zap.Int("errors", summary.Errors))
			}
		}
	}
}
