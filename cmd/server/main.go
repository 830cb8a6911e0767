package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/familybook/familybook/internal/about"
	"github.com/familybook/familybook/internal/admin"
	"github.com/familybook/familybook/internal/auth"
	"github.com/familybook/familybook/internal/config"
	"github.com/familybook/familybook/internal/feed"
	"github.com/familybook/familybook/internal/logging"
	"github.com/familybook/familybook/internal/magiclink"
	"github.com/familybook/familybook/internal/media"
	"github.com/familybook/familybook/internal/metrics"
	"github.com/familybook/familybook/internal/middleware"
	"github.com/familybook/familybook/internal/photos"
	"github.com/familybook/familybook/internal/store"
	"github.com/familybook/familybook/internal/store/backend"
)

func fatal(log *slog.Logger, msg string, err error) {
	log.Error(msg, "error", err)
	os.Exit(1)
}

func main() {
	cfg, err := config.Load(os.Getenv("FAMILYBOOK_CONFIG"))
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err := cfg.Validate(); err != nil {
		fatal(logger, "invalid config", err)
	}
	loc, _ := cfg.Location()
	ctx := context.Background()
	reg := metrics.New()

	// ── Repository ───────────────────────────────────────────
	repo, closeStore, err := backend.Open(ctx, cfg)
	if err != nil {
		fatal(logger, "store open failed", err)
	}
	defer closeStore()
	if err := repo.Migrate(ctx); err != nil {
		fatal(logger, "store migrate failed", err)
	}
	logger.Info("store ready", "driver", cfg.StoreDriver)

	// ── Redis ────────────────────────────────────────────────
	rdb, err := store.NewRedisClient(ctx, store.RedisConfig{
		Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB,
	})
	if err != nil {
		fatal(logger, "redis connect failed", err)
	}
	defer rdb.Close()
	sessions := auth.NewSessionStore(rdb, cfg.SessionTTL)
	states := auth.NewStateStore(rdb)

	// ── MinIO ────────────────────────────────────────────────
	minioStore, err := store.NewMinioStore(
		ctx, cfg.MinioEndpoint, cfg.MinioAccessKey,
		cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL,
	)
	if err != nil {
		fatal(logger, "minio connect failed", err)
	}

	// ── Services ─────────────────────────────────────────────
	links := magiclink.NewService(repo, cfg.PublicURL, reg)
	if cfg.AdminEmail != "" {
		if err := auth.EnsureAdmin(ctx, repo, links, cfg.AdminEmail); err != nil {
			fatal(logger, "bootstrap admin failed", err)
		}
	}
	feedSvc := feed.NewService(repo, loc, logger)
	mediaSvc := media.NewService(minioStore, repo, reg, logger)

	// ── Handlers ─────────────────────────────────────────────
	authOpts := auth.Options{
		AdminEmail:        cfg.AdminEmail,
		AdminPasswordHash: cfg.AdminPasswordHash,
		UserinfoURL:       auth.GoogleUserinfoURL,
		SecureCookie:      cfg.SessionSecure,
		Logger:            logger,
	}
	if cfg.GoogleLoginEnabled() {
		authOpts.Google = auth.GoogleConfig(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleRedirectURL)
	}
	authHandler := auth.NewHandler(repo, links, sessions, states, authOpts)
	feedHandler := feed.NewHandler(feedSvc, logger)
	adminHandler := admin.NewHandler(repo, links, mediaSvc, cfg.MediaGrace, logger)
	mediaHandler := media.NewHandler(mediaSvc, logger)
	aboutHandler := about.NewHandler(about.NewService(repo, logger), logger)

	var photosHandler *photos.Handler
	if cfg.PhotosEnabled() {
		oc := photos.Config(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.PhotosRedirectURL)
		photosHandler = photos.NewHandler(photos.NewService(oc, repo, mediaSvc, logger), states, logger)
	}

	limiter := middleware.NewRateLimiter(cfg.RateLimit, cfg.RateBurst)
	requireAdmin := middleware.RequireAdmin(sessions, repo)

	// ── Router ───────────────────────────────────────────────
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(logger))
	r.Use(reg.Middleware)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Origins(),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", reg.Handler())

	// Auth routes (public)
	r.Route("/api/auth", func(r chi.Router) {
		r.With(limiter.Handler).Post("/magic", authHandler.MagicLogin)
		r.With(limiter.Handler).Post("/login", authHandler.Login)
		r.Get("/google/login", authHandler.GoogleLogin)
		r.Get("/google/callback", authHandler.GoogleCallback)
		r.Post("/logout", authHandler.Logout)
		r.With(requireAdmin).Get("/me", authHandler.Me)
	})

	// About Us (public)
	r.Get("/api/about", aboutHandler.Show)

	// Viewer routes (magic link)
	r.Route("/api/posts/{token}", func(r chi.Router) {
		r.Use(limiter.Handler)
		r.Use(middleware.RequireMagicLink(links))
		feedHandler.Routes(r)
		r.Group(func(r chi.Router) {
			r.Use(middleware.AdminOnly)
			feedHandler.AdminRoutes(r)
		})
	})

	// Admin routes (session)
	r.Route("/api/admin", func(r chi.Router) {
		r.Use(requireAdmin)
		adminHandler.Routes(r)
		r.Put("/about", aboutHandler.Update)
	})

	// Media
	r.With(requireAdmin).Post("/api/media", mediaHandler.Upload)
	r.Get("/uploads/{key}", mediaHandler.Serve)

	// Google Photos import
	if photosHandler != nil {
		r.Route("/api/photos", func(r chi.Router) {
			r.Get("/callback", photosHandler.Callback)
			r.Group(func(r chi.Router) {
				r.Use(requireAdmin)
				photosHandler.Routes(r)
			})
		})
	}

	// ── Server ───────────────────────────────────────────────
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 5 * time.Minute,
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go func() {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-t.C:
				limiter.Sweep()
			}
		}
	}()

	go func() {
		logger.Info("familybook listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatal(logger, "server error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	srv.Shutdown(shutCtx)
}
