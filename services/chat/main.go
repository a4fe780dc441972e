package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/chatcore/internal/config"
	"github.com/chatcore/internal/handler"
	"github.com/chatcore/internal/logger"
	"github.com/chatcore/internal/middleware"
	"github.com/chatcore/internal/push"
	"github.com/chatcore/internal/repository"
	"github.com/chatcore/internal/service"
	"github.com/chatcore/internal/startup"
	"github.com/chatcore/internal/storage"
	"github.com/chatcore/internal/storage/memory"
	"github.com/chatcore/internal/ws"
	"github.com/chatcore/migrations"
)

func main() {
	logger.SetPrefix("chat")
	migrate := flag.Bool("migrate", false, "run database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL and in-memory store (no external services)")
	issueFor := flag.Int64("issue-token", 0, "print a 24h access token for this user id and exit")
	flag.Parse()

	cfg := config.Load()
	logger.SetLevel(cfg.LogLevel)
	if *issueFor > 0 {
		tok, err := service.NewTokenService(cfg.JWTSecret, nil).Issue(*issueFor, 24*time.Hour)
		if err != nil {
			logger.Errorf("chat: %v", err)
			os.Exit(1)
		}
		fmt.Println(tok)
		return
	}
	logger.Info("starting chat service")

	if err := run(cfg, *migrate, *dev); err != nil {
		logger.Errorf("chat: %v", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, migrateOnly, dev bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if dev {
		db, err := startEmbeddedPostgres(cfg)
		if err != nil {
			return fmt.Errorf("embedded postgres: %w", err)
		}
		defer func() {
			logger.Info("stopping embedded postgres...")
			if err := db.Stop(); err != nil {
				logger.Errorf("embedded postgres stop: %v", err)
			}
		}()
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	if err != nil {
		return fmt.Errorf("parse db config: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.DBMaxConnections())
	poolCfg.MinConns = 4

	pool, err := startup.ConnectDBWithRetry(ctx, poolCfg, 60*time.Second)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := runMigrations(ctx, pool); err != nil {
		return err
	}
	if migrateOnly && !dev {
		return nil
	}

	users := repository.NewUserRepository(pool)
	resetCtx, resetCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := users.ResetAllOffline(resetCtx); err != nil {
		logger.Errorf("reset online status: %v", err)
	}
	resetCancel()
	logger.Info("database connected, migrations applied")

	var store storage.Store
	if dev {
		store = memory.New()
	} else {
		rc, err := startup.ConnectRedisWithRetry(ctx, cfg.Redis.URL, 60*time.Second)
		if err != nil {
			return err
		}
		store = rc
	}
	defer store.Close()

	tokens := service.NewTokenService(cfg.JWTSecret, store)

	keys, err := push.EnsureVAPIDKeys(cfg.VAPIDKeysFile)
	if err != nil {
		logger.Errorf("vapid keys: %v (push notifications disabled)", err)
		keys = nil
	}
	notifier := push.NewNotifier(store, keys, cfg.PushSubscriber)

	hub := ws.NewHub(ws.Stores{
		Users:       users,
		Messages:    repository.NewMessageRepository(pool),
		Reactions:   repository.NewReactionRepository(pool),
		Groups:      repository.NewGroupRepository(pool),
		Friends:     repository.NewFriendRepository(pool),
		Blocks:      repository.NewBlockRepository(pool),
		Contacts:    repository.NewContactRepository(pool),
		Idempotency: store,
	}, tokens, notifier, ws.Options{
		MaxConns:       cfg.MaxWSConnections,
		SendBufferSize: cfg.WSSendBufferSize,
		WriteTimeout:   cfg.WSWriteTimeout,
		PongTimeout:    cfg.WSPongTimeout,
		MaxMessageSize: cfg.WSMaxMessageSize,
		EventRate:      cfg.WSEventRate,
		EventBurst:     cfg.WSEventBurst,
		WorkerPoolSize: cfg.WorkerPoolSize,
		PersistTimeout: cfg.PersistTimeout,
		IdempotencyTTL: cfg.IdempotencyTTL,
		RequireToken:   cfg.WSRequireToken,
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      newRouter(cfg, hub, tokens, notifier),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		logger.Info("hub stopped")
		return nil
	})
	g.Go(func() error {
		return hub.Presence().RunSweep(gctx, cfg.PresenceSweep)
	})
	g.Go(func() error {
		logger.Infof("server listening on %s", cfg.ServerAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("server shutdown: %v", err)
		}
		logger.Info("server stopped accepting connections")
		return nil
	})
	return g.Wait()
}

func newRouter(cfg *config.Config, hub *ws.Hub, tokens *service.TokenService, notifier *push.Notifier) http.Handler {
	wsH := handler.NewWSHandler(hub, tokens, cfg.CORSAllowedOrigins, cfg.WSRequireToken)
	configH := handler.NewConfigHandler(notifier.PublicKey())
	pushH := handler.NewPushHandler(notifier)
	authH := handler.NewAuthHandler(tokens)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	r.Use(middleware.RequestLog)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.CORSAllowedOrigins},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler(hub.Registry()))
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", wsH.ServeWS)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.RateLimitAPI)
		r.Get("/config/push", configH.GetPushConfig)
		r.Group(func(r chi.Router) {
			r.Use(middleware.BearerAuth(tokens))
			r.Post("/push/subscribe", pushH.Subscribe)
			r.Delete("/push/subscribe", pushH.Unsubscribe)
			r.Post("/auth/logout", authH.Logout)
		})
	})
	return r
}

// healthHandler отвечает 200 и числом активных сессий.
func healthHandler(sessions *ws.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "sessions": sessions.Len()})
	}
}

// runMigrations применяет встроенные *.sql по порядку имён.
func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	entries, err := fs.ReadDir(migrations.Files, ".")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".sql" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		data, err := fs.ReadFile(migrations.Files, name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("run migration %s: %w", name, err)
		}
	}
	logger.Infof("migrations applied: %d", len(names))
	return nil
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "chat"
		password = "chat_secret"
		database = "chat"
	)

	dataDir := filepath.Join(".", ".pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "embedded-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	cfg.Database.URL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		user, password, port, database,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}
